// Package model はドメインモデルを定義する。
package model

import "time"

// Role はPrincipalの権限ロールを表す。
type Role string

const (
	// RoleStudent は受講者ロール。
	RoleStudent Role = "student"
	// RoleAdmin は管理者ロール。
	RoleAdmin Role = "admin"
)

// Valid はロールが定義済みの値かどうかを返す。
func (r Role) Valid() bool {
	return r == RoleStudent || r == RoleAdmin
}

// Principal は認証済みのアイデンティティを表す。
// ロールはusersテーブルの値のみを正とする。
type Principal struct {
	ID        string
	Email     string
	Name      string
	Role      Role
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsAdmin は管理者ロールかどうかを返す。
func (p *Principal) IsAdmin() bool {
	return p != nil && p.Role == RoleAdmin
}

// Session はユーザーのログインセッションを表す。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time

	// Metadata はクライアント由来の表示用情報。認可判定には使用しない。
	Metadata SessionMetadata
}

// SessionMetadata はsessions.dataカラムに保存される表示用メタデータ。
type SessionMetadata struct {
	DisplayName string `json:"display_name,omitempty"`
	DisplayRole string `json:"display_role,omitempty"`
}
