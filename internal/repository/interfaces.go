// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/certforge/internal/model"
)

// UserRepository はPrincipalの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Principal, error)

	// UpdateRole はユーザーのロールを更新し、更新後のユーザーを返す。
	// 見つからない場合はnilを返す。
	UpdateRole(ctx context.Context, id string, role model.Role) (*model.Principal, error)
}

// SessionRepository はセッションデータの読み取りインターフェース。
type SessionRepository interface {
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
}

// ModuleRepository はモジュール定義の読み取りインターフェース。
type ModuleRepository interface {
	// FindByID はモジュールと必須ユニットIDを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Module, error)
}

// ProgressRepository は受講進捗の読み取りインターフェース。
type ProgressRepository interface {
	// ListByStudentAndUnits は指定ユニットに限定した受講者の進捗を返す。
	// 記録のないユニットは結果に含まれない。
	ListByStudentAndUnits(ctx context.Context, studentID string, unitIDs []string) ([]model.ProgressRecord, error)
}

// CredentialRepository は修了証の永続化インターフェース。
type CredentialRepository interface {
	// Create は修了証を作成する。
	// (student_id, module_id) の一意制約に違反した場合は ErrDuplicate を返す。
	Create(ctx context.Context, credential *model.Credential) error

	// FindByID は指定IDの修了証を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Credential, error)

	// FindByStudentAndModule は受講者とモジュールの組で修了証を取得する。見つからない場合はnilを返す。
	FindByStudentAndModule(ctx context.Context, studentID, moduleID string) (*model.Credential, error)

	// ListByStudentID は受講者の修了証をissued_at降順で返す。
	ListByStudentID(ctx context.Context, studentID string) ([]*model.Credential, error)

	// AttachArtifact はpendingの修了証にPDFパスを設定する。
	// 対象がpendingでない、または存在しない場合はfalseを返す。
	AttachArtifact(ctx context.Context, id, path string) (bool, error)
}
