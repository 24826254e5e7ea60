package model

import "time"

// Module は学習ユニットをまとめたモジュールを表す。
// RequiredUnitIDs は修了に必要なユニットIDを表示順に保持する。
type Module struct {
	ID              string
	Title           string
	RequiredUnitIDs []string
}

// ProgressRecord はユニット単位の受講者の進捗を表す。
// CompletedAt がnilの場合は未完了。
type ProgressRecord struct {
	StudentID   string
	UnitID      string
	CompletedAt *time.Time
}

// Completed はユニットが完了済みかどうかを返す。
func (p ProgressRecord) Completed() bool {
	return p.CompletedAt != nil && !p.CompletedAt.IsZero()
}

// Verdict はEligibility判定の結果。
type Verdict string

const (
	// VerdictComplete は全必須ユニットが完了済みであることを示す。
	VerdictComplete Verdict = "Complete"
	// VerdictIncomplete は未完了のユニットが残っていることを示す。
	VerdictIncomplete Verdict = "Incomplete"
)
