package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/certforge/internal/model"
)

// PostgresProgressRepo はprogress_recordsを読み取るリポジトリ。
type PostgresProgressRepo struct {
	db *sql.DB
}

// NewPostgresProgressRepo はPostgresProgressRepoを生成する。
func NewPostgresProgressRepo(db *sql.DB) *PostgresProgressRepo {
	return &PostgresProgressRepo{db: db}
}

// ListByStudentAndUnits は指定ユニットに限定した受講者の進捗を返す。
func (r *PostgresProgressRepo) ListByStudentAndUnits(ctx context.Context, studentID string, unitIDs []string) ([]model.ProgressRecord, error) {
	if len(unitIDs) == 0 {
		return []model.ProgressRecord{}, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT student_id, unit_id, completed_at
		 FROM progress_records
		 WHERE student_id = $1 AND unit_id = ANY($2::uuid[])`,
		studentID, pq.Array(unitIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list progress records: %w", err)
	}
	defer rows.Close()

	records := []model.ProgressRecord{}
	for rows.Next() {
		var rec model.ProgressRecord
		var completedAt sql.NullTime
		if err := rows.Scan(&rec.StudentID, &rec.UnitID, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan progress record: %w", err)
		}
		if completedAt.Valid {
			t := completedAt.Time
			rec.CompletedAt = &t
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate progress records: %w", err)
	}

	return records, nil
}

// compile-time interface check
var _ ProgressRepository = (*PostgresProgressRepo)(nil)
