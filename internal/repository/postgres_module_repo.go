package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/certforge/internal/model"
)

// PostgresModuleRepo はmodules / module_unitsを読み取るリポジトリ。
type PostgresModuleRepo struct {
	db *sql.DB
}

// NewPostgresModuleRepo はPostgresModuleRepoを生成する。
func NewPostgresModuleRepo(db *sql.DB) *PostgresModuleRepo {
	return &PostgresModuleRepo{db: db}
}

// FindByID はモジュールと必須ユニットIDをposition順に取得する。
// 見つからない場合はnilを返す。ユニットが0件のモジュールは空スライスで返す。
func (r *PostgresModuleRepo) FindByID(ctx context.Context, id string) (*model.Module, error) {
	m := &model.Module{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, title FROM modules WHERE id = $1`,
		id,
	).Scan(&m.ID, &m.Title)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find module: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT unit_id FROM module_units
		 WHERE module_id = $1
		 ORDER BY position, unit_id`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list module units: %w", err)
	}
	defer rows.Close()

	m.RequiredUnitIDs = []string{}
	for rows.Next() {
		var unitID string
		if err := rows.Scan(&unitID); err != nil {
			return nil, fmt.Errorf("failed to scan module unit: %w", err)
		}
		m.RequiredUnitIDs = append(m.RequiredUnitIDs, unitID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate module units: %w", err)
	}

	return m, nil
}

// compile-time interface check
var _ ModuleRepository = (*PostgresModuleRepo)(nil)
