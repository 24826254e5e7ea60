package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/certforge/internal/model"
)

// credentialUniqueConstraint はcertificatesの(student_id, module_id)一意制約名。
const credentialUniqueConstraint = "certificates_student_module_key"

// PostgresCredentialRepo はPostgreSQLを使用した修了証リポジトリ。
type PostgresCredentialRepo struct {
	db *sql.DB
}

// NewPostgresCredentialRepo はPostgresCredentialRepoを生成する。
func NewPostgresCredentialRepo(db *sql.DB) *PostgresCredentialRepo {
	return &PostgresCredentialRepo{db: db}
}

const credentialColumns = `id, student_id, module_id, issued_at, artifact_path`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (*model.Credential, error) {
	c := &model.Credential{}
	var artifactPath sql.NullString
	if err := row.Scan(&c.ID, &c.StudentID, &c.ModuleID, &c.IssuedAt, &artifactPath); err != nil {
		return nil, err
	}
	c.ArtifactPath = artifactPath.String
	return c, nil
}

// Create は修了証を作成する。artifact_pathはNULL（pending）で作成する。
// 一意制約違反の場合は ErrDuplicate を返す。
func (r *PostgresCredentialRepo) Create(ctx context.Context, credential *model.Credential) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO certificates (id, student_id, module_id, issued_at, artifact_path)
		 VALUES ($1, $2, $3, $4, NULL)`,
		credential.ID, credential.StudentID, credential.ModuleID, credential.IssuedAt,
	)
	if isUniqueViolation(err, credentialUniqueConstraint) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert credential: %w", err)
	}
	return nil
}

// FindByID は指定IDの修了証を取得する。見つからない場合はnilを返す。
func (r *PostgresCredentialRepo) FindByID(ctx context.Context, id string) (*model.Credential, error) {
	c, err := scanCredential(r.db.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM certificates WHERE id = $1`,
		id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find credential by ID: %w", err)
	}
	return c, nil
}

// FindByStudentAndModule は受講者とモジュールの組で修了証を取得する。見つからない場合はnilを返す。
func (r *PostgresCredentialRepo) FindByStudentAndModule(ctx context.Context, studentID, moduleID string) (*model.Credential, error) {
	c, err := scanCredential(r.db.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM certificates
		 WHERE student_id = $1 AND module_id = $2`,
		studentID, moduleID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find credential by student and module: %w", err)
	}
	return c, nil
}

// ListByStudentID は受講者の修了証をissued_at降順で返す。
func (r *PostgresCredentialRepo) ListByStudentID(ctx context.Context, studentID string) ([]*model.Credential, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+credentialColumns+` FROM certificates
		 WHERE student_id = $1
		 ORDER BY issued_at DESC, id`,
		studentID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	credentials := []*model.Credential{}
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		credentials = append(credentials, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate credentials: %w", err)
	}
	return credentials, nil
}

// AttachArtifact はartifact_pathがNULLの修了証にのみパスを設定する。
// pendingからの遷移は一方向で、設定済みの行は更新しない。
func (r *PostgresCredentialRepo) AttachArtifact(ctx context.Context, id, path string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE certificates SET artifact_path = $2
		 WHERE id = $1 AND artifact_path IS NULL`,
		id, path,
	)
	if err != nil {
		return false, fmt.Errorf("failed to attach artifact: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected == 1, nil
}

// compile-time interface check
var _ CredentialRepository = (*PostgresCredentialRepo)(nil)
