// Package cleanup は期限切れセッションの定期削除ジョブを提供する。
// Access Gateは期限切れセッションを無効として扱うため、削除は容量回収のみを目的とする。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SessionPurgeJob は期限切れセッションの削除ジョブ。冪等。
type SessionPurgeJob struct {
	db      Executor
	logger  *slog.Logger
	timeout time.Duration
}

// NewSessionPurgeJob は新しいSessionPurgeJobを生成する。timeoutは1回の削除の上限時間。
func NewSessionPurgeJob(db Executor, logger *slog.Logger, timeout time.Duration) *SessionPurgeJob {
	return &SessionPurgeJob{
		db:      db,
		logger:  logger,
		timeout: timeout,
	}
}

// Run は期限切れセッションを削除する。
// 削除対象がない場合でもエラーにならない。
func (j *SessionPurgeJob) Run(ctx context.Context) error {
	start := time.Now()

	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}

	result, err := j.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < now()`)
	if err != nil {
		j.logger.Error("session purge failed",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("purge expired sessions: %w", err)
	}

	deletedCount, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("failed to read purged session count",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("rows affected: %w", err)
	}

	j.logger.Info("session purge completed",
		slog.Int64("deleted_count", deletedCount),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return nil
}

// RunLoop は起動直後とinterval毎にRunを実行し、ctxがキャンセルされるまでブロックする。
// 個々の実行の失敗はログに記録して次の周期で再試行する。
func (j *SessionPurgeJob) RunLoop(ctx context.Context, interval time.Duration) {
	_ = j.Run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("session purge worker stopped")
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
