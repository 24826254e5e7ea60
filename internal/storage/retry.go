package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// RetryPolicy は冪等な読み取り操作のリトライ設定。
type RetryPolicy struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy は3回試行、初回100ms、最大1秒の指数バックオフを返す。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:       3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
	}
}

// Backoff は失敗回数に応じた待機時間を返す。2倍ずつ増加し、MaxBackoffで頭打ちにする。
func (p RetryPolicy) Backoff(failures int) time.Duration {
	delay := p.InitialBackoff
	for i := 0; i < failures; i++ {
		delay *= 2
		if delay > p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return delay
}

// StatusError はオブジェクトストアが返した想定外のHTTPステータス。
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("storage: %s returned status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Transient は再試行で回復しうるステータスかどうかを返す。
func (e *StatusError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// isTransient はerrが再試行対象かどうかを返す。
// 未検出・トークン拒否・コンテキスト終了は再試行しない。
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrObjectNotFound) || errors.Is(err, ErrGrantInvalid) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Transient()
	}
	// 接続エラーなどステータスを得られなかった失敗
	return true
}

// withRetry はfnを最大p.Attempts回実行する。一時的な失敗のみ再試行する。
func withRetry(ctx context.Context, p RetryPolicy, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !isTransient(err) || i == attempts-1 {
			return err
		}

		timer := time.NewTimer(p.Backoff(i))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}
