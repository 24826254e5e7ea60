// Package storage はオブジェクトストアのバックエンドと署名付きURLの発行・検証を提供する。
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrObjectNotFound は指定パスのオブジェクトが存在しないことを示す。
	ErrObjectNotFound = errors.New("storage: object not found")
	// ErrGrantInvalid は署名付きURLが期限切れ、改ざん、または別オブジェクト向けであることを示す。
	ErrGrantInvalid = errors.New("storage: grant expired or invalid")
)

// Object はオブジェクトストア上のオブジェクトのメタデータ。
type Object struct {
	Path        string
	Size        int64
	ContentType string
	UpdatedAt   time.Time
}

// ListOptions は一覧取得の条件。結果は常にUpdatedAt降順。
// Prefix直下のオブジェクトのみを対象とし、Limit/Offsetもその集合に適用する。
type ListOptions struct {
	Prefix string
	Limit  int
	Offset int
}

// ObjectStore はバケット単位のオブジェクトストア操作。
type ObjectStore interface {
	// List はPrefix直下のオブジェクトをUpdatedAt降順で返す。サブディレクトリ配下は含めない。
	// 0件の場合は空スライスを返す。
	List(ctx context.Context, opts ListOptions) ([]Object, error)

	// Upload はオブジェクトを書き込む。同じパスが存在する場合は上書きする。
	Upload(ctx context.Context, path string, data []byte, contentType string) (*Object, error)

	// CreateSignedURL は期限付きでpathを取得できるURLと、そのURLが失効する時刻を返す。
	// オブジェクトが存在しない場合は ErrObjectNotFound を返す。
	CreateSignedURL(ctx context.Context, path string, ttl time.Duration) (string, time.Time, error)

	// FetchSigned は署名付きURLでオブジェクトを取得する。
	// トークンが拒否された場合は ErrGrantInvalid を返す。呼び出し元はCloseすること。
	FetchSigned(ctx context.Context, signedURL string) (io.ReadCloser, error)
}
