package handler

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/hitoshi/certforge/internal/model"
	"github.com/hitoshi/certforge/internal/storage"
)

// SignedObjectOpener は署名付きURLのトークンを検証してオブジェクトを読み出す。
// storage.PostgresStore が満たす。
type SignedObjectOpener interface {
	OpenSigned(ctx context.Context, bucket, path, token string) (*storage.Object, []byte, error)
}

// SignedObjectHandler はPostgresバックエンドの署名付きURLを配信するHTTPハンドラー。
// トークンの所持のみで認可するため、セッションやCSRFの検証は行わない。
type SignedObjectHandler struct {
	opener  SignedObjectOpener
	timeout time.Duration
}

// NewSignedObjectHandler はSignedObjectHandlerを生成する。
func NewSignedObjectHandler(opener SignedObjectOpener, timeout time.Duration) *SignedObjectHandler {
	return &SignedObjectHandler{
		opener:  opener,
		timeout: timeout,
	}
}

// ServeHTTP はトークンを検証し、オブジェクトの内容を返す。
// GET /storage/v1/object/sign/{bucket}/*?token=...
func (h *SignedObjectHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	bucket, path, ok := storage.ParseSignedPath(r.URL.Path)
	if !ok {
		handleServiceError(w, model.NewObjectNotFoundError(r.URL.Path))
		return
	}

	ctx := r.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	obj, data, err := h.opener.OpenSigned(ctx, bucket, path, r.URL.Query().Get("token"))
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrGrantInvalid):
			handleServiceError(w, model.NewGrantExpiredOrInvalidError(err))
		case errors.Is(err, storage.ErrObjectNotFound):
			handleServiceError(w, model.NewObjectNotFoundError(path))
		default:
			handleServiceError(w, model.NewStoreUnavailableError(err))
		}
		return
	}

	w.Header().Set("Content-Type", obj.ContentType)
	http.ServeContent(w, r, "", obj.UpdatedAt, bytes.NewReader(data))
}
