// Package artifact はテンプレート画像の管理と署名付きURLによる期限付きアクセスを提供する。
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/hitoshi/certforge/internal/model"
	"github.com/hitoshi/certforge/internal/storage"
)

const (
	// DefaultPageSize はテンプレート一覧の既定件数。
	DefaultPageSize = 20
	// MaxPageSize はテンプレート一覧の1ページあたりの上限件数。
	MaxPageSize = 100
)

// allowedTemplateTypes はテンプレートとして受け付ける画像形式。
var allowedTemplateTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
}

var templateNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Recorder はストレージ操作のメトリクス記録先。
type Recorder interface {
	ObserveStorage(op string, d time.Duration, err error)
	RecordGrantCreated(namespace string)
	RecordGrantFetchFailure(reason string)
}

// Config はRepositoryの設定。
type Config struct {
	MaxTTL           time.Duration // 署名付きURLの有効期間の上限
	TemplateMaxBytes int64
	StorageTimeout   time.Duration // 一覧・アップロード・URL発行のタイムアウト
	FetchTimeout     time.Duration // 署名付きURL経由の取得全体のタイムアウト
}

// Repository はオブジェクトストア上のテンプレートと修了証PDFへのアクセスを仲介する。
// キャッシュは持たず、すべての呼び出しでストアに問い合わせる。
type Repository struct {
	store    storage.ObjectStore
	cfg      Config
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// Option はRepositoryの設定を変更する。
type Option func(*Repository)

// WithRecorder はメトリクス記録先を設定する。
func WithRecorder(r Recorder) Option {
	return func(repo *Repository) { repo.recorder = r }
}

// WithClock は現在時刻の取得元を差し替える。
func WithClock(now func() time.Time) Option {
	return func(repo *Repository) { repo.now = now }
}

// WithLogger はロガーを設定する。
func WithLogger(logger *slog.Logger) Option {
	return func(repo *Repository) { repo.logger = logger }
}

// NewRepository はRepositoryを生成する。
func NewRepository(store storage.ObjectStore, cfg Config, opts ...Option) *Repository {
	r := &Repository{
		store:  store,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ListTemplates はテンプレートを更新日時の降順で返す。
// pageは1始まり。0件の場合は空スライスを返す。
func (r *Repository) ListTemplates(ctx context.Context, page, pageSize int) ([]model.TemplateArtifact, error) {
	page, pageSize = normalizePage(page, pageSize)
	prefix := model.TemplateNamespace + "/"

	ctx, cancel := r.withTimeout(ctx, r.cfg.StorageTimeout)
	defer cancel()

	start := r.now()
	objects, err := r.store.List(ctx, storage.ListOptions{
		Prefix: prefix,
		Limit:  pageSize,
		Offset: (page - 1) * pageSize,
	})
	r.observe("list", start, err)
	if err != nil {
		return nil, model.NewStoreUnavailableError(fmt.Errorf("list templates: %w", err))
	}

	templates := make([]model.TemplateArtifact, 0, len(objects))
	for _, o := range objects {
		name := strings.TrimPrefix(o.Path, prefix)
		if name == "" || strings.Contains(name, "/") {
			continue
		}
		templates = append(templates, model.TemplateArtifact{
			Name:        name,
			Size:        o.Size,
			ContentType: o.ContentType,
			UpdatedAt:   o.UpdatedAt,
		})
	}
	sort.SliceStable(templates, func(i, j int) bool {
		return templates[i].UpdatedAt.After(templates[j].UpdatedAt)
	})
	return templates, nil
}

// UploadTemplate はテンプレート画像を書き込み、格納パスを返す。
// 同名のテンプレートは上書きする。
func (r *Repository) UploadTemplate(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	if err := ValidateTemplateName(name); err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", model.NewInvalidRequestError("ファイルが空です")
	}
	if r.cfg.TemplateMaxBytes > 0 && int64(len(data)) > r.cfg.TemplateMaxBytes {
		return "", model.NewTemplateTooLargeError(r.cfg.TemplateMaxBytes)
	}
	ct, err := resolveContentType(contentType, data)
	if err != nil {
		return "", err
	}

	path := model.TemplatePath(name)

	ctx, cancel := r.withTimeout(ctx, r.cfg.StorageTimeout)
	defer cancel()

	start := r.now()
	_, err = r.store.Upload(ctx, path, data, ct)
	r.observe("upload", start, err)
	if err != nil {
		return "", model.NewStoreUnavailableError(fmt.Errorf("upload template: %w", err))
	}

	r.logger.Info("template uploaded",
		slog.String("path", path),
		slog.Int("size", len(data)),
		slog.String("content_type", ct),
	)
	return path, nil
}

// CreateAccessGrant はpathに対する署名付きURLを発行する。
// ttlが0以下の場合はINVALID_TTL、上限を超える場合は上限に切り詰める。
func (r *Repository) CreateAccessGrant(ctx context.Context, path string, ttl time.Duration) (*model.AccessGrant, error) {
	if ttl <= 0 {
		return nil, model.NewInvalidTTLError()
	}
	if r.cfg.MaxTTL > 0 && ttl > r.cfg.MaxTTL {
		ttl = r.cfg.MaxTTL
	}
	if path == "" || strings.Contains(path, "..") || strings.HasPrefix(path, "/") {
		return nil, model.NewObjectNotFoundError(path)
	}

	ctx, cancel := r.withTimeout(ctx, r.cfg.StorageTimeout)
	defer cancel()

	start := r.now()
	signedURL, expiresAt, err := r.store.CreateSignedURL(ctx, path, ttl)
	r.observe("sign", start, err)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return nil, model.NewObjectNotFoundError(path)
	}
	if err != nil {
		return nil, model.NewStoreUnavailableError(fmt.Errorf("create signed url: %w", err))
	}

	if r.recorder != nil {
		r.recorder.RecordGrantCreated(namespaceOf(path))
	}
	return &model.AccessGrant{
		Path:      path,
		URL:       signedURL,
		ExpiresAt: expiresAt,
	}, nil
}

// CreateTemplateGrant はテンプレート名を検証し、署名付きURLを発行する。
func (r *Repository) CreateTemplateGrant(ctx context.Context, name string, ttl time.Duration) (*model.AccessGrant, error) {
	if err := ValidateTemplateName(name); err != nil {
		return nil, err
	}
	return r.CreateAccessGrant(ctx, model.TemplatePath(name), ttl)
}

// FetchViaGrant は署名付きURLでオブジェクトを取得する。
// 返却したReadCloserをCloseするまでFetchTimeoutが適用される。
// トークンが拒否された場合はGRANT_EXPIRED_OR_INVALID、タイムアウトを含む
// バックエンド障害はSTORE_UNAVAILABLEを返し、未検出とは区別する。
func (r *Repository) FetchViaGrant(ctx context.Context, grant *model.AccessGrant) (io.ReadCloser, error) {
	if grant == nil || grant.URL == "" {
		return nil, r.fetchFailure("invalid", model.NewGrantExpiredOrInvalidError(errors.New("empty grant")))
	}
	if !grant.ExpiresAt.IsZero() && !r.now().Before(grant.ExpiresAt) {
		return nil, r.fetchFailure("expired", model.NewGrantExpiredOrInvalidError(errors.New("grant expired")))
	}

	ctx, cancel := r.withTimeout(ctx, r.cfg.FetchTimeout)

	start := r.now()
	rc, err := r.store.FetchSigned(ctx, grant.URL)
	r.observe("fetch", start, err)
	if err != nil {
		cancel()
		switch {
		case errors.Is(err, storage.ErrGrantInvalid):
			return nil, r.fetchFailure("rejected", model.NewGrantExpiredOrInvalidError(err))
		case errors.Is(err, storage.ErrObjectNotFound):
			return nil, r.fetchFailure("not_found", model.NewObjectNotFoundError(grant.Path))
		default:
			return nil, r.fetchFailure("unavailable", model.NewStoreUnavailableError(fmt.Errorf("fetch via grant: %w", err)))
		}
	}
	return newCancelOnClose(rc, cancel), nil
}

// ValidateTemplateName はテンプレート名が単一のファイル名として安全かを検証する。
func ValidateTemplateName(name string) error {
	if !templateNamePattern.MatchString(name) || strings.Contains(name, "..") {
		return model.NewInvalidTemplateNameError(name)
	}
	return nil
}

// resolveContentType は宣言されたContent-Typeと内容から判定した形式が一致することを確認する。
func resolveContentType(declared string, data []byte) (string, error) {
	sniffed, _, _ := mime.ParseMediaType(http.DetectContentType(data))
	if declared == "" || declared == "application/octet-stream" {
		declared = sniffed
	}
	mediaType, _, err := mime.ParseMediaType(declared)
	if err != nil {
		return "", model.NewInvalidContentTypeError(declared)
	}
	mediaType = strings.ToLower(mediaType)
	if mediaType == "image/jpg" {
		mediaType = "image/jpeg"
	}
	if !allowedTemplateTypes[mediaType] || mediaType != sniffed {
		return "", model.NewInvalidContentTypeError(declared)
	}
	return mediaType, nil
}

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return page, pageSize
}

func namespaceOf(path string) string {
	ns, _, _ := strings.Cut(path, "/")
	return ns
}

func (r *Repository) withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func (r *Repository) observe(op string, start time.Time, err error) {
	if r.recorder != nil {
		r.recorder.ObserveStorage(op, r.now().Sub(start), err)
	}
}

func (r *Repository) fetchFailure(reason string, err *model.APIError) error {
	if r.recorder != nil {
		r.recorder.RecordGrantFetchFailure(reason)
	}
	return err
}
