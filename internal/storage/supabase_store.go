package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// maxErrorBody はエラーレスポンスから読み取る最大バイト数。
const maxErrorBody = 4 << 10

// SupabaseStore はSupabase StorageのREST APIを利用するObjectStore。
type SupabaseStore struct {
	baseURL    string
	serviceKey string
	bucket     string
	client     *http.Client
	retry      RetryPolicy
	now        func() time.Time
}

// NewSupabaseStore はSupabaseStoreを生成する。
// baseURLはプロジェクトURL（例: https://xyz.supabase.co）、serviceKeyはservice_roleキー。
// clientがnilの場合はhttp.DefaultClientを使用する。タイムアウトは呼び出し元のcontextで制御する。
func NewSupabaseStore(baseURL, serviceKey, bucket string, client *http.Client, retry RetryPolicy) *SupabaseStore {
	if client == nil {
		client = http.DefaultClient
	}
	return &SupabaseStore{
		baseURL:    strings.TrimRight(baseURL, "/"),
		serviceKey: serviceKey,
		bucket:     bucket,
		client:     client,
		retry:      retry,
		now:        time.Now,
	}
}

// StatusClass はStorage APIのHTTPステータスの分類。
type StatusClass int

const (
	// StatusOK は成功。
	StatusOK StatusClass = iota
	// StatusNotFound はオブジェクト未検出。
	StatusNotFound
	// StatusRejected はトークンや認証情報の拒否。
	StatusRejected
	// StatusUnavailable はバックエンドの一時障害。
	StatusUnavailable
	// StatusUnknown は想定外のステータス。
	StatusUnknown
)

// ClassifyStatus はHTTPステータスコードを分類する。
func ClassifyStatus(statusCode int) StatusClass {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return StatusOK
	case statusCode == http.StatusNotFound:
		return StatusNotFound
	case statusCode == http.StatusBadRequest, statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return StatusRejected
	case statusCode == http.StatusTooManyRequests, statusCode >= 500:
		return StatusUnavailable
	default:
		return StatusUnknown
	}
}

// supabaseError はStorage APIのエラーレスポンス。
// statusCodeは文字列で返ることがある。
type supabaseError struct {
	StatusCode string `json:"statusCode"`
	Error      string `json:"error"`
	Message    string `json:"message"`
}

// notFoundBody はStorage APIが400で返す未検出エラーかどうかを判定する。
func notFoundBody(body []byte) bool {
	var e supabaseError
	if err := json.Unmarshal(body, &e); err != nil {
		return false
	}
	if e.StatusCode == strconv.Itoa(http.StatusNotFound) {
		return true
	}
	text := strings.ToLower(e.Error + " " + e.Message)
	return strings.Contains(text, "not_found") || strings.Contains(text, "not found")
}

// listRequest はPOST /object/list/{bucket} のリクエストボディ。
type listRequest struct {
	Prefix string     `json:"prefix"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
	SortBy listSortBy `json:"sortBy"`
}

type listSortBy struct {
	Column string `json:"column"`
	Order  string `json:"order"`
}

// listEntry はPOST /object/list/{bucket} のレスポンス要素。
// フォルダはidがnullで返る。
type listEntry struct {
	Name      string  `json:"name"`
	ID        *string `json:"id"`
	UpdatedAt string  `json:"updated_at"`
	Metadata  *struct {
		Size     int64  `json:"size"`
		Mimetype string `json:"mimetype"`
	} `json:"metadata"`
}

// List はPrefix直下のオブジェクトをupdated_at降順で返す。一時障害はリトライする。
// Storage APIの一覧は元々1階層分のため、フォルダ要素(idがnull)を除くだけでよい。
// ただしフォルダ要素もLimitに数えられるため、フォルダを置いた場合はページが短くなる。
func (s *SupabaseStore) List(ctx context.Context, opts ListOptions) ([]Object, error) {
	prefix := strings.TrimSuffix(opts.Prefix, "/")
	body, err := json.Marshal(listRequest{
		Prefix: prefix,
		Limit:  opts.Limit,
		Offset: opts.Offset,
		SortBy: listSortBy{Column: "updated_at", Order: "desc"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode list request: %w", err)
	}

	var entries []listEntry
	err = withRetry(ctx, s.retry, func() error {
		entries = nil
		return s.doJSON(ctx, "list", http.MethodPost, s.apiURL("object/list", s.bucket), body, &entries)
	})
	if err != nil {
		return nil, err
	}

	objects := make([]Object, 0, len(entries))
	for _, e := range entries {
		if e.ID == nil {
			continue
		}
		o := Object{Path: joinPath(prefix, e.Name)}
		if e.Metadata != nil {
			o.Size = e.Metadata.Size
			o.ContentType = e.Metadata.Mimetype
		}
		if t, err := time.Parse(time.RFC3339Nano, e.UpdatedAt); err == nil {
			o.UpdatedAt = t
		}
		objects = append(objects, o)
	}
	return objects, nil
}

// Upload はx-upsertヘッダー付きでオブジェクトを書き込む。書き込みはリトライしない。
func (s *SupabaseStore) Upload(ctx context.Context, path string, data []byte, contentType string) (*Object, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL("object", s.bucket, path), bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to build upload request: %w", err)
	}
	s.authorize(req)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-upsert", "true")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("storage: upload request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := s.checkStatus("upload", resp); err != nil {
		return nil, err
	}
	return &Object{
		Path:        path,
		Size:        int64(len(data)),
		ContentType: contentType,
		UpdatedAt:   s.now().UTC(),
	}, nil
}

type signRequest struct {
	ExpiresIn int `json:"expiresIn"`
}

type signResponse struct {
	SignedURL string `json:"signedURL"`
}

// CreateSignedURL は署名付きURLを発行する。一時障害はリトライする。
// ttlは秒単位に切り上げる。Supabaseは発行時刻の秒を起点に失効させるため、
// 返却する失効時刻はリクエスト前の時刻を秒に切り捨てて算出する。
func (s *SupabaseStore) CreateSignedURL(ctx context.Context, path string, ttl time.Duration) (string, time.Time, error) {
	seconds := int((ttl + time.Second - 1) / time.Second)
	if seconds < 1 {
		return "", time.Time{}, fmt.Errorf("ttl must be positive: %s", ttl)
	}
	body, err := json.Marshal(signRequest{ExpiresIn: seconds})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to encode sign request: %w", err)
	}
	expiresAt := s.now().UTC().Truncate(time.Second).Add(time.Duration(seconds) * time.Second)

	var out signResponse
	err = withRetry(ctx, s.retry, func() error {
		return s.doJSON(ctx, "sign", http.MethodPost, s.apiURL("object/sign", s.bucket, path), body, &out)
	})
	if err != nil {
		return "", time.Time{}, err
	}
	if out.SignedURL == "" {
		return "", time.Time{}, fmt.Errorf("storage: sign response has no signedURL")
	}

	// signedURLは /object/sign/... の相対パスで返る
	if strings.HasPrefix(out.SignedURL, "http://") || strings.HasPrefix(out.SignedURL, "https://") {
		return out.SignedURL, expiresAt, nil
	}
	return s.baseURL + "/storage/v1" + ensureLeadingSlash(out.SignedURL), expiresAt, nil
}

// FetchSigned は署名付きURLにGETする。トークン拒否はErrGrantInvalid、
// 未検出はErrObjectNotFoundを返す。リトライしない。
func (s *SupabaseStore) FetchSigned(ctx context.Context, signedURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, signedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGrantInvalid, err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("storage: fetch request failed: %w", err)
	}

	switch ClassifyStatus(resp.StatusCode) {
	case StatusOK:
		return resp.Body, nil
	case StatusNotFound:
		resp.Body.Close()
		return nil, ErrObjectNotFound
	case StatusRejected:
		body := readErrorBody(resp.Body)
		resp.Body.Close()
		if notFoundBody(body) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("%w: status %d", ErrGrantInvalid, resp.StatusCode)
	default:
		body := readErrorBody(resp.Body)
		resp.Body.Close()
		return nil, &StatusError{Op: "fetch", StatusCode: resp.StatusCode, Body: string(body)}
	}
}

// doJSON はJSONボディを送信し、成功時にレスポンスをoutにデコードする。
func (s *SupabaseStore) doJSON(ctx context.Context, op, method, url string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", op, err)
	}
	s.authorize(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("storage: %s request failed: %w", op, err)
	}
	defer resp.Body.Close()

	if err := s.checkStatus(op, resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("storage: failed to decode %s response: %w", op, err)
	}
	return nil
}

// checkStatus は管理系APIのステータスをエラーに変換する。
func (s *SupabaseStore) checkStatus(op string, resp *http.Response) error {
	class := ClassifyStatus(resp.StatusCode)
	if class == StatusOK {
		return nil
	}
	body := readErrorBody(resp.Body)
	if class == StatusNotFound || (class == StatusRejected && notFoundBody(body)) {
		return ErrObjectNotFound
	}
	return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: string(body)}
}

func (s *SupabaseStore) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("apikey", s.serviceKey)
}

// apiURL は /storage/v1/{segments...} のURLを組み立てる。
func (s *SupabaseStore) apiURL(segments ...string) string {
	parts := make([]string, 0, len(segments))
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		parts = append(parts, escapePath(seg))
	}
	return s.baseURL + "/storage/v1/" + strings.Join(parts, "/")
}

func readErrorBody(r io.Reader) []byte {
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return b
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

func ensureLeadingSlash(p string) string {
	if strings.HasPrefix(p, "/") {
		return p
	}
	return "/" + p
}

// compile-time interface check
var _ ObjectStore = (*SupabaseStore)(nil)
