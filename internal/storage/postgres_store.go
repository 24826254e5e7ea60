package storage

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"
)

// SignedObjectPrefix は署名付きURLのパス部分の接頭辞。
const SignedObjectPrefix = "/storage/v1/object/sign/"

// PostgresStore はstorage_objectsテーブルにオブジェクトを格納するObjectStore。
// 署名付きURLはSignerで発行し、SignedObjectPrefix配下のエンドポイントで検証する。
type PostgresStore struct {
	db      *sql.DB
	bucket  string
	baseURL string
	signer  *Signer
}

// NewPostgresStore はPostgresStoreを生成する。
// baseURLは署名付きURLのオリジン（例: https://certs.example.com）。
func NewPostgresStore(db *sql.DB, bucket, baseURL string, signer *Signer) *PostgresStore {
	return &PostgresStore{
		db:      db,
		bucket:  bucket,
		baseURL: strings.TrimRight(baseURL, "/"),
		signer:  signer,
	}
}

// List はPrefix配下のオブジェクトをupdated_at降順で返す。
func (s *PostgresStore) List(ctx context.Context, opts ListOptions) ([]Object, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, size, content_type, updated_at
		 FROM storage_objects
		 WHERE bucket = $1 AND path LIKE $2 ESCAPE '\' AND path NOT LIKE $3 ESCAPE '\'
		 ORDER BY updated_at DESC, path
		 LIMIT $4 OFFSET $5`,
		s.bucket, likePrefix(opts.Prefix), nestedPattern(opts.Prefix), opts.Limit, opts.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list objects: %w", err)
	}
	defer rows.Close()

	objects := []Object{}
	for rows.Next() {
		var o Object
		if err := rows.Scan(&o.Path, &o.Size, &o.ContentType, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan object: %w", err)
		}
		objects = append(objects, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate objects: %w", err)
	}
	return objects, nil
}

// Upload はオブジェクトをUPSERTする。
func (s *PostgresStore) Upload(ctx context.Context, path string, data []byte, contentType string) (*Object, error) {
	o := &Object{}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO storage_objects (bucket, path, data, size, content_type, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, clock_timestamp(), clock_timestamp())
		 ON CONFLICT (bucket, path) DO UPDATE
		 SET data = EXCLUDED.data,
		     size = EXCLUDED.size,
		     content_type = EXCLUDED.content_type,
		     updated_at = clock_timestamp()
		 RETURNING path, size, content_type, updated_at`,
		s.bucket, path, data, int64(len(data)), contentType,
	).Scan(&o.Path, &o.Size, &o.ContentType, &o.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upload object: %w", err)
	}
	return o, nil
}

// CreateSignedURL はオブジェクトの存在を確認してから署名付きURLを発行する。
func (s *PostgresStore) CreateSignedURL(ctx context.Context, path string, ttl time.Duration) (string, time.Time, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM storage_objects WHERE bucket = $1 AND path = $2)`,
		s.bucket, path,
	).Scan(&exists)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to check object: %w", err)
	}
	if !exists {
		return "", time.Time{}, ErrObjectNotFound
	}

	token, expiresAt, err := s.signer.Sign(s.bucket, path, ttl)
	if err != nil {
		return "", time.Time{}, err
	}
	return s.baseURL + SignedObjectPrefix + url.PathEscape(s.bucket) + "/" + escapePath(path) +
		"?token=" + url.QueryEscape(token), expiresAt, nil
}

// FetchSigned は自身が発行した署名付きURLを解析し、オブジェクトを返す。
func (s *PostgresStore) FetchSigned(ctx context.Context, signedURL string) (io.ReadCloser, error) {
	u, err := url.Parse(signedURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGrantInvalid, err)
	}
	bucket, path, ok := ParseSignedPath(u.Path)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected path %q", ErrGrantInvalid, u.Path)
	}

	_, data, err := s.OpenSigned(ctx, bucket, path, u.Query().Get("token"))
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// OpenSigned はトークンを検証し、オブジェクトのメタデータと内容を返す。
// トークンは取得より先に検証し、無効なトークンでオブジェクトの有無を漏らさない。
func (s *PostgresStore) OpenSigned(ctx context.Context, bucket, path, token string) (*Object, []byte, error) {
	if err := s.signer.Verify(token, bucket, path); err != nil {
		return nil, nil, err
	}
	if bucket != s.bucket {
		return nil, nil, ErrObjectNotFound
	}

	o := &Object{}
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT path, size, content_type, updated_at, data
		 FROM storage_objects
		 WHERE bucket = $1 AND path = $2`,
		s.bucket, path,
	).Scan(&o.Path, &o.Size, &o.ContentType, &o.UpdatedAt, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read object: %w", err)
	}
	return o, data, nil
}

// ParseSignedPath は署名付きURLのパス部分からバケットとオブジェクトパスを取り出す。
func ParseSignedPath(urlPath string) (bucket, path string, ok bool) {
	rest, ok := strings.CutPrefix(urlPath, SignedObjectPrefix)
	if !ok {
		return "", "", false
	}
	bucket, path, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || path == "" {
		return "", "", false
	}
	return bucket, path, true
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// likePrefix はLIKE句の前方一致パターンを組み立てる。
func likePrefix(prefix string) string {
	return likeEscaper.Replace(prefix) + "%"
}

// nestedPattern はprefixより深い階層のパスに一致するLIKEパターンを返す。
func nestedPattern(prefix string) string {
	return likeEscaper.Replace(prefix) + "%/%"
}

// escapePath はパスの各セグメントをURLエスケープする。
func escapePath(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}

// compile-time interface check
var _ ObjectStore = (*PostgresStore)(nil)
