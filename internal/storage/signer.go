package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// GrantClaims は署名付きURLのトークンに含めるクレーム。
// Subject にオブジェクトパスを格納する。
// exp は秒精度のため、正確な失効時刻は ExpiresAtMillis で判定する。
type GrantClaims struct {
	Bucket          string `json:"bucket"`
	ExpiresAtMillis int64  `json:"exp_ms"`
	jwt.RegisteredClaims
}

// Signer はHS256で署名付きURLのトークンを発行・検証する。
type Signer struct {
	secret []byte
	now    func() time.Time
}

// NewSigner はSignerを生成する。nowがnilの場合はtime.Nowを使用する。
func NewSigner(secret string, now func() time.Time) *Signer {
	if now == nil {
		now = time.Now
	}
	return &Signer{secret: []byte(secret), now: now}
}

// Sign はbucket/pathに対するttl有効のトークンと失効時刻を返す。
// 失効時刻はミリ秒単位に切り上げ、返却値と検証で同じ時刻を用いる。
func (s *Signer) Sign(bucket, path string, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		return "", time.Time{}, fmt.Errorf("ttl must be positive: %s", ttl)
	}
	now := s.now().UTC()
	exp := ceilTime(now.Add(ttl), time.Millisecond)
	claims := GrantClaims{
		Bucket:          bucket,
		ExpiresAtMillis: exp.UnixMilli(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  path,
			IssuedAt: jwt.NewNumericDate(now),
			// NumericDateは秒未満を切り捨てるため、秒単位に切り上げて早期失効を防ぐ
			ExpiresAt: jwt.NewNumericDate(ceilTime(exp, time.Second)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign grant: %w", err)
	}
	return token, exp, nil
}

// Verify はトークンがbucket/path向けに発行され、まだ有効であることを検証する。
// 失敗はすべて ErrGrantInvalid をラップして返す。
func (s *Signer) Verify(token, bucket, path string) error {
	claims := &GrantClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (interface{}, error) {
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrGrantInvalid, err)
	}
	if !parsed.Valid {
		return ErrGrantInvalid
	}
	if claims.ExpiresAtMillis <= 0 || !s.now().Before(time.UnixMilli(claims.ExpiresAtMillis)) {
		return fmt.Errorf("%w: %w", ErrGrantInvalid, jwt.ErrTokenExpired)
	}
	if claims.Bucket != bucket || claims.Subject != path {
		return fmt.Errorf("%w: %w", ErrGrantInvalid, errors.New("grant issued for another object"))
	}
	return nil
}

// ceilTime はtをdの倍数に切り上げる。
func ceilTime(t time.Time, d time.Duration) time.Time {
	truncated := t.Truncate(d)
	if truncated.Equal(t) {
		return t
	}
	return truncated.Add(d)
}
