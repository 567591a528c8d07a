package security

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidUnsubscribeToken は購読解除トークンが不正な場合のエラー。
var ErrInvalidUnsubscribeToken = errors.New("invalid unsubscribe token")

// UnsubscribeClaims は購読解除リンクに埋め込むクレーム。
type UnsubscribeClaims struct {
	Email   string `json:"email"`
	ListKey string `json:"list"`
	jwt.RegisteredClaims
}

// UnsubscribeSigner は購読解除トークンをHS256で署名・検証する。
type UnsubscribeSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewUnsubscribeSigner はUnsubscribeSignerを生成する。ttlが0の場合は有効期限を付けない。
func NewUnsubscribeSigner(secret string, ttl time.Duration) *UnsubscribeSigner {
	return &UnsubscribeSigner{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Sign はメールアドレスとリストキーからトークンを生成する。
func (s *UnsubscribeSigner) Sign(email, listKey string) (string, error) {
	now := s.now()
	claims := &UnsubscribeClaims{
		Email:   strings.ToLower(strings.TrimSpace(email)),
		ListKey: listKey,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if s.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("購読解除トークンの署名に失敗しました: %w", err)
	}
	return signed, nil
}

// Verify はトークンを検証し、クレームを返す。
func (s *UnsubscribeSigner) Verify(token string) (*UnsubscribeClaims, error) {
	if token == "" {
		return nil, ErrInvalidUnsubscribeToken
	}
	parsed, err := jwt.ParseWithClaims(token, &UnsubscribeClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUnsubscribeToken, err)
	}

	claims, ok := parsed.Claims.(*UnsubscribeClaims)
	if !ok || !parsed.Valid || claims.Email == "" || claims.ListKey == "" {
		return nil, ErrInvalidUnsubscribeToken
	}
	return claims, nil
}
