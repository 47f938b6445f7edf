// Package auth 签发和校验候选人聊天令牌。
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/config"
)

const (
	DefaultTokenTTL = 10 * time.Minute
	issuer          = "screening"
)

var (
	ErrEmptyToken   = errors.New("令牌为空")
	ErrInvalidToken = errors.New("令牌无效")
	ErrTokenExpired = errors.New("令牌已过期")
	ErrNoSecret     = errors.New("未配置令牌密钥")
)

// ChatClaims 聊天令牌只绑定一个申请
type ChatClaims struct {
	ApplicationID string `json:"application_id"`
	jwt.RegisteredClaims
}

// TokenService HS256 聊天令牌
type TokenService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenService(cfg config.AuthConfig) (*TokenService, error) {
	if cfg.JWTSecret == "" {
		return nil, ErrNoSecret
	}
	return &TokenService{
		secret: []byte(cfg.JWTSecret),
		ttl:    config.GetDuration(cfg.ChatTokenTTL, DefaultTokenTTL),
		now:    time.Now,
	}, nil
}

// TTL 令牌有效期
func (s *TokenService) TTL() time.Duration {
	return s.ttl
}

// Issue 为申请签发令牌，返回令牌与过期时间
func (s *TokenService) Issue(applicationID string) (string, time.Time, error) {
	if applicationID == "" {
		return "", time.Time{}, fmt.Errorf("申请ID不能为空")
	}
	now := s.now()
	expiresAt := now.Add(s.ttl)
	claims := &ChatClaims{
		ApplicationID: applicationID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    issuer,
			Subject:   applicationID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("签发令牌失败: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify 校验签名与有效期，返回令牌绑定的申请ID
func (s *TokenService) Verify(token string) (string, error) {
	if token == "" {
		return "", ErrEmptyToken
	}
	claims := &ChatClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(s.now),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "", ErrTokenExpired
	case err != nil:
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	case !parsed.Valid || claims.ApplicationID == "":
		return "", ErrInvalidToken
	}
	return claims.ApplicationID, nil
}
