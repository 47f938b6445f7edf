package handler

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/hertz-contrib/keyauth"

	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/auth"
)

const apiKeyHeader = "X-API-Key"

// ChatTokenAuth 校验候选人令牌，取自 Authorization: Bearer 或 token 查询参数
func (h *Handler) ChatTokenAuth() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		if h.Tokens == nil {
			c.AbortWithStatusJSON(consts.StatusServiceUnavailable, utils.H{"error": "未配置聊天令牌"})
			return
		}
		token := bearerToken(string(c.GetHeader("Authorization")))
		if token == "" {
			token = c.Query("token")
		}
		appID, err := h.Tokens.Verify(token)
		if err != nil {
			msg := "令牌无效"
			if errors.Is(err, auth.ErrTokenExpired) {
				msg = "令牌已过期"
			}
			c.AbortWithStatusJSON(consts.StatusUnauthorized, utils.H{"error": msg})
			return
		}
		c.Set(ctxKeyApplicationID, appID)
		c.Next(ctx)
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

// EmployerAuth 雇主接口的 API Key 校验。未配置任何 key 时拒绝所有请求。
func EmployerAuth(keys []string) app.HandlerFunc {
	allowed := make([][]byte, 0, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			allowed = append(allowed, []byte(k))
		}
	}
	return keyauth.New(
		keyauth.WithKeyLookUp("header:"+apiKeyHeader, ""),
		keyauth.WithValidator(func(ctx context.Context, c *app.RequestContext, key string) (bool, error) {
			for _, k := range allowed {
				if subtle.ConstantTimeCompare(k, []byte(key)) == 1 {
					return true, nil
				}
			}
			return false, errors.New("invalid api key")
		}),
		keyauth.WithErrorHandler(func(ctx context.Context, c *app.RequestContext, err error) {
			c.AbortWithStatusJSON(consts.StatusUnauthorized, utils.H{"error": "API Key 无效"})
		}),
	)
}
