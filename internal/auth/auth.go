// Package auth 提供两种统一的身份断言：HMAC 会话令牌与钱包签名。
// 两者最终都归一为 Subject，由中间件注入请求上下文。
package auth

import (
	"errors"
	"strings"
)

// 哨兵错误。
var (
	ErrDisabled         = errors.New("auth disabled")
	ErrMissingToken     = errors.New("missing bearer token")
	ErrInvalidToken     = errors.New("invalid or expired token")
	ErrInvalidSignature = errors.New("wallet signature verification failed")
)

// Subject 是经过身份验证的请求主体。
// Wallet 为空表示令牌会话；ID 为空不合法。
type Subject struct {
	ID     string `json:"id"`
	Wallet string `json:"wallet,omitempty"`
}

func (s *Subject) normalise() {
	if s == nil {
		return
	}
	s.ID = strings.TrimSpace(s.ID)
	s.Wallet = strings.ToLower(strings.TrimSpace(s.Wallet))
	if s.ID == "" && s.Wallet != "" {
		s.ID = s.Wallet
	}
}

// Config 是身份认证配置。
type Config struct {
	// Disabled 为 true 时所有请求以匿名主体放行。
	Disabled bool `json:"disabled"`
	// Secret 是会话令牌的 HMAC 密钥。
	Secret string `json:"secret"`
	// TokenTTLSeconds 是令牌有效期，默认 86400。
	TokenTTLSeconds int64 `json:"token_ttl_seconds"`
}
