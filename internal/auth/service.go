package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

const (
	tokenHeaderJSON = `{"alg":"HS256","typ":"JWT"}`
	defaultTokenTTL = 24 * time.Hour
)

// encodedTokenHeader 是编码后的令牌头部。
var encodedTokenHeader = base64.RawURLEncoding.EncodeToString([]byte(tokenHeaderJSON))

// Service 负责会话令牌的签发与请求身份验证。
type Service struct {
	disabled bool
	secret   []byte
	ttl      time.Duration
}

// NewService 构造身份认证服务实例。
func NewService(cfg Config) (*Service, error) {
	if cfg.Disabled {
		return &Service{disabled: true}, nil
	}
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, errors.New("auth secret must be configured")
	}
	ttl := defaultTokenTTL
	if cfg.TokenTTLSeconds > 0 {
		ttl = time.Duration(cfg.TokenTTLSeconds) * time.Second
	}
	return &Service{secret: []byte(cfg.Secret), ttl: ttl}, nil
}

// Disabled 返回服务是否处于放行模式。
func (s *Service) Disabled() bool {
	return s == nil || s.disabled
}

// tokenClaims 定义会话令牌的声明结构。
type tokenClaims struct {
	Subject   string `json:"sub"`
	Wallet    string `json:"wallet,omitempty"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// Issue 为主体签发会话令牌。
func (s *Service) Issue(subject *Subject) (string, error) {
	if s.Disabled() {
		return "", ErrDisabled
	}
	if subject == nil {
		return "", errors.New("subject required")
	}
	subject.normalise()
	if subject.ID == "" {
		return "", errors.New("subject id required")
	}

	now := time.Now()
	claims := tokenClaims{
		Subject:   subject.ID,
		Wallet:    subject.Wallet,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(s.ttl).Unix(),
	}
	payloadBytes, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)
	signature := s.signature(encodedTokenHeader, payload)
	return strings.Join([]string{
		encodedTokenHeader,
		payload,
		base64.RawURLEncoding.EncodeToString(signature),
	}, "."), nil
}

// Verify 验证会话令牌并返回主体信息。
func (s *Service) Verify(token string) (*Subject, error) {
	if s.Disabled() {
		return nil, ErrDisabled
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrInvalidToken
	}
	expected := s.signature(parts[0], parts[1])
	actual, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, ErrInvalidToken
	}
	if subtle.ConstantTimeCompare(expected, actual) != 1 {
		return nil, ErrInvalidToken
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrInvalidToken
	}
	var claims tokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, ErrInvalidToken
	}
	if claims.ExpiresAt != 0 && time.Now().Unix() > claims.ExpiresAt {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}

	subject := &Subject{ID: claims.Subject, Wallet: claims.Wallet}
	subject.normalise()
	return subject, nil
}

// signature 计算令牌的 HMAC-SHA256 签名。
func (s *Service) signature(header, payload string) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(header))
	mac.Write([]byte("."))
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

// AuthenticateRequest 根据请求头断言身份：优先 Bearer 令牌，
// 其次钱包签名三元组（地址 / 消息 / 签名）。
func (s *Service) AuthenticateRequest(authorization, walletAddress, walletMessage, walletSignature string) (*Subject, error) {
	if s.Disabled() {
		return nil, ErrDisabled
	}

	if trimmed := strings.TrimSpace(authorization); trimmed != "" {
		parts := strings.SplitN(trimmed, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			return nil, ErrMissingToken
		}
		token := strings.TrimSpace(parts[1])
		if token == "" {
			return nil, ErrMissingToken
		}
		return s.Verify(token)
	}

	if walletAddress != "" || walletSignature != "" {
		return VerifyWalletSignature(walletAddress, walletMessage, walletSignature)
	}
	return nil, ErrMissingToken
}
