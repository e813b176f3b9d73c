package auth

import (
	"net/http"

	"ChainPilot/pkg/logger"
)

// 钱包签名请求头。
const (
	HeaderWalletAddress   = "X-Wallet-Address"
	HeaderWalletMessage   = "X-Wallet-Message"
	HeaderWalletSignature = "X-Wallet-Signature"
)

// Middleware 返回一个 HTTP 中间件：断言请求身份并将 Subject 注入上下文。
// 放行模式下请求以匿名主体继续。
func (s *Service) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.Disabled() {
				next.ServeHTTP(w, r)
				return
			}

			subject, err := s.AuthenticateRequest(
				r.Header.Get("Authorization"),
				r.Header.Get(HeaderWalletAddress),
				r.Header.Get(HeaderWalletMessage),
				r.Header.Get(HeaderWalletSignature),
			)
			if err != nil {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				logger.Audit().Warn("access_denied",
					"path", r.URL.Path,
					"method", r.Method,
					"error", err.Error(),
				)
				return
			}

			ctx := WithSubject(r.Context(), subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
