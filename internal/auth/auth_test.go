package auth

import (
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"
)

const testKeyHex = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(Config{Secret: "test-secret"})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestTokenRoundTrip(t *testing.T) {
	svc := newTestService(t)

	token, err := svc.Issue(&Subject{ID: "user-1", Wallet: "0xAbC0000000000000000000000000000000000001"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	subject, err := svc.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if subject.ID != "user-1" {
		t.Fatalf("Subject.ID = %q", subject.ID)
	}
	if subject.Wallet != "0xabc0000000000000000000000000000000000001" {
		t.Fatalf("Subject.Wallet = %q", subject.Wallet)
	}
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	svc := newTestService(t)
	token, err := svc.Issue(&Subject{ID: "user-1"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := svc.Verify(token + "x"); err == nil {
		t.Fatal("篡改的令牌不应通过校验")
	}

	other, err := NewService(Config{Secret: "another-secret"})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if _, err := other.Verify(token); err == nil {
		t.Fatal("异钥签发的令牌不应通过校验")
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	svc, err := NewService(Config{Secret: "test-secret", TokenTTLSeconds: 1})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	svc.ttl = -time.Second
	token, err := svc.Issue(&Subject{ID: "user-1"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := svc.Verify(token); err == nil {
		t.Fatal("过期令牌不应通过校验")
	}
}

func TestWalletSignatureRoundTrip(t *testing.T) {
	key, err := crypto.HexToECDSA(testKeyHex)
	if err != nil {
		t.Fatalf("HexToECDSA: %v", err)
	}
	address := crypto.PubkeyToAddress(key.PublicKey)
	message := "Sign in to ChainPilot at 2026-08-29T10:00:00Z"

	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	// 模拟钱包输出的 V = 27/28。
	sig[crypto.RecoveryIDOffset] += 27

	subject, err := VerifyWalletSignature(address.Hex(), message, "0x"+hex.EncodeToString(sig))
	if err != nil {
		t.Fatalf("VerifyWalletSignature: %v", err)
	}
	if subject.ID == "" || subject.Wallet == "" {
		t.Fatalf("主体字段不完整: %+v", subject)
	}

	other := "0x0000000000000000000000000000000000000001"
	if _, err := VerifyWalletSignature(other, message, "0x"+hex.EncodeToString(sig)); err == nil {
		t.Fatal("地址不匹配的签名不应通过校验")
	}
	if _, err := VerifyWalletSignature(address.Hex(), "different message", "0x"+hex.EncodeToString(sig)); err == nil {
		t.Fatal("消息不匹配的签名不应通过校验")
	}
}

func TestMiddlewareInjectsSubject(t *testing.T) {
	svc := newTestService(t)
	token, err := svc.Issue(&Subject{ID: "user-1"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	var got *Subject
	handler := svc.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/chat", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("状态码 = %d, 期望 200", rec.Code)
	}
	if got == nil || got.ID != "user-1" {
		t.Fatalf("上下文主体 = %+v", got)
	}

	// 缺失凭据返回 401。
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/chat", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("匿名请求状态码 = %d, 期望 401", rec.Code)
	}
}
