package enrich

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	xerrors "ChainPilot/internal/errors"
)

func TestHTTPProviderMemeMetrics(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/meme-metrics" {
			t.Errorf("意外的请求路径: %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("timeframe"); got != "24h" {
			t.Errorf("timeframe = %s, 期望 24h", got)
		}
		_ = json.NewEncoder(w).Encode(MemeMetrics{
			ViralityScore:   87.5,
			CommunityGrowth: 12.3,
			HolderCount:     4200,
		})
	}))
	defer server.Close()

	provider, err := NewHTTPProvider(HTTPConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("创建 provider 失败: %v", err)
	}

	snap, err := provider.MemeMetrics(context.Background(), "PEPE", TimeframeDay)
	if err != nil {
		t.Fatalf("MemeMetrics 失败: %v", err)
	}
	if snap.Version != SnapshotVersion {
		t.Errorf("快照版本 = %d, 期望 %d", snap.Version, SnapshotVersion)
	}
	if snap.Data.Token != "PEPE" {
		t.Errorf("token = %s, 期望 PEPE", snap.Data.Token)
	}
	if snap.Data.ViralityScore != 87.5 {
		t.Errorf("virality = %v, 期望 87.5", snap.Data.ViralityScore)
	}
	if snap.TakenAt.IsZero() {
		t.Error("快照缺少采样时间")
	}
}

func TestHTTPProviderNotFoundMapsToUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	provider, err := NewHTTPProvider(HTTPConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("创建 provider 失败: %v", err)
	}

	_, err = provider.Liquidity(context.Background(), "UNKNOWN")
	if err == nil {
		t.Fatal("期望返回错误")
	}
	if !IsUnavailable(err) {
		t.Errorf("错误码 = %s, 期望 DATA_UNAVAILABLE", xerrors.CodeOf(err))
	}
}

func TestParseTimeframe(t *testing.T) {
	if tf, err := ParseTimeframe(""); err != nil || tf != TimeframeDay {
		t.Errorf("空 timeframe = (%s, %v), 期望 24h 默认值", tf, err)
	}
	if tf, err := ParseTimeframe("7d"); err != nil || tf != TimeframeWeek {
		t.Errorf("7d = (%s, %v)", tf, err)
	}
	if _, err := ParseTimeframe("6h"); xerrors.CodeOf(err) != xerrors.CodeInvalidArguments {
		t.Errorf("非法 timeframe 错误码 = %s, 期望 INVALID_ARGUMENTS", xerrors.CodeOf(err))
	}
}
