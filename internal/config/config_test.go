package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chainpilot.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入配置文件失败: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{}`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("Server.Address = %q", cfg.Server.Address)
	}
	if cfg.Storage.Chat.Driver != "memory" {
		t.Fatalf("Chat.Driver = %q", cfg.Storage.Chat.Driver)
	}
	if cfg.TxQueue.Driver != "memory" {
		t.Fatalf("TxQueue.Driver = %q", cfg.TxQueue.Driver)
	}
	if cfg.Protection.Strategy != "bundle" {
		t.Fatalf("Protection.Strategy = %q", cfg.Protection.Strategy)
	}
	if cfg.Protection.RequiredConfirmations != 1 {
		t.Fatalf("RequiredConfirmations = %d", cfg.Protection.RequiredConfirmations)
	}
	if cfg.LLM.APIKeyEnv != "OPENAI_API_KEY" {
		t.Fatalf("LLM.APIKeyEnv = %q", cfg.LLM.APIKeyEnv)
	}
}

func TestLoadRejectsUnknownDrivers(t *testing.T) {
	if _, err := Load(writeConfig(t, `{"storage":{"chat":{"driver":"mongodb"}}}`)); err == nil {
		t.Fatal("未知存储驱动应当被拒绝")
	}
	if _, err := Load(writeConfig(t, `{"tx_queue":{"driver":"kafka"}}`)); err == nil {
		t.Fatal("未知队列驱动应当被拒绝")
	}
	if _, err := Load(writeConfig(t, `{"protection":{"strategy":"none"}}`)); err == nil {
		t.Fatal("未知保护策略应当被拒绝")
	}
}

func TestLoadRequiresDriverSettings(t *testing.T) {
	if _, err := Load(writeConfig(t, `{"storage":{"chat":{"driver":"mysql"}}}`)); err == nil {
		t.Fatal("mysql 驱动缺少 dsn 应当被拒绝")
	}
	if _, err := Load(writeConfig(t, `{"tx_queue":{"driver":"redis"}}`)); err == nil {
		t.Fatal("redis 驱动缺少 addr 应当被拒绝")
	}
}
