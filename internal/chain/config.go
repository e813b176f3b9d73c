package chain

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Definitions 对应 configs/chains.yaml 的结构。
type Definitions struct {
	Chains    map[string]Endpoint   `yaml:"chains"`
	Contracts ContractBook          `yaml:"contracts"`
	Feeds     map[string]string     `yaml:"feeds"`
	Tokens    map[string]TokenEntry `yaml:"tokens"`
}

// Endpoint 描述单条链的接入端点。
type Endpoint struct {
	RPCURL      string `yaml:"rpc_url"`
	WSURL       string `yaml:"ws_url"`
	RelayRPCURL string `yaml:"relay_rpc_url"`
	Description string `yaml:"description"`
}

// ContractBook 列出门面操作依赖的合约地址。
type ContractBook struct {
	Staking      string `yaml:"staking"`
	SwapRouter   string `yaml:"swap_router"`
	TokenFactory string `yaml:"token_factory"`
	Launcher     string `yaml:"launcher"`
}

// TokenEntry 描述一个已知代币。
type TokenEntry struct {
	Address  string `yaml:"address"`
	Decimals uint8  `yaml:"decimals"`
}

// LoadDefinitions 解析链路配置文件。
func LoadDefinitions(path string) (Definitions, error) {
	if strings.TrimSpace(path) == "" {
		return Definitions{Chains: map[string]Endpoint{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Definitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}

	var defs Definitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return Definitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]Endpoint{}
	}
	if defs.Feeds == nil {
		defs.Feeds = map[string]string{}
	}
	if defs.Tokens == nil {
		defs.Tokens = map[string]TokenEntry{}
	}
	return defs, nil
}

// FeedAddress 返回指定符号的价格预言机地址。
func (d Definitions) FeedAddress(symbol string) (common.Address, bool) {
	raw, ok := d.Feeds[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok || !common.IsHexAddress(raw) {
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

// Token 返回已知代币的地址与精度。
func (d Definitions) Token(symbol string) (common.Address, uint8, bool) {
	entry, ok := d.Tokens[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok || !common.IsHexAddress(entry.Address) {
		return common.Address{}, 0, false
	}
	return common.HexToAddress(entry.Address), entry.Decimals, true
}
