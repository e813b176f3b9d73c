package chain

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// 门面操作涉及的最小 ABI 片段。只声明会被打包的方法。
const (
	aggregatorABI = `[
		{"name":"latestRoundData","type":"function","stateMutability":"view","inputs":[],"outputs":[
			{"name":"roundId","type":"uint80"},
			{"name":"answer","type":"int256"},
			{"name":"startedAt","type":"uint256"},
			{"name":"updatedAt","type":"uint256"},
			{"name":"answeredInRound","type":"uint80"}]},
		{"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}
	]`

	stakingABI = `[
		{"name":"stake","type":"function","stateMutability":"payable","inputs":[],"outputs":[]}
	]`

	nftABI = `[
		{"name":"mintTo","type":"function","stateMutability":"nonpayable","inputs":[
			{"name":"recipient","type":"address"},
			{"name":"uri","type":"string"}],"outputs":[{"name":"tokenId","type":"uint256"}]}
	]`

	routerABI = `[
		{"name":"swapExactTokensForTokens","type":"function","stateMutability":"nonpayable","inputs":[
			{"name":"amountIn","type":"uint256"},
			{"name":"amountOutMin","type":"uint256"},
			{"name":"path","type":"address[]"},
			{"name":"to","type":"address"},
			{"name":"deadline","type":"uint256"}],"outputs":[{"name":"amounts","type":"uint256[]"}]}
	]`

	factoryABI = `[
		{"name":"createToken","type":"function","stateMutability":"nonpayable","inputs":[
			{"name":"name","type":"string"},
			{"name":"symbol","type":"string"},
			{"name":"metadataURI","type":"string"},
			{"name":"decimals","type":"uint8"},
			{"name":"initialSupply","type":"uint256"}],"outputs":[{"name":"token","type":"address"}]}
	]`

	launcherABI = `[
		{"name":"launch","type":"function","stateMutability":"payable","inputs":[
			{"name":"name","type":"string"},
			{"name":"ticker","type":"string"},
			{"name":"description","type":"string"},
			{"name":"imageURI","type":"string"}],"outputs":[{"name":"token","type":"address"}]}
	]`
)

var (
	abiOnce   sync.Once
	abiParsed map[string]abi.ABI
	abiErr    error
)

func parsedABIs() (map[string]abi.ABI, error) {
	abiOnce.Do(func() {
		sources := map[string]string{
			"aggregator": aggregatorABI,
			"staking":    stakingABI,
			"nft":        nftABI,
			"router":     routerABI,
			"factory":    factoryABI,
			"launcher":   launcherABI,
		}
		abiParsed = make(map[string]abi.ABI, len(sources))
		for name, src := range sources {
			parsed, err := abi.JSON(strings.NewReader(src))
			if err != nil {
				abiErr = fmt.Errorf("解析 %s ABI 失败: %w", name, err)
				return
			}
			abiParsed[name] = parsed
		}
	})
	return abiParsed, abiErr
}

// packCall 打包一次合约方法调用。
func packCall(contract, method string, args ...any) ([]byte, error) {
	abis, err := parsedABIs()
	if err != nil {
		return nil, err
	}
	parsed, ok := abis[contract]
	if !ok {
		return nil, fmt.Errorf("未知的合约 ABI: %s", contract)
	}
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("打包 %s.%s 失败: %w", contract, method, err)
	}
	return data, nil
}

// unpackCall 解包一次合约方法的返回值。
func unpackCall(contract, method string, output []byte) ([]any, error) {
	abis, err := parsedABIs()
	if err != nil {
		return nil, err
	}
	parsed, ok := abis[contract]
	if !ok {
		return nil, fmt.Errorf("未知的合约 ABI: %s", contract)
	}
	values, err := parsed.Unpack(method, output)
	if err != nil {
		return nil, fmt.Errorf("解包 %s.%s 失败: %w", contract, method, err)
	}
	return values, nil
}
