package chain

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer 持有签名身份。每个 Signer 对应交易管线中的一条串行队列。
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner 从十六进制私钥构造签名身份。
func NewSigner(hexKey string) (*Signer, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, errors.New("未配置签名私钥")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("解析签名私钥失败: %w", err)
	}
	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Address 返回签名地址，同时作为队列身份标识。
func (s *Signer) Address() common.Address {
	if s == nil {
		return common.Address{}
	}
	return s.address
}

// Identity 返回管线使用的身份字符串。
func (s *Signer) Identity() string {
	return strings.ToLower(s.Address().Hex())
}

// SignInstruction 将指令封装成 EIP-1559 交易并签名。
func (s *Signer) SignInstruction(chainID *big.Int, nonce uint64, ins *Instruction, gasTipCap, gasFeeCap *big.Int) (*coretypes.Transaction, error) {
	if s == nil || s.key == nil {
		return nil, errors.New("签名身份未初始化")
	}
	if ins == nil {
		return nil, errors.New("指令不能为空")
	}
	if chainID == nil {
		return nil, errors.New("缺少链 ID")
	}

	tip := gasTipCap
	if ins.MaxPriorityFee != nil && (tip == nil || ins.MaxPriorityFee.Cmp(tip) < 0) {
		// 保护策略限定的小费上限优先。
		tip = new(big.Int).Set(ins.MaxPriorityFee)
	}
	if tip == nil {
		tip = big.NewInt(0)
	}
	if gasFeeCap == nil {
		gasFeeCap = new(big.Int).Set(tip)
	}

	value := ins.Value
	if value == nil {
		value = big.NewInt(0)
	}

	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: gasFeeCap,
		Gas:       ins.GasLimit,
		To:        ins.To,
		Value:     value,
		Data:      ins.Data,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), s.key)
	if err != nil {
		return nil, fmt.Errorf("签名交易失败: %w", err)
	}
	return signed, nil
}
