package auth

import (
	"encoding/hex"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// VerifyWalletSignature 校验 EIP-191 personal-sign 签名，
// 恢复出的地址必须与声明地址一致。
func VerifyWalletSignature(address, message, signature string) (*Subject, error) {
	if !common.IsHexAddress(address) {
		return nil, ErrInvalidSignature
	}
	if strings.TrimSpace(message) == "" {
		return nil, ErrInvalidSignature
	}

	recovered, err := RecoverWallet(message, signature)
	if err != nil {
		return nil, err
	}
	if recovered != common.HexToAddress(address) {
		return nil, ErrInvalidSignature
	}

	subject := &Subject{Wallet: recovered.Hex()}
	subject.normalise()
	return subject, nil
}

// RecoverWallet 从 personal-sign 签名中恢复签名者地址。
func RecoverWallet(message, signature string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), "0x"))
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}
	// 钱包习惯输出 V = 27/28，恢复前归一到 0/1。
	sig = append([]byte(nil), sig...)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return common.Address{}, ErrInvalidSignature
	}
	return crypto.PubkeyToAddress(*pub), nil
}
