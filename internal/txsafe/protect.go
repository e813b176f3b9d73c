package txsafe

import (
	"math/big"

	"ChainPilot/internal/chain"
)

// Protect 根据保护配置生成将要模拟与提交的指令。
// 永远基于拷贝工作，调用方传入的指令不会被修改。
func Protect(cfg ProtectionConfig, ins *chain.Instruction) *chain.Instruction {
	protected := ins.Clone()
	if protected == nil {
		return nil
	}
	if !cfg.Enabled {
		return protected
	}
	if cfg.MaxPriorityFee > 0 {
		limit := big.NewInt(cfg.MaxPriorityFee)
		if protected.MaxPriorityFee == nil || protected.MaxPriorityFee.Cmp(limit) > 0 {
			protected.MaxPriorityFee = limit
		}
	}
	return protected
}
