package chain

import (
	"fmt"
	"math/big"
	"strings"
)

// ParseUnits 将十进制数量字符串转换为最小单位的整数。
// 例如 ParseUnits("1.5", 18) 返回 1500000000000000000。
func ParseUnits(amount string, decimals uint8) (*big.Int, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return nil, fmt.Errorf("数量不能为空")
	}
	neg := strings.HasPrefix(amount, "-")
	if neg {
		return nil, fmt.Errorf("数量不能为负数: %s", amount)
	}

	whole, frac, _ := strings.Cut(amount, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > int(decimals) {
		return nil, fmt.Errorf("小数位超出代币精度 %d: %s", decimals, amount)
	}
	frac += strings.Repeat("0", int(decimals)-len(frac))

	combined := whole + frac
	value, ok := new(big.Int).SetString(combined, 10)
	if !ok {
		return nil, fmt.Errorf("无法解析数量: %s", amount)
	}
	return value, nil
}

// FormatUnits 将最小单位整数格式化为十进制字符串。
func FormatUnits(value *big.Int, decimals uint8) string {
	if value == nil {
		return "0"
	}
	text := value.String()
	neg := strings.HasPrefix(text, "-")
	if neg {
		text = text[1:]
	}
	if int(decimals) >= len(text) {
		text = strings.Repeat("0", int(decimals)-len(text)+1) + text
	}
	cut := len(text) - int(decimals)
	whole, frac := text[:cut], text[cut:]
	frac = strings.TrimRight(frac, "0")
	result := whole
	if frac != "" {
		result += "." + frac
	}
	if neg {
		result = "-" + result
	}
	return result
}
