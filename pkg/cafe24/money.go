package cafe24

import (
	"fmt"
	"strconv"
	"strings"
)

// 平台文档允许的金额上限（可配置覆盖），默认 10^10 - 1
const DefaultMaxMoney = 9_999_999_999

// NormalizeMoney 校验并规范化金额输入
// 平台金额以字符串传输：非负十进制，最多两位小数。
// 接受整数或小数形式的输入，拒绝负数、非数字、超上限的值。
func NormalizeMoney(raw string, max float64) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", NewError(KindValidation, "empty money value")
	}
	if strings.HasPrefix(s, "-") {
		return "", NewError(KindValidation, fmt.Sprintf("negative money value: %s", s))
	}

	intPart, fracPart, hasFrac := strings.Cut(s, ".")
	if intPart == "" || !isDigits(intPart) {
		return "", NewError(KindValidation, fmt.Sprintf("invalid money value: %s", s))
	}
	if hasFrac && (fracPart == "" || len(fracPart) > 2 || !isDigits(fracPart)) {
		return "", NewError(KindValidation, fmt.Sprintf("money value allows at most 2 decimal places: %s", s))
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return "", WrapError(KindValidation, fmt.Sprintf("invalid money value: %s", s), err)
	}
	if max <= 0 {
		max = DefaultMaxMoney
	}
	if v > max {
		return "", NewError(KindValidation, fmt.Sprintf("money value %s exceeds platform maximum %.2f", s, max))
	}

	// 去掉前导零，保持调用方给出的小数位
	normalized := strings.TrimLeft(intPart, "0")
	if normalized == "" {
		normalized = "0"
	}
	if hasFrac {
		normalized += "." + fracPart
	}
	return normalized, nil
}

// MoneyEqual 数值等价比较："10000" 与 "10000.00" 视为相等
func MoneyEqual(a, b string) bool {
	fa, errA := strconv.ParseFloat(strings.TrimSpace(a), 64)
	fb, errB := strconv.ParseFloat(strings.TrimSpace(b), 64)
	if errA != nil || errB != nil {
		return strings.TrimSpace(a) == strings.TrimSpace(b)
	}
	return fa == fb
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
