package clamp

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// MaxReasonLength 是写入链上的审计理由的最大长度。
const MaxReasonLength = 200

// weiDecimals 是 CRO 的精度。
const weiDecimals = 18

// Policy 描述一次约束所使用的上限配置。
type Policy struct {
	// MaxPercent 为余额百分比上限，取值 [0,100]。
	MaxPercent int
	// MaxAbsolute 为可选的绝对上限，nil 表示未配置。
	MaxAbsolute *big.Int
}

// Validate 检查配置是否满足调用前置条件。
func (p Policy) Validate() error {
	if p.MaxPercent < 0 || p.MaxPercent > 100 {
		return fmt.Errorf("max percent %d out of range [0,100]", p.MaxPercent)
	}
	if p.MaxAbsolute != nil && p.MaxAbsolute.Sign() < 0 {
		return fmt.Errorf("max absolute cap must be non-negative")
	}
	return nil
}

// Apply 使用策略配置约束提案。
func (p Policy) Apply(balance, proposed *big.Int) Result {
	return Apply(balance, proposed, p.MaxPercent, p.MaxAbsolute)
}

// Result 是约束后的结果。
type Result struct {
	FinalLimit *big.Int
	Notes      string
}

// Apply 按固定顺序约束提案：余额、百分比上限、绝对上限、最小值 1。
// balance 必须非负，percentCap 必须位于 [0,100]，由调用方保证。
func Apply(balance, proposed *big.Int, percentCap int, absCap *big.Int) Result {
	if balance == nil {
		balance = new(big.Int)
	}
	if proposed == nil {
		proposed = new(big.Int)
	}

	final := new(big.Int).Set(proposed)
	var bounds []string

	if final.Cmp(balance) > 0 {
		final.Set(balance)
		bounds = append(bounds, "balance")
	}

	pctCap := new(big.Int).Mul(balance, big.NewInt(int64(percentCap)))
	pctCap.Quo(pctCap, big.NewInt(100))
	if final.Cmp(pctCap) > 0 {
		final.Set(pctCap)
		bounds = append(bounds, "pct_cap")
	}

	if absCap != nil && final.Cmp(absCap) > 0 {
		final.Set(absCap)
		bounds = append(bounds, "abs_cap")
	}

	floored := false
	if balance.Sign() > 0 && final.Sign() == 0 {
		final.SetInt64(1)
		floored = true
		bounds = append(bounds, "floor")
	}

	parts := []string{
		"proposed=" + formatWei(proposed),
		"balance_cap=" + formatWei(balance),
		fmt.Sprintf("pct_cap(%d%%)=%s", percentCap, formatWei(pctCap)),
	}
	if absCap != nil {
		parts = append(parts, "abs_cap="+formatWei(absCap))
	}
	if floored {
		parts = append(parts, "floor=1")
	}
	parts = append(parts, "final="+formatWei(final))
	if len(bounds) == 0 {
		parts = append(parts, "bound_by=none")
	} else {
		parts = append(parts, "bound_by="+strings.Join(bounds, ","))
	}

	return Result{FinalLimit: final, Notes: strings.Join(parts, " • ")}
}

// SanitizeReason 压缩空白并截断到链上理由的长度上限。
func SanitizeReason(reason string) string {
	return Truncate(strings.Join(strings.Fields(reason), " "), MaxReasonLength)
}

// Truncate 按字符截断字符串。
func Truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

// FormatCRO 将 wei 转换为保留 4 位小数的 CRO 表示。
func FormatCRO(wei *big.Int) string {
	if wei == nil {
		return "0.0000"
	}
	return decimal.NewFromBigInt(wei, -weiDecimals).StringFixed(4)
}

func formatWei(wei *big.Int) string {
	return fmt.Sprintf("%s (%s CRO)", wei.String(), FormatCRO(wei))
}
