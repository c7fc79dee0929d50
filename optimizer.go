package main

import (
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/mat"
)

// PortfolioOptimizer 组合优化器
// 再平衡：闭式解最大化夏普比率的只做多满仓权重 w ∝ Σ⁻¹(μ−rf)
// 输入退化时按链路降级：风险平价 → 最小方差
type PortfolioOptimizer struct {
	cfg *Config
}

// NewPortfolioOptimizer 创建优化器
func NewPortfolioOptimizer(cfg *Config) *PortfolioOptimizer {
	return &PortfolioOptimizer{cfg: cfg}
}

// Reallocate 基于各交易对的收益率序列求目标权重
// 至少需要两个交易对、每个至少两个重叠收益率点，否则返回错误，沿用旧权重
func (po *PortfolioOptimizer) Reallocate(returnsBySymbol map[string][]float64) (*PortfolioAllocation, error) {
	symbols := make([]string, 0, len(returnsBySymbol))
	minLen := math.MaxInt
	for sym, rets := range returnsBySymbol {
		if len(rets) < 2 {
			continue
		}
		symbols = append(symbols, sym)
		if len(rets) < minLen {
			minLen = len(rets)
		}
	}
	if len(symbols) < 2 {
		return nil, fmt.Errorf("%w: 仅 %d 个交易对有可用序列", ErrInsufficientHistory, len(symbols))
	}
	sort.Strings(symbols)

	if minLen > po.cfg.ReturnWindow {
		minLen = po.cfg.ReturnWindow
	}

	// 对齐到共同窗口（取每个序列最近 minLen 个点）
	n := len(symbols)
	series := make([][]float64, n)
	for i, sym := range symbols {
		rets := returnsBySymbol[sym]
		series[i] = rets[len(rets)-minLen:]
	}

	mu := make([]float64, n)
	for i := range series {
		mu[i] = mean(series[i])
	}

	cov := covarianceMatrix(series)

	excess := make([]float64, n)
	allNonPositive := true
	for i := range mu {
		excess[i] = mu[i] - po.cfg.RiskFreeRate
		if excess[i] > 0 {
			allNonPositive = false
		}
	}

	var weights map[string]float64
	source := "max_sharpe"

	switch {
	case allNonPositive:
		// 所有超额收益都不为正，夏普最大化没有意义
		weights = minVarianceWeights(symbols, cov)
		source = "min_variance"
	default:
		w, err := solveMaxSharpe(cov, excess)
		if err != nil {
			log.Printf("⚠️ 协方差求解失败 (%v)，降级为风险平价", err)
			weights = riskParityWeights(symbols, series)
			source = "risk_parity"
			break
		}
		weights = clipNormalize(symbols, w)
		if weights == nil {
			weights = riskParityWeights(symbols, series)
			source = "risk_parity"
			break
		}
		// 结果夏普异常差说明数值不稳定
		if portfolioSharpe(weights, symbols, mu, cov, po.cfg.RiskFreeRate) < -1 {
			weights = minVarianceWeights(symbols, cov)
			source = "min_variance"
		}
	}

	if weights == nil {
		weights = riskParityWeights(symbols, series)
		source = "risk_parity"
	}

	alloc := &PortfolioAllocation{
		Weights:   weights,
		Timestamp: time.Now(),
		Source:    source,
	}
	alloc.Normalize()
	if err := alloc.Validate(); err != nil {
		return nil, fmt.Errorf("权重校验失败: %w", err)
	}
	log.Printf("📊 再平衡完成 (%s): %v", source, formatWeights(weights))
	return alloc, nil
}

// solveMaxSharpe 解 Σ w = excess
func solveMaxSharpe(cov *mat.SymDense, excess []float64) ([]float64, error) {
	n := len(excess)
	var w mat.VecDense
	if err := w.SolveVec(cov, mat.NewVecDense(n, excess)); err != nil {
		return nil, err
	}

	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = w.AtVec(i)
	}
	return out, nil
}

// clipNormalize 负权重截到 0 再归一化；全为 0 返回 nil
func clipNormalize(symbols []string, raw []float64) map[string]float64 {
	sum := 0.0
	for i := range raw {
		if raw[i] < 0 || math.IsNaN(raw[i]) || math.IsInf(raw[i], 0) {
			raw[i] = 0
		}
		sum += raw[i]
	}
	if sum <= 0 {
		return nil
	}

	weights := make(map[string]float64, len(symbols))
	for i, sym := range symbols {
		weights[sym] = raw[i] / sum
	}
	return weights
}

// riskParityWeights 逆波动率权重
func riskParityWeights(symbols []string, series [][]float64) map[string]float64 {
	weights := make(map[string]float64, len(symbols))
	sum := 0.0
	inv := make([]float64, len(symbols))
	for i := range series {
		vol := calculateRealizedVol(series[i])
		if vol <= 0 {
			vol = 1e-8
		}
		inv[i] = 1 / vol
		sum += inv[i]
	}
	if sum <= 0 {
		// 等权兜底
		for _, sym := range symbols {
			weights[sym] = 1 / float64(len(symbols))
		}
		return weights
	}
	for i, sym := range symbols {
		weights[sym] = inv[i] / sum
	}
	return weights
}

// minVarianceWeights 最小方差权重 w ∝ Σ⁻¹1
func minVarianceWeights(symbols []string, cov *mat.SymDense) map[string]float64 {
	n := len(symbols)
	ones := make([]float64, n)
	for i := range ones {
		ones[i] = 1
	}

	var w mat.VecDense
	if err := w.SolveVec(cov, mat.NewVecDense(n, ones)); err != nil {
		// 解不出来用等权
		weights := make(map[string]float64, n)
		for _, sym := range symbols {
			weights[sym] = 1 / float64(n)
		}
		return weights
	}

	raw := make([]float64, n)
	for i := 0; i < n; i++ {
		raw[i] = w.AtVec(i)
	}
	if weights := clipNormalize(symbols, raw); weights != nil {
		return weights
	}
	weights := make(map[string]float64, n)
	for _, sym := range symbols {
		weights[sym] = 1 / float64(n)
	}
	return weights
}

// covarianceMatrix 样本协方差，对角线加微小扰动保证可解
func covarianceMatrix(series [][]float64) *mat.SymDense {
	n := len(series)
	m := len(series[0])
	means := make([]float64, n)
	for i := range series {
		means[i] = mean(series[i])
	}

	cov := mat.NewSymDense(n, nil)
	denom := float64(m - 1)
	if denom <= 0 {
		denom = 1
	}
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sum := 0.0
			for k := 0; k < m; k++ {
				sum += (series[i][k] - means[i]) * (series[j][k] - means[j])
			}
			v := sum / denom
			if i == j {
				v += 1e-10
			}
			cov.SetSym(i, j, v)
		}
	}
	return cov
}

// portfolioSharpe 给定权重下的组合夏普
func portfolioSharpe(weights map[string]float64, symbols []string, mu []float64, cov *mat.SymDense, rf float64) float64 {
	n := len(symbols)
	w := make([]float64, n)
	for i, sym := range symbols {
		w[i] = weights[sym]
	}

	ret := 0.0
	for i := range w {
		ret += w[i] * mu[i]
	}

	variance := 0.0
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			variance += w[i] * w[j] * cov.At(i, j)
		}
	}
	if variance <= 0 {
		return 0
	}
	return (ret - rf) / math.Sqrt(variance)
}

func formatWeights(weights map[string]float64) string {
	syms := make([]string, 0, len(weights))
	for sym := range weights {
		syms = append(syms, sym)
	}
	sort.Strings(syms)
	out := ""
	for i, sym := range syms {
		if i > 0 {
			out += " "
		}
		out += fmt.Sprintf("%s=%.1f%%", sym, weights[sym]*100)
	}
	return out
}

// ===== 风险评估 =====

// AssessRisk 周期性风险评估：CVaR、压力测试、流动性、回撤
// 结果只推送告警，不直接阻断交易
func (po *PortfolioOptimizer) AssessRisk(returns []float64, spreads []float64) RiskReport {
	report := RiskReport{
		Timestamp:    time.Now(),
		CVaR95:       calculateCVaR(returns, 0.95),
		CVaR99:       calculateCVaR(returns, 0.99),
		VaR95:        calculateVaR(returns, 0.95),
		VaR99:        calculateVaR(returns, 0.99),
		Stress:       stressTest(returns, po.cfg.StressDropPct),
		Liquidity:    liquidityRisk(spreads, 0.05),
		Observations: len(returns),
	}
	report.MaxDrawdown, report.CurrentDrawdown = calculateDrawdown(returns)

	log.Printf("💣 风险评估: CVaR95=%.2f%% CVaR99=%.2f%% 压力=%s 流动性=%s 最大回撤=%.2f%%",
		report.CVaR95*100, report.CVaR99*100, report.Stress.Status,
		report.Liquidity.Status, report.MaxDrawdown*100)
	return report
}

// calculateCVaR 条件在险价值：最差 (1-confidence) 尾部的平均收益（负数）
func calculateCVaR(returns []float64, confidence float64) float64 {
	if len(returns) == 0 {
		return 0
	}

	sorted := make([]float64, len(returns))
	copy(sorted, returns)
	sort.Float64s(sorted)

	cutoff := int((1 - confidence) * float64(len(sorted)))
	if cutoff == 0 {
		cutoff = 1
	}
	return mean(sorted[:cutoff])
}

// calculateVaR 在险价值
func calculateVaR(returns []float64, confidence float64) float64 {
	if len(returns) == 0 {
		return 0
	}

	sorted := make([]float64, len(returns))
	copy(sorted, returns)
	sort.Float64s(sorted)

	cutoff := int((1 - confidence) * float64(len(sorted)))
	if cutoff == 0 {
		cutoff = 1
	}
	return sorted[cutoff-1]
}

// stressTest 固定幅度瞬时下跌情景
func stressTest(returns []float64, dropPct float64) StressResult {
	res := StressResult{Status: "OK", DropScenario: dropPct}
	if len(returns) == 0 {
		res.Status = "UNKNOWN"
		return res
	}

	res.CurrentReturn = mean(returns)
	res.StressReturn = res.CurrentReturn + dropPct
	res.Impact = dropPct

	switch {
	case res.StressReturn < -0.20:
		res.Status = "CRITICAL"
	case res.StressReturn < -0.10:
		res.Status = "SEVERE"
	case res.StressReturn < -0.05:
		res.Status = "MODERATE"
	}
	return res
}

// liquidityRisk 基于平均点差的流动性风险
func liquidityRisk(spreads []float64, threshold float64) LiquidityResult {
	if len(spreads) == 0 {
		return LiquidityResult{Status: "UNKNOWN", RiskScore: 0.5}
	}

	avg := mean(spreads)
	maxSpread := spreads[0]
	for _, s := range spreads[1:] {
		if s > maxSpread {
			maxSpread = s
		}
	}

	liq := 1 - avg/threshold
	if liq < 0 {
		liq = 0
	}
	if liq > 1 {
		liq = 1
	}
	risk := 1 - liq

	status := "LOW"
	switch {
	case risk > 0.7:
		status = "HIGH"
	case risk > 0.4:
		status = "MODERATE"
	}

	return LiquidityResult{
		Status:         status,
		RiskScore:      risk,
		LiquidityScore: liq,
		AvgSpread:      avg,
		MaxSpread:      maxSpread,
	}
}
