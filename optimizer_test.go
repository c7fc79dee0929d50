package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func optimizerTestConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func TestReallocateProducesValidWeights(t *testing.T) {
	po := NewPortfolioOptimizer(optimizerTestConfig())

	returns := map[string][]float64{
		"BTCUSDT": {0.010, 0.012, -0.004, 0.008, 0.015, -0.002, 0.009, 0.011},
		"ETHUSDT": {0.006, -0.003, 0.007, 0.004, -0.001, 0.008, 0.005, 0.002},
		"SOLUSDT": {0.020, -0.015, 0.025, -0.010, 0.018, -0.012, 0.022, 0.016},
	}

	alloc, err := po.Reallocate(returns)
	require.NoError(t, err)
	require.Len(t, alloc.Weights, 3)

	sum := 0.0
	for sym, w := range alloc.Weights {
		assert.GreaterOrEqual(t, w, 0.0, sym)
		assert.LessOrEqual(t, w, 1.0, sym)
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-6)
	assert.NotEmpty(t, alloc.Source)
}

func TestReallocateInsufficientData(t *testing.T) {
	po := NewPortfolioOptimizer(optimizerTestConfig())

	// 只有一个可用序列
	_, err := po.Reallocate(map[string][]float64{
		"BTCUSDT": {0.01, 0.02, 0.03},
		"ETHUSDT": {0.01}, // 点数不足，被剔除
	})
	assert.ErrorIs(t, err, ErrInsufficientHistory)

	_, err = po.Reallocate(nil)
	assert.Error(t, err)
}

func TestReallocateAllNegativeFallsBackToMinVariance(t *testing.T) {
	po := NewPortfolioOptimizer(optimizerTestConfig())

	returns := map[string][]float64{
		"BTCUSDT": {-0.010, -0.012, -0.004, -0.008, -0.015},
		"ETHUSDT": {-0.006, -0.003, -0.007, -0.004, -0.001},
	}

	alloc, err := po.Reallocate(returns)
	require.NoError(t, err)
	assert.Equal(t, "min_variance", alloc.Source)

	sum := 0.0
	for _, w := range alloc.Weights {
		assert.GreaterOrEqual(t, w, 0.0)
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-6)
}

func TestReallocateFavorsHigherSharpeAsset(t *testing.T) {
	po := NewPortfolioOptimizer(optimizerTestConfig())

	// BTC 收益高且波动小，ETH 收益低且波动大
	returns := map[string][]float64{
		"BTCUSDT": {0.010, 0.011, 0.009, 0.010, 0.012, 0.010, 0.011, 0.009},
		"ETHUSDT": {0.002, -0.008, 0.010, -0.006, 0.004, -0.010, 0.008, -0.002},
	}

	alloc, err := po.Reallocate(returns)
	require.NoError(t, err)
	assert.Greater(t, alloc.Weights["BTCUSDT"], alloc.Weights["ETHUSDT"])
}

func TestClipNormalize(t *testing.T) {
	weights := clipNormalize([]string{"A", "B", "C"}, []float64{2, -1, 2})
	require.NotNil(t, weights)
	assert.InDelta(t, 0.5, weights["A"], 1e-9)
	assert.Equal(t, 0.0, weights["B"])
	assert.InDelta(t, 0.5, weights["C"], 1e-9)

	// 全部非正时没有可用权重
	assert.Nil(t, clipNormalize([]string{"A", "B"}, []float64{-1, 0}))
}

func TestRiskParityWeights(t *testing.T) {
	// 波动率 2:1，权重应接近 1:2
	series := [][]float64{
		{0.02, -0.02, 0.02, -0.02, 0.02},
		{0.01, -0.01, 0.01, -0.01, 0.01},
	}
	weights := riskParityWeights([]string{"HI", "LO"}, series)
	assert.InDelta(t, 1.0/3.0, weights["HI"], 0.01)
	assert.InDelta(t, 2.0/3.0, weights["LO"], 0.01)
}

func TestCalculateCVaRAndVaR(t *testing.T) {
	assert.Equal(t, 0.0, calculateCVaR(nil, 0.95))
	assert.Equal(t, 0.0, calculateVaR(nil, 0.95))

	returns := make([]float64, 100)
	for i := range returns {
		returns[i] = 0.01
	}
	returns[0] = -0.10
	returns[1] = -0.08
	returns[2] = -0.06
	returns[3] = -0.04
	returns[4] = -0.02

	// 95% 置信度下尾部是最差的 5 个点
	assert.InDelta(t, -0.06, calculateCVaR(returns, 0.95), 1e-9)
	assert.InDelta(t, -0.02, calculateVaR(returns, 0.95), 1e-9)

	// 99% 置信度下只剩最差 1 个点
	assert.InDelta(t, -0.10, calculateCVaR(returns, 0.99), 1e-9)
	assert.InDelta(t, -0.10, calculateVaR(returns, 0.99), 1e-9)
}

func TestStressTest(t *testing.T) {
	assert.Equal(t, "UNKNOWN", stressTest(nil, -0.10).Status)

	// 均值 0，叠加 -10% 情景后落在 MODERATE 区间
	flat := []float64{0.01, -0.01, 0.02, -0.02}
	res := stressTest(flat, -0.10)
	assert.Equal(t, "MODERATE", res.Status)
	assert.InDelta(t, -0.10, res.StressReturn, 1e-9)

	// 已经在亏损的组合叠加情景后恶化为 CRITICAL
	losing := []float64{-0.15, -0.15, -0.15}
	res = stressTest(losing, -0.10)
	assert.Equal(t, "CRITICAL", res.Status)
}

func TestLiquidityRisk(t *testing.T) {
	unknown := liquidityRisk(nil, 0.05)
	assert.Equal(t, "UNKNOWN", unknown.Status)
	assert.Equal(t, 0.5, unknown.RiskScore)

	tight := liquidityRisk([]float64{0.0005, 0.001, 0.0008}, 0.05)
	assert.Equal(t, "LOW", tight.Status)
	assert.Less(t, tight.RiskScore, 0.4)

	wide := liquidityRisk([]float64{0.05, 0.06, 0.04}, 0.05)
	assert.Equal(t, "HIGH", wide.Status)
	assert.InDelta(t, 1.0, wide.RiskScore, 1e-6)
	assert.InDelta(t, 0.06, wide.MaxSpread, 1e-9)
}

func TestAssessRisk(t *testing.T) {
	po := NewPortfolioOptimizer(optimizerTestConfig())

	returns := []float64{0.01, -0.02, 0.015, -0.03, 0.02, -0.01, 0.005, -0.025}
	report := po.AssessRisk(returns, []float64{0.001, 0.002})

	assert.Equal(t, len(returns), report.Observations)
	assert.LessOrEqual(t, report.CVaR95, report.VaR95, "CVaR 不会好于 VaR")
	assert.Less(t, report.CVaR99, 0.0)
	assert.NotEmpty(t, report.Stress.Status)
	assert.NotEmpty(t, report.Liquidity.Status)
	assert.LessOrEqual(t, report.MaxDrawdown, 0.0, "回撤以负数表示")
}
