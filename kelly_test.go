package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func kellyTestConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func TestKellyFormula(t *testing.T) {
	// f = p - (1-p)/b
	assert.InDelta(t, 0.4, calculateKellyFraction(0.6, 2.0), 1e-9)
	assert.InDelta(t, 0.0, calculateKellyFraction(0.5, 1.0), 1e-9)

	// 没有优势时归零
	assert.Equal(t, 0.0, calculateKellyFraction(0.3, 1.0))
	// 非法输入
	assert.Equal(t, 0.0, calculateKellyFraction(0, 2.0))
	assert.Equal(t, 0.0, calculateKellyFraction(1, 2.0))
	assert.Equal(t, 0.0, calculateKellyFraction(0.6, 0))
}

func TestSizerFractionWorkedExample(t *testing.T) {
	cfg := kellyTestConfig()
	ps := NewPositionSizer(cfg)

	// 胜率 60%，盈亏比 2.0 → f*=0.4，半 Kelly 后恰好 0.2
	frac := ps.Fraction(TradeStats{WinRate: 0.6, RewardRisk: 2.0, Samples: 20})
	assert.InDelta(t, 0.2, frac, 1e-9)
}

func TestSizerFallbackBelowMinSamples(t *testing.T) {
	cfg := kellyTestConfig()
	ps := NewPositionSizer(cfg)

	frac := ps.Fraction(TradeStats{WinRate: 0.9, RewardRisk: 3.0, Samples: cfg.KellyMinSamples - 1})
	assert.Equal(t, cfg.KellyFallbackFraction, frac)
}

func TestSizerCapsAtMaxFraction(t *testing.T) {
	cfg := kellyTestConfig()
	ps := NewPositionSizer(cfg)

	// 极端统计下半 Kelly 也会超过上限，必须截断到 kelly_max_fraction
	frac := ps.Fraction(TradeStats{WinRate: 0.95, RewardRisk: 10.0, Samples: 50})
	assert.Equal(t, cfg.KellyMaxFraction, frac)
}

func TestSizerNoEdgeFallsBack(t *testing.T) {
	cfg := kellyTestConfig()
	ps := NewPositionSizer(cfg)

	frac := ps.Fraction(TradeStats{WinRate: 0.3, RewardRisk: 0.3, Samples: 50})
	assert.Equal(t, cfg.KellyFallbackFraction, frac)
}

func TestSizerRiskBudgetBound(t *testing.T) {
	cfg := kellyTestConfig()
	ps := NewPositionSizer(cfg)

	// 风险预算 = equity × 0.01 / 0.02 = equity × 0.5，0.2 的仓位不受影响
	qty, frac := ps.Size(100, 10000, TradeStats{WinRate: 0.6, RewardRisk: 2.0, Samples: 20})
	assert.InDelta(t, 0.2, frac, 1e-9)
	assert.InDelta(t, 20.0, qty, 1e-9)

	// 收紧风险预算后仓位被压到预算内
	cfg.MaxRiskPerTrade = 0.001
	qty, frac = ps.Size(100, 10000, TradeStats{WinRate: 0.6, RewardRisk: 2.0, Samples: 20})
	assert.InDelta(t, 0.05, frac, 1e-9)
	assert.InDelta(t, 5.0, qty, 1e-9)
}

func TestComputeTradeStats(t *testing.T) {
	now := time.Now()
	decisions := []DecisionRecord{
		{PnLAttributed: true, RealizedPnL: 100, Timestamp: now},
		{PnLAttributed: true, RealizedPnL: 50, Timestamp: now},
		{PnLAttributed: true, RealizedPnL: -75, Timestamp: now},
		{PnLAttributed: false, RealizedPnL: 999, Timestamp: now}, // 未归因的不计入
		{PnLAttributed: true, RealizedPnL: 0, Timestamp: now},    // 零盈亏不计入
	}

	stats := computeTradeStats(decisions)
	assert.Equal(t, 3, stats.Samples)
	assert.InDelta(t, 2.0/3.0, stats.WinRate, 1e-9)
	assert.InDelta(t, 1.0, stats.RewardRisk, 1e-9) // avg win 75 / avg loss 75
}

func TestComputeTradeStatsEmpty(t *testing.T) {
	stats := computeTradeStats(nil)
	assert.Equal(t, 0, stats.Samples)
	assert.Equal(t, 0.5, stats.WinRate)
	assert.Equal(t, 1.0, stats.RewardRisk)
}

func TestComputeTradeStatsOneSided(t *testing.T) {
	onlyWins := computeTradeStats([]DecisionRecord{
		{PnLAttributed: true, RealizedPnL: 10},
		{PnLAttributed: true, RealizedPnL: 20},
	})
	assert.Equal(t, 1.0, onlyWins.WinRate)
	assert.Equal(t, 2.0, onlyWins.RewardRisk)

	onlyLosses := computeTradeStats([]DecisionRecord{
		{PnLAttributed: true, RealizedPnL: -10},
	})
	assert.Equal(t, 0.0, onlyLosses.WinRate)
	assert.Equal(t, 0.5, onlyLosses.RewardRisk)
}
