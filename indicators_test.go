package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSMA(t *testing.T) {
	prices := []float64{1, 2, 3, 4, 5}
	assert.InDelta(t, 4.0, calculateSMA(prices, 3), 1e-9)
	assert.InDelta(t, 3.0, calculateSMA(prices, 5), 1e-9)

	// 历史不足
	assert.Equal(t, 0.0, calculateSMA(prices, 6))
	assert.Equal(t, 0.0, calculateSMA(prices, 0))
}

func TestEMAConvergesTowardLatest(t *testing.T) {
	// 价格跳到新平台后 EMA 应落在新旧平台之间且偏向新平台
	prices := make([]float64, 30)
	for i := range prices {
		if i < 15 {
			prices[i] = 100
		} else {
			prices[i] = 110
		}
	}
	ema := calculateEMA(prices, 10)
	assert.Greater(t, ema, 105.0)
	assert.Less(t, ema, 110.0)

	// 常数序列的 EMA 就是常数
	flat := make([]float64, 20)
	for i := range flat {
		flat[i] = 50
	}
	assert.InDelta(t, 50.0, calculateEMA(flat, 10), 1e-9)
}

func TestRSIBounds(t *testing.T) {
	// 单调上涨没有任何跌幅
	assert.Equal(t, 100.0, calculateRSI(risingSeries(30), 14))

	// 单调下跌趋向 0
	falling := make([]float64, 30)
	for i := range falling {
		falling[i] = 100 - float64(i)
	}
	assert.Less(t, calculateRSI(falling, 14), 1.0)

	// 历史不足返回 0
	assert.Equal(t, 0.0, calculateRSI(risingSeries(14), 14))
}

func TestMACDSignOfTrend(t *testing.T) {
	assert.Greater(t, calculateMACD(risingSeries(60)), 0.0)

	falling := make([]float64, 60)
	for i := range falling {
		falling[i] = 200 - float64(i)
	}
	assert.Less(t, calculateMACD(falling), 0.0)

	// 不足 26 个点
	assert.Equal(t, 0.0, calculateMACD(risingSeries(20)))

	macd, signal := calculateMACDWithSignal(risingSeries(60))
	assert.Greater(t, macd, 0.0)
	assert.Greater(t, signal, 0.0)
}

func TestBollingerBands(t *testing.T) {
	upper, middle, lower := calculateBollingerBands([]float64{10, 12, 14, 12, 10, 12, 14, 12, 10, 12}, 10, 2)
	assert.InDelta(t, 11.8, middle, 1e-9)
	assert.Greater(t, upper, middle)
	assert.Less(t, lower, middle)
	assert.InDelta(t, upper-middle, middle-lower, 1e-9)
}

func TestMomentum(t *testing.T) {
	mom, ok := calculateMomentum([]float64{100, 101, 102, 110}, 3)
	require.True(t, ok)
	assert.InDelta(t, 10.0, mom, 1e-9)

	_, ok = calculateMomentum([]float64{100, 110}, 3)
	assert.False(t, ok)
}

func TestHighestInWindowExcludesLatest(t *testing.T) {
	// 最新点 120 不算在区间高点里
	high := highestInWindow([]float64{100, 105, 103, 120}, 3)
	assert.Equal(t, 105.0, high)

	assert.Equal(t, 0.0, highestInWindow([]float64{100, 105}, 3))
}

func TestCalculateReturns(t *testing.T) {
	returns := calculateReturns([]float64{100, 110, 99})
	require.Len(t, returns, 2)
	assert.InDelta(t, 0.10, returns[0], 1e-9)
	assert.InDelta(t, -0.10, returns[1], 1e-9)

	assert.Nil(t, calculateReturns([]float64{100}))
}

func TestSharpe(t *testing.T) {
	// 波动为零或点数不足都返回 0
	assert.Equal(t, 0.0, calculateSharpe([]float64{0.01}, 0))
	assert.Equal(t, 0.0, calculateSharpe([]float64{0.01, 0.01, 0.01}, 0))

	pos := calculateSharpe([]float64{0.02, -0.01, 0.03, 0.01}, 0)
	assert.Greater(t, pos, 0.0)
}

func TestDrawdown(t *testing.T) {
	// 先涨 10% 再跌 20%：峰值后回撤约 -20%
	maxDD, currentDD := calculateDrawdown([]float64{0.10, -0.20})
	assert.InDelta(t, -0.20, maxDD, 1e-9)
	assert.InDelta(t, -0.20, currentDD, 1e-9)

	// 收复后当前回撤归零，最大回撤仍保留
	maxDD, currentDD = calculateDrawdown([]float64{0.10, -0.20, 0.30})
	assert.InDelta(t, -0.20, maxDD, 1e-9)
	assert.InDelta(t, 0.0, currentDD, 1e-6)
}
