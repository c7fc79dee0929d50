package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signalTestConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// risingSeries 单调上涨序列，RSI 为 100
func risingSeries(n int) []float64 {
	prices := make([]float64, n)
	for i := range prices {
		prices[i] = 100 + float64(i)
	}
	return prices
}

// overboughtSeries 每 5 步回撤一次的上涨序列，RSI 落在 80~85 之间
func overboughtSeries() []float64 {
	prices := []float64{100}
	for i := 0; i < 29; i++ {
		step := 1.0
		if i%5 == 4 {
			step = -1.0
		}
		prices = append(prices, prices[len(prices)-1]+step)
	}
	return prices
}

// fadeSeries 先涨后缓跌，MACD 独自投卖票，RSI 居中
func fadeSeries() []float64 {
	prices := []float64{100}
	for i := 0; i < 24; i++ {
		prices = append(prices, prices[len(prices)-1]+1)
	}
	for i := 0; i < 20; i++ {
		prices = append(prices, prices[len(prices)-1]-0.3)
	}
	return prices
}

// breakoutSeries 区间震荡后突破区间高点
func breakoutSeries() []float64 {
	prices := []float64{100}
	for i := 0; i < 40; i++ {
		if i%2 == 0 {
			prices = append(prices, 101)
		} else {
			prices = append(prices, 99)
		}
	}
	return append(prices, 103)
}

func TestRule1ExtremeOverboughtForcesFullExit(t *testing.T) {
	se := NewSignalEngine(signalTestConfig())

	sig := se.ComputeSignal("BTCUSDT", risingSeries(30), 1.0)

	assert.Equal(t, SideSell, sig.Direction)
	assert.True(t, sig.Forced)
	assert.Equal(t, 1.0, sig.SellFraction)
	assert.Equal(t, 1.0, sig.Confidence)
	assert.Greater(t, sig.RSI, 85.0)
}

func TestRule2ElevatedOverboughtForcesPartialTrim(t *testing.T) {
	se := NewSignalEngine(signalTestConfig())

	prices := overboughtSeries()
	sig := se.ComputeSignal("BTCUSDT", prices, 1.0)

	require.Greater(t, sig.RSI, 80.0)
	require.LessOrEqual(t, sig.RSI, 85.0)
	assert.Equal(t, SideSell, sig.Direction)
	assert.True(t, sig.Forced)
	// 比例由风控定，信号层不给出
	assert.Equal(t, 0.0, sig.SellFraction)
	assert.Equal(t, 0.9, sig.Confidence)
}

func TestRule3ConfidentSellWithPosition(t *testing.T) {
	se := NewSignalEngine(signalTestConfig())

	sig := se.ComputeSignal("ETHUSDT", fadeSeries(), 2.0)

	assert.Equal(t, SideSell, sig.Direction)
	assert.False(t, sig.Forced)
	assert.GreaterOrEqual(t, sig.Confidence, 0.6)
	assert.Less(t, sig.RSI, 80.0)
}

func TestRule4EntryWhenFlat(t *testing.T) {
	se := NewSignalEngine(signalTestConfig())

	// 同一序列空仓时走进场规则而不是卖出
	sig := se.ComputeSignal("ETHUSDT", fadeSeries(), 0)

	assert.Equal(t, SideBuy, sig.Direction)
	assert.GreaterOrEqual(t, sig.Confidence, 0.5)
	assert.Less(t, sig.RSI, 75.0)
}

func TestRule5ConfidentFusedBuyWithPosition(t *testing.T) {
	se := NewSignalEngine(signalTestConfig())

	sig := se.ComputeSignal("SOLUSDT", breakoutSeries(), 1.0)

	assert.Equal(t, SideBuy, sig.Direction)
	assert.GreaterOrEqual(t, sig.Confidence, 0.6)
}

func TestUnreliableHistoryNeverForcesExit(t *testing.T) {
	se := NewSignalEngine(signalTestConfig())

	// 15 个点不足以信任指标：RSI 名义上是 100，但强制规则不触发
	sig := se.ComputeSignal("BTCUSDT", risingSeries(15), 1.0)

	assert.False(t, sig.Forced)
	assert.Equal(t, 0.0, sig.SellFraction)
}

func TestUnreliableHistoryBlocksEntry(t *testing.T) {
	se := NewSignalEngine(signalTestConfig())

	prices := []float64{100, 99, 98, 97, 96, 95, 94, 93, 92, 91, 90, 89, 88, 87, 86}
	sig := se.ComputeSignal("BTCUSDT", prices, 0)

	// 历史不足时信心度减半，进场规则也不放行
	assert.NotEqual(t, SideSell, sig.Direction)
	assert.Less(t, sig.Confidence, 0.6)
}

func TestComputeSignalVoteCount(t *testing.T) {
	se := NewSignalEngine(signalTestConfig())
	sig := se.ComputeSignal("BTCUSDT", risingSeries(60), 0)

	// 七个策略每个都要投票，包括 hold
	assert.Len(t, sig.Votes, 7)
}

func TestReduceVotes(t *testing.T) {
	buy := func(c float64) Vote { return Vote{Direction: SideBuy, Confidence: c} }
	sell := func(c float64) Vote { return Vote{Direction: SideSell, Confidence: c} }
	hold := func() Vote { return Vote{Direction: SideHold} }

	dir, conf := reduceVotes([]Vote{buy(0.6), buy(0.8), sell(0.9), hold()}, 1)
	assert.Equal(t, SideBuy, dir)
	assert.InDelta(t, 0.7, conf, 1e-9)

	// 平票归并为 hold
	dir, conf = reduceVotes([]Vote{buy(0.9), sell(0.9)}, 1)
	assert.Equal(t, SideHold, dir)
	assert.Equal(t, 0.0, conf)

	// 票数不足最小要求
	dir, _ = reduceVotes([]Vote{buy(0.9)}, 2)
	assert.Equal(t, SideHold, dir)

	// 全 hold
	dir, _ = reduceVotes([]Vote{hold(), hold()}, 1)
	assert.Equal(t, SideHold, dir)
}
