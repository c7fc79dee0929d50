package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// surgeSeries 缓涨带回撤后末段连续上冲
// RSI 先在 80~85 区间停留一步，下一步越过 85
func surgeSeries() []float64 {
	prices := []float64{100}
	for i := 0; i < 23; i++ {
		step := 0.5
		if i%2 == 1 {
			step = -0.4
		}
		prices = append(prices, prices[len(prices)-1]+step)
	}
	for _, gain := range []float64{1.5, 2.0, 2.5, 5.0} {
		prices = append(prices, prices[len(prices)-1]+gain)
	}
	return prices
}

// 持仓走完一轮冲顶行情：80 档部分止盈一次，越过 85 后一次性清仓，
// 中途不应出现任何成交的买入
func TestOverboughtPositionTrimsThenExits(t *testing.T) {
	cfg := &Config{DataDir: t.TempDir()}
	cfg.applyDefaults()

	engine := NewSignalEngine(cfg)
	governor := NewRiskGovernor(cfg, NewCircuitBreaker("replay_"+t.Name(), cfg.TradeBreaker))
	broker := NewSimulatedBroker("replay")
	portfolio := NewPortfolio(10000, "")
	ctx := context.Background()

	// 建一笔贴着单币敞口上限的仓位，行情上行阶段的买入信号都应被敞口限制挡住
	const symbol = "BTCUSDT"
	portfolio.ApplyFill(fill(symbol, SideBuy, 25, 100))

	prices := surgeSeries()
	var buys, trims, exits int

	for i, price := range prices {
		window := prices[:i+1]
		portfolio.MarkToMarket(map[string]float64{symbol: price})
		acc := portfolio.Account()
		positionQty := portfolio.PositionQty(symbol)

		sig := engine.ComputeSignal(symbol, window, positionQty)
		if sig.Direction == SideHold {
			continue
		}

		state := &PortfolioState{
			Account:   acc,
			Positions: portfolio.Positions(),
		}
		gate := governor.Gate(sig, nil, state)
		if !gate.Approved {
			continue
		}

		switch sig.Direction {
		case SideBuy:
			f, err := broker.SubmitOrder(ctx, symbol, SideBuy, gate.MaxBuyValue/price, price)
			require.NoError(t, err)
			portfolio.ApplyFill(f)
			governor.NoteFill(symbol)
			buys++
		case SideSell:
			f, err := broker.SubmitOrder(ctx, symbol, SideSell, positionQty*gate.SellFraction, price)
			require.NoError(t, err)
			portfolio.ApplyFill(f)
			governor.NoteFill(symbol)
			if gate.SellFraction >= 1.0 {
				exits++
			} else {
				trims++
				// 80~85 区间内按线性档位部分止盈
				assert.Greater(t, gate.SellFraction, 0.0)
				assert.Less(t, gate.SellFraction, 1.0)
			}
		}
	}

	assert.Equal(t, 1, trims, "80 档只应触发一次部分止盈")
	assert.Equal(t, 1, exits, "越过 85 后应一次性清仓")
	assert.Equal(t, 0, buys, "整段行情中不应有成交的买入")
	assert.Equal(t, 0.0, portfolio.PositionQty(symbol))
}

func TestBacktestIgnoresStalePauseFile(t *testing.T) {
	// 系统临时目录里残留的暂停文件不应冻结回测
	tmp := t.TempDir()
	t.Setenv("TMPDIR", tmp)
	stale, err := json.Marshal(GuardianPauseSignal{Paused: true, Manual: true, Reason: "stale"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(tmp, "guardian_pause.json"), stale, 0644))

	cfg := &Config{DataDir: t.TempDir()}
	cfg.applyDefaults()

	// 围绕 100 震荡的序列，空仓阶段会产生进场买入
	series := []float64{100}
	for i := 0; i < 40; i++ {
		if i%2 == 0 {
			series = append(series, 101)
		} else {
			series = append(series, 99)
		}
	}

	result, err := RunBacktest(cfg, &BacktestInput{
		InitialCapital: 10000,
		Prices:         map[string][]float64{"BTCUSDT": series},
	})
	require.NoError(t, err)
	assert.Greater(t, result.Summary.TotalTrades, 0)
}
