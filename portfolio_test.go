package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fill(symbol, side string, qty, price float64) *Fill {
	return &Fill{
		Symbol:    symbol,
		Side:      side,
		Quantity:  qty,
		Price:     price,
		Value:     qty * price,
		Timestamp: time.Now(),
	}
}

func TestPortfolioBuyAveragesCost(t *testing.T) {
	p := NewPortfolio(10000, "")

	p.ApplyFill(fill("BTCUSDT", SideBuy, 0.01, 60000))
	p.ApplyFill(fill("BTCUSDT", SideBuy, 0.01, 70000))

	assert.InDelta(t, 0.02, p.PositionQty("BTCUSDT"), 1e-12)
	assert.InDelta(t, 10000-600-700, p.Cash(), 1e-9)

	pos := p.Positions()["BTCUSDT"]
	require.NotNil(t, pos)
	assert.InDelta(t, 65000, pos.AvgCost, 1e-6)
}

func TestPortfolioSellRealizesPnL(t *testing.T) {
	p := NewPortfolio(10000, "")
	p.ApplyFill(fill("BTCUSDT", SideBuy, 0.02, 60000))

	// 半仓止盈
	realized := p.ApplyFill(fill("BTCUSDT", SideSell, 0.01, 66000))
	assert.InDelta(t, 60.0, realized, 1e-9)
	assert.InDelta(t, 0.01, p.PositionQty("BTCUSDT"), 1e-12)

	// 清仓，浮点残渣以内的数量按清零处理
	realized = p.ApplyFill(fill("BTCUSDT", SideSell, 0.01, 54000))
	assert.InDelta(t, -60.0, realized, 1e-9)
	assert.Equal(t, 0.0, p.PositionQty("BTCUSDT"))
	assert.Empty(t, p.Positions())
}

func TestPortfolioSellClampsToHolding(t *testing.T) {
	p := NewPortfolio(10000, "")
	p.ApplyFill(fill("ETHUSDT", SideBuy, 1.0, 3000))

	// 卖出数量超过持仓时按持仓截断，现金只回笼实际卖出的部分
	realized := p.ApplyFill(fill("ETHUSDT", SideSell, 2.0, 3300))
	assert.InDelta(t, 300.0, realized, 1e-9)
	assert.InDelta(t, 10000-3000+3300, p.Cash(), 1e-9)
	assert.Equal(t, 0.0, p.PositionQty("ETHUSDT"))
}

func TestPortfolioSellWithoutPositionIsNoop(t *testing.T) {
	p := NewPortfolio(10000, "")
	realized := p.ApplyFill(fill("BTCUSDT", SideSell, 1.0, 60000))
	assert.Equal(t, 0.0, realized)
	assert.Equal(t, 10000.0, p.Cash())
}

func TestPortfolioMarkToMarketAndAccount(t *testing.T) {
	p := NewPortfolio(10000, "")
	p.ApplyFill(fill("BTCUSDT", SideBuy, 0.1, 60000))

	p.MarkToMarket(map[string]float64{"BTCUSDT": 66000})

	acc := p.Account()
	assert.InDelta(t, 6600, acc.InvestedValue, 1e-6)
	assert.InDelta(t, 600, acc.UnrealizedPnL, 1e-6)
	assert.InDelta(t, 4000+6600, acc.TotalEquity, 1e-6)
	assert.Equal(t, 1, acc.PositionCount)
	assert.InDelta(t, 6.0, acc.TotalPnLPct, 1e-6)

	// 缺价的交易对保持上次市值
	p.MarkToMarket(map[string]float64{"ETHUSDT": 3200})
	assert.InDelta(t, 6600, p.Account().InvestedValue, 1e-6)
}

func TestPortfolioSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portfolio.json")

	p := NewPortfolio(10000, path)
	p.ApplyFill(fill("BTCUSDT", SideBuy, 0.1, 60000))
	p.ApplyFill(fill("BTCUSDT", SideSell, 0.05, 66000))
	require.NoError(t, p.Save())

	restored := NewPortfolio(10000, path)
	assert.InDelta(t, p.Cash(), restored.Cash(), 1e-9)
	assert.InDelta(t, 0.05, restored.PositionQty("BTCUSDT"), 1e-12)

	pos := restored.Positions()["BTCUSDT"]
	require.NotNil(t, pos)
	assert.InDelta(t, 60000, pos.AvgCost, 1e-6)
}

func TestPortfolioPositionsReturnsCopy(t *testing.T) {
	p := NewPortfolio(10000, "")
	p.ApplyFill(fill("BTCUSDT", SideBuy, 0.1, 60000))

	snapshot := p.Positions()
	snapshot["BTCUSDT"].Quantity = 999

	assert.InDelta(t, 0.1, p.PositionQty("BTCUSDT"), 1e-12)
}
