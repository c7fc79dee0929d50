package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := NewStorage(filepath.Join(t.TempDir(), "storage.json"))
	require.NoError(t, err)
	return s
}

func TestStorageDecisionAttribution(t *testing.T) {
	s := newTestStorage(t)

	s.SaveDecision(DecisionRecord{ID: "d1", Symbol: "BTCUSDT", Side: SideBuy, Timestamp: time.Now()})
	s.SaveDecision(DecisionRecord{ID: "d2", Symbol: "BTCUSDT", Side: SideBuy, Timestamp: time.Now()})
	s.SaveDecision(DecisionRecord{ID: "d3", Symbol: "ETHUSDT", Side: SideBuy, Timestamp: time.Now()})
	// 卖出决策入库时就标记为已归因
	s.SaveDecision(DecisionRecord{ID: "d4", Symbol: "BTCUSDT", Side: SideSell, PnLAttributed: true, Timestamp: time.Now()})

	open := s.OpenBuyDecisions("BTCUSDT")
	require.Len(t, open, 2)

	require.True(t, s.AttributeDecision("d1", 42.5))
	// 重复归因是空操作
	assert.False(t, s.AttributeDecision("d1", 99))
	assert.False(t, s.AttributeDecision("missing", 1))

	open = s.OpenBuyDecisions("BTCUSDT")
	require.Len(t, open, 1)
	assert.Equal(t, "d2", open[0].ID)

	var attributed *DecisionRecord
	for _, d := range s.AllDecisions() {
		if d.ID == "d1" {
			cp := d
			attributed = &cp
		}
	}
	require.NotNil(t, attributed)
	assert.True(t, attributed.PnLAttributed)
	assert.InDelta(t, 42.5, attributed.RealizedPnL, 1e-9)
}

func TestStorageTradeRecordsPagination(t *testing.T) {
	s := newTestStorage(t)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		s.SaveTradeRecord(TradeRecord{
			Time:   base.Add(time.Duration(i) * time.Minute),
			Symbol: "BTCUSDT",
			Side:   SideBuy,
			Value:  float64(i),
		})
	}

	// 倒序：最新的在最前
	records, total := s.GetTradeRecords(2, 0)
	assert.Equal(t, 5, total)
	require.Len(t, records, 2)
	assert.Equal(t, 4.0, records[0].Value)
	assert.Equal(t, 3.0, records[1].Value)

	records, _ = s.GetTradeRecords(2, 4)
	require.Len(t, records, 1)
	assert.Equal(t, 0.0, records[0].Value)

	records, _ = s.GetTradeRecords(2, 10)
	assert.Empty(t, records)
}

func TestStorageTradesToday(t *testing.T) {
	s := newTestStorage(t)

	s.SaveTradeRecord(TradeRecord{Time: time.Now(), Symbol: "BTCUSDT"})
	s.SaveTradeRecord(TradeRecord{Time: time.Now().AddDate(0, 0, -2), Symbol: "BTCUSDT"})

	assert.Equal(t, 1, s.TradesToday())
}

func TestStorageEquityHistoryAndReturns(t *testing.T) {
	s := newTestStorage(t)

	s.SaveEquitySnapshot(10000, 0, 0, ModeSimulation)
	s.SaveEquitySnapshot(10100, 100, 1, ModeSimulation)
	s.SaveEquitySnapshot(10201, 201, 2.01, ModePaper)

	history := s.GetEquityHistory(0)
	require.Len(t, history, 3)
	assert.Equal(t, 10000.0, history[0].Equity, "历史按时间升序")
	assert.Equal(t, ModePaper, history[2].Mode)

	returns := s.EquityReturns(0)
	require.Len(t, returns, 2)
	assert.InDelta(t, 0.01, returns[0], 1e-9)
	assert.InDelta(t, 0.01, returns[1], 1e-9)

	// 点数不足时没有收益率
	empty := newTestStorage(t)
	assert.Nil(t, empty.EquityReturns(0))
}

func TestStorageFlushAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage.json")
	s, err := NewStorage(path)
	require.NoError(t, err)

	s.SaveDecision(DecisionRecord{ID: "d1", Symbol: "BTCUSDT", Side: SideBuy, Timestamp: time.Now()})
	s.SaveEquitySnapshot(10000, 0, 0, ModeSimulation)
	require.NoError(t, s.Flush())

	reloaded, err := NewStorage(path)
	require.NoError(t, err)
	assert.Len(t, reloaded.AllDecisions(), 1)
	assert.Len(t, reloaded.GetAllEquitySnapshots(), 1)

	// ID 序列从已有最大值继续
	reloaded.SaveEquitySnapshot(10100, 100, 1, ModeSimulation)
	snaps := reloaded.GetAllEquitySnapshots()
	require.Len(t, snaps, 2)
	assert.Greater(t, snaps[1].ID, snaps[0].ID)
}

func TestStorageCleanOldDataKeepsDailyFirst(t *testing.T) {
	s := newTestStorage(t)

	old := time.Now().AddDate(0, 0, -100)
	s.data.EquitySnapshots = []EquitySnapshot{
		{ID: 1, Timestamp: old, Equity: 10000},
		{ID: 2, Timestamp: old.Add(time.Hour), Equity: 10050},
		{ID: 3, Timestamp: time.Now(), Equity: 10200},
	}
	s.data.Decisions = []DecisionRecord{
		{ID: "old", Timestamp: old},
		{ID: "fresh", Timestamp: time.Now()},
	}

	require.NoError(t, s.CleanOldData(90))

	snaps := s.GetAllEquitySnapshots()
	require.Len(t, snaps, 2, "过期快照每天只留第一条")
	assert.Equal(t, int64(1), snaps[0].ID)

	decisions := s.AllDecisions()
	require.Len(t, decisions, 1)
	assert.Equal(t, "fresh", decisions[0].ID)
}
