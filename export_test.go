package main

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seededExporter(t *testing.T) *Exporter {
	t.Helper()
	s := newTestStorage(t)
	s.SaveEquitySnapshot(10000, 0, 0, ModeSimulation)
	s.SaveEquitySnapshot(10150, 150, 1.5, ModeSimulation)
	s.SaveTradeRecord(TradeRecord{
		Time: time.Now(), Symbol: "BTCUSDT", Side: SideBuy,
		Quantity: 0.1, Price: 65000, Value: 6500, Mode: ModeSimulation,
	})
	s.SaveDecision(DecisionRecord{ID: "d1", Symbol: "BTCUSDT", Side: SideBuy, Timestamp: time.Now()})
	return NewExporter(s)
}

func TestExportEquityHistoryCSV(t *testing.T) {
	e := seededExporter(t)
	dir := t.TempDir()

	path, err := e.ExportEquityHistory(dir, ExportCSV)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "timestamp,equity,pnl,pnl_pct,mode")
	assert.Contains(t, content, "10150.00")
	assert.True(t, strings.HasSuffix(path, ".csv"))

	// 不认识的格式
	_, err = e.ExportEquityHistory(dir, ExportFormat("xml"))
	assert.Error(t, err)
}

func TestExportTradeRecordsJSON(t *testing.T) {
	e := seededExporter(t)
	dir := t.TempDir()

	path, err := e.ExportTradeRecords(dir, ExportJSON)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "BTCUSDT")
	assert.True(t, strings.HasSuffix(path, ".json"))
}

func TestExportFullReport(t *testing.T) {
	e := seededExporter(t)
	dir := t.TempDir()

	path, err := e.ExportFullReport(dir)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "equity_history")
	assert.Contains(t, content, "trade_records")
	assert.Contains(t, content, "trade_total")
}

func TestExportEmptyStorage(t *testing.T) {
	e := NewExporter(newTestStorage(t))
	dir := t.TempDir()

	_, err := e.ExportEquityHistory(dir, ExportCSV)
	assert.Error(t, err)

	_, err = e.ExportTradeRecords(dir, ExportCSV)
	assert.Error(t, err)
}
