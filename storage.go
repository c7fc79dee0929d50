package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"
)

// Storage JSON 文件存储层
// 净值快照、成交记录、决策记录都在一个文件里，小体量下够用
type Storage struct {
	basePath string
	mu       sync.RWMutex
	data     *StorageData
	nextID   int64
	dirty    bool
}

// StorageData 存储的所有数据
type StorageData struct {
	EquitySnapshots []EquitySnapshot `json:"equity_snapshots"`
	TradeRecords    []TradeRecord    `json:"trade_records"`
	Decisions       []DecisionRecord `json:"decisions"`
	ConfigSnapshots []ConfigSnapshot `json:"config_snapshots"`
}

// ConfigSnapshot 配置快照
type ConfigSnapshot struct {
	ID         int64     `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	ConfigJSON string    `json:"config_json"`
	Reason     string    `json:"reason"`
}

// EquitySnapshot 净值快照
type EquitySnapshot struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Equity    float64   `json:"equity"`
	PnL       float64   `json:"pnl"`
	PnLPct    float64   `json:"pnl_pct"`
	Mode      string    `json:"mode"`
}

// NewStorage 创建存储实例
func NewStorage(dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = "data/storage.json"
	}

	s := &Storage{
		basePath: dbPath,
		data:     &StorageData{},
		nextID:   1,
	}

	if err := s.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("加载存储文件失败: %w", err)
		}
		log.Printf("📁 创建新的存储文件: %s", dbPath)
	} else {
		log.Printf("✅ 已加载存储数据: %s (%d 笔成交, %d 条决策)",
			dbPath, len(s.data.TradeRecords), len(s.data.Decisions))
	}

	s.calculateNextID()
	return s, nil
}

// calculateNextID 计算下一个可用的自增 ID
func (s *Storage) calculateNextID() {
	maxID := int64(0)
	for _, snap := range s.data.EquitySnapshots {
		if snap.ID > maxID {
			maxID = snap.ID
		}
	}
	for _, cfg := range s.data.ConfigSnapshots {
		if cfg.ID > maxID {
			maxID = cfg.ID
		}
	}
	s.nextID = maxID + 1
}

func (s *Storage) getNextID() int64 {
	id := s.nextID
	s.nextID++
	return id
}

// load 从文件加载数据
func (s *Storage) load() error {
	data, err := os.ReadFile(s.basePath)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, s.data)
}

// save 原子写回文件，调用方必须持有锁
func (s *Storage) save() error {
	data, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFileAtomic(s.basePath, data, 0644); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

// Flush 把内存里未落盘的改动写回文件
// 热路径上的写操作只标脏，由主循环的持久化周期统一刷盘
func (s *Storage) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	return s.save()
}

// Close 关闭存储（强制落盘）
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save()
}

// ===== 净值快照 =====

// SaveEquitySnapshot 保存净值快照
func (s *Storage) SaveEquitySnapshot(equity, pnl, pnlPct float64, mode string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.EquitySnapshots = append(s.data.EquitySnapshots, EquitySnapshot{
		ID:        s.getNextID(),
		Timestamp: time.Now(),
		Equity:    equity,
		PnL:       pnl,
		PnLPct:    pnlPct,
		Mode:      mode,
	})
	s.dirty = true
}

// GetEquityHistory 获取最新的净值历史（时间升序）
func (s *Storage) GetEquityHistory(limit int) []EquitySnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 1000
	}

	snapshots := make([]EquitySnapshot, len(s.data.EquitySnapshots))
	copy(snapshots, s.data.EquitySnapshots)
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Timestamp.Before(snapshots[j].Timestamp)
	})

	if len(snapshots) > limit {
		snapshots = snapshots[len(snapshots)-limit:]
	}
	return snapshots
}

// EquityReturns 从净值快照序列算收益率，给运行时夏普和风险评估用
func (s *Storage) EquityReturns(limit int) []float64 {
	snapshots := s.GetEquityHistory(limit)
	if len(snapshots) < 2 {
		return nil
	}
	equities := make([]float64, len(snapshots))
	for i, snap := range snapshots {
		equities[i] = snap.Equity
	}
	return calculateReturns(equities)
}

// ===== 成交记录 =====

// SaveTradeRecord 保存成交记录
func (s *Storage) SaveTradeRecord(record TradeRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.TradeRecords = append(s.data.TradeRecords, record)
	s.dirty = true
}

// GetTradeRecords 按时间倒序取成交记录（分页）
func (s *Storage) GetTradeRecords(limit, offset int) ([]TradeRecord, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	total := len(s.data.TradeRecords)
	records := make([]TradeRecord, total)
	copy(records, s.data.TradeRecords)

	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}

	if offset >= len(records) {
		return []TradeRecord{}, total
	}
	records = records[offset:]
	if len(records) > limit {
		records = records[:limit]
	}
	return records, total
}

// TradesToday 今日（UTC）成交笔数
func (s *Storage) TradesToday() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	today := time.Now().UTC().Truncate(24 * time.Hour)
	count := 0
	for _, r := range s.data.TradeRecords {
		if !r.Time.Before(today) {
			count++
		}
	}
	return count
}

// ===== 决策记录 =====

// SaveDecision 保存一条决策记录
func (s *Storage) SaveDecision(record DecisionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.Decisions = append(s.data.Decisions, record)
	s.dirty = true
}

// AttributeDecision 把已实现盈亏回填到决策记录
// 每条决策只归因一次，重复调用是空操作
func (s *Storage) AttributeDecision(id string, pnl float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.data.Decisions {
		d := &s.data.Decisions[i]
		if d.ID != id {
			continue
		}
		if d.PnLAttributed {
			return false
		}
		d.PnLAttributed = true
		d.RealizedPnL = pnl
		s.dirty = true
		return true
	}
	return false
}

// OpenBuyDecisions 某交易对尚未归因的买入决策（时间升序）
func (s *Storage) OpenBuyDecisions(symbol string) []DecisionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []DecisionRecord
	for _, d := range s.data.Decisions {
		if d.Symbol == symbol && d.Side == SideBuy && !d.PnLAttributed {
			out = append(out, d)
		}
	}
	return out
}

// GetDecisions 按时间倒序取决策记录
func (s *Storage) GetDecisions(limit int) []DecisionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	records := make([]DecisionRecord, len(s.data.Decisions))
	copy(records, s.data.Decisions)
	sort.Slice(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})

	if len(records) > limit {
		records = records[:limit]
	}
	return records
}

// AllDecisions 全部决策记录副本（Kelly 统计用）
func (s *Storage) AllDecisions() []DecisionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]DecisionRecord, len(s.data.Decisions))
	copy(records, s.data.Decisions)
	return records
}

// ===== 配置快照 =====

// SaveConfigSnapshot 保存配置快照
func (s *Storage) SaveConfigSnapshot(config interface{}, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	configJSON, err := json.Marshal(config)
	if err != nil {
		return err
	}

	s.data.ConfigSnapshots = append(s.data.ConfigSnapshots, ConfigSnapshot{
		ID:         s.getNextID(),
		Timestamp:  time.Now(),
		ConfigJSON: string(configJSON),
		Reason:     reason,
	})
	s.dirty = true
	return nil
}

// ===== 数据清理 =====

// CleanOldData 清理旧数据
// 过期的净值快照每天保留第一条，决策记录直接丢弃
func (s *Storage) CleanOldData(retentionDays int) error {
	if retentionDays <= 0 {
		retentionDays = 90
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	var newSnapshots []EquitySnapshot
	dailySnapshots := make(map[string]EquitySnapshot)
	for _, snap := range s.data.EquitySnapshots {
		if snap.Timestamp.After(cutoff) {
			newSnapshots = append(newSnapshots, snap)
		} else {
			day := snap.Timestamp.Format("2006-01-02")
			if _, exists := dailySnapshots[day]; !exists {
				dailySnapshots[day] = snap
			}
		}
	}
	for _, snap := range dailySnapshots {
		newSnapshots = append(newSnapshots, snap)
	}
	sort.Slice(newSnapshots, func(i, j int) bool {
		return newSnapshots[i].Timestamp.Before(newSnapshots[j].Timestamp)
	})
	s.data.EquitySnapshots = newSnapshots

	var newDecisions []DecisionRecord
	for _, dec := range s.data.Decisions {
		if dec.Timestamp.After(cutoff) {
			newDecisions = append(newDecisions, dec)
		}
	}
	s.data.Decisions = newDecisions

	log.Printf("✅ 已清理 %d 天前的旧数据", retentionDays)
	return s.save()
}

// GetAllTradeRecords 全部成交记录（导出用）
func (s *Storage) GetAllTradeRecords() []TradeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]TradeRecord, len(s.data.TradeRecords))
	copy(records, s.data.TradeRecords)
	return records
}

// GetAllEquitySnapshots 全部净值快照（导出用）
func (s *Storage) GetAllEquitySnapshots() []EquitySnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshots := make([]EquitySnapshot, len(s.data.EquitySnapshots))
	copy(snapshots, s.data.EquitySnapshots)
	return snapshots
}
