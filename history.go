package main

import (
	"encoding/json"
	"log"
	"os"
	"sync"
)

// PriceHistoryStore 每个交易对的有界价格窗口
// 只追加、只在超出窗口时从头部淘汰，顺序不会被打乱
// 持久化后重启可以从上次的窗口继续算指标
type PriceHistoryStore struct {
	mu       sync.RWMutex
	window   int
	series   map[string][]float64
	filePath string
}

// NewPriceHistoryStore 创建并尝试加载已有历史
func NewPriceHistoryStore(filePath string, window int) *PriceHistoryStore {
	s := &PriceHistoryStore{
		window:   window,
		series:   make(map[string][]float64),
		filePath: filePath,
	}
	s.load()
	return s
}

// Append 追加一个价格点，超出窗口从最旧的开始丢弃
func (s *PriceHistoryStore) Append(symbol string, price float64) {
	if price <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	hist := append(s.series[symbol], price)
	if len(hist) > s.window {
		hist = hist[len(hist)-s.window:]
	}
	s.series[symbol] = hist
}

// Get 获取某个交易对的价格序列副本（最新的在末尾）
func (s *PriceHistoryStore) Get(symbol string) []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hist := s.series[symbol]
	out := make([]float64, len(hist))
	copy(out, hist)
	return out
}

// Len 某个交易对已有的点数
func (s *PriceHistoryStore) Len(symbol string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.series[symbol])
}

// Latest 最新价格，没有历史返回 0
func (s *PriceHistoryStore) Latest(symbol string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hist := s.series[symbol]
	if len(hist) == 0 {
		return 0
	}
	return hist[len(hist)-1]
}

// load 从文件加载历史窗口
func (s *PriceHistoryStore) load() {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("⚠️ 加载价格历史失败: %v", err)
		}
		return
	}

	var series map[string][]float64
	if err := json.Unmarshal(data, &series); err != nil {
		log.Printf("⚠️ 解析价格历史失败: %v", err)
		return
	}

	for sym, hist := range series {
		if len(hist) > s.window {
			hist = hist[len(hist)-s.window:]
		}
		s.series[sym] = hist
	}
	log.Printf("✅ 已加载 %d 个交易对的价格历史", len(s.series))
}

// Save 原子写回文件
func (s *PriceHistoryStore) Save() error {
	s.mu.RLock()
	data, err := json.MarshalIndent(s.series, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	return writeFileAtomic(s.filePath, data, 0644)
}
