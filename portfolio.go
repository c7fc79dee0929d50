package main

import (
	"encoding/json"
	"log"
	"math"
	"os"
	"sync"
	"time"
)

// 持仓数量小于这个值按清零处理，避免浮点残渣让仓位永远关不掉
const positionEpsilon = 1e-9

// Portfolio 权威的内存组合账本（现货，无杠杆）
// 主循环是唯一写入方；其他组件只拿只读快照
type Portfolio struct {
	mu          sync.RWMutex
	initial     float64
	cash        float64
	realizedPnL float64
	positions   map[string]*PositionInfo
	filePath    string
}

// portfolioSnapshot 持久化格式
type portfolioSnapshot struct {
	Initial     float64                  `json:"initial"`
	Cash        float64                  `json:"cash"`
	RealizedPnL float64                  `json:"realized_pnl"`
	Positions   map[string]*PositionInfo `json:"positions"`
}

// NewPortfolio 创建账本并尝试从文件恢复
func NewPortfolio(initialBalance float64, filePath string) *Portfolio {
	p := &Portfolio{
		initial:   initialBalance,
		cash:      initialBalance,
		positions: make(map[string]*PositionInfo),
		filePath:  filePath,
	}
	p.load()
	return p
}

// ApplyFill 把一笔成交记入账本，返回卖出时的已实现盈亏
func (p *Portfolio) ApplyFill(f *Fill) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch f.Side {
	case SideBuy:
		p.cash -= f.Value
		pos, ok := p.positions[f.Symbol]
		if !ok {
			p.positions[f.Symbol] = &PositionInfo{
				Symbol:     f.Symbol,
				Quantity:   f.Quantity,
				AvgCost:    f.Price,
				MarkPrice:  f.Price,
				OpenedAt:   f.Timestamp,
				UpdateTime: time.Now().UnixMilli(),
			}
			return 0
		}
		// 加仓按金额加权平均成本
		totalCost := pos.AvgCost*pos.Quantity + f.Value
		pos.Quantity += f.Quantity
		pos.AvgCost = totalCost / pos.Quantity
		pos.UpdateTime = time.Now().UnixMilli()
		return 0

	case SideSell:
		pos, ok := p.positions[f.Symbol]
		if !ok || pos.Quantity <= 0 {
			return 0
		}
		qty := f.Quantity
		if qty > pos.Quantity {
			qty = pos.Quantity
		}

		realized := (f.Price - pos.AvgCost) * qty
		p.cash += f.Price * qty
		p.realizedPnL += realized

		pos.Quantity -= qty
		pos.UpdateTime = time.Now().UnixMilli()
		if pos.Quantity < positionEpsilon {
			delete(p.positions, f.Symbol)
		}
		return realized
	}
	return 0
}

// MarkToMarket 用最新价格刷新持仓市值
func (p *Portfolio) MarkToMarket(prices map[string]float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for sym, pos := range p.positions {
		price, ok := prices[sym]
		if !ok || price <= 0 {
			continue
		}
		pos.MarkPrice = price
		pos.MarketValue = price * pos.Quantity
		pos.UnrealizedPnL = (price - pos.AvgCost) * pos.Quantity
		if pos.AvgCost > 0 {
			pos.UnrealizedPnLPct = (price - pos.AvgCost) / pos.AvgCost * 100
		}
	}
}

// Account 当前账户汇总
func (p *Portfolio) Account() AccountInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var invested, unrealized float64
	for _, pos := range p.positions {
		invested += pos.MarketValue
		unrealized += pos.UnrealizedPnL
	}

	equity := p.cash + invested
	acc := AccountInfo{
		TotalEquity:   equity,
		Cash:          p.cash,
		InvestedValue: invested,
		UnrealizedPnL: unrealized,
		TotalPnL:      p.realizedPnL,
		PositionCount: len(p.positions),
	}
	if equity > 0 {
		acc.InvestedPct = invested / equity * 100
	}
	if p.initial > 0 {
		acc.TotalPnLPct = (equity - p.initial) / p.initial * 100
	}
	return acc
}

// Positions 持仓副本
func (p *Portfolio) Positions() map[string]*PositionInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]*PositionInfo, len(p.positions))
	for sym, pos := range p.positions {
		cp := *pos
		out[sym] = &cp
	}
	return out
}

// PositionQty 某交易对的持仓数量
func (p *Portfolio) PositionQty(symbol string) float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if pos, ok := p.positions[symbol]; ok {
		return pos.Quantity
	}
	return 0
}

// Cash 可用现金
func (p *Portfolio) Cash() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cash
}

// load 从文件恢复账本
func (p *Portfolio) load() {
	data, err := os.ReadFile(p.filePath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("⚠️ 加载组合账本失败: %v", err)
		}
		return
	}

	var snap portfolioSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Printf("⚠️ 解析组合账本失败: %v", err)
		return
	}
	if snap.Cash < 0 || math.IsNaN(snap.Cash) {
		log.Printf("⚠️ 账本现金异常 (%.2f)，忽略快照", snap.Cash)
		return
	}

	p.cash = snap.Cash
	p.realizedPnL = snap.RealizedPnL
	if snap.Initial > 0 {
		p.initial = snap.Initial
	}
	if snap.Positions != nil {
		p.positions = snap.Positions
	}
	log.Printf("✅ 已恢复组合账本: 现金 %.2f, %d 个持仓", p.cash, len(p.positions))
}

// Save 原子写回文件
func (p *Portfolio) Save() error {
	p.mu.RLock()
	snap := portfolioSnapshot{
		Initial:     p.initial,
		Cash:        p.cash,
		RealizedPnL: p.realizedPnL,
		Positions:   p.positions,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	p.mu.RUnlock()
	if err != nil {
		return err
	}
	return writeFileAtomic(p.filePath, data, 0644)
}
