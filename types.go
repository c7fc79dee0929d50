package main

import (
	"fmt"
	"math"
	"time"
)

// Quote 一条经过校验的行情报价
// 一旦生成不再修改，只会被更新的报价整体替换
type Quote struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`            // 中间价
	Bid       float64   `json:"bid,omitempty"`    // 买一价（来源提供时填充）
	Ask       float64   `json:"ask,omitempty"`    // 卖一价（来源提供时填充）
	Spread    float64   `json:"spread,omitempty"` // 点差占中间价的比例，如 0.001 = 0.1%
	Source    string    `json:"source"`           // 报价来源名称
	Timestamp time.Time `json:"timestamp"`        // 报价生成时间
}

// Age 报价距今的时长
func (q *Quote) Age() time.Duration {
	return time.Since(q.Timestamp)
}

// IsStale 报价是否超过给定的最大年龄
func (q *Quote) IsStale(maxAge time.Duration) bool {
	return q.Age() > maxAge
}

// 交易方向
const (
	SideBuy  = "buy"
	SideSell = "sell"
	SideHold = "hold"
)

// PositionInfo 持仓信息（现货，无杠杆）
type PositionInfo struct {
	Symbol           string    `json:"symbol"`             // 交易对，如 "BTCUSDT"
	Quantity         float64   `json:"quantity"`           // 持仓数量 (币的个数，如 0.1 BTC)
	AvgCost          float64   `json:"avg_cost"`           // 平均成本价
	MarkPrice        float64   `json:"mark_price"`         // 当前标记价格
	MarketValue      float64   `json:"market_value"`       // 持仓市值 (USDT)
	UnrealizedPnL    float64   `json:"unrealized_pnl"`     // 未实现盈亏 (USDT)
	UnrealizedPnLPct float64   `json:"unrealized_pnl_pct"` // 未实现盈亏百分比 (基于成本)
	OpenedAt         time.Time `json:"opened_at"`          // 首次建仓时间
	UpdateTime       int64     `json:"update_time"`        // 持仓更新时间戳（毫秒）
}

// AccountInfo 账户信息
type AccountInfo struct {
	TotalEquity   float64 `json:"total_equity"`   // 账户总净值 (现金 + 持仓市值)
	Cash          float64 `json:"cash"`           // 可用现金
	InvestedValue float64 `json:"invested_value"` // 持仓市值合计
	InvestedPct   float64 `json:"invested_pct"`   // 持仓占净值比例 (0-100)
	UnrealizedPnL float64 `json:"unrealized_pnl"` // 所有持仓的总未实现盈亏
	TotalPnL      float64 `json:"total_pnl"`      // 历史已实现总盈亏
	TotalPnLPct   float64 `json:"total_pnl_pct"`  // 总盈亏百分比 (相对于初始资金)
	PositionCount int     `json:"position_count"` // 当前持仓数量
}

// Vote 单个策略的投票
type Vote struct {
	Strategy   string  `json:"strategy"`   // 策略名称
	Direction  string  `json:"direction"`  // buy / sell / hold
	Confidence float64 `json:"confidence"` // 信心度 0-1
}

// Signal 信号融合结果，每个周期重新计算，不做长期持久化
type Signal struct {
	Symbol        string    `json:"symbol"`
	Direction     string    `json:"direction"`      // buy / sell / hold
	Confidence    float64   `json:"confidence"`     // 融合后的信心度 0-1
	Momentum      float64   `json:"momentum"`       // 动量百分比
	MomentumValid bool      `json:"momentum_valid"` // 历史不足时动量无意义
	RSI           float64   `json:"rsi"`            // 当前 RSI
	Votes         []Vote    `json:"votes"`          // 各策略投票明细
	Reason        string    `json:"reason"`         // 决策链路说明（哪条规则命中）
	SellFraction  float64   `json:"sell_fraction"`  // 强制卖出时的建议比例 (0-1，0 表示由风控决定)
	Forced        bool      `json:"forced"`         // 是否由优先级阶梯的强制规则产生
	Timestamp     time.Time `json:"timestamp"`
}

// DecisionRecord 决策记录
// 交易发生时创建；对应持仓平掉时只修改一次，回填已实现盈亏
type DecisionRecord struct {
	ID            string    `json:"id"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Quantity      float64   `json:"quantity"`
	Price         float64   `json:"price"`
	RSI           float64   `json:"rsi"`
	Momentum      float64   `json:"momentum"`
	Confidence    float64   `json:"confidence"`
	Reason        string    `json:"reason"`
	Mode          string    `json:"mode"` // 下单时所处的交易模式
	Timestamp     time.Time `json:"timestamp"`
	PnLAttributed bool      `json:"pnl_attributed"`
	RealizedPnL   float64   `json:"realized_pnl,omitempty"`
}

// TradeRecord 成交记录
type TradeRecord struct {
	Time     time.Time `json:"time"`
	Symbol   string    `json:"symbol"`
	Side     string    `json:"side"`
	Quantity float64   `json:"quantity"`
	Price    float64   `json:"price"`
	Value    float64   `json:"value"` // 成交金额 (USDT)
	PnL      float64   `json:"pnl"`   // 卖出时的已实现盈亏
	Mode     string    `json:"mode"`
	Reason   string    `json:"reason"`
}

// Fill 经纪商回报的成交结果
type Fill struct {
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"`
	Quantity  float64   `json:"quantity"`
	Price     float64   `json:"price"`
	Value     float64   `json:"value"`
	PnL       float64   `json:"pnl"` // 卖出成交的已实现盈亏，由账本回填
	Broker    string    `json:"broker"`
	OrderID   string    `json:"order_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PortfolioAllocation 组合目标权重
type PortfolioAllocation struct {
	Weights   map[string]float64 `json:"weights"`
	Timestamp time.Time          `json:"timestamp"`
	Source    string             `json:"source"` // 产生方式，如 "max_sharpe" / "risk_parity"
}

// allocationTolerance 权重归一化的容差（与外部消费方约定 1%）
const allocationTolerance = 0.01

// Validate 校验权重非负且和为 1（容差内）
func (a *PortfolioAllocation) Validate() error {
	sum := 0.0
	for sym, w := range a.Weights {
		if w < 0 {
			return fmt.Errorf("负权重 %s=%.4f", sym, w)
		}
		sum += w
	}
	if math.Abs(sum-1.0) > allocationTolerance {
		return fmt.Errorf("权重和 %.4f 超出容差", sum)
	}
	return nil
}

// Normalize 把权重重新归一化到和为 1
func (a *PortfolioAllocation) Normalize() {
	sum := 0.0
	for _, w := range a.Weights {
		sum += w
	}
	if sum <= 0 {
		return
	}
	for sym, w := range a.Weights {
		a.Weights[sym] = w / sum
	}
}

// GuardianPauseSignal 守护暂停信号
// 由风控守护写入，主循环每个周期读取
type GuardianPauseSignal struct {
	Paused   bool      `json:"paused"`
	Manual   bool      `json:"manual,omitempty"`   // 人工写入的暂停，只能人工或到期解除
	Reason   string    `json:"reason,omitempty"`
	Drawdown float64   `json:"drawdown,omitempty"` // 触发时的回撤快照 (如 0.09 = 9%)
	Until    time.Time `json:"until,omitempty"`    // 可选的自动解除时间，零值表示需要手动/条件解除
}

// StressResult 压力测试结果
type StressResult struct {
	Status        string  `json:"status"` // OK / MODERATE / SEVERE / CRITICAL
	DropScenario  float64 `json:"drop_scenario"`
	CurrentReturn float64 `json:"current_return"`
	StressReturn  float64 `json:"stress_return"`
	Impact        float64 `json:"impact"`
}

// LiquidityResult 流动性风险评估
type LiquidityResult struct {
	Status         string  `json:"status"` // LOW / MODERATE / HIGH / UNKNOWN
	RiskScore      float64 `json:"risk_score"`
	LiquidityScore float64 `json:"liquidity_score"`
	AvgSpread      float64 `json:"avg_spread"`
	MaxSpread      float64 `json:"max_spread"`
}

// RiskReport 周期性风险评估报告
type RiskReport struct {
	Timestamp       time.Time       `json:"timestamp"`
	CVaR95          float64         `json:"cvar_95"`
	CVaR99          float64         `json:"cvar_99"`
	VaR95           float64         `json:"var_95"`
	VaR99           float64         `json:"var_99"`
	Stress          StressResult    `json:"stress"`
	Liquidity       LiquidityResult `json:"liquidity"`
	MaxDrawdown     float64         `json:"max_drawdown"`
	CurrentDrawdown float64         `json:"current_drawdown"`
	Observations    int             `json:"observations"`
}

// PortfolioState 传给各组件的组合只读快照
// 避免组件各自去摸全局状态，便于用固定数据做单元测试
type PortfolioState struct {
	Account      AccountInfo
	Positions    map[string]*PositionInfo
	Allocation   *PortfolioAllocation // 当前目标权重，可能为 nil
	TradedToday  int                  // 今日已归因的交易笔数
	DayStartTime time.Time
}

// PositionQty 某个交易对的持仓数量，无持仓返回 0
func (p *PortfolioState) PositionQty(symbol string) float64 {
	if pos, ok := p.Positions[symbol]; ok {
		return pos.Quantity
	}
	return 0
}

// SymbolExposure 某个交易对市值占净值的比例 (0-1)
func (p *PortfolioState) SymbolExposure(symbol string) float64 {
	if p.Account.TotalEquity <= 0 {
		return 0
	}
	if pos, ok := p.Positions[symbol]; ok {
		return pos.MarketValue / p.Account.TotalEquity
	}
	return 0
}
