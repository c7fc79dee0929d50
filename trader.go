package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trader_cycles_total",
		Help: "完成的决策周期数",
	})
	metricDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_decisions_total",
		Help: "产生的决策数，按方向",
	}, []string{"side"})
	metricFills = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_fills_total",
		Help: "成交数，按方向",
	}, []string{"side"})
	metricEquity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trader_equity_usdt",
		Help: "当前账户净值",
	})
	metricSharpe = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trader_runtime_sharpe",
		Help: "运行期净值序列的夏普比率",
	})
	metricSymbolErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_symbol_errors_total",
		Help: "单个交易对处理失败次数",
	}, []string{"symbol"})
)

// Trader 自主交易主循环
// 每个周期对每个交易对走一遍：报价 → 历史 → 信号 → 风控 → 仓位 → 执行 → 归因
// 单个交易对失败不影响其他交易对，整个周期全部失败才计入连续错误
type Trader struct {
	cfg       *Config
	quotes    *QuoteService
	history   *PriceHistoryStore
	signals   *SignalEngine
	governor  *RiskGovernor
	sizer     *PositionSizer
	optimizer *PortfolioOptimizer
	modes     *ModeManager
	storage   *Storage
	notifier  *NotifyManager
	portfolio *Portfolio

	simBroker  Broker
	liveBroker Broker

	mu            sync.RWMutex
	cycle         int64
	allocation    *PortfolioAllocation
	lastSignals   map[string]Signal
	lastRisk      *RiskReport
	runtimeSharpe float64
	consecErrors  int
	startedAt     time.Time
	lastCleanup   time.Time

	allocFile string
	// 每个交易对自建仓以来累计的已实现盈亏，平仓归因后清零
	realizedSinceEntry map[string]float64
}

// NewTrader 组装主循环
func NewTrader(cfg *Config, quotes *QuoteService, history *PriceHistoryStore,
	governor *RiskGovernor, modes *ModeManager, storage *Storage,
	notifier *NotifyManager, portfolio *Portfolio, simBroker, liveBroker Broker) *Trader {

	t := &Trader{
		cfg:                cfg,
		quotes:             quotes,
		history:            history,
		signals:            NewSignalEngine(cfg),
		governor:           governor,
		sizer:              NewPositionSizer(cfg),
		optimizer:          NewPortfolioOptimizer(cfg),
		modes:              modes,
		storage:            storage,
		notifier:           notifier,
		portfolio:          portfolio,
		simBroker:          simBroker,
		liveBroker:         liveBroker,
		lastSignals:        make(map[string]Signal),
		realizedSinceEntry: make(map[string]float64),
		allocFile:          filepath.Join(cfg.DataDir, "allocations.json"),
	}
	t.loadAllocation()
	return t
}

// currentBroker 按交易模式选择下单通道
func (t *Trader) currentBroker() Broker {
	if t.modes.Mode() == ModeLive && t.liveBroker != nil {
		return t.liveBroker
	}
	return t.simBroker
}

// Run 主循环，阻塞到 ctx 取消或连续错误超限
func (t *Trader) Run(ctx context.Context) error {
	t.mu.Lock()
	t.startedAt = time.Now()
	t.mu.Unlock()

	acc := t.portfolio.Account()
	t.notifier.NotifySystemStart(t.modes.Mode(), acc.TotalEquity)
	log.Printf("🚀 交易循环启动: 模式 %s, 净值 %.2f, %d 个交易对",
		t.modes.Mode(), acc.TotalEquity, len(t.cfg.TradingSymbols))

	interval := time.Duration(t.cfg.LoopIntervalSeconds) * time.Second

	for {
		select {
		case <-ctx.Done():
			t.persistAll()
			return ctx.Err()
		default:
		}

		wait := t.runCycle(ctx)
		if t.tooManyErrors() {
			t.persistAll()
			err := fmt.Errorf("连续 %d 个周期失败，停机保全状态", t.consecErrorCount())
			t.notifier.NotifyError(err)
			return err
		}

		if wait <= 0 {
			wait = interval
		}
		select {
		case <-ctx.Done():
			t.persistAll()
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// runCycle 执行一个完整周期，返回本周期后的等待时长（0 表示用默认间隔）
func (t *Trader) runCycle(ctx context.Context) time.Duration {
	t.mu.Lock()
	t.cycle++
	cycle := t.cycle
	t.mu.Unlock()
	metricCycles.Inc()

	// 账户与日界
	acc := t.portfolio.Account()
	metricEquity.Set(acc.TotalEquity)
	t.governor.ResetDayIfNeeded(acc.TotalEquity)

	// 纸面模式下轮询实盘确认文件
	if t.modes.CheckLiveConfirmation() {
		log.Printf("🔴 实盘确认通过，切换到 LIVE")
	}

	// 守护暂停：暂停期间只等待，不处理任何交易对
	state := t.portfolioState(acc)
	if pause := t.governor.CheckGuardianPause(state); pause.Paused {
		log.Printf("🛑 暂停中 (%s)，%ds 后重试", pause.Reason, t.cfg.PauseCooldownSeconds)
		return time.Duration(t.cfg.PauseCooldownSeconds) * time.Second
	}

	// 逐交易对处理，互相隔离
	failures := 0
	prices := make(map[string]float64, len(t.cfg.TradingSymbols))
	for _, symbol := range t.cfg.TradingSymbols {
		price, err := t.processSymbol(ctx, symbol)
		if err != nil {
			failures++
			metricSymbolErrors.WithLabelValues(symbol).Inc()
			log.Printf("⚠️ [%s] 本周期跳过: %v", symbol, err)
			continue
		}
		prices[symbol] = price
	}

	t.portfolio.MarkToMarket(prices)

	t.mu.Lock()
	if failures == len(t.cfg.TradingSymbols) {
		t.consecErrors++
	} else {
		t.consecErrors = 0
	}
	t.mu.Unlock()

	// 周期性任务
	if cycle%int64(t.cfg.OptimizerCycle) == 0 {
		t.rebalance()
	}
	if cycle%int64(t.cfg.RiskAssessmentCycle) == 0 {
		t.assessRisk()
	}
	if cycle%int64(t.cfg.PersistCycle) == 0 {
		t.snapshotEquity()
		t.persistAll()
		t.maybeCleanOldData()
	}

	return 0
}

// processSymbol 单个交易对的完整决策链
func (t *Trader) processSymbol(ctx context.Context, symbol string) (float64, error) {
	quote, err := t.quotes.GetQuote(ctx, symbol,
		time.Duration(t.cfg.QuoteMaxAgeSeconds)*time.Second, true)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrNoQuote, err)
	}

	t.history.Append(symbol, quote.Price)
	prices := t.history.Get(symbol)

	positionQty := t.portfolio.PositionQty(symbol)
	sig := t.signals.ComputeSignal(symbol, prices, positionQty)
	metricDecisions.WithLabelValues(sig.Direction).Inc()

	t.mu.Lock()
	t.lastSignals[symbol] = sig
	t.mu.Unlock()

	if sig.Direction == SideHold {
		return quote.Price, nil
	}

	acc := t.portfolio.Account()
	state := t.portfolioState(acc)

	gate := t.governor.Gate(sig, quote, state)
	if !gate.Approved {
		log.Printf("🚫 [%s] %s 被风控拒绝: %s", symbol, sig.Direction, gate.Reason)
		return quote.Price, nil
	}

	switch sig.Direction {
	case SideBuy:
		err = t.executeBuy(ctx, sig, quote, acc, gate)
	case SideSell:
		err = t.executeSell(ctx, sig, quote, positionQty, gate)
	}
	if err != nil {
		// 下单失败只记熔断，不算交易对级失败，报价和信号链路是好的
		log.Printf("❌ [%s] 执行失败: %v", symbol, err)
		t.notifier.NotifyError(fmt.Errorf("%s: %w", symbol, err))
	}
	return quote.Price, nil
}

// executeBuy Kelly 定仓后受风控上限约束下单
func (t *Trader) executeBuy(ctx context.Context, sig Signal, quote *Quote, acc AccountInfo, gate GateResult) error {
	stats := computeTradeStats(t.storage.AllDecisions())
	qty, fraction := t.sizer.Size(quote.Price, acc.TotalEquity, stats)
	if qty <= 0 {
		return nil
	}

	value := qty * quote.Price
	if gate.MaxBuyValue > 0 && value > gate.MaxBuyValue {
		value = gate.MaxBuyValue
		qty = value / quote.Price
	}
	if value < minTradeValue {
		return nil
	}

	broker := t.currentBroker()
	fill, err := broker.SubmitOrder(ctx, sig.Symbol, SideBuy, qty, quote.Price)
	if err != nil {
		t.governor.TradeBreaker().RecordFailure()
		return err
	}
	t.governor.TradeBreaker().RecordSuccess()
	t.governor.NoteFill(sig.Symbol)
	metricFills.WithLabelValues(SideBuy).Inc()

	t.portfolio.ApplyFill(fill)
	t.recordFill(fill, sig, fraction)
	return nil
}

// executeSell 按风控给出的比例卖出，平仓时做盈亏归因
func (t *Trader) executeSell(ctx context.Context, sig Signal, quote *Quote, positionQty float64, gate GateResult) error {
	qty := positionQty * gate.SellFraction
	if qty <= 0 {
		return nil
	}

	broker := t.currentBroker()
	fill, err := broker.SubmitOrder(ctx, sig.Symbol, SideSell, qty, quote.Price)
	if err != nil {
		t.governor.TradeBreaker().RecordFailure()
		return err
	}
	t.governor.TradeBreaker().RecordSuccess()
	t.governor.NoteFill(sig.Symbol)
	metricFills.WithLabelValues(SideSell).Inc()

	realized := t.portfolio.ApplyFill(fill)
	fill.PnL = realized

	t.mu.Lock()
	t.realizedSinceEntry[sig.Symbol] += realized
	t.mu.Unlock()

	t.recordFill(fill, sig, gate.SellFraction)

	// 持仓清零即一次完整退出：回填归因并推进模式状态机
	if t.portfolio.PositionQty(sig.Symbol) == 0 {
		t.attributeExit(sig.Symbol)
		t.modes.NoteExit()
	}
	return nil
}

// recordFill 落成交记录和决策记录
func (t *Trader) recordFill(fill *Fill, sig Signal, fraction float64) {
	mode := t.modes.Mode()

	t.storage.SaveTradeRecord(TradeRecord{
		Time:     fill.Timestamp,
		Symbol:   fill.Symbol,
		Side:     fill.Side,
		Quantity: fill.Quantity,
		Price:    fill.Price,
		Value:    fill.Value,
		PnL:      fill.PnL,
		Mode:     mode,
		Reason:   sig.Reason,
	})

	rec := DecisionRecord{
		ID:         uuid.NewString(),
		Symbol:     fill.Symbol,
		Side:       fill.Side,
		Quantity:   fill.Quantity,
		Price:      fill.Price,
		RSI:        sig.RSI,
		Momentum:   sig.Momentum,
		Confidence: sig.Confidence,
		Reason:     sig.Reason,
		Mode:       mode,
		Timestamp:  fill.Timestamp,
	}
	// 卖出决策不参与 Kelly 样本，直接标记已归因；买入决策等平仓时回填
	if fill.Side == SideSell {
		rec.PnLAttributed = true
	}
	t.storage.SaveDecision(rec)

	t.notifier.NotifyTrade(fill, mode, sig.Reason)
	log.Printf("✅ [%s] %s %.6f @ %.4f (%s, 比例 %.1f%%)",
		fill.Symbol, fill.Side, fill.Quantity, fill.Price, mode, fraction*100)
}

// attributeExit 完整退出后，把本轮累计盈亏均摊回填到各买入决策
func (t *Trader) attributeExit(symbol string) {
	t.mu.Lock()
	total := t.realizedSinceEntry[symbol]
	delete(t.realizedSinceEntry, symbol)
	t.mu.Unlock()

	open := t.storage.OpenBuyDecisions(symbol)
	if len(open) == 0 {
		return
	}

	share := total / float64(len(open))
	for _, d := range open {
		t.storage.AttributeDecision(d.ID, share)
	}
	log.Printf("🧾 [%s] 平仓归因: %.2f USDT → %d 条买入决策", symbol, total, len(open))
}

// rebalance 周期性组合再平衡
func (t *Trader) rebalance() {
	returnsBySymbol := make(map[string][]float64)
	for _, symbol := range t.cfg.TradingSymbols {
		rets := calculateReturns(t.history.Get(symbol))
		if len(rets) > 0 {
			returnsBySymbol[symbol] = rets
		}
	}

	alloc, err := t.optimizer.Reallocate(returnsBySymbol)
	if err != nil {
		// 数据不足时沿用旧权重
		log.Printf("⚠️ 再平衡跳过: %v", err)
		return
	}

	t.mu.Lock()
	t.allocation = alloc
	t.mu.Unlock()

	t.saveAllocation(alloc)
	t.notifier.NotifyRebalance(alloc)
}

// assessRisk 周期性风险评估，只推告警不阻断
func (t *Trader) assessRisk() {
	returns := t.storage.EquityReturns(t.cfg.ReturnWindow + 1)
	if len(returns) == 0 {
		// 净值快照还不够时退回价格收益率
		for _, symbol := range t.cfg.TradingSymbols {
			returns = calculateReturns(t.history.Get(symbol))
			if len(returns) > 0 {
				break
			}
		}
	}
	if len(returns) == 0 {
		return
	}

	report := t.optimizer.AssessRisk(returns, t.quotes.RecentSpreads())
	t.mu.Lock()
	t.lastRisk = &report
	t.mu.Unlock()

	t.notifier.NotifyRiskReport(report)
}

// snapshotEquity 落一条净值快照并更新运行期夏普
func (t *Trader) snapshotEquity() {
	acc := t.portfolio.Account()
	t.storage.SaveEquitySnapshot(acc.TotalEquity, acc.TotalPnL, acc.TotalPnLPct, t.modes.Mode())

	returns := t.storage.EquityReturns(t.cfg.ReturnWindow + 1)
	sharpe := calculateSharpe(returns, t.cfg.RiskFreeRate)
	metricSharpe.Set(sharpe)

	t.mu.Lock()
	t.runtimeSharpe = sharpe
	t.mu.Unlock()
}

// persistAll 把所有状态落盘
func (t *Trader) persistAll() {
	if err := t.history.Save(); err != nil {
		log.Printf("⚠️ 价格历史落盘失败: %v", err)
	}
	if err := t.portfolio.Save(); err != nil {
		log.Printf("⚠️ 组合账本落盘失败: %v", err)
	}
	if err := t.storage.Flush(); err != nil {
		log.Printf("⚠️ 存储落盘失败: %v", err)
	}
	if err := saveBreakerSnapshots(filepath.Join(t.cfg.DataDir, "breakers.json"),
		t.quotes.Breaker(), t.governor.TradeBreaker()); err != nil {
		log.Printf("⚠️ 熔断器快照落盘失败: %v", err)
	}
}

// maybeCleanOldData 每天最多执行一次保留期清理
func (t *Trader) maybeCleanOldData() {
	t.mu.Lock()
	due := time.Since(t.lastCleanup) >= 24*time.Hour
	if due {
		t.lastCleanup = time.Now()
	}
	t.mu.Unlock()

	if !due {
		return
	}
	if err := t.storage.CleanOldData(t.cfg.RetentionDays); err != nil {
		log.Printf("⚠️ 历史数据清理失败: %v", err)
	}
}

// portfolioState 组装风控需要的组合快照
func (t *Trader) portfolioState(acc AccountInfo) *PortfolioState {
	t.mu.RLock()
	alloc := t.allocation
	t.mu.RUnlock()

	return &PortfolioState{
		Account:     acc,
		Positions:   t.portfolio.Positions(),
		Allocation:  alloc,
		TradedToday: t.storage.TradesToday(),
	}
}

func (t *Trader) tooManyErrors() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.consecErrors >= t.cfg.MaxConsecutiveErrors
}

func (t *Trader) consecErrorCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.consecErrors
}

// ===== 状态访问（web 服务用） =====

// Cycle 当前周期号
func (t *Trader) Cycle() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cycle
}

// Allocation 当前目标权重
func (t *Trader) Allocation() *PortfolioAllocation {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.allocation
}

// LastSignals 各交易对最近一次信号
func (t *Trader) LastSignals() map[string]Signal {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]Signal, len(t.lastSignals))
	for k, v := range t.lastSignals {
		out[k] = v
	}
	return out
}

// LastRisk 最近一次风险评估
func (t *Trader) LastRisk() *RiskReport {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastRisk
}

// RuntimeSharpe 运行期夏普
func (t *Trader) RuntimeSharpe() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.runtimeSharpe
}

// Uptime 运行时长
func (t *Trader) Uptime() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.startedAt.IsZero() {
		return 0
	}
	return time.Since(t.startedAt)
}

// ===== 权重持久化 =====

func (t *Trader) loadAllocation() {
	data, err := os.ReadFile(t.allocFile)
	if err != nil {
		return
	}
	var alloc PortfolioAllocation
	if err := json.Unmarshal(data, &alloc); err != nil {
		log.Printf("⚠️ 解析权重文件失败: %v", err)
		return
	}
	if alloc.Validate() == nil {
		t.allocation = &alloc
		log.Printf("✅ 恢复目标权重 (%s)", alloc.Source)
	}
}

func (t *Trader) saveAllocation(alloc *PortfolioAllocation) {
	data, err := json.MarshalIndent(alloc, "", "  ")
	if err != nil {
		return
	}
	if err := writeFileAtomic(t.allocFile, data, 0644); err != nil {
		log.Printf("⚠️ 写入权重文件失败: %v", err)
	}
}
