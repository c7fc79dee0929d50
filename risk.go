package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// minTradeValue 低于这个金额的订单没有意义，直接拒绝 (USDT)
const minTradeValue = 10.0

// GateResult 风控裁决
type GateResult struct {
	Approved     bool    `json:"approved"`
	Reason       string  `json:"reason"`
	SellFraction float64 `json:"sell_fraction,omitempty"` // 卖出时生效，占当前持仓的比例
	MaxBuyValue  float64 `json:"max_buy_value,omitempty"` // 买入时生效，允许的最大金额
	Err          error   `json:"-"`                       // 拒绝时的错误分类，errors.Is 区分
}

// RiskGovernor 风控守护
// 回撤自动暂停、执行熔断、敞口限制、多档止盈比例都在这里裁决
type RiskGovernor struct {
	cfg     *Config
	breaker *CircuitBreaker

	mu             sync.Mutex
	pause          GuardianPauseSignal
	dayAnchor      time.Time // 当前交易日的 UTC 零点
	dayStartEquity float64
	cooldowns      map[string]time.Time
	pauseFile      string

	onPauseChange func(paused bool, reason string)
}

// NewRiskGovernor 创建风控守护
// 暂停文件同时承担两个角色：自动暂停的持久化，和人工强制暂停的入口
func NewRiskGovernor(cfg *Config, breaker *CircuitBreaker) *RiskGovernor {
	rg := &RiskGovernor{
		cfg:       cfg,
		breaker:   breaker,
		cooldowns: make(map[string]time.Time),
		pauseFile: filepath.Join(cfg.DataDir, "guardian_pause.json"),
	}
	rg.loadPauseFile()
	return rg
}

// SetPauseChangeHook 注册暂停/恢复回调（告警用）
func (rg *RiskGovernor) SetPauseChangeHook(fn func(paused bool, reason string)) {
	rg.mu.Lock()
	rg.onPauseChange = fn
	rg.mu.Unlock()
}

// TradeBreaker 执行熔断器
func (rg *RiskGovernor) TradeBreaker() *CircuitBreaker {
	return rg.breaker
}

// ResetDayIfNeeded 跨过 UTC 零点时重置日初净值
func (rg *RiskGovernor) ResetDayIfNeeded(equity float64) {
	today := time.Now().UTC().Truncate(24 * time.Hour)

	rg.mu.Lock()
	defer rg.mu.Unlock()

	if rg.dayAnchor.Equal(today) {
		return
	}
	rg.dayAnchor = today
	rg.dayStartEquity = equity
	log.Printf("🌅 新交易日，日初净值 %.2f", equity)
}

// CheckGuardianPause 每周期检查一次回撤暂停
// 人工写入的暂停文件优先生效；自动暂停要求至少 min_trades_for_pause 笔成交
func (rg *RiskGovernor) CheckGuardianPause(state *PortfolioState) GuardianPauseSignal {
	rg.mu.Lock()
	defer rg.mu.Unlock()

	// 人工覆盖：文件可能被外部修改，每次都重读
	if manual := rg.readPauseFileLocked(); manual != nil && manual.Paused && manual.Manual {
		if manual.Until.IsZero() || time.Now().Before(manual.Until) {
			if !rg.pause.Paused {
				rg.setPauseLocked(*manual, false)
			}
			return rg.pause
		}
		// 到期自动解除
		rg.setPauseLocked(GuardianPauseSignal{}, true)
	} else if rg.pause.Paused && rg.pause.Manual {
		// 人工暂停被外部清掉
		rg.setPauseLocked(GuardianPauseSignal{}, true)
	}

	if rg.dayStartEquity <= 0 {
		return rg.pause
	}

	drawdown := (rg.dayStartEquity - state.Account.TotalEquity) / rg.dayStartEquity
	if drawdown > rg.cfg.MaxDrawdownPct && state.TradedToday >= rg.cfg.MinTradesForPause {
		if !rg.pause.Paused {
			reason := fmt.Sprintf("日内回撤 %.1f%% 超过 %.0f%% 阈值",
				drawdown*100, rg.cfg.MaxDrawdownPct*100)
			rg.setPauseLocked(GuardianPauseSignal{Paused: true, Reason: reason, Drawdown: drawdown}, true)
		}
	} else if rg.pause.Paused && rg.pause.Drawdown > 0 && drawdown <= rg.cfg.MaxDrawdownPct/2 {
		// 回撤修复过半才解除自动暂停
		rg.setPauseLocked(GuardianPauseSignal{}, true)
	}

	return rg.pause
}

// setPauseLocked 切换暂停状态，调用方必须持有锁
func (rg *RiskGovernor) setPauseLocked(sig GuardianPauseSignal, persist bool) {
	rg.pause = sig

	if sig.Paused {
		log.Printf("🛑 守护暂停: %s", sig.Reason)
	} else {
		log.Printf("✅ 守护暂停解除")
	}
	if persist {
		rg.persistPauseLocked()
	}
	if rg.onPauseChange != nil {
		go rg.onPauseChange(sig.Paused, sig.Reason)
	}
}

// SetManualPause 人工暂停/恢复入口，写入暂停文件后立即生效
func (rg *RiskGovernor) SetManualPause(paused bool, reason string) {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	rg.setPauseLocked(GuardianPauseSignal{Paused: paused, Manual: paused, Reason: reason}, true)
}

// Pause 当前暂停信号
func (rg *RiskGovernor) Pause() GuardianPauseSignal {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	return rg.pause
}

// Gate 对一条候选决策做风控裁决
func (rg *RiskGovernor) Gate(sig Signal, quote *Quote, state *PortfolioState) GateResult {
	rg.mu.Lock()
	pause := rg.pause
	cooldownUntil := rg.cooldowns[sig.Symbol]
	rg.mu.Unlock()

	if pause.Paused {
		return GateResult{Reason: "守护暂停中: " + pause.Reason, Err: ErrTradingPaused}
	}

	if !rg.breaker.Allow() {
		return GateResult{Reason: "执行熔断打开，暂停下单", Err: ErrBreakerOpen}
	}

	// 冷却：成交后一段时间不再对同一交易对下单；强制卖出不受限
	if !sig.Forced && time.Now().Before(cooldownUntil) {
		return GateResult{
			Reason: fmt.Sprintf("冷却中，%.0fs 后恢复", time.Until(cooldownUntil).Seconds()),
			Err:    ErrRiskRejected,
		}
	}

	switch sig.Direction {
	case SideBuy:
		return rg.gateBuy(sig, state)
	case SideSell:
		return rg.gateSell(sig, state)
	}
	return GateResult{Reason: "hold"}
}

// gateBuy 买入检查：单币敞口、总敞口、持仓数
// 超限时尽量缩到限额内，缩无可缩才拒绝
func (rg *RiskGovernor) gateBuy(sig Signal, state *PortfolioState) GateResult {
	cfg := rg.cfg
	equity := state.Account.TotalEquity
	if equity <= 0 {
		return GateResult{Reason: "净值为零，拒绝买入", Err: ErrRiskRejected}
	}

	// 持仓数上限只约束新开仓
	if state.PositionQty(sig.Symbol) == 0 && state.Account.PositionCount >= cfg.MaxPositions {
		return GateResult{Reason: fmt.Sprintf("持仓数已达上限 %d", cfg.MaxPositions), Err: ErrRiskRejected}
	}

	symbolValue := 0.0
	if pos, ok := state.Positions[sig.Symbol]; ok {
		symbolValue = pos.MarketValue
	}
	symbolRoom := cfg.MaxSymbolFraction*equity - symbolValue

	totalRoom := cfg.MaxTotalFraction*equity - state.Account.InvestedValue

	maxValue := symbolRoom
	if totalRoom < maxValue {
		maxValue = totalRoom
	}
	// 不能花超过手头现金
	if state.Account.Cash < maxValue {
		maxValue = state.Account.Cash
	}

	if maxValue < minTradeValue {
		return GateResult{
			Reason: fmt.Sprintf("敞口余量不足 (单币余量 %.0f, 总余量 %.0f)", symbolRoom, totalRoom),
			Err:    ErrRiskRejected,
		}
	}

	return GateResult{Approved: true, MaxBuyValue: maxValue, Reason: "买入通过"}
}

// gateSell 卖出检查并确定止盈比例
func (rg *RiskGovernor) gateSell(sig Signal, state *PortfolioState) GateResult {
	pos, ok := state.Positions[sig.Symbol]
	if !ok || pos.Quantity <= 0 {
		return GateResult{Reason: "无持仓可卖", Err: ErrRiskRejected}
	}

	fraction := rg.profitTakingFraction(sig, state)
	if fraction <= 0 {
		return GateResult{Reason: "无需卖出", Err: ErrRiskRejected}
	}

	return GateResult{Approved: true, SellFraction: fraction, Reason: "卖出通过"}
}

// profitTakingFraction 多档止盈比例，取所有命中规则的最大值，封顶 100%
//
//	RSI 超过极值 → 全部
//	RSI 超过高位 → 在 trim_low 和 trim_high 之间线性过渡
//	超配超过 minor_drift → 修剪回目标
//	超配超过 major_drift → 至少 min_trim_fraction
func (rg *RiskGovernor) profitTakingFraction(sig Signal, state *PortfolioState) float64 {
	cfg := rg.cfg
	fraction := 0.0

	// 信号层已经决定全部清仓
	if sig.SellFraction >= 1.0 {
		return 1.0
	}

	if sig.RSI > cfg.RSIExtremeOverbought {
		return 1.0
	}
	if sig.RSI > cfg.RSIElevatedOverbought {
		span := cfg.RSIExtremeOverbought - cfg.RSIElevatedOverbought
		ratio := (sig.RSI - cfg.RSIElevatedOverbought) / span
		f := cfg.TrimLowFraction + ratio*(cfg.TrimHighFraction-cfg.TrimLowFraction)
		if f > fraction {
			fraction = f
		}
	}

	// 配置漂移修剪
	if state.Allocation != nil {
		current := state.SymbolExposure(sig.Symbol)
		target := state.Allocation.Weights[sig.Symbol]
		excess := current - target

		if excess > cfg.MinorDriftPct && current > 0 {
			f := excess / current
			if f > fraction {
				fraction = f
			}
		}
		if excess > cfg.MajorDriftPct && cfg.MinTrimFraction > fraction {
			fraction = cfg.MinTrimFraction
		}
	}

	// 没有任何止盈规则命中的普通卖出信号按全仓处理
	if fraction == 0 && !sig.Forced {
		fraction = 1.0
	}

	if fraction > 1.0 {
		fraction = 1.0
	}
	return fraction
}

// NoteFill 成交后启动该交易对的冷却
func (rg *RiskGovernor) NoteFill(symbol string) {
	rg.mu.Lock()
	rg.cooldowns[symbol] = time.Now().Add(time.Duration(rg.cfg.SymbolCooldownSec) * time.Second)
	rg.mu.Unlock()
}

// ===== 暂停文件持久化 =====

func (rg *RiskGovernor) loadPauseFile() {
	rg.mu.Lock()
	defer rg.mu.Unlock()

	if sig := rg.readPauseFileLocked(); sig != nil && sig.Paused {
		rg.pause = *sig
		log.Printf("🛑 恢复到暂停状态: %s", sig.Reason)
	}
}

func (rg *RiskGovernor) readPauseFileLocked() *GuardianPauseSignal {
	data, err := os.ReadFile(rg.pauseFile)
	if err != nil {
		return nil
	}
	var sig GuardianPauseSignal
	if err := json.Unmarshal(data, &sig); err != nil {
		log.Printf("⚠️ 解析暂停文件失败: %v", err)
		return nil
	}
	return &sig
}

func (rg *RiskGovernor) persistPauseLocked() {
	data, err := json.MarshalIndent(rg.pause, "", "  ")
	if err != nil {
		return
	}
	if err := writeFileAtomic(rg.pauseFile, data, 0644); err != nil {
		log.Printf("⚠️ 写入暂停文件失败: %v", err)
	}
}
