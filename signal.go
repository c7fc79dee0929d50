package main

import (
	"fmt"
	"time"
)

// SignalEngine 信号融合引擎
// 固定的一组纯函数策略各自投票，一个显式的归并器合成原始信号，
// 动量偏置修正后走确定性的优先级阶梯得出最终方向
type SignalEngine struct {
	cfg *Config
}

// NewSignalEngine 创建信号引擎
func NewSignalEngine(cfg *Config) *SignalEngine {
	return &SignalEngine{cfg: cfg}
}

// strategyVote 单个策略函数：输入价格序列，输出一票
type strategyVote func(prices []float64) Vote

// voteFuncs 固定的策略列表，顺序只影响展示不影响结果
var voteFuncs = []strategyVote{
	voteBreakout,
	voteRSIReversion,
	voteSMACross,
	voteBollingerBreakout,
	voteMACDMomentum,
	voteBollingerReversion,
	voteVolatilityFilter,
}

// ComputeSignal 为一个交易对计算本周期的信号
// 历史不足 min_history_points 时指标按“不可靠”处理：
// 投票照常进行但信心度压低，依赖 RSI 的强制规则不触发
func (se *SignalEngine) ComputeSignal(symbol string, prices []float64, positionQty float64) Signal {
	cfg := se.cfg
	now := time.Now()

	rsi := calculateRSI(prices, 14)
	momentum, momentumOK := calculateMomentum(prices, cfg.MomentumLookback)
	reliable := len(prices) >= cfg.MinHistoryPoints

	// 1. 各策略投票
	votes := make([]Vote, 0, len(voteFuncs))
	for _, fn := range voteFuncs {
		votes = append(votes, fn(prices))
	}

	// 2. 归并成原始多数信号
	rawDir, rawConf := reduceVotes(votes, cfg.MinVoteCount)
	if !reliable {
		rawConf *= 0.5
	}

	// 3. 动量偏置：信心足够高时向动量方向校正
	fusedDir, fusedConf := rawDir, rawConf
	biasNote := ""
	if momentumOK && fusedConf >= cfg.MomentumBiasMin {
		if momentum < 0 && fusedDir != SideSell {
			fusedDir = SideSell
			biasNote = "动量为负，偏向卖出"
		} else if momentum > 0 && fusedDir != SideBuy {
			fusedDir = SideBuy
			biasNote = "动量为正，偏向买入"
		}
	}

	sig := Signal{
		Symbol:        symbol,
		Direction:     SideHold,
		Confidence:    fusedConf,
		Momentum:      momentum,
		MomentumValid: momentumOK,
		RSI:           rsi,
		Votes:         votes,
		Timestamp:     now,
	}

	// 4. 优先级阶梯：自上而下，命中即止
	switch {
	case reliable && positionQty > 0 && rsi > cfg.RSIExtremeOverbought:
		// 规则1：极度超买，强制全部清仓
		sig.Direction = SideSell
		sig.SellFraction = 1.0
		sig.Forced = true
		sig.Confidence = 1.0
		sig.Reason = fmt.Sprintf("规则1: RSI %.1f > %.0f，强制清仓", rsi, cfg.RSIExtremeOverbought)

	case reliable && positionQty > 0 && rsi > cfg.RSIElevatedOverbought:
		// 规则2：超买，强制部分止盈（比例由风控决定）
		sig.Direction = SideSell
		sig.Forced = true
		sig.Confidence = 0.9
		sig.Reason = fmt.Sprintf("规则2: RSI %.1f > %.0f，部分止盈", rsi, cfg.RSIElevatedOverbought)

	case fusedDir == SideSell && fusedConf >= cfg.SignalAcceptance && positionQty > 0:
		// 规则3：可信的卖出信号且有仓位
		sig.Direction = SideSell
		sig.Reason = fmt.Sprintf("规则3: 融合卖出信号 (信心 %.2f)", fusedConf)

	case reliable && positionQty == 0 && rsi < cfg.RSIEntryThreshold:
		// 规则4：空仓且未超买，允许进场
		// 没有仓位可退出，进场优先于弱卖出偏置
		sig.Direction = SideBuy
		if sig.Confidence < 0.5 {
			sig.Confidence = 0.5
		}
		sig.Reason = fmt.Sprintf("规则4: 空仓进场 (RSI %.1f < %.0f)", rsi, cfg.RSIEntryThreshold)

	case fusedConf >= cfg.SignalAcceptance && fusedDir != SideHold:
		// 规则5：采纳可信的融合信号
		sig.Direction = fusedDir
		sig.Reason = fmt.Sprintf("规则5: 融合信号 %s (信心 %.2f)", fusedDir, fusedConf)

	default:
		// 规则6：回落到原始多数票
		sig.Direction = rawDir
		sig.Confidence = rawConf
		sig.Reason = fmt.Sprintf("规则6: 多数票 %s (信心 %.2f)", rawDir, rawConf)
	}

	if biasNote != "" && !sig.Forced {
		sig.Reason += "；" + biasNote
	}
	return sig
}

// reduceVotes 把各票归并为 {方向, 信心}
// 非 hold 票不足 minVotes 或买卖平票时归并为 hold
func reduceVotes(votes []Vote, minVotes int) (string, float64) {
	var buyCount, sellCount int
	var buyConf, sellConf float64

	for _, v := range votes {
		switch v.Direction {
		case SideBuy:
			buyCount++
			buyConf += v.Confidence
		case SideSell:
			sellCount++
			sellConf += v.Confidence
		}
	}

	switch {
	case buyCount >= minVotes && buyCount > sellCount:
		return SideBuy, buyConf / float64(buyCount)
	case sellCount >= minVotes && sellCount > buyCount:
		return SideSell, sellConf / float64(sellCount)
	default:
		return SideHold, 0
	}
}

// ===== 策略投票函数 =====

// voteBreakout 突破近 20 点高点则买入（海龟式入场）
func voteBreakout(prices []float64) Vote {
	v := Vote{Strategy: "breakout", Direction: SideHold}
	high := highestInWindow(prices, 20)
	if high <= 0 {
		return v
	}
	if prices[len(prices)-1] > high {
		v.Direction = SideBuy
		v.Confidence = 0.70
	}
	return v
}

// voteRSIReversion RSI 均值回归：超卖买入，超买卖出
func voteRSIReversion(prices []float64) Vote {
	v := Vote{Strategy: "rsi_reversion", Direction: SideHold}
	if len(prices) <= 14 {
		return v
	}
	rsi := calculateRSI(prices, 14)
	switch {
	case rsi < 30:
		v.Direction = SideBuy
		v.Confidence = 0.65
	case rsi > 70:
		v.Direction = SideSell
		v.Confidence = 0.65
	}
	return v
}

// voteSMACross SMA20/SMA50 金叉死叉
func voteSMACross(prices []float64) Vote {
	v := Vote{Strategy: "sma_cross", Direction: SideHold}
	if len(prices) < 50 {
		return v
	}
	sma20 := calculateSMA(prices, 20)
	sma50 := calculateSMA(prices, 50)
	if sma20 > sma50 {
		v.Direction = SideBuy
	} else if sma20 < sma50 {
		v.Direction = SideSell
	}
	if v.Direction != SideHold {
		v.Confidence = 0.55
	}
	return v
}

// voteBollingerBreakout 收盘突破布林带上下轨的趋势票
func voteBollingerBreakout(prices []float64) Vote {
	v := Vote{Strategy: "bollinger_breakout", Direction: SideHold}
	upper, _, lower := calculateBollingerBands(prices, 20, 2.0)
	if upper == 0 {
		return v
	}
	last := prices[len(prices)-1]
	switch {
	case last > upper:
		v.Direction = SideBuy
		v.Confidence = 0.60
	case last < lower:
		v.Direction = SideSell
		v.Confidence = 0.60
	}
	return v
}

// voteMACDMomentum MACD 线与信号线的相对位置
func voteMACDMomentum(prices []float64) Vote {
	v := Vote{Strategy: "macd_momentum", Direction: SideHold}
	if len(prices) < 26 {
		return v
	}
	macd, signal := calculateMACDWithSignal(prices)
	if macd > signal {
		v.Direction = SideBuy
		v.Confidence = 0.60
	} else if macd < signal {
		v.Direction = SideSell
		v.Confidence = 0.60
	}
	return v
}

// voteBollingerReversion 布林带均值回归：贴下轨买、贴上轨卖
// 与突破票方向相反是有意的，两种解读各投各的票
func voteBollingerReversion(prices []float64) Vote {
	v := Vote{Strategy: "bollinger_reversion", Direction: SideHold}
	upper, _, lower := calculateBollingerBands(prices, 20, 2.0)
	if upper == 0 {
		return v
	}
	last := prices[len(prices)-1]
	switch {
	case last < lower:
		v.Direction = SideBuy
		v.Confidence = 0.55
	case last > upper:
		v.Direction = SideSell
		v.Confidence = 0.55
	}
	return v
}

// voteVolatilityFilter 波动率过高时投降低仓位的票
func voteVolatilityFilter(prices []float64) Vote {
	v := Vote{Strategy: "volatility_filter", Direction: SideHold}
	returns := calculateReturns(prices)
	if len(returns) < 20 {
		return v
	}
	vol := calculateRealizedVol(returns[len(returns)-20:])
	if vol > 0.05 {
		v.Direction = SideSell
		v.Confidence = 0.50
	}
	return v
}
