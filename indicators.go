package main

import (
	"math"
)

// 技术指标都基于每周期采样的价格序列计算（最新的在末尾）
// 序列由主循环维护，长度受 history_window 限制

// calculateSMA 计算SMA（最近 period 个点的均值）
func calculateSMA(prices []float64, period int) float64 {
	if len(prices) < period || period <= 0 {
		return 0
	}

	sum := 0.0
	for _, p := range prices[len(prices)-period:] {
		sum += p
	}
	return sum / float64(period)
}

// calculateEMA 计算EMA
func calculateEMA(prices []float64, period int) float64 {
	if len(prices) < period || period <= 0 {
		return 0
	}

	// 计算SMA作为初始EMA
	sum := 0.0
	for i := 0; i < period; i++ {
		sum += prices[i]
	}
	ema := sum / float64(period)

	multiplier := 2.0 / float64(period+1)
	for i := period; i < len(prices); i++ {
		ema = (prices[i]-ema)*multiplier + ema
	}

	return ema
}

// calculateMACD 计算MACD线 (EMA12 - EMA26)
func calculateMACD(prices []float64) float64 {
	if len(prices) < 26 {
		return 0
	}
	return calculateEMA(prices, 12) - calculateEMA(prices, 26)
}

// calculateMACDWithSignal 计算MACD线和信号线 (MACD的9期EMA)
func calculateMACDWithSignal(prices []float64) (macd, signal float64) {
	if len(prices) < 26 {
		return 0, 0
	}

	// 取最近若干个点上的MACD序列，再对序列做EMA9
	const tail = 20
	start := len(prices) - tail
	if start < 26 {
		start = 26
	}

	series := make([]float64, 0, tail)
	for i := start; i <= len(prices); i++ {
		series = append(series, calculateMACD(prices[:i]))
	}

	macd = series[len(series)-1]
	if len(series) < 9 {
		return macd, macd
	}
	return macd, calculateEMA(series, 9)
}

// calculateRSI 计算RSI (Wilder平滑)
func calculateRSI(prices []float64, period int) float64 {
	if len(prices) <= period || period <= 0 {
		return 0
	}

	gains := 0.0
	losses := 0.0

	// 计算初始平均涨跌幅
	for i := 1; i <= period; i++ {
		change := prices[i] - prices[i-1]
		if change > 0 {
			gains += change
		} else {
			losses += -change
		}
	}

	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)

	// Wilder平滑
	for i := period + 1; i < len(prices); i++ {
		change := prices[i] - prices[i-1]
		if change > 0 {
			avgGain = (avgGain*float64(period-1) + change) / float64(period)
			avgLoss = (avgLoss * float64(period-1)) / float64(period)
		} else {
			avgGain = (avgGain * float64(period-1)) / float64(period)
			avgLoss = (avgLoss*float64(period-1) + (-change)) / float64(period)
		}
	}

	if avgLoss == 0 {
		return 100
	}

	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// calculateBollingerBands 计算布林带 (基于SMA)
// 返回: upper, middle, lower
func calculateBollingerBands(prices []float64, period int, stdDevMultiplier float64) (float64, float64, float64) {
	if len(prices) < period || period <= 0 {
		return 0, 0, 0
	}

	subset := prices[len(prices)-period:]
	sum := 0.0
	for _, p := range subset {
		sum += p
	}
	sma := sum / float64(period)

	varianceSum := 0.0
	for _, p := range subset {
		diff := p - sma
		varianceSum += diff * diff
	}
	stdDev := math.Sqrt(varianceSum / float64(period))

	upper := sma + (stdDev * stdDevMultiplier)
	lower := sma - (stdDev * stdDevMultiplier)
	return upper, sma, lower
}

// calculateMomentum 计算动量百分比: (latest - prices[-(lookback+1)]) / prices[-(lookback+1)] * 100
// 历史不足时第二个返回值为 false
func calculateMomentum(prices []float64, lookback int) (float64, bool) {
	if len(prices) < lookback+1 || lookback <= 0 {
		return 0, false
	}

	base := prices[len(prices)-lookback-1]
	if base <= 0 {
		return 0, false
	}
	latest := prices[len(prices)-1]
	return (latest - base) / base * 100, true
}

// highestInWindow 最近 lookback 个点里的最高价（不含最新点）
func highestInWindow(prices []float64, lookback int) float64 {
	if len(prices) < lookback+1 || lookback <= 0 {
		return 0
	}

	window := prices[len(prices)-lookback-1 : len(prices)-1]
	high := window[0]
	for _, p := range window[1:] {
		if p > high {
			high = p
		}
	}
	return high
}

// calculateReturns 把价格序列转成单周期收益率序列
func calculateReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}

	returns := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] <= 0 {
			continue
		}
		returns = append(returns, (prices[i]-prices[i-1])/prices[i-1])
	}
	return returns
}

// calculateRealizedVol 收益率标准差
func calculateRealizedVol(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}

	sum := 0.0
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	var varSum float64
	for _, r := range returns {
		diff := r - mean
		varSum += diff * diff
	}
	return math.Sqrt(varSum / float64(len(returns)))
}

// calculateSharpe 基于收益率序列的简单夏普比率（无年化）
func calculateSharpe(returns []float64, riskFree float64) float64 {
	if len(returns) < 2 {
		return 0
	}

	sum := 0.0
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	vol := calculateRealizedVol(returns)
	if vol == 0 {
		return 0
	}
	return (mean - riskFree) / vol
}

// calculateDrawdown 基于收益率序列计算最大回撤和当前回撤（负数）
func calculateDrawdown(returns []float64) (maxDD, currentDD float64) {
	if len(returns) == 0 {
		return 0, 0
	}

	equity := 1.0
	peak := 1.0
	for _, r := range returns {
		equity *= 1 + r
		if equity > peak {
			peak = equity
		}
		dd := (equity - peak) / peak
		if dd < maxDD {
			maxDD = dd
		}
		currentDD = dd
	}
	return maxDD, currentDD
}
