package main

import "log"

// Kelly 仓位：按历史胜率和盈亏比算最优下注比例，再打安全折扣
// 样本太少时直接用固定比例，避免小样本把 Kelly 推到离谱的值

// TradeStats 从已归因决策估出的交易统计
type TradeStats struct {
	WinRate    float64 `json:"win_rate"`
	RewardRisk float64 `json:"reward_risk"`
	Samples    int     `json:"samples"`
}

// computeTradeStats 从已归因的决策记录统计胜率和盈亏比
// 没有样本时退回 p=0.5 / b=1.0；单边样本用保守/乐观默认值
func computeTradeStats(decisions []DecisionRecord) TradeStats {
	var wins, losses []float64
	for _, d := range decisions {
		if !d.PnLAttributed {
			continue
		}
		if d.RealizedPnL > 0 {
			wins = append(wins, d.RealizedPnL)
		} else if d.RealizedPnL < 0 {
			losses = append(losses, -d.RealizedPnL)
		}
	}

	total := len(wins) + len(losses)
	if total == 0 {
		return TradeStats{WinRate: 0.5, RewardRisk: 1.0, Samples: 0}
	}

	stats := TradeStats{
		WinRate: float64(len(wins)) / float64(total),
		Samples: total,
	}

	switch {
	case len(wins) == 0:
		stats.RewardRisk = 0.5
	case len(losses) == 0:
		stats.RewardRisk = 2.0
	default:
		avgWin := mean(wins)
		avgLoss := mean(losses)
		if avgLoss > 0 {
			stats.RewardRisk = avgWin / avgLoss
		} else {
			stats.RewardRisk = 2.0
		}
	}
	return stats
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// calculateKellyFraction Kelly 公式: f = p - (1-p)/b，负值归零
func calculateKellyFraction(winRate, rewardRisk float64) float64 {
	if winRate <= 0 || winRate >= 1 || rewardRisk <= 0 {
		return 0
	}
	f := winRate - (1-winRate)/rewardRisk
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// PositionSizer 仓位计算器
type PositionSizer struct {
	cfg *Config
}

// NewPositionSizer 创建仓位计算器
func NewPositionSizer(cfg *Config) *PositionSizer {
	return &PositionSizer{cfg: cfg}
}

// Fraction 本次买入占净值的目标比例
// final = kelly × multiplier，再夹到 [0, kelly_max_fraction]
func (ps *PositionSizer) Fraction(stats TradeStats) float64 {
	cfg := ps.cfg

	if stats.Samples < cfg.KellyMinSamples {
		return cfg.KellyFallbackFraction
	}

	kelly := calculateKellyFraction(stats.WinRate, stats.RewardRisk)
	final := kelly * cfg.KellyMultiplier
	if final > cfg.KellyMaxFraction {
		final = cfg.KellyMaxFraction
	}
	if final <= 0 {
		// Kelly 认为没有优势，退回固定小仓位
		return cfg.KellyFallbackFraction
	}
	return final
}

// Size 计算买入数量
// 同时受风险预算约束: 不超过 equity × max_risk_per_trade / stop_loss_distance
func (ps *PositionSizer) Size(price, equity float64, stats TradeStats) (quantity, fraction float64) {
	if price <= 0 || equity <= 0 {
		return 0, 0
	}

	fraction = ps.Fraction(stats)
	value := equity * fraction

	riskBudget := equity * ps.cfg.MaxRiskPerTrade / ps.cfg.StopLossDistance
	if value > riskBudget {
		value = riskBudget
		fraction = value / equity
	}

	quantity = value / price
	log.Printf("⚖️ 仓位: %.2f%% 净值 (胜率 %.0f%%, 盈亏比 %.2f, 样本 %d)",
		fraction*100, stats.WinRate*100, stats.RewardRisk, stats.Samples)
	return quantity, fraction
}
