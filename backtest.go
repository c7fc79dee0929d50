package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"time"
)

// BacktestInput 回测输入：每个交易对一条价格序列
type BacktestInput struct {
	InitialCapital float64              `json:"initial_capital"`
	Prices         map[string][]float64 `json:"prices"`
}

// BacktestSummary 回测汇总
type BacktestSummary struct {
	InitialCapital float64   `json:"initial_capital"`
	FinalEquity    float64   `json:"final_equity"`
	TotalReturnPct float64   `json:"total_return_pct"`
	TotalTrades    int       `json:"total_trades"`
	WinTrades      int       `json:"win_trades"`
	LossTrades     int       `json:"loss_trades"`
	Sharpe         float64   `json:"sharpe"`
	MaxDrawdown    float64   `json:"max_drawdown"`
	Steps          int       `json:"steps"`
	GeneratedAt    time.Time `json:"generated_at"`
}

// BacktestResult 回测结果
type BacktestResult struct {
	Summary     BacktestSummary `json:"summary"`
	EquityCurve []float64       `json:"equity_curve"`
	Trades      []TradeRecord   `json:"trades"`
}

// RunBacktest 把历史价格逐点回放过完整决策链
// 和实时循环用同一套信号、风控和仓位代码，只是报价换成回放
func RunBacktest(cfg *Config, input *BacktestInput) (*BacktestResult, error) {
	if len(input.Prices) == 0 {
		return nil, fmt.Errorf("回测输入为空")
	}

	symbols := make([]string, 0, len(input.Prices))
	steps := 0
	for sym, series := range input.Prices {
		symbols = append(symbols, sym)
		if steps == 0 || len(series) < steps {
			steps = len(series)
		}
	}
	sort.Strings(symbols)

	if input.InitialCapital <= 0 {
		input.InitialCapital = cfg.InitialBalance
	}

	// 回测专用的轻量装配，不落任何状态文件，也不读实时运行的暂停文件
	// 数据目录必须是每次全新的，共享目录里残留的暂停文件会污染回放
	btCfg := *cfg
	btCfg.SymbolCooldownSec = 0
	tmpDir, err := os.MkdirTemp("", "backtest")
	if err != nil {
		return nil, fmt.Errorf("创建回测临时目录失败: %w", err)
	}
	defer os.RemoveAll(tmpDir)
	btCfg.DataDir = tmpDir

	engine := NewSignalEngine(&btCfg)
	sizer := NewPositionSizer(&btCfg)
	governor := NewRiskGovernor(&btCfg, NewCircuitBreaker("backtest_trade", btCfg.TradeBreaker))
	broker := NewSimulatedBroker("backtest")
	portfolio := NewPortfolio(input.InitialCapital, "")
	ctx := context.Background()

	result := &BacktestResult{}
	var decisions []DecisionRecord

	for step := 0; step < steps; step++ {
		prices := make(map[string]float64, len(symbols))
		for _, sym := range symbols {
			prices[sym] = input.Prices[sym][step]
		}
		portfolio.MarkToMarket(prices)
		acc := portfolio.Account()
		result.EquityCurve = append(result.EquityCurve, acc.TotalEquity)

		for _, sym := range symbols {
			window := input.Prices[sym][:step+1]
			if len(window) > btCfg.HistoryWindow {
				window = window[len(window)-btCfg.HistoryWindow:]
			}

			positionQty := portfolio.PositionQty(sym)
			sig := engine.ComputeSignal(sym, window, positionQty)
			if sig.Direction == SideHold {
				continue
			}

			state := &PortfolioState{
				Account:     acc,
				Positions:   portfolio.Positions(),
				TradedToday: len(result.Trades),
			}
			gate := governor.Gate(sig, nil, state)
			if !gate.Approved {
				continue
			}

			price := prices[sym]
			var fill *Fill
			var err error

			switch sig.Direction {
			case SideBuy:
				stats := computeTradeStats(decisions)
				qty, _ := sizer.Size(price, acc.TotalEquity, stats)
				value := qty * price
				if gate.MaxBuyValue > 0 && value > gate.MaxBuyValue {
					qty = gate.MaxBuyValue / price
				}
				if qty*price < minTradeValue {
					continue
				}
				fill, err = broker.SubmitOrder(ctx, sym, SideBuy, qty, price)
			case SideSell:
				qty := positionQty * gate.SellFraction
				if qty <= 0 {
					continue
				}
				fill, err = broker.SubmitOrder(ctx, sym, SideSell, qty, price)
			}
			if err != nil || fill == nil {
				continue
			}

			realized := portfolio.ApplyFill(fill)
			fill.PnL = realized

			result.Trades = append(result.Trades, TradeRecord{
				Time:     fill.Timestamp,
				Symbol:   sym,
				Side:     fill.Side,
				Quantity: fill.Quantity,
				Price:    fill.Price,
				Value:    fill.Value,
				PnL:      realized,
				Mode:     "BACKTEST",
				Reason:   sig.Reason,
			})
			decisions = append(decisions, DecisionRecord{
				Symbol:        sym,
				Side:          fill.Side,
				PnLAttributed: fill.Side == SideSell && realized != 0,
				RealizedPnL:   realized,
			})
			acc = portfolio.Account()
		}
	}

	final := portfolio.Account()
	returns := calculateReturns(result.EquityCurve)
	maxDD, _ := calculateDrawdown(returns)

	summary := BacktestSummary{
		InitialCapital: input.InitialCapital,
		FinalEquity:    final.TotalEquity,
		TotalTrades:    len(result.Trades),
		Sharpe:         calculateSharpe(returns, cfg.RiskFreeRate),
		MaxDrawdown:    maxDD,
		Steps:          steps,
		GeneratedAt:    time.Now(),
	}
	if input.InitialCapital > 0 {
		summary.TotalReturnPct = (final.TotalEquity - input.InitialCapital) / input.InitialCapital * 100
	}
	for _, tr := range result.Trades {
		if tr.PnL > 0 {
			summary.WinTrades++
		} else if tr.PnL < 0 {
			summary.LossTrades++
		}
	}
	result.Summary = summary
	return result, nil
}

// runBacktestCommand CLI 子命令入口: smart_trader backtest prices.json
func runBacktestCommand(inputPath string) {
	cfg, err := LoadConfig()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	data, err := os.ReadFile(inputPath)
	if err != nil {
		log.Fatalf("读取回测输入失败: %v", err)
	}
	var input BacktestInput
	if err := json.Unmarshal(data, &input); err != nil {
		log.Fatalf("解析回测输入失败: %v", err)
	}

	result, err := RunBacktest(cfg, &input)
	if err != nil {
		log.Fatalf("回测失败: %v", err)
	}

	s := result.Summary
	fmt.Printf("回测完成: %d 步, %d 笔成交\n", s.Steps, s.TotalTrades)
	fmt.Printf("  净值: %.2f → %.2f (%+.2f%%)\n", s.InitialCapital, s.FinalEquity, s.TotalReturnPct)
	fmt.Printf("  胜/负: %d/%d  夏普: %.2f  最大回撤: %.2f%%\n",
		s.WinTrades, s.LossTrades, s.Sharpe, s.MaxDrawdown*100)

	out, _ := json.MarshalIndent(result.Summary, "", "  ")
	outPath := "backtest_summary.json"
	if err := writeFileAtomic(outPath, out, 0644); err != nil {
		log.Printf("⚠️ 写入汇总失败: %v", err)
	} else {
		fmt.Printf("  汇总已写入 %s\n", outPath)
	}
}
