package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"
)

// simBasePrices 模拟报价的起始价，未列出的交易对从 100 起步
var simBasePrices = map[string]float64{
	"BTCUSDT":  65000,
	"ETHUSDT":  3200,
	"SOLUSDT":  150,
	"BNBUSDT":  580,
	"DOGEUSDT": 0.12,
}

func main() {
	// CLI 子命令：离线回测 / 数据导出
	if len(os.Args) == 3 && os.Args[1] == "backtest" {
		runBacktestCommand(os.Args[2])
		return
	}
	if len(os.Args) >= 2 && os.Args[1] == "export" {
		runExportCommand(os.Args[2:])
		return
	}

	fmt.Println("╔═══════════════════════════════════════════════════╗")
	fmt.Println("║      Smart Trader | 多源行情 | 规则信号 | 风控守护 ║")
	fmt.Println("╚═══════════════════════════════════════════════════╝")

	cfg, err := LoadConfig()
	if err != nil {
		fmt.Println(err.Error())
		fmt.Println("👉 可在项目根目录创建 config.local.json 覆盖配置")
		return
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatalf("创建数据目录失败: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 存储与通知
	storage, err := NewStorage(filepath.Join(cfg.DataDir, "storage.json"))
	if err != nil {
		log.Fatalf("初始化存储失败: %v", err)
	}
	defer storage.Close()

	// 启动时归档一份当前配置，排查问题时能对上当时的参数
	if err := storage.SaveConfigSnapshot(cfg, "startup"); err != nil {
		log.Printf("⚠️ 配置快照归档失败: %v", err)
	}

	notifier := NewNotifyManager(cfg.Notify)
	defer notifier.Close()

	// 交易模式状态机
	modes := NewModeManager(cfg)
	modes.SetChangeHook(notifier.NotifyModeChange)

	// 报价层：熔断器 + 来源级联
	quoteBreaker := NewCircuitBreaker("quote", cfg.QuoteBreaker)
	quoteBreaker.SetStateChangeHook(func(name string, from, to BreakerState, reason string) {
		notifier.NotifyBreakerChange(name, from, to)
	})

	history := NewPriceHistoryStore(filepath.Join(cfg.DataDir, "price_history.json"), cfg.HistoryWindow)
	sources := buildQuoteSources(ctx, cfg, history)
	quotes := NewQuoteService(sources, quoteBreaker,
		time.Duration(cfg.QuoteTimeoutSec)*time.Second)

	// 风控：下单熔断 + 守护
	tradeBreaker := NewCircuitBreaker("trade", cfg.TradeBreaker)
	tradeBreaker.SetStateChangeHook(func(name string, from, to BreakerState, reason string) {
		notifier.NotifyBreakerChange(name, from, to)
	})
	governor := NewRiskGovernor(cfg, tradeBreaker)
	governor.SetPauseChangeHook(notifier.NotifyGuardianPause)

	// 熔断器状态随周期性持久化落盘，重启后从快照延续
	if err := restoreBreakerSnapshots(filepath.Join(cfg.DataDir, "breakers.json"),
		quoteBreaker, tradeBreaker); err != nil {
		log.Printf("⚠️ 恢复熔断器状态失败: %v", err)
	}

	// 账本与下单通道
	portfolio := NewPortfolio(cfg.InitialBalance, filepath.Join(cfg.DataDir, "portfolio.json"))
	simBroker := NewSimulatedBroker("paper")
	var liveBroker Broker
	if cfg.BinanceAPIKey != "" && cfg.BinanceSecretKey != "" {
		liveBroker = NewBinanceBroker(cfg.BinanceAPIKey, cfg.BinanceSecretKey, cfg.BinanceProxyURL)
		log.Printf("🔑 已配置币安密钥，实盘通道可用（仍需人工确认才会启用）")
	}

	trader := NewTrader(cfg, quotes, history, governor, modes, storage,
		notifier, portfolio, simBroker, liveBroker)

	// 状态服务
	if cfg.WebPort > 0 {
		server := NewWebServer(cfg, trader, modes, governor, quotes, storage, portfolio)
		server.Start(cfg.WebPort)
	}

	err = trader.Run(ctx)
	switch {
	case errors.Is(err, context.Canceled):
		log.Printf("👋 收到退出信号，状态已落盘")
		notifier.NotifySystemStop("shutdown signal")
	case err != nil:
		log.Printf("❌ 交易循环退出: %v", err)
		notifier.NotifySystemStop(err.Error())
	}
	// 异步通知留一点发送窗口
	time.Sleep(500 * time.Millisecond)
}

// buildQuoteSources 组装报价来源级联
// 顺序即优先级：行情流 → 币安 REST → 模拟兜底（仅在未配置密钥时挂载）
func buildQuoteSources(ctx context.Context, cfg *Config, history *PriceHistoryStore) []QuoteSource {
	var sources []QuoteSource

	if cfg.EnableStream {
		maxAge := time.Duration(cfg.QuoteMaxAgeSeconds) * time.Second
		sources = append(sources, NewStreamQuoteSource(ctx, cfg.TradingSymbols, maxAge))
	}

	sources = append(sources, NewBinanceQuoteSource(cfg.BinanceAPIKey, cfg.BinanceSecretKey, cfg.BinanceProxyURL))

	if cfg.BinanceAPIKey == "" {
		base := make(map[string]float64, len(cfg.TradingSymbols))
		for _, sym := range cfg.TradingSymbols {
			// 优先用上次运行留下的价格，接近真实量级
			if p := history.Latest(sym); p > 0 {
				base[sym] = p
			} else if p, ok := simBasePrices[sym]; ok {
				base[sym] = p
			} else {
				base[sym] = 100
			}
		}
		sources = append(sources, NewSimQuoteSource(base, time.Now().UnixNano()))
	}

	names := make([]string, len(sources))
	for i, s := range sources {
		names[i] = s.Name()
	}
	log.Printf("📡 报价来源级联: %v", names)
	return sources
}
