package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config 全部可调参数集中在这里
// 加载顺序：config.local.json → .env → 环境变量 → 硬编码默认值
// 阈值都是经验调参的结果，不保证对任何品种最优，按需覆盖

type Config struct {
	// 交易配置
	TradingSymbols      []string `json:"trading_symbols"`       // 交易对列表
	LoopIntervalSeconds int      `json:"loop_interval_seconds"` // 主循环休眠秒数
	InitialBalance      float64  `json:"initial_balance"`       // 模拟/纸面起始资金 (USDT)

	// 报价服务
	QuoteMaxAgeSeconds int `json:"quote_max_age_seconds"` // 缓存报价的最大新鲜年龄
	QuoteTimeoutSec    int `json:"quote_timeout_seconds"` // 单次报价请求超时
	HistoryWindow      int `json:"history_window"`        // 每个交易对保留的价格点数
	MinHistoryPoints   int `json:"min_history_points"`    // 指标可靠所需的最少点数
	MomentumLookback   int `json:"momentum_lookback"`     // 动量回看点数

	// 熔断器
	QuoteBreaker BreakerConfig `json:"quote_breaker"` // 报价熔断
	TradeBreaker BreakerConfig `json:"trade_breaker"` // 下单熔断

	// 信号阈值
	RSIExtremeOverbought  float64 `json:"rsi_extreme_overbought"`  // 强制全部清仓
	RSIElevatedOverbought float64 `json:"rsi_elevated_overbought"` // 强制部分止盈
	RSIEntryThreshold     float64 `json:"rsi_entry_threshold"`     // 空仓时允许进场的 RSI 上限
	SignalAcceptance      float64 `json:"signal_acceptance"`       // 融合信号被采纳的最低信心度
	MomentumBiasMin       float64 `json:"momentum_bias_min"`       // 触发动量偏置的信心度
	MinVoteCount          int     `json:"min_vote_count"`          // 形成信号所需的最少非 hold 票数

	// 风控
	MaxDrawdownPct       float64 `json:"max_drawdown_pct"`        // 日内回撤暂停阈值 (0.08 = 8%)
	PauseCooldownSeconds int     `json:"pause_cooldown_seconds"`  // 暂停后重新检查的等待秒数
	MinTradesForPause    int     `json:"min_trades_for_pause"`    // 回撤暂停生效所需的最少成交数
	MaxSymbolFraction    float64 `json:"max_symbol_fraction"`     // 单个交易对的最大净值占比
	MaxTotalFraction     float64 `json:"max_total_fraction"`      // 总持仓的最大净值占比
	MaxPositions         int     `json:"max_positions"`           // 最大同时持仓数
	TrimLowFraction      float64 `json:"trim_low_fraction"`       // RSI 刚过 80 时的止盈比例
	TrimHighFraction     float64 `json:"trim_high_fraction"`      // RSI 接近 85 时的止盈比例
	MinorDriftPct        float64 `json:"minor_drift_pct"`         // 超配多少触发回归目标的修剪
	MajorDriftPct        float64 `json:"major_drift_pct"`         // 超配多少触发强制最小修剪
	MinTrimFraction      float64 `json:"min_trim_fraction"`       // 大幅超配时的最小修剪比例
	SymbolCooldownSec    int     `json:"symbol_cooldown_seconds"` // 同一交易对成交后的冷却秒数

	// Kelly 仓位
	KellyMaxFraction      float64 `json:"kelly_max_fraction"`      // Kelly 分数上限
	KellyMultiplier       float64 `json:"kelly_multiplier"`        // 分数 Kelly 安全系数
	KellyFallbackFraction float64 `json:"kelly_fallback_fraction"` // 样本不足时的固定仓位比例
	KellyMinSamples       int     `json:"kelly_min_samples"`       // 估计胜率所需的最少已归因决策数
	MaxRiskPerTrade       float64 `json:"max_risk_per_trade"`      // 单笔最大风险占净值比例
	StopLossDistance      float64 `json:"stop_loss_distance"`      // 名义止损距离，用于风险预算换算

	// 组合优化
	OptimizerCycle      int     `json:"optimizer_cycle"`       // 每多少个周期做一次再平衡
	RiskAssessmentCycle int     `json:"risk_assessment_cycle"` // 每多少个周期做一次风险评估
	ReturnWindow        int     `json:"return_window"`         // 收益率窗口点数
	RiskFreeRate        float64 `json:"risk_free_rate"`        // 无风险利率（与收益率同周期）
	StressDropPct       float64 `json:"stress_drop_pct"`       // 压力测试的瞬时下跌幅度 (负数)

	// 主循环
	PersistCycle         int `json:"persist_cycle"`          // 每多少个周期持久化一次状态
	MaxConsecutiveErrors int `json:"max_consecutive_errors"` // 连续错误上限，超过则停机保全状态
	SimExitsForPaper     int `json:"sim_exits_for_paper"`    // 模拟平仓多少次后自动进入 PAPER
	RetentionDays        int `json:"retention_days"`         // 净值/成交/决策记录的保留天数

	// 币安（可选，不填则报价走公共接口、下单走模拟盘）
	BinanceAPIKey    string `json:"binance_api_key"`
	BinanceSecretKey string `json:"binance_secret_key"`
	BinanceProxyURL  string `json:"binance_proxy_url"`
	EnableStream     bool   `json:"enable_stream"` // 是否启用 websocket 行情流

	// 通知
	Notify NotificationConfig `json:"notify"`

	// 其他
	DataDir string `json:"data_dir"` // 状态文件目录
	WebPort int    `json:"web_port"` // 状态服务端口，0 表示不启动
}

// LoadConfig 先尝试从 config.local.json 读取；没有的字段退回环境变量和默认值
func LoadConfig() (*Config, error) {
	// .env 存在就加载进环境变量（不存在不算错误）
	_ = godotenv.Load()

	cfg := &Config{}

	if data, err := os.ReadFile("config.local.json"); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("解析 config.local.json 失败: %w", err)
		}
	}

	if cfg.BinanceAPIKey == "" {
		cfg.BinanceAPIKey = os.Getenv("BINANCE_API_KEY")
	}
	if cfg.BinanceSecretKey == "" {
		cfg.BinanceSecretKey = os.Getenv("BINANCE_SECRET_KEY")
	}
	if cfg.BinanceProxyURL == "" {
		cfg.BinanceProxyURL = os.Getenv("BINANCE_PROXY_URL")
	}
	if cfg.Notify.Telegram.BotToken == "" {
		cfg.Notify.Telegram.BotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	}
	if cfg.Notify.Telegram.ChatID == "" {
		cfg.Notify.Telegram.ChatID = os.Getenv("TELEGRAM_CHAT_ID")
	}
	if cfg.Notify.Telegram.BotToken != "" && cfg.Notify.Telegram.ChatID != "" {
		cfg.Notify.Telegram.Enabled = true
	}
	if cfg.Notify.Discord.WebhookURL == "" {
		cfg.Notify.Discord.WebhookURL = os.Getenv("DISCORD_WEBHOOK_URL")
	}
	if cfg.Notify.Discord.WebhookURL != "" {
		cfg.Notify.Discord.Enabled = true
	}

	// 循环周期：支持环境变量 LOOP_INTERVAL_SECONDS 覆盖
	if cfg.LoopIntervalSeconds == 0 {
		if v := os.Getenv("LOOP_INTERVAL_SECONDS"); v != "" {
			if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
				cfg.LoopIntervalSeconds = sec
			}
		}
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults 填上所有没配置的默认值
func (c *Config) applyDefaults() {
	if len(c.TradingSymbols) == 0 {
		c.TradingSymbols = []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "BNBUSDT", "DOGEUSDT"}
	}
	if c.LoopIntervalSeconds <= 0 {
		c.LoopIntervalSeconds = 5
	}
	if c.InitialBalance <= 0 {
		c.InitialBalance = 10000
	}

	if c.QuoteMaxAgeSeconds <= 0 {
		c.QuoteMaxAgeSeconds = 60
	}
	if c.QuoteTimeoutSec <= 0 {
		c.QuoteTimeoutSec = 10
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = 200
	}
	if c.MinHistoryPoints <= 0 {
		c.MinHistoryPoints = 20
	}
	if c.MomentumLookback <= 0 {
		c.MomentumLookback = 5
	}

	c.QuoteBreaker.applyDefaults(BreakerConfig{
		FailureThreshold:         5,
		RecoveryTimeoutSec:       300,
		HalfOpenSuccessThreshold: 3,
		HalfOpenFailureThreshold: 3,
	})
	c.TradeBreaker.applyDefaults(BreakerConfig{
		FailureThreshold:         5,
		RecoveryTimeoutSec:       600,
		HalfOpenSuccessThreshold: 2,
		HalfOpenFailureThreshold: 2,
	})

	if c.RSIExtremeOverbought <= 0 {
		c.RSIExtremeOverbought = 85
	}
	if c.RSIElevatedOverbought <= 0 {
		c.RSIElevatedOverbought = 80
	}
	if c.RSIEntryThreshold <= 0 {
		c.RSIEntryThreshold = 75
	}
	if c.SignalAcceptance <= 0 {
		c.SignalAcceptance = 0.6
	}
	if c.MomentumBiasMin <= 0 {
		c.MomentumBiasMin = 0.7
	}
	if c.MinVoteCount <= 0 {
		c.MinVoteCount = 1
	}

	if c.MaxDrawdownPct <= 0 {
		c.MaxDrawdownPct = 0.08
	}
	if c.PauseCooldownSeconds <= 0 {
		c.PauseCooldownSeconds = 60
	}
	if c.MinTradesForPause <= 0 {
		c.MinTradesForPause = 5
	}
	if c.MaxSymbolFraction <= 0 {
		c.MaxSymbolFraction = 0.20
	}
	if c.MaxTotalFraction <= 0 {
		c.MaxTotalFraction = 0.80
	}
	if c.MaxPositions <= 0 {
		c.MaxPositions = 10
	}
	if c.TrimLowFraction <= 0 {
		c.TrimLowFraction = 0.30
	}
	if c.TrimHighFraction <= 0 {
		c.TrimHighFraction = 0.70
	}
	if c.MinorDriftPct <= 0 {
		c.MinorDriftPct = 0.05
	}
	if c.MajorDriftPct <= 0 {
		c.MajorDriftPct = 0.08
	}
	if c.MinTrimFraction <= 0 {
		c.MinTrimFraction = 0.40
	}
	if c.SymbolCooldownSec <= 0 {
		c.SymbolCooldownSec = 300
	}

	if c.KellyMaxFraction <= 0 {
		c.KellyMaxFraction = 0.30
	}
	if c.KellyMultiplier <= 0 {
		c.KellyMultiplier = 0.50
	}
	if c.KellyFallbackFraction <= 0 {
		c.KellyFallbackFraction = 0.05
	}
	if c.KellyMinSamples <= 0 {
		c.KellyMinSamples = 10
	}
	if c.MaxRiskPerTrade <= 0 {
		c.MaxRiskPerTrade = 0.01
	}
	if c.StopLossDistance <= 0 {
		c.StopLossDistance = 0.02
	}

	if c.OptimizerCycle <= 0 {
		c.OptimizerCycle = 100
	}
	if c.RiskAssessmentCycle <= 0 {
		c.RiskAssessmentCycle = 200
	}
	if c.ReturnWindow <= 0 {
		c.ReturnWindow = 30
	}
	if c.StressDropPct == 0 {
		c.StressDropPct = -0.10
	}

	if c.PersistCycle <= 0 {
		c.PersistCycle = 60
	}
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = 10
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = 90
	}
	if c.SimExitsForPaper <= 0 {
		c.SimExitsForPaper = 2
	}

	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.WebPort == 0 {
		c.WebPort = 8880
	}
}

// validate 阈值之间的基本一致性检查
func (c *Config) validate() error {
	if c.RSIElevatedOverbought >= c.RSIExtremeOverbought {
		return fmt.Errorf("rsi_elevated_overbought(%.0f) 必须小于 rsi_extreme_overbought(%.0f)",
			c.RSIElevatedOverbought, c.RSIExtremeOverbought)
	}
	if c.TrimLowFraction > c.TrimHighFraction {
		return fmt.Errorf("trim_low_fraction(%.2f) 不能大于 trim_high_fraction(%.2f)",
			c.TrimLowFraction, c.TrimHighFraction)
	}
	if c.MaxSymbolFraction > c.MaxTotalFraction {
		return fmt.Errorf("max_symbol_fraction(%.2f) 不能大于 max_total_fraction(%.2f)",
			c.MaxSymbolFraction, c.MaxTotalFraction)
	}
	if c.MinorDriftPct > c.MajorDriftPct {
		return fmt.Errorf("minor_drift_pct(%.2f) 不能大于 major_drift_pct(%.2f)",
			c.MinorDriftPct, c.MajorDriftPct)
	}
	return nil
}
