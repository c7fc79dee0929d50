package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/smtp"
	"strings"
	"sync"
	"time"
)

// NotifyEvent 通知事件类型
type NotifyEvent string

const (
	EventTradeExecuted NotifyEvent = "trade_executed" // 成交
	EventBreakerChange NotifyEvent = "breaker_change" // 熔断状态切换
	EventGuardianPause NotifyEvent = "guardian_pause" // 守护暂停
	EventGuardianClear NotifyEvent = "guardian_clear" // 守护恢复
	EventRebalance     NotifyEvent = "rebalance"      // 组合再平衡
	EventRiskReport    NotifyEvent = "risk_report"    // 风险评估
	EventModeChange    NotifyEvent = "mode_change"    // 交易模式切换
	EventError         NotifyEvent = "error"          // 异常错误
	EventSystemStart   NotifyEvent = "system_start"   // 系统启动
	EventSystemStop    NotifyEvent = "system_stop"    // 系统停止
)

// NotifyMessage 通知消息
type NotifyMessage struct {
	Event     NotifyEvent `json:"event"`
	Title     string      `json:"title"`
	Content   string      `json:"content"`
	Symbol    string      `json:"symbol,omitempty"`
	PnL       float64     `json:"pnl,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Notifier 通知接口
type Notifier interface {
	Send(msg NotifyMessage) error
	Name() string
	Enabled() bool
}

// ===== Telegram 通知 =====

// TelegramConfig Telegram配置
type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

// TelegramNotifier Telegram通知器
type TelegramNotifier struct {
	config TelegramConfig
	client *http.Client
}

func NewTelegramNotifier(config TelegramConfig) *TelegramNotifier {
	return &TelegramNotifier{
		config: config,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string {
	return "Telegram"
}

func (t *TelegramNotifier) Enabled() bool {
	return t.config.Enabled && t.config.BotToken != "" && t.config.ChatID != ""
}

func (t *TelegramNotifier) Send(msg NotifyMessage) error {
	if !t.Enabled() {
		return nil
	}

	text := t.formatMessage(msg)
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.config.BotToken)

	payload := map[string]interface{}{
		"chat_id":    t.config.ChatID,
		"text":       text,
		"parse_mode": "HTML",
	}

	body, _ := json.Marshal(payload)
	resp, err := t.client.Post(url, "application/json", bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("telegram API error: %s", string(respBody))
	}

	return nil
}

func (t *TelegramNotifier) formatMessage(msg NotifyMessage) string {
	emoji := t.getEmoji(msg.Event)
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("%s <b>%s</b>\n", emoji, msg.Title))
	sb.WriteString("━━━━━━━━━━━━━━━━\n")

	if msg.Symbol != "" {
		sb.WriteString(fmt.Sprintf("📊 Symbol: <code>%s</code>\n", msg.Symbol))
	}

	sb.WriteString(msg.Content)

	if msg.PnL != 0 {
		pnlEmoji := "🟢"
		if msg.PnL < 0 {
			pnlEmoji = "🔴"
		}
		sb.WriteString(fmt.Sprintf("\n%s PnL: <code>%+.2f USDT</code>", pnlEmoji, msg.PnL))
	}

	sb.WriteString(fmt.Sprintf("\n\n🕐 %s", msg.Timestamp.Format("2006-01-02 15:04:05")))

	return sb.String()
}

func (t *TelegramNotifier) getEmoji(event NotifyEvent) string {
	switch event {
	case EventTradeExecuted:
		return "💱"
	case EventBreakerChange:
		return "⚡"
	case EventGuardianPause:
		return "🛑"
	case EventGuardianClear:
		return "✅"
	case EventRebalance:
		return "⚖️"
	case EventRiskReport:
		return "💣"
	case EventModeChange:
		return "🔁"
	case EventError:
		return "❌"
	case EventSystemStart:
		return "🚀"
	case EventSystemStop:
		return "🔴"
	default:
		return "📢"
	}
}

// ===== Discord 通知 =====

// DiscordConfig Discord配置
type DiscordConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
}

// DiscordNotifier Discord通知器
type DiscordNotifier struct {
	config DiscordConfig
	client *http.Client
}

func NewDiscordNotifier(config DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		config: config,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string {
	return "Discord"
}

func (d *DiscordNotifier) Enabled() bool {
	return d.config.Enabled && d.config.WebhookURL != ""
}

func (d *DiscordNotifier) Send(msg NotifyMessage) error {
	if !d.Enabled() {
		return nil
	}

	embed := map[string]interface{}{
		"title":       msg.Title,
		"description": msg.Content,
		"color":       d.getColor(msg.Event),
		"timestamp":   msg.Timestamp.Format(time.RFC3339),
		"footer": map[string]string{
			"text": "Smart Trader",
		},
	}

	if msg.Symbol != "" {
		fields := []map[string]interface{}{
			{"name": "Symbol", "value": msg.Symbol, "inline": true},
		}
		if msg.PnL != 0 {
			fields = append(fields,
				map[string]interface{}{"name": "PnL", "value": fmt.Sprintf("%+.2f USDT", msg.PnL), "inline": true})
		}
		embed["fields"] = fields
	}

	payload := map[string]interface{}{
		"embeds": []interface{}{embed},
	}

	body, _ := json.Marshal(payload)
	resp, err := d.client.Post(d.config.WebhookURL, "application/json", bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("discord API error: %s", string(respBody))
	}

	return nil
}

func (d *DiscordNotifier) getColor(event NotifyEvent) int {
	switch event {
	case EventTradeExecuted, EventGuardianClear, EventSystemStart:
		return 0x00FF00 // 绿色
	case EventRebalance, EventModeChange:
		return 0x0099FF // 蓝色
	case EventBreakerChange, EventRiskReport:
		return 0xFF9900 // 橙色
	case EventGuardianPause, EventError, EventSystemStop:
		return 0xFF0000 // 红色
	default:
		return 0x808080 // 灰色
	}
}

// ===== Email 通知 =====

// EmailConfig Email配置
type EmailConfig struct {
	Enabled  bool   `json:"enabled"`
	SMTPHost string `json:"smtp_host"`
	SMTPPort int    `json:"smtp_port"`
	Username string `json:"username"`
	Password string `json:"password"`
	From     string `json:"from"`
	To       string `json:"to"` // 逗号分隔多个收件人
}

// EmailNotifier Email通知器
type EmailNotifier struct {
	config EmailConfig
}

func NewEmailNotifier(config EmailConfig) *EmailNotifier {
	return &EmailNotifier{config: config}
}

func (e *EmailNotifier) Name() string {
	return "Email"
}

func (e *EmailNotifier) Enabled() bool {
	return e.config.Enabled && e.config.SMTPHost != "" && e.config.From != "" && e.config.To != ""
}

func (e *EmailNotifier) Send(msg NotifyMessage) error {
	if !e.Enabled() {
		return nil
	}

	subject := fmt.Sprintf("[Smart Trader] %s", msg.Title)
	body := e.formatBody(msg)

	message := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n%s",
		e.config.From, e.config.To, subject, body)

	addr := fmt.Sprintf("%s:%d", e.config.SMTPHost, e.config.SMTPPort)

	var auth smtp.Auth
	if e.config.Username != "" && e.config.Password != "" {
		auth = smtp.PlainAuth("", e.config.Username, e.config.Password, e.config.SMTPHost)
	}

	recipients := strings.Split(e.config.To, ",")
	for i := range recipients {
		recipients[i] = strings.TrimSpace(recipients[i])
	}

	return smtp.SendMail(addr, auth, e.config.From, recipients, []byte(message))
}

func (e *EmailNotifier) formatBody(msg NotifyMessage) string {
	var sb strings.Builder

	sb.WriteString("<html><body style='font-family: Arial, sans-serif;'>")
	sb.WriteString(fmt.Sprintf("<h2>%s</h2>", msg.Title))

	if msg.Symbol != "" {
		sb.WriteString(fmt.Sprintf("<p><strong>Symbol:</strong> %s</p>", msg.Symbol))
	}

	sb.WriteString(fmt.Sprintf("<p>%s</p>", strings.ReplaceAll(msg.Content, "\n", "<br>")))

	if msg.PnL != 0 {
		color := "green"
		if msg.PnL < 0 {
			color = "red"
		}
		sb.WriteString(fmt.Sprintf("<p><strong>PnL:</strong> <span style='color:%s'>%+.2f USDT</span></p>", color, msg.PnL))
	}

	sb.WriteString(fmt.Sprintf("<p style='color: #888; font-size: 12px;'>Time: %s</p>", msg.Timestamp.Format("2006-01-02 15:04:05")))
	sb.WriteString("</body></html>")

	return sb.String()
}

// ===== 通知管理器 =====

// NotificationConfig 通知配置
type NotificationConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
	Email    EmailConfig    `json:"email"`
}

// NotifyManager 通知管理器
// 发送全部异步，队列满了直接丢，通知永远不阻塞交易循环
type NotifyManager struct {
	notifiers []Notifier
	mu        sync.RWMutex
	queue     chan NotifyMessage
	quit      chan struct{}
}

// NewNotifyManager 创建通知管理器
func NewNotifyManager(config NotificationConfig) *NotifyManager {
	nm := &NotifyManager{
		notifiers: make([]Notifier, 0),
		queue:     make(chan NotifyMessage, 100),
		quit:      make(chan struct{}),
	}

	if config.Telegram.Enabled {
		nm.notifiers = append(nm.notifiers, NewTelegramNotifier(config.Telegram))
	}
	if config.Discord.Enabled {
		nm.notifiers = append(nm.notifiers, NewDiscordNotifier(config.Discord))
	}
	if config.Email.Enabled {
		nm.notifiers = append(nm.notifiers, NewEmailNotifier(config.Email))
	}

	go nm.worker()

	return nm
}

func (nm *NotifyManager) worker() {
	for {
		select {
		case msg := <-nm.queue:
			nm.sendToAll(msg)
		case <-nm.quit:
			return
		}
	}
}

func (nm *NotifyManager) sendToAll(msg NotifyMessage) {
	nm.mu.RLock()
	defer nm.mu.RUnlock()

	for _, n := range nm.notifiers {
		if n.Enabled() {
			if err := n.Send(msg); err != nil {
				log.Printf("⚠️ [Notify] %s 发送失败: %v", n.Name(), err)
			}
		}
	}
}

// Send 异步发送通知
func (nm *NotifyManager) Send(msg NotifyMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	select {
	case nm.queue <- msg:
	default:
		log.Printf("⚠️ [Notify] 队列已满，丢弃消息: %s", msg.Title)
	}
}

// SendSync 同步发送通知（停机前的收尾消息用）
func (nm *NotifyManager) SendSync(msg NotifyMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	nm.sendToAll(msg)
}

// Close 关闭通知管理器
func (nm *NotifyManager) Close() {
	close(nm.quit)
}

// HasEnabled 是否有启用的通知器
func (nm *NotifyManager) HasEnabled() bool {
	nm.mu.RLock()
	defer nm.mu.RUnlock()

	for _, n := range nm.notifiers {
		if n.Enabled() {
			return true
		}
	}
	return false
}

// ===== 便捷通知方法 =====

// NotifyTrade 通知成交
func (nm *NotifyManager) NotifyTrade(fill *Fill, mode, reason string) {
	nm.Send(NotifyMessage{
		Event:  EventTradeExecuted,
		Title:  fmt.Sprintf("%s %s %s", mode, strings.ToUpper(fill.Side), fill.Symbol),
		Symbol: fill.Symbol,
		PnL:    fill.PnL,
		Content: fmt.Sprintf("Qty: %.6f\nPrice: %.4f\nValue: $%.2f\nReason: %s",
			fill.Quantity, fill.Price, fill.Value, reason),
	})
}

// NotifyBreakerChange 通知熔断状态切换
func (nm *NotifyManager) NotifyBreakerChange(name string, from, to BreakerState) {
	nm.Send(NotifyMessage{
		Event:   EventBreakerChange,
		Title:   fmt.Sprintf("Breaker %s: %s → %s", name, from, to),
		Content: fmt.Sprintf("Circuit breaker %q changed state.", name),
	})
}

// NotifyGuardianPause 通知守护暂停或恢复
func (nm *NotifyManager) NotifyGuardianPause(paused bool, reason string) {
	if paused {
		nm.Send(NotifyMessage{
			Event:   EventGuardianPause,
			Title:   "Trading Paused",
			Content: fmt.Sprintf("Reason: %s", reason),
		})
		return
	}
	nm.Send(NotifyMessage{
		Event:   EventGuardianClear,
		Title:   "Trading Resumed",
		Content: "Guardian pause cleared.",
	})
}

// NotifyRebalance 通知再平衡结果
func (nm *NotifyManager) NotifyRebalance(alloc *PortfolioAllocation) {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Source: %s\n", alloc.Source))
	for sym, w := range alloc.Weights {
		sb.WriteString(fmt.Sprintf("%s: %.1f%%\n", sym, w*100))
	}
	nm.Send(NotifyMessage{
		Event:   EventRebalance,
		Title:   "Portfolio Rebalanced",
		Content: sb.String(),
	})
}

// NotifyRiskReport 通知风险评估摘要
func (nm *NotifyManager) NotifyRiskReport(report RiskReport) {
	nm.Send(NotifyMessage{
		Event: EventRiskReport,
		Title: "Risk Assessment",
		Content: fmt.Sprintf("CVaR95: %.2f%%\nCVaR99: %.2f%%\nStress: %s\nLiquidity: %s\nMax Drawdown: %.2f%%",
			report.CVaR95*100, report.CVaR99*100, report.Stress.Status,
			report.Liquidity.Status, report.MaxDrawdown*100),
	})
}

// NotifyModeChange 通知交易模式切换
func (nm *NotifyManager) NotifyModeChange(from, to string) {
	nm.Send(NotifyMessage{
		Event:   EventModeChange,
		Title:   fmt.Sprintf("Mode: %s → %s", from, to),
		Content: "Trading mode transition.",
	})
}

// NotifyError 通知错误
func (nm *NotifyManager) NotifyError(err error) {
	nm.Send(NotifyMessage{
		Event:   EventError,
		Title:   "System Error",
		Content: err.Error(),
	})
}

// NotifySystemStart 通知系统启动
func (nm *NotifyManager) NotifySystemStart(mode string, equity float64) {
	nm.Send(NotifyMessage{
		Event:   EventSystemStart,
		Title:   "Smart Trader Started",
		Content: fmt.Sprintf("Mode: %s\nEquity: $%.2f", mode, equity),
	})
}

// NotifySystemStop 通知系统停止
func (nm *NotifyManager) NotifySystemStop(reason string) {
	nm.SendSync(NotifyMessage{
		Event:   EventSystemStop,
		Title:   "Smart Trader Stopped",
		Content: reason,
	})
}
