package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
)

// ===== 币安 REST 报价来源 =====

// BinanceQuoteSource 通过币安现货 REST 接口取报价
// 不需要 API Key（公共行情接口）
type BinanceQuoteSource struct {
	client *binance.Client
}

// NewBinanceQuoteSource 创建 REST 报价来源，proxyURL 可为空
func NewBinanceQuoteSource(apiKey, secretKey, proxyURL string) *BinanceQuoteSource {
	client := binance.NewClient(apiKey, secretKey)

	if proxyURL != "" {
		proxy, err := url.Parse(proxyURL)
		if err != nil {
			log.Printf("Warning: Invalid Proxy URL: %v", err)
		} else {
			client.HTTPClient = &http.Client{
				Transport: &http.Transport{Proxy: http.ProxyURL(proxy)},
			}
			log.Printf("✅ Binance Client using Proxy: %s", proxyURL)
		}
	}

	return &BinanceQuoteSource{client: client}
}

func (s *BinanceQuoteSource) Name() string {
	return "binance_rest"
}

// GetPrice 优先用盘口买卖价算中间价和点差，拿不到再退回最新成交价
func (s *BinanceQuoteSource) GetPrice(ctx context.Context, symbol string) (*Quote, error) {
	books, err := s.client.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err == nil && len(books) > 0 {
		bid, _ := strconv.ParseFloat(books[0].BidPrice, 64)
		ask, _ := strconv.ParseFloat(books[0].AskPrice, 64)
		if bid > 0 && ask > 0 && ask >= bid {
			mid := (bid + ask) / 2
			return &Quote{
				Symbol:    symbol,
				Price:     mid,
				Bid:       bid,
				Ask:       ask,
				Spread:    (ask - bid) / mid,
				Source:    s.Name(),
				Timestamp: time.Now(),
			}, nil
		}
	}

	prices, err := s.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance rest: %w", err)
	}
	if len(prices) == 0 {
		return nil, fmt.Errorf("binance rest: 空响应")
	}
	p, err := strconv.ParseFloat(prices[0].Price, 64)
	if err != nil || p <= 0 {
		return nil, fmt.Errorf("binance rest: 无法解析价格 %q", prices[0].Price)
	}
	return &Quote{
		Symbol:    symbol,
		Price:     p,
		Source:    s.Name(),
		Timestamp: time.Now(),
	}, nil
}

// ===== 币安 websocket 行情流 =====

// bookTickerEvent 组合流里的 bookTicker 消息
type bookTickerEvent struct {
	Stream string `json:"stream"`
	Data   struct {
		Symbol   string `json:"s"`
		BidPrice string `json:"b"`
		AskPrice string `json:"a"`
	} `json:"data"`
}

// StreamQuoteSource 订阅币安 bookTicker 组合流，内存里维护每个交易对的最新报价
// 作为级联里的低延迟首选来源；流断了由后台协程用退避自动重连
type StreamQuoteSource struct {
	wsURL    string
	maxAge   time.Duration
	mu       sync.RWMutex
	latest   map[string]*Quote
}

// NewStreamQuoteSource 创建行情流来源并启动后台读取
func NewStreamQuoteSource(ctx context.Context, symbols []string, maxAge time.Duration) *StreamQuoteSource {
	streams := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		streams = append(streams, strings.ToLower(sym)+"@bookTicker")
	}
	s := &StreamQuoteSource{
		wsURL:  "wss://stream.binance.com:9443/stream?streams=" + strings.Join(streams, "/"),
		maxAge: maxAge,
		latest: make(map[string]*Quote),
	}
	go s.run(ctx)
	return s
}

func (s *StreamQuoteSource) Name() string {
	return "binance_stream"
}

// GetPrice 返回流里攒下的最新报价；太旧或没有就报错，让级联去试下一个来源
func (s *StreamQuoteSource) GetPrice(_ context.Context, symbol string) (*Quote, error) {
	s.mu.RLock()
	q := s.latest[symbol]
	s.mu.RUnlock()

	if q == nil {
		return nil, fmt.Errorf("stream: %s 还没有数据", symbol)
	}
	if q.IsStale(s.maxAge) {
		return nil, fmt.Errorf("stream: %s 数据过旧 (%.0fs)", symbol, q.Age().Seconds())
	}
	return q, nil
}

// run 后台读取循环，断线退避重连
func (s *StreamQuoteSource) run(ctx context.Context) {
	b := &backoff.Backoff{Min: time.Second, Max: 60 * time.Second, Factor: 2, Jitter: true}

	for ctx.Err() == nil {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.wsURL, nil)
		if err != nil {
			wait := b.Duration()
			log.Printf("⚠️ 行情流连接失败: %v，%.0fs 后重试", err, wait.Seconds())
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		b.Reset()
		log.Printf("✅ 行情流已连接")

		// ctx 取消时关掉连接，解除 ReadMessage 阻塞
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				conn.Close()
			case <-done:
			}
		}()

		s.readLoop(conn)
		close(done)
		conn.Close()
	}
}

// readLoop 一直读到出错为止
func (s *StreamQuoteSource) readLoop(conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			log.Printf("⚠️ 行情流读取中断: %v", err)
			return
		}

		var ev bookTickerEvent
		if err := json.Unmarshal(msg, &ev); err != nil || ev.Data.Symbol == "" {
			continue
		}

		bid, _ := strconv.ParseFloat(ev.Data.BidPrice, 64)
		ask, _ := strconv.ParseFloat(ev.Data.AskPrice, 64)
		if bid <= 0 || ask <= 0 || ask < bid {
			continue
		}
		mid := (bid + ask) / 2

		s.mu.Lock()
		s.latest[ev.Data.Symbol] = &Quote{
			Symbol:    ev.Data.Symbol,
			Price:     mid,
			Bid:       bid,
			Ask:       ask,
			Spread:    (ask - bid) / mid,
			Source:    s.Name(),
			Timestamp: time.Now(),
		}
		s.mu.Unlock()
	}
}

// ===== 模拟报价来源 =====

// SimQuoteSource 随机游走的模拟报价，SIMULATION 模式兜底用
type SimQuoteSource struct {
	mu     sync.Mutex
	prices map[string]float64
	rng    *rand.Rand
}

// NewSimQuoteSource 创建模拟报价来源，base 为每个交易对的起始价
func NewSimQuoteSource(base map[string]float64, seed int64) *SimQuoteSource {
	prices := make(map[string]float64, len(base))
	for sym, p := range base {
		prices[sym] = p
	}
	return &SimQuoteSource{
		prices: prices,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

func (s *SimQuoteSource) Name() string {
	return "simulated"
}

// GetPrice 每次在上一价基础上随机波动 ±0.5%
func (s *SimQuoteSource) GetPrice(_ context.Context, symbol string) (*Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.prices[symbol]
	if !ok || p <= 0 {
		return nil, fmt.Errorf("simulated: 未知交易对 %s", symbol)
	}

	p = p * (1 + (s.rng.Float64()-0.5)*0.01)
	s.prices[symbol] = p

	spread := 0.0005
	return &Quote{
		Symbol:    symbol,
		Price:     p,
		Bid:       p * (1 - spread/2),
		Ask:       p * (1 + spread/2),
		Spread:    spread,
		Source:    s.Name(),
		Timestamp: time.Now(),
	}, nil
}
