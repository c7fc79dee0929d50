package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
)

// BinanceBroker 币安现货实盘通道
// 只发市价单；成交均价从返回的 fills 汇总
type BinanceBroker struct {
	client *binance.Client
}

// NewBinanceBroker 创建实盘通道
func NewBinanceBroker(apiKey, secretKey, proxyURL string) *BinanceBroker {
	client := binance.NewClient(apiKey, secretKey)

	if proxyURL != "" {
		proxy, err := url.Parse(proxyURL)
		if err != nil {
			log.Printf("⚠️ 代理地址无效: %v", err)
		} else {
			client.HTTPClient = &http.Client{
				Transport: &http.Transport{Proxy: http.ProxyURL(proxy)},
				Timeout:   15 * time.Second,
			}
			log.Printf("✅ 币安客户端启用代理: %s", proxyURL)
		}
	}

	return &BinanceBroker{client: client}
}

// Name 通道名称
func (bb *BinanceBroker) Name() string {
	return "binance_live"
}

// SubmitOrder 提交现货市价单
func (bb *BinanceBroker) SubmitOrder(ctx context.Context, symbol, side string, quantity, price float64) (*Fill, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("数量非法: %f", quantity)
	}

	var orderSide binance.SideType
	switch side {
	case SideBuy:
		orderSide = binance.SideTypeBuy
	case SideSell:
		orderSide = binance.SideTypeSell
	default:
		return nil, fmt.Errorf("方向非法: %s", side)
	}

	qtyStr := formatQuantity(quantity, price)
	order, err := bb.client.NewCreateOrderService().
		Symbol(symbol).
		Side(orderSide).
		Type(binance.OrderTypeMarket).
		Quantity(qtyStr).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("下单失败 %s %s: %w", side, symbol, err)
	}

	filledQty, avgPrice := summarizeFills(order)
	if filledQty <= 0 {
		return nil, fmt.Errorf("订单 %d 无成交", order.OrderID)
	}
	if avgPrice <= 0 {
		avgPrice = price
	}

	fill := &Fill{
		Symbol:    symbol,
		Side:      side,
		Quantity:  filledQty,
		Price:     avgPrice,
		Value:     avgPrice * filledQty,
		Broker:    bb.Name(),
		OrderID:   strconv.FormatInt(order.OrderID, 10),
		Timestamp: time.Now(),
	}

	log.Printf("💰 [实盘] %s %s %.6f @ %.4f (订单 %d)",
		side, symbol, filledQty, avgPrice, order.OrderID)
	return fill, nil
}

// summarizeFills 按成交明细汇总数量和均价
func summarizeFills(order *binance.CreateOrderResponse) (qty, avgPrice float64) {
	var value float64
	for _, f := range order.Fills {
		q, err1 := strconv.ParseFloat(f.Quantity, 64)
		p, err2 := strconv.ParseFloat(f.Price, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		qty += q
		value += q * p
	}
	if qty > 0 {
		avgPrice = value / qty
		return qty, avgPrice
	}

	// 没有明细时退回汇总字段
	q, err := strconv.ParseFloat(order.ExecutedQuantity, 64)
	if err != nil || q <= 0 {
		return 0, 0
	}
	cum, err := strconv.ParseFloat(order.CummulativeQuoteQuantity, 64)
	if err == nil && cum > 0 {
		return q, cum / q
	}
	return q, 0
}

// formatQuantity 按价格量级粗略选择数量精度
// 高价币数量保留更多小数位，低价币取整避免精度拒单
func formatQuantity(quantity, price float64) string {
	decimals := 0
	switch {
	case price >= 1000:
		decimals = 5
	case price >= 10:
		decimals = 3
	case price >= 0.1:
		decimals = 1
	}
	factor := math.Pow10(decimals)
	return strconv.FormatFloat(math.Floor(quantity*factor)/factor, 'f', decimals, 64)
}
