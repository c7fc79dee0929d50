package main

import (
	"context"
	"fmt"
	"log"
	"time"
)

// simSlippageBps 模拟成交的滑点（万分比），买单向上、卖单向下
const simSlippageBps = 5.0

// SimulatedBroker 模拟下单通道
// SIMULATION 和 PAPER 模式共用：订单立即按参考价加滑点成交，不触网
type SimulatedBroker struct {
	name string
}

// NewSimulatedBroker 创建模拟通道
func NewSimulatedBroker(name string) *SimulatedBroker {
	return &SimulatedBroker{name: name}
}

// Name 通道名称
func (sb *SimulatedBroker) Name() string {
	return sb.name
}

// SubmitOrder 立即成交，价格按滑点做不利方向修正
func (sb *SimulatedBroker) SubmitOrder(_ context.Context, symbol, side string, quantity, price float64) (*Fill, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("数量非法: %f", quantity)
	}
	if price <= 0 {
		return nil, fmt.Errorf("价格非法: %f", price)
	}

	fillPrice := price
	switch side {
	case SideBuy:
		fillPrice = price * (1 + simSlippageBps/10000)
	case SideSell:
		fillPrice = price * (1 - simSlippageBps/10000)
	default:
		return nil, fmt.Errorf("方向非法: %s", side)
	}

	fill := &Fill{
		Symbol:    symbol,
		Side:      side,
		Quantity:  quantity,
		Price:     fillPrice,
		Value:     fillPrice * quantity,
		Broker:    sb.name,
		Timestamp: time.Now(),
	}

	log.Printf("📝 [%s] %s %s %.6f @ %.4f (%.2f USDT)",
		sb.name, side, symbol, quantity, fillPrice, fill.Value)
	return fill, nil
}
