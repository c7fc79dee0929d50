package main

import "context"

// Broker 定义下单通道
// 账本记账由 Portfolio 统一负责，Broker 只管把订单变成成交
type Broker interface {
	// Name 通道名称，用于日志和成交记录
	Name() string

	// SubmitOrder 提交市价单并返回成交
	// price 是下单时的参考价；模拟通道按它成交，实盘通道返回实际成交均价
	SubmitOrder(ctx context.Context, symbol, side string, quantity, price float64) (*Fill, error)
}
