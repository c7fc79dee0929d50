package main

import "errors"

// 错误分类：上层用 errors.Is 区分处理路径
var (
	// ErrBreakerOpen 熔断器处于 OPEN 状态，调用被直接短路
	ErrBreakerOpen = errors.New("circuit breaker open")

	// ErrAllSourcesFailed 所有报价来源都失败，本周期跳过该交易对
	ErrAllSourcesFailed = errors.New("all quote sources failed")

	// ErrNoQuote 没有可用报价（缓存里也没有可接受的旧值）
	ErrNoQuote = errors.New("no quote available")

	// ErrTradingPaused 守护暂停生效中，所有决策被拒绝
	ErrTradingPaused = errors.New("trading paused by guardian")

	// ErrRiskRejected 风控规则拒绝了这笔交易（策略性拒绝，不重试）
	ErrRiskRejected = errors.New("trade rejected by risk governor")

	// ErrInsufficientHistory 价格历史不足，指标不可靠
	ErrInsufficientHistory = errors.New("insufficient price history")

	// ErrLiveNotConfirmed 缺少实盘确认文件，拒绝进入 LIVE 模式
	ErrLiveNotConfirmed = errors.New("live mode not confirmed")
)
