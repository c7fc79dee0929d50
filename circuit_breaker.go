package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BreakerState 熔断器状态
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// BreakerConfig 熔断参数
type BreakerConfig struct {
	FailureThreshold         int `json:"failure_threshold"`           // CLOSED 下连续失败多少次打开
	RecoveryTimeoutSec       int `json:"recovery_timeout_seconds"`    // OPEN 维持多久后进入 HALF_OPEN
	HalfOpenSuccessThreshold int `json:"half_open_success_threshold"` // HALF_OPEN 下成功多少次关闭
	HalfOpenFailureThreshold int `json:"half_open_failure_threshold"` // HALF_OPEN 下失败多少次重新打开
}

// applyDefaults 未配置的字段用给定默认值补齐
func (c *BreakerConfig) applyDefaults(d BreakerConfig) {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.RecoveryTimeoutSec <= 0 {
		c.RecoveryTimeoutSec = d.RecoveryTimeoutSec
	}
	if c.HalfOpenSuccessThreshold <= 0 {
		c.HalfOpenSuccessThreshold = d.HalfOpenSuccessThreshold
	}
	if c.HalfOpenFailureThreshold <= 0 {
		c.HalfOpenFailureThreshold = d.HalfOpenFailureThreshold
	}
}

var (
	breakerStateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trader_breaker_state",
		Help: "Circuit breaker state (0=closed,1=half_open,2=open)",
	}, []string{"name"})

	breakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_breaker_transitions_total",
		Help: "Circuit breaker state transitions",
	}, []string{"name", "to"})
)

// CircuitBreaker 三态熔断器
//
// CLOSED: 正常放行，连续失败到阈值则打开
// OPEN: 全部短路，超过恢复时间后进入 HALF_OPEN
// HALF_OPEN: 放行试探请求。成功累计到阈值关闭；
// 失败同样要累计到阈值才重新打开，单次偶发失败不会立刻打回 OPEN
type CircuitBreaker struct {
	name string
	cfg  BreakerConfig

	mu              sync.Mutex
	state           BreakerState
	failureCount    int
	halfOpenSuccess int
	halfOpenFailure int
	lastTransition  time.Time

	onStateChange func(name string, from, to BreakerState, reason string)
}

// BreakerSnapshot 熔断器状态快照，用于持久化和状态接口
type BreakerSnapshot struct {
	Name            string       `json:"name"`
	State           BreakerState `json:"state"`
	FailureCount    int          `json:"failure_count"`
	HalfOpenSuccess int          `json:"half_open_success_count"`
	HalfOpenFailure int          `json:"half_open_failure_count"`
	LastTransition  time.Time    `json:"last_transition_time"`
}

// NewCircuitBreaker 创建熔断器
func NewCircuitBreaker(name string, cfg BreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:           name,
		cfg:            cfg,
		state:          BreakerClosed,
		lastTransition: time.Now(),
	}
	breakerStateGauge.WithLabelValues(name).Set(0)
	return cb
}

// SetStateChangeHook 注册状态变化回调（用于告警），在锁外调用
func (cb *CircuitBreaker) SetStateChangeHook(fn func(name string, from, to BreakerState, reason string)) {
	cb.mu.Lock()
	cb.onStateChange = fn
	cb.mu.Unlock()
}

// Allow 当前是否允许发起调用
// OPEN 超过恢复时间会顺带转入 HALF_OPEN 并放行试探
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()

	switch cb.state {
	case BreakerClosed, BreakerHalfOpen:
		cb.mu.Unlock()
		return true
	case BreakerOpen:
		if time.Since(cb.lastTransition) >= time.Duration(cb.cfg.RecoveryTimeoutSec)*time.Second {
			notify := cb.transition(BreakerHalfOpen, "恢复等待结束，进入试探")
			cb.mu.Unlock()
			notify()
			return true
		}
		cb.mu.Unlock()
		return false
	}
	cb.mu.Unlock()
	return false
}

// RecordSuccess 记录一次成功
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()

	notify := func() {}
	switch cb.state {
	case BreakerClosed:
		cb.failureCount = 0
	case BreakerHalfOpen:
		cb.halfOpenSuccess++
		if cb.halfOpenSuccess >= cb.cfg.HalfOpenSuccessThreshold {
			notify = cb.transition(BreakerClosed, "试探成功，恢复正常")
		}
	}
	cb.mu.Unlock()
	notify()
}

// RecordFailure 记录一次失败
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()

	notify := func() {}
	switch cb.state {
	case BreakerClosed:
		cb.failureCount++
		if cb.failureCount >= cb.cfg.FailureThreshold {
			notify = cb.transition(BreakerOpen, "连续失败达到阈值")
		}
	case BreakerHalfOpen:
		cb.halfOpenFailure++
		if cb.halfOpenFailure >= cb.cfg.HalfOpenFailureThreshold {
			notify = cb.transition(BreakerOpen, "试探失败达到阈值")
		}
	}
	cb.mu.Unlock()
	notify()
}

// transition 切换状态并重置计数器，调用方必须持有锁
// 返回一个在锁外执行的回调闭包
func (cb *CircuitBreaker) transition(to BreakerState, reason string) func() {
	from := cb.state
	cb.state = to
	cb.lastTransition = time.Now()
	cb.failureCount = 0
	cb.halfOpenSuccess = 0
	cb.halfOpenFailure = 0

	breakerStateGauge.WithLabelValues(cb.name).Set(breakerStateValue(to))
	breakerTransitions.WithLabelValues(cb.name, string(to)).Inc()
	log.Printf("🔌 熔断器 [%s] %s → %s: %s", cb.name, from, to, reason)

	hook := cb.onStateChange
	name := cb.name
	if hook == nil {
		return func() {}
	}
	return func() { hook(name, from, to, reason) }
}

// State 当前状态
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot 导出当前状态
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerSnapshot{
		Name:            cb.name,
		State:           cb.state,
		FailureCount:    cb.failureCount,
		HalfOpenSuccess: cb.halfOpenSuccess,
		HalfOpenFailure: cb.halfOpenFailure,
		LastTransition:  cb.lastTransition,
	}
}

// Restore 从快照恢复（重启续跑用）
func (cb *CircuitBreaker) Restore(snap BreakerSnapshot) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch snap.State {
	case BreakerClosed, BreakerOpen, BreakerHalfOpen:
	default:
		return
	}
	cb.state = snap.State
	cb.failureCount = snap.FailureCount
	cb.halfOpenSuccess = snap.HalfOpenSuccess
	cb.halfOpenFailure = snap.HalfOpenFailure
	if !snap.LastTransition.IsZero() {
		cb.lastTransition = snap.LastTransition
	}
	breakerStateGauge.WithLabelValues(cb.name).Set(breakerStateValue(cb.state))
}

// saveBreakerSnapshots 把各熔断器的状态按名字写入快照文件
// 随周期性持久化一起调用，重启后熔断状态得以延续
func saveBreakerSnapshots(path string, breakers ...*CircuitBreaker) error {
	snaps := make(map[string]BreakerSnapshot, len(breakers))
	for _, cb := range breakers {
		snaps[cb.name] = cb.Snapshot()
	}
	data, err := json.MarshalIndent(snaps, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化熔断器快照失败: %w", err)
	}
	return writeFileAtomic(path, data, 0644)
}

// restoreBreakerSnapshots 启动时按名字恢复熔断器状态
// 快照文件不存在视为首次启动，不算错误
func restoreBreakerSnapshots(path string, breakers ...*CircuitBreaker) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("读取熔断器快照失败: %w", err)
	}
	var snaps map[string]BreakerSnapshot
	if err := json.Unmarshal(data, &snaps); err != nil {
		return fmt.Errorf("解析熔断器快照失败: %w", err)
	}
	for _, cb := range breakers {
		snap, ok := snaps[cb.name]
		if !ok {
			continue
		}
		cb.Restore(snap)
		if snap.State != BreakerClosed {
			log.Printf("🔌 熔断器 [%s] 从快照恢复为 %s", cb.name, snap.State)
		}
	}
	return nil
}

func breakerStateValue(s BreakerState) float64 {
	switch s {
	case BreakerHalfOpen:
		return 1
	case BreakerOpen:
		return 2
	default:
		return 0
	}
}
