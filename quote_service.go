package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// QuoteSource 报价来源适配器
// 鉴权、超时等来源相关的细节由各适配器自己处理
type QuoteSource interface {
	Name() string
	GetPrice(ctx context.Context, symbol string) (*Quote, error)
}

var (
	quoteFreshHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trader_quote_fresh_hits_total",
		Help: "Quotes served from fresh cache",
	})
	quoteStaleHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trader_quote_stale_hits_total",
		Help: "Quotes served from stale cache",
	})
	quoteFetchSuccess = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_quote_fetch_success_total",
		Help: "Successful quote fetches by source",
	}, []string{"source"})
	quoteFetchFailure = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_quote_fetch_failure_total",
		Help: "Failed quote fetches by source",
	}, []string{"source"})
	quoteMaxCacheAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trader_quote_max_cache_age_seconds",
		Help: "Max observed cache age at serve time",
	})
)

// QuoteMetrics 报价服务的累计计数，暴露在状态接口上
type QuoteMetrics struct {
	FreshHits     int64   `json:"fresh_hits"`
	StaleHits     int64   `json:"stale_hits"`
	FetchSuccess  int64   `json:"fetch_success"`
	FetchFailure  int64   `json:"fetch_failure"`
	MaxCacheAgeSec float64 `json:"max_cache_age_seconds"`
}

// sourceState 每个来源的重试退避状态
type sourceState struct {
	backoff *backoff.Backoff
	nextTry time.Time
}

// QuoteService 多来源报价服务
// 缓存优先；缓存过期则按优先级尝试来源列表，整个取数操作共用一个熔断器
// 全部失败时记一次熔断失败，并生成一条能区分“服务挂了”和“配置错了”的诊断信息
type QuoteService struct {
	sources []QuoteSource
	breaker *CircuitBreaker
	timeout time.Duration

	mu       sync.RWMutex
	cache    map[string]*Quote
	states   map[string]*sourceState
	spreads  []float64 // 最近观测到的点差，供流动性评估用
	metrics  QuoteMetrics
}

const maxSpreadSamples = 100

// NewQuoteService 创建报价服务，sources 按优先级从高到低排列
func NewQuoteService(sources []QuoteSource, breaker *CircuitBreaker, timeout time.Duration) *QuoteService {
	states := make(map[string]*sourceState, len(sources))
	for _, src := range sources {
		states[src.Name()] = &sourceState{
			backoff: &backoff.Backoff{
				Min:    2 * time.Second,
				Max:    60 * time.Second,
				Factor: 2,
				Jitter: true,
			},
		}
	}
	return &QuoteService{
		sources: sources,
		breaker: breaker,
		timeout: timeout,
		cache:   make(map[string]*Quote),
		states:  states,
	}
}

// GetQuote 获取报价
// 缓存里有年龄 ≤ maxAge 的直接返回；否则走来源级联
// 熔断打开时：acceptStale 为 true 且有缓存就返回旧值，否则返回错误
func (qs *QuoteService) GetQuote(ctx context.Context, symbol string, maxAge time.Duration, acceptStale bool) (*Quote, error) {
	if cached := qs.cachedQuote(symbol); cached != nil && !cached.IsStale(maxAge) {
		qs.recordHit(cached, true)
		return cached, nil
	}

	if !qs.breaker.Allow() {
		if acceptStale {
			if cached := qs.cachedQuote(symbol); cached != nil {
				qs.recordHit(cached, false)
				return cached, nil
			}
		}
		return nil, fmt.Errorf("%w: 报价熔断打开且无可用缓存 (%s)", ErrBreakerOpen, symbol)
	}

	quote, diag := qs.fetchFresh(ctx, symbol)
	if quote != nil {
		qs.breaker.RecordSuccess()
		qs.storeQuote(quote)
		return quote, nil
	}

	// 所有来源都没拿到，整个操作记一次失败
	qs.breaker.RecordFailure()
	qs.mu.Lock()
	qs.metrics.FetchFailure++
	qs.mu.Unlock()
	log.Printf("⚠️ [%s] 报价级联失败: %s", symbol, diag)

	if acceptStale {
		if cached := qs.cachedQuote(symbol); cached != nil {
			qs.recordHit(cached, false)
			return cached, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrAllSourcesFailed, diag)
}

// fetchFresh 按优先级尝试各来源，返回第一个成功的报价和诊断串
func (qs *QuoteService) fetchFresh(ctx context.Context, symbol string) (*Quote, string) {
	var attempted []string
	var failures []string
	now := time.Now()

	for _, src := range qs.sources {
		name := src.Name()

		qs.mu.RLock()
		st := qs.states[name]
		inBackoff := st != nil && now.Before(st.nextTry)
		qs.mu.RUnlock()
		if inBackoff {
			failures = append(failures, name+"=退避中")
			continue
		}

		attempted = append(attempted, name)

		callCtx, cancel := context.WithTimeout(ctx, qs.timeout)
		quote, err := src.GetPrice(callCtx, symbol)
		cancel()

		if err != nil || quote == nil || quote.Price <= 0 {
			quoteFetchFailure.WithLabelValues(name).Inc()
			if err == nil {
				err = fmt.Errorf("无效价格")
			}
			failures = append(failures, fmt.Sprintf("%s=%v", name, err))

			qs.mu.Lock()
			if st := qs.states[name]; st != nil {
				st.nextTry = time.Now().Add(st.backoff.Duration())
			}
			qs.mu.Unlock()
			continue
		}

		quoteFetchSuccess.WithLabelValues(name).Inc()
		qs.mu.Lock()
		qs.metrics.FetchSuccess++
		if st := qs.states[name]; st != nil {
			st.backoff.Reset()
			st.nextTry = time.Time{}
		}
		qs.mu.Unlock()
		return quote, ""
	}

	diag := fmt.Sprintf("尝试 %s，全部失败: %s",
		strings.Join(attempted, "→"), strings.Join(failures, ", "))
	if len(attempted) == 0 {
		diag = "没有可尝试的来源（全部处于退避）: " + strings.Join(failures, ", ")
	}
	return nil, diag
}

// cachedQuote 读缓存
func (qs *QuoteService) cachedQuote(symbol string) *Quote {
	qs.mu.RLock()
	defer qs.mu.RUnlock()
	return qs.cache[symbol]
}

// storeQuote 刷新缓存并记录点差样本
func (qs *QuoteService) storeQuote(q *Quote) {
	qs.mu.Lock()
	defer qs.mu.Unlock()

	qs.cache[q.Symbol] = q
	if q.Spread > 0 {
		qs.spreads = append(qs.spreads, q.Spread)
		if len(qs.spreads) > maxSpreadSamples {
			qs.spreads = qs.spreads[len(qs.spreads)-maxSpreadSamples:]
		}
	}
}

// recordHit 记录一次缓存命中
func (qs *QuoteService) recordHit(q *Quote, fresh bool) {
	age := q.Age().Seconds()

	qs.mu.Lock()
	if fresh {
		qs.metrics.FreshHits++
	} else {
		qs.metrics.StaleHits++
	}
	if age > qs.metrics.MaxCacheAgeSec {
		qs.metrics.MaxCacheAgeSec = age
		quoteMaxCacheAge.Set(age)
	}
	qs.mu.Unlock()

	if fresh {
		quoteFreshHits.Inc()
	} else {
		quoteStaleHits.Inc()
		log.Printf("📦 [%s] 使用过期缓存报价 (age=%.0fs, source=%s)", q.Symbol, age, q.Source)
	}
}

// Metrics 当前计数快照
func (qs *QuoteService) Metrics() QuoteMetrics {
	qs.mu.RLock()
	defer qs.mu.RUnlock()
	return qs.metrics
}

// RecentSpreads 最近的点差观测副本
func (qs *QuoteService) RecentSpreads() []float64 {
	qs.mu.RLock()
	defer qs.mu.RUnlock()

	out := make([]float64, len(qs.spreads))
	copy(out, qs.spreads)
	return out
}

// Breaker 报价熔断器（状态接口用）
func (qs *QuoteService) Breaker() *CircuitBreaker {
	return qs.breaker
}
