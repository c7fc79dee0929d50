package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQuoteSource struct {
	name  string
	price float64
	err   error
	calls int
}

func (f *fakeQuoteSource) Name() string { return f.name }

func (f *fakeQuoteSource) GetPrice(ctx context.Context, symbol string) (*Quote, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &Quote{
		Symbol:    symbol,
		Price:     f.price,
		Spread:    0.001,
		Source:    f.name,
		Timestamp: time.Now(),
	}, nil
}

func newQuoteTestBreaker(name string) *CircuitBreaker {
	return NewCircuitBreaker(name, BreakerConfig{
		FailureThreshold:         3,
		RecoveryTimeoutSec:       300,
		HalfOpenSuccessThreshold: 3,
		HalfOpenFailureThreshold: 2,
	})
}

func TestQuoteCascadeFallsThroughToNextSource(t *testing.T) {
	primary := &fakeQuoteSource{name: "primary", err: errors.New("timeout")}
	secondary := &fakeQuoteSource{name: "secondary", price: 65000}
	qs := NewQuoteService([]QuoteSource{primary, secondary},
		newQuoteTestBreaker("quote_"+t.Name()), time.Second)

	quote, err := qs.GetQuote(context.Background(), "BTCUSDT", time.Minute, false)
	require.NoError(t, err)
	assert.Equal(t, "secondary", quote.Source)
	assert.Equal(t, 65000.0, quote.Price)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1, secondary.calls)
}

func TestQuoteFreshCacheShortCircuits(t *testing.T) {
	src := &fakeQuoteSource{name: "primary", price: 65000}
	qs := NewQuoteService([]QuoteSource{src},
		newQuoteTestBreaker("quote_"+t.Name()), time.Second)

	_, err := qs.GetQuote(context.Background(), "BTCUSDT", time.Minute, false)
	require.NoError(t, err)

	// 缓存仍然新鲜，不应再打到来源
	_, err = qs.GetQuote(context.Background(), "BTCUSDT", time.Minute, false)
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls)
	assert.Equal(t, int64(1), qs.Metrics().FreshHits)
}

func TestQuoteBreakerOpenServesStaleCache(t *testing.T) {
	src := &fakeQuoteSource{name: "primary", price: 65000}
	breaker := newQuoteTestBreaker("quote_" + t.Name())
	qs := NewQuoteService([]QuoteSource{src}, breaker, time.Second)

	_, err := qs.GetQuote(context.Background(), "BTCUSDT", time.Minute, false)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		breaker.RecordFailure()
	}
	require.Equal(t, BreakerOpen, breaker.State())

	// maxAge 为 0 时缓存必然过期，熔断又打开：只能吃旧缓存
	quote, err := qs.GetQuote(context.Background(), "BTCUSDT", 0, true)
	require.NoError(t, err)
	assert.Equal(t, 65000.0, quote.Price)
	assert.Equal(t, 1, src.calls, "熔断打开时不应触达来源")
	assert.GreaterOrEqual(t, qs.Metrics().StaleHits, int64(1))

	// 不接受过期缓存时直接报错
	_, err = qs.GetQuote(context.Background(), "BTCUSDT", 0, false)
	assert.ErrorIs(t, err, ErrBreakerOpen)
}

func TestQuoteBreakerOpenWithoutCacheErrors(t *testing.T) {
	src := &fakeQuoteSource{name: "primary", price: 65000}
	breaker := newQuoteTestBreaker("quote_" + t.Name())
	qs := NewQuoteService([]QuoteSource{src}, breaker, time.Second)

	for i := 0; i < 3; i++ {
		breaker.RecordFailure()
	}

	_, err := qs.GetQuote(context.Background(), "ETHUSDT", time.Minute, true)
	assert.ErrorIs(t, err, ErrBreakerOpen)
}

func TestQuoteAllSourcesFailedDiagnostics(t *testing.T) {
	primary := &fakeQuoteSource{name: "primary", err: errors.New("dns error")}
	secondary := &fakeQuoteSource{name: "secondary", err: errors.New("401 unauthorized")}
	qs := NewQuoteService([]QuoteSource{primary, secondary},
		newQuoteTestBreaker("quote_"+t.Name()), time.Second)

	_, err := qs.GetQuote(context.Background(), "BTCUSDT", time.Minute, false)
	require.ErrorIs(t, err, ErrAllSourcesFailed)

	// 诊断信息要能看出尝试顺序和每个来源各自的失败原因
	msg := err.Error()
	assert.Contains(t, msg, "primary→secondary")
	assert.Contains(t, msg, "dns error")
	assert.Contains(t, msg, "401 unauthorized")
}

func TestQuoteStaleCacheOnCascadeFailure(t *testing.T) {
	src := &fakeQuoteSource{name: "primary", price: 65000}
	qs := NewQuoteService([]QuoteSource{src},
		newQuoteTestBreaker("quote_"+t.Name()), time.Second)

	_, err := qs.GetQuote(context.Background(), "BTCUSDT", time.Minute, true)
	require.NoError(t, err)

	// 来源挂掉后，过期缓存仍然能兜底
	src.err = errors.New("connection refused")
	quote, err := qs.GetQuote(context.Background(), "BTCUSDT", 0, true)
	require.NoError(t, err)
	assert.Equal(t, 65000.0, quote.Price)
}

func TestQuoteFailedSourceEntersBackoff(t *testing.T) {
	src := &fakeQuoteSource{name: "primary", err: errors.New("timeout")}
	qs := NewQuoteService([]QuoteSource{src},
		newQuoteTestBreaker("quote_"+t.Name()), time.Second)

	_, err := qs.GetQuote(context.Background(), "BTCUSDT", time.Minute, false)
	require.Error(t, err)
	require.Equal(t, 1, src.calls)

	// 退避窗口内不再触达失败来源
	_, err = qs.GetQuote(context.Background(), "BTCUSDT", time.Minute, false)
	require.Error(t, err)
	assert.Equal(t, 1, src.calls)
	assert.Contains(t, err.Error(), "退避")
}

func TestQuoteInvalidPriceTreatedAsFailure(t *testing.T) {
	bad := &fakeQuoteSource{name: "primary", price: 0}
	good := &fakeQuoteSource{name: "secondary", price: 3200}
	qs := NewQuoteService([]QuoteSource{bad, good},
		newQuoteTestBreaker("quote_"+t.Name()), time.Second)

	quote, err := qs.GetQuote(context.Background(), "ETHUSDT", time.Minute, false)
	require.NoError(t, err)
	assert.Equal(t, "secondary", quote.Source)
}

func TestQuoteSpreadSamplesRecorded(t *testing.T) {
	src := &fakeQuoteSource{name: "primary", price: 65000}
	qs := NewQuoteService([]QuoteSource{src},
		newQuoteTestBreaker("quote_"+t.Name()), time.Second)

	_, err := qs.GetQuote(context.Background(), "BTCUSDT", time.Minute, false)
	require.NoError(t, err)

	spreads := qs.RecentSpreads()
	require.Len(t, spreads, 1)
	assert.InDelta(t, 0.001, spreads[0], 1e-9)
}
