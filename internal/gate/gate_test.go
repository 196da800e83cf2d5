package gate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "digestbot/pkg/logx"
)

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) all() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func newTestGate(cfg Config) (*Gate, *sleepRecorder) {
	rec := &sleepRecorder{}
	return New(cfg, logx.Nop(), WithSleep(rec.sleep)), rec
}

func TestBaseDelayClampsToLastEntry(t *testing.T) {
	t.Parallel()
	g, _ := newTestGate(Config{})
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 2 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 16 * time.Second},
		{40, 16 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, g.BaseDelay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	t.Parallel()
	g, _ := newTestGate(Config{Jitter: 0.1})
	for attempt := 1; attempt <= 6; attempt++ {
		base := g.BaseDelay(attempt)
		for i := 0; i < 50; i++ {
			d := g.Backoff(attempt)
			assert.GreaterOrEqual(t, d, time.Duration(float64(base)*0.9))
			assert.LessOrEqual(t, d, time.Duration(float64(base)*1.1))
		}
	}
}

func TestRequestRetriesOnScheduleThenDefers(t *testing.T) {
	t.Parallel()
	g, rec := newTestGate(Config{})
	calls := 0
	err := g.Request(context.Background(), "feed", Params{"q": "btc"}, func(ctx context.Context) error {
		calls++
		return &StatusError{Code: http.StatusServiceUnavailable}
	})
	require.ErrorIs(t, err, ErrDeferred)
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, rec.all())
	assert.Equal(t, 1, g.Pending())
}

func TestRequestSucceedsAfterTransientFailure(t *testing.T) {
	t.Parallel()
	g, rec := newTestGate(Config{})
	calls := 0
	err := g.Request(context.Background(), "feed", nil, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return syscall.ECONNRESET
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, rec.all(), 2)
	assert.Zero(t, g.Pending())
}

func TestRequestPermanentErrorIsNotDeferred(t *testing.T) {
	t.Parallel()
	g, rec := newTestGate(Config{})
	boom := errors.New("bad request")
	calls := 0
	err := g.Request(context.Background(), "feed", nil, func(ctx context.Context) error {
		calls++
		return NoRetry(boom)
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
	assert.Empty(t, rec.all())
	assert.Zero(t, g.Pending())

	err = g.Request(context.Background(), "feed", nil, func(ctx context.Context) error {
		return &StatusError{Code: http.StatusNotFound}
	})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Zero(t, g.Pending())
}

func TestRequestHonorsRetryAfterHint(t *testing.T) {
	t.Parallel()
	g, rec := newTestGate(Config{MaxAttempts: 2})
	_ = g.Request(context.Background(), "feed", nil, func(ctx context.Context) error {
		return &StatusError{Code: http.StatusTooManyRequests, After: 30 * time.Second}
	})
	assert.Equal(t, []time.Duration{30 * time.Second}, rec.all())
}

func TestRequestParentCancelIsNotRetried(t *testing.T) {
	t.Parallel()
	g, _ := newTestGate(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := g.Request(ctx, "feed", nil, func(c context.Context) error {
		calls++
		cancel()
		return c.Err()
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
	assert.Zero(t, g.Pending())
}

func TestRequestCallTimeoutIsRetryable(t *testing.T) {
	t.Parallel()
	g, rec := newTestGate(Config{MaxAttempts: 2, CallTimeout: 5 * time.Millisecond})
	err := g.Request(context.Background(), "slow", nil, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.ErrorIs(t, err, ErrDeferred)
	assert.Len(t, rec.all(), 1)
}

func TestDrainAttemptsEachDeferredOnce(t *testing.T) {
	t.Parallel()
	g, rec := newTestGate(Config{DeferredMin: 20 * time.Second, DeferredMax: 40 * time.Second})
	ctx := context.Background()

	attempts := map[string]int{}
	mk := func(name string, recoverOnDrain bool) Call {
		return func(ctx context.Context) error {
			attempts[name]++
			if recoverOnDrain && attempts[name] > 4 {
				return nil
			}
			return io.ErrUnexpectedEOF
		}
	}
	require.ErrorIs(t, g.Request(ctx, "a", Params{"id": "1"}, mk("a", true)), ErrDeferred)
	require.ErrorIs(t, g.Request(ctx, "b", Params{"id": "2"}, mk("b", false)), ErrDeferred)
	require.Equal(t, 2, g.Pending())
	before := len(rec.all())

	rep := g.Drain(ctx)
	assert.Equal(t, 2, rep.Attempted)
	assert.Equal(t, 1, rep.Recovered)
	require.Len(t, rep.Failed, 1)
	assert.Equal(t, "b", rep.Failed[0].Target)
	assert.Equal(t, 5, rep.Failed[0].Attempts)
	assert.Equal(t, 5, attempts["a"])
	assert.Equal(t, 5, attempts["b"])
	assert.Zero(t, g.Pending())
	assert.Len(t, g.Failed(), 1)

	for _, d := range rec.all()[before:] {
		assert.GreaterOrEqual(t, d, 20*time.Second)
		assert.LessOrEqual(t, d, 40*time.Second)
	}

	again := g.Drain(ctx)
	assert.Zero(t, again.Attempted)
	assert.Equal(t, 5, attempts["b"])
}

func TestDrainStopsOnCancelAndKeepsQueue(t *testing.T) {
	t.Parallel()
	g := New(Config{}, logx.Nop(), WithSleep(func(ctx context.Context, d time.Duration) error {
		return ctx.Err()
	}))
	for i := 0; i < 3; i++ {
		_ = g.Request(context.Background(), fmt.Sprintf("t%d", i), nil, func(ctx context.Context) error {
			return syscall.ECONNREFUSED
		})
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep := g.Drain(ctx)
	assert.Zero(t, rep.Attempted)
	assert.Equal(t, 3, g.Pending())
}

func TestRetryable(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"429", &StatusError{Code: 429}, true},
		{"502", fmt.Errorf("wrap: %w", &StatusError{Code: 502}), true},
		{"504", &StatusError{Code: 504}, true},
		{"500", &StatusError{Code: 500}, false},
		{"reset", syscall.ECONNRESET, true},
		{"refused", syscall.ECONNREFUSED, true},
		{"eof", io.ErrUnexpectedEOF, true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"hint", RetryAfter(errors.New("slow down"), time.Second), true},
		{"no retry", NoRetry(syscall.ECONNRESET), false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Retryable(tt.err), tt.name)
	}
}

func TestPassesKeepSeparateDeferredQueues(t *testing.T) {
	t.Parallel()
	g, _ := newTestGate(Config{})
	ctx := context.Background()
	a, b := g.Begin(), g.Begin()

	calls := 0
	require.ErrorIs(t, a.Request(ctx, "feed", nil, func(ctx context.Context) error {
		calls++
		if calls > 4 {
			return nil
		}
		return syscall.ECONNRESET
	}), ErrDeferred)
	assert.Equal(t, 1, a.Pending())
	assert.Zero(t, b.Pending())
	assert.Equal(t, 1, g.Pending())

	rep := b.Drain(ctx)
	assert.Zero(t, rep.Attempted)
	assert.Equal(t, 1, a.Pending())
	assert.Equal(t, 4, calls)

	rep = a.Drain(ctx)
	assert.Equal(t, 1, rep.Recovered)
	assert.Zero(t, a.Pending())
	assert.Zero(t, g.Pending())
}

func TestDrainCancelKeepsGatePendingCount(t *testing.T) {
	t.Parallel()
	g, _ := newTestGate(Config{})
	p := g.Begin()
	_ = p.Request(context.Background(), "feed", nil, func(ctx context.Context) error {
		return syscall.ECONNREFUSED
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.Drain(ctx)
	assert.Equal(t, 1, p.Pending())
	assert.Equal(t, 1, g.Pending())
}
