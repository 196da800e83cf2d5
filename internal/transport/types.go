// Package transport defines the destination handle the delivery pipeline
// sends through, and the connectivity error class the outbox queues on.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrUnavailable marks a send that failed because the destination could not
// be reached. The message may be retried later unchanged.
var ErrUnavailable = errors.New("destination unavailable")

// Unavailable wraps err in the ErrUnavailable class.
func Unavailable(err error) error {
	if err == nil {
		return ErrUnavailable
	}
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

// Adapter is a delivery channel.
type Adapter interface {
	// IsReady reports whether the destination is currently reachable.
	IsReady() bool
	SendToChannel(ctx context.Context, channelID, text string) error
	// OnReady registers fn to run on startup connectivity and on every
	// reconnect. Hooks run sequentially in registration order.
	OnReady(fn func(ctx context.Context))
}

// ReadyHooks is an ordered hook list adapters embed to implement OnReady.
type ReadyHooks struct {
	mu    sync.Mutex
	hooks []func(ctx context.Context)
}

func (h *ReadyHooks) OnReady(fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	h.hooks = append(h.hooks, fn)
	h.mu.Unlock()
}

// Fire runs every hook in order on the calling goroutine.
func (h *ReadyHooks) Fire(ctx context.Context) {
	h.mu.Lock()
	hooks := append([]func(context.Context){}, h.hooks...)
	h.mu.Unlock()
	for _, fn := range hooks {
		if ctx.Err() != nil {
			return
		}
		fn(ctx)
	}
}
