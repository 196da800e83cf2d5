// Package console is a destination that prints messages to a writer. It is
// used for dry runs and when no bot token is configured.
package console

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"digestbot/internal/transport"
)

type Adapter struct {
	transport.ReadyHooks

	mu    sync.Mutex
	w     io.Writer
	ready atomic.Bool
	sent  atomic.Uint64
}

func New(w io.Writer) *Adapter {
	a := &Adapter{w: w}
	a.ready.Store(true)
	return a
}

func (a *Adapter) IsReady() bool { return a.ready.Load() }

// SetReady toggles reachability; a false to true transition fires the ready
// hooks.
func (a *Adapter) SetReady(ctx context.Context, ready bool) {
	was := a.ready.Swap(ready)
	if ready && !was {
		a.Fire(ctx)
	}
}

// Start fires the ready hooks once, mirroring a first successful connect.
func (a *Adapter) Start(ctx context.Context) {
	if a.IsReady() {
		a.Fire(ctx)
	}
}

func (a *Adapter) SendToChannel(ctx context.Context, channelID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !a.IsReady() {
		return transport.ErrUnavailable
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	rule := strings.Repeat("-", 40)
	if _, err := fmt.Fprintf(a.w, "%s\n[%s]\n%s\n", rule, channelID, text); err != nil {
		return err
	}
	a.sent.Add(1)
	return nil
}

func (a *Adapter) Sent() uint64 { return a.sent.Load() }
