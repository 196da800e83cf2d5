package app

import (
	"context"
	"time"

	"digestbot/internal/gate"
	"digestbot/internal/outbox"
	"digestbot/internal/runtime/supervisor"
	"digestbot/internal/scheduler"
)

// Snapshot is the /status document.
type Snapshot struct {
	Ready       bool                `json:"ready"`
	Destination string              `json:"destination"`
	Scheduler   scheduler.Snapshot  `json:"scheduler"`
	Outbox      outbox.Status       `json:"outbox"`
	Deferred    int                 `json:"deferred"`
	Failed      []gate.FailedItem   `json:"failed,omitempty"`
	Goroutines  supervisor.Counters `json:"goroutines"`
	At          time.Time           `json:"at"`
}

func (a *App) Ready() bool { return a.conn.IsReady() }

func (a *App) Snapshot(ctx context.Context) any {
	return Snapshot{
		Ready:       a.conn.IsReady(),
		Destination: a.runner.Destination,
		Scheduler:   a.sched.Snapshot(ctx),
		Outbox:      a.outbox.Status(),
		Deferred:    a.gate.Pending(),
		Failed:      a.gate.Failed(),
		Goroutines:  a.sup.Counters(),
		At:          time.Now(),
	}
}
