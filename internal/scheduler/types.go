package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"digestbot/internal/ledger"
)

var (
	ErrSlotBusy    = errors.New("slot already running")
	ErrUnknownSlot = errors.New("unknown slot")

	errAlreadyRecorded = errors.New("slot already recorded")
)

type Slot = ledger.Slot

type Trigger string

const (
	TriggerTimer  Trigger = "timer"
	TriggerSweep  Trigger = "sweep"
	TriggerManual Trigger = "manual"
)

type Config struct {
	Timezone   string        // IANA name; empty means the process local zone
	Grace      time.Duration // missed-run window
	SweepDelay time.Duration // pause between slots in one sweep
}

// Run is handed to the Job for one slot execution.
type Run struct {
	Slot      Slot
	Trigger   Trigger
	Scheduled time.Time // the occurrence this run covers
	Started   time.Time
	Previous  ledger.RunRecord

	// Commit records the run in the ledger with the delivered content hash.
	// Call it once every message of the run is confirmed delivered; it may
	// be called after the Job returned. Calls after the first are ignored.
	Commit func(hash string)
}

// Job collects, renders and sends one digest. A returned error leaves the
// slot unrecorded.
type Job func(ctx context.Context, run Run) error

// Readiness reports whether the destination is reachable.
type Readiness interface {
	IsReady() bool
}

type SlotInfo struct {
	Slot      Slot
	Next      time.Time
	Running   bool
	LastRunAt time.Time
	LastHash  string
}

type Snapshot struct {
	Timezone string
	Grace    time.Duration
	Slots    []SlotInfo
}

// runState allows one in-flight run per slot.
type runState struct {
	mu       sync.Mutex
	inflight bool
}

func (s *runState) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight {
		return false
	}
	s.inflight = true
	return true
}

func (s *runState) release() {
	s.mu.Lock()
	s.inflight = false
	s.mu.Unlock()
}

func (s *runState) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight
}
