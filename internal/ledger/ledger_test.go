package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"digestbot/internal/storage"
	logx "digestbot/pkg/logx"
)

var morning = Slot{ID: "morning", Hour: 8, Minute: 0}

func at(hh, mm int) time.Time {
	return time.Date(2025, 3, 10, hh, mm, 0, 0, time.UTC)
}

func TestGetRunAbsentIsZero(t *testing.T) {
	t.Parallel()
	l := New(storage.NewMemory(), logx.Nop())
	rec := l.GetRun(context.Background(), "morning")
	assert.True(t, rec.IsZero())
	assert.Equal(t, "morning", rec.SlotID)
}

type brokenStore struct{ storage.Store }

func (brokenStore) GetRun(context.Context, string) (storage.RunRow, bool, error) {
	return storage.RunRow{}, false, errors.New("disk on fire")
}

func TestGetRunReadErrorIsZero(t *testing.T) {
	t.Parallel()
	l := New(brokenStore{storage.NewMemory()}, logx.Nop())
	assert.True(t, l.GetRun(context.Background(), "morning").IsZero())
	pending := l.GetPendingSlots(context.Background(), at(8, 10), time.Hour, []Slot{morning})
	assert.Equal(t, []string{"morning"}, pending)
}

func TestSetRunAndHashAreIndependent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := New(storage.NewMemory(), logx.Nop())

	require.NoError(t, l.SetLastHash(ctx, "morning", "abc"))
	require.NoError(t, l.SetRun(ctx, "morning", at(8, 1)))
	require.NoError(t, l.SetRun(ctx, "morning", at(8, 1)))

	rec := l.GetRun(ctx, "morning")
	assert.Equal(t, "abc", rec.LastContentHash)
	assert.True(t, rec.LastRunAt.Equal(at(8, 1)))

	runs, err := l.Runs(ctx)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestGraceBoundary(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := New(storage.NewMemory(), logx.Nop())
	grace := 60 * time.Minute
	slots := []Slot{morning}

	assert.Equal(t, []string{"morning"}, l.GetPendingSlots(ctx, at(8, 0).Add(grace-time.Second), grace, slots))
	assert.Empty(t, l.GetPendingSlots(ctx, at(8, 0).Add(grace+time.Second), grace, slots))
	assert.Equal(t, []string{"morning"}, l.GetPendingSlots(ctx, at(8, 0), grace, slots))
	assert.Empty(t, l.GetPendingSlots(ctx, at(7, 59), grace, slots))
}

func TestRestartScenario(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := New(storage.NewMemory(), logx.Nop())
	grace := 60 * time.Minute
	slots := []Slot{morning}

	require.NoError(t, l.SetRun(ctx, "morning", at(8, 0).Add(-24*time.Hour)))

	// Down 07:55..08:20, restart at 08:20.
	pending := l.GetPendingSlots(ctx, at(8, 20), grace, slots)
	require.Equal(t, []string{"morning"}, pending)
	require.NoError(t, l.Record(ctx, "morning", at(8, 20), "h1"))

	// Second restart at 08:25.
	assert.Empty(t, l.GetPendingSlots(ctx, at(8, 25), grace, slots))
}

func TestPendingAcrossMidnight(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := New(storage.NewMemory(), logx.Nop())
	late := Slot{ID: "late", Hour: 23, Minute: 50}

	now := time.Date(2025, 3, 11, 0, 10, 0, 0, time.UTC)
	assert.Equal(t, []string{"late"}, l.GetPendingSlots(ctx, now, time.Hour, []Slot{late}))
}

func TestLastOccurrenceUsesLocation(t *testing.T) {
	t.Parallel()
	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	now := time.Date(2025, 3, 30, 9, 0, 0, 0, loc)
	got := LastOccurrence(morning, now)
	assert.Equal(t, 8, got.Hour())
	assert.Equal(t, 30, got.Day())
	assert.Equal(t, time.Hour, now.Sub(got))
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		slots []Slot
		ok    bool
	}{
		{name: "valid", slots: []Slot{{ID: "a", Hour: 8}, {ID: "b", Hour: 20, Minute: 30}}, ok: true},
		{name: "empty id", slots: []Slot{{ID: " "}}},
		{name: "duplicate", slots: []Slot{{ID: "a"}, {ID: "a", Hour: 1}}},
		{name: "hour", slots: []Slot{{ID: "a", Hour: 24}}},
		{name: "minute", slots: []Slot{{ID: "a", Minute: -1}}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.slots)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
