package ledger

import (
	"fmt"
	"strings"
	"time"
)

// Slot is a named daily wall-clock time at which a digest fires.
type Slot struct {
	ID     string `json:"id"`
	Label  string `json:"label,omitempty"`
	Hour   int    `json:"hour"`
	Minute int    `json:"minute"`
}

// Clock renders the slot time as HH:MM.
func (s Slot) Clock() string { return fmt.Sprintf("%02d:%02d", s.Hour, s.Minute) }

// Validate reports the first problem in slots: empty or duplicate ids, or a
// time of day out of range.
func Validate(slots []Slot) error {
	seen := make(map[string]struct{}, len(slots))
	for i, s := range slots {
		id := strings.TrimSpace(s.ID)
		if id == "" {
			return fmt.Errorf("slot[%d]: id is required", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("slot %q: duplicate id", id)
		}
		seen[id] = struct{}{}
		if s.Hour < 0 || s.Hour > 23 {
			return fmt.Errorf("slot %q: hour %d out of range", id, s.Hour)
		}
		if s.Minute < 0 || s.Minute > 59 {
			return fmt.Errorf("slot %q: minute %d out of range", id, s.Minute)
		}
	}
	return nil
}

// LastOccurrence returns the most recent scheduled instant of s at or before
// now, in now's location. When today's time has not arrived yet, that is
// yesterday's instant.
func LastOccurrence(s Slot, now time.Time) time.Time {
	y, m, d := now.Date()
	t := time.Date(y, m, d, s.Hour, s.Minute, 0, 0, now.Location())
	if t.After(now) {
		t = time.Date(y, m, d-1, s.Hour, s.Minute, 0, 0, now.Location())
	}
	return t
}
