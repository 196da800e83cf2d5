package config

import (
	"encoding/json"
	"sort"
)

// Changed lists the top-level sections that differ between a and b, sorted.
func Changed(a, b *Config) []string {
	if a == nil || b == nil {
		if a == b {
			return nil
		}
		return []string{"*"}
	}
	sections := map[string][2]any{
		"telegram":  {a.Telegram, b.Telegram},
		"logging":   {a.Logging, b.Logging},
		"scheduler": {a.Scheduler, b.Scheduler},
		"digest":    {a.Digest, b.Digest},
		"gate":      {a.Gate, b.Gate},
		"outbox":    {a.Outbox, b.Outbox},
		"dedup":     {a.Dedup, b.Dedup},
		"storage":   {a.Storage, b.Storage},
		"sources":   {a.Sources, b.Sources},
		"status":    {a.Status, b.Status},
	}
	var out []string
	for name, pair := range sections {
		if !sameJSON(pair[0], pair[1]) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// RestartRequired filters changed down to the sections that are only read at
// startup. Logging is applied live.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		if s != "logging" {
			out = append(out, s)
		}
	}
	return out
}

func sameJSON(a, b any) bool {
	ab, err1 := json.Marshal(a)
	bb, err2 := json.Marshal(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return string(ab) == string(bb)
}
