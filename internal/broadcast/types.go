package broadcast

import (
	"context"
	"time"

	"digestbot/internal/fingerprint"
)

type Item struct {
	Text        string    `json:"text"`
	Source      string    `json:"source,omitempty"`
	URL         string    `json:"url,omitempty"`
	PublishedAt time.Time `json:"published_at,omitempty"`
}

type Section struct {
	Name  string `json:"name"`
	Items []Item `json:"items"`
}

// Payload is the collected content of one digest.
type Payload struct {
	Title    string    `json:"title"`
	Sections []Section `json:"sections"`
	// Missing names sources that produced nothing this run.
	Missing []string `json:"missing,omitempty"`
}

func (p Payload) ItemCount() int {
	n := 0
	for _, s := range p.Sections {
		n += len(s.Items)
	}
	return n
}

// Fingerprint converts the payload for hashing. Only item text takes part;
// links and publish times are metadata.
func (p Payload) Fingerprint() []fingerprint.Section {
	out := make([]fingerprint.Section, 0, len(p.Sections))
	for _, s := range p.Sections {
		lines := make([]string, 0, len(s.Items))
		for _, it := range s.Items {
			lines = append(lines, it.Text)
		}
		out = append(out, fingerprint.Section{Name: s.Name, Items: lines})
	}
	return out
}

// Collector gathers content. It is best effort: upstream trouble shows up as
// missing sections, not as an error.
type Collector interface {
	Collect(ctx context.Context) (Payload, error)
}

// Meta is what a renderer knows about the run besides the content.
type Meta struct {
	SlotID    string
	SlotLabel string
	Scheduled time.Time
	Hash      fingerprint.Digest
	Unchanged bool
}

// Renderer turns a payload into the ordered messages of one digest. It must
// be pure.
type Renderer interface {
	Render(p Payload, m Meta) []string
}
