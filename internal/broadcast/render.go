package broadcast

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// TextRenderer renders plain text. Sections are packed into messages of at
// most MaxRunes; a section larger than that gets a message of its own and is
// left to the transport to split.
type TextRenderer struct {
	MaxItems int // per section, 0 means all
	MaxRunes int
}

const defaultMaxRunes = 3500

func (r TextRenderer) Render(p Payload, m Meta) []string {
	maxRunes := r.MaxRunes
	if maxRunes <= 0 {
		maxRunes = defaultMaxRunes
	}

	var msgs []string
	cur := r.header(p, m)
	for _, s := range p.Sections {
		block := r.section(s)
		if block == "" {
			continue
		}
		if utf8.RuneCountInString(cur)+utf8.RuneCountInString(block)+2 > maxRunes && cur != "" {
			msgs = append(msgs, cur)
			cur = block
			continue
		}
		cur = join(cur, block)
	}
	cur = join(cur, footer(p, m))
	if cur != "" {
		msgs = append(msgs, cur)
	}
	return msgs
}

func (r TextRenderer) header(p Payload, m Meta) string {
	title := strings.TrimSpace(p.Title)
	if title == "" {
		title = "Digest"
	}
	label := strings.TrimSpace(m.SlotLabel)
	if label == "" {
		label = m.SlotID
	}
	var b strings.Builder
	b.WriteString(title)
	if label != "" {
		b.WriteString(" · ")
		b.WriteString(label)
	}
	if !m.Scheduled.IsZero() {
		b.WriteString("\n")
		b.WriteString(m.Scheduled.Format("Mon, 02 Jan 2006 15:04 MST"))
	}
	if m.Unchanged {
		b.WriteString("\n(no changes since last digest)")
	}
	return b.String()
}

func (r TextRenderer) section(s Section) string {
	items := s.Items
	if r.MaxItems > 0 && len(items) > r.MaxItems {
		items = items[:r.MaxItems]
	}
	if len(items) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(strings.ToUpper(strings.TrimSpace(s.Name)))
	for _, it := range items {
		b.WriteString("\n• ")
		b.WriteString(strings.TrimSpace(it.Text))
		if it.Source != "" {
			fmt.Fprintf(&b, " (%s)", it.Source)
		}
		if it.URL != "" {
			b.WriteString("\n  ")
			b.WriteString(it.URL)
		}
	}
	return b.String()
}

func footer(p Payload, m Meta) string {
	var parts []string
	if len(p.Missing) > 0 {
		parts = append(parts, "Unavailable: "+strings.Join(p.Missing, ", "))
	}
	if m.Hash != "" {
		parts = append(parts, "#"+m.Hash.String())
	}
	return strings.Join(parts, "\n")
}

func join(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + "\n\n" + b
}
