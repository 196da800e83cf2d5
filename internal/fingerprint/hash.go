package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// DefaultLength is the number of hex characters kept from the SHA-256 sum.
const DefaultLength = 16

// Digest is a truncated hex SHA-256.
type Digest string

func (d Digest) String() string { return string(d) }

// Section is a named group of item lines.
type Section struct {
	Name  string
	Items []string
}

type Hasher struct {
	norm   *Normalizer
	length int
}

func NewHasher(sources []string, length int) *Hasher {
	if length <= 0 || length > sha256.Size*2 {
		length = DefaultLength
	}
	return &Hasher{norm: NewNormalizer(sources), length: length}
}

// Hash digests the normalized lines.
func (h *Hasher) Hash(lines []string) Digest {
	return h.sum(strings.Join(h.norm.Normalize(lines), "\n"))
}

// Of digests sections. Sections are ordered by normalized name so neither
// section order nor item order affects the result.
func (h *Hasher) Of(sections []Section) Digest {
	type part struct{ name, body string }
	parts := make([]part, 0, len(sections))
	for _, s := range sections {
		items := h.norm.Normalize(s.Items)
		if len(items) == 0 {
			continue
		}
		parts = append(parts, part{
			name: strings.ToLower(strings.TrimSpace(s.Name)),
			body: strings.Join(items, "\n"),
		})
	}
	sort.Slice(parts, func(i, j int) bool {
		if parts[i].name != parts[j].name {
			return parts[i].name < parts[j].name
		}
		return parts[i].body < parts[j].body
	})

	var b strings.Builder
	for _, p := range parts {
		b.WriteString("## ")
		b.WriteString(p.name)
		b.WriteByte('\n')
		b.WriteString(p.body)
		b.WriteByte('\n')
	}
	return h.sum(b.String())
}

func (h *Hasher) sum(s string) Digest {
	sum := sha256.Sum256([]byte(s))
	return Digest(hex.EncodeToString(sum[:])[:h.length])
}
