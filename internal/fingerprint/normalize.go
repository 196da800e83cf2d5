// Package fingerprint derives a stable digest from a rendered payload so the
// same facts hash the same way regardless of ordering or relative-time
// phrasing.
package fingerprint

import (
	"regexp"
	"sort"
	"strings"
)

var (
	relativeTimeRe = regexp.MustCompile(`(?i)(?:\b(?:about|around|over|almost|nearly|roughly|approx\.?)\s+|~\s*)?\b(?:\d+|an?|one)\s*(?:s|secs?|seconds?|m|mins?|minutes?|h|hrs?|hours?|d|days?|w|wks?|weeks?)\.?\s+ago\b`)
	relativeWordRe = regexp.MustCompile(`(?i)\b(?:just now|moments ago|yesterday|today)\b`)
	viaSuffixRe    = regexp.MustCompile(`(?i)\s*[\(\[]\s*(?:via|source:?|from)\s+[^\)\]]*[\)\]]\s*$`)
	sourceLabelRe  = regexp.MustCompile(`(?i)\s*(?:[-–|·•]\s*)?source:\s*.*$`)
	trailingViaRe  = regexp.MustCompile(`(?i)\s+via\s+\S+\s*$`)
	emptyBracketRe = regexp.MustCompile(`[\(\[]\s*[\)\]]`)
	trailingSepRe  = regexp.MustCompile(`[\s·•|,:;\-–]+$`)
	spaceRe        = regexp.MustCompile(`\s+`)
)

// Normalizer strips volatile annotations from item lines. Source names are
// matched case-insensitively as trailing " | Name", " - Name" or "[Name]".
type Normalizer struct {
	sourceRes []*regexp.Regexp
}

func NewNormalizer(sources []string) *Normalizer {
	n := &Normalizer{}
	for _, s := range sources {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		q := regexp.QuoteMeta(s)
		n.sourceRes = append(n.sourceRes,
			regexp.MustCompile(`(?i)\s*\[\s*`+q+`\s*\]\s*$`),
			regexp.MustCompile(`(?i)\s+[|\-–·•]\s*`+q+`\s*$`),
		)
	}
	return n
}

// Normalize cleans every line, drops lines that end up empty and sorts the
// rest.
func (n *Normalizer) Normalize(items []string) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s := n.line(it); s != "" {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func (n *Normalizer) line(s string) string {
	s = strings.TrimSpace(s)
	// Suffixes can stack ("... (via X) [Reuters]"); strip until stable.
	for i := 0; i < 4; i++ {
		prev := s
		s = viaSuffixRe.ReplaceAllString(s, "")
		s = sourceLabelRe.ReplaceAllString(s, "")
		s = trailingViaRe.ReplaceAllString(s, "")
		if n != nil {
			for _, re := range n.sourceRes {
				s = re.ReplaceAllString(s, "")
			}
		}
		s = strings.TrimSpace(s)
		if s == prev {
			break
		}
	}
	s = relativeTimeRe.ReplaceAllString(s, "")
	s = relativeWordRe.ReplaceAllString(s, "")
	s = emptyBracketRe.ReplaceAllString(s, "")
	s = strings.ToLower(s)
	s = spaceRe.ReplaceAllString(s, " ")
	s = trailingSepRe.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// Normalize applies a Normalizer without configured source names.
func Normalize(items []string) []string { return (*Normalizer)(nil).Normalize(items) }
