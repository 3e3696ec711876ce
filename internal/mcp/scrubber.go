package mcp

import "regexp"

const hallucinationReplacement = "⚠️ **[HALLUCINATED CONTENT REMOVED]**"

var (
	toolResultBlockRe = regexp.MustCompile("(?s)\\*\\*Tool Result:\\*\\*.*?(\\n\\n|$)")
	toolFenceBlockRe   = regexp.MustCompile("(?s)```tool:([A-Za-z0-9_-]+)\\n.*?```")
	toolCompletedRe    = regexp.MustCompile(`(?i)Tool execution completed:\s*([A-Za-z0-9_-]+)\.?`)
)

// scrubberSentinelFragments matches leftover bare sentinel/name/arguments
// tag fragments that survived the streaming machinery — not whole
// fabricated blocks, just stray markup — and are deleted outright rather
// than replaced with the hallucination marker.
func scrubberSentinelFragments(sentinel string) *regexp.Regexp {
	s := regexp.QuoteMeta(sentinel)
	return regexp.MustCompile(`(?s)</?` + s + `>|</?name>|</?n>|</?arguments>`)
}

// Scrubber removes fabricated tool-use artifacts from already-flushed
// content (spec.md §4.7), independent of the narrower cache-
// contamination scrub client.go applies to raw tool results.
type Scrubber struct {
	fragmentRe *regexp.Regexp
}

// NewScrubber constructs a scrubber bound to the configured sentinel.
func NewScrubber(sentinel string) *Scrubber {
	if sentinel == "" {
		sentinel = defaultSentinel
	}
	return &Scrubber{fragmentRe: scrubberSentinelFragments(sentinel)}
}

// Scrub runs the fabricated-pattern removal pass twice, since a
// replacement on the first pass can expose a nested fragment that only
// becomes matchable afterward (spec.md §4.7 "Double-pass scrubbing").
// executedTools names the tools that genuinely ran during this
// response; a fenced ```tool:<name>``` or "Tool execution completed"
// block naming anything else is treated as fabricated.
func (s *Scrubber) Scrub(text string, executedTools map[string]bool) string {
	text = s.pass(text, executedTools)
	text = s.pass(text, executedTools)
	return text
}

func (s *Scrubber) pass(text string, executedTools map[string]bool) string {
	text = toolResultBlockRe.ReplaceAllString(text, hallucinationReplacement)
	text = toolFenceBlockRe.ReplaceAllStringFunc(text, func(m string) string {
		sub := toolFenceBlockRe.FindStringSubmatch(m)
		if executedTools[sub[1]] {
			return m
		}
		return hallucinationReplacement
	})
	text = toolCompletedRe.ReplaceAllStringFunc(text, func(m string) string {
		sub := toolCompletedRe.FindStringSubmatch(m)
		if executedTools[sub[1]] {
			return m
		}
		return hallucinationReplacement
	})
	text = s.fragmentRe.ReplaceAllString(text, "")
	return text
}
