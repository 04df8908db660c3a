package stream

import (
	"regexp"
	"strings"
)

// Mode is the classifier state: which buffer steady-state deltas land in.
type Mode int

const (
	ModeResponse Mode = iota
	ModeThinking
)

func (m Mode) String() string {
	if m == ModeThinking {
		return "thinking"
	}
	return "response"
}

// StartMarkers switch the classifier into ModeThinking. Matched
// case-insensitively as substrings of a single delta.
var StartMarkers = []string{
	"<thinking>", "<reasoning>", "<internal>", "<think>",
	"let me think", "i need to", "first, let me",
	"step 1:", "analysis:", "reasoning:",
	"processing...", "analyzing...", "computing...",
}

// EndMarkers switch the classifier back to ModeResponse.
var EndMarkers = []string{
	"</thinking>", "</reasoning>", "</internal>", "</think>",
	"now i can", "based on this", "therefore",
	"in conclusion", "so the answer", "here's what i found",
}

// transition moves the classifier from one mode to another when a delta
// contains any of its markers.
type transition struct {
	from    Mode
	markers []string
	to      Mode
}

var tagPattern = regexp.MustCompile(`(?i)<think>|</think>|<thinking>|</thinking>`)

// Classifier splits deltas into thinking and response text. Not safe for
// concurrent use; a Parser owns one per stream.
type Classifier struct {
	table    []transition
	mode     Mode
	thinking strings.Builder
	response strings.Builder
}

// NewClassifier returns a classifier in ModeResponse using the default
// marker lists.
func NewClassifier() *Classifier {
	return NewClassifierWithMarkers(StartMarkers, EndMarkers)
}

// NewClassifierWithMarkers builds a classifier with custom marker lists.
// Markers are compared lower-case.
func NewClassifierWithMarkers(start, end []string) *Classifier {
	return &Classifier{table: []transition{
		{from: ModeResponse, markers: lowerAll(start), to: ModeThinking},
		{from: ModeThinking, markers: lowerAll(end), to: ModeResponse},
	}}
}

// Apply consumes one delta. It reports whether the delta was appended as
// content; a delta that triggers a transition is consumed as the marker.
func (c *Classifier) Apply(delta string) (appended bool) {
	lower := strings.ToLower(delta)
	for _, t := range c.table {
		if t.from != c.mode || !containsAny(lower, t.markers) {
			continue
		}
		c.mode = t.to
		replaceOnTransition(c.buffer(t.to), delta)
		return false
	}
	c.buffer(c.mode).WriteString(stripTags(delta))
	return true
}

// Mode returns the current state.
func (c *Classifier) Mode() Mode { return c.mode }

// Buffers returns a snapshot of both buffers.
func (c *Classifier) Buffers() Buffers {
	return Buffers{
		Thinking:   c.thinking.String(),
		Response:   c.response.String(),
		IsThinking: c.mode == ModeThinking,
	}
}

func (c *Classifier) buffer(m Mode) *strings.Builder {
	if m == ModeThinking {
		return &c.thinking
	}
	return &c.response
}

// replaceOnTransition resets the target buffer to the cleaned, trimmed marker
// delta. Anything accumulated in that buffer before the transition is
// discarded: response text streamed before a thinking phase is lost once an
// end phrase such as "therefore" switches back to the response.
func replaceOnTransition(buf *strings.Builder, delta string) {
	buf.Reset()
	buf.WriteString(strings.TrimSpace(stripTags(delta)))
}

func stripTags(s string) string {
	return tagPattern.ReplaceAllString(s, "")
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
