// Package search ranks saved conversation messages against a free-text query.
//
// Scoring uses Jaccard similarity between the query token set and each
// document's token set: score = |Q ∩ D| / |Q ∪ D|. Documents belong to a
// group (a conversation) and TopK returns at most one hit per group, the
// group's best-scoring document. An Index is read-only after New and safe for
// concurrent use.
package search

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
)

// Document is one searchable text, e.g. a message of a saved conversation.
type Document struct {
	Group string
	ID    string
	Text  string
}

// Hit is the best match of one group.
type Hit struct {
	Group   string
	ID      string
	Snippet string
	Score   float64
}

type Option func(*config)

type config struct {
	minRunes     int
	snippetRunes int
	stopwords    map[string]struct{}
}

func defaultConfig() config {
	return config{minRunes: 1, snippetRunes: 160}
}

// WithMinRunes skips documents shorter than n runes.
func WithMinRunes(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.minRunes = n
		}
	}
}

// WithSnippetRunes clips snippets to n runes; 0 keeps the full text.
func WithSnippetRunes(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.snippetRunes = n
		}
	}
}

func WithStopwords(words []string) Option {
	return func(c *config) {
		m := make(map[string]struct{}, len(words))
		for _, w := range words {
			w = fold(strings.TrimSpace(w))
			if w != "" {
				m[w] = struct{}{}
			}
		}
		if len(m) > 0 {
			c.stopwords = m
		}
	}
}

type doc struct {
	Document
	text   string
	tokens map[string]struct{}
	runes  int
}

// Index holds tokenized documents.
type Index struct {
	cfg  config
	docs []doc
}

// New tokenizes docs into an Index.
func New(docs []Document, opts ...Option) *Index {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	out := make([]doc, 0, len(docs))
	for _, d := range docs {
		t := strings.TrimSpace(normalizeWhitespace(d.Text))
		n := utf8.RuneCountInString(t)
		if t == "" || n < cfg.minRunes {
			continue
		}
		toks := tokenize(t, cfg.stopwords)
		if len(toks) == 0 {
			continue
		}
		out = append(out, doc{Document: d, text: t, tokens: toks, runes: n})
	}
	return &Index{cfg: cfg, docs: out}
}

// Len returns the number of indexed documents.
func (i *Index) Len() int { return len(i.docs) }

// TopK returns up to k groups ordered by their best document's score. Ties
// prefer the shorter document, then the lexically smaller group id.
func (i *Index) TopK(q string, k int) []Hit {
	if len(i.docs) == 0 || strings.TrimSpace(q) == "" {
		return nil
	}
	if k <= 0 {
		k = 10
	}
	qTokens := tokenize(q, i.cfg.stopwords)
	if len(qTokens) == 0 {
		return nil
	}

	best := make(map[string]int) // group -> index into buf
	type scored struct {
		d     *doc
		score float64
	}
	buf := make([]scored, 0, len(i.docs))
	for n := range i.docs {
		d := &i.docs[n]
		over := overlap(qTokens, d.tokens)
		if over == 0 {
			continue
		}
		score := float64(over) / float64(len(qTokens)+len(d.tokens)-over)
		if j, seen := best[d.Group]; seen {
			if better(score, d, buf[j].score, buf[j].d) {
				buf[j] = scored{d, score}
			}
			continue
		}
		best[d.Group] = len(buf)
		buf = append(buf, scored{d, score})
	}
	if len(buf) == 0 {
		return nil
	}

	sort.SliceStable(buf, func(a, b int) bool {
		if buf[a].score != buf[b].score {
			return buf[a].score > buf[b].score
		}
		if buf[a].d.runes != buf[b].d.runes {
			return buf[a].d.runes < buf[b].d.runes
		}
		return buf[a].d.Group < buf[b].d.Group
	})

	if k > len(buf) {
		k = len(buf)
	}
	out := make([]Hit, k)
	for n := 0; n < k; n++ {
		d := buf[n].d
		out[n] = Hit{Group: d.Group, ID: d.ID, Snippet: clip(d.text, i.cfg.snippetRunes), Score: buf[n].score}
	}
	return out
}

func better(score float64, d *doc, curScore float64, cur *doc) bool {
	if score != curScore {
		return score > curScore
	}
	return d.runes < cur.runes
}

// ----------------------------------------------------------------------------
// Helpers

var (
	wordRE = regexp.MustCompile(`\p{L}+\p{N}*|\p{N}+`)
	folder = cases.Fold()
)

func fold(s string) string { return folder.String(s) }

func tokenize(s string, stop map[string]struct{}) map[string]struct{} {
	words := wordRE.FindAllString(fold(s), -1)
	if len(words) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		if _, skip := stop[w]; skip {
			continue
		}
		out[w] = struct{}{}
	}
	return out
}

func overlap(a, b map[string]struct{}) int {
	if len(a) > len(b) {
		a, b = b, a
	}
	n := 0
	for k := range a {
		if _, ok := b[k]; ok {
			n++
		}
	}
	return n
}

func normalizeWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevSpace := false
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\r' || r == '\n' {
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
			continue
		}
		prevSpace = false
		b.WriteRune(r)
	}
	return b.String()
}

func clip(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:n])) + "..."
}
