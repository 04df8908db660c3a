// Package stream decodes OpenAI-style Server-Sent-Events completion streams
// into thinking and response text.
//
// Bytes may arrive split at any point; the parser keeps a rolling buffer and
// only acts on complete lines, so the result does not depend on how the
// stream was chunked. Each content delta is run through a Classifier and the
// resulting buffers are published to a Sink after every mutation.
package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

// Fallback replaces the response when a stream produced no content.
const Fallback = "I apologize, but I encountered an issue processing your request. Please try again."

const (
	dataPrefix   = "data: "
	doneSentinel = "[DONE]"
	readSize     = 4 << 10
)

// Buffers is an immutable snapshot of the live display state.
type Buffers struct {
	Thinking   string `json:"thinking"`
	Response   string `json:"response"`
	IsThinking bool   `json:"is_thinking"`
}

// Sink receives a snapshot after every buffer mutation.
type Sink interface {
	Update(Buffers)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Buffers)

func (f SinkFunc) Update(b Buffers) { f(b) }

// UpstreamError is an error object delivered inside the stream.
type UpstreamError struct {
	Message string
}

func (e *UpstreamError) Error() string { return e.Message }

// Result is the outcome of a fully consumed stream.
type Result struct {
	Thinking string
	Response string
	// Received is true once at least one delta was appended as content.
	Received bool
	// FirstDeltaAt is when the first non-empty delta was processed.
	FirstDeltaAt time.Time
}

// Final returns the text to store as the assistant reply, or Fallback when
// no content delta was ever processed. A stream that only produced thinking
// text still counts as received and yields its (empty) response.
func (r Result) Final() string {
	if !r.Received {
		return Fallback
	}
	return r.Response
}

type frameKind int

const (
	frameSkip frameKind = iota
	frameDelta
	frameDone
	frameMalformed
	frameError
)

// frame is a validated data line.
type frame struct {
	kind    frameKind
	content string
}

// Option configures a Parser.
type Option func(*Parser)

// WithLogger sets the logger used for skipped frames.
func WithLogger(l zerolog.Logger) Option { return func(p *Parser) { p.lg = l } }

// WithClassifier replaces the default marker classifier.
func WithClassifier(c *Classifier) Option { return func(p *Parser) { p.cls = c } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(p *Parser) { p.now = now } }

// Parser is a push-style SSE decoder. Not safe for concurrent use.
type Parser struct {
	buf  []byte
	cls  *Classifier
	sink Sink
	lg   zerolog.Logger
	now  func() time.Time

	done     bool
	err      error
	received bool
	first    time.Time
	skipped  int
}

// NewParser returns a Parser publishing to sink. sink may be nil.
func NewParser(sink Sink, opts ...Option) *Parser {
	p := &Parser{sink: sink, lg: log.Logger, now: time.Now}
	for _, o := range opts {
		o(p)
	}
	if p.cls == nil {
		p.cls = NewClassifier()
	}
	return p
}

// Feed appends a chunk and processes every complete line in it. It returns
// true once the stream has ended, after which further input is ignored.
func (p *Parser) Feed(chunk []byte) bool {
	if p.done {
		return true
	}
	p.buf = append(p.buf, chunk...)
	for !p.done {
		i := bytes.IndexByte(p.buf, '\n')
		if i < 0 {
			break
		}
		line := p.buf[:i]
		p.buf = p.buf[i+1:]
		p.line(line)
	}
	if len(p.buf) == 0 {
		p.buf = nil
	}
	return p.done
}

// Finish processes a trailing unterminated line and returns the result. It is
// the EOF path; an explicit [DONE] makes it a no-op apart from the result.
func (p *Parser) Finish() (Result, error) {
	if !p.done && len(p.buf) > 0 {
		p.line(p.buf)
	}
	p.buf = nil
	p.done = true
	return p.Result(), p.err
}

// Done reports whether the end of the stream has been seen.
func (p *Parser) Done() bool { return p.done }

// Skipped returns how many malformed frames were dropped.
func (p *Parser) Skipped() int { return p.skipped }

// Result returns the current accumulated state.
func (p *Parser) Result() Result {
	b := p.cls.Buffers()
	return Result{Thinking: b.Thinking, Response: b.Response, Received: p.received, FirstDeltaAt: p.first}
}

// Buffers returns the live snapshot.
func (p *Parser) Buffers() Buffers { return p.cls.Buffers() }

func (p *Parser) line(raw []byte) {
	f := parseFrame(raw)
	switch f.kind {
	case frameSkip:
	case frameDone:
		p.done = true
	case frameMalformed:
		p.skipped++
		p.lg.Debug().Int("bytes", len(raw)).Msg("skipping malformed stream frame")
	case frameError:
		p.err = &UpstreamError{Message: f.content}
		p.done = true
	case frameDelta:
		if p.first.IsZero() {
			p.first = p.now()
		}
		if p.cls.Apply(f.content) {
			p.received = true
		}
		if p.sink != nil {
			p.sink.Update(p.cls.Buffers())
		}
	}
}

// parseFrame validates one line. Only "data: " lines carrying
// {choices:[{delta:{content:string}}]} produce a delta.
func parseFrame(raw []byte) frame {
	line := bytes.TrimRight(raw, "\r")
	if !bytes.HasPrefix(line, []byte(dataPrefix)) {
		return frame{kind: frameSkip}
	}
	payload := line[len(dataPrefix):]
	if string(bytes.TrimSpace(payload)) == doneSentinel {
		return frame{kind: frameDone}
	}
	if !gjson.ValidBytes(payload) {
		return frame{kind: frameMalformed}
	}
	if msg := gjson.GetBytes(payload, "error.message"); msg.Type == gjson.String {
		return frame{kind: frameError, content: msg.Str}
	}
	content := gjson.GetBytes(payload, "choices.0.delta.content")
	if content.Type != gjson.String || content.Str == "" {
		return frame{kind: frameSkip}
	}
	return frame{kind: frameDelta, content: content.Str}
}

// Run reads r to the end (or [DONE]) and returns the parsed result. If ctx is
// cancelled, Run stops at the next read and returns ctx.Err() along with the
// partial result.
func Run(ctx context.Context, r io.Reader, sink Sink, opts ...Option) (Result, error) {
	p := NewParser(sink, opts...)
	chunk := make([]byte, readSize)
	for {
		if err := ctx.Err(); err != nil {
			return p.Result(), err
		}
		n, err := r.Read(chunk)
		if n > 0 && p.Feed(chunk[:n]) {
			return p.Finish()
		}
		if errors.Is(err, io.EOF) {
			return p.Finish()
		}
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return p.Result(), cerr
			}
			return p.Result(), err
		}
	}
}
