package llm

import (
	"bufio"
	"context"
	"io"
	"strings"

	"golang.org/x/time/rate"
)

// StreamConfig controls how stream fragments are delivered to the caller.
type StreamConfig struct {
	// StripFences removes markdown code-fence artifacts around JSON
	// payloads before fragments reach the caller. Set automatically when
	// the request asked for FormatJSON.
	StripFences bool

	// MaxResponseLength truncates the accumulated response at this many
	// bytes. 0 disables the limit.
	MaxResponseLength int

	// RateLimitPerSecond throttles callback invocations. 0 disables
	// throttling.
	RateLimitPerSecond int
}

// DefaultStreamConfig returns the defaults used by every adapter.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		MaxResponseLength: 100 * 1024,
	}
}

// streamEmitter applies StreamConfig policy (fence stripping, length
// limits, rate limiting) ahead of the caller's callback. One emitter
// serves one stream; not safe for concurrent use.
type streamEmitter struct {
	cfg      StreamConfig
	cb       StreamCallback
	limiter  *rate.Limiter
	fences   fenceStripper
	emitted  int
	finished bool
}

func newStreamEmitter(cfg StreamConfig, cb StreamCallback) *streamEmitter {
	e := &streamEmitter{cfg: cfg, cb: cb}
	if cfg.RateLimitPerSecond > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), cfg.RateLimitPerSecond)
	}
	return e
}

// emitText forwards a text fragment through the configured policy.
func (e *streamEmitter) emitText(ctx context.Context, text string) error {
	if e.finished || text == "" {
		return nil
	}
	if e.cfg.StripFences {
		text = e.fences.feed(text)
		if text == "" {
			return nil
		}
	}
	return e.deliver(ctx, text)
}

// deliver applies the length limit and rate limit, then invokes the
// callback.
func (e *streamEmitter) deliver(ctx context.Context, text string) error {
	if e.cfg.MaxResponseLength > 0 {
		remaining := e.cfg.MaxResponseLength - e.emitted
		if remaining <= 0 {
			return nil
		}
		if len(text) > remaining {
			text = text[:remaining]
		}
	}
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	e.emitted += len(text)
	return e.cb(StreamEvent{Type: StreamEventToken, Content: text})
}

// emitDone signals clean termination exactly once. Text the fence
// stripper was still holding back is released first when it never
// became a closing fence.
func (e *streamEmitter) emitDone() error {
	if e.finished {
		return nil
	}
	if e.cfg.StripFences {
		if tail := e.fences.flush(); tail != "" {
			if err := e.deliver(context.Background(), tail); err != nil {
				return err
			}
		}
	}
	e.finished = true
	return e.cb(StreamEvent{Type: StreamEventDone})
}

// emitError surfaces an in-stream error event and suppresses any
// further output.
func (e *streamEmitter) emitError(msg string) error {
	if e.finished {
		return nil
	}
	e.finished = true
	return e.cb(StreamEvent{Type: StreamEventError, Error: msg})
}

// fenceStripper removes a leading "```json"/"```" fence and the matching
// trailing fence from a fragment stream. Providers asked for JSON
// sometimes wrap the payload in a markdown block anyway; the stripper
// holds back runs of backticks until it can tell whether they open or
// close a fence.
type fenceStripper struct {
	started bool
	pending string
}

func (f *fenceStripper) feed(text string) string {
	text = f.pending + text
	f.pending = ""

	if !f.started {
		trimmed := strings.TrimLeft(text, " \t\r\n")
		if trimmed == "" {
			return ""
		}
		if strings.HasPrefix(trimmed, "`") {
			nl := strings.IndexByte(trimmed, '\n')
			if nl < 0 {
				// Fence line may still be arriving.
				f.pending = text
				return ""
			}
			fence := strings.TrimSpace(trimmed[:nl])
			if fence == "```" || strings.HasPrefix(fence, "```") {
				f.started = true
				return f.feed(trimmed[nl+1:])
			}
		}
		f.started = true
		return f.strip(text)
	}
	return f.strip(text)
}

// strip holds back trailing backtick runs, and the newlines before
// them, that may turn out to be a closing fence.
func (f *fenceStripper) strip(text string) string {
	if idx := strings.Index(text, "```"); idx >= 0 {
		return strings.TrimRight(text[:idx], "\r\n")
	}
	hold := 0
	for hold < len(text) && hold < 2 && text[len(text)-1-hold] == '`' {
		hold++
	}
	for hold < len(text) {
		c := text[len(text)-1-hold]
		if c != '\n' && c != '\r' {
			break
		}
		hold++
	}
	if hold > 0 {
		f.pending = text[len(text)-hold:]
		return text[:len(text)-hold]
	}
	return text
}

// flush releases held-back text at end of stream. Anything that still
// looks like a fence line is dropped; an incomplete backtick run or a
// plain trailing newline is real content.
func (f *fenceStripper) flush() string {
	p := f.pending
	f.pending = ""
	if strings.HasPrefix(strings.TrimLeft(p, " \t\r\n"), "```") {
		return ""
	}
	return p
}

// StripCodeFences removes a surrounding markdown code fence from a
// complete (non-streamed) payload.
func StripCodeFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return s
	}
	nl := strings.IndexByte(trimmed, '\n')
	if nl < 0 {
		return s
	}
	body := trimmed[nl+1:]
	if idx := strings.LastIndex(body, "```"); idx >= 0 {
		body = body[:idx]
	}
	return strings.TrimSpace(body)
}

// sseScanner reads Server-Sent Events payloads line by line, yielding the
// data field of each event. Partial lines at buffer boundaries are handled
// by bufio.Scanner; multi-line data fields are concatenated per the SSE
// framing rules.
type sseScanner struct {
	scanner *bufio.Scanner
	event   string
}

func newSSEScanner(r io.Reader) *sseScanner {
	s := bufio.NewScanner(r)
	// Generous line limit; providers send whole JSON objects per line.
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &sseScanner{scanner: s}
}

// next returns the data payload of the next SSE event, together with the
// event name when the stream labels events. io.EOF signals end of stream.
func (s *sseScanner) next() (event string, data string, err error) {
	var buf strings.Builder
	for s.scanner.Scan() {
		line := s.scanner.Text()
		switch {
		case line == "":
			if buf.Len() > 0 {
				event = s.event
				s.event = ""
				return event, buf.String(), nil
			}
		case strings.HasPrefix(line, "event:"):
			s.event = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			if buf.Len() > 0 {
				buf.WriteByte('\n')
			}
			buf.WriteString(strings.TrimSpace(line[len("data:"):]))
		}
		// Comment lines (":") and unknown fields are ignored.
	}
	if err := s.scanner.Err(); err != nil {
		return "", "", err
	}
	if buf.Len() > 0 {
		event = s.event
		return event, buf.String(), nil
	}
	return "", "", io.EOF
}

// sseDone is the explicit end marker used by [DONE]-terminated streams.
const sseDone = "[DONE]"
