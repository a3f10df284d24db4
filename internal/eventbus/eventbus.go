// Package eventbus is the in-process publish/subscribe core shared by the
// Host, the Dispatcher, and the Pipeline Coordinator. Subscriptions match on
// a glob pattern against the event type; history is a bounded, newest-first
// ring of recent events; every emission carries a monotonic sequence number
// and, when present on the context, a trace id.
package eventbus

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/arkham/core/internal/platform/ctxutil"
	"github.com/arkham/core/internal/platform/logger"
)

// Event is a single emitted occurrence, retained in history and delivered
// to every subscriber whose pattern matches EventType.
type Event struct {
	EventType string
	Payload   map[string]any
	Source    string
	Timestamp time.Time
	Sequence  uint64
	TraceID   string
}

// Handler receives a delivered event. A Handler that panics or returns an
// error is isolated: the bus logs it and continues to the next subscriber.
type Handler func(ctx context.Context, evt Event) error

// Bus is safe for concurrent use. The zero value is not usable; build one
// with New.
type Bus struct {
	log *logger.Logger

	mu          sync.Mutex
	subscribers map[string][]Handler
	history     []Event
	maxHistory  int
	sequence    uint64
}

// New builds a Bus with the given bounded history capacity. A capacity of
// zero or less falls back to 1000, matching the original implementation's
// fixed history size.
func New(log *logger.Logger, maxHistory int) *Bus {
	if maxHistory <= 0 {
		maxHistory = 1000
	}
	return &Bus{
		log:         log,
		subscribers: make(map[string][]Handler),
		maxHistory:  maxHistory,
	}
}

// Subscribe registers handler for every future event whose type matches
// pattern. Matching is glob-style: '*' stands for any run of characters and
// '?' for exactly one, evaluated per-character (not per path segment).
//
// Subscribe returns a token that Unsubscribe uses to remove this exact
// registration; a pattern may be subscribed more than once, each with its
// own token.
func (b *Bus) Subscribe(pattern string, handler Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers[pattern] = append(b.subscribers[pattern], handler)
	return len(b.subscribers[pattern]) - 1
}

// Unsubscribe removes the handler registered under pattern at the given
// index (the token Subscribe returned). The slot is cleared rather than
// spliced out, so tokens of the pattern's other registrations stay valid.
// An unknown pattern or a stale index is a silent no-op — mirroring the
// source implementation's tolerance of a ValueError on double-unsubscribe.
func (b *Bus) Unsubscribe(pattern string, token int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	handlers, ok := b.subscribers[pattern]
	if !ok || token < 0 || token >= len(handlers) {
		return
	}
	handlers[token] = nil
}

// Emit records an event in history, then publishes it to every subscriber
// whose pattern matches eventType. Subscriber delivery is isolated
// per-handler: a handler that errors or panics is logged and does not stop
// delivery to the rest. Subscribe/Unsubscribe calls made from inside a
// handler during this Emit do not affect the delivery already in flight —
// the fan-out iterates a snapshot taken at the start of Emit.
func (b *Bus) Emit(ctx context.Context, eventType string, payload map[string]any, source string) {
	traceID := ""
	if td := ctxutil.GetTraceData(ctx); td != nil {
		traceID = td.TraceID
	}
	if traceID == "" {
		if v, ok := payload["trace_id"].(string); ok {
			traceID = v
		}
	}
	if traceID != "" {
		if _, present := payload["trace_id"]; !present {
			cp := make(map[string]any, len(payload)+1)
			for k, v := range payload {
				cp[k] = v
			}
			cp["trace_id"] = traceID
			payload = cp
		}
	}

	b.mu.Lock()
	b.sequence++
	evt := Event{
		EventType: eventType,
		Payload:   payload,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Sequence:  b.sequence,
		TraceID:   traceID,
	}

	b.history = append([]Event{evt}, b.history...)
	if len(b.history) > b.maxHistory {
		b.history = b.history[:b.maxHistory]
	}

	snapshot := make(map[string][]Handler, len(b.subscribers))
	for pattern, handlers := range b.subscribers {
		snapshot[pattern] = append([]Handler(nil), handlers...)
	}
	b.mu.Unlock()

	for pattern, handlers := range snapshot {
		if !globMatch(pattern, eventType) {
			continue
		}
		for _, h := range handlers {
			if h == nil {
				continue
			}
			b.deliver(ctx, h, evt, pattern)
		}
	}
}

func (b *Bus) deliver(ctx context.Context, h Handler, evt Event, pattern string) {
	defer func() {
		if r := recover(); r != nil {
			if b.log != nil {
				b.log.Error("event handler panicked",
					"event_type", evt.EventType,
					"source", evt.Source,
					"pattern", pattern,
					"panic", r,
				)
			}
		}
	}()
	if err := h(ctx, evt); err != nil {
		if b.log != nil {
			b.log.Error("event handler error",
				"event_type", evt.EventType,
				"source", evt.Source,
				"pattern", pattern,
				"error", err,
			)
		}
	}
}

// QueryOptions narrows a history lookup.
type QueryOptions struct {
	Source    string
	EventType string
	Limit     int
	Offset    int
}

// Events returns events from history matching opts, newest first. A zero
// Limit defaults to 100.
func (b *Bus) Events(opts QueryOptions) []Event {
	b.mu.Lock()
	all := append([]Event(nil), b.history...)
	b.mu.Unlock()

	filtered := make([]Event, 0, len(all))
	for _, e := range all {
		if opts.Source != "" && e.Source != opts.Source {
			continue
		}
		if opts.EventType != "" {
			if strings.ContainsAny(opts.EventType, "*?") {
				if !globMatch(opts.EventType, e.EventType) {
					continue
				}
			} else if e.EventType != opts.EventType {
				continue
			}
		}
		filtered = append(filtered, e)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	start := opts.Offset
	if start < 0 || start >= len(filtered) {
		return []Event{}
	}
	end := start + limit
	if end > len(filtered) {
		end = len(filtered)
	}
	return filtered[start:end]
}

// EventCount returns the number of history entries matching the source and
// eventType filters, applied as in Events, without any limit or offset.
func (b *Bus) EventCount(source, eventType string) int {
	return len(b.Events(QueryOptions{Source: source, EventType: eventType, Limit: 1 << 30}))
}

// EventTypes returns the sorted, deduplicated set of event types in history.
func (b *Bus) EventTypes() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := make(map[string]struct{})
	for _, e := range b.history {
		set[e.EventType] = struct{}{}
	}
	return sortedKeys(set)
}

// EventSources returns the sorted, deduplicated set of event sources in
// history.
func (b *Bus) EventSources() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := make(map[string]struct{})
	for _, e := range b.history {
		set[e.Source] = struct{}{}
	}
	return sortedKeys(set)
}

// ClearHistory empties the history buffer and returns how many events were
// discarded. Active subscriptions are untouched.
func (b *Bus) ClearHistory() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.history)
	b.history = nil
	return n
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// globMatch reports whether name matches pattern, where '*' matches any run
// of characters (including none) and '?' matches exactly one character.
// Matching is evaluated character-by-character against the whole string —
// unlike path.Match, '*' is not blocked by a path separator, mirroring
// Python's fnmatch.fnmatch semantics the source event bus relies on.
func globMatch(pattern, name string) bool {
	return globMatchRunes([]rune(pattern), []rune(name))
}

func globMatchRunes(pattern, name []rune) bool {
	var pi, ni int
	var starIdx = -1
	var starMatch int

	for ni < len(name) {
		if pi < len(pattern) && (pattern[pi] == '?' || pattern[pi] == name[ni]) {
			pi++
			ni++
			continue
		}
		if pi < len(pattern) && pattern[pi] == '*' {
			starIdx = pi
			starMatch = ni
			pi++
			continue
		}
		if starIdx != -1 {
			pi = starIdx + 1
			starMatch++
			ni = starMatch
			continue
		}
		return false
	}

	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}
