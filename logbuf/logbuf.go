// Package logbuf provides a bounded, ordered store of leveled log lines
// captured from the supervised app's output, with level-filtered retrieval
// and a push-based subscription for live consumers.
package logbuf

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// DefaultCapacity is used when a Buffer is constructed with a non-positive capacity.
const DefaultCapacity = 1000

// Level is the severity of a captured output line.
// Levels are totally ordered: debug < info < warn < error.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *Level) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	lvl, ok := ParseLevel(s)
	if !ok {
		return fmt.Errorf("unknown log level %q", s)
	}
	*l = lvl
	return nil
}

// ParseLevel parses a level name. The second return value is false for
// unknown names.
func ParseLevel(s string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warn", "warning":
		return LevelWarn, true
	case "error":
		return LevelError, true
	}
	return LevelDebug, false
}

// DetectLevel classifies a raw output line by substring matching.
// This is best-effort, not a structured-log parser: dev servers emit
// free-form text and we only need a rough severity for filtering.
func DetectLevel(line string) Level {
	l := strings.ToLower(line)
	switch {
	case strings.Contains(l, "error") || strings.Contains(l, "failed"):
		return LevelError
	case strings.Contains(l, "warn"):
		return LevelWarn
	case strings.Contains(l, "debug"):
		return LevelDebug
	}
	return LevelInfo
}

// Entry is a single captured line of output from the supervised app.
type Entry struct {
	Time    time.Time `json:"time"`
	Level   Level     `json:"level"`
	Message string    `json:"message"`
}

// Buffer is a fixed-capacity ring of entries in chronological order.
// The oldest entry is evicted first when the buffer is full.
// All methods are safe for concurrent use.
type Buffer struct {
	mu       sync.Mutex
	capacity int
	entries  []Entry
	subs     map[chan Entry]struct{}
}

func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		capacity: capacity,
		subs:     map[chan Entry]struct{}{},
	}
}

// Push appends an entry, evicting the oldest entry if the buffer is full,
// and fans the entry out to subscribers. A subscriber whose channel is full
// misses the entry; Push never blocks on slow subscribers.
func (b *Buffer) Push(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) == b.capacity {
		copy(b.entries, b.entries[1:])
		b.entries = b.entries[:len(b.entries)-1]
	}
	b.entries = append(b.entries, e)

	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Entries returns, in chronological order, the most recent entries whose
// level is >= min. A non-positive limit returns all matching entries.
func (b *Buffer) Entries(min Level, limit int) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Entry
	for i := len(b.entries) - 1; i >= 0; i-- {
		if b.entries[i].Level < min {
			continue
		}
		out = append(out, b.entries[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	// collected newest-first, flip back to chronological
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Len returns the number of stored entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Clear empties the buffer. Subscribers are unaffected.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = nil
}

// Subscribe registers a live consumer of newly pushed entries and returns
// the entry channel along with a cancel func that must be called to
// unsubscribe. The channel is closed on cancel.
func (b *Buffer) Subscribe(bufSize int) (<-chan Entry, func()) {
	if bufSize <= 0 {
		bufSize = 64
	}
	ch := make(chan Entry, bufSize)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}
