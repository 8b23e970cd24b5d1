package logging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Entry is a single log record kept by a Buffer
type Entry struct {
	ID        int64          `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Component string         `json:"component,omitempty"`
	Message   string         `json:"message"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// Buffer is a circular buffer of recent log entries that also broadcasts
// new entries to subscribers.
type Buffer struct {
	entries     []Entry
	maxSize     int
	nextID      int64
	mu          sync.RWMutex
	subscribers map[chan Entry]struct{}
	subMu       sync.RWMutex
}

// NewBuffer creates a log buffer holding at most maxSize entries
func NewBuffer(maxSize int) *Buffer {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &Buffer{
		entries:     make([]Entry, 0, maxSize),
		maxSize:     maxSize,
		nextID:      1,
		subscribers: make(map[chan Entry]struct{}),
	}
}

// Add appends an entry, evicting the oldest one at capacity
func (b *Buffer) Add(entry Entry) {
	b.mu.Lock()

	entry.ID = b.nextID
	entry.Message = strings.TrimSpace(entry.Message)
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	b.nextID++

	if len(b.entries) >= b.maxSize {
		b.entries = b.entries[1:]
	}
	b.entries = append(b.entries, entry)

	b.mu.Unlock()

	b.broadcast(entry)
}

// Recent returns the most recent n entries, or all of them when n <= 0
func (b *Buffer) Recent(n int) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n <= 0 || n > len(b.entries) {
		n = len(b.entries)
	}

	start := len(b.entries) - n
	result := make([]Entry, n)
	copy(result, b.entries[start:])

	return result
}

// Since returns all entries with an ID above sinceID
func (b *Buffer) Since(sinceID int64) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []Entry
	for _, entry := range b.entries {
		if entry.ID > sinceID {
			result = append(result, entry)
		}
	}

	return result
}

// Count returns the number of entries in the buffer
func (b *Buffer) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Subscribe returns a channel that receives new entries. Slow readers miss
// entries rather than block logging.
func (b *Buffer) Subscribe() chan Entry {
	ch := make(chan Entry, 100)

	b.subMu.Lock()
	b.subscribers[ch] = struct{}{}
	b.subMu.Unlock()

	return ch
}

// Unsubscribe removes and closes a subscriber channel
func (b *Buffer) Unsubscribe(ch chan Entry) {
	b.subMu.Lock()
	delete(b.subscribers, ch)
	b.subMu.Unlock()

	close(ch)
}

func (b *Buffer) broadcast(entry Entry) {
	b.subMu.RLock()
	defer b.subMu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- entry:
		default:
		}
	}
}

// teeHandler copies every handled record into a Buffer before passing it on
type teeHandler struct {
	next   slog.Handler
	buffer *Buffer
	attrs  []slog.Attr
	group  string
}

func (h *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	entry := Entry{
		Timestamp: r.Time,
		Level:     strings.ToLower(r.Level.String()),
		Message:   r.Message,
	}

	attrs := make(map[string]any, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		collect(attrs, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		collect(attrs, h.group, a)
		return true
	})
	if component, ok := attrs["component"].(string); ok {
		entry.Component = component
		delete(attrs, "component")
	}
	if len(attrs) > 0 {
		entry.Attrs = attrs
	}

	h.buffer.Add(entry)
	return h.next.Handle(ctx, r)
}

func (h *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	scoped := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	scoped = append(scoped, h.attrs...)
	for _, a := range attrs {
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		scoped = append(scoped, a)
	}
	return &teeHandler{next: h.next.WithAttrs(attrs), buffer: h.buffer, attrs: scoped, group: h.group}
}

func (h *teeHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &teeHandler{next: h.next.WithGroup(name), buffer: h.buffer, attrs: h.attrs, group: group}
}

func collect(dst map[string]any, prefix string, a slog.Attr) {
	value := a.Value.Resolve()
	key := a.Key
	if prefix != "" && key != "" {
		key = prefix + "." + key
	}
	if value.Kind() == slog.KindGroup {
		for _, inner := range value.Group() {
			collect(dst, key, inner)
		}
		return
	}
	if key == "" {
		return
	}
	if err, ok := value.Any().(error); ok {
		dst[key] = err.Error()
		return
	}
	dst[key] = value.Any()
}
