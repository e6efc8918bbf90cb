package bus

import (
	"strings"
	"sync"
	"time"
)

// Clock abstracts timer creation so tests can drive virtual time.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is the controllable handle returned by Clock.AfterFunc.
type Timer interface {
	Stop() bool
	Reset(d time.Duration) bool
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// RealClock returns a Clock backed by the runtime timers.
func RealClock() Clock { return realClock{} }

// InboundDebouncer merges rapid messages from the same sender before
// processing, so a keystroke-like burst becomes one downstream agent run.
// Each new arrival resets the quiet-interval timer; the merged message is
// flushed once no message has arrived for the configured window.
//
// Messages are merged in arrival order, joined by newlines. Metadata and ids
// come from the most recent message in the burst.
type InboundDebouncer struct {
	window time.Duration
	flush  func(InboundMessage)
	clock  Clock

	mu      sync.Mutex
	pending map[string]*debounceEntry
	stopped bool
}

type debounceEntry struct {
	msg   InboundMessage
	parts []string
	timer Timer
}

// NewInboundDebouncer creates a debouncer flushing through fn after window of
// quiet. A window <= 0 disables debouncing: every message flushes immediately.
func NewInboundDebouncer(window time.Duration, fn func(InboundMessage)) *InboundDebouncer {
	return NewInboundDebouncerWithClock(window, fn, RealClock())
}

// NewInboundDebouncerWithClock is NewInboundDebouncer with an explicit clock.
func NewInboundDebouncerWithClock(window time.Duration, fn func(InboundMessage), clock Clock) *InboundDebouncer {
	return &InboundDebouncer{
		window:  window,
		flush:   fn,
		clock:   clock,
		pending: make(map[string]*debounceEntry),
	}
}

// Push adds a message to its sender's pending burst, starting or resetting
// the flush timer.
func (d *InboundDebouncer) Push(msg InboundMessage) {
	if d.window <= 0 {
		d.flush(msg)
		return
	}

	key := debounceKey(msg)

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		d.flush(msg)
		return
	}

	entry, ok := d.pending[key]
	if !ok {
		entry = &debounceEntry{msg: msg}
		entry.parts = append(entry.parts, msg.Content)
		entry.timer = d.clock.AfterFunc(d.window, func() { d.flushKey(key) })
		d.pending[key] = entry
		d.mu.Unlock()
		return
	}

	// Merge into the existing burst; latest message wins for ids/metadata so
	// reply-to targets point at the newest inbound message.
	entry.parts = append(entry.parts, msg.Content)
	merged := msg
	entry.msg = merged
	entry.timer.Reset(d.window)
	d.mu.Unlock()
}

// FlushAll immediately flushes every pending burst. Used on shutdown so held
// messages are not silently dropped.
func (d *InboundDebouncer) FlushAll() {
	d.mu.Lock()
	keys := make([]string, 0, len(d.pending))
	for k := range d.pending {
		keys = append(keys, k)
	}
	d.mu.Unlock()

	for _, k := range keys {
		d.flushKey(k)
	}
}

// Stop flushes pending bursts and puts the debouncer in pass-through mode.
func (d *InboundDebouncer) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	d.FlushAll()
}

// PendingCount reports the number of senders with a held burst.
func (d *InboundDebouncer) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *InboundDebouncer) flushKey(key string) {
	d.mu.Lock()
	entry, ok := d.pending[key]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	entry.timer.Stop()
	msg := entry.msg
	msg.Content = strings.Join(entry.parts, "\n")
	d.mu.Unlock()

	d.flush(msg)
}

func debounceKey(msg InboundMessage) string {
	return msg.Channel + "|" + msg.ChatID + "|" + msg.SenderID
}
