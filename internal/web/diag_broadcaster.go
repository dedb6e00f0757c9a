package web

import (
	"sync"
	"time"

	"stairwatch/internal/stairs"
)

// DiagFrame is one diagnostics sample as sent on /api/stream.
type DiagFrame struct {
	SessionID string    `json:"session_id"`
	At        time.Time `json:"at"`
	stairs.Diagnostics
}

// DiagBroadcaster fans diagnostics out to stream subscribers. Frames closer
// together than the minimum interval are dropped, except state changes.
// The latest frame is kept so new subscribers get one immediately.
type DiagBroadcaster struct {
	minInterval time.Duration

	mu       sync.RWMutex
	subs     map[int]chan DiagFrame
	nextID   int
	last     DiagFrame
	haveLast bool
}

func NewDiagBroadcaster(minInterval time.Duration) *DiagBroadcaster {
	return &DiagBroadcaster{
		minInterval: minInterval,
		subs:        make(map[int]chan DiagFrame),
	}
}

func (b *DiagBroadcaster) Subscribe(buffer int) (int, <-chan DiagFrame) {
	if buffer <= 0 {
		buffer = 4
	}
	ch := make(chan DiagFrame, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	// ch is empty and unpublished here, so this send cannot block.
	if b.haveLast {
		ch <- b.last
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	return id, ch
}

func (b *DiagBroadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

func (b *DiagBroadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish matches monitor.Config.OnDiagnostics. Slow subscribers miss frames
// rather than block the caller.
func (b *DiagBroadcaster) Publish(sessionID string, at time.Time, d stairs.Diagnostics) {
	f := DiagFrame{SessionID: sessionID, At: at, Diagnostics: d}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.haveLast && !b.due(f) {
		return
	}
	b.last = f
	b.haveLast = true
	for _, ch := range b.subs {
		select {
		case ch <- f:
		default:
		}
	}
}

func (b *DiagBroadcaster) due(f DiagFrame) bool {
	prev := b.last
	if f.SessionID != prev.SessionID || f.State != prev.State ||
		f.Calculating != prev.Calculating || f.StairCount != prev.StairCount {
		return true
	}
	return f.At.Sub(prev.At) >= b.minInterval || f.At.Before(prev.At)
}
