package udp

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"stairwatch/internal/monitor"
	"stairwatch/internal/stairs"
)

// Message is the datagram body. Exactly one of Stair and Episode is set.
type Message struct {
	Type      string                `json:"type"`
	SessionID string                `json:"session_id"`
	Stair     *stairs.StairEvent    `json:"stair,omitempty"`
	Episode   *stairs.EpisodeResult `json:"episode,omitempty"`
}

type sender interface {
	Send(payload []byte) error
}

// EventSink forwards monitor events as JSON datagrams. Send failures are
// counted and logged at most once per LogEvery.
type EventSink struct {
	out      sender
	episodes bool
	log      *slog.Logger
	logEvery time.Duration

	sent    atomic.Uint64
	failed  atomic.Uint64
	lastLog atomic.Int64
}

type SinkConfig struct {
	// Episodes also forwards every closed episode, not just stairs.
	Episodes bool
	LogEvery time.Duration
	Logger   *slog.Logger
}

func NewEventSink(out sender, cfg SinkConfig) *EventSink {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = 10 * time.Second
	}
	return &EventSink{
		out:      out,
		episodes: cfg.Episodes,
		log:      cfg.Logger.With("component", "udp"),
		logEvery: cfg.LogEvery,
	}
}

var _ monitor.Sink = (*EventSink)(nil)

func (s *EventSink) Stair(ev monitor.StairEvent) {
	s.send(Message{Type: "stair", SessionID: ev.SessionID, Stair: &ev.StairEvent})
}

func (s *EventSink) Episode(ev monitor.EpisodeEvent) {
	if !s.episodes {
		return
	}
	s.send(Message{Type: "episode", SessionID: ev.SessionID, Episode: &ev.EpisodeResult})
}

// Stats returns datagrams sent and failed.
func (s *EventSink) Stats() (sent, failed uint64) {
	return s.sent.Load(), s.failed.Load()
}

func (s *EventSink) send(m Message) {
	b, err := json.Marshal(m)
	if err != nil {
		s.fail("marshal", err)
		return
	}
	if err := s.out.Send(b); err != nil {
		s.fail("send", err)
		return
	}
	s.sent.Add(1)
}

func (s *EventSink) fail(op string, err error) {
	s.failed.Add(1)
	now := time.Now().UnixNano()
	last := s.lastLog.Load()
	if last != 0 && time.Duration(now-last) < s.logEvery {
		return
	}
	if s.lastLog.CompareAndSwap(last, now) {
		s.log.Warn("udp event "+op+" failed", "err", err, "failed", s.failed.Load())
	}
}
