package web

import (
	"sync"
	"time"

	"stairwatch/internal/monitor"
)

// Status aggregates what /api/status reports: the monitor snapshot plus any
// registered component snapshots (feedback, mqtt, ...).
type Status struct {
	start time.Time
	now   func() time.Time

	mu         sync.RWMutex
	source     string
	monitor    func() monitor.Snapshot
	components map[string]func() any
}

func NewStatus() *Status {
	return &Status{
		start:      time.Now().UTC(),
		now:        time.Now,
		components: make(map[string]func() any),
	}
}

// SetSource records the configured source kind (imu, replay, serial, sim).
func (s *Status) SetSource(kind string) {
	s.mu.Lock()
	s.source = kind
	s.mu.Unlock()
}

func (s *Status) SetMonitor(fn func() monitor.Snapshot) {
	s.mu.Lock()
	s.monitor = fn
	s.mu.Unlock()
}

// AddComponent registers a snapshot function reported under name.
func (s *Status) AddComponent(name string, fn func() any) {
	s.mu.Lock()
	s.components[name] = fn
	s.mu.Unlock()
}

type StatusSnapshot struct {
	Service    string            `json:"service"`
	NowUTC     string            `json:"now_utc"`
	UptimeSec  int64             `json:"uptime_sec"`
	Source     string            `json:"source"`
	StairCount uint64            `json:"stair_count"`
	Monitor    *monitor.Snapshot `json:"monitor,omitempty"`
	Components map[string]any    `json:"components,omitempty"`
}

func (s *Status) Snapshot() StatusSnapshot {
	now := s.now().UTC()
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := StatusSnapshot{
		Service:   "stairwatch",
		NowUTC:    now.Format(time.RFC3339Nano),
		UptimeSec: int64(now.Sub(s.start).Seconds()),
		Source:    s.source,
	}
	if s.monitor != nil {
		m := s.monitor()
		snap.Monitor = &m
		snap.StairCount = m.Diagnostics.StairCount
	}
	if len(s.components) > 0 {
		snap.Components = make(map[string]any, len(s.components))
		for name, fn := range s.components {
			snap.Components[name] = fn()
		}
	}
	return snap
}
