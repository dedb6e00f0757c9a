// Package monitor runs one stair-detection session against a sensor source.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"stairwatch/internal/clock"
	"stairwatch/internal/sensor"
	"stairwatch/internal/stairs"
)

// StairEvent is a confirmed stair tagged with its session.
type StairEvent struct {
	SessionID string `json:"session_id"`
	stairs.StairEvent
}

// EpisodeEvent is a closed episode tagged with its session.
type EpisodeEvent struct {
	SessionID string `json:"session_id"`
	stairs.EpisodeResult
}

// Sink receives events on the service goroutine. Implementations must not
// block.
type Sink interface {
	Stair(StairEvent)
	Episode(EpisodeEvent)
}

type Config struct {
	Detector stairs.Config
	Source   sensor.Source
	// Trigger is the significant-motion detector. It may be driven by the
	// source's own KindSigMotion readings or by the linear acceleration
	// stream. nil disables confirmation input; episodes are then always
	// rejected.
	Trigger sensor.Trigger
	Sinks   []Sink
	// OnReading sees every reading before it is processed (recording).
	OnReading func(sensor.Reading)
	// OnDiagnostics sees the pipeline state after every processed input.
	OnDiagnostics func(sessionID string, at time.Time, d stairs.Diagnostics)

	// QueueLen is the reading channel buffer. Default 256.
	QueueLen int

	Clock  clock.Clock
	Logger *slog.Logger
}

type Outcomes struct {
	Confirmed uint64 `json:"confirmed"`
	Rejected  uint64 `json:"rejected"`
	TooShort  uint64 `json:"too_short"`
	Aborted   uint64 `json:"aborted"`
}

type Snapshot struct {
	SessionID    string              `json:"session_id"`
	Running      bool                `json:"running"`
	StartedAt    time.Time           `json:"started_at"`
	Capabilities stairs.Capabilities `json:"capabilities"`
	Diagnostics  stairs.Diagnostics  `json:"diagnostics"`
	Outcomes     Outcomes            `json:"outcomes"`

	LastStairAt time.Time             `json:"last_stair_at,omitempty"`
	LastEpisode *stairs.EpisodeResult `json:"last_episode,omitempty"`

	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Service struct {
	cfg Config
	log *slog.Logger

	resetCh chan chan error

	// Loop-owned state.
	sess      *stairs.Session
	sessionID string
	caps      stairs.Capabilities
	lastAt    time.Time
	lastWall  time.Time
	fatal     error
	malformed uint64

	mu   sync.RWMutex
	snap Snapshot

	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(cfg Config) *Service {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.QueueLen <= 0 {
		cfg.QueueLen = 256
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		cfg:     cfg,
		log:     log.With("component", "monitor"),
		resetCh: make(chan chan error, 1),
		stopCh:  make(chan struct{}),
	}
}

func (s *Service) Close() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Service) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := s.snap
	if snap.LastEpisode != nil {
		ep := *snap.LastEpisode
		snap.LastEpisode = &ep
	}
	return snap
}

// Reset ends the current session and starts a fresh one with zeroed counts.
func (s *Service) Reset(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("monitor: service is nil")
	}
	s.mu.RLock()
	running := s.snap.Running
	s.mu.RUnlock()
	if !running {
		return fmt.Errorf("monitor: not running")
	}

	done := make(chan error, 1)
	select {
	case s.resetCh <- done:
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("monitor: reset already in progress")
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the source until ctx is done, Close is called or the source
// ends. It returns an error wrapping stairs.ErrRearmFailed when the
// significant-motion trigger cannot be re-armed, and source failures.
func (s *Service) Run(ctx context.Context) error {
	if s.cfg.Source == nil {
		return errors.New("monitor: source is nil")
	}
	s.caps = s.cfg.Source.Capabilities()
	if err := s.startSession(); err != nil {
		return err
	}
	defer s.stopSession()

	srcCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	readings := make(chan sensor.Reading, s.cfg.QueueLen)
	srcErr := make(chan error, 1)
	go func() { srcErr <- s.cfg.Source.Run(srcCtx, readings) }()

	timer := s.cfg.Clock.NewTimer(time.Hour)
	timer.Stop()
	var armedFor time.Time
	sourceDone := false

	for {
		// Keep the debounce deadline timer in step with the session.
		due, pending := s.sess.NextDeadline()
		switch {
		case pending && !due.Equal(armedFor):
			wait := due.Sub(s.sessionNow())
			if wait < 0 {
				wait = 0
			}
			timer.Reset(wait)
			armedFor = due
		case !pending && !armedFor.IsZero():
			timer.Stop()
			armedFor = time.Time{}
		}
		if sourceDone && !pending {
			s.log.Info("source finished")
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.stopCh:
			return nil
		case r := <-readings:
			if err := s.handle(r); err != nil {
				return err
			}
		case <-timer.C():
			armedFor = time.Time{}
			s.sess.Tick(s.sessionNow())
			s.publish()
		case err := <-srcErr:
			srcErr = nil
			if err != nil {
				s.setErr(err.Error())
				return fmt.Errorf("monitor: source: %w", err)
			}
			// The source has returned, so everything it sent is buffered.
			for drained := false; !drained; {
				select {
				case r := <-readings:
					if err := s.handle(r); err != nil {
						return err
					}
				default:
					drained = true
				}
			}
			sourceDone = true
		case done := <-s.resetCh:
			s.stopSession()
			armedFor = time.Time{}
			timer.Stop()
			done <- s.startSession()
		}
	}
}

// sessionNow maps the clock onto the reading timeline: the last reading's
// timestamp plus the wall time elapsed since it arrived.
func (s *Service) sessionNow() time.Time {
	now := s.cfg.Clock.Now()
	if s.lastAt.IsZero() {
		return now
	}
	return s.lastAt.Add(now.Sub(s.lastWall))
}

func (s *Service) startSession() error {
	id := uuid.NewString()
	log := s.log.With("session", id)
	sess, err := stairs.NewSession(s.cfg.Detector, s.caps, stairs.Callbacks{
		Rearm:     s.rearm,
		OnStair:   s.onStair,
		OnEpisode: s.onEpisode,
	})
	switch {
	case errors.Is(err, stairs.ErrSensorUnavailable):
		log.Error("detector disabled", "err", err)
		s.setErr(err.Error())
	case err != nil:
		return fmt.Errorf("monitor: %w", err)
	}
	s.sess = sess
	s.sessionID = id
	s.fatal = nil

	if sess.Enabled() {
		if s.cfg.Trigger == nil {
			log.Warn("no significant motion trigger; episodes will not be confirmed")
		} else if err := s.cfg.Trigger.Request(s.fire); err != nil {
			return fmt.Errorf("monitor: arm trigger: %w: %w", stairs.ErrRearmFailed, err)
		}
	}

	now := s.cfg.Clock.Now()
	s.mu.Lock()
	s.snap = Snapshot{
		SessionID:    id,
		Running:      true,
		StartedAt:    now,
		Capabilities: s.caps,
		Diagnostics:  sess.Diagnostics(),
		LastError:    s.snap.LastError,
		UpdatedAt:    now,
	}
	s.mu.Unlock()
	log.Info("session started", "caps", s.caps)
	return nil
}

func (s *Service) stopSession() {
	if s.sess == nil {
		return
	}
	s.sess.Close()
	s.mu.Lock()
	s.snap.Running = false
	s.snap.Diagnostics = s.sess.Diagnostics()
	s.snap.UpdatedAt = s.cfg.Clock.Now()
	s.mu.Unlock()
	s.log.Info("session ended", "session", s.sessionID, "stairs", s.sess.StairCount())
}

func (s *Service) handle(r sensor.Reading) error {
	s.lastAt = r.Time
	s.lastWall = s.cfg.Clock.Now()
	if s.cfg.OnReading != nil {
		s.cfg.OnReading(r)
	}

	var err error
	switch r.Kind {
	case sensor.KindGravity:
		err = s.sess.OnGravity(r.Vec)
	case sensor.KindLinearAccel:
		err = s.sess.OnAccel(r.Vec, r.Time)
	}
	if err != nil {
		s.malformed++
		if s.malformed <= 3 || s.malformed%100 == 0 {
			s.log.Warn("sample rejected", "err", err, "rejected", s.malformed)
		}
		s.setErr(err.Error())
	}

	if s.cfg.Trigger != nil && s.sess.Enabled() {
		s.cfg.Trigger.Observe(r)
	}
	if s.fatal != nil {
		s.setErr(s.fatal.Error())
		return s.fatal
	}
	s.publish()
	return nil
}

func (s *Service) fire() {
	if err := s.sess.OnSignificantMotion(); err != nil {
		s.log.Error("significant motion re-arm failed", "err", err)
		s.fatal = err
		return
	}
	s.log.Debug("significant motion", "count", s.sess.SigMotionCount())
}

func (s *Service) rearm() error {
	if s.cfg.Trigger == nil {
		return nil
	}
	return s.cfg.Trigger.Request(s.fire)
}

func (s *Service) onStair(ev stairs.StairEvent) {
	s.log.Info("stair confirmed", "session", s.sessionID, "count", ev.Count, "duration", ev.Episode.Duration())
	out := StairEvent{SessionID: s.sessionID, StairEvent: ev}
	s.mu.Lock()
	s.snap.LastStairAt = ev.At
	s.mu.Unlock()
	for _, sink := range s.cfg.Sinks {
		sink.Stair(out)
	}
}

func (s *Service) onEpisode(res stairs.EpisodeResult) {
	level := slog.LevelInfo
	if res.Outcome != stairs.OutcomeConfirmed {
		level = slog.LevelDebug
	}
	s.log.Log(context.Background(), level, "episode closed",
		"session", s.sessionID, "outcome", res.Outcome, "duration", res.Episode.Duration())

	s.mu.Lock()
	switch res.Outcome {
	case stairs.OutcomeConfirmed:
		s.snap.Outcomes.Confirmed++
	case stairs.OutcomeRejected:
		s.snap.Outcomes.Rejected++
	case stairs.OutcomeTooShort:
		s.snap.Outcomes.TooShort++
	case stairs.OutcomeAborted:
		s.snap.Outcomes.Aborted++
	}
	last := res
	s.snap.LastEpisode = &last
	s.mu.Unlock()

	out := EpisodeEvent{SessionID: s.sessionID, EpisodeResult: res}
	for _, sink := range s.cfg.Sinks {
		sink.Episode(out)
	}
}

func (s *Service) publish() {
	d := s.sess.Diagnostics()
	s.mu.Lock()
	s.snap.Diagnostics = d
	s.snap.UpdatedAt = s.cfg.Clock.Now()
	s.mu.Unlock()
	if s.cfg.OnDiagnostics != nil {
		s.cfg.OnDiagnostics(s.sessionID, s.lastAt, d)
	}
}

func (s *Service) setErr(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.LastError = msg
	s.snap.UpdatedAt = s.cfg.Clock.Now()
}
