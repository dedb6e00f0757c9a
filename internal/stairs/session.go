package stairs

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrSensorUnavailable = errors.New("stairs: required sensor unavailable")
	ErrMalformedSample   = errors.New("stairs: malformed sample")
)

// Capabilities lists the sensor streams a platform can deliver.
type Capabilities struct {
	LinearAcceleration bool `json:"linear_acceleration"`
	Gravity            bool `json:"gravity"`
	SignificantMotion  bool `json:"significant_motion"`
}

func (c Capabilities) missing() []string {
	var out []string
	if !c.LinearAcceleration {
		out = append(out, "linear_acceleration")
	}
	if !c.Gravity {
		out = append(out, "gravity")
	}
	return out
}

// Feedback is a haptic pulse request.
type Feedback struct {
	Duration  time.Duration `json:"duration"`
	Intensity float64       `json:"intensity"`
}

type Outcome int

const (
	OutcomeConfirmed Outcome = iota
	OutcomeRejected
	OutcomeTooShort
	OutcomeAborted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeRejected:
		return "rejected"
	case OutcomeTooShort:
		return "too_short"
	case OutcomeAborted:
		return "aborted"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Outcome) UnmarshalText(b []byte) error {
	for _, v := range []Outcome{OutcomeConfirmed, OutcomeRejected, OutcomeTooShort, OutcomeAborted} {
		if v.String() == string(b) {
			*o = v
			return nil
		}
	}
	return fmt.Errorf("stairs: unknown outcome %q", b)
}

// EpisodeResult is reported once for every episode that closes.
type EpisodeResult struct {
	Episode        Episode   `json:"episode"`
	Outcome        Outcome   `json:"outcome"`
	SigMotionCount uint64    `json:"sig_motion_count"`
	At             time.Time `json:"at"`
}

// StairEvent is emitted exactly once per confirmed flight.
type StairEvent struct {
	Count    uint64    `json:"count"`
	Episode  Episode   `json:"episode"`
	Feedback Feedback  `json:"feedback"`
	At       time.Time `json:"at"`
}

// Callbacks connects a Session to its collaborators. Every field is optional.
// Callbacks run synchronously on the caller's goroutine.
type Callbacks struct {
	// Rearm re-requests the one-shot significant motion trigger.
	Rearm     func() error
	OnStair   func(StairEvent)
	OnEpisode func(EpisodeResult)
}

// Diagnostics is a read-only view of the pipeline after the last sample.
type Diagnostics struct {
	Enabled          bool        `json:"enabled"`
	Filtered         Vec3        `json:"filtered"`
	Gravity          Vec3        `json:"gravity"`
	Vertical         float64     `json:"vertical"`
	Mean             float64     `json:"mean"`
	WindowLen        int         `json:"window_len"`
	State            MotionState `json:"state"`
	InVerticalMotion bool        `json:"in_vertical_motion"`
	Calculating      bool        `json:"calculating"`
	SigMotionCount   uint64      `json:"sig_motion_count"`
	StairCount       uint64      `json:"stair_count"`
	Samples          uint64      `json:"samples"`
	Malformed        uint64      `json:"malformed"`
}

// Session is one monitoring session: the whole classification pipeline plus
// its counters. It is not safe for concurrent use; callers serialize every
// method call onto one goroutine.
type Session struct {
	cfg      Config
	cb       Callbacks
	disabled bool

	filter   *NoiseFilter
	window   *Window
	machine  *StateMachine
	sig      *SignificantMotionMonitor
	debounce *DebounceConfirmer

	gravity  Vec3
	filtered Vec3
	vertical float64

	stairs    uint64
	samples   uint64
	malformed uint64
}

// NewSession validates cfg and builds a session.
//
// When caps lacks linear acceleration or gravity the returned session is
// non-nil but disabled (every input is a no-op) and the error wraps
// ErrSensorUnavailable. Any other error comes with a nil session.
func NewSession(cfg Config, caps Capabilities, cb Callbacks) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Session{
		cfg:      cfg,
		cb:       cb,
		filter:   NewNoiseFilter(cfg.Alpha),
		window:   NewWindow(cfg.QueueSize, cfg.VertThreshold),
		machine:  NewStateMachine(cfg),
		sig:      NewSignificantMotionMonitor(cb.Rearm),
		debounce: NewDebounceConfirmer(cfg.StairDetectDelay),
	}
	if missing := caps.missing(); len(missing) > 0 {
		s.disabled = true
		return s, fmt.Errorf("%w: %s", ErrSensorUnavailable, strings.Join(missing, ", "))
	}
	return s, nil
}

func (s *Session) Enabled() bool { return !s.disabled }

// Close ends the session. A pending confirmation is dropped.
func (s *Session) Close() {
	s.disabled = true
	s.debounce.Reset()
}

// OnGravity replaces the gravity estimate used for projection.
func (s *Session) OnGravity(g Vec3) error {
	if s.disabled {
		return nil
	}
	if !g.finiteWithin(s.cfg.MaxSampleMagnitude) {
		s.malformed++
		return fmt.Errorf("%w: gravity %v", ErrMalformedSample, g)
	}
	s.gravity = g
	return nil
}

// OnAccel runs one linear acceleration sample through the pipeline. A
// malformed sample is rejected before any state is touched.
func (s *Session) OnAccel(raw Vec3, now time.Time) error {
	if s.disabled {
		return nil
	}
	if !raw.finiteWithin(s.cfg.MaxSampleMagnitude) {
		s.malformed++
		return fmt.Errorf("%w: accel %v", ErrMalformedSample, raw)
	}

	// A confirmation that came due between samples resolves first.
	s.Tick(now)

	s.samples++
	s.filtered = s.filter.Apply(raw)
	s.vertical = VerticalMagnitude(s.filtered, s.gravity)
	s.window.Push(s.vertical)

	step := s.machine.Step(StepInput{
		Magnitude:      s.vertical,
		Mean:           s.window.Mean(),
		SigMotionCount: s.sig.Count(),
		Now:            now,
		Busy:           s.debounce.Pending(),
	})
	if step.ClearWindow {
		s.window.Reset()
	}

	switch step.Disposition {
	case DispositionCompleted:
		s.debounce.Schedule(*step.Episode)
	case DispositionTooShort:
		s.report(*step.Episode, OutcomeTooShort, now)
	case DispositionAborted:
		s.report(*step.Episode, OutcomeAborted, now)
	}
	return nil
}

// OnSignificantMotion records one trigger firing and re-arms the trigger.
// An error wrapping ErrRearmFailed means no further firings will arrive.
func (s *Session) OnSignificantMotion() error {
	if s.disabled {
		return nil
	}
	return s.sig.Fire()
}

// Tick resolves a pending confirmation whose deadline has passed. It reports
// whether a stair was counted.
func (s *Session) Tick(now time.Time) bool {
	if s.disabled {
		return false
	}
	ep, confirmed, ok := s.debounce.Resolve(now, s.sig.Count())
	if !ok {
		return false
	}
	if !confirmed {
		s.report(ep, OutcomeRejected, now)
		return false
	}
	s.stairs++
	if s.cb.OnStair != nil {
		s.cb.OnStair(StairEvent{
			Count:   s.stairs,
			Episode: ep,
			Feedback: Feedback{
				Duration:  s.cfg.FeedbackDuration,
				Intensity: s.cfg.FeedbackIntensity,
			},
			At: now,
		})
	}
	s.report(ep, OutcomeConfirmed, now)
	return true
}

// NextDeadline returns when Tick next has work to do.
func (s *Session) NextDeadline() (time.Time, bool) {
	if s.disabled {
		return time.Time{}, false
	}
	return s.debounce.Due()
}

func (s *Session) StairCount() uint64 { return s.stairs }

func (s *Session) SigMotionCount() uint64 { return s.sig.Count() }

func (s *Session) State() MotionState { return s.machine.State() }

func (s *Session) Diagnostics() Diagnostics {
	return Diagnostics{
		Enabled:          !s.disabled,
		Filtered:         s.filtered,
		Gravity:          s.gravity,
		Vertical:         s.vertical,
		Mean:             s.window.Mean(),
		WindowLen:        s.window.Len(),
		State:            s.machine.State(),
		InVerticalMotion: s.machine.State() == InVerticalMotion,
		Calculating:      s.debounce.Pending(),
		SigMotionCount:   s.sig.Count(),
		StairCount:       s.stairs,
		Samples:          s.samples,
		Malformed:        s.malformed,
	}
}

func (s *Session) report(ep Episode, o Outcome, now time.Time) {
	if s.cb.OnEpisode == nil {
		return
	}
	s.cb.OnEpisode(EpisodeResult{
		Episode:        ep,
		Outcome:        o,
		SigMotionCount: s.sig.Count(),
		At:             now,
	})
}
