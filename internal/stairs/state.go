package stairs

import (
	"fmt"
	"math"
	"time"
)

type MotionState int

const (
	Resting MotionState = iota
	InVerticalMotion
	Calibrating
)

func (s MotionState) String() string {
	switch s {
	case Resting:
		return "resting"
	case InVerticalMotion:
		return "in_vertical_motion"
	case Calibrating:
		return "calibrating"
	default:
		return fmt.Sprintf("MotionState(%d)", int(s))
	}
}

// MarshalText lets states appear by name in JSON snapshots.
func (s MotionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *MotionState) UnmarshalText(b []byte) error {
	for _, v := range []MotionState{Resting, InVerticalMotion, Calibrating} {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("stairs: unknown motion state %q", b)
}

// Episode is a candidate period of sustained vertical motion.
type Episode struct {
	StartedAt             time.Time `json:"started_at"`
	EndedAt               time.Time `json:"ended_at,omitempty"`
	SigMotionCountAtStart uint64    `json:"sig_motion_count_at_start"`
}

// Duration is EndedAt-StartedAt, never negative.
func (e Episode) Duration() time.Duration {
	return elapsed(e.StartedAt, e.EndedAt)
}

func elapsed(from, to time.Time) time.Duration {
	d := to.Sub(from)
	if d < 0 {
		return 0
	}
	return d
}

// Disposition says what happened to an episode on a step.
type Disposition int

const (
	DispositionNone Disposition = iota
	// DispositionCompleted: long enough, handed to the debounce confirmer.
	DispositionCompleted
	DispositionTooShort
	DispositionAborted
)

// StepInput is everything the state machine looks at for one sample.
type StepInput struct {
	// Magnitude is the unclamped vertical magnitude.
	Magnitude      float64
	Mean           float64
	SigMotionCount uint64
	Now            time.Time
	// Busy is set while a confirmation is pending.
	Busy bool
}

// Step reports the outcome of one StateMachine evaluation.
type Step struct {
	From, To    MotionState
	Episode     *Episode
	Disposition Disposition
	ClearWindow bool
}

func (s Step) Changed() bool { return s.From != s.To }

// StateMachine classifies the rolling mean into Resting, InVerticalMotion and
// Calibrating. It holds at most one open episode.
type StateMachine struct {
	vertMax         float64
	avgThreshold    float64
	motionThreshold float64
	restThreshold   float64
	minDuration     time.Duration
	clearOnCalExit  bool
	clearOnEpEnd    bool

	state   MotionState
	episode Episode
}

func NewStateMachine(cfg Config) *StateMachine {
	return &StateMachine{
		vertMax:         cfg.VertMax,
		avgThreshold:    cfg.AvgThreshold,
		motionThreshold: cfg.MotionThreshold(),
		restThreshold:   cfg.RestThreshold,
		minDuration:     cfg.MinMotionDuration,
		clearOnCalExit:  cfg.ClearWindowOnCalibrationExit,
		clearOnEpEnd:    cfg.ClearWindowOnEpisodeEnd,
	}
}

func (m *StateMachine) State() MotionState { return m.state }

// OpenEpisode returns the episode in progress, if any.
func (m *StateMachine) OpenEpisode() (Episode, bool) {
	if m.state != InVerticalMotion {
		return Episode{}, false
	}
	return m.episode, true
}

func (m *StateMachine) saturated(in StepInput) bool {
	if math.Abs(in.Magnitude) >= m.vertMax {
		return true
	}
	return m.avgThreshold > 0 && in.Mean >= m.avgThreshold
}

// Step evaluates the transition rules in priority order: saturation guard,
// calibration exit, motion entry, motion exit.
func (m *StateMachine) Step(in StepInput) Step {
	st := Step{From: m.state}

	if m.saturated(in) {
		if m.state == InVerticalMotion {
			ep := m.episode
			ep.EndedAt = in.Now
			st.Episode = &ep
			st.Disposition = DispositionAborted
		}
		m.state = Calibrating
		st.To = m.state
		return st
	}

	if m.state == Calibrating {
		if in.Mean > m.restThreshold {
			st.To = m.state
			return st
		}
		m.state = Resting
		if m.clearOnCalExit {
			// The cleared window has mean 0, so no entry is possible below.
			st.ClearWindow = true
			st.To = m.state
			return st
		}
	}

	if in.Busy {
		st.To = m.state
		return st
	}

	switch m.state {
	case Resting:
		if in.Mean >= m.motionThreshold {
			m.state = InVerticalMotion
			m.episode = Episode{StartedAt: in.Now, SigMotionCountAtStart: in.SigMotionCount}
		}
	case InVerticalMotion:
		if in.Mean <= m.restThreshold {
			m.state = Resting
			ep := m.episode
			ep.EndedAt = in.Now
			st.Episode = &ep
			if ep.Duration() >= m.minDuration {
				st.Disposition = DispositionCompleted
			} else {
				st.Disposition = DispositionTooShort
			}
			st.ClearWindow = m.clearOnEpEnd
		}
	}
	st.To = m.state
	return st
}

func (m *StateMachine) Reset() {
	m.state = Resting
	m.episode = Episode{}
}
