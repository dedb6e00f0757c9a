package sim

import (
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"stairwatch/internal/sensor"
	"stairwatch/internal/stairs"
)

// ScenarioScript is a deterministic, script-driven motion description.
//
// Time is expressed as Go duration strings (e.g. "0s", "250ms", "10s").
//
// YAML schema (v1):
//
//	version: 1
//	sample_rate_hz: 50
//	gravity: [0, 0, 9.8]
//	gravity_every: 5
//	noise: 0.05
//	seed: 7
//	segments:
//	  - kind: rest
//	    duration: 3s
//	  - kind: climb
//	    duration: 4s
//	    amplitude: 4
//	    cadence_hz: 2
//	    sig_motion_after: 300ms
//	  - kind: walk
//	    duration: 5s
//	  - kind: shock
//	    amplitude: 40
//
// rest: still. climb: vertical oscillation along gravity. walk: mostly
// horizontal sway with a small vertical bob. shock: one sample spike along
// gravity (duration ignored).
//
// climb and walk segments emit one significant-motion reading sig_motion_after
// into the segment unless no_sig_motion is set.
type ScenarioScript struct {
	Version      int       `yaml:"version"`
	SampleRateHz int       `yaml:"sample_rate_hz"`
	Gravity      []float64 `yaml:"gravity"`
	GravityEvery int       `yaml:"gravity_every"`
	Noise        float64   `yaml:"noise"`
	Seed         uint64    `yaml:"seed"`
	Segments     []Segment `yaml:"segments"`
}

type Segment struct {
	Kind           string        `yaml:"kind"`
	Duration       time.Duration `yaml:"duration"`
	Amplitude      float64       `yaml:"amplitude"`
	CadenceHz      float64       `yaml:"cadence_hz"`
	SigMotionAfter time.Duration `yaml:"sig_motion_after"`
	NoSigMotion    bool          `yaml:"no_sig_motion"`
}

const (
	KindRest  = "rest"
	KindClimb = "climb"
	KindWalk  = "walk"
	KindShock = "shock"
)

// LoadScenarioScript reads and unmarshals a YAML scenario script from path.
func LoadScenarioScript(path string) (ScenarioScript, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return ScenarioScript{}, err
	}
	return ParseScenarioScriptYAML(b)
}

// ParseScenarioScriptYAML parses a YAML scenario script.
func ParseScenarioScriptYAML(b []byte) (ScenarioScript, error) {
	var s ScenarioScript
	if err := yaml.Unmarshal(b, &s); err != nil {
		return ScenarioScript{}, err
	}
	return s, nil
}

// Scenario is the validated, runtime representation.
type Scenario struct {
	script   ScenarioScript
	gravity  stairs.Vec3
	up       stairs.Vec3
	side     stairs.Vec3
	period   time.Duration
	starts   []time.Duration
	duration time.Duration
}

// NewScenario validates script, fills defaults and returns a runtime Scenario.
func NewScenario(script ScenarioScript) (*Scenario, error) {
	if script.Version == 0 {
		script.Version = 1
	}
	if script.Version != 1 {
		return nil, fmt.Errorf("unsupported scenario version %d", script.Version)
	}
	if script.SampleRateHz == 0 {
		script.SampleRateHz = 50
	}
	if script.SampleRateHz < 1 || script.SampleRateHz > 1000 {
		return nil, fmt.Errorf("sample_rate_hz must be in [1,1000]")
	}
	if script.GravityEvery == 0 {
		script.GravityEvery = 5
	}
	if script.GravityEvery < 1 {
		return nil, fmt.Errorf("gravity_every must be >= 1")
	}
	if script.Noise < 0 {
		return nil, fmt.Errorf("noise must be >= 0")
	}
	g := stairs.Vec3{Z: stairs.StandardGravity}
	if len(script.Gravity) != 0 {
		if len(script.Gravity) != 3 {
			return nil, fmt.Errorf("gravity must have 3 components")
		}
		g = stairs.Vec3{X: script.Gravity[0], Y: script.Gravity[1], Z: script.Gravity[2]}
	}
	if g.Norm() < 1 {
		return nil, fmt.Errorf("gravity magnitude too small")
	}
	if len(script.Segments) == 0 {
		return nil, fmt.Errorf("segments is required")
	}

	period := time.Second / time.Duration(script.SampleRateHz)
	starts := make([]time.Duration, len(script.Segments))
	var total time.Duration
	for i := range script.Segments {
		seg := &script.Segments[i]
		seg.Kind = strings.ToLower(strings.TrimSpace(seg.Kind))
		switch seg.Kind {
		case KindRest:
		case KindClimb:
			if seg.Amplitude == 0 {
				seg.Amplitude = 4
			}
			if seg.CadenceHz == 0 {
				seg.CadenceHz = 2
			}
		case KindWalk:
			if seg.Amplitude == 0 {
				seg.Amplitude = 3
			}
			if seg.CadenceHz == 0 {
				seg.CadenceHz = 2
			}
		case KindShock:
			if seg.Amplitude == 0 {
				seg.Amplitude = 40
			}
			seg.Duration = period
		default:
			return nil, fmt.Errorf("segments[%d].kind %q unknown", i, seg.Kind)
		}
		if seg.Duration <= 0 {
			return nil, fmt.Errorf("segments[%d].duration must be > 0", i)
		}
		if seg.CadenceHz < 0 || seg.Amplitude < 0 {
			return nil, fmt.Errorf("segments[%d] amplitude and cadence_hz must be >= 0", i)
		}
		if seg.SigMotionAfter == 0 {
			seg.SigMotionAfter = 300 * time.Millisecond
		}
		if seg.SigMotionAfter < 0 || (seg.moving() && !seg.NoSigMotion && seg.SigMotionAfter >= seg.Duration) {
			return nil, fmt.Errorf("segments[%d].sig_motion_after must be within the segment", i)
		}
		starts[i] = total
		total += seg.Duration
	}

	up := scale(g, 1/g.Norm())
	return &Scenario{
		script:   script,
		gravity:  g,
		up:       up,
		side:     perpendicular(up),
		period:   period,
		starts:   starts,
		duration: total,
	}, nil
}

func (s Segment) moving() bool { return s.Kind == KindClimb || s.Kind == KindWalk }

// Duration returns the effective scenario duration.
func (s *Scenario) Duration() time.Duration {
	if s == nil {
		return 0
	}
	return s.duration
}

// SamplePeriod is the spacing between linear acceleration readings.
func (s *Scenario) SamplePeriod() time.Duration { return s.period }

// SegmentAt returns the index of the segment active at elapsed, or -1 past
// the end.
func (s *Scenario) SegmentAt(elapsed time.Duration) int {
	if elapsed < 0 {
		return -1
	}
	for i := len(s.starts) - 1; i >= 0; i-- {
		if elapsed >= s.starts[i] {
			if elapsed >= s.starts[i]+s.script.Segments[i].Duration {
				return -1
			}
			return i
		}
	}
	return -1
}

// MotionAt is the noise-free linear acceleration at elapsed.
func (s *Scenario) MotionAt(elapsed time.Duration) stairs.Vec3 {
	i := s.SegmentAt(elapsed)
	if i < 0 {
		return stairs.Vec3{}
	}
	seg := s.script.Segments[i]
	t := (elapsed - s.starts[i]).Seconds()
	phase := 2 * math.Pi * seg.CadenceHz * t
	switch seg.Kind {
	case KindClimb:
		return scale(s.up, seg.Amplitude*math.Sin(phase))
	case KindWalk:
		sway := scale(s.side, seg.Amplitude*math.Sin(phase))
		bob := scale(s.up, 0.2*seg.Amplitude*math.Sin(2*phase))
		return add(sway, bob)
	case KindShock:
		return scale(s.up, seg.Amplitude)
	}
	return stairs.Vec3{}
}

// Readings generates the whole scenario as offsets from zero. The output is
// identical for identical scripts.
func (s *Scenario) Readings() []Offset {
	rng := rand.New(rand.NewPCG(s.script.Seed, s.script.Seed^0x9e3779b97f4a7c15))
	n := int(s.duration / s.period)
	out := make([]Offset, 0, n+n/s.script.GravityEvery+len(s.script.Segments)+1)

	type firing struct {
		at   time.Duration
		done bool
	}
	var fires []firing
	for i, seg := range s.script.Segments {
		if seg.moving() && !seg.NoSigMotion {
			fires = append(fires, firing{at: s.starts[i] + seg.SigMotionAfter})
		}
	}

	for k := 0; k < n; k++ {
		at := time.Duration(k) * s.period
		for j := range fires {
			if !fires[j].done && fires[j].at <= at {
				fires[j].done = true
				out = append(out, Offset{At: fires[j].at, Kind: sensor.KindSigMotion})
			}
		}
		if k%s.script.GravityEvery == 0 {
			out = append(out, Offset{At: at, Kind: sensor.KindGravity, Vec: s.gravity})
		}
		v := s.MotionAt(at)
		if s.script.Noise > 0 {
			v = add(v, stairs.Vec3{
				X: s.script.Noise * rng.NormFloat64(),
				Y: s.script.Noise * rng.NormFloat64(),
				Z: s.script.Noise * rng.NormFloat64(),
			})
		}
		out = append(out, Offset{At: at, Kind: sensor.KindLinearAccel, Vec: v})
	}
	return out
}

// Offset is a generated reading relative to scenario start.
type Offset struct {
	At   time.Duration
	Kind sensor.Kind
	Vec  stairs.Vec3
}

func scale(v stairs.Vec3, k float64) stairs.Vec3 {
	return stairs.Vec3{X: v.X * k, Y: v.Y * k, Z: v.Z * k}
}

func add(a, b stairs.Vec3) stairs.Vec3 {
	return stairs.Vec3{X: a.X + b.X, Y: a.Y + b.Y, Z: a.Z + b.Z}
}

// perpendicular returns a unit vector orthogonal to u.
func perpendicular(u stairs.Vec3) stairs.Vec3 {
	ref := stairs.Vec3{X: 1}
	if math.Abs(u.X) > 0.9 {
		ref = stairs.Vec3{Y: 1}
	}
	// ref - (ref·u)u
	p := add(ref, scale(u, -ref.Dot(u)))
	return scale(p, 1/p.Norm())
}
