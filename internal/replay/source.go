package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"stairwatch/internal/clock"
	"stairwatch/internal/sensor"
	"stairwatch/internal/stairs"
)

type SourceConfig struct {
	Path  string
	Speed float64
	Loop  bool

	Clock clock.Clock
	// Sleeper overrides clock-driven pacing.
	Sleeper Sleeper
	Logger  *slog.Logger
}

// Source plays a sample log as a sensor.Source. Readings are stamped on the
// recording's own timeline, anchored at the clock time Run starts, so
// durations seen by the detector match the recording at any speed.
type Source struct {
	cfg     SourceConfig
	log     *slog.Logger
	records []Record
	caps    stairs.Capabilities
}

func NewSource(cfg SourceConfig) (*Source, error) {
	if cfg.Path == "" {
		return nil, errors.New("replay: path is required")
	}
	recs, err := ReadFile(cfg.Path)
	if err != nil {
		return nil, err
	}
	return newSource(cfg, recs)
}

// NewSourceFromRecords plays records already in memory.
func NewSourceFromRecords(cfg SourceConfig, recs []Record) (*Source, error) {
	return newSource(cfg, recs)
}

func newSource(cfg SourceConfig, recs []Record) (*Source, error) {
	if cfg.Speed == 0 {
		cfg.Speed = 1
	}
	if cfg.Speed < 0 {
		return nil, fmt.Errorf("replay: speed must be > 0")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	flat := Flatten(recs)
	if len(flat) == 0 {
		return nil, errors.New("replay: no records")
	}
	return &Source{
		cfg:     cfg,
		log:     log.With("source", "replay", "path", cfg.Path),
		records: flat,
		caps:    CapabilitiesOf(flat),
	}, nil
}

func (s *Source) Capabilities() stairs.Capabilities { return s.caps }

// lapGapFallback separates laps of a log whose records share one timestamp.
const lapGapFallback = 20 * time.Millisecond

// lap returns the span of one pass over the records plus the gap before the
// next pass starts. The gap is the mean sample interval, so looped time keeps
// advancing even for a single-record log.
func (s *Source) lap() (span, gap time.Duration) {
	first, last := s.records[0].At, s.records[len(s.records)-1].At
	span = last - first
	gap = lapGapFallback
	if n := len(s.records); n > 1 && span > 0 {
		gap = span / time.Duration(n-1)
	}
	return span, gap
}

func (s *Source) Run(ctx context.Context, out chan<- sensor.Reading) error {
	sl := s.cfg.Sleeper
	if sl == nil {
		sl = ctxSleeper{ctx: ctx, clock: s.cfg.Clock}
	}
	start := s.cfg.Clock.Now()
	span, gap := s.lap()
	s.log.Info("replay started", "records", len(s.records), "speed", s.cfg.Speed, "loop", s.cfg.Loop)

	var err error
	for n := 0; ; n++ {
		offset := time.Duration(n) * (span + gap)
		err = Play(s.records, s.cfg.Speed, false, sl, func(r Record) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return sendCtx(ctx, out, sensor.Reading{
				Time: start.Add(offset + r.At),
				Kind: r.Kind,
				Vec:  r.Vec,
			})
		})
		if err != nil || !s.cfg.Loop || ctx.Err() != nil {
			break
		}
		sl.Sleep(time.Duration(float64(gap) / s.cfg.Speed))
	}
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return err
	}
	s.log.Info("replay finished")
	return nil
}

func sendCtx(ctx context.Context, out chan<- sensor.Reading, r sensor.Reading) error {
	select {
	case out <- r:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flatten joins START segments into one continuous timeline starting at 0.
// Each segment begins where the previous one ended.
func Flatten(recs []Record) []Record {
	out := make([]Record, 0, len(recs))
	var origin, base, last time.Duration
	for _, r := range recs {
		if r.Start {
			origin = r.At
			base = last
			continue
		}
		at := r.At - origin
		if at < 0 {
			at = 0
		}
		at += base
		if at < last {
			at = last
		}
		last = at
		r.At = at
		out = append(out, r)
	}
	return out
}

// CapabilitiesOf reports which streams appear in recs.
func CapabilitiesOf(recs []Record) stairs.Capabilities {
	var c stairs.Capabilities
	for _, r := range recs {
		switch r.Kind {
		case sensor.KindLinearAccel:
			c.LinearAcceleration = true
		case sensor.KindGravity:
			c.Gravity = true
		case sensor.KindSigMotion:
			c.SignificantMotion = true
		}
	}
	return c
}

type ctxSleeper struct {
	ctx   context.Context
	clock clock.Clock
}

func (s ctxSleeper) Sleep(d time.Duration) {
	t := s.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C():
	case <-s.ctx.Done():
	}
}
