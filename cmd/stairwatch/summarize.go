package main

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"

	"stairwatch/internal/config"
	"stairwatch/internal/replay"
	"stairwatch/internal/sensor"
	"stairwatch/internal/stairs"
)

type logSummary struct {
	Segments int
	Accel    int
	Gravity  int
	Sig      int
	// Fired counts trigger firings, S lines or software detections.
	Fired    int
	Duration time.Duration

	// Vertical magnitude statistics over every accepted accel sample.
	VertMean, VertStdDev float64
	VertP50, VertP95     float64
	VertMax              float64

	Stairs    uint64
	Outcomes  map[stairs.Outcome]int
	Malformed int
	Disabled  string
}

// summarizeLog runs the records through an offline session. Timing comes
// from the log and significant motion goes through the trigger sm selects,
// in the order the monitor uses, so the result matches a live run.
func summarizeLog(recs []replay.Record, cfg stairs.Config, sm config.SigMotionConfig) (logSummary, error) {
	s := logSummary{Outcomes: map[stairs.Outcome]int{}}
	for _, r := range recs {
		if r.Start {
			s.Segments++
		}
	}
	flat := replay.Flatten(recs)
	if s.Segments == 0 && len(flat) > 0 {
		s.Segments = 1
	}
	if len(flat) > 0 {
		s.Duration = flat[len(flat)-1].At
	}

	caps := replay.CapabilitiesOf(flat)
	trig, err := newTrigger(sm, caps)
	if err != nil {
		return s, err
	}
	if trig != nil {
		defer trig.Close()
	}

	var (
		sess  *stairs.Session
		fire  func()
		fatal error
	)
	cb := stairs.Callbacks{
		OnEpisode: func(res stairs.EpisodeResult) { s.Outcomes[res.Outcome]++ },
	}
	if trig != nil {
		cb.Rearm = func() error { return trig.Request(fire) }
		fire = func() {
			s.Fired++
			if err := sess.OnSignificantMotion(); err != nil && fatal == nil {
				fatal = err
			}
		}
	}
	sess, err = stairs.NewSession(cfg, caps, cb)
	if err != nil && sess == nil {
		return s, err
	}
	if err != nil {
		s.Disabled = err.Error()
	}
	if trig != nil && sess.Enabled() {
		if err := trig.Request(fire); err != nil {
			return s, fmt.Errorf("arm trigger: %w", err)
		}
	}

	origin := time.Unix(0, 0).UTC()
	var vert []float64
	for _, r := range flat {
		rd := sensor.Reading{Time: origin.Add(r.At), Kind: r.Kind, Vec: r.Vec}
		switch rd.Kind {
		case sensor.KindLinearAccel:
			s.Accel++
			if sess.OnAccel(rd.Vec, rd.Time) != nil {
				s.Malformed++
			} else if sess.Enabled() {
				vert = append(vert, sess.Diagnostics().Vertical)
			}
		case sensor.KindGravity:
			s.Gravity++
			if sess.OnGravity(rd.Vec) != nil {
				s.Malformed++
			}
		case sensor.KindSigMotion:
			s.Sig++
		}
		if trig != nil && sess.Enabled() {
			trig.Observe(rd)
		}
		if fatal != nil {
			return s, fatal
		}
	}
	// Let a confirmation pending at the end of the log resolve.
	if due, ok := sess.NextDeadline(); ok {
		sess.Tick(due)
	}
	s.Stairs = sess.StairCount()

	if len(vert) > 0 {
		s.VertMean, s.VertStdDev = stat.MeanStdDev(vert, nil)
		slices.Sort(vert)
		s.VertP50 = stat.Quantile(0.5, stat.Empirical, vert, nil)
		s.VertP95 = stat.Quantile(0.95, stat.Empirical, vert, nil)
		s.VertMax = vert[len(vert)-1]
	}
	return s, nil
}

func printLogSummary(w io.Writer, path string, cfg stairs.Config, sm config.SigMotionConfig) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("path is empty")
	}
	recs, err := replay.ReadFile(path)
	if err != nil {
		return err
	}
	s, err := summarizeLog(recs, cfg, sm)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "path: %s\n", path)
	fmt.Fprintf(w, "segments: %d\n", s.Segments)
	fmt.Fprintf(w, "duration: %s\n", s.Duration)
	fmt.Fprintf(w, "readings: accel=%d gravity=%d sig_motion=%d malformed=%d\n", s.Accel, s.Gravity, s.Sig, s.Malformed)
	if s.Disabled != "" {
		fmt.Fprintf(w, "detector: disabled (%s)\n", s.Disabled)
		return nil
	}
	fmt.Fprintf(w, "vertical: mean=%.3f stddev=%.3f p50=%.3f p95=%.3f max=%.3f\n",
		s.VertMean, s.VertStdDev, s.VertP50, s.VertP95, s.VertMax)
	fmt.Fprintf(w, "sig_motion: kind=%s fired=%d\n", sm.Kind, s.Fired)
	fmt.Fprintf(w, "stairs: %d\n", s.Stairs)
	fmt.Fprintf(w, "episodes:\n")
	for _, o := range []stairs.Outcome{stairs.OutcomeConfirmed, stairs.OutcomeRejected, stairs.OutcomeTooShort, stairs.OutcomeAborted} {
		fmt.Fprintf(w, "  %s: %d\n", o, s.Outcomes[o])
	}
	return nil
}
