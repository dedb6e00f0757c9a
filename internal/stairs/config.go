package stairs

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// StandardGravity is the reference used to normalise the vertical projection.
const StandardGravity = 9.8

var ErrInvalidConfig = errors.New("stairs: invalid config")

// Config holds every tunable of the classification pipeline.
//
// Zero values are not defaults; start from DefaultConfig and override.
type Config struct {
	// Alpha is the noise filter smoothing factor, in (0,1).
	Alpha float64

	// VertThreshold clamps magnitudes before they enter the window.
	VertThreshold float64
	// VertMax is the per-sample saturation limit (> VertThreshold).
	VertMax float64
	// AvgThreshold is the window-mean saturation limit. 0 disables the check.
	AvgThreshold float64

	QueueSize   int
	ErrorMargin float64

	RestThreshold float64

	MinMotionDuration time.Duration
	StairDetectDelay  time.Duration

	ClearWindowOnCalibrationExit bool
	ClearWindowOnEpisodeEnd      bool

	// MaxSampleMagnitude rejects any acceleration/gravity component whose
	// absolute value exceeds it.
	MaxSampleMagnitude float64

	FeedbackDuration  time.Duration
	FeedbackIntensity float64
}

// DefaultConfig returns the tuning that shipped with the guarded detector.
func DefaultConfig() Config {
	return Config{
		Alpha:                        0.15,
		VertThreshold:                3.0,
		VertMax:                      8.0,
		AvgThreshold:                 2.5,
		QueueSize:                    40,
		ErrorMargin:                  18,
		RestThreshold:                1.2,
		MinMotionDuration:            2 * time.Second,
		StairDetectDelay:             1 * time.Second,
		ClearWindowOnCalibrationExit: true,
		ClearWindowOnEpisodeEnd:      true,
		MaxSampleMagnitude:           160, // ~16 g
		FeedbackDuration:             500 * time.Millisecond,
		FeedbackIntensity:            1.0,
	}
}

// MotionThreshold is the window mean that opens an episode.
func (c Config) MotionThreshold() float64 {
	if c.QueueSize <= 0 {
		return math.Inf(1)
	}
	return c.ErrorMargin * c.VertThreshold / float64(c.QueueSize)
}

func (c Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}
	if !(c.Alpha > 0 && c.Alpha < 1) {
		return invalid("alpha must be in (0,1), got %v", c.Alpha)
	}
	if c.QueueSize <= 0 {
		return invalid("queue size must be > 0, got %d", c.QueueSize)
	}
	if c.VertThreshold <= 0 {
		return invalid("vert threshold must be > 0, got %v", c.VertThreshold)
	}
	if c.VertMax <= c.VertThreshold {
		return invalid("vert max (%v) must exceed vert threshold (%v)", c.VertMax, c.VertThreshold)
	}
	if c.AvgThreshold < 0 {
		return invalid("avg threshold must be >= 0, got %v", c.AvgThreshold)
	}
	if c.ErrorMargin <= 0 {
		return invalid("error margin must be > 0, got %v", c.ErrorMargin)
	}
	if c.RestThreshold < 0 {
		return invalid("rest threshold must be >= 0, got %v", c.RestThreshold)
	}
	mt := c.MotionThreshold()
	if c.RestThreshold >= mt {
		return invalid("rest threshold (%v) must be below motion threshold (%v)", c.RestThreshold, mt)
	}
	if mt > c.VertThreshold {
		return invalid("motion threshold (%v) is unreachable with vert threshold %v", mt, c.VertThreshold)
	}
	if c.AvgThreshold > 0 && c.AvgThreshold <= mt {
		return invalid("avg threshold (%v) must exceed motion threshold (%v)", c.AvgThreshold, mt)
	}
	if c.MinMotionDuration < 0 || c.StairDetectDelay < 0 || c.FeedbackDuration < 0 {
		return invalid("durations must be >= 0")
	}
	if c.MaxSampleMagnitude <= 0 {
		return invalid("max sample magnitude must be > 0, got %v", c.MaxSampleMagnitude)
	}
	if c.FeedbackIntensity < 0 || c.FeedbackIntensity > 1 {
		return invalid("feedback intensity must be in [0,1], got %v", c.FeedbackIntensity)
	}
	return nil
}
