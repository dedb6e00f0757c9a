package sensor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"stairwatch/internal/clock"
	"stairwatch/internal/i2c"
	"stairwatch/internal/sensors/icm20948"
	"stairwatch/internal/stairs"
)

// metersPerSecond2PerG converts accelerometer g to m/s².
const metersPerSecond2PerG = 9.80665

type IMUConfig struct {
	I2CBus string
	Addr   uint16
	// SampleRateHz is the poll rate; the device is configured to match.
	SampleRateHz int
	AccelRangeG  int
	// GravityAlpha is the low-pass factor separating gravity from the raw
	// accelerometer vector.
	GravityAlpha float64
	// GravityEvery emits a gravity reading every N samples.
	GravityEvery int
	// WakeOnMotionMg enables the accelerometer's wake-on-motion comparator;
	// each trip is emitted as a KindSigMotion reading.
	WakeOnMotionMg int
	// MaxConsecutiveErrors ends Run after that many failed reads in a row.
	MaxConsecutiveErrors int

	Clock  clock.Clock
	Logger *slog.Logger
}

type imuDevice interface {
	Read() (icm20948.Sample, error)
	MotionInterrupt() (bool, error)
}

var openIMU = func(cfg IMUConfig) (imuDevice, io.Closer, error) {
	bus, err := i2c.Open(cfg.I2CBus)
	if err != nil {
		return nil, nil, err
	}
	dev, err := icm20948.New(bus.Dev(cfg.Addr), icm20948.Options{
		SampleRateHz:   cfg.SampleRateHz,
		AccelRangeG:    cfg.AccelRangeG,
		WakeOnMotionMg: cfg.WakeOnMotionMg,
	})
	if err != nil {
		_ = bus.Close()
		return nil, nil, err
	}
	return dev, bus, nil
}

// IMUSource polls an ICM-20948 and splits each accelerometer vector into a
// gravity estimate and linear acceleration.
type IMUSource struct {
	cfg IMUConfig
	log *slog.Logger

	gravity stairs.Vec3
	primed  bool
	n       int
}

func NewIMUSource(cfg IMUConfig) *IMUSource {
	if cfg.I2CBus == "" {
		cfg.I2CBus = "/dev/i2c-1"
	}
	if cfg.Addr == 0 {
		cfg.Addr = icm20948.DefaultAddress()
	}
	if cfg.SampleRateHz <= 0 {
		cfg.SampleRateHz = 50
	}
	if cfg.GravityAlpha <= 0 || cfg.GravityAlpha >= 1 {
		cfg.GravityAlpha = 0.05
	}
	if cfg.GravityEvery <= 0 {
		cfg.GravityEvery = 5
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = 25
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &IMUSource{cfg: cfg, log: log.With("source", "imu")}
}

func (s *IMUSource) Capabilities() stairs.Capabilities {
	return stairs.Capabilities{
		LinearAcceleration: true,
		Gravity:            true,
		SignificantMotion:  true,
	}
}

func (s *IMUSource) Run(ctx context.Context, out chan<- Reading) error {
	dev, closer, err := openIMU(s.cfg)
	if err != nil {
		return fmt.Errorf("sensor: imu init: %w", err)
	}
	defer closer.Close()
	s.log.Info("imu ready", "bus", s.cfg.I2CBus, "addr", fmt.Sprintf("0x%02X", s.cfg.Addr), "rate_hz", s.cfg.SampleRateHz)

	period := time.Second / time.Duration(s.cfg.SampleRateHz)
	tk := s.cfg.Clock.NewTicker(period)
	defer tk.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-tk.C():
			readings, err := s.poll(dev, now)
			if err != nil {
				failures++
				if failures == 1 {
					s.log.Warn("imu read failed", "err", err)
				}
				if failures >= s.cfg.MaxConsecutiveErrors {
					return fmt.Errorf("sensor: imu: %d consecutive read failures: %w", failures, err)
				}
				continue
			}
			if failures > 0 {
				s.log.Info("imu read recovered", "failures", failures)
				failures = 0
			}
			for _, r := range readings {
				if err := send(ctx, out, r); err != nil {
					return nil
				}
			}
		}
	}
}

func (s *IMUSource) poll(dev imuDevice, now time.Time) ([]Reading, error) {
	smp, err := dev.Read()
	if err != nil {
		return nil, err
	}
	raw := stairs.Vec3{
		X: smp.Ax * metersPerSecond2PerG,
		Y: smp.Ay * metersPerSecond2PerG,
		Z: smp.Az * metersPerSecond2PerG,
	}
	out := make([]Reading, 0, 3)

	g, linear := s.split(raw)
	if s.n%s.cfg.GravityEvery == 0 {
		out = append(out, Reading{Time: now, Kind: KindGravity, Vec: g})
	}
	s.n++
	out = append(out, Reading{Time: now, Kind: KindLinearAccel, Vec: linear})

	if s.cfg.WakeOnMotionMg > 0 {
		hit, err := dev.MotionInterrupt()
		if err != nil {
			s.log.Debug("imu int status failed", "err", err)
		} else if hit {
			out = append(out, Reading{Time: now, Kind: KindSigMotion})
		}
	}
	return out, nil
}

// split low-passes raw into gravity and returns the residual as linear
// acceleration. The first sample seeds the estimate.
func (s *IMUSource) split(raw stairs.Vec3) (gravity, linear stairs.Vec3) {
	if !s.primed {
		s.gravity = raw
		s.primed = true
	} else {
		a := s.cfg.GravityAlpha
		s.gravity = stairs.Vec3{
			X: s.gravity.X + a*(raw.X-s.gravity.X),
			Y: s.gravity.Y + a*(raw.Y-s.gravity.Y),
			Z: s.gravity.Z + a*(raw.Z-s.gravity.Z),
		}
	}
	return s.gravity, stairs.Vec3{
		X: raw.X - s.gravity.X,
		Y: raw.Y - s.gravity.Y,
		Z: raw.Z - s.gravity.Z,
	}
}
