// Package feedback drives the haptic motor that acknowledges a counted stair.
package feedback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"stairwatch/internal/clock"
	"stairwatch/internal/monitor"
	"stairwatch/internal/stairs"
)

const (
	DriverNone = "none"
	DriverGPIO = "gpio"
	DriverPWM  = "pwm"
)

type Config struct {
	Enable bool

	// Driver is one of none, gpio, pwm. Default none.
	Driver string
	// Pin is the BCM GPIO number for the gpio driver.
	Pin int
	// PWMChannel selects the sysfs pwm channel for the pwm driver.
	PWMChannel int
	// FrequencyHz is the PWM carrier. Default 20000.
	FrequencyHz int
	// MaxDuration caps a single pulse. Default 2s.
	MaxDuration time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

type Snapshot struct {
	Enabled   bool   `json:"enabled"`
	Driver    string `json:"driver"`
	Available bool   `json:"available"`
	Active    bool   `json:"active"`
	Duty      int    `json:"duty"`

	Pulses  uint64 `json:"pulses"`
	Dropped uint64 `json:"dropped"`

	LastPulseAt  time.Time `json:"last_pulse_utc,omitempty"`
	LastUpdateAt time.Time `json:"last_update_utc,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

// Service turns Feedback requests into motor pulses. Requests are queued and
// handled on one goroutine; a request that arrives mid-pulse restarts the
// pulse with the new duration and intensity.
type Service struct {
	cfg Config
	log *slog.Logger

	reqCh chan stairs.Feedback

	mu   sync.RWMutex
	snap Snapshot

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

var _ monitor.Sink = (*Service)(nil)

func New(cfg Config) *Service {
	if cfg.Driver == "" {
		cfg.Driver = DriverNone
	}
	if cfg.FrequencyHz <= 0 {
		cfg.FrequencyHz = 20000
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = 2 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		cfg:    cfg,
		log:    cfg.Logger.With("component", "feedback"),
		reqCh:  make(chan stairs.Feedback, 4),
		stopCh: make(chan struct{}),
		snap:   Snapshot{Driver: cfg.Driver},
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Start opens the driver and runs the pulse loop in the background until ctx
// ends or Close is called. It returns nil without doing anything when the
// service is disabled.
func (s *Service) Start(ctx context.Context) error {
	if !s.cfg.Enable {
		return nil
	}
	s.setState(func(sn *Snapshot) { sn.Enabled = true })

	drv, err := openDriver(s.cfg, s.log)
	if err != nil {
		s.setErr(err)
		return err
	}
	if err := drv.SetFrequencyHz(s.cfg.FrequencyHz); err != nil {
		_ = drv.Close()
		err = fmt.Errorf("feedback: set frequency: %w", err)
		s.setErr(err)
		return err
	}
	s.setState(func(sn *Snapshot) { sn.Available = true })

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if err := drv.Close(); err != nil {
				s.log.Warn("driver close failed", "err", err)
			}
			s.setState(func(sn *Snapshot) {
				sn.Active = false
				sn.Duty = 0
			})
		}()
		s.run(ctx, drv)
	}()
	return nil
}

// Close stops the pulse loop and switches the motor off.
func (s *Service) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Request queues one pulse. It never blocks; a full queue drops the request.
func (s *Service) Request(fb stairs.Feedback) bool {
	if !s.cfg.Enable || fb.Duration <= 0 {
		return false
	}
	select {
	case s.reqCh <- fb:
		return true
	default:
		s.setState(func(sn *Snapshot) { sn.Dropped++ })
		s.log.Warn("feedback request dropped", "duration", fb.Duration)
		return false
	}
}

// Stair requests the event's pulse.
func (s *Service) Stair(ev monitor.StairEvent) { s.Request(ev.Feedback) }

func (s *Service) Episode(monitor.EpisodeEvent) {}

func (s *Service) run(ctx context.Context, drv actuator) {
	var (
		timer  clock.Timer
		timerC <-chan time.Time
	)
	stop := func() {
		if timer != nil && !timer.Stop() {
			select {
			case <-timer.C():
			default:
			}
		}
		timerC = nil
	}
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case fb := <-s.reqCh:
			duty := clamp(fb.Intensity, 0, 1) * 100
			d := min(fb.Duration, s.cfg.MaxDuration)
			if err := drv.SetDutyPercent(duty); err != nil {
				s.setErr(fmt.Errorf("feedback: set duty: %w", err))
				continue
			}
			stop()
			if timer == nil {
				timer = s.cfg.Clock.NewTimer(d)
			} else {
				timer.Reset(d)
			}
			timerC = timer.C()
			s.setState(func(sn *Snapshot) {
				sn.Active = true
				sn.Duty = int(duty + 0.5)
				sn.Pulses++
				sn.LastPulseAt = s.cfg.Clock.Now().UTC()
				sn.LastError = ""
			})
			s.log.Debug("pulse", "duty", duty, "duration", d)
		case <-timerC:
			timerC = nil
			if err := drv.SetDutyPercent(0); err != nil {
				s.setErr(fmt.Errorf("feedback: set duty: %w", err))
			}
			s.setState(func(sn *Snapshot) {
				sn.Active = false
				sn.Duty = 0
			})
		}
	}
}

func (s *Service) setErr(err error) {
	s.log.Warn("feedback error", "err", err)
	s.setState(func(sn *Snapshot) { sn.LastError = err.Error() })
}

func (s *Service) setState(update func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	update(&s.snap)
	s.snap.LastUpdateAt = s.cfg.Clock.Now().UTC()
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
