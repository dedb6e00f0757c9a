package feedback

import (
	"fmt"
	"log/slog"
)

// actuator drives the vibration motor. Duty is in percent (0..100).
//
// Close leaves the motor off.
type actuator interface {
	SetFrequencyHz(hz int) error
	SetDutyPercent(p float64) error
	Close() error
}

var (
	openPWMFn  = openPWM
	openGPIOFn = openGPIO
)

func openDriver(cfg Config, log *slog.Logger) (actuator, error) {
	switch cfg.Driver {
	case DriverNone:
		return &logActuator{log: log}, nil
	case DriverGPIO:
		return openGPIOFn(cfg.Pin)
	case DriverPWM:
		return openPWMFn(cfg.PWMChannel)
	default:
		return nil, fmt.Errorf("feedback: unknown driver %q", cfg.Driver)
	}
}

// logActuator has no hardware; pulses only show up in the log.
type logActuator struct {
	log  *slog.Logger
	duty float64
}

func (l *logActuator) SetFrequencyHz(int) error { return nil }

func (l *logActuator) SetDutyPercent(p float64) error {
	if p == l.duty {
		return nil
	}
	l.duty = p
	if p > 0 {
		l.log.Info("haptic on", "duty", p)
	} else {
		l.log.Debug("haptic off")
	}
	return nil
}

func (l *logActuator) Close() error { return nil }
