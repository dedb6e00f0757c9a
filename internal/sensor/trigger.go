package sensor

import (
	"errors"
	"sync"
	"time"
)

var ErrTriggerClosed = errors.New("sensor: trigger closed")

// Trigger is a one-shot detector. Request arms it; when it trips it disarms
// itself and calls fire exactly once. Firings while disarmed are lost.
type Trigger interface {
	Request(fire func()) error
	// Observe feeds one reading to the detector. Callers serialize Observe
	// with Request.
	Observe(r Reading)
	Close()
}

type oneShot struct {
	mu     sync.Mutex
	fire   func()
	closed bool
}

func (o *oneShot) request(fire func()) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrTriggerClosed
	}
	o.fire = fire
	return nil
}

func (o *oneShot) armed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.fire != nil
}

// take disarms and returns the pending callback, if any.
func (o *oneShot) take() func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	f := o.fire
	o.fire = nil
	return f
}

func (o *oneShot) close() {
	o.mu.Lock()
	o.closed = true
	o.fire = nil
	o.mu.Unlock()
}

// EventTrigger trips on KindSigMotion readings produced upstream (hardware
// interrupt, phone bridge, recording).
type EventTrigger struct {
	o oneShot
}

func NewEventTrigger() *EventTrigger { return &EventTrigger{} }

func (t *EventTrigger) Request(fire func()) error { return t.o.request(fire) }

func (t *EventTrigger) Observe(r Reading) {
	if r.Kind != KindSigMotion {
		return
	}
	if f := t.o.take(); f != nil {
		f()
	}
}

func (t *EventTrigger) Armed() bool { return t.o.armed() }

func (t *EventTrigger) Close() { t.o.close() }

// SoftTriggerConfig tunes SoftTrigger.
type SoftTriggerConfig struct {
	// Threshold is the linear acceleration magnitude (m/s²) that counts as
	// movement.
	Threshold float64
	// MinDuration is how much above-threshold time must accumulate while
	// armed before the trigger trips.
	MinDuration time.Duration
	// MaxGap bounds the time credited between two consecutive samples.
	MaxGap time.Duration
}

func (c SoftTriggerConfig) withDefaults() SoftTriggerConfig {
	if c.Threshold <= 0 {
		c.Threshold = 1.5
	}
	if c.MinDuration <= 0 {
		c.MinDuration = 500 * time.Millisecond
	}
	if c.MaxGap <= 0 {
		c.MaxGap = 200 * time.Millisecond
	}
	return c
}

// SoftTrigger approximates a platform significant-motion sensor from the
// linear acceleration stream: it trips once movement has been seen for a
// cumulative MinDuration since it was armed.
type SoftTrigger struct {
	cfg SoftTriggerConfig
	o   oneShot

	accum time.Duration
	last  time.Time
}

func NewSoftTrigger(cfg SoftTriggerConfig) *SoftTrigger {
	return &SoftTrigger{cfg: cfg.withDefaults()}
}

func (t *SoftTrigger) Request(fire func()) error {
	if err := t.o.request(fire); err != nil {
		return err
	}
	t.accum = 0
	t.last = time.Time{}
	return nil
}

func (t *SoftTrigger) Observe(r Reading) {
	if r.Kind != KindLinearAccel || !t.o.armed() {
		return
	}
	prev := t.last
	t.last = r.Time
	if r.Vec.Norm() < t.cfg.Threshold || prev.IsZero() {
		return
	}
	dt := r.Time.Sub(prev)
	if dt <= 0 {
		return
	}
	if dt > t.cfg.MaxGap {
		dt = t.cfg.MaxGap
	}
	t.accum += dt
	if t.accum < t.cfg.MinDuration {
		return
	}
	if f := t.o.take(); f != nil {
		f()
	}
}

func (t *SoftTrigger) Armed() bool { return t.o.armed() }

func (t *SoftTrigger) Close() { t.o.close() }
