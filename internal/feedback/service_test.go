package feedback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stairwatch/internal/clock"
	"stairwatch/internal/monitor"
	"stairwatch/internal/stairs"
)

type fakeActuator struct {
	mu      sync.Mutex
	freq    int
	duties  []float64
	closed  bool
	dutyErr error
}

func (f *fakeActuator) SetFrequencyHz(hz int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.freq = hz
	return nil
}

func (f *fakeActuator) SetDutyPercent(p float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dutyErr != nil {
		return f.dutyErr
	}
	f.duties = append(f.duties, p)
	return nil
}

func (f *fakeActuator) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeActuator) history() []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]float64(nil), f.duties...)
}

func withFakePWM(t *testing.T, fake *fakeActuator) {
	t.Helper()
	old := openPWMFn
	openPWMFn = func(int) (actuator, error) { return fake, nil }
	t.Cleanup(func() { openPWMFn = old })
}

func startService(t *testing.T, cfg Config) (*Service, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cfg.Enable = true
	cfg.Clock = mock
	svc := New(cfg)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(svc.Close)
	return svc, mock
}

func TestService_PulseSwitchesOffAfterDuration(t *testing.T) {
	fake := &fakeActuator{}
	withFakePWM(t, fake)
	svc, mock := startService(t, Config{Driver: DriverPWM, FrequencyHz: 25000})
	require.Equal(t, 25000, fake.freq)

	require.True(t, svc.Request(stairs.Feedback{Duration: 300 * time.Millisecond, Intensity: 0.5}))
	require.Eventually(t, func() bool { return svc.Snapshot().Pulses == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []float64{50}, fake.history())
	assert.True(t, svc.Snapshot().Active)

	mock.Advance(299 * time.Millisecond)
	assert.Equal(t, 1, mock.Waiters())

	mock.Advance(time.Millisecond)
	require.Eventually(t, func() bool { return !svc.Snapshot().Active }, time.Second, time.Millisecond)
	assert.Equal(t, []float64{50, 0}, fake.history())

	snap := svc.Snapshot()
	assert.Equal(t, uint64(1), snap.Pulses)
	assert.Equal(t, 0, snap.Duty)
	assert.True(t, snap.Available)
}

func TestService_RequestMidPulseRestarts(t *testing.T) {
	fake := &fakeActuator{}
	withFakePWM(t, fake)
	svc, mock := startService(t, Config{Driver: DriverPWM})

	svc.Request(stairs.Feedback{Duration: 200 * time.Millisecond, Intensity: 1})
	require.Eventually(t, func() bool { return svc.Snapshot().Pulses == 1 }, time.Second, time.Millisecond)
	mock.Advance(150 * time.Millisecond)

	svc.Request(stairs.Feedback{Duration: 200 * time.Millisecond, Intensity: 0.25})
	require.Eventually(t, func() bool { return svc.Snapshot().Pulses == 2 }, time.Second, time.Millisecond)

	// The first pulse's deadline passes without switching off.
	mock.Advance(100 * time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.True(t, svc.Snapshot().Active)

	mock.Advance(100 * time.Millisecond)
	require.Eventually(t, func() bool { return !svc.Snapshot().Active }, time.Second, time.Millisecond)
	assert.Equal(t, []float64{100, 25, 0}, fake.history())
}

func TestService_DurationCapped(t *testing.T) {
	fake := &fakeActuator{}
	withFakePWM(t, fake)
	svc, mock := startService(t, Config{Driver: DriverPWM, MaxDuration: time.Second})

	svc.Request(stairs.Feedback{Duration: time.Minute, Intensity: 2})
	require.Eventually(t, func() bool { return svc.Snapshot().Pulses == 1 }, time.Second, time.Millisecond)
	mock.Advance(time.Second)
	require.Eventually(t, func() bool { return !svc.Snapshot().Active }, time.Second, time.Millisecond)
	assert.Equal(t, []float64{100, 0}, fake.history())
}

func TestService_StairEventRequestsPulse(t *testing.T) {
	fake := &fakeActuator{}
	withFakePWM(t, fake)
	svc, _ := startService(t, Config{Driver: DriverPWM})

	var sink monitor.Sink = svc
	sink.Episode(monitor.EpisodeEvent{})
	sink.Stair(monitor.StairEvent{StairEvent: stairs.StairEvent{
		Count:    1,
		Feedback: stairs.Feedback{Duration: 100 * time.Millisecond, Intensity: 0.8},
	}})
	require.Eventually(t, func() bool { return svc.Snapshot().Pulses == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 80, svc.Snapshot().Duty)
}

func TestService_DutyErrorRecorded(t *testing.T) {
	fake := &fakeActuator{dutyErr: errors.New("write failed")}
	withFakePWM(t, fake)
	svc, _ := startService(t, Config{Driver: DriverPWM})

	svc.Request(stairs.Feedback{Duration: time.Second, Intensity: 1})
	require.Eventually(t, func() bool { return svc.Snapshot().LastError != "" }, time.Second, time.Millisecond)
	assert.Contains(t, svc.Snapshot().LastError, "write failed")
	assert.False(t, svc.Snapshot().Active)
}

func TestService_CloseSwitchesOff(t *testing.T) {
	fake := &fakeActuator{}
	withFakePWM(t, fake)
	svc, _ := startService(t, Config{Driver: DriverPWM})

	svc.Request(stairs.Feedback{Duration: time.Second, Intensity: 1})
	require.Eventually(t, func() bool { return svc.Snapshot().Pulses == 1 }, time.Second, time.Millisecond)
	svc.Close()

	fake.mu.Lock()
	closed := fake.closed
	fake.mu.Unlock()
	assert.True(t, closed)
	assert.False(t, svc.Snapshot().Active)
}

func TestService_DisabledIgnoresRequests(t *testing.T) {
	svc := New(Config{})
	require.NoError(t, svc.Start(context.Background()))
	assert.False(t, svc.Request(stairs.Feedback{Duration: time.Second, Intensity: 1}))
	assert.False(t, svc.Snapshot().Enabled)
	svc.Close()
}

func TestService_OpenFailure(t *testing.T) {
	old := openGPIOFn
	openGPIOFn = func(int) (actuator, error) { return nil, errors.New("line busy") }
	t.Cleanup(func() { openGPIOFn = old })

	svc := New(Config{Enable: true, Driver: DriverGPIO, Pin: 17})
	err := svc.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, "line busy", svc.Snapshot().LastError)
	assert.False(t, svc.Snapshot().Available)
}

func TestService_UnknownDriver(t *testing.T) {
	svc := New(Config{Enable: true, Driver: "servo"})
	require.EqualError(t, svc.Start(context.Background()), `feedback: unknown driver "servo"`)
}

func TestService_NoneDriverPulses(t *testing.T) {
	svc, mock := startService(t, Config{})
	svc.Request(stairs.Feedback{Duration: 100 * time.Millisecond, Intensity: 1})
	require.Eventually(t, func() bool { return svc.Snapshot().Pulses == 1 }, time.Second, time.Millisecond)
	mock.Advance(100 * time.Millisecond)
	require.Eventually(t, func() bool { return !svc.Snapshot().Active }, time.Second, time.Millisecond)
	assert.Equal(t, DriverNone, svc.Snapshot().Driver)
}
