package sensor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stairwatch/internal/stairs"
)

var base = time.Date(2026, 2, 2, 12, 0, 0, 0, time.UTC)

func TestEventTrigger_OneShot(t *testing.T) {
	tr := NewEventTrigger()
	fired := 0

	// Not armed yet: the event is lost.
	tr.Observe(Reading{Kind: KindSigMotion})
	assert.Equal(t, 0, fired)

	require.NoError(t, tr.Request(func() { fired++ }))
	assert.True(t, tr.Armed())
	tr.Observe(Reading{Kind: KindLinearAccel})
	assert.Equal(t, 0, fired)

	tr.Observe(Reading{Kind: KindSigMotion})
	tr.Observe(Reading{Kind: KindSigMotion})
	assert.Equal(t, 1, fired)
	assert.False(t, tr.Armed())
}

func TestEventTrigger_RearmFromFire(t *testing.T) {
	tr := NewEventTrigger()
	fired := 0
	var fire func()
	fire = func() {
		fired++
		require.NoError(t, tr.Request(fire))
	}
	require.NoError(t, tr.Request(fire))
	for i := 0; i < 3; i++ {
		tr.Observe(Reading{Kind: KindSigMotion})
	}
	assert.Equal(t, 3, fired)
}

func TestTrigger_ClosedRejectsRequest(t *testing.T) {
	for _, tr := range []Trigger{NewEventTrigger(), NewSoftTrigger(SoftTriggerConfig{})} {
		require.NoError(t, tr.Request(func() {}))
		tr.Close()
		assert.ErrorIs(t, tr.Request(func() {}), ErrTriggerClosed)
	}
}

func TestSoftTrigger_AccumulatesMotion(t *testing.T) {
	tr := NewSoftTrigger(SoftTriggerConfig{Threshold: 1, MinDuration: 100 * time.Millisecond})
	fired := 0
	require.NoError(t, tr.Request(func() { fired++ }))

	moving := stairs.Vec3{X: 1.5}
	still := stairs.Vec3{X: 0.1}
	feed := func(ms int, v stairs.Vec3) {
		tr.Observe(Reading{Time: base.Add(time.Duration(ms) * time.Millisecond), Kind: KindLinearAccel, Vec: v})
	}

	feed(0, moving)
	feed(40, moving)  // 40
	feed(80, still)   // quiet samples add nothing
	feed(120, moving) // 80
	assert.Equal(t, 0, fired)
	feed(140, moving) // 100
	assert.Equal(t, 1, fired)

	feed(200, moving)
	feed(400, moving)
	assert.Equal(t, 1, fired, "disarmed after firing")
}

func TestSoftTrigger_CapsGaps(t *testing.T) {
	tr := NewSoftTrigger(SoftTriggerConfig{Threshold: 1, MinDuration: 500 * time.Millisecond, MaxGap: 100 * time.Millisecond})
	fired := 0
	require.NoError(t, tr.Request(func() { fired++ }))
	for i := 0; i < 5; i++ {
		tr.Observe(Reading{Time: base.Add(time.Duration(i) * time.Second), Kind: KindLinearAccel, Vec: stairs.Vec3{Z: 3}})
	}
	assert.Equal(t, 0, fired)
	tr.Observe(Reading{Time: base.Add(5 * time.Second), Kind: KindLinearAccel, Vec: stairs.Vec3{Z: 3}})
	assert.Equal(t, 1, fired)
}

func TestSoftTrigger_RequestResetsAccumulator(t *testing.T) {
	tr := NewSoftTrigger(SoftTriggerConfig{Threshold: 1, MinDuration: 100 * time.Millisecond})
	fired := 0
	require.NoError(t, tr.Request(func() { fired++ }))
	tr.Observe(Reading{Time: base, Kind: KindLinearAccel, Vec: stairs.Vec3{Z: 2}})
	tr.Observe(Reading{Time: base.Add(80 * time.Millisecond), Kind: KindLinearAccel, Vec: stairs.Vec3{Z: 2}})

	require.NoError(t, tr.Request(func() { fired++ }))
	tr.Observe(Reading{Time: base.Add(100 * time.Millisecond), Kind: KindLinearAccel, Vec: stairs.Vec3{Z: 2}})
	tr.Observe(Reading{Time: base.Add(150 * time.Millisecond), Kind: KindLinearAccel, Vec: stairs.Vec3{Z: 2}})
	assert.Equal(t, 0, fired)
}
