package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestMockTimer_FiresOnAdvance(t *testing.T) {
	m := NewMock(epoch)
	tm := m.NewTimer(time.Second)
	assert.Equal(t, 1, m.Waiters())

	m.Advance(999 * time.Millisecond)
	select {
	case <-tm.C():
		t.Fatalf("fired early")
	default:
	}

	m.Advance(time.Millisecond)
	select {
	case got := <-tm.C():
		assert.Equal(t, epoch.Add(time.Second), got)
	default:
		t.Fatalf("expected fire")
	}
	assert.Equal(t, 0, m.Waiters())
	assert.False(t, tm.Stop())
}

func TestMockTimer_ResetUsesCurrentTime(t *testing.T) {
	m := NewMock(epoch)
	tm := m.NewTimer(time.Hour)
	m.Advance(10 * time.Minute)

	require.True(t, tm.Reset(time.Second))
	m.Advance(time.Second)
	select {
	case got := <-tm.C():
		assert.Equal(t, epoch.Add(10*time.Minute+time.Second), got)
	default:
		t.Fatalf("expected fire")
	}
}

func TestMockTimer_StopPreventsFire(t *testing.T) {
	m := NewMock(epoch)
	tm := m.NewTimer(time.Second)
	require.True(t, tm.Stop())
	m.Advance(time.Minute)
	select {
	case <-tm.C():
		t.Fatalf("stopped timer fired")
	default:
	}
}

func TestMockTicker(t *testing.T) {
	m := NewMock(epoch)
	tk := m.NewTicker(100 * time.Millisecond)
	m.Advance(250 * time.Millisecond)
	<-tk.C()

	m.Advance(50 * time.Millisecond)
	select {
	case got := <-tk.C():
		assert.Equal(t, epoch.Add(300*time.Millisecond), got)
	default:
		t.Fatalf("expected second tick")
	}

	assert.Equal(t, 1, m.Waiters())
	tk.Stop()
	assert.Equal(t, 0, m.Waiters())
	m.Advance(time.Second)
	select {
	case <-tk.C():
		t.Fatalf("stopped ticker fired")
	default:
	}
}

func TestReal(t *testing.T) {
	var c Clock = Real{}
	tm := c.NewTimer(time.Millisecond)
	<-tm.C()
	assert.False(t, c.Now().IsZero())
}
