package stairs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoiseFilter_FirstSample(t *testing.T) {
	f := NewNoiseFilter(0.15)
	got := f.Apply(Vec3{X: 1, Y: 2, Z: 3})
	assert.InDelta(t, 0.85, got.X, 1e-12)
	assert.InDelta(t, 1.70, got.Y, 1e-12)
	assert.InDelta(t, 2.55, got.Z, 1e-12)
	assert.InDelta(t, 0.45, f.Noise().Z, 1e-12)
}

func TestNoiseFilter_ConstantInputConverges(t *testing.T) {
	f := NewNoiseFilter(0.15)
	raw := Vec3{X: 0.4, Y: -1, Z: 9.8}
	var out Vec3
	for i := 0; i < 200; i++ {
		out = f.Apply(raw)
	}
	assert.InDelta(t, 0, out.Norm(), 1e-9)
	assert.InDelta(t, raw.Z, f.Noise().Z, 1e-9)

	f.Reset()
	assert.Equal(t, Vec3{}, f.Noise())
}

func TestVerticalMagnitude(t *testing.T) {
	g := Vec3{Z: StandardGravity}
	assert.InDelta(t, 2.0, VerticalMagnitude(Vec3{Z: 2}, g), 1e-12)
	assert.InDelta(t, -2.0, VerticalMagnitude(Vec3{Z: -2}, g), 1e-12)
	assert.InDelta(t, 0, VerticalMagnitude(Vec3{X: 5}, g), 1e-12)
	// No gravity yet.
	assert.Equal(t, 0.0, VerticalMagnitude(Vec3{Z: 2}, Vec3{}))
}

func TestWindow_ClampsAndEvicts(t *testing.T) {
	w := NewWindow(3, 3.0)
	assert.Equal(t, 0.0, w.Mean())

	assert.Equal(t, 1.0, w.Push(1))
	assert.Equal(t, 2.0, w.Push(-2))
	assert.Equal(t, 3.0, w.Push(10))
	require.Equal(t, 3, w.Len())
	assert.InDelta(t, 2.0, w.Mean(), 1e-12)

	w.Push(0)
	assert.Equal(t, 3, w.Len())
	assert.Equal(t, []float64{2, 3, 0}, w.Values())
	assert.InDelta(t, 5.0/3.0, w.Mean(), 1e-12)

	w.Reset()
	assert.Equal(t, 0, w.Len())
	assert.Equal(t, 0.0, w.Mean())
	assert.Equal(t, 3, w.Cap())
}

func TestWindow_MeanStaysInBounds(t *testing.T) {
	w := NewWindow(40, 3.0)
	for i := 0; i < 1000; i++ {
		v := float64(i%17) - 8
		w.Push(v * 1.37)
		m := w.Mean()
		require.GreaterOrEqual(t, m, 0.0)
		require.LessOrEqual(t, m, 3.0+1e-12)
		require.LessOrEqual(t, w.Len(), 40)
	}
}
