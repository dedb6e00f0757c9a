package stairs

import "math"

// Vec3 is a 3-axis sensor vector in m/s².
type Vec3 struct {
	X, Y, Z float64
}

func (v Vec3) Dot(o Vec3) float64 {
	return v.X*o.X + v.Y*o.Y + v.Z*o.Z
}

func (v Vec3) Norm() float64 {
	return math.Sqrt(v.Dot(v))
}

// finiteWithin reports whether every component is finite and |c| <= limit.
func (v Vec3) finiteWithin(limit float64) bool {
	for _, c := range [3]float64{v.X, v.Y, v.Z} {
		if math.IsNaN(c) || math.IsInf(c, 0) || math.Abs(c) > limit {
			return false
		}
	}
	return true
}

// NoiseFilter tracks the slow component of each axis with an exponential
// moving average and returns what is left over.
type NoiseFilter struct {
	alpha float64
	noise Vec3
}

func NewNoiseFilter(alpha float64) *NoiseFilter {
	return &NoiseFilter{alpha: alpha}
}

// Apply folds raw into the noise estimate and returns raw minus the estimate.
func (f *NoiseFilter) Apply(raw Vec3) Vec3 {
	a := f.alpha
	f.noise = Vec3{
		X: raw.X*a + f.noise.X*(1-a),
		Y: raw.Y*a + f.noise.Y*(1-a),
		Z: raw.Z*a + f.noise.Z*(1-a),
	}
	return Vec3{
		X: raw.X - f.noise.X,
		Y: raw.Y - f.noise.Y,
		Z: raw.Z - f.noise.Z,
	}
}

// Noise returns the current estimate.
func (f *NoiseFilter) Noise() Vec3 {
	return f.noise
}

func (f *NoiseFilter) Reset() {
	f.noise = Vec3{}
}

// VerticalMagnitude projects filtered acceleration onto gravity, normalised by
// standard gravity rather than |gravity| so a missing gravity reading yields 0.
func VerticalMagnitude(filtered, gravity Vec3) float64 {
	return filtered.Dot(gravity) / StandardGravity
}
