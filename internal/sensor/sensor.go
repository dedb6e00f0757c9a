// Package sensor turns hardware, serial bridges and recordings into a single
// stream of timestamped readings.
package sensor

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"stairwatch/internal/stairs"
)

type Kind uint8

const (
	KindLinearAccel Kind = iota + 1
	KindGravity
	// KindSigMotion marks one firing of a significant-motion detector. It
	// carries no vector.
	KindSigMotion
)

// Code is the single-letter tag used in sample logs and on the serial wire.
func (k Kind) Code() string {
	switch k {
	case KindLinearAccel:
		return "A"
	case KindGravity:
		return "G"
	case KindSigMotion:
		return "S"
	}
	return "?"
}

func (k Kind) String() string {
	switch k {
	case KindLinearAccel:
		return "linear_accel"
	case KindGravity:
		return "gravity"
	case KindSigMotion:
		return "sig_motion"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

func KindFromCode(code string) (Kind, error) {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case "A":
		return KindLinearAccel, nil
	case "G":
		return KindGravity, nil
	case "S":
		return KindSigMotion, nil
	}
	return 0, fmt.Errorf("sensor: unknown reading kind %q", code)
}

type Reading struct {
	Time time.Time
	Kind Kind
	Vec  stairs.Vec3
}

// Source delivers readings until ctx is done or the source is exhausted.
// Run returns nil on a clean end (context cancelled or recording finished).
type Source interface {
	Capabilities() stairs.Capabilities
	Run(ctx context.Context, out chan<- Reading) error
}

// ParseFields parses "<kind>[,x,y,z]". Vector kinds need all three axes;
// KindSigMotion takes none.
func ParseFields(fields []string) (Kind, stairs.Vec3, error) {
	if len(fields) == 0 {
		return 0, stairs.Vec3{}, fmt.Errorf("sensor: empty reading")
	}
	k, err := KindFromCode(fields[0])
	if err != nil {
		return 0, stairs.Vec3{}, err
	}
	if k == KindSigMotion {
		if len(fields) != 1 {
			return 0, stairs.Vec3{}, fmt.Errorf("sensor: sig_motion takes no axes, got %d fields", len(fields))
		}
		return k, stairs.Vec3{}, nil
	}
	if len(fields) != 4 {
		return 0, stairs.Vec3{}, fmt.Errorf("sensor: %s needs 3 axes, got %d fields", k, len(fields))
	}
	var xyz [3]float64
	for i := range xyz {
		v, err := strconv.ParseFloat(strings.TrimSpace(fields[i+1]), 64)
		if err != nil {
			return 0, stairs.Vec3{}, fmt.Errorf("sensor: axis %d: %w", i, err)
		}
		xyz[i] = v
	}
	return k, stairs.Vec3{X: xyz[0], Y: xyz[1], Z: xyz[2]}, nil
}

// FormatFields is the inverse of ParseFields.
func FormatFields(r Reading) string {
	if r.Kind == KindSigMotion {
		return r.Kind.Code()
	}
	f := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	return r.Kind.Code() + "," + f(r.Vec.X) + "," + f(r.Vec.Y) + "," + f(r.Vec.Z)
}

// send delivers r unless ctx ends first.
func send(ctx context.Context, out chan<- Reading, r Reading) error {
	select {
	case out <- r:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
