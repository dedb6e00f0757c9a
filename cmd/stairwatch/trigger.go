package main

import (
	"fmt"

	"stairwatch/internal/config"
	"stairwatch/internal/sensor"
	"stairwatch/internal/stairs"
)

// newTrigger picks the significant motion trigger for a source. A nil
// trigger means episodes can never be confirmed.
func newTrigger(c config.SigMotionConfig, caps stairs.Capabilities) (sensor.Trigger, error) {
	soft := func() sensor.Trigger {
		return sensor.NewSoftTrigger(sensor.SoftTriggerConfig{
			Threshold:   c.Threshold,
			MinDuration: c.MinDuration,
			MaxGap:      c.MaxGap,
		})
	}
	switch c.Kind {
	case config.SigMotionNone:
		return nil, nil
	case config.SigMotionSoft:
		return soft(), nil
	case config.SigMotionSource:
		if !caps.SignificantMotion {
			return nil, fmt.Errorf("sig_motion.kind=source but the source has no significant motion stream")
		}
		return sensor.NewEventTrigger(), nil
	case config.SigMotionAuto, "":
		if caps.SignificantMotion {
			return sensor.NewEventTrigger(), nil
		}
		return soft(), nil
	default:
		return nil, fmt.Errorf("unknown sig_motion.kind %q", c.Kind)
	}
}
