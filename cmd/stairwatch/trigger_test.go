package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stairwatch/internal/config"
	"stairwatch/internal/sensor"
	"stairwatch/internal/stairs"
)

func TestNewTrigger(t *testing.T) {
	withSig := stairs.Capabilities{LinearAcceleration: true, Gravity: true, SignificantMotion: true}
	noSig := stairs.Capabilities{LinearAcceleration: true, Gravity: true}

	cases := []struct {
		name string
		kind string
		caps stairs.Capabilities
		want string
	}{
		{"auto with source stream", config.SigMotionAuto, withSig, "event"},
		{"auto without source stream", config.SigMotionAuto, noSig, "soft"},
		{"empty acts as auto", "", noSig, "soft"},
		{"soft", config.SigMotionSoft, withSig, "soft"},
		{"source", config.SigMotionSource, withSig, "event"},
		{"none", config.SigMotionNone, withSig, "nil"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr, err := newTrigger(config.SigMotionConfig{Kind: tc.kind}, tc.caps)
			require.NoError(t, err)
			switch tc.want {
			case "event":
				assert.IsType(t, &sensor.EventTrigger{}, tr)
			case "soft":
				assert.IsType(t, &sensor.SoftTrigger{}, tr)
			default:
				assert.Nil(t, tr)
			}
		})
	}
}

func TestNewTrigger_Errors(t *testing.T) {
	_, err := newTrigger(config.SigMotionConfig{Kind: config.SigMotionSource}, stairs.Capabilities{LinearAcceleration: true})
	require.ErrorContains(t, err, "no significant motion stream")

	_, err = newTrigger(config.SigMotionConfig{Kind: "bogus"}, stairs.Capabilities{})
	require.EqualError(t, err, `unknown sig_motion.kind "bogus"`)
}
