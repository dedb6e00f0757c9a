package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stairwatch/internal/config"
	"stairwatch/internal/replay"
	"stairwatch/internal/stairs"
)

// climbLog renders gravity, 2.5s of vertical shaking and 1s of stillness at
// 50 Hz. withSig adds one significant-motion line 200ms in.
func climbLog(withSig bool) string {
	var b strings.Builder
	b.WriteString("# climb\nSTART\n0,G,0,0,9.8\n")
	var at int64
	const period = int64(20_000_000)
	for i := 0; i < 125; i++ {
		if withSig && i == 10 {
			fmt.Fprintf(&b, "%d,S\n", at)
		}
		a := 2.0
		if i%2 == 1 {
			a = -2
		}
		fmt.Fprintf(&b, "%d,A,0,0,%g\n", at, a)
		at += period
	}
	for i := 0; i < 50; i++ {
		fmt.Fprintf(&b, "%d,A,0,0,0\n", at)
		at += period
	}
	return b.String()
}

func writeLog(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "samples.log")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func readRecords(t *testing.T, body string) []replay.Record {
	t.Helper()
	recs, err := replay.NewReader(strings.NewReader(body)).ReadAll()
	require.NoError(t, err)
	return recs
}

var autoSigMotion = config.SigMotionConfig{Kind: config.SigMotionAuto}

func TestSummarizeLog_ConfirmedClimb(t *testing.T) {
	s, err := summarizeLog(readRecords(t, climbLog(true)), stairs.DefaultConfig(), autoSigMotion)
	require.NoError(t, err)

	assert.Equal(t, 1, s.Segments)
	assert.Equal(t, 175, s.Accel)
	assert.Equal(t, 1, s.Gravity)
	assert.Equal(t, 1, s.Sig)
	assert.Equal(t, 1, s.Fired)
	assert.Zero(t, s.Malformed)
	assert.Empty(t, s.Disabled)
	assert.Equal(t, uint64(1), s.Stairs)
	assert.Equal(t, 1, s.Outcomes[stairs.OutcomeConfirmed])
	assert.Greater(t, s.VertMax, 1.0)
	assert.LessOrEqual(t, s.VertP50, s.VertP95)
	assert.LessOrEqual(t, s.VertP95, s.VertMax)
}

// Without S lines, auto falls back to the software trigger just as a live
// run of the same recording does.
func TestSummarizeLog_SoftTriggerConfirmsWithoutSigMotionLines(t *testing.T) {
	s, err := summarizeLog(readRecords(t, climbLog(false)), stairs.DefaultConfig(), autoSigMotion)
	require.NoError(t, err)

	assert.Zero(t, s.Sig)
	assert.GreaterOrEqual(t, s.Fired, 1)
	assert.Equal(t, uint64(1), s.Stairs)
	assert.Equal(t, 1, s.Outcomes[stairs.OutcomeConfirmed])
}

func TestSummarizeLog_NoTriggerRejects(t *testing.T) {
	recs := readRecords(t, climbLog(true))
	s, err := summarizeLog(recs, stairs.DefaultConfig(), config.SigMotionConfig{Kind: config.SigMotionNone})
	require.NoError(t, err)

	assert.Equal(t, 1, s.Sig)
	assert.Zero(t, s.Fired)
	assert.Zero(t, s.Stairs)
	assert.Equal(t, 1, s.Outcomes[stairs.OutcomeRejected])
}

func TestSummarizeLog_SourceTriggerNeedsSigMotionLines(t *testing.T) {
	_, err := summarizeLog(readRecords(t, climbLog(false)), stairs.DefaultConfig(), config.SigMotionConfig{Kind: config.SigMotionSource})
	require.ErrorContains(t, err, "no significant motion stream")
}

func TestSummarizeLog_MissingGravityDisables(t *testing.T) {
	s, err := summarizeLog(readRecords(t, "START\n0,A,0,0,1\n20000000,A,0,0,1\n"), stairs.DefaultConfig(), autoSigMotion)
	require.NoError(t, err)

	assert.Contains(t, s.Disabled, "gravity")
	assert.Equal(t, 2, s.Accel)
	assert.Zero(t, s.VertMax)
}

func TestSummarizeLog_InvalidConfig(t *testing.T) {
	cfg := stairs.DefaultConfig()
	cfg.Alpha = 0
	_, err := summarizeLog(readRecords(t, climbLog(true)), cfg, autoSigMotion)
	require.ErrorIs(t, err, stairs.ErrInvalidConfig)
}

func TestPrintLogSummary(t *testing.T) {
	p := writeLog(t, climbLog(true))
	var out bytes.Buffer
	require.NoError(t, printLogSummary(&out, p, stairs.DefaultConfig(), autoSigMotion))

	got := out.String()
	assert.Contains(t, got, "path: "+p+"\n")
	assert.Contains(t, got, "readings: accel=175 gravity=1 sig_motion=1 malformed=0\n")
	assert.Contains(t, got, "sig_motion: kind=auto fired=1\n")
	assert.Contains(t, got, "stairs: 1\n")
	assert.Contains(t, got, "  confirmed: 1\n")
	assert.Contains(t, got, "  rejected: 0\n")
}

func TestPrintLogSummary_Errors(t *testing.T) {
	var out bytes.Buffer
	require.EqualError(t, printLogSummary(&out, "  ", stairs.DefaultConfig(), autoSigMotion), "path is empty")

	err := printLogSummary(&out, filepath.Join(t.TempDir(), "missing.log"), stairs.DefaultConfig(), autoSigMotion)
	require.Error(t, err)

	bad := writeLog(t, "0,Q,1,2,3\n")
	err = printLogSummary(&out, bad, stairs.DefaultConfig(), autoSigMotion)
	require.ErrorContains(t, err, "line 1")
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}
