//go:build linux && (arm || arm64)

package feedback

import (
	"os"
	"path/filepath"
	"testing"
)

func fakePWMTree(t *testing.T, chips map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	base := filepath.Join(dir, "pwm")
	if err := os.MkdirAll(base, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	for name, npwm := range chips {
		// Real sysfs exposes pwmchipN as symlinks.
		real := filepath.Join(dir, "real"+name)
		if err := os.MkdirAll(real, 0o755); err != nil {
			t.Fatalf("MkdirAll: %v", err)
		}
		if err := os.WriteFile(filepath.Join(real, "npwm"), []byte(npwm+"\n"), 0o644); err != nil {
			t.Fatalf("WriteFile npwm: %v", err)
		}
		if err := os.Symlink(real, filepath.Join(base, name)); err != nil {
			t.Fatalf("Symlink: %v", err)
		}
	}
	old := pwmSysfsBase
	pwmSysfsBase = base
	t.Cleanup(func() { pwmSysfsBase = old })
	return base
}

func TestFindPWMChip_AcceptsSymlinkedChip(t *testing.T) {
	base := fakePWMTree(t, map[string]string{"pwmchip0": "2"})

	chip, err := findPWMChip(1)
	if err != nil {
		t.Fatalf("findPWMChip: %v", err)
	}
	if want := filepath.Join(base, "pwmchip0"); chip != want {
		t.Fatalf("chip=%q want %q", chip, want)
	}
}

func TestFindPWMChip_SkipsChipsWithoutChannel(t *testing.T) {
	base := fakePWMTree(t, map[string]string{"pwmchip0": "1", "pwmchip2": "4", "pwmchip10": "4"})

	chip, err := findPWMChip(3)
	if err != nil {
		t.Fatalf("findPWMChip: %v", err)
	}
	if want := filepath.Join(base, "pwmchip2"); chip != want {
		t.Fatalf("chip=%q want %q", chip, want)
	}

	if _, err := findPWMChip(4); err == nil {
		t.Fatalf("expected error for channel 4")
	}
}

func TestSysfsPWM_DutyWritesNanoseconds(t *testing.T) {
	dir := t.TempDir()
	for _, f := range []string{"period", "duty_cycle", "enable"} {
		if err := os.WriteFile(filepath.Join(dir, f), nil, 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	d := &sysfsPWM{pwmPath: dir}
	if err := d.SetFrequencyHz(1000); err != nil {
		t.Fatalf("SetFrequencyHz: %v", err)
	}
	if err := d.SetDutyPercent(25); err != nil {
		t.Fatalf("SetDutyPercent: %v", err)
	}
	b, _ := os.ReadFile(filepath.Join(dir, "duty_cycle"))
	if string(b) != "250000" {
		t.Fatalf("duty_cycle=%q want 250000", b)
	}
	b, _ = os.ReadFile(filepath.Join(dir, "period"))
	if string(b) != "1000000" {
		t.Fatalf("period=%q want 1000000", b)
	}
}
