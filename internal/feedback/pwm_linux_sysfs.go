//go:build linux && (arm || arm64)

package feedback

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// sysfsPWM drives one hardware PWM channel via /sys/class/pwm. On a
// Raspberry Pi the channel has to be exposed with dtoverlay=pwm-2chan.
type sysfsPWM struct {
	chipPath string
	pwmPath  string
	channel  int

	periodNS uint64
	enabled  bool
}

var pwmSysfsBase = "/sys/class/pwm"

// motors buzz audibly below a few hundred Hz
const defaultPeriodNS = 1_000_000_000 / 20_000

func openPWM(channel int) (actuator, error) {
	if channel < 0 {
		return nil, fmt.Errorf("feedback: invalid pwm channel %d", channel)
	}
	chipPath, err := findPWMChip(channel)
	if err != nil {
		return nil, err
	}
	d := &sysfsPWM{
		chipPath: chipPath,
		channel:  channel,
		pwmPath:  filepath.Join(chipPath, fmt.Sprintf("pwm%d", channel)),
	}
	if err := d.ensureExported(); err != nil {
		return nil, err
	}
	_ = d.writeBool("enable", false)
	return d, nil
}

// findPWMChip returns the first pwmchip exposing at least channel+1
// channels, preferring low chip numbers.
func findPWMChip(channel int) (string, error) {
	entries, err := os.ReadDir(pwmSysfsBase)
	if err != nil {
		return "", fmt.Errorf("feedback: read %s: %w", pwmSysfsBase, err)
	}
	// pwmchipN entries are usually symlinks, so don't filter on IsDir.
	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "pwmchip") {
			names = append(names, e.Name())
		}
	}
	slices.SortFunc(names, func(a, b string) int {
		na, _ := strconv.Atoi(strings.TrimPrefix(a, "pwmchip"))
		nb, _ := strconv.Atoi(strings.TrimPrefix(b, "pwmchip"))
		return na - nb
	})

	for _, name := range names {
		chip := filepath.Join(pwmSysfsBase, name)
		n, err := readInt(filepath.Join(chip, "npwm"))
		if err != nil || n <= channel {
			continue
		}
		return chip, nil
	}
	return "", fmt.Errorf("feedback: no pwmchip with channel %d (is the pwm overlay enabled?)", channel)
}

func (d *sysfsPWM) ensureExported() error {
	if _, err := os.Stat(d.pwmPath); err == nil {
		return nil
	}
	if err := writeSysfs(filepath.Join(d.chipPath, "export"), strconv.Itoa(d.channel)); err != nil {
		// exported by someone else in the meantime
		if _, statErr := os.Stat(d.pwmPath); statErr == nil {
			return nil
		}
		return fmt.Errorf("feedback: export pwm%d: %w", d.channel, err)
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(d.pwmPath); err == nil {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := os.Stat(d.pwmPath); err != nil {
		return fmt.Errorf("feedback: %s not created after export: %w", d.pwmPath, err)
	}
	return nil
}

func (d *sysfsPWM) SetFrequencyHz(hz int) error {
	if hz <= 0 {
		return fmt.Errorf("feedback: invalid frequency %d", hz)
	}
	period := uint64(1_000_000_000 / hz)
	if period == 0 {
		period = 1
	}

	// The kernel rejects period changes on an enabled channel.
	_ = d.writeBool("enable", false)
	d.enabled = false
	if err := d.writeUint("duty_cycle", 0); err != nil {
		return err
	}
	if err := d.writeUint("period", period); err != nil {
		return err
	}
	d.periodNS = period
	if err := d.writeBool("enable", true); err != nil {
		return err
	}
	d.enabled = true
	return nil
}

func (d *sysfsPWM) SetDutyPercent(p float64) error {
	p = clamp(p, 0, 100)
	if d.periodNS == 0 {
		d.periodNS = defaultPeriodNS
		if err := d.writeUint("period", d.periodNS); err != nil {
			return err
		}
	}
	duty := min(uint64(math.Round(float64(d.periodNS)*p/100)), d.periodNS)
	if err := d.writeUint("duty_cycle", duty); err != nil {
		return err
	}
	if !d.enabled {
		if err := d.writeBool("enable", true); err != nil {
			return err
		}
		d.enabled = true
	}
	return nil
}

func (d *sysfsPWM) Close() error {
	err := d.writeUint("duty_cycle", 0)
	_ = d.writeBool("enable", false)
	d.enabled = false
	return err
}

func (d *sysfsPWM) writeUint(name string, v uint64) error {
	return writeSysfs(filepath.Join(d.pwmPath, name), strconv.FormatUint(v, 10))
}

func (d *sysfsPWM) writeBool(name string, v bool) error {
	val := "0"
	if v {
		val = "1"
	}
	return writeSysfs(filepath.Join(d.pwmPath, name), val)
}

// writeSysfs opens without O_TRUNC/O_CREATE, which some attributes reject.
// Freshly exported nodes can briefly fail with EACCES or ENOENT until udev
// settles their permissions, so those errors are retried for a while.
func writeSysfs(path, value string) error {
	deadline := time.Now().Add(2 * time.Second)
	for {
		err := writeOnce(path, value)
		if err == nil {
			return nil
		}
		if time.Now().Before(deadline) && retryableSysfsErr(err) {
			time.Sleep(25 * time.Millisecond)
			continue
		}
		return err
	}
}

func writeOnce(path, value string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	_, werr := f.WriteString(value)
	return errors.Join(werr, f.Close())
}

func retryableSysfsErr(err error) bool {
	return os.IsPermission(err) || os.IsNotExist(err) ||
		errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.ENOENT)
}

func readInt(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return 0, fmt.Errorf("feedback: %s is empty", path)
	}
	return strconv.Atoi(s)
}
