//go:build linux && (arm || arm64)

package feedback

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/warthog618/go-gpiocdev"
)

// openGPIO drives a BCM GPIO through the GPIO character device. Suits a
// motor behind a transistor: any duty > 0 is on.
func openGPIO(pin int) (actuator, error) {
	if pin <= 0 {
		return nil, fmt.Errorf("feedback: invalid gpio pin %d", pin)
	}
	lineName := fmt.Sprintf("GPIO%d", pin)

	chips := []string{"/dev/gpiochip0", "/dev/gpiochip4"}
	entries, _ := os.ReadDir("/dev")
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "gpiochip") {
			chips = append(chips, filepath.Join("/dev", e.Name()))
		}
	}

	for _, path := range chips {
		chip, err := gpiocdev.NewChip(path)
		if err != nil {
			continue
		}
		offset, err := chip.FindLine(lineName)
		if err != nil {
			_ = chip.Close()
			continue
		}
		line, err := chip.RequestLine(offset, gpiocdev.AsOutput(0), gpiocdev.WithConsumer("stairwatch-haptic"))
		if err != nil {
			_ = chip.Close()
			continue
		}
		return &gpioMotor{chip: chip, line: line}, nil
	}
	return nil, fmt.Errorf("feedback: gpio line %q not found (or busy)", lineName)
}

type gpioMotor struct {
	chip *gpiocdev.Chip
	line *gpiocdev.Line
}

// SetFrequencyHz is a no-op: the line is either on or off.
func (g *gpioMotor) SetFrequencyHz(int) error { return nil }

func (g *gpioMotor) SetDutyPercent(p float64) error {
	if g.line == nil {
		return fmt.Errorf("feedback: gpio line closed")
	}
	v := 0
	if p > 0 {
		v = 1
	}
	return g.line.SetValue(v)
}

func (g *gpioMotor) Close() error {
	if g.line == nil {
		return nil
	}
	_ = g.line.SetValue(0)
	err := g.line.Close()
	g.line = nil
	if g.chip != nil {
		_ = g.chip.Close()
		g.chip = nil
	}
	return err
}
