//go:build !linux || (!arm && !arm64)

package feedback

import "fmt"

func openGPIO(pin int) (actuator, error) {
	return nil, fmt.Errorf("feedback: gpio unsupported on this platform")
}
