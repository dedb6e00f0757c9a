//go:build !linux || (!arm && !arm64)

package feedback

import "fmt"

func openPWM(channel int) (actuator, error) {
	return nil, fmt.Errorf("feedback: pwm unsupported on this platform")
}
