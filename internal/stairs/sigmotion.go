package stairs

import (
	"errors"
	"fmt"
)

var ErrRearmFailed = errors.New("stairs: significant motion re-arm failed")

// SignificantMotionMonitor counts firings of a one-shot "moved significantly"
// trigger. The collaborator owning the trigger supplies the re-arm action.
type SignificantMotionMonitor struct {
	count uint64
	rearm func() error
}

// NewSignificantMotionMonitor returns a monitor that calls rearm after each
// firing. rearm may be nil when the trigger re-arms itself.
func NewSignificantMotionMonitor(rearm func() error) *SignificantMotionMonitor {
	return &SignificantMotionMonitor{rearm: rearm}
}

// Fire records one firing and re-arms the trigger. The count is incremented
// even when re-arming fails.
func (m *SignificantMotionMonitor) Fire() error {
	m.count++
	if m.rearm == nil {
		return nil
	}
	if err := m.rearm(); err != nil {
		return fmt.Errorf("%w: %w", ErrRearmFailed, err)
	}
	return nil
}

func (m *SignificantMotionMonitor) Count() uint64 { return m.count }
