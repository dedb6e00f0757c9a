package stairs

import "time"

// DebounceConfirmer holds at most one completed episode until its deadline,
// then checks whether the significant-motion counter moved past the value
// captured when the episode started.
type DebounceConfirmer struct {
	delay time.Duration

	pending bool
	episode Episode
	due     time.Time
}

func NewDebounceConfirmer(delay time.Duration) *DebounceConfirmer {
	return &DebounceConfirmer{delay: delay}
}

// Schedule queues ep for evaluation at ep.EndedAt + delay. It reports false
// when an evaluation is already pending.
func (d *DebounceConfirmer) Schedule(ep Episode) bool {
	if d.pending {
		return false
	}
	d.pending = true
	d.episode = ep
	d.due = ep.EndedAt.Add(d.delay)
	return true
}

// Pending reports whether an evaluation is queued; it doubles as the
// isCalculating guard.
func (d *DebounceConfirmer) Pending() bool { return d.pending }

// Due returns the deadline of the pending evaluation.
func (d *DebounceConfirmer) Due() (time.Time, bool) {
	return d.due, d.pending
}

// Resolve evaluates the pending episode if now has reached its deadline.
// ok is false when nothing was evaluated.
func (d *DebounceConfirmer) Resolve(now time.Time, sigMotionCount uint64) (ep Episode, confirmed, ok bool) {
	if !d.pending || now.Before(d.due) {
		return Episode{}, false, false
	}
	ep = d.episode
	d.pending = false
	d.episode = Episode{}
	d.due = time.Time{}
	return ep, sigMotionCount > ep.SigMotionCountAtStart, true
}

func (d *DebounceConfirmer) Reset() {
	d.pending = false
	d.episode = Episode{}
	d.due = time.Time{}
}
