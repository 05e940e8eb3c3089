// Package clock provides a monotonic millisecond clock for daemon scheduling.
//
// All interval arithmetic in the daemon (due-time checks, watchdog sweeps,
// maintenance deadlines) is done on deltas derived from a 64-bit internal
// timestamp, never on direct comparison of the 32-bit value the original
// C implementation used. The 32-bit form is exposed only because the spec's
// external contract calls for a u32, and it wraps roughly every 49.7 days;
// callers that need wrap-safe behavior over long windows (the maintenance
// timer can reach 30 days) must use the 64-bit accessors.
package clock

import "time"

// Clock abstracts the passage of time so tests can inject controlled jumps,
// including jumps across the 32-bit wrap boundary.
type Clock interface {
	// NowMS64 returns milliseconds elapsed since the clock was created, as a
	// 64-bit value that never wraps within any realistic process lifetime.
	NowMS64() int64
	// NowMS truncates NowMS64 to 32 bits, matching the spec's now_ms() -> u32
	// signature. Only use this where a u32 is externally required; internal
	// arithmetic should use NowMS64 and deltas.
	NowMS() uint32
}

// monotonic is the production Clock, backed by time.Now()'s monotonic reading.
type monotonic struct {
	start time.Time
}

// New returns a Clock whose epoch is the moment of the call.
func New() Clock {
	return &monotonic{start: time.Now()}
}

func (c *monotonic) NowMS64() int64 {
	return time.Since(c.start).Milliseconds()
}

func (c *monotonic) NowMS() uint32 {
	return uint32(c.NowMS64())
}

// DeltaMS64 returns now-mark as a duration in milliseconds, computed entirely
// in 64-bit space so it remains correct even when mark and now straddle the
// 32-bit wrap boundary of NowMS().
func DeltaMS64(now, mark int64) int64 {
	return now - mark
}
