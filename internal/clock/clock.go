// Package clock provides the Clock Source: a monotonic nanosecond reading
// matching the epoch the in-kernel classifier uses when it stamps
// last_seen_ns via bpf_ktime_get_ns().
package clock

import (
	"log/slog"

	"golang.org/x/sys/unix"
)

// Source exposes the monotonic clock reading used to stamp and evaluate
// session timestamps.
type Source interface {
	// NowNS returns the current CLOCK_MONOTONIC time in nanoseconds. A
	// failure to read the clock surfaces as 0 rather than an error —
	// this is safe because it degrades reaping to a no-op (everything
	// looks freshly-seen) rather than corrupting the session set.
	NowNS() uint64
}

// Monotonic reads CLOCK_MONOTONIC directly via unix.ClockGettime, the
// same syscall family the classifier's bpf_ktime_get_ns() is defined
// against.
type Monotonic struct {
	logger *slog.Logger
}

// NewMonotonic returns a Source backed by CLOCK_MONOTONIC.
func NewMonotonic(logger *slog.Logger) *Monotonic {
	return &Monotonic{logger: logger}
}

func (m *Monotonic) NowNS() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		if m.logger != nil {
			m.logger.Error("clock source read failed", slog.String("error", err.Error()))
		}
		return 0
	}
	if ts.Sec < 0 {
		return 0
	}
	return uint64(ts.Sec)*1e9 + uint64(ts.Nsec)
}
