// Package drivers holds the per-driver counter lists. A counter is a
// tagged value: an atrace category flag, a perf event selector, or a Mali
// clock path. Iteration is exhaustive by tag.
package drivers

// CounterKind tags the variant of a Counter.
type CounterKind int

const (
	KindAtrace CounterKind = iota
	KindPerf
	KindMaliClock
)

func (k CounterKind) String() string {
	switch k {
	case KindAtrace:
		return "atrace"
	case KindPerf:
		return "perf"
	case KindMaliClock:
		return "mali-clock"
	default:
		return "unknown"
	}
}

// Counter is one selectable counter owned by a driver.
type Counter struct {
	Name    string
	Key     int32
	Enabled bool
	Kind    CounterKind

	// KindAtrace
	Flag int
	// KindPerf
	EventCode uint64
	// KindMaliClock
	ClockPath string
}
