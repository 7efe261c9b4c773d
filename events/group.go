package events

import (
	"golang.org/x/sys/unix"

	"github.com/armperf/perfcapd/pmu"
)

// GroupKind tags what an event group is attached to.
type GroupKind int

const (
	KindPerClusterCpu GroupKind = iota
	KindUncorePmu
	KindSpecificCpu
	KindGlobal
	KindSpe
)

func (k GroupKind) String() string {
	switch k {
	case KindPerClusterCpu:
		return "per-cluster-cpu"
	case KindUncorePmu:
		return "uncore-pmu"
	case KindSpecificCpu:
		return "specific-cpu"
	case KindGlobal:
		return "global"
	case KindSpe:
		return "spe"
	default:
		return "unknown"
	}
}

// Identifier names one event group: its kind plus the cluster, uncore or
// core it belongs to.
type Identifier struct {
	Kind    GroupKind
	Cluster *pmu.GatorCpu  // set for per-cluster and SPE groups
	Uncore  *pmu.UncorePmu // set for uncore groups
	Cpu     int            // set for specific-cpu groups
}

// RequiresLeader reports whether members of this group are opened under a
// shared perf_event_open group leader.
func (id Identifier) RequiresLeader() bool {
	return id.Kind == KindPerClusterCpu || id.Kind == KindUncorePmu
}

// Event is one configured perf event: the kernel attribute plus the key
// that names it on the APC stream.
type Event struct {
	Attr unix.PerfEventAttr
	Key  int32
}

// EventGroup is an ordered set of events. When the group requires a leader
// the leader is at index 0, pinned and initially disabled; every other
// member is unpinned and enabled. Leaders are handed to the kernel strictly
// before the other members.
type EventGroup struct {
	Identifier Identifier
	Events     []Event
}

// Leader returns the group leader, or nil for leaderless groups.
func (g *EventGroup) Leader() *Event {
	if !g.Identifier.RequiresLeader() || len(g.Events) == 0 {
		return nil
	}
	return &g.Events[0]
}
