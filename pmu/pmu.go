// Package pmu holds the read-only catalog of known CPU and uncore PMUs.
// The catalog is populated once at startup from an embedded default table,
// optionally merged with a user override file, and is safe for concurrent
// readers afterwards.
package pmu

import (
	"sort"
)

// GatorCpu describes one CPU PMU. Immutable once constructed.
type GatorCpu struct {
	CoreName     string
	ID           string
	CounterSet   string
	DtName       string // device-tree name, empty if none
	SpeName      string // SPE device name, empty if none
	CpuIDs       []int  // sorted ascending, never empty
	PmncCounters int
	IsV8         bool
}

// NewGatorCpu builds a descriptor, keeping the cpu-id list sorted.
func NewGatorCpu(coreName, id, counterSet, dtName, speName string, cpuIDs []int, pmncCounters int, isV8 bool) *GatorCpu {
	ids := append([]int(nil), cpuIDs...)
	sort.Ints(ids)
	return &GatorCpu{
		CoreName:     coreName,
		ID:           id,
		CounterSet:   counterSet,
		DtName:       dtName,
		SpeName:      speName,
		CpuIDs:       ids,
		PmncCounters: pmncCounters,
		IsV8:         isV8,
	}
}

// MinCpuID returns the smallest cpu-id code this descriptor matches.
func (g *GatorCpu) MinCpuID() int {
	return g.CpuIDs[0]
}

// MaxCpuID returns the largest cpu-id code this descriptor matches.
func (g *GatorCpu) MaxCpuID() int {
	return g.CpuIDs[len(g.CpuIDs)-1]
}

// HasCpuID reports whether the descriptor matches the given cpu-id code.
func (g *GatorCpu) HasCpuID(cpuID int) bool {
	for _, id := range g.CpuIDs {
		if id == cpuID {
			return true
		}
	}
	return false
}

// Equal reports field-for-field equality.
func (g *GatorCpu) Equal(o *GatorCpu) bool {
	if g.CoreName != o.CoreName || g.ID != o.ID || g.CounterSet != o.CounterSet ||
		g.DtName != o.DtName || g.SpeName != o.SpeName ||
		g.PmncCounters != o.PmncCounters || g.IsV8 != o.IsV8 ||
		len(g.CpuIDs) != len(o.CpuIDs) {
		return false
	}
	for i := range g.CpuIDs {
		if g.CpuIDs[i] != o.CpuIDs[i] {
			return false
		}
	}
	return true
}

// Less orders descriptors lexicographically by identifier.
func (g *GatorCpu) Less(o *GatorCpu) bool {
	return g.ID < o.ID
}

// UncorePmu describes one uncore (non CPU-local) PMU. Immutable once
// constructed.
type UncorePmu struct {
	CoreName         string
	ID               string
	CounterSet       string
	DeviceInstance   string // empty when the uncore is not instanced
	PmncCounters     int
	HasCyclesCounter bool
}

// IsInstanced reports whether this descriptor names a specific device
// instance.
func (u *UncorePmu) IsInstanced() bool {
	return u.DeviceInstance != ""
}

// WithInstance returns a copy bound to a discovered device instance.
func (u UncorePmu) WithInstance(instance string) UncorePmu {
	u.DeviceInstance = instance
	return u
}
