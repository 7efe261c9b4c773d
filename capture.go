//go:build linux

package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/armperf/perfcapd/buffer"
	"github.com/armperf/perfcapd/cpuid"
	"github.com/armperf/perfcapd/drivers"
	"github.com/armperf/perfcapd/events"
	"github.com/armperf/perfcapd/ftrace"
	"github.com/armperf/perfcapd/mali"
	"github.com/armperf/perfcapd/pmu"
)

// ARMv8 PMUv3 common event numbers used for the default per-cluster
// counters.
const (
	armv8CpuCyclesEvent    = 0x11
	armv8InstRetiredEvent  = 0x08
	armv8CacheMissesEvent  = 0x03
	armv8BranchMissesEvent = 0x10
)

// CaptureConfig is the daemon-level capture configuration assembled from
// the command line.
type CaptureConfig struct {
	SystemWide             bool
	SampleRate             int
	EnablePeriodicSampling bool
	BacktraceDepth         int
	ExcludeKernelEvents    bool
	BufferSize             int
	DataBufferSize         uint64
	AuxBufferSize          uint64
	PmusPath               string
}

// Capture owns the perf configuration side of one session: the CPU
// identification results, the configured event groups, and the attrs
// buffer their descriptions are marshalled into.
type Capture struct {
	config  CaptureConfig
	catalog *pmu.Catalog
	tracefs *ftrace.Tracefs

	Attrs        *buffer.AttrsBuffer
	GroupConfig  *events.GroupConfig
	Groups       []*events.EventGroup
	CpuIDs       []int
	Clusters     map[int]*pmu.GatorCpu // cpu index -> cluster descriptor
	HardwareName string
	MaliDevices  map[int]mali.Instance
	Atrace       *drivers.AtraceDriver

	nextCounterKey int32
}

// NewCapture identifies the target and builds every event group, leaving
// the serialized attribute records ready in the attrs buffer.
func NewCapture(config CaptureConfig) (*Capture, error) {
	catalog, err := pmu.Load(config.PmusPath)
	if err != nil {
		return nil, err
	}

	c := &Capture{
		config:         config,
		catalog:        catalog,
		tracefs:        ftrace.Find(),
		Attrs:          buffer.NewAttrsBuffer(config.BufferSize),
		Clusters:       make(map[int]*pmu.GatorCpu),
		nextCounterKey: 1,
	}

	if err := c.identifyTarget(); err != nil {
		return nil, err
	}
	c.buildSessionConfig()
	c.emitTraceMetadata()
	if err := c.buildGroups(); err != nil {
		return nil, err
	}
	c.discoverAuxiliaryDrivers()

	return c, nil
}

// identifyTarget onlines and identifies every core, then maps each to its
// catalog descriptor.
func (c *Capture) identifyTarget() error {
	coreCount := cpuid.MaxCoreCount()
	c.CpuIDs = make([]int, coreCount)
	for i := range c.CpuIDs {
		c.CpuIDs[i] = cpuid.UnknownCpuID
	}

	c.HardwareName = cpuid.ReadCpuInfo(false, true, c.CpuIDs)

	now := monotonicRawNS()
	for cpu, id := range c.CpuIDs {
		if id == cpuid.UnknownCpuID {
			log.Printf("Warning: could not identify CPU %d, it will not be profiled", cpu)
			c.Attrs.OfflineCPU(now, int32(cpu))
			continue
		}
		c.Attrs.OnlineCPU(now, int32(cpu))

		descriptor := c.catalog.FindCpuByID(id)
		if descriptor == nil {
			log.Printf("Warning: CPU %d has unknown CPUID 0x%05x", cpu, id)
			continue
		}
		c.Clusters[cpu] = descriptor
	}

	if len(c.Clusters) == 0 {
		return fmt.Errorf("no profilable CPUs found (hardware %q)", c.HardwareName)
	}
	return nil
}

// buildSessionConfig derives the kernel capability gates and the shared
// group configuration.
func (c *Capture) buildSessionConfig() {
	perfConfig := events.DetectPerfConfig(c.config.SystemWide, c.tracefs != nil)

	schedSwitchID := events.UnknownTracepointID
	if c.tracefs != nil {
		schedSwitchID = c.tracefs.SchedSwitchID()
	}

	c.GroupConfig = &events.GroupConfig{
		Perf: perfConfig,
		Ringbuffer: events.RingbufferConfig{
			DataBufferSize: c.config.DataBufferSize,
			AuxBufferSize:  c.config.AuxBufferSize,
		},
		ExcludeKernelEvents:    c.config.ExcludeKernelEvents,
		SchedSwitchID:          schedSwitchID,
		SampleRate:             c.config.SampleRate,
		EnablePeriodicSampling: c.config.EnablePeriodicSampling,
		BacktraceDepth:         c.config.BacktraceDepth,
	}
	c.GroupConfig.SchedSwitchKey = c.GroupConfig.NextDummyKey()
}

// emitTraceMetadata forwards the ftrace format descriptions the controller
// needs to decode raw sched_switch samples.
func (c *Capture) emitTraceMetadata() {
	if c.tracefs == nil {
		return
	}

	if headerPage, err := c.tracefs.HeaderPage(); err == nil {
		c.Attrs.MarshalHeaderPage(headerPage)
	} else {
		log.Printf("Warning: %v", err)
	}
	if headerEvent, err := c.tracefs.HeaderEvent(); err == nil {
		c.Attrs.MarshalHeaderEvent(headerEvent)
	} else {
		log.Printf("Warning: %v", err)
	}
	if format, err := c.tracefs.EventFormat("sched", "sched_switch"); err == nil {
		c.Attrs.MarshalFormat(format)
	} else {
		log.Printf("Warning: %v", err)
	}
}

// tracker marshals every successful (key, attr) mapping onto the stream.
func (c *Capture) tracker() events.MappingTracker {
	return func(key int32, attr unix.PerfEventAttr) {
		c.Attrs.MarshalPea(&attr, key)
	}
}

func (c *Capture) nextKey() int32 {
	key := c.nextCounterKey
	c.nextCounterKey++
	return key
}

// buildGroups creates one event group per CPU cluster, plus groups for any
// detected uncore PMUs and SPE where available. A cluster or uncore whose
// group cannot be configured is abandoned; the others continue.
func (c *Capture) buildGroups() error {
	tracker := c.tracker()

	for _, cluster := range c.distinctClusters() {
		group := &events.EventGroup{
			Identifier: events.Identifier{Kind: events.KindPerClusterCpu, Cluster: cluster},
		}
		configurer := events.GroupConfigurer{Config: c.GroupConfig, Group: group}

		if !configurer.CreateGroupLeader(tracker) {
			log.Printf("Warning: no leader for cluster %s, skipping its counters", cluster.ID)
			continue
		}

		for _, eventCode := range []uint64{
			armv8CpuCyclesEvent, armv8InstRetiredEvent, armv8CacheMissesEvent, armv8BranchMissesEvent,
		} {
			attr := events.Attr{
				Type:       unix.PERF_TYPE_RAW,
				Config:     eventCode,
				SampleType: unix.PERF_SAMPLE_READ,
			}
			if !configurer.AddEvent(false, tracker, c.nextKey(), attr, false) {
				log.Printf("Warning: could not add event %#x to cluster %s", eventCode, cluster.ID)
			}
		}

		c.Groups = append(c.Groups, group)

		if cluster.SpeName != "" && c.GroupConfig.Perf.HasAttrContextSwitch {
			c.buildSpeGroup(cluster, tracker)
		}
	}

	for _, uncore := range c.detectUncores() {
		group := &events.EventGroup{
			Identifier: events.Identifier{Kind: events.KindUncorePmu, Uncore: uncore},
		}
		configurer := events.GroupConfigurer{Config: c.GroupConfig, Group: group}
		if !configurer.CreateGroupLeader(tracker) {
			log.Printf("Warning: no leader for uncore %s, skipping it", uncore.ID)
			continue
		}
		c.Groups = append(c.Groups, group)
	}

	if len(c.Groups) == 0 {
		return fmt.Errorf("no event groups could be configured")
	}
	return nil
}

// buildSpeGroup configures statistical profiling for one cluster. SPE
// failures abandon only this group.
func (c *Capture) buildSpeGroup(cluster *pmu.GatorCpu, tracker events.MappingTracker) {
	speType, err := perfEventSourceType(strings.ToLower(strings.ReplaceAll(cluster.SpeName, ",", "_")))
	if err != nil {
		// try the generic name the kernel driver registers
		speType, err = perfEventSourceType("arm_spe_0")
	}
	if err != nil {
		log.Printf("SPE device for %s not present, skipping", cluster.ID)
		return
	}

	group := &events.EventGroup{
		Identifier: events.Identifier{Kind: events.KindSpe, Cluster: cluster},
	}
	configurer := events.GroupConfigurer{Config: c.GroupConfig, Group: group}

	attr := events.Attr{
		Type:         speType,
		PeriodOrFreq: 100000,
	}
	if !configurer.AddEvent(false, tracker, c.nextKey(), attr, true) {
		log.Printf("Warning: could not configure SPE for %s", cluster.ID)
		return
	}
	c.Groups = append(c.Groups, group)
}

// distinctClusters returns the unique cluster descriptors in the order of
// the lowest-numbered CPU that belongs to each.
func (c *Capture) distinctClusters() []*pmu.GatorCpu {
	seen := make(map[string]bool)
	var clusters []*pmu.GatorCpu
	for cpu := 0; cpu < len(c.CpuIDs); cpu++ {
		cluster, ok := c.Clusters[cpu]
		if !ok || seen[cluster.ID] {
			continue
		}
		seen[cluster.ID] = true
		clusters = append(clusters, cluster)
	}
	return clusters
}

// detectUncores matches the kernel's registered event sources against the
// uncore catalog, including instanced devices like arm_cmn_0.
func (c *Capture) detectUncores() []*pmu.UncorePmu {
	entries, err := os.ReadDir("/sys/bus/event_source/devices")
	if err != nil {
		log.Printf("Warning: cannot enumerate event sources: %v", err)
		return nil
	}

	var found []*pmu.UncorePmu
	for _, entry := range entries {
		name := entry.Name()
		if uncore := c.catalog.FindUncoreByName(name); uncore != nil {
			found = append(found, uncore)
			continue
		}
		// instanced device: strip a trailing _%d and retry
		if i := strings.LastIndex(name, "_"); i > 0 {
			if uncore := c.catalog.FindUncoreByName(name[:i]); uncore != nil {
				instance := uncore.WithInstance(name)
				found = append(found, &instance)
			}
		}
	}
	return found
}

// perfEventSourceType reads the dynamic PMU type id registered for a named
// event source.
func perfEventSourceType(name string) (uint32, error) {
	data, err := os.ReadFile(fmt.Sprintf("/sys/bus/event_source/devices/%s/type", name))
	if err != nil {
		return 0, err
	}
	var eventType uint32
	if _, err := fmt.Sscanf(strings.TrimSpace(string(data)), "%d", &eventType); err != nil {
		return 0, err
	}
	return eventType, nil
}

// discoverAuxiliaryDrivers probes the non-perf counter sources: Mali
// devices and atrace.
func (c *Capture) discoverAuxiliaryDrivers() {
	c.MaliDevices = mali.EnumerateAll()
	for id, instance := range c.MaliDevices {
		log.Printf("Found Mali device %d at %s (clock: %s)", id, instance.DevicePath, instance.ClockPath)
	}

	c.Atrace = drivers.NewAtraceDriver()
	c.Atrace.Setup(c.tracefs != nil)
}

// TotalEvents counts the configured events across all groups.
func (c *Capture) TotalEvents() int {
	total := 0
	for _, group := range c.Groups {
		total += len(group.Events)
	}
	return total
}

func monotonicRawNS() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC_RAW, &ts); err != nil {
		return 0
	}
	return uint64(ts.Nano())
}
