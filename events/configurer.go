package events

import (
	"log"
	"math"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Aux watermark clamp for SPE-style aux data.
const (
	minSpeWatermark = uint64(4096)
	maxSpeWatermark = uint64(2048 * 1024)
)

// MappingTracker receives one (key, attr) pair for every event that is
// successfully added to a group. The attr is a snapshot of the final value
// written to the group.
type MappingTracker func(key int32, attr unix.PerfEventAttr)

// calculateAuxWatermark picks the aux wakeup threshold from the sample
// period so the consumer wakes roughly every tenth of a second, clamped so
// a high sample rate with a large buffer cannot produce an unreasonable
// watermark.
func calculateAuxWatermark(mmapSize, count uint64) uint32 {
	const fractionOfSecond = 10

	if count == 0 {
		count = 1
	}
	frequency := max(nanosPerSecond/count, 1)
	bps := 24 * frequency // assume an average of 24 bytes per sample

	prefWatermark := min(mmapSize/2, bps/fractionOfSecond)
	return uint32(max(min(prefWatermark, maxSpeWatermark), minSpeWatermark))
}

// shouldExcludeKernel decides the exclude_kernel (and hv/idle) bit value.
// Software context-switch events are exempt: without them there is no
// switch information at all.
func shouldExcludeKernel(eventType uint32, config uint64, excludeRequested bool) bool {
	if !excludeRequested {
		return false
	}
	if eventType == unix.PERF_TYPE_SOFTWARE {
		return config != unix.PERF_COUNT_SW_CONTEXT_SWITCHES
	}
	return true
}

func setBit(attr *unix.PerfEventAttr, bit uint64, on bool) {
	if on {
		attr.Bits |= bit
	} else {
		attr.Bits &^= bit
	}
}

// GroupConfigurer populates one EventGroup from per-event attributes,
// applying the kernel capability gates from the session config.
type GroupConfigurer struct {
	Config *GroupConfig
	Group  *EventGroup
}

func (c GroupConfigurer) requiresLeader() bool {
	return c.Group.Identifier.RequiresLeader()
}

// AddEvent appends one event to the group. A failed add publishes nothing:
// the group and the mapping tracker are left untouched.
func (c GroupConfigurer) AddEvent(leader bool, tracker MappingTracker, key int32, attr Attr, hasAuxData bool) bool {
	if leader && len(c.Group.Events) > 0 {
		log.Printf("Error: cannot set leader for non-empty group")
		return false
	}
	if len(c.Group.Events) >= math.MaxInt32 {
		return false
	}

	c.Group.Events = append(c.Group.Events, Event{})
	event := &c.Group.Events[len(c.Group.Events)-1]

	if !c.initEvent(event, false, leader, tracker, key, attr, hasAuxData) {
		c.Group.Events = c.Group.Events[:len(c.Group.Events)-1]
		return false
	}
	return true
}

// AddHeaderEvent appends a stand-alone header event (used to capture mmap,
// comm and task records in system-wide mode). Header events never inherit
// and are always their own pinned leader.
func (c GroupConfigurer) AddHeaderEvent(tracker MappingTracker, key int32, attr Attr) bool {
	if len(c.Group.Events) >= math.MaxInt32 {
		return false
	}

	c.Group.Events = append(c.Group.Events, Event{})
	event := &c.Group.Events[len(c.Group.Events)-1]

	if !c.initEvent(event, true, false, tracker, key, attr, false) {
		c.Group.Events = c.Group.Events[:len(c.Group.Events)-1]
		return false
	}
	return true
}

func (c GroupConfigurer) initEvent(event *Event, isHeader, leader bool, tracker MappingTracker, key int32, attr Attr, hasAuxData bool) bool {
	config := c.Config
	pa := &event.Attr
	pa.Size = uint32(unsafe.Sizeof(*pa))

	// PERF_SAMPLE_READ is not allowed together with inherit, so mask it out
	// of the request in application mode
	var sampleReadMask uint64
	if !config.Perf.IsSystemWide {
		sampleReadMask = unix.PERF_SAMPLE_READ
	}
	pa.Sample_type = unix.PERF_SAMPLE_TIME | (attr.SampleType &^ sampleReadMask)
	if config.Perf.HasSampleIdentifier {
		pa.Sample_type |= unix.PERF_SAMPLE_IDENTIFIER
	} else {
		// fields required for reading 'id' on older kernels
		pa.Sample_type |= unix.PERF_SAMPLE_TID | unix.PERF_SAMPLE_IP | unix.PERF_SAMPLE_ID
	}
	if attr.Type == unix.PERF_TYPE_TRACEPOINT {
		pa.Sample_type |= unix.PERF_SAMPLE_PERIOD
	}
	if !config.Perf.IsSystemWide || !attr.ContextSwitch {
		// TID attributes counter values to their processes in app mode, and
		// supplies thread info where no context switch records do
		pa.Sample_type |= unix.PERF_SAMPLE_TID
	}
	if attr.Freq {
		// the actual period value is only visible via PERF_SAMPLE_PERIOD
		pa.Sample_type |= unix.PERF_SAMPLE_PERIOD
	}

	// collect the user mode registers when sampling the callchain
	if pa.Sample_type&unix.PERF_SAMPLE_CALLCHAIN != 0 {
		pa.Sample_type |= unix.PERF_SAMPLE_REGS_USER
		if config.Perf.Use64BitRegisterSet {
			pa.Sample_regs_user = 0x1ffffffff
		} else {
			pa.Sample_regs_user = 0xffff
		}
	}

	// in application mode inherit must always be set, in system-wide mode
	// always clear
	useInherit := !(config.Perf.IsSystemWide || isHeader)
	// with inherit, or without a mandatory leader, every attribute is a
	// stand-alone group of its own
	everyAttributeInOwnGroup := useInherit || !c.requiresLeader() || isHeader
	// PERF_FORMAT_GROUP is only usable on a real leader without inherit
	useReadFormatGroup := leader && !useInherit && !everyAttributeInOwnGroup && !isHeader

	excludeKernel := shouldExcludeKernel(attr.Type, attr.Config, config.ExcludeKernelEvents)

	setBit(pa, unix.PerfBitInherit, useInherit)
	setBit(pa, unix.PerfBitInheritStat, useInherit)
	if useReadFormatGroup {
		pa.Read_format = unix.PERF_FORMAT_ID | unix.PERF_FORMAT_GROUP
	} else {
		pa.Read_format = unix.PERF_FORMAT_ID
	}

	// only a perf_event_open group leader can be pinned; leaderless events
	// are each their own leader
	pinned := leader || everyAttributeInOwnGroup || isHeader
	setBit(pa, unix.PerfBitPinned, pinned)
	// the group leader starts disabled, all others enabled
	setBit(pa, unix.PerfBitDisabled, pinned)

	setBit(pa, unix.PerfBitWatermark, true)
	pa.Wakeup = uint32(config.Ringbuffer.DataBufferSize / 2)

	setBit(pa, unix.PerfBitUseClockID, config.Perf.HasAttrClockID)
	if config.Perf.HasAttrClockID {
		pa.Clockid = unix.CLOCK_MONOTONIC_RAW
	}

	pa.Type = attr.Type
	pa.Config = attr.Config
	pa.Ext1 = attr.Config1
	pa.Ext2 = attr.Config2
	pa.Sample = attr.PeriodOrFreq
	setBit(pa, unix.PerfBitMmap, attr.Mmap)
	setBit(pa, unix.PerfBitComm, attr.Comm)
	setBit(pa, unix.PerfBitCommExec, attr.Comm && config.Perf.HasAttrCommExec)
	setBit(pa, unix.PerfBitFreq, attr.Freq)
	setBit(pa, unix.PerfBitTask, attr.Task)
	// required for any non-grouped event; ignored for grouped non-leaders
	setBit(pa, unix.PerfBitSampleIDAll, true)
	setBit(pa, unix.PerfBitContextSwitch, attr.ContextSwitch)
	setBit(pa, unix.PerfBitExcludeKernel, excludeKernel)
	setBit(pa, unix.PerfBitExcludeHv, excludeKernel)
	setBit(pa, unix.PerfBitExcludeIdle, excludeKernel)
	setBit(pa, unix.PerfBitExcludeCallchainKernel,
		config.ExcludeKernelEvents && config.Perf.HasExcludeCallchainKernel)

	if hasAuxData {
		pa.Aux_watermark = calculateAuxWatermark(config.Ringbuffer.AuxBufferSize, pa.Sample)
	} else {
		pa.Aux_watermark = 0
	}

	event.Key = key

	// SPE data has no reliable ITRACE_START between two processes sampled
	// by the same attribute, so switch records are required to find the
	// boundaries of the data
	if c.Group.Identifier.Kind == KindSpe {
		if !config.Perf.HasAttrContextSwitch {
			log.Printf("Error: SPE requires context switch information")
			return false
		}
		setBit(pa, unix.PerfBitContextSwitch, true)
	}

	tracker(key, *pa)
	return true
}

// CreateGroupLeader builds the leader event for groups that require one.
func (c GroupConfigurer) CreateGroupLeader(tracker MappingTracker) bool {
	switch c.Group.Identifier.Kind {
	case KindPerClusterCpu:
		return c.createCpuGroupLeader(tracker)
	case KindUncorePmu:
		return c.createUncoreGroupLeader(tracker)
	default:
		log.Printf("Error: group kind %v does not take a leader", c.Group.Identifier.Kind)
		return false
	}
}

// createCpuGroupLeader picks the per-cluster leader in capability priority
// order: sched_switch tracepoint, perf context-switch records, software
// context-switch counts, or plain cpu-clock sampling.
func (c GroupConfigurer) createCpuGroupLeader(tracker MappingTracker) bool {
	config := c.Config
	enableCallChain := config.BacktraceDepth > 0

	attr := Attr{
		SampleType: unix.PERF_SAMPLE_TID | unix.PERF_SAMPLE_READ,
		Mmap:       true,
		Comm:       true,
		Task:       true,
	}
	enableTaskClock := false

	samplePeriod := uint64(0)
	if config.SampleRate > 0 && config.EnablePeriodicSampling {
		samplePeriod = nanosPerSecond / uint64(config.SampleRate)
	}

	callChainSampleType := uint64(0)
	if enableCallChain {
		callChainSampleType = unix.PERF_SAMPLE_CALLCHAIN
	}

	// sched_switch only triggers on switch-out in app tracing mode, so the
	// tracepoint is reserved for system-wide captures
	if config.Perf.CanAccessTracepoints && config.Perf.IsSystemWide {
		// drive the sampling from sched_switch so counts are exactly
		// attributed to each thread
		if config.SchedSwitchID == UnknownTracepointID {
			log.Printf("Unable to read sched_switch id")
			return false
		}
		attr.Type = unix.PERF_TYPE_TRACEPOINT
		attr.Config = uint64(config.SchedSwitchID)
		attr.PeriodOrFreq = 1
		attr.SampleType |= unix.PERF_SAMPLE_RAW
	} else {
		attr.Type = unix.PERF_TYPE_SOFTWARE
		switch {
		case config.Perf.HasAttrContextSwitch:
			// collect switch info directly from perf
			attr.ContextSwitch = true

			if config.Perf.HasCountSwDummy {
				attr.Config = unix.PERF_COUNT_SW_DUMMY
				attr.PeriodOrFreq = 0
			} else {
				attr.Config = unix.PERF_COUNT_SW_CPU_CLOCK
				attr.PeriodOrFreq = samplePeriod
				attr.SampleType |= unix.PERF_SAMPLE_TID | unix.PERF_SAMPLE_IP |
					unix.PERF_SAMPLE_READ | callChainSampleType
			}
		case !config.Perf.ExcludeKernel:
			// context-switch counts give us switch-out events
			attr.Config = unix.PERF_COUNT_SW_CONTEXT_SWITCHES
			attr.PeriodOrFreq = 1
			attr.SampleType |= unix.PERF_SAMPLE_TID
			enableTaskClock = true
		default:
			// no context switches at all
			attr.Config = unix.PERF_COUNT_SW_CPU_CLOCK
			attr.PeriodOrFreq = samplePeriod
			attr.SampleType |= unix.PERF_SAMPLE_TID | unix.PERF_SAMPLE_IP |
				unix.PERF_SAMPLE_READ | callChainSampleType
		}
	}

	if !c.AddEvent(true, tracker, config.SchedSwitchKey, attr, false) {
		return false
	}

	// periodic PC sampling, unless the leader already provides it
	if attr.Config != unix.PERF_COUNT_SW_CPU_CLOCK && config.SampleRate > 0 && config.EnablePeriodicSampling {
		pcAttr := Attr{
			Type:   unix.PERF_TYPE_SOFTWARE,
			Config: unix.PERF_COUNT_SW_CPU_CLOCK,
			SampleType: unix.PERF_SAMPLE_TID | unix.PERF_SAMPLE_IP |
				unix.PERF_SAMPLE_READ | callChainSampleType,
			PeriodOrFreq: nanosPerSecond / uint64(config.SampleRate),
		}
		if !c.AddEvent(false, tracker, config.NextDummyKey(), pcAttr, false) {
			return false
		}
	}

	// a high frequency task clock approximates 'switch-in' events by
	// catching the first tick after a switch back to a process
	if enableTaskClock {
		taskClockAttr := Attr{
			Type:         unix.PERF_TYPE_SOFTWARE,
			Config:       unix.PERF_COUNT_SW_TASK_CLOCK,
			PeriodOrFreq: 100000, // 100us
			SampleType:   unix.PERF_SAMPLE_TID,
		}
		if !c.AddEvent(false, tracker, config.NextDummyKey(), taskClockAttr, false) {
			return false
		}
	}

	return true
}

// createUncoreGroupLeader drives uncore counters from a cpu-clock: every
// sample period, or every 100ms when sampling is off so the counters are
// not starved entirely.
func (c GroupConfigurer) createUncoreGroupLeader(tracker MappingTracker) bool {
	config := c.Config

	period := nanosPer100Ms
	if config.SampleRate > 0 {
		period = nanosPerSecond / uint64(config.SampleRate)
	}

	attr := Attr{
		Type:         unix.PERF_TYPE_SOFTWARE,
		Config:       unix.PERF_COUNT_SW_CPU_CLOCK,
		SampleType:   unix.PERF_SAMPLE_READ,
		PeriodOrFreq: period,
	}
	return c.AddEvent(true, tracker, config.NextDummyKey(), attr, false)
}
