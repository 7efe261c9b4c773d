// Package events builds the perf_event_attr descriptors for everything the
// capture samples: per-cluster CPU groups, uncore PMUs, SPE and global
// software events. The configurer encodes the kernel contract: grouping,
// pinning, sampling bits and the capability gates of the running kernel.
package events

// UnknownTracepointID marks a tracepoint whose id could not be read.
const UnknownTracepointID = int64(-1)

const (
	nanosPerSecond = uint64(1000000000)
	nanosPer100Ms  = uint64(100000000)
)

// PerfConfig carries the kernel capability flags and capture mode that gate
// attribute construction.
type PerfConfig struct {
	IsSystemWide bool
	// ExcludeKernel is the kernel-side restriction derived from
	// perf_event_paranoid and our privileges, as opposed to the
	// user-requested GroupConfig.ExcludeKernelEvents.
	ExcludeKernel             bool
	CanAccessTracepoints      bool
	HasSampleIdentifier       bool // 3.12
	HasAttrCommExec           bool // 3.16
	HasAttrClockID            bool // 4.1
	HasAttrContextSwitch      bool // 4.3
	HasCountSwDummy           bool // 3.12
	HasExcludeCallchainKernel bool // 3.7
	Use64BitRegisterSet       bool
}

// RingbufferConfig holds the mmap sizes used for the perf ring buffers.
type RingbufferConfig struct {
	DataBufferSize uint64
	AuxBufferSize  uint64
}

// GroupConfig is the bundle handed to every group configurer for one
// capture session.
type GroupConfig struct {
	Perf                   PerfConfig
	Ringbuffer             RingbufferConfig
	ExcludeKernelEvents    bool
	SchedSwitchID          int64
	SchedSwitchKey         int32
	SampleRate             int
	EnablePeriodicSampling bool
	BacktraceDepth         int

	dummyKeyCounter int32
}

// NextDummyKey allocates the next synthetic event key. Dummy keys identify
// leaders and periodic samplers that have no counter-catalog entry; they
// count down from -1.
func (c *GroupConfig) NextDummyKey() int32 {
	if c.dummyKeyCounter == 0 {
		c.dummyKeyCounter = -1
	}
	key := c.dummyKeyCounter
	c.dummyKeyCounter--
	return key
}
