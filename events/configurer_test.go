package events

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/armperf/perfcapd/pmu"
)

func testCluster() *pmu.GatorCpu {
	return pmu.NewGatorCpu("Cortex-A53", "ARMv8_Cortex_A53", "ARMv8_Cortex_A53_cnt",
		"arm,cortex-a53", "", []int{0x41d03}, 6, true)
}

func systemWideConfig() *GroupConfig {
	return &GroupConfig{
		Perf: PerfConfig{
			IsSystemWide:              true,
			HasSampleIdentifier:       true,
			HasAttrCommExec:           true,
			HasAttrClockID:            true,
			HasAttrContextSwitch:      true,
			HasCountSwDummy:           true,
			HasExcludeCallchainKernel: true,
			Use64BitRegisterSet:       true,
		},
		Ringbuffer:             RingbufferConfig{DataBufferSize: 1 << 20, AuxBufferSize: 1 << 22},
		SchedSwitchID:          UnknownTracepointID,
		SchedSwitchKey:         -100,
		SampleRate:             1000,
		EnablePeriodicSampling: true,
	}
}

type trackedMapping struct {
	key  int32
	attr unix.PerfEventAttr
}

func newTracker() (*[]trackedMapping, MappingTracker) {
	var seen []trackedMapping
	return &seen, func(key int32, attr unix.PerfEventAttr) {
		seen = append(seen, trackedMapping{key: key, attr: attr})
	}
}

func cpuConfigurer(config *GroupConfig) (GroupConfigurer, *EventGroup) {
	group := &EventGroup{Identifier: Identifier{Kind: KindPerClusterCpu, Cluster: testCluster()}}
	return GroupConfigurer{Config: config, Group: group}, group
}

func TestCpuGroupLeaderWithDummySupport(t *testing.T) {
	// system-wide capture on a kernel with both context-switch records and
	// the dummy software event
	config := systemWideConfig()
	seen, tracker := newTracker()
	c, group := cpuConfigurer(config)

	if !c.CreateGroupLeader(tracker) {
		t.Fatal("CreateGroupLeader failed")
	}
	if len(group.Events) != 2 {
		t.Fatalf("got %d events, want leader + periodic sampler", len(group.Events))
	}

	leader := group.Events[0].Attr
	if leader.Type != unix.PERF_TYPE_SOFTWARE || leader.Config != unix.PERF_COUNT_SW_DUMMY {
		t.Errorf("leader is %d/%d, want software/dummy", leader.Type, leader.Config)
	}
	if leader.Sample != 0 {
		t.Errorf("leader period = %d, want 0", leader.Sample)
	}
	if leader.Bits&unix.PerfBitContextSwitch == 0 {
		t.Error("leader should request context switch records")
	}
	if leader.Bits&unix.PerfBitPinned == 0 || leader.Bits&unix.PerfBitDisabled == 0 {
		t.Error("leader must be pinned and initially disabled")
	}
	if group.Events[0].Key != -100 {
		t.Errorf("leader key = %d, want the sched-switch key", group.Events[0].Key)
	}

	sampler := group.Events[1].Attr
	if sampler.Config != unix.PERF_COUNT_SW_CPU_CLOCK {
		t.Errorf("second event config = %d, want cpu-clock", sampler.Config)
	}
	if sampler.Sample != 1000000 {
		t.Errorf("sampler period = %d, want 1000000", sampler.Sample)
	}
	if sampler.Bits&unix.PerfBitPinned != 0 {
		t.Error("non-leader must not be pinned")
	}
	if group.Events[1].Key >= 0 {
		t.Errorf("sampler key = %d, want a dummy key", group.Events[1].Key)
	}

	if len(*seen) != 2 {
		t.Fatalf("tracker saw %d mappings, want 2", len(*seen))
	}
}

func TestAppModeContextSwitchCountsLeader(t *testing.T) {
	// app mode without perf context-switch support but with kernel access:
	// the leader counts context switches and a fast task clock approximates
	// switch-in events
	config := systemWideConfig()
	config.Perf.IsSystemWide = false
	config.Perf.HasAttrContextSwitch = false
	config.Perf.ExcludeKernel = false
	config.ExcludeKernelEvents = true

	seen, tracker := newTracker()
	c, group := cpuConfigurer(config)

	if !c.CreateGroupLeader(tracker) {
		t.Fatal("CreateGroupLeader failed")
	}
	if len(group.Events) != 3 {
		t.Fatalf("got %d events, want leader + sampler + task clock", len(group.Events))
	}

	leader := group.Events[0].Attr
	if leader.Config != unix.PERF_COUNT_SW_CONTEXT_SWITCHES || leader.Sample != 1 {
		t.Errorf("leader = config %d period %d, want context-switches period 1", leader.Config, leader.Sample)
	}
	if leader.Bits&unix.PerfBitExcludeKernel != 0 {
		t.Error("context-switch events must never exclude the kernel")
	}

	taskClock := group.Events[2].Attr
	if taskClock.Config != unix.PERF_COUNT_SW_TASK_CLOCK || taskClock.Sample != 100000 {
		t.Errorf("task clock = config %d period %d, want task-clock period 100000", taskClock.Config, taskClock.Sample)
	}
	if taskClock.Sample_type&unix.PERF_SAMPLE_TID == 0 {
		t.Error("task clock must sample TID")
	}

	// app mode: everything inherits
	for i, e := range group.Events {
		if e.Attr.Bits&unix.PerfBitInherit == 0 {
			t.Errorf("event %d must inherit in app mode", i)
		}
	}
	if len(*seen) != 3 {
		t.Fatalf("tracker saw %d mappings", len(*seen))
	}
}

func TestTracepointLeader(t *testing.T) {
	config := systemWideConfig()
	config.Perf.CanAccessTracepoints = true
	config.SchedSwitchID = 317

	_, tracker := newTracker()
	c, group := cpuConfigurer(config)

	if !c.CreateGroupLeader(tracker) {
		t.Fatal("CreateGroupLeader failed")
	}
	leader := group.Events[0].Attr
	if leader.Type != unix.PERF_TYPE_TRACEPOINT || leader.Config != 317 || leader.Sample != 1 {
		t.Errorf("leader = %d/%d period %d, want tracepoint/317 period 1", leader.Type, leader.Config, leader.Sample)
	}
	if leader.Sample_type&unix.PERF_SAMPLE_RAW == 0 {
		t.Error("tracepoint leader must sample raw data")
	}
}

func TestUnknownSchedSwitchIdFails(t *testing.T) {
	config := systemWideConfig()
	config.Perf.CanAccessTracepoints = true
	config.SchedSwitchID = UnknownTracepointID

	seen, tracker := newTracker()
	c, group := cpuConfigurer(config)

	if c.CreateGroupLeader(tracker) {
		t.Fatal("expected failure with unknown sched_switch id")
	}
	if len(group.Events) != 0 || len(*seen) != 0 {
		t.Error("failed leader creation must publish nothing")
	}
}

func TestSpeRequiresContextSwitch(t *testing.T) {
	config := systemWideConfig()
	config.Perf.HasAttrContextSwitch = false

	seen, tracker := newTracker()
	group := &EventGroup{Identifier: Identifier{Kind: KindSpe, Cluster: testCluster()}}
	c := GroupConfigurer{Config: config, Group: group}

	ok := c.AddEvent(false, tracker, 7, Attr{Type: 8, Config: 0, PeriodOrFreq: 100000}, true)
	if ok {
		t.Fatal("SPE event must fail without context switch support")
	}
	if len(group.Events) != 0 {
		t.Error("failed add must not leave a partial event in the group")
	}
	if len(*seen) != 0 {
		t.Error("mapping tracker must not see a failed add")
	}
}

func TestLeaderOnNonEmptyGroupFails(t *testing.T) {
	config := systemWideConfig()
	seen, tracker := newTracker()
	c, group := cpuConfigurer(config)

	if !c.AddEvent(false, tracker, 1, Attr{Type: unix.PERF_TYPE_RAW, Config: 0x11}, false) {
		t.Fatal("plain add failed")
	}
	if c.AddEvent(true, tracker, 2, Attr{Type: unix.PERF_TYPE_RAW, Config: 0x12}, false) {
		t.Fatal("leader add on a non-empty group must fail")
	}
	if len(group.Events) != 1 || len(*seen) != 1 {
		t.Error("failed leader add must publish nothing")
	}
}

func TestMappingTrackerSnapshotsMatchGroup(t *testing.T) {
	config := systemWideConfig()
	seen, tracker := newTracker()
	c, group := cpuConfigurer(config)

	if !c.CreateGroupLeader(tracker) {
		t.Fatal("CreateGroupLeader failed")
	}
	for i := 0; i < 4; i++ {
		if !c.AddEvent(false, tracker, int32(10+i), Attr{Type: unix.PERF_TYPE_RAW, Config: uint64(0x11 + i)}, false) {
			t.Fatalf("AddEvent %d failed", i)
		}
	}

	if len(*seen) != len(group.Events) {
		t.Fatalf("tracker saw %d mappings for %d events", len(*seen), len(group.Events))
	}
	for i, m := range *seen {
		if m.key != group.Events[i].Key {
			t.Errorf("mapping %d key = %d, group key = %d", i, m.key, group.Events[i].Key)
		}
		if group.Events[i].Attr != m.attr {
			t.Errorf("mapping %d attr snapshot differs from the group's event", i)
		}
	}
}

func TestExactlyOnePinnedLeaderAtIndexZero(t *testing.T) {
	config := systemWideConfig()
	_, tracker := newTracker()
	c, group := cpuConfigurer(config)

	if !c.CreateGroupLeader(tracker) {
		t.Fatal("CreateGroupLeader failed")
	}
	for i := 0; i < 3; i++ {
		c.AddEvent(false, tracker, int32(i), Attr{Type: unix.PERF_TYPE_RAW, Config: uint64(i)}, false)
	}

	pinned := 0
	for i, e := range group.Events {
		if e.Attr.Bits&unix.PerfBitPinned != 0 {
			pinned++
			if i != 0 {
				t.Errorf("pinned event at index %d", i)
			}
		}
	}
	if pinned != 1 {
		t.Errorf("%d pinned events, want exactly 1", pinned)
	}
	if group.Leader() == nil || group.Leader().Attr.Bits&unix.PerfBitPinned == 0 {
		t.Error("Leader() should return the pinned leader")
	}
}

func TestCallchainRegisterMasks(t *testing.T) {
	for _, tc := range []struct {
		use64 bool
		want  uint64
	}{
		{use64: true, want: 0x1ffffffff},
		{use64: false, want: 0xffff},
	} {
		config := systemWideConfig()
		config.Perf.Use64BitRegisterSet = tc.use64
		_, tracker := newTracker()
		c, group := cpuConfigurer(config)

		attr := Attr{Type: unix.PERF_TYPE_SOFTWARE, Config: unix.PERF_COUNT_SW_CPU_CLOCK,
			SampleType: unix.PERF_SAMPLE_CALLCHAIN, PeriodOrFreq: 1000000}
		if !c.AddEvent(true, tracker, 1, attr, false) {
			t.Fatal("AddEvent failed")
		}

		got := group.Events[0].Attr
		if got.Sample_type&unix.PERF_SAMPLE_REGS_USER == 0 {
			t.Error("callchain sampling must add user registers")
		}
		if got.Sample_regs_user != tc.want {
			t.Errorf("use64=%v: sample_regs_user = %#x, want %#x", tc.use64, got.Sample_regs_user, tc.want)
		}
	}
}

func TestAuxWatermarkClamp(t *testing.T) {
	for _, tc := range []struct {
		mmapSize uint64
		period   uint64
	}{
		{mmapSize: 1 << 22, period: 100000},
		{mmapSize: 1 << 12, period: 1000000000},
		{mmapSize: 1 << 30, period: 1},
		{mmapSize: 0, period: 0},
	} {
		got := uint64(calculateAuxWatermark(tc.mmapSize, tc.period))
		if got < minSpeWatermark || got > maxSpeWatermark {
			t.Errorf("calculateAuxWatermark(%d, %d) = %d, outside [%d, %d]",
				tc.mmapSize, tc.period, got, minSpeWatermark, maxSpeWatermark)
		}
	}

	// non-aux events carry no watermark at all
	config := systemWideConfig()
	_, tracker := newTracker()
	c, group := cpuConfigurer(config)
	c.AddEvent(true, tracker, 1, Attr{Type: unix.PERF_TYPE_RAW, Config: 0x11, PeriodOrFreq: 100}, false)
	if group.Events[0].Attr.Aux_watermark != 0 {
		t.Errorf("aux_watermark = %d for non-aux event, want 0", group.Events[0].Attr.Aux_watermark)
	}
}

func TestShouldExcludeKernel(t *testing.T) {
	if shouldExcludeKernel(unix.PERF_TYPE_SOFTWARE, unix.PERF_COUNT_SW_CONTEXT_SWITCHES, true) {
		t.Error("context switches must be exempt from kernel exclusion")
	}
	if !shouldExcludeKernel(unix.PERF_TYPE_SOFTWARE, unix.PERF_COUNT_SW_CPU_CLOCK, true) {
		t.Error("other software events follow the request")
	}
	if !shouldExcludeKernel(unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_CPU_CYCLES, true) {
		t.Error("hardware events follow the request")
	}
	if shouldExcludeKernel(unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_CPU_CYCLES, false) {
		t.Error("nothing is excluded unless requested")
	}
}

func TestUncoreGroupLeader(t *testing.T) {
	config := systemWideConfig()
	_, tracker := newTracker()
	uncore := &pmu.UncorePmu{CoreName: "CCI-400", ID: "CCI_400", CounterSet: "CCI_400_cnt", PmncCounters: 4, HasCyclesCounter: true}
	group := &EventGroup{Identifier: Identifier{Kind: KindUncorePmu, Uncore: uncore}}
	c := GroupConfigurer{Config: config, Group: group}

	if !c.CreateGroupLeader(tracker) {
		t.Fatal("CreateGroupLeader failed")
	}
	leader := group.Events[0].Attr
	if leader.Config != unix.PERF_COUNT_SW_CPU_CLOCK || leader.Sample != 1000000 {
		t.Errorf("uncore leader = config %d period %d", leader.Config, leader.Sample)
	}

	// with sampling off the uncore still ticks every 100ms
	config2 := systemWideConfig()
	config2.SampleRate = 0
	group2 := &EventGroup{Identifier: Identifier{Kind: KindUncorePmu, Uncore: uncore}}
	c2 := GroupConfigurer{Config: config2, Group: group2}
	if !c2.CreateGroupLeader(tracker) {
		t.Fatal("CreateGroupLeader failed")
	}
	if group2.Events[0].Attr.Sample != 100000000 {
		t.Errorf("unsampled uncore period = %d, want 100ms", group2.Events[0].Attr.Sample)
	}
}

func TestDummyKeysDecreaseMonotonically(t *testing.T) {
	config := &GroupConfig{}
	if k := config.NextDummyKey(); k != -1 {
		t.Errorf("first dummy key = %d, want -1", k)
	}
	if k := config.NextDummyKey(); k != -2 {
		t.Errorf("second dummy key = %d, want -2", k)
	}
	if k := config.NextDummyKey(); k != -3 {
		t.Errorf("third dummy key = %d, want -3", k)
	}
}

func TestClockIdAndWatermark(t *testing.T) {
	config := systemWideConfig()
	_, tracker := newTracker()
	c, group := cpuConfigurer(config)
	c.AddEvent(true, tracker, 1, Attr{Type: unix.PERF_TYPE_RAW, Config: 0x11, PeriodOrFreq: 100}, false)

	attr := group.Events[0].Attr
	if attr.Bits&unix.PerfBitUseClockID == 0 || attr.Clockid != unix.CLOCK_MONOTONIC_RAW {
		t.Error("monotonic raw clock should be used when supported")
	}
	if attr.Bits&unix.PerfBitWatermark == 0 {
		t.Error("watermark wakeup should always be set")
	}
	if attr.Wakeup != uint32(config.Ringbuffer.DataBufferSize/2) {
		t.Errorf("wakeup watermark = %d, want half the data buffer", attr.Wakeup)
	}
}
