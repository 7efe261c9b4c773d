package events

// Attr is the per-event request handed to the configurer: what to count
// and how to sample it. The configurer turns it into a full
// perf_event_attr, applying capability gates and group rules.
type Attr struct {
	Type          uint32
	Config        uint64
	Config1       uint64
	Config2       uint64
	SampleType    uint64
	PeriodOrFreq  uint64
	Freq          bool
	Mmap          bool
	Comm          bool
	Task          bool
	ContextSwitch bool
}
