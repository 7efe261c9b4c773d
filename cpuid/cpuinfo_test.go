package cpuid

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func newCpuIDs(n int) []int {
	ids := make([]int, n)
	for i := range ids {
		ids[i] = UnknownCpuID
	}
	return ids
}

func TestParseProcCpuInfoPerProcessorSections(t *testing.T) {
	input := `processor	: 0
CPU implementer	: 0x41
CPU part	: 0xd03

processor	: 1
CPU implementer	: 0x41
CPU part	: 0xd03

processor	: 2
CPU implementer	: 0x41
CPU part	: 0xd07

Hardware	: Juno
`
	cpuIDs := newCpuIDs(4)
	name := parseProcCpuInfo(strings.NewReader(input), false, cpuIDs)

	if name != "Juno" {
		t.Errorf("hardware name = %q, want Juno", name)
	}
	want := []int{0x41d03, 0x41d03, 0x41d07, UnknownCpuID}
	if diff := cmp.Diff(want, cpuIDs); diff != "" {
		t.Errorf("cpu ids (-want +got):\n%s", diff)
	}
}

func TestParseProcCpuInfoJustHardwareName(t *testing.T) {
	input := `Hardware	: ODROID-XU4
processor	: 0
CPU implementer	: 0x41
CPU part	: 0xd03
`
	cpuIDs := newCpuIDs(2)
	name := parseProcCpuInfo(strings.NewReader(input), true, cpuIDs)

	if name != "ODROID-XU4" {
		t.Errorf("hardware name = %q", name)
	}
	// early return: nothing after the Hardware line is parsed
	if cpuIDs[0] != UnknownCpuID {
		t.Errorf("cpu 0 modified in hardware-name-only mode: %#x", cpuIDs[0])
	}
}

func TestParseProcCpuInfoInvalidFormatBroadcast(t *testing.T) {
	// pre Linux 3.8 layout: one section with every processor line, then
	// global implementer/part values
	input := `processor	: 0
processor	: 1
processor	: 2
processor	: 3
CPU implementer	: 0x41
CPU part	: 0xd05
`
	cpuIDs := newCpuIDs(4)
	parseProcCpuInfo(strings.NewReader(input), false, cpuIDs)

	want := []int{0x41d05, 0x41d05, 0x41d05, 0x41d05}
	if diff := cmp.Diff(want, cpuIDs); diff != "" {
		t.Errorf("broadcast (-want +got):\n%s", diff)
	}
}

func TestParseProcCpuInfoBroadcastOnlyToUnsetSlots(t *testing.T) {
	input := `processor	: 0
processor	: 1
CPU implementer	: 0x41
CPU part	: 0xd05
`
	cpuIDs := newCpuIDs(2)
	cpuIDs[0] = 0x41d03
	parseProcCpuInfo(strings.NewReader(input), false, cpuIDs)

	want := []int{0x41d03, 0x41d05}
	if diff := cmp.Diff(want, cpuIDs); diff != "" {
		t.Errorf("broadcast touched a set slot (-want +got):\n%s", diff)
	}
}

func TestParseProcCpuInfoNoProcessorLinesSkipsBroadcast(t *testing.T) {
	// no processor line was ever seen, so minProcessor stays above
	// maxProcessor and the out-of-place values are not applied anywhere
	input := `CPU implementer	: 0x41
CPU part	: 0xd03
`
	cpuIDs := newCpuIDs(4)
	parseProcCpuInfo(strings.NewReader(input), false, cpuIDs)

	for i, id := range cpuIDs {
		if id != UnknownCpuID {
			t.Errorf("cpu %d set to %#x without any processor line", i, id)
		}
	}
}

func TestParseProcCpuInfoMalformedLineBailsOut(t *testing.T) {
	input := `processor	: 0
CPU implementer
CPU part	: 0xd03
`
	cpuIDs := newCpuIDs(2)
	parseProcCpuInfo(strings.NewReader(input), false, cpuIDs)

	// parsing stops at the malformed line
	if cpuIDs[0] != UnknownCpuID {
		t.Errorf("cpu 0 = %#x, want unknown", cpuIDs[0])
	}
}

func TestParseProcCpuInfoProcessorOutOfRange(t *testing.T) {
	defer func(orig func(string, ...interface{})) { fatalf = orig }(fatalf)
	fatal := false
	fatalf = func(format string, args ...interface{}) {
		fatal = true
		panic("fatal")
	}

	input := "processor\t: 9\n"
	cpuIDs := newCpuIDs(2)
	func() {
		defer func() { recover() }()
		parseProcCpuInfo(strings.NewReader(input), false, cpuIDs)
	}()

	if !fatal {
		t.Error("out of range processor index should be fatal")
	}
}

func TestMakeCpuID(t *testing.T) {
	// Cortex-A53: implementer 0x41, part 0xd03
	midr := uint64(0x410fd030)
	if id := MakeCpuID(midr); id != 0x41d03 {
		t.Errorf("MakeCpuID(%#x) = %#x, want 0x41d03", midr, id)
	}
}
