// Package cpuid discovers the CPU-ID of every logical core. Cores that are
// offline are briefly forced online by pinned worker goroutines so that the
// identification pass (and the /proc/cpuinfo fallback) sees all of them.
package cpuid

import (
	"log"
	"os"
	"strconv"
	"strings"
)

// Debug enables verbose identification logging.
var Debug bool

func debugf(format string, args ...interface{}) {
	if Debug {
		log.Printf(format, args...)
	}
}

// fatalf aborts the capture on invariant violations. Swapped out in tests.
var fatalf = log.Fatalf

const sysCpuDir = "/sys/devices/system/cpu"

// UnknownCpuID marks a slot whose CPU-ID has not been determined.
const UnknownCpuID = -1

// MakeCpuID forms the 24-bit CPU-ID code from a MIDR_EL1 value: the
// implementer byte in bits 12..19 and the part number in bits 0..11.
func MakeCpuID(midr uint64) int {
	return int(((midr & 0xff000000) >> 12) | ((midr & 0xfff0) >> 4))
}

// MaxCoreCount returns one past the highest cpu%d index present in sysfs.
// Inability to enumerate the cores is fatal: nothing downstream can work
// without the core count.
func MaxCoreCount() int {
	entries, err := os.ReadDir(sysCpuDir)
	if err != nil {
		fatalf("Unable to determine the number of cores on the target: %v", err)
		return 0
	}

	maxCoreNum := -1
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "cpu") {
			continue
		}
		coreNum, err := strconv.Atoi(name[3:])
		if err == nil && coreNum >= maxCoreNum {
			maxCoreNum = coreNum + 1
		}
	}

	if maxCoreNum < 1 {
		fatalf("Unable to determine the number of cores on the target, no cpu directories found")
	}
	return maxCoreNum
}
