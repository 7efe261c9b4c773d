//go:build linux

package events

import (
	"os"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

func kernelVersionCode(major, minor int) int {
	return major<<8 | minor
}

func parseKernelRelease(release string) (major, minor int) {
	parts := strings.SplitN(release, ".", 3)
	if len(parts) >= 1 {
		major, _ = strconv.Atoi(parts[0])
	}
	if len(parts) >= 2 {
		// strip any -flavour suffix from the minor component
		minorStr := parts[1]
		if i := strings.IndexFunc(minorStr, func(r rune) bool { return r < '0' || r > '9' }); i >= 0 {
			minorStr = minorStr[:i]
		}
		minor, _ = strconv.Atoi(minorStr)
	}
	return major, minor
}

func readKernelVersion() int {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return 0
	}
	release := string(uts.Release[:])
	if i := strings.IndexByte(release, 0); i >= 0 {
		release = release[:i]
	}
	major, minor := parseKernelRelease(release)
	return kernelVersionCode(major, minor)
}

func readPerfEventParanoid() int {
	data, err := os.ReadFile("/proc/sys/kernel/perf_event_paranoid")
	if err != nil {
		// no perf_events support visible; assume the most restrictive level
		return 2
	}
	level, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 2
	}
	return level
}

// DetectPerfConfig derives the capability flags for the running kernel,
// the perf_event_paranoid level and our privileges. tracepointsAvailable
// tells it whether a usable tracefs was found.
func DetectPerfConfig(isSystemWide, tracepointsAvailable bool) PerfConfig {
	kv := readKernelVersion()
	paranoid := readPerfEventParanoid()
	isRoot := os.Geteuid() == 0

	return PerfConfig{
		IsSystemWide:              isSystemWide,
		ExcludeKernel:             !isRoot && paranoid > 1,
		CanAccessTracepoints:      tracepointsAvailable && (isRoot || paranoid < 0),
		HasSampleIdentifier:       kv >= kernelVersionCode(3, 12),
		HasAttrCommExec:           kv >= kernelVersionCode(3, 16),
		HasAttrClockID:            kv >= kernelVersionCode(4, 1),
		HasAttrContextSwitch:      kv >= kernelVersionCode(4, 3),
		HasCountSwDummy:           kv >= kernelVersionCode(3, 12),
		HasExcludeCallchainKernel: kv >= kernelVersionCode(3, 7),
		Use64BitRegisterSet:       runtime.GOARCH == "arm64",
	}
}
