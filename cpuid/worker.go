//go:build linux

package cpuid

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"golang.org/x/sys/unix"
)

// identificationTimeout bounds the wait for all cores to report. Partial
// results are acceptable.
const identificationTimeout = 10 * time.Second

// ReadCpuInfo determines the CPU-ID of every slot in cpuIDs (one slot per
// possible logical core, preset to UnknownCpuID) and returns the hardware
// name, when requested and available.
//
// With ignoreOffline false, one pinned worker per core onlines and holds
// each core while identification runs. With ignoreOffline true, cores are
// detected synchronously on the calling thread and offline ones keep their
// sentinels.
func ReadCpuInfo(ignoreOffline, wantsHardwareName bool, cpuIDs []int) string {
	collect := collectForced
	if ignoreOffline {
		collect = collectDirect
	}
	return identify(wantsHardwareName, cpuIDs, collect, parseProcCpuInfoFile)
}

// collectForced spawns the per-core identification workers and gathers
// their reports. The returned release function lets the workers go; it is
// only called once the whole identification pass (including the
// /proc/cpuinfo read) is over, so the workers keep their cores online
// until then.
func collectForced(n int) (map[int]Properties, func()) {
	type report struct {
		cpu   int
		props Properties
	}

	results := make(chan report, n)
	release := make(chan struct{})

	for cpu := 0; cpu < n; cpu++ {
		go identificationWorker(cpu, release, func(c int, p Properties) {
			results <- report{cpu: c, props: p}
		})
	}

	collected := make(map[int]Properties, n)
	timeout := time.After(identificationTimeout)
	for len(collected) < n {
		select {
		case r := <-results:
			collected[r.cpu] = r.props
		case <-timeout:
			debugf("Could not identify all CPU cores within the timeout period. Activated %d of %d",
				len(collected), n)
			return collected, func() { close(release) }
		}
	}
	return collected, func() { close(release) }
}

// identificationWorker pins itself to the given core, onlining it first if
// necessary, reads the core's properties and reports them, then stays
// pinned until released. Keeping the worker alive is what keeps an
// otherwise-idle core online while /proc/cpuinfo is re-read.
func identificationWorker(cpu int, release <-chan struct{}, report func(cpu int, p Properties)) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	forcedOnline := false
	if !pinTo(cpu) {
		// the core may simply be offline; try to wake it
		if err := setOnline(cpu, true); err != nil {
			debugf("cpu %d: cannot bring online: %v", cpu, err)
		} else {
			forcedOnline = true
		}
		if !pinTo(cpu) {
			debugf("cpu %d: could not pin identification worker", cpu)
			report(cpu, Properties{MidrEl1: InvalidMidr, PhysicalPackageID: InvalidPackageID})
			return
		}
	}

	// wait until we are actually scheduled on the target core
	for i := 0; i < 1000; i++ {
		if current, _, err := unix.Getcpu(); err == nil && current == cpu {
			break
		}
		time.Sleep(time.Millisecond)
	}

	report(cpu, DetectFor(cpu))

	// latch open until the identification pass finishes
	<-release

	if forcedOnline {
		if err := setOnline(cpu, false); err != nil {
			debugf("cpu %d: could not restore offline state: %v", cpu, err)
		}
	}
}

func pinTo(cpu int) bool {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set) == nil
}

func setOnline(cpu int, online bool) error {
	value := "0"
	if online {
		value = "1"
	}
	return os.WriteFile(fmt.Sprintf("%s/cpu%d/online", sysCpuDir, cpu), []byte(value), 0)
}
