// Package mali locates Mali GPU devices and the sysfs clock files used to
// read the GPU frequency during a capture.
package mali

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Debug enables verbose device discovery logging.
var Debug bool

func debugf(format string, args ...interface{}) {
	if Debug {
		log.Printf(format, args...)
	}
}

const maxDevMaliToScanFor = 16

// Instance is one detected Mali device.
type Instance struct {
	ID         int
	DevicePath string
	ClockPath  string // empty when no clock file was found
}

// EnumerateAll probes /dev/mali0../dev/mali15 and, when any device
// responds, walks /sys for the matching clock files.
func EnumerateAll() map[int]Instance {
	return enumerateAllAt("/dev", "/sys")
}

func enumerateAllAt(devDir, sysDir string) map[int]Instance {
	detected := make(map[int]string)
	for i := 0; i < maxDevMaliToScanFor; i++ {
		path := filepath.Join(devDir, fmt.Sprintf("mali%d", i))
		if probeDevice(path) {
			detected[i] = path
		}
	}

	instances := make(map[int]Instance)
	if len(detected) == 0 {
		return instances
	}

	clockPaths := make(map[int]string)
	enumerateClockPaths(sysDir, clockPaths)

	for id, devicePath := range detected {
		instances[id] = Instance{ID: id, DevicePath: devicePath, ClockPath: clockPaths[id]}
	}
	return instances
}

func probeDevice(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeDevice != 0
}

// enumerateClockPaths recursively scans for directories named mali%d whose
// parent is called misc, preferring a readable clock file inside the
// device directory and falling back to the clock sibling of the misc
// directory. Symlinked directories are not descended.
func enumerateClockPaths(dir string, found map[int]string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		debugf("Failed to open '%s'", dir)
		return
	}

	dirIsCalledMisc := filepath.Base(dir) == "misc"
	parentClockPath := filepath.Join(filepath.Dir(dir), "clock")

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		var id int
		if n, _ := fmt.Sscanf(entry.Name(), "mali%d", &id); dirIsCalledMisc && n == 1 {
			if _, dup := found[id]; dup {
				continue
			}
			childClockPath := filepath.Join(dir, entry.Name(), "clock")
			if unix.Access(childClockPath, unix.R_OK) == nil {
				found[id] = childClockPath
			} else if unix.Access(parentClockPath, unix.R_OK) == nil {
				found[id] = parentClockPath
			}
		} else {
			enumerateClockPaths(filepath.Join(dir, entry.Name()), found)
		}
	}
}
