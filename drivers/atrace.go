//go:build linux

package drivers

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Debug enables verbose driver logging.
var Debug bool

func debugf(format string, args ...interface{}) {
	if Debug {
		log.Printf(format, args...)
	}
}

// AtraceDriver toggles the Android atrace categories for the duration of a
// capture. Only usable on Android targets where ftrace works and the
// notify helper is deployed next to the daemon binary.
type AtraceDriver struct {
	// overridable for tests
	SetpropPath string

	supported  bool
	notifyPath string
	counters   []Counter
}

// NewAtraceDriver returns an unconfigured driver; call Setup before use.
func NewAtraceDriver() *AtraceDriver {
	return &AtraceDriver{SetpropPath: "/system/bin/setprop"}
}

// Setup probes whether atrace can work on this target.
func (d *AtraceDriver) Setup(ftraceSupported bool) {
	if unix.Access(d.SetpropPath, unix.X_OK) != nil {
		// not an Android target
		return
	}
	if !ftraceSupported {
		log.Printf("Atrace is disabled: support for ftrace is required")
		return
	}

	exe, err := os.Executable()
	if err != nil {
		debugf("Unable to determine the daemon's full path, the cwd will be used")
		exe = "gatord"
	}
	d.notifyPath = filepath.Join(filepath.Dir(exe), "notify.dex")
	if unix.Access(d.notifyPath, unix.W_OK) != nil {
		log.Printf("Atrace is disabled: unable to locate %s", d.notifyPath)
		return
	}

	d.supported = true
}

// Supported reports whether Setup found a usable atrace target.
func (d *AtraceDriver) Supported() bool {
	return d.supported
}

// AddCounter registers one atrace category counter.
func (d *AtraceDriver) AddCounter(name string, key int32, flag int) {
	d.counters = append(d.counters, Counter{Name: name, Key: key, Kind: KindAtrace, Flag: flag})
}

// Counters exposes the counter list for enable/disable bookkeeping.
func (d *AtraceDriver) Counters() []Counter {
	return d.counters
}

// EnableCounter marks a counter for the next capture.
func (d *AtraceDriver) EnableCounter(name string) bool {
	for i := range d.counters {
		if d.counters[i].Name == name {
			d.counters[i].Enabled = true
			return true
		}
	}
	return false
}

// enabledFlags folds the flag bits of every enabled atrace counter.
func (d *AtraceDriver) enabledFlags() int {
	flags := 0
	for _, counter := range d.counters {
		if counter.Kind != KindAtrace || !counter.Enabled {
			continue
		}
		flags |= counter.Flag
	}
	return flags
}

// Start enables the selected atrace categories.
func (d *AtraceDriver) Start() {
	if !d.supported {
		return
	}
	d.setAtrace(d.enabledFlags())
}

// Stop clears all atrace categories.
func (d *AtraceDriver) Stop() {
	if !d.supported {
		return
	}
	d.setAtrace(0)
}

func (d *AtraceDriver) setAtrace(flags int) {
	debugf("Setting atrace flags to %d", flags)
	script := fmt.Sprintf("setprop debug.atrace.tags.enableflags %d; CLASSPATH=%s app_process /system/bin Notify",
		flags, d.notifyPath)
	cmd := exec.Command("sh", "-c", script)
	if err := cmd.Start(); err != nil {
		log.Printf("Error: failed to launch atrace notify: %v", err)
		return
	}
	go func() {
		if err := cmd.Wait(); err != nil {
			log.Printf("Warning: atrace notify exited with: %v", err)
		}
	}()
}
