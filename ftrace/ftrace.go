// Package ftrace reads tracepoint metadata from tracefs: event ids for
// perf tracepoint attributes, and the format descriptions forwarded to the
// controller.
package ftrace

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// UnknownTracepointID is returned when an event id cannot be read.
const UnknownTracepointID = int64(-1)

var tracefsRoots = []string{
	"/sys/kernel/tracing",
	"/sys/kernel/debug/tracing",
}

// Tracefs is a handle on one mounted tracefs instance.
type Tracefs struct {
	root string
}

// Find locates a usable tracefs mount. Returns nil when none is
// accessible.
func Find() *Tracefs {
	for _, root := range tracefsRoots {
		if _, err := os.Stat(filepath.Join(root, "events")); err == nil {
			return &Tracefs{root: root}
		}
	}
	return nil
}

// At opens a tracefs at a specific root, without probing.
func At(root string) *Tracefs {
	return &Tracefs{root: root}
}

// Root returns the mount point.
func (t *Tracefs) Root() string {
	return t.root
}

// TracepointID reads the numeric id of one tracepoint, for use as a
// PERF_TYPE_TRACEPOINT config value. Returns UnknownTracepointID when the
// event is missing or unreadable.
func (t *Tracefs) TracepointID(system, event string) int64 {
	data, err := os.ReadFile(filepath.Join(t.root, "events", system, event, "id"))
	if err != nil {
		return UnknownTracepointID
	}
	id, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return UnknownTracepointID
	}
	return id
}

// SchedSwitchID reads the sched_switch tracepoint id.
func (t *Tracefs) SchedSwitchID() int64 {
	return t.TracepointID("sched", "sched_switch")
}

// EventFormat reads the format description of one tracepoint.
func (t *Tracefs) EventFormat(system, event string) (string, error) {
	data, err := os.ReadFile(filepath.Join(t.root, "events", system, event, "format"))
	if err != nil {
		return "", fmt.Errorf("failed to read format for %s/%s: %v", system, event, err)
	}
	return string(data), nil
}

// HeaderPage reads the ring-buffer page header description.
func (t *Tracefs) HeaderPage() (string, error) {
	data, err := os.ReadFile(filepath.Join(t.root, "events", "header_page"))
	if err != nil {
		return "", fmt.Errorf("failed to read header_page: %v", err)
	}
	return string(data), nil
}

// HeaderEvent reads the ring-buffer event header description.
func (t *Tracefs) HeaderEvent() (string, error) {
	data, err := os.ReadFile(filepath.Join(t.root, "events", "header_event"))
	if err != nil {
		return "", fmt.Errorf("failed to read header_event: %v", err)
	}
	return string(data), nil
}
