//go:build !linux

package main

import (
	"fmt"
	"os"
)

// The daemon drives perf_events, tracefs and sysfs; there is nothing to
// capture on other platforms. This stub keeps the package buildable for
// development on non-Linux machines.
func main() {
	fmt.Println("perfcapd requires Linux (perf_events is a Linux kernel facility)")
	os.Exit(1)
}
