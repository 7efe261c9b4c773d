//go:build linux

package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// runAgent is the entry point for subprocesses spawned by the supervisor.
// The IPC socket arrives as fd 3; role-specific descriptors follow it.
//
// The shell side only depends on the handshake implemented here: announce
// READY once initialized, exit on SHUTDOWN or when the IPC channel closes.
// The data the perf and external agents produce flows through their own
// descriptors, not through this channel.
func runAgent(role string) {
	ipc := os.NewFile(3, "agent-ipc")
	if ipc == nil {
		fmt.Fprintln(os.Stderr, "agent: missing IPC descriptor")
		os.Exit(1)
	}

	var data *os.File
	if role == "external" {
		data = os.NewFile(4, "agent-data")
	}

	if _, err := ipc.WriteString("READY\n"); err != nil {
		fmt.Fprintf(os.Stderr, "agent: handshake failed: %v\n", err)
		os.Exit(1)
	}

	scanner := bufio.NewScanner(ipc)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == "SHUTDOWN" {
			break
		}
	}

	if data != nil {
		data.Close()
	}
	os.Exit(0)
}
