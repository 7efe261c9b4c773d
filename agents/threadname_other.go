//go:build !linux

package agents

// Thread naming is a Linux nicety only.
func setThreadName(name string) {}
