//go:build linux

package mali

import (
	"os"
	"path/filepath"
	"testing"
)

func mkdirs(t *testing.T, paths ...string) {
	t.Helper()
	for _, p := range paths {
		if err := os.MkdirAll(p, 0o755); err != nil {
			t.Fatal(err)
		}
	}
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("500000000\n"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestEnumerateClockPathsChildClock(t *testing.T) {
	sys := t.TempDir()
	mkdirs(t, filepath.Join(sys, "devices", "platform", "gpu", "misc", "mali0"))
	touch(t, filepath.Join(sys, "devices", "platform", "gpu", "misc", "mali0", "clock"))

	found := make(map[int]string)
	enumerateClockPaths(sys, found)

	want := filepath.Join(sys, "devices", "platform", "gpu", "misc", "mali0", "clock")
	if found[0] != want {
		t.Errorf("clock path = %q, want %q", found[0], want)
	}
}

func TestEnumerateClockPathsParentFallback(t *testing.T) {
	sys := t.TempDir()
	mkdirs(t, filepath.Join(sys, "class", "gpu", "misc", "mali1"))
	touch(t, filepath.Join(sys, "class", "gpu", "clock"))

	found := make(map[int]string)
	enumerateClockPaths(sys, found)

	want := filepath.Join(sys, "class", "gpu", "clock")
	if found[1] != want {
		t.Errorf("clock path = %q, want %q", found[1], want)
	}
}

func TestEnumerateClockPathsIgnoresMaliOutsideMisc(t *testing.T) {
	sys := t.TempDir()
	mkdirs(t, filepath.Join(sys, "devices", "mali0"))
	touch(t, filepath.Join(sys, "devices", "mali0", "clock"))

	found := make(map[int]string)
	enumerateClockPaths(sys, found)

	if len(found) != 0 {
		t.Errorf("found %v, want nothing: parent is not 'misc'", found)
	}
}

func TestEnumerateAllWithoutDevices(t *testing.T) {
	dev := t.TempDir()
	sys := t.TempDir()
	mkdirs(t, filepath.Join(sys, "misc", "mali0"))

	if got := enumerateAllAt(dev, sys); len(got) != 0 {
		t.Errorf("instances = %v without any /dev node", got)
	}
}
