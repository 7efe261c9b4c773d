//go:build linux

package agents

import (
	"fmt"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

// SelfExecSpawner re-executes the daemon binary in agent mode. The agent
// receives the IPC socket as fd 3 and any extra descriptors after it.
type SelfExecSpawner struct {
	Path string
}

// NewSelfExecSpawner resolves the daemon's own binary path.
func NewSelfExecSpawner() (*SelfExecSpawner, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("cannot resolve own executable path: %v", err)
	}
	return &SelfExecSpawner{Path: path}, nil
}

func (s *SelfExecSpawner) Spawn(role string, extraFiles []*os.File) (*Process, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socketpair failed: %v", err)
	}
	parentEnd := os.NewFile(uintptr(fds[0]), "agent-ipc-parent")
	childEnd := os.NewFile(uintptr(fds[1]), "agent-ipc-child")

	cmd := exec.Command(s.Path, "--agent", role)
	cmd.ExtraFiles = append([]*os.File{childEnd}, extraFiles...)
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		parentEnd.Close()
		childEnd.Close()
		return nil, fmt.Errorf("failed to start %s agent: %v", role, err)
	}

	// the child owns its end now
	childEnd.Close()

	debugf("spawned %s agent as process %d", role, cmd.Process.Pid)
	return &Process{Pid: cmd.Process.Pid, IPC: parentEnd}, nil
}
