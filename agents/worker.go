package agents

import (
	"bufio"
	"os"
	"strings"
	"sync"
	"syscall"
)

// State is the lifecycle of one agent worker.
type State int

const (
	StateLaunching State = iota
	StateReady
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateLaunching:
		return "launching"
	case StateReady:
		return "ready"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// StateChangeObserver is notified of every worker state transition. It is
// invoked from whatever goroutine observed the change; the supervisor's
// observer re-posts onto the strand.
type StateChangeObserver func(pid int, oldState, newState State)

// Worker is the shell-side handle for one agent subprocess.
type Worker interface {
	Pid() int
	State() State
	// Shutdown asks the agent to exit cleanly.
	Shutdown()
	// OnSigchild is called when the process monitor saw the agent die.
	OnSigchild()
	// WaitLaunched yields once: true when the agent reported ready, false
	// when it died first.
	WaitLaunched() <-chan bool
}

// WorkerFactory builds the shell-side worker for a freshly spawned agent.
type WorkerFactory func(proc *Process, observer StateChangeObserver) Worker

// Messages on the agent IPC channel.
const (
	ipcReadyMessage    = "READY"
	ipcShutdownMessage = "SHUTDOWN"
)

// AgentWorker drives the line-based IPC protocol shared by all agent
// types: the agent announces READY once initialized and exits when asked
// to SHUTDOWN.
type AgentWorker struct {
	pid      int
	ipc      *os.File
	observer StateChangeObserver

	mu       sync.Mutex
	state    State
	launched chan bool
	once     sync.Once
}

// NewAgentWorker wraps a spawned agent process and starts watching its IPC
// channel.
func NewAgentWorker(proc *Process, observer StateChangeObserver) *AgentWorker {
	w := &AgentWorker{
		pid:      proc.Pid,
		ipc:      proc.IPC,
		observer: observer,
		state:    StateLaunching,
		launched: make(chan bool, 1),
	}
	go w.readLoop()
	return w
}

func (w *AgentWorker) Pid() int {
	return w.pid
}

func (w *AgentWorker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *AgentWorker) WaitLaunched() <-chan bool {
	return w.launched
}

func (w *AgentWorker) readLoop() {
	scanner := bufio.NewScanner(w.ipc)
	for scanner.Scan() {
		switch msg := strings.TrimSpace(scanner.Text()); msg {
		case ipcReadyMessage:
			if w.transition(StateReady) {
				w.once.Do(func() { w.launched <- true })
			}
		default:
			debugf("agent %d: unexpected IPC message %q", w.pid, msg)
		}
	}
	// EOF or error: the process side of this is handled via SIGCHLD
}

// Shutdown asks the agent to exit. If the IPC channel is already gone the
// agent is signalled directly.
func (w *AgentWorker) Shutdown() {
	debugf("requesting shutdown of agent %d", w.pid)
	if _, err := w.ipc.WriteString(ipcShutdownMessage + "\n"); err != nil {
		debugf("agent %d: shutdown message failed (%v), sending SIGTERM", w.pid, err)
		_ = syscall.Kill(w.pid, syscall.SIGTERM)
	}
}

// OnSigchild marks the agent terminated and releases any launch waiter.
func (w *AgentWorker) OnSigchild() {
	if w.transition(StateTerminated) {
		w.once.Do(func() { w.launched <- false })
		w.ipc.Close()
	}
}

// transition moves the state machine forward. Terminated is sticky and
// transitions are never repeated; returns whether the transition happened.
func (w *AgentWorker) transition(newState State) bool {
	w.mu.Lock()
	oldState := w.state
	if oldState == newState || oldState == StateTerminated {
		w.mu.Unlock()
		return false
	}
	w.state = newState
	w.mu.Unlock()

	debugf("agent %d: %s -> %s", w.pid, oldState, newState)
	if w.observer != nil {
		w.observer(w.pid, oldState, newState)
	}
	return true
}
