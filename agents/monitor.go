package agents

import (
	"sync"

	"golang.org/x/sys/unix"
)

// ProcessState is the tagged state of one observed child process.
type ProcessState int

const (
	StateAttaching ProcessState = iota
	StateAttached
	StateNoSuchProcess
	StateTerminatedExit
	StateTerminatedSignal
)

func (s ProcessState) String() string {
	switch s {
	case StateAttaching:
		return "attaching"
	case StateAttached:
		return "attached"
	case StateNoSuchProcess:
		return "no-such-process"
	case StateTerminatedExit:
		return "terminated-exit"
	case StateTerminatedSignal:
		return "terminated-signal"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further events follow this state.
func (s ProcessState) IsTerminal() bool {
	return s == StateNoSuchProcess || s == StateTerminatedExit || s == StateTerminatedSignal
}

// ProcessEvent is one state change of an observed pid. Status carries the
// exit code or signal number for terminal states.
type ProcessEvent struct {
	State  ProcessState
	Status int
}

type processSubscription struct {
	pid    int
	events chan ProcessEvent
}

// ProcessMonitor reaps children on SIGCHLD and fans the resulting state
// events out to per-pid subscribers.
type ProcessMonitor struct {
	mu      sync.Mutex
	nextUID int
	byPid   map[int]int
	subs    map[int]*processSubscription
}

// NewProcessMonitor creates an empty monitor.
func NewProcessMonitor() *ProcessMonitor {
	return &ProcessMonitor{
		byPid: make(map[int]int),
		subs:  make(map[int]*processSubscription),
	}
}

// MonitorForkedPid subscribes to the state events of one forked child and
// returns the subscription id.
func (m *ProcessMonitor) MonitorForkedPid(pid int) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextUID++
	uid := m.nextUID
	m.byPid[pid] = uid
	m.subs[uid] = &processSubscription{
		pid:    pid,
		events: make(chan ProcessEvent, 16),
	}
	return uid
}

// Events returns the event stream for one subscription. The channel is
// closed after a terminal event is delivered.
func (m *ProcessMonitor) Events(uid int) <-chan ProcessEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.subs[uid]; ok {
		return sub.events
	}
	// unknown subscription: a closed channel ends the observer loop
	closed := make(chan ProcessEvent)
	close(closed)
	return closed
}

// OnSigchild reaps every waitable child and delivers the corresponding
// events. Children nobody subscribed to are reaped silently.
func (m *ProcessMonitor) OnSigchild() {
	for {
		var status unix.WaitStatus
		pid, err := unix.Wait4(-1, &status, unix.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}

		var event ProcessEvent
		switch {
		case status.Exited():
			event = ProcessEvent{State: StateTerminatedExit, Status: status.ExitStatus()}
		case status.Signaled():
			event = ProcessEvent{State: StateTerminatedSignal, Status: int(status.Signal())}
		default:
			// stop/continue noise, not a termination
			event = ProcessEvent{State: StateAttached}
		}

		m.deliver(pid, event)
	}
}

// NotifyNoSuchProcess injects a no-such-process event, used when a spawn
// handle turns out to be dead before any SIGCHLD arrives.
func (m *ProcessMonitor) NotifyNoSuchProcess(pid int) {
	m.deliver(pid, ProcessEvent{State: StateNoSuchProcess})
}

func (m *ProcessMonitor) deliver(pid int, event ProcessEvent) {
	m.mu.Lock()
	uid, ok := m.byPid[pid]
	var sub *processSubscription
	if ok {
		sub = m.subs[uid]
	}
	if ok && event.State.IsTerminal() {
		delete(m.byPid, pid)
		delete(m.subs, uid)
	}
	m.mu.Unlock()

	if sub == nil {
		debugf("reaped unobserved process %d (%s)", pid, event.State)
		return
	}

	select {
	case sub.events <- event:
	default:
		debugf("dropping event %s for process %d, subscriber is not draining", event.State, pid)
	}
	if event.State.IsTerminal() {
		close(sub.events)
	}
}
