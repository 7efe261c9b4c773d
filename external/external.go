//go:build linux

// Package external collects bytes from agent-owned pipe descriptors and
// frames them onto the APC stream. Each agent is handed the write end of a
// pipe; the feed owns the read ends and the framing.
package external

import (
	"io"
	"log"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/armperf/perfcapd/buffer"
)

// Feed is the shell-side sink for external source agents.
type Feed struct {
	buf *buffer.Buffer

	mu      sync.Mutex
	readers []*os.File
	stopped bool

	wg sync.WaitGroup
}

// NewFeed frames incoming agent bytes into the given ring.
func NewFeed(buf *buffer.Buffer) *Feed {
	return &Feed{buf: buf}
}

// Name identifies the feed in logs.
func (f *Feed) Name() string {
	return "external"
}

// Start is part of the daemon's Source contract. The reader loops start
// per pipe in AddAgentPipe, so there is nothing to do here.
func (f *Feed) Start() error {
	return nil
}

// AddAgentPipe creates a pipe, starts consuming its read end, and returns
// the write end for handoff to a freshly spawned agent.
func (f *Feed) AddAgentPipe() (*os.File, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return nil, err
	}
	// a non-blocking read end goes through the runtime poller, so closing
	// it in Stop wakes a reader loop blocked on an idle agent
	if err := unix.SetNonblock(fds[0], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, err
	}
	r := os.NewFile(uintptr(fds[0]), "agent-data-read")
	w := os.NewFile(uintptr(fds[1]), "agent-data-write")

	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		r.Close()
		w.Close()
		return nil, io.ErrClosedPipe
	}
	f.readers = append(f.readers, r)
	f.mu.Unlock()

	f.wg.Add(1)
	go f.readLoop(r)
	return w, nil
}

func (f *Feed) readLoop(r *os.File) {
	defer f.wg.Done()
	defer r.Close()

	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			f.frame(chunk[:n])
		}
		if err != nil {
			if err != io.EOF && !f.isStopped() {
				log.Printf("Warning: external agent pipe read failed: %v", err)
			}
			return
		}
	}
}

// frame emits one EXTERNAL frame holding the chunk. Serialized so frames
// from different agents never interleave inside the ring.
func (f *Feed) frame(p []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	required := buffer.MaxSizePack32 + len(p)
	if !f.buf.SupportsWriteOfSize(required) {
		log.Printf("Warning: external data chunk too large for buffer (%d bytes), ignoring", len(p))
		return
	}
	f.buf.WaitForSpace(required)
	f.buf.BeginFrame(buffer.FrameExternal)
	f.buf.WriteBytes(p)
	f.buf.EndFrame()
	f.buf.Flush()
}

func (f *Feed) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

// Stop closes every read end and waits for the reader loops to drain.
func (f *Feed) Stop() {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	f.stopped = true
	readers := f.readers
	f.readers = nil
	f.mu.Unlock()

	for _, r := range readers {
		r.Close()
	}
	f.wg.Wait()
}
