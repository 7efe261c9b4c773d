//go:build linux

package external

import (
	"bytes"
	"testing"
	"time"

	"github.com/armperf/perfcapd/buffer"
)

func TestAgentBytesAreFramed(t *testing.T) {
	buf := buffer.NewBuffer(1 << 16)
	feed := NewFeed(buf)
	defer feed.Stop()

	w, err := feed.AddAgentPipe()
	if err != nil {
		t.Fatal(err)
	}

	payload := []byte("annotation channel data")
	if _, err := w.Write(payload); err != nil {
		t.Fatal(err)
	}

	frame := buf.ReadFrame()
	ft, n := buffer.UnpackInt(frame)
	if buffer.FrameType(ft) != buffer.FrameExternal {
		t.Fatalf("frame type = %d, want external", ft)
	}
	if !bytes.Equal(frame[n:], payload) {
		t.Errorf("frame payload = %q, want %q", frame[n:], payload)
	}
	w.Close()
}

func TestMultipleAgentsDoNotInterleave(t *testing.T) {
	buf := buffer.NewBuffer(1 << 16)
	feed := NewFeed(buf)
	defer feed.Stop()

	w1, err := feed.AddAgentPipe()
	if err != nil {
		t.Fatal(err)
	}
	w2, err := feed.AddAgentPipe()
	if err != nil {
		t.Fatal(err)
	}

	w1.Write([]byte("from-agent-one"))
	w2.Write([]byte("from-agent-two"))

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		frame := buf.ReadFrame()
		_, n := buffer.UnpackInt(frame)
		got[string(frame[n:])] = true
	}
	if !got["from-agent-one"] || !got["from-agent-two"] {
		t.Errorf("frames = %v", got)
	}
	w1.Close()
	w2.Close()
}

func TestStopDrainsReaders(t *testing.T) {
	buf := buffer.NewBuffer(1 << 12)
	feed := NewFeed(buf)

	w, err := feed.AddAgentPipe()
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		feed.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not drain the reader loops")
	}

	// adding after stop fails
	if _, err := feed.AddAgentPipe(); err == nil {
		t.Error("AddAgentPipe after Stop should fail")
	}
	w.Close()
}
