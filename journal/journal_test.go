package journal

import (
	"testing"
)

func TestSessionRoundTrip(t *testing.T) {
	j, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	session, err := j.BeginSession("Juno", 8, 1000, true)
	if err != nil {
		t.Fatal(err)
	}
	if session <= 0 {
		t.Fatalf("session id = %d", session)
	}

	for _, step := range []struct {
		pid   int
		event string
	}{
		{101, AgentLaunched},
		{101, AgentReady},
		{102, AgentLaunched},
		{102, AgentReady},
		{101, AgentExited},
		{102, AgentExited},
	} {
		if err := j.RecordAgentEvent(session, step.pid, step.event); err != nil {
			t.Fatal(err)
		}
	}
	if err := j.EndSession(session); err != nil {
		t.Fatal(err)
	}

	events, err := j.AgentEvents(session)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 6 {
		t.Fatalf("got %d events, want 6", len(events))
	}
	if events[0].Pid != 101 || events[0].Event != AgentLaunched {
		t.Errorf("first event = %+v", events[0])
	}
	if events[5].Pid != 102 || events[5].Event != AgentExited {
		t.Errorf("last event = %+v", events[5])
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	j, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	s1, _ := j.BeginSession("A", 4, 1000, true)
	s2, _ := j.BeginSession("B", 8, 500, false)

	j.RecordAgentEvent(s1, 1, AgentLaunched)
	j.RecordAgentEvent(s2, 2, AgentLaunched)
	j.RecordAgentEvent(s2, 2, AgentSignalled)

	events, err := j.AgentEvents(s2)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events for session 2, want 2", len(events))
	}
	for _, e := range events {
		if e.Pid != 2 {
			t.Errorf("leaked event from another session: %+v", e)
		}
	}
}
