// Package journal keeps a local record of capture sessions and agent
// lifecycle events in sqlite. The journal is strictly advisory: failures
// degrade to warnings and never interrupt a capture.
package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Journal handles the capture database.
type Journal struct {
	db *sql.DB
}

// AgentEvent is one recorded agent lifecycle transition.
type AgentEvent struct {
	SessionID int64
	Pid       int
	Event     string
	Timestamp time.Time
}

// Agent lifecycle event names.
const (
	AgentLaunched  = "launched"
	AgentReady     = "ready"
	AgentExited    = "exited"
	AgentSignalled = "signalled"
)

// New opens (creating if needed) the capture journal under dataDir.
func New(dataDir string) (*Journal, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create data directory: %v", err)
	}

	db, err := sql.Open("sqlite3", filepath.Join(dataDir, "capture.db"))
	if err != nil {
		return nil, fmt.Errorf("could not open capture journal: %v", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		started_at TIMESTAMP NOT NULL,
		stopped_at TIMESTAMP,
		hardware_name TEXT,
		core_count INTEGER,
		sample_rate INTEGER,
		system_wide BOOLEAN
	);
	CREATE TABLE IF NOT EXISTS agent_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id INTEGER NOT NULL,
		pid INTEGER NOT NULL,
		event TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		FOREIGN KEY(session_id) REFERENCES sessions(id)
	);
	CREATE INDEX IF NOT EXISTS idx_agent_events_session ON agent_events(session_id);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not create journal schema: %v", err)
	}

	return &Journal{db: db}, nil
}

// Close releases the database handle.
func (j *Journal) Close() error {
	return j.db.Close()
}

// BeginSession records the start of a capture and returns its id.
func (j *Journal) BeginSession(hardwareName string, coreCount, sampleRate int, systemWide bool) (int64, error) {
	result, err := j.db.Exec(
		`INSERT INTO sessions (started_at, hardware_name, core_count, sample_rate, system_wide)
		 VALUES (?, ?, ?, ?, ?)`,
		time.Now(), hardwareName, coreCount, sampleRate, systemWide)
	if err != nil {
		return 0, fmt.Errorf("could not record session start: %v", err)
	}
	return result.LastInsertId()
}

// EndSession stamps the capture's stop time.
func (j *Journal) EndSession(sessionID int64) error {
	_, err := j.db.Exec(`UPDATE sessions SET stopped_at = ? WHERE id = ?`, time.Now(), sessionID)
	if err != nil {
		return fmt.Errorf("could not record session stop: %v", err)
	}
	return nil
}

// RecordAgentEvent appends one agent lifecycle event to the session.
func (j *Journal) RecordAgentEvent(sessionID int64, pid int, event string) error {
	_, err := j.db.Exec(
		`INSERT INTO agent_events (session_id, pid, event, timestamp) VALUES (?, ?, ?, ?)`,
		sessionID, pid, event, time.Now())
	if err != nil {
		return fmt.Errorf("could not record agent event: %v", err)
	}
	return nil
}

// AgentEvents returns the recorded events for one session, oldest first.
func (j *Journal) AgentEvents(sessionID int64) ([]AgentEvent, error) {
	rows, err := j.db.Query(
		`SELECT session_id, pid, event, timestamp FROM agent_events WHERE session_id = ? ORDER BY id`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []AgentEvent
	for rows.Next() {
		var e AgentEvent
		if err := rows.Scan(&e.SessionID, &e.Pid, &e.Event, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
