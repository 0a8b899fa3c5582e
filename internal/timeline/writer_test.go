package timeline

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"missionline/internal/db"
	"missionline/internal/migrate"
)

func newTestWriter(t *testing.T) (Writer, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return Writer{Now: func() time.Time { return fixed }}, conn
}

func appendOne(t *testing.T, w Writer, conn *sql.DB, eventType, missionID, taskID string) {
	t.Helper()
	tx, err := conn.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := w.Append(context.Background(), tx, eventType, missionID, taskID, Payload{"k": "v"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestEventIDIsDeterministic(t *testing.T) {
	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	a := EventID("m1", "t1", "task_started", ts, 1)
	b := EventID("m1", "t1", "task_started", ts, 1)
	if a != b {
		t.Error("same inputs must produce the same id")
	}
	if a == EventID("m1", "t1", "task_started", ts, 2) {
		t.Error("sequence must disambiguate ids within the same millisecond")
	}
	if a == EventID("m2", "t1", "task_started", ts, 1) {
		t.Error("mission must be part of the id")
	}
}

func TestAppendSameMillisecondDoesNotCollide(t *testing.T) {
	w, conn := newTestWriter(t)
	// The clock is frozen, so only the persisted sequence keeps ids apart.
	appendOne(t, w, conn, "task_started", "m1", "t1")
	appendOne(t, w, conn, "task_started", "m1", "t1")

	var n int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM timeline_events WHERE mission_id = 'm1'`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("events = %d, want 2", n)
	}
}

func TestSequencesAreScopedPerMissionAndTask(t *testing.T) {
	w, conn := newTestWriter(t)
	appendOne(t, w, conn, "e", "m1", "t1")
	appendOne(t, w, conn, "e", "m1", "t2")
	appendOne(t, w, conn, "e", "m2", "t1")
	appendOne(t, w, conn, "e", "m1", "")

	rows, err := conn.Query(`SELECT mission_id, task_id, next_seq FROM timeline_seqs ORDER BY mission_id, task_id`)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	seen := 0
	for rows.Next() {
		var mission, task string
		var seq int64
		if err := rows.Scan(&mission, &task, &seq); err != nil {
			t.Fatal(err)
		}
		if seq != 1 {
			t.Errorf("seq for (%s,%s) = %d, want 1", mission, task, seq)
		}
		seen++
	}
	if err := rows.Err(); err != nil {
		t.Fatal(err)
	}
	if seen != 4 {
		t.Errorf("distinct counters = %d, want 4", seen)
	}
}

func TestAppendRollsBackWithTransaction(t *testing.T) {
	w, conn := newTestWriter(t)
	tx, err := conn.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Append(context.Background(), tx, "e", "m1", "t1", nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatal(err)
	}

	var n int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM timeline_events`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("rolled-back event persisted, count = %d", n)
	}
}
