// Package timeline appends structured mission events inside the caller's
// transaction, so a mutation and its event land or roll back together.
package timeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Writer struct {
	Now func() time.Time
}

type Payload map[string]any

// tsFormat keeps a fixed-width fraction so lexicographic order on the stored
// timestamp matches chronological order.
const tsFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Append records one timeline event. The event identifier is derived from its
// content plus a per-(mission,task) sequence persisted in the same
// transaction, so identifiers are stable under replay but never collide even
// when two events share a millisecond.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, eventType, missionID, taskID string, payload Payload) error {
	now := w.now().UTC()
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	seq, err := nextSeq(ctx, tx, missionID, taskID)
	if err != nil {
		return err
	}
	id := EventID(missionID, taskID, eventType, now, seq)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO timeline_events(id,mission_id,task_id,event_type,metadata_json,created_at) VALUES (?,?,?,?,?,?)`,
		id, missionID, nullable(taskID), eventType, string(data), now.Format(tsFormat))
	if err != nil {
		return fmt.Errorf("append timeline event: %w", err)
	}
	return nil
}

// EventID builds the deterministic content-derived event identifier.
func EventID(missionID, taskID, eventType string, ts time.Time, seq int64) string {
	name := fmt.Sprintf("timeline|%s|%s|%s|%d|%d", missionID, taskID, eventType, ts.UnixMilli(), seq)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

// nextSeq advances the persisted per-(mission,task) sequence. Keeping the
// counter in the store rather than in process memory means it survives
// restarts and multiple workers.
func nextSeq(ctx context.Context, tx *sql.Tx, missionID, taskID string) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx,
		`INSERT INTO timeline_seqs(mission_id, task_id, next_seq) VALUES (?,?,1)
		 ON CONFLICT(mission_id, task_id) DO UPDATE SET next_seq = next_seq + 1
		 RETURNING next_seq`,
		missionID, taskID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("next timeline seq: %w", err)
	}
	return seq, nil
}

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
