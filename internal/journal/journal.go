// Package journal keeps the append-only, hash-chained ledger of step records
// and operation receipts for a mission. Every entry links to its predecessor
// by hash, so edits after the fact are detectable by VerifyIntegrity.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"missionline/internal/canon"
	"missionline/internal/domain"
)

// Genesis anchors the first entry of every mission's chain.
const Genesis = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

type Journal struct {
	DB  *sql.DB
	Now func() time.Time
}

// Bundle is the export format consumed by external auditors.
type Bundle struct {
	MissionID  string                    `json:"mission_id"`
	ChainRoot  string                    `json:"chain_root"`
	Genesis    string                    `json:"genesis"`
	Entries    []domain.StepRecord       `json:"entries"`
	Receipts   []domain.OperationReceipt `json:"receipts"`
	ExportedAt string                    `json:"exported_at"`
}

// RecordStep appends a new running step to the mission's chain: the record's
// prev_entry_hash is the current tip, its entry_hash covers everything but
// itself, and the tip advances to the new hash in the same transaction.
func (j Journal) RecordStep(ctx context.Context, missionID, stepID, operationType, preStateHash string) (domain.StepRecord, error) {
	rec := domain.StepRecord{
		StepID:             stepID,
		MissionID:          missionID,
		OperationType:      operationType,
		Status:             domain.StepRunning,
		StartedAt:          j.now().UTC().Format(time.RFC3339Nano),
		PreStateHash:       preStateHash,
		CompensationStatus: domain.CompensationNotNeeded,
	}

	tx, err := j.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StepRecord{}, err
	}
	defer tx.Rollback()

	tip, err := tipTx(ctx, tx, missionID)
	if err != nil {
		return domain.StepRecord{}, err
	}
	rec.PrevEntryHash = tip
	rec.EntryHash, err = RecomputeEntryHash(rec)
	if err != nil {
		return domain.StepRecord{}, err
	}

	if err := insertStepTx(ctx, tx, rec); err != nil {
		return domain.StepRecord{}, err
	}
	if err := setTipTx(ctx, tx, missionID, rec.EntryHash); err != nil {
		return domain.StepRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.StepRecord{}, err
	}
	return rec, nil
}

// CompleteStep finds the most recent record for stepID, mutates its terminal
// fields and recomputes entry_hash in place. The chain tip is not touched, so
// any entry already chained onto the old hash will report a break. That break
// is the intended signal that the record was edited after append.
func (j Journal) CompleteStep(ctx context.Context, missionID, stepID, status, postStateHash, errorMessage, compensationStatus string) (domain.StepRecord, error) {
	tx, err := j.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StepRecord{}, err
	}
	defer tx.Rollback()

	var pos int64
	rec, err := scanStep(tx.QueryRowContext(ctx,
		`SELECT position, `+stepCols+` FROM step_records
		 WHERE mission_id = ? AND step_id = ?
		 ORDER BY position DESC LIMIT 1`, missionID, stepID), &pos)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.StepRecord{}, fmt.Errorf("complete step: no record for step %s", stepID)
		}
		return domain.StepRecord{}, err
	}

	now := j.now().UTC().Format(time.RFC3339Nano)
	rec.Status = status
	rec.CompletedAt = &now
	rec.PostStateHash = postStateHash
	if errorMessage != "" {
		rec.ErrorMessage = &errorMessage
	}
	if compensationStatus != "" {
		rec.CompensationStatus = compensationStatus
	}
	rec.EntryHash, err = RecomputeEntryHash(rec)
	if err != nil {
		return domain.StepRecord{}, err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE step_records SET status = ?, completed_at = ?, post_state_hash = ?, error_message = ?, compensation_status = ?, entry_hash = ? WHERE position = ?`,
		rec.Status, rec.CompletedAt, rec.PostStateHash, rec.ErrorMessage, rec.CompensationStatus, rec.EntryHash, pos)
	if err != nil {
		return domain.StepRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.StepRecord{}, err
	}
	return rec, nil
}

// AppendReceipt stores an operation receipt alongside the mission's chain.
func (j Journal) AppendReceipt(ctx context.Context, r domain.OperationReceipt) error {
	_, err := j.DB.ExecContext(ctx,
		`INSERT INTO operation_receipts(operation_id, mission_id, ts, pre_state_hash, post_state_hash, compensation_type, compensation_command, idempotency_key, compensation_verified)
		 VALUES (?,?,?,?,?,?,?,?,?)`,
		r.OperationID, r.MissionID, r.Timestamp, r.PreStateHash, r.PostStateHash,
		r.CompensationType, r.CompensationCommand, r.IdempotencyKey, boolInt(r.CompensationVerified))
	if err != nil {
		return fmt.Errorf("append receipt: %w", err)
	}
	return nil
}

// VerifyIntegrity walks the mission's records in append order and reports
// every link or content mismatch instead of stopping at the first one.
func (j Journal) VerifyIntegrity(ctx context.Context, missionID string) (bool, []string, error) {
	entries, err := j.Entries(ctx, missionID)
	if err != nil {
		return false, nil, err
	}
	var breaks []string
	prev := Genesis
	for i, rec := range entries {
		if rec.PrevEntryHash != prev {
			breaks = append(breaks, fmt.Sprintf("entry %d (step %s): prev_entry_hash %s does not match previous entry hash %s", i, rec.StepID, rec.PrevEntryHash, prev))
		}
		want, err := RecomputeEntryHash(rec)
		if err != nil {
			return false, nil, err
		}
		if rec.EntryHash != want {
			breaks = append(breaks, fmt.Sprintf("entry %d (step %s): stored entry_hash %s does not match recomputed %s", i, rec.StepID, rec.EntryHash, want))
		}
		prev = rec.EntryHash
	}
	return len(breaks) == 0, breaks, nil
}

// ExportBundle serializes the full chain plus receipts for external audit.
func (j Journal) ExportBundle(ctx context.Context, missionID string) (Bundle, error) {
	entries, err := j.Entries(ctx, missionID)
	if err != nil {
		return Bundle{}, err
	}
	receipts, err := j.Receipts(ctx, missionID)
	if err != nil {
		return Bundle{}, err
	}
	root := Genesis
	var tip string
	err = j.DB.QueryRowContext(ctx, `SELECT tip_hash FROM journal_tips WHERE mission_id = ?`, missionID).Scan(&tip)
	switch {
	case err == nil:
		root = tip
	case !errors.Is(err, sql.ErrNoRows):
		return Bundle{}, err
	}
	return Bundle{
		MissionID:  missionID,
		ChainRoot:  root,
		Genesis:    Genesis,
		Entries:    entries,
		Receipts:   receipts,
		ExportedAt: j.now().UTC().Format(time.RFC3339Nano),
	}, nil
}

// Entries returns the mission's step records in append order.
func (j Journal) Entries(ctx context.Context, missionID string) ([]domain.StepRecord, error) {
	rows, err := j.DB.QueryContext(ctx,
		`SELECT position, `+stepCols+` FROM step_records WHERE mission_id = ? ORDER BY position`, missionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.StepRecord
	for rows.Next() {
		var pos int64
		rec, err := scanStep(rows, &pos)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Receipts returns the mission's operation receipts in append order.
func (j Journal) Receipts(ctx context.Context, missionID string) ([]domain.OperationReceipt, error) {
	rows, err := j.DB.QueryContext(ctx,
		`SELECT operation_id, mission_id, ts, pre_state_hash, post_state_hash, compensation_type, compensation_command, idempotency_key, compensation_verified
		 FROM operation_receipts WHERE mission_id = ? ORDER BY position`, missionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.OperationReceipt
	for rows.Next() {
		var r domain.OperationReceipt
		var verified int
		if err := rows.Scan(&r.OperationID, &r.MissionID, &r.Timestamp, &r.PreStateHash, &r.PostStateHash, &r.CompensationType, &r.CompensationCommand, &r.IdempotencyKey, &verified); err != nil {
			return nil, err
		}
		r.CompensationVerified = verified != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// FindReceiptByIdempotencyKey returns the earliest receipt with the key, or
// ErrNoReceipt when none exists.
func (j Journal) FindReceiptByIdempotencyKey(ctx context.Context, key string) (domain.OperationReceipt, error) {
	var r domain.OperationReceipt
	var verified int
	err := j.DB.QueryRowContext(ctx,
		`SELECT operation_id, mission_id, ts, pre_state_hash, post_state_hash, compensation_type, compensation_command, idempotency_key, compensation_verified
		 FROM operation_receipts WHERE idempotency_key = ? ORDER BY position LIMIT 1`, key).
		Scan(&r.OperationID, &r.MissionID, &r.Timestamp, &r.PreStateHash, &r.PostStateHash, &r.CompensationType, &r.CompensationCommand, &r.IdempotencyKey, &verified)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.OperationReceipt{}, ErrNoReceipt
	}
	if err != nil {
		return domain.OperationReceipt{}, err
	}
	r.CompensationVerified = verified != 0
	return r, nil
}

var ErrNoReceipt = errors.New("journal: no receipt")

// RecomputeEntryHash hashes the canonical form of the record with the
// entry_hash field removed, which is the quantity every link in the chain
// commits to.
func RecomputeEntryHash(rec domain.StepRecord) (string, error) {
	rec.EntryHash = ""
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}
	delete(m, "entry_hash")
	return canon.Hash(m)
}

func (j Journal) now() time.Time {
	if j.Now != nil {
		return j.Now()
	}
	return time.Now()
}

const stepCols = `step_id, mission_id, operation_type, status, started_at, completed_at, pre_state_hash, post_state_hash, error_message, compensation_status, prev_entry_hash, entry_hash`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStep(row rowScanner, pos *int64) (domain.StepRecord, error) {
	var rec domain.StepRecord
	var completedAt, errMsg sql.NullString
	err := row.Scan(pos, &rec.StepID, &rec.MissionID, &rec.OperationType, &rec.Status, &rec.StartedAt,
		&completedAt, &rec.PreStateHash, &rec.PostStateHash, &errMsg, &rec.CompensationStatus,
		&rec.PrevEntryHash, &rec.EntryHash)
	if err != nil {
		return domain.StepRecord{}, err
	}
	if completedAt.Valid {
		rec.CompletedAt = &completedAt.String
	}
	if errMsg.Valid {
		rec.ErrorMessage = &errMsg.String
	}
	return rec, nil
}

func insertStepTx(ctx context.Context, tx *sql.Tx, rec domain.StepRecord) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO step_records(`+stepCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.StepID, rec.MissionID, rec.OperationType, rec.Status, rec.StartedAt, rec.CompletedAt,
		rec.PreStateHash, rec.PostStateHash, rec.ErrorMessage, rec.CompensationStatus,
		rec.PrevEntryHash, rec.EntryHash)
	if err != nil {
		return fmt.Errorf("append step record: %w", err)
	}
	return nil
}

func tipTx(ctx context.Context, tx *sql.Tx, missionID string) (string, error) {
	var tip string
	err := tx.QueryRowContext(ctx, `SELECT tip_hash FROM journal_tips WHERE mission_id = ?`, missionID).Scan(&tip)
	if errors.Is(err, sql.ErrNoRows) {
		return Genesis, nil
	}
	if err != nil {
		return "", err
	}
	return tip, nil
}

func setTipTx(ctx context.Context, tx *sql.Tx, missionID, tip string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO journal_tips(mission_id, tip_hash) VALUES (?,?)
		 ON CONFLICT(mission_id) DO UPDATE SET tip_hash = excluded.tip_hash`, missionID, tip)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
