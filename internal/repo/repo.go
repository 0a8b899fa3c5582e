package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"missionline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- missions ---

func scanMission(row *sql.Row) (domain.Mission, error) {
	var m domain.Mission
	var prev, reason, failedAt sql.NullString
	err := row.Scan(&m.ID, &m.Status, &prev, &m.MaxCostUSD, &m.SpentCostUSD,
		&m.RepairBudgetUSD, &reason, &m.CreatedAt, &m.UpdatedAt, &failedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.PreviousStatus = fromNull(prev)
	m.FailureReason = fromNull(reason)
	m.FailedAt = fromNull(failedAt)
	return m, nil
}

const missionCols = `id,status,previous_status,max_cost_usd,spent_cost_usd,repair_budget_usd,failure_reason,created_at,updated_at,failed_at`

func (r Repo) InsertMissionTx(ctx context.Context, tx *sql.Tx, m domain.Mission) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO missions(`+missionCols+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.Status, toNull(m.PreviousStatus), m.MaxCostUSD, m.SpentCostUSD,
		m.RepairBudgetUSD, toNull(m.FailureReason), m.CreatedAt, m.UpdatedAt, toNull(m.FailedAt))
	return err
}

func (r Repo) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	return scanMission(r.DB.QueryRowContext(ctx, `SELECT `+missionCols+` FROM missions WHERE id=?`, id))
}

func (r Repo) GetMissionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Mission, error) {
	return scanMission(tx.QueryRowContext(ctx, `SELECT `+missionCols+` FROM missions WHERE id=?`, id))
}

func (r Repo) ListMissions(ctx context.Context) ([]domain.Mission, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+missionCols+` FROM missions ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Mission
	for rows.Next() {
		var m domain.Mission
		var prev, reason, failedAt sql.NullString
		if err := rows.Scan(&m.ID, &m.Status, &prev, &m.MaxCostUSD, &m.SpentCostUSD,
			&m.RepairBudgetUSD, &reason, &m.CreatedAt, &m.UpdatedAt, &failedAt); err != nil {
			return nil, err
		}
		m.PreviousStatus = fromNull(prev)
		m.FailureReason = fromNull(reason)
		m.FailedAt = fromNull(failedAt)
		res = append(res, m)
	}
	return res, rows.Err()
}

// AddMissionSpentTx conditionally charges the mission budget. The predicate is
// part of the UPDATE itself so the charge cannot race a concurrent writer.
func (r Repo) AddMissionSpentTx(ctx context.Context, tx *sql.Tx, missionID string, cost float64, now string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE missions SET spent_cost_usd = spent_cost_usd + ?, updated_at = ?
		 WHERE id = ? AND spent_cost_usd + ? <= max_cost_usd`,
		cost, now, missionID, cost)
	if err != nil {
		return false, fmt.Errorf("charge mission budget: %w", err)
	}
	return oneRow(res)
}

// AddRepairSpentTx conditionally charges a task's repair sub-budget against
// the owning mission's repair_budget_usd. The mission id is part of the
// predicate so a task belonging to a different mission fails closed.
func (r Repo) AddRepairSpentTx(ctx context.Context, tx *sql.Tx, missionID, taskID string, cost float64) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE mission_tasks SET repair_budget_spent_usd = repair_budget_spent_usd + ?
		 WHERE id = ? AND mission_id = ? AND repair_budget_spent_usd + ? <=
		   (SELECT repair_budget_usd FROM missions WHERE missions.id = mission_tasks.mission_id)`,
		cost, taskID, missionID, cost)
	if err != nil {
		return false, fmt.Errorf("charge repair budget: %w", err)
	}
	return oneRow(res)
}

// PauseMissionTx moves a non-terminal, non-paused mission to paused_error,
// preserving the prior status for resume.
func (r Repo) PauseMissionTx(ctx context.Context, tx *sql.Tx, missionID, reason, now string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE missions SET previous_status = status, status = ?, failure_reason = ?, updated_at = ?
		 WHERE id = ? AND status NOT IN (?,?,?)`,
		domain.MissionPausedError, reason, now, missionID,
		domain.MissionPausedError, domain.MissionCompleted, domain.MissionFailed)
	if err != nil {
		return false, fmt.Errorf("pause mission: %w", err)
	}
	return oneRow(res)
}

// ResumeMissionTx restores a paused mission to its saved previous status,
// defaulting to executing when none was recorded.
func (r Repo) ResumeMissionTx(ctx context.Context, tx *sql.Tx, missionID, now string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE missions SET status = COALESCE(previous_status, ?), previous_status = NULL,
		        failure_reason = NULL, updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.MissionExecuting, now, missionID, domain.MissionPausedError)
	if err != nil {
		return false, fmt.Errorf("resume mission: %w", err)
	}
	return oneRow(res)
}

func (r Repo) FailMissionTx(ctx context.Context, tx *sql.Tx, missionID, reason, now string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE missions SET status = ?, failure_reason = ?, failed_at = ?, updated_at = ? WHERE id = ?`,
		domain.MissionFailed, reason, now, now, missionID)
	return err
}

func (r Repo) SetMissionStatusTx(ctx context.Context, tx *sql.Tx, missionID, status, now string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE missions SET status = ?, updated_at = ? WHERE id = ?`, status, now, missionID)
	return err
}

// --- tasks ---

const taskCols = `id,mission_id,task_order,description,status,repair_attempt,repair_budget_spent_usd,repair_context,result_artifact_ids,required_artifact_ids,locked_at,locked_by,tokenizer_model,started_at,completed_at`

func scanTask(sc interface{ Scan(...any) error }) (domain.MissionTask, error) {
	var t domain.MissionTask
	var repairCtx, resultIDs, requiredIDs, lockedAt, lockedBy, tokenizer, startedAt, completedAt sql.NullString
	err := sc.Scan(&t.ID, &t.MissionID, &t.TaskOrder, &t.Description, &t.Status,
		&t.RepairAttempt, &t.RepairBudgetSpentUSD, &repairCtx, &resultIDs, &requiredIDs,
		&lockedAt, &lockedBy, &tokenizer, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.RepairContext = fromNull(repairCtx)
	t.LockedAt = fromNull(lockedAt)
	t.LockedBy = fromNull(lockedBy)
	t.TokenizerModel = fromNull(tokenizer)
	t.StartedAt = fromNull(startedAt)
	t.CompletedAt = fromNull(completedAt)
	t.ResultArtifactIDs, err = unmarshalIDs(resultIDs)
	if err != nil {
		return t, err
	}
	t.RequiredArtifactIDs, err = unmarshalIDs(requiredIDs)
	return t, err
}

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.MissionTask) error {
	resultIDs, err := marshalIDs(t.ResultArtifactIDs)
	if err != nil {
		return err
	}
	requiredIDs, err := marshalIDs(t.RequiredArtifactIDs)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO mission_tasks(`+taskCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.MissionID, t.TaskOrder, t.Description, t.Status,
		t.RepairAttempt, t.RepairBudgetSpentUSD, toNull(t.RepairContext), resultIDs, requiredIDs,
		toNull(t.LockedAt), toNull(t.LockedBy), toNull(t.TokenizerModel), toNull(t.StartedAt), toNull(t.CompletedAt))
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.MissionTask, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskCols+` FROM mission_tasks WHERE id=?`, id))
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.MissionTask, error) {
	return scanTask(tx.QueryRowContext(ctx, `SELECT `+taskCols+` FROM mission_tasks WHERE id=?`, id))
}

func (r Repo) ListTasks(ctx context.Context, missionID string) ([]domain.MissionTask, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+taskCols+` FROM mission_tasks WHERE mission_id=? ORDER BY task_order ASC`, missionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MissionTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) CountTasks(ctx context.Context, missionID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mission_tasks WHERE mission_id=?`, missionID).Scan(&n)
	return n, err
}

// CountPendingWork returns tasks awaiting execution plus undelivered
// inter-agent messages for a mission. This is the backpressure signal.
func (r Repo) CountPendingWork(ctx context.Context, missionID string) (int, error) {
	var tasks, msgs int
	err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mission_tasks WHERE mission_id=? AND status IN (?,?)`,
		missionID, domain.TaskPending, domain.TaskRepairRetry).Scan(&tasks)
	if err != nil {
		return 0, err
	}
	err = r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agent_messages WHERE mission_id=? AND status=?`,
		missionID, domain.MessagePending).Scan(&msgs)
	if err != nil {
		return 0, err
	}
	return tasks + msgs, nil
}

// StartTaskTx transitions a task to executing, acquiring the lock and stamping
// started_at and tokenizer_model only if previously unset. The allowed-from
// guard lives in the WHERE clause so a concurrent start cannot double-fire.
func (r Repo) StartTaskTx(ctx context.Context, tx *sql.Tx, taskID, workerID, tokenizerModel, now string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE mission_tasks SET status = ?,
		        started_at = COALESCE(started_at, ?),
		        locked_by = ?, locked_at = ?,
		        tokenizer_model = COALESCE(tokenizer_model, ?)
		 WHERE id = ? AND status IN (?,?)`,
		domain.TaskExecuting, now, workerID, now, nullable(tokenizerModel),
		taskID, domain.TaskPending, domain.TaskRepairRetry)
	if err != nil {
		return false, fmt.Errorf("start task: %w", err)
	}
	return oneRow(res)
}

func (r Repo) ReviewTaskTx(ctx context.Context, tx *sql.Tx, taskID string, resultArtifactIDs []string) (bool, error) {
	ids, err := marshalIDs(resultArtifactIDs)
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE mission_tasks SET status = ?, result_artifact_ids = ?, locked_by = NULL, locked_at = NULL
		 WHERE id = ? AND status = ?`,
		domain.TaskReview, ids, taskID, domain.TaskExecuting)
	if err != nil {
		return false, fmt.Errorf("review task: %w", err)
	}
	return oneRow(res)
}

func (r Repo) ApproveTaskTx(ctx context.Context, tx *sql.Tx, taskID, now string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE mission_tasks SET status = ?, repair_context = NULL, completed_at = ?
		 WHERE id = ? AND status = ?`,
		domain.TaskApproved, now, taskID, domain.TaskReview)
	if err != nil {
		return false, fmt.Errorf("approve task: %w", err)
	}
	return oneRow(res)
}

func (r Repo) RepairRetryTaskTx(ctx context.Context, tx *sql.Tx, taskID, repairContext string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE mission_tasks SET status = ?, repair_attempt = repair_attempt + 1, repair_context = ?
		 WHERE id = ? AND status IN (?,?)`,
		domain.TaskRepairRetry, repairContext, taskID, domain.TaskReview, domain.TaskExecuting)
	if err != nil {
		return false, fmt.Errorf("repair retry task: %w", err)
	}
	return oneRow(res)
}

func (r Repo) FailTaskTx(ctx context.Context, tx *sql.Tx, taskID, now string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE mission_tasks SET status = ?, completed_at = ?, locked_by = NULL, locked_at = NULL
		 WHERE id = ? AND status NOT IN (?,?,?)`,
		domain.TaskFailedTerminal, now, taskID,
		domain.TaskApproved, domain.TaskFailedTerminal, domain.TaskSkipped)
	if err != nil {
		return false, fmt.Errorf("fail task: %w", err)
	}
	return oneRow(res)
}

// SkipRemainingTasksTx bulk-transitions a mission's remaining pending and
// repair_retry tasks to skipped. Returns the ids of the skipped tasks.
func (r Repo) SkipRemainingTasksTx(ctx context.Context, tx *sql.Tx, missionID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM mission_tasks WHERE mission_id = ? AND status IN (?,?)`,
		missionID, domain.TaskPending, domain.TaskRepairRetry)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE mission_tasks SET status = ? WHERE mission_id = ? AND status IN (?,?)`,
		domain.TaskSkipped, missionID, domain.TaskPending, domain.TaskRepairRetry); err != nil {
		return nil, fmt.Errorf("skip remaining tasks: %w", err)
	}
	return ids, nil
}

// ReclaimTaskTx returns a stale-locked executing task to the pool.
func (r Repo) ReclaimTaskTx(ctx context.Context, tx *sql.Tx, taskID string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE mission_tasks SET status = ?, locked_by = NULL, locked_at = NULL
		 WHERE id = ? AND status = ? AND locked_by IS NOT NULL`,
		domain.TaskPending, taskID, domain.TaskExecuting)
	if err != nil {
		return false, fmt.Errorf("reclaim task: %w", err)
	}
	return oneRow(res)
}

// --- messages ---

func (r Repo) InsertMessageTx(ctx context.Context, tx *sql.Tx, m domain.AgentMessage) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO agent_messages(id,mission_id,from_role,to_role,status,payload_json,created_at) VALUES (?,?,?,?,?,?,?)`,
		m.ID, m.MissionID, m.FromRole, m.ToRole, m.Status, m.Payload, m.CreatedAt)
	return err
}

func (r Repo) MarkMessageDeliveredTx(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE agent_messages SET status = ? WHERE id = ? AND status = ?`,
		domain.MessageDelivered, id, domain.MessagePending)
	if err != nil {
		return false, err
	}
	return oneRow(res)
}

func (r Repo) ListMessages(ctx context.Context, missionID string) ([]domain.AgentMessage, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,mission_id,from_role,to_role,status,payload_json,created_at
		 FROM agent_messages WHERE mission_id=? ORDER BY created_at ASC`, missionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgentMessage
	for rows.Next() {
		var m domain.AgentMessage
		if err := rows.Scan(&m.ID, &m.MissionID, &m.FromRole, &m.ToRole, &m.Status, &m.Payload, &m.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// --- timeline reads (writes go through the timeline package) ---

func (r Repo) ListTimelineByMission(ctx context.Context, missionID string, limit int) ([]domain.TimelineEvent, error) {
	return r.listTimeline(ctx,
		`SELECT id,mission_id,COALESCE(task_id,''),event_type,metadata_json,created_at
		 FROM timeline_events WHERE mission_id=? ORDER BY created_at DESC LIMIT ?`, missionID, limit)
}

func (r Repo) ListTimelineByTask(ctx context.Context, taskID string, limit int) ([]domain.TimelineEvent, error) {
	return r.listTimeline(ctx,
		`SELECT id,mission_id,COALESCE(task_id,''),event_type,metadata_json,created_at
		 FROM timeline_events WHERE task_id=? ORDER BY created_at DESC LIMIT ?`, taskID, limit)
}

func (r Repo) listTimeline(ctx context.Context, query string, args ...any) ([]domain.TimelineEvent, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TimelineEvent
	for rows.Next() {
		var e domain.TimelineEvent
		if err := rows.Scan(&e.ID, &e.MissionID, &e.TaskID, &e.EventType, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- artifacts ---

func (r Repo) InsertArtifactTx(ctx context.Context, tx *sql.Tx, id, missionID, path string, version int, hash, now string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO artifacts(id,mission_id,path,version,hash,created_at) VALUES (?,?,?,?,?,?)`,
		id, missionID, path, version, hash, now)
	return err
}

func (r Repo) ArtifactExists(ctx context.Context, missionID, id string) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx,
		`SELECT 1 FROM artifacts WHERE mission_id=? AND id=? LIMIT 1`, missionID, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// --- helpers ---

func marshalIDs(in []string) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalIDs(v sql.NullString) ([]string, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(v.String), &out); err != nil {
		return nil, fmt.Errorf("decode artifact ids: %w", err)
	}
	return out, nil
}

func oneRow(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func toNull(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func fromNull(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
