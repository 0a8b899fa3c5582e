// Package engine is the orchestration core: mission and task lifecycle,
// budget ledger, backpressure, lock reclaim and message routing. Every
// mutation runs in one transaction that also emits its timeline event.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"missionline/internal/config"
	"missionline/internal/domain"
	"missionline/internal/repo"
	"missionline/internal/timeline"
)

// Timeline event types emitted by the engine.
const (
	EventMissionCreated    = "mission_created"
	EventTaskCreated       = "task_created"
	EventArtifactAdded     = "artifact_added"
	EventBudgetCharged     = "budget_charged"
	EventBudgetExceeded    = "budget_exceeded"
	EventTaskStarted       = "task_started"
	EventTaskReview        = "task_review"
	EventTaskApproved      = "task_approved"
	EventTaskRepairRetry   = "task_repair_retry"
	EventContextTruncated  = "repair_context_truncated"
	EventTaskFailed        = "task_failed_terminal"
	EventMissionPaused     = "mission_paused_backpressure"
	EventMissionResumed    = "mission_resumed"
	EventLockReclaimed     = "lock_reclaimed"
	EventReclaimSkipped    = "lock_reclaim_skipped"
	EventIllegalRoute      = "illegal_route"
	EventMessageSent       = "message_sent"
	EventMessageDelivered  = "message_delivered"
)

// BackpressureReason is recorded as the mission's failure_reason while it is
// paused by the admission controller.
const BackpressureReason = "task_backpressure"

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Timeline timeline.Writer
	Config   *config.Config
	Now      func() time.Time

	// Governance, when set, runs inside every start transaction after the
	// lock is acquired. Returning an error aborts the start.
	Governance func(ctx context.Context, tx *sql.Tx, mission domain.Mission, task domain.MissionTask) error
}

// CreateMission registers a new mission with its budget caps.
func (e Engine) CreateMission(ctx context.Context, maxCostUSD, repairBudgetUSD float64) (domain.Mission, error) {
	if maxCostUSD <= 0 {
		maxCostUSD = e.Config.Budgets.DefaultMaxCostUSD
	}
	if repairBudgetUSD <= 0 {
		repairBudgetUSD = e.Config.Budgets.DefaultRepairBudgetUSD
	}
	now := e.nowRFC()
	m := domain.Mission{
		ID:              uuid.NewString(),
		Status:          domain.MissionPending,
		MaxCostUSD:      maxCostUSD,
		RepairBudgetUSD: repairBudgetUSD,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertMissionTx(ctx, tx, m); err != nil {
			return err
		}
		return e.Timeline.Append(ctx, tx, EventMissionCreated, m.ID, "", timeline.Payload{
			"max_cost_usd":      m.MaxCostUSD,
			"repair_budget_usd": m.RepairBudgetUSD,
		})
	})
	if err != nil {
		return domain.Mission{}, err
	}
	return m, nil
}

// AddTask appends a task to a mission. Required artifacts are bounded and
// must already exist.
func (e Engine) AddTask(ctx context.Context, missionID, description string, requiredArtifactIDs []string) (domain.MissionTask, error) {
	if len(requiredArtifactIDs) > domain.MaxRequiredArtifacts {
		return domain.MissionTask{}, fmt.Errorf("required_artifact_ids: %d items exceeds the maximum of %d",
			len(requiredArtifactIDs), domain.MaxRequiredArtifacts)
	}
	m, err := e.Repo.GetMission(ctx, missionID)
	if err != nil {
		return domain.MissionTask{}, err
	}
	if m.Status == domain.MissionCompleted || m.Status == domain.MissionFailed {
		return domain.MissionTask{}, domain.ErrMissionTerminal
	}
	for _, id := range requiredArtifactIDs {
		ok, err := e.Repo.ArtifactExists(ctx, missionID, id)
		if err != nil {
			return domain.MissionTask{}, err
		}
		if !ok {
			return domain.MissionTask{}, fmt.Errorf("required artifact %s does not exist in mission %s", id, missionID)
		}
	}
	order, err := e.Repo.CountTasks(ctx, missionID)
	if err != nil {
		return domain.MissionTask{}, err
	}
	t := domain.MissionTask{
		ID:                  uuid.NewString(),
		MissionID:           missionID,
		TaskOrder:           order + 1,
		Description:         description,
		Status:              domain.TaskPending,
		RequiredArtifactIDs: requiredArtifactIDs,
	}
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertTaskTx(ctx, tx, t); err != nil {
			return err
		}
		return e.Timeline.Append(ctx, tx, EventTaskCreated, missionID, t.ID, timeline.Payload{
			"task_order":  t.TaskOrder,
			"description": description,
		})
	})
	if err != nil {
		return domain.MissionTask{}, err
	}
	return t, nil
}

// AddArtifact records a versioned artifact for later task references.
func (e Engine) AddArtifact(ctx context.Context, missionID, path string, version int, hash string) (string, error) {
	if version <= 0 {
		version = 1
	}
	id := uuid.NewString()
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertArtifactTx(ctx, tx, id, missionID, path, version, hash, e.nowRFC()); err != nil {
			return err
		}
		return e.Timeline.Append(ctx, tx, EventArtifactAdded, missionID, "", timeline.Payload{
			"artifact_id": id,
			"path":        path,
			"version":     version,
		})
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// ChargeBudget atomically charges a mission, and for repair attempts also the
// task's repair sub-budget. Both conditions must hold or nothing commits.
// Rejection is an expected outcome: it returns false and logs an event, it
// does not error.
func (e Engine) ChargeBudget(ctx context.Context, missionID, taskID string, cost float64, isRepairAttempt bool) (bool, error) {
	if cost < 0 {
		return false, fmt.Errorf("cost must be non-negative, got %v", cost)
	}
	if isRepairAttempt && taskID == "" {
		return false, fmt.Errorf("repair charge requires a task id")
	}

	charged := false
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := e.Repo.AddMissionSpentTx(ctx, tx, missionID, cost, e.nowRFC())
		if err != nil {
			return err
		}
		if !ok {
			return errBudgetExceeded
		}
		if isRepairAttempt {
			ok, err = e.Repo.AddRepairSpentTx(ctx, tx, missionID, taskID, cost)
			if err != nil {
				return err
			}
			if !ok {
				return errBudgetExceeded
			}
		}
		charged = true
		return e.Timeline.Append(ctx, tx, EventBudgetCharged, missionID, taskID, timeline.Payload{
			"cost_usd": cost,
			"repair":   isRepairAttempt,
		})
	})
	if errors.Is(err, errBudgetExceeded) {
		// The charge rolled back; record the rejection in its own transaction.
		logErr := e.withTx(ctx, func(tx *sql.Tx) error {
			return e.Timeline.Append(ctx, tx, EventBudgetExceeded, missionID, taskID, timeline.Payload{
				"cost_usd": cost,
				"repair":   isRepairAttempt,
			})
		})
		return false, logErr
	}
	if err != nil {
		return false, err
	}
	return charged, nil
}

var errBudgetExceeded = errors.New("budget exceeded")

func (e Engine) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC() string {
	return e.now().UTC().Format(time.RFC3339Nano)
}
