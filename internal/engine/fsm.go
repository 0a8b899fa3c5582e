package engine

import (
	"context"
	"database/sql"

	"missionline/internal/domain"
	"missionline/internal/timeline"
)

// allowedFrom maps each target status to the states a task may leave from.
var allowedFrom = map[string][]string{
	domain.TaskExecuting:   {domain.TaskPending, domain.TaskRepairRetry},
	domain.TaskReview:      {domain.TaskExecuting},
	domain.TaskApproved:    {domain.TaskReview},
	domain.TaskRepairRetry: {domain.TaskReview, domain.TaskExecuting},
}

// StartTask moves a task to executing, acquiring the worker lock. The
// tokenizer model is set only if absent, so a replayed start with a
// different model never overwrites the recorded one. Governance runs inside
// the transaction after the row is locked.
func (e Engine) StartTask(ctx context.Context, taskID, workerID, tokenizerModel string) (domain.MissionTask, error) {
	var out domain.MissionTask
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := e.Repo.StartTaskTx(ctx, tx, taskID, workerID, tokenizerModel, e.nowRFC())
		if err != nil {
			return err
		}
		if !ok {
			return e.transitionError(ctx, tx, taskID, domain.TaskExecuting)
		}
		task, err := e.Repo.GetTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if e.Governance != nil {
			mission, err := e.Repo.GetMissionTx(ctx, tx, task.MissionID)
			if err != nil {
				return err
			}
			if err := e.Governance(ctx, tx, mission, task); err != nil {
				return err
			}
		}
		out = task
		return e.Timeline.Append(ctx, tx, EventTaskStarted, task.MissionID, taskID, timeline.Payload{
			"worker": workerID,
		})
	})
	return out, err
}

// ReviewTask records result artifacts and releases the worker lock.
func (e Engine) ReviewTask(ctx context.Context, taskID string, resultArtifactIDs []string) (domain.MissionTask, error) {
	var out domain.MissionTask
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := e.Repo.ReviewTaskTx(ctx, tx, taskID, resultArtifactIDs)
		if err != nil {
			return err
		}
		if !ok {
			return e.transitionError(ctx, tx, taskID, domain.TaskReview)
		}
		task, err := e.Repo.GetTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		out = task
		return e.Timeline.Append(ctx, tx, EventTaskReview, task.MissionID, taskID, timeline.Payload{
			"result_artifact_ids": resultArtifactIDs,
		})
	})
	return out, err
}

// ApproveTask finalizes a reviewed task, clearing any repair context.
func (e Engine) ApproveTask(ctx context.Context, taskID string) (domain.MissionTask, error) {
	var out domain.MissionTask
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := e.Repo.ApproveTaskTx(ctx, tx, taskID, e.nowRFC())
		if err != nil {
			return err
		}
		if !ok {
			return e.transitionError(ctx, tx, taskID, domain.TaskApproved)
		}
		task, err := e.Repo.GetTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		out = task
		return e.Timeline.Append(ctx, tx, EventTaskApproved, task.MissionID, taskID, nil)
	})
	return out, err
}

// RepairRetryTask sends a task back for another attempt with the reviewer's
// notes. The context is truncated to the configured byte cap; truncation is
// an exact prefix cut and gets its own event.
func (e Engine) RepairRetryTask(ctx context.Context, taskID, repairContext string) (domain.MissionTask, error) {
	maxLen := e.Config.Repair.MaxContextLen
	truncated := false
	if maxLen > 0 && len(repairContext) > maxLen {
		repairContext = repairContext[:maxLen]
		truncated = true
	}
	var out domain.MissionTask
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := e.Repo.RepairRetryTaskTx(ctx, tx, taskID, repairContext)
		if err != nil {
			return err
		}
		if !ok {
			return e.transitionError(ctx, tx, taskID, domain.TaskRepairRetry)
		}
		task, err := e.Repo.GetTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		out = task
		if truncated {
			err = e.Timeline.Append(ctx, tx, EventContextTruncated, task.MissionID, taskID, timeline.Payload{
				"max_len": maxLen,
			})
			if err != nil {
				return err
			}
		}
		return e.Timeline.Append(ctx, tx, EventTaskRepairRetry, task.MissionID, taskID, timeline.Payload{
			"repair_attempt": task.RepairAttempt,
		})
	})
	return out, err
}

// FailTaskTerminal is the unconditional escape hatch from any non-terminal
// state. It fails the owning mission and skips its remaining work so the
// final state is explainable rather than silently abandoned.
func (e Engine) FailTaskTerminal(ctx context.Context, taskID, reason string) (domain.MissionTask, error) {
	var out domain.MissionTask
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := e.Repo.FailTaskTx(ctx, tx, taskID, e.nowRFC())
		if err != nil {
			return err
		}
		if !ok {
			return e.transitionError(ctx, tx, taskID, domain.TaskFailedTerminal)
		}
		task, err := e.Repo.GetTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if err := e.Repo.FailMissionTx(ctx, tx, task.MissionID, reason, e.nowRFC()); err != nil {
			return err
		}
		skipped, err := e.Repo.SkipRemainingTasksTx(ctx, tx, task.MissionID)
		if err != nil {
			return err
		}
		out = task
		return e.Timeline.Append(ctx, tx, EventTaskFailed, task.MissionID, taskID, timeline.Payload{
			"reason":           reason,
			"skipped_task_ids": skipped,
		})
	})
	return out, err
}

// transitionError reads the task's current state to build the precise
// invalid-transition report. Returning it aborts the enclosing transaction.
func (e Engine) transitionError(ctx context.Context, tx *sql.Tx, taskID, target string) error {
	task, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return err
	}
	allowed := allowedFrom[target]
	if target == domain.TaskFailedTerminal {
		allowed = []string{"any non-terminal state"}
	}
	return domain.InvalidStateTransitionError{
		TaskID:  taskID,
		Actual:  task.Status,
		Allowed: allowed,
		Target:  target,
	}
}
