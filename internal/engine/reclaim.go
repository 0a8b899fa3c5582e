package engine

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"missionline/internal/timeline"
)

// LivenessOracle answers whether the worker holding a lock is still running.
// An error means liveness could not be determined.
type LivenessOracle interface {
	IsAlive(workerID int) (bool, error)
}

// AttemptReclaim returns a task whose lock has gone stale back to the pool.
// The bias is deliberately conservative: when the holder's identity cannot
// be parsed, or liveness cannot be confirmed either way, the holder is
// treated as alive and the lock stays. Failing to reclaim is recoverable;
// reclaiming a live worker's task is not.
func (e Engine) AttemptReclaim(ctx context.Context, taskID string, oracle LivenessOracle) (bool, error) {
	task, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if task.LockedBy == nil || task.LockedAt == nil {
		return false, nil
	}
	lockedAt, err := time.Parse(time.RFC3339Nano, *task.LockedAt)
	if err != nil {
		lockedAt, err = time.Parse(time.RFC3339, *task.LockedAt)
		if err != nil {
			return false, err
		}
	}
	timeout := time.Duration(e.Config.Locks.TimeoutSeconds) * time.Second
	if e.now().Sub(lockedAt) < timeout {
		return false, nil
	}

	holder := *task.LockedBy
	pid, parseErr := strconv.Atoi(holder)
	if parseErr != nil {
		return false, e.logReclaimSkip(ctx, task.MissionID, taskID, holder, "holder identity not parsable")
	}
	alive, liveErr := oracle.IsAlive(pid)
	if liveErr != nil {
		return false, e.logReclaimSkip(ctx, task.MissionID, taskID, holder, "liveness unknown: "+liveErr.Error())
	}
	if alive {
		return false, e.logReclaimSkip(ctx, task.MissionID, taskID, holder, "holder is alive")
	}

	reclaimed := false
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := e.Repo.ReclaimTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		reclaimed = true
		return e.Timeline.Append(ctx, tx, EventLockReclaimed, task.MissionID, taskID, timeline.Payload{
			"holder":    holder,
			"locked_at": *task.LockedAt,
		})
	})
	if err != nil {
		return false, err
	}
	return reclaimed, nil
}

func (e Engine) logReclaimSkip(ctx context.Context, missionID, taskID, holder, reason string) error {
	return e.withTx(ctx, func(tx *sql.Tx) error {
		return e.Timeline.Append(ctx, tx, EventReclaimSkipped, missionID, taskID, timeline.Payload{
			"holder": holder,
			"reason": reason,
		})
	})
}
