package engine

import (
	"context"
	"database/sql"
	"math"

	"missionline/internal/domain"
	"missionline/internal/timeline"
)

// Backpressure actions returned by CheckAndApply.
const (
	ActionNone    = ""
	ActionPaused  = "paused"
	ActionResumed = "resumed"
)

// ComputeThresholds derives the pause and resume watermarks from the
// mission's task count. The resume threshold sits below the pause threshold
// so the controller does not flap around a single value.
func (e Engine) ComputeThresholds(taskCount int) (maxPending, resumeThreshold int) {
	maxPending = e.Config.Backpressure.BaseLimit
	if n := taskCount * e.Config.Backpressure.PerTaskLimit; n > maxPending {
		maxPending = n
	}
	resumeThreshold = int(math.Floor(e.Config.Backpressure.ResumeRatio * float64(maxPending)))
	return maxPending, resumeThreshold
}

// CheckAndApply is the level-triggered admission control loop for one
// mission: pause when pending work exceeds the high watermark, resume once
// it drains below the low one. Returns which action was taken, if any.
func (e Engine) CheckAndApply(ctx context.Context, missionID string) (string, error) {
	mission, err := e.Repo.GetMission(ctx, missionID)
	if err != nil {
		return ActionNone, err
	}
	taskCount, err := e.Repo.CountTasks(ctx, missionID)
	if err != nil {
		return ActionNone, err
	}
	totalPending, err := e.Repo.CountPendingWork(ctx, missionID)
	if err != nil {
		return ActionNone, err
	}
	maxPending, resumeThreshold := e.ComputeThresholds(taskCount)

	switch {
	case mission.Status == domain.MissionPausedError:
		if totalPending >= resumeThreshold {
			return ActionNone, nil
		}
		resumed := false
		err := e.withTx(ctx, func(tx *sql.Tx) error {
			ok, err := e.Repo.ResumeMissionTx(ctx, tx, missionID, e.nowRFC())
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			resumed = true
			return e.Timeline.Append(ctx, tx, EventMissionResumed, missionID, "", timeline.Payload{
				"total_pending":    totalPending,
				"resume_threshold": resumeThreshold,
			})
		})
		if err != nil || !resumed {
			return ActionNone, err
		}
		return ActionResumed, nil

	case mission.Status == domain.MissionCompleted || mission.Status == domain.MissionFailed:
		return ActionNone, nil

	case totalPending > maxPending:
		paused := false
		err := e.withTx(ctx, func(tx *sql.Tx) error {
			ok, err := e.Repo.PauseMissionTx(ctx, tx, missionID, BackpressureReason, e.nowRFC())
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			paused = true
			return e.Timeline.Append(ctx, tx, EventMissionPaused, missionID, "", timeline.Payload{
				"total_pending": totalPending,
				"max_pending":   maxPending,
			})
		})
		if err != nil || !paused {
			return ActionNone, err
		}
		return ActionPaused, nil
	}
	return ActionNone, nil
}
