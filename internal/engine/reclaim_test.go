package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"missionline/internal/domain"
)

type fakeOracle struct {
	alive bool
	err   error
}

func (f fakeOracle) IsAlive(int) (bool, error) { return f.alive, f.err }

func lockedTask(t *testing.T, env *testEnv, workerID string) (domain.Mission, domain.MissionTask) {
	t.Helper()
	m := env.mustMission(t, 10, 2)
	task := env.mustTask(t, m.ID)
	if _, err := env.engine.StartTask(context.Background(), task.ID, workerID, ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	return m, task
}

func TestReclaimSkipsFreshLock(t *testing.T) {
	env := newTestEnv(t)
	m, task := lockedTask(t, env, "4242")

	env.advance(5 * time.Minute)
	ok, err := env.engine.AttemptReclaim(context.Background(), task.ID, fakeOracle{alive: false})
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if ok {
		t.Error("lock inside the timeout must not be reclaimed")
	}
	types := env.eventTypes(t, m.ID)
	if countOf(types, EventReclaimSkipped) != 0 || countOf(types, EventLockReclaimed) != 0 {
		t.Errorf("fresh lock should produce no reclaim events: %v", types)
	}
}

func TestReclaimSkipsUnlockedTask(t *testing.T) {
	env := newTestEnv(t)
	m := env.mustMission(t, 10, 2)
	task := env.mustTask(t, m.ID)
	ok, err := env.engine.AttemptReclaim(context.Background(), task.ID, fakeOracle{})
	if err != nil || ok {
		t.Errorf("unlocked task: ok=%v err=%v", ok, err)
	}
	_ = m
}

func TestReclaimLeavesLiveHolderAlone(t *testing.T) {
	env := newTestEnv(t)
	m, task := lockedTask(t, env, "4242")

	env.advance(20 * time.Minute)
	ok, err := env.engine.AttemptReclaim(context.Background(), task.ID, fakeOracle{alive: true})
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if ok {
		t.Fatal("live holder's lock must not be reclaimed")
	}
	got, err := env.engine.Repo.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.TaskExecuting || got.LockedBy == nil {
		t.Errorf("task should keep its lock: %+v", got)
	}
	if countOf(env.eventTypes(t, m.ID), EventReclaimSkipped) != 1 {
		t.Error("skip event missing")
	}
}

func TestReclaimFailsSafeOnUnknownLiveness(t *testing.T) {
	env := newTestEnv(t)
	m, task := lockedTask(t, env, "4242")

	env.advance(20 * time.Minute)
	ok, err := env.engine.AttemptReclaim(context.Background(), task.ID, fakeOracle{err: errors.New("platform cannot confirm")})
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if ok {
		t.Fatal("unknown liveness must be treated as alive")
	}
	if countOf(env.eventTypes(t, m.ID), EventReclaimSkipped) != 1 {
		t.Error("skip event missing")
	}
}

func TestReclaimFailsSafeOnUnparsableHolder(t *testing.T) {
	env := newTestEnv(t)
	m, task := lockedTask(t, env, "4242")
	if _, err := env.engine.DB.Exec(
		`UPDATE mission_tasks SET locked_by = 'worker@somewhere' WHERE id = ?`, task.ID); err != nil {
		t.Fatal(err)
	}

	env.advance(20 * time.Minute)
	ok, err := env.engine.AttemptReclaim(context.Background(), task.ID, fakeOracle{alive: false})
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if ok {
		t.Fatal("unparsable holder must be treated as alive")
	}
	if countOf(env.eventTypes(t, m.ID), EventReclaimSkipped) != 1 {
		t.Error("skip event missing")
	}
}

func TestReclaimDeadHolder(t *testing.T) {
	env := newTestEnv(t)
	m, task := lockedTask(t, env, "4242")

	env.advance(20 * time.Minute)
	ok, err := env.engine.AttemptReclaim(context.Background(), task.ID, fakeOracle{alive: false})
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if !ok {
		t.Fatal("stale lock with a dead holder must be reclaimed")
	}
	got, err := env.engine.Repo.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.TaskPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	if got.LockedBy != nil || got.LockedAt != nil {
		t.Errorf("lock not cleared: %+v", got)
	}
	if countOf(env.eventTypes(t, m.ID), EventLockReclaimed) != 1 {
		t.Error("reclaimed event missing")
	}

	// A previously reclaimed task is startable again by another worker.
	if _, err := env.engine.StartTask(context.Background(), task.ID, "5555", ""); err != nil {
		t.Errorf("restart after reclaim: %v", err)
	}
}
