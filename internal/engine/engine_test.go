package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"missionline/internal/config"
	"missionline/internal/db"
	"missionline/internal/domain"
	"missionline/internal/migrate"
	"missionline/internal/repo"
	"missionline/internal/timeline"
)

type testEnv struct {
	engine Engine
	now    *time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	env := &testEnv{now: &now}
	clock := func() time.Time {
		*env.now = env.now.Add(time.Millisecond)
		return *env.now
	}
	env.engine = Engine{
		DB:       conn,
		Repo:     repo.Repo{DB: conn},
		Timeline: timeline.Writer{Now: clock},
		Config:   config.Default(),
		Now:      clock,
	}
	return env
}

func (env *testEnv) advance(d time.Duration) {
	*env.now = env.now.Add(d)
}

func (env *testEnv) mustMission(t *testing.T, maxCost, repairBudget float64) domain.Mission {
	t.Helper()
	m, err := env.engine.CreateMission(context.Background(), maxCost, repairBudget)
	if err != nil {
		t.Fatalf("create mission: %v", err)
	}
	return m
}

func (env *testEnv) mustTask(t *testing.T, missionID string) domain.MissionTask {
	t.Helper()
	task, err := env.engine.AddTask(context.Background(), missionID, "implement the thing", nil)
	if err != nil {
		t.Fatalf("add task: %v", err)
	}
	return task
}

func (env *testEnv) eventTypes(t *testing.T, missionID string) []string {
	t.Helper()
	events, err := env.engine.Repo.ListTimelineByMission(context.Background(), missionID, 1000)
	if err != nil {
		t.Fatalf("list timeline: %v", err)
	}
	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.EventType)
	}
	return types
}

func countOf(types []string, want string) int {
	n := 0
	for _, ty := range types {
		if ty == want {
			n++
		}
	}
	return n
}

func TestCreateMissionDefaultsAndEvent(t *testing.T) {
	env := newTestEnv(t)
	m := env.mustMission(t, 0, 0)
	if m.MaxCostUSD != 25 || m.RepairBudgetUSD != 5 {
		t.Errorf("defaults not applied: %+v", m)
	}
	if m.Status != domain.MissionPending {
		t.Errorf("status = %s", m.Status)
	}
	if countOf(env.eventTypes(t, m.ID), EventMissionCreated) != 1 {
		t.Error("mission_created event missing")
	}
}

func TestAddTaskValidatesRequiredArtifacts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.mustMission(t, 10, 2)

	_, err := env.engine.AddTask(ctx, m.ID, "too many", []string{"a", "b", "c", "d"})
	if err == nil || !strings.Contains(err.Error(), "exceeds the maximum") {
		t.Errorf("four required artifacts should be rejected, got %v", err)
	}

	_, err = env.engine.AddTask(ctx, m.ID, "missing artifact", []string{"ghost"})
	if err == nil || !strings.Contains(err.Error(), "does not exist") {
		t.Errorf("unknown artifact should be rejected, got %v", err)
	}

	artifactID, err := env.engine.AddArtifact(ctx, m.ID, "reports/design.md", 1, "sha256:aa")
	if err != nil {
		t.Fatalf("add artifact: %v", err)
	}
	task, err := env.engine.AddTask(ctx, m.ID, "with artifact", []string{artifactID})
	if err != nil {
		t.Fatalf("add task: %v", err)
	}
	if len(task.RequiredArtifactIDs) != 1 {
		t.Errorf("required ids = %v", task.RequiredArtifactIDs)
	}
}

func TestChargeBudgetAtomicity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.mustMission(t, 10, 2)

	ok, err := env.engine.ChargeBudget(ctx, m.ID, "", 10, false)
	if err != nil || !ok {
		t.Fatalf("charge to exactly max: ok=%v err=%v", ok, err)
	}
	ok, err = env.engine.ChargeBudget(ctx, m.ID, "", 1, false)
	if err != nil {
		t.Fatalf("over-charge errored: %v", err)
	}
	if ok {
		t.Fatal("charge beyond max should be rejected")
	}
	got, err := env.engine.Repo.GetMission(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.SpentCostUSD != 10 {
		t.Errorf("spent = %v, want 10", got.SpentCostUSD)
	}
	types := env.eventTypes(t, m.ID)
	if countOf(types, EventBudgetCharged) != 1 || countOf(types, EventBudgetExceeded) != 1 {
		t.Errorf("events = %v", types)
	}
}

func TestRepairChargeRollsBackBothLegs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	// Mission budget is roomy; the repair sub-budget (2) is the constraint.
	m := env.mustMission(t, 100, 2)
	task := env.mustTask(t, m.ID)

	ok, err := env.engine.ChargeBudget(ctx, m.ID, task.ID, 3, true)
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	if ok {
		t.Fatal("repair charge over the sub-budget should be rejected")
	}

	got, err := env.engine.Repo.GetMission(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.SpentCostUSD != 0 {
		t.Errorf("mission leg must roll back with the repair leg, spent = %v", got.SpentCostUSD)
	}
	gotTask, err := env.engine.Repo.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotTask.RepairBudgetSpentUSD != 0 {
		t.Errorf("repair spent = %v, want 0", gotTask.RepairBudgetSpentUSD)
	}

	ok, err = env.engine.ChargeBudget(ctx, m.ID, task.ID, 2, true)
	if err != nil || !ok {
		t.Fatalf("charge within sub-budget: ok=%v err=%v", ok, err)
	}
}

func TestRepairChargeRejectsForeignTask(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.mustMission(t, 100, 5)
	other := env.mustMission(t, 100, 5)
	foreignTask := env.mustTask(t, other.ID)

	ok, err := env.engine.ChargeBudget(ctx, m.ID, foreignTask.ID, 1, true)
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	if ok {
		t.Fatal("repair charge against another mission's task should be rejected")
	}

	got, err := env.engine.Repo.GetMission(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.SpentCostUSD != 0 {
		t.Errorf("mission leg must roll back, spent = %v", got.SpentCostUSD)
	}
	gotTask, err := env.engine.Repo.GetTask(ctx, foreignTask.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotTask.RepairBudgetSpentUSD != 0 {
		t.Errorf("foreign task repair spent = %v, want 0", gotTask.RepairBudgetSpentUSD)
	}
}

func TestChargeBudgetInputValidation(t *testing.T) {
	env := newTestEnv(t)
	m := env.mustMission(t, 10, 2)
	if _, err := env.engine.ChargeBudget(context.Background(), m.ID, "", -1, false); err == nil {
		t.Error("negative cost must error")
	}
	if _, err := env.engine.ChargeBudget(context.Background(), m.ID, "", 1, true); err == nil {
		t.Error("repair charge without task id must error")
	}
}

func TestStartTaskGuardsAndLock(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.mustMission(t, 10, 2)
	task := env.mustTask(t, m.ID)

	started, err := env.engine.StartTask(ctx, task.ID, "4242", "tok-v2")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.Status != domain.TaskExecuting {
		t.Errorf("status = %s", started.Status)
	}
	if started.LockedBy == nil || *started.LockedBy != "4242" {
		t.Errorf("lock not acquired: %+v", started)
	}
	if started.TokenizerModel == nil || *started.TokenizerModel != "tok-v2" {
		t.Errorf("tokenizer = %v", started.TokenizerModel)
	}

	_, err = env.engine.StartTask(ctx, task.ID, "9999", "tok-v3")
	var invalid domain.InvalidStateTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("second start should fail closed, got %v", err)
	}
	if invalid.Actual != domain.TaskExecuting || invalid.Target != domain.TaskExecuting {
		t.Errorf("error detail: %+v", invalid)
	}
}

func TestTokenizerModelIsSetOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.mustMission(t, 10, 2)
	task := env.mustTask(t, m.ID)

	if _, err := env.engine.StartTask(ctx, task.ID, "100", "tok-v2"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := env.engine.ReviewTask(ctx, task.ID, nil); err != nil {
		t.Fatalf("review: %v", err)
	}
	if _, err := env.engine.RepairRetryTask(ctx, task.ID, "needs work"); err != nil {
		t.Fatalf("repair: %v", err)
	}
	restarted, err := env.engine.StartTask(ctx, task.ID, "101", "tok-v9")
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if restarted.TokenizerModel == nil || *restarted.TokenizerModel != "tok-v2" {
		t.Errorf("tokenizer must be immutable once set, got %v", restarted.TokenizerModel)
	}
	if restarted.RepairAttempt != 1 {
		t.Errorf("repair attempt = %d", restarted.RepairAttempt)
	}
}

func TestGovernanceRunsInsideStartTransaction(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.mustMission(t, 10, 2)
	task := env.mustTask(t, m.ID)

	env.engine.Governance = func(ctx context.Context, tx *sql.Tx, mission domain.Mission, task domain.MissionTask) error {
		return domain.GovernanceViolationError{TaskID: task.ID, Reason: "mission frozen"}
	}
	_, err := env.engine.StartTask(ctx, task.ID, "4242", "")
	var violation domain.GovernanceViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("want governance violation, got %v", err)
	}

	// The whole transaction rolled back: no lock, still pending.
	got, err := env.engine.Repo.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.TaskPending || got.LockedBy != nil {
		t.Errorf("start must not partially apply: %+v", got)
	}
}

func TestReviewApproveFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.mustMission(t, 10, 2)
	task := env.mustTask(t, m.ID)

	if _, err := env.engine.ReviewTask(ctx, task.ID, nil); err == nil {
		t.Error("review from pending must fail")
	}
	if _, err := env.engine.StartTask(ctx, task.ID, "4242", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	reviewed, err := env.engine.ReviewTask(ctx, task.ID, []string{"art-1", "art-2"})
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if reviewed.LockedBy != nil {
		t.Error("review must release the lock")
	}
	if len(reviewed.ResultArtifactIDs) != 2 {
		t.Errorf("result ids = %v", reviewed.ResultArtifactIDs)
	}

	approved, err := env.engine.ApproveTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != domain.TaskApproved || approved.CompletedAt == nil {
		t.Errorf("approved: %+v", approved)
	}
	if approved.RepairContext != nil {
		t.Error("approve must clear repair context")
	}
	if _, err := env.engine.ApproveTask(ctx, task.ID); err == nil {
		t.Error("approve from approved must fail")
	}
}

func TestRepairContextTruncation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.mustMission(t, 10, 2)
	task := env.mustTask(t, m.ID)
	if _, err := env.engine.StartTask(ctx, task.ID, "4242", ""); err != nil {
		t.Fatalf("start: %v", err)
	}

	long := strings.Repeat("x", 5000)
	repaired, err := env.engine.RepairRetryTask(ctx, task.ID, long)
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
	if repaired.RepairContext == nil || len(*repaired.RepairContext) != 4000 {
		t.Fatalf("context should be cut to 4000 bytes, got %d", len(*repaired.RepairContext))
	}
	if *repaired.RepairContext != long[:4000] {
		t.Error("truncation must be an exact prefix cut")
	}
	types := env.eventTypes(t, m.ID)
	if countOf(types, EventContextTruncated) != 1 {
		t.Errorf("truncation event missing: %v", types)
	}

	// A short context on a later attempt produces no truncation event.
	if _, err := env.engine.StartTask(ctx, task.ID, "4242", ""); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if _, err := env.engine.RepairRetryTask(ctx, task.ID, "short note"); err != nil {
		t.Fatalf("repair: %v", err)
	}
	if countOf(env.eventTypes(t, m.ID), EventContextTruncated) != 1 {
		t.Error("short context must not log truncation")
	}
}

func TestFailTerminalCascades(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.mustMission(t, 10, 2)
	failing := env.mustTask(t, m.ID)
	pending := env.mustTask(t, m.ID)
	done := env.mustTask(t, m.ID)

	if _, err := env.engine.StartTask(ctx, done.ID, "1", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.engine.ReviewTask(ctx, done.ID, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := env.engine.ApproveTask(ctx, done.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := env.engine.StartTask(ctx, failing.ID, "2", ""); err != nil {
		t.Fatal(err)
	}
	failed, err := env.engine.FailTaskTerminal(ctx, failing.ID, "compile error loop")
	if err != nil {
		t.Fatalf("fail terminal: %v", err)
	}
	if failed.Status != domain.TaskFailedTerminal {
		t.Errorf("status = %s", failed.Status)
	}

	mission, err := env.engine.Repo.GetMission(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if mission.Status != domain.MissionFailed {
		t.Errorf("mission status = %s", mission.Status)
	}
	if mission.FailureReason == nil || *mission.FailureReason != "compile error loop" {
		t.Errorf("failure reason = %v", mission.FailureReason)
	}
	if mission.FailedAt == nil {
		t.Error("failed_at not set")
	}

	gotPending, err := env.engine.Repo.GetTask(ctx, pending.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotPending.Status != domain.TaskSkipped {
		t.Errorf("pending task should be skipped, got %s", gotPending.Status)
	}
	gotDone, err := env.engine.Repo.GetTask(ctx, done.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotDone.Status != domain.TaskApproved {
		t.Errorf("approved task must stay approved, got %s", gotDone.Status)
	}

	if _, err := env.engine.FailTaskTerminal(ctx, done.ID, "again"); err == nil {
		t.Error("fail terminal from a terminal state must be rejected")
	}
}
