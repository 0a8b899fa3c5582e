package engine

import (
	"context"
	"fmt"
	"testing"

	"missionline/internal/domain"
)

func TestComputeThresholds(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		taskCount  int
		wantMax    int
		wantResume int
	}{
		{0, 50, 30},
		{1, 50, 30},
		{5, 50, 30},
		{6, 60, 36},
		{10, 100, 60},
	}
	for _, tc := range cases {
		gotMax, gotResume := env.engine.ComputeThresholds(tc.taskCount)
		if gotMax != tc.wantMax || gotResume != tc.wantResume {
			t.Errorf("thresholds(%d) = (%d,%d), want (%d,%d)",
				tc.taskCount, gotMax, gotResume, tc.wantMax, tc.wantResume)
		}
	}
}

func TestBackpressurePauseAndResume(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.mustMission(t, 10, 2)
	env.mustTask(t, m.ID)

	// One pending task plus 49 queued messages sits exactly at the limit.
	messageIDs := make([]string, 0, 51)
	for i := 0; i < 49; i++ {
		msg, ok, err := env.engine.SendMessage(ctx, m.ID, domain.RoleCEO, domain.RoleCOO, fmt.Sprintf(`{"n":%d}`, i))
		if err != nil || !ok {
			t.Fatalf("send %d: ok=%v err=%v", i, ok, err)
		}
		messageIDs = append(messageIDs, msg.ID)
	}
	action, err := env.engine.CheckAndApply(ctx, m.ID)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if action != ActionNone {
		t.Fatalf("at the limit, no action expected, got %q", action)
	}

	// Two more messages push pending to 52 and trip the pause.
	for i := 0; i < 2; i++ {
		msg, _, err := env.engine.SendMessage(ctx, m.ID, domain.RoleCEO, domain.RoleCOO, `{}`)
		if err != nil {
			t.Fatal(err)
		}
		messageIDs = append(messageIDs, msg.ID)
	}
	action, err = env.engine.CheckAndApply(ctx, m.ID)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if action != ActionPaused {
		t.Fatalf("action = %q, want paused", action)
	}

	mission, err := env.engine.Repo.GetMission(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if mission.Status != domain.MissionPausedError {
		t.Errorf("status = %s", mission.Status)
	}
	if mission.PreviousStatus == nil || *mission.PreviousStatus != domain.MissionPending {
		t.Errorf("previous status = %v", mission.PreviousStatus)
	}
	if mission.FailureReason == nil || *mission.FailureReason != BackpressureReason {
		t.Errorf("failure reason = %v", mission.FailureReason)
	}

	// Still above the resume threshold: stays paused.
	action, err = env.engine.CheckAndApply(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if action != ActionNone {
		t.Fatalf("hysteresis: paused mission must not resume at %q", action)
	}

	// Drain messages until pending (1 task + messages) is below 30.
	for _, id := range messageIDs[:25] {
		if _, err := env.engine.DeliverMessage(ctx, m.ID, id); err != nil {
			t.Fatal(err)
		}
	}
	action, err = env.engine.CheckAndApply(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if action != ActionResumed {
		t.Fatalf("action = %q, want resumed", action)
	}

	mission, err = env.engine.Repo.GetMission(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if mission.Status != domain.MissionPending {
		t.Errorf("resume must restore the saved status, got %s", mission.Status)
	}
	if mission.PreviousStatus != nil || mission.FailureReason != nil {
		t.Errorf("pause bookkeeping not cleared: %+v", mission)
	}

	types := env.eventTypes(t, m.ID)
	if countOf(types, EventMissionPaused) != 1 || countOf(types, EventMissionResumed) != 1 {
		t.Errorf("pause/resume events: %v", types)
	}
}

func TestBackpressureSkipsTerminalMissions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.mustMission(t, 10, 2)
	task := env.mustTask(t, m.ID)
	if _, err := env.engine.FailTaskTerminal(ctx, task.ID, "dead"); err != nil {
		t.Fatal(err)
	}
	action, err := env.engine.CheckAndApply(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if action != ActionNone {
		t.Errorf("failed mission must be left alone, got %q", action)
	}
}
