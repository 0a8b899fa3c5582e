package engine

import (
	"context"
	"testing"

	"missionline/internal/config"
	"missionline/internal/domain"
)

func TestIsAllowedHubAndSpoke(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		from, to string
		want     bool
	}{
		{domain.RoleCEO, domain.RoleCOO, true},
		{domain.RoleCOO, domain.RoleCEO, true},
		{domain.RoleCOO, domain.RoleEngineer, true},
		{domain.RoleEngineer, domain.RoleCOO, true},
		{domain.RoleCOO, domain.RoleQA, true},
		{domain.RolePlanner, domain.RoleEngineer, false},
		{domain.RoleCEO, domain.RoleEngineer, false},
		{domain.RoleQA, domain.RolePlanner, false},
		{"Intern", domain.RoleCOO, false},
	}
	for _, tc := range cases {
		if got := env.engine.IsAllowed(tc.from, tc.to); got != tc.want {
			t.Errorf("IsAllowed(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestExtraRoutePairsFromConfig(t *testing.T) {
	env := newTestEnv(t)
	env.engine.Config.Routing.ExtraPairs = []config.RoutePair{{From: domain.RoleQA, To: domain.RoleEngineer}}
	if !env.engine.IsAllowed(domain.RoleQA, domain.RoleEngineer) {
		t.Error("configured extra pair should be allowed")
	}
	if env.engine.IsAllowed(domain.RoleEngineer, domain.RoleQA) {
		t.Error("extra pairs are directional")
	}
}

func TestValidateAndLog(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.mustMission(t, 10, 2)

	ok, err := env.engine.ValidateAndLog(ctx, m.ID, domain.RoleCOO, domain.RoleEngineer)
	if err != nil || !ok {
		t.Fatalf("allowed route: ok=%v err=%v", ok, err)
	}
	if countOf(env.eventTypes(t, m.ID), EventIllegalRoute) != 0 {
		t.Error("allowed route must log nothing")
	}

	ok, err = env.engine.ValidateAndLog(ctx, m.ID, domain.RolePlanner, domain.RoleEngineer)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if ok {
		t.Fatal("Planner to Engineer bypasses the hub and must be rejected")
	}
	if countOf(env.eventTypes(t, m.ID), EventIllegalRoute) != 1 {
		t.Error("rejected route must log exactly one illegal-route event")
	}
}

func TestSendMessageDropsIllegalRoute(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.mustMission(t, 10, 2)

	msg, ok, err := env.engine.SendMessage(ctx, m.ID, domain.RolePlanner, domain.RoleEngineer, `{"ask":"skip review"}`)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if ok {
		t.Fatal("illegal route must not deliver")
	}
	if msg.Status != domain.MessageDropped {
		t.Errorf("message status = %s, want dropped", msg.Status)
	}

	// Dropped messages stay out of the backpressure signal.
	pending, err := env.engine.Repo.CountPendingWork(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if pending != 0 {
		t.Errorf("pending work = %d, want 0", pending)
	}
}

func TestSendAndDeliverMessage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.mustMission(t, 10, 2)

	msg, ok, err := env.engine.SendMessage(ctx, m.ID, domain.RoleCOO, domain.RoleQA, `{"review":"task-1"}`)
	if err != nil || !ok {
		t.Fatalf("send: ok=%v err=%v", ok, err)
	}
	if msg.Status != domain.MessagePending {
		t.Errorf("status = %s", msg.Status)
	}

	delivered, err := env.engine.DeliverMessage(ctx, m.ID, msg.ID)
	if err != nil || !delivered {
		t.Fatalf("deliver: ok=%v err=%v", delivered, err)
	}
	delivered, err = env.engine.DeliverMessage(ctx, m.ID, msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if delivered {
		t.Error("second delivery must be a no-op")
	}

	types := env.eventTypes(t, m.ID)
	if countOf(types, EventMessageSent) != 1 || countOf(types, EventMessageDelivered) != 1 {
		t.Errorf("events = %v", types)
	}
}
