package engine

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"missionline/internal/domain"
	"missionline/internal/timeline"
)

// defaultRoutes is the hub-and-spoke whitelist: every spoke role talks to
// the COO and only the COO. Extra pairs come from config.
var defaultRoutes = map[[2]string]bool{
	{domain.RoleCEO, domain.RoleCOO}:      true,
	{domain.RoleCOO, domain.RoleCEO}:      true,
	{domain.RoleCOO, domain.RolePlanner}:  true,
	{domain.RolePlanner, domain.RoleCOO}:  true,
	{domain.RoleCOO, domain.RoleEngineer}: true,
	{domain.RoleEngineer, domain.RoleCOO}: true,
	{domain.RoleCOO, domain.RoleQA}:       true,
	{domain.RoleQA, domain.RoleCOO}:       true,
}

// IsAllowed checks a sender/receiver pair against the whitelist. No side
// effects.
func (e Engine) IsAllowed(from, to string) bool {
	if defaultRoutes[[2]string{from, to}] {
		return true
	}
	for _, pair := range e.Config.Routing.ExtraPairs {
		if pair.From == from && pair.To == to {
			return true
		}
	}
	return false
}

// ValidateAndLog returns whether the route is allowed. A disallowed route
// logs an illegal-route event but is not an error: the caller decides
// whether the message is dropped.
func (e Engine) ValidateAndLog(ctx context.Context, missionID, from, to string) (bool, error) {
	if e.IsAllowed(from, to) {
		return true, nil
	}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		return e.Timeline.Append(ctx, tx, EventIllegalRoute, missionID, "", timeline.Payload{
			"from": from,
			"to":   to,
		})
	})
	return false, err
}

// SendMessage queues an inter-agent message after the route check. A
// rejected route records a dropped message so the attempt stays visible.
func (e Engine) SendMessage(ctx context.Context, missionID, from, to, payload string) (domain.AgentMessage, bool, error) {
	allowed, err := e.ValidateAndLog(ctx, missionID, from, to)
	if err != nil {
		return domain.AgentMessage{}, false, err
	}
	m := domain.AgentMessage{
		ID:        uuid.NewString(),
		MissionID: missionID,
		FromRole:  from,
		ToRole:    to,
		Status:    domain.MessagePending,
		Payload:   payload,
		CreatedAt: e.nowRFC(),
	}
	if !allowed {
		m.Status = domain.MessageDropped
	}
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertMessageTx(ctx, tx, m); err != nil {
			return err
		}
		if !allowed {
			return nil
		}
		return e.Timeline.Append(ctx, tx, EventMessageSent, missionID, "", timeline.Payload{
			"from":       from,
			"to":         to,
			"message_id": m.ID,
		})
	})
	if err != nil {
		return domain.AgentMessage{}, false, err
	}
	return m, allowed, nil
}

// DeliverMessage marks a pending message consumed by its receiver.
func (e Engine) DeliverMessage(ctx context.Context, missionID, messageID string) (bool, error) {
	delivered := false
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := e.Repo.MarkMessageDeliveredTx(ctx, tx, messageID)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		delivered = true
		return e.Timeline.Append(ctx, tx, EventMessageDelivered, missionID, "", timeline.Payload{
			"message_id": messageID,
		})
	})
	return delivered, err
}
