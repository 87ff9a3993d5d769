// Package notify defines the events the core emits and hands queued events
// to delivery transports.
package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"townhall/api/internal/store"
)

const (
	TopicPlanStageChanged = "plan.stage_changed"
	TopicBadgeAwarded     = "badge.awarded"
)

type PlanStageChanged struct {
	PlanID     string    `json:"planId"`
	LocationID string    `json:"locationId"`
	FromStage  string    `json:"fromStage"`
	ToStage    string    `json:"toStage"`
	Override   bool      `json:"override,omitempty"`
	At         time.Time `json:"at"`
}

type BadgeAwarded struct {
	UserID string    `json:"userId"`
	Kind   string    `json:"kind"`
	Scope  string    `json:"scope"`
	At     time.Time `json:"at"`
}

// Event is one decoded outbox message.
type Event struct {
	ID      int64           `json:"id"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"at"`
}

// Outbox encodes an event for the transactional outbox.
func Outbox(topic string, payload any, at time.Time) (store.OutboxMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return store.OutboxMessage{}, fmt.Errorf("marshal %s event: %w", topic, err)
	}
	return store.OutboxMessage{Topic: topic, Payload: data, CreatedAt: at}, nil
}

func fromOutbox(msg store.OutboxMessage) Event {
	return Event{ID: msg.ID, Topic: msg.Topic, Payload: json.RawMessage(msg.Payload), At: msg.CreatedAt}
}
