package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"townhall/api/internal/email"
)

type mailer interface {
	SendStageChanged(to []string, data email.StageChangedData) error
	SendBadgeAwarded(to []string, data email.BadgeAwardedData) error
}

// EmailDispatcher mails plan stage changes and badge grants to a fixed
// operator list. Other topics are ignored.
type EmailDispatcher struct {
	mail         mailer
	to           []string
	locationName func(id string) string
}

// NewEmailDispatcher builds a dispatcher. locationName may be nil, in which
// case location ids are shown as-is.
func NewEmailDispatcher(mail mailer, to []string, locationName func(id string) string) *EmailDispatcher {
	if locationName == nil {
		locationName = func(id string) string { return id }
	}
	return &EmailDispatcher{mail: mail, to: to, locationName: locationName}
}

func (d *EmailDispatcher) Dispatch(_ context.Context, event Event) error {
	switch event.Topic {
	case TopicPlanStageChanged:
		var payload PlanStageChanged
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return fmt.Errorf("decode event %d: %w", event.ID, err)
		}
		return d.mail.SendStageChanged(d.to, email.StageChangedData{
			PlanID:       payload.PlanID,
			LocationName: d.locationName(payload.LocationID),
			FromStage:    payload.FromStage,
			ToStage:      payload.ToStage,
			Override:     payload.Override,
			At:           payload.At,
		})
	case TopicBadgeAwarded:
		var payload BadgeAwarded
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return fmt.Errorf("decode event %d: %w", event.ID, err)
		}
		return d.mail.SendBadgeAwarded(d.to, email.BadgeAwardedData{
			UserID: payload.UserID,
			Kind:   payload.Kind,
			Scope:  payload.Scope,
			At:     payload.At,
		})
	}
	return nil
}
