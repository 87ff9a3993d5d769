package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"townhall/api/internal/email"
)

type fakeMailer struct {
	stages []email.StageChangedData
	badges []email.BadgeAwardedData
	to     []string
}

func (f *fakeMailer) SendStageChanged(to []string, data email.StageChangedData) error {
	f.to = to
	f.stages = append(f.stages, data)
	return nil
}

func (f *fakeMailer) SendBadgeAwarded(to []string, data email.BadgeAwardedData) error {
	f.to = to
	f.badges = append(f.badges, data)
	return nil
}

func mustEvent(t *testing.T, topic string, payload any) Event {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return Event{ID: 7, Topic: topic, Payload: data, At: time.Now()}
}

func TestEmailDispatcherRoutesTopics(t *testing.T) {
	mail := &fakeMailer{}
	names := map[string]string{"town-abc": "Abc Town"}
	d := NewEmailDispatcher(mail, []string{"ops@example.com"}, func(id string) string { return names[id] })
	ctx := context.Background()

	if err := d.Dispatch(ctx, mustEvent(t, TopicPlanStageChanged, PlanStageChanged{
		PlanID: "plan-1", LocationID: "town-abc", FromStage: "Draft", ToStage: "Decision",
	})); err != nil {
		t.Fatalf("dispatch stage: %v", err)
	}
	if err := d.Dispatch(ctx, mustEvent(t, TopicBadgeAwarded, BadgeAwarded{UserID: "bob", Kind: "first_point", Scope: "global"})); err != nil {
		t.Fatalf("dispatch badge: %v", err)
	}
	if err := d.Dispatch(ctx, mustEvent(t, "something.else", map[string]string{})); err != nil {
		t.Fatalf("dispatch other: %v", err)
	}

	if len(mail.stages) != 1 || mail.stages[0].LocationName != "Abc Town" || mail.stages[0].ToStage != "Decision" {
		t.Fatalf("unexpected stage mails %+v", mail.stages)
	}
	if len(mail.badges) != 1 || mail.badges[0].UserID != "bob" {
		t.Fatalf("unexpected badge mails %+v", mail.badges)
	}
	if len(mail.to) != 1 || mail.to[0] != "ops@example.com" {
		t.Fatalf("unexpected recipients %v", mail.to)
	}
}

func TestEmailDispatcherRejectsBadPayload(t *testing.T) {
	d := NewEmailDispatcher(&fakeMailer{}, []string{"ops@example.com"}, nil)
	err := d.Dispatch(context.Background(), Event{ID: 1, Topic: TopicBadgeAwarded, Payload: json.RawMessage(`{`)})
	if err == nil {
		t.Fatalf("expected decode error")
	}
}
