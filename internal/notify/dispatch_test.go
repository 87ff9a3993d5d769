package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"townhall/api/internal/store"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
	fail   bool
}

func (r *recorder) Dispatch(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("transport down")
	}
	r.events = append(r.events, event)
	return nil
}

func queue(t *testing.T, mem *store.MemoryStore, count int) {
	t.Helper()
	ctx := context.Background()
	if err := mem.UpsertLocations(ctx, []store.Location{{ID: "ca", Kind: "country", Name: "Canada"}}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := mem.EnsureUser(ctx, "u1", "U1"); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	for i := 0; i < count; i++ {
		msg, err := Outbox(TopicBadgeAwarded, BadgeAwarded{UserID: "u1", Kind: string(rune('a' + i)), Scope: "global"}, time.Now())
		if err != nil {
			t.Fatalf("Outbox: %v", err)
		}
		if _, err := mem.GrantBadge(ctx, store.Badge{UserID: "u1", Kind: string(rune('a' + i)), Scope: "global"}, msg); err != nil {
			t.Fatalf("grant: %v", err)
		}
	}
}

func TestRelayDeliversEachMessageOnce(t *testing.T) {
	mem := store.NewMemoryStore()
	queue(t, mem, 3)
	rec := &recorder{}
	relay := NewRelay(mem, rec, nil)

	n, err := relay.Drain(context.Background())
	if err != nil || n != 3 {
		t.Fatalf("first drain: n=%d err=%v", n, err)
	}
	n, err = relay.Drain(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("second drain: n=%d err=%v", n, err)
	}
	if len(rec.events) != 3 || rec.events[0].ID >= rec.events[1].ID {
		t.Fatalf("unexpected events %+v", rec.events)
	}
	var payload BadgeAwarded
	if err := json.Unmarshal(rec.events[0].Payload, &payload); err != nil || payload.UserID != "u1" {
		t.Fatalf("unexpected payload %s: %v", rec.events[0].Payload, err)
	}
}

func TestRelayConcurrentDrainsDoNotDuplicate(t *testing.T) {
	mem := store.NewMemoryStore()
	queue(t, mem, 20)
	rec := &recorder{}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := NewRelay(mem, rec, nil).Drain(context.Background()); err != nil {
				t.Errorf("drain: %v", err)
			}
		}()
	}
	wg.Wait()

	seen := map[int64]bool{}
	for _, e := range rec.events {
		if seen[e.ID] {
			t.Fatalf("event %d delivered twice", e.ID)
		}
		seen[e.ID] = true
	}
	if len(seen) != 20 {
		t.Fatalf("expected 20 deliveries, got %d", len(seen))
	}
}

func TestRelayDropsFailedDispatchAfterClaim(t *testing.T) {
	mem := store.NewMemoryStore()
	queue(t, mem, 1)
	rec := &recorder{fail: true}

	n, err := NewRelay(mem, rec, nil).Drain(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("drain: n=%d err=%v", n, err)
	}
	rec.fail = false
	n, _ = NewRelay(mem, rec, nil).Drain(context.Background())
	if n != 0 {
		t.Fatalf("claimed message must not be redelivered, got %d", n)
	}
}

func TestRedisDispatcherPublishes(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	sub := client.Subscribe(ctx, DefaultChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	d := NewRedisDispatcher(client, "")
	payload, _ := json.Marshal(PlanStageChanged{PlanID: "p1", FromStage: "Draft", ToStage: "Discussion"})
	if err := d.Dispatch(ctx, Event{ID: 9, Topic: TopicPlanStageChanged, Payload: payload}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	select {
	case msg := <-sub.Channel():
		var got Event
		if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.ID != 9 || got.Topic != TopicPlanStageChanged {
			t.Fatalf("unexpected event %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message published")
	}
}

func TestMultiJoinsErrors(t *testing.T) {
	ok := &recorder{}
	bad := &recorder{fail: true}
	err := Multi{ok, bad, LogDispatcher{}}.Dispatch(context.Background(), Event{ID: 1, Topic: "x", Payload: json.RawMessage(`{}`)})
	if err == nil {
		t.Fatal("expected joined error")
	}
	if len(ok.events) != 1 {
		t.Fatal("healthy dispatcher should still receive the event")
	}
}
