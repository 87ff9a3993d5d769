package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"townhall/api/internal/util"
)

// MemoryStore keeps every record in process. It honours the same uniqueness
// and conditional-update rules as PostgresStore and is used by tests and by
// local runs with DATABASE_URL=memory://.
type MemoryStore struct {
	mu sync.Mutex

	locations     map[string]Location
	locationOrder []string
	users         map[string]User
	ideas         map[string]Idea
	supports      map[[2]string]time.Time

	pointEvents    []PointEvent
	userPoints     map[string]int64
	locationPoints map[string]map[string]int64
	badges         map[[3]string]Badge
	outbox         []OutboxMessage
	outboxClaimed  map[int64]bool
	outboxSeq      int64

	plans         map[string]Plan
	planSeq       map[string]int
	contributors  map[[2]string]int
	contributions map[string]Contribution
	contribOrder  []string
	votes         map[[2]string]bool
	votePlan      map[[2]string]string
	stageLog      []StageChange
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locations:      make(map[string]Location),
		users:          make(map[string]User),
		ideas:          make(map[string]Idea),
		supports:       make(map[[2]string]time.Time),
		userPoints:     make(map[string]int64),
		locationPoints: make(map[string]map[string]int64),
		badges:         make(map[[3]string]Badge),
		outboxClaimed:  make(map[int64]bool),
		plans:          make(map[string]Plan),
		planSeq:        make(map[string]int),
		contributors:   make(map[[2]string]int),
		contributions:  make(map[string]Contribution),
		votes:          make(map[[2]string]bool),
		votePlan:       make(map[[2]string]string),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) ListLocations(ctx context.Context) ([]Location, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify("list locations", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]Location, 0, len(s.locationOrder))
	for _, id := range s.locationOrder {
		items = append(items, cloneLocation(s.locations[id]))
	}
	return items, nil
}

func (s *MemoryStore) UpsertLocations(ctx context.Context, items []Location) error {
	if err := ctx.Err(); err != nil {
		return classify("upsert locations", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ordered := orderParentsFirst(items)
	pending := make(map[string]Location, len(ordered))
	for _, item := range ordered {
		if existing, ok := s.locations[item.ID]; ok {
			if existing.Kind != item.Kind || stringValue(existing.ParentID) != stringValue(item.ParentID) {
				return fmt.Errorf("upsert locations: location %s changes kind or parent: %w", item.ID, ErrConflict)
			}
		}
		if item.ParentID != nil {
			_, known := s.locations[*item.ParentID]
			_, batched := pending[*item.ParentID]
			if !known && !batched {
				return fmt.Errorf("upsert locations: parent %s: %w", *item.ParentID, ErrNotFound)
			}
		}
		pending[item.ID] = item
	}
	for _, item := range ordered {
		if existing, ok := s.locations[item.ID]; ok {
			existing.Name = item.Name
			s.locations[item.ID] = existing
			continue
		}
		s.locations[item.ID] = cloneLocation(item)
		s.locationOrder = append(s.locationOrder, item.ID)
	}
	sort.SliceStable(s.locationOrder, func(i, j int) bool {
		return s.locations[s.locationOrder[i]].Position < s.locations[s.locationOrder[j]].Position
	})
	return nil
}

func (s *MemoryStore) RenameLocation(ctx context.Context, locationID, name string) error {
	if err := ctx.Err(); err != nil {
		return classify("rename location", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.locations[locationID]
	if !ok {
		return classify("rename location", ErrNotFound)
	}
	item.Name = name
	s.locations[locationID] = item
	return nil
}

func (s *MemoryStore) EnsureUser(ctx context.Context, userID, displayName string) error {
	if err := ctx.Err(); err != nil {
		return classify("ensure user", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		s.users[userID] = User{ID: userID, DisplayName: displayName}
		return nil
	}
	if displayName != "" {
		user.DisplayName = displayName
		s.users[userID] = user
	}
	return nil
}

func (s *MemoryStore) GetUser(ctx context.Context, userID string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, classify("get user", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return User{}, classify("get user", ErrNotFound)
	}
	return user, nil
}

func (s *MemoryStore) InsertIdea(ctx context.Context, item Idea) error {
	if err := ctx.Err(); err != nil {
		return classify("insert idea", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ideas[item.ID]; ok {
		return classify("insert idea", ErrConflict)
	}
	if _, ok := s.locations[item.LocationID]; !ok {
		return classify("insert idea", ErrNotFound)
	}
	if _, ok := s.users[item.AuthorID]; !ok {
		return classify("insert idea", ErrNotFound)
	}
	item.SupportCount = 0
	item.UpdatedAt = item.CreatedAt
	item.Tags = append([]string{}, item.Tags...)
	s.ideas[item.ID] = item
	return nil
}

func (s *MemoryStore) GetIdea(ctx context.Context, ideaID string) (Idea, error) {
	if err := ctx.Err(); err != nil {
		return Idea{}, classify("get idea", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.ideaView(ideaID)
	if !ok {
		return Idea{}, classify("get idea", ErrNotFound)
	}
	return item, nil
}

func (s *MemoryStore) UpdateIdea(ctx context.Context, item Idea) (Idea, error) {
	if err := ctx.Err(); err != nil {
		return Idea{}, classify("update idea", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.ideas[item.ID]
	if !ok {
		return Idea{}, classify("update idea", ErrNotFound)
	}
	existing.Title = item.Title
	existing.Description = item.Description
	existing.Tags = append([]string{}, item.Tags...)
	existing.UpdatedAt = item.UpdatedAt
	s.ideas[item.ID] = existing
	view, _ := s.ideaView(item.ID)
	return view, nil
}

func (s *MemoryStore) ListIdeasAt(ctx context.Context, locationIDs []string, limit, offset int) ([]Idea, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify("list ideas", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]struct{}, len(locationIDs))
	for _, id := range locationIDs {
		wanted[id] = struct{}{}
	}
	items := make([]Idea, 0)
	for id, item := range s.ideas {
		if _, ok := wanted[item.LocationID]; !ok {
			continue
		}
		view, _ := s.ideaView(id)
		items = append(items, view)
	}
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.SupportCount != b.SupportCount {
			return a.SupportCount > b.SupportCount
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	if offset >= len(items) {
		return []Idea{}, nil
	}
	items = items[offset:]
	if limit >= 0 && limit < len(items) {
		items = items[:limit]
	}
	return items, nil
}

func (s *MemoryStore) ideaView(ideaID string) (Idea, bool) {
	item, ok := s.ideas[ideaID]
	if !ok {
		return Idea{}, false
	}
	item.AuthorName = s.users[item.AuthorID].DisplayName
	item.Tags = append([]string{}, item.Tags...)
	return item, true
}

func (s *MemoryStore) Support(ctx context.Context, in SupportInput) (SupportResult, error) {
	return s.applySupport(ctx, in, 1)
}

func (s *MemoryStore) Unsupport(ctx context.Context, in SupportInput) (SupportResult, error) {
	return s.applySupport(ctx, in, -1)
}

func (s *MemoryStore) applySupport(ctx context.Context, in SupportInput, delta int64) (SupportResult, error) {
	op := "support idea"
	if delta < 0 {
		op = "unsupport idea"
	}
	if err := ctx.Err(); err != nil {
		return SupportResult{}, classify(op, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	idea, ok := s.ideas[in.IdeaID]
	if !ok {
		return SupportResult{}, classify(op, ErrNotFound)
	}
	if _, ok := s.users[in.UserID]; !ok {
		return SupportResult{}, classify(op, ErrNotFound)
	}

	key := [2]string{in.UserID, in.IdeaID}
	_, exists := s.supports[key]
	changed := false
	switch {
	case delta > 0 && !exists:
		s.supports[key] = in.At
		changed = true
	case delta < 0 && exists:
		delete(s.supports, key)
		changed = true
	}

	if changed {
		idea.SupportCount += delta
		s.ideas[in.IdeaID] = idea
		event := in.Points
		event.UserID = idea.AuthorID
		event.ReferenceID = in.IdeaID
		event.LocationID = idea.LocationID
		event.Amount = delta * abs(event.Amount)
		if event.CreatedAt.IsZero() {
			event.CreatedAt = in.At
		}
		s.appendPointEventLocked(event)
	}

	view, _ := s.ideaView(in.IdeaID)
	return SupportResult{Changed: changed, Idea: view}, nil
}

func (s *MemoryStore) appendPointEventLocked(event PointEvent) {
	if event.Amount == 0 {
		return
	}
	if event.ID == "" {
		event.ID = util.NewID("pt")
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	s.pointEvents = append(s.pointEvents, event)
	s.userPoints[event.UserID] += event.Amount
	if event.LocationID != "" {
		if s.locationPoints[event.UserID] == nil {
			s.locationPoints[event.UserID] = make(map[string]int64)
		}
		s.locationPoints[event.UserID][event.LocationID] += event.Amount
	}
}

func (s *MemoryStore) AppendPointEvent(ctx context.Context, event PointEvent) error {
	if err := ctx.Err(); err != nil {
		return classify("append point event", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[event.UserID]; !ok {
		return classify("append point event", ErrNotFound)
	}
	s.appendPointEventLocked(event)
	return nil
}

func (s *MemoryStore) TotalPoints(ctx context.Context, userID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, classify("total points", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userPoints[userID], nil
}

func (s *MemoryStore) LocationPoints(ctx context.Context, userID string) (map[string]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify("location points", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	totals := make(map[string]int64, len(s.locationPoints[userID]))
	for locationID, total := range s.locationPoints[userID] {
		totals[locationID] = total
	}
	return totals, nil
}

func (s *MemoryStore) ListPointEvents(ctx context.Context, userID string, limit int) ([]PointEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify("list point events", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]PointEvent, 0)
	for i := len(s.pointEvents) - 1; i >= 0 && len(items) < limit; i-- {
		if s.pointEvents[i].UserID == userID {
			items = append(items, s.pointEvents[i])
		}
	}
	return items, nil
}

func (s *MemoryStore) GrantBadge(ctx context.Context, badge Badge, event OutboxMessage) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, classify("grant badge", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := [3]string{badge.UserID, badge.Kind, badge.Scope}
	if _, ok := s.badges[key]; ok {
		return false, nil
	}
	s.badges[key] = badge
	s.enqueueLocked(event)
	return true, nil
}

func (s *MemoryStore) ListBadges(ctx context.Context, userID string) ([]Badge, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify("list badges", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]Badge, 0)
	for _, badge := range s.badges {
		if badge.UserID == userID {
			items = append(items, badge)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].AwardedAt.Equal(items[j].AwardedAt) {
			return items[i].AwardedAt.Before(items[j].AwardedAt)
		}
		if items[i].Kind != items[j].Kind {
			return items[i].Kind < items[j].Kind
		}
		return items[i].Scope < items[j].Scope
	})
	return items, nil
}

func (s *MemoryStore) enqueueLocked(msg OutboxMessage) {
	if msg.Topic == "" {
		return
	}
	s.outboxSeq++
	msg.ID = s.outboxSeq
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.Payload = append([]byte(nil), msg.Payload...)
	s.outbox = append(s.outbox, msg)
}

func (s *MemoryStore) ClaimOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify("claim outbox", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]OutboxMessage, 0)
	for _, msg := range s.outbox {
		if len(items) >= limit {
			break
		}
		if s.outboxClaimed[msg.ID] {
			continue
		}
		s.outboxClaimed[msg.ID] = true
		items = append(items, msg)
	}
	return items, nil
}

func (s *MemoryStore) InsertPlan(ctx context.Context, plan Plan) error {
	if err := ctx.Err(); err != nil {
		return classify("insert plan", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.locations[plan.LocationID]; !ok {
		return classify("insert plan", ErrNotFound)
	}
	if _, ok := s.plans[plan.ID]; ok {
		return classify("insert plan", ErrConflict)
	}
	key := ActiveKey(plan)
	for _, existing := range s.plans {
		if existing.Stage != "Completed" && ActiveKey(existing) == key {
			return fmt.Errorf("insert plan: active plan %s: %w", existing.ID, ErrConflict)
		}
	}
	s.plans[plan.ID] = plan
	s.stageLog = append(s.stageLog, StageChange{
		PlanID:  plan.ID,
		ToStage: plan.Stage,
		Actor:   plan.InitiatorID,
		Reason:  "started",
		At:      plan.StageEnteredAt,
	})
	return nil
}

func (s *MemoryStore) GetPlan(ctx context.Context, planID string) (Plan, error) {
	if err := ctx.Err(); err != nil {
		return Plan{}, classify("get plan", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	plan, ok := s.plans[planID]
	if !ok {
		return Plan{}, classify("get plan", ErrNotFound)
	}
	return plan, nil
}

func (s *MemoryStore) CurrentPlan(ctx context.Context, locationID string) (Plan, error) {
	if err := ctx.Err(); err != nil {
		return Plan{}, classify("current plan", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		best  Plan
		found bool
	)
	for _, plan := range s.plans {
		if plan.LocationID != locationID {
			continue
		}
		if !found || planRanksAbove(plan, best) {
			best, found = plan, true
		}
	}
	if !found {
		return Plan{}, classify("current plan", ErrNotFound)
	}
	return best, nil
}

func planRanksAbove(a, b Plan) bool {
	aActive, bActive := a.Stage != "Completed", b.Stage != "Completed"
	if aActive != bActive {
		return aActive
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func (s *MemoryStore) ListDuePlans(ctx context.Context, now time.Time, limit int) ([]Plan, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify("list due plans", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]Plan, 0)
	for _, plan := range s.plans {
		if plan.Stage != "Completed" && !plan.StageDeadline.After(now) {
			items = append(items, plan)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].StageDeadline.Equal(items[j].StageDeadline) {
			return items[i].StageDeadline.Before(items[j].StageDeadline)
		}
		return items[i].ID < items[j].ID
	})
	if limit >= 0 && limit < len(items) {
		items = items[:limit]
	}
	return items, nil
}

func (s *MemoryStore) ApplyTransition(ctx context.Context, t Transition) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, classify("apply transition", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	plan, ok := s.plans[t.PlanID]
	if !ok {
		return false, classify("apply transition", ErrNotFound)
	}
	if plan.Stage != t.FromStage {
		return false, nil
	}
	if plan.Stage == "Completed" && t.ToStage != "Completed" {
		probe := plan
		probe.Stage = t.ToStage
		key := ActiveKey(probe)
		for _, other := range s.plans {
			if other.ID != plan.ID && other.Stage != "Completed" && ActiveKey(other) == key {
				return false, fmt.Errorf("apply transition: active plan %s: %w", other.ID, ErrConflict)
			}
		}
	}
	plan.Stage = t.ToStage
	plan.StageEnteredAt = t.EnteredAt
	plan.StageDeadline = t.Deadline
	s.plans[t.PlanID] = plan
	s.stageLog = append(s.stageLog, StageChange{
		PlanID:    t.PlanID,
		FromStage: t.FromStage,
		ToStage:   t.ToStage,
		Actor:     t.Actor,
		Override:  t.Override,
		Reason:    t.Reason,
		At:        t.EnteredAt,
	})
	s.enqueueLocked(t.Event)
	return true, nil
}

func (s *MemoryStore) ListStageChanges(ctx context.Context, planID string) ([]StageChange, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify("list stage changes", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]StageChange, 0)
	for _, change := range s.stageLog {
		if change.PlanID == planID {
			items = append(items, change)
		}
	}
	return items, nil
}

func (s *MemoryStore) AddContribution(ctx context.Context, in ContributionInput) (Contribution, error) {
	if err := ctx.Err(); err != nil {
		return Contribution{}, classify("add contribution", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	item := in.Contribution
	plan, ok := s.plans[item.PlanID]
	if !ok {
		return Contribution{}, classify("add contribution", ErrNotFound)
	}
	if _, ok := s.users[item.AuthorID]; !ok {
		return Contribution{}, classify("add contribution", ErrNotFound)
	}
	if !containsString(in.AllowedStages, plan.Stage) {
		return Contribution{}, fmt.Errorf("add contribution: plan is in %s: %w", plan.Stage, ErrStageNotAllowed)
	}
	if item.ParentID != nil {
		parent, ok := s.contributions[*item.ParentID]
		if !ok || parent.PlanID != item.PlanID {
			return Contribution{}, fmt.Errorf("add contribution: parent %s: %w", *item.ParentID, ErrInvalidReference)
		}
		if !containsString(in.ParentKinds, parent.Kind) {
			return Contribution{}, fmt.Errorf("add contribution: parent kind %s: %w", parent.Kind, ErrInvalidReference)
		}
	}
	if _, ok := s.contributions[item.ID]; ok {
		return Contribution{}, classify("add contribution", ErrConflict)
	}

	key := [2]string{item.PlanID, item.AuthorID}
	ordinal, ok := s.contributors[key]
	if !ok {
		s.planSeq[item.PlanID]++
		ordinal = s.planSeq[item.PlanID]
		s.contributors[key] = ordinal
	}
	item.Contributor = ordinal
	s.contributions[item.ID] = item
	s.contribOrder = append(s.contribOrder, item.ID)

	event := in.Points
	event.UserID = item.AuthorID
	event.ReferenceID = item.ID
	event.LocationID = plan.LocationID
	if event.CreatedAt.IsZero() {
		event.CreatedAt = item.CreatedAt
	}
	s.appendPointEventLocked(event)
	return item, nil
}

func (s *MemoryStore) ListContributions(ctx context.Context, planID string) ([]Contribution, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify("list contributions", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]Contribution, 0)
	for _, id := range s.contribOrder {
		item := s.contributions[id]
		if item.PlanID == planID {
			items = append(items, item)
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

func (s *MemoryStore) CastDecision(ctx context.Context, in DecisionInput) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, classify("cast decision", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	plan, ok := s.plans[in.PlanID]
	if !ok {
		return false, classify("cast decision", ErrNotFound)
	}
	if _, ok := s.users[in.UserID]; !ok {
		return false, classify("cast decision", ErrNotFound)
	}
	if plan.Stage != in.RequiredStage {
		return false, fmt.Errorf("cast decision: plan is in %s: %w", plan.Stage, ErrStageNotAllowed)
	}
	target, ok := s.contributions[in.ContributionID]
	if !ok || target.PlanID != in.PlanID {
		return false, fmt.Errorf("cast decision: contribution %s: %w", in.ContributionID, ErrInvalidReference)
	}
	if !containsString(in.DecidableKinds, target.Kind) {
		return false, fmt.Errorf("cast decision: contribution kind %s: %w", target.Kind, ErrInvalidReference)
	}

	key := [2]string{in.ContributionID, in.UserID}
	if _, ok := s.votes[key]; ok {
		return false, nil
	}
	s.votes[key] = in.Approve
	s.votePlan[key] = in.PlanID

	event := in.Points
	event.UserID = in.UserID
	event.ReferenceID = in.ContributionID
	event.LocationID = plan.LocationID
	if event.CreatedAt.IsZero() {
		event.CreatedAt = in.At
	}
	s.appendPointEventLocked(event)
	return true, nil
}

func (s *MemoryStore) DecisionTallies(ctx context.Context, planID string) ([]DecisionTally, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify("decision tallies", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	byContribution := make(map[string]*DecisionTally)
	for key, approve := range s.votes {
		if s.votePlan[key] != planID {
			continue
		}
		tally, ok := byContribution[key[0]]
		if !ok {
			tally = &DecisionTally{ContributionID: key[0]}
			byContribution[key[0]] = tally
		}
		if approve {
			tally.Approve++
		} else {
			tally.Reject++
		}
	}
	items := make([]DecisionTally, 0, len(byContribution))
	for _, tally := range byContribution {
		items = append(items, *tally)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ContributionID < items[j].ContributionID })
	return items, nil
}

func cloneLocation(item Location) Location {
	if item.ParentID != nil {
		parent := *item.ParentID
		item.ParentID = &parent
	}
	return item
}

func stringValue(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
