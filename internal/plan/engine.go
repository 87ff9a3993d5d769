// Package plan drives per-location strategic plans through their fixed
// stages and keeps contribution authorship behind per-plan pseudonyms.
package plan

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"townhall/api/internal/config"
	"townhall/api/internal/location"
	"townhall/api/internal/metrics"
	"townhall/api/internal/notify"
	"townhall/api/internal/points"
	"townhall/api/internal/store"
	"townhall/api/internal/util"
)

var (
	// ErrInvalidStage is returned when the plan's stage does not accept the
	// requested contribution or vote.
	ErrInvalidStage = errors.New("plan stage does not allow this operation")
	ErrInvalid      = errors.New("invalid plan request")
)

const (
	MaxContentLength = 5000
	SystemActor      = "system"
	sweepBatch       = 500
	defaultDuration  = 7 * 24 * time.Hour
)

type planStore interface {
	InsertPlan(ctx context.Context, plan store.Plan) error
	GetPlan(ctx context.Context, planID string) (store.Plan, error)
	CurrentPlan(ctx context.Context, locationID string) (store.Plan, error)
	ListDuePlans(ctx context.Context, now time.Time, limit int) ([]store.Plan, error)
	ApplyTransition(ctx context.Context, t store.Transition) (bool, error)
	ListStageChanges(ctx context.Context, planID string) ([]store.StageChange, error)
	AddContribution(ctx context.Context, in store.ContributionInput) (store.Contribution, error)
	ListContributions(ctx context.Context, planID string) ([]store.Contribution, error)
	CastDecision(ctx context.Context, in store.DecisionInput) (bool, error)
	DecisionTallies(ctx context.Context, planID string) ([]store.DecisionTally, error)
}

// TransitionHook runs after a stage change has been committed.
type TransitionHook func(ctx context.Context, plan store.Plan, from Stage)

type Engine struct {
	store   planStore
	graph   *location.Graph
	points  *points.Calculator
	rules   config.Rules
	metrics *metrics.Metrics
	workers int
	now     func() time.Time
	hooks   []TransitionHook
}

type Option func(*Engine)

// WithWorkers bounds how many plans a sweep advances in parallel.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithTransitionHook(hook TransitionHook) Option {
	return func(e *Engine) { e.hooks = append(e.hooks, hook) }
}

func NewEngine(s planStore, graph *location.Graph, calc *points.Calculator, rules config.Rules, m *metrics.Metrics, opts ...Option) *Engine {
	e := &Engine{
		store:   s,
		graph:   graph,
		points:  calc,
		rules:   rules,
		metrics: m,
		workers: 4,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) duration(stage Stage) time.Duration {
	if d, ok := e.rules.StageDurations[string(stage)]; ok && d > 0 {
		return d
	}
	return defaultDuration
}

func (e *Engine) deadline(stage Stage, entered time.Time) time.Time {
	if stage == StageCompleted {
		return entered
	}
	return entered.Add(e.duration(stage))
}

// StartPlan opens a Draft plan for a location. Standard locations hold one
// active plan per year; adhoc groups hold one active plan at a time.
func (e *Engine) StartPlan(ctx context.Context, locationID string, year int, initiatorID string) (store.Plan, error) {
	loc, err := e.graph.Get(locationID)
	if err != nil {
		return store.Plan{}, err
	}
	now := e.now()
	if year == 0 {
		year = now.Year()
	}
	if year < 2000 || year > 9999 {
		return store.Plan{}, fmt.Errorf("%w: year %d out of range", ErrInvalid, year)
	}
	if strings.TrimSpace(initiatorID) == "" {
		return store.Plan{}, fmt.Errorf("%w: initiator is required", ErrInvalid)
	}
	if minimum := e.rules.MinPointsToStartPlan; minimum > 0 {
		total, err := e.points.TotalPoints(ctx, initiatorID)
		if err != nil {
			return store.Plan{}, err
		}
		if total < minimum {
			return store.Plan{}, fmt.Errorf("%w: starting a plan needs %d points, initiator has %d", ErrInvalid, minimum, total)
		}
	}

	plan := store.Plan{
		ID:             util.NewID("plan"),
		LocationID:     loc.ID,
		Year:           year,
		Adhoc:          loc.Kind.Adhoc(),
		Stage:          string(StageDraft),
		StageEnteredAt: now,
		StageDeadline:  e.deadline(StageDraft, now),
		InitiatorID:    initiatorID,
		CreatedAt:      now,
	}
	if err := e.store.InsertPlan(ctx, plan); err != nil {
		return store.Plan{}, err
	}
	log.Printf("plan: started plan_id=%s location=%s year=%d adhoc=%t", plan.ID, plan.LocationID, plan.Year, plan.Adhoc)
	return plan, nil
}

func (e *Engine) GetPlan(ctx context.Context, planID string) (store.Plan, error) {
	return e.store.GetPlan(ctx, planID)
}

// CurrentPlan returns the active plan of a location, or its latest one.
func (e *Engine) CurrentPlan(ctx context.Context, locationID string) (store.Plan, error) {
	if _, err := e.graph.Get(locationID); err != nil {
		return store.Plan{}, err
	}
	return e.store.CurrentPlan(ctx, locationID)
}

func (e *Engine) History(ctx context.Context, planID string) ([]store.StageChange, error) {
	if _, err := e.store.GetPlan(ctx, planID); err != nil {
		return nil, err
	}
	return e.store.ListStageChanges(ctx, planID)
}

// SweepResult counts the outcome of one EvaluateDueTransitions run.
type SweepResult struct {
	Advanced int `json:"advanced"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// EvaluateDueTransitions advances every plan whose deadline has passed by
// exactly one stage. Each move is conditioned on the stage the plan was read
// in, so concurrent or repeated sweeps never advance a plan twice. A plan
// that fails is counted and logged; the sweep carries on.
func (e *Engine) EvaluateDueTransitions(ctx context.Context, now time.Time) (SweepResult, error) {
	started := time.Now()
	defer func() { e.metrics.ObserveSweep(time.Since(started)) }()

	due, err := e.store.ListDuePlans(ctx, now, sweepBatch)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list due plans: %w", err)
	}

	var advanced, skipped, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for _, p := range due {
		g.Go(func() error {
			applied, err := e.advance(gctx, p, now)
			switch {
			case err != nil:
				failed.Add(1)
				log.Printf("plan: advance failed plan_id=%s from=%s: %v", p.ID, p.Stage, err)
			case applied:
				advanced.Add(1)
			default:
				skipped.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	return SweepResult{
		Advanced: int(advanced.Load()),
		Skipped:  int(skipped.Load()),
		Failed:   int(failed.Load()),
	}, nil
}

func (e *Engine) advance(ctx context.Context, p store.Plan, now time.Time) (bool, error) {
	from := Stage(p.Stage)
	to, ok := from.Next()
	if !ok {
		return false, nil
	}
	applied, err := e.transition(ctx, p, from, to, SystemActor, false, "deadline reached", now)
	if err != nil {
		return false, err
	}
	if applied {
		log.Printf("plan: advanced plan_id=%s from=%s to=%s", p.ID, from, to)
	}
	return applied, nil
}

func (e *Engine) transition(ctx context.Context, p store.Plan, from, to Stage, actor string, override bool, reason string, now time.Time) (bool, error) {
	event, err := notify.Outbox(notify.TopicPlanStageChanged, notify.PlanStageChanged{
		PlanID:     p.ID,
		LocationID: p.LocationID,
		FromStage:  string(from),
		ToStage:    string(to),
		Override:   override,
		At:         now,
	}, now)
	if err != nil {
		return false, err
	}
	applied, err := e.store.ApplyTransition(ctx, store.Transition{
		PlanID:    p.ID,
		FromStage: string(from),
		ToStage:   string(to),
		EnteredAt: now,
		Deadline:  e.deadline(to, now),
		Actor:     actor,
		Override:  override,
		Reason:    reason,
		Event:     event,
	})
	if err != nil || !applied {
		return false, err
	}

	e.metrics.Transition(string(from), string(to))
	p.Stage = string(to)
	p.StageEnteredAt = now
	p.StageDeadline = e.deadline(to, now)
	for _, hook := range e.hooks {
		hook(ctx, p, from)
	}
	return true, nil
}

// OverrideStage moves a plan to any stage, backwards included. It is the
// privileged path outside the normal lifecycle and is logged on its own.
func (e *Engine) OverrideStage(ctx context.Context, planID string, target Stage, adminID, reason string) (store.Plan, error) {
	if target.Index() < 0 {
		return store.Plan{}, fmt.Errorf("%w: unknown stage %q", ErrInvalid, target)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return store.Plan{}, fmt.Errorf("%w: override reason is required", ErrInvalid)
	}
	p, err := e.store.GetPlan(ctx, planID)
	if err != nil {
		return store.Plan{}, err
	}
	from := Stage(p.Stage)
	if from == target {
		return store.Plan{}, fmt.Errorf("%w: plan is already in %s", ErrInvalid, target)
	}

	now := e.now()
	applied, err := e.transition(ctx, p, from, target, adminID, true, reason, now)
	if err != nil {
		return store.Plan{}, err
	}
	if !applied {
		return store.Plan{}, fmt.Errorf("override plan %s: stage changed concurrently: %w", planID, store.ErrConflict)
	}
	log.Printf("plan: OVERRIDE plan_id=%s from=%s to=%s admin=%s reason=%q", planID, from, target, adminID, reason)
	return e.store.GetPlan(ctx, planID)
}

// PublicContribution is what members see: the author is replaced by a
// stable per-plan label.
type PublicContribution struct {
	ID          string    `json:"id"`
	PlanID      string    `json:"planId"`
	Kind        string    `json:"kind"`
	ParentID    string    `json:"parentId,omitempty"`
	Contributor string    `json:"contributor"`
	Body        string    `json:"body"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ContributorLabel renders the pseudonym for ordinal k.
func ContributorLabel(k int) string {
	return "Contributor #" + strconv.Itoa(k)
}

func project(c store.Contribution) PublicContribution {
	out := PublicContribution{
		ID:          c.ID,
		PlanID:      c.PlanID,
		Kind:        c.Kind,
		Contributor: ContributorLabel(c.Contributor),
		Body:        c.Body,
		CreatedAt:   c.CreatedAt,
	}
	if c.ParentID != nil {
		out.ParentID = *c.ParentID
	}
	return out
}

func (e *Engine) AddIssue(ctx context.Context, planID, authorID, content string) (PublicContribution, error) {
	return e.add(ctx, planID, authorID, KindIssue, content, "", openStages, points.SourcePlanIssue)
}

func (e *Engine) AddGoal(ctx context.Context, planID, authorID, content string) (PublicContribution, error) {
	return e.add(ctx, planID, authorID, KindGoal, content, "", openStages, points.SourcePlanGoal)
}

func (e *Engine) AddAction(ctx context.Context, planID, authorID, content string) (PublicContribution, error) {
	return e.add(ctx, planID, authorID, KindAction, content, "", openStages, points.SourcePlanAction)
}

// AddComment attaches a comment to the plan, or to one of its issues or
// goals when parentID is set.
func (e *Engine) AddComment(ctx context.Context, planID, authorID, content, parentID string) (PublicContribution, error) {
	return e.add(ctx, planID, authorID, KindComment, content, parentID, activeStages, points.SourcePlanComment)
}

func (e *Engine) add(ctx context.Context, planID, authorID, kind, content, parentID string, stages []string, source string) (PublicContribution, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return PublicContribution{}, fmt.Errorf("%w: content is required", ErrInvalid)
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return PublicContribution{}, fmt.Errorf("%w: content exceeds %d characters", ErrInvalid, MaxContentLength)
	}
	if strings.TrimSpace(authorID) == "" {
		return PublicContribution{}, fmt.Errorf("%w: author is required", ErrInvalid)
	}

	now := e.now()
	item := store.Contribution{
		ID:        util.NewID(kind),
		PlanID:    planID,
		Kind:      kind,
		AuthorID:  authorID,
		Body:      content,
		CreatedAt: now,
	}
	if parentID != "" {
		item.ParentID = &parentID
	}
	saved, err := e.store.AddContribution(ctx, store.ContributionInput{
		Contribution:  item,
		AllowedStages: stages,
		ParentKinds:   []string{KindIssue, KindGoal},
		Points:        e.points.Entry(source, now),
	})
	if err != nil {
		return PublicContribution{}, mapStoreError(err)
	}
	e.evaluateBadges(ctx, authorID)
	return project(saved), nil
}

// ListContributions returns the pseudonymized view of a plan.
func (e *Engine) ListContributions(ctx context.Context, planID string) ([]PublicContribution, error) {
	if _, err := e.store.GetPlan(ctx, planID); err != nil {
		return nil, err
	}
	items, err := e.store.ListContributions(ctx, planID)
	if err != nil {
		return nil, err
	}
	out := make([]PublicContribution, 0, len(items))
	for _, item := range items {
		out = append(out, project(item))
	}
	return out, nil
}

// CastDecision records one approve/reject vote per member and action while
// the plan is in Decision. It reports false for a repeated vote.
func (e *Engine) CastDecision(ctx context.Context, planID, userID, contributionID string, approve bool) (bool, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(contributionID) == "" {
		return false, fmt.Errorf("%w: user and contribution are required", ErrInvalid)
	}
	now := e.now()
	recorded, err := e.store.CastDecision(ctx, store.DecisionInput{
		PlanID:         planID,
		ContributionID: contributionID,
		UserID:         userID,
		Approve:        approve,
		RequiredStage:  string(StageDecision),
		DecidableKinds: []string{KindAction},
		Points:         e.points.Entry(points.SourcePlanDecision, now),
		At:             now,
	})
	if err != nil {
		return false, mapStoreError(err)
	}
	if recorded {
		e.evaluateBadges(ctx, userID)
	}
	return recorded, nil
}

func (e *Engine) Tallies(ctx context.Context, planID string) ([]store.DecisionTally, error) {
	if _, err := e.store.GetPlan(ctx, planID); err != nil {
		return nil, err
	}
	return e.store.DecisionTallies(ctx, planID)
}

func (e *Engine) evaluateBadges(ctx context.Context, userID string) {
	if _, err := e.points.EvaluateBadges(ctx, userID); err != nil {
		log.Printf("plan: evaluate badges user=%s: %v", userID, err)
	}
}

func mapStoreError(err error) error {
	switch {
	case errors.Is(err, store.ErrStageNotAllowed):
		return fmt.Errorf("%w: %w", ErrInvalidStage, err)
	case errors.Is(err, store.ErrInvalidReference):
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	default:
		return err
	}
}
