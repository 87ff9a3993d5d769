// Package points derives user standing from the append-only point ledger and
// grants badges when standing crosses a configured threshold.
package points

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"townhall/api/internal/config"
	"townhall/api/internal/metrics"
	"townhall/api/internal/notify"
	"townhall/api/internal/store"
)

// Ledger sources.
const (
	SourceSupportReceived  = "support.received"
	SourceSupportWithdrawn = "support.withdrawn"
	SourcePlanIssue        = "plan.issue"
	SourcePlanGoal         = "plan.goal"
	SourcePlanAction       = "plan.action"
	SourcePlanComment      = "plan.comment"
	SourcePlanDecision     = "plan.decision"
)

const scopeLocationPrefix = config.BadgeScopeLocation + ":"

type ledgerStore interface {
	AppendPointEvent(ctx context.Context, event store.PointEvent) error
	TotalPoints(ctx context.Context, userID string) (int64, error)
	LocationPoints(ctx context.Context, userID string) (map[string]int64, error)
	ListPointEvents(ctx context.Context, userID string, limit int) ([]store.PointEvent, error)
	GrantBadge(ctx context.Context, badge store.Badge, event store.OutboxMessage) (bool, error)
	ListBadges(ctx context.Context, userID string) ([]store.Badge, error)
}

type Calculator struct {
	store   ledgerStore
	rules   config.Rules
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewCalculator(s ledgerStore, rules config.Rules, m *metrics.Metrics) *Calculator {
	return &Calculator{
		store:   s,
		rules:   rules,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Weight returns the configured points for a source. A withdrawn support
// reverses the weight of a received one.
func (c *Calculator) Weight(source string) int64 {
	if source == SourceSupportWithdrawn {
		source = SourceSupportReceived
	}
	return c.rules.PointWeights[source]
}

// Entry builds the ledger entry for source. The store fills in the user,
// reference and location of the write it belongs to.
func (c *Calculator) Entry(source string, at time.Time) store.PointEvent {
	return store.PointEvent{Amount: c.Weight(source), Source: source, CreatedAt: at}
}

// ApplyDelta appends one ledger entry. It never rewrites earlier entries.
func (c *Calculator) ApplyDelta(ctx context.Context, userID string, amount int64, source, referenceID, locationID string) error {
	if userID == "" || source == "" {
		return fmt.Errorf("apply delta: user and source are required")
	}
	return c.store.AppendPointEvent(ctx, store.PointEvent{
		UserID:      userID,
		Amount:      amount,
		Source:      source,
		ReferenceID: referenceID,
		LocationID:  locationID,
		CreatedAt:   c.now(),
	})
}

func (c *Calculator) TotalPoints(ctx context.Context, userID string) (int64, error) {
	return c.store.TotalPoints(ctx, userID)
}

func (c *Calculator) LocationPoints(ctx context.Context, userID string) (map[string]int64, error) {
	return c.store.LocationPoints(ctx, userID)
}

func (c *Calculator) History(ctx context.Context, userID string, limit int) ([]store.PointEvent, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return c.store.ListPointEvents(ctx, userID, limit)
}

func (c *Calculator) Badges(ctx context.Context, userID string) ([]store.Badge, error) {
	return c.store.ListBadges(ctx, userID)
}

// EvaluateBadges grants every badge the user now qualifies for and returns
// the ones granted by this call. Running it again grants nothing new.
func (c *Calculator) EvaluateBadges(ctx context.Context, userID string) ([]store.Badge, error) {
	total, err := c.store.TotalPoints(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("evaluate badges: %w", err)
	}
	var byLocation map[string]int64
	for _, rule := range c.rules.Badges {
		if rule.Scope == config.BadgeScopeLocation {
			byLocation, err = c.store.LocationPoints(ctx, userID)
			if err != nil {
				return nil, fmt.Errorf("evaluate badges: %w", err)
			}
			break
		}
	}

	var candidates []store.Badge
	for _, rule := range c.rules.Badges {
		switch rule.Scope {
		case config.BadgeScopeGlobal:
			if total >= rule.Threshold {
				candidates = append(candidates, store.Badge{UserID: userID, Kind: rule.Kind, Scope: config.BadgeScopeGlobal})
			}
		case config.BadgeScopeLocation:
			locations := make([]string, 0, len(byLocation))
			for locationID, points := range byLocation {
				if points >= rule.Threshold {
					locations = append(locations, locationID)
				}
			}
			sort.Strings(locations)
			for _, locationID := range locations {
				candidates = append(candidates, store.Badge{UserID: userID, Kind: rule.Kind, Scope: LocationScope(locationID)})
			}
		}
	}

	granted := make([]store.Badge, 0)
	for _, badge := range candidates {
		badge.AwardedAt = c.now()
		event, err := notify.Outbox(notify.TopicBadgeAwarded, notify.BadgeAwarded{
			UserID: badge.UserID,
			Kind:   badge.Kind,
			Scope:  badge.Scope,
			At:     badge.AwardedAt,
		}, badge.AwardedAt)
		if err != nil {
			return granted, err
		}
		ok, err := c.store.GrantBadge(ctx, badge, event)
		if err != nil {
			return granted, fmt.Errorf("grant badge %s: %w", badge.Kind, err)
		}
		if ok {
			c.metrics.BadgeAwarded(badge.Kind)
			log.Printf("points: badge user=%s kind=%s scope=%s", badge.UserID, badge.Kind, badge.Scope)
			granted = append(granted, badge)
		}
	}
	return granted, nil
}

// LocationScope is the stored scope of a location badge.
func LocationScope(locationID string) string {
	return scopeLocationPrefix + locationID
}

// ScopeLocation returns the location of a location-scoped badge.
func ScopeLocation(scope string) (string, bool) {
	if !strings.HasPrefix(scope, scopeLocationPrefix) {
		return "", false
	}
	return strings.TrimPrefix(scope, scopeLocationPrefix), true
}
