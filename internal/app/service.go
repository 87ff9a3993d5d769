package app

import (
	"context"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"townhall/api/internal/auth"
	"townhall/api/internal/config"
	"townhall/api/internal/export"
	"townhall/api/internal/feed"
	"townhall/api/internal/location"
	"townhall/api/internal/metrics"
	"townhall/api/internal/plan"
	"townhall/api/internal/points"
	"townhall/api/internal/rbac"
	"townhall/api/internal/search"
	"townhall/api/internal/session"
	"townhall/api/internal/store"
	"townhall/api/internal/util"
)

const (
	maxTitleLength       = 200
	maxDescriptionLength = 10000
	maxTags              = 10
	maxTagLength         = 40
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	Role      string
	JTI       string
	ExpiresAt time.Time
}

type IdeaInput struct {
	LocationID  string   `json:"locationId"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

type dataStore interface {
	Ping(ctx context.Context) error
	EnsureUser(ctx context.Context, userID, displayName string) error
	GetUser(ctx context.Context, userID string) (store.User, error)
	InsertIdea(ctx context.Context, item store.Idea) error
	GetIdea(ctx context.Context, ideaID string) (store.Idea, error)
	UpdateIdea(ctx context.Context, item store.Idea) (store.Idea, error)
	Support(ctx context.Context, in store.SupportInput) (store.SupportResult, error)
	Unsupport(ctx context.Context, in store.SupportInput) (store.SupportResult, error)
}

// Deps are the collaborators a Service orchestrates. Search, Reports,
// Revocations and Metrics may be nil.
type Deps struct {
	Store   dataStore
	Graph   *location.Graph
	Feed    *feed.Engine
	Points  *points.Calculator
	Plans   *plan.Engine
	Search  *search.Service
	Reports *export.Service
	Metrics *metrics.Metrics

	Revocations session.Revocations
}

type Service struct {
	cfg     config.Config
	rules   config.Rules
	store   dataStore
	graph   *location.Graph
	feed    *feed.Engine
	points  *points.Calculator
	plans   *plan.Engine
	search  *search.Service
	reports *export.Service
	metrics *metrics.Metrics
	revoked session.Revocations
	now     func() time.Time
}

func New(cfg config.Config, rules config.Rules, deps Deps) *Service {
	return &Service{
		cfg:     cfg,
		rules:   rules,
		store:   deps.Store,
		graph:   deps.Graph,
		feed:    deps.Feed,
		points:  deps.Points,
		plans:   deps.Plans,
		search:  deps.Search,
		reports: deps.Reports,
		metrics: deps.Metrics,
		revoked: deps.Revocations,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Metrics() *metrics.Metrics {
	return s.metrics
}

// SessionFromToken verifies a bearer token and makes sure its subject exists
// as a member.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	if s.revoked != nil {
		revoked, err := s.revoked.IsRevoked(ctx, claims.ID)
		if err != nil {
			return Session{}, err
		}
		if revoked {
			return Session{}, auth.ErrInvalidToken
		}
	}
	name := firstNonBlank(claims.Name, claims.Subject)
	if err := s.store.EnsureUser(ctx, claims.Subject, name); err != nil {
		return Session{}, err
	}
	session := Session{
		Token:    token,
		UserID:   claims.Subject,
		UserName: name,
		Role:     string(rbac.Normalize(claims.Role)),
		JTI:      claims.ID,
	}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
	}
	return session, nil
}

// Logout revokes the session's token for the rest of its lifetime.
func (s *Service) Logout(ctx context.Context, session Session) error {
	if s.revoked == nil {
		return unavailableError("LOGOUT_UNAVAILABLE", "Token revocation is not configured")
	}
	return s.revoked.Revoke(ctx, session.JTI, session.ExpiresAt)
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func locationView(loc location.Location) map[string]any {
	view := map[string]any{
		"id":   loc.ID,
		"kind": string(loc.Kind),
		"name": loc.Name,
	}
	if loc.ParentID != "" {
		view["parentId"] = loc.ParentID
	}
	return view
}

func (s *Service) Provinces(ctx context.Context, countryID string) (map[string]any, error) {
	items, err := s.graph.Provinces(countryID)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(items))
	for _, item := range items {
		views = append(views, locationView(item))
	}
	return map[string]any{"locations": views}, nil
}

func (s *Service) Children(ctx context.Context, parentID, kind string) (map[string]any, error) {
	var k location.Kind
	if kind != "" {
		parsed, err := location.ParseKind(kind)
		if err != nil {
			return nil, validationError(err.Error(), nil)
		}
		k = parsed
	}
	items, err := s.graph.Children(parentID, k)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(items))
	for _, item := range items {
		views = append(views, locationView(item))
	}
	return map[string]any{"locations": views}, nil
}

func ideaView(item store.Idea) map[string]any {
	tags := item.Tags
	if tags == nil {
		tags = []string{}
	}
	return map[string]any{
		"id":           item.ID,
		"locationId":   item.LocationID,
		"title":        item.Title,
		"description":  item.Description,
		"tags":         tags,
		"supportCount": item.SupportCount,
		"author":       map[string]any{"name": item.AuthorName},
		"createdAt":    item.CreatedAt,
		"updatedAt":    item.UpdatedAt,
	}
}

// normalizeIdea trims and validates an idea payload. Tags are lower-cased
// and de-duplicated, keeping first-seen order.
func normalizeIdea(input IdeaInput) (IdeaInput, error) {
	input.Title = strings.TrimSpace(input.Title)
	input.Description = strings.TrimSpace(input.Description)
	details := map[string]string{}
	if n := utf8.RuneCountInString(input.Title); n == 0 || n > maxTitleLength {
		details["title"] = "must be 1-200 characters"
	}
	if utf8.RuneCountInString(input.Description) > maxDescriptionLength {
		details["description"] = "must be at most 10000 characters"
	}

	seen := make(map[string]struct{}, len(input.Tags))
	tags := make([]string, 0, len(input.Tags))
	for _, tag := range input.Tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if utf8.RuneCountInString(tag) > maxTagLength {
			details["tags"] = "each tag must be at most 40 characters"
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}
	if len(tags) > maxTags {
		details["tags"] = "at most 10 tags"
	}
	input.Tags = tags

	if len(details) > 0 {
		return input, validationError("Invalid idea", details)
	}
	return input, nil
}

func (s *Service) CreateIdea(ctx context.Context, session Session, input IdeaInput) (map[string]any, error) {
	input, err := normalizeIdea(input)
	if err != nil {
		return nil, err
	}
	if _, err := s.graph.Get(input.LocationID); err != nil {
		return nil, err
	}

	now := s.now()
	item := store.Idea{
		ID:          util.NewID("idea"),
		LocationID:  input.LocationID,
		AuthorID:    session.UserID,
		Title:       input.Title,
		Description: input.Description,
		Tags:        input.Tags,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.InsertIdea(ctx, item); err != nil {
		return nil, err
	}
	saved, err := s.store.GetIdea(ctx, item.ID)
	if err != nil {
		return nil, err
	}
	s.afterIdeaChange(ctx, saved)
	return ideaView(saved), nil
}

// EditIdea lets the author or a moderator change the text of an idea. The
// posting location and support count never change.
func (s *Service) EditIdea(ctx context.Context, session Session, ideaID string, input IdeaInput) (map[string]any, error) {
	existing, err := s.store.GetIdea(ctx, ideaID)
	if err != nil {
		return nil, err
	}
	if existing.AuthorID != session.UserID && !s.Can(session.Role, rbac.ActionModerate) {
		return nil, forbiddenError("Only the author or a moderator may edit this idea")
	}
	input, err = normalizeIdea(input)
	if err != nil {
		return nil, err
	}
	existing.Title = input.Title
	existing.Description = input.Description
	existing.Tags = input.Tags
	existing.UpdatedAt = s.now()
	updated, err := s.store.UpdateIdea(ctx, existing)
	if err != nil {
		return nil, err
	}
	if existing.AuthorID != session.UserID {
		log.Printf("app: moderator edit idea_id=%s moderator=%s", ideaID, session.UserID)
	}
	s.afterIdeaChange(ctx, updated)
	return ideaView(updated), nil
}

func (s *Service) GetIdea(ctx context.Context, ideaID string) (map[string]any, error) {
	item, err := s.store.GetIdea(ctx, ideaID)
	if err != nil {
		return nil, err
	}
	return ideaView(item), nil
}

func (s *Service) afterIdeaChange(ctx context.Context, item store.Idea) {
	s.feed.Invalidate(ctx, item.LocationID)
	if s.search != nil {
		s.search.IndexIdea(item)
	}
}

func (s *Service) Support(ctx context.Context, session Session, ideaID string) (map[string]any, error) {
	return s.applySupport(ctx, session, ideaID, true)
}

func (s *Service) Unsupport(ctx context.Context, session Session, ideaID string) (map[string]any, error) {
	return s.applySupport(ctx, session, ideaID, false)
}

// applySupport records or withdraws one member's support. Repeating the same
// call is a no-op that reports changed=false.
func (s *Service) applySupport(ctx context.Context, session Session, ideaID string, support bool) (map[string]any, error) {
	idea, err := s.store.GetIdea(ctx, ideaID)
	if err != nil {
		return nil, err
	}
	if support && idea.AuthorID == session.UserID && !s.rules.AllowSelfSupport {
		return nil, validationError("You cannot support your own idea", nil)
	}

	now := s.now()
	in := store.SupportInput{UserID: session.UserID, IdeaID: ideaID, At: now}
	var result store.SupportResult
	if support {
		in.Points = s.points.Entry(points.SourceSupportReceived, now)
		result, err = s.store.Support(ctx, in)
	} else {
		in.Points = s.points.Entry(points.SourceSupportWithdrawn, now)
		result, err = s.store.Unsupport(ctx, in)
	}
	if err != nil {
		s.metrics.Support("error")
		return nil, err
	}

	if !result.Changed {
		s.metrics.Support("noop")
	} else {
		s.metrics.Support("counted")
		s.afterIdeaChange(ctx, result.Idea)
		if _, err := s.points.EvaluateBadges(ctx, result.Idea.AuthorID); err != nil {
			log.Printf("app: evaluate badges user=%s: %v", result.Idea.AuthorID, err)
		}
	}
	return map[string]any{
		"changed": result.Changed,
		"idea":    ideaView(result.Idea),
	}, nil
}

func (s *Service) Feed(ctx context.Context, locationID string, page feed.Page) (map[string]any, error) {
	page = page.Normalize()
	items, err := s.feed.IdeasVisibleAt(ctx, locationID, page)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(items))
	for _, item := range items {
		views = append(views, ideaView(item))
	}
	return map[string]any{
		"locationId": locationID,
		"ideas":      views,
		"limit":      page.Limit,
		"offset":     page.Offset,
	}, nil
}

func (s *Service) Search(ctx context.Context, locationID, q string, limit, offset int) (search.Response, error) {
	if s.search == nil {
		if _, err := s.graph.Get(locationID); err != nil {
			return search.Response{}, err
		}
		return search.Response{Results: []search.Result{}, Query: q}, nil
	}
	return s.search.Search(ctx, search.Query{Text: q, LocationID: locationID, Limit: limit, Offset: offset})
}

func planView(p store.Plan) map[string]any {
	return map[string]any{
		"id":             p.ID,
		"locationId":     p.LocationID,
		"year":           p.Year,
		"adhoc":          p.Adhoc,
		"stage":          p.Stage,
		"stageEnteredAt": p.StageEnteredAt,
		"stageDeadline":  p.StageDeadline,
		"createdAt":      p.CreatedAt,
	}
}

func (s *Service) StartPlan(ctx context.Context, session Session, locationID string, year int) (map[string]any, error) {
	p, err := s.plans.StartPlan(ctx, locationID, year, session.UserID)
	if err != nil {
		return nil, err
	}
	return planView(p), nil
}

func (s *Service) CurrentPlan(ctx context.Context, locationID string) (map[string]any, error) {
	p, err := s.plans.CurrentPlan(ctx, locationID)
	if err != nil {
		return nil, err
	}
	return planView(p), nil
}

func (s *Service) GetPlan(ctx context.Context, planID string) (map[string]any, error) {
	p, err := s.plans.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	view := planView(p)
	tallies, err := s.plans.Tallies(ctx, planID)
	if err != nil {
		return nil, err
	}
	view["decisions"] = tallyViews(tallies)
	return view, nil
}

func tallyViews(tallies []store.DecisionTally) []map[string]any {
	out := make([]map[string]any, 0, len(tallies))
	for _, t := range tallies {
		out = append(out, map[string]any{
			"contributionId": t.ContributionID,
			"approve":        t.Approve,
			"reject":         t.Reject,
		})
	}
	return out
}

// PlanHistory lists stage changes. Overrides keep their reason but the
// acting admin is only shown to admins.
func (s *Service) PlanHistory(ctx context.Context, session Session, planID string) (map[string]any, error) {
	changes, err := s.plans.History(ctx, planID)
	if err != nil {
		return nil, err
	}
	showActor := s.Can(session.Role, rbac.ActionAdmin)
	items := make([]map[string]any, 0, len(changes))
	for _, change := range changes {
		item := map[string]any{
			"fromStage": change.FromStage,
			"toStage":   change.ToStage,
			"override":  change.Override,
			"reason":    change.Reason,
			"at":        change.At,
		}
		if showActor {
			item["actor"] = change.Actor
		}
		items = append(items, item)
	}
	return map[string]any{"planId": planID, "history": items}, nil
}

// AddContribution dispatches to the engine by kind.
func (s *Service) AddContribution(ctx context.Context, session Session, planID, kind, content, parentID string) (plan.PublicContribution, error) {
	switch kind {
	case plan.KindIssue:
		return s.plans.AddIssue(ctx, planID, session.UserID, content)
	case plan.KindGoal:
		return s.plans.AddGoal(ctx, planID, session.UserID, content)
	case plan.KindAction:
		return s.plans.AddAction(ctx, planID, session.UserID, content)
	case plan.KindComment:
		return s.plans.AddComment(ctx, planID, session.UserID, content, parentID)
	default:
		return plan.PublicContribution{}, domainError(http.StatusNotFound, "NOT_FOUND", "Unknown contribution kind", nil)
	}
}

func (s *Service) Contributions(ctx context.Context, planID string) (map[string]any, error) {
	items, err := s.plans.ListContributions(ctx, planID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"planId": planID, "contributions": items}, nil
}

func (s *Service) CastDecision(ctx context.Context, session Session, planID, contributionID, choice string) (map[string]any, error) {
	var approve bool
	switch strings.ToLower(strings.TrimSpace(choice)) {
	case "approve":
		approve = true
	case "reject":
		approve = false
	default:
		return nil, validationError("choice must be approve or reject", nil)
	}
	recorded, err := s.plans.CastDecision(ctx, planID, session.UserID, contributionID, approve)
	if err != nil {
		return nil, err
	}
	tallies, err := s.plans.Tallies(ctx, planID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"recorded": recorded, "decisions": tallyViews(tallies)}, nil
}

func (s *Service) OverrideStage(ctx context.Context, session Session, planID, target, reason string) (map[string]any, error) {
	stage, err := plan.ParseStage(target)
	if err != nil {
		return nil, err
	}
	p, err := s.plans.OverrideStage(ctx, planID, stage, session.UserID, reason)
	if err != nil {
		return nil, err
	}
	return planView(p), nil
}

func (s *Service) Report(ctx context.Context, planID string, format export.Format) (*export.Result, error) {
	if s.reports == nil {
		return nil, unavailableError("EXPORT_UNAVAILABLE", "Reports are not configured")
	}
	return s.reports.Report(ctx, planID, format)
}

// canSeeActivity reports whether viewer may see the dated point ledger of
// userID: only the user and admins.
func (s *Service) canSeeActivity(viewer Session, userID string) bool {
	if viewer.UserID != "" && viewer.UserID == userID {
		return true
	}
	return viewer.UserID != "" && s.Can(viewer.Role, rbac.ActionAdmin)
}

// UserPoints returns a user's total. The user themselves and admins also get
// the per-location breakdown and the ledger history.
func (s *Service) UserPoints(ctx context.Context, viewer Session, userID string) (map[string]any, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	total, err := s.points.TotalPoints(ctx, userID)
	if err != nil {
		return nil, err
	}
	view := map[string]any{
		"userId": user.ID,
		"name":   user.DisplayName,
		"total":  total,
	}
	if !s.canSeeActivity(viewer, userID) {
		return view, nil
	}

	byLocation, err := s.points.LocationPoints(ctx, userID)
	if err != nil {
		return nil, err
	}
	history, err := s.points.History(ctx, userID, 50)
	if err != nil {
		return nil, err
	}
	locations := make([]map[string]any, 0, len(byLocation))
	for id, amount := range byLocation {
		locations = append(locations, map[string]any{"locationId": id, "points": amount})
	}
	sort.Slice(locations, func(i, j int) bool {
		return locations[i]["locationId"].(string) < locations[j]["locationId"].(string)
	})
	events := make([]map[string]any, 0, len(history))
	for _, e := range history {
		events = append(events, map[string]any{
			"amount":    e.Amount,
			"source":    e.Source,
			"createdAt": e.CreatedAt,
		})
	}
	view["byLocation"] = locations
	view["history"] = events
	return view, nil
}

// UserBadges lists a user's badges. Other viewers only see the award day.
func (s *Service) UserBadges(ctx context.Context, viewer Session, userID string) (map[string]any, error) {
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	badges, err := s.points.Badges(ctx, userID)
	if err != nil {
		return nil, err
	}
	exact := s.canSeeActivity(viewer, userID)
	items := make([]map[string]any, 0, len(badges))
	for _, b := range badges {
		awarded := b.AwardedAt.UTC()
		if !exact {
			awarded = awarded.Truncate(24 * time.Hour)
		}
		item := map[string]any{
			"kind":      b.Kind,
			"scope":     config.BadgeScopeGlobal,
			"awardedAt": awarded,
		}
		if loc, ok := points.ScopeLocation(b.Scope); ok {
			item["scope"] = config.BadgeScopeLocation
			item["locationId"] = loc
		}
		items = append(items, item)
	}
	return map[string]any{"userId": userID, "badges": items}, nil
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
