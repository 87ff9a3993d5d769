package export

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"townhall/api/internal/location"
	"townhall/api/internal/plan"
	"townhall/api/internal/store"
)

// PlanSource is the read side of the plan engine a report needs. It only
// exposes pseudonymous contributions.
type PlanSource interface {
	GetPlan(ctx context.Context, planID string) (store.Plan, error)
	History(ctx context.Context, planID string) ([]store.StageChange, error)
	ListContributions(ctx context.Context, planID string) ([]plan.PublicContribution, error)
	Tallies(ctx context.Context, planID string) ([]store.DecisionTally, error)
}

// Uploader stores a rendered artifact under key.
type Uploader interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// PDFRenderer turns report HTML into PDF bytes.
type PDFRenderer func(ctx context.Context, html string) ([]byte, error)

// Service provides plan report export functionality
type Service struct {
	plans    PlanSource
	graph    *location.Graph
	uploader Uploader
	pdf      PDFRenderer
	now      func() time.Time
}

// NewService creates a report service. uploader may be nil when no archive
// is configured.
func NewService(plans PlanSource, graph *location.Graph, uploader Uploader, pdf PDFRenderer) *Service {
	if pdf == nil {
		pdf = RenderPDF
	}
	return &Service{
		plans:    plans,
		graph:    graph,
		uploader: uploader,
		pdf:      pdf,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Report renders a completed plan in the requested format.
func (s *Service) Report(ctx context.Context, planID string, format Format) (*Result, error) {
	p, err := s.plans.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if p.Stage != string(plan.StageCompleted) {
		return nil, fmt.Errorf("report %s: %w", planID, ErrNotCompleted)
	}
	html, err := s.render(ctx, p)
	if err != nil {
		return nil, err
	}

	name := s.filename(p)
	switch format {
	case FormatHTML:
		return &Result{Data: []byte(html), Filename: name + ".html", MimeType: "text/html; charset=utf-8"}, nil
	case FormatPDF:
		data, err := s.pdf(ctx, html)
		if err != nil {
			return nil, err
		}
		return &Result{Data: data, Filename: name + ".pdf", MimeType: "application/pdf"}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

// ArchivePlan uploads plans/{locationId}/{planId}.html and, when Chrome is
// available, the matching PDF.
func (s *Service) ArchivePlan(ctx context.Context, p store.Plan) error {
	if s.uploader == nil {
		return nil
	}
	html, err := s.render(ctx, p)
	if err != nil {
		return err
	}
	prefix := "plans/" + p.LocationID + "/" + p.ID
	if err := s.uploader.Put(ctx, prefix+".html", []byte(html), "text/html; charset=utf-8"); err != nil {
		return err
	}
	data, err := s.pdf(ctx, html)
	if err != nil {
		log.Printf("export: skip pdf archive plan_id=%s: %v", p.ID, err)
		return nil
	}
	return s.uploader.Put(ctx, prefix+".pdf", data, "application/pdf")
}

// OnTransition archives a plan when it reaches Completed. It runs the upload
// in the background so the sweep is not held up by object storage.
func (s *Service) OnTransition(ctx context.Context, p store.Plan, from plan.Stage) {
	if s.uploader == nil || p.Stage != string(plan.StageCompleted) {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
		defer cancel()
		if err := s.ArchivePlan(ctx, p); err != nil {
			log.Printf("export: archive plan_id=%s from=%s: %v", p.ID, from, err)
			return
		}
		log.Printf("export: archived plan_id=%s location=%s", p.ID, p.LocationID)
	}()
}

func (s *Service) filename(p store.Plan) string {
	name := p.LocationID
	if loc, err := s.graph.Get(p.LocationID); err == nil {
		name = loc.Name
	}
	return sanitizeFilename(name + " plan " + strconv.Itoa(p.Year))
}

func (s *Service) render(ctx context.Context, p store.Plan) (string, error) {
	loc, err := s.graph.Get(p.LocationID)
	if err != nil {
		return "", err
	}
	history, err := s.plans.History(ctx, p.ID)
	if err != nil {
		return "", fmt.Errorf("load history: %w", err)
	}
	contributions, err := s.plans.ListContributions(ctx, p.ID)
	if err != nil {
		return "", fmt.Errorf("load contributions: %w", err)
	}
	tallies, err := s.plans.Tallies(ctx, p.ID)
	if err != nil {
		return "", fmt.Errorf("load tallies: %w", err)
	}

	data := TemplateData{
		LocationName: loc.Name,
		Year:         p.Year,
		Stage:        p.Stage,
		CreatedAt:    p.CreatedAt,
		GeneratedAt:  s.now(),
		Sections:     buildSections(contributions, tallies),
	}
	for _, change := range history {
		data.History = append(data.History, TemplateStageChange{
			At:        change.At,
			FromStage: change.FromStage,
			ToStage:   change.ToStage,
			Override:  change.Override,
			Reason:    change.Reason,
		})
	}
	html, err := RenderPlanHTML(data)
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return html, nil
}

// buildSections groups contributions under Issues, Goals, Actions and
// Comments, nesting comments under their issue or goal.
func buildSections(items []plan.PublicContribution, tallies []store.DecisionTally) []TemplateSection {
	votes := make(map[string]store.DecisionTally, len(tallies))
	for _, t := range tallies {
		votes[t.ContributionID] = t
	}
	replies := make(map[string][]TemplateItem)
	for _, item := range items {
		if item.Kind == plan.KindComment && item.ParentID != "" {
			replies[item.ParentID] = append(replies[item.ParentID], TemplateItem{Body: item.Body, Contributor: item.Contributor})
		}
	}

	sections := []TemplateSection{
		{Title: "Issues"},
		{Title: "Goals"},
		{Title: "Actions"},
		{Title: "Comments"},
	}
	index := map[string]int{plan.KindIssue: 0, plan.KindGoal: 1, plan.KindAction: 2, plan.KindComment: 3}
	for _, item := range items {
		if item.Kind == plan.KindComment && item.ParentID != "" {
			continue
		}
		i, ok := index[item.Kind]
		if !ok {
			continue
		}
		entry := TemplateItem{
			Body:        item.Body,
			Contributor: item.Contributor,
			Replies:     replies[item.ID],
		}
		if t, ok := votes[item.ID]; ok {
			entry.Approve, entry.Reject = t.Approve, t.Reject
		}
		sections[i].Items = append(sections[i].Items, entry)
	}
	return sections
}
