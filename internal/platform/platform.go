// Package platform assembles the long-lived pieces of a townhall process from
// configuration. Both the API server and the operator CLI start here.
package platform

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"townhall/api/internal/app"
	"townhall/api/internal/config"
	"townhall/api/internal/email"
	"townhall/api/internal/export"
	"townhall/api/internal/feed"
	"townhall/api/internal/location"
	"townhall/api/internal/metrics"
	"townhall/api/internal/notify"
	"townhall/api/internal/plan"
	"townhall/api/internal/points"
	"townhall/api/internal/search"
	"townhall/api/internal/session"
	"townhall/api/internal/store"
)

// MemoryURL selects the in-process store instead of PostgreSQL.
const MemoryURL = "memory://"

// Backend is every store operation the engines need. PostgresStore and
// MemoryStore both satisfy it.
type Backend interface {
	Ping(ctx context.Context) error

	ListLocations(ctx context.Context) ([]store.Location, error)
	UpsertLocations(ctx context.Context, items []store.Location) error
	RenameLocation(ctx context.Context, locationID, name string) error

	EnsureUser(ctx context.Context, userID, displayName string) error
	GetUser(ctx context.Context, userID string) (store.User, error)

	InsertIdea(ctx context.Context, item store.Idea) error
	GetIdea(ctx context.Context, ideaID string) (store.Idea, error)
	UpdateIdea(ctx context.Context, item store.Idea) (store.Idea, error)
	ListIdeasAt(ctx context.Context, locationIDs []string, limit, offset int) ([]store.Idea, error)
	Support(ctx context.Context, in store.SupportInput) (store.SupportResult, error)
	Unsupport(ctx context.Context, in store.SupportInput) (store.SupportResult, error)

	AppendPointEvent(ctx context.Context, event store.PointEvent) error
	TotalPoints(ctx context.Context, userID string) (int64, error)
	LocationPoints(ctx context.Context, userID string) (map[string]int64, error)
	ListPointEvents(ctx context.Context, userID string, limit int) ([]store.PointEvent, error)
	GrantBadge(ctx context.Context, badge store.Badge, event store.OutboxMessage) (bool, error)
	ListBadges(ctx context.Context, userID string) ([]store.Badge, error)
	ClaimOutbox(ctx context.Context, limit int) ([]store.OutboxMessage, error)

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

type Platform struct {
	Config config.Config
	Rules  config.Rules

	DB      *sql.DB
	Store   Backend
	Redis   *redis.Client
	Graph   *location.Graph
	Metrics *metrics.Metrics

	Feed        *feed.Engine
	Points      *points.Calculator
	Plans       *plan.Engine
	Search      *search.Service
	Reports     *export.Service
	Relay       *notify.Relay
	Revocations session.Revocations

	closers []func() error
}

// Open connects every configured backend and builds the engines. The caller
// owns the result and must Close it.
func Open(ctx context.Context, cfg config.Config) (*Platform, error) {
	rules, err := config.LoadRules(cfg.RulesFile)
	if err != nil {
		return nil, err
	}
	p := &Platform{Config: cfg, Rules: rules, Metrics: metrics.New()}
	if err := p.openStore(ctx); err != nil {
		p.Close()
		return nil, err
	}
	if err := p.openRedis(ctx); err != nil {
		p.Close()
		return nil, err
	}

	p.Graph = location.NewGraph(p.Store)
	if err := p.Graph.Reload(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("load location graph: %w", err)
	}

	var cache feed.Cache
	if p.Redis != nil {
		cache = feed.NewRedisCacheWithClient(p.Redis, cfg.FeedCacheTTL)
	}
	p.Feed = feed.NewEngine(p.Graph, p.Store, cache, p.Metrics)
	p.Points = points.NewCalculator(p.Store, rules, p.Metrics)

	p.Plans = plan.NewEngine(p.Store, p.Graph, p.Points, rules, p.Metrics,
		plan.WithWorkers(cfg.SweepWorkers),
		plan.WithTransitionHook(p.onTransition),
	)

	p.Search = p.openSearch()
	if err := p.openReports(ctx); err != nil {
		p.Close()
		return nil, err
	}

	dispatchers := notify.Multi{notify.LogDispatcher{}}
	if p.Redis != nil {
		dispatchers = append(dispatchers, notify.NewRedisDispatcher(p.Redis, notify.DefaultChannel))
		p.Revocations = session.NewRedisStoreWithClient(p.Redis)
	} else {
		p.Revocations = session.NewMemoryStore()
	}
	if mail := p.openMail(); mail != nil {
		dispatchers = append(dispatchers, mail)
	}
	p.Relay = notify.NewRelay(p.Store, dispatchers, p.Metrics)
	return p, nil
}

func (p *Platform) openStore(ctx context.Context) error {
	if strings.HasPrefix(p.Config.DatabaseURL, MemoryURL) {
		mem := store.NewMemoryStore()
		p.Store = mem
		if p.Config.LocationsFile == "" {
			log.Printf("platform: in-memory store without a locations file; the graph is empty")
			return nil
		}
		items, err := location.LoadSeed(p.Config.LocationsFile)
		if err != nil {
			return err
		}
		if err := mem.UpsertLocations(ctx, items); err != nil {
			return fmt.Errorf("seed locations: %w", err)
		}
		log.Printf("platform: in-memory store seeded with %d locations", len(items))
		return nil
	}

	db, err := store.Open(ctx, p.Config.DatabaseURL)
	if err != nil {
		return err
	}
	p.DB = db
	p.closers = append(p.closers, db.Close)
	p.Store = store.NewPostgresStore(db, p.Config.StoreTimeout)
	return nil
}

func (p *Platform) openRedis(ctx context.Context) error {
	if strings.TrimSpace(p.Config.RedisURL) == "" {
		log.Printf("platform: REDIS_URL not set; feed cache and pub/sub disabled")
		return nil
	}
	opts, err := redis.ParseURL(p.Config.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("connect to redis: %w", err)
	}
	p.Redis = client
	p.closers = append(p.closers, client.Close)
	return nil
}

func (p *Platform) openSearch() *search.Service {
	var (
		fallback search.Searcher
		loader   search.Loader
	)
	if p.DB != nil {
		pgfts := search.NewPgFTS(p.DB)
		fallback, loader = pgfts, pgfts
	} else {
		local := search.NewLocal(p.Store, p.Graph.IDs)
		fallback, loader = local, local
	}

	var meili *search.Meili
	if strings.TrimSpace(p.Config.MeiliURL) != "" {
		meili = search.NewMeili(p.Config.MeiliURL, p.Config.MeiliMasterKey)
		p.closers = append(p.closers, func() error {
			meili.Close()
			return nil
		})
	}
	return search.NewService(p.Graph, meili, fallback, loader)
}

func (p *Platform) openReports(ctx context.Context) error {
	var uploader export.Uploader
	if strings.TrimSpace(p.Config.MinioEndpoint) != "" {
		archive, err := export.NewArchive(p.Config.MinioEndpoint, p.Config.MinioAccessKey, p.Config.MinioSecretKey, p.Config.MinioBucket, p.Config.MinioUseSSL)
		if err != nil {
			return err
		}
		if err := archive.EnsureBucket(ctx); err != nil {
			return err
		}
		uploader = archive
	}
	p.Reports = export.NewService(p.Plans, p.Graph, uploader, export.RenderPDF)
	return nil
}

func (p *Platform) openMail() notify.Dispatcher {
	mailer := email.NewService(email.Config{
		Host:     p.Config.SMTPHost,
		Port:     p.Config.SMTPPort,
		Username: p.Config.SMTPUsername,
		Password: p.Config.SMTPPassword,
		From:     p.Config.SMTPFrom,
		FromName: "Townhall",
	})
	if !mailer.IsConfigured() || len(p.Config.NotifyEmails) == 0 {
		return nil
	}
	return notify.NewEmailDispatcher(mailer, p.Config.NotifyEmails, func(id string) string {
		if loc, err := p.Graph.Get(id); err == nil {
			return loc.Name
		}
		return id
	})
}

func (p *Platform) onTransition(ctx context.Context, item store.Plan, from plan.Stage) {
	if p.Reports != nil {
		p.Reports.OnTransition(ctx, item, from)
	}
}

// Service builds the request-facing facade over the platform.
func (p *Platform) Service() *app.Service {
	return app.New(p.Config, p.Rules, app.Deps{
		Store:       p.Store,
		Graph:       p.Graph,
		Feed:        p.Feed,
		Points:      p.Points,
		Plans:       p.Plans,
		Search:      p.Search,
		Reports:     p.Reports,
		Metrics:     p.Metrics,
		Revocations: p.Revocations,
	})
}

// SeedLocations upserts items and reloads the graph.
func (p *Platform) SeedLocations(ctx context.Context, items []store.Location) error {
	if err := p.Store.UpsertLocations(ctx, items); err != nil {
		return fmt.Errorf("upsert locations: %w", err)
	}
	return p.Graph.Reload(ctx)
}

// Close releases connections in reverse order of opening.
func (p *Platform) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}
