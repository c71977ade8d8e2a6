// Package discovery serves Discord's guild discovery reference data through
// request caches so concurrent lookups share one REST call.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/small-frappuccino/discordsync/pkg/clock"
	"github.com/small-frappuccino/discordsync/pkg/discord/perf"
	"github.com/small-frappuccino/discordsync/pkg/discord/reqcache"
	"github.com/small-frappuccino/discordsync/pkg/log"
)

const (
	// DefaultCategoryTTL is how long the category list stays fresh.
	DefaultCategoryTTL = time.Hour
	// DefaultTermTTL is how long one term validation stays fresh.
	DefaultTermTTL = time.Hour

	// CategoriesSnapshot names the persisted category list.
	CategoriesSnapshot = "discovery_categories"

	slowRequest = 2 * time.Second
)

var (
	endpointCategories = discordgo.EndpointAPI + "discovery/categories"
	endpointValidTerm  = discordgo.EndpointAPI + "discovery/valid-term"
)

// Category is a discovery category.
type Category struct {
	ID        int          `json:"id"`
	Name      CategoryName `json:"name"`
	IsPrimary bool         `json:"is_primary"`
}

// CategoryName holds the default and localised names of a category.
type CategoryName struct {
	Default       string            `json:"default"`
	Localizations map[string]string `json:"localizations,omitempty"`
}

// Budget picks sessions by remaining rate-limit budget.
type Budget interface {
	reqcache.Budget[*discordgo.Session]
	Primary() *discordgo.Session
	Wait(ctx context.Context, s *discordgo.Session) error
}

// SnapshotStore persists the last fetched category list.
type SnapshotStore interface {
	LoadSnapshot(ctx context.Context, name string) ([]byte, time.Time, bool, error)
	SaveSnapshot(ctx context.Context, name string, payload []byte, storedAt time.Time) error
}

// Config configures a Service.
type Config struct {
	CategoryTTL time.Duration
	TermTTL     time.Duration
	// MinSweepInterval floors how often stale term validations are swept.
	MinSweepInterval time.Duration
	Clock            clock.Clock
}

// Service answers discovery lookups.
type Service struct {
	budget     Budget
	store      SnapshotStore
	categories *reqcache.RequestCacher[[]Category]
	terms      *reqcache.KeyedRequestCacher[*discordgo.Session, bool]
}

// NewService builds the caches. store may be nil.
func NewService(budget Budget, store SnapshotStore, cfg Config) *Service {
	if cfg.CategoryTTL <= 0 {
		cfg.CategoryTTL = DefaultCategoryTTL
	}
	if cfg.TermTTL <= 0 {
		cfg.TermTTL = DefaultTermTTL
	}

	s := &Service{budget: budget, store: store}
	s.categories = reqcache.NewRequestCacher(s.fetchCategories, reqcache.Config{
		Name:    "discovery_categories",
		Timeout: cfg.CategoryTTL,
		Clock:   cfg.Clock,
	})

	s.terms = reqcache.NewKeyedRequestCacher(s.fetchValidTerm, budget, reqcache.KeyedConfig{
		Name:             "discovery_valid_term",
		Timeout:          cfg.TermTTL,
		MinSweepInterval: cfg.MinSweepInterval,
		Bucket:           endpointValidTerm,
		Clock:            cfg.Clock,
	})
	return s
}

// LoadSnapshot seeds the category cache from the store and persists every
// later successful fetch. A missing snapshot is not an error.
func (s *Service) LoadSnapshot(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	payload, storedAt, ok, err := s.store.LoadSnapshot(ctx, CategoriesSnapshot)
	if err != nil {
		return fmt.Errorf("load category snapshot: %w", err)
	}
	if ok {
		var cats []Category
		if err := json.Unmarshal(payload, &cats); err != nil {
			log.DatabaseLogger().Warn("Ignoring unreadable category snapshot", "error", err)
		} else {
			s.categories.Seed(cats, storedAt)
			log.DatabaseLogger().Info("Seeded discovery categories from snapshot", "count", len(cats), "stored_at", storedAt)
		}
	}
	s.categories.OnStore(s.saveSnapshot)
	return nil
}

func (s *Service) saveSnapshot(cats []Category, at time.Time) {
	payload, err := json.Marshal(cats)
	if err != nil {
		log.DatabaseLogger().Error("Failed to encode category snapshot", "error", err)
		return
	}
	if err := s.store.SaveSnapshot(context.Background(), CategoriesSnapshot, payload, at); err != nil {
		log.DatabaseLogger().Error("Failed to persist category snapshot", "error", err)
	}
}

// Categories returns the discovery categories, from cache while fresh.
func (s *Service) Categories(ctx context.Context) ([]Category, error) {
	return s.categories.Execute(ctx)
}

// RefreshCategories forces a fetch, joining one already in flight.
func (s *Service) RefreshCategories(ctx context.Context) ([]Category, error) {
	return s.categories.Refresh(ctx)
}

// ValidTerm reports whether term is allowed as a discovery search term.
// The request runs on identity unless its budget is exhausted.
func (s *Service) ValidTerm(ctx context.Context, identity *discordgo.Session, term string) (bool, error) {
	if identity == nil {
		identity = s.budget.Primary()
	}
	return s.terms.Execute(ctx, identity, term)
}

// CachedTerms returns how many term validations are cached.
func (s *Service) CachedTerms() int { return s.terms.Len() }

func (s *Service) fetchCategories(ctx context.Context) ([]Category, error) {
	identity := s.budget.Primary()
	if identity == nil {
		return nil, fmt.Errorf("discovery categories: no session")
	}
	var cats []Category
	if err := s.get(ctx, identity, endpointCategories, endpointCategories, &cats); err != nil {
		return nil, err
	}
	return cats, nil
}

func (s *Service) fetchValidTerm(ctx context.Context, identity *discordgo.Session, term string) (bool, error) {
	if identity == nil {
		return false, fmt.Errorf("discovery valid term: no session")
	}
	var out struct {
		Valid bool `json:"valid"`
	}
	u := endpointValidTerm + "?" + url.Values{"term": {term}}.Encode()
	if err := s.get(ctx, identity, u, endpointValidTerm, &out); err != nil {
		return false, err
	}
	return out.Valid, nil
}

func (s *Service) get(ctx context.Context, identity *discordgo.Session, u, bucket string, out any) error {
	if err := s.budget.Wait(ctx, identity); err != nil {
		return err
	}
	done := perf.StartRequest(slowRequest, "GET "+bucket)
	body, err := identity.RequestWithBucketID(http.MethodGet, u, nil, bucket, discordgo.WithContext(ctx))
	done()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", bucket, err)
	}
	return nil
}
