package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/V4T54L/subwatch/internal/adapter/metrics"
	"github.com/V4T54L/subwatch/internal/domain"
)

// OptInRepository implements the domain.OptInRepository interface using
// PostgreSQL as the source of truth and an in-memory, time-based cache of the
// organizations already enrolled.
type OptInRepository struct {
	db       *sql.DB
	logger   *slog.Logger
	cache    map[string]time.Time
	mu       sync.RWMutex
	cacheTTL time.Duration
	swept    time.Time
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewOptInRepository creates a new instance of the PostgreSQL opt-in repository.
func NewOptInRepository(db *sql.DB, logger *slog.Logger, cacheTTL time.Duration, m *metrics.Metrics) *OptInRepository {
	return &OptInRepository{
		db:       db,
		logger:   logger.With("component", "postgres_optin_repository"),
		cache:    make(map[string]time.Time),
		cacheTTL: cacheTTL,
		metrics:  m,
		now:      time.Now,
	}
}

// OptInByOrgID enrolls the organization unless it already is. It first checks
// a local cache and only reaches the database when the organization is not
// found or the cache entry has expired.
func (r *OptInRepository) OptInByOrgID(ctx context.Context, orgID string, optInType domain.OptInType) error {
	// 1. Check cache with a read lock
	r.mu.RLock()
	expiresAt, found := r.cache[orgID]
	r.mu.RUnlock()

	if found && r.now().Before(expiresAt) {
		if r.metrics != nil {
			r.metrics.OptInCacheHits.Inc()
		}
		return nil
	}

	// 2. Cache miss or expired, write through to the database
	if r.metrics != nil {
		r.metrics.OptInCacheMisses.Inc()
	}

	query := `INSERT INTO org_config (org_id, opt_in_type, created, updated) VALUES ($1, $2, NOW(), NOW()) ON CONFLICT (org_id) DO NOTHING`
	res, err := r.db.ExecContext(ctx, query, orgID, string(optInType))
	if err != nil {
		// Don't cache errors, let the next batch retry from the DB
		return fmt.Errorf("opt in org %s: %w", orgID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		r.logger.Info("organization opted in", "org_id", orgID, "opt_in_type", optInType)
	}

	// 3. Update cache
	now := r.now()
	r.mu.Lock()
	r.cache[orgID] = now.Add(r.cacheTTL)
	if now.Sub(r.swept) >= r.cacheTTL {
		r.sweep(now)
	}
	r.mu.Unlock()

	return nil
}

// sweep drops expired cache entries. Callers hold r.mu.
func (r *OptInRepository) sweep(now time.Time) {
	for orgID, expiresAt := range r.cache {
		if !now.Before(expiresAt) {
			delete(r.cache, orgID)
		}
	}
	r.swept = now
}
