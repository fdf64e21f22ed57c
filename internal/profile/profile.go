// Package profile answers entitlement questions against the user directory.
package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/gas-pipeline/internal/domain"
)

// Tier is a user's entitlement level
type Tier string

// Tier constants, as stored in the directory's role column
const (
	TierFree    Tier = "free_user"
	TierPremium Tier = "premium_user"
)

// Premium reports whether results of this tier stay in hot storage
func (t Tier) Premium() bool {
	return t == TierPremium
}

// Directory looks up a user's tier
type Directory interface {
	Tier(ctx context.Context, userID string) (Tier, error)
}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLDirectory reads tiers from the accounts database
type SQLDirectory struct {
	db     *sqlx.DB
	query  string
	logger *slog.Logger
}

// NewSQLDirectory reads the role column of table keyed by id
func NewSQLDirectory(db *sqlx.DB, table string, logger *slog.Logger) (*SQLDirectory, error) {
	if !identifier.MatchString(table) {
		return nil, fmt.Errorf("invalid profile table name %q", table)
	}

	return &SQLDirectory{
		db:     db,
		query:  db.Rebind("SELECT role FROM " + table + " WHERE id = ?"),
		logger: logger,
	}, nil
}

// Tier returns the user's tier. Users missing from the directory are free.
func (d *SQLDirectory) Tier(ctx context.Context, userID string) (Tier, error) {
	var role string
	if err := d.db.GetContext(ctx, &role, d.query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			d.logger.Warn("User not found in profile directory, treating as free",
				slog.String("user_id", userID),
			)
			return TierFree, nil
		}
		return "", domain.Transient("get user profile", err)
	}

	if Tier(role) == TierPremium {
		return TierPremium, nil
	}
	return TierFree, nil
}

// Cached memoizes premium answers of a Directory for a short TTL. Free
// answers are never cached, so an upgrade is seen on the next lookup in
// every process, not only the one that handled the upgrade.
type Cached struct {
	next  Directory
	cache *expirable.LRU[string, Tier]
}

// NewCached wraps next with an LRU of size entries living ttl
func NewCached(next Directory, size int, ttl time.Duration) *Cached {
	return &Cached{
		next:  next,
		cache: expirable.NewLRU[string, Tier](size, nil, ttl),
	}
}

// Tier returns the cached premium tier or asks the wrapped directory
func (c *Cached) Tier(ctx context.Context, userID string) (Tier, error) {
	if tier, ok := c.cache.Get(userID); ok {
		return tier, nil
	}

	tier, err := c.next.Tier(ctx, userID)
	if err != nil {
		return "", err
	}
	if tier.Premium() {
		c.cache.Add(userID, tier)
	}
	return tier, nil
}

// Invalidate drops the cached tier of userID
func (c *Cached) Invalidate(userID string) {
	c.cache.Remove(userID)
}
