package profile

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/gas-pipeline/internal/domain"
	"github.com/cuongbtq/gas-pipeline/shared/database/databasetest"
)

func TestSQLDirectory(t *testing.T) {
	ctx := context.Background()
	db := databasetest.Open(t).GetDB()

	db.MustExec(`CREATE TABLE profiles (id TEXT PRIMARY KEY, role TEXT NOT NULL)`)
	db.MustExec(`INSERT INTO profiles (id, role) VALUES ('u-free', 'free_user'), ('u-premium', 'premium_user')`)

	dir, err := NewSQLDirectory(db, "profiles", slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	tests := []struct {
		userID string
		want   Tier
	}{
		{"u-free", TierFree},
		{"u-premium", TierPremium},
		{"u-unknown", TierFree},
	}

	for _, tt := range tests {
		t.Run(tt.userID, func(t *testing.T) {
			got, err := dir.Tier(ctx, tt.userID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewSQLDirectory_RejectsBadTable(t *testing.T) {
	db := databasetest.Open(t).GetDB()

	_, err := NewSQLDirectory(db, "profiles; DROP TABLE jobs", slog.New(slog.DiscardHandler))
	assert.Error(t, err)
}

type countingDirectory struct {
	calls int
	tier  Tier
	err   error
}

func (d *countingDirectory) Tier(context.Context, string) (Tier, error) {
	d.calls++
	return d.tier, d.err
}

func TestCached(t *testing.T) {
	ctx := context.Background()
	next := &countingDirectory{tier: TierPremium}
	cached := NewCached(next, 16, time.Minute)

	for i := 0; i < 3; i++ {
		tier, err := cached.Tier(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, tier.Premium())
	}
	assert.Equal(t, 1, next.calls)

	next.tier = TierFree
	cached.Invalidate("u1")

	tier, err := cached.Tier(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, TierFree, tier)
	assert.Equal(t, 2, next.calls)
}

func TestCached_FreeIsNeverCached(t *testing.T) {
	ctx := context.Background()
	next := &countingDirectory{tier: TierFree}
	cached := NewCached(next, 16, time.Minute)

	tier, err := cached.Tier(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, TierFree, tier)

	// Upgrade handled elsewhere; this cache was never told.
	next.tier = TierPremium

	tier, err = cached.Tier(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, TierPremium, tier)
	assert.Equal(t, 2, next.calls)
}

func TestCached_DoesNotCacheErrors(t *testing.T) {
	ctx := context.Background()
	next := &countingDirectory{err: domain.Transient("get user profile", errors.New("db down"))}
	cached := NewCached(next, 16, time.Minute)

	_, err := cached.Tier(ctx, "u1")
	assert.Error(t, err)

	next.err = nil
	next.tier = TierPremium
	tier, err := cached.Tier(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, TierPremium, tier)
}
