package archive

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/gas-pipeline/internal/blob/blobtest"
	"github.com/cuongbtq/gas-pipeline/internal/domain"
	"github.com/cuongbtq/gas-pipeline/internal/jobstore"
	"github.com/cuongbtq/gas-pipeline/internal/profile"
	"github.com/cuongbtq/gas-pipeline/internal/queue"
	"github.com/cuongbtq/gas-pipeline/shared/database/databasetest"
)

const (
	testJobID  = "job-1"
	testUserID = "user-1"
)

var resultLoc = domain.Location{Bucket: "gas-results", Key: "results/user-1/job-1~sample.annot.vcf"}

type directory map[string]profile.Tier

func (d directory) Tier(_ context.Context, userID string) (profile.Tier, error) {
	if tier, ok := d[userID]; ok {
		return tier, nil
	}
	return profile.TierFree, nil
}

type fixture struct {
	store     *jobstore.Store
	objects   *blobtest.Store
	vault     *blobtest.Vault
	directory directory
	now       time.Time
	m         *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	f := &fixture{
		store:     jobstore.New(databasetest.Open(t).GetDB(), logger),
		objects:   blobtest.NewStore(),
		vault:     blobtest.NewVault(),
		directory: directory{},
		now:       time.Unix(1_700_000_000, 0),
	}
	f.m = New(f.store, f.objects, f.vault, f.directory, logger)
	f.m.now = func() time.Time { return f.now }

	require.NoError(t, f.store.Put(context.Background(), &domain.JobRecord{
		JobID:         testJobID,
		UserID:        testUserID,
		Status:        domain.StatusCompleted,
		InputFileName: "sample.vcf",
		SubmitTime:    f.now.Unix() - 600,
		CompleteTime:  f.now.Unix() - 300,
		Result:        resultLoc,
		ArchiveState:  domain.ArchiveRequested,
		ResultPresent: true,
	}))
	f.objects.Set(resultLoc, []byte("annotated result"))
	return f
}

func (f *fixture) message(t *testing.T, archiveAfter int64) *queue.Message {
	t.Helper()
	body, err := json.Marshal(domain.ArchiveMessage{JobID: testJobID, ArchiveAfter: archiveAfter})
	require.NoError(t, err)
	return &queue.Message{ID: "m1", Body: body, Attempt: 1}
}

func (f *fixture) record(t *testing.T) *domain.JobRecord {
	t.Helper()
	record, err := f.store.Get(context.Background(), testJobID)
	require.NoError(t, err)
	return record
}

func TestManager_DefersUntilEligible(t *testing.T) {
	f := newFixture(t)
	archiveAfter := f.now.Unix() + 120

	err := f.m.Handle(context.Background(), f.message(t, archiveAfter))

	var deferErr *queue.DeferError
	require.ErrorAs(t, err, &deferErr)
	assert.Equal(t, time.Unix(archiveAfter, 0), deferErr.Until)
	assert.Equal(t, domain.ArchiveRequested, f.record(t).ArchiveState)
	assert.Zero(t, f.vault.Len())
}

func TestManager_ArchivesFreeUserResult(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.m.Handle(context.Background(), f.message(t, f.now.Unix())))

	record := f.record(t)
	assert.Equal(t, domain.ArchiveArchived, record.ArchiveState)
	assert.False(t, record.ResultPresent)
	assert.Equal(t, "archive-1", record.ArchiveHandle)
	assert.True(t, f.vault.Has(record.ArchiveHandle))

	_, ok := f.objects.Object(resultLoc)
	assert.False(t, ok, "hot copy should be deleted")
}

func TestManager_CancelsForPremiumUser(t *testing.T) {
	f := newFixture(t)
	f.directory[testUserID] = profile.TierPremium

	require.NoError(t, f.m.Handle(context.Background(), f.message(t, f.now.Unix()-10)))

	record := f.record(t)
	assert.Equal(t, domain.ArchiveNone, record.ArchiveState)
	assert.True(t, record.ResultPresent)
	assert.Zero(t, f.vault.Len())

	_, ok := f.objects.Object(resultLoc)
	assert.True(t, ok)
}

func TestManager_UpgradeSeenThroughCachedDirectory(t *testing.T) {
	f := newFixture(t)
	cached := profile.NewCached(f.directory, 16, time.Minute)
	f.m = New(f.store, f.objects, f.vault, cached, slog.New(slog.DiscardHandler))
	f.m.now = func() time.Time { return f.now }

	tier, err := cached.Tier(context.Background(), testUserID)
	require.NoError(t, err)
	require.Equal(t, profile.TierFree, tier)

	// The upgrade lands in the directory; this process never sees the
	// upgrade message.
	f.directory[testUserID] = profile.TierPremium

	require.NoError(t, f.m.Handle(context.Background(), f.message(t, f.now.Unix())))

	record := f.record(t)
	assert.Equal(t, domain.ArchiveNone, record.ArchiveState)
	assert.True(t, record.ResultPresent)
	assert.Zero(t, f.vault.Len())
}

func TestManager_RedeliveryIsNoop(t *testing.T) {
	f := newFixture(t)
	msg := f.message(t, f.now.Unix())

	require.NoError(t, f.m.Handle(context.Background(), msg))
	require.NoError(t, f.m.Handle(context.Background(), msg))

	assert.Equal(t, 1, f.vault.Len())
	assert.Equal(t, domain.ArchiveArchived, f.record(t).ArchiveState)
}

func TestManager_ColdWriteFailureIsRetried(t *testing.T) {
	f := newFixture(t)
	f.vault.ArchiveErr = domain.Transient("upload archive", errors.New("timeout"))

	err := f.m.Handle(context.Background(), f.message(t, f.now.Unix()))
	assert.Equal(t, domain.KindTransient, domain.KindOf(err))

	record := f.record(t)
	assert.Equal(t, domain.ArchiveRequested, record.ArchiveState)
	assert.True(t, record.ResultPresent)

	_, ok := f.objects.Object(resultLoc)
	assert.True(t, ok)
}

// racingStore cancels the archive request right before the update lands.
type racingStore struct {
	*jobstore.Store
}

func (s *racingStore) ConditionalUpdate(ctx context.Context, jobID string, u domain.Update, e domain.Expect) (*domain.JobRecord, error) {
	if u.ArchiveState != nil && *u.ArchiveState == domain.ArchiveArchived {
		if _, err := s.Store.ConditionalUpdate(ctx, jobID, domain.Update{
			ArchiveState:  domain.Ptr(domain.ArchiveNone),
			ResultPresent: domain.Ptr(true),
		}, e); err != nil {
			return nil, err
		}
	}
	return s.Store.ConditionalUpdate(ctx, jobID, u, e)
}

func TestManager_LostRaceDiscardsArchive(t *testing.T) {
	f := newFixture(t)
	f.m.store = &racingStore{Store: f.store}

	err := f.m.Handle(context.Background(), f.message(t, f.now.Unix()))
	assert.ErrorIs(t, err, domain.ErrConditionFailed)

	assert.Zero(t, f.vault.Len(), "fresh archive should be deleted")
	record := f.record(t)
	assert.Equal(t, domain.ArchiveNone, record.ArchiveState)
	assert.True(t, record.ResultPresent)

	_, ok := f.objects.Object(resultLoc)
	assert.True(t, ok)
}

type failingStore struct {
	*jobstore.Store
}

func (s *failingStore) ConditionalUpdate(context.Context, string, domain.Update, domain.Expect) (*domain.JobRecord, error) {
	return nil, errors.New("connection refused")
}

func TestManager_StoreFailureAfterColdWrite(t *testing.T) {
	f := newFixture(t)
	f.m.store = &failingStore{Store: f.store}

	err := f.m.Handle(context.Background(), f.message(t, f.now.Unix()))
	assert.Equal(t, domain.KindTransient, domain.KindOf(err))
	assert.Zero(t, f.vault.Len())

	_, ok := f.objects.Object(resultLoc)
	assert.True(t, ok)
}

func TestManager_HotDeleteFailureStillAcks(t *testing.T) {
	f := newFixture(t)
	f.objects.DeleteErr = errors.New("access denied")

	require.NoError(t, f.m.Handle(context.Background(), f.message(t, f.now.Unix())))
	assert.Equal(t, domain.ArchiveArchived, f.record(t).ArchiveState)
}

func TestManager_InvalidMessage(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		body string
	}{
		{name: "malformed", body: `{"job_id":`},
		{name: "missing archive_after", body: `{"job_id":"job-1"}`},
		{name: "missing job", body: `{"archive_after":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.m.Handle(context.Background(), &queue.Message{ID: "m1", Body: []byte(tt.body)})
			assert.ErrorIs(t, err, domain.ErrInvalidMessage)
			assert.Equal(t, domain.KindPermanent, domain.KindOf(err))
		})
	}
}
