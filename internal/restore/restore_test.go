package restore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/gas-pipeline/internal/blob"
	"github.com/cuongbtq/gas-pipeline/internal/blob/blobtest"
	"github.com/cuongbtq/gas-pipeline/internal/domain"
	"github.com/cuongbtq/gas-pipeline/internal/jobstore"
	"github.com/cuongbtq/gas-pipeline/internal/queue"
	"github.com/cuongbtq/gas-pipeline/shared/database/databasetest"
)

const testUserID = "user-1"

var resultData = []byte("##fileformat=VCFv4.2\nchr1\t100\t.\tA\tG\n")

type invalidator struct {
	users []string
}

func (i *invalidator) Invalidate(userID string) {
	i.users = append(i.users, userID)
}

type fixture struct {
	store    *jobstore.Store
	objects  *blobtest.Store
	vault    *blobtest.Vault
	profiles *invalidator
	restorer *Restorer
	thawer   *Thawer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	f := &fixture{
		store:    jobstore.New(databasetest.Open(t).GetDB(), logger),
		objects:  blobtest.NewStore(),
		vault:    blobtest.NewVault(),
		profiles: &invalidator{},
	}
	f.restorer = NewRestorer(RestorerConfig{
		Store:    f.store,
		Vault:    f.vault,
		Profiles: f.profiles,
		Logger:   logger,
		SNSTopic: "arn:aws:sns:us-east-1:000000000000:thaw",
	})
	f.thawer = NewThawer(f.store, f.objects, f.vault, "gas-results", logger)
	return f
}

func resultLoc(jobID string) domain.Location {
	return domain.Location{Bucket: "gas-results", Key: "results/user-1/" + jobID + "~sample.annot.vcf"}
}

// put stores a completed job in state. Archived jobs get their bytes in the vault.
func (f *fixture) put(t *testing.T, jobID string, state domain.ArchiveState) {
	t.Helper()

	record := &domain.JobRecord{
		JobID:         jobID,
		UserID:        testUserID,
		Status:        domain.StatusCompleted,
		InputFileName: "sample.vcf",
		SubmitTime:    1_700_000_000,
		CompleteTime:  1_700_000_100,
		Result:        resultLoc(jobID),
		ArchiveState:  state,
		ResultPresent: !state.ResultInColdStorage(),
	}
	if state == domain.ArchiveArchived {
		id, err := f.vault.Archive(context.Background(), bytes.NewReader(resultData), jobID)
		require.NoError(t, err)
		record.ArchiveHandle = id
	} else {
		f.objects.Set(record.Result, resultData)
	}
	require.NoError(t, f.store.Put(context.Background(), record))
}

func (f *fixture) record(t *testing.T, jobID string) *domain.JobRecord {
	t.Helper()
	record, err := f.store.Get(context.Background(), jobID)
	require.NoError(t, err)
	return record
}

func upgrade(t *testing.T, userID string) *queue.Message {
	t.Helper()
	body, err := json.Marshal(domain.RestoreMessage{UserID: userID})
	require.NoError(t, err)
	return &queue.Message{ID: "m1", Body: body, Attempt: 1}
}

// thawMessage builds the notification the vault sends for a finished retrieval
func thawMessage(t *testing.T, retrievalID string, description domain.RetrievalDescription) *queue.Message {
	t.Helper()
	encoded, err := description.Encode()
	require.NoError(t, err)
	body, err := json.Marshal(map[string]string{
		"retrieval_job_id": retrievalID,
		"description":      encoded,
	})
	require.NoError(t, err)
	return &queue.Message{ID: "m2", Body: body, Attempt: 1}
}

func TestRestorer_Handle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.put(t, "job-archived", domain.ArchiveArchived)
	f.put(t, "job-requested", domain.ArchiveRequested)
	f.put(t, "job-hot", domain.ArchiveNone)

	require.NoError(t, f.restorer.Handle(ctx, upgrade(t, testUserID)))

	assert.Equal(t, []string{testUserID}, f.profiles.users)

	archived := f.record(t, "job-archived")
	assert.Equal(t, domain.ArchiveRestoreRequested, archived.ArchiveState)
	assert.False(t, archived.ResultPresent)
	assert.Equal(t, "retrieval-2", archived.ArchiveHandle)
	assert.Equal(t, []string{blob.TierExpedited}, f.vault.Tiers)

	requested := f.record(t, "job-requested")
	assert.Equal(t, domain.ArchiveNone, requested.ArchiveState)
	assert.True(t, requested.ResultPresent)

	assert.Equal(t, domain.ArchiveNone, f.record(t, "job-hot").ArchiveState)

	// Redelivery finds nothing left to do.
	require.NoError(t, f.restorer.Handle(ctx, upgrade(t, testUserID)))
	assert.Len(t, f.vault.Tiers, 1)
}

func TestRestorer_FallsBackToStandardTier(t *testing.T) {
	f := newFixture(t)
	f.vault.NoExpedited = true
	f.put(t, "job-archived", domain.ArchiveArchived)

	require.NoError(t, f.restorer.Handle(context.Background(), upgrade(t, testUserID)))

	assert.Equal(t, []string{blob.TierExpedited, blob.TierStandard}, f.vault.Tiers)
	assert.Equal(t, domain.ArchiveRestoreRequested, f.record(t, "job-archived").ArchiveState)
}

func TestRestorer_TransientFailureReleases(t *testing.T) {
	f := newFixture(t)
	f.vault.RetrievalErr = domain.Transient("initiate retrieval", errors.New("throttled"))
	f.put(t, "job-archived", domain.ArchiveArchived)
	f.put(t, "job-requested", domain.ArchiveRequested)

	err := f.restorer.Handle(context.Background(), upgrade(t, testUserID))
	assert.Equal(t, domain.KindTransient, domain.KindOf(err))

	// Other jobs of the user are still handled.
	assert.Equal(t, domain.ArchiveArchived, f.record(t, "job-archived").ArchiveState)
	assert.Equal(t, domain.ArchiveNone, f.record(t, "job-requested").ArchiveState)
}

func TestRestorer_MissingArchiveIsPermanent(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Put(context.Background(), &domain.JobRecord{
		JobID:         "job-lost",
		UserID:        testUserID,
		Status:        domain.StatusCompleted,
		InputFileName: "sample.vcf",
		Result:        resultLoc("job-lost"),
		ArchiveState:  domain.ArchiveArchived,
		ArchiveHandle: "archive-gone",
	}))

	err := f.restorer.Handle(context.Background(), upgrade(t, testUserID))
	assert.ErrorIs(t, err, domain.ErrObjectNotFound)
	assert.Equal(t, domain.KindPermanent, domain.KindOf(err))
}

func TestRestorer_InvalidMessage(t *testing.T) {
	f := newFixture(t)

	err := f.restorer.Handle(context.Background(), &queue.Message{ID: "m1", Body: []byte(`{}`)})
	assert.ErrorIs(t, err, domain.ErrInvalidMessage)
	assert.Equal(t, domain.KindPermanent, domain.KindOf(err))
}

func TestRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.put(t, "job-archived", domain.ArchiveArchived)
	archiveID := f.record(t, "job-archived").ArchiveHandle

	require.NoError(t, f.restorer.Handle(ctx, upgrade(t, testUserID)))
	retrievalID := f.record(t, "job-archived").ArchiveHandle

	msg := thawMessage(t, retrievalID, domain.RetrievalDescription{
		JobID:     "job-archived",
		ResultKey: resultLoc("job-archived").Key,
		ArchiveID: archiveID,
	})
	require.NoError(t, f.thawer.Handle(ctx, msg))

	record := f.record(t, "job-archived")
	assert.Equal(t, domain.ArchiveNone, record.ArchiveState)
	assert.Empty(t, record.ArchiveHandle)
	assert.True(t, record.ResultPresent)

	data, ok := f.objects.Object(resultLoc("job-archived"))
	require.True(t, ok)
	assert.Equal(t, resultData, data)
	assert.False(t, f.vault.Has(archiveID))

	// A duplicate notification is acked without effect.
	require.NoError(t, f.thawer.Handle(ctx, msg))
	assert.Equal(t, domain.ArchiveNone, f.record(t, "job-archived").ArchiveState)
}

func TestThawer_AcceptsVaultNotification(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.put(t, "job-archived", domain.ArchiveArchived)
	archiveID := f.record(t, "job-archived").ArchiveHandle
	require.NoError(t, f.restorer.Handle(ctx, upgrade(t, testUserID)))
	retrievalID := f.record(t, "job-archived").ArchiveHandle

	description, err := domain.RetrievalDescription{JobID: "job-archived", ResultKey: resultLoc("job-archived").Key}.Encode()
	require.NoError(t, err)
	inner, err := json.Marshal(map[string]any{
		"Action":         "ArchiveRetrieval",
		"JobId":          retrievalID,
		"JobDescription": description,
		"ArchiveId":      archiveID,
		"StatusCode":     "Succeeded",
	})
	require.NoError(t, err)
	body, err := json.Marshal(map[string]string{"Type": "Notification", "Message": string(inner)})
	require.NoError(t, err)

	require.NoError(t, f.thawer.Handle(ctx, &queue.Message{ID: "m3", Body: body}))

	assert.Equal(t, domain.ArchiveNone, f.record(t, "job-archived").ArchiveState)
	assert.False(t, f.vault.Has(archiveID))
}

func TestThawer_StaleRetrievalIsSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.put(t, "job-archived", domain.ArchiveArchived)
	require.NoError(t, f.restorer.Handle(ctx, upgrade(t, testUserID)))

	msg := thawMessage(t, "retrieval-other", domain.RetrievalDescription{JobID: "job-archived"})
	require.NoError(t, f.thawer.Handle(ctx, msg))

	record := f.record(t, "job-archived")
	assert.Equal(t, domain.ArchiveRestoreRequested, record.ArchiveState)
	assert.False(t, record.ResultPresent)
}

func TestThawer_HotWriteFailureKeepsRestorePending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.put(t, "job-archived", domain.ArchiveArchived)
	archiveID := f.record(t, "job-archived").ArchiveHandle
	require.NoError(t, f.restorer.Handle(ctx, upgrade(t, testUserID)))
	retrievalID := f.record(t, "job-archived").ArchiveHandle

	f.objects.PutErr = domain.Transient("put object", errors.New("timeout"))
	msg := thawMessage(t, retrievalID, domain.RetrievalDescription{JobID: "job-archived", ArchiveID: archiveID})

	err := f.thawer.Handle(ctx, msg)
	assert.Equal(t, domain.KindTransient, domain.KindOf(err))

	record := f.record(t, "job-archived")
	assert.Equal(t, domain.ArchiveRestoreRequested, record.ArchiveState)
	assert.False(t, record.ResultPresent)
	assert.True(t, f.vault.Has(archiveID))
}

func TestThawer_InvalidMessage(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		body string
	}{
		{name: "malformed", body: `{"retrieval_job_id":`},
		{name: "missing retrieval id", body: `{"description":"{\"job_id\":\"job-1\"}"}`},
		{name: "description is not json", body: `{"retrieval_job_id":"r1","description":"job-1"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.thawer.Handle(context.Background(), &queue.Message{ID: "m1", Body: []byte(tt.body)})
			assert.ErrorIs(t, err, domain.ErrInvalidMessage)
			assert.Equal(t, domain.KindPermanent, domain.KindOf(err))
		})
	}
}
