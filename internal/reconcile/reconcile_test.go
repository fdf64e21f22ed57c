package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/gas-pipeline/internal/domain"
	"github.com/cuongbtq/gas-pipeline/internal/jobstore"
	"github.com/cuongbtq/gas-pipeline/internal/metrics"
	"github.com/cuongbtq/gas-pipeline/internal/queue/queuetest"
	"github.com/cuongbtq/gas-pipeline/shared/database/databasetest"
)

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{expr: "*/5 * * * *"},
		{expr: "@every 10m"},
		{expr: "@hourly"},
		{expr: "* * *", wantErr: true},
		{expr: "not a schedule", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			_, err := ParseSchedule(tt.expr)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

type fixture struct {
	store     *jobstore.Store
	clock     time.Time
	publisher *queuetest.Publisher
	registry  *prometheus.Registry
	sweeper   *Sweeper
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	f := &fixture{
		clock:     time.Unix(1_700_000_000, 0),
		publisher: queuetest.NewPublisher(),
		registry:  prometheus.NewRegistry(),
	}
	f.store = jobstore.New(databasetest.Open(t).GetDB(), logger, jobstore.WithClock(func() time.Time { return f.clock }))

	f.sweeper = New(Config{
		Store:              f.store,
		Publisher:          f.publisher,
		Logger:             logger,
		Metrics:            metrics.New(f.registry),
		ArchiveDestination: "job_archive",
		Retention:          5 * time.Minute,
		StaleAfter:         time.Hour,
		ArchiveGrace:       10 * time.Minute,
	})
	return f
}

// put stores a record as written at the fixture's current clock
func (f *fixture) put(t *testing.T, record domain.JobRecord) {
	t.Helper()
	record.UserID = "user-1"
	record.InputFileName = "sample.vcf"
	require.NoError(t, f.store.Put(context.Background(), &record))
}

func TestSweeper_Sweep(t *testing.T) {
	f := newFixture(t)
	start := f.clock

	f.put(t, domain.JobRecord{JobID: "pending-old", Status: domain.StatusPending})
	f.put(t, domain.JobRecord{JobID: "running-old", Status: domain.StatusRunning})
	f.put(t, domain.JobRecord{
		JobID:         "archive-old",
		Status:        domain.StatusCompleted,
		CompleteTime:  start.Unix(),
		ArchiveState:  domain.ArchiveRequested,
		ResultPresent: true,
	})
	f.put(t, domain.JobRecord{
		JobID:        "restore-old",
		Status:       domain.StatusCompleted,
		ArchiveState: domain.ArchiveRestoreRequested,
	})

	f.clock = start.Add(2 * time.Hour)
	f.put(t, domain.JobRecord{JobID: "pending-new", Status: domain.StatusPending})
	f.put(t, domain.JobRecord{
		JobID:         "archive-new",
		Status:        domain.StatusCompleted,
		CompleteTime:  f.clock.Unix(),
		ArchiveState:  domain.ArchiveRequested,
		ResultPresent: true,
	})

	f.sweeper.now = func() time.Time { return f.clock.Add(time.Minute) }

	report, err := f.sweeper.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Report{
		StalePending:  1,
		StaleRunning:  1,
		StaleRestore:  1,
		ArchiveResent: 1,
	}, report)

	published := f.publisher.Messages("job_archive")
	require.Len(t, published, 1)
	var eligible domain.ArchiveMessage
	require.NoError(t, json.Unmarshal(published[0], &eligible))
	assert.Equal(t, "archive-old", eligible.JobID)
	assert.Equal(t, start.Unix()+300, eligible.ArchiveAfter)

	expected := `
# HELP pipeline_stale_jobs Jobs stuck in a state longer than the reconcile threshold
# TYPE pipeline_stale_jobs gauge
pipeline_stale_jobs{state="ARCHIVE_REQUESTED"} 1
pipeline_stale_jobs{state="PENDING"} 1
pipeline_stale_jobs{state="RESTORE_REQUESTED"} 1
pipeline_stale_jobs{state="RUNNING"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(f.registry, strings.NewReader(expected), "pipeline_stale_jobs"))
}

func TestSweeper_PublishFailure(t *testing.T) {
	f := newFixture(t)
	f.put(t, domain.JobRecord{
		JobID:         "archive-old",
		Status:        domain.StatusCompleted,
		CompleteTime:  f.clock.Unix(),
		ArchiveState:  domain.ArchiveRequested,
		ResultPresent: true,
	})
	f.publisher.Err = errors.New("broker down")
	f.sweeper.now = func() time.Time { return f.clock.Add(time.Hour) }

	report, err := f.sweeper.Sweep(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, report.ArchiveFailed)
	assert.Zero(t, report.ArchiveResent)
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	schedule, err := ParseSchedule("@every 1h")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sweeper.Run(ctx, schedule) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
