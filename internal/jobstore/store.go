package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/gas-pipeline/internal/domain"
	"github.com/jmoiron/sqlx"
)

const jobColumns = `
	job_id, user_id, status, input_file_name, input_bucket, input_key,
	submit_time, complete_time, result_bucket, result_key, log_bucket, log_key,
	archive_state, archive_handle, result_present, updated_at`

// jobRow mirrors the jobs table
type jobRow struct {
	JobID         string `db:"job_id"`
	UserID        string `db:"user_id"`
	Status        string `db:"status"`
	InputFileName string `db:"input_file_name"`
	InputBucket   string `db:"input_bucket"`
	InputKey      string `db:"input_key"`
	SubmitTime    int64  `db:"submit_time"`
	CompleteTime  int64  `db:"complete_time"`
	ResultBucket  string `db:"result_bucket"`
	ResultKey     string `db:"result_key"`
	LogBucket     string `db:"log_bucket"`
	LogKey        string `db:"log_key"`
	ArchiveState  string `db:"archive_state"`
	ArchiveHandle string `db:"archive_handle"`
	ResultPresent bool   `db:"result_present"`
	UpdatedAt     int64  `db:"updated_at"`
}

func (r jobRow) record() domain.JobRecord {
	return domain.JobRecord{
		JobID:         r.JobID,
		UserID:        r.UserID,
		Status:        domain.Status(r.Status),
		InputFileName: r.InputFileName,
		Input:         domain.Location{Bucket: r.InputBucket, Key: r.InputKey},
		SubmitTime:    r.SubmitTime,
		CompleteTime:  r.CompleteTime,
		Result:        domain.Location{Bucket: r.ResultBucket, Key: r.ResultKey},
		Log:           domain.Location{Bucket: r.LogBucket, Key: r.LogKey},
		ArchiveState:  domain.ArchiveState(r.ArchiveState),
		ArchiveHandle: r.ArchiveHandle,
		ResultPresent: r.ResultPresent,
		UpdatedAt:     r.UpdatedAt,
	}
}

// Store is the job record store. It is safe for concurrent use; all
// mutations after creation go through ConditionalUpdate.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithClock overrides the clock used for updated_at
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a Store on an open database
func New(db *sqlx.DB, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the record for jobID or domain.ErrNotFound
func (s *Store) Get(ctx context.Context, jobID string) (*domain.JobRecord, error) {
	query := s.db.Rebind(`SELECT ` + jobColumns + ` FROM jobs WHERE job_id = ?`)

	var row jobRow
	if err := s.db.GetContext(ctx, &row, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get job %s: %w", jobID, domain.ErrNotFound)
		}
		return nil, domain.Transient("get job", err)
	}

	record := row.record()
	return &record, nil
}

// Put creates the record. It fails with domain.ErrAlreadyExists when the
// job_id is taken.
func (s *Store) Put(ctx context.Context, record *domain.JobRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}

	record.UpdatedAt = s.now().Unix()

	query := s.db.Rebind(`
		INSERT INTO jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id) DO NOTHING
	`)

	result, err := s.db.ExecContext(ctx, query,
		record.JobID,
		record.UserID,
		string(record.Status),
		record.InputFileName,
		record.Input.Bucket,
		record.Input.Key,
		record.SubmitTime,
		record.CompleteTime,
		record.Result.Bucket,
		record.Result.Key,
		record.Log.Bucket,
		record.Log.Key,
		string(record.ArchiveState),
		record.ArchiveHandle,
		record.ResultPresent,
		record.UpdatedAt,
	)
	if err != nil {
		return domain.Transient("put job", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return domain.Transient("put job", err)
	}
	if rows == 0 {
		return fmt.Errorf("put job %s: %w", record.JobID, domain.ErrAlreadyExists)
	}

	s.logger.Info("Job record created",
		slog.String("job_id", record.JobID),
		slog.String("user_id", record.UserID),
		slog.String("status", string(record.Status)),
	)

	return nil
}

// ConditionalUpdate applies u only when the stored record matches e. It
// returns the updated record, domain.ErrConditionFailed when the record is
// in another state, or domain.ErrNotFound.
func (s *Store) ConditionalUpdate(ctx context.Context, jobID string, u domain.Update, e domain.Expect) (*domain.JobRecord, error) {
	if err := domain.ValidateUpdate(u, e); err != nil {
		return nil, err
	}

	sets := []string{}
	args := []interface{}{}

	set := func(column string, value interface{}) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}

	if u.Status != nil {
		set("status", string(*u.Status))
	}
	if u.Result != nil {
		set("result_bucket", u.Result.Bucket)
		set("result_key", u.Result.Key)
	}
	if u.Log != nil {
		set("log_bucket", u.Log.Bucket)
		set("log_key", u.Log.Key)
	}
	if u.CompleteTime != nil {
		set("complete_time", *u.CompleteTime)
	}
	if u.ArchiveState != nil {
		set("archive_state", string(*u.ArchiveState))
	}
	if u.ArchiveHandle != nil {
		set("archive_handle", *u.ArchiveHandle)
	}
	if u.ResultPresent != nil {
		set("result_present", *u.ResultPresent)
	}
	set("updated_at", s.now().Unix())

	query := "UPDATE jobs SET " + strings.Join(sets, ", ") + " WHERE job_id = ?"
	args = append(args, jobID)

	if e.Status != "" {
		query += " AND status = ?"
		args = append(args, string(e.Status))
	}
	if e.ArchiveState != "" {
		query += " AND archive_state = ?"
		args = append(args, string(e.ArchiveState))
	}

	result, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, domain.Transient("update job", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, domain.Transient("update job", err)
	}

	current, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if rows == 0 {
		s.logger.Debug("Conditional update rejected",
			slog.String("job_id", jobID),
			slog.String("expected_status", string(e.Status)),
			slog.String("expected_archive_state", string(e.ArchiveState)),
			slog.String("status", string(current.Status)),
			slog.String("archive_state", string(current.ArchiveState)),
		)
		return nil, fmt.Errorf("update job %s: %w", jobID, domain.ErrConditionFailed)
	}

	s.logger.Debug("Job record updated",
		slog.String("job_id", jobID),
		slog.String("status", string(current.Status)),
		slog.String("archive_state", string(current.ArchiveState)),
	)

	return current, nil
}

// Cursor marks the last row of a page
type Cursor struct {
	SubmitTime int64
	JobID      string
}

// ListFilter narrows ListByUser
type ListFilter struct {
	Status       domain.Status
	ArchiveState domain.ArchiveState
	PageSize     int
	Cursor       *Cursor
}

// ListByUser returns the user's records newest first. It fetches one row
// more than PageSize so callers can tell whether another page exists; a
// zero PageSize lists everything.
func (s *Store) ListByUser(ctx context.Context, userID string, filter ListFilter) ([]domain.JobRecord, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE user_id = ?`
	args := []interface{}{userID}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}

	if filter.ArchiveState != "" {
		query += " AND archive_state = ?"
		args = append(args, string(filter.ArchiveState))
	}

	if filter.Cursor != nil {
		query += " AND (submit_time, job_id) < (?, ?)"
		args = append(args, filter.Cursor.SubmitTime, filter.Cursor.JobID)
	}

	// Order by submit_time DESC, job_id DESC for consistent pagination
	query += " ORDER BY submit_time DESC, job_id DESC"

	if filter.PageSize > 0 {
		query += " LIMIT ?"
		args = append(args, filter.PageSize+1)
	}

	return s.selectRecords(ctx, "list jobs", query, args)
}

// StaleFilter selects records that have not changed since UpdatedBefore
type StaleFilter struct {
	Status        domain.Status
	ArchiveState  domain.ArchiveState
	UpdatedBefore time.Time
	Limit         int
}

// ListStale returns records in the given state whose last update is older
// than the filter's cutoff, oldest first.
func (s *Store) ListStale(ctx context.Context, filter StaleFilter) ([]domain.JobRecord, error) {
	if filter.Status == "" && filter.ArchiveState == "" {
		return nil, fmt.Errorf("list stale jobs: status or archive state is required")
	}

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE updated_at < ?`
	args := []interface{}{filter.UpdatedBefore.Unix()}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.ArchiveState != "" {
		query += " AND archive_state = ?"
		args = append(args, string(filter.ArchiveState))
	}

	query += " ORDER BY updated_at ASC, job_id ASC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	return s.selectRecords(ctx, "list stale jobs", query, args)
}

func (s *Store) selectRecords(ctx context.Context, op, query string, args []interface{}) ([]domain.JobRecord, error) {
	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, domain.Transient(op, err)
	}

	records := make([]domain.JobRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.record())
	}
	return records, nil
}
