package domain

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// Location addresses an object in hot storage.
type Location struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// IsZero reports whether the location is unset.
func (l Location) IsZero() bool {
	return l.Bucket == "" && l.Key == ""
}

func (l Location) String() string {
	return l.Bucket + "/" + l.Key
}

// JobRecord is the shared record every worker transitions through the store.
type JobRecord struct {
	JobID         string       `json:"job_id"`
	UserID        string       `json:"user_id"`
	Status        Status       `json:"status"`
	InputFileName string       `json:"input_file_name"`
	Input         Location     `json:"input"`
	SubmitTime    int64        `json:"submit_time"`
	CompleteTime  int64        `json:"complete_time,omitempty"`
	Result        Location     `json:"result,omitempty"`
	Log           Location     `json:"log,omitempty"`
	ArchiveState  ArchiveState `json:"archive_state"`
	ArchiveHandle string       `json:"archive_handle,omitempty"`
	ResultPresent bool         `json:"result_present"`
	UpdatedAt     int64        `json:"updated_at"`
}

// Validate checks a record before its initial creation.
func (r *JobRecord) Validate() error {
	if r.JobID == "" || r.UserID == "" {
		return fmt.Errorf("%w: job_id and user_id are required", ErrInvalidRecord)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidRecord, r.Status)
	}
	if r.ArchiveState == "" {
		r.ArchiveState = ArchiveNone
	}
	if !r.ArchiveState.Valid() {
		return fmt.Errorf("%w: unknown archive state %q", ErrInvalidRecord, r.ArchiveState)
	}
	if r.ArchiveState.ResultInColdStorage() && r.ResultPresent {
		return fmt.Errorf("%w: result cannot be present while %s", ErrInvalidRecord, r.ArchiveState)
	}
	return nil
}

// Update lists the fields a conditional update sets. Nil fields are left as is.
type Update struct {
	Status        *Status
	Result        *Location
	Log           *Location
	CompleteTime  *int64
	ArchiveState  *ArchiveState
	ArchiveHandle *string
	ResultPresent *bool
}

// Expect is the guard of a conditional update. Empty fields are not checked.
type Expect struct {
	Status       Status
	ArchiveState ArchiveState
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

// ValidateUpdate rejects updates that would break the record invariants
// regardless of what is stored.
func ValidateUpdate(u Update, e Expect) error {
	if e.Status == "" && e.ArchiveState == "" {
		return fmt.Errorf("%w: conditional update needs an expected state", ErrInvalidTransition)
	}

	if u.Status != nil {
		if e.Status == "" || !e.Status.CanTransitionTo(*u.Status) {
			return fmt.Errorf("%w: status %s -> %s", ErrInvalidTransition, e.Status, *u.Status)
		}
	}

	if u.ArchiveState != nil {
		next := *u.ArchiveState
		switch {
		case e.ArchiveState != "":
			if !e.ArchiveState.CanTransitionTo(next) {
				return fmt.Errorf("%w: archive state %s -> %s", ErrInvalidTransition, e.ArchiveState, next)
			}
			if e.Status != "" && e.Status != StatusCompleted {
				return fmt.Errorf("%w: archive state changes need a COMPLETED job", ErrInvalidTransition)
			}
		case u.Status != nil && *u.Status == StatusCompleted:
			// The completion step opens the archive dimension.
			if next != ArchiveRequested && next != ArchiveNone {
				return fmt.Errorf("%w: completed job cannot start in %s", ErrInvalidTransition, next)
			}
		default:
			return fmt.Errorf("%w: archive state change without expected archive state", ErrInvalidTransition)
		}

		if u.ResultPresent == nil || *u.ResultPresent == next.ResultInColdStorage() {
			return fmt.Errorf("%w: result_present must be %t in %s", ErrInvalidTransition, !next.ResultInColdStorage(), next)
		}
	} else if u.ResultPresent != nil {
		return fmt.Errorf("%w: result_present only changes with the archive state", ErrInvalidTransition)
	}

	return nil
}

// HasInputExtension reports whether name carries the accepted input extension.
func HasInputExtension(name string) bool {
	return filepath.Ext(name) == InputExtension
}

// InputKey is the hot storage key of an uploaded input file.
func InputKey(prefix, userID, jobID, fileName string) string {
	return path.Join(prefix, userID, jobID+"~"+fileName)
}

// StagedInputPath is where the dispatch step places the input locally.
func StagedInputPath(workDir, userID, jobID, fileName string) string {
	return filepath.Join(workDir, userID, jobID, jobID+"~"+fileName)
}

// Artifacts names the two files the annotation tool writes next to its input.
type Artifacts struct {
	Annotated string
	Log       string
}

// ArtifactNames returns the output file names for the job's input file.
func ArtifactNames(jobID, fileName string) Artifacts {
	base := jobID + "~" + strings.TrimSuffix(fileName, InputExtension)
	return Artifacts{
		Annotated: base + ".annot" + InputExtension,
		Log:       base + InputExtension + ".count.log",
	}
}

// ResultKeys returns the hot storage keys of the job's artifacts.
func ResultKeys(prefix, userID, jobID, fileName string) Artifacts {
	names := ArtifactNames(jobID, fileName)
	return Artifacts{
		Annotated: path.Join(prefix, userID, names.Annotated),
		Log:       path.Join(prefix, userID, names.Log),
	}
}
