package domain

// Status is the execution state of an annotation job.
type Status string

// Job status constants
const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusError     Status = "ERROR"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusError:
		return true
	}
	return false
}

// Terminal reports whether no further status transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// CanTransitionTo reports whether next directly follows s.
// Status only advances PENDING -> RUNNING -> {COMPLETED, ERROR}.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning
	case StatusRunning:
		return next == StatusCompleted || next == StatusError
	}
	return false
}

// ArchiveState tracks where the result object of a completed job lives.
type ArchiveState string

// Archive state constants
const (
	ArchiveNone             ArchiveState = "NONE"
	ArchiveRequested        ArchiveState = "ARCHIVE_REQUESTED"
	ArchiveArchived         ArchiveState = "ARCHIVED"
	ArchiveRestoreRequested ArchiveState = "RESTORE_REQUESTED"
)

// Valid reports whether a is a known archive state.
func (a ArchiveState) Valid() bool {
	switch a {
	case ArchiveNone, ArchiveRequested, ArchiveArchived, ArchiveRestoreRequested:
		return true
	}
	return false
}

// CanTransitionTo reports whether next directly follows a.
// ARCHIVE_REQUESTED -> NONE is the cancellation taken when the owner
// became premium before the retention window elapsed.
func (a ArchiveState) CanTransitionTo(next ArchiveState) bool {
	switch a {
	case ArchiveNone:
		return next == ArchiveRequested
	case ArchiveRequested:
		return next == ArchiveArchived || next == ArchiveNone
	case ArchiveArchived:
		return next == ArchiveRestoreRequested
	case ArchiveRestoreRequested:
		return next == ArchiveNone
	}
	return false
}

// ResultInColdStorage reports whether the result object is absent from hot
// storage while in state a.
func (a ArchiveState) ResultInColdStorage() bool {
	return a == ArchiveArchived || a == ArchiveRestoreRequested
}

// InputExtension is the only accepted input file extension.
const InputExtension = ".vcf"
