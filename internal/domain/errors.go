package domain

import "errors"

var (
	// ErrNotFound is returned when a job record does not exist
	ErrNotFound = errors.New("job not found")

	// ErrAlreadyExists is returned when creating a record whose job_id is taken
	ErrAlreadyExists = errors.New("job already exists")

	// ErrConditionFailed is returned when a conditional update lost to a concurrent writer
	ErrConditionFailed = errors.New("job state does not match expected state")

	// ErrInvalidRecord is returned when a record fails validation before creation
	ErrInvalidRecord = errors.New("invalid job record")

	// ErrInvalidTransition is returned for updates that would break the state machine
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrInvalidMessage is returned when a queue message cannot be decoded or lacks fields
	ErrInvalidMessage = errors.New("invalid message")

	// ErrUnsupportedInput is returned when the input file is not a .vcf file
	ErrUnsupportedInput = errors.New("unsupported input file type")

	// ErrObjectNotFound is returned when a storage object or archive does not exist
	ErrObjectNotFound = errors.New("object not found")

	// ErrInsufficientCapacity is returned when a retrieval tier has no capacity left
	ErrInsufficientCapacity = errors.New("retrieval capacity unavailable")
)

// Kind is the closed set of failure classes workers branch on.
type Kind int

const (
	// KindTransient failures leave the message for redelivery.
	KindTransient Kind = iota
	// KindPermanent failures drop the message.
	KindPermanent
	// KindConditionFailed means another worker already performed the step.
	KindConditionFailed
)

func (k Kind) String() string {
	switch k {
	case KindPermanent:
		return "permanent"
	case KindConditionFailed:
		return "condition_failed"
	default:
		return "transient"
	}
}

// Error tags an error with its Kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable failure of op.
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Permanent wraps err as a non-retryable failure of op.
func Permanent(op string, err error) error {
	return &Error{Kind: KindPermanent, Op: op, Err: err}
}

// KindOf classifies err. Unknown errors are transient so the message is retried.
func KindOf(err error) Kind {
	if errors.Is(err, ErrConditionFailed) {
		return KindConditionFailed
	}

	var kindErr *Error
	if errors.As(err, &kindErr) {
		return kindErr.Kind
	}

	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrAlreadyExists),
		errors.Is(err, ErrInvalidRecord),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrInvalidMessage),
		errors.Is(err, ErrUnsupportedInput),
		errors.Is(err, ErrObjectNotFound):
		return KindPermanent
	}

	return KindTransient
}
