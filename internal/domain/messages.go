package domain

import (
	"encoding/json"
	"fmt"
)

// SubmissionMessage is published by the submission path for every new job.
type SubmissionMessage struct {
	JobID         string `json:"job_id"`
	UserID        string `json:"user_id"`
	InputFileName string `json:"input_file_name"`
	InputsBucket  string `json:"s3_inputs_bucket"`
	InputKey      string `json:"s3_key_input_file"`
	SubmitTime    int64  `json:"submit_time"`
}

// Validate checks that every required field is present.
func (m *SubmissionMessage) Validate() error {
	missing := ""
	switch {
	case m.JobID == "":
		missing = "job_id"
	case m.UserID == "":
		missing = "user_id"
	case m.InputFileName == "":
		missing = "input_file_name"
	case m.InputsBucket == "":
		missing = "s3_inputs_bucket"
	case m.InputKey == "":
		missing = "s3_key_input_file"
	}
	if missing != "" {
		return fmt.Errorf("%w: missing %s", ErrInvalidMessage, missing)
	}
	return nil
}

// ResultMessage announces that a job's results are ready for the user.
type ResultMessage struct {
	JobID         string `json:"job_id"`
	UserID        string `json:"user_id"`
	ResultsBucket string `json:"s3_results_bucket"`
	ResultKey     string `json:"s3_key_result_file"`
	LogKey        string `json:"s3_key_log_file"`
	CompleteTime  int64  `json:"complete_time"`
}

// ArchiveMessage makes a completed job eligible for archival at ArchiveAfter.
type ArchiveMessage struct {
	JobID        string `json:"job_id"`
	ArchiveAfter int64  `json:"archive_after"`
}

// Validate checks that every required field is present.
func (m *ArchiveMessage) Validate() error {
	if m.JobID == "" || m.ArchiveAfter <= 0 {
		return fmt.Errorf("%w: job_id and archive_after are required", ErrInvalidMessage)
	}
	return nil
}

// RestoreMessage is emitted when a user's entitlement is upgraded.
type RestoreMessage struct {
	UserID string `json:"user_id"`
}

// Validate checks that every required field is present.
func (m *RestoreMessage) Validate() error {
	if m.UserID == "" {
		return fmt.Errorf("%w: missing user_id", ErrInvalidMessage)
	}
	return nil
}

// RetrievalDescription is round-tripped through the cold storage retrieval
// job's description, since the completion notification carries nothing else.
type RetrievalDescription struct {
	JobID     string `json:"job_id"`
	ResultKey string `json:"result_key"`
	ArchiveID string `json:"archive_id,omitempty"`
}

// Encode renders the description as compact JSON.
func (d RetrievalDescription) Encode() (string, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("failed to encode retrieval description: %w", err)
	}
	return string(b), nil
}

// ThawMessage signals that a cold storage retrieval job finished.
// Both the pipeline's own field names and the archive service's
// notification names are accepted.
type ThawMessage struct {
	RetrievalJobID string
	Description    RetrievalDescription
	ArchiveID      string
}

// UnmarshalJSON decodes either notification shape.
func (m *ThawMessage) UnmarshalJSON(data []byte) error {
	var raw struct {
		RetrievalJobID string `json:"retrieval_job_id"`
		Description    string `json:"description"`
		JobID          string `json:"JobId"`
		JobDescription string `json:"JobDescription"`
		ArchiveID      string `json:"ArchiveId"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	m.RetrievalJobID = raw.RetrievalJobID
	if m.RetrievalJobID == "" {
		m.RetrievalJobID = raw.JobID
	}
	description := raw.Description
	if description == "" {
		description = raw.JobDescription
	}
	m.ArchiveID = raw.ArchiveID

	if description != "" {
		if err := json.Unmarshal([]byte(description), &m.Description); err != nil {
			return fmt.Errorf("%w: retrieval description: %v", ErrInvalidMessage, err)
		}
	}
	if m.Description.ArchiveID == "" {
		m.Description.ArchiveID = raw.ArchiveID
	}
	return nil
}

// Validate checks that every required field is present.
func (m *ThawMessage) Validate() error {
	if m.RetrievalJobID == "" || m.Description.JobID == "" {
		return fmt.Errorf("%w: retrieval_job_id and description.job_id are required", ErrInvalidMessage)
	}
	return nil
}
