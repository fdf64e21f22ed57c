package dto

type ListJobsRequest struct {
	UserID       string `form:"user_id" binding:"required"`
	Status       string `form:"status"`
	ArchiveState string `form:"archive_state"`
	PageSize     int    `form:"page_size"`
	Cursor       string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type LocationDTO struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

type JobDTO struct {
	JobID         string       `json:"job_id"`
	UserID        string       `json:"user_id"`
	Status        string       `json:"status"`
	InputFileName string       `json:"input_file_name"`
	Input         LocationDTO  `json:"input"`
	SubmitTime    string       `json:"submit_time"`
	CompleteTime  string       `json:"complete_time,omitempty"`
	Result        *LocationDTO `json:"result,omitempty"`
	Log           *LocationDTO `json:"log,omitempty"`
	ArchiveState  string       `json:"archive_state"`
	ResultPresent bool         `json:"result_present"`
	UpdatedAt     string       `json:"updated_at"`
}

type RestoreResponse struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
}
