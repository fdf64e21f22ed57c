package handler

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/cuongbtq/gas-pipeline/internal/jobstore"
)

// DecodeJobCursor parses the opaque page cursor. An empty string is the first page.
func DecodeJobCursor(cursorStr string) (*jobstore.Cursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.URLEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, err
	}

	submitTime, jobID, ok := strings.Cut(string(decoded), "|")
	if !ok || jobID == "" {
		return nil, fmt.Errorf("invalid cursor format")
	}

	ts, err := strconv.ParseInt(submitTime, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid submit_time in cursor: %w", err)
	}

	return &jobstore.Cursor{SubmitTime: ts, JobID: jobID}, nil
}

// EncodeJobCursor renders cursor as an opaque string
func EncodeJobCursor(cursor *jobstore.Cursor) string {
	cs := fmt.Sprintf("%d|%s", cursor.SubmitTime, cursor.JobID)
	return base64.URLEncoding.EncodeToString([]byte(cs))
}
