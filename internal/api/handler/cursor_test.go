package handler

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/gas-pipeline/internal/jobstore"
)

func TestJobCursor(t *testing.T) {
	cursor := &jobstore.Cursor{SubmitTime: 1_700_000_000, JobID: "4b0f3c52-9a5e-4f5b-8d43-3f1c2f7f9a10"}

	decoded, err := DecodeJobCursor(EncodeJobCursor(cursor))
	require.NoError(t, err)
	assert.Equal(t, cursor, decoded)

	empty, err := DecodeJobCursor("")
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestDecodeJobCursor_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		cursor string
	}{
		{name: "not base64", cursor: "%%%"},
		{name: "missing separator", cursor: base64.URLEncoding.EncodeToString([]byte("1700000000"))},
		{name: "missing job id", cursor: base64.URLEncoding.EncodeToString([]byte("1700000000|"))},
		{name: "bad submit time", cursor: base64.URLEncoding.EncodeToString([]byte("yesterday|job-1"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeJobCursor(tt.cursor)
			assert.Error(t, err)
		})
	}
}
