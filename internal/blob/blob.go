// Package blob moves result bytes between hot object storage and the cold
// archive vault.
package blob

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cuongbtq/gas-pipeline/internal/domain"
)

// ObjectStore is hot storage
type ObjectStore interface {
	Open(ctx context.Context, loc domain.Location) (io.ReadCloser, error)
	Put(ctx context.Context, loc domain.Location, body io.ReadSeeker) error
	Delete(ctx context.Context, loc domain.Location) error
}

// Retrieval tiers, fastest first
const (
	TierExpedited = "Expedited"
	TierStandard  = "Standard"
	TierBulk      = "Bulk"
)

// RetrievalRequest starts a job that makes an archive readable again
type RetrievalRequest struct {
	ArchiveID   string
	Description string
	Tier        string
	SNSTopic    string
}

// Vault is cold storage. Archives are addressed by the handle Archive returns.
type Vault interface {
	Archive(ctx context.Context, body io.ReadSeeker, description string) (string, error)
	InitiateRetrieval(ctx context.Context, req RetrievalRequest) (string, error)
	RetrievalOutput(ctx context.Context, retrievalJobID string) (io.ReadCloser, error)
	Delete(ctx context.Context, archiveID string) error
}

// ReadAll reads the whole object at loc
func ReadAll(ctx context.Context, store ObjectStore, loc domain.Location) ([]byte, error) {
	body, err := store.Open(ctx, loc)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, domain.Transient("read object "+loc.String(), err)
	}
	return data, nil
}

// DownloadFile copies the object at loc to path, creating parent directories
func DownloadFile(ctx context.Context, store ObjectStore, loc domain.Location, path string) error {
	body, err := store.Open(ctx, loc)
	if err != nil {
		return err
	}
	defer body.Close()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		return domain.Transient("download "+loc.String(), err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// UploadFile copies the file at path to loc
func UploadFile(ctx context.Context, store ObjectStore, path string, loc domain.Location) error {
	f, err := os.Open(path)
	if err != nil {
		return domain.Permanent("upload "+loc.String(), err)
	}
	defer f.Close()

	return store.Put(ctx, loc, f)
}
