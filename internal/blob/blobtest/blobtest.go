// Package blobtest provides in-memory hot and cold storage for tests.
package blobtest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/cuongbtq/gas-pipeline/internal/blob"
	"github.com/cuongbtq/gas-pipeline/internal/domain"
)

// Store is an in-memory blob.ObjectStore
type Store struct {
	mu      sync.Mutex
	objects map[domain.Location][]byte

	// OpenErr, PutErr and DeleteErr, when set, fail the matching operation.
	OpenErr   error
	PutErr    error
	DeleteErr error
}

// NewStore returns an empty Store
func NewStore() *Store {
	return &Store{objects: map[domain.Location][]byte{}}
}

// Set stores data at loc
func (s *Store) Set(loc domain.Location, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[loc] = append([]byte(nil), data...)
}

// Object returns the bytes at loc and whether they exist
func (s *Store) Object(loc domain.Location) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[loc]
	return data, ok
}

// Open returns the object at loc
func (s *Store) Open(_ context.Context, loc domain.Location) (io.ReadCloser, error) {
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	data, ok := s.Object(loc)
	if !ok {
		return nil, domain.Permanent("get object "+loc.String(), domain.ErrObjectNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Put stores body at loc
func (s *Store) Put(_ context.Context, loc domain.Location, body io.ReadSeeker) error {
	if s.PutErr != nil {
		return s.PutErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.Set(loc, data)
	return nil
}

// Delete removes loc
func (s *Store) Delete(_ context.Context, loc domain.Location) error {
	if s.DeleteErr != nil {
		return s.DeleteErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, loc)
	return nil
}

// Vault is an in-memory blob.Vault. Retrievals complete immediately.
type Vault struct {
	mu         sync.Mutex
	next       int
	archives   map[string][]byte
	retrievals map[string]string
	Tiers      []string

	// NoExpedited rejects expedited retrievals for lack of capacity.
	NoExpedited bool

	// ArchiveErr, RetrievalErr and DeleteErr fail the matching operation.
	ArchiveErr   error
	RetrievalErr error
	DeleteErr    error
}

// NewVault returns an empty Vault
func NewVault() *Vault {
	return &Vault{
		archives:   map[string][]byte{},
		retrievals: map[string]string{},
	}
}

// Archive stores body and returns a new archive id
func (v *Vault) Archive(_ context.Context, body io.ReadSeeker, _ string) (string, error) {
	if v.ArchiveErr != nil {
		return "", v.ArchiveErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.next++
	id := fmt.Sprintf("archive-%d", v.next)
	v.archives[id] = data
	return id, nil
}

// InitiateRetrieval records the tier and returns a retrieval job id
func (v *Vault) InitiateRetrieval(_ context.Context, req blob.RetrievalRequest) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.Tiers = append(v.Tiers, req.Tier)

	if v.RetrievalErr != nil {
		return "", v.RetrievalErr
	}
	if v.NoExpedited && req.Tier == blob.TierExpedited {
		return "", domain.Transient("initiate retrieval", domain.ErrInsufficientCapacity)
	}
	if _, ok := v.archives[req.ArchiveID]; !ok {
		return "", domain.Permanent("initiate retrieval", domain.ErrObjectNotFound)
	}

	v.next++
	id := fmt.Sprintf("retrieval-%d", v.next)
	v.retrievals[id] = req.ArchiveID
	return id, nil
}

// RetrievalOutput returns the archived bytes of a retrieval job
func (v *Vault) RetrievalOutput(_ context.Context, retrievalJobID string) (io.ReadCloser, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	archiveID, ok := v.retrievals[retrievalJobID]
	if !ok {
		return nil, domain.Permanent("get retrieval output", domain.ErrObjectNotFound)
	}
	data, ok := v.archives[archiveID]
	if !ok {
		return nil, domain.Permanent("get retrieval output", domain.ErrObjectNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete removes an archive
func (v *Vault) Delete(_ context.Context, archiveID string) error {
	if v.DeleteErr != nil {
		return v.DeleteErr
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.archives, archiveID)
	return nil
}

// Has reports whether archiveID is stored
func (v *Vault) Has(archiveID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.archives[archiveID]
	return ok
}

// Len returns the number of stored archives
func (v *Vault) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.archives)
}
