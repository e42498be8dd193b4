package keychain

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/benaskins/alarmd/internal/audit"
)

// KeyMetadata tracks when a key was first stored and last replaced.
type KeyMetadata struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// MetadataStore persists key metadata to a JSON file.
type MetadataStore struct {
	mu       sync.RWMutex
	path     string
	metadata map[string]*KeyMetadata
}

// NewMetadataStore loads or creates a metadata file.
func NewMetadataStore(path string) (*MetadataStore, error) {
	ms := &MetadataStore{
		path:     path,
		metadata: make(map[string]*KeyMetadata),
	}

	data, err := os.ReadFile(path)
	if err == nil {
		if jsonErr := json.Unmarshal(data, &ms.metadata); jsonErr != nil {
			slog.Warn("corrupt key metadata file, starting fresh", "path", path, "error", jsonErr)
		}
	}

	return ms, nil
}

// Get returns a copy of the metadata for a key, or nil if not tracked.
func (ms *MetadataStore) Get(keyID string) *KeyMetadata {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	m, ok := ms.metadata[keyID]
	if !ok {
		return nil
	}
	cp := *m
	return &cp
}

// Touch records a write of keyID and persists to disk.
func (ms *MetadataStore) Touch(keyID string, now time.Time) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	m, ok := ms.metadata[keyID]
	if !ok {
		m = &KeyMetadata{CreatedAt: now}
		ms.metadata[keyID] = m
	}
	m.UpdatedAt = now
	return ms.save()
}

// Delete removes metadata for a key.
func (ms *MetadataStore) Delete(keyID string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if _, ok := ms.metadata[keyID]; !ok {
		return nil
	}
	delete(ms.metadata, keyID)
	return ms.save()
}

func (ms *MetadataStore) save() error {
	data, err := json.MarshalIndent(ms.metadata, "", "  ")
	if err != nil {
		return err
	}
	tmpPath := ms.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmpPath, ms.path)
}

// AuditedStore wraps a Store and adds audit logging and metadata tracking.
type AuditedStore struct {
	inner    Store
	audit    *audit.Logger
	metadata *MetadataStore
	actor    string // "cli" or "daemon"
}

// NewAuditedStore wraps an existing store with audit logging.
func NewAuditedStore(inner Store, auditLog *audit.Logger, metadata *MetadataStore, actor string) *AuditedStore {
	return &AuditedStore{
		inner:    inner,
		audit:    auditLog,
		metadata: metadata,
		actor:    actor,
	}
}

func (s *AuditedStore) StoreKey(keyID string, key []byte) error {
	if err := s.inner.StoreKey(keyID, key); err != nil {
		s.audit.Log(audit.Entry{Action: audit.ActionKeyWrite, Key: keyID, Actor: s.actor, Error: err.Error()})
		return fmt.Errorf("audited store key: %w", err)
	}

	// Audit logging is best-effort.
	s.audit.Log(audit.Entry{Action: audit.ActionKeyWrite, Key: keyID, Actor: s.actor})

	if err := s.metadata.Touch(keyID, time.Now().UTC()); err != nil {
		return fmt.Errorf("saving key metadata: %w", err)
	}
	return nil
}

func (s *AuditedStore) GetKey(keyID string) ([]byte, error) {
	key, err := s.inner.GetKey(keyID)
	if err != nil {
		return nil, fmt.Errorf("audited get key: %w", err)
	}

	s.audit.Log(audit.Entry{Action: audit.ActionKeyRead, Key: keyID, Actor: s.actor})
	return key, nil
}

func (s *AuditedStore) List() ([]string, error) {
	return s.inner.List()
}

func (s *AuditedStore) DeleteKey(keyID string) error {
	if err := s.inner.DeleteKey(keyID); err != nil {
		return fmt.Errorf("audited delete key: %w", err)
	}

	s.audit.Log(audit.Entry{Action: audit.ActionKeyDelete, Key: keyID, Actor: s.actor})

	if err := s.metadata.Delete(keyID); err != nil {
		return fmt.Errorf("deleting key metadata: %w", err)
	}
	return nil
}

// Metadata returns the metadata store for direct access.
func (s *AuditedStore) Metadata() *MetadataStore {
	return s.metadata
}
