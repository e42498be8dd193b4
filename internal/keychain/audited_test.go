package keychain

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/benaskins/alarmd/internal/audit"
)

func setupAuditedStore(t *testing.T) (*AuditedStore, string) {
	t.Helper()
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit.log")
	metaPath := filepath.Join(dir, "key-metadata.json")

	auditLog, err := audit.NewLogger(auditPath)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	t.Cleanup(func() { auditLog.Close() })

	meta, err := NewMetadataStore(metaPath)
	if err != nil {
		t.Fatalf("NewMetadataStore: %v", err)
	}

	store := NewAuditedStore(NewMemoryStore(), auditLog, meta, "cli")
	return store, auditPath
}

func readAuditEntries(t *testing.T, path string) []audit.Entry {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	entries := make([]audit.Entry, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		var e audit.Entry
		json.Unmarshal([]byte(line), &e)
		entries = append(entries, e)
	}
	return entries
}

func TestAuditedStoreKeyLogsWrite(t *testing.T) {
	store, auditPath := setupAuditedStore(t)

	store.StoreKey("elementId", []byte("key"))

	entries := readAuditEntries(t, auditPath)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Action != audit.ActionKeyWrite {
		t.Errorf("expected key_write, got %v", entries[0].Action)
	}
	if entries[0].Key != "elementId" {
		t.Errorf("expected elementId, got %q", entries[0].Key)
	}
	if entries[0].Actor != "cli" {
		t.Errorf("expected cli, got %q", entries[0].Actor)
	}
}

func TestAuditedGetKeyLogsRead(t *testing.T) {
	store, auditPath := setupAuditedStore(t)

	store.StoreKey("elementId", []byte("key"))
	store.GetKey("elementId")

	entries := readAuditEntries(t, auditPath)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[1].Action != audit.ActionKeyRead {
		t.Errorf("expected key_read, got %v", entries[1].Action)
	}
}

func TestAuditedGetKeyMissingDoesNotLogRead(t *testing.T) {
	store, auditPath := setupAuditedStore(t)

	store.StoreKey("present", []byte("key"))
	_, err := store.GetKey("absent")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound through wrapper, got %v", err)
	}

	entries := readAuditEntries(t, auditPath)
	if len(entries) != 1 {
		t.Errorf("expected only the write entry, got %d", len(entries))
	}
}

func TestAuditedDeleteKeyLogsDelete(t *testing.T) {
	store, auditPath := setupAuditedStore(t)

	store.StoreKey("elementId", []byte("key"))
	store.DeleteKey("elementId")

	entries := readAuditEntries(t, auditPath)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[1].Action != audit.ActionKeyDelete {
		t.Errorf("expected key_delete, got %v", entries[1].Action)
	}
	if meta := store.Metadata().Get("elementId"); meta != nil {
		t.Errorf("expected metadata to be removed, got %+v", meta)
	}
}

func TestAuditedStoreKeyTracksMetadata(t *testing.T) {
	store, _ := setupAuditedStore(t)

	store.StoreKey("elementId", []byte("first"))
	first := store.Metadata().Get("elementId")
	if first == nil {
		t.Fatal("expected metadata after store")
	}

	store.StoreKey("elementId", []byte("second"))
	second := store.Metadata().Get("elementId")
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("CreatedAt changed on overwrite: %v -> %v", first.CreatedAt, second.CreatedAt)
	}
	if second.UpdatedAt.Before(first.UpdatedAt) {
		t.Errorf("UpdatedAt went backwards: %v -> %v", first.UpdatedAt, second.UpdatedAt)
	}
}

func TestMetadataStorePersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.json")

	ms1, _ := NewMetadataStore(path)
	ms1.Touch("key1", mustTime(t, "2026-03-01T10:00:00Z"))

	ms2, _ := NewMetadataStore(path)
	meta := ms2.Get("key1")
	if meta == nil {
		t.Fatal("expected metadata after reload")
	}
	if !meta.CreatedAt.Equal(mustTime(t, "2026-03-01T10:00:00Z")) {
		t.Errorf("unexpected CreatedAt %v", meta.CreatedAt)
	}
}
