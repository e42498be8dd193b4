//go:build darwin

package keychain

import (
	"errors"
	"fmt"

	gokeychain "github.com/keybase/go-keychain"
)

const (
	// ServiceName is the Keychain service attribute for all alarmd keys.
	ServiceName = "com.alarmd"
)

// SystemStore keeps keys in the macOS Keychain.
type SystemStore struct {
	service string
}

// NewSystemStore creates a new Keychain-backed key store.
func NewSystemStore() *SystemStore {
	return &SystemStore{service: ServiceName}
}

// Open returns the Keychain store. dir is unused on macOS.
func Open(dir string) Store {
	return NewSystemStore()
}

// StoreKey stores a key in the Keychain, replacing any existing item.
func (s *SystemStore) StoreKey(keyID string, key []byte) error {
	// update = delete + add
	_ = s.DeleteKey(keyID)

	item := gokeychain.NewGenericPassword(
		s.service,
		keyID,
		fmt.Sprintf("alarmd: %s", keyID),
		key,
		"",
	)
	item.SetSynchronizable(gokeychain.SynchronizableNo)
	item.SetAccessible(gokeychain.AccessibleAfterFirstUnlockThisDeviceOnly)

	if err := gokeychain.AddItem(item); err != nil {
		return fmt.Errorf("keychain add %q: %w", keyID, err)
	}
	return nil
}

// GetKey retrieves a key from the Keychain.
func (s *SystemStore) GetKey(keyID string) ([]byte, error) {
	data, err := gokeychain.GetGenericPassword(s.service, keyID, "", "")
	if err != nil {
		if errors.Is(err, gokeychain.ErrorItemNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, keyID)
		}
		return nil, fmt.Errorf("keychain get %q: %w", keyID, err)
	}
	// go-keychain reports a missing item as (nil, nil)
	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, keyID)
	}
	return data, nil
}

// List returns all key IDs stored by alarmd.
func (s *SystemStore) List() ([]string, error) {
	accounts, err := gokeychain.GetGenericPasswordAccounts(s.service)
	if err != nil {
		if errors.Is(err, gokeychain.ErrorItemNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("keychain list: %w", err)
	}
	return accounts, nil
}

// DeleteKey removes a key from the Keychain.
func (s *SystemStore) DeleteKey(keyID string) error {
	err := gokeychain.DeleteGenericPasswordItem(s.service, keyID)
	if err != nil && !errors.Is(err, gokeychain.ErrorItemNotFound) {
		return fmt.Errorf("keychain delete %q: %w", keyID, err)
	}
	return nil
}
