// Package keychain stores push identifier session keys.
//
// On macOS keys are kept as generic passwords in the login Keychain with:
//   - Service: "com.alarmd"
//   - Account: the key ID (the push identifier element ID)
//   - Label: "alarmd: <key ID>"
//
// Items are scoped with kSecAttrAccessibleAfterFirstUnlockThisDeviceOnly so
// the daemon can read them after login without user interaction, and they are
// never synced to iCloud. Other platforms use a 0600 file in the alarmd home.
package keychain

import "errors"

// ErrNotFound is returned when no key is stored under an ID.
var ErrNotFound = errors.New("key not found")

// Store is the interface for key storage operations.
type Store interface {
	StoreKey(keyID string, key []byte) error
	GetKey(keyID string) ([]byte, error)
	DeleteKey(keyID string) error
	List() ([]string, error)
}
