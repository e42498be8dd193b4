//go:build !darwin

package keychain

import "path/filepath"

// Open returns a FileStore in dir. The macOS Keychain is not available
// outside of macOS.
func Open(dir string) Store {
	return NewFileStore(filepath.Join(dir, "keys.json"))
}
