//go:build !unix

package daemon

import (
	"errors"
	"fmt"
	"os"
)

// ErrAlreadyRunning is returned when another daemon holds the lock.
var ErrAlreadyRunning = errors.New("another alarmd daemon is already running")

// instanceLock falls back to an exclusively created file. A crashed daemon
// leaves it behind and it must be removed by hand.
type instanceLock struct {
	path string
}

func acquireLock(path string) (*instanceLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("creating lock file: %w", err)
	}
	f.Close()
	return &instanceLock{path: path}, nil
}

// Release removes the lock file.
func (l *instanceLock) Release() error {
	return os.Remove(l.path)
}
