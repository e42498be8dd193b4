package main

import (
	"os"
	"path/filepath"
)

// alarmdHome returns the path to the alarmd home directory (~/.alarmd).
func alarmdHome() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".alarmd"), nil
}

// homePath joins name onto the alarmd home directory, falling back to the
// temp directory when the home directory is unknown.
func homePath(name string) string {
	dir, err := alarmdHome()
	if err != nil {
		return filepath.Join(os.TempDir(), "alarmd-"+name)
	}
	return filepath.Join(dir, name)
}

func defaultSocketPath() string   { return homePath("alarmd.sock") }
func defaultAuditPath() string    { return homePath("audit.log") }
func defaultMetadataPath() string { return homePath("key-metadata.json") }
