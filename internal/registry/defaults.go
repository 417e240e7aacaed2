package registry

import (
	"os"
	"path/filepath"
)

// DefaultPort matches the daemon's default listen port.
const DefaultPort = 8765

// DefaultDir is where profiles live unless the caller picks a directory.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".termlink", "connections")
	}
	return filepath.Join(home, ".config", "termlink", "connections")
}
