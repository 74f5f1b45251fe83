package net

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"time"
)

const probeTimeout = 250 * time.Millisecond

// TempSocketPath returns a socket path inside a fresh temp dir.
// The caller owns the dir and should remove it when done.
func TempSocketPath(name string) (string, error) {
	dir, err := os.MkdirTemp("", "enginehost")
	if err != nil {
		return "", fmt.Errorf("creating socket dir: %w", err)
	}
	return filepath.Join(dir, name+".sock"), nil
}

// IsBound reports whether a live stream listener currently accepts connections at the socket path.
func IsBound(path string) bool {
	return isBound("unix", path)
}

func isBound(network, path string) bool {
	conn, err := net.DialTimeout(network, path, probeTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// RemoveStale removes a socket file left behind by a process that no longer listens on it.
// network is the socket type the path is bound with, "unix" or "unixpacket".
// It returns true if a file was removed.
func RemoveStale(network, path string) (bool, error) {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %q: %w", path, err)
	}
	if info.Mode()&fs.ModeSocket == 0 {
		return false, fmt.Errorf("%q exists and is not a socket", path)
	}
	if isBound(network, path) {
		return false, nil
	}
	if err := os.Remove(path); err != nil {
		return false, fmt.Errorf("removing stale socket %q: %w", path, err)
	}
	return true, nil
}
