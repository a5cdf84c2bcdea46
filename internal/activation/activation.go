// Package activation detects systemd socket activation so the admin HTTP
// server can inherit its listener from the service manager instead of
// binding the configured address itself.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// Systemd passes inherited file descriptors starting at fd 3
// (0=stdin, 1=stdout, 2=stderr).
const firstFD = 3

// Listener returns the systemd-activated listener for this process, or nil
// when no socket activation is in effect. dirsyncd serves one admin socket,
// so more than one activated fd is a configuration error.
func Listener() (net.Listener, error) {
	numFDs, err := activatedFDs()
	if err != nil || numFDs == 0 {
		return nil, err
	}
	if numFDs > 1 {
		return nil, fmt.Errorf("expected at most one activated socket, got %d", numFDs)
	}

	file := os.NewFile(uintptr(firstFD), "systemd-socket")
	if file == nil {
		return nil, fmt.Errorf("failed to open activated fd %d", firstFD)
	}
	defer func() {
		_ = file.Close()
	}() // the listener duplicates the descriptor

	listener, err := net.FileListener(file)
	if err != nil {
		return nil, fmt.Errorf("failed to create listener from fd %d: %w", firstFD, err)
	}

	// Unset the environment variables so child processes don't inherit them.
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	return listener, nil
}

// activatedFDs reports how many descriptors systemd handed to this process.
// Returns 0 when activation is absent or addressed to a different pid.
func activatedFDs() (int, error) {
	pidStr := os.Getenv("LISTEN_PID")
	if pidStr == "" {
		return 0, nil
	}

	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if pid != os.Getpid() {
		// Socket activation is for a different process
		return 0, nil
	}

	fdsStr := os.Getenv("LISTEN_FDS")
	if fdsStr == "" {
		return 0, nil
	}

	numFDs, err := strconv.Atoi(fdsStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if numFDs < 0 {
		return 0, nil
	}

	return numFDs, nil
}
