package backend

import (
	"fmt"
	"os"
	"strconv"
)

// ReadyPhrase is the fixed part of the readiness line. Supervisors that only
// see the backend's stdout match on it.
const ReadyPhrase = "up and running on"

// ReadyFDEnv names the inherited file descriptor a supervisor listens on for
// the ready sentinel.
const ReadyFDEnv = "DEVGRID_READY_FD"

// ReadySentinel is written to the ready descriptor once the backend listens.
const ReadySentinel = "ready\n"

// ReadyLine formats the line logged once the backend accepts connections.
func ReadyLine(name, version string, port int) string {
	return fmt.Sprintf("%s %s %s %d", name, version, ReadyPhrase, port)
}

// SignalReady writes the ready sentinel to the descriptor named by
// DEVGRID_READY_FD and closes it. It does nothing when the variable is unset.
func SignalReady() error {
	v := os.Getenv(ReadyFDEnv)
	if v == "" {
		return nil
	}
	fd, err := strconv.Atoi(v)
	if err != nil || fd < 3 {
		return fmt.Errorf("invalid %s=%q", ReadyFDEnv, v)
	}
	f := os.NewFile(uintptr(fd), "devgrid-ready")
	if f == nil {
		return fmt.Errorf("%s=%d is not an open descriptor", ReadyFDEnv, fd)
	}
	defer f.Close()
	if _, err := f.WriteString(ReadySentinel); err != nil {
		return fmt.Errorf("writing ready sentinel: %w", err)
	}
	return nil
}
