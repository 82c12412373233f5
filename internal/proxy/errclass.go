package proxy

import (
	"errors"
	"net"

	"golang.org/x/sys/unix"

	"bal4/internal/backend"
)

// classifyError implements the error classification table from spec §4.3:
// TimedOut -> Timeout; ConnectionRefused (61 on BSD, 111 on Linux, handled
// portably via golang.org/x/sys/unix's per-GOOS ECONNREFUSED) -> ConnectionRefused;
// everything else -> Other. Only Timeout and ConnectionRefused feed the
// protection-mode storm counter.
func classifyError(err error) backend.ErrorKind {
	if err == nil {
		return backend.ErrorOther
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return backend.ErrorTimeout
	}
	if errors.Is(err, unix.ECONNREFUSED) {
		return backend.ErrorConnectionRefused
	}
	return backend.ErrorOther
}
