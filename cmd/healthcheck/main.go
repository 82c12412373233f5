// Command healthcheck is a minimal standalone TCP connectivity probe,
// grounded on the original daemon's test_backend_connection: it attempts a
// raw TCP connect to a backend address and exits 0 on success, 1 otherwise.
// Useful as a Docker HEALTHCHECK CMD against a single backend, or as a
// pre-flight check before pointing bal4 at a new backend list.
//
// Usage:
//
//	healthcheck <host:port> [timeout]
//
// timeout is a Go duration string (default "1s").
//
// Example (in Dockerfile):
//
//	HEALTHCHECK CMD ["/bin/healthcheck", "backend:9000"]
package main

import (
	"fmt"
	"net"
	"os"
	"time"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: healthcheck <host:port> [timeout]")
		os.Exit(1)
	}

	addr := os.Args[1]
	timeout := time.Second
	if len(os.Args) > 2 {
		d, err := time.ParseDuration(os.Args[2])
		if err != nil {
			fmt.Fprintf(os.Stderr, "healthcheck: invalid timeout %q: %v\n", os.Args[2], err)
			os.Exit(1)
		}
		timeout = d
	}

	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "healthcheck: %v\n", err)
		os.Exit(1)
	}
	_ = conn.Close()

	os.Exit(0)
}
