package proxy_test

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bal4/internal/config"
	"bal4/internal/protection"
	"bal4/internal/proxy"
	"bal4/internal/runtimestate"
)

// echoListener starts a TCP server on an ephemeral port that echoes every
// line it reads back to the client, and returns its port plus a stop func.
func echoListener(t *testing.T) (port int, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				reader := bufio.NewReader(c)
				for {
					line, err := reader.ReadString('\n')
					if len(line) > 0 {
						if _, werr := c.Write([]byte(line)); werr != nil {
							return
						}
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	return ln.Addr().(*net.TCPAddr).Port, func() { _ = ln.Close() }
}

func newServer(t *testing.T, backendPort int) *proxy.Server {
	t.Helper()
	tuning := config.AutoTuneProfile(1)
	tuning.MaxConcurrentConnections = 10
	tuning.BackendConnectTimeoutMs = 200
	tuning.ConnectionIdleTimeoutMs = 2000

	cfg := config.Config{
		Port:        0,
		BindAddress: "127.0.0.1",
		Method:      config.MethodRoundRobin,
		Backends:    []config.BackendCfg{{Host: "127.0.0.1", Port: backendPort}},
		Runtime:     &tuning,
	}
	snap := runtimestate.New(cfg)
	mode := protection.New(protection.Params{
		TriggerThreshold:         tuning.ProtectionTriggerThreshold,
		WindowMs:                 tuning.ProtectionWindowMs,
		StableRecoveriesRequired: tuning.ProtectionStableSuccessThresh,
	}, "")
	cell := runtimestate.NewCell(snap, mode)
	return proxy.New(cell)
}

func TestServer_RelaysBytesToBackend(t *testing.T) {
	backendPort, stopBackend := echoListener(t)
	defer stopBackend()

	srv := newServer(t, backendPort)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = srv.Run(ctx) }()
	addr := srv.Addr()

	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hello\n"))
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(buf[:n]))
}

func TestServer_NoBackends_ClosesClientSilently(t *testing.T) {
	srv := newServer(t, 1) // port 1 is never a live backend
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = srv.Run(ctx) }()
	addr := srv.Addr()

	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, readErr := conn.Read(buf)
	assert.Error(t, readErr, "client connection should be closed with no bytes when all backends fail")
}

func TestServer_StopsAcceptingOnContextCancel(t *testing.T) {
	backendPort, stopBackend := echoListener(t)
	defer stopBackend()

	srv := newServer(t, backendPort)
	ctx, cancel := context.WithCancel(context.Background())

	go func() { _ = srv.Run(ctx) }()
	addr := srv.Addr()
	cancel()

	time.Sleep(100 * time.Millisecond)
	_, err := net.DialTimeout("tcp", addr.String(), 500*time.Millisecond)
	assert.Error(t, err, "listener should stop accepting once the context is canceled")
}
