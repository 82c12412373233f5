package proxy

import (
	"net"
	"time"
)

// idleConn wraps a net.Conn so every Read/Write pushes the connection's
// deadline forward by idle, implementing the "overall idle deadline" from
// spec §4.3: the relay is closed if idle elapses with no traffic in either
// direction, not on a fixed total-lifetime clock.
type idleConn struct {
	net.Conn
	idle time.Duration
}

func newIdleConn(c net.Conn, idle time.Duration) *idleConn {
	ic := &idleConn{Conn: c, idle: idle}
	ic.bump()
	return ic
}

func (c *idleConn) bump() {
	if c.idle > 0 {
		_ = c.Conn.SetDeadline(time.Now().Add(c.idle))
	}
}

func (c *idleConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	c.bump()
	return n, err
}

func (c *idleConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	c.bump()
	return n, err
}
