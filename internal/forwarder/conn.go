package forwarder

import (
	"net"
	"sync/atomic"
)

// countingConn tracks bytes written through it.
type countingConn struct {
	net.Conn
	bytesOut atomic.Uint64
}

func (c *countingConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	c.bytesOut.Add(uint64(n))
	return n, err
}
