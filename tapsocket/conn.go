package tapsocket

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/peterbourgon/tap"
)

// conn records the I/O of the wrapped connection. Every net.Conn method is
// forwarded; only Read, Write, and Close are observed.
type conn struct {
	net.Conn

	sink  tap.Sink
	clock func() time.Time
	max   int

	mtx       sync.Mutex
	trace     *tap.Trace
	readN     int
	writeN    int
	submitted bool
	closeOnce sync.Once
	closeErr  error
}

func newConn(c net.Conn, configID string, sink tap.Sink, clock func() time.Time, max int) *conn {
	tr := tap.NewTrace(configID, clock())
	tr.Socket = &tap.SocketTrace{
		Connection: tap.Connection{
			LocalAddress:  addrString(c.LocalAddr()),
			RemoteAddress: addrString(c.RemoteAddr()),
		},
	}
	return &conn{
		Conn:  c,
		sink:  sink,
		clock: clock,
		max:   max,
		trace: tr,
	}
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

func (c *conn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)

	c.mtx.Lock()
	defer c.mtx.Unlock()

	if !c.submitted && (n > 0 || errors.Is(err, io.EOF)) {
		data, truncated := capture(p[:n], &c.readN, c.max)
		c.trace.Socket.ReadTruncated = c.trace.Socket.ReadTruncated || truncated
		c.trace.Socket.Events = append(c.trace.Socket.Events, tap.SocketEvent{
			Timestamp: c.clock(),
			Type:      tap.SocketEventRead,
			Data:      data,
			EndStream: errors.Is(err, io.EOF),
		})
	}

	return n, err
}

func (c *conn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)

	c.mtx.Lock()
	defer c.mtx.Unlock()

	if !c.submitted && n > 0 {
		data, truncated := capture(p[:n], &c.writeN, c.max)
		c.trace.Socket.WriteTruncated = c.trace.Socket.WriteTruncated || truncated
		c.trace.Socket.Events = append(c.trace.Socket.Events, tap.SocketEvent{
			Timestamp: c.clock(),
			Type:      tap.SocketEventWrite,
			Data:      data,
		})
	}

	return n, err
}

// CloseWrite half-closes the connection, if the underlying connection
// supports it, and records the end of the write stream.
func (c *conn) CloseWrite() error {
	cw, ok := c.Conn.(interface{ CloseWrite() error })
	if !ok {
		return errors.New("connection doesn't support CloseWrite")
	}
	if err := cw.CloseWrite(); err != nil {
		return err
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()
	if !c.submitted {
		c.trace.Socket.Events = append(c.trace.Socket.Events, tap.SocketEvent{
			Timestamp: c.clock(),
			Type:      tap.SocketEventWrite,
			EndStream: true,
		})
	}
	return nil
}

// Close closes the underlying connection, and submits the trace. Only the
// first call has any effect.
func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.Conn.Close()

		c.mtx.Lock()
		c.trace.Socket.Events = append(c.trace.Socket.Events, tap.SocketEvent{
			Timestamp: c.clock(),
			Type:      tap.SocketEventClosed,
		})
		tr := c.trace
		c.submitted = true
		c.mtx.Unlock()

		c.sink.SubmitTrace(tr)
	})
	return c.closeErr
}

// capture returns the prefix of p that fits in the remaining budget, and
// whether any of p was cut.
func capture(p []byte, used *int, max int) ([]byte, bool) {
	room := max - *used
	if room <= 0 {
		return nil, len(p) > 0
	}
	truncated := false
	if len(p) > room {
		p, truncated = p[:room], true
	}
	*used += len(p)
	return append([]byte(nil), p...), truncated
}
