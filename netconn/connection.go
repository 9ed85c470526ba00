package netconn

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

var nextID atomic.Uint64

// EventKind tags an Event emitted on a Connection's event channel.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventProgress
)

// Event mirrors the connected/disconnected/data-read notifications
// spec.md §9 says map cleanly onto channel sends.
type Event struct {
	Kind       EventKind
	Reason     string
	BytesSoFar int
	Total      int
}

// Connection is a single TCP socket wrapped with a connect-state machine,
// an inactivity watchdog, and byte-level read/write with disconnect on
// error. It is the raw, byte-pipe flavor spec.md §2 describes; msgconn
// layers frame I/O on top of it.
type Connection struct {
	id        uint64
	remote    string
	direction Direction
	path      Path
	opts      Options
	logger    *slog.Logger

	mu    sync.Mutex
	state State
	conn  net.Conn

	writeMu sync.Mutex

	watchdogStop    chan struct{}
	inactivityTimer *time.Timer

	events chan Event
	closed chan struct{}
}

// NewConnection prepares a Connection in the Pending state. Call
// ConnectAsync to dial, or adopt an already-open socket via FromAccepted.
func NewConnection(remote string, direction Direction, path Path, opts Options, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		id:        nextID.Add(1),
		remote:    remote,
		direction: direction,
		path:      path,
		opts:      opts.withDefaults(),
		logger:    logger,
		state:     Pending,
		events:    make(chan Event, 32),
		closed:    make(chan struct{}),
	}
}

// FromAccepted wraps an already-open socket — an inbound accept, or a
// direct-path socket handed off by the caller that dialed it. Timers start
// immediately and Connecting is skipped, per spec.md §4.2.
func FromAccepted(remote string, direction Direction, path Path, opts Options, logger *slog.Logger, conn net.Conn) *Connection {
	c := NewConnection(remote, direction, path, opts, logger)
	c.adopt(conn)
	return c
}

func (c *Connection) ID() uint64          { return c.id }
func (c *Connection) Remote() string      { return c.remote }
func (c *Connection) Direction() Direction { return c.direction }
func (c *Connection) Path() Path          { return c.path }

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) Events() <-chan Event { return c.events }

// Done returns a channel that is closed exactly once, the moment Disconnect
// takes effect — independent of the buffered Events() stream, so a caller
// that only needs to know "is this connection dead yet" (PCM's
// watchForDeath) can't miss it behind a backlog of EventProgress sends the
// way a subscriber on Events() can (emit drops events, never blocks, when
// its subscriber falls behind).
func (c *Connection) Done() <-chan struct{} { return c.closed }

// ConnectAsync dials Remote, racing the configured connect timeout and the
// caller's context against the OS dial. Legal only from Pending or
// Disconnected.
func (c *Connection) ConnectAsync(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Pending && c.state != Disconnected {
		s := c.state
		c.mu.Unlock()
		return &ConnError{Kind: ErrInvalidState, State: s}
	}
	c.state = Connecting
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", c.remote)
	if err != nil {
		c.mu.Lock()
		c.state = Disconnected
		c.mu.Unlock()
		if errors.Is(ctx.Err(), context.Canceled) {
			return &ConnError{Kind: ErrCancelled, Cause: ctx.Err()}
		}
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			return &ConnError{Kind: ErrTimeout, Cause: err}
		}
		return &ConnError{Kind: ErrConnect, Cause: err}
	}

	c.adopt(conn)
	return nil
}

func (c *Connection) adopt(conn net.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.state = Connected
	c.watchdogStop = make(chan struct{})
	c.mu.Unlock()

	c.armInactivity()
	go c.watchdog()
	c.emit(Event{Kind: EventConnected})
}

func (c *Connection) armInactivity() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opts.InactivityTimeout <= 0 {
		return
	}
	if c.inactivityTimer != nil {
		c.inactivityTimer.Stop()
	}
	c.inactivityTimer = time.AfterFunc(c.opts.InactivityTimeout, func() {
		c.Disconnect("inactivity timeout")
	})
}

// watchdog ticks every 250ms and disconnects if the OS reports the socket
// closed. This mainly catches the half-open-socket case: no traffic is
// flowing, so neither a read nor a write will surface the loss on its own.
func (c *Connection) watchdog() {
	c.mu.Lock()
	stop := c.watchdogStop
	c.mu.Unlock()

	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			conn, state := c.conn, c.state
			c.mu.Unlock()
			if state != Connected || conn == nil {
				return
			}
			if socketClosed(conn) {
				c.Disconnect("closed unexpectedly")
				return
			}
		}
	}
}

// Read reads exactly n bytes, never fewer. Legal only from Connected.
func (c *Connection) Read(ctx context.Context, n int) ([]byte, error) {
	c.mu.Lock()
	if c.state != Connected {
		s := c.state
		c.mu.Unlock()
		return nil, &ConnError{Kind: ErrInvalidState, State: s}
	}
	conn := c.conn
	c.mu.Unlock()

	buf := make([]byte, n)
	read := 0
	for read < n {
		if err := ctx.Err(); err != nil {
			return nil, &ConnError{Kind: ErrCancelled, Cause: err}
		}
		chunk := c.opts.ReadBufferSize
		if remaining := n - read; chunk > remaining {
			chunk = remaining
		}
		nn, err := conn.Read(buf[read : read+chunk])
		if nn > 0 {
			read += nn
			c.armInactivity()
			c.emit(Event{Kind: EventProgress, BytesSoFar: read, Total: n})
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.Disconnect("remote connection closed")
				return nil, &ConnError{Kind: ErrRead, Cause: errors.New("remote connection closed")}
			}
			c.Disconnect(err.Error())
			return nil, &ConnError{Kind: ErrRead, Cause: err}
		}
		if nn == 0 {
			c.Disconnect("remote connection closed")
			return nil, &ConnError{Kind: ErrRead, Cause: errors.New("remote connection closed")}
		}
	}
	return buf, nil
}

// Write writes all of data, honoring the configured chunk size. Legal only
// from Connected. Writes are serialized: at most one in-flight write per
// connection, so callers never interleave frames.
func (c *Connection) Write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	if c.state != Connected {
		s := c.state
		c.mu.Unlock()
		return &ConnError{Kind: ErrInvalidState, State: s}
	}
	conn := c.conn
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	written := 0
	for written < len(data) {
		if err := ctx.Err(); err != nil {
			return &ConnError{Kind: ErrCancelled, Cause: err}
		}
		chunk := c.opts.WriteBufferSize
		if remaining := len(data) - written; chunk > remaining {
			chunk = remaining
		}
		nn, err := conn.Write(data[written : written+chunk])
		if nn > 0 {
			written += nn
			c.armInactivity()
			c.emit(Event{Kind: EventProgress, BytesSoFar: written, Total: len(data)})
		}
		if err != nil {
			c.Disconnect(err.Error())
			return &ConnError{Kind: ErrWrite, Cause: err}
		}
	}
	return nil
}

// Disconnect is idempotent: stops timers, closes the socket, and emits
// Disconnected(reason) exactly once per connected attempt.
func (c *Connection) Disconnect(reason string) error {
	c.mu.Lock()
	if c.state == Disconnected || c.state == Disconnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = Disconnecting
	conn := c.conn
	stop := c.watchdogStop
	timer := c.inactivityTimer
	c.watchdogStop = nil
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if timer != nil {
		timer.Stop()
	}
	if conn != nil {
		_ = conn.Close()
	}

	c.mu.Lock()
	c.state = Disconnected
	c.conn = nil
	c.mu.Unlock()

	c.emit(Event{Kind: EventDisconnected, Reason: reason})
	close(c.closed)
	return nil
}

// Handoff detaches the underlying socket for reuse without closing it. The
// Connection is left Disconnected and unusable; the caller now exclusively
// owns the returned net.Conn. Used by PCM to hand a transfer socket over
// as a plain net.Conn (GetTransfer, AddInboundTransfer).
func (c *Connection) Handoff() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn := c.conn
	c.conn = nil
	if c.watchdogStop != nil {
		close(c.watchdogStop)
		c.watchdogStop = nil
	}
	if c.inactivityTimer != nil {
		c.inactivityTimer.Stop()
	}
	c.state = Disconnected
	return conn
}

func (c *Connection) emit(e Event) {
	select {
	case c.events <- e:
	default:
		c.logger.Warn("dropping connection event, subscriber too slow", "connID", c.id, "kind", e.Kind)
	}
}

// socketClosed peeks at the socket without consuming data to detect a
// peer-initiated close while the connection is otherwise idle — the same
// technique connection-pooling libraries use to avoid handing out a
// half-open socket. Best effort: any assertion failure is treated as "not
// closed" rather than surfaced as an error, since the watchdog is advisory.
func socketClosed(nc net.Conn) bool {
	sc, ok := nc.(syscall.Conn)
	if !ok {
		return false
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return false
	}
	closed := false
	_ = rc.Read(func(fd uintptr) bool {
		var buf [1]byte
		n, _, rerr := syscall.Recvfrom(int(fd), buf[:], syscall.MSG_PEEK)
		if rerr == nil && n == 0 {
			closed = true
			return true
		}
		if rerr != nil && rerr != syscall.EAGAIN && rerr != syscall.EWOULDBLOCK {
			closed = true
		}
		return true
	})
	return closed
}
