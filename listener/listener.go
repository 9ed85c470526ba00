// Package listener implements spec.md §4.6's inbound TCP accept loop: read
// the tiny handshake that tags a fresh socket as either an unsolicited
// direct connection (PeerInit) or a response to our own indirect
// solicitation (PierceFirewall), then hand the socket to the Peer
// Connection Manager. Grounded on the teacher's
// ListenForIncomingPeers/handleIncomingPeerConnection/readPeerInitMessage/
// handlePeerInit/handlePierceFirewall in slsk/client/listener.go.
package listener

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"slskpeer/codec"
	"slskpeer/pcm"
)

// handshakeSizeGuard bounds the length-prefixed handshake frame read off a
// freshly accepted socket, mirroring the teacher's 4096-byte guard.
const handshakeSizeGuard = 4096

// initialReadDeadline bounds how long a freshly accepted socket has to
// produce its handshake before being dropped, mirroring the teacher's
// 30-second SetReadDeadline call in ListenForIncomingPeers.
const initialReadDeadline = 30 * time.Second

// Listener accepts inbound peer connections and dispatches their handshake
// into the given Manager.
type Listener struct {
	ln      net.Listener
	manager *pcm.Manager
	logger  *slog.Logger
}

// New wraps an already-bound net.Listener (the caller owns binding and the
// port-announcement to the server, both collaborator concerns).
func New(ln net.Listener, manager *pcm.Manager, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{ln: ln, manager: manager, logger: logger}
}

// Serve accepts connections until ctx is cancelled or the listener errors.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go l.handle(ctx, conn)
	}
}

func (l *Listener) handle(ctx context.Context, conn net.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(initialReadDeadline))

	body, err := readHandshakeFrame(conn)
	if err != nil {
		l.logger.Debug("handshake read failed", "remote", conn.RemoteAddr(), "err", err)
		conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	if len(body) == 0 {
		conn.Close()
		return
	}

	switch body[0] {
	case codec.HandshakePierceFirewall:
		l.handlePierceFirewall(body, conn)
	case codec.HandshakePeerInit:
		l.handlePeerInit(ctx, body, conn)
	default:
		l.logger.Warn("unrecognized handshake code", "code", body[0], "remote", conn.RemoteAddr())
		conn.Close()
	}
}

func (l *Listener) handlePierceFirewall(body []byte, conn net.Conn) {
	msg, err := codec.DecodePierceFirewall(body)
	if err != nil {
		l.logger.Warn("malformed PierceFirewall", "err", err)
		conn.Close()
		return
	}
	if !l.manager.CompleteIndirect(msg.Token, conn) {
		l.logger.Warn("PierceFirewall for unknown or expired token", "token", msg.Token)
		conn.Close()
	}
}

func (l *Listener) handlePeerInit(ctx context.Context, body []byte, conn net.Conn) {
	msg, err := codec.DecodePeerInit(body)
	if err != nil {
		l.logger.Warn("malformed PeerInit", "err", err)
		conn.Close()
		return
	}
	remote := conn.RemoteAddr().String()
	switch msg.Type {
	case "P":
		l.manager.AddInboundMessage(msg.Username, remote, conn)
	case "F":
		if err := l.manager.AddInboundTransfer(ctx, msg.Username, remote, msg.Token, conn); err != nil {
			l.logger.Warn("inbound transfer handshake failed", "username", msg.Username, "err", err)
			conn.Close()
		}
	case "D":
		l.manager.AddInboundDistributed(msg.Username, remote, conn)
	default:
		l.logger.Warn("unknown PeerInit type", "type", msg.Type, "username", msg.Username)
		conn.Close()
	}
}

// readHandshakeFrame reads a length-prefixed handshake body: PeerInit or
// PierceFirewall, both written as uint32 length + 1-byte code + payload.
// Returns the code byte plus payload, i.e. everything after the length.
func readHandshakeFrame(conn net.Conn) ([]byte, error) {
	sizeBuf := make([]byte, 4)
	if _, err := io.ReadFull(conn, sizeBuf); err != nil {
		return nil, fmt.Errorf("read handshake length: %w", err)
	}
	length := binary.LittleEndian.Uint32(sizeBuf)
	if length > handshakeSizeGuard {
		return nil, fmt.Errorf("handshake frame too large: %d bytes", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(conn, body); err != nil {
		return nil, fmt.Errorf("read handshake body: %w", err)
	}
	return body, nil
}
