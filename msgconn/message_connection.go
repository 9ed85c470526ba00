// Package msgconn layers frame-level I/O on top of netconn.Connection: the
// continuous reader that turns a byte pipe into a stream of decoded
// message frames, generalized from the teacher's three near-identical
// ListenForPeerMessages/ListenForDistributedMessages/
// ListenForFileTransferMessages loops into one implementation.
package msgconn

import (
	"context"
	"encoding/binary"
	"log/slog"
	"sync"

	"slskpeer/codec"
	"slskpeer/netconn"
)

// Frame is one decoded-length frame body, still undecoded past its code —
// callers wrap it in a codec.Reader for the space they expect.
type Frame struct {
	Body []byte
}

// MessageHook is invoked synchronously for every frame before it is queued,
// for messages that must be handled before the caller's normal dispatch
// loop gets to them (spec.md §4.3).
type MessageHook func(Frame)

// MessageConnection is a Connection specialized to frame-level I/O. It adds
// identity (Username) and a message-read event stream.
type MessageConnection struct {
	conn       *netconn.Connection
	space      codec.CodeSpace
	username   string
	privileged uint8
	logger     *slog.Logger

	frames    chan Frame
	onMessage MessageHook

	startOnce sync.Once

	// branchMu guards branchLevel/branchRoot, maintained only when space
	// is codec.Distributed: set by inbound Distributed.BranchLevel(4) and
	// Distributed.BranchRoot(5) frames, mirroring the teacher's
	// DistributedPeer.BranchLevel/BranchRoot fields (distributed_peer.go).
	branchMu    sync.Mutex
	branchLevel uint32
	branchRoot  string
}

// New wraps conn for frame-level I/O in the given code space. username may
// be empty until the handshake identifies the peer (set via SetUsername).
func New(conn *netconn.Connection, username string, space codec.CodeSpace, logger *slog.Logger) *MessageConnection {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageConnection{
		conn:     conn,
		space:    space,
		username: username,
		logger:   logger,
		frames:   make(chan Frame, 64),
	}
}

func (mc *MessageConnection) Connection() *netconn.Connection { return mc.conn }
func (mc *MessageConnection) Username() string                { return mc.username }
func (mc *MessageConnection) SetUsername(u string)             { mc.username = u }
func (mc *MessageConnection) CodeSpace() codec.CodeSpace       { return mc.space }
func (mc *MessageConnection) Frames() <-chan Frame             { return mc.frames }

// Privileged reports the ConnectToPeerResponse.Privileged flag PCM carried
// through when it established this connection (0 for inbound connections,
// where no such flag exists to carry). Opaque metadata; msgconn never acts
// on it.
func (mc *MessageConnection) Privileged() uint8     { return mc.privileged }
func (mc *MessageConnection) SetPrivileged(p uint8) { mc.privileged = p }

// BranchLevel and BranchRoot report this distributed connection's current
// position in the search-broadcast tree, as last set by an inbound
// Distributed.BranchLevel/Distributed.BranchRoot frame. Zero value/empty
// string until the parent sends one; meaningless outside codec.Distributed.
func (mc *MessageConnection) BranchLevel() uint32 {
	mc.branchMu.Lock()
	defer mc.branchMu.Unlock()
	return mc.branchLevel
}

func (mc *MessageConnection) BranchRoot() string {
	mc.branchMu.Lock()
	defer mc.branchMu.Unlock()
	return mc.branchRoot
}

// trackDistributedState inspects a Distributed-space frame for
// BranchLevel/BranchRoot updates, unwrapping EmbeddedMessage(93) envelopes
// first, mirroring the teacher's handleDistribMessage/handleBranchLevel/
// handleBranchRoot/handleDistributedMessage switch in distributed_peer.go.
// depth guards the same embedded-in-embedded recursion UnwrapEmbeddedMessage
// itself bounds.
func (mc *MessageConnection) trackDistributedState(body []byte, depth int) {
	if len(body) == 0 {
		return
	}
	switch body[0] {
	case codec.CodeDistributedBranchLevel:
		bl, err := codec.DecodeBranchLevel(body)
		if err != nil {
			mc.logger.Debug("malformed BranchLevel", "username", mc.username, "err", err)
			return
		}
		mc.branchMu.Lock()
		mc.branchLevel = bl.Level
		mc.branchMu.Unlock()
	case codec.CodeDistributedBranchRoot:
		br, err := codec.DecodeBranchRoot(body)
		if err != nil {
			mc.logger.Debug("malformed BranchRoot", "username", mc.username, "err", err)
			return
		}
		mc.branchMu.Lock()
		mc.branchRoot = br.Root
		mc.branchMu.Unlock()
	case codec.CodeDistributedEmbeddedMessage:
		innerCode, innerBody, err := codec.UnwrapEmbeddedMessage(body, depth)
		if err != nil {
			mc.logger.Debug("malformed EmbeddedMessage", "username", mc.username, "err", err)
			return
		}
		mc.trackDistributedState(append([]byte{innerCode}, innerBody...), depth+1)
	}
}

// OnMessage installs a hook run synchronously for every frame, before it is
// queued on Frames(). Must be called before StartContinuousRead.
func (mc *MessageConnection) OnMessage(hook MessageHook) {
	mc.onMessage = hook
}

// StartContinuousRead spawns the background frame reader. Per spec.md
// §4.3, this is called immediately for indirect-outbound and inbound
// connections; the direct-outbound path defers it until after sending
// PeerInit. Idempotent.
func (mc *MessageConnection) StartContinuousRead(ctx context.Context) {
	mc.startOnce.Do(func() {
		go mc.readLoop(ctx)
	})
}

func (mc *MessageConnection) readLoop(ctx context.Context) {
	defer close(mc.frames)
	for {
		lengthBuf, err := mc.conn.Read(ctx, 4)
		if err != nil {
			mc.logger.Debug("message connection reader stopped", "username", mc.username, "err", err)
			return
		}
		length := binary.LittleEndian.Uint32(lengthBuf)
		body, err := mc.conn.Read(ctx, int(length))
		if err != nil {
			mc.logger.Debug("message connection reader stopped mid-frame", "username", mc.username, "err", err)
			return
		}

		frame := Frame{Body: body}
		if mc.space == codec.Distributed {
			mc.trackDistributedState(body, 0)
		}
		if mc.onMessage != nil {
			mc.onMessage(frame)
		}
		select {
		case mc.frames <- frame:
		case <-ctx.Done():
			return
		}
	}
}

// Send writes an already-framed message (length prefix included, as
// produced by codec.Writer.Build/BuildDistributed/BuildHandshake).
func (mc *MessageConnection) Send(ctx context.Context, frame []byte) error {
	return mc.conn.Write(ctx, frame)
}

// Close disconnects the underlying connection.
func (mc *MessageConnection) Close(reason string) error {
	return mc.conn.Disconnect(reason)
}
