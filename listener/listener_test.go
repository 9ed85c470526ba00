package listener

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slskpeer/codec"
	"slskpeer/pcm"
)

type fakeServer struct{}

func (fakeServer) SendConnectToPeerRequest(ctx context.Context, req codec.ConnectToPeerRequest) error {
	return nil
}
func (fakeServer) SendCantConnectToPeer(ctx context.Context, msg codec.CantConnectToPeer) error {
	return nil
}

func newTestManager(t *testing.T) *pcm.Manager {
	t.Helper()
	m := pcm.New(pcm.Options{OurUsername: "us", DefaultWaitTimeout: time.Second}, fakeServer{}, nil, nil)
	t.Cleanup(m.Dispose)
	return m
}

func serveOne(t *testing.T, m *pcm.Manager) (net.Listener, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	l := New(ln, m, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go l.Serve(ctx)
	return ln, cancel
}

func TestPeerInitTypePInstallsMessageConnection(t *testing.T) {
	m := newTestManager(t)
	ln, cancel := serveOne(t, m)
	defer cancel()
	defer ln.Close()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	frame := codec.EncodePeerInit(codec.PeerInit{Username: "alice", Type: "P", Token: 7})
	_, err = conn.Write(frame)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return m.Peek("alice") != nil
	}, time.Second, 10*time.Millisecond)
	assert.Contains(t, m.Peers(), "alice")
}

func TestPeerInitTypeDInstallsDistributedConnection(t *testing.T) {
	m := newTestManager(t)
	ln, cancel := serveOne(t, m)
	defer cancel()
	defer ln.Close()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	frame := codec.EncodePeerInit(codec.PeerInit{Username: "branchy", Type: "D", Token: 3})
	_, err = conn.Write(frame)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return m.PeekDistributed("branchy") != nil
	}, time.Second, 10*time.Millisecond)
	assert.Nil(t, m.Peek("branchy")) // "D" must not land in the message-connection cache
}

func TestPierceFirewallForUnknownTokenIsDropped(t *testing.T) {
	m := newTestManager(t)
	ln, cancel := serveOne(t, m)
	defer cancel()
	defer ln.Close()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	frame := codec.EncodePierceFirewall(codec.PierceFirewall{Token: 999})
	_, err = conn.Write(frame)
	require.NoError(t, err)

	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(buf)
	assert.Error(t, err) // connection should be closed for the unmatched token
}

func TestHandshakeTooLargeIsRejected(t *testing.T) {
	m := newTestManager(t)
	ln, cancel := serveOne(t, m)
	defer cancel()
	defer ln.Close()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	oversized := make([]byte, 4)
	binary.LittleEndian.PutUint32(oversized, handshakeSizeGuard+1)
	_, err = conn.Write(oversized)
	require.NoError(t, err)

	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(buf)
	assert.Error(t, err)
}
