package pcm

import (
	"context"
	"encoding/binary"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slskpeer/codec"
	"slskpeer/netconn"
)

type fakeServer struct {
	mu        sync.Mutex
	requests  []codec.ConnectToPeerRequest
	cantConns []codec.CantConnectToPeer
	onRequest func(codec.ConnectToPeerRequest)
}

func (f *fakeServer) SendConnectToPeerRequest(ctx context.Context, req codec.ConnectToPeerRequest) error {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	cb := f.onRequest
	f.mu.Unlock()
	if cb != nil {
		cb(req)
	}
	return nil
}

func (f *fakeServer) SendCantConnectToPeer(ctx context.Context, msg codec.CantConnectToPeer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cantConns = append(f.cantConns, msg)
	return nil
}

func newTestManager(t *testing.T, server ServerConnection, waitTimeout time.Duration) *Manager {
	t.Helper()
	m := New(Options{
		OurUsername:        "us",
		DefaultWaitTimeout: waitTimeout,
	}, server, nil, nil)
	t.Cleanup(m.Dispose)
	return m
}

// refusedAddr returns host, port of an address nothing listens on, so
// dialing it fails fast with connection-refused instead of hanging.
func refusedAddr(t *testing.T) (string, uint32) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	require.NoError(t, ln.Close())
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, uint32(port)
}

func TestGetOrAddDirectWins(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() { buf := make([]byte, 4096); conn.Read(buf) }()
		}
	}()
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	m := newTestManager(t, &fakeServer{}, 5*time.Second)
	mc, err := m.GetOrAdd(context.Background(), "alice", host, uint32(port), 0)
	require.NoError(t, err)
	assert.Equal(t, netconn.Direct, mc.Connection().Path())
	assert.Equal(t, "alice", mc.Username())

	again, err := m.GetOrAdd(context.Background(), "alice", host, uint32(port), 0)
	require.NoError(t, err)
	assert.Same(t, mc, again)
}

func TestGetOrAddIndirectWins(t *testing.T) {
	host, port := refusedAddr(t)
	client, server := net.Pipe()

	fs := &fakeServer{}
	m := newTestManager(t, fs, 5*time.Second)
	fs.onRequest = func(req codec.ConnectToPeerRequest) {
		go func() {
			// Simulate the peer piercing our solicited firewall hole.
			m.CompleteIndirect(req.Token, client)
		}()
	}
	go func() {
		buf := make([]byte, 1)
		server.Read(buf)
	}()

	mc, err := m.GetOrAdd(context.Background(), "bob", host, port, 0)
	require.NoError(t, err)
	assert.Equal(t, netconn.Indirect, mc.Connection().Path())
	assert.Equal(t, netconn.Outbound, mc.Connection().Direction())
}

// TestGetOrAddIndirectWinsAfterFastDirectFailure regresses the bug where
// racing the two branches through errgroup.WithContext cancelled the
// indirect branch's context the instant the direct branch returned a
// connection-refused error — aborting a still-viable indirect solicitation
// before its delayed PierceFirewall could arrive. refusedAddr fails fast
// (not by hanging), so this only passes if a direct branch failure is
// swallowed while the indirect branch is still pending, per spec.md §7.
func TestGetOrAddIndirectWinsAfterFastDirectFailure(t *testing.T) {
	host, port := refusedAddr(t)
	client, server := net.Pipe()

	fs := &fakeServer{}
	m := newTestManager(t, fs, 5*time.Second)
	fs.onRequest = func(req codec.ConnectToPeerRequest) {
		go func() {
			// Delay the PierceFirewall well past the direct branch's fast
			// connection-refused failure, so the indirect wait is still
			// registered (not buffered) when it resolves.
			time.Sleep(150 * time.Millisecond)
			m.CompleteIndirect(req.Token, client)
		}()
	}
	go func() {
		buf := make([]byte, 1)
		server.Read(buf)
	}()

	mc, err := m.GetOrAdd(context.Background(), "ezra", host, port, 0)
	require.NoError(t, err)
	assert.Equal(t, netconn.Indirect, mc.Connection().Path())
	assert.Equal(t, netconn.Outbound, mc.Connection().Direction())
}

// TestGetOrAddCarriesPrivilegedFlag regresses the bug where the privileged
// flag a ConnectToPeerResponse carries (codec.ConnectToPeerResponse.
// Privileged) was accepted by the codec but silently dropped at the PCM
// boundary instead of round-tripping onto the resulting message
// connection, per SPEC_FULL.md §3.
func TestGetOrAddCarriesPrivilegedFlag(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() { buf := make([]byte, 4096); conn.Read(buf) }()
		}
	}()
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	m := newTestManager(t, &fakeServer{}, 5*time.Second)
	mc, err := m.GetOrAdd(context.Background(), "frank", host, uint32(port), 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, mc.Privileged())
}

func TestGetOrAddBothFail(t *testing.T) {
	host, port := refusedAddr(t)
	fs := &fakeServer{}
	m := newTestManager(t, fs, 30*time.Millisecond)

	_, err := m.GetOrAdd(context.Background(), "carol", host, port, 0)
	require.Error(t, err)
	var raceErr *RaceError
	require.ErrorAs(t, err, &raceErr)
	assert.NotEmpty(t, fs.cantConns)
}

func TestSupersessionReplacesCachedConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() { buf := make([]byte, 4096); conn.Read(buf) }()
		}
	}()
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	m := newTestManager(t, &fakeServer{}, 5*time.Second)
	first, err := m.GetOrAdd(context.Background(), "dave", host, uint32(port), 0)
	require.NoError(t, err)

	client, server := net.Pipe()
	t.Cleanup(func() { server.Close() })
	second := m.AddInboundMessage("dave", "remote:1", client)

	assert.NotSame(t, first, second)
	assert.Same(t, second, m.lookupCache("dave"))
	assert.Eventually(t, func() bool {
		return first.Connection().State() == netconn.Disconnected
	}, time.Second, 10*time.Millisecond)
}

func TestAddInboundTransferCompletesWaiter(t *testing.T) {
	m := newTestManager(t, &fakeServer{}, time.Second)
	client, server := net.Pipe()
	t.Cleanup(func() { server.Close() })

	go func() {
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, 99)
		_, _ = server.Write(buf)
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- m.AddInboundTransfer(context.Background(), "carol", "remote:2", 7, client)
	}()

	conn, err := m.AwaitInboundTransfer(context.Background(), "carol", 99)
	require.NoError(t, err)
	require.NotNil(t, conn)
	require.NoError(t, <-errCh)
}

func TestGetTransferDirectWritesHandshakeThenToken(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	acceptedCh := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			acceptedCh <- conn
		}
	}()
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	m := newTestManager(t, &fakeServer{}, 5*time.Second)
	raw, err := m.GetTransfer(context.Background(), "erin", host, uint32(port), 42, 0)
	require.NoError(t, err)
	defer raw.Close()

	var accepted net.Conn
	select {
	case accepted = <-acceptedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("expected accept")
	}
	defer accepted.Close()

	lengthBuf := make([]byte, 4)
	_, err = accepted.Read(lengthBuf)
	require.NoError(t, err)
	length := binary.LittleEndian.Uint32(lengthBuf)
	body := make([]byte, length)
	_, err = accepted.Read(body)
	require.NoError(t, err)
	init, err := codec.DecodePeerInit(body)
	require.NoError(t, err)
	assert.Equal(t, "us", init.Username)
	assert.Equal(t, "F", init.Type)
	assert.Equal(t, uint32(42), init.Token)

	tokenBuf := make([]byte, 4)
	_, err = accepted.Read(tokenBuf)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), binary.LittleEndian.Uint32(tokenBuf))
}
