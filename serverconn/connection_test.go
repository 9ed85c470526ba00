package serverconn

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slskpeer/codec"
	"slskpeer/msgconn"
	"slskpeer/netconn"
)

// newTestConnection wires a Connection over an in-memory net.Pipe the way
// Dial wires one over a real socket, without needing a real dial.
func newTestConnection(t *testing.T) (*Connection, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { server.Close() })

	raw := netconn.FromAccepted("test", netconn.Outbound, netconn.Direct, netconn.DefaultOptions(), nil, client)
	mc := msgconn.New(raw, "us", codec.Server, nil)
	c := &Connection{mc: mc, responses: make(chan codec.ConnectToPeerResponse, 8)}
	mc.OnMessage(c.dispatch)
	mc.StartContinuousRead(context.Background())
	return c, server
}

// encodeConnectToPeerResponse builds the wire bytes for a
// ConnectToPeerResponse manually, since the core never sends this message
// itself (only the server does) and so carries no encoder for it.
func encodeConnectToPeerResponse(resp codec.ConnectToPeerResponse) []byte {
	return codec.NewWriter().
		WriteString(resp.Username).
		WriteString(resp.Type).
		WriteIP(192, 168, 1, 42).
		WriteInt32(resp.Port).
		WriteInt32(resp.Token).
		WriteInt8(resp.Privileged).
		Build(codec.CodeServerConnectToPeer)
}

func TestSendConnectToPeerRequestWritesFrame(t *testing.T) {
	c, server := newTestConnection(t)

	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 4)
		server.Read(buf)
		length := binary.LittleEndian.Uint32(buf)
		body := make([]byte, length)
		server.Read(body)
		done <- body
	}()

	err := c.SendConnectToPeerRequest(context.Background(), codec.ConnectToPeerRequest{Token: 5, Username: "alice", Type: "P"})
	require.NoError(t, err)

	select {
	case body := <-done:
		r := codec.NewReader(body, codec.Server)
		code, err := r.ReadCode()
		require.NoError(t, err)
		assert.Equal(t, codec.CodeServerConnectToPeer, code)
	case <-time.After(2 * time.Second):
		t.Fatal("expected frame")
	}
}

func TestDispatchRoutesConnectToPeerResponse(t *testing.T) {
	c, server := newTestConnection(t)

	resp := codec.ConnectToPeerResponse{Username: "bob", Type: "P", IP: "192.168.1.42", Port: 2234, Token: 9, Privileged: 0}
	frame := encodeConnectToPeerResponse(resp)
	go func() { server.Write(frame) }()

	select {
	case got := <-c.ConnectToPeerResponses():
		assert.Equal(t, resp, got)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a routed response")
	}
}
