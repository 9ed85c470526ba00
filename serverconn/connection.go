// Package serverconn wraps the single long-lived message connection to the
// Soulseek server (spec.md §4.7) in the Server code space. It is a thin
// collaborator: PCM only ever calls SendConnectToPeerRequest and
// SendCantConnectToPeer through it, and consumes ConnectToPeerResponses to
// feed PCM.GetOrAdd/GetTransfer. Grounded on the teacher's
// RequestPeerConnection/CantConnectToPeer in
// slsk/client/server_message_egress.go and HandleConnectToPeer in
// server_message_ingress.go, narrowed to the interface PCM actually needs
// rather than the whole SlskClient facade.
package serverconn

import (
	"context"
	"log/slog"

	"slskpeer/codec"
	"slskpeer/msgconn"
	"slskpeer/netconn"
)

// DefaultAddress is server.slsknet.org's well-known listen endpoint.
const DefaultAddress = "server.slsknet.org:2242"

// Connection is the server message connection. It satisfies
// pcm.ServerConnection.
type Connection struct {
	mc     *msgconn.MessageConnection
	logger *slog.Logger

	responses chan codec.ConnectToPeerResponse
}

// Dial connects to addr in the Server code space and starts the continuous
// frame reader. The caller is responsible for logging in over the returned
// connection (a collaborator concern outside this core).
func Dial(ctx context.Context, addr string, ourUsername string, opts netconn.Options, logger *slog.Logger) (*Connection, error) {
	if logger == nil {
		logger = slog.Default()
	}
	raw := netconn.NewConnection(addr, netconn.Outbound, netconn.Direct, opts, logger)
	if err := raw.ConnectAsync(ctx); err != nil {
		return nil, err
	}
	mc := msgconn.New(raw, ourUsername, codec.Server, logger)
	c := &Connection{mc: mc, logger: logger, responses: make(chan codec.ConnectToPeerResponse, 32)}
	mc.OnMessage(c.dispatch)
	mc.StartContinuousRead(ctx)
	return c, nil
}

// dispatch runs synchronously for every frame the server sends; it only
// copies ConnectToPeerResponse onto ConnectToPeerResponses(), since that is
// all PCM needs routed back to it. Every frame, that one included, is still
// queued on the Frames() channel for the protocol handler collaborator.
func (c *Connection) dispatch(f msgconn.Frame) {
	r := codec.NewReader(f.Body, codec.Server)
	code, err := r.ReadCode()
	if err != nil || code != codec.CodeServerConnectToPeer {
		return
	}
	resp, err := codec.DecodeConnectToPeerResponse(f.Body)
	if err != nil {
		c.logger.Warn("malformed ConnectToPeerResponse", "err", err)
		return
	}
	select {
	case c.responses <- resp:
	default:
		c.logger.Warn("dropping ConnectToPeerResponse, subscriber too slow", "username", resp.Username)
	}
}

// ConnectToPeerResponses yields inbound ConnectToPeerResponse frames the
// server relays on behalf of a peer we (or someone) solicited. The
// protocol handler routes type "P" into pcm.GetOrAdd and type "F" into
// pcm.GetTransfer using the host/port/token carried here.
func (c *Connection) ConnectToPeerResponses() <-chan codec.ConnectToPeerResponse {
	return c.responses
}

// Frames exposes the raw frame stream for every server message, including
// the ConnectToPeerResponse frames also sent to ConnectToPeerResponses();
// the protocol handler collaborator owns dispatch beyond that.
func (c *Connection) Frames() <-chan msgconn.Frame {
	return c.mc.Frames()
}

// SendConnectToPeerRequest solicits an indirect connection to username via
// the server. Satisfies pcm.ServerConnection.
func (c *Connection) SendConnectToPeerRequest(ctx context.Context, req codec.ConnectToPeerRequest) error {
	return c.mc.Send(ctx, codec.EncodeConnectToPeerRequest(req))
}

// SendCantConnectToPeer tells the server an indirect attempt failed
// outright. Satisfies pcm.ServerConnection.
func (c *Connection) SendCantConnectToPeer(ctx context.Context, msg codec.CantConnectToPeer) error {
	return c.mc.Send(ctx, codec.EncodeCantConnectToPeer(msg))
}

// Close disconnects the server connection.
func (c *Connection) Close(reason string) error {
	return c.mc.Close(reason)
}
