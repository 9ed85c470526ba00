// Package pcm implements the Peer Connection Manager: spec.md §4.5's sole
// owner of the per-username message-connection cache and the
// pending-solicitation map, and sole creator of transfer connections. It
// generalizes the teacher's PeerManager (peer_manager.go) — which tracks
// the same three concerns with a plain mutex-guarded map plus a
// goroutine-and-timeout pattern for the indirect path — into the explicit
// lazy-slot-with-supersession model spec.md §4.5/§9 describes.
package pcm

import (
	"context"
	"encoding/binary"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	kcache "github.com/unkn0wn-root/kioshun"
	"golang.org/x/sync/singleflight"

	"slskpeer/codec"
	"slskpeer/metrics"
	"slskpeer/msgconn"
	"slskpeer/netconn"
	"slskpeer/waiter"
)

// Wait key kinds. Names match spec.md §3's own vocabulary exactly, since
// scenario 4 (spec.md §8) names "DirectTransfer" as the wait key kind for
// both direct- and indirect-established transfers.
const (
	KindSolicitedPeerConnection = "SolicitedPeerConnection"
	KindDirectTransfer          = "DirectTransfer"
)

// ServerConnection is the narrow slice of the Server Connection PCM
// actually drives: soliciting an indirect connection, and telling the
// server an indirect attempt failed outright. Satisfied by
// serverconn.Connection; declared here (the consumer) per Go convention.
type ServerConnection interface {
	SendConnectToPeerRequest(ctx context.Context, req codec.ConnectToPeerRequest) error
	SendCantConnectToPeer(ctx context.Context, msg codec.CantConnectToPeer) error
}

// AddressResolver is an optional last-known-good-endpoint memo. PCM calls
// Remember after a race the direct branch wins; PCM itself never calls
// Lookup, so dialing always uses the host/port its caller passes in.
// Supplements a feature the distillation dropped (SPEC_FULL.md §7);
// PCM works fine with a nil resolver.
type AddressResolver interface {
	Lookup(ctx context.Context, username string) (host string, port uint32, ok bool)
	Remember(ctx context.Context, username, host string, port uint32)
}

// pendingSolicitation is the pending-solicitation-map entry spec.md §3
// describes, shaped after the teacher's PendingTokenConn (which carries the
// same Privileged uint8 alongside Username/ConnType).
type pendingSolicitation struct {
	Username   string
	ConnType   string
	Privileged uint8
}

// Options configures a Manager. Zero value is usable except OurUsername,
// which must be set; the server connection is passed to New separately.
type Options struct {
	OurUsername        string
	DefaultWaitTimeout time.Duration
	ConnectionOptions  netconn.Options
}

func (o Options) withDefaults() Options {
	if o.DefaultWaitTimeout <= 0 {
		o.DefaultWaitTimeout = 30 * time.Second
	}
	return o
}

// Manager is the Peer Connection Manager.
type Manager struct {
	opts     Options
	server   ServerConnection
	resolver AddressResolver
	logger   *slog.Logger

	waiter *waiter.Waiter
	race   *metrics.RaceRecorder

	group singleflight.Group

	mu    sync.Mutex
	cache map[string]*cacheEntry
	gen   atomic.Uint64

	// distCache mirrors cache but holds Distributed-space connections,
	// kept in a map of its own (guarded by the same mu) because a peer
	// legitimately has both a message connection and a distributed
	// connection live at once — grounded on the teacher's separate
	// defaultPeers/distributedPeers maps (peer_manager.go).
	distCache map[string]*cacheEntry

	pending kcache.Cache[uint32, pendingSolicitation]
	tokens  atomic.Uint32
}

// New builds a Manager. resolver may be nil.
func New(opts Options, server ServerConnection, resolver AddressResolver, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	return &Manager{
		opts:      opts,
		server:    server,
		resolver:  resolver,
		logger:    logger,
		waiter:    waiter.New(opts.DefaultWaitTimeout),
		race:      metrics.NewRaceRecorder(),
		cache:     make(map[string]*cacheEntry),
		distCache: make(map[string]*cacheEntry),
		pending: kcache.New[uint32, pendingSolicitation](kcache.Config{
			MaxSize:         4096,
			ShardCount:      16,
			CleanupInterval: time.Minute,
			DefaultTTL:      opts.DefaultWaitTimeout,
			EvictionPolicy:  kcache.LRU,
		}),
	}
}

func (m *Manager) nextToken() uint32 { return m.tokens.Add(1) }
func (m *Manager) nextGen() uint64   { return m.gen.Add(1) }

// RaceStats exposes the connect-race latency distribution for diagnostics.
func (m *Manager) RaceStats() metrics.RaceSnapshot { return m.race.Snapshot() }

// Peek returns the currently cached message connection for username, or
// nil if none is live. For diagnostics; callers driving protocol logic
// should go through GetOrAdd instead.
func (m *Manager) Peek(username string) *msgconn.MessageConnection {
	return m.lookupCache(username)
}

// Peers returns the usernames with a currently live cached connection.
// Grounded on the teacher's PeerManager.GetAllPeers, narrowed to just the
// identities this core actually tracks.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.cache))
	for username := range m.cache {
		out = append(out, username)
	}
	return out
}

// PendingWaits returns the wait keys PCM currently has outstanding
// (connect-race solicitations, transfer handoffs) awaiting a Complete or
// Throw. For diagnostics.
func (m *Manager) PendingWaits() []waiter.Key {
	return m.waiter.PendingKeys()
}

func (m *Manager) lookupCache(username string) *msgconn.MessageConnection {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.cache[username]; ok {
		return e.conn
	}
	return nil
}

// install upserts username's cache slot. If an older entry is present, the
// new one supersedes it (spec.md §4.5's supersession rule) — the older
// connection is disposed, unconditionally, since gen is monotonic and the
// caller only ever installs its own freshly-established connection.
func (m *Manager) install(username string, mc *msgconn.MessageConnection) {
	entry := &cacheEntry{conn: mc, gen: m.nextGen()}
	m.mu.Lock()
	old, existed := m.cache[username]
	m.cache[username] = entry
	m.mu.Unlock()
	if existed && old.gen < entry.gen {
		old.conn.Close("superseded by newer connection")
	}
	go m.watchForDeath(username, entry)
}

// watchForDeath evicts entry from the cache once its underlying connection
// disconnects on its own (read/write error, watchdog, inactivity) — the
// cache must not keep serving a dead socket until the next lookup finds
// out the hard way. Waits on Connection.Done() rather than filtering
// Events() for EventDisconnected: Events() is a best-effort, drop-when-full
// buffer, so a burst of EventProgress sends around the time of disconnect
// could otherwise bury (or entirely crowd out) the one event this depends
// on. Done() is a dedicated close signal that Disconnect always closes.
func (m *Manager) watchForDeath(username string, entry *cacheEntry) {
	<-entry.conn.Connection().Done()
	m.remove(username, entry)
}

// remove drops username's slot iff it still holds entry — used when an
// established connection later dies, so a stale cache doesn't outlive it.
func (m *Manager) remove(username string, entry *cacheEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.cache[username]; ok && cur == entry {
		delete(m.cache, username)
	}
}

// lookupDistributed, installDistributed, watchForDeathDistributed and
// removeDistributed are distCache's counterparts to lookupCache/install/
// watchForDeath/remove above, kept separate rather than parameterized
// since the teacher keeps defaultPeers and distributedPeers as two plainly
// separate maps with their own lifecycle methods (peer_manager.go).

func (m *Manager) lookupDistributed(username string) *msgconn.MessageConnection {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.distCache[username]; ok {
		return e.conn
	}
	return nil
}

func (m *Manager) installDistributed(username string, mc *msgconn.MessageConnection) {
	entry := &cacheEntry{conn: mc, gen: m.nextGen()}
	m.mu.Lock()
	old, existed := m.distCache[username]
	m.distCache[username] = entry
	m.mu.Unlock()
	if existed && old.gen < entry.gen {
		old.conn.Close("superseded by newer distributed connection")
	}
	go m.watchForDeathDistributed(username, entry)
}

func (m *Manager) watchForDeathDistributed(username string, entry *cacheEntry) {
	<-entry.conn.Connection().Done()
	m.removeDistributed(username, entry)
}

func (m *Manager) removeDistributed(username string, entry *cacheEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.distCache[username]; ok && cur == entry {
		delete(m.distCache, username)
	}
}

// GetOrAdd returns the cached message connection for username, or
// establishes one by racing a direct connect to host:port against an
// indirect solicitation through the Server Connection collaborator.
// Concurrent calls for the same username join the same in-flight attempt.
// privileged is the ConnectToPeerResponse.Privileged flag the caller
// received from the server alongside host/port (0 if the caller dialed
// username directly without going through the server, e.g. a cached
// address). It is opaque to PCM — carried through to the resulting
// message connection's Privileged() per SPEC_FULL.md §3, never inspected.
func (m *Manager) GetOrAdd(ctx context.Context, username, host string, port uint32, privileged uint8) (*msgconn.MessageConnection, error) {
	if mc := m.lookupCache(username); mc != nil {
		return mc, nil
	}
	v, err, _ := m.group.Do(username, func() (any, error) {
		if mc := m.lookupCache(username); mc != nil {
			return mc, nil
		}
		mc, err := m.establish(ctx, username, host, port, "P", 0, privileged)
		if err != nil {
			return nil, err
		}
		m.install(username, mc)
		return mc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*msgconn.MessageConnection), nil
}

// AddInboundMessage installs an inbound message connection the Listener
// accepted after reading PeerInit(username, "P", token). Always supersedes
// any existing cached connection for username.
func (m *Manager) AddInboundMessage(username, remote string, conn net.Conn) *msgconn.MessageConnection {
	c := netconn.FromAccepted(remote, netconn.Inbound, netconn.Direct, m.opts.ConnectionOptions, m.logger, conn)
	mc := msgconn.New(c, username, codec.Peer, m.logger)
	mc.StartContinuousRead(context.Background())
	m.install(username, mc)
	return mc
}

// AddInboundDistributed installs an inbound distributed-branch connection
// the Listener accepted after reading PeerInit(username, "D", token).
// Tracked separately from the message-connection cache so a peer can carry
// both kinds at once (spec.md §4.6, SPEC_FULL.md §3's distributed branch
// bookkeeping). The resulting connection's BranchLevel/BranchRoot update
// themselves as Distributed.BranchLevel/BranchRoot frames arrive.
func (m *Manager) AddInboundDistributed(username, remote string, conn net.Conn) *msgconn.MessageConnection {
	c := netconn.FromAccepted(remote, netconn.Inbound, netconn.Direct, m.opts.ConnectionOptions, m.logger, conn)
	mc := msgconn.New(c, username, codec.Distributed, m.logger)
	mc.StartContinuousRead(context.Background())
	m.installDistributed(username, mc)
	return mc
}

// PeekDistributed returns the currently cached distributed connection for
// username, or nil. For diagnostics, mirroring Peek.
func (m *Manager) PeekDistributed(username string) *msgconn.MessageConnection {
	return m.lookupDistributed(username)
}

// GetTransfer establishes an outbound transfer connection to username,
// racing direct and indirect exactly like GetOrAdd but on the "F" peer
// type. Transfer connections are not cached; each caller owns its socket.
// privileged is recorded on the pending solicitation during the race, same
// as GetOrAdd; the returned net.Conn carries no metadata, so the flag is not
// visible to the caller afterwards.
func (m *Manager) GetTransfer(ctx context.Context, username, host string, port uint32, token uint32, privileged uint8) (net.Conn, error) {
	mc, err := m.establish(ctx, username, host, port, "F", token, privileged)
	if err != nil {
		return nil, err
	}
	raw := mc.Connection().Handoff()
	tokenBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(tokenBytes, token)
	if _, err := raw.Write(tokenBytes); err != nil {
		raw.Close()
		return nil, &netconn.ConnError{Kind: netconn.ErrWrite, Cause: err}
	}
	return raw, nil
}

// AddInboundTransfer handles an inbound transfer socket the Listener
// accepted after reading PeerInit(username, "F", handshakeToken): it reads
// the raw 4-byte remote token GetTransfer writes after its own handshake
// and completes the (DirectTransfer, username, remoteToken) waiter that an
// AwaitInboundTransfer caller blocks on. handshakeToken is retained only for logging; remoteToken read off
// the wire is the correlating value (spec.md §4.5).
func (m *Manager) AddInboundTransfer(ctx context.Context, username, remote string, handshakeToken uint32, conn net.Conn) error {
	c := netconn.FromAccepted(remote, netconn.Inbound, netconn.Direct, m.opts.ConnectionOptions, m.logger, conn)
	raw, err := c.Read(ctx, 4)
	if err != nil {
		return err
	}
	remoteToken := binary.LittleEndian.Uint32(raw)
	m.logger.Debug("inbound transfer socket identified", "username", username, "handshakeToken", handshakeToken, "remoteToken", remoteToken)
	waiter.Complete(m.waiter, waiter.Key{Kind: KindDirectTransfer, User: username, Token: remoteToken}, c.Handoff())
	return nil
}

// AwaitInboundTransfer blocks until an inbound transfer socket bearing
// token for username has been identified by AddInboundTransfer, or until
// ctx is cancelled / the default wait timeout elapses. Per spec.md §4.5
// ("the caller that issued the download will be blocked on that waiter and
// receives the socket") and §8 scenario 4, this is how the (out-of-scope)
// download collaborator actually receives the socket AddInboundTransfer
// completes — register the wait before the transfer's own solicitation can
// plausibly resolve, since Complete buffers the value if this is called
// too late rather than dropping it.
func (m *Manager) AwaitInboundTransfer(ctx context.Context, username string, token uint32) (net.Conn, error) {
	key := waiter.Key{Kind: KindDirectTransfer, User: username, Token: token}
	return waiter.Wait[net.Conn](m.waiter, ctx, key, m.opts.DefaultWaitTimeout)
}

// CompleteIndirect resolves the outstanding solicitation for token with an
// inbound socket the Listener identified via PierceFirewall. Returns false
// if no solicitation is pending (stale token, already resolved, expired).
func (m *Manager) CompleteIndirect(token uint32, conn net.Conn) bool {
	sol, ok := m.pending.Get(token)
	if !ok {
		return false
	}
	m.pending.Delete(token)
	m.logger.Debug("PierceFirewall resolved solicitation", "username", sol.Username, "connType", sol.ConnType, "token", token)
	waiter.Complete(m.waiter, waiter.Key{Kind: KindSolicitedPeerConnection, User: sol.Username, Token: token}, conn)
	return true
}

// establish runs the direct/indirect connect race shared by GetOrAdd and
// GetTransfer, differing only in the peer type tag ("P"/"F") carried on
// PeerInit and ConnectToPeerRequest. privileged is recorded on the pending
// solicitation and the resulting message connection, per SPEC_FULL.md §3;
// establish never inspects it.
func (m *Manager) establish(ctx context.Context, username, host string, port uint32, peerType string, transferToken uint32, privileged uint8) (*msgconn.MessageConnection, error) {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		conn *netconn.Connection
		path netconn.Path
	}
	winnerCh := make(chan result, 1)
	start := time.Now()

	solicitToken := m.nextToken()
	var directErr, indirectErr error

	// A plain WaitGroup, not errgroup: per spec.md §2/§4.5c/§7, one
	// branch's failure must be swallowed as long as the other is still in
	// flight — only an explicit win cancels raceCtx. errgroup.WithContext
	// cancels its derived context the instant either goroutine returns a
	// non-nil error, which would abort a still-pending indirect wait the
	// moment a fast-failing direct dial (connection refused) returns,
	// defeating the firewall-piercing purpose of the indirect path.
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		remote := net.JoinHostPort(host, strconv.Itoa(int(port)))
		c := netconn.NewConnection(remote, netconn.Outbound, netconn.Direct, m.opts.ConnectionOptions, m.logger)
		if err := c.ConnectAsync(raceCtx); err != nil {
			directErr = err
			return
		}
		select {
		case winnerCh <- result{conn: c, path: netconn.Direct}:
			cancel()
		default:
			c.Disconnect("lost connect race")
		}
	}()

	go func() {
		defer wg.Done()
		m.pending.Set(solicitToken, pendingSolicitation{Username: username, ConnType: peerType, Privileged: privileged}, m.opts.DefaultWaitTimeout)
		defer m.pending.Delete(solicitToken)

		if err := m.server.SendConnectToPeerRequest(raceCtx, codec.ConnectToPeerRequest{Token: solicitToken, Username: username, Type: peerType}); err != nil {
			indirectErr = err
			return
		}
		key := waiter.Key{Kind: KindSolicitedPeerConnection, User: username, Token: solicitToken}
		conn, err := waiter.Wait[net.Conn](m.waiter, raceCtx, key, m.opts.DefaultWaitTimeout)
		if err != nil {
			indirectErr = err
			return
		}
		// Per spec.md §8 scenario 2 and the redesign in DESIGN.md, an
		// indirect winner is tagged Outbound|Indirect: we solicited it,
		// even though the socket physically arrived via accept.
		c := netconn.FromAccepted(conn.RemoteAddr().String(), netconn.Outbound, netconn.Indirect, m.opts.ConnectionOptions, m.logger, conn)
		select {
		case winnerCh <- result{conn: c, path: netconn.Indirect}:
			cancel()
		default:
			c.Disconnect("lost connect race")
		}
	}()

	wg.Wait()

	select {
	case w := <-winnerCh:
		branch := metrics.BranchDirect
		if w.path == netconn.Indirect {
			branch = metrics.BranchIndirect
		}
		m.race.Record(branch, time.Since(start))

		mc := msgconn.New(w.conn, username, codec.Peer, m.logger)
		mc.SetPrivileged(privileged)
		if w.path == netconn.Direct {
			peerInitToken := transferToken
			if peerType == "P" {
				peerInitToken = m.nextToken()
			}
			frame := codec.EncodePeerInit(codec.PeerInit{Username: m.opts.OurUsername, Type: peerType, Token: peerInitToken})
			if err := mc.Send(ctx, frame); err != nil {
				mc.Close("peer init failed")
				return nil, &netconn.ConnError{Kind: netconn.ErrWrite, Cause: err}
			}
		}
		// Continuous frame reading belongs to message connections only
		// (spec.md §4.5e). A transfer connection is a raw byte pipe the
		// caller is about to Handoff; starting the frame reader on it
		// would race that Handoff for the same socket and misparse
		// transfer bytes as frame lengths.
		if peerType == "P" {
			mc.StartContinuousRead(context.Background())
		}
		if m.resolver != nil && w.path == netconn.Direct {
			m.resolver.Remember(ctx, username, host, port)
		}
		return mc, nil
	default:
		if directErr != nil {
			if err := m.server.SendCantConnectToPeer(ctx, codec.CantConnectToPeer{Token: solicitToken, Username: username}); err != nil {
				m.logger.Warn("failed to notify server of failed indirect attempt", "username", username, "err", err)
			}
		}
		return nil, &RaceError{Username: username, Direct: directErr, Indirect: indirectErr}
	}
}

// Dispose tears down every cached connection and clears the
// pending-solicitation store; called on shutdown.
func (m *Manager) Dispose() {
	m.mu.Lock()
	entries := make([]*cacheEntry, 0, len(m.cache)+len(m.distCache))
	for k, e := range m.cache {
		entries = append(entries, e)
		delete(m.cache, k)
	}
	for k, e := range m.distCache {
		entries = append(entries, e)
		delete(m.distCache, k)
	}
	m.mu.Unlock()
	for _, e := range entries {
		e.conn.Close("manager disposed")
	}
	m.pending.Clear()
	m.waiter.CancelAll()
}
