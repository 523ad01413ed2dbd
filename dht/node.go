package dht

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/rats/platform"
)

// ErrQueryTimeout indicates a KRPC query exhausted all attempts.
var ErrQueryTimeout = errors.New("dht query timed out")

// ErrNotRunning indicates an operation on a stopped node.
var ErrNotRunning = errors.New("dht node is not running")

// Config holds the tunable parameters of a DHT node. Zero or negative
// durations take the defaults from DefaultConfig; QueryRetries takes its
// default only when negative, so zero means no retransmissions.
type Config struct {
	// ID is the local node identity; zero means generate a random one.
	ID NodeID

	// QueryTimeout bounds one complete query including retries.
	QueryTimeout time.Duration
	// QueryRetries is the number of retransmissions after the first
	// attempt.
	QueryRetries int
	// RetrySpacing is the wait between attempts.
	RetrySpacing time.Duration

	// RefreshInterval is how often stale buckets are refreshed.
	RefreshInterval time.Duration
	// ReannounceInterval is how often active announcements are repeated.
	ReannounceInterval time.Duration
	// AnnouncementTTL is how long a stored peer announcement lives.
	AnnouncementTTL time.Duration
	// TokenRotation is how often the announce-token secret rotates.
	TokenRotation time.Duration

	// Network supplies the UDP socket; nil means the system network.
	Network platform.Network
}

// DefaultConfig returns the production parameters.
func DefaultConfig() Config {
	return Config{
		QueryTimeout:       8 * time.Second,
		QueryRetries:       2,
		RetrySpacing:       4 * time.Second,
		RefreshInterval:    15 * time.Minute,
		ReannounceInterval: 30 * time.Minute,
		AnnouncementTTL:    30 * time.Minute,
		TokenRotation:      5 * time.Minute,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = def.QueryTimeout
	}
	if c.QueryRetries < 0 {
		c.QueryRetries = def.QueryRetries
	}
	if c.RetrySpacing <= 0 {
		c.RetrySpacing = def.RetrySpacing
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = def.RefreshInterval
	}
	if c.ReannounceInterval <= 0 {
		c.ReannounceInterval = def.ReannounceInterval
	}
	if c.AnnouncementTTL <= 0 {
		c.AnnouncementTTL = def.AnnouncementTTL
	}
	if c.TokenRotation <= 0 {
		c.TokenRotation = def.TokenRotation
	}
	if c.Network == nil {
		c.Network = platform.NewSystemNetwork()
	}
}

// announceEntry is one stored peer announcement for an info-hash.
type announceEntry struct {
	endpoint platform.Endpoint
	seen     time.Time
}

// Node is a Kademlia DHT node.
type Node struct {
	cfg    Config
	id     NodeID
	table  *RoutingTable
	tokens *TokenStore

	conn net.PacketConn

	pendingMu sync.Mutex
	pending   map[string]chan *krpcResponseBody

	annMu         sync.Mutex
	announcements map[InfoHash]map[string]announceEntry
	announced     map[InfoHash]uint16

	malformed atomic.Uint64

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewNode creates a DHT node. The node does not touch the network until
// Start is called.
func NewNode(cfg Config) (*Node, error) {
	cfg.applyDefaults()

	id := cfg.ID
	if id == (NodeID{}) {
		var err error
		id, err = NewRandomID()
		if err != nil {
			return nil, err
		}
	}

	tokens, err := NewTokenStore(cfg.TokenRotation)
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:           cfg,
		id:            id,
		table:         NewRoutingTable(id),
		tokens:        tokens,
		pending:       make(map[string]chan *krpcResponseBody),
		announcements: make(map[InfoHash]map[string]announceEntry),
		announced:     make(map[InfoHash]uint16),
	}
	n.table.SetPingFunc(n.pingRecord)
	return n, nil
}

// ID returns the local node ID.
func (n *Node) ID() NodeID { return n.id }

// RoutingTableSize returns the number of known nodes.
func (n *Node) RoutingTableSize() int { return n.table.Size() }

// MalformedCount returns how many undecodable datagrams were dropped.
func (n *Node) MalformedCount() uint64 { return n.malformed.Load() }

// LocalAddr returns the bound UDP address, or nil before Start.
func (n *Node) LocalAddr() net.Addr {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn == nil {
		return nil
	}
	return n.conn.LocalAddr()
}

// Start binds the UDP socket and launches the receive and maintenance
// loops.
func (n *Node) Start(port uint16) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return errors.New("dht node already started")
	}

	conn, err := n.cfg.Network.ListenUDP(port)
	if err != nil {
		return fmt.Errorf("dht bind failed: %w", err)
	}

	n.conn = conn
	n.ctx, n.cancel = context.WithCancel(context.Background())
	n.running = true

	n.wg.Add(2)
	go n.readLoop()
	go n.maintenanceLoop()

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"node_id":  n.id.String(),
		"addr":     conn.LocalAddr().String(),
	}).Info("DHT node started")
	return nil
}

// Stop shuts the node down and waits for its goroutines. Idempotent.
func (n *Node) Stop() {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	n.running = false
	n.cancel()
	conn := n.conn
	n.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	n.wg.Wait()

	// Unblock any caller still waiting on a response.
	n.pendingMu.Lock()
	for txn, ch := range n.pending {
		close(ch)
		delete(n.pending, txn)
	}
	n.pendingMu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
		"node_id":  n.id.String(),
	}).Info("DHT node stopped")
}

// Bootstrap contacts the seed nodes with find_node queries for our own ID
// and then performs a self-lookup to populate nearby buckets. At least one
// seed must respond.
func (n *Node) Bootstrap(seeds []platform.Endpoint) error {
	if len(seeds) == 0 {
		return errors.New("no bootstrap seeds")
	}

	reached := 0
	for _, seed := range seeds {
		addr, err := net.ResolveUDPAddr("udp", seed.String())
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Bootstrap",
				"seed":     seed.String(),
				"error":    err.Error(),
			}).Warn("Bootstrap seed did not resolve")
			continue
		}

		body, err := n.query(addr, methodFindNode, map[string]any{
			"id":     string(n.id[:]),
			"target": string(n.id[:]),
		})
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Bootstrap",
				"seed":     seed.String(),
				"error":    err.Error(),
			}).Warn("Bootstrap seed did not respond")
			continue
		}
		reached++
		n.integrateResponse(addr, body)
	}

	if reached == 0 {
		return fmt.Errorf("bootstrap failed: none of %d seeds responded", len(seeds))
	}

	// Canonical join step: iterative lookup of our own ID.
	n.lookup(n.id, nil)

	logrus.WithFields(logrus.Fields{
		"function":      "Bootstrap",
		"seeds_reached": reached,
		"table_size":    n.table.Size(),
	}).Info("Bootstrap complete")
	return nil
}

// Ping probes a single endpoint and reports whether it answered. A
// responder is recorded in the routing table.
func (n *Node) Ping(ep platform.Endpoint) bool {
	addr, err := net.ResolveUDPAddr("udp", ep.String())
	if err != nil {
		return false
	}
	body, err := n.query(addr, methodPing, map[string]any{"id": string(n.id[:])})
	if err != nil {
		return false
	}
	if id, idErr := IDFromBytes([]byte(body.ID)); idErr == nil {
		n.table.AddNode(&NodeRecord{ID: id, Addr: addr, Status: StatusGood})
	}
	return true
}

// pingRecord is the liveness probe wired into the routing table.
func (n *Node) pingRecord(rec *NodeRecord) bool {
	_, err := n.query(rec.Addr, methodPing, map[string]any{"id": string(n.id[:])})
	return err == nil
}

// integrateResponse records the responder and any nodes it suggested.
func (n *Node) integrateResponse(addr *net.UDPAddr, body *krpcResponseBody) []*NodeRecord {
	if id, err := IDFromBytes([]byte(body.ID)); err == nil {
		n.table.AddNode(&NodeRecord{ID: id, Addr: addr, Status: StatusGood})
	}

	if body.Nodes == "" {
		return nil
	}
	nodes, err := ParseCompactNodes([]byte(body.Nodes))
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "integrateResponse",
			"from":     addr.String(),
		}).Debug("Dropping malformed compact node list")
		return nil
	}
	for _, rec := range nodes {
		n.table.AddNode(rec)
	}
	return nodes
}

// query sends one KRPC query and waits for the matching response,
// retransmitting up to QueryRetries times. The whole exchange is bounded by
// QueryTimeout.
func (n *Node) query(addr *net.UDPAddr, method string, args map[string]any) (*krpcResponseBody, error) {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return nil, ErrNotRunning
	}
	conn := n.conn
	ctx := n.ctx
	n.mu.Unlock()

	deadline := time.After(n.cfg.QueryTimeout)
	attempts := 1 + n.cfg.QueryRetries

	for attempt := 0; attempt < attempts; attempt++ {
		txn, err := newTransactionID()
		if err != nil {
			return nil, err
		}
		datagram, err := encodeQuery(txn, method, args)
		if err != nil {
			return nil, err
		}

		ch := make(chan *krpcResponseBody, 1)
		n.pendingMu.Lock()
		n.pending[txn] = ch
		n.pendingMu.Unlock()

		_, err = conn.WriteTo(datagram, addr)
		if err != nil {
			n.dropPending(txn)
			return nil, fmt.Errorf("dht send failed: %w", err)
		}

		select {
		case body, ok := <-ch:
			n.dropPending(txn)
			if !ok || body == nil {
				return nil, fmt.Errorf("%w: %s to %s", ErrQueryTimeout, method, addr)
			}
			return body, nil
		case <-time.After(n.cfg.RetrySpacing):
			n.dropPending(txn)
			// Retransmit with a fresh transaction ID.
		case <-deadline:
			n.dropPending(txn)
			return nil, fmt.Errorf("%w: %s to %s", ErrQueryTimeout, method, addr)
		case <-ctx.Done():
			n.dropPending(txn)
			return nil, ErrNotRunning
		}
	}

	return nil, fmt.Errorf("%w: %s to %s after %d attempts", ErrQueryTimeout, method, addr, attempts)
}

func (n *Node) dropPending(txn string) {
	n.pendingMu.Lock()
	delete(n.pending, txn)
	n.pendingMu.Unlock()
}

// readLoop receives datagrams until the socket closes.
func (n *Node) readLoop() {
	defer n.wg.Done()

	buf := make([]byte, 2048)
	for {
		count, addr, err := n.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-n.ctx.Done():
				return
			default:
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			logrus.WithFields(logrus.Fields{
				"function": "readLoop",
				"error":    err.Error(),
			}).Debug("DHT read error")
			return
		}

		if count > maxDatagramSize {
			// Oversized datagrams are dropped per protocol policy.
			n.malformed.Add(1)
			continue
		}

		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}

		data := make([]byte, count)
		copy(data, buf[:count])
		// Handled off the read loop: answering a query can ping the
		// oldest node in a full bucket, and that response arrives here.
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.handleDatagram(data, udpAddr)
		}()
	}
}

// handleDatagram decodes and dispatches one incoming KRPC message.
func (n *Node) handleDatagram(data []byte, addr *net.UDPAddr) {
	msg, err := decodeKRPC(data)
	if err != nil {
		n.malformed.Add(1)
		logrus.WithFields(logrus.Fields{
			"function": "handleDatagram",
			"from":     addr.String(),
		}).Debug("Dropping malformed KRPC datagram")
		return
	}

	switch msg.Kind {
	case krpcQuery:
		n.handleQuery(msg, addr)
	case krpcResponse:
		n.deliverResponse(msg)
	case krpcError:
		logrus.WithFields(logrus.Fields{
			"function": "handleDatagram",
			"from":     addr.String(),
			"error":    fmt.Sprintf("%v", msg.Error),
		}).Debug("KRPC error response")
		n.deliverFailure(msg.TransactionID)
	default:
		n.malformed.Add(1)
	}
}

// deliverResponse routes a response to the caller waiting on its
// transaction ID.
func (n *Node) deliverResponse(msg *krpcMessage) {
	body, err := decodeResponseBody(msg.Response)
	if err != nil {
		n.malformed.Add(1)
		return
	}

	n.pendingMu.Lock()
	ch, ok := n.pending[msg.TransactionID]
	if ok {
		delete(n.pending, msg.TransactionID)
	}
	n.pendingMu.Unlock()

	if ok {
		ch <- body
	}
}

// deliverFailure unblocks the waiter of a failed transaction.
func (n *Node) deliverFailure(txn string) {
	n.pendingMu.Lock()
	ch, ok := n.pending[txn]
	if ok {
		delete(n.pending, txn)
	}
	n.pendingMu.Unlock()

	if ok {
		close(ch)
	}
}

// handleQuery answers one incoming query and learns the sender.
func (n *Node) handleQuery(msg *krpcMessage, addr *net.UDPAddr) {
	switch msg.Method {
	case methodPing:
		var args pingArgs
		if err := decodeArgs(msg.Args, &args); err != nil {
			n.replyError(msg.TransactionID, addr, krpcErrProtocol)
			return
		}
		n.learnSender(args.ID, addr)
		n.reply(msg.TransactionID, addr, map[string]any{"id": string(n.id[:])})

	case methodFindNode:
		var args findNodeArgs
		if err := decodeArgs(msg.Args, &args); err != nil {
			n.replyError(msg.TransactionID, addr, krpcErrProtocol)
			return
		}
		n.learnSender(args.ID, addr)
		target, err := IDFromBytes([]byte(args.Target))
		if err != nil {
			n.replyError(msg.TransactionID, addr, krpcErrProtocol)
			return
		}
		closest := n.table.FindClosest(target, BucketSize)
		n.reply(msg.TransactionID, addr, map[string]any{
			"id":    string(n.id[:]),
			"nodes": string(CompactNodes(closest)),
		})

	case methodGetPeers:
		n.handleGetPeers(msg, addr)

	case methodAnnouncePeer:
		n.handleAnnouncePeer(msg, addr)

	default:
		logrus.WithFields(logrus.Fields{
			"function": "handleQuery",
			"method":   msg.Method,
			"from":     addr.String(),
		}).Debug("Unknown KRPC method")
		if datagram, err := encodeError(msg.TransactionID, krpcErrMethodUnknown, "Method Unknown"); err == nil {
			_, _ = n.conn.WriteTo(datagram, addr)
		}
	}
}

// handleGetPeers answers a get_peers query with stored announcements when
// available, otherwise with the closest known nodes. A token for a
// follow-up announce_peer is always included.
func (n *Node) handleGetPeers(msg *krpcMessage, addr *net.UDPAddr) {
	var args getPeersArgs
	if err := decodeArgs(msg.Args, &args); err != nil {
		n.replyError(msg.TransactionID, addr, krpcErrProtocol)
		return
	}
	n.learnSender(args.ID, addr)

	infoHash, err := IDFromBytes([]byte(args.InfoHash))
	if err != nil {
		n.replyError(msg.TransactionID, addr, krpcErrProtocol)
		return
	}

	body := map[string]any{
		"id":    string(n.id[:]),
		"token": n.tokens.Generate(addr, infoHash),
	}

	if values := n.peersFor(infoHash); len(values) > 0 {
		body["values"] = values
	} else {
		closest := n.table.FindClosest(infoHash, BucketSize)
		body["nodes"] = string(CompactNodes(closest))
	}

	n.reply(msg.TransactionID, addr, body)
}

// handleAnnouncePeer validates the token and stores the announcement.
func (n *Node) handleAnnouncePeer(msg *krpcMessage, addr *net.UDPAddr) {
	var args announcePeerArgs
	if err := decodeArgs(msg.Args, &args); err != nil {
		n.replyError(msg.TransactionID, addr, krpcErrProtocol)
		return
	}
	n.learnSender(args.ID, addr)

	infoHash, err := IDFromBytes([]byte(args.InfoHash))
	if err != nil {
		n.replyError(msg.TransactionID, addr, krpcErrProtocol)
		return
	}

	if !n.tokens.Validate(args.Token, addr, infoHash) {
		logrus.WithFields(logrus.Fields{
			"function":  "handleAnnouncePeer",
			"from":      addr.String(),
			"info_hash": infoHash.String(),
		}).Debug("Rejecting announce with invalid token")
		n.replyError(msg.TransactionID, addr, krpcErrProtocol)
		return
	}

	port := uint16(args.Port)
	if args.ImpliedPort != 0 {
		port = uint16(addr.Port)
	}
	if port == 0 {
		n.replyError(msg.TransactionID, addr, krpcErrProtocol)
		return
	}

	ep := platform.Endpoint{Addr: addr.IP.String(), Port: port}
	n.storeAnnouncement(infoHash, ep)
	n.reply(msg.TransactionID, addr, map[string]any{"id": string(n.id[:])})

	logrus.WithFields(logrus.Fields{
		"function":  "handleAnnouncePeer",
		"info_hash": infoHash.String(),
		"endpoint":  ep.String(),
	}).Debug("Stored peer announcement")
}

// storeAnnouncement records an endpoint for an info-hash, refreshing the
// timestamp when it already exists.
func (n *Node) storeAnnouncement(infoHash InfoHash, ep platform.Endpoint) {
	n.annMu.Lock()
	defer n.annMu.Unlock()
	entries, ok := n.announcements[infoHash]
	if !ok {
		entries = make(map[string]announceEntry)
		n.announcements[infoHash] = entries
	}
	entries[ep.String()] = announceEntry{endpoint: ep, seen: time.Now()}
}

// peersFor returns the stored announcements for an info-hash in compact
// form, capped so the response fits a single datagram.
func (n *Node) peersFor(infoHash InfoHash) []any {
	const maxValues = 50

	n.annMu.Lock()
	defer n.annMu.Unlock()
	entries, ok := n.announcements[infoHash]
	if !ok {
		return nil
	}

	cutoff := time.Now().Add(-n.cfg.AnnouncementTTL)
	values := make([]any, 0, len(entries))
	for key, entry := range entries {
		if entry.seen.Before(cutoff) {
			delete(entries, key)
			continue
		}
		compact, err := CompactPeer(entry.endpoint)
		if err != nil {
			continue
		}
		values = append(values, string(compact))
		if len(values) >= maxValues {
			break
		}
	}
	if len(entries) == 0 {
		delete(n.announcements, infoHash)
	}
	return values
}

// learnSender adds the querying node to the routing table.
func (n *Node) learnSender(rawID string, addr *net.UDPAddr) {
	id, err := IDFromBytes([]byte(rawID))
	if err != nil {
		return
	}
	n.table.AddNode(&NodeRecord{ID: id, Addr: addr, Status: StatusGood})
}

func (n *Node) reply(txn string, addr *net.UDPAddr, body map[string]any) {
	datagram, err := encodeResponse(txn, body)
	if err != nil {
		return
	}
	if len(datagram) > maxDatagramSize {
		logrus.WithFields(logrus.Fields{
			"function": "reply",
			"size":     len(datagram),
		}).Warn("Dropping oversized KRPC response")
		return
	}
	_, _ = n.conn.WriteTo(datagram, addr)
}

func (n *Node) replyError(txn string, addr *net.UDPAddr, code int) {
	datagram, err := encodeError(txn, code, krpcErrInvalidArgsMsg)
	if err != nil {
		return
	}
	_, _ = n.conn.WriteTo(datagram, addr)
}
