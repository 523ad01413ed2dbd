package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/rats/platform"
	"github.com/opd-ai/rats/transport"
)

// Options holds the tunable parameters of the peer client. Zero fields take
// the defaults from DefaultOptions.
type Options struct {
	// Network supplies sockets and resolution; nil means the system
	// network.
	Network platform.Network
	// HandshakeTimeout bounds the hello exchange on a new connection.
	HandshakeTimeout time.Duration
	// DialTimeout bounds each connection candidate during ConnectToPeer.
	DialTimeout time.Duration
	// PingInterval is the idle time before a keepalive ping is sent.
	PingInterval time.Duration
	// PongTimeout is how long a pong may take before the session is
	// closed.
	PongTimeout time.Duration
	// QueueSize is the per-session outbound queue depth.
	QueueSize int
}

// DefaultOptions returns the production parameters.
func DefaultOptions() Options {
	return Options{
		HandshakeTimeout: 5 * time.Second,
		DialTimeout:      10 * time.Second,
		PingInterval:     30 * time.Second,
		PongTimeout:      15 * time.Second,
		QueueSize:        64,
	}
}

func (o *Options) applyDefaults() {
	def := DefaultOptions()
	if o.Network == nil {
		o.Network = platform.NewSystemNetwork()
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = def.HandshakeTimeout
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = def.DialTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = def.PingInterval
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = def.PongTimeout
	}
	if o.QueueSize <= 0 {
		o.QueueSize = def.QueueSize
	}
}

// PeerInfo is a point-in-time snapshot of one live session.
type PeerInfo struct {
	ID          ID
	Endpoint    platform.Endpoint
	Direction   Direction
	ConnectedAt time.Time
	ListenPort  uint16
}

// ConnectCallback observes a completed handshake.
type ConnectCallback func(id ID)

// DisconnectCallback observes a session teardown with its reason.
type DisconnectCallback func(id ID, reason error)

// StringDataCallback observes application messages.
type StringDataCallback func(id ID, payload []byte)

// BinaryDataCallback observes binary frames not consumed by the transfer
// engine.
type BinaryDataCallback func(id ID, payload []byte)

// ControlHandler consumes reserved file_/dir_ control messages.
type ControlHandler func(id ID, msgType string, payload []byte)

// ChunkHandler consumes binary chunk frames.
type ChunkHandler func(id ID, payload []byte)

// textMessage wraps plain text sent through Broadcast or SendToPeer so it
// survives the typed-dispatch rule; the receiving side unwraps it before
// invoking the string-data callback.
type textMessage struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// typeMessage is the wrapped-text message type.
const typeMessage = "message"

// Client is the peer session manager.
type Client struct {
	opts       Options
	id         ID
	listenPort uint16

	mu        sync.RWMutex
	running   bool
	listeners []net.Listener
	bySocket  map[string]*Session
	byPeer    map[ID]*Session

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	cbMu           sync.RWMutex
	onConnect      ConnectCallback
	onDisconnect   DisconnectCallback
	onStringData   StringDataCallback
	onBinaryData   BinaryDataCallback
	controlHandler ControlHandler
	chunkHandler   ChunkHandler
}

// NewClient creates a peer client with a fresh random identity.
func NewClient(opts Options) (*Client, error) {
	opts.applyDefaults()
	id, err := NewID()
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewClient",
		"peer_id":  id.String(),
	}).Info("Peer client created")

	return &Client{
		opts:     opts,
		id:       id,
		bySocket: make(map[string]*Session),
		byPeer:   make(map[ID]*Session),
	}, nil
}

// ID returns the local peer identity.
func (c *Client) ID() ID { return c.id }

// ListenPort returns the port passed to Start.
func (c *Client) ListenPort() uint16 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.listenPort
}

// OnConnect registers the connection callback.
func (c *Client) OnConnect(cb ConnectCallback) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onConnect = cb
}

// OnDisconnect registers the disconnection callback.
func (c *Client) OnDisconnect(cb DisconnectCallback) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onDisconnect = cb
}

// OnStringData registers the application message callback.
func (c *Client) OnStringData(cb StringDataCallback) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onStringData = cb
}

// OnBinaryData registers the raw binary frame callback.
func (c *Client) OnBinaryData(cb BinaryDataCallback) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onBinaryData = cb
}

// SetControlHandler wires the consumer of reserved file_/dir_ messages;
// used by the transfer engine.
func (c *Client) SetControlHandler(h ControlHandler) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.controlHandler = h
}

// SetChunkHandler wires the consumer of binary chunk frames; used by the
// transfer engine. Binary frames fall through to OnBinaryData when no
// handler is set.
func (c *Client) SetChunkHandler(h ChunkHandler) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.chunkHandler = h
}

// Start binds the listener and begins accepting connections. A single
// dual-stack listener is preferred; when the platform refuses one, parallel
// IPv4 and IPv6 listeners are used instead.
func (c *Client) Start(listenPort uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return errors.New("client already started")
	}

	listeners, err := c.bindListeners(listenPort)
	if err != nil {
		return err
	}

	c.listeners = listeners
	c.listenPort = listenPort
	if listenPort == 0 {
		// An ephemeral port request: record what the platform picked.
		if addr, ok := listeners[0].Addr().(*net.TCPAddr); ok {
			c.listenPort = uint16(addr.Port)
		}
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.running = true

	for _, ln := range listeners {
		c.wg.Add(1)
		go c.acceptLoop(ln)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Start",
		"peer_id":   c.id.String(),
		"port":      c.listenPort,
		"listeners": len(listeners),
	}).Info("Peer client listening")
	return nil
}

// bindListeners sets up the TCP listeners for Start.
func (c *Client) bindListeners(port uint16) ([]net.Listener, error) {
	// The wildcard "tcp" listener accepts both families where the
	// platform allows dual-stack sockets.
	if ln, err := c.opts.Network.ListenTCP("tcp", port); err == nil {
		return []net.Listener{ln}, nil
	}

	var listeners []net.Listener
	for _, network := range []string{"tcp6", "tcp4"} {
		ln, err := c.opts.Network.ListenTCP(network, port)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "bindListeners",
				"network":  network,
				"port":     port,
				"error":    err.Error(),
			}).Warn("Listener bind failed")
			continue
		}
		listeners = append(listeners, ln)
	}
	if len(listeners) == 0 {
		return nil, fmt.Errorf("failed to bind any listener on port %d", port)
	}
	return listeners, nil
}

// Stop shuts the client down: listeners and sessions close, all goroutines
// join. After Stop returns no callbacks fire. Idempotent.
func (c *Client) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.cancel()

	listeners := c.listeners
	c.listeners = nil
	sessions := make([]*Session, 0, len(c.bySocket))
	for _, sess := range c.bySocket {
		sessions = append(sessions, sess)
	}
	c.mu.Unlock()

	for _, ln := range listeners {
		_ = ln.Close()
	}
	for _, sess := range sessions {
		sess.close(ErrNotRunning)
	}

	c.wg.Wait()

	c.mu.Lock()
	c.bySocket = make(map[string]*Session)
	c.byPeer = make(map[ID]*Session)
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
		"peer_id":  c.id.String(),
	}).Info("Peer client stopped")
}

// acceptLoop accepts inbound connections for one listener.
func (c *Client) acceptLoop(ln net.Listener) {
	defer c.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-c.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "acceptLoop",
				"error":    err.Error(),
			}).Debug("Accept error")
			continue
		}

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.establishSession(conn, DirectionInbound)
		}()
	}
}

// ConnectToPeer resolves host and attempts a connection to each candidate
// address, IPv6 first, with a per-candidate timeout. It returns the peer's
// identity once the handshake completes. Connecting to a peer that is
// already connected returns the existing session's identity.
func (c *Client) ConnectToPeer(host string, port uint16) (ID, error) {
	c.mu.RLock()
	if !c.running {
		c.mu.RUnlock()
		return ID{}, ErrNotRunning
	}
	ctx := c.ctx
	c.mu.RUnlock()

	resolveCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	candidates, err := c.opts.Network.ResolveDual(resolveCtx, host)
	cancel()
	if err != nil {
		return ID{}, err
	}

	var lastErr error
	for _, ip := range candidates {
		ep := platform.Endpoint{Addr: ip.String(), Port: port}
		conn, err := c.opts.Network.DialTCP(ep, c.opts.DialTimeout)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "ConnectToPeer",
				"endpoint": ep.String(),
				"error":    err.Error(),
			}).Debug("Candidate failed")
			lastErr = err
			continue
		}

		id, err := c.establishSession(conn, DirectionOutbound)
		if err == nil {
			return id, nil
		}
		var dup *duplicatePeerError
		if errors.As(err, &dup) {
			return dup.id, nil
		}
		lastErr = err
	}

	if lastErr == nil {
		lastErr = platform.ErrResolutionFailed
	}
	return ID{}, fmt.Errorf("%w: %s:%d: %v", ErrConnectFailed, host, port, lastErr)
}

// duplicatePeerError carries the identity of the already-connected session
// when a new connection is deduplicated.
type duplicatePeerError struct {
	id ID
}

func (e *duplicatePeerError) Error() string {
	return ErrDuplicatePeer.Error() + ": " + e.id.String()
}

func (e *duplicatePeerError) Unwrap() error { return ErrDuplicatePeer }

// establishSession runs the handshake, registers the session, starts its
// goroutines, and fires OnConnect.
func (c *Client) establishSession(conn net.Conn, direction Direction) (ID, error) {
	sess := newSession(conn, direction, c.opts.QueueSize)

	if err := c.handshake(sess); err != nil {
		_ = conn.Close()
		logrus.WithFields(logrus.Fields{
			"function":  "establishSession",
			"remote":    sess.endpoint.String(),
			"direction": direction.String(),
			"error":     err.Error(),
		}).Debug("Handshake failed")
		return ID{}, err
	}

	if err := c.register(sess); err != nil {
		sess.close(err)
		return ID{}, err
	}

	go func() {
		defer c.wg.Done()
		sess.writeLoop()
	}()
	go func() {
		defer c.wg.Done()
		c.keepaliveLoop(sess)
	}()
	go func() {
		defer c.wg.Done()
		c.readLoop(sess)
	}()

	id := sess.ID()
	logrus.WithFields(logrus.Fields{
		"function":  "establishSession",
		"peer_id":   id.String(),
		"remote":    sess.endpoint.String(),
		"direction": direction.String(),
	}).Info("Peer session established")

	c.cbMu.RLock()
	cb := c.onConnect
	c.cbMu.RUnlock()
	if cb != nil {
		cb(id)
	}
	return id, nil
}

// register indexes the session by socket key and by peer identity. Both
// entries are created atomically so lookups by either key agree.
func (c *Client) register(sess *Session) error {
	id := sess.ID()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return ErrNotRunning
	}
	if existing, ok := c.byPeer[id]; ok {
		return &duplicatePeerError{id: existing.ID()}
	}
	c.bySocket[sess.key] = sess
	c.byPeer[id] = sess
	// The session goroutines are accounted for under the same lock that
	// Stop uses to flip running, so Stop's join cannot miss them.
	c.wg.Add(3)
	return nil
}

// unregister removes the session from both indexes; it reports whether
// this call performed the removal.
func (c *Client) unregister(sess *Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if current, ok := c.bySocket[sess.key]; !ok || current != sess {
		return false
	}
	delete(c.bySocket, sess.key)
	delete(c.byPeer, sess.ID())
	return true
}

// Broadcast queues payload to every live session and returns the number of
// peers that accepted it. Payloads that are not typed JSON objects are
// wrapped as text messages.
func (c *Client) Broadcast(payload []byte) int {
	frame, err := c.outboundFrame(payload)
	if err != nil {
		return 0
	}

	accepted := 0
	for _, sess := range c.snapshot() {
		if sess.enqueue(frame) == nil {
			accepted++
		}
	}
	return accepted
}

// SendToPeer queues payload to the identified peer. Payloads that are not
// typed JSON objects are wrapped as text messages and unwrapped on the
// receiving side.
func (c *Client) SendToPeer(id ID, payload []byte) error {
	frame, err := c.outboundFrame(payload)
	if err != nil {
		return err
	}
	return c.sendFrame(id, frame)
}

// SendControl marshals v and queues it to the identified peer. Used for
// typed protocol messages.
func (c *Client) SendControl(id ID, v any) error {
	frame, err := transport.EncodeControl(v)
	if err != nil {
		return err
	}
	return c.sendFrame(id, frame)
}

// SendChunk queues a binary chunk frame to the identified peer.
func (c *Client) SendChunk(id ID, chunk *transport.Chunk) error {
	frame, err := transport.EncodeChunk(chunk)
	if err != nil {
		return err
	}
	return c.sendFrame(id, frame)
}

// outboundFrame turns an application payload into a control frame. A
// payload already shaped as a typed, non-reserved JSON object passes
// through byte-identical; anything else is wrapped.
func (c *Client) outboundFrame(payload []byte) (*transport.Frame, error) {
	if msgType, err := transport.MessageType(payload); err == nil && !transport.IsReserved(msgType) {
		return &transport.Frame{Type: transport.FrameControl, Payload: payload}, nil
	}
	return transport.EncodeControl(textMessage{Type: typeMessage, Data: string(payload)})
}

func (c *Client) sendFrame(id ID, frame *transport.Frame) error {
	c.mu.RLock()
	sess, ok := c.byPeer[id]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, id)
	}
	return sess.enqueue(frame)
}

// snapshot returns the live sessions at a point in time.
func (c *Client) snapshot() []*Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sessions := make([]*Session, 0, len(c.bySocket))
	for _, sess := range c.bySocket {
		sessions = append(sessions, sess)
	}
	return sessions
}

// GetPeerCount returns the number of live sessions.
func (c *Client) GetPeerCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byPeer)
}

// ListPeers returns a snapshot of all live sessions.
func (c *Client) ListPeers() []PeerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	peers := make([]PeerInfo, 0, len(c.byPeer))
	for id, sess := range c.byPeer {
		peers = append(peers, PeerInfo{
			ID:          id,
			Endpoint:    sess.Endpoint(),
			Direction:   sess.Direction(),
			ConnectedAt: sess.ConnectedAt(),
			ListenPort:  sess.ListenPort(),
		})
	}
	return peers
}

// IsConnected reports whether a live session exists for the peer.
func (c *Client) IsConnected(id ID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.byPeer[id]
	return ok
}

// ConnectedEndpoints returns the remote endpoints of all live sessions.
func (c *Client) ConnectedEndpoints() []platform.Endpoint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	eps := make([]platform.Endpoint, 0, len(c.byPeer))
	for _, sess := range c.byPeer {
		eps = append(eps, sess.Endpoint())
	}
	return eps
}

// DisconnectPeer closes the identified session.
func (c *Client) DisconnectPeer(id ID) error {
	c.mu.RLock()
	sess, ok := c.byPeer[id]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, id)
	}
	sess.close(nil)
	return nil
}

// readLoop drives one session: it reads frames until the socket closes,
// dispatches each one, and performs teardown. Dispatch is synchronous, so
// callbacks for a single peer are serialized and ordered.
func (c *Client) readLoop(sess *Session) {
	for {
		frame, err := transport.ReadFrame(sess.conn)
		if err != nil {
			if errors.Is(err, transport.ErrFrameTooLarge) || errors.Is(err, transport.ErrFrameEmpty) {
				sess.close(fmt.Errorf("%w: %v", ErrProtocol, err))
			} else {
				sess.close(err)
			}
			break
		}
		if !c.dispatch(sess, frame) {
			break
		}
	}

	c.teardown(sess)
}

// dispatch routes one frame; it returns false when the session was closed.
func (c *Client) dispatch(sess *Session, frame *transport.Frame) bool {
	id := sess.ID()

	if frame.Type == transport.FrameBinary {
		c.cbMu.RLock()
		chunkCb := c.chunkHandler
		binCb := c.onBinaryData
		c.cbMu.RUnlock()

		switch {
		case chunkCb != nil:
			chunkCb(id, frame.Payload)
		case binCb != nil:
			binCb(id, frame.Payload)
		}
		return true
	}

	msgType, err := transport.MessageType(frame.Payload)
	if err != nil {
		sess.close(fmt.Errorf("%w: %v", ErrProtocol, err))
		return false
	}

	switch {
	case msgType == transport.TypeHello:
		// A hello after the handshake is ignored; some peers resend it
		// on reconnect races.
		return true

	case msgType == transport.TypePing:
		var ping transport.Ping
		if err := json.Unmarshal(frame.Payload, &ping); err != nil {
			sess.close(fmt.Errorf("%w: %v", ErrProtocol, err))
			return false
		}
		pong, err := transport.EncodeControl(transport.Ping{Type: transport.TypePong, TS: ping.TS})
		if err == nil {
			_ = sess.enqueue(pong)
		}
		return true

	case msgType == transport.TypePong:
		sess.pongReceived()
		return true

	case transport.IsReserved(msgType):
		c.cbMu.RLock()
		handler := c.controlHandler
		c.cbMu.RUnlock()
		if handler != nil {
			handler(id, msgType, frame.Payload)
		} else {
			logrus.WithFields(logrus.Fields{
				"function": "dispatch",
				"peer":     id.Short(),
				"type":     msgType,
			}).Debug("Reserved message with no transfer engine attached")
		}
		return true

	case msgType == typeMessage:
		var msg textMessage
		if err := json.Unmarshal(frame.Payload, &msg); err != nil {
			sess.close(fmt.Errorf("%w: %v", ErrProtocol, err))
			return false
		}
		c.deliverString(id, []byte(msg.Data))
		return true

	default:
		c.deliverString(id, frame.Payload)
		return true
	}
}

func (c *Client) deliverString(id ID, payload []byte) {
	c.cbMu.RLock()
	cb := c.onStringData
	c.cbMu.RUnlock()
	if cb != nil {
		cb(id, payload)
	}
}

// teardown unregisters the session and fires OnDisconnect exactly once.
// Callbacks are suppressed during Stop.
func (c *Client) teardown(sess *Session) {
	sess.close(nil)
	if !c.unregister(sess) {
		return
	}

	reason := sess.reason()
	logrus.WithFields(logrus.Fields{
		"function": "teardown",
		"peer_id":  sess.ID().String(),
		"reason":   fmt.Sprintf("%v", reason),
	}).Info("Peer session closed")

	select {
	case <-c.ctx.Done():
		return // stopping: no callbacks after Stop
	default:
	}

	c.cbMu.RLock()
	cb := c.onDisconnect
	c.cbMu.RUnlock()
	if cb != nil {
		cb(sess.ID(), reason)
	}
}

// keepaliveLoop pings the peer when the session is idle and closes it when
// a pong does not arrive in time.
func (c *Client) keepaliveLoop(sess *Session) {
	tick := c.opts.PingInterval / 4
	if tick > time.Second {
		tick = time.Second
	}
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-sess.done:
			return
		case <-c.ctx.Done():
			return
		case now := <-ticker.C:
			frame, expired := sess.keepaliveCheck(now, c.opts.PingInterval, c.opts.PongTimeout)
			if expired {
				logrus.WithFields(logrus.Fields{
					"function": "keepaliveLoop",
					"peer_id":  sess.ID().String(),
				}).Warn("Keepalive pong missed, closing session")
				sess.close(ErrTimeout)
				return
			}
			if frame != nil {
				_ = sess.enqueue(frame)
			}
		}
	}
}
