package peer

import (
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/rats/platform"
	"github.com/opd-ai/rats/transport"
)

// Direction records which side opened the connection.
type Direction uint8

const (
	// DirectionInbound marks a session accepted by the listener.
	DirectionInbound Direction = iota
	// DirectionOutbound marks a session this client dialed.
	DirectionOutbound
)

// String implements fmt.Stringer.
func (d Direction) String() string {
	if d == DirectionInbound {
		return "inbound"
	}
	return "outbound"
}

// HandshakeState tracks the hello exchange of a session.
type HandshakeState uint8

const (
	// HandshakePending means the hello exchange has not finished.
	HandshakePending HandshakeState = iota
	// HandshakeComplete means both hellos were exchanged.
	HandshakeComplete
	// HandshakeFailed means the exchange timed out or was rejected.
	HandshakeFailed
)

// Session is one live peer connection. It owns the socket and the write
// goroutine; reads are driven by the client. A session is addressable both
// by its socket key and, once the handshake completes, by the peer ID.
type Session struct {
	conn        net.Conn
	key         string
	endpoint    platform.Endpoint
	direction   Direction
	connectedAt time.Time

	sendq chan *transport.Frame
	done  chan struct{}

	closeOnce sync.Once

	mu           sync.Mutex
	id           ID
	listenPort   uint16
	state        HandshakeState
	closeReason  error
	lastOutbound time.Time
	awaitingPong bool
	pongDeadline time.Time
}

// newSession wraps an accepted or dialed connection. The write loop starts
// only after the handshake, so handshake frames go directly to the socket.
func newSession(conn net.Conn, direction Direction, queueSize int) *Session {
	now := time.Now()
	return &Session{
		conn:         conn,
		key:          conn.LocalAddr().String() + "|" + conn.RemoteAddr().String(),
		endpoint:     endpointFromAddr(conn.RemoteAddr()),
		direction:    direction,
		connectedAt:  now,
		sendq:        make(chan *transport.Frame, queueSize),
		done:         make(chan struct{}),
		lastOutbound: now,
	}
}

// endpointFromAddr converts a socket address into an Endpoint.
func endpointFromAddr(addr net.Addr) platform.Endpoint {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		ep, _ := platform.ParseEndpoint(addr.String())
		return ep
	}
	return platform.Endpoint{Addr: tcpAddr.IP.String(), Port: uint16(tcpAddr.Port)}
}

// ID returns the remote peer identity (zero until the handshake completes).
func (s *Session) ID() ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Endpoint returns the remote socket address.
func (s *Session) Endpoint() platform.Endpoint { return s.endpoint }

// Direction returns which side opened the connection.
func (s *Session) Direction() Direction { return s.direction }

// ConnectedAt returns when the socket was established.
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// ListenPort returns the listener port the peer advertised in its hello.
func (s *Session) ListenPort() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listenPort
}

// State returns the handshake state.
func (s *Session) State() HandshakeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// completeHandshake records the peer identity learned from its hello.
func (s *Session) completeHandshake(id ID, listenPort uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
	s.listenPort = listenPort
	s.state = HandshakeComplete
}

// enqueue queues a frame for the write loop without blocking. A full queue
// is reported to the caller rather than stalling the session.
func (s *Session) enqueue(frame *transport.Frame) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	select {
	case s.sendq <- frame:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		return ErrQueueFull
	}
}

// writeLoop serializes all socket writes for the session.
func (s *Session) writeLoop() {
	for {
		select {
		case frame := <-s.sendq:
			if err := transport.WriteFrame(s.conn, frame); err != nil {
				s.close(err)
				return
			}
			s.mu.Lock()
			s.lastOutbound = time.Now()
			s.mu.Unlock()
		case <-s.done:
			return
		}
	}
}

// close shuts the socket down exactly once and records the reason. Closing
// the socket unblocks the read loop, which drives teardown in the client.
func (s *Session) close(reason error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closeReason = reason
		s.mu.Unlock()

		close(s.done)
		if err := s.conn.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "close",
				"peer":     s.ID().Short(),
				"error":    err.Error(),
			}).Debug("Socket close error")
		}
	})
}

// closed reports whether close has been called.
func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// reason returns the recorded close reason.
func (s *Session) reason() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

// keepaliveCheck advances the ping/pong state machine. It returns a frame
// to send (or nil) and reports whether the session should be closed for a
// missed pong.
func (s *Session) keepaliveCheck(now time.Time, pingInterval, pongTimeout time.Duration) (*transport.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.awaitingPong {
		if now.After(s.pongDeadline) {
			return nil, true
		}
		return nil, false
	}

	if now.Sub(s.lastOutbound) < pingInterval {
		return nil, false
	}

	frame, err := transport.EncodeControl(transport.Ping{
		Type: transport.TypePing,
		TS:   now.UnixMilli(),
	})
	if err != nil {
		return nil, false
	}
	s.awaitingPong = true
	s.pongDeadline = now.Add(pongTimeout)
	return frame, false
}

// pongReceived resets the keepalive state machine.
func (s *Session) pongReceived() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.awaitingPong = false
}
