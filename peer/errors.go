package peer

import "errors"

// Error kinds surfaced by the client. Session teardown reasons reported to
// OnDisconnect use ErrProtocol and ErrTimeout where they apply; other
// reasons are the underlying socket error, or nil after DisconnectPeer.
var (
	// ErrConnectFailed indicates every resolved candidate failed to
	// connect.
	ErrConnectFailed = errors.New("connect failed for all candidates")
	// ErrHandshakeFailed indicates the hello exchange did not complete.
	ErrHandshakeFailed = errors.New("handshake failed")
	// ErrDuplicatePeer indicates a second connection from an already
	// connected identity; the new socket is closed, the original kept.
	ErrDuplicatePeer = errors.New("duplicate peer id")
	// ErrProtocol indicates a malformed frame or control message.
	ErrProtocol = errors.New("protocol error")
	// ErrTimeout indicates a keepalive pong deadline expired. Handshake
	// timeouts are reported as ErrHandshakeFailed.
	ErrTimeout = errors.New("timeout")
	// ErrPeerNotFound indicates no live session matches the peer id.
	ErrPeerNotFound = errors.New("peer not found")
	// ErrNotRunning indicates the client has not been started or has
	// been stopped.
	ErrNotRunning = errors.New("client is not running")
	// ErrQueueFull indicates a peer's outbound queue rejected a message.
	ErrQueueFull = errors.New("outbound queue full")
	// ErrSessionClosed indicates a send on a closing session.
	ErrSessionClosed = errors.New("session closed")
)
