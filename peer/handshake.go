package peer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/opd-ai/rats/transport"
)

// handshake performs the hello exchange on a fresh connection. Both sides
// send their hello immediately; each must receive the peer's hello as the
// first frame within the handshake timeout or the connection is dropped.
func (c *Client) handshake(sess *Session) error {
	if err := sess.conn.SetDeadline(time.Now().Add(c.opts.HandshakeTimeout)); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	hello := transport.Hello{
		V:          transport.ProtocolVersion,
		Type:       transport.TypeHello,
		PeerID:     c.id.String(),
		ListenPort: c.ListenPort(),
	}
	frame, err := transport.EncodeControl(hello)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	// The write loop is not running yet; the handshake owns the socket.
	if err := transport.WriteFrame(sess.conn, frame); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	received, err := transport.ReadFrame(sess.conn)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if received.Type != transport.FrameControl {
		return fmt.Errorf("%w: first frame is not a control message", ErrHandshakeFailed)
	}

	var remote transport.Hello
	if err := json.Unmarshal(received.Payload, &remote); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if remote.Type != transport.TypeHello {
		return fmt.Errorf("%w: first message is %q, want hello", ErrHandshakeFailed, remote.Type)
	}
	if remote.V != transport.ProtocolVersion {
		return fmt.Errorf("%w: unsupported protocol version %d", ErrHandshakeFailed, remote.V)
	}

	remoteID, err := ParseID(remote.PeerID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if remoteID == c.id {
		return fmt.Errorf("%w: connected to self", ErrHandshakeFailed)
	}

	if err := sess.conn.SetDeadline(time.Time{}); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	sess.completeHandshake(remoteID, remote.ListenPort)
	return nil
}
