package peer

import (
	"encoding/binary"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/rats/transport"
)

// startTestClient starts a client on an ephemeral port.
func startTestClient(t *testing.T, opts Options) *Client {
	t.Helper()
	c, err := NewClient(opts)
	require.NoError(t, err)
	require.NoError(t, c.Start(0))
	t.Cleanup(c.Stop)
	return c
}

// connectPair wires B to A and waits for both sides to see the session.
func connectPair(t *testing.T, a, b *Client) {
	t.Helper()
	id, err := b.ConnectToPeer("127.0.0.1", a.ListenPort())
	require.NoError(t, err)
	assert.Equal(t, a.ID(), id)

	require.Eventually(t, func() bool {
		return a.GetPeerCount() == 1 && b.GetPeerCount() == 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestTwoNodeBroadcast(t *testing.T) {
	a := startTestClient(t, DefaultOptions())
	b := startTestClient(t, DefaultOptions())

	var got []string
	var mu sync.Mutex
	b.OnStringData(func(_ ID, payload []byte) {
		mu.Lock()
		got = append(got, string(payload))
		mu.Unlock()
	})

	connectPair(t, a, b)

	assert.Equal(t, 1, a.Broadcast([]byte("hello")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"hello"}, got)
	mu.Unlock()
	assert.Equal(t, 1, a.GetPeerCount())
}

func TestSendToPeerJSONVerbatim(t *testing.T) {
	a := startTestClient(t, DefaultOptions())
	b := startTestClient(t, DefaultOptions())

	received := make(chan []byte, 1)
	b.OnStringData(func(_ ID, payload []byte) {
		cp := make([]byte, len(payload))
		copy(cp, payload)
		received <- cp
	})

	connectPair(t, a, b)

	msg := []byte(`{"type":"chat","body":"how are you","n":42}`)
	require.NoError(t, a.SendToPeer(b.ID(), msg))

	select {
	case got := <-received:
		assert.Equal(t, msg, got, "typed JSON must arrive byte-identical")
	case <-time.After(3 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestSendToUnknownPeer(t *testing.T) {
	a := startTestClient(t, DefaultOptions())

	var unknown ID
	unknown[0] = 0xFF
	err := a.SendToPeer(unknown, []byte("hi"))
	assert.ErrorIs(t, err, ErrPeerNotFound)
	assert.ErrorIs(t, a.DisconnectPeer(unknown), ErrPeerNotFound)
}

func TestDuplicateConnectionKeepsOriginal(t *testing.T) {
	a := startTestClient(t, DefaultOptions())
	b := startTestClient(t, DefaultOptions())

	var connects atomic.Int32
	a.OnConnect(func(ID) { connects.Add(1) })

	connectPair(t, a, b)

	// A second outbound connection to the same peer: deduplicated on
	// identity, the original session is retained.
	id, err := b.ConnectToPeer("127.0.0.1", a.ListenPort())
	require.NoError(t, err)
	assert.Equal(t, a.ID(), id)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, a.GetPeerCount())
	assert.Equal(t, 1, b.GetPeerCount())
	assert.Equal(t, int32(1), connects.Load(), "OnConnect must fire exactly once")
}

func TestRegistryInvariant(t *testing.T) {
	a := startTestClient(t, DefaultOptions())
	b := startTestClient(t, DefaultOptions())
	connectPair(t, a, b)

	// Exactly one entry in each index, referencing the same session.
	a.mu.RLock()
	require.Len(t, a.bySocket, 1)
	require.Len(t, a.byPeer, 1)
	var bySock, byID *Session
	for _, s := range a.bySocket {
		bySock = s
	}
	for _, s := range a.byPeer {
		byID = s
	}
	a.mu.RUnlock()
	assert.Same(t, bySock, byID)

	peers := a.ListPeers()
	require.Len(t, peers, 1)
	assert.Equal(t, b.ID(), peers[0].ID)
	assert.Equal(t, DirectionInbound, peers[0].Direction)
	assert.Equal(t, b.ListenPort(), peers[0].ListenPort)
}

func TestDisconnectPeerFiresCallback(t *testing.T) {
	a := startTestClient(t, DefaultOptions())
	b := startTestClient(t, DefaultOptions())

	disconnected := make(chan ID, 1)
	b.OnDisconnect(func(id ID, _ error) { disconnected <- id })

	connectPair(t, a, b)
	require.NoError(t, a.DisconnectPeer(b.ID()))

	select {
	case id := <-disconnected:
		assert.Equal(t, a.ID(), id)
	case <-time.After(3 * time.Second):
		t.Fatal("OnDisconnect did not fire")
	}

	require.Eventually(t, func() bool {
		return a.GetPeerCount() == 0 && b.GetPeerCount() == 0
	}, 3*time.Second, 10*time.Millisecond)
}

// rawHandshake dials the client directly and completes a hello exchange
// with a fabricated identity, returning the open socket.
func rawHandshake(t *testing.T, target *Client) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(target.ListenPort()))))
	require.NoError(t, err)

	fakeID, err := NewID()
	require.NoError(t, err)
	frame, err := transport.EncodeControl(transport.Hello{
		V:          transport.ProtocolVersion,
		Type:       transport.TypeHello,
		PeerID:     fakeID.String(),
		ListenPort: 1,
	})
	require.NoError(t, err)
	require.NoError(t, transport.WriteFrame(conn, frame))

	received, err := transport.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, transport.FrameControl, received.Type)

	require.Eventually(t, func() bool {
		return target.GetPeerCount() == 1
	}, 3*time.Second, 10*time.Millisecond)
	return conn
}

func TestOversizedFrameClosesSession(t *testing.T) {
	a := startTestClient(t, DefaultOptions())

	reasons := make(chan error, 1)
	a.OnDisconnect(func(_ ID, reason error) { reasons <- reason })

	conn := rawHandshake(t, a)
	defer conn.Close()

	// A frame header announcing more than the 16 MiB limit.
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], transport.MaxFrameSize+1)
	_, err := conn.Write(header[:])
	require.NoError(t, err)

	select {
	case reason := <-reasons:
		assert.ErrorIs(t, reason, ErrProtocol)
	case <-time.After(3 * time.Second):
		t.Fatal("session was not closed")
	}
	require.Eventually(t, func() bool {
		return a.GetPeerCount() == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestMalformedControlClosesSession(t *testing.T) {
	a := startTestClient(t, DefaultOptions())

	reasons := make(chan error, 1)
	a.OnDisconnect(func(_ ID, reason error) { reasons <- reason })

	conn := rawHandshake(t, a)
	defer conn.Close()

	frame := &transport.Frame{Type: transport.FrameControl, Payload: []byte("not json")}
	require.NoError(t, transport.WriteFrame(conn, frame))

	select {
	case reason := <-reasons:
		assert.ErrorIs(t, reason, ErrProtocol)
	case <-time.After(3 * time.Second):
		t.Fatal("session was not closed")
	}
}

func TestKeepaliveTimeoutClosesSession(t *testing.T) {
	opts := DefaultOptions()
	opts.PingInterval = 100 * time.Millisecond
	opts.PongTimeout = 200 * time.Millisecond
	a := startTestClient(t, opts)

	reasons := make(chan error, 1)
	a.OnDisconnect(func(_ ID, reason error) { reasons <- reason })

	// A peer that completes the handshake and then goes silent: it never
	// answers pings, so the keepalive closes the session.
	conn := rawHandshake(t, a)
	defer conn.Close()

	select {
	case reason := <-reasons:
		assert.ErrorIs(t, reason, ErrTimeout)
	case <-time.After(5 * time.Second):
		t.Fatal("keepalive did not close the silent session")
	}
}

func TestStopJoinsEverything(t *testing.T) {
	a := startTestClient(t, DefaultOptions())
	b := startTestClient(t, DefaultOptions())
	connectPair(t, a, b)

	var lateCallbacks atomic.Int32
	a.OnDisconnect(func(ID, error) { lateCallbacks.Add(1) })

	done := make(chan struct{})
	go func() {
		a.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	a.Stop() // idempotent
	assert.Equal(t, 0, a.GetPeerCount())
	assert.Equal(t, int32(0), lateCallbacks.Load(), "no callbacks fire during Stop")

	_, err := a.ConnectToPeer("127.0.0.1", b.ListenPort())
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestConnectToUnreachablePort(t *testing.T) {
	opts := DefaultOptions()
	opts.DialTimeout = 500 * time.Millisecond
	a := startTestClient(t, opts)

	_, err := a.ConnectToPeer("127.0.0.1", 1)
	assert.ErrorIs(t, err, ErrConnectFailed)
}

func TestOrderedDeliveryPerPeer(t *testing.T) {
	opts := DefaultOptions()
	opts.QueueSize = 512
	a := startTestClient(t, opts)
	b := startTestClient(t, DefaultOptions())

	const n = 200
	got := make([]string, 0, n)
	var mu sync.Mutex
	b.OnStringData(func(_ ID, payload []byte) {
		mu.Lock()
		got = append(got, string(payload))
		mu.Unlock()
	})

	connectPair(t, a, b)

	for i := 0; i < n; i++ {
		require.NoError(t, a.SendToPeer(b.ID(), []byte(strconv.Itoa(i))))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == n
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < n; i++ {
		assert.Equal(t, strconv.Itoa(i), got[i], "messages must arrive in send order")
	}
}
