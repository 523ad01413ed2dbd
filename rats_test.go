package rats

import (
	"bytes"
	"crypto/rand"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/rats/discovery"
	"github.com/opd-ai/rats/file"
	"github.com/opd-ai/rats/platform"
)

// freeUDPPort reserves and releases an ephemeral UDP port.
func freeUDPPort(t *testing.T) uint16 {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	port := uint16(conn.LocalAddr().(*net.UDPAddr).Port)
	require.NoError(t, conn.Close())
	return port
}

// testOptions builds a client configuration on ephemeral ports with
// accelerated timings.
func testOptions(t *testing.T, withDHT bool) *Options {
	t.Helper()
	opts := NewOptions()
	opts.ListenPort = 0
	opts.DHTPort = 0
	opts.EnableDiscovery = false
	opts.Transfer.DownloadDir = t.TempDir()
	opts.Transfer.ChunkSize = 16 * 1024
	if withDHT {
		opts.DHTPort = freeUDPPort(t)
		opts.DHT.QueryTimeout = 2 * time.Second
		opts.DHT.QueryRetries = 1
		opts.DHT.RetrySpacing = 500 * time.Millisecond
	}
	return opts
}

func startClient(t *testing.T, opts *Options) *Client {
	t.Helper()
	c, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, c.Start())
	t.Cleanup(c.Stop)
	return c
}

func TestTwoNodeBroadcast(t *testing.T) {
	a := startClient(t, testOptions(t, false))
	b := startClient(t, testOptions(t, false))

	received := make(chan string, 4)
	b.OnMessage(func(_ string, payload []byte) { received <- string(payload) })

	id, err := b.ConnectToPeer("127.0.0.1", a.ListenPort())
	require.NoError(t, err)
	assert.Equal(t, a.PeerID(), id)

	require.Eventually(t, func() bool {
		return a.GetPeerCount() == 1 && b.GetPeerCount() == 1
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, a.Broadcast([]byte("hello")))

	select {
	case msg := <-received:
		assert.Equal(t, "hello", msg)
	case <-time.After(3 * time.Second):
		t.Fatal("broadcast not delivered")
	}
	assert.Equal(t, 1, a.GetPeerCount())
	assert.Empty(t, received, "message delivered exactly once")
}

func TestDHTFindSelf(t *testing.T) {
	a := startClient(t, testOptions(t, true))

	optsB := testOptions(t, true)
	optsB.BootstrapNodes = []platform.Endpoint{{Addr: "127.0.0.1", Port: a.opts.DHTPort}}
	b := startClient(t, optsB)

	require.Eventually(t, func() bool {
		return a.RoutingTableSize() >= 1 && b.RoutingTableSize() >= 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestAutoDiscoveryRendezvous(t *testing.T) {
	seed := startClient(t, testOptions(t, true))

	discoCfg := discovery.Config{
		AnnounceInterval: 300 * time.Millisecond,
		LookupInterval:   300 * time.Millisecond,
		DialCooldown:     time.Hour,
		Tag:              "rats_test_rendezvous_" + t.Name(),
	}
	seeds := []platform.Endpoint{{Addr: "127.0.0.1", Port: seed.opts.DHTPort}}

	optsA := testOptions(t, true)
	optsA.EnableDiscovery = true
	optsA.Discovery = discoCfg
	optsA.BootstrapNodes = seeds
	a := startClient(t, optsA)

	optsB := testOptions(t, true)
	optsB.EnableDiscovery = true
	optsB.Discovery = discoCfg
	optsB.BootstrapNodes = seeds
	b := startClient(t, optsB)

	// Both announce on the same hash and look it up; within a few
	// rounds they find and dial each other.
	require.Eventually(t, func() bool {
		return a.GetPeerCount() >= 1 && b.GetPeerCount() >= 1
	}, 30*time.Second, 50*time.Millisecond, "discovery rendezvous did not connect the nodes")
}

func TestFileSendBetweenNodes(t *testing.T) {
	a := startClient(t, testOptions(t, false))

	downloads := t.TempDir()
	optsB := testOptions(t, false)
	optsB.Transfer.DownloadDir = downloads
	b := startClient(t, optsB)

	_, err := b.ConnectToPeer("127.0.0.1", a.ListenPort())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return a.GetPeerCount() == 1
	}, 3*time.Second, 10*time.Millisecond)

	progress := make(chan struct{}, 1024)
	a.OnTransferProgress(func(file.Snapshot) {
		select {
		case progress <- struct{}{}:
		default:
		}
	})

	data := make([]byte, 1024*1024)
	_, err = rand.Read(data)
	require.NoError(t, err)
	src := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(src, data, 0o644))

	transferID, err := a.SendFile(b.PeerID(), src)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, err := a.Transfers().GetTransfer(transferID)
		return err == nil && snap.Status == file.StatusCompleted
	}, 30*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		written, err := os.ReadFile(filepath.Join(downloads, "payload.bin"))
		return err == nil && bytes.Equal(written, data)
	}, 10*time.Second, 20*time.Millisecond, "received file must match")

	assert.GreaterOrEqual(t, len(progress), 10)

	stats := a.TransferStats()
	assert.Equal(t, uint64(len(data)), stats.BytesSent)
}

func TestStatePersistsIdentity(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "state", "dht.db")

	opts := testOptions(t, true)
	opts.StatePath = statePath
	first, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, first.Start())
	firstID := first.DHT().ID()
	first.Stop()

	opts2 := testOptions(t, true)
	opts2.StatePath = statePath
	second, err := New(opts2)
	require.NoError(t, err)
	assert.Equal(t, firstID, second.DHT().ID(), "node identity survives restarts")

	require.NoError(t, second.Start())
	second.Stop()
}

func TestStopTwiceIsSafe(t *testing.T) {
	c := startClient(t, testOptions(t, false))
	c.Stop()
	c.Stop()
}

func TestDHTDisabled(t *testing.T) {
	c := startClient(t, testOptions(t, false))
	assert.Nil(t, c.DHT())
	assert.Zero(t, c.RoutingTableSize())
}
