package discovery

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/rats/dht"
	"github.com/opd-ai/rats/peer"
	"github.com/opd-ai/rats/platform"
)

// fakeClient records dial attempts.
type fakeClient struct {
	mu         sync.Mutex
	dials      []platform.Endpoint
	peers      []peer.PeerInfo
	listenPort uint16
}

func (f *fakeClient) ConnectToPeer(host string, port uint16) (peer.ID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials = append(f.dials, platform.Endpoint{Addr: host, Port: port})
	return peer.ID{}, nil
}

func (f *fakeClient) ListPeers() []peer.PeerInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peers
}

func (f *fakeClient) ListenPort() uint16 { return f.listenPort }

func (f *fakeClient) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dials)
}

// fakeNode emits a fixed endpoint set on every lookup.
type fakeNode struct {
	mu        sync.Mutex
	announces []uint16
	endpoints []platform.Endpoint
}

func (f *fakeNode) Announce(_ dht.InfoHash, port uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.announces = append(f.announces, port)
	return nil
}

func (f *fakeNode) FindPeers(_ dht.InfoHash, emit func(platform.Endpoint)) ([]platform.Endpoint, error) {
	f.mu.Lock()
	eps := append([]platform.Endpoint{}, f.endpoints...)
	f.mu.Unlock()
	for _, ep := range eps {
		if emit != nil {
			emit(ep)
		}
	}
	return eps, nil
}

func (f *fakeNode) announceCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.announces)
}

func testConfig() Config {
	return Config{
		AnnounceInterval: 50 * time.Millisecond,
		LookupInterval:   50 * time.Millisecond,
		DialCooldown:     time.Hour,
	}
}

func TestWellKnownHash(t *testing.T) {
	// SHA1 of the rendezvous tag, fixed for protocol compatibility.
	assert.Equal(t, "79d833351f8a9da048568827cacb0bbcd45b9020", WellKnownHash(DiscoveryTag).String())

	// Different tags land on different hashes.
	assert.NotEqual(t, WellKnownHash(DiscoveryTag), WellKnownHash("other"))
}

func TestDiscoveryAnnouncesAndDials(t *testing.T) {
	client := &fakeClient{listenPort: 8080}
	node := &fakeNode{endpoints: []platform.Endpoint{{Addr: "203.0.113.5", Port: 9000}}}

	d := New(client, node, testConfig())
	require.NoError(t, d.Start())
	defer d.Stop()

	require.Eventually(t, func() bool {
		return node.announceCount() >= 2 && client.dialCount() >= 1
	}, 3*time.Second, 10*time.Millisecond)

	client.mu.Lock()
	assert.Equal(t, platform.Endpoint{Addr: "203.0.113.5", Port: 9000}, client.dials[0])
	client.mu.Unlock()
}

func TestDiscoveryDialRateLimit(t *testing.T) {
	client := &fakeClient{listenPort: 8080}
	node := &fakeNode{endpoints: []platform.Endpoint{{Addr: "203.0.113.5", Port: 9000}}}

	d := New(client, node, testConfig())
	require.NoError(t, d.Start())
	defer d.Stop()

	// Many lookup rounds pass, but the endpoint is dialed only once
	// inside the cooldown window.
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 1, client.dialCount())
}

func TestDiscoverySkipsConnectedPeers(t *testing.T) {
	client := &fakeClient{
		listenPort: 8080,
		peers: []peer.PeerInfo{{
			Endpoint:   platform.Endpoint{Addr: "203.0.113.5", Port: 52000},
			ListenPort: 9000,
		}},
	}
	node := &fakeNode{endpoints: []platform.Endpoint{{Addr: "203.0.113.5", Port: 9000}}}

	d := New(client, node, testConfig())
	require.NoError(t, d.Start())
	defer d.Stop()

	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, client.dialCount(), "already-connected endpoints are not redialed")
}

func TestDiscoverySkipsSelf(t *testing.T) {
	client := &fakeClient{listenPort: 8080}
	node := &fakeNode{endpoints: []platform.Endpoint{{Addr: "127.0.0.1", Port: 8080}}}

	d := New(client, node, testConfig())
	require.NoError(t, d.Start())
	defer d.Stop()

	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, client.dialCount(), "our own loopback endpoint is not dialed")
}

func TestDiscoveryStopIsIdempotent(t *testing.T) {
	client := &fakeClient{listenPort: 8080}
	node := &fakeNode{}

	d := New(client, node, testConfig())
	require.NoError(t, d.Start())
	assert.Error(t, d.Start(), "double start is rejected")
	d.Stop()
	d.Stop()
}
