// Package rats is a peer-to-peer networking client: nodes discover one
// another over a Kademlia DHT, establish direct TCP sessions over IPv4 and
// IPv6, exchange application messages, and transfer files and directories
// with progress reporting, pause/resume and cancellation.
//
// Example:
//
//	client, err := rats.New(rats.NewOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := client.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Stop()
//
//	client.OnPeerConnected(func(id string) {
//	    fmt.Println("peer connected:", id)
//	})
//	if _, err := client.ConnectToPeer("198.51.100.7", 8080); err != nil {
//	    log.Fatal(err)
//	}
package rats

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/rats/dht"
	"github.com/opd-ai/rats/discovery"
	"github.com/opd-ai/rats/file"
	"github.com/opd-ai/rats/peer"
	"github.com/opd-ai/rats/platform"
)

// Options configures a rats client.
type Options struct {
	// ListenPort is the TCP port for peer sessions.
	ListenPort uint16
	// DHTPort is the UDP port for the Kademlia node. Zero disables the
	// DHT (and with it auto-discovery).
	DHTPort uint16
	// BootstrapNodes seed the DHT on Start.
	BootstrapNodes []platform.Endpoint
	// EnableDiscovery turns on rendezvous on the well-known hash.
	EnableDiscovery bool
	// StatePath, when set, persists the DHT identity and routing table
	// across restarts.
	StatePath string

	// Peer, DHT, Transfer and Discovery expose the per-subsystem tuning
	// knobs with their production defaults.
	Peer      peer.Options
	DHT       dht.Config
	Transfer  file.Config
	Discovery discovery.Config
}

// NewOptions returns the default configuration: peer sessions on 8080, DHT
// on 8881, discovery enabled.
func NewOptions() *Options {
	return &Options{
		ListenPort:      8080,
		DHTPort:         8881,
		EnableDiscovery: true,
		Peer:            peer.DefaultOptions(),
		DHT:             dht.DefaultConfig(),
		Transfer:        file.DefaultConfig(),
		Discovery:       discovery.DefaultConfig(),
	}
}

// Client is a running rats node: the peer session manager, the DHT node,
// the transfer engine and the auto-discovery driver wired together.
type Client struct {
	opts *Options

	peers     *peer.Client
	node      *dht.Node
	transfers *file.Manager
	disco     *discovery.Discovery
	snapshot  *dht.SnapshotStore

	mu      sync.Mutex
	running bool
}

// New creates a client from options. Nothing touches the network until
// Start.
func New(opts *Options) (*Client, error) {
	if opts == nil {
		opts = NewOptions()
	}

	peers, err := peer.NewClient(opts.Peer)
	if err != nil {
		return nil, err
	}

	c := &Client{opts: opts, peers: peers}

	if opts.DHTPort != 0 {
		dhtCfg := opts.DHT

		if opts.StatePath != "" {
			store, err := dht.OpenSnapshot(opts.StatePath)
			if err != nil {
				return nil, fmt.Errorf("state open failed: %w", err)
			}
			c.snapshot = store
			if id, err := store.LoadIdentity(); err == nil {
				dhtCfg.ID = id
			}
		}

		node, err := dht.NewNode(dhtCfg)
		if err != nil {
			return nil, err
		}
		c.node = node

		if opts.EnableDiscovery {
			c.disco = discovery.New(peers, node, opts.Discovery)
		}
	}

	c.transfers = file.NewManager(peers, opts.Transfer)
	peers.SetControlHandler(c.transfers.HandleControl)
	peers.SetChunkHandler(c.transfers.HandleChunk)

	return c, nil
}

// Start brings the node up: TCP listener, DHT socket, transfer engine,
// bootstrap and discovery.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return errors.New("client already started")
	}

	if err := c.peers.Start(c.opts.ListenPort); err != nil {
		return err
	}

	if c.node != nil {
		if err := c.node.Start(c.opts.DHTPort); err != nil {
			c.peers.Stop()
			return err
		}
		if c.snapshot != nil {
			if err := c.node.Restore(c.snapshot); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Start",
					"error":    err.Error(),
				}).Warn("Routing table restore failed")
			}
		}
		if len(c.opts.BootstrapNodes) > 0 {
			if err := c.node.Bootstrap(c.opts.BootstrapNodes); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Start",
					"error":    err.Error(),
				}).Warn("DHT bootstrap failed, continuing without seeds")
			}
		}
	}

	c.transfers.Start()

	if c.disco != nil {
		if err := c.disco.Start(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Start",
				"error":    err.Error(),
			}).Warn("Auto-discovery failed to start")
		}
	}

	c.running = true
	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"peer_id":  c.peers.ID().String(),
		"tcp_port": c.peers.ListenPort(),
		"dht_port": c.opts.DHTPort,
	}).Info("rats client started")
	return nil
}

// Stop shuts everything down in reverse order and persists the DHT state
// when configured. Idempotent.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.running = false

	if c.disco != nil {
		c.disco.Stop()
	}
	c.transfers.Stop()
	if c.node != nil {
		if c.snapshot != nil {
			if err := c.node.Snapshot(c.snapshot); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Stop",
					"error":    err.Error(),
				}).Warn("Routing table snapshot failed")
			}
		}
		c.node.Stop()
	}
	c.peers.Stop()
	if c.snapshot != nil {
		_ = c.snapshot.Close()
	}

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
		"peer_id":  c.peers.ID().String(),
	}).Info("rats client stopped")
}

// PeerID returns the local session identity as 40 hex characters.
func (c *Client) PeerID() string { return c.peers.ID().String() }

// ListenPort returns the TCP listen port.
func (c *Client) ListenPort() uint16 { return c.peers.ListenPort() }

// Peers exposes the session manager for advanced use.
func (c *Client) Peers() *peer.Client { return c.peers }

// DHT exposes the Kademlia node, or nil when disabled.
func (c *Client) DHT() *dht.Node { return c.node }

// Transfers exposes the file transfer engine.
func (c *Client) Transfers() *file.Manager { return c.transfers }

// ConnectToPeer dials host:port and returns the peer's identity hash.
func (c *Client) ConnectToPeer(host string, port uint16) (string, error) {
	id, err := c.peers.ConnectToPeer(host, port)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// DisconnectPeer closes the session with the identified peer.
func (c *Client) DisconnectPeer(peerID string) error {
	id, err := peer.ParseID(peerID)
	if err != nil {
		return err
	}
	return c.peers.DisconnectPeer(id)
}

// Broadcast queues a message to every connected peer and returns how many
// accepted it.
func (c *Client) Broadcast(message []byte) int {
	return c.peers.Broadcast(message)
}

// SendToPeer queues a message to one peer by its identity hash.
func (c *Client) SendToPeer(peerID string, message []byte) error {
	id, err := peer.ParseID(peerID)
	if err != nil {
		return err
	}
	return c.peers.SendToPeer(id, message)
}

// GetPeerCount returns the number of live sessions.
func (c *Client) GetPeerCount() int { return c.peers.GetPeerCount() }

// ListPeers returns a snapshot of all live sessions.
func (c *Client) ListPeers() []peer.PeerInfo { return c.peers.ListPeers() }

// SendFile offers a file to a peer and returns the transfer ID.
func (c *Client) SendFile(peerID string, path string) (string, error) {
	id, err := peer.ParseID(peerID)
	if err != nil {
		return "", err
	}
	return c.transfers.SendFile(id, path)
}

// SendDirectory offers a directory tree to a peer.
func (c *Client) SendDirectory(peerID string, path string, recursive bool) (string, error) {
	id, err := peer.ParseID(peerID)
	if err != nil {
		return "", err
	}
	return c.transfers.SendDirectory(id, path, recursive)
}

// RequestFile pulls a file from a peer.
func (c *Client) RequestFile(peerID, remotePath, localPath string) (string, error) {
	id, err := peer.ParseID(peerID)
	if err != nil {
		return "", err
	}
	return c.transfers.RequestFile(id, remotePath, localPath)
}

// PauseTransfer pauses an active transfer.
func (c *Client) PauseTransfer(transferID string) error { return c.transfers.Pause(transferID) }

// ResumeTransfer resumes a paused transfer.
func (c *Client) ResumeTransfer(transferID string) error { return c.transfers.Resume(transferID) }

// CancelTransfer aborts a transfer.
func (c *Client) CancelTransfer(transferID string) error { return c.transfers.Cancel(transferID) }

// OnPeerConnected registers the connection callback.
func (c *Client) OnPeerConnected(cb func(peerID string)) {
	c.peers.OnConnect(func(id peer.ID) { cb(id.String()) })
}

// OnPeerDisconnected registers the disconnection callback.
func (c *Client) OnPeerDisconnected(cb func(peerID string, reason error)) {
	c.peers.OnDisconnect(func(id peer.ID, reason error) { cb(id.String(), reason) })
}

// OnMessage registers the application message callback.
func (c *Client) OnMessage(cb func(peerID string, payload []byte)) {
	c.peers.OnStringData(func(id peer.ID, payload []byte) { cb(id.String(), payload) })
}

// OnBinary registers the raw binary frame callback.
func (c *Client) OnBinary(cb func(peerID string, payload []byte)) {
	c.peers.OnBinaryData(func(id peer.ID, payload []byte) { cb(id.String(), payload) })
}

// OnTransferProgress registers the transfer progress callback.
func (c *Client) OnTransferProgress(cb func(file.Snapshot)) {
	c.transfers.OnProgress(cb)
}

// OnTransferComplete registers the transfer completion callback.
func (c *Client) OnTransferComplete(cb func(file.Snapshot)) {
	c.transfers.OnComplete(cb)
}

// OnFileTransferRequest installs the accept policy for inbound files. With
// no policy installed every offer is accepted.
func (c *Client) OnFileTransferRequest(cb func(peerID string, meta file.Metadata) bool) {
	c.transfers.OnFileRequest(func(id peer.ID, meta file.Metadata) bool {
		return cb(id.String(), meta)
	})
}

// TransferStats returns the engine-wide transfer statistics.
func (c *Client) TransferStats() file.Stats { return c.transfers.GetStats() }

// RoutingTableSize returns the number of known DHT nodes, zero when the
// DHT is disabled.
func (c *Client) RoutingTableSize() int {
	if c.node == nil {
		return 0
	}
	return c.node.RoutingTableSize()
}
