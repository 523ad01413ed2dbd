// Package discovery implements automatic peer rendezvous on a well-known
// DHT info-hash: the node periodically announces its own listen port under
// the hash and looks the hash up, dialing any endpoint it has not seen yet.
package discovery

import (
	"context"
	"crypto/sha1"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/rats/dht"
	"github.com/opd-ai/rats/peer"
	"github.com/opd-ai/rats/platform"
)

// DiscoveryTag seeds the well-known rendezvous hash.
const DiscoveryTag = "rats_peer_discovery_v1"

// WellKnownHash derives the rendezvous info-hash from a tag string.
func WellKnownHash(tag string) dht.InfoHash {
	return sha1.Sum([]byte(tag))
}

// Client is the slice of the peer client discovery drives.
type Client interface {
	ConnectToPeer(host string, port uint16) (peer.ID, error)
	ListPeers() []peer.PeerInfo
	ListenPort() uint16
}

// Node is the slice of the DHT node discovery uses.
type Node interface {
	Announce(infoHash dht.InfoHash, port uint16) error
	FindPeers(infoHash dht.InfoHash, emit func(platform.Endpoint)) ([]platform.Endpoint, error)
}

// Config holds the discovery timing parameters. Zero fields take the
// defaults from DefaultConfig.
type Config struct {
	// AnnounceInterval is how often the listen port is re-announced.
	AnnounceInterval time.Duration
	// LookupInterval is how often the rendezvous hash is looked up.
	LookupInterval time.Duration
	// DialCooldown rate-limits outbound dials per endpoint.
	DialCooldown time.Duration
	// Tag overrides the rendezvous tag (tests use a private one).
	Tag string
	// Network supplies the local address list; nil means the system
	// network.
	Network platform.Network
}

// DefaultConfig returns the production parameters.
func DefaultConfig() Config {
	return Config{
		AnnounceInterval: 10 * time.Minute,
		LookupInterval:   5 * time.Minute,
		DialCooldown:     10 * time.Minute,
		Tag:              DiscoveryTag,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.AnnounceInterval <= 0 {
		c.AnnounceInterval = def.AnnounceInterval
	}
	if c.LookupInterval <= 0 {
		c.LookupInterval = def.LookupInterval
	}
	if c.DialCooldown <= 0 {
		c.DialCooldown = def.DialCooldown
	}
	if c.Tag == "" {
		c.Tag = def.Tag
	}
	if c.Network == nil {
		c.Network = platform.NewSystemNetwork()
	}
}

// Discovery runs the periodic announce and lookup loops.
type Discovery struct {
	client Client
	node   Node
	cfg    Config
	hash   dht.InfoHash

	mu          sync.Mutex
	recentDials map[string]time.Time
	running     bool
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New creates a discovery driver over the given client and DHT node.
func New(client Client, node Node, cfg Config) *Discovery {
	cfg.applyDefaults()
	return &Discovery{
		client:      client,
		node:        node,
		cfg:         cfg,
		hash:        WellKnownHash(cfg.Tag),
		recentDials: make(map[string]time.Time),
	}
}

// Hash returns the rendezvous info-hash in use.
func (d *Discovery) Hash() dht.InfoHash { return d.hash }

// Start launches the announce and lookup loops. Both run once immediately.
func (d *Discovery) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return errors.New("discovery already started")
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.running = true

	d.wg.Add(2)
	go d.announceLoop()
	go d.lookupLoop()

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"hash":     d.hash.String(),
	}).Info("Auto-discovery started")
	return nil
}

// Stop halts both loops. Idempotent.
func (d *Discovery) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.cancel()
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Discovery) announceLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.AnnounceInterval)
	defer ticker.Stop()

	d.announce()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.announce()
		}
	}
}

func (d *Discovery) announce() {
	if err := d.node.Announce(d.hash, d.client.ListenPort()); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "announce",
			"error":    err.Error(),
		}).Warn("Discovery announce failed")
	}
}

func (d *Discovery) lookupLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.LookupInterval)
	defer ticker.Stop()

	d.lookup()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.lookup()
		}
	}
}

func (d *Discovery) lookup() {
	_, err := d.node.FindPeers(d.hash, d.handleEndpoint)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "lookup",
			"error":    err.Error(),
		}).Warn("Discovery lookup failed")
	}
}

// handleEndpoint dials a discovered endpoint unless it is ourselves,
// already connected, or inside the dial cooldown.
func (d *Discovery) handleEndpoint(ep platform.Endpoint) {
	if d.isSelf(ep) || d.isConnected(ep) {
		return
	}

	key := ep.String()
	now := time.Now()
	d.mu.Lock()
	if last, ok := d.recentDials[key]; ok && now.Sub(last) < d.cfg.DialCooldown {
		d.mu.Unlock()
		return
	}
	d.recentDials[key] = now
	// Drop expired entries so the map does not grow without bound.
	for k, ts := range d.recentDials {
		if now.Sub(ts) >= d.cfg.DialCooldown {
			delete(d.recentDials, k)
		}
	}
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		logrus.WithFields(logrus.Fields{
			"function": "handleEndpoint",
			"endpoint": ep.String(),
		}).Debug("Dialing discovered peer")
		if _, err := d.client.ConnectToPeer(ep.Addr, ep.Port); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleEndpoint",
				"endpoint": ep.String(),
				"error":    err.Error(),
			}).Debug("Discovered peer did not connect")
		}
	}()
}

// isSelf reports whether the endpoint is one of our own local addresses on
// our own listen port.
func (d *Discovery) isSelf(ep platform.Endpoint) bool {
	if ep.Port != d.client.ListenPort() {
		return false
	}
	locals, err := d.cfg.Network.LocalAddresses()
	if err != nil {
		return false
	}
	for _, ip := range locals {
		if ip.String() == ep.Addr {
			return true
		}
	}
	// The loopback interface is excluded from LocalAddresses but a DHT
	// peer on the same host still reports it back to us.
	return ep.Addr == "127.0.0.1" || ep.Addr == "::1"
}

// isConnected reports whether a session to the endpoint's advertised
// listener already exists.
func (d *Discovery) isConnected(ep platform.Endpoint) bool {
	for _, info := range d.client.ListPeers() {
		if info.ListenPort == ep.Port && info.Endpoint.Addr == ep.Addr {
			return true
		}
	}
	return false
}
