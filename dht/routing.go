package dht

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// BucketSize is the Kademlia k parameter: nodes kept per bucket.
const BucketSize = 8

// NodeStatus tracks how responsive a known node has been.
type NodeStatus uint8

const (
	// StatusUnknown marks a node that has not been probed yet.
	StatusUnknown NodeStatus = iota
	// StatusGood marks a node that answered its most recent query.
	StatusGood
	// StatusQuestionable marks a node that failed its query attempts and
	// will be evicted at the next opportunity.
	StatusQuestionable
)

// NodeRecord is one known DHT node.
type NodeRecord struct {
	ID       NodeID
	Addr     *net.UDPAddr
	LastSeen time.Time
	Status   NodeStatus
}

// PingFunc probes a node for liveness; it returns true if the node
// responded. The routing table calls it without holding any bucket lock.
type PingFunc func(*NodeRecord) bool

// bucket is an insertion-ordered list of at most BucketSize nodes; index 0
// is the least recently seen.
type bucket struct {
	nodes     []*NodeRecord
	refreshed time.Time
}

// RoutingTable is the 160-bucket Kademlia routing table. Buckets are
// indexed by the most significant differing bit between a node's ID and the
// local ID.
type RoutingTable struct {
	self    NodeID
	buckets [IDBits]*bucket
	mu      sync.RWMutex
	pingFn  PingFunc
}

// NewRoutingTable creates an empty routing table for the given local ID.
func NewRoutingTable(self NodeID) *RoutingTable {
	rt := &RoutingTable{self: self}
	now := time.Now()
	for i := range rt.buckets {
		rt.buckets[i] = &bucket{refreshed: now}
	}
	return rt
}

// SetPingFunc wires the liveness probe used before evicting a node from a
// full bucket.
func (rt *RoutingTable) SetPingFunc(fn PingFunc) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.pingFn = fn
}

// AddNode inserts or refreshes a node. A node already present is moved to
// the most-recently-seen end with an updated timestamp. When the target
// bucket is full the least recently seen node is pinged: if it answers, the
// new node is discarded; if not, it is evicted and the new node inserted.
func (rt *RoutingTable) AddNode(node *NodeRecord) bool {
	idx := rt.self.Distance(node.ID).BucketIndex()
	if idx < 0 {
		return false // our own ID
	}
	node.LastSeen = time.Now()

	rt.mu.Lock()
	b := rt.buckets[idx]

	for i, existing := range b.nodes {
		if existing.ID == node.ID {
			existing.Addr = node.Addr
			existing.LastSeen = node.LastSeen
			existing.Status = StatusGood
			b.nodes = append(append(b.nodes[:i], b.nodes[i+1:]...), existing)
			rt.mu.Unlock()
			return true
		}
	}

	if len(b.nodes) < BucketSize {
		b.nodes = append(b.nodes, node)
		rt.mu.Unlock()
		return true
	}

	// Bucket full: a questionable node is replaced outright.
	for i, existing := range b.nodes {
		if existing.Status == StatusQuestionable {
			b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
			b.nodes = append(b.nodes, node)
			rt.mu.Unlock()
			return true
		}
	}

	oldest := b.nodes[0]
	pingFn := rt.pingFn
	rt.mu.Unlock()

	if pingFn == nil {
		return false
	}

	// Probe outside the lock; the bucket may change underneath us and the
	// outcome is re-checked before mutating.
	alive := pingFn(oldest)

	rt.mu.Lock()
	defer rt.mu.Unlock()
	b = rt.buckets[idx]

	pos := -1
	for i, existing := range b.nodes {
		if existing.ID == oldest.ID {
			pos = i
			break
		}
	}
	if pos < 0 {
		// Evicted concurrently; take the slot if one opened up.
		if len(b.nodes) < BucketSize {
			b.nodes = append(b.nodes, node)
			return true
		}
		return false
	}

	if alive {
		oldest.LastSeen = time.Now()
		oldest.Status = StatusGood
		b.nodes = append(append(b.nodes[:pos], b.nodes[pos+1:]...), oldest)
		logrus.WithFields(logrus.Fields{
			"function": "AddNode",
			"node":     node.ID.String(),
		}).Debug("Bucket full and oldest node alive, discarding new node")
		return false
	}

	b.nodes = append(b.nodes[:pos], b.nodes[pos+1:]...)
	b.nodes = append(b.nodes, node)
	return true
}

// MarkQuestionable flags a node that failed all query attempts.
func (rt *RoutingTable) MarkQuestionable(id NodeID) {
	idx := rt.self.Distance(id).BucketIndex()
	if idx < 0 {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, n := range rt.buckets[idx].nodes {
		if n.ID == id {
			n.Status = StatusQuestionable
			return
		}
	}
}

// RemoveNode deletes a node from the table if present.
func (rt *RoutingTable) RemoveNode(id NodeID) bool {
	idx := rt.self.Distance(id).BucketIndex()
	if idx < 0 {
		return false
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	b := rt.buckets[idx]
	for i, n := range b.nodes {
		if n.ID == id {
			b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
			return true
		}
	}
	return false
}

// FindClosest returns up to count nodes closest to target by XOR distance,
// nearest first.
func (rt *RoutingTable) FindClosest(target NodeID, count int) []*NodeRecord {
	if count <= 0 {
		return nil
	}

	rt.mu.RLock()
	var all []*NodeRecord
	for _, b := range rt.buckets {
		all = append(all, b.nodes...)
	}
	rt.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].ID.Distance(target).Less(all[j].ID.Distance(target))
	})
	if len(all) > count {
		all = all[:count]
	}
	return all
}

// Size returns the number of nodes currently in the table.
func (rt *RoutingTable) Size() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	total := 0
	for _, b := range rt.buckets {
		total += len(b.nodes)
	}
	return total
}

// AllNodes returns a snapshot of every node in the table.
func (rt *RoutingTable) AllNodes() []*NodeRecord {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	var all []*NodeRecord
	for _, b := range rt.buckets {
		all = append(all, b.nodes...)
	}
	return all
}

// Touch records lookup activity in the bucket covering target, deferring
// its next refresh.
func (rt *RoutingTable) Touch(target NodeID) {
	idx := rt.self.Distance(target).BucketIndex()
	if idx < 0 {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.buckets[idx].refreshed = time.Now()
}

// StaleBuckets returns the indices of non-empty buckets whose last activity
// is older than maxAge.
func (rt *RoutingTable) StaleBuckets(maxAge time.Duration) []int {
	cutoff := time.Now().Add(-maxAge)
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	var stale []int
	for i, b := range rt.buckets {
		if len(b.nodes) > 0 && b.refreshed.Before(cutoff) {
			stale = append(stale, i)
		}
	}
	return stale
}
