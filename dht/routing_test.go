package dht

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// idInBucket builds a deterministic ID landing in the given bucket, with a
// serial number to keep IDs distinct.
func idInBucket(t *testing.T, self NodeID, bucket int, serial byte) NodeID {
	t.Helper()
	var dist NodeID
	dist[bucket/8] = 0x80 >> uint(bucket%8)
	dist[IDBytes-1] ^= serial
	id := self.Distance(dist)
	require.Equal(t, bucket, self.Distance(id).BucketIndex())
	return id
}

func testRecord(id NodeID, port int) *NodeRecord {
	return &NodeRecord{
		ID:   id,
		Addr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1).To4(), Port: port},
	}
}

func TestRoutingTableRejectsSelf(t *testing.T) {
	self, _ := NewRandomID()
	rt := NewRoutingTable(self)
	assert.False(t, rt.AddNode(testRecord(self, 1)))
	assert.Equal(t, 0, rt.Size())
}

func TestRoutingTableDedupesByID(t *testing.T) {
	self, _ := NewRandomID()
	rt := NewRoutingTable(self)

	id := idInBucket(t, self, 10, 1)
	assert.True(t, rt.AddNode(testRecord(id, 1000)))
	assert.True(t, rt.AddNode(testRecord(id, 2000)))

	assert.Equal(t, 1, rt.Size())
	all := rt.AllNodes()
	require.Len(t, all, 1)
	assert.Equal(t, 2000, all[0].Addr.Port, "re-adding should refresh the address")
}

func TestRoutingTableCapacity(t *testing.T) {
	self, _ := NewRandomID()
	rt := NewRoutingTable(self)

	// Fill one bucket past capacity with no ping function: overflow is
	// rejected and the bucket never exceeds BucketSize.
	for i := byte(1); i <= BucketSize; i++ {
		assert.True(t, rt.AddNode(testRecord(idInBucket(t, self, 3, i), int(i))))
	}
	assert.False(t, rt.AddNode(testRecord(idInBucket(t, self, 3, BucketSize+1), 99)))
	assert.Equal(t, BucketSize, rt.Size())
}

func TestRoutingTableEviction(t *testing.T) {
	self, _ := NewRandomID()
	rt := NewRoutingTable(self)

	var pinged []NodeID
	alive := false
	rt.SetPingFunc(func(rec *NodeRecord) bool {
		pinged = append(pinged, rec.ID)
		return alive
	})

	oldest := idInBucket(t, self, 3, 1)
	rt.AddNode(testRecord(oldest, 1))
	for i := byte(2); i <= BucketSize; i++ {
		rt.AddNode(testRecord(idInBucket(t, self, 3, i), int(i)))
	}

	// Dead oldest node: evicted, newcomer inserted.
	newcomer := idInBucket(t, self, 3, BucketSize+1)
	assert.True(t, rt.AddNode(testRecord(newcomer, 99)))
	require.Len(t, pinged, 1)
	assert.Equal(t, oldest, pinged[0])
	assert.Equal(t, BucketSize, rt.Size())

	found := false
	for _, rec := range rt.AllNodes() {
		assert.NotEqual(t, oldest, rec.ID, "dead oldest node should be gone")
		if rec.ID == newcomer {
			found = true
		}
	}
	assert.True(t, found)

	// Live oldest node: retained, newcomer discarded.
	alive = true
	rejected := idInBucket(t, self, 3, BucketSize+2)
	assert.False(t, rt.AddNode(testRecord(rejected, 100)))
	assert.Equal(t, BucketSize, rt.Size())
}

func TestRoutingTableReplacesQuestionable(t *testing.T) {
	self, _ := NewRandomID()
	rt := NewRoutingTable(self)

	bad := idInBucket(t, self, 3, 1)
	rt.AddNode(testRecord(bad, 1))
	for i := byte(2); i <= BucketSize; i++ {
		rt.AddNode(testRecord(idInBucket(t, self, 3, i), int(i)))
	}
	rt.MarkQuestionable(bad)

	newcomer := idInBucket(t, self, 3, BucketSize+1)
	assert.True(t, rt.AddNode(testRecord(newcomer, 99)))
	for _, rec := range rt.AllNodes() {
		assert.NotEqual(t, bad, rec.ID)
	}
}

func TestFindClosestOrdering(t *testing.T) {
	self, _ := NewRandomID()
	rt := NewRoutingTable(self)

	var ids []NodeID
	for bucket := 0; bucket < 20; bucket++ {
		id := idInBucket(t, self, bucket, 1)
		ids = append(ids, id)
		rt.AddNode(testRecord(id, bucket+1))
	}

	target := ids[19] // the node nearest to self
	closest := rt.FindClosest(target, 5)
	require.Len(t, closest, 5)
	assert.Equal(t, target, closest[0].ID)
	for i := 1; i < len(closest); i++ {
		di := closest[i-1].ID.Distance(target)
		dj := closest[i].ID.Distance(target)
		assert.True(t, di.Less(dj) || di == dj, "results must be sorted by distance")
	}

	assert.Empty(t, rt.FindClosest(target, 0))
}

func TestStaleBuckets(t *testing.T) {
	self, _ := NewRandomID()
	rt := NewRoutingTable(self)

	id := idInBucket(t, self, 42, 1)
	rt.AddNode(testRecord(id, 1))

	// Freshly created buckets are not stale.
	assert.Empty(t, rt.StaleBuckets(time.Hour))

	// With a negative max age everything qualifies, but only non-empty
	// buckets are reported.
	stale := rt.StaleBuckets(-time.Second)
	require.Len(t, stale, 1)
	assert.Equal(t, 42, stale[0])

	rt.Touch(id)
	assert.Empty(t, rt.StaleBuckets(time.Minute))
}
