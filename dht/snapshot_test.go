package dht

import (
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotIdentityRoundTrip(t *testing.T) {
	store, err := OpenSnapshot(filepath.Join(t.TempDir(), "dht.db"))
	require.NoError(t, err)
	defer store.Close()

	_, err = store.LoadIdentity()
	assert.ErrorIs(t, err, ErrNoIdentity)

	id, _ := NewRandomID()
	require.NoError(t, store.SaveIdentity(id))

	loaded, err := store.LoadIdentity()
	require.NoError(t, err)
	assert.Equal(t, id, loaded)
}

func TestSnapshotNodesRoundTrip(t *testing.T) {
	store, err := OpenSnapshot(filepath.Join(t.TempDir(), "dht.db"))
	require.NoError(t, err)
	defer store.Close()

	id1, _ := NewRandomID()
	id2, _ := NewRandomID()
	nodes := []*NodeRecord{
		{ID: id1, Addr: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 6881}},
		{ID: id2, Addr: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 6882}},
	}
	require.NoError(t, store.SaveNodes(nodes))

	loaded, err := store.LoadNodes()
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	byID := map[NodeID]*NodeRecord{loaded[0].ID: loaded[0], loaded[1].ID: loaded[1]}
	require.Contains(t, byID, id1)
	assert.Equal(t, "10.0.0.1:6881", byID[id1].Addr.String())

	// Saving again replaces the snapshot rather than appending.
	require.NoError(t, store.SaveNodes(nodes[:1]))
	loaded, err = store.LoadNodes()
	require.NoError(t, err)
	assert.Len(t, loaded, 1)
}

func TestSnapshotRestoreSeedsRoutingTable(t *testing.T) {
	store, err := OpenSnapshot(filepath.Join(t.TempDir(), "dht.db"))
	require.NoError(t, err)
	defer store.Close()

	node, err := NewNode(DefaultConfig())
	require.NoError(t, err)

	other, _ := NewRandomID()
	require.NoError(t, store.SaveNodes([]*NodeRecord{
		{ID: other, Addr: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 9), Port: 7000}},
	}))

	require.NoError(t, node.Restore(store))
	assert.Equal(t, 1, node.RoutingTableSize())

	require.NoError(t, node.Snapshot(store))
	id, err := store.LoadIdentity()
	require.NoError(t, err)
	assert.Equal(t, node.ID(), id)
}
