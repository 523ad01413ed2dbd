package dht

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

// Bucket and key names inside the snapshot database.
const (
	snapMetaBucket  = "meta"
	snapNodesBucket = "nodes"
	snapKeyNodeID   = "node_id"

	snapshotOpenTimeout = 2 * time.Second
)

// ErrNoIdentity indicates the snapshot holds no saved node ID.
var ErrNoIdentity = errors.New("no node identity in snapshot")

// snapNode is the stored form of one routing table entry.
type snapNode struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

// SnapshotStore persists the DHT identity and a routing table snapshot so a
// restarted node rejoins the network without a full bootstrap.
type SnapshotStore struct {
	db *bolt.DB
}

// OpenSnapshot opens (or creates) the snapshot database at path.
func OpenSnapshot(path string) (*SnapshotStore, error) {
	if path == "" {
		return nil, errors.New("empty snapshot path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: snapshotOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("snapshot open failed: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(snapMetaBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(snapNodesBucket))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SnapshotStore{db: db}, nil
}

// Close releases the database.
func (s *SnapshotStore) Close() error {
	return s.db.Close()
}

// SaveIdentity stores the local node ID.
func (s *SnapshotStore) SaveIdentity(id NodeID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(snapMetaBucket)).Put([]byte(snapKeyNodeID), id[:])
	})
}

// LoadIdentity returns the stored node ID, or ErrNoIdentity.
func (s *SnapshotStore) LoadIdentity() (NodeID, error) {
	var id NodeID
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(snapMetaBucket)).Get([]byte(snapKeyNodeID))
		if len(raw) != IDBytes {
			return ErrNoIdentity
		}
		copy(id[:], raw)
		return nil
	})
	return id, err
}

// SaveNodes replaces the stored routing table snapshot.
func (s *SnapshotStore) SaveNodes(nodes []*NodeRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(snapNodesBucket)); err != nil {
			return err
		}
		bucket, err := tx.CreateBucket([]byte(snapNodesBucket))
		if err != nil {
			return err
		}
		for _, rec := range nodes {
			entry, err := json.Marshal(snapNode{
				ID:   rec.ID.String(),
				Addr: rec.Addr.String(),
			})
			if err != nil {
				return err
			}
			if err := bucket.Put(rec.ID[:], entry); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadNodes returns the stored routing table snapshot. Entries that no
// longer parse are skipped.
func (s *SnapshotStore) LoadNodes() ([]*NodeRecord, error) {
	var nodes []*NodeRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(snapNodesBucket)).ForEach(func(_, v []byte) error {
			var stored snapNode
			if err := json.Unmarshal(v, &stored); err != nil {
				return nil
			}
			id, err := ParseID(stored.ID)
			if err != nil {
				return nil
			}
			addr, err := net.ResolveUDPAddr("udp", stored.Addr)
			if err != nil {
				return nil
			}
			nodes = append(nodes, &NodeRecord{ID: id, Addr: addr})
			return nil
		})
	})
	return nodes, err
}

// Restore seeds the node's routing table from the snapshot. Stale entries
// are weeded out naturally by maintenance.
func (n *Node) Restore(store *SnapshotStore) error {
	nodes, err := store.LoadNodes()
	if err != nil {
		return err
	}
	for _, rec := range nodes {
		n.table.AddNode(rec)
	}
	logrus.WithFields(logrus.Fields{
		"function": "Restore",
		"nodes":    len(nodes),
	}).Info("Routing table restored from snapshot")
	return nil
}

// Snapshot writes the node's identity and current routing table to the
// store.
func (n *Node) Snapshot(store *SnapshotStore) error {
	if err := store.SaveIdentity(n.id); err != nil {
		return err
	}
	return store.SaveNodes(n.table.AllNodes())
}
