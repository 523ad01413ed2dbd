package dht

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"net"

	"github.com/opd-ai/rats/platform"
)

// IDBytes is the length of a DHT node ID or info-hash.
const IDBytes = 20

// IDBits is the routing table height: one bucket per possible distance prefix.
const IDBits = IDBytes * 8

// NodeID is a 160-bit Kademlia identity. Info-hashes share the
// representation and the distance metric.
type NodeID [IDBytes]byte

// InfoHash is a 20-byte content identifier used as a DHT key.
type InfoHash = NodeID

// NewRandomID returns a uniformly random node ID.
func NewRandomID() (NodeID, error) {
	var id NodeID
	if _, err := rand.Read(id[:]); err != nil {
		return NodeID{}, fmt.Errorf("id generation failed: %w", err)
	}
	return id, nil
}

// ParseID decodes a 40-character hex string into a NodeID.
func ParseID(s string) (NodeID, error) {
	var id NodeID
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != IDBytes {
		return NodeID{}, fmt.Errorf("invalid node id %q", s)
	}
	copy(id[:], raw)
	return id, nil
}

// IDFromBytes copies a 20-byte slice into a NodeID.
func IDFromBytes(b []byte) (NodeID, error) {
	var id NodeID
	if len(b) != IDBytes {
		return NodeID{}, fmt.Errorf("invalid node id length %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

// String returns the ID as lowercase hex.
func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// Distance returns the XOR distance between two IDs.
func (id NodeID) Distance(other NodeID) NodeID {
	var d NodeID
	for i := range id {
		d[i] = id[i] ^ other[i]
	}
	return d
}

// BucketIndex returns the routing table bucket for a distance: the position
// of the most significant set bit, 0 for the farthest half of the keyspace
// through 159 for the nearest. A zero distance (our own ID) returns -1.
func (id NodeID) BucketIndex() int {
	for i := 0; i < IDBytes; i++ {
		if id[i] == 0 {
			continue
		}
		b := id[i]
		for j := 0; j < 8; j++ {
			if (b>>(7-j))&1 == 1 {
				return i*8 + j
			}
		}
	}
	return -1
}

// Less reports whether id orders before other as a big-endian integer.
// Comparing two distances to a common target ranks XOR closeness.
func (id NodeID) Less(other NodeID) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// RandomIDInBucket returns a random ID whose distance from self falls into
// the given bucket, used for bucket refresh lookups.
func RandomIDInBucket(self NodeID, bucket int) (NodeID, error) {
	if bucket < 0 || bucket >= IDBits {
		return NodeID{}, fmt.Errorf("bucket index %d out of range", bucket)
	}

	var dist NodeID
	if _, err := rand.Read(dist[:]); err != nil {
		return NodeID{}, err
	}

	// Clear bits above the bucket's prefix, then force the prefix bit so
	// the most significant differing bit lands exactly at the bucket.
	byteIdx, bitIdx := bucket/8, bucket%8
	for i := 0; i < byteIdx; i++ {
		dist[i] = 0
	}
	dist[byteIdx] &= 0xFF >> uint(bitIdx)
	dist[byteIdx] |= 0x80 >> uint(bitIdx)

	return self.Distance(dist), nil
}

// ErrCompactEncoding indicates malformed compact node or peer data.
var ErrCompactEncoding = errors.New("malformed compact encoding")

// compactNodeLen is the wire size of one IPv4 compact node entry.
const compactNodeLen = IDBytes + 6

// CompactNodes encodes node records in the Mainline "nodes" format:
// 20-byte ID, 4-byte IPv4, 2-byte port, concatenated. Records without an
// IPv4 address are skipped.
func CompactNodes(nodes []*NodeRecord) []byte {
	out := make([]byte, 0, len(nodes)*compactNodeLen)
	for _, n := range nodes {
		ip := n.Addr.IP.To4()
		if ip == nil {
			continue
		}
		out = append(out, n.ID[:]...)
		out = append(out, ip...)
		var port [2]byte
		binary.BigEndian.PutUint16(port[:], uint16(n.Addr.Port))
		out = append(out, port[:]...)
	}
	return out
}

// ParseCompactNodes decodes a Mainline "nodes" value.
func ParseCompactNodes(data []byte) ([]*NodeRecord, error) {
	if len(data)%compactNodeLen != 0 {
		return nil, ErrCompactEncoding
	}
	nodes := make([]*NodeRecord, 0, len(data)/compactNodeLen)
	for off := 0; off < len(data); off += compactNodeLen {
		entry := data[off : off+compactNodeLen]
		id, _ := IDFromBytes(entry[:IDBytes])
		nodes = append(nodes, &NodeRecord{
			ID: id,
			Addr: &net.UDPAddr{
				IP:   net.IP(append([]byte{}, entry[IDBytes:IDBytes+4]...)),
				Port: int(binary.BigEndian.Uint16(entry[IDBytes+4:])),
			},
		})
	}
	return nodes, nil
}

// CompactPeer encodes an endpoint in the Mainline "values" format: 4-byte
// IPv4 and 2-byte port for IPv4, 16-byte address and 2-byte port for IPv6.
func CompactPeer(ep platform.Endpoint) ([]byte, error) {
	ip := net.ParseIP(ep.Addr)
	if ip == nil {
		return nil, fmt.Errorf("%w: bad address %q", ErrCompactEncoding, ep.Addr)
	}
	raw := ip.To4()
	if raw == nil {
		raw = ip.To16()
	}
	out := make([]byte, len(raw)+2)
	copy(out, raw)
	binary.BigEndian.PutUint16(out[len(raw):], ep.Port)
	return out, nil
}

// ParseCompactPeer decodes a single compact peer value.
func ParseCompactPeer(data []byte) (platform.Endpoint, error) {
	switch len(data) {
	case 6:
		return platform.Endpoint{
			Addr: net.IP(data[:4]).String(),
			Port: binary.BigEndian.Uint16(data[4:]),
		}, nil
	case 18:
		return platform.Endpoint{
			Addr: net.IP(data[:16]).String(),
			Port: binary.BigEndian.Uint16(data[16:]),
		}, nil
	default:
		return platform.Endpoint{}, ErrCompactEncoding
	}
}
