package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// Binary chunk payload layout:
//
//	[id_len (4 bytes, big-endian)][transfer_id (id_len bytes)]
//	[chunk index (4 bytes)][crc32 (4 bytes)][chunk data]
//
// The CRC32 (IEEE) covers the chunk data only.

// ErrChunkTruncated indicates a binary payload shorter than its fixed header.
var ErrChunkTruncated = errors.New("chunk payload truncated")

// ErrChunkChecksum indicates a chunk whose data does not match its CRC32.
var ErrChunkChecksum = errors.New("chunk checksum mismatch")

// maxTransferIDLen bounds the transfer-ID field; UUID strings are 36 bytes.
const maxTransferIDLen = 64

// Chunk is one decoded binary frame payload.
type Chunk struct {
	TransferID string
	Index      uint32
	Data       []byte
}

// EncodeChunk serializes a chunk into a binary frame, computing the CRC32
// over the chunk data.
func EncodeChunk(c *Chunk) (*Frame, error) {
	idLen := len(c.TransferID)
	if idLen == 0 || idLen > maxTransferIDLen {
		return nil, fmt.Errorf("invalid transfer id length %d", idLen)
	}

	payload := make([]byte, 4+idLen+4+4+len(c.Data))
	binary.BigEndian.PutUint32(payload[0:4], uint32(idLen))
	copy(payload[4:4+idLen], c.TransferID)
	off := 4 + idLen
	binary.BigEndian.PutUint32(payload[off:off+4], c.Index)
	binary.BigEndian.PutUint32(payload[off+4:off+8], crc32.ChecksumIEEE(c.Data))
	copy(payload[off+8:], c.Data)

	return &Frame{Type: FrameBinary, Payload: payload}, nil
}

// DecodeChunk parses a binary frame payload and verifies the embedded CRC32.
// A checksum mismatch returns ErrChunkChecksum together with the decoded
// chunk so the receiver can request retransmission of that index.
func DecodeChunk(payload []byte) (*Chunk, error) {
	if len(payload) < 4 {
		return nil, ErrChunkTruncated
	}
	idLen := binary.BigEndian.Uint32(payload[0:4])
	if idLen == 0 || idLen > maxTransferIDLen {
		return nil, fmt.Errorf("invalid transfer id length %d", idLen)
	}
	if len(payload) < int(4+idLen+8) {
		return nil, ErrChunkTruncated
	}

	off := 4 + int(idLen)
	chunk := &Chunk{
		TransferID: string(payload[4:off]),
		Index:      binary.BigEndian.Uint32(payload[off : off+4]),
	}
	sum := binary.BigEndian.Uint32(payload[off+4 : off+8])

	chunk.Data = make([]byte, len(payload)-off-8)
	copy(chunk.Data, payload[off+8:])

	if crc32.ChecksumIEEE(chunk.Data) != sum {
		return chunk, ErrChunkChecksum
	}
	return chunk, nil
}
