package file

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/opd-ai/rats/peer"
)

// DefaultChunkSize is the chunk payload size used when none is configured.
const DefaultChunkSize = 64 * 1024

// Status is the lifecycle state of a transfer. Completed, Failed and
// Cancelled are terminal: once observed, no further transition happens.
type Status uint8

const (
	// StatusPending indicates the transfer exists but nothing was sent.
	StatusPending Status = iota
	// StatusStarting indicates the offer went out and awaits an answer.
	StatusStarting
	// StatusInProgress indicates chunks are flowing.
	StatusInProgress
	// StatusPaused indicates the transfer is halted but resumable.
	StatusPaused
	// StatusResuming indicates a resume is being negotiated.
	StatusResuming
	// StatusCompleted indicates all data arrived and verified.
	StatusCompleted
	// StatusFailed indicates an unrecoverable error.
	StatusFailed
	// StatusCancelled indicates either side cancelled.
	StatusCancelled
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusStarting:
		return "starting"
	case StatusInProgress:
		return "in_progress"
	case StatusPaused:
		return "paused"
	case StatusResuming:
		return "resuming"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	}
	return "unknown"
}

// IsTerminal reports whether the status absorbs all further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Direction distinguishes the two ends of a transfer.
type Direction uint8

const (
	// DirectionSending marks the offering side.
	DirectionSending Direction = iota
	// DirectionReceiving marks the accepting side.
	DirectionReceiving
)

// String implements fmt.Stringer.
func (d Direction) String() string {
	if d == DirectionSending {
		return "sending"
	}
	return "receiving"
}

// ErrInvalidState indicates an operation not allowed by the current
// transfer state.
var ErrInvalidState = errors.New("invalid transfer state")

// ErrTransferNotFound indicates an unknown transfer ID.
var ErrTransferNotFound = errors.New("transfer not found")

// inflightChunk tracks one unacknowledged chunk on the sending side.
type inflightChunk struct {
	size    int
	sentAt  time.Time
	retries int
}

// Transfer is one file moving in one direction. All mutable state is
// guarded by mu; the manager never holds its registry lock while taking it.
type Transfer struct {
	id        string
	peerID    peer.ID
	direction Direction
	meta      Metadata
	localPath string
	dirID     string

	mu         sync.Mutex
	status     Status
	bytesDone  uint64
	chunksDone uint32
	startedAt  time.Time
	lastUpdate time.Time
	err        error
	file       *os.File
	rate       *rateMeter

	// Sending side.
	nextIndex uint32
	inflight  map[uint32]*inflightChunk
	acked     []bool

	// Receiving side.
	received []bool
}

func newTransfer(id string, peerID peer.ID, direction Direction, meta Metadata, localPath string) *Transfer {
	now := time.Now()
	t := &Transfer{
		id:         id,
		peerID:     peerID,
		direction:  direction,
		meta:       meta,
		localPath:  localPath,
		status:     StatusPending,
		startedAt:  now,
		lastUpdate: now,
		rate:       newRateMeter(now),
	}
	if direction == DirectionSending {
		t.inflight = make(map[uint32]*inflightChunk)
		t.acked = make([]bool, meta.TotalChunks)
	} else {
		t.received = make([]bool, meta.TotalChunks)
	}
	return t
}

// ID returns the transfer identifier.
func (t *Transfer) ID() string { return t.id }

// PeerID returns the remote peer.
func (t *Transfer) PeerID() peer.ID { return t.peerID }

// Direction returns which side of the transfer this is.
func (t *Transfer) Direction() Direction { return t.direction }

// Status returns the current lifecycle state.
func (t *Transfer) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Err returns the recorded failure, if any.
func (t *Transfer) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Snapshot is a point-in-time view of a transfer, including telemetry.
type Snapshot struct {
	ID               string
	PeerID           peer.ID
	Direction        Direction
	Status           Status
	Metadata         Metadata
	LocalPath        string
	DirID            string
	BytesTransferred uint64
	ChunksCompleted  uint32
	StartedAt        time.Time
	LastUpdate       time.Time
	InstantRateBps   float64
	AverageRateBps   float64
	ETA              time.Duration
	Err              error
}

// Snapshot captures the transfer state and telemetry.
func (t *Transfer) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	remaining := uint64(0)
	if t.meta.FileSize > t.bytesDone {
		remaining = t.meta.FileSize - t.bytesDone
	}
	return Snapshot{
		ID:               t.id,
		PeerID:           t.peerID,
		Direction:        t.direction,
		Status:           t.status,
		Metadata:         t.meta,
		LocalPath:        t.localPath,
		DirID:            t.dirID,
		BytesTransferred: t.bytesDone,
		ChunksCompleted:  t.chunksDone,
		StartedAt:        t.startedAt,
		LastUpdate:       t.lastUpdate,
		InstantRateBps:   t.rate.instant(now),
		AverageRateBps:   t.rate.average(now),
		ETA:              t.rate.eta(remaining, now),
		Err:              t.err,
	}
}

// transition moves the transfer to a new status, refusing to leave a
// terminal state.
func (t *Transfer) transition(to Status) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transitionLocked(to)
}

func (t *Transfer) transitionLocked(to Status) error {
	if t.status.IsTerminal() {
		return fmt.Errorf("%w: transfer %s is %s", ErrInvalidState, t.id, t.status)
	}
	t.status = to
	t.lastUpdate = time.Now()
	return nil
}

// finishLocked enters a terminal state, closing the file handle. The file
// descriptor is scoped to the transfer lifetime.
func (t *Transfer) finishLocked(status Status, cause error) {
	if t.status.IsTerminal() {
		return
	}
	if t.file != nil {
		_ = t.file.Close()
		t.file = nil
	}
	t.status = status
	t.err = cause
	t.lastUpdate = time.Now()
}

// chunkSpan returns the byte size of the chunk at index: every chunk is
// ChunkSize bytes except a short final one.
func (t *Transfer) chunkSpan(index uint32) int {
	if index+1 < t.meta.TotalChunks {
		return int(t.meta.ChunkSize)
	}
	tail := t.meta.FileSize % uint64(t.meta.ChunkSize)
	if tail == 0 {
		return int(t.meta.ChunkSize)
	}
	return int(tail)
}

// totalChunksFor computes ceil(fileSize / chunkSize).
func totalChunksFor(fileSize uint64, chunkSize uint32) uint32 {
	if fileSize == 0 {
		return 0
	}
	return uint32((fileSize + uint64(chunkSize) - 1) / uint64(chunkSize))
}
