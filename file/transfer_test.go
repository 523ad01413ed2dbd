package file

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/rats/peer"
)

func TestStatusStrings(t *testing.T) {
	assert.Equal(t, "pending", StatusPending.String())
	assert.Equal(t, "in_progress", StatusInProgress.String())
	assert.Equal(t, "cancelled", StatusCancelled.String())
	assert.Equal(t, "sending", DirectionSending.String())
	assert.Equal(t, "receiving", DirectionReceiving.String())
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		assert.True(t, s.IsTerminal(), "%s should be terminal", s)
	}
	for _, s := range []Status{StatusPending, StatusStarting, StatusInProgress, StatusPaused, StatusResuming} {
		assert.False(t, s.IsTerminal(), "%s should not be terminal", s)
	}
}

func TestTerminalStatesAbsorb(t *testing.T) {
	id, _ := peer.NewID()
	meta := Metadata{FileSize: 100, ChunkSize: 10, TotalChunks: 10}
	tr := newTransfer("t1", id, DirectionSending, meta, "/tmp/x")

	require.NoError(t, tr.transition(StatusStarting))
	require.NoError(t, tr.transition(StatusInProgress))

	tr.mu.Lock()
	tr.finishLocked(StatusCancelled, nil)
	tr.mu.Unlock()

	err := tr.transition(StatusInProgress)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, StatusCancelled, tr.Status())

	// finishLocked on a terminal transfer is a no-op.
	tr.mu.Lock()
	tr.finishLocked(StatusFailed, nil)
	tr.mu.Unlock()
	assert.Equal(t, StatusCancelled, tr.Status())
}

func TestTotalChunksFor(t *testing.T) {
	assert.Equal(t, uint32(0), totalChunksFor(0, 1024))
	assert.Equal(t, uint32(1), totalChunksFor(1, 1024))
	assert.Equal(t, uint32(1), totalChunksFor(1024, 1024))
	assert.Equal(t, uint32(2), totalChunksFor(1025, 1024))
	assert.Equal(t, uint32(8), totalChunksFor(8*1024, 1024), "exact multiple has no short final chunk")
}

func TestChunkSpan(t *testing.T) {
	id, _ := peer.NewID()

	// 100 bytes in 30-byte chunks: 30, 30, 30, 10.
	meta := Metadata{FileSize: 100, ChunkSize: 30, TotalChunks: totalChunksFor(100, 30)}
	tr := newTransfer("t1", id, DirectionSending, meta, "")
	require.Equal(t, uint32(4), meta.TotalChunks)
	assert.Equal(t, 30, tr.chunkSpan(0))
	assert.Equal(t, 30, tr.chunkSpan(2))
	assert.Equal(t, 10, tr.chunkSpan(3))

	// Exact multiple: full final chunk.
	meta = Metadata{FileSize: 90, ChunkSize: 30, TotalChunks: totalChunksFor(90, 30)}
	tr = newTransfer("t2", id, DirectionSending, meta, "")
	assert.Equal(t, 30, tr.chunkSpan(2))
}

func TestRateMeter(t *testing.T) {
	start := time.Now()
	m := newRateMeter(start)

	// 1000 bytes per second for three seconds.
	for i := 0; i < 3; i++ {
		m.add(1000, start.Add(time.Duration(i)*time.Second))
	}

	now := start.Add(3 * time.Second)
	assert.InDelta(t, 3000.0/rateWindowSeconds, m.instant(now), 1.0)
	assert.InDelta(t, 1000.0, m.average(now), 1.0)

	// Old samples age out of the instantaneous window.
	later := start.Add(30 * time.Second)
	assert.Equal(t, 0.0, m.instant(later))
	assert.InDelta(t, 100.0, m.average(later), 1.0)

	// ETA never divides by zero.
	eta := m.eta(5000, later)
	assert.Equal(t, time.Duration(5000)*time.Second, eta)
}

func TestSnapshotInvariant(t *testing.T) {
	id, _ := peer.NewID()
	meta := Metadata{FileSize: 100, ChunkSize: 10, TotalChunks: 10}
	tr := newTransfer("t1", id, DirectionReceiving, meta, "/tmp/y")

	snap := tr.Snapshot()
	assert.Equal(t, "t1", snap.ID)
	assert.Equal(t, uint64(0), snap.BytesTransferred)
	assert.LessOrEqual(t, snap.ChunksCompleted, meta.TotalChunks)
	assert.Equal(t, StatusPending, snap.Status)
}

func TestFirstMissing(t *testing.T) {
	id, _ := peer.NewID()
	meta := Metadata{FileSize: 50, ChunkSize: 10, TotalChunks: 5}
	tr := newTransfer("t1", id, DirectionReceiving, meta, "")

	tr.mu.Lock()
	assert.Equal(t, uint32(0), tr.firstMissingLocked())
	tr.received[0] = true
	tr.received[1] = true
	tr.received[3] = true // hole at 2
	assert.Equal(t, uint32(2), tr.firstMissingLocked())
	for i := range tr.received {
		tr.received[i] = true
	}
	assert.Equal(t, uint32(5), tr.firstMissingLocked())
	tr.mu.Unlock()
}

func TestRewind(t *testing.T) {
	id, _ := peer.NewID()
	meta := Metadata{FileSize: 50, ChunkSize: 10, TotalChunks: 5}
	tr := newTransfer("t1", id, DirectionSending, meta, "")

	tr.mu.Lock()
	tr.nextIndex = 5
	tr.inflight[3] = &inflightChunk{}
	tr.rewindLocked(2)
	assert.Equal(t, uint32(2), tr.nextIndex)
	assert.Empty(t, tr.inflight)
	assert.True(t, tr.acked[0])
	assert.True(t, tr.acked[1])
	assert.False(t, tr.acked[2])
	assert.Equal(t, uint32(2), tr.chunksDone)
	assert.Equal(t, uint64(20), tr.bytesDone)
	tr.mu.Unlock()
}
