package file

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/rats/peer"
	"github.com/opd-ai/rats/transport"
)

// Sender is the slice of the peer client the engine sends through.
type Sender interface {
	SendControl(id peer.ID, v any) error
	SendChunk(id peer.ID, chunk *transport.Chunk) error
}

// Config holds the engine parameters. Zero fields take the defaults from
// DefaultConfig.
type Config struct {
	// ChunkSize is the chunk payload size in bytes.
	ChunkSize uint32
	// Window is the maximum number of unacknowledged chunks in flight
	// per transfer.
	Window int
	// AckTimeout is how long a chunk may stay unacknowledged before it
	// is retransmitted.
	AckTimeout time.Duration
	// MaxRetransmits is how many times one chunk is retransmitted before
	// the transfer fails.
	MaxRetransmits int
	// DirConcurrency caps the parallel file transfers inside one
	// directory transfer.
	DirConcurrency int
	// DownloadDir is where incoming files land.
	DownloadDir string
	// TickInterval drives retransmission checks.
	TickInterval time.Duration
}

// DefaultConfig returns the production parameters.
func DefaultConfig() Config {
	return Config{
		ChunkSize:      DefaultChunkSize,
		Window:         16,
		AckTimeout:     30 * time.Second,
		MaxRetransmits: 3,
		DirConcurrency: 4,
		DownloadDir:    ".",
		TickInterval:   time.Second,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.ChunkSize == 0 {
		c.ChunkSize = def.ChunkSize
	}
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = def.AckTimeout
	}
	if c.MaxRetransmits <= 0 {
		c.MaxRetransmits = def.MaxRetransmits
	}
	if c.DirConcurrency <= 0 {
		c.DirConcurrency = def.DirConcurrency
	}
	if c.DownloadDir == "" {
		c.DownloadDir = def.DownloadDir
	}
	if c.TickInterval <= 0 {
		c.TickInterval = def.TickInterval
	}
}

// ProgressCallback observes transfer progress updates.
type ProgressCallback func(Snapshot)

// CompleteCallback observes a transfer reaching a terminal state; the
// snapshot's Status and Err carry the outcome.
type CompleteCallback func(Snapshot)

// FileRequestCallback decides whether an inbound file offer or pull
// request is accepted. When none is registered everything is accepted.
type FileRequestCallback func(id peer.ID, meta Metadata) bool

// DirRequestCallback decides whether an inbound directory offer or pull
// request is accepted.
type DirRequestCallback func(id peer.ID, rootName string, totalFiles int, totalBytes uint64) bool

// expectation records a pull request awaiting its offer.
type expectation struct {
	localPath string
}

// Manager is the transfer engine: it owns the transfer registry, reacts to
// control messages and chunks, and drives the send window.
type Manager struct {
	sender Sender
	cfg    Config

	mu           sync.RWMutex
	transfers    map[string]*Transfer
	dirs         map[string]*DirectoryTransfer
	expectations map[string]*expectation

	runMu   sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	cbMu          sync.RWMutex
	onProgress    ProgressCallback
	onComplete    CompleteCallback
	onFileRequest FileRequestCallback
	onDirRequest  DirRequestCallback
	onDirProgress DirProgressCallback
	onDirComplete DirCompleteCallback

	statsMu sync.Mutex
	stats   Stats
}

// NewManager creates a transfer engine sending through the given Sender.
func NewManager(sender Sender, cfg Config) *Manager {
	cfg.applyDefaults()
	logrus.WithFields(logrus.Fields{
		"function":   "NewManager",
		"chunk_size": cfg.ChunkSize,
		"window":     cfg.Window,
	}).Info("Transfer engine created")

	return &Manager{
		sender:       sender,
		cfg:          cfg,
		transfers:    make(map[string]*Transfer),
		dirs:         make(map[string]*DirectoryTransfer),
		expectations: make(map[string]*expectation),
	}
}

// Start launches the retransmission ticker.
func (m *Manager) Start() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.running = true
	m.wg.Add(1)
	go m.tickLoop()
}

// Stop halts the ticker and cancels every non-terminal transfer.
func (m *Manager) Stop() {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	m.runMu.Unlock()
	m.wg.Wait()

	for _, t := range m.snapshotTransfers() {
		m.finish(t, StatusCancelled, errors.New("engine stopped"))
	}
}

// OnProgress registers the progress callback.
func (m *Manager) OnProgress(cb ProgressCallback) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.onProgress = cb
}

// OnComplete registers the completion callback.
func (m *Manager) OnComplete(cb CompleteCallback) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.onComplete = cb
}

// OnFileRequest registers the inbound file policy callback.
func (m *Manager) OnFileRequest(cb FileRequestCallback) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.onFileRequest = cb
}

// OnDirRequest registers the inbound directory policy callback.
func (m *Manager) OnDirRequest(cb DirRequestCallback) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.onDirRequest = cb
}

// GetTransfer returns a snapshot of the identified transfer.
func (m *Manager) GetTransfer(transferID string) (Snapshot, error) {
	t, err := m.lookup(transferID)
	if err != nil {
		return Snapshot{}, err
	}
	return t.Snapshot(), nil
}

// ListTransfers returns snapshots of every known transfer.
func (m *Manager) ListTransfers() []Snapshot {
	transfers := m.snapshotTransfers()
	out := make([]Snapshot, 0, len(transfers))
	for _, t := range transfers {
		out = append(out, t.Snapshot())
	}
	return out
}

// GetStats returns the engine-wide statistics aggregate.
func (m *Manager) GetStats() Stats {
	m.statsMu.Lock()
	stats := m.stats
	m.statsMu.Unlock()

	m.mu.RLock()
	for _, t := range m.transfers {
		if !t.Status().IsTerminal() {
			stats.ActiveTransfers++
		}
	}
	for _, d := range m.dirs {
		if !d.Status().IsTerminal() {
			stats.ActiveDirectories++
		}
	}
	m.mu.RUnlock()
	return stats
}

// SendFile offers the file at path to the peer and returns the transfer
// ID. Chunks flow once the peer accepts.
func (m *Manager) SendFile(peerID peer.ID, path string) (string, error) {
	return m.sendFileAs(peerID, path, uuid.NewString(), "")
}

// sendFileAs starts an outgoing transfer under a caller-chosen ID,
// optionally tied to a directory transfer.
func (m *Manager) sendFileAs(peerID peer.ID, path, transferID, dirID string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("file stat failed: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory, use SendDirectory", path)
	}

	checksum, err := checksumFile(path)
	if err != nil {
		return "", err
	}

	name := filepath.Base(path)
	if dirID != "" {
		// Directory members keep their relative path as the wire name.
		if dir, ok := m.getDir(dirID); ok {
			if rel, relErr := filepath.Rel(dir.rootLocal, path); relErr == nil {
				name = filepath.ToSlash(rel)
			}
		}
	}

	meta := Metadata{
		FileName:     name,
		FileSize:     uint64(info.Size()),
		ChunkSize:    m.cfg.ChunkSize,
		ChecksumAlgo: "sha1",
		FileChecksum: checksum,
		ModTime:      info.ModTime().Unix(),
	}
	meta.TotalChunks = totalChunksFor(meta.FileSize, meta.ChunkSize)

	t := newTransfer(transferID, peerID, DirectionSending, meta, path)
	t.dirID = dirID

	m.mu.Lock()
	if _, exists := m.transfers[transferID]; exists {
		m.mu.Unlock()
		return "", fmt.Errorf("transfer %s already exists", transferID)
	}
	m.transfers[transferID] = t
	m.mu.Unlock()

	if err := t.transition(StatusStarting); err != nil {
		return "", err
	}
	offer := offerMessage{Type: msgFileOffer, TransferID: transferID, Metadata: meta, DirID: dirID}
	if err := m.sender.SendControl(peerID, offer); err != nil {
		m.finish(t, StatusFailed, err)
		return "", err
	}

	logrus.WithFields(logrus.Fields{
		"function":    "SendFile",
		"transfer_id": transferID,
		"peer":        peerID.Short(),
		"file":        path,
		"size":        meta.FileSize,
		"chunks":      meta.TotalChunks,
	}).Info("File offered")
	return transferID, nil
}

// RequestFile asks the peer to send its file at remotePath, storing it at
// localPath. The peer answers with a regular file_offer under the returned
// transfer ID.
func (m *Manager) RequestFile(peerID peer.ID, remotePath, localPath string) (string, error) {
	transferID := uuid.NewString()

	m.mu.Lock()
	m.expectations[transferID] = &expectation{localPath: localPath}
	m.mu.Unlock()

	req := requestMessage{Type: msgFileRequest, TransferID: transferID, RemotePath: remotePath}
	if err := m.sender.SendControl(peerID, req); err != nil {
		m.mu.Lock()
		delete(m.expectations, transferID)
		m.mu.Unlock()
		return "", err
	}
	return transferID, nil
}

// Pause halts an in-progress transfer and notifies the peer.
func (m *Manager) Pause(transferID string) error {
	t, err := m.lookup(transferID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.status != StatusInProgress && t.status != StatusStarting {
		status := t.status
		t.mu.Unlock()
		return fmt.Errorf("%w: cannot pause %s transfer", ErrInvalidState, status)
	}
	t.status = StatusPaused
	t.lastUpdate = time.Now()
	t.mu.Unlock()

	return m.sender.SendControl(t.peerID, controlMessage{Type: msgFilePause, TransferID: transferID})
}

// Resume continues a paused transfer. The receiving side reports the first
// chunk it is missing so the sender rewinds; the sending side asks the
// receiver to report it.
func (m *Manager) Resume(transferID string) error {
	t, err := m.lookup(transferID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.status != StatusPaused {
		status := t.status
		t.mu.Unlock()
		return fmt.Errorf("%w: cannot resume %s transfer", ErrInvalidState, status)
	}
	t.status = StatusResuming
	t.lastUpdate = time.Now()
	direction := t.direction
	var firstMissing *uint32
	if direction == DirectionReceiving {
		idx := t.firstMissingLocked()
		firstMissing = &idx
	}
	t.mu.Unlock()

	msg := resumeMessage{Type: msgFileResume, TransferID: transferID, FirstMissingIndex: firstMissing}
	return m.sender.SendControl(t.peerID, msg)
}

// Cancel aborts a transfer from either side.
func (m *Manager) Cancel(transferID string) error {
	t, err := m.lookup(transferID)
	if err != nil {
		return err
	}
	if t.Status().IsTerminal() {
		return fmt.Errorf("%w: transfer already finished", ErrInvalidState)
	}

	_ = m.sender.SendControl(t.peerID, controlMessage{Type: msgFileCancel, TransferID: transferID})
	m.finish(t, StatusCancelled, nil)
	return nil
}

// HandleControl consumes reserved file_/dir_ control messages; wire it as
// the peer client's control handler.
func (m *Manager) HandleControl(peerID peer.ID, msgType string, payload []byte) {
	var err error
	switch msgType {
	case msgFileOffer:
		err = m.handleOffer(peerID, payload)
	case msgFileAccept:
		err = m.handleAccept(peerID, payload)
	case msgFileReject:
		err = m.handleReject(peerID, payload)
	case msgFileChunkAck:
		err = m.handleAck(peerID, payload)
	case msgFileChunkNak:
		err = m.handleNack(peerID, payload)
	case msgFilePause:
		err = m.handlePause(peerID, payload)
	case msgFileResume:
		err = m.handleResume(peerID, payload)
	case msgFileCancel:
		err = m.handleCancel(peerID, payload)
	case msgFileComplete:
		err = m.handleComplete(peerID, payload)
	case msgFileRequest:
		err = m.handleRequest(peerID, payload)
	case msgDirOffer:
		err = m.handleDirOffer(peerID, payload)
	case msgDirAccept:
		err = m.handleDirAccept(peerID, payload)
	case msgDirReject:
		err = m.handleDirReject(peerID, payload)
	case msgDirManifest:
		err = m.handleDirManifest(peerID, payload)
	case msgDirRequest:
		err = m.handleDirRequest(peerID, payload)
	case msgDirComplete:
		err = m.handleDirComplete(peerID, payload)
	default:
		logrus.WithFields(logrus.Fields{
			"function": "HandleControl",
			"type":     msgType,
		}).Debug("Unhandled reserved message type")
	}

	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "HandleControl",
			"type":     msgType,
			"peer":     peerID.Short(),
			"error":    err.Error(),
		}).Warn("Transfer control message failed")
	}
}

// handleOffer reacts to an incoming file offer: policy check, local file
// creation, then file_accept.
func (m *Manager) handleOffer(peerID peer.ID, payload []byte) error {
	var offer offerMessage
	if err := json.Unmarshal(payload, &offer); err != nil {
		return err
	}

	localPath, accepted := m.admitOffer(peerID, &offer)
	if !accepted {
		return m.sender.SendControl(peerID, rejectMessage{
			Type: msgFileReject, TransferID: offer.TransferID, Reason: "declined",
		})
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	handle, err := os.OpenFile(localPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		_ = m.sender.SendControl(peerID, rejectMessage{
			Type: msgFileReject, TransferID: offer.TransferID, Reason: "local open failed",
		})
		return err
	}

	t := newTransfer(offer.TransferID, peerID, DirectionReceiving, offer.Metadata, localPath)
	t.dirID = offer.DirID
	t.file = handle
	t.status = StatusInProgress

	m.mu.Lock()
	if _, exists := m.transfers[offer.TransferID]; exists {
		m.mu.Unlock()
		_ = handle.Close()
		return fmt.Errorf("duplicate transfer id %s", offer.TransferID)
	}
	m.transfers[offer.TransferID] = t
	m.mu.Unlock()

	if err := m.sender.SendControl(peerID, acceptMessage{Type: msgFileAccept, TransferID: offer.TransferID}); err != nil {
		m.finish(t, StatusFailed, err)
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":    "handleOffer",
		"transfer_id": offer.TransferID,
		"peer":        peerID.Short(),
		"file":        localPath,
		"size":        offer.Metadata.FileSize,
	}).Info("Incoming file accepted")

	// An empty file has nothing to stream; it completes on acceptance.
	if offer.Metadata.TotalChunks == 0 {
		m.finalizeReceive(t)
	}
	return nil
}

// admitOffer applies the accept policy and picks the local path.
func (m *Manager) admitOffer(peerID peer.ID, offer *offerMessage) (string, bool) {
	// Pull requests we issued are pre-approved with a chosen path.
	m.mu.Lock()
	if exp, ok := m.expectations[offer.TransferID]; ok {
		delete(m.expectations, offer.TransferID)
		m.mu.Unlock()
		return exp.localPath, true
	}
	var dir *DirectoryTransfer
	if offer.DirID != "" {
		dir = m.dirs[offer.DirID]
	}
	m.mu.Unlock()

	// Directory members inherit the directory's acceptance.
	if dir != nil {
		return filepath.Join(dir.rootLocal, filepath.FromSlash(offer.Metadata.FileName)), true
	}

	m.cbMu.RLock()
	policy := m.onFileRequest
	m.cbMu.RUnlock()
	if policy != nil && !policy(peerID, offer.Metadata) {
		return "", false
	}
	return filepath.Join(m.cfg.DownloadDir, filepath.Base(offer.Metadata.FileName)), true
}

// handleAccept opens the file and starts streaming chunks.
func (m *Manager) handleAccept(peerID peer.ID, payload []byte) error {
	var accept acceptMessage
	if err := json.Unmarshal(payload, &accept); err != nil {
		return err
	}
	t, err := m.lookupFor(accept.TransferID, peerID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.direction != DirectionSending || t.status != StatusStarting {
		status := t.status
		t.mu.Unlock()
		return fmt.Errorf("%w: unexpected accept in state %s", ErrInvalidState, status)
	}
	handle, err := os.Open(t.localPath)
	if err != nil {
		t.mu.Unlock()
		m.finish(t, StatusFailed, err)
		return err
	}
	t.file = handle
	t.status = StatusInProgress
	t.startedAt = time.Now()
	t.rate = newRateMeter(t.startedAt)
	t.mu.Unlock()

	m.fillWindow(t)
	return nil
}

// handleReject fails the offered transfer.
func (m *Manager) handleReject(peerID peer.ID, payload []byte) error {
	var reject rejectMessage
	if err := json.Unmarshal(payload, &reject); err != nil {
		return err
	}

	// A rejected pull never created a transfer; drop its expectation.
	m.mu.Lock()
	delete(m.expectations, reject.TransferID)
	m.mu.Unlock()

	t, err := m.lookupFor(reject.TransferID, peerID)
	if err != nil {
		return nil
	}
	m.finish(t, StatusFailed, fmt.Errorf("peer rejected transfer: %s", reject.Reason))
	return nil
}

// handleAck slides the send window.
func (m *Manager) handleAck(peerID peer.ID, payload []byte) error {
	var ack ackMessage
	if err := json.Unmarshal(payload, &ack); err != nil {
		return err
	}
	t, err := m.lookupFor(ack.TransferID, peerID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.direction != DirectionSending || int(ack.Index) >= len(t.acked) {
		t.mu.Unlock()
		return nil
	}
	delete(t.inflight, ack.Index)
	if !t.acked[ack.Index] {
		t.acked[ack.Index] = true
		t.chunksDone++
		size := uint64(t.chunkSpan(ack.Index))
		t.bytesDone += size
		now := time.Now()
		t.rate.add(size, now)
		t.lastUpdate = now
		m.addSentBytes(size)
	}
	done := t.chunksDone == t.meta.TotalChunks
	t.mu.Unlock()

	m.emitProgress(t)
	if done {
		m.completeSend(t)
		return nil
	}
	m.fillWindow(t)
	return nil
}

// handleNack retransmits a chunk the receiver rejected on checksum.
func (m *Manager) handleNack(peerID peer.ID, payload []byte) error {
	var nack ackMessage
	if err := json.Unmarshal(payload, &nack); err != nil {
		return err
	}
	t, err := m.lookupFor(nack.TransferID, peerID)
	if err != nil {
		return err
	}
	return m.retransmit(t, nack.Index)
}

// handlePause reacts to the peer pausing the transfer.
func (m *Manager) handlePause(peerID peer.ID, payload []byte) error {
	var msg controlMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return err
	}
	t, err := m.lookupFor(msg.TransferID, peerID)
	if err != nil {
		return err
	}
	return t.transition(StatusPaused)
}

// handleResume reacts to the peer resuming. A resume from the receiver
// carries the first missing chunk index and rewinds the send position; a
// resume from the sender is answered with exactly that message.
func (m *Manager) handleResume(peerID peer.ID, payload []byte) error {
	var msg resumeMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return err
	}
	t, err := m.lookupFor(msg.TransferID, peerID)
	if err != nil {
		return err
	}

	if t.Direction() == DirectionReceiving {
		// Sender wants to continue; report our first missing chunk.
		t.mu.Lock()
		if t.status.IsTerminal() {
			t.mu.Unlock()
			return nil
		}
		t.status = StatusResuming
		idx := t.firstMissingLocked()
		t.mu.Unlock()
		return m.sender.SendControl(t.peerID, resumeMessage{
			Type: msgFileResume, TransferID: t.id, FirstMissingIndex: &idx,
		})
	}

	t.mu.Lock()
	if t.status.IsTerminal() {
		t.mu.Unlock()
		return nil
	}
	if msg.FirstMissingIndex != nil {
		t.rewindLocked(*msg.FirstMissingIndex)
	}
	t.status = StatusInProgress
	t.lastUpdate = time.Now()
	t.mu.Unlock()

	m.fillWindow(t)
	return nil
}

// handleCancel finishes the transfer as cancelled.
func (m *Manager) handleCancel(peerID peer.ID, payload []byte) error {
	var msg controlMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return err
	}
	t, err := m.lookupFor(msg.TransferID, peerID)
	if err != nil {
		return err
	}
	m.finish(t, StatusCancelled, nil)
	return nil
}

// handleComplete is the sender's final word; the receiver normally
// finalized already when the last chunk arrived.
func (m *Manager) handleComplete(peerID peer.ID, payload []byte) error {
	var msg completeMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return err
	}
	t, err := m.lookupFor(msg.TransferID, peerID)
	if err != nil {
		return err
	}
	if t.Status().IsTerminal() {
		return nil
	}

	t.mu.Lock()
	received := t.chunksDone
	total := t.meta.TotalChunks
	t.mu.Unlock()
	if received == total {
		m.finalizeReceive(t)
	}
	return nil
}

// handleRequest serves a peer-initiated pull: policy check, then a regular
// outgoing transfer under the requested ID.
func (m *Manager) handleRequest(peerID peer.ID, payload []byte) error {
	var req requestMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		return err
	}

	info, err := os.Stat(req.RemotePath)
	if err != nil || info.IsDir() {
		return m.sender.SendControl(peerID, rejectMessage{
			Type: msgFileReject, TransferID: req.TransferID, Reason: "no such file",
		})
	}

	m.cbMu.RLock()
	policy := m.onFileRequest
	m.cbMu.RUnlock()
	if policy != nil {
		meta := Metadata{FileName: filepath.Base(req.RemotePath), FileSize: uint64(info.Size())}
		if !policy(peerID, meta) {
			return m.sender.SendControl(peerID, rejectMessage{
				Type: msgFileReject, TransferID: req.TransferID, Reason: "declined",
			})
		}
	}

	_, err = m.sendFileAs(peerID, req.RemotePath, req.TransferID, "")
	return err
}

// HandleChunk consumes binary chunk frames; wire it as the peer client's
// chunk handler.
func (m *Manager) HandleChunk(peerID peer.ID, payload []byte) {
	chunk, err := transport.DecodeChunk(payload)
	if err != nil {
		if errors.Is(err, transport.ErrChunkChecksum) && chunk != nil {
			// Damaged in transit: ask for that index again.
			_ = m.sender.SendControl(peerID, ackMessage{
				Type: msgFileChunkNak, TransferID: chunk.TransferID, Index: chunk.Index,
			})
			return
		}
		logrus.WithFields(logrus.Fields{
			"function": "HandleChunk",
			"peer":     peerID.Short(),
			"error":    err.Error(),
		}).Warn("Undecodable chunk frame")
		return
	}

	t, err := m.lookupFor(chunk.TransferID, peerID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "HandleChunk",
			"transfer_id": chunk.TransferID,
		}).Debug("Chunk for unknown transfer")
		return
	}

	t.mu.Lock()
	if t.direction != DirectionReceiving || t.status.IsTerminal() {
		t.mu.Unlock()
		return
	}
	if t.status == StatusResuming {
		// First chunk after a resume puts us back in progress. Chunks
		// that were already in flight when we paused are still written
		// and acked, but they do not unpause the transfer.
		t.status = StatusInProgress
	}
	if int(chunk.Index) >= len(t.received) {
		t.mu.Unlock()
		return
	}

	offset := int64(chunk.Index) * int64(t.meta.ChunkSize)
	if _, err := t.file.WriteAt(chunk.Data, offset); err != nil {
		t.mu.Unlock()
		m.finish(t, StatusFailed, err)
		return
	}

	if !t.received[chunk.Index] {
		t.received[chunk.Index] = true
		t.chunksDone++
		size := uint64(len(chunk.Data))
		t.bytesDone += size
		now := time.Now()
		t.rate.add(size, now)
		t.lastUpdate = now
		m.addReceivedBytes(size)
	}
	done := t.chunksDone == t.meta.TotalChunks
	t.mu.Unlock()

	_ = m.sender.SendControl(peerID, ackMessage{
		Type: msgFileChunkAck, TransferID: chunk.TransferID, Index: chunk.Index,
	})
	m.emitProgress(t)

	if done {
		m.finalizeReceive(t)
	}
}

// fillWindow streams chunks until the window is full or the file is
// exhausted. Frames are read under the transfer lock and sent after it is
// released.
func (m *Manager) fillWindow(t *Transfer) {
	t.mu.Lock()
	if t.direction != DirectionSending || t.status != StatusInProgress || t.file == nil {
		t.mu.Unlock()
		return
	}

	var toSend []*transport.Chunk
	for len(t.inflight) < m.cfg.Window && t.nextIndex < t.meta.TotalChunks {
		idx := t.nextIndex
		t.nextIndex++
		if t.acked[idx] {
			continue
		}

		data := make([]byte, t.chunkSpan(idx))
		if _, err := t.file.ReadAt(data, int64(idx)*int64(t.meta.ChunkSize)); err != nil {
			t.mu.Unlock()
			m.finish(t, StatusFailed, err)
			return
		}
		t.inflight[idx] = &inflightChunk{size: len(data), sentAt: time.Now()}
		toSend = append(toSend, &transport.Chunk{TransferID: t.id, Index: idx, Data: data})
	}
	done := t.meta.TotalChunks == 0 || t.chunksDone == t.meta.TotalChunks
	peerID := t.peerID
	t.mu.Unlock()

	for _, chunk := range toSend {
		if err := m.sender.SendChunk(peerID, chunk); err != nil {
			m.finish(t, StatusFailed, err)
			return
		}
	}

	if done && len(toSend) == 0 {
		m.completeSend(t)
	}
}

// retransmit resends one chunk, failing the transfer when the retry budget
// is exhausted.
func (m *Manager) retransmit(t *Transfer, index uint32) error {
	t.mu.Lock()
	if t.direction != DirectionSending || t.status != StatusInProgress || t.file == nil {
		t.mu.Unlock()
		return nil
	}
	fc, ok := t.inflight[index]
	if !ok {
		fc = &inflightChunk{size: t.chunkSpan(index)}
		t.inflight[index] = fc
	}
	if fc.retries >= m.cfg.MaxRetransmits {
		t.mu.Unlock()
		err := fmt.Errorf("chunk %d failed after %d retransmits", index, m.cfg.MaxRetransmits)
		_ = m.sender.SendControl(t.peerID, controlMessage{Type: msgFileCancel, TransferID: t.id})
		m.finish(t, StatusFailed, err)
		return err
	}
	fc.retries++
	fc.sentAt = time.Now()

	data := make([]byte, t.chunkSpan(index))
	if _, err := t.file.ReadAt(data, int64(index)*int64(t.meta.ChunkSize)); err != nil {
		t.mu.Unlock()
		m.finish(t, StatusFailed, err)
		return err
	}
	peerID := t.peerID
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":    "retransmit",
		"transfer_id": t.id,
		"index":       index,
	}).Debug("Retransmitting chunk")
	return m.sender.SendChunk(peerID, &transport.Chunk{TransferID: t.id, Index: index, Data: data})
}

// completeSend finishes an outgoing transfer after the last ack.
func (m *Manager) completeSend(t *Transfer) {
	if t.Status().IsTerminal() {
		return
	}
	_ = m.sender.SendControl(t.peerID, completeMessage{
		Type: msgFileComplete, TransferID: t.id, FileChecksum: t.meta.FileChecksum,
	})
	m.finish(t, StatusCompleted, nil)
}

// finalizeReceive closes and verifies an incoming file.
func (m *Manager) finalizeReceive(t *Transfer) {
	t.mu.Lock()
	if t.status.IsTerminal() {
		t.mu.Unlock()
		return
	}
	if t.file != nil {
		_ = t.file.Close()
		t.file = nil
	}
	path := t.localPath
	want := t.meta.FileChecksum
	t.mu.Unlock()

	got, err := checksumFile(path)
	if err != nil {
		m.finish(t, StatusFailed, err)
		return
	}
	if want != "" && got != want {
		m.finish(t, StatusFailed, fmt.Errorf("file checksum mismatch: got %s want %s", got, want))
		return
	}
	m.finish(t, StatusCompleted, nil)
}

// finish drives a transfer into a terminal state, updates the statistics
// and fires callbacks outside all locks.
func (m *Manager) finish(t *Transfer, status Status, cause error) {
	t.mu.Lock()
	if t.status.IsTerminal() {
		t.mu.Unlock()
		return
	}
	t.finishLocked(status, cause)
	t.mu.Unlock()

	m.statsMu.Lock()
	switch status {
	case StatusCompleted:
		m.stats.CompletedTransfers++
	case StatusFailed:
		m.stats.FailedTransfers++
	case StatusCancelled:
		m.stats.CancelledTransfers++
	}
	m.statsMu.Unlock()

	snap := t.Snapshot()
	logrus.WithFields(logrus.Fields{
		"function":    "finish",
		"transfer_id": t.id,
		"status":      status.String(),
		"bytes":       snap.BytesTransferred,
		"error":       fmt.Sprintf("%v", cause),
	}).Info("Transfer finished")

	m.cbMu.RLock()
	cb := m.onComplete
	m.cbMu.RUnlock()
	if cb != nil {
		cb(snap)
	}

	if t.dirID != "" {
		m.fileFinishedInDir(t, status)
	}
}

// emitProgress fires the progress callback with a fresh snapshot.
func (m *Manager) emitProgress(t *Transfer) {
	m.cbMu.RLock()
	cb := m.onProgress
	m.cbMu.RUnlock()
	if cb != nil {
		cb(t.Snapshot())
	}
}

// tickLoop drives retransmission timeouts.
func (m *Manager) tickLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case now := <-ticker.C:
			m.checkRetransmissions(now)
		}
	}
}

// checkRetransmissions resends chunks whose ack is overdue.
func (m *Manager) checkRetransmissions(now time.Time) {
	for _, t := range m.snapshotTransfers() {
		t.mu.Lock()
		if t.direction != DirectionSending || t.status != StatusInProgress {
			t.mu.Unlock()
			continue
		}
		var overdue []uint32
		for idx, fc := range t.inflight {
			if now.Sub(fc.sentAt) >= m.cfg.AckTimeout {
				overdue = append(overdue, idx)
			}
		}
		t.mu.Unlock()

		for _, idx := range overdue {
			if err := m.retransmit(t, idx); err != nil {
				break
			}
		}
	}
}

// lookup finds a transfer by ID.
func (m *Manager) lookup(transferID string) (*Transfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transfers[transferID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTransferNotFound, transferID)
	}
	return t, nil
}

// lookupFor finds a transfer by ID and checks the message came from its
// peer; control messages from anyone else are ignored.
func (m *Manager) lookupFor(transferID string, peerID peer.ID) (*Transfer, error) {
	t, err := m.lookup(transferID)
	if err != nil {
		return nil, err
	}
	if t.peerID != peerID {
		return nil, fmt.Errorf("%w: %s belongs to another peer", ErrTransferNotFound, transferID)
	}
	return t, nil
}

func (m *Manager) snapshotTransfers() []*Transfer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Transfer, 0, len(m.transfers))
	for _, t := range m.transfers {
		out = append(out, t)
	}
	return out
}

func (m *Manager) addSentBytes(n uint64) {
	m.statsMu.Lock()
	m.stats.BytesSent += n
	m.statsMu.Unlock()
}

func (m *Manager) addReceivedBytes(n uint64) {
	m.statsMu.Lock()
	m.stats.BytesReceived += n
	m.statsMu.Unlock()
}

// firstMissingLocked returns the lowest chunk index not yet received.
func (t *Transfer) firstMissingLocked() uint32 {
	for i, ok := range t.received {
		if !ok {
			return uint32(i)
		}
	}
	return t.meta.TotalChunks
}

// rewindLocked repositions the send cursor at the receiver-reported first
// missing index. Everything below it counts as delivered.
func (t *Transfer) rewindLocked(firstMissing uint32) {
	if firstMissing > t.meta.TotalChunks {
		firstMissing = t.meta.TotalChunks
	}
	now := time.Now()
	for i := uint32(0); i < firstMissing; i++ {
		if !t.acked[i] {
			t.acked[i] = true
			t.chunksDone++
			t.bytesDone += uint64(t.chunkSpan(i))
		}
	}
	t.inflight = make(map[uint32]*inflightChunk)
	t.nextIndex = firstMissing
	t.lastUpdate = now
}

// checksumFile computes the SHA-1 of a file's contents as lowercase hex.
// The empty file hashes to the digest of the empty sequence.
func checksumFile(path string) (string, error) {
	handle, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("checksum open failed: %w", err)
	}
	defer handle.Close()

	digest := sha1.New()
	if _, err := io.Copy(digest, handle); err != nil {
		return "", fmt.Errorf("checksum read failed: %w", err)
	}
	return hex.EncodeToString(digest.Sum(nil)), nil
}
