package file

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/rats/peer"
)

// DirectoryTransfer aggregates the per-file transfers of one directory.
// On the sending side rootLocal is the directory being sent; on the
// receiving side it is where the tree is recreated.
type DirectoryTransfer struct {
	id         string
	peerID     peer.ID
	direction  Direction
	rootRemote string
	rootLocal  string
	recursive  bool

	mu             sync.Mutex
	status         Status
	entries        []ManifestEntry
	totalFiles     int
	totalBytes     uint64
	filesCompleted int
	filesFailed    int
	bytesCompleted uint64
	pendingFiles   []string
	active         int
	err            error
}

// ID returns the directory transfer identifier.
func (d *DirectoryTransfer) ID() string { return d.id }

// Status returns the current lifecycle state.
func (d *DirectoryTransfer) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// DirSnapshot is a point-in-time view of a directory transfer.
type DirSnapshot struct {
	ID             string
	PeerID         peer.ID
	Direction      Direction
	Status         Status
	RootRemote     string
	RootLocal      string
	Recursive      bool
	TotalFiles     int
	FilesCompleted int
	FilesFailed    int
	TotalBytes     uint64
	BytesCompleted uint64
	Err            error
}

// Snapshot captures the directory transfer state.
func (d *DirectoryTransfer) Snapshot() DirSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DirSnapshot{
		ID:             d.id,
		PeerID:         d.peerID,
		Direction:      d.direction,
		Status:         d.status,
		RootRemote:     d.rootRemote,
		RootLocal:      d.rootLocal,
		Recursive:      d.recursive,
		TotalFiles:     d.totalFiles,
		FilesCompleted: d.filesCompleted,
		FilesFailed:    d.filesFailed,
		TotalBytes:     d.totalBytes,
		BytesCompleted: d.bytesCompleted,
		Err:            d.err,
	}
}

// DirProgressCallback observes directory transfer progress.
type DirProgressCallback func(DirSnapshot)

// DirCompleteCallback observes a directory transfer finishing.
type DirCompleteCallback func(DirSnapshot)

// OnDirProgress registers the directory progress callback.
func (m *Manager) OnDirProgress(cb DirProgressCallback) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.onDirProgress = cb
}

// OnDirComplete registers the directory completion callback.
func (m *Manager) OnDirComplete(cb DirCompleteCallback) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.onDirComplete = cb
}

// GetDirectory returns a snapshot of the identified directory transfer.
func (m *Manager) GetDirectory(dirID string) (DirSnapshot, error) {
	dir, ok := m.getDir(dirID)
	if !ok {
		return DirSnapshot{}, fmt.Errorf("%w: %s", ErrTransferNotFound, dirID)
	}
	return dir.Snapshot(), nil
}

func (m *Manager) getDir(dirID string) (*DirectoryTransfer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dir, ok := m.dirs[dirID]
	return dir, ok
}

// SendDirectory offers the directory at rootPath to the peer and returns
// the directory transfer ID. Individual files stream in parallel, capped
// by the configured concurrency, once the peer accepts.
func (m *Manager) SendDirectory(peerID peer.ID, rootPath string, recursive bool) (string, error) {
	return m.sendDirectoryAs(peerID, rootPath, uuid.NewString(), recursive)
}

func (m *Manager) sendDirectoryAs(peerID peer.ID, rootPath, dirID string, recursive bool) (string, error) {
	info, err := os.Stat(rootPath)
	if err != nil {
		return "", fmt.Errorf("directory stat failed: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", rootPath)
	}

	entries, totalBytes, err := buildManifest(rootPath, recursive)
	if err != nil {
		return "", err
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir {
			files = append(files, entry.RelativePath)
		}
	}

	dir := &DirectoryTransfer{
		id:           dirID,
		peerID:       peerID,
		direction:    DirectionSending,
		rootLocal:    rootPath,
		recursive:    recursive,
		status:       StatusStarting,
		entries:      entries,
		totalFiles:   len(files),
		totalBytes:   totalBytes,
		pendingFiles: files,
	}

	m.mu.Lock()
	if _, exists := m.dirs[dirID]; exists {
		m.mu.Unlock()
		return "", fmt.Errorf("directory transfer %s already exists", dirID)
	}
	m.dirs[dirID] = dir
	m.mu.Unlock()

	offer := dirOfferMessage{
		Type:       msgDirOffer,
		TransferID: dirID,
		RootName:   filepath.Base(rootPath),
		Recursive:  recursive,
		TotalFiles: len(files),
		TotalBytes: totalBytes,
	}
	if err := m.sender.SendControl(peerID, offer); err != nil {
		m.finishDir(dir, StatusFailed, err)
		return "", err
	}

	logrus.WithFields(logrus.Fields{
		"function":    "SendDirectory",
		"transfer_id": dirID,
		"peer":        peerID.Short(),
		"root":        rootPath,
		"files":       len(files),
		"bytes":       totalBytes,
	}).Info("Directory offered")
	return dirID, nil
}

// RequestDirectory asks the peer to send its directory at remotePath,
// recreating it under localPath.
func (m *Manager) RequestDirectory(peerID peer.ID, remotePath, localPath string, recursive bool) (string, error) {
	dirID := uuid.NewString()

	m.mu.Lock()
	m.expectations[dirID] = &expectation{localPath: localPath}
	m.mu.Unlock()

	req := dirRequestMessage{Type: msgDirRequest, TransferID: dirID, RemotePath: remotePath, Recursive: recursive}
	if err := m.sender.SendControl(peerID, req); err != nil {
		m.mu.Lock()
		delete(m.expectations, dirID)
		m.mu.Unlock()
		return "", err
	}
	return dirID, nil
}

// buildManifest walks the directory and collects entries with per-file
// checksums. With recursive false only top-level files are included.
func buildManifest(rootPath string, recursive bool) ([]ManifestEntry, uint64, error) {
	var entries []ManifestEntry
	var totalBytes uint64

	err := filepath.WalkDir(rootPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == rootPath {
			return nil
		}
		rel, err := filepath.Rel(rootPath, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if !recursive {
				return fs.SkipDir
			}
			entries = append(entries, ManifestEntry{RelativePath: rel, IsDir: true})
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		checksum, err := checksumFile(path)
		if err != nil {
			return err
		}
		entries = append(entries, ManifestEntry{
			RelativePath: rel,
			Size:         uint64(info.Size()),
			Checksum:     checksum,
		})
		totalBytes += uint64(info.Size())
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("directory walk failed: %w", err)
	}
	return entries, totalBytes, nil
}

// handleDirOffer applies the accept policy and answers the offer.
func (m *Manager) handleDirOffer(peerID peer.ID, payload []byte) error {
	var offer dirOfferMessage
	if err := json.Unmarshal(payload, &offer); err != nil {
		return err
	}

	rootLocal := ""
	m.mu.Lock()
	if exp, ok := m.expectations[offer.TransferID]; ok {
		delete(m.expectations, offer.TransferID)
		rootLocal = exp.localPath
	}
	m.mu.Unlock()

	if rootLocal == "" {
		m.cbMu.RLock()
		policy := m.onDirRequest
		m.cbMu.RUnlock()
		if policy != nil && !policy(peerID, offer.RootName, offer.TotalFiles, offer.TotalBytes) {
			return m.sender.SendControl(peerID, rejectMessage{
				Type: msgDirReject, TransferID: offer.TransferID, Reason: "declined",
			})
		}
		rootLocal = filepath.Join(m.cfg.DownloadDir, filepath.Base(offer.RootName))
	}

	if err := os.MkdirAll(rootLocal, 0o755); err != nil {
		_ = m.sender.SendControl(peerID, rejectMessage{
			Type: msgDirReject, TransferID: offer.TransferID, Reason: "local mkdir failed",
		})
		return err
	}

	dir := &DirectoryTransfer{
		id:         offer.TransferID,
		peerID:     peerID,
		direction:  DirectionReceiving,
		rootLocal:  rootLocal,
		recursive:  offer.Recursive,
		status:     StatusInProgress,
		totalFiles: offer.TotalFiles,
		totalBytes: offer.TotalBytes,
	}

	m.mu.Lock()
	if _, exists := m.dirs[offer.TransferID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("duplicate directory transfer id %s", offer.TransferID)
	}
	m.dirs[offer.TransferID] = dir
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":    "handleDirOffer",
		"transfer_id": offer.TransferID,
		"root":        rootLocal,
		"files":       offer.TotalFiles,
	}).Info("Incoming directory accepted")

	if err := m.sender.SendControl(peerID, acceptMessage{Type: msgDirAccept, TransferID: offer.TransferID}); err != nil {
		m.finishDir(dir, StatusFailed, err)
		return err
	}

	// An empty directory has nothing to stream; it completes when the
	// sender's dir_complete arrives.
	if offer.TotalFiles == 0 {
		return nil // wait for dir_complete from the sender
	}
	return nil
}

// handleDirAccept sends the manifest and starts the per-file transfers.
func (m *Manager) handleDirAccept(peerID peer.ID, payload []byte) error {
	var accept acceptMessage
	if err := json.Unmarshal(payload, &accept); err != nil {
		return err
	}
	dir, ok := m.getDir(accept.TransferID)
	if !ok || dir.peerID != peerID {
		return fmt.Errorf("%w: %s", ErrTransferNotFound, accept.TransferID)
	}

	dir.mu.Lock()
	if dir.direction != DirectionSending || dir.status != StatusStarting {
		status := dir.status
		dir.mu.Unlock()
		return fmt.Errorf("%w: unexpected dir_accept in state %s", ErrInvalidState, status)
	}
	dir.status = StatusInProgress
	entries := dir.entries
	dir.mu.Unlock()

	manifest := dirManifestMessage{Type: msgDirManifest, TransferID: dir.id, Entries: entries}
	if err := m.sender.SendControl(peerID, manifest); err != nil {
		m.finishDir(dir, StatusFailed, err)
		return err
	}

	// Nothing to stream in an empty directory: it completes right away.
	dir.mu.Lock()
	empty := dir.totalFiles == 0
	dir.mu.Unlock()
	if empty {
		_ = m.sender.SendControl(peerID, controlMessage{Type: msgDirComplete, TransferID: dir.id})
		m.finishDir(dir, StatusCompleted, nil)
		return nil
	}

	m.pumpDirectory(dir)
	return nil
}

// handleDirReject fails the offered directory transfer.
func (m *Manager) handleDirReject(peerID peer.ID, payload []byte) error {
	var reject rejectMessage
	if err := json.Unmarshal(payload, &reject); err != nil {
		return err
	}
	dir, ok := m.getDir(reject.TransferID)
	if !ok || dir.peerID != peerID {
		return fmt.Errorf("%w: %s", ErrTransferNotFound, reject.TransferID)
	}
	m.finishDir(dir, StatusFailed, fmt.Errorf("peer rejected directory: %s", reject.Reason))
	return nil
}

// handleDirManifest pre-creates the directory tree on the receiving side.
func (m *Manager) handleDirManifest(peerID peer.ID, payload []byte) error {
	var manifest dirManifestMessage
	if err := json.Unmarshal(payload, &manifest); err != nil {
		return err
	}
	dir, ok := m.getDir(manifest.TransferID)
	if !ok || dir.peerID != peerID {
		return fmt.Errorf("%w: %s", ErrTransferNotFound, manifest.TransferID)
	}

	dir.mu.Lock()
	dir.entries = manifest.Entries
	rootLocal := dir.rootLocal
	dir.mu.Unlock()

	for _, entry := range manifest.Entries {
		local := filepath.Join(rootLocal, filepath.FromSlash(entry.RelativePath))
		if entry.IsDir {
			if err := os.MkdirAll(local, 0o755); err != nil {
				m.finishDir(dir, StatusFailed, err)
				return err
			}
		} else if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
			m.finishDir(dir, StatusFailed, err)
			return err
		}
	}
	return nil
}

// handleDirRequest serves a peer-initiated directory pull.
func (m *Manager) handleDirRequest(peerID peer.ID, payload []byte) error {
	var req dirRequestMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		return err
	}

	info, err := os.Stat(req.RemotePath)
	if err != nil || !info.IsDir() {
		return m.sender.SendControl(peerID, rejectMessage{
			Type: msgDirReject, TransferID: req.TransferID, Reason: "no such directory",
		})
	}

	m.cbMu.RLock()
	policy := m.onDirRequest
	m.cbMu.RUnlock()
	if policy != nil && !policy(peerID, filepath.Base(req.RemotePath), 0, 0) {
		return m.sender.SendControl(peerID, rejectMessage{
			Type: msgDirReject, TransferID: req.TransferID, Reason: "declined",
		})
	}

	_, err = m.sendDirectoryAs(peerID, req.RemotePath, req.TransferID, req.Recursive)
	return err
}

// handleDirComplete closes out a received directory.
func (m *Manager) handleDirComplete(peerID peer.ID, payload []byte) error {
	var msg controlMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return err
	}
	dir, ok := m.getDir(msg.TransferID)
	if !ok || dir.peerID != peerID {
		return fmt.Errorf("%w: %s", ErrTransferNotFound, msg.TransferID)
	}
	m.finishDir(dir, StatusCompleted, nil)
	return nil
}

// pumpDirectory starts queued file transfers up to the concurrency cap.
func (m *Manager) pumpDirectory(dir *DirectoryTransfer) {
	for {
		dir.mu.Lock()
		if dir.status != StatusInProgress || dir.active >= m.cfg.DirConcurrency || len(dir.pendingFiles) == 0 {
			dir.mu.Unlock()
			return
		}
		rel := dir.pendingFiles[0]
		dir.pendingFiles = dir.pendingFiles[1:]
		dir.active++
		root := dir.rootLocal
		peerID := dir.peerID
		dirID := dir.id
		dir.mu.Unlock()

		path := filepath.Join(root, filepath.FromSlash(rel))
		if _, err := m.sendFileAs(peerID, path, uuid.NewString(), dirID); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":    "pumpDirectory",
				"transfer_id": dirID,
				"file":        rel,
				"error":       err.Error(),
			}).Warn("Directory member failed to start")
			dir.mu.Lock()
			dir.active--
			dir.filesFailed++
			dir.mu.Unlock()
		}
	}
}

// fileFinishedInDir folds a member file's terminal state into its
// directory transfer and advances the pump.
func (m *Manager) fileFinishedInDir(t *Transfer, status Status) {
	dir, ok := m.getDir(t.dirID)
	if !ok {
		return
	}

	dir.mu.Lock()
	if dir.direction == DirectionSending {
		dir.active--
	}
	switch status {
	case StatusCompleted:
		dir.filesCompleted++
		dir.bytesCompleted += t.meta.FileSize
	default:
		dir.filesFailed++
	}
	settled := dir.filesCompleted+dir.filesFailed >= dir.totalFiles
	failed := dir.filesFailed > 0
	direction := dir.direction
	dir.mu.Unlock()

	m.emitDirProgress(dir)

	if direction == DirectionSending {
		m.pumpDirectory(dir)
	}

	if !settled {
		return
	}
	if failed {
		m.finishDir(dir, StatusFailed, fmt.Errorf("%d files failed", dir.Snapshot().FilesFailed))
		return
	}
	if direction == DirectionSending {
		_ = m.sender.SendControl(dir.peerID, controlMessage{Type: msgDirComplete, TransferID: dir.id})
	}
	m.finishDir(dir, StatusCompleted, nil)
}

// finishDir drives a directory transfer into a terminal state and fires
// its completion callback.
func (m *Manager) finishDir(dir *DirectoryTransfer, status Status, cause error) {
	dir.mu.Lock()
	if dir.status.IsTerminal() {
		dir.mu.Unlock()
		return
	}
	dir.status = status
	dir.err = cause
	dir.mu.Unlock()

	snap := dir.Snapshot()
	logrus.WithFields(logrus.Fields{
		"function":    "finishDir",
		"transfer_id": dir.id,
		"status":      status.String(),
		"files":       snap.FilesCompleted,
		"error":       fmt.Sprintf("%v", cause),
	}).Info("Directory transfer finished")

	m.cbMu.RLock()
	cb := m.onDirComplete
	m.cbMu.RUnlock()
	if cb != nil {
		cb(snap)
	}
}

// emitDirProgress fires the directory progress callback.
func (m *Manager) emitDirProgress(dir *DirectoryTransfer) {
	m.cbMu.RLock()
	cb := m.onDirProgress
	m.cbMu.RUnlock()
	if cb != nil {
		cb(dir.Snapshot())
	}
}
