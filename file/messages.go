package file

// Reserved control message types exchanged by the transfer engine. All are
// JSON objects; chunk payloads travel as binary frames.
const (
	msgFileOffer    = "file_offer"
	msgFileAccept   = "file_accept"
	msgFileReject   = "file_reject"
	msgFileChunkAck = "file_chunk_ack"
	msgFileChunkNak = "file_chunk_nack"
	msgFilePause    = "file_pause"
	msgFileResume   = "file_resume"
	msgFileCancel   = "file_cancel"
	msgFileComplete = "file_complete"
	msgFileRequest  = "file_request"

	msgDirOffer    = "dir_offer"
	msgDirAccept   = "dir_accept"
	msgDirReject   = "dir_reject"
	msgDirManifest = "dir_manifest"
	msgDirRequest  = "dir_request"
	msgDirComplete = "dir_complete"
)

// Metadata describes an offered file.
type Metadata struct {
	FileName     string `json:"filename"`
	FileSize     uint64 `json:"file_size"`
	ChunkSize    uint32 `json:"chunk_size"`
	TotalChunks  uint32 `json:"total_chunks"`
	ChecksumAlgo string `json:"checksum_algo"`
	FileChecksum string `json:"file_checksum"`
	ModTime      int64  `json:"mtime"`
}

// offerMessage advertises a file. DirID ties the file to a directory
// transfer when set.
type offerMessage struct {
	Type       string   `json:"type"`
	TransferID string   `json:"transfer_id"`
	Metadata   Metadata `json:"metadata"`
	DirID      string   `json:"dir_id,omitempty"`
}

// acceptMessage accepts an offered file.
type acceptMessage struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
}

// rejectMessage declines an offered file or directory.
type rejectMessage struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	Reason     string `json:"reason"`
}

// ackMessage acknowledges one received chunk; the nack variant requests a
// retransmission after a checksum mismatch.
type ackMessage struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	Index      uint32 `json:"index"`
}

// controlMessage carries pause and cancel.
type controlMessage struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
}

// resumeMessage resumes a paused transfer. The receiver includes the first
// chunk index it is missing so the sender can rewind; the sender's own
// resume omits it.
type resumeMessage struct {
	Type              string  `json:"type"`
	TransferID        string  `json:"transfer_id"`
	FirstMissingIndex *uint32 `json:"first_missing_index,omitempty"`
}

// completeMessage is the sender's final announcement.
type completeMessage struct {
	Type         string `json:"type"`
	TransferID   string `json:"transfer_id"`
	FileChecksum string `json:"file_checksum"`
}

// requestMessage asks the peer to send one of its files (pull mode).
type requestMessage struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	RemotePath string `json:"remote_path"`
}

// ManifestEntry is one file or directory inside a directory transfer.
type ManifestEntry struct {
	RelativePath string `json:"relative_path"`
	Size         uint64 `json:"size"`
	Checksum     string `json:"checksum"`
	IsDir        bool   `json:"is_dir"`
}

// dirOfferMessage advertises a directory.
type dirOfferMessage struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	RootName   string `json:"root_name"`
	Recursive  bool   `json:"recursive"`
	TotalFiles int    `json:"total_files"`
	TotalBytes uint64 `json:"total_bytes"`
}

// dirManifestMessage lists the directory contents.
type dirManifestMessage struct {
	Type       string          `json:"type"`
	TransferID string          `json:"transfer_id"`
	Entries    []ManifestEntry `json:"entries"`
}

// dirRequestMessage asks the peer to send one of its directories.
type dirRequestMessage struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	RemotePath string `json:"remote_path"`
	Recursive  bool   `json:"recursive"`
}
