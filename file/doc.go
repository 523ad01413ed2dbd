// Package file implements the rats chunked file transfer engine.
//
// The engine layers a set of reserved control messages and binary chunk
// frames over the peer session: files are offered with their metadata,
// streamed in CRC-checked chunks under a sliding acknowledgement window,
// and can be paused, resumed and cancelled from either side. Whole
// directories transfer as a manifest exchange followed by bounded-parallel
// per-file transfers.
//
// Example:
//
//	engine := file.NewManager(client, file.DefaultConfig())
//	client.SetControlHandler(engine.HandleControl)
//	client.SetChunkHandler(engine.HandleChunk)
//	engine.Start()
//	defer engine.Stop()
//
//	engine.OnProgress(func(s file.Snapshot) {
//	    fmt.Printf("%s: %d/%d bytes\n", s.ID, s.BytesTransferred, s.Metadata.FileSize)
//	})
//	transferID, err := engine.SendFile(peerID, "/tmp/data.bin")
package file
