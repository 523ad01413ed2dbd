package file

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/rats/peer"
	"github.com/opd-ai/rats/transport"
)

// mockSender records everything the engine sends.
type mockSender struct {
	mu       sync.Mutex
	controls []sentControl
	chunks   []sentChunk
}

type sentControl struct {
	peer    peer.ID
	msgType string
	payload []byte
}

type sentChunk struct {
	peer  peer.ID
	chunk transport.Chunk
}

func newMockSender() *mockSender { return &mockSender{} }

func (s *mockSender) SendControl(id peer.ID, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	msgType, err := transport.MessageType(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.controls = append(s.controls, sentControl{peer: id, msgType: msgType, payload: payload})
	s.mu.Unlock()
	return nil
}

func (s *mockSender) SendChunk(id peer.ID, chunk *transport.Chunk) error {
	cp := transport.Chunk{TransferID: chunk.TransferID, Index: chunk.Index}
	cp.Data = append([]byte{}, chunk.Data...)
	s.mu.Lock()
	s.chunks = append(s.chunks, sentChunk{peer: id, chunk: cp})
	s.mu.Unlock()
	return nil
}

// controlsOfType returns the captured control messages of one type.
func (s *mockSender) controlsOfType(msgType string) []sentControl {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sentControl
	for _, c := range s.controls {
		if c.msgType == msgType {
			out = append(out, c)
		}
	}
	return out
}

// chunksFor returns the captured chunks of one transfer.
func (s *mockSender) chunksFor(transferID string) []sentChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sentChunk
	for _, c := range s.chunks {
		if c.chunk.TransferID == transferID {
			out = append(out, c)
		}
	}
	return out
}

// pipeEnd delivers one manager's sends into the other manager's handlers
// through a FIFO queue, mimicking an ordered byte stream. A non-zero
// chunkDelay throttles chunk delivery so tests can interact with a
// transfer mid-flight.
type pipeEnd struct {
	localID    peer.ID
	remote     *Manager
	queue      chan func()
	done       chan struct{}
	chunkDelay time.Duration
}

func (p *pipeEnd) SendControl(id peer.ID, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	msgType, err := transport.MessageType(payload)
	if err != nil {
		return err
	}
	select {
	case p.queue <- func() { p.remote.HandleControl(p.localID, msgType, payload) }:
	case <-p.done:
	}
	return nil
}

func (p *pipeEnd) SendChunk(id peer.ID, chunk *transport.Chunk) error {
	frame, err := transport.EncodeChunk(chunk)
	if err != nil {
		return err
	}
	select {
	case p.queue <- func() {
		if p.chunkDelay > 0 {
			time.Sleep(p.chunkDelay)
		}
		p.remote.HandleChunk(p.localID, frame.Payload)
	}:
	case <-p.done:
	}
	return nil
}

func (p *pipeEnd) run() {
	for {
		select {
		case fn := <-p.queue:
			fn()
		case <-p.done:
			return
		}
	}
}

// enginePair wires two managers back to back over in-memory pipes.
type enginePair struct {
	a, b     *Manager
	aID, bID peer.ID
}

func newEnginePair(t *testing.T, cfgA, cfgB Config) *enginePair {
	return newThrottledEnginePair(t, cfgA, cfgB, 0)
}

func newThrottledEnginePair(t *testing.T, cfgA, cfgB Config, chunkDelay time.Duration) *enginePair {
	t.Helper()

	aID, err := peer.NewID()
	require.NoError(t, err)
	bID, err := peer.NewID()
	require.NoError(t, err)

	endA := &pipeEnd{localID: aID, queue: make(chan func(), 4096), done: make(chan struct{}), chunkDelay: chunkDelay}
	endB := &pipeEnd{localID: bID, queue: make(chan func(), 4096), done: make(chan struct{}), chunkDelay: chunkDelay}

	a := NewManager(endA, cfgA)
	b := NewManager(endB, cfgB)
	endA.remote = b
	endB.remote = a

	go endA.run()
	go endB.run()
	t.Cleanup(func() {
		close(endA.done)
		close(endB.done)
		a.Stop()
		b.Stop()
	})

	a.Start()
	b.Start()
	return &enginePair{a: a, b: b, aID: aID, bID: bID}
}
