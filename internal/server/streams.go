package server

import (
	"sync"
	"sync/atomic"

	"github.com/portalgun-dev/moon/pkg/wire"
)

// streamQueueSize bounds the per-stream queue of messages waiting to
// be written to the end-user socket.
const streamQueueSize = 64

// ActiveStream is the server-side state for one end-user TCP
// connection relayed through a ControlSession.
type ActiveStream struct {
	ID      wire.StreamID
	Session *ControlSession

	// BytesIn counts end-user bytes forwarded to the client; BytesOut
	// counts client bytes delivered to the end user.
	BytesIn  atomic.Int64
	BytesOut atomic.Int64

	tx        chan wire.StreamMessage
	done      chan struct{}
	closeOnce sync.Once
	aborted   atomic.Bool
}

func newActiveStream(id wire.StreamID, sess *ControlSession) *ActiveStream {
	return &ActiveStream{
		ID:      id,
		Session: sess,
		tx:      make(chan wire.StreamMessage, streamQueueSize),
		done:    make(chan struct{}),
	}
}

// Deliver enqueues a message for the end-user socket, blocking when
// the queue is full. Returns false once the stream is closing.
func (s *ActiveStream) Deliver(m wire.StreamMessage) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.tx <- m:
		return true
	case <-s.done:
		return false
	}
}

// Close marks the stream as closing. Queued messages are still
// drained by the socket pump. Idempotent; double close is a no-op.
func (s *ActiveStream) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// Abort closes the stream discarding anything queued. Used for
// Refused streams, which must drop the end-user TCP immediately.
func (s *ActiveStream) Abort() {
	s.aborted.Store(true)
	s.Close()
}

// Closed reports whether Close or Abort has been called.
func (s *ActiveStream) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// StreamTable maintains StreamId -> ActiveStream for one instance.
type StreamTable struct {
	streams sync.Map // wire.StreamID -> *ActiveStream
	count   atomic.Int64
}

// NewStreamTable creates an empty table.
func NewStreamTable() *StreamTable {
	return &StreamTable{}
}

// Insert registers a stream.
func (t *StreamTable) Insert(s *ActiveStream) {
	if _, loaded := t.streams.LoadOrStore(s.ID, s); !loaded {
		t.count.Add(1)
	}
}

// Get returns the stream with the given id.
func (t *StreamTable) Get(id wire.StreamID) (*ActiveStream, bool) {
	v, ok := t.streams.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*ActiveStream), true
}

// Remove drops a stream from the table. Idempotent.
func (t *StreamTable) Remove(id wire.StreamID) {
	if _, loaded := t.streams.LoadAndDelete(id); loaded {
		t.count.Add(-1)
	}
}

// CloseAllOwnedBy closes every stream owned by the given session and
// returns how many were closed. Called when a ControlSession ends so
// its streams receive Close promptly.
func (t *StreamTable) CloseAllOwnedBy(id wire.ClientID) int {
	n := 0
	t.streams.Range(func(_, value any) bool {
		s := value.(*ActiveStream)
		if s.Session != nil && s.Session.ID == id {
			s.Close()
			t.Remove(s.ID)
			n++
		}
		return true
	})
	return n
}

// Count returns the number of live streams.
func (t *StreamTable) Count() int64 {
	return t.count.Load()
}
