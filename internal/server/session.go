package server

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/portalgun-dev/moon/pkg/wire"
)

const (
	// helloTimeout bounds the wait for the first ClientHello frame.
	helloTimeout = 10 * time.Second

	// pingTimeout closes sessions that stop sending heartbeats.
	pingTimeout = 30 * time.Second

	// pingCheckInterval is how often the watchdog looks at the
	// heartbeat timestamp.
	pingCheckInterval = 5 * time.Second

	// sessionWriteTimeout bounds a single WebSocket write.
	sessionWriteTimeout = 10 * time.Second

	// sessionQueueSize bounds the outbound frame queue. A full queue
	// suspends the producing stream rather than dropping frames.
	sessionQueueSize = 1024
)

// ErrSessionClosed is returned when enqueueing on a draining session.
var ErrSessionClosed = errors.New("control session closed")

// ControlSession is the server-side state machine for one
// authenticated client. It owns the WebSocket after the hello
// handshake and multiplexes ControlPacket frames over it.
type ControlSession struct {
	ID         wire.ClientID
	SubDomain  string
	InstanceID string

	conn     *websocket.Conn
	registry *Registry
	streams  *StreamTable

	// limiter caps new end-user stream opens. Nil means unlimited.
	limiter *rate.Limiter

	tx        chan wire.ControlPacket
	done      chan struct{}
	closeOnce sync.Once

	lastPing atomic.Int64 // unix nanos

	// pingTimeout and pingCheck govern the heartbeat watchdog. Set from
	// the package defaults; tests shorten them.
	pingTimeout time.Duration
	pingCheck   time.Duration

	log *log.Logger
}

func newControlSession(id wire.ClientID, subDomain, instanceID string, conn *websocket.Conn, registry *Registry, streams *StreamTable, limiter *rate.Limiter) *ControlSession {
	s := &ControlSession{
		ID:          id,
		SubDomain:   subDomain,
		InstanceID:  instanceID,
		conn:        conn,
		registry:    registry,
		streams:     streams,
		limiter:     limiter,
		tx:          make(chan wire.ControlPacket, sessionQueueSize),
		done:        make(chan struct{}),
		pingTimeout: pingTimeout,
		pingCheck:   pingCheckInterval,
		log:         log.With("client", id, "sub", subDomain),
	}
	s.lastPing.Store(time.Now().UnixNano())
	return s
}

// Enqueue puts a packet on the outbound queue. It blocks when the
// queue is full, which is what paces a fast end user against a slow
// client. Returns ErrSessionClosed once the session is draining.
func (s *ControlSession) Enqueue(p wire.ControlPacket) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.tx <- p:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// Closed reports whether the session has entered the closing state.
func (s *ControlSession) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Done is closed when the session enters the closing state.
func (s *ControlSession) Done() <-chan struct{} {
	return s.done
}

// run drives the session until the transport dies or the session is
// closed. Blocks; callers run it on the connection's goroutine.
func (s *ControlSession) run() {
	go s.writeLoop()
	go s.watchdog()
	s.readLoop()
}

func (s *ControlSession) writeLoop() {
	for {
		select {
		case p := <-s.tx:
			s.conn.SetWriteDeadline(time.Now().Add(sessionWriteTimeout))
			if err := s.conn.WriteMessage(websocket.BinaryMessage, p.Serialize()); err != nil {
				s.Close("transport write error")
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *ControlSession) readLoop() {
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			s.Close("transport closed")
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}

		pkt, err := wire.ParseControlPacket(data)
		if err != nil {
			// Malformed frames on the control link terminate the session.
			s.log.Error("malformed control frame", "err", err)
			s.Close("protocol error")
			return
		}
		s.dispatch(pkt)
	}
}

func (s *ControlSession) dispatch(pkt wire.ControlPacket) {
	switch pkt.Kind {
	case wire.PacketPing:
		s.lastPing.Store(time.Now().UnixNano())
		if err := s.Enqueue(wire.Ping()); err != nil {
			s.log.Debug("dropping ping echo", "err", err)
		}

	case wire.PacketInit:
		// Client acknowledging a stream we opened.
		s.log.Debug("stream acknowledged", "stream", pkt.Stream)

	case wire.PacketData:
		st, ok := s.streams.Get(pkt.Stream)
		if !ok {
			s.log.Debug("data for unknown stream", "stream", pkt.Stream)
			return
		}
		if !st.Deliver(wire.StreamMessage{Data: pkt.Data}) {
			s.log.Debug("data for closing stream", "stream", pkt.Stream)
		}

	case wire.PacketEnd:
		st, ok := s.streams.Get(pkt.Stream)
		if !ok {
			return
		}
		st.Deliver(wire.StreamMessage{Close: true})
		s.streams.Remove(st.ID)

	case wire.PacketRefused:
		st, ok := s.streams.Get(pkt.Stream)
		if !ok {
			return
		}
		s.log.Debug("stream refused by client", "stream", pkt.Stream)
		st.Abort()
		s.streams.Remove(st.ID)
	}
}

// watchdog evicts the session when the client goes silent.
func (s *ControlSession) watchdog() {
	ticker := time.NewTicker(s.pingCheck)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			last := time.Unix(0, s.lastPing.Load())
			if time.Since(last) > s.pingTimeout {
				s.Close("ping timeout")
				return
			}
		case <-s.done:
			return
		}
	}
}

// Close transitions the session to closing: registry entry first,
// then owned streams, then the transport. The transition is one-way.
func (s *ControlSession) Close(reason string) {
	s.closeOnce.Do(func() {
		s.log.Info("session closing", "reason", reason)
		if s.registry != nil {
			s.registry.Remove(s.ID)
		}
		close(s.done)
		if s.streams != nil {
			if n := s.streams.CloseAllOwnedBy(s.ID); n > 0 {
				s.log.Debug("closed owned streams", "count", n)
			}
		}
		if s.conn != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, reason)
			s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			s.conn.Close()
		}
	})
}

// Displace closes the session because a new authenticated session
// claimed its subdomain on this instance.
func (s *ControlSession) Displace() {
	s.Close("sub_domain_in_use: displaced by new session")
}
