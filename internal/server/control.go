package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/portalgun-dev/moon/pkg/auth"
	"github.com/portalgun-dev/moon/pkg/wire"
)

var controlUpgrader = websocket.Upgrader{
	ReadBufferSize:  16 * 1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // clients are not browsers; auth happens in the hello
	},
}

// handleControl upgrades a client connection and drives the hello
// handshake. On success the session is registered and served until it
// closes.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	conn, err := controlUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	sess, ok := s.handshake(r.Context(), conn)
	if !ok {
		conn.Close()
		return
	}

	s.log.Info("tunnel established",
		"client", sess.ID, "sub", sess.SubDomain, "remote", r.RemoteAddr)
	sess.run()
}

// handshake expects one ClientHello within helloTimeout and applies
// the subdomain policy. It replies with a ServerHello either way and
// returns the registered session on success.
func (s *Server) handshake(ctx context.Context, conn *websocket.Conn) (*ControlSession, bool) {
	conn.SetReadDeadline(time.Now().Add(helloTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		s.log.Debug("no hello frame", "err", err)
		return nil, false
	}

	hello, err := wire.ParseClientHello(data)
	if err != nil {
		s.log.Warn("malformed hello", "err", err)
		return nil, false
	}

	requested := wire.NormalizeSubDomain(hello.SubDomain)
	if requested != "" && !wire.ValidSubDomain(requested) {
		s.rejectHello(conn, wire.StatusInvalidSub)
		return nil, false
	}
	if s.cfg.SubDomainBlocked(requested) {
		s.rejectHello(conn, wire.StatusSubDomainInUse)
		return nil, false
	}

	var assigned string
	switch hello.Type {
	case wire.ClientTypeAnonymous:
		assigned = wire.RandomSubDomain()

	case wire.ClientTypeAuth:
		d := s.verifier.Verify(ctx, hello.Key, requested)
		if !d.Allowed() {
			s.log.Info("auth denied", "client", hello.ID, "reason", d.Reason)
			s.rejectHello(conn, helloStatusFor(d.Reason))
			return nil, false
		}
		assigned = d.SubDomain

	default:
		s.log.Warn("unknown client type", "type", hello.Type)
		s.rejectHello(conn, wire.StatusAuthFailed)
		return nil, false
	}

	if s.cfg.SubDomainBlocked(assigned) {
		s.rejectHello(conn, wire.StatusSubDomainInUse)
		return nil, false
	}

	// A collision with a session on this instance displaces the
	// incumbent; a collision with another instance rejects the hello.
	if s.gossip != nil {
		if _, ok := s.registry.Find(assigned); !ok {
			if _, owned := s.gossip.FindOwner(ctx, assigned); owned {
				s.rejectHello(conn, wire.StatusSubDomainInUse)
				return nil, false
			}
		}
	}

	if err := s.writeHello(conn, wire.HelloSuccess(assigned)); err != nil {
		return nil, false
	}
	conn.SetReadDeadline(time.Time{})

	var limiter *rate.Limiter
	if s.cfg.StreamRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.StreamRateLimit), s.cfg.StreamRateLimit)
	}

	sess := newControlSession(hello.ID, assigned, s.cfg.InstanceID, conn, s.registry, s.streams, limiter)
	s.registry.Add(sess)
	return sess, true
}

func helloStatusFor(reason auth.DenyReason) string {
	switch reason {
	case auth.DenyInvalidSubDomain:
		return wire.StatusInvalidSub
	case auth.DenySubDomainInUse:
		return wire.StatusSubDomainInUse
	default:
		return wire.StatusAuthFailed
	}
}

func (s *Server) writeHello(conn *websocket.Conn, h wire.ServerHello) error {
	b, err := json.Marshal(h)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(sessionWriteTimeout))
	return conn.WriteMessage(websocket.BinaryMessage, b)
}

func (s *Server) rejectHello(conn *websocket.Conn, status string) {
	s.writeHello(conn, wire.ServerHello{Status: status})
}
