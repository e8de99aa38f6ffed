package server

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Internal peer commands. A frame is 1 command byte, a big-endian u16
// length, and the subdomain bytes.
const (
	peerCmdWhoHas  byte = 0x01
	peerCmdForward byte = 0x02
)

const (
	// gossipInterval is how often the peer DNS name is re-resolved.
	gossipInterval = 5 * time.Second

	// whoHasTimeout bounds one ownership fan-out.
	whoHasTimeout = 500 * time.Millisecond

	// peerFrameTimeout bounds reading the command frame from a peer.
	peerFrameTimeout = 5 * time.Second

	// maxSubDomainLen is the longest subdomain a peer frame may carry.
	maxSubDomainLen = 63
)

var errBadPeerFrame = errors.New("malformed peer command frame")

// Instance describes a peer discovered via DNS.
type Instance struct {
	Addr     string
	LastSeen time.Time
}

// Gossip answers "which instance owns subdomain X" with bounded
// staleness and discovers peers by resolving a shared DNS name.
type Gossip struct {
	dnsHost  string
	port     int
	resolver *net.Resolver

	mu    sync.RWMutex
	peers map[string]Instance

	log *log.Logger
}

// NewGossip creates the fabric. dnsHost empty disables discovery, in
// which case FindOwner always reports no owner.
func NewGossip(dnsHost string, port int) *Gossip {
	return &Gossip{
		dnsHost:  dnsHost,
		port:     port,
		resolver: net.DefaultResolver,
		peers:    make(map[string]Instance),
		log:      log.With("component", "gossip"),
	}
}

// Run re-resolves the peer set every gossipInterval until ctx ends.
func (g *Gossip) Run(ctx context.Context) error {
	if g.dnsHost == "" {
		return nil
	}

	g.resolve(ctx)
	ticker := time.NewTicker(gossipInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.resolve(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (g *Gossip) resolve(ctx context.Context) {
	rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	addrs, err := g.resolver.LookupIPAddr(rctx, g.dnsHost)
	if err != nil {
		g.log.Warn("peer dns lookup failed", "host", g.dnsHost, "err", err)
		return
	}

	now := time.Now()
	fresh := make(map[string]Instance, len(addrs))
	for _, a := range addrs {
		addr := net.JoinHostPort(a.IP.String(), strconv.Itoa(g.port))
		fresh[addr] = Instance{Addr: addr, LastSeen: now}
	}

	g.mu.Lock()
	g.peers = fresh
	g.mu.Unlock()
}

// Peers returns a copy of the instance table.
func (g *Gossip) Peers() []Instance {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Instance, 0, len(g.peers))
	for _, p := range g.peers {
		out = append(out, p)
	}
	return out
}

// setPeers is used by tests to pin the instance table.
func (g *Gossip) setPeers(addrs ...string) {
	now := time.Now()
	fresh := make(map[string]Instance, len(addrs))
	for _, a := range addrs {
		fresh[a] = Instance{Addr: a, LastSeen: now}
	}
	g.mu.Lock()
	g.peers = fresh
	g.mu.Unlock()
}

// FindOwner fans a WhoHas query out to all known peers in parallel.
// The first Yes wins; all Nos or the 500 ms deadline yield no owner.
func (g *Gossip) FindOwner(ctx context.Context, sub string) (string, bool) {
	peers := g.Peers()
	if len(peers) == 0 {
		return "", false
	}

	ctx, cancel := context.WithTimeout(ctx, whoHasTimeout)
	defer cancel()

	results := make(chan string, len(peers))
	for _, p := range peers {
		go func(addr string) {
			yes, err := g.queryWhoHas(ctx, addr, sub)
			if err != nil || !yes {
				results <- ""
				return
			}
			results <- addr
		}(p.Addr)
	}

	for range peers {
		select {
		case addr := <-results:
			if addr != "" {
				return addr, true
			}
		case <-ctx.Done():
			return "", false
		}
	}
	return "", false
}

func (g *Gossip) queryWhoHas(ctx context.Context, addr, sub string) (bool, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if err := writePeerCommand(conn, peerCmdWhoHas, sub); err != nil {
		return false, err
	}

	var answer [1]byte
	if _, err := io.ReadFull(conn, answer[:]); err != nil {
		return false, err
	}
	return answer[0] == 1, nil
}

// writePeerCommand emits one internal command frame.
func writePeerCommand(w io.Writer, cmd byte, sub string) error {
	if len(sub) > maxSubDomainLen {
		return errBadPeerFrame
	}
	frame := make([]byte, 3+len(sub))
	frame[0] = cmd
	binary.BigEndian.PutUint16(frame[1:3], uint16(len(sub)))
	copy(frame[3:], sub)
	_, err := w.Write(frame)
	return err
}

// readPeerCommand parses one internal command frame.
func readPeerCommand(r io.Reader) (cmd byte, sub string, err error) {
	var header [3]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, "", err
	}
	n := binary.BigEndian.Uint16(header[1:3])
	if n == 0 || n > maxSubDomainLen {
		return 0, "", fmt.Errorf("%w: subdomain length %d", errBadPeerFrame, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, "", err
	}
	return header[0], string(buf), nil
}

// serveInternal accepts peer connections on the internal port.
func (s *Server) serveInternal(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			return fmt.Errorf("internal accept: %w", err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handlePeerConn(conn)
		}()
	}
}

func (s *Server) handlePeerConn(conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(peerFrameTimeout))
	cmd, sub, err := readPeerCommand(conn)
	if err != nil {
		s.log.Debug("bad peer frame", "remote", conn.RemoteAddr(), "err", err)
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	switch cmd {
	case peerCmdWhoHas:
		answer := byte(0)
		if _, ok := s.registry.Find(sub); ok {
			answer = 1
		}
		conn.Write([]byte{answer})
		conn.Close()

	case peerCmdForward:
		sess, ok := s.registry.Find(sub)
		if !ok {
			writeNotFound(conn, sub)
			return
		}
		s.log.Debug("peer forward accepted", "sub", sub, "remote", conn.RemoteAddr())
		s.serveLocalStream(conn, nil, sess)

	default:
		s.log.Debug("unknown peer command", "cmd", cmd)
		conn.Close()
	}
}
