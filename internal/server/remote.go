package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/portalgun-dev/moon/internal/iocount"
	"github.com/portalgun-dev/moon/pkg/wire"
)

const (
	// hostSniffTimeout bounds the read of the request prefix used to
	// extract the Host header.
	hostSniffTimeout = 5 * time.Second

	// hostSniffLimit caps how much of the request we buffer while
	// looking for the Host header.
	hostSniffLimit = 4 * 1024

	// copyBufSize is the per-direction forwarding buffer.
	copyBufSize = 64 * 1024

	// drainTimeout bounds draining after one side closes.
	drainTimeout = 5 * time.Second

	// endLinger is how long a finished stream lingers so the end user
	// can read the tail before the socket closes.
	endLinger = 1 * time.Second
)

var errNoHostHeader = errors.New("no host header in request prefix")

// serveRemote accepts end-user TCP connections on the public port.
func (s *Server) serveRemote(ctx context.Context, ln net.Listener) error {
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
			return fmt.Errorf("remote accept: %w", err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleRemoteConn(ctx, conn)
		}()
	}
}

func (s *Server) handleRemoteConn(ctx context.Context, conn net.Conn) {
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok && s.cfg.IPBlocked(addr.IP) {
		s.log.Info("blocked ip refused", "remote", conn.RemoteAddr())
		conn.Close()
		return
	}

	prefix, host, err := sniffHost(conn)
	if err != nil {
		s.log.Debug("host sniff failed", "remote", conn.RemoteAddr(), "err", err)
		conn.Close()
		return
	}

	sub, ok := s.cfg.HostAllowed(stripPort(host))
	if !ok || !wire.ValidSubDomain(sub) || s.cfg.SubDomainBlocked(sub) {
		writeNotFound(conn, sub)
		return
	}

	if sess, ok := s.registry.Find(sub); ok {
		s.serveLocalStream(conn, prefix, sess)
		return
	}

	if s.gossip != nil {
		if peer, ok := s.gossip.FindOwner(ctx, sub); ok {
			s.forwardToPeer(conn, prefix, peer, sub)
			return
		}
	}

	writeNotFound(conn, sub)
}

// serveLocalStream relays one end-user connection over a session held
// by this instance. prefix is whatever was consumed sniffing the host
// header and is forwarded first.
func (s *Server) serveLocalStream(conn net.Conn, prefix []byte, sess *ControlSession) {
	if sess.limiter != nil && !sess.limiter.Allow() {
		s.log.Info("stream rate limit exceeded", "sub", sess.SubDomain)
		writeTooManyRequests(conn)
		return
	}

	id := wire.NewStreamID()
	st := newActiveStream(id, sess)
	s.streams.Insert(st)
	defer func() {
		s.streams.Remove(id)
		st.Close()
		conn.Close()
		s.log.Debug("stream finished", "stream", id, "sub", sess.SubDomain,
			"bytes_in", st.BytesIn.Load(), "bytes_out", st.BytesOut.Load())
	}()

	if err := sess.Enqueue(wire.Init(id)); err != nil {
		writeNotFound(conn, sess.SubDomain)
		return
	}
	s.log.Debug("stream opened", "stream", id, "sub", sess.SubDomain, "remote", conn.RemoteAddr())

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		pumpStreamToConn(conn, st)
	}()

	// End-user bytes -> client. The sniffed prefix goes first so the
	// client sees the request from its very first byte.
	if len(prefix) > 0 {
		st.BytesIn.Add(int64(len(prefix)))
		if err := sess.Enqueue(wire.Data(id, prefix)); err != nil {
			return
		}
	}

	reader := iocount.NewReader(conn, &st.BytesIn)
	buf := make([]byte, copyBufSize)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if sess.Enqueue(wire.Data(id, chunk)) != nil {
				break
			}
		}
		if err != nil {
			break
		}
		if st.Closed() {
			break
		}
	}

	// The end user is done sending (or the session died). Signal EOF
	// to the client and give the writer a bounded drain.
	sess.Enqueue(wire.End(id))
	select {
	case <-writerDone:
	case <-time.After(drainTimeout):
	}
}

// pumpStreamToConn writes queued StreamMessages to the end-user
// socket until the stream closes.
func pumpStreamToConn(conn net.Conn, st *ActiveStream) {
	w := iocount.NewWriter(conn, &st.BytesOut)

	writeData := func(b []byte) bool {
		if len(b) == 0 {
			return true
		}
		conn.SetWriteDeadline(time.Now().Add(sessionWriteTimeout))
		_, err := w.Write(b)
		return err == nil
	}

	finish := func() {
		// Deliver the tail, then linger briefly before the hard close
		// so the end user reads everything before the FIN.
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
		time.Sleep(endLinger)
		conn.Close()
	}

	for {
		select {
		case m := <-st.tx:
			if m.Close {
				finish()
				return
			}
			if !writeData(m.Data) {
				return
			}
		case <-st.done:
			if st.aborted.Load() {
				conn.Close()
				return
			}
			// Owner went away: flush what is already queued, then close.
			for {
				select {
				case m := <-st.tx:
					if m.Close || !writeData(m.Data) {
						finish()
						return
					}
				default:
					finish()
					return
				}
			}
		}
	}
}

// forwardToPeer relays the connection to the instance that owns the
// subdomain, via its internal forwarding port.
func (s *Server) forwardToPeer(conn net.Conn, prefix []byte, peerAddr, sub string) {
	defer conn.Close()

	peer, err := net.DialTimeout("tcp", peerAddr, hostSniffTimeout)
	if err != nil {
		s.log.Warn("peer dial failed", "peer", peerAddr, "sub", sub, "err", err)
		writeNotFound(conn, sub)
		return
	}
	defer peer.Close()

	if err := writePeerCommand(peer, peerCmdForward, sub); err != nil {
		writeNotFound(conn, sub)
		return
	}
	if len(prefix) > 0 {
		if _, err := peer.Write(prefix); err != nil {
			writeNotFound(conn, sub)
			return
		}
	}

	s.log.Debug("forwarding to peer", "peer", peerAddr, "sub", sub)
	relayBidirectional(conn, peer)
}

// relayBidirectional pipes bytes both ways, half-closing each side
// when the other finishes and bounding the final drain.
func relayBidirectional(a, b net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)

	pipe := func(dst, src net.Conn) {
		defer wg.Done()
		buf := make([]byte, copyBufSize)
		io.CopyBuffer(dst, src, buf)
		if tc, ok := dst.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
		dst.SetReadDeadline(time.Now().Add(drainTimeout))
	}

	go pipe(a, b)
	go pipe(b, a)
	wg.Wait()
}

// sniffHost reads a bounded prefix of the connection and extracts the
// HTTP Host header. The consumed bytes are returned for replay.
func sniffHost(conn net.Conn) (prefix []byte, host string, err error) {
	conn.SetReadDeadline(time.Now().Add(hostSniffTimeout))
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 0, hostSniffLimit)
	tmp := make([]byte, 1024)
	for len(buf) < hostSniffLimit && !bytes.Contains(buf, []byte("\r\n\r\n")) {
		n, rerr := conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if rerr != nil {
			break
		}
	}
	if len(buf) == 0 {
		return nil, "", io.EOF
	}

	host, err = findHostHeader(buf)
	return buf, host, err
}

// findHostHeader scans header lines for "Host:", case-insensitively.
func findHostHeader(prefix []byte) (string, error) {
	for _, line := range bytes.Split(prefix, []byte("\r\n")) {
		name, value, ok := bytes.Cut(line, []byte(":"))
		if !ok {
			continue
		}
		if strings.EqualFold(string(bytes.TrimSpace(name)), "host") {
			return string(bytes.TrimSpace(value)), nil
		}
	}
	return "", errNoHostHeader
}

// stripPort removes a trailing :port from a Host header value.
func stripPort(host string) string {
	if i := strings.LastIndex(host, ":"); i != -1 && strings.Count(host, ":") == 1 {
		return host[:i]
	}
	return host
}

func writeNotFound(conn net.Conn, sub string) {
	defer conn.Close()
	body := fmt.Sprintf("tunnel '%s' not found", sub)
	fmt.Fprintf(conn, "HTTP/1.1 404 Not Found\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s", len(body), body)
}

func writeTooManyRequests(conn net.Conn) {
	defer conn.Close()
	fmt.Fprint(conn, "HTTP/1.1 429 Too Many Requests\r\nContent-Length: 0\r\nConnection: close\r\n\r\n")
}
