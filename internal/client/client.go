// Package client implements the portalgun tunnel client: it holds the
// control channel to a moon server and replays end-user streams
// against the local service.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/portalgun-dev/moon/internal/iocount"
	"github.com/portalgun-dev/moon/pkg/wire"
)

const (
	dialTimeout      = 10 * time.Second
	localDialTimeout = 5 * time.Second
	helloTimeout     = 10 * time.Second
	writeTimeout     = 10 * time.Second
	pingInterval     = 10 * time.Second
	forwardBufSize   = 64 * 1024
	txQueueSize      = 256
	localQueueSize   = 64
)

// Terminal errors: reconnecting will not help, the operator must act.
var (
	ErrAuthFailed     = errors.New("authentication failed")
	ErrSubDomainInUse = errors.New("sub domain is in use")
	ErrInvalidSub     = errors.New("invalid sub domain")
	ErrServerRejected = errors.New("server rejected the tunnel")
)

// Config holds the client configuration.
type Config struct {
	// ServerURL is the control server base URL (ws:// or wss://).
	ServerURL string

	// Key is the credential; empty means an anonymous tunnel.
	Key string

	// SubDomain is the requested subdomain; empty lets the server pick.
	SubDomain string

	// LocalHost and LocalPort address the forwarded service.
	LocalHost string
	LocalPort int
}

// Client maintains the control channel and the per-stream local
// connections.
type Client struct {
	cfg *Config
	log *log.Logger

	// AssignedSubDomain is set after a successful hello.
	AssignedSubDomain string

	locals   sync.Map // wire.StreamID -> *localStream
	bytesIn  atomic.Int64
	bytesOut atomic.Int64
}

// localStream is one end-user stream replayed against the local
// service. The sink is registered before the local dial completes, so
// frames arriving right behind the stream open are queued rather than
// lost.
type localStream struct {
	id        wire.StreamID
	rx        chan wire.StreamMessage
	done      chan struct{}
	closeOnce sync.Once
}

func newLocalStream(id wire.StreamID) *localStream {
	return &localStream{
		id:   id,
		rx:   make(chan wire.StreamMessage, localQueueSize),
		done: make(chan struct{}),
	}
}

// deliver enqueues a message for the local socket, blocking when the
// queue is full. Returns false once the stream is closing.
func (l *localStream) deliver(m wire.StreamMessage) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.rx <- m:
		return true
	case <-l.done:
		return false
	}
}

func (l *localStream) close() {
	l.closeOnce.Do(func() {
		close(l.done)
	})
}

// New creates a client.
func New(cfg *Config) *Client {
	if cfg.LocalHost == "" {
		cfg.LocalHost = "127.0.0.1"
	}
	return &Client{cfg: cfg, log: log.With("component", "client")}
}

// Run connects and serves, reconnecting with backoff on transport
// failures. Terminal errors (auth, subdomain conflicts) are returned.
func (c *Client) Run(ctx context.Context) error {
	backoff := NewBackoff()
	for {
		err := c.connectAndServe(ctx, backoff)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, ErrAuthFailed),
			errors.Is(err, ErrSubDomainInUse),
			errors.Is(err, ErrInvalidSub),
			errors.Is(err, ErrServerRejected):
			return err
		}

		delay := backoff.NextDelay()
		c.log.Warn("control channel lost, reconnecting", "delay", delay, "err", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Client) connectAndServe(ctx context.Context, backoff *Backoff) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	sub, err := c.hello(conn)
	if err != nil {
		return err
	}
	c.AssignedSubDomain = sub
	backoff.Reset()
	c.log.Info("tunnel established", "sub", sub, "local",
		net.JoinHostPort(c.cfg.LocalHost, strconv.Itoa(c.cfg.LocalPort)))

	tx := make(chan wire.ControlPacket, txQueueSize)
	done := make(chan struct{})
	defer func() {
		close(done)
		c.closeAllLocals()
	}()

	// Writer: single goroutine owns the WebSocket write side.
	writeErr := make(chan error, 1)
	go func() {
		for {
			select {
			case p := <-tx:
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.BinaryMessage, p.Serialize()); err != nil {
					writeErr <- err
					return
				}
			case <-done:
				return
			}
		}
	}()

	// Heartbeat.
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				send(tx, done, wire.Ping())
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case err := <-writeErr:
			return err
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		pkt, err := wire.ParseControlPacket(data)
		if err != nil {
			return fmt.Errorf("malformed control frame: %w", err)
		}
		c.dispatch(pkt, tx, done)
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	u.Path = wire.ControlPath

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.String(), err)
	}
	return conn, nil
}

// hello performs the handshake and returns the assigned subdomain.
func (c *Client) hello(conn *websocket.Conn) (string, error) {
	var hello wire.ClientHello
	if c.cfg.Key != "" {
		hello = wire.NewAuthHello(c.cfg.Key, c.cfg.SubDomain)
	} else {
		hello = wire.NewAnonymousHello()
	}

	b, err := json.Marshal(hello)
	if err != nil {
		return "", err
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return "", err
	}

	conn.SetReadDeadline(time.Now().Add(helloTimeout))
	_, reply, err := conn.ReadMessage()
	if err != nil {
		return "", err
	}
	conn.SetReadDeadline(time.Time{})

	sh, err := wire.ParseServerHello(reply)
	if err != nil {
		return "", err
	}
	switch sh.Status {
	case wire.StatusSuccess:
		return sh.SubDomain, nil
	case wire.StatusAuthFailed:
		return "", ErrAuthFailed
	case wire.StatusSubDomainInUse:
		return "", ErrSubDomainInUse
	case wire.StatusInvalidSub:
		return "", ErrInvalidSub
	default:
		return "", fmt.Errorf("%w: %s", ErrServerRejected, sh.Status)
	}
}

func (c *Client) dispatch(pkt wire.ControlPacket, tx chan wire.ControlPacket, done chan struct{}) {
	switch pkt.Kind {
	case wire.PacketInit:
		// Register the sink before returning so frames right behind the
		// open are queued; the dial itself stays off this goroutine.
		l := newLocalStream(pkt.Stream)
		if _, loaded := c.locals.LoadOrStore(pkt.Stream, l); loaded {
			c.log.Debug("duplicate stream open", "stream", pkt.Stream)
			return
		}
		go c.runLocal(l, tx, done)

	case wire.PacketData:
		v, ok := c.locals.Load(pkt.Stream)
		if !ok {
			// Data for a stream we never opened or already dropped:
			// tell the server rather than eating the bytes.
			send(tx, done, wire.Refused(pkt.Stream))
			return
		}
		if !v.(*localStream).deliver(wire.StreamMessage{Data: pkt.Data}) {
			c.log.Debug("data for closing stream", "stream", pkt.Stream)
		}

	case wire.PacketEnd:
		// End user finished sending; the half-close queues behind any
		// data still waiting for the local socket.
		if v, ok := c.locals.Load(pkt.Stream); ok {
			v.(*localStream).deliver(wire.StreamMessage{Close: true})
		}

	case wire.PacketPing:
		// Echo of our own heartbeat.

	case wire.PacketRefused:
		c.dropLocal(pkt.Stream)
	}
}

// runLocal dials the forwarded service for a stream registered by
// dispatch, drains the queued frames into it, and pumps its responses
// back. Dial failures refuse the stream.
func (c *Client) runLocal(l *localStream, tx chan wire.ControlPacket, done chan struct{}) {
	defer func() {
		c.dropLocal(l.id)
		c.log.Debug("stream done", "stream", l.id)
	}()

	addr := net.JoinHostPort(c.cfg.LocalHost, strconv.Itoa(c.cfg.LocalPort))
	d := net.Dialer{Timeout: localDialTimeout}
	conn, err := d.Dial("tcp", addr)
	if err != nil {
		c.log.Warn("local service unreachable", "addr", addr, "stream", l.id, "err", err)
		send(tx, done, wire.Refused(l.id))
		return
	}
	defer conn.Close()

	send(tx, done, wire.Init(l.id))
	c.log.Debug("stream open", "stream", l.id)

	// Unblock the read pump when the stream is dropped from outside.
	go func() {
		<-l.done
		conn.Close()
	}()

	// Queued frames -> local socket.
	go func() {
		w := iocount.NewWriter(conn, &c.bytesIn)
		for {
			select {
			case m := <-l.rx:
				if m.Close {
					if tc, ok := conn.(*net.TCPConn); ok {
						tc.CloseWrite()
					}
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if _, err := w.Write(m.Data); err != nil {
					c.log.Debug("local write failed", "stream", l.id, "err", err)
					l.close()
					return
				}
			case <-l.done:
				return
			}
		}
	}()

	// Local responses -> control link.
	r := iocount.NewReader(conn, &c.bytesOut)
	buf := make([]byte, forwardBufSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if !send(tx, done, wire.Data(l.id, chunk)) {
				return
			}
		}
		if err != nil {
			send(tx, done, wire.End(l.id))
			return
		}
	}
}

func (c *Client) dropLocal(id wire.StreamID) {
	if v, ok := c.locals.LoadAndDelete(id); ok {
		v.(*localStream).close()
	}
}

func (c *Client) closeAllLocals() {
	c.locals.Range(func(key, value any) bool {
		value.(*localStream).close()
		c.locals.Delete(key)
		return true
	})
}

// send enqueues unless the session is gone.
func send(tx chan wire.ControlPacket, done chan struct{}, p wire.ControlPacket) bool {
	select {
	case tx <- p:
		return true
	case <-done:
		return false
	}
}
