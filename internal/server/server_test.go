package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portalgun-dev/moon/internal/config"
	"github.com/portalgun-dev/moon/pkg/wire"
)

// startServer runs a server on ephemeral ports and tears it down with
// the test.
func startServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()

	if cfg == nil {
		cfg = &config.Config{}
	}
	if cfg.TunnelHost == "" {
		cfg.TunnelHost = "portalgun.test"
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = "test-instance"
	}

	srv := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Run(ctx)

	select {
	case <-srv.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not become ready")
	}
	return srv
}

// loopback rewrites a bound listener address to 127.0.0.1 so tests do
// not depend on how the wildcard address resolves.
func loopback(t *testing.T, addr string) string {
	t.Helper()
	_, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	return net.JoinHostPort("127.0.0.1", port)
}

func dialControl(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	u := fmt.Sprintf("ws://%s%s", loopback(t, srv.ControlAddr()), wire.ControlPath)
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func doHello(t *testing.T, conn *websocket.Conn, hello wire.ClientHello) wire.ServerHello {
	t.Helper()
	b, err := json.Marshal(hello)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, b))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, reply, err := conn.ReadMessage()
	require.NoError(t, err)
	conn.SetReadDeadline(time.Time{})

	sh, err := wire.ParseServerHello(reply)
	require.NoError(t, err)
	return sh
}

func readPacket(t *testing.T, conn *websocket.Conn) wire.ControlPacket {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	pkt, err := wire.ParseControlPacket(data)
	require.NoError(t, err)
	return pkt
}

func writePacket(t *testing.T, conn *websocket.Conn, p wire.ControlPacket) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, p.Serialize()))
}

func TestAnonymousTunnelEndToEnd(t *testing.T) {
	srv := startServer(t, nil)

	conn := dialControl(t, srv)
	sh := doHello(t, conn, wire.NewAnonymousHello())
	require.Equal(t, wire.StatusSuccess, sh.Status)
	require.Len(t, sh.SubDomain, 8)
	require.True(t, wire.ValidSubDomain(sh.SubDomain))

	require.Eventually(t, func() bool {
		_, ok := srv.Registry().Find(sh.SubDomain)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	// End user connects to the public port.
	user, err := net.Dial("tcp", loopback(t, srv.RemoteAddr()))
	require.NoError(t, err)
	defer user.Close()

	request := fmt.Sprintf("GET /hello HTTP/1.1\r\nHost: %s.portalgun.test\r\n\r\n", sh.SubDomain)
	_, err = user.Write([]byte(request))
	require.NoError(t, err)

	// The client sees a stream open followed by the request bytes.
	pkt := readPacket(t, conn)
	require.Equal(t, wire.PacketInit, pkt.Kind)
	stream := pkt.Stream

	var got strings.Builder
	for !strings.Contains(got.String(), "\r\n\r\n") {
		pkt = readPacket(t, conn)
		require.Equal(t, wire.PacketData, pkt.Kind)
		require.Equal(t, stream, pkt.Stream)
		got.Write(pkt.Data)
	}
	assert.Equal(t, request, got.String())

	// Client answers and finishes the stream; the end user reads the
	// whole response up to EOF.
	response := "HTTP/1.1 200 OK\r\nContent-Length: 2\r\nConnection: close\r\n\r\nok"
	writePacket(t, conn, wire.Data(stream, []byte(response)))
	writePacket(t, conn, wire.End(stream))

	user.SetReadDeadline(time.Now().Add(5 * time.Second))
	body, err := io.ReadAll(user)
	require.NoError(t, err)
	assert.Equal(t, response, string(body))
}

func TestUnknownSubDomainGets404(t *testing.T) {
	srv := startServer(t, nil)

	user, err := net.Dial("tcp", loopback(t, srv.RemoteAddr()))
	require.NoError(t, err)
	defer user.Close()

	_, err = user.Write([]byte("GET / HTTP/1.1\r\nHost: ghost.portalgun.test\r\n\r\n"))
	require.NoError(t, err)

	user.SetReadDeadline(time.Now().Add(5 * time.Second))
	body, err := io.ReadAll(user)
	require.NoError(t, err)
	resp := string(body)
	assert.True(t, strings.HasPrefix(resp, "HTTP/1.1 404 Not Found\r\n"), resp)
	assert.Contains(t, resp, "tunnel 'ghost' not found")
}

func TestWrongHostGets404(t *testing.T) {
	srv := startServer(t, nil)

	user, err := net.Dial("tcp", loopback(t, srv.RemoteAddr()))
	require.NoError(t, err)
	defer user.Close()

	_, err = user.Write([]byte("GET / HTTP/1.1\r\nHost: foo.elsewhere.example\r\n\r\n"))
	require.NoError(t, err)

	user.SetReadDeadline(time.Now().Add(5 * time.Second))
	body, err := io.ReadAll(user)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(body), "HTTP/1.1 404 Not Found\r\n"))
}

func TestPresetTokenAuth(t *testing.T) {
	srv := startServer(t, &config.Config{PresetToken: "hunter2"})

	conn := dialControl(t, srv)
	sh := doHello(t, conn, wire.NewAuthHello("hunter2", "myapp"))
	require.Equal(t, wire.StatusSuccess, sh.Status)
	assert.Equal(t, "myapp", sh.SubDomain)
}

func TestPresetTokenAuthRejectsBadKey(t *testing.T) {
	srv := startServer(t, &config.Config{PresetToken: "hunter2"})

	conn := dialControl(t, srv)
	sh := doHello(t, conn, wire.NewAuthHello("wrong", "myapp"))
	assert.Equal(t, wire.StatusAuthFailed, sh.Status)
}

func TestHelloRejectsInvalidSubDomain(t *testing.T) {
	srv := startServer(t, &config.Config{PresetToken: "hunter2"})

	conn := dialControl(t, srv)
	sh := doHello(t, conn, wire.NewAuthHello("hunter2", "x"))
	assert.Equal(t, wire.StatusInvalidSub, sh.Status)
}

func TestHelloRejectsBlockedSubDomain(t *testing.T) {
	srv := startServer(t, &config.Config{
		PresetToken:       "hunter2",
		BlockedSubDomains: []string{"admin"},
	})

	conn := dialControl(t, srv)
	sh := doHello(t, conn, wire.NewAuthHello("hunter2", "admin"))
	assert.Equal(t, wire.StatusSubDomainInUse, sh.Status)
}

func TestPingEcho(t *testing.T) {
	srv := startServer(t, nil)

	conn := dialControl(t, srv)
	sh := doHello(t, conn, wire.NewAnonymousHello())
	require.Equal(t, wire.StatusSuccess, sh.Status)

	writePacket(t, conn, wire.Ping())
	pkt := readPacket(t, conn)
	assert.Equal(t, wire.PacketPing, pkt.Kind)
}

func TestRunReturnsOnContextCancelWithGossip(t *testing.T) {
	cfg := &config.Config{
		TunnelHost:    "portalgun.test",
		InstanceID:    "test-instance",
		GossipDNSHost: "peers.invalid",
	}
	srv := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- srv.Run(ctx) }()

	select {
	case <-srv.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not become ready")
	}

	cancel()
	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after context cancel")
	}
}

func TestRunReturnsAfterSignalWithGossip(t *testing.T) {
	cfg := &config.Config{
		TunnelHost:    "portalgun.test",
		InstanceID:    "test-instance",
		GossipDNSHost: "peers.invalid",
	}
	srv := New(cfg)

	runDone := make(chan error, 1)
	go func() { runDone <- srv.Run(context.Background()) }()

	select {
	case <-srv.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not become ready")
	}

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGTERM))
	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after SIGTERM")
	}
}

func TestShutdownClosesControlAcceptorFirst(t *testing.T) {
	cfg := &config.Config{TunnelHost: "portalgun.test", InstanceID: "test-instance"}
	srv := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- srv.Run(ctx) }()

	select {
	case <-srv.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not become ready")
	}

	conn := dialControl(t, srv)
	sh := doHello(t, conn, wire.NewAnonymousHello())
	require.Equal(t, wire.StatusSuccess, sh.Status)

	controlURL := fmt.Sprintf("ws://%s%s", loopback(t, srv.ControlAddr()), wire.ControlPath)
	cancel()
	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after context cancel")
	}

	// No new sessions can register once shutdown has completed.
	_, _, err := websocket.DefaultDialer.Dial(controlURL, nil)
	assert.Error(t, err)
	assert.EqualValues(t, 0, srv.Registry().Count())
}

func TestCrossInstanceForwarding(t *testing.T) {
	owner := startServer(t, nil)

	// Client tunnel lives on the owning instance.
	conn := dialControl(t, owner)
	sh := doHello(t, conn, wire.NewAnonymousHello())
	require.Equal(t, wire.StatusSuccess, sh.Status)
	sub := sh.SubDomain
	require.Eventually(t, func() bool {
		_, ok := owner.Registry().Find(sub)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	// A second instance learns about the owner through gossip and
	// relays end-user traffic to it.
	relay := startServer(t, &config.Config{GossipDNSHost: "peers.invalid"})
	relay.gossip.setPeers(loopback(t, owner.InternalAddr()))

	user, err := net.Dial("tcp", loopback(t, relay.RemoteAddr()))
	require.NoError(t, err)
	defer user.Close()

	request := fmt.Sprintf("GET /far HTTP/1.1\r\nHost: %s.portalgun.test\r\n\r\n", sub)
	_, err = user.Write([]byte(request))
	require.NoError(t, err)

	pkt := readPacket(t, conn)
	require.Equal(t, wire.PacketInit, pkt.Kind)
	stream := pkt.Stream

	var got strings.Builder
	for !strings.Contains(got.String(), "\r\n\r\n") {
		pkt = readPacket(t, conn)
		require.Equal(t, wire.PacketData, pkt.Kind)
		require.Equal(t, stream, pkt.Stream)
		got.Write(pkt.Data)
	}
	assert.Equal(t, request, got.String())

	response := "HTTP/1.1 200 OK\r\nContent-Length: 3\r\nConnection: close\r\n\r\nfar"
	writePacket(t, conn, wire.Data(stream, []byte(response)))
	writePacket(t, conn, wire.End(stream))

	user.SetReadDeadline(time.Now().Add(10 * time.Second))
	body, err := io.ReadAll(user)
	require.NoError(t, err)
	assert.Equal(t, response, string(body))
}

func TestNewSessionDisplacesIncumbentOnSameSubDomain(t *testing.T) {
	srv := startServer(t, &config.Config{PresetToken: "hunter2"})

	first := dialControl(t, srv)
	sh := doHello(t, first, wire.NewAuthHello("hunter2", "shared"))
	require.Equal(t, wire.StatusSuccess, sh.Status)

	second := dialControl(t, srv)
	sh = doHello(t, second, wire.NewAuthHello("hunter2", "shared"))
	require.Equal(t, wire.StatusSuccess, sh.Status)

	// The incumbent's transport is torn down.
	first.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}

	// The new session keeps working.
	writePacket(t, second, wire.Ping())
	pkt := readPacket(t, second)
	assert.Equal(t, wire.PacketPing, pkt.Kind)
}
