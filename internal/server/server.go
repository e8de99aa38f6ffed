package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/portalgun-dev/moon/internal/config"
	"github.com/portalgun-dev/moon/pkg/auth"
	"github.com/portalgun-dev/moon/pkg/wire"
)

const (
	// shutdownDrainTimeout bounds session draining during shutdown.
	shutdownDrainTimeout = 30 * time.Second

	// controlShutdownTimeout bounds the control HTTP server shutdown.
	controlShutdownTimeout = 10 * time.Second
)

// Server is one moon instance: the control endpoint, the public
// remote acceptor and the internal gossip endpoint, sharing a
// connection registry and an active-stream table. All dependencies
// are explicit so tests can build isolated instances.
type Server struct {
	cfg      *config.Config
	registry *Registry
	streams  *StreamTable
	verifier auth.Verifier
	gossip   *Gossip

	httpServer *http.Server
	controlLn  net.Listener
	remoteLn   net.Listener
	internalLn net.Listener

	ready chan struct{}
	wg    sync.WaitGroup
	log   *log.Logger
}

// New wires a server from its configuration. The verifier is chosen
// from config: OIDC when a discovery URL is set, otherwise the preset
// token, otherwise no auth at all.
func New(cfg *config.Config) *Server {
	var verifier auth.Verifier
	switch {
	case cfg.OIDCDiscoveryURL != "":
		verifier = auth.NewOIDCVerifier(cfg.OIDCDiscoveryURL, cfg.OIDCClientID)
	case cfg.PresetToken != "":
		verifier = auth.NewPresetVerifier(cfg.PresetToken)
	default:
		log.Warn("no authentication configured; accepting all clients")
		verifier = auth.NoAuth{}
	}

	s := &Server{
		cfg:      cfg,
		registry: NewRegistry(),
		streams:  NewStreamTable(),
		verifier: verifier,
		ready:    make(chan struct{}),
		log:      log.With("instance", cfg.InstanceID),
	}

	if cfg.GossipDNSHost != "" {
		s.gossip = NewGossip(cfg.GossipDNSHost, cfg.InternalNetworkPort)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(wire.ControlPath, s.handleControl)
	s.httpServer = &http.Server{Handler: mux}

	return s
}

// Registry exposes the connection registry.
func (s *Server) Registry() *Registry { return s.registry }

// Streams exposes the active-stream table.
func (s *Server) Streams() *StreamTable { return s.streams }

// Ready is closed once all listeners are bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// ControlAddr returns the bound control listener address.
func (s *Server) ControlAddr() string { return s.controlLn.Addr().String() }

// RemoteAddr returns the bound public listener address.
func (s *Server) RemoteAddr() string { return s.remoteLn.Addr().String() }

// InternalAddr returns the bound internal listener address.
func (s *Server) InternalAddr() string { return s.internalLn.Addr().String() }

// Run binds the three listeners and serves until the context ends or
// a signal arrives, then shuts down gracefully: acceptors first, then
// a bounded session drain.
func (s *Server) Run(ctx context.Context) error {
	if oidc, ok := s.verifier.(*auth.OIDCVerifier); ok {
		if err := oidc.Init(ctx); err != nil {
			return fmt.Errorf("auth init: %w", err)
		}
	}

	if err := s.bind(); err != nil {
		return err
	}
	s.log.Info("listening",
		"control", s.ControlAddr(), "remote", s.RemoteAddr(), "internal", s.InternalAddr(),
		"tunnel_host", s.cfg.TunnelHost)
	close(s.ready)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// Cancellation must reach every serve goroutine: gossip only exits
	// on its context, which an accept error alone would never cancel.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.httpServer.Serve(s.controlLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control server: %w", err)
		}
		return nil
	})
	g.Go(func() error { return s.serveRemote(gctx, s.remoteLn) })
	g.Go(func() error { return s.serveInternal(gctx, s.internalLn) })
	if s.gossip != nil {
		g.Go(func() error { return s.gossip.Run(gctx) })
	}

	select {
	case sig := <-sigCh:
		s.log.Info("signal received, shutting down", "signal", sig)
	case <-gctx.Done():
	}

	cancel()
	s.shutdown()
	return g.Wait()
}

func (s *Server) bind() error {
	var err error
	if s.controlLn, err = net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.ControlPort)); err != nil {
		return fmt.Errorf("bind control port: %w", err)
	}
	if s.remoteLn, err = net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.RemotePort)); err != nil {
		s.controlLn.Close()
		return fmt.Errorf("bind remote port: %w", err)
	}
	if s.internalLn, err = net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.InternalNetworkPort)); err != nil {
		s.controlLn.Close()
		s.remoteLn.Close()
		return fmt.Errorf("bind internal port: %w", err)
	}
	return nil
}

func (s *Server) shutdown() {
	// All acceptors stop first so no new sessions or streams arrive
	// while draining. Control sessions hold hijacked connections, so
	// Shutdown returns without waiting on them.
	ctx, cancel := context.WithTimeout(context.Background(), controlShutdownTimeout)
	defer cancel()
	s.httpServer.Shutdown(ctx)
	s.remoteLn.Close()
	s.internalLn.Close()

	s.registry.CloseAll("server shutting down")
	deadline := time.Now().Add(shutdownDrainTimeout)
	for s.streams.Count() > 0 && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownDrainTimeout):
		s.log.Warn("forcing shutdown with streams still draining")
	}
	s.log.Info("shutdown complete")
}
