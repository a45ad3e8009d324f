// Package cursorproxy is a transparent TLS interception proxy for the Cursor
// editor's backend traffic. Connections are classified by SNI before any
// handshake is answered: configured backend hosts get their TLS terminated
// with a minted certificate and their streaming RPCs rewritten, everything
// else is tunneled byte for byte.
package cursorproxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"

	"github.com/Distracted-E421/nixos-cursor-sub001/internal/certauth"
	"github.com/Distracted-E421/nixos-cursor-sub001/internal/iocopy"
	"github.com/Distracted-E421/nixos-cursor-sub001/profile"
	"github.com/Distracted-E421/nixos-cursor-sub001/tap"
)

type Server struct {
	*options
	authority *certauth.Authority
	matcher   *router
	upstreams *upstreamPool
	h2s       *http2.Server
}

// New loads the CA root pair and builds a server. A missing or unreadable
// root pair is the one error that must stop startup; nothing per-connection
// ever should.
func New(opt ...Option) (*Server, error) {
	opts := newOptions(opt...)
	authority, err := certauth.Load(opts.caCertPath, opts.caKeyPath)
	if err != nil {
		return nil, err
	}
	if opts.profiles == nil {
		opts.profiles = profile.Static(&profile.Profile{})
	}
	return &Server{
		options:   opts,
		authority: authority,
		matcher:   newRouter(opts.interceptHosts),
		upstreams: newUpstreamPool(opts.upstreamDial, opts.upstreamTLS, opts.upstreamPort, opts.dialTimeout),
		h2s: &http2.Server{
			IdleTimeout:      time.Second * 60,
			ReadIdleTimeout:  time.Second * 20,
			WriteByteTimeout: time.Second * 30,
		},
	}, nil
}

// CACertPEM exposes the root certificate so callers can install it into a
// trust store or hand it to a test client.
func (s *Server) CACertPEM() []byte {
	return s.authority.CertPEM()
}

// ListenAndServe binds addr and serves until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.logger.Info("proxy listening", "addr", ln.Addr().String())
	return s.Serve(ctx, ln)
}

// Serve accepts connections from ln until ctx is canceled. Every connection
// is handled on its own goroutine; a failure on one never affects another.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	defer s.upstreams.closeAll()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("accept failed", "err", err)
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	peer := conn.RemoteAddr().String()
	start := time.Now()

	serverName, consumed, err := peekClientHello(conn)
	if err != nil {
		// In transparent mode the SNI is the only routing signal we have.
		s.logger.Debug("dropping connection without usable ClientHello",
			"peer", peer, "err", err)
		return
	}

	rt := s.matcher.classify(serverName)
	s.logger.Debug("connection opened", "peer", peer, "host", serverName, "route", rt.String())
	s.hub.Publish(tap.Event{
		Type:  tap.EventConnectionOpened,
		Host:  serverName,
		Peer:  peer,
		Route: rt.String(),
	})

	replay := newPrefixConn(conn, consumed)
	var bytesIn, bytesOut int64
	if rt == routeIntercept {
		err = s.intercept(ctx, replay, serverName)
	} else {
		bytesIn, bytesOut, err = s.passthrough(ctx, replay, serverName)
	}

	ev := tap.Event{
		Type:       tap.EventConnectionClosed,
		Host:       serverName,
		Peer:       peer,
		Route:      rt.String(),
		BytesIn:    bytesIn,
		BytesOut:   bytesOut,
		DurationMs: float64(time.Since(start)) / float64(time.Millisecond),
	}
	if err != nil {
		ev.Error = err.Error()
		s.logger.Warn("connection failed", "peer", peer, "host", serverName, "err", err)
	}
	s.hub.Publish(ev)
}

// passthrough tunnels the connection to its original destination untouched.
// The replayed ClientHello reaches the real server exactly as the client
// sent it, so certificate pinning and ALPN behave as if we were not there.
func (s *Server) passthrough(ctx context.Context, conn net.Conn, host string) (bytesIn, bytesOut int64, err error) {
	addr := net.JoinHostPort(host, s.upstreamPort)
	dial := s.upstreams.dial
	dctx, cancel := context.WithTimeout(ctx, s.dialTimeout)
	upstream, err := dial(dctx, "tcp", addr)
	cancel()
	if err != nil {
		return 0, 0, fmt.Errorf("dial passthrough %s: %w", addr, err)
	}
	metered := &meteredConn{Conn: upstream}
	err = iocopy.Bidirectional(metered, conn)
	return metered.written.Load(), metered.read.Load(), err
}

// meteredConn counts traffic through an upstream connection. Writes are
// client-to-server bytes, reads are server-to-client.
type meteredConn struct {
	net.Conn
	read    atomic.Int64
	written atomic.Int64
}

func (c *meteredConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	c.read.Add(int64(n))
	return n, err
}

func (c *meteredConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	c.written.Add(int64(n))
	return n, err
}
