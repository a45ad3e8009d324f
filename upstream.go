package cursorproxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/sync/singleflight"
)

// dialFunc opens the raw transport connection to an upstream address.
// Swappable so tests can point "api2.cursor.sh:443" at a local listener.
type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// upstreamPool keeps one HTTP/2 connection per backend host. All streams for
// a host multiplex over that single connection; concurrent first requests
// for the same host collapse into one dial. A connection that has died or
// exhausted its stream IDs is dropped and redialed on the next request.
type upstreamPool struct {
	dial      dialFunc
	tlsConfig *tls.Config
	port      string
	timeout   time.Duration

	transport *http2.Transport

	mu    sync.RWMutex
	conns map[string]*http2.ClientConn
	group singleflight.Group
}

func newUpstreamPool(dial dialFunc, tlsConfig *tls.Config, port string, timeout time.Duration) *upstreamPool {
	if dial == nil {
		d := &net.Dialer{Timeout: timeout}
		dial = d.DialContext
	}
	p := &upstreamPool{
		dial:      dial,
		tlsConfig: tlsConfig,
		port:      port,
		timeout:   timeout,
		conns:     make(map[string]*http2.ClientConn),
	}
	p.transport = &http2.Transport{
		ReadIdleTimeout: 30 * time.Second,
		PingTimeout:     15 * time.Second,
	}
	return p
}

// conn returns the live HTTP/2 connection for host, dialing one if needed.
func (p *upstreamPool) conn(ctx context.Context, host string) (*http2.ClientConn, error) {
	p.mu.RLock()
	cc := p.conns[host]
	p.mu.RUnlock()
	if cc != nil && cc.CanTakeNewRequest() {
		return cc, nil
	}

	v, err, _ := p.group.Do(host, func() (any, error) {
		p.mu.RLock()
		cc := p.conns[host]
		p.mu.RUnlock()
		if cc != nil && cc.CanTakeNewRequest() {
			return cc, nil
		}
		return p.redial(ctx, host)
	})
	if err != nil {
		return nil, err
	}
	return v.(*http2.ClientConn), nil
}

func (p *upstreamPool) redial(ctx context.Context, host string) (*http2.ClientConn, error) {
	addr := net.JoinHostPort(host, p.port)
	rawConn, err := p.dial(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial upstream %s: %w", addr, err)
	}

	cfg := &tls.Config{
		ServerName: host,
		NextProtos: []string{"h2"},
	}
	if p.tlsConfig != nil {
		cfg = p.tlsConfig.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = host
		}
		cfg.NextProtos = []string{"h2"}
	}

	tlsConn := tls.Client(rawConn, cfg)
	hctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(hctx); err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("upstream tls handshake with %s: %w", addr, err)
	}
	if proto := tlsConn.ConnectionState().NegotiatedProtocol; proto != "h2" {
		tlsConn.Close()
		return nil, fmt.Errorf("upstream %s negotiated %q, need h2", addr, proto)
	}

	cc, err := p.transport.NewClientConn(tlsConn)
	if err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("init http2 connection to %s: %w", addr, err)
	}

	p.mu.Lock()
	if old := p.conns[host]; old != nil {
		go old.Close()
	}
	p.conns[host] = cc
	p.mu.Unlock()
	return cc, nil
}

// dialRelay opens a plain TLS connection for non-HTTP/2 intercepted traffic.
func (p *upstreamPool) dialRelay(ctx context.Context, host string, alpn []string) (*tls.Conn, error) {
	addr := net.JoinHostPort(host, p.port)
	rawConn, err := p.dial(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial upstream %s: %w", addr, err)
	}

	cfg := &tls.Config{ServerName: host}
	if p.tlsConfig != nil {
		cfg = p.tlsConfig.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = host
		}
	}
	cfg.NextProtos = alpn

	tlsConn := tls.Client(rawConn, cfg)
	hctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(hctx); err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("upstream tls handshake with %s: %w", addr, err)
	}
	return tlsConn, nil
}

func (p *upstreamPool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for host, cc := range p.conns {
		cc.Close()
		delete(p.conns, host)
	}
}
