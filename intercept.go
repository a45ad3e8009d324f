package cursorproxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"golang.org/x/net/http2"

	"github.com/Distracted-E421/nixos-cursor-sub001/internal/iocopy"
)

// intercept terminates the client's TLS with a leaf minted for host, then
// dispatches on the negotiated protocol. HTTP/2 connections are handed to
// the h2 server so each stream can be inspected; anything else is decrypted
// and re-encrypted toward the real host with the bytes relayed opaquely.
func (s *Server) intercept(ctx context.Context, conn net.Conn, host string) error {
	leaf, err := s.authority.Leaf(host)
	if err != nil {
		return err
	}

	tlsConn := tls.Server(conn, &tls.Config{
		Certificates: []tls.Certificate{leaf},
		NextProtos:   []string{http2.NextProtoTLS, "http/1.1"},
	})
	hctx, cancel := context.WithTimeout(ctx, s.dialTimeout)
	err = tlsConn.HandshakeContext(hctx)
	cancel()
	if err != nil {
		return fmt.Errorf("client tls handshake: %w", err)
	}

	if tlsConn.ConnectionState().NegotiatedProtocol == http2.NextProtoTLS {
		s.h2s.ServeConn(tlsConn, &http2.ServeConnOpts{
			Context: ctx,
			Handler: s.streamHandler(host),
		})
		return nil
	}
	return s.relayTLS(ctx, tlsConn, host)
}

// relayTLS carries a non-HTTP/2 intercepted connection to the real host.
// The client's negotiated protocol is offered upstream so both sides end up
// speaking the same thing through us.
func (s *Server) relayTLS(ctx context.Context, clientConn *tls.Conn, host string) error {
	var alpn []string
	if proto := clientConn.ConnectionState().NegotiatedProtocol; proto != "" {
		alpn = []string{proto}
	}
	upstream, err := s.upstreams.dialRelay(ctx, host, alpn)
	if err != nil {
		return err
	}
	return iocopy.Bidirectional(upstream, clientConn)
}
