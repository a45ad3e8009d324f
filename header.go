package cursorproxy

import (
	"net/http"

	"github.com/Distracted-E421/nixos-cursor-sub001/profile"
)

const (
	HttpHeaderConnection       = "Connection"
	HttpHeaderKeepAlive        = "Keep-Alive"
	HttpHeaderTe               = "Te"
	HttpHeaderTrailers         = "Trailers"
	HttpHeaderTransferEncoding = "Transfer-Encoding"
	HttpHeaderUpgrade          = "Upgrade"
	HttpHeaderContentLength    = "Content-Length"
	HttpHeaderContentType      = "Content-Type"

	// Client integrity and identity headers. The checksum value is opaque and
	// must reach the backend byte-for-byte; the version header is what the
	// backend uses for feature gating, so it is the one we rewrite.
	DefaultChecksumHeader = "X-Cursor-Checksum"
	DefaultVersionHeader  = "X-Cursor-Client-Version"
)

// Hop-by-hop headers, meaningful only on a single connection.
// http://www.w3.org/Protocols/rfc2616/rfc2616-sec13.html
var hopByHopHeaders = []string{
	HttpHeaderConnection,
	HttpHeaderKeepAlive,
	HttpHeaderTe,
	HttpHeaderTrailers,
	HttpHeaderTransferEncoding,
	HttpHeaderUpgrade,
}

// prepareUpstreamHeader builds the header set for the outgoing request from
// the intercepted one. Everything the client sent is carried through except
// hop-by-hop headers and Content-Length, which can no longer be correct once
// the body has been mutated. Extra headers and the spoofed version overwrite
// any client value for the same key. The caller supplies the same profile
// snapshot it mutated the body under, so one message never mixes two
// configurations.
func (s *Server) prepareUpstreamHeader(prof *profile.Profile, in http.Header, injected bool) http.Header {
	out := make(http.Header, len(in))
	for k, vv := range in {
		out[k] = append([]string(nil), vv...)
	}
	for _, h := range hopByHopHeaders {
		out.Del(h)
	}
	if injected {
		out.Del(HttpHeaderContentLength)
	}

	for k, v := range prof.ExtraHeaders {
		out.Set(k, v)
	}
	if prof.SpoofedVersion != "" {
		out.Set(s.versionHeader, prof.SpoofedVersion)
	}
	return out
}

// copyResponseHeader carries the upstream response header back to the client,
// again minus hop-by-hop fields. Content-Length stays: response bodies are
// never mutated.
func copyResponseHeader(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append([]string(nil), vv...)
	}
	for _, h := range hopByHopHeaders {
		dst.Del(h)
	}
}
