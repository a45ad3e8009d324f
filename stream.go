package cursorproxy

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/Distracted-E421/nixos-cursor-sub001/inject"
	"github.com/Distracted-E421/nixos-cursor-sub001/internal/pool"
	"github.com/Distracted-E421/nixos-cursor-sub001/profile"
	"github.com/Distracted-E421/nixos-cursor-sub001/tap"
)

var streamBodyBufferPool = pool.NewBytes(16 * 1024)

// streamHandler serves the HTTP/2 streams of one intercepted connection.
// Each stream is forwarded over the pooled upstream connection for host; for
// framed RPC streams the first message is captured, rewritten and sent on
// before the rest of the stream is relayed untouched. Only the head is ever
// held back, so a stream where the server talks before the client finishes
// cannot deadlock on us.
func (s *Server) streamHandler(host string) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		start := time.Now()
		ctx := req.Context()

		cc, err := s.upstreams.conn(ctx, host)
		if err != nil {
			s.streamFailed(host, req, err)
			panic(http.ErrAbortHandler)
		}

		if req.Header.Get(s.checksumHeader) == "" {
			// The backend rejects unauthenticated streams; worth surfacing
			// when a client arrives without its integrity header.
			s.logger.Debug("stream has no checksum header", "host", host, "path", req.URL.Path)
		}

		// One snapshot covers the whole message: the head mutation and the
		// header rewrite must never see different profiles.
		prof := s.profiles.Snapshot()

		body := io.Reader(req.Body)
		injected, headBytes := 0, 0
		if isFramedRPC(req.Header) {
			head, err := captureHead(req.Body, s.maxHeadSize)
			if err != nil {
				s.streamFailed(host, req, err)
				panic(http.ErrAbortHandler)
			}
			if head.ok {
				payload := head.payload
				payload, injected = s.injectHead(prof, payload, req.URL.Path)
				headBytes = envelopeSize + len(payload)
				body = io.MultiReader(bytes.NewReader(head.frame(payload)), req.Body)
			} else {
				// Stream ended inside the head. Forward what arrived.
				body = bytes.NewReader(head.raw)
				headBytes = len(head.raw)
			}
		}

		outReq := req.Clone(ctx)
		outReq.URL.Scheme = "https"
		outReq.URL.Host = req.Host
		outReq.RequestURI = ""
		outReq.Header = s.prepareUpstreamHeader(prof, req.Header, injected > 0)
		outReq.Body = io.NopCloser(body)
		outReq.ContentLength = -1

		s.hub.Publish(tap.Event{
			Type:      tap.EventStreamHead,
			Host:      host,
			Peer:      req.RemoteAddr,
			Path:      req.URL.Path,
			Injected:  injected,
			HeadBytes: headBytes,
		})

		resp, err := cc.RoundTrip(outReq)
		if err != nil {
			s.streamFailed(host, req, err)
			panic(http.ErrAbortHandler)
		}
		defer resp.Body.Close()

		copyResponseHeader(rw.Header(), resp.Header)
		rw.WriteHeader(resp.StatusCode)
		if err := forwardStreamBody(rw, resp.Body); err != nil {
			s.streamFailed(host, req, err)
			return
		}
		for k, vv := range resp.Trailer {
			for _, v := range vv {
				rw.Header().Add(http2.TrailerPrefix+k, v)
			}
		}

		s.hub.Publish(tap.Event{
			Type:       tap.EventStreamClosed,
			Host:       host,
			Peer:       req.RemoteAddr,
			Path:       req.URL.Path,
			DurationMs: float64(time.Since(start)) / float64(time.Millisecond),
		})
	})
}

// injectHead applies one profile snapshot to a captured head payload. Any
// injection failure leaves the payload untouched; a client message is never
// worth losing over a bad profile.
func (s *Server) injectHead(prof *profile.Profile, payload []byte, path string) ([]byte, int) {
	if !prof.Enabled {
		return payload, 0
	}
	entries := injectionEntries(prof)
	if len(entries) == 0 {
		return payload, 0
	}
	mutated, err := inject.Apply(payload, prof.Path(), entries)
	if err != nil {
		if errors.Is(err, inject.ErrPathNotFound) {
			s.logger.Debug("field path absent, forwarding head unchanged", "path", path)
		} else {
			s.logger.Warn("injection failed, forwarding head unchanged", "path", path, "err", err)
		}
		return payload, 0
	}
	return mutated, len(entries)
}

// injectionEntries flattens a profile into the entry list to prepend. The
// system prompt always comes first, then the content blocks in file order.
func injectionEntries(p *profile.Profile) []inject.Entry {
	entries := make([]inject.Entry, 0, len(p.ContentBlocks)+1)
	if p.SystemPrompt != "" {
		entries = append(entries, inject.Entry{
			Name:    "system",
			Content: p.SystemPrompt,
			Kind:    profile.KindSystemPrompt,
		})
	}
	for _, b := range p.ContentBlocks {
		kind := b.Kind
		if kind == 0 {
			kind = profile.KindContextBlock
		}
		entries = append(entries, inject.Entry{Name: b.Name, Content: b.Content, Kind: kind})
	}
	return entries
}

// isFramedRPC reports whether the stream body uses the length-prefixed RPC
// framing we know how to rewrite. Anything else is relayed as-is.
func isFramedRPC(h http.Header) bool {
	ct := h.Get(HttpHeaderContentType)
	return strings.HasPrefix(ct, "application/connect") || strings.HasPrefix(ct, "application/grpc")
}

func (s *Server) streamFailed(host string, req *http.Request, err error) {
	s.logger.Warn("stream failed", "host", host, "path", req.URL.Path, "err", err)
	s.hub.Publish(tap.Event{
		Type:  tap.EventStreamClosed,
		Host:  host,
		Peer:  req.RemoteAddr,
		Path:  req.URL.Path,
		Error: err.Error(),
	})
}

// forwardStreamBody copies the upstream response to the client, flushing
// after every chunk so server-streamed messages arrive as they are produced
// rather than when a buffer fills.
func forwardStreamBody(rw http.ResponseWriter, body io.Reader) error {
	flusher, _ := rw.(http.Flusher)
	buffer := streamBodyBufferPool.Get()
	defer streamBodyBufferPool.Put(buffer)
	for {
		n, err := body.Read(*buffer)
		if n > 0 {
			if _, writeErr := rw.Write((*buffer)[:n]); writeErr != nil {
				return writeErr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
