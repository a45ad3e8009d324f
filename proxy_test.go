package cursorproxy_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/http2"
	"google.golang.org/protobuf/encoding/protowire"

	cursorproxy "github.com/Distracted-E421/nixos-cursor-sub001"
	"github.com/Distracted-E421/nixos-cursor-sub001/inject"
	"github.com/Distracted-E421/nixos-cursor-sub001/internal/certauth"
	"github.com/Distracted-E421/nixos-cursor-sub001/profile"
)

const (
	interceptedHost = "api2.cursor.sh"
	passthroughHost = "files.example.org"
)

// capturedRequest is what the fake backend remembers about one stream.
type capturedRequest struct {
	header http.Header
	body   []byte
}

// backend is an in-process TLS server standing in for the real API. It
// serves both HTTP/2 RPC capture and plain HTTP/1.1 echo, presenting a
// certificate for whatever SNI arrives.
type backend struct {
	authority *certauth.Authority
	addr      string

	mu       sync.Mutex
	captured map[string]*capturedRequest
}

func startBackend(t *testing.T) *backend {
	t.Helper()
	authority, err := certauth.Generate("backend test root", 1)
	if err != nil {
		t.Fatal(err)
	}
	b := &backend{authority: authority, captured: make(map[string]*capturedRequest)}

	mux := http.NewServeMux()
	mux.HandleFunc("/capture", b.handleCapture)
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		// Drain the full request before responding: writing while the
		// client is still sending makes the server abort the body read.
		body, _ := io.ReadAll(r.Body)
		w.Write(body)
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	b.addr = ln.Addr().String()

	server := &http.Server{
		Handler: mux,
		TLSConfig: &tls.Config{
			GetCertificate: func(chi *tls.ClientHelloInfo) (*tls.Certificate, error) {
				leaf, err := authority.Leaf(chi.ServerName)
				return &leaf, err
			},
			NextProtos: []string{"h2", "http/1.1"},
		},
	}
	go server.ServeTLS(ln, "", "")
	t.Cleanup(func() { server.Close() })
	return b
}

func (b *backend) handleCapture(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	b.mu.Lock()
	b.captured[r.Header.Get("X-Test-Id")] = &capturedRequest{
		header: r.Header.Clone(),
		body:   body,
	}
	b.mu.Unlock()

	w.Header().Set("Trailer", "Rpc-Status")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ack"))
	w.Header().Set("Rpc-Status", "0")
}

func (b *backend) rootPool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(b.authority.CertPEM())
	return pool
}

func (b *backend) get(id string) *capturedRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.captured[id]
}

// startProxy runs a proxy whose every upstream dial lands on the backend.
func startProxy(t *testing.T, b *backend, store *profile.Store) (addr string, caPool *x509.CertPool) {
	t.Helper()
	dir := t.TempDir()
	caCertPath := filepath.Join(dir, "ca.crt")
	caKeyPath := filepath.Join(dir, "ca.key")
	authority, err := certauth.Generate("proxy test root", 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := authority.WriteFiles(caCertPath, caKeyPath); err != nil {
		t.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	server, err := cursorproxy.New(
		cursorproxy.WithCACertPath(caCertPath),
		cursorproxy.WithCAKeyPath(caKeyPath),
		cursorproxy.WithInterceptHosts(interceptedHost),
		cursorproxy.WithProfiles(store),
		cursorproxy.WithLogger(logger),
		cursorproxy.WithUpstreamDialer(func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, b.addr)
		}),
		cursorproxy.WithUpstreamTLSConfig(&tls.Config{RootCAs: b.rootPool()}),
	)
	if err != nil {
		t.Fatal(err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go server.Serve(ctx, ln)
	t.Cleanup(cancel)

	caPool = x509.NewCertPool()
	caPool.AppendCertsFromPEM(server.CACertPEM())
	return ln.Addr().String(), caPool
}

// rpcClient speaks HTTP/2 to the proxy while believing it talks to the
// intercepted host.
func rpcClient(proxyAddr string, caPool *x509.CertPool) *http.Client {
	transport := &http2.Transport{
		DialTLSContext: func(ctx context.Context, network, _ string, _ *tls.Config) (net.Conn, error) {
			return tls.Dial(network, proxyAddr, &tls.Config{
				ServerName: interceptedHost,
				RootCAs:    caPool,
				NextProtos: []string{"h2"},
			})
		},
	}
	return &http.Client{Transport: transport}
}

func wireFrame(flags byte, payload []byte) []byte {
	out := make([]byte, 0, 5+len(payload))
	out = append(out, flags)
	out = binary.BigEndian.AppendUint32(out, uint32(len(payload)))
	return append(out, payload...)
}

// sampleConversation builds a request payload with one existing entry plus
// sibling fields on both nesting levels.
func sampleConversation(marker string) []byte {
	entry := protowire.AppendTag(nil, 1, protowire.BytesType)
	sub := protowire.AppendTag(nil, 1, protowire.BytesType)
	sub = protowire.AppendBytes(sub, []byte(marker))
	entry = protowire.AppendBytes(entry, sub)

	conversation := entry
	conversation = protowire.AppendTag(conversation, 3, protowire.VarintType)
	conversation = protowire.AppendVarint(conversation, 9)

	payload := protowire.AppendTag(nil, 1, protowire.VarintType)
	payload = protowire.AppendVarint(payload, 7)
	payload = protowire.AppendTag(payload, 2, protowire.BytesType)
	payload = protowire.AppendBytes(payload, conversation)
	payload = protowire.AppendTag(payload, 5, protowire.BytesType)
	payload = protowire.AppendBytes(payload, []byte("tail"))
	return payload
}

// entryNames walks the captured payload to the conversation field and
// returns the name of every entry in order.
func entryNames(t *testing.T, payload []byte) []string {
	t.Helper()
	var names []string
	for len(payload) > 0 {
		num, typ, n := protowire.ConsumeTag(payload)
		if n < 0 {
			t.Fatal("bad tag in captured payload")
		}
		payload = payload[n:]
		if num == 2 && typ == protowire.BytesType {
			conversation, n := protowire.ConsumeBytes(payload)
			if n < 0 {
				t.Fatal("bad conversation field")
			}
			for len(conversation) > 0 {
				cnum, ctyp, cn := protowire.ConsumeTag(conversation)
				if cn < 0 {
					t.Fatal("bad tag in conversation")
				}
				conversation = conversation[cn:]
				if cnum == 1 && ctyp == protowire.BytesType {
					entry, en := protowire.ConsumeBytes(conversation)
					if en < 0 {
						t.Fatal("bad entry field")
					}
					names = append(names, entryName(t, entry))
					conversation = conversation[en:]
					continue
				}
				cn = protowire.ConsumeFieldValue(cnum, ctyp, conversation)
				if cn < 0 {
					t.Fatal("bad field value in conversation")
				}
				conversation = conversation[cn:]
			}
			return names
		}
		n = protowire.ConsumeFieldValue(num, typ, payload)
		if n < 0 {
			t.Fatal("bad field value in captured payload")
		}
		payload = payload[n:]
	}
	return names
}

func entryName(t *testing.T, entry []byte) string {
	t.Helper()
	for len(entry) > 0 {
		num, typ, n := protowire.ConsumeTag(entry)
		if n < 0 {
			t.Fatal("bad tag in entry")
		}
		entry = entry[n:]
		if num == 1 && typ == protowire.BytesType {
			name, n := protowire.ConsumeBytes(entry)
			if n < 0 {
				t.Fatal("bad name field")
			}
			return string(name)
		}
		n = protowire.ConsumeFieldValue(num, typ, entry)
		if n < 0 {
			t.Fatal("bad field value in entry")
		}
		entry = entry[n:]
	}
	return ""
}

func activeProfile() *profile.Profile {
	return &profile.Profile{
		Enabled:      true,
		SystemPrompt: "always answer in haiku",
		ContentBlocks: []profile.ContentBlock{
			{Name: "notes", Content: "project context"},
		},
		ExtraHeaders:   map[string]string{"X-Ghost-Mode": "true"},
		SpoofedVersion: "1.2.3",
	}
}

func TestInterceptedStreamGetsInjectedHead(t *testing.T) {
	b := startBackend(t)
	prof := activeProfile()
	proxyAddr, caPool := startProxy(t, b, profile.Static(prof))
	client := rpcClient(proxyAddr, caPool)

	original := sampleConversation("user question")
	trailing := wireFrame(0, []byte("second message, untouched"))
	body := append(wireFrame(0, original), trailing...)

	req, _ := http.NewRequest(http.MethodPost,
		fmt.Sprintf("https://%s/capture", interceptedHost), bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/connect+proto")
	req.Header.Set("X-Test-Id", "inject")
	req.Header.Set("X-Cursor-Checksum", "abc123checksum")
	req.Header.Set("X-Cursor-Client-Version", "0.0.1")

	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	respBody, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(respBody) != "ack" {
		t.Fatalf("response = %d %q", resp.StatusCode, respBody)
	}
	if got := resp.Trailer.Get("Rpc-Status"); got != "0" {
		t.Errorf("trailer Rpc-Status = %q, want 0", got)
	}

	captured := b.get("inject")
	if captured == nil {
		t.Fatal("backend saw no request")
	}

	// The head must be the locally computed mutation, the rest untouched.
	expectedHead, err := inject.Apply(original, prof.Path(), []inject.Entry{
		{Name: "system", Content: prof.SystemPrompt, Kind: profile.KindSystemPrompt},
		{Name: "notes", Content: "project context", Kind: profile.KindContextBlock},
	})
	if err != nil {
		t.Fatal(err)
	}
	expected := append(wireFrame(0, expectedHead), trailing...)
	if !bytes.Equal(captured.body, expected) {
		t.Errorf("backend body mismatch:\n got %x\nwant %x", captured.body, expected)
	}

	names := entryNames(t, captured.body[5:5+len(expectedHead)])
	want := []string{"system", "notes", "user question"}
	if len(names) != len(want) {
		t.Fatalf("entry names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("entry[%d] = %q, want %q", i, names[i], want[i])
		}
	}

	if got := captured.header.Get("X-Cursor-Checksum"); got != "abc123checksum" {
		t.Errorf("checksum header = %q, want original value", got)
	}
	if got := captured.header.Get("X-Cursor-Client-Version"); got != "1.2.3" {
		t.Errorf("version header = %q, want spoofed 1.2.3", got)
	}
	if got := captured.header.Get("X-Ghost-Mode"); got != "true" {
		t.Errorf("extra header X-Ghost-Mode = %q, want true", got)
	}
	if got := captured.header.Get("Content-Length"); got != "" {
		t.Errorf("content-length %q leaked through after mutation", got)
	}
}

func TestHeadWithoutFieldPathForwardedUnchanged(t *testing.T) {
	b := startBackend(t)
	proxyAddr, caPool := startProxy(t, b, profile.Static(activeProfile()))
	client := rpcClient(proxyAddr, caPool)

	// No field 2 anywhere, so the configured path cannot match.
	payload := protowire.AppendTag(nil, 7, protowire.BytesType)
	payload = protowire.AppendBytes(payload, []byte("unrelated message"))
	body := wireFrame(0, payload)

	req, _ := http.NewRequest(http.MethodPost,
		fmt.Sprintf("https://%s/capture", interceptedHost), bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/connect+proto")
	req.Header.Set("X-Test-Id", "nopath")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	captured := b.get("nopath")
	if captured == nil {
		t.Fatal("backend saw no request")
	}
	if !bytes.Equal(captured.body, body) {
		t.Errorf("body changed despite absent field path:\n got %x\nwant %x", captured.body, body)
	}
}

func TestDisabledProfileForwardsUnchanged(t *testing.T) {
	b := startBackend(t)
	proxyAddr, caPool := startProxy(t, b, profile.Static(&profile.Profile{}))
	client := rpcClient(proxyAddr, caPool)

	body := wireFrame(0, sampleConversation("hello"))
	req, _ := http.NewRequest(http.MethodPost,
		fmt.Sprintf("https://%s/capture", interceptedHost), bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/connect+proto")
	req.Header.Set("X-Test-Id", "disabled")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	captured := b.get("disabled")
	if captured == nil {
		t.Fatal("backend saw no request")
	}
	if !bytes.Equal(captured.body, body) {
		t.Error("body changed with injection disabled")
	}
}

func TestPassthroughIsLossless(t *testing.T) {
	b := startBackend(t)
	proxyAddr, _ := startProxy(t, b, profile.Static(activeProfile()))

	transport := &http.Transport{
		DialTLSContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			// The proxy only sees the SNI; TLS is negotiated with the backend.
			return tls.Dial(network, proxyAddr, &tls.Config{
				ServerName: passthroughHost,
				RootCAs:    b.rootPool(),
				NextProtos: []string{"http/1.1"},
			})
		},
	}
	client := &http.Client{Transport: transport}

	for _, size := range []int{100, 64 * 1024, 10 * 1024 * 1024} {
		payload := make([]byte, size)
		if _, err := rand.Read(payload); err != nil {
			t.Fatal(err)
		}
		resp, err := client.Post(
			fmt.Sprintf("https://%s/echo", passthroughHost),
			"application/octet-stream", bytes.NewReader(payload))
		if err != nil {
			t.Fatalf("size %d: %v", size, err)
		}
		echoed, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("size %d: read echo: %v", size, err)
		}
		if !bytes.Equal(echoed, payload) {
			t.Errorf("size %d: echo mismatch, got %d bytes back", size, len(echoed))
		}
	}
}

// A client that stalls in the middle of its head message holds only its own
// stream; other streams on the same connection must keep flowing.
func TestStalledHeadDoesNotBlockOtherStreams(t *testing.T) {
	b := startBackend(t)
	proxyAddr, caPool := startProxy(t, b, profile.Static(activeProfile()))
	client := rpcClient(proxyAddr, caPool)

	pr, pw := io.Pipe()
	stalledDone := make(chan error, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodPost,
			fmt.Sprintf("https://%s/capture", interceptedHost), pr)
		req.Header.Set("Content-Type", "application/connect+proto")
		req.Header.Set("X-Test-Id", "stalled")
		resp, err := client.Do(req)
		if err != nil {
			stalledDone <- err
			return
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		stalledDone <- nil
	}()

	// Hand the proxy a partial envelope and then go quiet, leaving its head
	// capture blocked mid-read.
	if _, err := pw.Write([]byte{0x00, 0x00, 0x00}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	body := wireFrame(0, sampleConversation("unblocked"))
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("https://%s/capture", interceptedHost), bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/connect+proto")
	req.Header.Set("X-Test-Id", "unblocked")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("second stream blocked behind a stalled head: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second stream status = %d", resp.StatusCode)
	}
	if b.get("unblocked") == nil {
		t.Fatal("backend never saw the second stream")
	}

	// Release the stalled stream; its partial bytes are forwarded as-is.
	pw.Close()
	if err := <-stalledDone; err != nil {
		t.Fatalf("stalled stream failed after release: %v", err)
	}
	captured := b.get("stalled")
	if captured == nil {
		t.Fatal("backend never saw the released stream")
	}
	if !bytes.Equal(captured.body, []byte{0x00, 0x00, 0x00}) {
		t.Errorf("released stream body = %x, want the partial envelope bytes", captured.body)
	}
}

func TestConcurrentStreamsStayIsolated(t *testing.T) {
	b := startBackend(t)
	prof := activeProfile()
	proxyAddr, caPool := startProxy(t, b, profile.Static(prof))
	client := rpcClient(proxyAddr, caPool)

	const streams = 10
	var wg sync.WaitGroup
	errs := make(chan error, streams)
	for i := 0; i < streams; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			marker := fmt.Sprintf("stream-%d", i)
			body := wireFrame(0, sampleConversation(marker))
			req, _ := http.NewRequest(http.MethodPost,
				fmt.Sprintf("https://%s/capture", interceptedHost), bytes.NewReader(body))
			req.Header.Set("Content-Type", "application/connect+proto")
			req.Header.Set("X-Test-Id", marker)
			resp, err := client.Do(req)
			if err != nil {
				errs <- fmt.Errorf("%s: %w", marker, err)
				return
			}
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			errs <- nil
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}

	for i := 0; i < streams; i++ {
		marker := fmt.Sprintf("stream-%d", i)
		captured := b.get(marker)
		if captured == nil {
			t.Fatalf("%s: backend saw no request", marker)
		}
		names := entryNames(t, captured.body[5:])
		want := []string{"system", "notes", marker}
		if len(names) != len(want) {
			t.Fatalf("%s: entry names = %v, want %v", marker, names, want)
		}
		for j := range want {
			if names[j] != want[j] {
				t.Errorf("%s: entry[%d] = %q, want %q", marker, j, names[j], want[j])
			}
		}
	}
}
