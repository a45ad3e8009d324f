package cursorproxy

import (
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/Distracted-E421/nixos-cursor-sub001/profile"
	"github.com/Distracted-E421/nixos-cursor-sub001/tap"
)

type Option interface {
	apply(*options)
}

type OptionFunc func(*options)

func (f OptionFunc) apply(o *options) { f(o) }

// options holds all configuration parameters for the proxy server.
type options struct {
	caCertPath     string           // Path to the CA certificate used to sign minted leaves
	caKeyPath      string           // Path to the matching CA private key
	interceptHosts []string         // Hosts whose TLS is terminated (supports wildcards)
	profiles       *profile.Store   // Injection profile source
	logger         *slog.Logger     // Structured logger; slog.Default() if unset
	hub            *tap.Hub         // Optional traffic event sink
	upstreamPort   string           // Port appended to SNI hosts when dialing upstream
	upstreamDial   dialFunc         // Custom dialer for outbound connections
	upstreamTLS    *tls.Config      // TLS client config for upstream connections
	dialTimeout    time.Duration    // Dial and handshake deadline per upstream attempt
	maxHeadSize    uint32           // Largest accepted first-message payload per stream
	checksumHeader string           // Integrity header forwarded verbatim
	versionHeader  string           // Header rewritten when a spoofed version is configured
}

func newOptions(opt ...Option) *options {
	options := &options{
		interceptHosts: []string{"api2.cursor.sh"},
		upstreamPort:   "443",
		dialTimeout:    15 * time.Second,
		maxHeadSize:    4 * 1024 * 1024,
		checksumHeader: DefaultChecksumHeader,
		versionHeader:  DefaultVersionHeader,
	}
	for _, o := range opt {
		o.apply(options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}
	return options
}

// WithCACertPath specifies the path to the CA certificate file.
// This certificate signs the per-host leaf certificates presented to
// intercepted clients, so the client machine must trust it.
func WithCACertPath(caCertPath string) Option {
	return OptionFunc(func(o *options) {
		o.caCertPath = caCertPath
	})
}

// WithCAKeyPath specifies the path to the CA private key file.
// The key must match the certificate given to WithCACertPath.
func WithCAKeyPath(caKeyPath string) Option {
	return OptionFunc(func(o *options) {
		o.caKeyPath = caKeyPath
	})
}

// WithInterceptHosts replaces the set of hosts whose TLS is terminated and
// inspected. Connections to any other host are tunneled untouched.
//
// Supports wildcard patterns:
//   - "api2.cursor.sh" - exact match
//   - "*.cursor.sh" - matches any direct subdomain
//
// The default is the single host "api2.cursor.sh".
func WithInterceptHosts(hosts ...string) Option {
	return OptionFunc(func(o *options) {
		o.interceptHosts = hosts
	})
}

// WithProfiles sets the injection profile store. Without one the proxy still
// intercepts and relays but never mutates a message.
func WithProfiles(store *profile.Store) Option {
	return OptionFunc(func(o *options) {
		o.profiles = store
	})
}

// WithLogger sets the structured logger used for connection and stream
// lifecycle events.
func WithLogger(logger *slog.Logger) Option {
	return OptionFunc(func(o *options) {
		o.logger = logger
	})
}

// WithTap attaches an event hub that receives a live feed of connection and
// stream events for observation over websocket.
func WithTap(hub *tap.Hub) Option {
	return OptionFunc(func(o *options) {
		o.hub = hub
	})
}

// WithUpstreamPort overrides the port dialed on upstream hosts.
// The default is "443".
func WithUpstreamPort(port string) Option {
	return OptionFunc(func(o *options) {
		o.upstreamPort = port
	})
}

// WithUpstreamDialer sets a custom dialer for outbound connections. Useful
// for routing upstream traffic through another socket or, in tests, at a
// local listener standing in for the real backend.
func WithUpstreamDialer(dial dialFunc) Option {
	return OptionFunc(func(o *options) {
		o.upstreamDial = dial
	})
}

// WithUpstreamTLSConfig sets the TLS client configuration used when dialing
// upstream hosts. ServerName defaults to the intercepted SNI when empty.
func WithUpstreamTLSConfig(cfg *tls.Config) Option {
	return OptionFunc(func(o *options) {
		o.upstreamTLS = cfg
	})
}

// WithDialTimeout bounds each upstream dial and TLS handshake.
// The default is 15 seconds.
func WithDialTimeout(timeout time.Duration) Option {
	return OptionFunc(func(o *options) {
		o.dialTimeout = timeout
	})
}

// WithMaxHeadSize caps the declared length of the first framed message on a
// stream. A head above the cap resets the stream instead of buffering it.
// The default is 4 MiB.
func WithMaxHeadSize(max uint32) Option {
	return OptionFunc(func(o *options) {
		o.maxHeadSize = max
	})
}

// WithChecksumHeader overrides the name of the client integrity header that
// must reach the backend unmodified.
func WithChecksumHeader(name string) Option {
	return OptionFunc(func(o *options) {
		o.checksumHeader = name
	})
}

// WithVersionHeader overrides the name of the client version header that is
// rewritten when the active profile configures a spoofed version.
func WithVersionHeader(name string) Option {
	return OptionFunc(func(o *options) {
		o.versionHeader = name
	})
}
