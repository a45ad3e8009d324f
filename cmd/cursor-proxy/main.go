// Command cursor-proxy runs the Cursor traffic interception proxy.
//
//	cursor-proxy start --port 8443 --ca-cert ca.crt --ca-key ca.key --config profile.yaml
//	cursor-proxy gencert --ca-cert ca.crt --ca-key ca.key
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	cursorproxy "github.com/Distracted-E421/nixos-cursor-sub001"
	"github.com/Distracted-E421/nixos-cursor-sub001/internal/certauth"
	"github.com/Distracted-E421/nixos-cursor-sub001/profile"
	"github.com/Distracted-E421/nixos-cursor-sub001/tap"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "start":
		runStart(os.Args[2:])
	case "gencert":
		runGencert(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  cursor-proxy start   --port N --ca-cert FILE --ca-key FILE --config FILE [--verbose] [--tap-addr ADDR]
  cursor-proxy gencert --ca-cert FILE --ca-key FILE [--days N]`)
}

func runStart(args []string) {
	flags := pflag.NewFlagSet("start", pflag.ExitOnError)
	port := flags.Int("port", 8443, "listen port")
	caCert := flags.String("ca-cert", "", "CA certificate path")
	caKey := flags.String("ca-key", "", "CA private key path")
	configPath := flags.String("config", "", "injection profile path")
	verbose := flags.BoolP("verbose", "v", false, "debug logging")
	tapAddr := flags.String("tap-addr", "", "optional websocket event listener, e.g. 127.0.0.1:9444")
	hosts := flags.StringSlice("intercept-host", nil, "hosts to intercept (repeatable, wildcards allowed)")
	upstreamPort := flags.String("upstream-port", "443", "port dialed on upstream hosts")
	flags.Parse(args)

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store *profile.Store
	if *configPath != "" {
		var err error
		store, err = profile.Load(*configPath, logger)
		if err != nil {
			fatal(logger, "load profile", err)
		}
		go func() {
			if err := store.Watch(ctx); err != nil {
				logger.Error("profile watcher stopped", "err", err)
			}
		}()
	}

	var hub *tap.Hub
	if *tapAddr != "" {
		hub = tap.NewHub(logger)
		go func() {
			if err := hub.ListenAndServe(ctx, *tapAddr); err != nil {
				logger.Error("tap listener stopped", "err", err)
			}
		}()
	}

	opts := []cursorproxy.Option{
		cursorproxy.WithCACertPath(*caCert),
		cursorproxy.WithCAKeyPath(*caKey),
		cursorproxy.WithProfiles(store),
		cursorproxy.WithLogger(logger),
		cursorproxy.WithTap(hub),
		cursorproxy.WithUpstreamPort(*upstreamPort),
	}
	if len(*hosts) > 0 {
		opts = append(opts, cursorproxy.WithInterceptHosts(*hosts...))
	}
	server, err := cursorproxy.New(opts...)
	if err != nil {
		fatal(logger, "init proxy", err)
	}
	if err := server.ListenAndServe(ctx, fmt.Sprintf(":%d", *port)); err != nil {
		fatal(logger, "serve", err)
	}
}

func runGencert(args []string) {
	flags := pflag.NewFlagSet("gencert", pflag.ExitOnError)
	caCert := flags.String("ca-cert", "ca.crt", "output certificate path")
	caKey := flags.String("ca-key", "ca.key", "output key path")
	days := flags.Int("days", 3650, "validity period")
	commonName := flags.String("cn", "cursor-proxy root", "certificate common name")
	flags.Parse(args)

	authority, err := certauth.Generate(*commonName, *days)
	if err != nil {
		fatal(slog.Default(), "generate root pair", err)
	}
	if err := authority.WriteFiles(*caCert, *caKey); err != nil {
		fatal(slog.Default(), "write root pair", err)
	}
	fmt.Printf("wrote %s and %s\n", *caCert, *caKey)
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "err", err)
	os.Exit(1)
}
