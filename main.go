package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"parley/server/internal/config"
	"parley/server/internal/httpapi"
	"parley/server/internal/server"
	"parley/server/internal/store"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	// Admin subcommands (version, status, channels, sessions, backup) run
	// against the database directly and bypass the server path.
	if len(os.Args) > 1 && !strings.HasPrefix(os.Args[1], "-") {
		if RunCLI(os.Args[1:], cfg.DBPath) {
			return
		}
	}

	flag.StringVar(&cfg.Host, "host", cfg.Host, "Host/IP to bind")
	flag.IntVar(&cfg.Port, "port", cfg.Port, "Port to listen on")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Database file path")
	flag.BoolVar(&cfg.NoTLS, "no-tls", cfg.NoTLS, "Disable TLS (development only)")
	flag.StringVar(&cfg.CertFile, "cert", cfg.CertFile, "TLS certificate file")
	flag.StringVar(&cfg.KeyFile, "key", cfg.KeyFile, "TLS private key file")
	flag.StringVar(&cfg.APIAddr, "api-addr", cfg.APIAddr, "Admin HTTP API listen address (empty disables)")
	flag.BoolVar(&cfg.Debug, "debug", cfg.Debug, "Enable debug logging (auto-enabled for dev builds)")
	flag.Parse()

	// Auto-enable debug logging for dev builds; override with -debug flag.
	level := slog.LevelInfo
	if cfg.Debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("starting server", "version", Version, "host", cfg.Host, "port", cfg.Port, "db", cfg.DBPath)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		slog.Error("open sqlite store", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("close sqlite store", "err", closeErr)
		}
	}()

	srvCfg := server.Config{
		Addr:        net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		IdleTimeout: cfg.IdleTimeout,
	}
	if !cfg.NoTLS {
		tlsConf, err := loadTLSConfig(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			slog.Error("load TLS configuration", "err", err)
			os.Exit(1)
		}
		srvCfg.TLS = tlsConf
	}

	srv := server.New(srvCfg, st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("received interrupt, shutting down")
		cancel()
	}()

	if cfg.APIAddr != "" {
		api := httpapi.New(st, srv.Registry(), srv)
		go func() {
			if err := api.Run(ctx, cfg.APIAddr); err != nil {
				slog.Error("admin api error", "err", err)
			}
		}()
		slog.Info("admin api listening", "addr", cfg.APIAddr)
	}

	if err := srv.Run(ctx, nil); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
