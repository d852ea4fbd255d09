package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"avl-relay/internal/codec"
	"avl-relay/internal/config"
	"avl-relay/internal/forwarder"
	"avl-relay/internal/link"
	"avl-relay/internal/observability"
	"avl-relay/internal/pipeline"
	"avl-relay/internal/server"
	"avl-relay/internal/store"
	"avl-relay/internal/utilities"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file; environment variables override it")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err := run(cfg, logger); err != nil {
		logger.Error("avl-relay stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	logger.Info("Starting avl-relay...",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"max_connections", cfg.Server.MaxConnections,
		"strict_checksum", cfg.Decoder.StrictChecksum,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := cfg.Decoder.DecoderOptions()
	opts.Logger = logger
	decoder := codec.NewDecoder(opts)

	fwd, err := newForwarder(cfg, logger)
	if err != nil {
		return err
	}
	defer fwd.Close()

	var srvOpts []server.Option
	if cfg.Redis.Addr != "" {
		devices, err := store.NewDeviceStore(ctx, cfg.Redis.Addr, cfg.Redis.DB, cfg.Redis.DeviceTTL(), logger)
		if err != nil {
			// Presence is optional; keep relaying without it.
			logger.Error("Redis init failed, presence disabled", "err", err)
		} else {
			defer devices.Close()
			srvOpts = append(srvOpts, server.WithPresence(devices))
		}
	}
	if cfg.Link.ProxyAddr != "" {
		lc := link.New(cfg.Link.ProxyAddr, logger)
		go lc.Run(ctx)
		srvOpts = append(srvOpts, server.WithDeviceEvents(lc))
	} else {
		logger.Info("link: disabled (no proxy address configured)")
	}
	if cfg.Server.RawLogDir != "" {
		j, err := utilities.NewFrameJournal(cfg.Server.RawLogDir)
		if err != nil {
			return err
		}
		defer j.Close()
		srvOpts = append(srvOpts, server.WithJournal(j))
	}

	srv := server.New(server.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		MaxConnections: cfg.Server.MaxConnections,
		ConnectTimeout: cfg.Server.ConnectTimeout(),
		IdleTimeout:    cfg.Server.IdleTimeout(),
		MaxPacketSize:  cfg.Decoder.MaxPacketSize,
		ServerID:       cfg.Forward.ServerID,
	}, decoder, fwd, logger, srvOpts...)

	ln, err := srv.Listen()
	if err != nil {
		return err
	}

	health := observability.NewHealthServer(fmt.Sprintf(":%d", cfg.Health.Port), func() any { return srv.Status() }, logger)
	if err := health.Start(); err != nil {
		logger.Error("Failed to start health check server", "err", err)
	}

	served := make(chan error, 1)
	go func() { served <- srv.Serve(context.WithoutCancel(ctx), ln) }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, shutting down TCP server...")
	case err := <-served:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("TCP server shutdown incomplete", "err", err)
	}
	if err := health.Stop(shutdownCtx); err != nil {
		logger.Warn("health server shutdown", "err", err)
	}
	return nil
}

func newForwarder(cfg *config.Config, logger *slog.Logger) (forwarder.Forwarder, error) {
	src := pipeline.Source{ServerID: cfg.Forward.ServerID}
	if cfg.Forward.GRPCAddr != "" {
		logger.Info("forwarding over gRPC", "addr", cfg.Forward.GRPCAddr)
		g, err := forwarder.NewGRPC(cfg.Forward.GRPCAddr, cfg.Forward.Timeout(), src, logger)
		if err != nil {
			return nil, err
		}
		return g, nil
	}
	logger.Info("forwarding over HTTP", "url", cfg.Forward.URL)
	return forwarder.NewHTTP(forwarder.HTTPConfig{
		URL:     cfg.Forward.URL,
		Timeout: cfg.Forward.Timeout(),
		Source:  src,
	}, logger), nil
}
