package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/tcpcast/internal/server"
)

func main() {
	color.Cyan("Starting tcpcast relay...")

	// Environment first, flags override it.
	config := server.NewConfigFromEnv()
	flag.StringVar(&config.Host, "host", config.Host, "TCP listen host")
	flag.IntVar(&config.Port, "port", config.Port, "TCP listen port")
	flag.IntVar(&config.Threads, "threads", config.Threads, "Maximum number of connections served at once")
	flag.StringVar(&config.HTTPAddr, "http", config.HTTPAddr, "HTTP/WebSocket listen address, empty to disable")
	flag.StringVar(&config.QUICAddr, "quic", config.QUICAddr, "QUIC listen address, empty to disable")
	logLevel := flag.String("log-level", envOr("LOG_LEVEL", "info"), "Log level: debug, info, warn or error")
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		color.Red("invalid log level %q", *logLevel)
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	config.Logger = logger

	srv, err := server.NewWithConfig(config)
	if err != nil {
		logger.Error("failed to start server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(ctx, config.Threads)
	})

	if config.HTTPAddr != "" {
		ln, err := net.Listen("tcp", config.HTTPAddr)
		if err != nil {
			logger.Error("failed to bind http", "addr", config.HTTPAddr, "error", err)
			os.Exit(1)
		}
		g.Go(func() error {
			return srv.ServeHTTP(ctx, ln)
		})
	}

	if config.QUICAddr != "" {
		ln, err := server.ListenQUIC(config.QUICAddr, nil)
		if err != nil {
			logger.Error("failed to bind quic", "error", err)
			os.Exit(1)
		}
		g.Go(func() error {
			return srv.ServeQUIC(ctx, ln)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
