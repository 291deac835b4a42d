package main

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chatrelay/auth"
	"chatrelay/config"
	"chatrelay/db"
	"chatrelay/server"
)

const shutdownTimeout = 15 * time.Second

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg, err := config.Load(logger, "chatrelay")
	if err != nil {
		logger.Error("Failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel()}))
	slog.SetDefault(logger)

	ctx := context.Background()
	store, err := db.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		logger.Error("Failed to initialize database", slog.String("driver", cfg.Store.Driver), slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close()

	srvConfig := &server.ServerConfig{
		Address:         cfg.Server.Address,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		ReadTimeout:     cfg.Transport.ReadTimeout,
		WriteTimeout:    cfg.Transport.WriteTimeout,
		PingInterval:    cfg.Transport.PingInterval,
		SendBuffer:      cfg.Transport.SendBuffer,
		MaxMessageSize:  cfg.Transport.MaxMessageSize,
		UploadDir:       cfg.Uploads.Dir,
		MaxUploadSize:   cfg.Uploads.MaxSize,
		UploadRetention: cfg.Uploads.Retention,
	}

	srv, err := server.New(store, auth.NewCodec(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL), srvConfig, logger)
	if err != nil {
		logger.Error("Failed to create server", slog.Any("error", err))
		os.Exit(1)
	}

	stop := make(chan string, 1)

	// Start control socket for management commands
	go startControlSocket(srv, cfg.Server.ControlSocket, stop, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("Received signal, shutting down", slog.String("signal", sig.String()))
		stop <- "maintenance"
	}()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()

	select {
	case err := <-serveErr:
		if err != nil {
			logger.Error("Server stopped", slog.Any("error", err))
		}
	case reason := <-stop:
		shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		if err := srv.Shutdown(shutdownCtx, reason); err != nil {
			logger.Warn("Shutdown did not complete cleanly", slog.Any("error", err))
		}
		cancel()
	}

	os.Remove(cfg.Server.ControlSocket)
}

func startControlSocket(srv *server.Server, path string, stop chan<- string, logger *slog.Logger) {
	if path == "" {
		return
	}
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		logger.Warn("Failed to create control socket", slog.String("path", path), slog.Any("error", err))
		return
	}
	defer listener.Close()

	logger.Info("Control socket listening", slog.String("path", path))

	for {
		conn, err := listener.Accept()
		if err != nil {
			continue
		}
		go handleControlCommand(srv, conn, stop, logger)
	}
}

// handleControlCommand serves one line of the form "cmd|arg".
func handleControlCommand(srv *server.Server, conn net.Conn, stop chan<- string, logger *slog.Logger) {
	defer conn.Close()

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}
	parts := strings.SplitN(strings.TrimSpace(line), "|", 2)

	switch parts[0] {
	case "stats":
		conn.Write([]byte("OK|" + srv.GetStats() + "\n"))

	case "shutdown":
		reason := "maintenance"
		if len(parts) == 2 && parts[1] != "" {
			reason = parts[1]
		}
		conn.Write([]byte("OK|Shutting down\n"))

		logger.Info("Shutdown requested", slog.String("reason", reason))
		select {
		case stop <- reason:
		default:
		}

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}
