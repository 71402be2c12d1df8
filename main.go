package main

import (
	"bufio"
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"chatrelay/config"
	"chatrelay/server"
	"chatrelay/store"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("loading configuration")
	}

	st, err := store.New(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("opening store")
	}
	defer st.Close()

	srv := server.New(st, &server.Config{
		Addr:         cfg.Addr,
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
		PingInterval: time.Duration(cfg.PingInterval) * time.Second,
		SendBuffer:   cfg.SendBuffer,
	}, log.Logger)

	go startControlSocket(srv, cfg.ControlSocket)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx, "maintenance"); err != nil {
			log.Error().Err(err).Msg("shutdown")
		}
		os.Remove(cfg.ControlSocket)
	}()

	if err := srv.Run(); err != nil {
		log.Fatal().Err(err).Msg("server")
	}
}

// startControlSocket exposes management commands over a unix socket:
// "stats" and "shutdown[|reason]".
func startControlSocket(srv *server.Server, path string) {
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("control socket unavailable")
		return
	}
	defer listener.Close()
	defer os.Remove(path)

	log.Info().Str("path", path).Msg("control socket listening")

	for {
		conn, err := listener.Accept()
		if err != nil {
			continue
		}
		go handleControlCommand(srv, conn, path)
	}
}

func handleControlCommand(srv *server.Server, conn net.Conn, socketPath string) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return
	}

	parts := strings.SplitN(strings.TrimSpace(line), "|", 2)
	switch parts[0] {
	case "stats":
		conn.Write([]byte("OK|" + srv.Stats() + "\n"))

	case "shutdown":
		reason := "maintenance"
		if len(parts) >= 2 && parts[1] != "" {
			reason = parts[1]
		}

		conn.Write([]byte("OK|Shutting down\n"))
		conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		log.Info().Str("reason", reason).Msg("shutdown requested via control socket")
		if err := srv.Shutdown(ctx, reason); err != nil {
			log.Error().Err(err).Msg("shutdown")
		}
		os.Remove(socketPath)
		os.Exit(0)

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}
