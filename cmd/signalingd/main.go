// Command signalingd runs the signaling server: it pairs the two ends
// of an order inside a room and relays their negotiation messages.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/avaropoint/rendezvous/internal/config"
	"github.com/avaropoint/rendezvous/internal/msg"
	"github.com/avaropoint/rendezvous/internal/signaling"
	"github.com/avaropoint/rendezvous/internal/socket"
	"github.com/avaropoint/rendezvous/internal/version"
	"github.com/avaropoint/rendezvous/internal/wire"
)

func main() {
	configPath := pflag.String("config", "rendezvous.yaml", "path to config file")
	debug := pflag.Bool("debug", false, "enable debug logging")
	showVersion := pflag.Bool("version", false, "print version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Println("signalingd", version.String())
		return
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	if err := run(*configPath, log); err != nil {
		log.Error("signalingd failed", "err", err)
		os.Exit(1)
	}
}

func run(configPath string, log *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log.Info("starting signalingd", "version", version.String(), "config", configPath)

	registry := wire.NewRegistry()
	if err := msg.RegisterAll(registry); err != nil {
		return fmt.Errorf("register messages: %w", err)
	}

	pool := socket.NewPool(cfg.WorkerPoolSize)
	defer pool.Close()

	disp := socket.NewDispatcher(registry, pool, log)
	svc := signaling.NewService(signaling.NewRegistry(), disp, log)
	if err := svc.Register(disp); err != nil {
		return err
	}

	tlsConf, err := socket.LoadTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		return fmt.Errorf("load tls: %w", err)
	}

	srv := socket.NewServer("signaling", cfg.SignalingListener.Addr(), tlsConf, disp, log)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start signaling listener: %w", err)
	}
	defer srv.Close()

	log.Info("signalingd running",
		"listen", cfg.SignalingListener.Addr(),
		"tls", tlsConf != nil)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info("shutting down", "signal", s.String())
	return nil
}
