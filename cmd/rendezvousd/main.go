// Command rendezvousd runs the rendezvous broker: the controlling and
// controlled device listeners, order placement, and the statistics API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/avaropoint/rendezvous/internal/broker"
	"github.com/avaropoint/rendezvous/internal/config"
	"github.com/avaropoint/rendezvous/internal/msg"
	"github.com/avaropoint/rendezvous/internal/order"
	"github.com/avaropoint/rendezvous/internal/security"
	"github.com/avaropoint/rendezvous/internal/session"
	"github.com/avaropoint/rendezvous/internal/socket"
	"github.com/avaropoint/rendezvous/internal/store"
	"github.com/avaropoint/rendezvous/internal/version"
	"github.com/avaropoint/rendezvous/internal/wire"
)

func main() {
	configPath := pflag.String("config", "rendezvous.yaml", "path to config file")
	debug := pflag.Bool("debug", false, "enable debug logging")
	showVersion := pflag.Bool("version", false, "print version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Println("rendezvousd", version.String())
		return
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	if err := run(*configPath, log); err != nil {
		log.Error("rendezvousd failed", "err", err)
		os.Exit(1)
	}
}

func run(configPath string, log *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log.Info("starting rendezvousd", "version", version.String(), "config", configPath)

	db, err := store.NewSQLiteStore(cfg.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()
	ctx := context.Background()
	if err := db.SeedPool(ctx, cfg.DevicePool.First, int(cfg.DevicePool.Count)); err != nil {
		return fmt.Errorf("seed device pool: %w", err)
	}
	unused, err := db.UnusedCount(ctx)
	if err != nil {
		return fmt.Errorf("count device pool: %w", err)
	}
	log.Info("device pool ready", "unused", unused)

	secret, err := security.LoadOrCreateSecret(cfg.SecretFile)
	if err != nil {
		return fmt.Errorf("load platform secret: %w", err)
	}
	plat, err := security.NewPlatform(secret)
	if err != nil {
		return fmt.Errorf("init platform security: %w", err)
	}

	orders := order.NewBroker(order.Config{
		SignalingHost: cfg.SignalingAdvertise.Host,
		SignalingPort: cfg.SignalingAdvertise.Port,
		Relays:        cfg.Relays,
		Reflexes:      cfg.Reflexes,
	}, plat, db, log)

	registry := wire.NewRegistry()
	if err := msg.RegisterAll(registry); err != nil {
		return fmt.Errorf("register messages: %w", err)
	}

	pool := socket.NewPool(cfg.WorkerPoolSize)
	defer pool.Close()

	controllingDisp := socket.NewDispatcher(registry, pool, log)
	controlledDisp := socket.NewDispatcher(registry, pool, log)
	controllingSess := session.NewRegistry()
	controlledSess := session.NewRegistry()

	controlling := broker.NewControlling(controllingSess, controlledSess, controlledDisp, db, orders, log)
	controlled := broker.NewControlled(controlledSess, controllingSess, controllingDisp, db, orders, log)
	if err := controlling.Register(controllingDisp); err != nil {
		return err
	}
	if err := controlled.Register(controlledDisp); err != nil {
		return err
	}

	tlsConf, err := socket.LoadTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		return fmt.Errorf("load tls: %w", err)
	}

	controllingSrv := socket.NewServer("controlling", cfg.ControllingListener.Addr(), tlsConf, controllingDisp, log)
	if err := controllingSrv.Start(); err != nil {
		return fmt.Errorf("start controlling listener: %w", err)
	}
	defer controllingSrv.Close()

	controlledSrv := socket.NewServer("controlled", cfg.ControlledListener.Addr(), tlsConf, controlledDisp, log)
	if err := controlledSrv.Start(); err != nil {
		return fmt.Errorf("start controlled listener: %w", err)
	}
	defer controlledSrv.Close()

	stats := newStatsServer(cfg.StatsListen, db, controlling, controlled, orders, log)
	if err := stats.Start(); err != nil {
		return fmt.Errorf("start stats listener: %w", err)
	}
	defer stats.Close()

	log.Info("rendezvousd running",
		"controlling", cfg.ControllingListener.Addr(),
		"controlled", cfg.ControlledListener.Addr(),
		"stats", cfg.StatsListen,
		"tls", tlsConf != nil)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info("shutting down", "signal", s.String())
	return nil
}
