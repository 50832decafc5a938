package main

import (
	"log/slog"
	"os"

	"framehand/internal/bridge"
	"framehand/internal/config"
	"framehand/internal/history"
	"framehand/internal/registry"
	"framehand/internal/telemetry"
)

// app bundles the wired continuity subsystems behind one command invocation.
type app struct {
	cfg     config.Config
	log     *slog.Logger
	sink    *telemetry.Buffered
	reg     *registry.Registry
	tracker *history.Tracker
	mgr     *bridge.Manager
}

// newApp loads the config and wires logging, telemetry, the element catalog
// with its store, the history tracker, and the connection manager. No
// connection is attempted. The returned cleanup closes everything; call it
// exactly once.
func newApp() (*app, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, nil, err
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	sink := telemetry.NewBuffered(cfg.Telemetry.Buffer, log)

	// A store failure leaves the catalog memory-only for this invocation.
	store, err := registry.NewStore(cfg.Registry.DataDir)
	if err != nil {
		log.Warn("element store unavailable, catalog is memory-only", "error", err)
		store = nil
	}
	reg := registry.New(cfg.RegistryConfig(), registry.Options{
		Persist: store,
		Sink:    sink,
		Log:     log,
	})
	if store != nil {
		els, err := store.LoadAll()
		if err != nil {
			log.Warn("element reload failed", "error", err)
		} else {
			reg.Restore(els)
		}
	}

	tracker := history.New(cfg.HistoryConfig(), reg, registry.DefaultSynonyms().Types(), log)

	bcfg := cfg.BridgeConfig()
	bcfg.ClientVersion = version
	mgr := bridge.NewManager(bcfg, bridge.Options{
		Registry: reg,
		Sink:     sink,
		Log:      log,
	})

	cleanup := func() {
		if err := mgr.Close(); err != nil {
			log.Warn("bridge close failed", "error", err)
		}
		if store != nil {
			if err := store.Close(); err != nil {
				log.Warn("element store close failed", "error", err)
			}
		}
		sink.Close()
	}
	return &app{
		cfg:     cfg,
		log:     log,
		sink:    sink,
		reg:     reg,
		tracker: tracker,
		mgr:     mgr,
	}, cleanup, nil
}
