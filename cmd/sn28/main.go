// Command sn28 runs the SuperNats live timing and official results
// engine.
//
// Subcommands:
//
//	serve   ingest the timing feed and serve the API, WebSocket stream,
//	        result store and publication pipeline (default)
//	listen  ingest the timing feed only, logging decoded activity
//	seed    write the built-in SKUSA SN28 points scheme to a YAML file
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Luisd07/SuperNats-28-Points-Tracker/pkg/api"
	"github.com/Luisd07/SuperNats-28-Points-Tracker/pkg/config"
	"github.com/Luisd07/SuperNats-28-Points-Tracker/pkg/official"
	"github.com/Luisd07/SuperNats-28-Points-Tracker/pkg/orbits"
	"github.com/Luisd07/SuperNats-28-Points-Tracker/pkg/points"
	"github.com/Luisd07/SuperNats-28-Points-Tracker/pkg/publish"
	"github.com/Luisd07/SuperNats-28-Points-Tracker/pkg/store"
	"github.com/Luisd07/SuperNats-28-Points-Tracker/pkg/timing"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe(args, true)
	case "listen":
		err = runServe(args, false)
	case "seed":
		err = runSeed(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (want serve, listen or seed)\n", cmd)
		os.Exit(2)
	}
	if err != nil {
		slog.Error("fatal", "cmd", cmd, "err", err)
		os.Exit(1)
	}
}

// runServe wires the whole engine. With api=false only the ingest path
// runs (the "listen" subcommand).
func runServe(args []string, withAPI bool) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	slog.Info("sn28 starting",
		"feed", cfg.Feed.Addr,
		"ranking_mode", cfg.Feed.RankingMode,
		"api_port", cfg.API.Port,
		"store", cfg.Store.Path)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// session registry + provisional aggregator
	reg := timing.NewRegistry(
		timing.WithDefaultRankingMode(cfg.Feed.Mode()),
		timing.WithRegistryLogger(slog.Default()),
	)
	binder := timing.NewFeedBinder(reg, slog.Default())

	// points scales, optionally overridden from a scheme file
	scales := points.NewRegistry(cfg.Points.FieldSize)
	if cfg.Points.SchemeFile != "" {
		if err := scales.LoadFile(cfg.Points.SchemeFile); err != nil {
			return err
		}
		go func() {
			if err := config.WatchSchemeFile(ctx, cfg.Points.SchemeFile, scales.LoadFile); err != nil {
				slog.Error("scheme watch stopped", "err", err)
			}
		}()
	}

	// publication boundary: store + avro export fan-out
	dispatcher := publish.NewDispatcher(publish.WithDispatcherLogger(slog.Default()))
	st, err := store.Open(cfg.Store.Path, slog.Default())
	if err != nil {
		return err
	}
	defer st.Close()
	dispatcher.Register(st)
	if cfg.Export.Dir != "" {
		dispatcher.Register(publish.NewDirExportSink(cfg.Export.Dir))
		slog.Info("avro export enabled", "dir", cfg.Export.Dir)
	}
	go dispatcher.Run(ctx)

	// penalty ledger + snapshot builder
	engine := official.NewEngine(reg,
		official.WithScorer(scales),
		official.WithPublisher(dispatcher),
		official.WithEngineLogger(slog.Default()),
	)

	// feed ingest
	reader := orbits.NewReader(cfg.Feed.Addr, binder,
		orbits.WithDialTimeout(cfg.Feed.DialTimeout),
		orbits.WithReadTimeout(cfg.Feed.ReadTimeout),
		orbits.WithMaxBackoff(cfg.Feed.MaxBackoff),
		orbits.WithReaderLogger(slog.Default()),
	)
	feedDone := make(chan error, 1)
	go func() { feedDone <- reader.Run(ctx) }()

	if !withAPI {
		<-ctx.Done()
		<-feedDone
		logStats(reader)
		return nil
	}

	hub := api.NewHub(reg, cfg.API.BroadcastInterval, slog.Default())
	go hub.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/api/", api.New(reg, engine, scales, slog.Default()))
	mux.Handle("/ws/live", hub)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.API.Port),
		Handler: mux,
	}
	go func() {
		slog.Info("HTTP server listening", "port", cfg.API.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server stopped", "err", err)
		}
	}()

	<-ctx.Done()
	slog.Info("sn28 shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx) //nolint:errcheck
	<-feedDone
	logStats(reader)
	return nil
}

// runSeed writes the built-in SN28 scheme to a YAML file a steward can
// edit and point points.scheme_file at.
func runSeed(args []string) error {
	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	out := fs.String("out", "sn28-scheme.yaml", "output scheme file")
	fieldSize := fs.Int("field-size", config.DefaultFieldSize, "number of scored positions")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := points.WriteSchemeFile(*out, *fieldSize); err != nil {
		return err
	}
	slog.Info("scheme file written", "path", *out, "field_size", *fieldSize)
	return nil
}

// loadConfig loads the file when present and falls back to defaults
// when the default path does not exist.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil && errors.Is(err, os.ErrNotExist) && path == "config.yaml" {
		slog.Warn("no config file, using defaults", "path", path)
		return config.Defaults(), nil
	}
	return cfg, err
}

func logStats(r *orbits.Reader) {
	s := r.Stats()
	slog.Info("feed stats",
		"decoded", s.Decoded,
		"malformed", s.Malformed,
		"unknown", s.Unknown,
		"reconnects", s.Reconnects)
}
