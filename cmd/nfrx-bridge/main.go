package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/nfrx-bridge/internal/bridge"
	"github.com/gaspardpetit/nfrx-bridge/internal/config"
	"github.com/gaspardpetit/nfrx-bridge/internal/logx"
	"github.com/gaspardpetit/nfrx-bridge/internal/metrics"
	"github.com/gaspardpetit/nfrx-bridge/internal/statestore"
	"github.com/gaspardpetit/nfrx-bridge/internal/status"
	"github.com/gaspardpetit/nfrx-bridge/internal/stdio"
	"github.com/gaspardpetit/nfrx-bridge/internal/watch"
	"github.com/gaspardpetit/nfrx-bridge/internal/wspipe"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

type transport interface {
	bridge.Transport
	io.Closer
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	notify := flag.String("notify", "", "comma separated notification methods to print on stdout")
	var cfg config.BridgeConfig
	cfg.BindFlags(nil)
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "nfrx-bridge version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Printf("nfrx-bridge version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}

	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	logx.Configure(cfg.LogLevel)
	if cfg.LogFile != "" {
		lf := logx.ToFile(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		defer func() { _ = lf.Close() }()
	}
	if err := cfg.Validate(); err != nil {
		logx.Log.Fatal().Err(err).Msg("invalid configuration")
	}
	opts, err := cfg.Options()
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("invalid timeout rules")
	}
	lg := logx.Log.With().Str("client", cfg.ClientName).Str("session", cfg.SessionID).Logger()
	opts.Logger = &lg

	if err := run(cfg, opts, splitList(*notify), lg); err != nil {
		lg.Error().Err(err).Msg("bridge stopped")
		os.Exit(1)
	}
}

func run(cfg config.BridgeConfig, opts bridge.Options, notify []string, lg zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(reg)
	metrics.SetBuildInfo(version, buildSHA, buildDate)

	tr, stats := newTransport(cfg, &lg)
	defer func() { _ = tr.Close() }()
	client := bridge.New(tr, opts)

	var store statestore.Store = statestore.NewMemoryStore()
	if cfg.RedisURL != "" {
		rs, err := statestore.NewRedisStore(ctx, cfg.RedisURL, cfg.ClientName)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer func() { _ = rs.Close() }()
		store = rs
		lg.Info().Str("addr", cfg.RedisURL).Msg("recording connection state in redis")
	}
	client.OnConnectionStateChange(statestore.Recorder(store, cfg.ClientName, lg))

	h := newHost(client, os.Stdout)
	for _, m := range notify {
		client.SubscribeNotification(m, h.notification)
	}

	if cfg.StatusAddr != "" {
		handler := status.NewHandler(client, status.Config{
			AllowedOrigins: cfg.AllowedOrigins,
			Token:          cfg.StatusToken,
			Gatherer:       reg,
			WorkerStats:    stats,
			Version:        status.VersionInfo{Version: version, BuildSHA: buildSHA, BuildDate: buildDate},
		})
		addr, err := status.Serve(ctx, cfg.StatusAddr, handler)
		if err != nil {
			return fmt.Errorf("status server: %w", err)
		}
		lg.Info().Str("addr", addr).Msg("status server listening")
	}

	if cfg.Watch {
		dirs := cfg.WatchDirs
		if len(dirs) == 0 && cfg.WorkerDir != "" {
			dirs = []string{cfg.WorkerDir}
		}
		w, err := watch.Start(watch.Options{Dirs: dirs, Include: cfg.WatchInclude, Logger: &lg}, func(path string) {
			rctx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			lg.Info().Str("path", path).Msg("worker changed; restarting")
			if err := client.ManualRestart(rctx); err != nil {
				lg.Warn().Err(err).Msg("restart after change failed")
			}
		})
		if err != nil {
			return fmt.Errorf("watch: %w", err)
		}
		defer func() { _ = w.Close() }()
	}

	if err := client.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	lg.Info().Str("transport", cfg.Transport).Msg("bridge ready")

	served := make(chan error, 1)
	go func() { served <- h.serve(ctx, os.Stdin) }()
	select {
	case err := <-served:
		if err != nil {
			lg.Warn().Err(err).Msg("reading requests")
		}
	case <-ctx.Done():
		lg.Info().Msg("termination requested")
	}

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return client.Shutdown(sctx)
}

func newTransport(cfg config.BridgeConfig, lg *zerolog.Logger) (transport, func(context.Context) (any, error)) {
	if cfg.Transport == "ws" {
		return wspipe.New(wspipe.Options{URL: cfg.WorkerURL, Token: cfg.WorkerToken, Logger: lg}), nil
	}
	loc := stdio.DefaultLocator()
	loc.PnpmDev = cfg.PnpmDev
	if cfg.WorkerDir != "" {
		loc.WorkDir = cfg.WorkerDir
	}
	cands := loc.Candidates()
	if f := strings.Fields(cfg.WorkerCmd); len(f) > 0 {
		cands = append([]stdio.Candidate{{Name: "configured command", Path: f[0], Args: f[1:], Dir: cfg.WorkerDir}}, cands...)
	}
	env := append([]string{"BRIDGE_SESSION_ID=" + cfg.SessionID}, cfg.WorkerEnv...)
	p := stdio.New(stdio.Options{Candidates: cands, Env: env, IsolateEnv: cfg.IsolateEnv, Logger: lg})
	return p, func(ctx context.Context) (any, error) { return p.Stats(ctx) }
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
