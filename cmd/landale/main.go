package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bryanveloso/landale-bridge/internal/bus"
	"github.com/bryanveloso/landale-bridge/internal/cache"
	"github.com/bryanveloso/landale-bridge/internal/config"
	"github.com/bryanveloso/landale-bridge/internal/connectors/ironmon"
	"github.com/bryanveloso/landale-bridge/internal/connectors/obs"
	"github.com/bryanveloso/landale-bridge/internal/connectors/rainwave"
	"github.com/bryanveloso/landale-bridge/internal/connectors/twitch"
	"github.com/bryanveloso/landale-bridge/internal/host"
	"github.com/bryanveloso/landale-bridge/internal/httpclient"
	"github.com/bryanveloso/landale-bridge/internal/oauth"
	"github.com/bryanveloso/landale-bridge/internal/retry"
	"github.com/bryanveloso/landale-bridge/internal/tokenstore"
)

const (
	twitchIDBase    = "https://id.twitch.tv"
	twitchHelixBase = "https://api.twitch.tv"
)

func main() {
	os.Exit(runCLI(os.Args[1:], os.Stdout, os.Stderr))
}

func serve() int {
	cfg := config.Load()
	initLogger(cfg.LogLevel)

	topicBus := bus.New()
	statusCache := cache.New()
	breakers := retry.NewRegistry(retry.DefaultBreakerConfig())

	tokens, err := tokenstore.Open(cfg.DataDir)
	if err != nil {
		slog.Error("token store init failed", "err", err)
		return 1
	}
	defer func() { _ = tokens.Close() }()

	oauthMgr := oauth.New(tokens,
		httpclient.New(twitchIDBase, 15*time.Second),
		cfg.Twitch.ClientID, cfg.Twitch.ClientSecret)

	twitchConn := twitch.New(twitch.Config{UserID: cfg.Twitch.UserID},
		oauthMgr,
		httpclient.New(twitchHelixBase, 15*time.Second),
		cfg.Twitch.ClientID, breakers, statusCache, slog.Default())

	obsConn := obs.New(obs.Config{URL: cfg.OBS.URL}, statusCache, slog.Default())

	ironmonConn := ironmon.New(ironmon.Config{ListenAddr: cfg.IronMON.ListenAddr},
		ironmon.NopRecorder{}, slog.Default())

	rainwaveConn := rainwave.New(rainwave.Config{
		Enabled:      cfg.Rainwave.Enabled,
		APIKey:       cfg.Rainwave.APIKey,
		UserID:       cfg.Rainwave.UserID,
		PollInterval: cfg.Rainwave.PollInterval,
	}, httpclient.New(cfg.Rainwave.BaseURL, 10*time.Second), breakers, slog.Default())

	twitchHost := host.New("twitch", topicBus, statusCache, twitchConn.Run,
		host.Options{Terminate: twitchConn.Terminate})
	obsHost := host.New("obs", topicBus, statusCache, obsConn.Run,
		host.Options{Terminate: obsConn.Terminate})
	ironmonHost := host.New("ironmon", topicBus, statusCache, ironmonConn.Run,
		host.Options{Terminate: ironmonConn.Terminate})
	rainwaveHost := host.New("rainwave", topicBus, statusCache, rainwaveConn.Run,
		host.Options{Terminate: rainwaveConn.Terminate})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	statusDone := startStatusWriter(ctx, topicBus, cfg.DataDir)

	if !cfg.Twitch.Credentialed() {
		slog.Warn("twitch credentials missing; connector will retry until provided")
	}
	slog.Info("landale-bridge starting", "data_dir", cfg.DataDir,
		"obs_url", cfg.OBS.URL, "ironmon_listen", cfg.IronMON.ListenAddr,
		"rainwave_enabled", cfg.Rainwave.Enabled)

	ironmonHost.Start(ctx)
	twitchHost.Start(ctx)
	obsHost.Start(ctx)
	rainwaveHost.Start(ctx)

	<-ctx.Done()
	slog.Info("shutting down...")

	// Shutdown order: the IronMON listener and its open TCP connections
	// first, then the WebSocket transports, then the poller;
	// the token store closes last via the deferred Close.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	ironmonHost.Stop(shutdownCtx)
	twitchHost.Stop(shutdownCtx)
	obsHost.Stop(shutdownCtx)
	rainwaveHost.Stop(shutdownCtx)
	<-statusDone

	slog.Info("landale-bridge stopped")
	return 0
}

// startStatusWriter mirrors dashboard snapshots to status.json under the
// data dir so the status subcommand can report on a running daemon from
// another process.
func startStatusWriter(ctx context.Context, topicBus *bus.Bus, dataDir string) <-chan struct{} {
	done := make(chan struct{})
	handle, ch := topicBus.SubscribeBuffered("dashboard", 128)
	path := filepath.Join(dataDir, "status.json")

	go func() {
		defer close(done)
		snapshots := make(map[string]host.StatusSnapshot)
		for {
			select {
			case <-ctx.Done():
				topicBus.Unsubscribe(handle)
				// Drain whatever the unsubscribe close leaves behind.
				for range ch {
				}
				_ = os.Remove(path)
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				snap, isSnap := msg.Payload.(host.StatusSnapshot)
				if !isSnap {
					continue
				}
				snapshots[snap.Connector] = snap
				writeStatusFile(path, snapshots)
			}
		}
	}()
	return done
}

func writeStatusFile(path string, snapshots map[string]host.StatusSnapshot) {
	data, err := json.MarshalIndent(snapshots, "", "  ")
	if err != nil {
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return
	}
	_ = os.Rename(tmp, path)
}

func initLogger(level string) {
	var lv slog.Level
	switch level {
	case "debug":
		lv = slog.LevelDebug
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv})))
}
