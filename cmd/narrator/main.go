// Command narrator runs the narration scheduler for one station: it takes
// source events over HTTP or Redis, voices them between songs and routes
// listener answers back to the sources that asked.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	narration "github.com/koscakluka/ema-narrator/core"
	"github.com/koscakluka/ema-narrator/core/adapters/redisstream"
	"github.com/koscakluka/ema-narrator/core/distribution"
	"github.com/koscakluka/ema-narrator/core/mixer"
	"github.com/koscakluka/ema-narrator/core/timeline"
	"github.com/koscakluka/ema-narrator/internal/archive"
	"github.com/koscakluka/ema-narrator/internal/config"
	"github.com/koscakluka/ema-narrator/internal/server"
	"github.com/koscakluka/ema-narrator/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("NARRATOR_DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	if err := run(); err != nil {
		slog.Error("narrator exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(config.Path())
	if err != nil {
		return err
	}

	tel, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Station:        cfg.Station.Name,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRatio:    cfg.Telemetry.SampleRatio,
		Enabled:        cfg.Telemetry.Enabled,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	redisClient, err := redisstream.NewClient(ctx, redisstream.Config{
		Addr:        cfg.Redis.Addr,
		Username:    cfg.Redis.Username,
		Password:    secret(cfg.Redis.PasswordEnv),
		DB:          cfg.Redis.DB,
		TLSEnabled:  cfg.Redis.TLSEnabled,
		TLSInsecure: cfg.Redis.TLSInsecure,
	})
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	registry := newRegistry(cfg)
	if err := registerSources(cfg, registry, redisClient); err != nil {
		return err
	}

	var history *archive.Archive
	var trackerOpts []timeline.TrackerOption
	if cfg.Archive.Path != "" {
		history, err = archive.Open(cfg.Archive.Path)
		if err != nil {
			return err
		}
		defer history.Close()
		trackerOpts = append(trackerOpts, timeline.WithHook(history.Hook()))
	}

	// The mixer callbacks and the heartbeat read n, which is set before any
	// worker starts.
	var n *narration.Narrator

	var mixerClient *mixer.Client
	if cfg.Mixer.Address != "" {
		addr := cfg.Mixer.Address
		mixerClient = mixer.NewClient(addr,
			mixer.WithBufferSize(cfg.Mixer.BufferSize),
			mixer.WithPathMappings(cfg.Mixer.PathMappings),
			mixer.WithUnavailableCallback(func(err error) { n.HandleMixerUnavailable(addr, err) }),
			mixer.WithRecoveredCallback(func(flushed, dropped int) { n.HandleMixerRecovered(addr, flushed, dropped) }),
		)
	}

	bus := distribution.NewBus(
		distribution.WithBufferSize(cfg.Distribution.BufferSize),
		distribution.WithMirrorLimit(cfg.Distribution.MirrorLimit),
		distribution.WithHeartbeat(cfg.Distribution.HeartbeatInterval, func() distribution.PlaybackState {
			return n.PlaybackState()
		}),
	)

	opts, err := narratorOptions(cfg)
	if err != nil {
		return err
	}
	opts = append(opts,
		narration.WithRegistry(registry),
		narration.WithValidator(newValidator(cfg, registry)),
		narration.WithTracker(timeline.NewTracker(trackerOpts...)),
		narration.WithBus(bus),
	)
	if mixerClient != nil {
		opts = append(opts, narration.WithMixer(mixerClient))
	} else {
		slog.Warn("no mixer address configured, playback commands will be discarded")
	}
	n = narration.NewNarrator(opts...)
	defer n.Close()

	srvOpts := []server.Option{server.WithStationName(cfg.Station.Name)}
	if history != nil {
		srvOpts = append(srvOpts, server.WithArchive(history))
	}
	srv := server.New(n, srvOpts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := n.Run(gctx)
		if err != nil {
			return fmt.Errorf("narrator: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := srv.Serve(gctx, cfg.ListenAddr); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if mixerClient != nil {
		g.Go(func() error {
			defer mixerClient.Close()
			if err := mixerClient.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("mixer client: %w", err)
			}
			return nil
		})
	}
	if history != nil {
		g.Go(func() error {
			if err := history.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("archive: %w", err)
			}
			return nil
		})
	}
	if redisClient != nil {
		consumer := redisstream.NewConsumer(redisClient, cfg.Redis.EventStream, cfg.Redis.Group, consumerName(cfg))
		g.Go(func() error {
			if err := consumer.Run(gctx, n); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("redis consumer: %w", err)
			}
			return nil
		})
	}

	slog.Info("narrator started",
		"station", cfg.Station.Name,
		"listen_addr", cfg.ListenAddr,
		"mixer", cfg.Mixer.Address,
		"tts", cfg.TTS.Provider,
		"sources", len(cfg.Sources),
	)

	// Any worker ending stops the rest.
	g.Go(func() error {
		<-gctx.Done()
		n.Close()
		return nil
	})
	return g.Wait()
}

func secret(envName string) string {
	if envName == "" {
		return ""
	}
	return os.Getenv(envName)
}

func consumerName(cfg config.Config) string {
	if cfg.Redis.Consumer != "" {
		return cfg.Redis.Consumer
	}
	host, _ := os.Hostname()
	return host
}
