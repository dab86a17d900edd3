package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yegors/skyrelay/internal/api"
	"github.com/yegors/skyrelay/internal/config"
	"github.com/yegors/skyrelay/internal/events"
	"github.com/yegors/skyrelay/internal/feed"
	"github.com/yegors/skyrelay/internal/heartbeat"
	"github.com/yegors/skyrelay/internal/notify"
	"github.com/yegors/skyrelay/internal/publish"
	"github.com/yegors/skyrelay/internal/rebroadcast"
	"github.com/yegors/skyrelay/internal/sanity"
	"github.com/yegors/skyrelay/internal/websocket"
	"github.com/yegors/skyrelay/pkg/logger"
)

var (
	// Version is injected at build time
	Version = "dev"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file (optional - will search in configs/ and root directory)")
	flag.Parse()

	// Load configuration with fallback logic
	cfg, err := config.LoadWithFallback(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LoggerConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting skyrelay server",
		logger.String("version", Version),
		logger.String("config_path", *configPath),
		logger.Int("receivers", len(cfg.Receivers)),
		logger.Int("merged_feeds", len(cfg.MergedFeeds)),
		logger.Int("rebroadcast_servers", len(cfg.Rebroadcast)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, cfg, log); err != nil {
		log.Error("Server stopped with error", logger.Error(err))
		log.Sync()
		os.Exit(1)
	}
	log.Info("Server fully stopped")
}

func run(ctx context.Context, configPath string, cfg *config.Config, log *logger.Logger) error {
	reporter := notify.NewReporter(time.Duration(cfg.Notify.MinimumSecondsBetweenReports)*time.Second, log)
	history := notify.NewHistory(200)
	reporter.Subscribe(history.Add)

	// Feeds share one id allocator and one sanity filter so that aircraft
	// ids never collide across tables.
	manager := feed.NewManager(feed.Deps{
		IDs:               &atomic.Int64{},
		Filter:            sanity.New(),
		ShortTrailSeconds: cfg.Aircraft.ShortTrailSeconds,
		Reporter:          reporter,
		Logger:            log,
	})

	coordinator := rebroadcast.NewCoordinator(rebroadcast.Options{
		Lookup: func(id int) (rebroadcast.Source, bool) {
			f, ok := manager.Feed(id)
			if !ok {
				return nil, false
			}
			return f, true
		},
		Reporter: reporter,
		Logger:   log,
		Host:     cfg.Server.Host,
	})

	wsServer := websocket.NewServer(func(feedID int) (any, bool) {
		f, ok := manager.Feed(feedID)
		if !ok {
			return nil, false
		}
		return f.Table().Snapshot(), true
	}, log)

	reload := newReloader(configPath, cfg, manager, reporter, log)

	// Rebroadcast servers follow the feeds they are bound to
	reconcile := func() {
		if _, err := coordinator.Reconcile(reload.Config().RebroadcastConfigs()); err != nil {
			reporter.Report("rebroadcast", err)
		}
	}
	manager.OnFeedsChanged(func([]*feed.Feed) {
		reconcile()
		wsServer.Broadcast(&websocket.Message{Type: websocket.MessageTypeFeedsChanged, Data: map[string]any{}})
	})

	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start feeds: %w", err)
	}
	if err := manager.ApplyConfiguration(cfg.ReceiverConfigs(), cfg.MergedFeedConfigs()); err != nil {
		// the feeds that could be configured keep running
		log.Error("Some feeds could not be configured", logger.Error(err))
	}
	if err := coordinator.SetOnline(true); err != nil {
		log.Error("Some rebroadcast servers could not listen", logger.Error(err))
	}

	publisher := publish.New(func() []publish.Source {
		feeds := manager.Feeds()
		out := make([]publish.Source, 0, len(feeds))
		for _, f := range feeds {
			out = append(out, publish.Source{FeedID: f.UniqueID(), Table: f.Table()})
		}
		return out
	}, reporter, log)
	publisher.AddSink("websocket", publish.WebsocketSink{Hub: wsServer})

	var natsPublisher *events.Publisher
	if cfg.Events.NatsURL != "" {
		p, err := events.Connect(cfg.Events.NatsURL, cfg.Events.SubjectPrefix, log)
		if err != nil {
			// the event stream is optional
			log.Error("NATS event stream disabled", logger.Error(err))
		} else {
			natsPublisher = p
			publisher.AddSink("nats", p)
		}
	}

	hb := heartbeat.New(
		time.Duration(cfg.Heartbeat.FastIntervalMillis)*time.Millisecond,
		time.Duration(cfg.Heartbeat.SlowIntervalSeconds)*time.Second,
		reporter, log)
	hb.OnFast(func(time.Time) {
		publisher.Poll()
	})
	hb.OnSlow(func(now time.Time) {
		if removed := manager.RemoveStaleAircraft(now, reload.Config().DisplayTimeout()); removed > 0 {
			log.Debug("Removed stale aircraft", logger.Int("count", removed))
		}
		if dropped := coordinator.CheckLiveness(now); dropped > 0 {
			log.Info("Dropped dead rebroadcast clients", logger.Int("count", dropped))
		}
	})
	hb.Start(ctx)

	handler := api.NewHandler(manager, coordinator, history, Version, log)
	router := api.NewRouter(handler, wsServer.HandleConnection, log)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.Routes(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSecs) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSecs) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSecs) * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		wsServer.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info("Starting HTTP server", logger.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server on %s: %w", server.Addr, err)
		}
		return nil
	})
	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-hup:
				log.Info("Reloading configuration")
				if err := reload.Reload(); err != nil {
					log.Error("Configuration reload failed", logger.Error(err))
				}
			case <-gctx.Done():
				return nil
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down server...")

		// Stop the ticks first so nothing sweeps or publishes mid teardown
		hb.Stop()

		// Rebroadcast servers unsubscribe from the feeds before the feeds go
		coordinator.Close()
		manager.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", logger.Error(err))
		}

		if natsPublisher != nil {
			if err := natsPublisher.Close(); err != nil {
				log.Error("NATS shutdown error", logger.Error(err))
			}
		}
		return nil
	})

	return g.Wait()
}
