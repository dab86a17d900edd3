package main

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/yegors/skyrelay/internal/config"
	"github.com/yegors/skyrelay/internal/feed"
	"github.com/yegors/skyrelay/internal/notify"
	"github.com/yegors/skyrelay/pkg/logger"
)

// reloader applies a changed configuration file to the running feeds.
// Rebroadcast servers follow through the manager's feeds changed hook,
// which reads the current configuration.
type reloader struct {
	path     string
	current  atomic.Pointer[config.Config]
	manager  *feed.Manager
	reporter *notify.Reporter
	logger   *logger.Logger
}

func newReloader(path string, cfg *config.Config, manager *feed.Manager, reporter *notify.Reporter, log *logger.Logger) *reloader {
	r := &reloader{
		path:     path,
		manager:  manager,
		reporter: reporter,
		logger:   log.Named("reload"),
	}
	r.current.Store(cfg)
	return r
}

// Config returns the configuration in effect
func (r *reloader) Config() *config.Config {
	return r.current.Load()
}

// Reload reads the file again and applies it. An invalid file leaves the
// running configuration untouched.
func (r *reloader) Reload() error {
	cfg, err := config.LoadWithFallback(r.path)
	if err != nil {
		return fmt.Errorf("reload configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("reload configuration: %w", err)
	}

	old := r.current.Load()
	if sections := cfg.RestartRequired(old); len(sections) > 0 {
		r.logger.Warn("Changed settings take effect on restart",
			logger.String("sections", strings.Join(sections, ",")))
	}
	r.current.Store(cfg)

	r.reporter.SetInterval(time.Duration(cfg.Notify.MinimumSecondsBetweenReports) * time.Second)
	r.manager.SetShortTrailSeconds(cfg.Aircraft.ShortTrailSeconds)
	if err := r.manager.ApplyConfiguration(cfg.ReceiverConfigs(), cfg.MergedFeedConfigs()); err != nil {
		// the feeds that could be configured keep running
		return fmt.Errorf("apply reloaded configuration: %w", err)
	}
	r.logger.Info("Configuration reloaded",
		logger.Int("receivers", len(cfg.Receivers)),
		logger.Int("merged_feeds", len(cfg.MergedFeeds)),
		logger.Int("rebroadcast_servers", len(cfg.Rebroadcast)))
	return nil
}
