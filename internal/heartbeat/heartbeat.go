// Package heartbeat drives the periodic work of the server: a fast tick
// every second and a slow tick for sweeps and liveness checks.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/yegors/skyrelay/internal/notify"
	"github.com/yegors/skyrelay/pkg/logger"
)

const DefaultFastInterval = time.Second

// Service fires registered callbacks on two tickers. Callbacks run on the
// ticker goroutine, one after the other, so a slow callback delays the
// next tick rather than overlapping it.
type Service struct {
	fastInterval time.Duration
	slowInterval time.Duration

	fast notify.Subscribers[time.Time]
	slow notify.Subscribers[time.Time]

	reporter *notify.Reporter
	logger   *logger.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a heartbeat service. reporter may be nil.
func New(fastInterval, slowInterval time.Duration, reporter *notify.Reporter, logger *logger.Logger) *Service {
	if fastInterval <= 0 {
		fastInterval = DefaultFastInterval
	}
	if slowInterval <= 0 {
		slowInterval = 10 * time.Second
	}
	return &Service{
		fastInterval: fastInterval,
		slowInterval: slowInterval,
		reporter:     reporter,
		logger:       logger.Named("heartbeat"),
		stopCh:       make(chan struct{}),
	}
}

// OnFast registers fn for every fast tick
func (s *Service) OnFast(fn func(now time.Time)) (unregister func()) {
	return s.fast.Subscribe(fn)
}

// OnSlow registers fn for every slow tick
func (s *Service) OnSlow(fn func(now time.Time)) (unregister func()) {
	return s.slow.Subscribe(fn)
}

// SlowInterval returns the period of the slow tick
func (s *Service) SlowInterval() time.Duration {
	return s.slowInterval
}

// Start begins ticking until Stop is called or ctx is cancelled
func (s *Service) Start(ctx context.Context) {
	s.logger.Info("Starting heartbeat",
		logger.Duration("fast_interval", s.fastInterval),
		logger.Duration("slow_interval", s.slowInterval))

	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop halts the tickers and waits for an in-flight tick to finish
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.fast.Clear()
	s.slow.Clear()
}

func (s *Service) loop(ctx context.Context) {
	defer s.wg.Done()

	fast := time.NewTicker(s.fastInterval)
	defer fast.Stop()
	slow := time.NewTicker(s.slowInterval)
	defer slow.Stop()

	for {
		select {
		case now := <-fast.C:
			s.fire(&s.fast, "heartbeat-fast", now.UTC())
		case now := <-slow.C:
			s.fire(&s.slow, "heartbeat-slow", now.UTC())
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// FireSlow runs the slow callbacks immediately
func (s *Service) FireSlow(now time.Time) {
	s.fire(&s.slow, "heartbeat-slow", now)
}

// FireFast runs the fast callbacks immediately
func (s *Service) FireFast(now time.Time) {
	s.fire(&s.fast, "heartbeat-fast", now)
}

func (s *Service) fire(subs *notify.Subscribers[time.Time], source string, now time.Time) {
	if s.reporter != nil {
		defer s.reporter.Recover(source)
	}
	subs.Publish(now)
}
