// Package notify carries caught background errors to whoever wants to see
// them, rate limited per class of problem.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/yegors/skyrelay/pkg/logger"
)

// Notification is one reported error
type Notification struct {
	Source string    `json:"source"`
	Class  string    `json:"class"`
	Err    error     `json:"-"`
	Text   string    `json:"error"`
	Time   time.Time `json:"time"`
}

// Reporter logs errors raised by background loops and hands them to its
// subscribers. Repeats of the same class within the configured interval are
// counted but not delivered.
type Reporter struct {
	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
	suppressed map[string]int
	every      time.Duration
	now        func() time.Time

	subscribers Subscribers[Notification]
	logger      *logger.Logger
}

// NewReporter creates a reporter allowing one report per class every interval
func NewReporter(interval time.Duration, logger *logger.Logger) *Reporter {
	return NewReporterWithClock(interval, time.Now, logger)
}

// NewReporterWithClock is NewReporter with an injected clock
func NewReporterWithClock(interval time.Duration, now func() time.Time, logger *logger.Logger) *Reporter {
	return &Reporter{
		limiters:   make(map[string]*rate.Limiter),
		suppressed: make(map[string]int),
		every:      interval,
		now:        now,
		logger:     logger.Named("notify"),
	}
}

// SetInterval changes the minimum time between reports of one class
func (r *Reporter) SetInterval(interval time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.every = interval
	for _, lim := range r.limiters {
		lim.SetLimitAt(r.now(), rate.Every(interval))
	}
}

// Subscribe registers fn for every delivered notification
func (r *Reporter) Subscribe(fn func(Notification)) (unsubscribe func()) {
	return r.subscribers.Subscribe(fn)
}

// Report records err raised by source. It returns true when the
// notification was delivered, false when it was shutdown noise or rate
// limited.
func (r *Reporter) Report(source string, err error) bool {
	if err == nil || IsShutdownNoise(err) {
		return false
	}
	class := Classify(source, err)
	now := r.now()

	r.mu.Lock()
	lim, ok := r.limiters[class]
	if !ok {
		lim = rate.NewLimiter(rate.Every(r.every), 1)
		r.limiters[class] = lim
	}
	if !lim.AllowN(now, 1) {
		r.suppressed[class]++
		r.mu.Unlock()
		return false
	}
	repeats := r.suppressed[class]
	delete(r.suppressed, class)
	r.mu.Unlock()

	r.logger.Warn("Background error",
		logger.String("source", source),
		logger.String("class", class),
		logger.Int("suppressed", repeats),
		logger.Error(err))

	r.subscribers.Publish(Notification{
		Source: source,
		Class:  class,
		Err:    err,
		Text:   err.Error(),
		Time:   now,
	})
	return true
}

// Recover turns a panic in the calling goroutine into a report. Use it as
// the first deferred call of a background loop.
func (r *Reporter) Recover(source string) {
	if v := recover(); v != nil {
		err, ok := v.(error)
		if !ok {
			err = fmt.Errorf("panic: %v", v)
		}
		r.Report(source, err)
	}
}

// Classify names the class of problem an error belongs to: its source and
// the type of the innermost wrapped error.
func Classify(source string, err error) string {
	root := err
	for {
		next := errors.Unwrap(root)
		if next == nil {
			break
		}
		root = next
	}
	return fmt.Sprintf("%s:%T", source, root)
}

// IsShutdownNoise reports whether err is expected while closing connections
// or cancelling work and should never be surfaced.
func IsShutdownNoise(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe)
}
