package feed

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/yegors/skyrelay/internal/connector"
	"github.com/yegors/skyrelay/internal/extract"
	"github.com/yegors/skyrelay/internal/message"
	"github.com/yegors/skyrelay/pkg/logger"
)

const readBufferSize = 32 * 1024

// listener is the read loop of one connector. It is replaced, never
// reconfigured, when the feed's source changes.
type listener struct {
	feed      *Feed
	conn      connector.Connector
	extractor extract.Extractor
	decoder   *message.ModeSDecoder
	logger    *logger.Logger

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

func startListener(ctx context.Context, f *Feed, conn connector.Connector, ext extract.Extractor, dec *message.ModeSDecoder) *listener {
	ctx, cancel := context.WithCancel(ctx)
	l := &listener{
		feed:      f,
		conn:      conn,
		extractor: ext,
		decoder:   dec,
		logger:    f.logger.Named("listener"),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go l.run(ctx)
	return l
}

// stop ends the loop and waits for it. Closing the connector unblocks a
// read or connect in progress.
func (l *listener) stop() {
	l.stopOnce.Do(func() {
		l.cancel()
		l.conn.Close()
	})
	<-l.done
}

func (l *listener) run(ctx context.Context) {
	defer close(l.done)
	buf := make([]byte, readBufferSize)

	// failures counts sessions in a row that ended before they were healthy
	failures := 0
	for ctx.Err() == nil {
		if failures > 0 && !l.wait(ctx, l.feed.deps.Reconnect.Delay(failures)) {
			return
		}
		if err := l.conn.Connect(ctx); err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
				return
			}
			l.feed.report(fmt.Errorf("connect: %w", err))
			failures++
			continue
		}
		l.extractor.Reset()
		started := l.feed.deps.Now()
		received := l.readUntilError(ctx, buf)
		if received == 0 || l.feed.deps.Now().Sub(started) < l.feed.deps.HealthySession {
			failures++
		} else {
			failures = 0
		}
	}
}

// wait sleeps for d, returning false when ctx ends first
func (l *listener) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	l.logger.Debug("Waiting before reconnect", logger.Duration("delay", d))
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// readUntilError reads until the connection fails and returns the number
// of bytes received
func (l *listener) readUntilError(ctx context.Context, buf []byte) (received int64) {
	defer l.feed.deps.Reporter.Recover(fmt.Sprintf("feed-%d", l.feed.uniqueID))

	for {
		n, err := l.conn.Read(buf)
		if n > 0 {
			received += int64(n)
			l.handleChunk(buf[:n])
		}
		if err != nil {
			if ctx.Err() == nil {
				l.logger.Warn("Receiver connection lost", logger.Error(err), logger.Int64("bytes", received))
				l.feed.report(fmt.Errorf("read: %w", err))
			}
			return received
		}
	}
}

func (l *listener) handleChunk(chunk []byte) {
	f := l.feed
	now := f.deps.Now().UTC()

	if f.raw.Len() > 0 {
		raw := make([]byte, len(chunk))
		copy(raw, chunk)
		f.raw.Publish(RawEvent{FeedID: f.uniqueID, Bytes: raw, Received: now})
	}

	l.extractor.Extract(chunk, func(frame extract.Frame) {
		msg, err := l.translate(frame, now)
		switch {
		case err == nil:
			f.apply(msg, f.uniqueID)
		case errors.Is(err, message.ErrNotDecoded):
			// frame based encoders still forward it
			if frame.Kind == extract.FrameModeS {
				f.apply(message.FrameOnly(frame.ModeS, now), f.uniqueID)
			}
		default:
			f.badMessages.Add(1)
			if !f.ignoreBad.Load() {
				f.report(err)
			}
		}
	})
}

func (l *listener) translate(frame extract.Frame, now time.Time) (*message.Message, error) {
	if frame.Err != nil {
		return nil, frame.Err
	}
	switch frame.Kind {
	case extract.FrameText:
		return message.ParseBaseStation(frame.Text, now)
	case extract.FrameModeS:
		return l.decoder.Decode(frame.ModeS, now)
	}
	return nil, fmt.Errorf("frame kind %d: %w", frame.Kind, message.ErrBadMessage)
}
