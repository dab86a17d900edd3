// Package events publishes aircraft changes to a NATS subject per feed so
// that downstream consumers, such as a history database, can follow the
// live picture without talking to the server.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/yegors/skyrelay/internal/publish"
	"github.com/yegors/skyrelay/pkg/logger"
)

// Event is the payload of one message
type Event struct {
	Type      publish.ChangeType `json:"type"`
	FeedID    int                `json:"feed_id"`
	Icao      string             `json:"icao"`
	Published time.Time          `json:"published"`
	Aircraft  any                `json:"aircraft,omitempty"`
}

// conn is the slice of *nats.Conn the publisher needs
type conn interface {
	Publish(subject string, data []byte) error
	Drain() error
	Close()
}

// Publisher is a publish.Sink backed by NATS
type Publisher struct {
	conn   conn
	prefix string
	now    func() time.Time
	logger *logger.Logger
}

// Connect dials the NATS server. The connection reconnects forever in the
// background; publishes made while disconnected are buffered by the client.
func Connect(url, prefix string, log *logger.Logger) (*Publisher, error) {
	log = log.Named("events")
	nc, err := nats.Connect(url,
		nats.Name("skyrelay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", logger.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", logger.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	log.Info("Connected to NATS", logger.String("url", url), logger.String("subject_prefix", prefix))
	return newPublisher(nc, prefix, log), nil
}

func newPublisher(c conn, prefix string, log *logger.Logger) *Publisher {
	return &Publisher{conn: c, prefix: prefix, now: time.Now, logger: log}
}

// Subject returns the subject changes of a feed are published to
func (p *Publisher) Subject(feedID int) string {
	return fmt.Sprintf("%s.%d.aircraft", p.prefix, feedID)
}

// PublishChanges implements publish.Sink
func (p *Publisher) PublishChanges(feedID int, changes []publish.Change) error {
	subject := p.Subject(feedID)
	now := p.now().UTC()
	for _, c := range changes {
		ev := Event{Type: c.Type, FeedID: feedID, Icao: c.Icao, Published: now}
		if c.Aircraft != nil {
			ev.Aircraft = c.Aircraft
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode %s event for %s: %w", c.Type, c.Icao, err)
		}
		if err := p.conn.Publish(subject, data); err != nil {
			return fmt.Errorf("publish to %s: %w", subject, err)
		}
	}
	return nil
}

// Close flushes pending messages and closes the connection
func (p *Publisher) Close() error {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	return nil
}
