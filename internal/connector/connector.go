// Package connector abstracts the transport a feed reads from
package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/yegors/skyrelay/internal/access"
	"github.com/yegors/skyrelay/pkg/logger"
)

// ErrUnsupported is returned for transports this build cannot open
var ErrUnsupported = errors.New("connection type not supported")

// ErrNotConnected is returned by Read and Write before Connect succeeds
var ErrNotConnected = errors.New("not connected")

// Type of transport
type Type string

const (
	TCP    Type = "tcp"
	Serial Type = "serial"
)

// Settings holds every transport parameter. Two connectors with equal
// settings talk to the same source.
type Settings struct {
	Type    Type
	Address string
	Port    int
	Passive bool
	Access  access.Rule

	SerialPort string
	BaudRate   int
	DataBits   int
	StopBits   string
	Parity     string
	Handshake  string
}

// Equal compares settings field by field
func (s Settings) Equal(o Settings) bool {
	return s.kind() == o.kind() &&
		s.Address == o.Address &&
		s.Port == o.Port &&
		s.Passive == o.Passive &&
		s.Access.Key() == o.Access.Key() &&
		s.SerialPort == o.SerialPort &&
		s.BaudRate == o.BaudRate &&
		s.DataBits == o.DataBits &&
		s.StopBits == o.StopBits &&
		s.Parity == o.Parity &&
		s.Handshake == o.Handshake
}

func (s Settings) kind() Type {
	if s.Type == "" {
		return TCP
	}
	return s.Type
}

// Describe is a short human readable form for logs and status output
func (s Settings) Describe() string {
	switch s.kind() {
	case Serial:
		return fmt.Sprintf("serial %s@%d", s.SerialPort, s.BaudRate)
	default:
		if s.Passive {
			return fmt.Sprintf("tcp listen :%d", s.Port)
		}
		return fmt.Sprintf("tcp %s:%d", s.Address, s.Port)
	}
}

// State of a connector
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
	Closed       State = "closed"
)

// Connector is a transport that can be connected, read, written and closed.
// Read and Write are only valid after Connect returned nil; after a read
// error the caller reconnects by calling Connect again.
type Connector interface {
	io.ReadWriteCloser
	Connect(ctx context.Context) error
	Settings() Settings
	State() State
}

// New creates the connector for settings
func New(settings Settings, logger *logger.Logger) (Connector, error) {
	switch settings.Type {
	case TCP, "":
		settings.Type = TCP
		filter, err := access.Compile(settings.Access)
		if err != nil {
			return nil, err
		}
		return NewTCP(settings, filter, DefaultRetryConfig(), logger), nil
	case Serial:
		return nil, fmt.Errorf("serial port %s: %w", settings.SerialPort, ErrUnsupported)
	default:
		return nil, fmt.Errorf("%q: %w", settings.Type, ErrUnsupported)
	}
}

// ValidType reports whether t names a known transport
func ValidType(t Type) bool {
	return slices.Contains([]Type{TCP, Serial}, t)
}
