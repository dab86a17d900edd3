package feed

import (
	"time"

	"github.com/yegors/skyrelay/internal/connector"
)

// Stats is a point in time view of a feed
type Stats struct {
	UniqueID        int             `json:"unique_id"`
	Name            string          `json:"name"`
	Merged          bool            `json:"merged"`
	Endpoint        string          `json:"endpoint,omitempty"`
	DataSource      string          `json:"data_source,omitempty"`
	ConnectionState connector.State `json:"connection_state"`
	SourceIDs       []int           `json:"source_ids,omitempty"`
	TotalMessages   int64           `json:"total_messages"`
	BadMessages     int64           `json:"bad_messages"`
	AircraftCount   int             `json:"aircraft_count"`
	LastMessage     *time.Time      `json:"last_message,omitempty"`
}

// Stats returns the feed's current statistics
func (f *Feed) Stats() Stats {
	f.mu.RLock()
	s := Stats{
		UniqueID: f.uniqueID,
		Name:     f.name,
		Merged:   f.merged,
	}
	switch {
	case f.merged && f.merger != nil:
		s.ConnectionState = connector.Connected
		for _, src := range f.merger.sources {
			s.SourceIDs = append(s.SourceIDs, src.uniqueID)
		}
	case f.conn != nil:
		s.Endpoint = f.conn.Settings().Describe()
		s.DataSource = string(f.extractor.DataSource())
		s.ConnectionState = f.conn.State()
	default:
		s.ConnectionState = connector.Disconnected
	}
	f.mu.RUnlock()

	if f.disposed.Load() {
		s.ConnectionState = connector.Closed
	}
	s.TotalMessages = f.totalMessages.Load()
	s.BadMessages = f.badMessages.Load()
	s.AircraftCount = f.table.Count()
	if ns := f.lastMessage.Load(); ns != 0 {
		t := time.Unix(0, ns).UTC()
		s.LastMessage = &t
	}
	return s
}
