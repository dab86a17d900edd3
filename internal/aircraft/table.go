package aircraft

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yegors/skyrelay/internal/message"
	"github.com/yegors/skyrelay/internal/sanity"
	"github.com/yegors/skyrelay/pkg/logger"
)

// Result describes what applying one message did
type Result struct {
	UniqueID         int64
	Icao             string
	Created          bool
	DataVersion      int64
	RejectedAltitude bool
	RejectedPosition bool
}

// Table is the aircraft list of one feed. Records are created on the first
// message for an ICAO and removed by RemoveStale. Readers only ever receive
// copies.
type Table struct {
	mu      sync.RWMutex
	records map[string]*Record

	nextID            *atomic.Int64
	filter            *sanity.Filter
	shortTrailSeconds atomic.Int64
	logger            *logger.Logger
}

// NewTable creates an empty table. ids is shared by every table in the
// process so that unique ids never collide across feeds.
func NewTable(ids *atomic.Int64, filter *sanity.Filter, shortTrailSeconds int, logger *logger.Logger) *Table {
	if ids == nil {
		ids = &atomic.Int64{}
	}
	t := &Table{
		records: make(map[string]*Record),
		nextID:  ids,
		filter:  filter,
		logger:  logger.Named("aircraft-table"),
	}
	t.shortTrailSeconds.Store(int64(shortTrailSeconds))
	return t
}

// SetShortTrailSeconds changes the short trail window for future updates
func (t *Table) SetShortTrailSeconds(seconds int) {
	t.shortTrailSeconds.Store(int64(seconds))
}

// ProcessMessage applies msg to the aircraft it refers to. DataVersion is
// bumped once for the whole message before any field is stamped.
func (t *Table) ProcessMessage(msg *message.Message, receiverID int) Result {
	rec, created := t.getOrCreate(msg.Icao)
	now := msg.Received
	if now.IsZero() {
		now = time.Now().UTC()
	}
	shortSecs := int(t.shortTrailSeconds.Load())

	res := Result{UniqueID: rec.UniqueID(), Icao: msg.Icao, Created: created}
	rec.Update(func(a *Aircraft) {
		a.DataVersion++
		v := a.DataVersion
		res.DataVersion = v

		a.ReceiverID.Set(receiverID, v)
		if !a.FirstSeen.Known {
			a.FirstSeen.Set(now, v)
		}
		a.LastUpdate.Set(now, v)
		a.CountMessagesReceived.Set(a.CountMessagesReceived.Val+1, v)
		if msg.ModeS != nil {
			a.LastModeS.Set(now, v)
		}

		if msg.Callsign != nil && *msg.Callsign != "" {
			a.Callsign.Set(*msg.Callsign, v)
		}
		if msg.Altitude != nil {
			if t.filter.CheckAltitude(a.UniqueID, now, *msg.Altitude) == sanity.CertainlyWrong {
				res.RejectedAltitude = true
			} else {
				a.Altitude.Set(*msg.Altitude, v)
				a.AltitudeType.Set("barometric", v)
			}
		}
		if msg.GroundSpeed != nil {
			a.GroundSpeed.Set(*msg.GroundSpeed, v)
			a.SpeedType.Set("ground", v)
		}
		if msg.Track != nil {
			a.Track.Set(*msg.Track, v)
			a.TrackIsHeading.Set(false, v)
		}
		if msg.VerticalRate != nil {
			a.VerticalRate.Set(*msg.VerticalRate, v)
			a.VerticalRateType.Set("barometric", v)
		}
		if msg.Squawk != nil {
			a.Squawk.Set(*msg.Squawk, v)
			if msg.Emergency == nil {
				switch *msg.Squawk {
				case 7500, 7600, 7700:
					a.Emergency.Set(true, v)
				default:
					a.Emergency.Set(false, v)
				}
			}
		}
		if msg.Emergency != nil {
			a.Emergency.Set(*msg.Emergency, v)
		}
		if msg.SquawkAlert != nil {
			a.SquawkAlert.Set(*msg.SquawkAlert, v)
		}
		if msg.IdentActive != nil {
			a.IdentActive.Set(*msg.IdentActive, v)
		}
		if msg.OnGround != nil {
			a.OnGround.Set(*msg.OnGround, v)
		}
		if msg.SignalLevel != nil {
			a.SignalLevel.Set(*msg.SignalLevel, v)
		}

		if msg.HasPosition() {
			lat, lon := *msg.Latitude, *msg.Longitude
			if t.filter.CheckPosition(a.UniqueID, now, lat, lon) == sanity.CertainlyWrong {
				res.RejectedPosition = true
			} else {
				a.Latitude.Set(lat, v)
				a.Longitude.Set(lon, v)
				a.PositionTime.Set(now, v)
				a.PositionIsMlat.Set(msg.IsMlat, v)
				a.PositionIsTisb.Set(msg.IsTisb, v)
			}
		}

		a.UpdateCoordinates(now, shortSecs)
	})

	if res.RejectedAltitude || res.RejectedPosition {
		t.logger.Debug("Rejected implausible values",
			logger.String("icao", msg.Icao),
			logger.Bool("altitude", res.RejectedAltitude),
			logger.Bool("position", res.RejectedPosition))
	}
	return res
}

func (t *Table) getOrCreate(icao string) (*Record, bool) {
	t.mu.RLock()
	rec, ok := t.records[icao]
	t.mu.RUnlock()
	if ok {
		return rec, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok = t.records[icao]; ok {
		return rec, false
	}
	rec = NewRecord(t.nextID.Add(1), icao)
	t.records[icao] = rec
	return rec, true
}

// Get returns a copy of one aircraft
func (t *Table) Get(icao string) (*Aircraft, bool) {
	t.mu.RLock()
	rec, ok := t.records[icao]
	t.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Snapshot returns copies of every aircraft ordered by unique id
func (t *Table) Snapshot() []*Aircraft {
	t.mu.RLock()
	recs := make([]*Record, 0, len(t.records))
	for _, r := range t.records {
		recs = append(recs, r)
	}
	t.mu.RUnlock()

	out := make([]*Aircraft, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UniqueID < out[j].UniqueID })
	return out
}

// Versions returns the current DataVersion of every aircraft keyed by ICAO
// without copying any state.
func (t *Table) Versions() map[string]int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]int64, len(t.records))
	for icao, r := range t.records {
		r.mu.Lock()
		out[icao] = r.state.DataVersion
		r.mu.Unlock()
	}
	return out
}

// Count returns the number of aircraft
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// RemoveStale drops aircraft not updated within timeout and returns their
// ICAO addresses.
func (t *Table) RemoveStale(now time.Time, timeout time.Duration) []string {
	t.mu.RLock()
	var stale []string
	for icao, r := range t.records {
		if now.Sub(r.lastUpdate()) > timeout {
			stale = append(stale, icao)
		}
	}
	t.mu.RUnlock()
	if len(stale) == 0 {
		return nil
	}

	t.mu.Lock()
	removed := stale[:0]
	for _, icao := range stale {
		r, ok := t.records[icao]
		// A message may have arrived between the two locks.
		if !ok || now.Sub(r.lastUpdate()) <= timeout {
			continue
		}
		delete(t.records, icao)
		t.filter.Reset(r.UniqueID())
		removed = append(removed, icao)
	}
	t.mu.Unlock()

	if len(removed) > 0 {
		t.logger.Debug("Removed stale aircraft", logger.Int("count", len(removed)))
	}
	return removed
}

// Reset removes every aircraft
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range t.records {
		t.filter.Reset(r.UniqueID())
	}
	t.records = make(map[string]*Record)
}
