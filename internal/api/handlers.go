package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/yegors/skyrelay/internal/aircraft"
	"github.com/yegors/skyrelay/internal/feed"
	"github.com/yegors/skyrelay/internal/geodesy"
	"github.com/yegors/skyrelay/internal/notify"
	"github.com/yegors/skyrelay/internal/rebroadcast"
	"github.com/yegors/skyrelay/pkg/logger"
)

// Feeds is the part of the feed manager the API reads
type Feeds interface {
	Feeds() []*feed.Feed
	Feed(uniqueID int) (*feed.Feed, bool)
}

// Rebroadcast is the part of the rebroadcast coordinator the API reads
type Rebroadcast interface {
	Connections() []rebroadcast.ServerStatus
	Online() bool
}

// Exceptions lists recently reported background errors
type Exceptions interface {
	Recent() []notify.Notification
}

// Handler contains the API handlers
type Handler struct {
	feeds       Feeds
	rebroadcast Rebroadcast
	exceptions  Exceptions
	started     time.Time
	version     string
	logger      *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(feeds Feeds, rebroadcast Rebroadcast, exceptions Exceptions, version string, logger *logger.Logger) *Handler {
	return &Handler{
		feeds:       feeds,
		rebroadcast: rebroadcast,
		exceptions:  exceptions,
		started:     time.Now().UTC(),
		version:     version,
		logger:      logger.Named("api-handler"),
	}
}

// GetHealth returns the health status of the API
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	feeds := h.feeds.Feeds()
	aircraftCount := 0
	for _, f := range feeds {
		aircraftCount += f.Table().Count()
	}
	response := map[string]any{
		"status":             "ok",
		"version":            h.version,
		"started":            h.started,
		"feed_count":         len(feeds),
		"aircraft_count":     aircraftCount,
		"rebroadcast_online": h.rebroadcast.Online(),
	}
	WriteJSON(w, http.StatusOK, response)
}

// GetFeeds returns the statistics of every feed
func (h *Handler) GetFeeds(w http.ResponseWriter, r *http.Request) {
	feeds := h.feeds.Feeds()
	stats := make([]feed.Stats, 0, len(feeds))
	for _, f := range feeds {
		stats = append(stats, f.Stats())
	}
	WriteJSON(w, http.StatusOK, stats)
}

// GetFeed returns the statistics of one feed
func (h *Handler) GetFeed(w http.ResponseWriter, r *http.Request) {
	f, ok := h.feedFromURL(w, r)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, f.Stats())
}

// AircraftListResponse is the body of the aircraft list endpoint
type AircraftListResponse struct {
	FeedID      int                  `json:"feed_id"`
	Count       int                  `json:"count"`
	DataVersion int64                `json:"data_version"`
	Aircraft    []*aircraft.Aircraft `json:"aircraft"`
}

// GetAircraft returns the aircraft of one feed. Query parameters:
// changed_since=<data version> keeps only aircraft updated after that
// version; trail=none|short|full picks which trails are included (short
// is the default).
func (h *Handler) GetAircraft(w http.ResponseWriter, r *http.Request) {
	f, ok := h.feedFromURL(w, r)
	if !ok {
		return
	}

	var since int64
	if v := r.URL.Query().Get("changed_since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			http.Error(w, "Invalid changed_since", http.StatusBadRequest)
			return
		}
		since = n
	}
	trail, ok := parseTrail(r)
	if !ok {
		http.Error(w, "Invalid trail (must be none, short or full)", http.StatusBadRequest)
		return
	}

	snapshot := f.Table().Snapshot()
	resp := AircraftListResponse{FeedID: f.UniqueID(), Count: len(snapshot), Aircraft: make([]*aircraft.Aircraft, 0, len(snapshot))}
	for _, a := range snapshot {
		if a.DataVersion > resp.DataVersion {
			resp.DataVersion = a.DataVersion
		}
		if a.DataVersion <= since {
			continue
		}
		applyTrail(a, trail)
		resp.Aircraft = append(resp.Aircraft, a)
	}
	WriteJSON(w, http.StatusOK, resp)
}

// GetAircraftByIcao returns one aircraft of a feed
func (h *Handler) GetAircraftByIcao(w http.ResponseWriter, r *http.Request) {
	f, ok := h.feedFromURL(w, r)
	if !ok {
		return
	}
	icao := strings.ToUpper(chi.URLParam(r, "icao"))
	if icao == "" {
		http.Error(w, "Missing aircraft ICAO", http.StatusBadRequest)
		return
	}
	trail, ok := parseTrail(r)
	if !ok {
		http.Error(w, "Invalid trail (must be none, short or full)", http.StatusBadRequest)
		return
	}

	a, found := f.Table().Get(icao)
	if !found {
		http.Error(w, "Aircraft not found", http.StatusNotFound)
		return
	}
	applyTrail(a, trail)
	WriteJSON(w, http.StatusOK, h.detail(a))
}

// AircraftDetail is one aircraft with values derived from its state
type AircraftDetail struct {
	*aircraft.Aircraft
	MagneticVariation *float64 `json:"magnetic_variation,omitempty"`
	MagneticTrack     *float64 `json:"magnetic_track,omitempty"`
}

func (h *Handler) detail(a *aircraft.Aircraft) AircraftDetail {
	d := AircraftDetail{Aircraft: a}
	if !a.Latitude.Known || !a.Longitude.Known {
		return d
	}
	at := time.Now().UTC()
	if a.LastUpdate.Known {
		at = a.LastUpdate.Val
	}
	variation, err := geodesy.MagneticVariation(a.Latitude.Val, a.Longitude.Val, a.Altitude.Val, at)
	if err != nil {
		h.logger.Debug("No magnetic variation", logger.String("icao", a.Icao), logger.Error(err))
		return d
	}
	d.MagneticVariation = &variation
	if a.Track.Known {
		track := geodesy.MagneticTrack(a.Track.Val, variation)
		d.MagneticTrack = &track
	}
	return d
}

// GetRebroadcast returns every rebroadcast server with its clients
func (h *Handler) GetRebroadcast(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"online":  h.rebroadcast.Online(),
		"servers": h.rebroadcast.Connections(),
	})
}

// GetExceptions returns recently reported background errors
func (h *Handler) GetExceptions(w http.ResponseWriter, r *http.Request) {
	recent := []notify.Notification{}
	if h.exceptions != nil {
		recent = append(recent, h.exceptions.Recent()...)
	}
	WriteJSON(w, http.StatusOK, recent)
}

func (h *Handler) feedFromURL(w http.ResponseWriter, r *http.Request) (*feed.Feed, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid feed ID", http.StatusBadRequest)
		return nil, false
	}
	f, found := h.feeds.Feed(id)
	if !found {
		http.Error(w, "Feed not found", http.StatusNotFound)
		return nil, false
	}
	return f, true
}

type trailMode int

const (
	trailShort trailMode = iota
	trailNone
	trailFull
)

func parseTrail(r *http.Request) (trailMode, bool) {
	switch r.URL.Query().Get("trail") {
	case "", "short":
		return trailShort, true
	case "none":
		return trailNone, true
	case "full":
		return trailFull, true
	}
	return trailShort, false
}

// applyTrail trims the trails of a copy handed out by the table
func applyTrail(a *aircraft.Aircraft, mode trailMode) {
	switch mode {
	case trailNone:
		a.FullTrail, a.ShortTrail = nil, nil
	case trailShort:
		a.FullTrail = nil
	}
}

// WriteJSON writes a JSON response
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
