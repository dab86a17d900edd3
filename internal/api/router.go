package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/yegors/skyrelay/pkg/logger"
)

// Router builds the HTTP routes of the status surface
type Router struct {
	handler   *Handler
	websocket http.HandlerFunc
	logger    *logger.Logger
}

// NewRouter creates a router. ws serves /ws and may be nil.
func NewRouter(handler *Handler, ws http.HandlerFunc, logger *logger.Logger) *Router {
	return &Router{
		handler:   handler,
		websocket: ws,
		logger:    logger.Named("api-router"),
	}
}

// Routes returns the root handler
func (rt *Router) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(rt.requestLogger)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Get("/health", rt.handler.GetHealth)
		r.Get("/feeds", rt.handler.GetFeeds)
		r.Get("/feeds/{id}", rt.handler.GetFeed)
		r.Get("/feeds/{id}/aircraft", rt.handler.GetAircraft)
		r.Get("/feeds/{id}/aircraft/{icao}", rt.handler.GetAircraftByIcao)
		r.Get("/rebroadcast", rt.handler.GetRebroadcast)
		r.Get("/exceptions", rt.handler.GetExceptions)
	})

	if rt.websocket != nil {
		r.Get("/ws", rt.websocket)
	}
	return r
}

func (rt *Router) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		rt.logger.Debug("HTTP request",
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
			logger.Int("status", ww.Status()),
			logger.Duration("duration", time.Since(start)),
			logger.String("remote_addr", r.RemoteAddr))
	})
}
