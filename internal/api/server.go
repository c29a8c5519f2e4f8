// Package api serves the controller's operator surface: status, manual lid
// control, capacity and the actuation history.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/banshee-data/wastesort/internal/capacity"
	"github.com/banshee-data/wastesort/internal/controller"
	"github.com/banshee-data/wastesort/internal/httputil"
	"github.com/banshee-data/wastesort/internal/lid"
	"github.com/banshee-data/wastesort/internal/version"
	"github.com/banshee-data/wastesort/internal/waste"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 1000
)

// CapacitySource provides the latest fill readings.
type CapacitySource interface {
	Latest() []capacity.Reading
}

// StatusSource reports the actuation server state.
type StatusSource interface {
	Status() controller.Status
}

// EventLog lists recorded lid actuations.
type EventLog interface {
	RecentLidEvents(bin waste.BinID, limit int) ([]lid.Event, error)
}

// Server holds the collaborators behind the HTTP handlers. Events may be nil
// when the event log is disabled.
type Server struct {
	Lids     *lid.Bank
	Capacity CapacitySource
	Status   StatusSource
	Events   EventLog
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Version  version.Info       `json:"version"`
	Server   controller.Status  `json:"server"`
	Lids     []lid.State        `json:"lids"`
	Capacity []capacity.Reading `json:"capacity"`
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

// LoggingMiddleware logs method, path, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Info().
			Str("method", r.Method).
			Str("uri", r.RequestURI).
			Int("status", lrw.statusCode).
			Dur("took", time.Since(start)).
			Msg("http")
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.showStatus)
	mux.HandleFunc("GET /api/lids", s.listLids)
	mux.HandleFunc("POST /api/lids/{bin}/open", s.openLid)
	mux.HandleFunc("POST /api/lids/{bin}/close", s.closeLid)
	mux.HandleFunc("POST /api/lids/{bin}/angle", s.setLidAngle)
	mux.HandleFunc("GET /api/capacity", s.showCapacity)
	mux.HandleFunc("GET /api/events", s.listEvents)
	return mux
}

func (s *Server) capacity() []capacity.Reading {
	if s.Capacity == nil {
		return []capacity.Reading{}
	}
	return s.Capacity.Latest()
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Version:  version.Current(),
		Lids:     s.Lids.Snapshot(),
		Capacity: s.capacity(),
	}
	if s.Status != nil {
		resp.Server = s.Status.Status()
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) listLids(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.Lids.Snapshot())
}

func (s *Server) showCapacity(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.capacity())
}

// lidAction resolves the bin path value, runs fn and answers with the new
// lid state.
func (s *Server) lidAction(w http.ResponseWriter, r *http.Request, fn func(waste.BinID) error) {
	bin, err := waste.ParseBin(r.PathValue("bin"))
	if err != nil {
		httputil.NotFound(w, err.Error())
		return
	}
	a, ok := s.Lids.Actuator(bin)
	if !ok {
		httputil.NotFound(w, "bin not configured")
		return
	}
	if err := fn(bin); err != nil {
		switch {
		case errors.Is(err, lid.ErrAngleRange):
			httputil.BadRequest(w, err.Error())
		default:
			log.Error().Err(err).Str("bin", string(bin)).Msg("manual actuation failed")
			httputil.BadGateway(w, err.Error())
		}
		return
	}
	httputil.WriteJSONOK(w, a.State())
}

func (s *Server) openLid(w http.ResponseWriter, r *http.Request) {
	s.lidAction(w, r, func(bin waste.BinID) error {
		return s.Lids.Open(bin, lid.SourceManual)
	})
}

func (s *Server) closeLid(w http.ResponseWriter, r *http.Request) {
	s.lidAction(w, r, func(bin waste.BinID) error {
		return s.Lids.Close(bin, lid.SourceManual)
	})
}

func (s *Server) setLidAngle(w http.ResponseWriter, r *http.Request) {
	angle, err := strconv.Atoi(r.FormValue("angle"))
	if err != nil {
		httputil.BadRequest(w, "angle must be an integer between 0 and 100")
		return
	}
	s.lidAction(w, r, func(bin waste.BinID) error {
		return s.Lids.SetAngle(bin, angle, lid.SourceManual)
	})
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httputil.ServiceUnavailable(w, "event log disabled")
		return
	}
	limit := defaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httputil.BadRequest(w, "limit must be a positive integer")
			return
		}
		limit = min(n, maxEventLimit)
	}
	var bin waste.BinID
	if v := r.URL.Query().Get("bin"); v != "" {
		b, err := waste.ParseBin(v)
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		bin = b
	}
	events, err := s.Events.RecentLidEvents(bin, limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if events == nil {
		events = []lid.Event{}
	}
	httputil.WriteJSONOK(w, events)
}
