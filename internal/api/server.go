// Package api serves the current estimate, the position log and the active
// configuration over HTTP, plus the locator's debug pages.
package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"tailscale.com/tsweb"

	"github.com/banshee-data/ultrasonic.position/internal/db"
	"github.com/banshee-data/ultrasonic.position/internal/geometry"
	"github.com/banshee-data/ultrasonic.position/internal/httputil"
	"github.com/banshee-data/ultrasonic.position/internal/locator"
	"github.com/banshee-data/ultrasonic.position/internal/monitoring"
	"github.com/banshee-data/ultrasonic.position/internal/position"
	"github.com/banshee-data/ultrasonic.position/internal/solver"
	"github.com/banshee-data/ultrasonic.position/internal/version"
)

// ANSI escape codes for the request log.
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

const (
	defaultPositionsLimit = 100
	maxPositionsLimit     = 5000
)

// PositionSource yields the current estimate and whether it is new to this
// reader. *position.Publisher and *sink.Latest implement it.
type PositionSource interface {
	Poll() (position.Estimate, bool)
}

// PositionStore serves logged estimates. *db.DB implements it.
type PositionStore interface {
	RecentPositions(limit int) ([]db.PositionRecord, error)
}

type Server struct {
	src      PositionSource
	cfg      locator.Config
	store    PositionStore
	traces   *monitoring.TraceRing
	gatherer prometheus.Gatherer
}

// Option configures optional Server features.
type Option func(*Server)

// WithStore enables /api/positions and the track chart.
func WithStore(store PositionStore) Option {
	return func(s *Server) { s.store = store }
}

// WithTraceRing enables /debug/traces.
func WithTraceRing(r *monitoring.TraceRing) Option {
	return func(s *Server) { s.traces = r }
}

// WithGatherer enables /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

func NewServer(src PositionSource, cfg locator.Config, opts ...Option) *Server {
	s := &Server{src: src, cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the API routes. Debug pages hang off the shared tsweb
// /debug/ index, so db.AttachAdminRoutes can add to the same mux.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/position", s.showPosition)
	mux.HandleFunc("/api/positions", s.listPositions)
	mux.HandleFunc("/api/config", s.showConfig)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	debug := tsweb.Debugger(mux)
	debug.Handle("traces", "Recent solver iterations (JSON)", http.HandlerFunc(s.showTraces))
	debug.Handle("track", "Recent positions inside the transmitter rectangle", http.HandlerFunc(s.showTrack))
	return mux
}

// PositionResponse is the body of GET /api/position.
type PositionResponse struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Error   float64 `json:"error"`
	NewData bool    `json:"new_data"`
}

func (s *Server) showPosition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	est, fresh := s.src.Poll()
	httputil.WriteJSONOK(w, PositionResponse{X: est.X, Y: est.Y, Error: est.Error, NewData: fresh})
}

func (s *Server) listPositions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	if s.store == nil {
		httputil.ServiceUnavailable(w, "position log is not enabled")
		return
	}
	limit, err := httputil.QueryInt(r, "limit", defaultPositionsLimit, 1, maxPositionsLimit)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	records, err := s.store.RecentPositions(limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve positions: %v", err))
		return
	}
	if records == nil {
		records = []db.PositionRecord{}
	}
	httputil.WriteJSONOK(w, records)
}

// GeometryResponse is the geometry section of GET /api/config.
type GeometryResponse struct {
	WidthFt      float64                              `json:"width_ft"`
	HeightFt     float64                              `json:"height_ft"`
	ZOffsetFt    float64                              `json:"z_offset_ft"`
	WaveSpeedFps float64                              `json:"wave_speed_fps"`
	TickRateHz   uint32                               `json:"tick_rate_hz"`
	TxSpacing    string                               `json:"tx_spacing"`
	Transmitters [geometry.NumTransmitters][3]float64 `json:"transmitters"`
}

// ConfigResponse is the body of GET /api/config.
type ConfigResponse struct {
	Version          string           `json:"version"`
	Geometry         GeometryResponse `json:"geometry"`
	Solver           solver.Params    `json:"solver"`
	ReportRejections bool             `json:"report_rejections"`
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	g := s.cfg.Geometry
	resp := ConfigResponse{
		Version: version.Version,
		Geometry: GeometryResponse{
			WidthFt:      g.Width,
			HeightFt:     g.Height,
			ZOffsetFt:    g.ZOffset,
			WaveSpeedFps: g.WaveSpeed,
			TickRateHz:   g.TickRate,
			TxSpacing:    g.TxSpacing.String(),
		},
		Solver:           s.cfg.Params,
		ReportRejections: s.cfg.ReportRejections,
	}
	for i, tx := range g.Transmitters() {
		resp.Geometry.Transmitters[i] = [3]float64{tx.X, tx.Y, tx.Z}
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) showTraces(w http.ResponseWriter, r *http.Request) {
	if s.traces == nil {
		httputil.ServiceUnavailable(w, "convergence tracing is not enabled")
		return
	}
	httputil.WriteJSONOK(w, s.traces.Recent())
}
