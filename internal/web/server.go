// Package web provides the HTTP surface of the water-sensor daemon: the
// relay control endpoint, sensor ingestion, the readings window and a
// status page.
package web

import (
	"bytes"
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sweeney/water-sensor/internal/ingest"
	"github.com/sweeney/water-sensor/internal/relay"
	"github.com/sweeney/water-sensor/internal/status"
)

// Relays is the relay control surface. Satisfied by *relay.Coordinator.
type Relays interface {
	GetSnapshot(ctx context.Context) (relay.Snapshot, error)
	SetState(ctx context.Context, id int, on bool) (relay.Snapshot, error)
}

// DefaultRequestTimeout bounds each relay request.
const DefaultRequestTimeout = 5 * time.Second

// Server serves the daemon's HTTP endpoints.
type Server struct {
	httpServer *http.Server
	engine     *gin.Engine
	relays     Relays
	gate       *ingest.Gate
	tracker    *status.Tracker
	gatherer   prometheus.Gatherer
	timeout    time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithGatherer exposes g on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithRequestTimeout overrides DefaultRequestTimeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) { s.timeout = d }
}

// New creates a Server listening on addr.
func New(addr string, relays Relays, gate *ingest.Gate, tracker *status.Tracker, opts ...Option) *Server {
	s := &Server{
		relays:  relays,
		gate:    gate,
		tracker: tracker,
		timeout: DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		Output:    log.Writer(),
		SkipPaths: []string{"/relay-state", "/healthz", "/metrics"},
	}))

	engine.GET("/relay-state", s.handleGetRelayState)
	engine.POST("/relay-state", s.handleSetRelayState)
	engine.POST("/sensor-data", s.handleSensorData)
	engine.GET("/readings", s.handleReadings)
	engine.GET("/", s.handleIndex)
	engine.GET("/index.html", s.handleIndex)
	engine.GET("/index.json", s.handleJSON)
	engine.GET("/healthz", s.handleHealth)
	if s.gatherer != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	s.engine = engine
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(c.Request.Context())
	}
	return context.WithTimeout(c.Request.Context(), s.timeout)
}

func (s *Server) handleGetRelayState(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	snap, err := s.relays.GetSnapshot(ctx)
	writeRelayResult(c, snap, err)
}

func (s *Server) handleSetRelayState(c *gin.Context) {
	id, err := strconv.Atoi(strings.TrimSpace(c.PostForm("relay")))
	if err != nil {
		c.JSON(http.StatusBadRequest, relay.ResponseJSON{Error: "relay must be an integer id"})
		return
	}
	var on bool
	switch strings.TrimSpace(c.PostForm("state")) {
	case "1":
		on = true
	case "0":
		on = false
	default:
		c.JSON(http.StatusBadRequest, relay.ResponseJSON{Error: "state must be 0 or 1"})
		return
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	snap, err := s.relays.SetState(ctx, id, on)
	writeRelayResult(c, snap, err)
}

// writeRelayResult maps a coordinator result onto the /relay-state contract.
func writeRelayResult(c *gin.Context, snap relay.Snapshot, err error) {
	switch {
	case err == nil:
		c.JSON(http.StatusOK, relay.ResponseJSON{Success: true, States: relay.FormatStates(snap)})
	case errors.Is(err, relay.ErrPartialSnapshot):
		c.JSON(http.StatusOK, relay.ResponseJSON{Success: true, Partial: true, States: relay.FormatStates(snap)})
	case errors.Is(err, relay.ErrInvalidChannel):
		c.JSON(http.StatusBadRequest, relay.ResponseJSON{Error: err.Error()})
	default:
		log.Printf("web: %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		c.JSON(http.StatusServiceUnavailable, relay.ResponseJSON{Error: relay.ErrStoreUnavailable.Error()})
	}
}

// sampleJSON is the JSON body of a sensor push.
type sampleJSON struct {
	Turbidity   *float64 `json:"turbidity"`
	TDS         *float64 `json:"tds"`
	PH          *float64 `json:"ph"`
	Temperature *float64 `json:"temperature"`
}

func (s *Server) handleSensorData(c *gin.Context) {
	sample, err := bindSample(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	reading, err := s.gate.Accept(c.Request.Context(), sample)
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, gin.H{"success": true, "reading": reading})
	case errors.Is(err, ingest.ErrInvalidSample):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
	default:
		log.Printf("web: sensor data: %v", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "reading store unavailable"})
	}
}

// bindSample reads a push from a JSON body or from form fields.
func bindSample(c *gin.Context) (ingest.Sample, error) {
	if c.ContentType() == gin.MIMEJSON {
		var body sampleJSON
		if err := c.ShouldBindJSON(&body); err != nil {
			return ingest.Sample{}, err
		}
		return ingest.Sample{
			Turbidity:   body.Turbidity,
			TDS:         body.TDS,
			PH:          body.PH,
			Temperature: body.Temperature,
		}, nil
	}

	var sample ingest.Sample
	for _, f := range []struct {
		name string
		dst  **float64
	}{
		{"turbidity", &sample.Turbidity},
		{"tds", &sample.TDS},
		{"ph", &sample.PH},
		{"temperature", &sample.Temperature},
	} {
		raw := strings.TrimSpace(c.PostForm(f.name))
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return ingest.Sample{}, errors.New(f.name + " must be a number")
		}
		*f.dst = &v
	}
	return sample, nil
}

func (s *Server) handleReadings(c *gin.Context) {
	w, err := s.gate.Window(c.Request.Context())
	if err != nil {
		log.Printf("web: readings: %v", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reading store unavailable"})
		return
	}
	c.JSON(http.StatusOK, w)
}

func (s *Server) handleIndex(c *gin.Context) {
	var buf bytes.Buffer
	if err := renderHTML(&buf, s.tracker.Snapshot()); err != nil {
		log.Printf("web: render index: %v", err)
		c.String(http.StatusInternalServerError, "render failed")
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", buf.Bytes())
}

func (s *Server) handleJSON(c *gin.Context) {
	c.Data(http.StatusOK, "application/json", status.FormatJSON(s.tracker.Snapshot()))
}

func (s *Server) handleHealth(c *gin.Context) {
	snap := s.tracker.Snapshot()
	code := http.StatusOK
	if !snap.Ready() {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"ready":          snap.Ready(),
		"stale":          snap.Sync.Stale,
		"uptime_seconds": int64(snap.Uptime().Seconds()),
	})
}
