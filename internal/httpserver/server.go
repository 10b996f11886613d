package httpserver

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tinytelemetry/pgqexporter/internal/model"
	"go.uber.org/zap"
)

// maxBodyBytes bounds a /send-metrics request body.
const maxBodyBytes = 10 << 20

// Backend is the aggregator contract required by the HTTP API.
type Backend interface {
	model.EventSink
	prometheus.Gatherer
	Len() int
}

// Server serves the scrape endpoint and accepts pushed events.
type Server struct {
	addr      string
	backend   Backend
	gatherers prometheus.Gatherers
	logger    *zap.Logger
	server    *http.Server
	listener  net.Listener
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// NewServer creates a new HTTP API server. extra gatherers, such as the
// exporter's own metrics, are exposed next to the backend's.
func NewServer(addr string, backend Backend, logger *zap.Logger, extra ...prometheus.Gatherer) *Server {
	if addr == "" {
		addr = "0.0.0.0:9127"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      addr,
		backend:   backend,
		gatherers: append(prometheus.Gatherers{backend}, extra...),
		logger:    logger.With(zap.String("component", "httpserver")),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherers, promhttp.HandlerOpts{
		ErrorLog:      zap.NewStdLog(s.logger),
		ErrorHandling: promhttp.ContinueOnError,
	})))
	r.POST("/send-metrics", s.handleSendMetrics)
	r.GET("/api/health", s.handleHealth)
	return r
}

// Start binds the listener and serves in the background. Serve errors are
// only logged; use Listen and Serve to observe them.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	go func() {
		if err := s.Serve(); err != nil {
			s.logger.Error("serve", zap.Error(err))
		}
	}()
	return nil
}

// Listen binds the server's address.
func (s *Server) Listen() error {
	gin.SetMode(gin.ReleaseMode)

	s.server = &http.Server{
		Handler:           s.Handler(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrap(err, "httpserver: listen")
	}
	s.listener = listener
	s.startTime = time.Now()
	s.logger.Info("listening", zap.String("addr", listener.Addr().String()))
	return nil
}

// Serve blocks serving requests on the bound listener until Stop. It
// returns nil after a graceful Stop and the serve error otherwise.
func (s *Server) Serve() error {
	if s.listener == nil {
		return errors.New("httpserver: serve before listen")
	}
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "httpserver: serve")
	}
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"uptime":   time.Since(s.startTime).String(),
		"buffered": s.backend.Len(),
	})
}

func (s *Server) handleSendMetrics(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
		return
	}

	events, err := model.DecodeEvents(body)
	if err != nil {
		s.logger.Debug("rejected events", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event payload: " + err.Error()})
		return
	}

	for _, ev := range events {
		s.backend.Ingest(ev)
	}
	c.JSON(http.StatusOK, gin.H{"accepted": len(events)})
}
