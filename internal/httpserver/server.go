package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skobkin/jobmon/internal/api"
	"github.com/skobkin/jobmon/internal/config"
	"github.com/skobkin/jobmon/internal/gpu"
	"github.com/skobkin/jobmon/internal/sampler"
	"github.com/skobkin/jobmon/internal/version"
)

const (
	readHeaderTimeout = 5 * time.Second
	wsSendQueueSize   = 16
)

// SampleFeed is the live view of recorded samples.
type SampleFeed interface {
	Latest() (sampler.Sample, bool)
	Subscribe() (<-chan sampler.Sample, func())
	Published() uint64
}

// RunSource reports the state of the supervised run.
type RunSource interface {
	RunInfo() api.RunInfo
}

// Options holds the Server collaborators.
type Options struct {
	GPUs    []gpu.Info
	Sources []string
	Feed    SampleFeed
	Run     RunSource
}

// Server exposes the live state of a run over HTTP while the job executes.
type Server struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	gpus       []gpu.Info
	sources    []string
	feed       SampleFeed
	run        RunSource
	addr       atomic.Value

	maxWSClients int64
	wsActive     atomic.Int64
	wsTotal      atomic.Uint64
	wsRejected   atomic.Uint64
	wsSent       atomic.Uint64
	wsDropped    atomic.Uint64
	wsConnIDs    atomic.Uint64
	requestIDs   atomic.Uint64
}

// New assembles a Server with its handlers.
func New(cfg config.Config, logger *slog.Logger, opts Options) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		gpus:    append([]gpu.Info(nil), opts.GPUs...),
		sources: append([]string(nil), opts.Sources...),
		feed:    opts.Feed,
		run:     opts.Run,
	}

	if cfg.WS.MaxClients > 0 {
		s.maxWSClients = int64(cfg.WS.MaxClients)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/version", s.handleVersion)
	mux.HandleFunc("/api/run", s.handleRun)
	mux.HandleFunc("/api/gpus", s.handleGPUs)
	mux.HandleFunc("/api/samples/latest", s.handleLatestSample)
	mux.HandleFunc("/ws", s.handleWS)

	if cfg.EnablePrometheus {
		s.registerPrometheus(mux)
	}

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.withRequestLogging(mux),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return s
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.addr.Store(ln.Addr().String())
	s.logger.Info("listening", "addr", ln.Addr().String())
	err := s.httpServer.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("listener stopped")
	return nil
}

// Addr returns the bound address once serving started.
func (s *Server) Addr() string {
	if addr, ok := s.addr.Load().(string); ok {
		return addr
	}
	return ""
}

// Shutdown attempts a graceful shutdown within the supplied context.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	s.writeJSON(w, r, version.Current())
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	if s.run == nil {
		http.Error(w, "run status unavailable", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, r, s.run.RunInfo())
}

func (s *Server) handleGPUs(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	gpus := s.gpus
	if gpus == nil {
		gpus = []gpu.Info{}
	}
	s.writeJSON(w, r, gpus)
}

func (s *Server) handleLatestSample(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	if s.feed == nil {
		http.Error(w, "sample feed unavailable", http.StatusServiceUnavailable)
		return
	}
	sample, ok := s.feed.Latest()
	if !ok {
		http.Error(w, "no sample available", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, r, sample)
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, payload any) {
	logger := s.loggerFromContext(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("failed to encode response", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet {
		return true
	}
	w.Header().Set("Allow", http.MethodGet)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	reqLogger := s.loggerFromContext(r.Context())
	if !allowGet(w, r) {
		return
	}
	if s.feed == nil {
		http.Error(w, "sample feed unavailable", http.StatusServiceUnavailable)
		return
	}

	if !s.reserveWS() {
		reqLogger.Warn("websocket rejected", "reason", "capacity")
		http.Error(w, "websocket capacity reached", http.StatusServiceUnavailable)
		return
	}
	defer s.releaseWS()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.cfg.AllowedOrigins),
	})
	if err != nil {
		reqLogger.Warn("websocket accept failed", "err", err)
		return
	}

	connID := s.wsConnIDs.Add(1)
	s.wsTotal.Add(1)
	logger := reqLogger.With("ws_id", connID)
	outbound := newWSOutbound(wsSendQueueSize, &s.wsDropped)

	var run api.RunInfo
	if s.run != nil {
		run = s.run.RunInfo()
	}
	hello := api.NewHelloMessage(run, s.gpus, s.sources, map[string]bool{
		"gpu":        len(s.gpus) > 0,
		"prometheus": s.cfg.EnablePrometheus,
	})

	ctx, cancel := context.WithCancel(r.Context())

	writerDone := make(chan struct{})
	go s.wsWriter(ctx, conn, outbound, cancel, logger, writerDone)

	samples, unsubscribe := s.feed.Subscribe()
	closeStatus, closeReason := websocket.StatusNormalClosure, ""
	// Queued messages are flushed and the close handshake completes while
	// the reader is still running; cancel only after that.
	defer func() {
		unsubscribe()
		outbound.close()
		<-writerDone
		closeWebsocket(logger, conn, closeStatus, closeReason)
		cancel()
	}()

	if !s.enqueueMessage(outbound, hello, logger) {
		return
	}

	messageCh := make(chan []byte, 8)
	readErrCh := make(chan error, 1)
	go readMessages(ctx, conn, messageCh, readErrCh)

	for {
		select {
		case sample, ok := <-samples:
			if !ok {
				closeStatus, closeReason = websocket.StatusGoingAway, "run finished"
				return
			}
			if !s.enqueueMessage(outbound, api.NewStatsMessage(sample), logger) {
				return
			}
		case data, ok := <-messageCh:
			if !ok {
				messageCh = nil
				continue
			}
			if !s.handleClientMessage(outbound, data, logger) {
				return
			}
		case err := <-readErrCh:
			if err != nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				logger.Debug("websocket read error", "err", err)
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

func readMessages(ctx context.Context, conn *websocket.Conn, out chan<- []byte, errCh chan<- error) {
	defer close(out)
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			errCh <- err
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		select {
		case out <- data:
		case <-ctx.Done():
			return
		}
	}
}

// handleClientMessage answers pings; it returns false when the connection
// should be dropped.
func (s *Server) handleClientMessage(outbound *wsOutbound, data []byte, logger *slog.Logger) bool {
	var envelope api.ClientMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		logger.Debug("invalid client message", "err", err)
		return s.enqueueMessage(outbound, api.ErrorMessage{Type: "error", Message: "invalid message"}, logger)
	}

	switch envelope.Type {
	case "ping":
		return s.enqueueMessage(outbound, api.PongMessage{Type: "pong"}, logger)
	default:
		logger.Debug("unknown message type", "type", envelope.Type)
		return true
	}
}

func (s *Server) wsWriter(ctx context.Context, conn *websocket.Conn, outbound *wsOutbound, cancel context.CancelFunc, logger *slog.Logger, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-outbound.channel():
			if !ok {
				return
			}
			if err := s.writeRaw(ctx, conn, msg); err != nil {
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
					logger.Warn("websocket write failed", "err", err)
				}
				cancel()
				return
			}
			s.wsSent.Add(1)
		}
	}
}

func (s *Server) writeRaw(ctx context.Context, conn *websocket.Conn, data []byte) error {
	writeCtx := ctx
	if s.cfg.WS.WriteTimeout > 0 {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(ctx, s.cfg.WS.WriteTimeout)
		defer cancel()
	}
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func (s *Server) enqueueMessage(outbound *wsOutbound, payload any, logger *slog.Logger) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Error("failed to marshal websocket payload", "err", err)
		return false
	}
	if !outbound.enqueue(data) {
		logger.Warn("websocket outbound queue unavailable")
		return false
	}
	return true
}

func (s *Server) reserveWS() bool {
	if s.maxWSClients <= 0 {
		s.wsActive.Add(1)
		return true
	}

	for {
		current := s.wsActive.Load()
		if current >= s.maxWSClients {
			s.wsRejected.Add(1)
			return false
		}
		if s.wsActive.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (s *Server) releaseWS() {
	s.wsActive.Add(-1)
}

func (s *Server) registerPrometheus(mux *http.ServeMux) {
	registry := prometheus.NewRegistry()
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "jobmon",
			Subsystem: "ws",
			Name:      "active_connections",
			Help:      "Current number of active WebSocket clients.",
		}, func() float64 {
			return float64(s.wsActive.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "jobmon",
			Subsystem: "ws",
			Name:      "connections_total",
			Help:      "Total WebSocket connections accepted since start.",
		}, func() float64 {
			return float64(s.wsTotal.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "jobmon",
			Subsystem: "ws",
			Name:      "rejected_total",
			Help:      "Total WebSocket connection attempts rejected due to capacity.",
		}, func() float64 {
			return float64(s.wsRejected.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "jobmon",
			Subsystem: "ws",
			Name:      "messages_sent_total",
			Help:      "Total WebSocket messages sent to clients.",
		}, func() float64 {
			return float64(s.wsSent.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "jobmon",
			Subsystem: "ws",
			Name:      "messages_dropped_total",
			Help:      "Total WebSocket messages dropped due to backpressure.",
		}, func() float64 {
			return float64(s.wsDropped.Load())
		}),
	}

	if sampleCollector := newSampleCollector(s.feed); sampleCollector != nil {
		collectors = append(collectors, sampleCollector)
	}

	for _, collector := range collectors {
		registry.MustRegister(collector)
	}

	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}

func originPatterns(origins []string) []string {
	for _, origin := range origins {
		if origin == "*" {
			return nil
		}
	}
	dst := make([]string, len(origins))
	copy(dst, origins)
	return dst
}
