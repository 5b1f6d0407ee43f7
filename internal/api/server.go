package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/busybox42/mxverify/internal/metrics"
	"github.com/busybox42/mxverify/internal/verify"
	"github.com/gorilla/mux"
)

const (
	// DefaultMaxBatch bounds the addresses accepted by POST /verify/batch
	DefaultMaxBatch = 100

	// maxResponseMX is how many MX hosts a single verification response lists
	maxResponseMX = 3

	maxBodyBytes = 1 << 20
)

// DefaultWriteTimeout is used when Config.WriteTimeout is unset
const DefaultWriteTimeout = 5 * time.Minute

// Verifier is what the API needs from the verification pipeline
type Verifier interface {
	Verify(ctx context.Context, email string) *verify.Outcome
	VerifyBatch(ctx context.Context, emails []string) []*verify.Outcome
	Stats(ctx context.Context) (verify.Stats, error)
}

// Config represents API server configuration
type Config struct {
	ListenAddr      string
	Version         string
	MaxBatch        int
	ShutdownTimeout time.Duration

	// WriteTimeout must cover the slowest full batch
	WriteTimeout time.Duration
	RateLimit       RateLimitConfig
	CORS            CORSConfig

	// LogLevel is exposed on /logging/level when set
	LogLevel *slog.LevelVar
}

// Server is the HTTP front end of the verifier
type Server struct {
	config      Config
	verifier    Verifier
	metrics     *metrics.Metrics
	logger      *slog.Logger
	handler     http.Handler
	httpServer  *http.Server
	listener    net.Listener
	rateLimiter *RateLimitMiddleware
}

// NewServer creates a new API server
func NewServer(config Config, verifier Verifier, m *metrics.Metrics, logger *slog.Logger) (*Server, error) {
	if verifier == nil {
		return nil, errors.New("api server requires a verifier")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxBatch <= 0 {
		config.MaxBatch = DefaultMaxBatch
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 10 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultWriteTimeout
	}
	if config.Version == "" {
		config.Version = "dev"
	}

	s := &Server{
		config:      config,
		verifier:    verifier,
		metrics:     m,
		logger:      logger.With("component", "api"),
		rateLimiter: NewRateLimitMiddleware(config.RateLimit),
	}
	s.handler = s.routes()
	return s, nil
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(recordRoute)

	r.HandleFunc("/", s.handleRoot).Methods("GET")
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/stats", s.handleStats).Methods("GET")

	// Probing endpoints cost remote SMTP sessions and are rate limited
	r.Handle("/verify", s.rateLimiter.Limit(http.HandlerFunc(s.handleVerify))).Methods("POST")
	r.Handle("/verify/batch", s.rateLimiter.Limit(http.HandlerFunc(s.handleVerifyBatch))).Methods("POST")

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}
	if s.config.LogLevel != nil {
		r.HandleFunc("/logging/level", s.handleGetLogLevel).Methods("GET")
		r.HandleFunc("/logging/level", s.handleSetLogLevel).Methods("POST", "PUT")
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	// Outside the router so preflight requests never reach method matching
	var h http.Handler = r
	h = NewCORSMiddleware(s.config.CORS).Handler(h)
	h = Recovery(s.logger)(h)
	h = AccessLog(s.logger, s.metrics)(h)
	h = RequestID(h)
	return h
}

// Handler returns the full middleware chain and router
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start binds the listen address and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}
	s.listener = ln

	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       2 * time.Minute,
	}

	go func() {
		s.logger.Info("Starting API server", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr is the bound address, valid after Start
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.ListenAddr
	}
	return s.listener.Addr().String()
}

// Stop drains in-flight requests, waiting at most the shutdown timeout
func (s *Server) Stop(ctx context.Context) error {
	s.rateLimiter.Stop()

	if s.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Stopping API server")
	return s.httpServer.Shutdown(ctx)
}

// VerifyRequest is the body of POST /verify
type VerifyRequest struct {
	Email string `json:"email"`
}

// BatchRequest is the body of POST /verify/batch
type BatchRequest struct {
	Emails []string `json:"emails"`
}

// VerifyResponse is one verification as returned to clients
type VerifyResponse struct {
	Email            string   `json:"email"`
	IsValid          bool     `json:"is_valid"`
	StatusCode       *int     `json:"status_code"`
	ServerResponse   string   `json:"server_response"`
	VerificationTime float64  `json:"verification_time"`
	Cached           bool     `json:"cached"`
	MXRecords        []string `json:"mx_records"`
	ErrorMessage     string   `json:"error_message,omitempty"`
}

// BatchResponse is the body returned by POST /verify/batch
type BatchResponse struct {
	Count   int              `json:"count"`
	Results []VerifyResponse `json:"results"`
}

func newVerifyResponse(o *verify.Outcome) VerifyResponse {
	resp := VerifyResponse{
		Email:            o.Email,
		IsValid:          o.IsValid,
		ServerResponse:   o.ServerResponse,
		VerificationTime: o.ElapsedSeconds,
		Cached:           o.FromCache,
		MXRecords:        o.MXRecords,
		ErrorMessage:     o.ErrorMessage,
	}
	if o.StatusCode != 0 {
		code := o.StatusCode
		resp.StatusCode = &code
	}
	if len(resp.MXRecords) > maxResponseMX {
		resp.MXRecords = resp.MXRecords[:maxResponseMX]
	}
	if resp.MXRecords == nil {
		resp.MXRecords = []string{}
	}
	return resp
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "mxverify",
		"version": s.config.Version,
		"status":  "running",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.verifier.Stats(r.Context())
	if err != nil {
		requestLogger(r, s.logger).Warn("Health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  fmt.Sprintf("Service unhealthy: %v", err),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "healthy",
		"database": "connected",
		"stats":    stats,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.verifier.Stats(r.Context())
	if err != nil {
		requestLogger(r, s.logger).Error("Failed to get stats", "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to get stats: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]verify.Stats{"stats": stats})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// the address is verified exactly as submitted
	if req.Email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}

	outcome := s.verifier.Verify(r.Context(), req.Email)
	writeJSON(w, http.StatusOK, newVerifyResponse(outcome))
}

func (s *Server) handleVerifyBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	emails := make([]string, 0, len(req.Emails))
	for _, e := range req.Emails {
		if e != "" {
			emails = append(emails, e)
		}
	}
	switch {
	case len(emails) == 0:
		writeError(w, http.StatusBadRequest, "emails is required")
		return
	case len(emails) > s.config.MaxBatch:
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("batch of %d exceeds the limit of %d", len(emails), s.config.MaxBatch))
		return
	}

	outcomes := s.verifier.VerifyBatch(r.Context(), emails)
	resp := BatchResponse{Count: len(outcomes), Results: make([]VerifyResponse, len(outcomes))}
	for i, o := range outcomes {
		resp.Results[i] = newVerifyResponse(o)
	}
	writeJSON(w, http.StatusOK, resp)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) // Best effort
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
