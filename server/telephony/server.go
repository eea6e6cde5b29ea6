// Package telephony serves the HTTP API used by web clients to join agent
// rooms and to place outbound phone calls through LiveKit SIP.
//
// Routes:
//
//	POST /token              participant token for a room
//	POST /make-call          create a room, dispatch the agent, and let it dial out
//	POST /outbound-call      dial a phone number into an existing room
//	GET  /verify-telephony   SIP trunks and dispatch rules of the project
//	GET  /health             liveness and build info
package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Conversly/livekit-check/runtime/agentconfig"
	"github.com/Conversly/livekit-check/runtime/config"
	"github.com/Conversly/livekit-check/runtime/logger"
)

const (
	maxRequestIDLen = 128

	// defaultReadHeaderTimeout prevents Slowloris attacks.
	defaultReadHeaderTimeout = 10 * time.Second

	defaultReadTimeout  = 15 * time.Second
	defaultWriteTimeout = 30 * time.Second
	defaultIdleTimeout  = 120 * time.Second

	// defaultMaxBodySize is the maximum allowed size of a request body (1 MB).
	defaultMaxBodySize int64 = 1 << 20

	// DefaultAgentName is the agent dispatched for outbound calls.
	DefaultAgentName = "my-telephony-agent"
)

// Token lifetimes.
const (
	RoomTokenTTL = 10 * time.Minute
	CallTokenTTL = 15 * time.Minute
)

// Option configures a [Server].
type Option func(*Server)

// WithAgentName sets the agent dispatched by /make-call.
func WithAgentName(name string) Option {
	return func(s *Server) {
		if name != "" {
			s.agentName = name
		}
	}
}

// WithRateLimit enables a per-client token bucket on the POST routes.
// A non-positive rate disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Server) {
		if perSecond <= 0 {
			s.limiter = nil
			return
		}
		s.limiter = newClientLimiters(perSecond, burst)
	}
}

// WithMetadataLoader validates agent metadata before dispatching /make-call.
func WithMetadataLoader(l *agentconfig.Loader) Option {
	return func(s *Server) { s.loader = l }
}

// WithTimeouts sets the HTTP read and write timeouts.
func WithTimeouts(read, write time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
	}
}

// Server is the telephony HTTP API.
type Server struct {
	livekit   config.LiveKitConfig
	clients   Clients
	agentName string
	loader    *agentconfig.Loader
	limiter   *clientLimiters

	readTimeout  time.Duration
	writeTimeout time.Duration
	maxBodySize  int64

	httpSrv   *http.Server
	httpSrvMu sync.Mutex
	closed    bool
}

// NewServer creates a telephony server for the LiveKit project in lk.
func NewServer(lk config.LiveKitConfig, clients Clients, opts ...Option) *Server {
	s := &Server{
		livekit:      lk,
		clients:      clients,
		agentName:    DefaultAgentName,
		readTimeout:  defaultReadTimeout,
		writeTimeout: defaultWriteTimeout,
		maxBodySize:  defaultMaxBodySize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the server's HTTP handler, instrumented with OpenTelemetry.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", s.limit(s.handleToken))
	mux.HandleFunc("POST /make-call", s.limit(s.handleMakeCall))
	mux.HandleFunc("POST /outbound-call", s.limit(s.handleOutboundCall))
	mux.HandleFunc("GET /verify-telephony", s.handleVerifyTelephony)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("OPTIONS /", handlePreflight)
	return otelhttp.NewHandler(cors(withRequestID(mux)), "telephony-server")
}

func (s *Server) limit(next http.HandlerFunc) http.HandlerFunc {
	if s.limiter == nil {
		return next
	}
	return s.limiter.middleware(next)
}

// Serve serves the API on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
		IdleTimeout:       defaultIdleTimeout,
	}

	s.httpSrvMu.Lock()
	if s.closed {
		s.httpSrvMu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.httpSrv = srv
	s.httpSrvMu.Unlock()

	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ListenAndServe listens on addr and serves the API.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Shutdown gracefully stops the server. A later Serve returns immediately.
func (s *Server) Shutdown(ctx context.Context) error {
	s.httpSrvMu.Lock()
	srv := s.httpSrv
	s.closed = true
	s.httpSrvMu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		h.Set("Access-Control-Expose-Headers", "X-Request-ID")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader carries the request ID in both directions.
const requestIDHeader = "X-Request-ID"

// withRequestID tags the request context with the caller's request ID, or a
// fresh one, and echoes it in the response.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.New().String()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
	})
}

func handlePreflight(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// decodeBody decodes a JSON request body into v.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
