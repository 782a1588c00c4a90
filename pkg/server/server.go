// Package server exposes the relayer over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/speedrun-hq/session-relayer/pkg/circuitbreaker"
	"github.com/speedrun-hq/session-relayer/pkg/ledger"
	"github.com/speedrun-hq/session-relayer/pkg/logger"
	"github.com/speedrun-hq/session-relayer/pkg/metrics"
	"github.com/speedrun-hq/session-relayer/pkg/models"
	"github.com/speedrun-hq/session-relayer/pkg/relayer"
)

const maxRequestBody = 64 << 10

// Submitter settles a payment request
type Submitter interface {
	Submit(ctx context.Context, req models.PaymentRequest) (*models.QuickPayResult, error)
}

// QueueReporter reports the retry queue state
type QueueReporter interface {
	Status(ctx context.Context) (*models.QueueStatus, error)
}

// Config holds the server settings
type Config struct {
	Port           string
	OperatorAPIKey string
	MetricsAPIKey  string
}

// Server is the relayer HTTP server
type Server struct {
	cfg       Config
	submitter Submitter
	queue     QueueReporter
	ledger    ledger.Client
	breaker   *circuitbreaker.CircuitBreaker
	logger    logger.Logger
	router    *mux.Router
}

// NewServer creates the server and registers its routes. breaker may be nil.
func NewServer(
	cfg Config,
	submitter Submitter,
	queue QueueReporter,
	client ledger.Client,
	breaker *circuitbreaker.CircuitBreaker,
	log logger.Logger,
) *Server {
	s := &Server{
		cfg:       cfg,
		submitter: submitter,
		queue:     queue,
		ledger:    client,
		breaker:   breaker,
		logger:    log,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.instrument)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", bearerAuth(s.cfg.MetricsAPIKey, promhttp.Handler())).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/quickpay", s.handleQuickPay).Methods(http.MethodPost)
	api.Handle("/queue/status", bearerAuth(s.cfg.OperatorAPIKey, http.HandlerFunc(s.handleQueueStatus))).Methods(http.MethodGet)
	api.Handle("/circuit/reset", bearerAuth(s.cfg.OperatorAPIKey, http.HandlerFunc(s.handleCircuitReset))).Methods(http.MethodPost)

	return r
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until the context is cancelled
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting relayer API on port %s", s.cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("relayer API: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		s.logger.Info("Shutting down relayer API")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"mode":    s.ledger.Mode(),
		"chainId": s.ledger.ChainID().String(),
		"relayer": s.ledger.RelayerAddress().Hex(),
		"circuit": "closed",
	}
	if s.breaker != nil && s.breaker.IsOpen() {
		status["circuit"] = "open"
	}

	balance, err := s.ledger.RelayerBalance(r.Context())
	if err != nil {
		status["ready"] = false
		status["error"] = err.Error()
		respondWithJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	status["balance"] = balance.String()

	if balance.Sign() == 0 {
		status["ready"] = false
		status["error"] = relayer.ErrRelayerUnfunded.Error()
		respondWithJSON(w, http.StatusServiceUnavailable, status)
		return
	}

	status["ready"] = true
	respondWithJSON(w, http.StatusOK, status)
}

func (s *Server) handleQuickPay(w http.ResponseWriter, r *http.Request) {
	var req models.PaymentRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}

	result, err := s.submitter.Submit(r.Context(), req)
	if err != nil {
		code := relayer.StatusCode(err)
		if code >= http.StatusInternalServerError {
			s.logger.Error("Quickpay %s failed: %v", req.PaymentID, err)
		} else {
			s.logger.Debug("Quickpay %s rejected: %v", req.PaymentID, err)
		}
		respondWithError(w, code, err.Error())
		return
	}

	if result.Queued {
		respondWithJSON(w, http.StatusAccepted, result)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.queue.Status(r.Context())
	if err != nil {
		s.logger.Error("Queue status failed: %v", err)
		respondWithError(w, http.StatusInternalServerError, "Queue unavailable")
		return
	}
	respondWithJSON(w, http.StatusOK, status)
}

func (s *Server) handleCircuitReset(w http.ResponseWriter, _ *http.Request) {
	if s.breaker == nil || !s.breaker.IsEnabled() {
		respondWithError(w, http.StatusNotFound, "Circuit breaker disabled")
		return
	}
	s.breaker.Reset()
	s.logger.Notice("Batch circuit breaker reset by operator")
	respondWithJSON(w, http.StatusOK, map[string]string{"circuit": "closed"})
}

// bearerAuth requires "Authorization: Bearer <key>". An empty key disables the check.
func bearerAuth(key string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			respondWithError(w, http.StatusUnauthorized, "Missing Authorization header")
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			respondWithError(w, http.StatusUnauthorized, "Invalid Authorization header format")
			return
		}

		if parts[1] != key {
			respondWithError(w, http.StatusUnauthorized, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records request counts and latency per route template
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)

		metrics.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
	})
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}
