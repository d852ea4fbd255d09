package observability

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusFunc returns the relay snapshot embedded in health responses.
type StatusFunc func() any

// HealthServer serves /health, /healthz and /metrics.
type HealthServer struct {
	srv     *http.Server
	status  StatusFunc
	logger  *slog.Logger
	started time.Time
}

func NewHealthServer(addr string, status StatusFunc, logger *slog.Logger) *HealthServer {
	h := &HealthServer{
		status:  status,
		logger:  logger.With("component", "health"),
		started: time.Now(),
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/", h.handleHealth)

	h.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return h
}

// Handler exposes the routes for tests and embedding.
func (h *HealthServer) Handler() http.Handler { return h.srv.Handler }

// Start listens in the background. A bind failure is returned; the relay
// keeps running without the endpoint if the caller chooses to.
func (h *HealthServer) Start() error {
	ln, err := net.Listen("tcp", h.srv.Addr)
	if err != nil {
		return err
	}
	h.logger.Info("health server listening", "addr", ln.Addr().String())
	go func() {
		if err := h.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("health server stopped", "err", err)
		}
	}()
	return nil
}

func (h *HealthServer) Stop(ctx context.Context) error {
	return h.srv.Shutdown(ctx)
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		env := os.Getenv("APP_ENV")
		if env == "" {
			env = "production"
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":      "healthy",
			"timestamp":   time.Now().UTC().Format(time.RFC3339Nano),
			"tcpServer":   h.status(),
			"uptime":      time.Since(h.started).Seconds(),
			"environment": env,
		})
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{
			"error":          "Method not allowed",
			"allowedMethods": []string{"GET", "OPTIONS"},
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
