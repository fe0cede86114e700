// Package status exposes the bridge's connection state, worker statistics
// and metrics over HTTP.
package status

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/nfrx-bridge/internal/bridge"
	"github.com/gaspardpetit/nfrx-bridge/internal/logx"
)

// Source is the client whose state is exposed.
type Source interface {
	Info() bridge.Info
	IsHealthy() bool
	ManualRestart(ctx context.Context) error
}

// VersionInfo identifies the running build.
type VersionInfo struct {
	Version   string `json:"version"`
	BuildSHA  string `json:"build_sha"`
	BuildDate string `json:"build_date"`
}

// Config configures the handler.
type Config struct {
	AllowedOrigins []string
	// Token, when set, is required as a bearer token on POST /restart.
	Token string
	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
	// WorkerStats, when set, adds process statistics to /status.
	WorkerStats    func(ctx context.Context) (any, error)
	Version        VersionInfo
	RestartTimeout time.Duration
}

// Report is the /status body.
type Report struct {
	Client      bridge.Info `json:"client"`
	Worker      any         `json:"worker,omitempty"`
	WorkerError string      `json:"worker_error,omitempty"`
	Version     VersionInfo `json:"version"`
}

// NewHandler builds the status router.
func NewHandler(src Source, cfg Config) http.Handler {
	if cfg.RestartTimeout <= 0 {
		cfg.RestartTimeout = 60 * time.Second
	}
	r := chi.NewRouter()
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}
	r.Use(chiMiddleware.RequestID, chiMiddleware.Recoverer, requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		info := src.Info()
		code := http.StatusOK
		if !src.IsHealthy() {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{"state": info.StateName, "attempts": info.Attempts})
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		rep := Report{Client: src.Info(), Version: cfg.Version}
		if cfg.WorkerStats != nil {
			if st, err := cfg.WorkerStats(r.Context()); err != nil {
				rep.WorkerError = err.Error()
			} else {
				rep.Worker = st
			}
		}
		writeJSON(w, http.StatusOK, rep)
	})

	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, cfg.Version)
	})

	r.With(bearer(cfg.Token)).Post("/restart", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), cfg.RestartTimeout)
		defer cancel()
		if err := src.ManualRestart(ctx); err != nil {
			logx.Log.Warn().Err(err).Msg("manual restart failed")
			writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "state": src.Info().StateName})
			return
		}
		writeJSON(w, http.StatusOK, src.Info())
	})

	if cfg.Gatherer == nil {
		r.Handle("/metrics", promhttp.Handler())
	} else {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logx.Log.Error().Err(err).Msg("write status response")
	}
}

func bearer(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != token {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
}

func (lw *loggingResponseWriter) WriteHeader(status int) {
	lw.status = status
	lw.ResponseWriter.WriteHeader(status)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lrw := &loggingResponseWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(lrw, r)
		lvl := zerolog.DebugLevel
		if lrw.status >= http.StatusInternalServerError {
			lvl = zerolog.WarnLevel
		}
		logx.Log.WithLevel(lvl).
			Str("request_id", chiMiddleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("url", r.URL.String()).
			Int("status", lrw.status).
			Dur("duration", time.Since(start)).
			Msg("http")
	})
}
