// Package ops serves the worker operational surface: liveness, readiness
// and prometheus metrics. It carries no business endpoints.
package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	pkgerrors "github.com/angelmondragon/stayledger/pkg/errors"
	"github.com/angelmondragon/stayledger/pkg/logger"
)

const (
	envHeader          = "X-Stayledger-Env"
	defaultPingTimeout = 2 * time.Second
)

// Pinger is a readiness dependency.
type Pinger interface {
	Ping(context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type RouterParams struct {
	Env         string
	ServiceKind string
	Logger      *logger.Logger
	Pingers     map[string]Pinger
	Gatherer    prometheus.Gatherer
	PingTimeout time.Duration
}

type successEnvelope struct {
	Data any `json:"data"`
}

type errorEnvelope struct {
	Error pkgerrors.Public `json:"error"`
}

func NewRouter(params RouterParams) http.Handler {
	timeout := params.PingTimeout
	if timeout <= 0 {
		timeout = defaultPingTimeout
	}
	gatherer := params.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(recoverer(params.Logger))
	r.Route("/health", func(r chi.Router) {
		r.Get("/live", healthLive(params))
		r.Get("/ready", healthReady(params, timeout))
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return r
}

func healthLive(params RouterParams) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(envHeader, params.Env)
		writeJSON(w, http.StatusOK, successEnvelope{Data: map[string]string{
			"status":  "live",
			"service": params.ServiceKind,
		}})
	}
}

func healthReady(params RouterParams, timeout time.Duration) http.HandlerFunc {
	names := make([]string, 0, len(params.Pingers))
	for name := range params.Pingers {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(envHeader, params.Env)
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		failures := map[string]string{}
		for _, name := range names {
			if err := params.Pingers[name].Ping(ctx); err != nil {
				failures[name] = err.Error()
			}
		}
		if len(failures) > 0 {
			if params.Logger != nil {
				logCtx := params.Logger.WithField(r.Context(), "failures", failures)
				params.Logger.Warn(logCtx, "readiness check failed")
			}
			writeError(w, pkgerrors.New(pkgerrors.CodeDependency, "dependencies unavailable").WithDetails(failures))
			return
		}
		writeJSON(w, http.StatusOK, successEnvelope{Data: map[string]any{
			"status": "ready",
			"checks": names,
		}})
	}
}

func recoverer(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					err := fmt.Errorf("panic: %v", rec)
					if logg != nil {
						ctx := logg.WithFields(r.Context(), map[string]any{"panic": rec, "path": r.URL.Path})
						logg.Error(ctx, "panic.recovered", err)
					}
					writeError(w, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "panic recovered"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, err error) {
	meta := pkgerrors.MetadataFor(pkgerrors.CodeOf(err))
	writeJSON(w, meta.HTTPStatus, errorEnvelope{Error: pkgerrors.PublicFor(err)})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf(`{"level":"error","msg":"failed to encode response","err":"%v"}`, err)
	}
}
