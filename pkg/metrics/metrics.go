package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RecordBatch records the outcome of one batch commit.
func (r *Registry) RecordBatch(phase, status string, duration time.Duration) {
	r.BatchesTotal.WithLabelValues(phase, status).Inc()
	if duration > 0 {
		r.BatchDuration.WithLabelValues(phase).Observe(duration.Seconds())
	}
}

// RecordRun records a finished run.
func (r *Registry) RecordRun(state string, duration time.Duration, peakHeap uint64) {
	r.RunsTotal.WithLabelValues(state).Inc()
	r.RunDuration.Observe(duration.Seconds())
	r.PeakHeapBytes.Set(float64(peakHeap))
}

// RecordCacheLookups adds identity cache hits and misses.
func (r *Registry) RecordCacheLookups(hits, misses int64) {
	r.IdentityCacheLookups.WithLabelValues("hit").Add(float64(hits))
	r.IdentityCacheLookups.WithLabelValues("miss").Add(float64(misses))
}

// SetBreakerOpen mirrors the commit breaker state.
func (r *Registry) SetBreakerOpen(open bool) {
	if open {
		r.BreakerOpen.Set(1)
	} else {
		r.BreakerOpen.Set(0)
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Mux returns a mux with /metrics and a liveness route on /.
func (r *Registry) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok\n"))
	})
	return mux
}

// ServeAsync serves h on addr until ctx is done. Errors are logged.
func ServeAsync(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "addr", addr, "err", err)
		}
	}()
}
