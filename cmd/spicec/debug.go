// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package main

import (
	"context"
	"errors"
	"image"
	"image/png"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	spice "github.com/tenthirtyam/go-spice"
)

// snapshotter is the part of a session the debug server reads.
type snapshotter interface {
	Snapshot(ctx context.Context, display uint8) (*image.NRGBA, error)
	Done() <-chan struct{}
}

func newDebugServer(addr string, s snapshotter, reg *prometheus.Registry) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           debugRouter(s, reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func debugRouter(s snapshotter, reg prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		select {
		case <-s.Done():
			http.Error(w, "session closed", http.StatusServiceUnavailable)
		default:
			_, _ = w.Write([]byte("ok"))
		}
	})
	r.Get("/snapshot.png", func(w http.ResponseWriter, req *http.Request) {
		display := uint8(0)
		if v := req.URL.Query().Get("display"); v != "" {
			n, err := strconv.ParseUint(v, 10, 8)
			if err != nil {
				http.Error(w, "invalid display", http.StatusBadRequest)
				return
			}
			display = uint8(n)
		}
		ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
		defer cancel()
		img, err := s.Snapshot(ctx, display)
		if err != nil {
			status := http.StatusServiceUnavailable
			if spice.IsSpiceError(err, spice.ErrMissingSurface) {
				status = http.StatusNotFound
			}
			http.Error(w, err.Error(), status)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		if err := png.Encode(w, img); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return r
}

func serveDebug(ctx context.Context, srv *http.Server, logger spice.Logger) error {
	errc := make(chan error, 1)
	go func() {
		logger.Info("Debug server listening", spice.Field{Key: "addr", Value: srv.Addr})
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
