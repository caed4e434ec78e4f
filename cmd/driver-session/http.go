package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/BearBump/HandOff/internal/metrics"
	"github.com/BearBump/HandOff/internal/services/claim"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"
)

type sessionHTTPOpts struct {
	httpAddr    string
	swaggerPath string
	onListen    func(httpAddr string)

	engine *engine
}

type sessionStats struct {
	DriverID      string                `json:"driverId"`
	Online        bool                  `json:"online"`
	StartedAt     time.Time             `json:"startedAt"`
	Mine          int                   `json:"mine"`
	Available     int                   `json:"available"`
	TrackedOrders int                   `json:"trackedOrders"`
	Reconciler    claim.ReconcilerStats `json:"reconciler"`
}

func runSessionHTTPServer(ctx context.Context, opts sessionHTTPOpts) error {
	if opts.httpAddr == "" {
		opts.httpAddr = ":8082"
	}
	if opts.swaggerPath != "" {
		if _, err := os.Stat(opts.swaggerPath); os.IsNotExist(err) {
			return fmt.Errorf("session swagger file not found: %s", opts.swaggerPath)
		}
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	srv := &http.Server{Handler: newSessionRouter(opts), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	err = srv.Serve(lis)
	if err == http.ErrServerClosed && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func newSessionRouter(opts sessionHTTPOpts) http.Handler {
	e := opts.engine
	r := chi.NewRouter()
	r.Use(metrics.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !e.sess.Online() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "loading"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		snap := e.store.Snapshot()
		writeJSON(w, http.StatusOK, sessionStats{
			DriverID:      e.sess.DriverID(),
			Online:        e.sess.Online(),
			StartedAt:     e.sess.StartedAt(),
			Mine:          len(snap.Mine),
			Available:     len(snap.Available),
			TrackedOrders: e.watcher.Tracked(),
			Reconciler:    e.reconciler.Stats(),
		})
	})

	r.Get("/snapshot", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, e.store.Snapshot())
	})

	r.Post("/claim/{id}", func(w http.ResponseWriter, r *http.Request) {
		deliveryID := chi.URLParam(r, "id")
		driverID := e.sess.DriverID()

		res := e.coord.Claim(r.Context(), deliveryID, driverID)
		switch {
		case res.OK:
			e.store.ApplyOptimisticClaim(deliveryID, driverID, time.Now())
		case res.Reason == claim.ReasonTaken:
			e.store.Forget(deliveryID)
		}

		status := http.StatusOK
		switch res.Reason {
		case claim.ReasonTaken:
			status = http.StatusConflict
		case claim.ReasonRateLimited:
			status = http.StatusTooManyRequests
		case claim.ReasonInvalid:
			status = http.StatusBadRequest
		case claim.ReasonTransport:
			status = http.StatusBadGateway
		}
		writeJSON(w, status, res)
	})

	r.Post("/trigger", func(w http.ResponseWriter, r *http.Request) {
		e.reconciler.Trigger()
		writeJSON(w, http.StatusOK, map[string]bool{"triggered": true})
	})

	if opts.swaggerPath != "" {
		r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Cache-Control", "no-store")
			http.ServeFile(w, r, opts.swaggerPath)
		})
		swaggerURL := "/swagger.json"
		if fi, err := os.Stat(opts.swaggerPath); err == nil {
			swaggerURL = fmt.Sprintf("/swagger.json?v=%d", fi.ModTime().Unix())
		}
		r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL(swaggerURL)))
	}

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
