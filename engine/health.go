package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"fieldgate/bus"
	"fieldgate/logging"
)

// healthReply is the GET /health body.
type healthReply struct {
	Service     string `json:"service"`
	BusOK       bool   `json:"bus_ok"`
	Connections int    `json:"connections"`
	DatabaseOK  bool   `json:"database_ok"`
	TS          string `json:"ts"`
}

func (e *Engine) healthRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", e.handleHealth)
	return r
}

func (e *Engine) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	dbOK := e.store.Ping(ctx) == nil

	reply := healthReply{
		Service:     e.cfg.ServiceID,
		BusOK:       e.bus != nil && e.bus.IsHealthy(),
		Connections: e.conns.ConnectedCount(),
		DatabaseOK:  dbOK,
		TS:          bus.Now(),
	}
	w.Header().Set("Content-Type", "application/json")
	if !reply.BusOK || !reply.DatabaseOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(reply)
}

// startHealth serves the health endpoint in the background. A bind
// failure logs and the service runs headless.
func (e *Engine) startHealth() {
	addr := fmt.Sprintf("%s:%d", e.cfg.HTTPHost, e.cfg.HTTPPort)
	e.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      e.healthRouter(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.DebugError("engine", "health server "+addr, err)
		}
	}()
}
