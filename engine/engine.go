// Package engine wires the service together: metadata store, event
// bus, connection manager, reconciler, telemetry emitter, optional
// value cache and Kafka mirror, and the health endpoint.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"fieldgate/bus"
	"fieldgate/config"
	"fieldgate/connman"
	"fieldgate/driver"
	"fieldgate/eip"
	"fieldgate/emit"
	"fieldgate/kafka"
	"fieldgate/logging"
	"fieldgate/mqtt"
	"fieldgate/opcua"
	"fieldgate/reconcile"
	"fieldgate/s7"
	"fieldgate/store"
	"fieldgate/valkey"
)

// Engine owns every long-lived component of the service.
type Engine struct {
	cfg *config.Service

	bus     *bus.Client
	store   store.Store
	dbClose func() error
	cache   *valkey.Cache
	egress  *kafka.Egress
	emitter *emit.Emitter
	svcLog  *logging.FileLogger
	conns   *connman.Manager
	recon   *reconcile.Reconciler

	httpSrv *http.Server
	subs    []*nats.Subscription

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg *config.Service) *Engine {
	return &Engine{cfg: cfg}
}

// registerDrivers installs every protocol factory. Idempotent.
func registerDrivers() {
	opcua.Register()
	s7.Register()
	eip.Register()
	mqtt.Register()
}

// Start brings the service up. A failure here is fatal; Start leaves
// nothing running when it returns an error.
func (e *Engine) Start() error {
	registerDrivers()

	pg, err := store.OpenPostgres(e.cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("engine: metadata store: %w", err)
	}
	e.store = pg
	e.dbClose = pg.Close

	busClient, err := bus.Connect(e.cfg.BusURL, e.cfg.ServiceID)
	if err != nil {
		e.dbClose()
		return fmt.Errorf("engine: bus: %w", err)
	}
	e.bus = busClient

	cache, err := valkey.Open(e.cfg.Valkey, e.cfg.Namespace)
	if err != nil {
		logging.DebugError("engine", "valkey cache disabled", err)
	}
	e.cache = cache

	egress, err := kafka.Open(e.cfg.Kafka)
	if err != nil {
		logging.DebugError("engine", "kafka mirror disabled", err)
	}
	e.egress = egress

	if e.cfg.LogPath != "" {
		fl, err := logging.NewFileLogger(e.cfg.LogPath)
		if err != nil {
			logging.DebugError("engine", "service log disabled", err)
		} else {
			e.svcLog = fl
			e.svcLog.Log("service %s starting", e.cfg.ServiceID)
		}
	}

	e.emitter = emit.New(e.bus, e.cache, e.egress)
	e.emitter.Start()
	e.conns = connman.New(e.store, &statusSink{emitter: e.emitter, log: e.svcLog}, e.emitter.Observation, e.cfg.MaxConnsPerHost)
	e.recon = reconcile.New(e.store, e.conns, e.cfg.ReconcileInterval)

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	if err := e.subscribeAll(); err != nil {
		e.Stop()
		return err
	}

	if err := e.conns.Boot(ctx); err != nil {
		// A store hiccup at boot is not fatal; the config bus replays
		// desired state and the next tag change reloads.
		logging.DebugError("engine", "boot", err)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.recon.Run(ctx)
	}()

	e.startHealth()

	logging.DebugLog("engine", "service %s started, bus=%s http=%s:%d",
		e.cfg.ServiceID, e.cfg.BusURL, e.cfg.HTTPHost, e.cfg.HTTPPort)
	return nil
}

// Stop tears everything down in dependency order: ingress first, then
// connections, then sinks.
func (e *Engine) Stop() {
	for _, s := range e.subs {
		s.Unsubscribe()
	}
	e.subs = nil

	if e.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		e.httpSrv.Shutdown(ctx)
		cancel()
	}

	if e.cancel != nil {
		e.cancel()
	}
	if e.conns != nil {
		e.conns.Shutdown()
	}
	e.wg.Wait()

	if e.emitter != nil {
		e.emitter.Stop()
	}
	if e.svcLog != nil {
		e.svcLog.Log("service %s stopped", e.cfg.ServiceID)
		e.svcLog.Close()
		e.svcLog = nil
	}

	if e.egress != nil {
		e.egress.Close()
	}
	if e.cache != nil {
		e.cache.Close()
	}
	if e.bus != nil {
		e.bus.Close()
	}
	if e.dbClose != nil {
		e.dbClose()
	}
	logging.DebugLog("engine", "service stopped")
}

// statusSink feeds connection transitions to the emitter and mirrors
// them to the service log file when one is configured.
type statusSink struct {
	emitter *emit.Emitter
	log     *logging.FileLogger
}

func (s *statusSink) Status(connID string, state driver.Status, reason string) {
	if s.log != nil {
		if reason != "" {
			s.log.Log("conn %s: %s (%s)", connID, state, reason)
		} else {
			s.log.Log("conn %s: %s", connID, state)
		}
	}
	s.emitter.Status(connID, state, reason)
}

func (s *statusSink) CountError(connID string) { s.emitter.CountError(connID) }

func (s *statusSink) DropConn(connID string) { s.emitter.DropConn(connID) }
