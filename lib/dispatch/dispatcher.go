// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package dispatch runs the autotest scheduler as a service: it
// connects the scheduler to its database, drones and notification
// channel, and serves the management API.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/autotest/scheduler/lib/config"
	"github.com/autotest/scheduler/lib/dblock"
	"github.com/autotest/scheduler/lib/dispatch/drone"
	"github.com/autotest/scheduler/lib/dispatch/localexecutor"
	"github.com/autotest/scheduler/lib/dispatch/notify"
	"github.com/autotest/scheduler/lib/dispatch/scheduler"
	"github.com/autotest/scheduler/lib/dispatch/sshexecutor"
	"github.com/autotest/scheduler/lib/dispatch/store"
	"github.com/autotest/scheduler/lib/service"
	"github.com/autotest/scheduler/sdk/go/autotest"
	"github.com/autotest/scheduler/sdk/go/ctxlog"
	"github.com/autotest/scheduler/sdk/go/httpserver"
	"github.com/autotest/scheduler/sdk/go/statuslog"
	"github.com/jmoiron/sqlx"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	// Drone commands (refresh, launch, copy) that run longer
	// than this are killed.
	localCommandTimeout = 10 * time.Minute
	lockCheckInterval   = time.Minute
)

// processManager is the part of drone.Manager the service uses.
type processManager interface {
	scheduler.ProcessManager
	Drones() []drone.DroneStatus
	PidfileStatuses() []drone.PidfileStatus
}

type notificationQueue interface {
	scheduler.NotificationQueue
	drone.Notifier
}

type dispatcher struct {
	Cluster  *autotest.Cluster
	Context  context.Context
	Registry *prometheus.Registry

	// Tests may set these before Start. Otherwise they are built
	// from Cluster.
	store    store.Store
	pm       processManager
	notifier notificationQueue

	logger      logrus.FieldLogger
	db          *sqlx.DB
	sched       *scheduler.Dispatcher
	httpHandler http.Handler

	setupOnce sync.Once
	mtx       sync.Mutex
	err       error // fatal setup or recovery error
	stop      chan struct{}
	stopped   chan struct{}
}

// Start starts the dispatcher. Start can be called multiple times
// with no ill effect.
func (disp *dispatcher) Start() {
	disp.setupOnce.Do(disp.setup)
}

// ServeHTTP implements service.Handler.
func (disp *dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	disp.Start()
	disp.httpHandler.ServeHTTP(w, r)
}

// CheckHealth implements service.Handler.
func (disp *dispatcher) CheckHealth() error {
	disp.Start()
	disp.mtx.Lock()
	defer disp.mtx.Unlock()
	return disp.err
}

// Done implements service.Handler.
func (disp *dispatcher) Done() <-chan struct{} {
	return disp.stopped
}

// Close stops dispatching and releases resources. Typically used in
// tests.
func (disp *dispatcher) Close() {
	disp.Start()
	select {
	case disp.stop <- struct{}{}:
	default:
	}
	<-disp.stopped
}

func (disp *dispatcher) setup() {
	disp.stop = make(chan struct{}, 1)
	disp.stopped = make(chan struct{})
	if err := disp.initialize(); err != nil {
		disp.fail(err)
		close(disp.stopped)
		return
	}
	go disp.run()
}

func (disp *dispatcher) fail(err error) {
	disp.logger.WithError(err).Error("dispatcher failed")
	disp.mtx.Lock()
	defer disp.mtx.Unlock()
	if disp.err == nil {
		disp.err = err
	}
}

func (disp *dispatcher) initialize() error {
	disp.logger = ctxlog.FromContext(disp.Context)
	if disp.Registry == nil {
		disp.Registry = prometheus.NewRegistry()
	}
	disp.httpHandler = disp.apiHandler()

	if disp.store == nil {
		st, err := disp.openStore()
		if err != nil {
			return err
		}
		disp.store = st
	}
	if disp.notifier == nil {
		var sender notify.Sender = notify.LogSender{Logger: disp.logger}
		if url := disp.Cluster.Notifications.WebhookURL; url != "" {
			sender = notify.NewWebhookSender(url, disp.logger)
		}
		nq, err := notify.NewQueue(disp.logger, disp.Cluster.Notifications, sender, disp.Registry)
		if err != nil {
			return fmt.Errorf("notifications: %w", err)
		}
		disp.notifier = nq
	}
	if disp.pm == nil {
		sc := disp.Cluster.Scheduler
		mgr := drone.NewManager(disp.logger, drone.Config{
			ResultsDir:          sc.ResultsDir,
			ResultsRepository:   sc.ResultsRepository,
			MaxPidfileRefreshes: sc.MaxPidfileRefreshes,
			RetryInterval:       sc.DroneRetryInterval.Duration(),
			AutoservCommand:     sc.AutoservCommand,
			ParserCommand:       sc.ParserCommand,
		}, disp.newExecutor, localexecutor.New(localCommandTimeout), disp.notifier, disp.Registry)
		if err := mgr.Initialize(disp.Cluster.Drones); err != nil {
			return err
		}
		disp.pm = mgr
	}

	status := &statuslog.Logger{ResultDir: disp.Cluster.Scheduler.ResultsRepository}
	sched, err := scheduler.New(disp.Context, disp.Cluster.Scheduler, disp.Cluster.Drones, disp.store, disp.pm, disp.notifier, status, disp.Registry)
	if err != nil {
		return err
	}
	disp.sched = sched
	return nil
}

// openStore connects to the configured database, or returns an
// in-memory store if none is configured.
func (disp *dispatcher) openStore() (store.Store, error) {
	conn := disp.Cluster.PostgreSQL.Connection
	if conn["dbname"] == "" {
		disp.logger.Warn("PostgreSQL.Connection is not configured, keeping records in memory")
		return store.NewMemStore(), nil
	}
	db, err := sqlx.Open("postgres", conn.String())
	if err != nil {
		return nil, fmt.Errorf("postgresql connection failed: %w", err)
	}
	if p := disp.Cluster.PostgreSQL.ConnectionPool; p > 0 {
		db.SetMaxOpenConns(p)
	}
	if err := db.PingContext(disp.Context); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgresql connection succeeded but ping failed: %w", err)
	}
	disp.db = db
	ps := store.NewPGStore(db)
	if err := ps.Migrate(disp.Context); err != nil {
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return ps, nil
}

// Make a drone.Executor for the given drone.
func (disp *dispatcher) newExecutor(hostname string, dc autotest.DroneConfig) (drone.Executor, error) {
	if dc.Local {
		return localexecutor.New(localCommandTimeout), nil
	}
	target, err := sshexecutor.NewDroneTarget(hostname, dc)
	if err != nil {
		return nil, err
	}
	exr := sshexecutor.New(target)
	exr.SetTargetPort(dc.SSHPort)
	if dc.PrivateKeyFile != "" {
		signer, err := sshexecutor.LoadSigner(dc.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading private key for drone %s: %w", hostname, err)
		}
		exr.SetSigners(signer)
	}
	return exr, nil
}

func (disp *dispatcher) run() {
	defer close(disp.stopped)
	if mgr, ok := disp.pm.(*drone.Manager); ok {
		defer mgr.Shutdown()
	}
	if disp.db != nil {
		defer disp.db.Close()
		getdb := func(context.Context) (*sqlx.DB, error) { return disp.db, nil }
		if !dblock.Dispatch.Lock(disp.Context, getdb) {
			return
		}
		defer dblock.Dispatch.Unlock()
	}

	if err := disp.sched.Initialize(disp.Context); err != nil {
		var serr *scheduler.SchedulerError
		if errors.As(err, &serr) {
			disp.notifier.Enqueue("Scheduler error", serr.Message)
			if err := disp.notifier.Flush(disp.Context); err != nil {
				disp.logger.WithError(err).Warn("flushing notifications failed")
			}
		}
		disp.fail(fmt.Errorf("recovery failed: %w", err))
		return
	}
	disp.sched.Start()
	defer disp.sched.Stop()

	if path, ok := service.ConfigPathFromContext(disp.Context); ok {
		ctx, cancel := context.WithCancel(disp.Context)
		defer cancel()
		prev := *disp.Cluster
		prev.ClusterID = ""
		go config.Watch(ctx, disp.logger, path, &autotest.Config{
			Clusters: map[string]autotest.Cluster{disp.Cluster.ClusterID: prev},
		}, disp.reloadConfig)
	}

	ticker := time.NewTicker(lockCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-disp.stop:
			return
		case <-disp.Context.Done():
			return
		case <-ticker.C:
			if disp.db != nil && !dblock.Dispatch.Check() {
				disp.fail(errors.New("lost database lock"))
				return
			}
		}
	}
}

// reloadConfig applies a changed drone table. Other changes take
// effect when the service is restarted.
func (disp *dispatcher) reloadConfig(cfg *autotest.Config) {
	cluster, err := cfg.GetCluster(disp.Cluster.ClusterID)
	if err != nil {
		disp.logger.WithError(err).Warn("ignoring new config")
		return
	}
	disp.logger.WithField("Drones", len(cluster.Drones)).Info("updating drone table")
	disp.sched.UpdateDrones(cluster.Drones)
}

func (disp *dispatcher) apiHandler() http.Handler {
	mux := httprouter.New()
	mux.HandlerFunc("GET", "/autotest/v1/dispatch/drones", disp.apiDrones)
	mux.HandlerFunc("GET", "/autotest/v1/dispatch/agents", disp.apiAgents)
	mux.HandlerFunc("GET", "/autotest/v1/dispatch/pidfiles", disp.apiPidfiles)
	mux.HandlerFunc("POST", "/autotest/v1/dispatch/hosts/reverify", disp.apiHostReverify)
	mux.HandlerFunc("POST", "/autotest/v1/dispatch/jobs/abort", disp.apiJobAbort)
	mux.Handler("GET", "/metrics", httpserver.MetricsHandler(disp.Registry, disp.logger))
	mux.Handler("GET", "/_health/:check", httpserver.HealthHandler(disp.Cluster.ManagementToken, disp.CheckHealth))
	return httpserver.RequireToken(disp.Cluster.ManagementToken, mux)
}
