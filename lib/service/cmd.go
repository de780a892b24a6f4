// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package service provides a cmd.Handler that brings up a system service.
package service

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof"
	"net/url"
	"os"
	"sort"
	"strings"

	"github.com/autotest/scheduler/lib/cmd"
	"github.com/autotest/scheduler/lib/config"
	"github.com/autotest/scheduler/sdk/go/autotest"
	"github.com/autotest/scheduler/sdk/go/ctxlog"
	"github.com/autotest/scheduler/sdk/go/httpserver"
	"github.com/coreos/go-systemd/daemon"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

type Handler interface {
	http.Handler
	CheckHealth() error
	// Done returns a channel that closes when the handler shuts
	// itself down, or nil if this never happens.
	Done() <-chan struct{}
}

type NewHandlerFunc func(_ context.Context, _ *autotest.Cluster, registry *prometheus.Registry) Handler

type command struct {
	newHandler NewHandlerFunc
	svcName    string
	ctx        context.Context // enables tests to shutdown service; no public API yet
}

// Command returns a cmd.Handler that loads site config, calls
// newHandler with the current cluster config, and brings up an http
// server with the returned handler.
//
// The handler is wrapped with server middleware (adding X-Request-ID
// headers, logging requests/responses, etc).
func Command(svcName string, newHandler NewHandlerFunc) cmd.Handler {
	return &command{
		newHandler: newHandler,
		svcName:    svcName,
		ctx:        context.Background(),
	}
}

func (c *command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	log := ctxlog.New(stderr, "json", "info")

	var err error
	defer func() {
		if err != nil {
			log.WithError(err).Error("exiting")
		}
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)

	loader := config.NewLoader(stdin, log)
	loader.SetupFlags(flags)
	versionFlag := flags.Bool("version", false, "Write version information to stdout and exit 0")
	pprofAddr := flags.String("pprof", "", "Serve Go profile data at `[addr]:port`")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	} else if *versionFlag {
		return cmd.Version.RunCommand(prog, args, stdin, stdout, stderr)
	}

	if *pprofAddr != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	cfg, err := loader.Load()
	if err != nil {
		return 1
	}
	cluster, err := cfg.GetCluster("")
	if err != nil {
		return 1
	}

	// Now that we've read the config, replace the bootstrap
	// logger with a new one according to the logging config.
	log = ctxlog.New(stderr, cluster.SystemLogs.Format, cluster.SystemLogs.LogLevel)
	logger := log.WithFields(logrus.Fields{
		"PID":       os.Getpid(),
		"ClusterID": cluster.ClusterID,
	})
	ctx := ctxlog.Context(c.ctx, logger)

	listenURL, err := getListenAddr(cluster.Services.Scheduler, c.svcName)
	if err != nil {
		return 1
	}
	ctx = context.WithValue(ctx, contextKeyURL{}, listenURL)
	if loader.Path != "-" {
		ctx = context.WithValue(ctx, contextKeyConfigPath{}, loader.Path)
	}

	reg := prometheus.NewRegistry()
	loader.RegisterMetrics(reg)
	reg.MustRegister(versionGauge())

	handler := c.newHandler(ctx, cluster, reg)
	if err = handler.CheckHealth(); err != nil {
		return 1
	}

	srv := &httpserver.Server{
		Server: http.Server{
			Handler: httpserver.AddRequestIDs(
				httpserver.LogRequests(logger,
					httpserver.Instrument(reg,
						interceptHealthReqs(cluster.ManagementToken, handler.CheckHealth, handler)))),
			BaseContext: func(net.Listener) context.Context { return ctx },
		},
		Addr: listenURL.Host,
	}
	err = srv.Start()
	if err != nil {
		return 1
	}
	logger.WithFields(logrus.Fields{
		"URL":     listenURL,
		"Listen":  srv.Addr,
		"Service": c.svcName,
		"Version": cmd.Version.String(),
	}).Info("listening")
	if _, err := daemon.SdNotify(false, "READY=1"); err != nil {
		logger.WithError(err).Errorf("error notifying init daemon")
	}
	go func() {
		// Shut down server if caller cancels context
		<-ctx.Done()
		srv.Close()
	}()
	go func() {
		// Shut down server if handler dies
		<-handler.Done()
		srv.Close()
	}()
	err = srv.Wait()
	if err != nil {
		return 1
	}
	return 0
}

// versionGauge exports autotest_version_running{version="..."} 1.
func versionGauge() prometheus.Collector {
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "autotest",
		Name:      "version_running",
		Help:      "Indicated version is running.",
	}, []string{"version"})
	g.WithLabelValues(cmd.Version.String()).Set(1)
	return g
}

func interceptHealthReqs(mgtToken string, checkHealth func() error, next http.Handler) http.Handler {
	mux := httprouter.New()
	mux.Handler("GET", "/_health/ping", httpserver.HealthHandler(mgtToken, checkHealth))
	mux.NotFound = next
	mux.MethodNotAllowed = next
	mux.HandleMethodNotAllowed = false
	mux.RedirectTrailingSlash = false
	mux.RedirectFixedPath = false
	return mux
}

// getListenAddr returns the first of the service's InternalURLs
// that can be bound on this host. $AUTOTEST_SERVICE_INTERNAL_URL
// overrides the config.
func getListenAddr(svc autotest.Service, svcName string) (autotest.URL, error) {
	if want := os.Getenv("AUTOTEST_SERVICE_INTERNAL_URL"); want != "" {
		u, err := url.Parse(want)
		if err != nil {
			return autotest.URL{}, fmt.Errorf("$AUTOTEST_SERVICE_INTERNAL_URL (%q): %w", want, err)
		}
		if u.Path == "" {
			u.Path = "/"
		}
		return autotest.URL(*u), nil
	}

	candidates := make([]autotest.URL, 0, len(svc.InternalURLs))
	for u := range svc.InternalURLs {
		candidates = append(candidates, u)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].String() < candidates[j].String()
	})
	var problems []string
	for _, u := range candidates {
		if u.Scheme != "http" {
			problems = append(problems, fmt.Sprintf("%s: unsupported scheme %q", u.String(), u.Scheme))
			continue
		}
		ln, err := net.Listen("tcp", u.Host)
		if err == nil {
			ln.Close()
			return u, nil
		}
		// An address that belongs to a different host is
		// skipped silently.
		if !strings.Contains(err.Error(), "cannot assign requested address") {
			problems = append(problems, fmt.Sprintf("tried %s, got %s", u.String(), err))
		}
	}
	if len(problems) > 0 {
		return autotest.URL{}, fmt.Errorf("could not enable the %q service on this host: %s", svcName, strings.Join(problems, "; "))
	}
	return autotest.URL{}, fmt.Errorf("configuration does not enable the %q service on this host", svcName)
}

type contextKeyURL struct{}

// URLFromContext returns the URL the service is listening on.
func URLFromContext(ctx context.Context) (autotest.URL, bool) {
	u, ok := ctx.Value(contextKeyURL{}).(autotest.URL)
	return u, ok
}

type contextKeyConfigPath struct{}

// ConfigPathFromContext returns the path of the config file the
// service was started with. It returns false if the config was read
// from stdin.
func ConfigPathFromContext(ctx context.Context) (string, bool) {
	p, ok := ctx.Value(contextKeyConfigPath{}).(string)
	return p, ok
}
