// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/autotest/scheduler/sdk/go/autotest"
	"github.com/autotest/scheduler/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&Suite{})

type Suite struct{}
type key int

const (
	contextKey key = iota
)

func (*Suite) writeConfig(c *check.C) string {
	cf, err := os.CreateTemp(c.MkDir(), "config.yml")
	c.Assert(err, check.IsNil)
	defer cf.Close()
	fmt.Fprintf(cf, "Clusters:\n zzzzz:\n  ManagementToken: abcde\n  Services: {Scheduler: {InternalURLs: {\"http://127.0.0.1:0\": {}}}}\n")
	return cf.Name()
}

func (s *Suite) TestCommand(c *check.C) {
	confPath := s.writeConfig(c)
	healthCheck := make(chan bool, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd := Command("autotest-scheduler", func(ctx context.Context, cluster *autotest.Cluster, reg *prometheus.Registry) Handler {
		c.Check(ctx.Value(contextKey), check.Equals, "bar")
		c.Check(cluster.ClusterID, check.Equals, "zzzzz")
		c.Check(cluster.ManagementToken, check.Equals, "abcde")
		path, ok := ConfigPathFromContext(ctx)
		c.Check(ok, check.Equals, true)
		c.Check(path, check.Equals, confPath)
		return &testHandler{ctx: ctx, healthCheck: healthCheck}
	})
	cmd.(*command).ctx = context.WithValue(ctx, contextKey, "bar")

	done := make(chan bool)
	var stdin, stdout, stderr bytes.Buffer

	go func() {
		cmd.RunCommand("autotest-scheduler", []string{"-config", confPath}, &stdin, &stdout, &stderr)
		close(done)
	}()
	select {
	case <-healthCheck:
	case <-done:
		c.Error("command exited without health check")
	}
	cancel()
	<-done
	c.Check(stdout.String(), check.Equals, "")
	c.Check(stderr.String(), check.Matches, `(?ms).*"msg":"CheckHealth called".*`)
}

func (s *Suite) TestUnhealthyAtStartup(c *check.C) {
	cmd := Command("autotest-scheduler", func(ctx context.Context, cluster *autotest.Cluster, reg *prometheus.Registry) Handler {
		return ErrorHandler(ctx, errors.New("no valid drones found"))
	})
	var stdout, stderr bytes.Buffer
	code := cmd.RunCommand("autotest-scheduler", []string{"-config", s.writeConfig(c)}, &bytes.Buffer{}, &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*no valid drones found.*`)
}

func (s *Suite) TestServeAndHealth(c *check.C) {
	os.Setenv("AUTOTEST_SERVICE_INTERNAL_URL", "http://127.0.0.1:47319")
	defer os.Unsetenv("AUTOTEST_SERVICE_INTERNAL_URL")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cmd := Command("autotest-scheduler", func(ctx context.Context, cluster *autotest.Cluster, reg *prometheus.Registry) Handler {
		return &testHandler{ctx: ctx, handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("ok"))
		})}
	})
	cmd.(*command).ctx = ctx
	exited := make(chan bool)
	var stdout, stderr bytes.Buffer
	go func() {
		cmd.RunCommand("autotest-scheduler", []string{"-config", s.writeConfig(c)}, &bytes.Buffer{}, &stdout, &stderr)
		close(exited)
	}()

	get := func(path, token string) (int, string) {
		deadline := time.Now().Add(5 * time.Second)
		for {
			req, err := http.NewRequest("GET", "http://127.0.0.1:47319"+path, nil)
			c.Assert(err, check.IsNil)
			if token != "" {
				req.Header.Set("Authorization", "Bearer "+token)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil && time.Now().Before(deadline) {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			c.Assert(err, check.IsNil)
			body, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			c.Check(err, check.IsNil)
			return resp.StatusCode, string(body)
		}
	}
	code, body := get("/foo", "")
	c.Check(code, check.Equals, http.StatusOK)
	c.Check(body, check.Equals, "ok")
	code, body = get("/_health/ping", "abcde")
	c.Check(code, check.Equals, http.StatusOK)
	c.Check(body, check.Equals, `{"health":"OK"}`+"\n")
	code, _ = get("/_health/ping", "wrong")
	c.Check(code, check.Equals, http.StatusForbidden)

	cancel()
	select {
	case <-exited:
	case <-time.After(10 * time.Second):
		c.Error("timed out waiting for service to stop")
	}
}

func (s *Suite) TestGetListenAddr(c *check.C) {
	var svc autotest.Service
	_, err := getListenAddr(svc, "autotest-scheduler")
	c.Check(err, check.ErrorMatches, `configuration does not enable the "autotest-scheduler" service on this host`)

	var ftp, local autotest.URL
	c.Assert(ftp.UnmarshalText([]byte("ftp://127.0.0.1:21")), check.IsNil)
	c.Assert(local.UnmarshalText([]byte("http://127.0.0.1:0")), check.IsNil)
	svc.InternalURLs = map[autotest.URL]autotest.ServiceInstance{ftp: {}}
	_, err = getListenAddr(svc, "autotest-scheduler")
	c.Check(err, check.ErrorMatches, `.*unsupported scheme "ftp".*`)

	svc.InternalURLs[local] = autotest.ServiceInstance{}
	u, err := getListenAddr(svc, "autotest-scheduler")
	c.Check(err, check.IsNil)
	c.Check(u.String(), check.Equals, "http://127.0.0.1:0/")

	os.Setenv("AUTOTEST_SERVICE_INTERNAL_URL", "http://localhost:9999")
	defer os.Unsetenv("AUTOTEST_SERVICE_INTERNAL_URL")
	u, err = getListenAddr(svc, "autotest-scheduler")
	c.Check(err, check.IsNil)
	c.Check(u.String(), check.Equals, "http://localhost:9999/")
}

type testHandler struct {
	ctx         context.Context
	handler     http.Handler
	healthCheck chan bool
}

func (th *testHandler) Done() <-chan struct{}                            { return nil }
func (th *testHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) { th.handler.ServeHTTP(w, r) }
func (th *testHandler) CheckHealth() error {
	ctxlog.FromContext(th.ctx).Info("CheckHealth called")
	select {
	case th.healthCheck <- true:
	default:
	}
	return nil
}
