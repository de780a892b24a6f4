// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

import (
	"context"
	"errors"

	"github.com/autotest/scheduler/lib/cmd"
	"github.com/autotest/scheduler/lib/service"
	"github.com/autotest/scheduler/sdk/go/autotest"
	"github.com/prometheus/client_golang/prometheus"
)

var Command cmd.Handler = service.Command("autotest-scheduler", newHandler)

func newHandler(ctx context.Context, cluster *autotest.Cluster, reg *prometheus.Registry) service.Handler {
	if len(cluster.Drones) == 0 {
		return service.ErrorHandler(ctx, errors.New("no drones configured"))
	}
	d := &dispatcher{
		Cluster:  cluster,
		Context:  ctx,
		Registry: reg,
	}
	go d.Start()
	return d
}
