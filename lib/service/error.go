// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"net/http"

	"github.com/autotest/scheduler/sdk/go/ctxlog"
	"github.com/autotest/scheduler/sdk/go/httpserver"
	"github.com/sirupsen/logrus"
)

// ErrorHandler returns a Handler for a service that could not be
// set up. It is never healthy, it is already Done, and it answers
// every request with 500 and the given error.
func ErrorHandler(ctx context.Context, err error) Handler {
	eh := &errorHandler{
		err:    err,
		logger: ctxlog.FromContext(ctx),
		done:   make(chan struct{}),
	}
	close(eh.done)
	eh.logger.WithError(err).Error("unhealthy service")
	return eh
}

type errorHandler struct {
	err    error
	logger logrus.FieldLogger
	done   chan struct{}
}

func (eh *errorHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	eh.logger.WithError(eh.err).WithField("RequestPath", r.URL.Path).Error("request to unhealthy service")
	httpserver.Error(w, eh.err.Error(), http.StatusInternalServerError)
}

func (eh *errorHandler) CheckHealth() error { return eh.err }

func (eh *errorHandler) Done() <-chan struct{} { return eh.done }
