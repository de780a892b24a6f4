// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/autotest/scheduler/lib/dispatch/drone"
	"github.com/autotest/scheduler/lib/dispatch/scheduler"
	"github.com/autotest/scheduler/lib/dispatch/store"
	"github.com/autotest/scheduler/sdk/go/httpserver"
	"github.com/dustin/go-humanize"
)

const defaultRequester = "autotest_system"

// droneView adds a human readable suspension time to a drone's
// status.
type droneView struct {
	drone.DroneStatus
	Suspended string `json:",omitempty"`
}

func (disp *dispatcher) ready(w http.ResponseWriter) bool {
	if disp.sched == nil {
		httpserver.Error(w, "dispatcher is not running", http.StatusServiceUnavailable)
		return false
	}
	return true
}

// Management API: drones with their load and error state.
func (disp *dispatcher) apiDrones(w http.ResponseWriter, r *http.Request) {
	if !disp.ready(w) {
		return
	}
	var resp struct {
		Items []droneView `json:"items"`
	}
	for _, ds := range disp.pm.Drones() {
		dv := droneView{DroneStatus: ds}
		if !ds.SuspendedUntil.IsZero() {
			dv.Suspended = "until " + humanize.Time(ds.SuspendedUntil)
		}
		resp.Items = append(resp.Items, dv)
	}
	json.NewEncoder(w).Encode(resp)
}

// Management API: agents as of the last tick.
func (disp *dispatcher) apiAgents(w http.ResponseWriter, r *http.Request) {
	if !disp.ready(w) {
		return
	}
	var resp struct {
		Items []scheduler.AgentStatus `json:"items"`
	}
	resp.Items = disp.sched.Agents()
	json.NewEncoder(w).Encode(resp)
}

// Management API: registered pidfiles.
func (disp *dispatcher) apiPidfiles(w http.ResponseWriter, r *http.Request) {
	if !disp.ready(w) {
		return
	}
	var resp struct {
		Items []drone.PidfileStatus `json:"items"`
	}
	resp.Items = disp.pm.PidfileStatuses()
	json.NewEncoder(w).Encode(resp)
}

// Management API: queue a verify task for the specified host.
func (disp *dispatcher) apiHostReverify(w http.ResponseWriter, r *http.Request) {
	if !disp.ready(w) {
		return
	}
	hostname := r.FormValue("hostname")
	if hostname == "" {
		httpserver.Error(w, "hostname parameter not provided", http.StatusBadRequest)
		return
	}
	err := disp.sched.ReverifyHost(r.Context(), hostname, requester(r))
	if err != nil {
		httpserver.WriteError(w, apiError(err))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Management API: abort all incomplete entries of the specified
// job.
func (disp *dispatcher) apiJobAbort(w http.ResponseWriter, r *http.Request) {
	if !disp.ready(w) {
		return
	}
	jobID, err := strconv.ParseInt(r.FormValue("job_id"), 10, 64)
	if err != nil {
		httpserver.Error(w, "job_id parameter not provided or invalid", http.StatusBadRequest)
		return
	}
	err = disp.sched.AbortJob(r.Context(), jobID, requester(r))
	if err != nil {
		httpserver.WriteError(w, apiError(err))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func requester(r *http.Request) string {
	if by := strings.TrimSpace(r.FormValue("requested_by")); by != "" {
		return by
	}
	return defaultRequester
}

func apiError(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return httpserver.ErrorWithStatus(err, http.StatusNotFound)
	}
	return httpserver.ErrorWithStatus(err, http.StatusConflict)
}
