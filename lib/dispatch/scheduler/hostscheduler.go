// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"context"
	"sort"

	"github.com/autotest/scheduler/lib/dispatch/store"
	"github.com/autotest/scheduler/sdk/go/autotest"
)

// hostScheduler assigns available hosts to queued entries. Its view
// of the hosts is rebuilt once per tick by refresh; hosts handed out
// during the tick are removed from the view so they are not assigned
// twice.
type hostScheduler struct {
	d *Dispatcher

	available  map[int64]autotest.Host
	ineligible map[int64]map[int64]bool // job ID -> host IDs
	jobDeps    map[int64][]int64
	hostLabels map[int64]map[int64]bool
	labelHosts map[int64]map[int64]bool
	labels     map[int64]autotest.Label
}

func newHostScheduler(d *Dispatcher) *hostScheduler {
	return &hostScheduler{d: d}
}

// refresh loads the Ready, unlocked hosts that no active entry or
// special task is using, and the scheduling constraints of the
// pending entries' jobs.
func (hs *hostScheduler) refresh(ctx context.Context, pending []autotest.HostQueueEntry) error {
	hosts, err := hs.d.store.ListHosts(ctx, store.HostFilter{
		Statuses: []autotest.HostStatus{autotest.HostReady},
		Unlocked: true,
	})
	if err != nil {
		return err
	}
	active, err := hs.d.store.ListQueueEntries(ctx, store.EntryFilter{Active: true})
	if err != nil {
		return err
	}
	busy := map[int64]bool{}
	for _, e := range active {
		if e.HostID != nil {
			busy[*e.HostID] = true
		}
	}
	// A host with maintenance still outstanding (e.g. a
	// requested reverify) takes no new jobs until it is done.
	tasks, err := hs.d.store.ListSpecialTasks(ctx, store.TaskFilter{Incomplete: true})
	if err != nil {
		return err
	}
	for _, t := range tasks {
		busy[t.HostID] = true
	}
	hs.available = map[int64]autotest.Host{}
	hs.hostLabels = map[int64]map[int64]bool{}
	hs.labelHosts = map[int64]map[int64]bool{}
	for _, h := range hosts {
		if busy[h.ID] {
			continue
		}
		hs.available[h.ID] = h
		hs.hostLabels[h.ID] = map[int64]bool{}
		for _, l := range h.Labels {
			hs.hostLabels[h.ID][l] = true
			if hs.labelHosts[l] == nil {
				hs.labelHosts[l] = map[int64]bool{}
			}
			hs.labelHosts[l][h.ID] = true
		}
	}

	hs.ineligible = map[int64]map[int64]bool{}
	hs.jobDeps = map[int64][]int64{}
	for _, e := range pending {
		if _, ok := hs.ineligible[e.JobID]; ok {
			continue
		}
		blocked, err := hs.d.store.IneligibleHosts(ctx, e.JobID)
		if err != nil {
			return err
		}
		hs.ineligible[e.JobID] = map[int64]bool{}
		for _, id := range blocked {
			hs.ineligible[e.JobID][id] = true
		}
		job, err := hs.d.store.Job(ctx, e.JobID)
		if err != nil {
			return err
		}
		hs.jobDeps[e.JobID] = job.Dependencies
	}

	hs.labels, err = hs.d.labelsByID(ctx)
	return err
}

func (hs *hostScheduler) isHostUsable(hostID int64) bool {
	h, ok := hs.available[hostID]
	return ok && !h.Invalid
}

func (hs *hostScheduler) popHost(hostID int64) autotest.Host {
	h := hs.available[hostID]
	delete(hs.available, hostID)
	for l := range hs.hostLabels[hostID] {
		delete(hs.labelHosts[l], hostID)
	}
	return h
}

func (hs *hostScheduler) checkDependencies(jobID, hostID int64) bool {
	for _, dep := range hs.jobDeps[jobID] {
		if !hs.hostLabels[hostID][dep] {
			return false
		}
	}
	return true
}

// checkOnlyIfNeeded rejects a host carrying an only-if-needed label
// unless the entry asked for that label (as metahost or dependency).
func (hs *hostScheduler) checkOnlyIfNeeded(e autotest.HostQueueEntry, hostID int64) bool {
	if e.MetaHost == nil {
		return true
	}
	wanted := map[int64]bool{*e.MetaHost: true}
	for _, dep := range hs.jobDeps[e.JobID] {
		wanted[dep] = true
	}
	for l := range hs.hostLabels[hostID] {
		if wanted[l] {
			continue
		}
		if hs.labels[l].OnlyIfNeeded {
			return false
		}
	}
	return true
}

// checkAtomicGroup makes sure a host in an atomic group only runs
// entries for that group, and vice versa.
func (hs *hostScheduler) checkAtomicGroup(e autotest.HostQueueEntry, hostID int64) bool {
	var hostGroup *int64
	for l := range hs.hostLabels[hostID] {
		if ag := hs.labels[l].AtomicGroupID; ag != nil {
			hostGroup = ag
			break
		}
	}
	switch {
	case hostGroup == nil && e.AtomicGroupID == nil:
		return true
	case hostGroup == nil || e.AtomicGroupID == nil:
		return false
	default:
		return *hostGroup == *e.AtomicGroupID
	}
}

func (hs *hostScheduler) isHostEligibleForJob(hostID int64, e autotest.HostQueueEntry) bool {
	if h, ok := hs.available[hostID]; ok && h.Invalid {
		// One-time hosts were chosen by name; labels do not
		// apply.
		return true
	}
	return hs.checkDependencies(e.JobID, hostID) &&
		hs.checkOnlyIfNeeded(e, hostID) &&
		hs.checkAtomicGroup(e, hostID)
}

// scheduleEntry returns the host the entry should run on, assigning
// one to metahost entries, or nil if no host is available now.
func (hs *hostScheduler) scheduleEntry(ctx context.Context, e autotest.HostQueueEntry) (*autotest.Host, error) {
	if e.HostID != nil {
		if _, ok := hs.available[*e.HostID]; !ok || !hs.isHostEligibleForJob(*e.HostID, e) {
			return nil, nil
		}
		h := hs.popHost(*e.HostID)
		return &h, nil
	}
	if e.MetaHost == nil {
		return nil, nil
	}
	for _, id := range sortedIDs(hs.labelHosts[*e.MetaHost]) {
		if !hs.isHostUsable(id) {
			delete(hs.labelHosts[*e.MetaHost], id)
			continue
		}
		if hs.ineligible[e.JobID][id] || !hs.isHostEligibleForJob(id, e) {
			continue
		}
		h := hs.popHost(id)
		if _, err := hs.d.setHost(ctx, e, &h); err != nil {
			return nil, err
		}
		return &h, nil
	}
	return nil, nil
}

// findEligibleAtomicGroup returns the hosts (sorted by hostname) an
// unassigned atomic group entry should run on, or nil if no label of
// the group has enough usable hosts.
func (hs *hostScheduler) findEligibleAtomicGroup(ctx context.Context, e autotest.HostQueueEntry, job autotest.Job) ([]autotest.Host, error) {
	ag, err := hs.d.store.AtomicGroup(ctx, *e.AtomicGroupID)
	if err != nil {
		return nil, err
	}
	var groupLabels []int64
	for id, l := range hs.labels {
		if l.AtomicGroupID != nil && *l.AtomicGroupID == ag.ID && !l.Invalid {
			groupLabels = append(groupLabels, id)
		}
	}
	sort.Slice(groupLabels, func(i, j int) bool { return groupLabels[i] < groupLabels[j] })
	for _, label := range groupLabels {
		var candidates []autotest.Host
		for _, id := range sortedIDs(hs.labelHosts[label]) {
			if e.MetaHost != nil && !hs.labelHosts[*e.MetaHost][id] {
				continue
			}
			if hs.ineligible[e.JobID][id] || !hs.isHostUsable(id) || !hs.isHostEligibleForJob(id, e) {
				continue
			}
			candidates = append(candidates, hs.available[id])
		}
		if len(candidates) < job.SynchCount {
			continue
		}
		autotest.SortHosts(candidates)
		if len(candidates) > ag.MaxNumberOfMachines {
			candidates = candidates[:ag.MaxNumberOfMachines]
		}
		for _, h := range candidates {
			hs.popHost(h.ID)
		}
		return candidates, nil
	}
	return nil, nil
}

func sortedIDs(set map[int64]bool) []int64 {
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
