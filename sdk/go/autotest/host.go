// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package autotest

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"
)

// HostStatus is the state of a machine under test.
type HostStatus string

const (
	HostReady        = HostStatus("Ready")
	HostVerifying    = HostStatus("Verifying")
	HostCleaning     = HostStatus("Cleaning")
	HostRepairing    = HostStatus("Repairing")
	HostRepairFailed = HostStatus("Repair Failed")
	HostRunning      = HostStatus("Running")
	HostPending      = HostStatus("Pending")
)

var validHostStatus = map[HostStatus]bool{
	HostReady:        true,
	HostVerifying:    true,
	HostCleaning:     true,
	HostRepairing:    true,
	HostRepairFailed: true,
	HostRunning:      true,
	HostPending:      true,
}

func (s HostStatus) IsValid() bool {
	return validHostStatus[s]
}

// Protection controls which maintenance tasks may run against a
// host.
type Protection int

const (
	ProtectionNone Protection = iota
	ProtectionDoNotVerify
	ProtectionDoNotRepair
)

var protectionNames = []string{"None", "Do not verify", "Do not repair"}

func (p Protection) String() string {
	if p < 0 || int(p) >= len(protectionNames) {
		return fmt.Sprintf("Protection(%d)", int(p))
	}
	return protectionNames[p]
}

func (p Protection) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Protection) UnmarshalText(text []byte) error {
	for i, name := range protectionNames {
		if name == string(text) {
			*p = Protection(i)
			return nil
		}
	}
	return fmt.Errorf("unknown protection level %q", text)
}

// Host is a machine that jobs and special tasks run against.
type Host struct {
	ID         int64      `json:"id" db:"id"`
	Hostname   string     `json:"hostname" db:"hostname"`
	Status     HostStatus `json:"status" db:"status"`
	Locked     bool       `json:"locked" db:"locked"`
	LockedBy   string     `json:"locked_by" db:"locked_by"`
	LockTime   *time.Time `json:"lock_time" db:"lock_time"`
	Protection Protection `json:"protection" db:"protection"`
	Dirty      bool       `json:"dirty" db:"dirty"`
	// Invalid hosts are soft-deleted. They can still run jobs
	// scheduled on them by name (one-time hosts) but never
	// satisfy a metahost.
	Invalid bool    `json:"invalid" db:"invalid"`
	Labels  []int64 `json:"labels" db:"-"`
}

func (h Host) String() string {
	return fmt.Sprintf("%d/%s", h.ID, h.Hostname)
}

// HasLabel reports whether the host carries the given label.
func (h Host) HasLabel(labelID int64) bool {
	for _, id := range h.Labels {
		if id == labelID {
			return true
		}
	}
	return false
}

// Label groups hosts. Metahost queue entries name a label instead
// of a host.
type Label struct {
	ID            int64  `json:"id" db:"id"`
	Name          string `json:"name" db:"name"`
	OnlyIfNeeded  bool   `json:"only_if_needed" db:"only_if_needed"`
	AtomicGroupID *int64 `json:"atomic_group_id" db:"atomic_group_id"`
	Invalid       bool   `json:"invalid" db:"invalid"`
}

// AtomicGroup is a set of hosts (identified by labels) that must
// run a job together.
type AtomicGroup struct {
	ID                  int64  `json:"id" db:"id"`
	Name                string `json:"name" db:"name"`
	MaxNumberOfMachines int    `json:"max_number_of_machines" db:"max_number_of_machines"`
}

var hostnameNumberRegexp = regexp.MustCompile(`^([a-z-]+)(\d+)$`)

// HostnameLess orders hostnames so that "host2" sorts before
// "host10".
func HostnameLess(a, b string) bool {
	ma := hostnameNumberRegexp.FindStringSubmatch(a)
	mb := hostnameNumberRegexp.FindStringSubmatch(b)
	if ma != nil && mb != nil && ma[1] == mb[1] {
		na, _ := strconv.ParseUint(ma[2], 10, 64)
		nb, _ := strconv.ParseUint(mb[2], 10, 64)
		if na != nb {
			return na < nb
		}
	}
	return a < b
}

// SortHosts sorts hosts in place by HostnameLess.
func SortHosts(hosts []Host) {
	sort.SliceStable(hosts, func(i, j int) bool {
		return HostnameLess(hosts[i].Hostname, hosts[j].Hostname)
	})
}
