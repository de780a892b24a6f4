// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package autotest

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

const DefaultConfigFile = "/etc/autotest/config.yml"

type Config struct {
	Clusters map[string]Cluster

	SourceTimestamp time.Time `json:"-"`
	SourceSHA256    string    `json:"-"`
}

// GetCluster returns the cluster ID and config for the given
// cluster, or the default/only configured cluster if clusterID is "".
func (sc *Config) GetCluster(clusterID string) (*Cluster, error) {
	if clusterID == "" {
		if len(sc.Clusters) == 0 {
			return nil, fmt.Errorf("no clusters configured")
		} else if len(sc.Clusters) > 1 {
			return nil, fmt.Errorf("multiple clusters configured, cannot choose")
		} else {
			for id, cc := range sc.Clusters {
				cc.ClusterID = id
				return &cc, nil
			}
		}
	}
	cc, ok := sc.Clusters[clusterID]
	if !ok {
		return nil, fmt.Errorf("cluster %q is not configured", clusterID)
	}
	cc.ClusterID = clusterID
	return &cc, nil
}

type Cluster struct {
	ClusterID       string `json:"-"`
	ManagementToken string
	SystemLogs      struct {
		Format   string
		LogLevel string
	}
	PostgreSQL    PostgreSQL
	Services      Services
	Scheduler     SchedulerConfig
	DroneDefaults DroneConfig
	Drones        map[string]DroneConfig
	Notifications NotificationsConfig
}

type PostgreSQL struct {
	Connection     PostgreSQLConnection
	ConnectionPool int
}

type PostgreSQLConnection map[string]string

func (c PostgreSQLConnection) String() string {
	s := ""
	for k, v := range c {
		if v == "" {
			continue
		}
		s += strings.ToLower(k)
		s += "='"
		s += strings.Replace(
			strings.Replace(v, `\`, `\\`, -1),
			`'`, `\'`, -1)
		s += "' "
	}
	return s
}

type Services struct {
	Scheduler Service
}

type Service struct {
	InternalURLs map[URL]ServiceInstance
}

type ServiceInstance struct{}

// URL is a url.URL that is also usable as a JSON key/value.
type URL url.URL

// UnmarshalText implements encoding.TextUnmarshaler so URL can be
// used as a JSON key/value.
func (su *URL) UnmarshalText(text []byte) error {
	u, err := url.Parse(string(text))
	if err == nil {
		*su = URL(*u)
		if su.Path == "" && su.Host != "" {
			su.Path = "/"
		}
	}
	return err
}

func (su URL) MarshalText() ([]byte, error) {
	return []byte(su.String()), nil
}

func (su URL) String() string {
	return (*url.URL)(&su).String()
}

// SchedulerConfig holds the dispatcher tuning parameters. All of
// them are site policy; the defaults live in config.default.yml.
type SchedulerConfig struct {
	TickInterval                Duration
	PidfileTimeout              Duration
	MaxProcessesStartedPerCycle int
	MaxParseProcesses           int
	MaxTransferProcesses        int
	MaxPidfileRefreshes         int
	DieOnOrphans                bool
	WaitForAtomicGroupHosts     Duration
	GCStatsInterval             Duration
	CleanupInterval             Duration
	DroneRetryInterval          Duration

	// Commands are split with shell quoting rules.
	AutoservCommand string
	ParserCommand   string
	ArchiveControl  string

	// ResultsDir is the results base directory on each drone;
	// ResultsRepository is the directory on the scheduler host
	// where finished results and status logs are collected.
	ResultsDir        string
	ResultsRepository string
}

type DroneConfig struct {
	// Local drones run commands on the scheduler host without
	// ssh.
	Local          bool
	Disabled       bool
	MaxProcesses   int
	AllowedUsers   []string
	SSHUser        string
	SSHPort        string
	PrivateKeyFile string
	KnownHostsFile string
	InstallDir     string
}

// UsableBy reports whether the given user may run processes on a
// drone with this config. An empty AllowedUsers list allows
// everyone, as does an empty username.
func (dc DroneConfig) UsableBy(username string) bool {
	if len(dc.AllowedUsers) == 0 || username == "" {
		return true
	}
	for _, u := range dc.AllowedUsers {
		if u == username {
			return true
		}
	}
	return false
}

type NotificationsConfig struct {
	// WebhookURL receives admin notifications as JSON POSTs. If
	// empty, notifications are only logged.
	WebhookURL string
	// RateLimit is the minimum interval between two flushes
	// that deliver messages.
	RateLimit Duration
	// Burst is the maximum number of messages delivered per
	// flush.
	Burst int
	// DedupTTL collapses identical subjects within this window.
	DedupTTL  Duration
	DedupSize int
}
