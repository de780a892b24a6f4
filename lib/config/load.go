// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	_ "embed"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/autotest/scheduler/sdk/go/autotest"
	"github.com/fsnotify/fsnotify"
	"github.com/ghodss/yaml"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// DefaultYAML holds the default values of every config key.
//
//go:embed config.default.yml
var DefaultYAML []byte

// ErrNoClustersDefined is returned by Load if the config file has
// no clusters.
var ErrNoClustersDefined = errors.New("config does not define any clusters")

type Loader struct {
	Stdin  io.Reader
	Logger logrus.FieldLogger

	// Path is the config file location, or "-" to read from
	// Stdin.
	Path string

	configdata      []byte
	sourceTimestamp time.Time
	loadTimestamp   time.Time
}

// NewLoader returns a new Loader with Stdin and Logger set to the
// given values, and all config paths set to their default values.
func NewLoader(stdin io.Reader, logger logrus.FieldLogger) *Loader {
	ldr := &Loader{Stdin: stdin, Logger: logger}
	ldr.SetupFlags(flag.NewFlagSet("", flag.ContinueOnError))
	return ldr
}

// SetupFlags configures a flagset so arguments like -config X can
// be used to change the loader's Path fields.
//
//	ldr := NewLoader(os.Stdin, logrus.New())
//	flagset := flag.NewFlagSet("", flag.ContinueOnError)
//	ldr.SetupFlags(flagset)
//	// ldr.Path == "/etc/autotest/config.yml"
//	flagset.Parse([]string{"-config", "/tmp/c.yaml"})
//	// ldr.Path == "/tmp/c.yaml"
func (ldr *Loader) SetupFlags(flagset *flag.FlagSet) {
	flagset.StringVar(&ldr.Path, "config", autotest.DefaultConfigFile, "Site configuration `file` (default may be overridden by setting an AUTOTEST_CONFIG environment variable)")
	if path := os.Getenv("AUTOTEST_CONFIG"); path != "" {
		ldr.Path = path
	}
}

func (ldr *Loader) loadBytes(path string) (buf []byte, sourceTime time.Time, err error) {
	if path == "-" {
		buf, err = io.ReadAll(ldr.Stdin)
		sourceTime = time.Now()
	} else {
		var f *os.File
		f, err = os.Open(path)
		if err != nil {
			return
		}
		defer f.Close()
		var fi os.FileInfo
		fi, err = f.Stat()
		if err != nil {
			return
		}
		sourceTime = fi.ModTime()
		buf, err = io.ReadAll(f)
	}
	return
}

// Load reads the config file at ldr.Path on top of the built-in
// defaults, and applies drone defaults to every configured drone.
func (ldr *Loader) Load() (*autotest.Config, error) {
	if ldr.configdata == nil {
		buf, sourceTime, err := ldr.loadBytes(ldr.Path)
		if err != nil {
			return nil, err
		}
		ldr.configdata = buf
		ldr.sourceTimestamp = sourceTime
	}
	ldr.loadTimestamp = time.Now()
	buf := ldr.configdata

	// FIXME: We should reject YAML if the same key is used twice
	// in a map/object, like {foo: bar, foo: baz}. Maybe we'll get
	// this fixed free when we upgrade ghodss/yaml to a version
	// that uses go-yaml v3.

	// Load the config into a dummy map to get the cluster ID
	// keys, discarding the values; then set up defaults for each
	// cluster ID; then load the real config on top of the
	// defaults.
	var dummy struct {
		Clusters map[string]struct{}
	}
	err := yaml.Unmarshal(buf, &dummy)
	if err != nil {
		return nil, err
	}
	if len(dummy.Clusters) == 0 {
		return nil, ErrNoClustersDefined
	}

	// We can't merge deep structs here; instead, we unmarshal the
	// default & loaded config files into generic maps, merge
	// those, and then json-encode+decode the result into the
	// config struct type.
	var merged map[string]interface{}
	for id := range dummy.Clusters {
		var src map[string]interface{}
		err = yaml.Unmarshal(bytes.Replace(DefaultYAML, []byte(" xxxxx:"), []byte(" "+id+":"), -1), &src)
		if err != nil {
			return nil, fmt.Errorf("loading defaults for %s: %s", id, err)
		}
		err = mergo.Merge(&merged, src, mergo.WithOverride)
		if err != nil {
			return nil, fmt.Errorf("merging defaults for %s: %s", id, err)
		}
	}
	var src map[string]interface{}
	err = yaml.Unmarshal(buf, &src)
	if err != nil {
		return nil, fmt.Errorf("loading config data: %s", err)
	}
	ldr.logExtraKeys(merged, src, "")
	removeSampleKeys(merged)
	// We merge the loaded config into the default, overriding
	// any existing keys. Make sure we do not override a default
	// with a key that has a 'null' value.
	removeNullKeys(src)
	err = mergo.Merge(&merged, src, mergo.WithOverride)
	if err != nil {
		return nil, fmt.Errorf("merging config data: %s", err)
	}

	// map[string]interface{} => json => autotest.Config
	var cfg autotest.Config
	var errEnc error
	pr, pw := io.Pipe()
	go func() {
		errEnc = json.NewEncoder(pw).Encode(merged)
		pw.Close()
	}()
	err = json.NewDecoder(pr).Decode(&cfg)
	if errEnc != nil {
		err = errEnc
	}
	if err != nil {
		return nil, fmt.Errorf("transcoding config data: %s", err)
	}

	for id, cc := range cfg.Clusters {
		for _, err := range []error{
			checkClusterID(id),
			applyDroneDefaults(&cc),
			checkScheduler(id, cc.Scheduler),
		} {
			if err != nil {
				return nil, err
			}
		}
		cfg.Clusters[id] = cc
	}
	cfg.SourceTimestamp = ldr.sourceTimestamp.UTC()
	cfg.SourceSHA256 = fmt.Sprintf("%x", sha256.Sum256(ldr.configdata))
	return &cfg, nil
}

func checkClusterID(id string) error {
	if len(id) == 0 || strings.ContainsAny(id, " \t\n/") {
		return fmt.Errorf("invalid cluster id %q", id)
	}
	return nil
}

// applyDroneDefaults fills unset per-drone fields from
// DroneDefaults.
func applyDroneDefaults(cc *autotest.Cluster) error {
	for hostname, dc := range cc.Drones {
		if err := mergo.Merge(&dc, cc.DroneDefaults); err != nil {
			return fmt.Errorf("drone %s: %w", hostname, err)
		}
		if dc.MaxProcesses < 0 {
			return fmt.Errorf("drone %s: MaxProcesses must not be negative", hostname)
		}
		cc.Drones[hostname] = dc
	}
	return nil
}

func checkScheduler(id string, sc autotest.SchedulerConfig) error {
	for name, v := range map[string]int{
		"MaxProcessesStartedPerCycle": sc.MaxProcessesStartedPerCycle,
		"MaxParseProcesses":           sc.MaxParseProcesses,
		"MaxTransferProcesses":        sc.MaxTransferProcesses,
		"MaxPidfileRefreshes":         sc.MaxPidfileRefreshes,
	} {
		if v <= 0 {
			return fmt.Errorf("Clusters.%s.Scheduler.%s must be positive", id, name)
		}
	}
	if sc.TickInterval <= 0 {
		return fmt.Errorf("Clusters.%s.Scheduler.TickInterval must be positive", id)
	}
	for name, v := range map[string]autotest.Duration{
		"PidfileTimeout":          sc.PidfileTimeout,
		"WaitForAtomicGroupHosts": sc.WaitForAtomicGroupHosts,
		"GCStatsInterval":         sc.GCStatsInterval,
		"CleanupInterval":         sc.CleanupInterval,
	} {
		if v < 0 {
			return fmt.Errorf("Clusters.%s.Scheduler.%s must not be negative", id, name)
		}
	}
	if sc.ResultsDir == "" || sc.ResultsRepository == "" {
		return fmt.Errorf("Clusters.%s.Scheduler.ResultsDir and ResultsRepository must be set", id)
	}
	return nil
}

func removeNullKeys(m map[string]interface{}) {
	for k, v := range m {
		if v == nil {
			delete(m, k)
		}
		if v, _ := v.(map[string]interface{}); v != nil {
			removeNullKeys(v)
		}
	}
}

func removeSampleKeys(m map[string]interface{}) {
	delete(m, "SAMPLE")
	for _, v := range m {
		if v, _ := v.(map[string]interface{}); v != nil {
			removeSampleKeys(v)
		}
	}
}

func (ldr *Loader) logExtraKeys(expected, supplied map[string]interface{}, prefix string) {
	if ldr.Logger == nil {
		return
	}
	for k, vsupp := range supplied {
		if k == "SAMPLE" {
			// entry will be dropped in removeSampleKeys anyway
			continue
		}
		vexp, ok := expected[k]
		if expected["SAMPLE"] != nil {
			// use the SAMPLE entry's keys as the
			// "expected" map when checking vsupp
			// recursively.
			vexp = expected["SAMPLE"]
		} else if !ok {
			// check for a case-insensitive match
			hint := ""
			for ek := range expected {
				if strings.EqualFold(k, ek) {
					hint = " (perhaps you meant " + ek + "?)"
					// If we don't delete this, it
					// will end up getting merged,
					// unpredictably
					// merging/overriding the
					// default.
					delete(supplied, k)
					break
				}
			}
			ldr.Logger.Warnf("deprecated or unknown config entry: %s%s%s", prefix, k, hint)
			continue
		}
		if vsupp, ok := vsupp.(map[string]interface{}); !ok {
			// if vsupp is a map but vexp isn't map, this
			// will be caught when decoding.
			continue
		} else if vexp, ok := vexp.(map[string]interface{}); !ok {
			ldr.Logger.Warnf("unexpected object in config entry: %s%s", prefix, k)
		} else {
			ldr.logExtraKeys(vexp, vsupp, prefix+k+".")
		}
	}
}

func (ldr *Loader) RegisterMetrics(reg *prometheus.Registry) {
	hash := fmt.Sprintf("%x", sha256.Sum256(ldr.configdata))
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "autotest",
		Subsystem: "config",
		Name:      "source_timestamp_seconds",
		Help:      "Timestamp of config file when it was loaded.",
	}, []string{"sha256"})
	vec.WithLabelValues(hash).Set(float64(ldr.sourceTimestamp.UnixNano()) / 1e9)
	reg.MustRegister(vec)

	vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "autotest",
		Subsystem: "config",
		Name:      "load_timestamp_seconds",
		Help:      "Time when config file was loaded.",
	}, []string{"sha256"})
	vec.WithLabelValues(hash).Set(float64(ldr.loadTimestamp.UnixNano()) / 1e9)
	reg.MustRegister(vec)
}

// Watch calls fn with the newly loaded config each time the file
// at path changes to a valid config that differs from prevcfg. It
// returns when ctx is done.
func Watch(ctx context.Context, logger logrus.FieldLogger, path string, prevcfg *autotest.Config, fn func(*autotest.Config)) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.WithError(err).Error("fsnotify setup failed")
		return
	}
	defer watcher.Close()

	err = watcher.Add(path)
	if err != nil {
		logger.WithError(err).Error("fsnotify watcher failed")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.WithError(err).Warn("fsnotify watcher reported error")
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			for len(watcher.Events) > 0 {
				<-watcher.Events
			}
			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				// Editors often replace the file;
				// watch the new one.
				watcher.Remove(path)
				if err := watcher.Add(path); err != nil {
					logger.WithError(err).Warn("config file disappeared; no longer watching for changes")
					return
				}
			}
			loader := NewLoader(&bytes.Buffer{}, &logrus.Logger{Out: io.Discard})
			loader.Path = path
			cfg, err := loader.Load()
			if err != nil {
				logger.WithError(err).Warn("error reloading config file after change detected; ignoring new config for now")
			} else if reflect.DeepEqual(cfg.Clusters, prevcfg.Clusters) {
				logger.Debug("config file changed but is still DeepEqual to the existing config")
			} else {
				logger.Info("config file changed, reloading")
				prevcfg = cfg
				fn(cfg)
			}
		}
	}
}
