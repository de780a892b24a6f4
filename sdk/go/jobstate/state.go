// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package jobstate is the persistent namespaced key/value store a
// job uses to resume after a reboot.
//
// Values are stored as JSON. Every read or write of a State with a
// backing file locks the file, reads it, applies the operation and
// writes it back, so several processes can share one state file.
package jobstate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var ErrNotFound = errors.New("no such state value")

type namespaces map[string]map[string]json.RawMessage

// State is safe for concurrent use by multiple goroutines.
type State struct {
	Logger logrus.FieldLogger

	mtx         sync.Mutex
	state       namespaces
	backingFile string
	initialized bool
}

// New returns an empty State with no backing file.
func New(logger logrus.FieldLogger) *State {
	return &State{Logger: logger, state: namespaces{}}
}

// Open returns a State backed by the given file, which is created
// if it does not exist.
func Open(path string, logger logrus.FieldLogger) (*State, error) {
	s := New(logger)
	return s, s.SetBackingFile(path)
}

// SetBackingFile changes the backing file. Existing contents of the
// new file are merged into the in-memory state; where both define
// a value, the file wins. Use "" to detach.
func (s *State) SetBackingFile(path string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if err := s.sync(nil); err != nil {
		return err
	}
	s.backingFile = path
	s.initialized = false
	return s.sync(nil)
}

// BackingFile returns the current backing file path.
func (s *State) BackingFile() string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.backingFile
}

// Get unmarshals the named value into dst. dst never shares memory
// with the stored value. It returns ErrNotFound if the name is not
// set.
func (s *State) Get(namespace, name string, dst interface{}) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	var found json.RawMessage
	err := s.sync(func() bool {
		found = s.state[namespace][name]
		return false
	})
	if err != nil {
		return err
	}
	if found == nil {
		return fmt.Errorf("%s.%s: %w", namespace, name, ErrNotFound)
	}
	return json.Unmarshal(found, dst)
}

// GetDefault is like Get, but leaves dst untouched and returns nil
// if the name is not set.
func (s *State) GetDefault(namespace, name string, dst interface{}) error {
	err := s.Get(namespace, name, dst)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// Set stores a copy of value.
func (s *State) Set(namespace, name string, value interface{}) error {
	buf, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%s.%s: %w", namespace, name, err)
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	err = s.sync(func() bool {
		if s.state[namespace] == nil {
			s.state[namespace] = map[string]json.RawMessage{}
		}
		s.state[namespace][name] = buf
		return true
	})
	if err == nil {
		s.logger().Debugf("persistent state %s.%s now set to %s", namespace, name, buf)
	}
	return err
}

// Has reports whether namespace.name is set.
func (s *State) Has(namespace, name string) (bool, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	var ok bool
	err := s.sync(func() bool {
		_, ok = s.state[namespace][name]
		return false
	})
	return ok, err
}

// Discard deletes namespace.name if it is set. Empty namespaces
// are removed.
func (s *State) Discard(namespace, name string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.sync(func() bool {
		ns, ok := s.state[namespace]
		if !ok {
			return false
		}
		if _, ok := ns[name]; !ok {
			return false
		}
		delete(ns, name)
		if len(ns) == 0 {
			delete(s.state, namespace)
		}
		return true
	})
}

// DiscardNamespace deletes every name in the namespace.
func (s *State) DiscardNamespace(namespace string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.sync(func() bool {
		if _, ok := s.state[namespace]; !ok {
			return false
		}
		delete(s.state, namespace)
		return true
	})
}

// Complete renames the backing file to "<path>.completed" and
// detaches it. A job calls this once it has finished successfully,
// so the next run does not resume it.
func (s *State) Complete() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.backingFile == "" {
		return nil
	}
	if err := s.sync(nil); err != nil {
		return err
	}
	err := os.Rename(s.backingFile, s.backingFile+".completed")
	if err != nil {
		return err
	}
	s.backingFile = ""
	return nil
}

func (s *State) logger() logrus.FieldLogger {
	if s.Logger == nil {
		return logrus.StandardLogger()
	}
	return s.Logger
}

// sync runs fn between a locked read and write of the backing
// file. If there is no backing file it just runs fn. fn returns
// true if it modified the state. Caller must hold s.mtx.
func (s *State) sync(fn func() bool) error {
	if s.backingFile == "" {
		if fn != nil {
			fn()
		}
		return nil
	}
	f, err := os.OpenFile(s.backingFile, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("lock %s: %w", s.backingFile, err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	ondisk := namespaces{}
	buf, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(buf)) > 0 {
		if err := json.Unmarshal(buf, &ondisk); err != nil {
			return fmt.Errorf("%s: %w", s.backingFile, err)
		}
	}
	if s.initialized {
		s.state = ondisk
	} else {
		for ns, vals := range ondisk {
			if s.state[ns] == nil {
				s.state[ns] = map[string]json.RawMessage{}
			}
			for k, v := range vals {
				s.state[ns][k] = v
			}
		}
		s.initialized = true
	}
	if fn != nil {
		fn()
	}
	// Always write back: on the first read this persists the
	// merged in-memory state.
	buf, err = json.Marshal(s.state)
	if err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt(buf, 0); err != nil {
		return err
	}
	return f.Sync()
}
