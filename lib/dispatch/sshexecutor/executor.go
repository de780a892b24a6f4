// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package sshexecutor runs drone commands over a long-lived
// multiplexed SSH connection.
package sshexecutor

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/autotest/scheduler/sdk/go/autotest"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

var ErrNoAddress = errors.New("drone has no address")

// A Target is a remote host that an Executor can connect to.
type Target interface {
	// Address returns host or host:port.
	Address() string
	RemoteUser() string
	// VerifyHostKey returns nil if the key presented by the
	// remote end is acceptable.
	VerifyHostKey(ssh.PublicKey, *ssh.Client) error
}

// DroneTarget is a Target for a drone listed in the cluster config.
type DroneTarget struct {
	Hostname string
	User     string

	// If nil, any host key is accepted.
	HostKeyCallback ssh.HostKeyCallback
}

// NewDroneTarget returns a target for the given drone. If the drone
// config names a known_hosts file, host keys are checked against
// it.
func NewDroneTarget(hostname string, dc autotest.DroneConfig) (*DroneTarget, error) {
	t := &DroneTarget{Hostname: hostname, User: dc.SSHUser}
	if dc.KnownHostsFile != "" {
		cb, err := knownhosts.New(dc.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("loading known hosts for %s: %w", hostname, err)
		}
		t.HostKeyCallback = cb
	}
	return t, nil
}

func (t *DroneTarget) Address() string    { return t.Hostname }
func (t *DroneTarget) RemoteUser() string { return t.User }

func (t *DroneTarget) VerifyHostKey(key ssh.PublicKey, client *ssh.Client) error {
	if t.HostKeyCallback == nil {
		return nil
	}
	_, port, err := net.SplitHostPort(client.RemoteAddr().String())
	if err != nil {
		return err
	}
	return t.HostKeyCallback(net.JoinHostPort(t.Hostname, port), client.RemoteAddr(), key)
}

// LoadSigner reads an unencrypted private key from the given file.
func LoadSigner(path string) (ssh.Signer, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(buf)
}

// New returns a new Executor for the given target.
func New(t Target) *Executor {
	return &Executor{target: t, ConnectTimeout: time.Minute}
}

// An Executor uses a multiplexed SSH connection to execute shell
// commands on a drone. It reconnects automatically after errors.
//
// The host key is verified by the target only when it differs from
// the last key that passed verification.
//
// An Executor must not be copied.
type Executor struct {
	ConnectTimeout time.Duration

	target     Target
	targetPort string
	signers    []ssh.Signer
	mtx        sync.RWMutex

	client      *ssh.Client
	clientErr   error
	clientOnce  sync.Once     // initialized private state
	clientSetup chan bool     // len>0 while client setup is in progress
	hostKey     ssh.PublicKey // most recent host key that passed verification, if any
}

// SetSigners updates the set of private keys that will be offered to
// the target next time the Executor sets up a new connection.
func (exr *Executor) SetSigners(signers ...ssh.Signer) {
	exr.mtx.Lock()
	defer exr.mtx.Unlock()
	exr.signers = signers
}

// SetTargetPort sets the port (name or number) to connect to when
// the target address does not include one. The default is "ssh".
func (exr *Executor) SetTargetPort(port string) {
	exr.mtx.Lock()
	defer exr.mtx.Unlock()
	exr.targetPort = port
}

// Execute runs cmd on the target. If an existing connection is not
// usable, it sets up a new connection first.
func (exr *Executor) Execute(env map[string]string, cmd string, stdin io.Reader) ([]byte, []byte, error) {
	session, err := exr.newSession()
	if err != nil {
		return nil, nil, err
	}
	defer session.Close()
	for k, v := range env {
		err = session.Setenv(k, v)
		if err != nil {
			return nil, nil, err
		}
	}
	var stdout, stderr bytes.Buffer
	session.Stdin = stdin
	session.Stdout = &stdout
	session.Stderr = &stderr
	err = session.Run(cmd)
	return stdout.Bytes(), stderr.Bytes(), err
}

// Close shuts down any active connection.
func (exr *Executor) Close() {
	exr.sshClient(false)

	exr.clientSetup <- true
	if exr.client != nil {
		defer exr.client.Close()
	}
	exr.client, exr.clientErr = nil, errors.New("closed")
	<-exr.clientSetup
}

// Create a new SSH session. If that fails with the current client,
// set up a new client and try once more.
func (exr *Executor) newSession() (*ssh.Session, error) {
	try := func(create bool) (*ssh.Session, error) {
		client, err := exr.sshClient(create)
		if err != nil {
			return nil, err
		}
		return client.NewSession()
	}
	session, err := try(false)
	if err != nil {
		session, err = try(true)
	}
	return session, err
}

// Get the latest SSH client. If another goroutine is setting one up,
// wait for it and return its result (or the last working client if
// it fails).
func (exr *Executor) sshClient(create bool) (*ssh.Client, error) {
	exr.clientOnce.Do(func() {
		exr.clientSetup = make(chan bool, 1)
		exr.clientErr = errors.New("client not yet created")
	})
	defer func() { <-exr.clientSetup }()
	select {
	case exr.clientSetup <- true:
		if create {
			client, err := exr.setupSSHClient()
			if err == nil || exr.client == nil {
				if exr.client != nil {
					go exr.client.Close()
				}
				exr.client, exr.clientErr = client, err
			}
			if err != nil {
				return nil, err
			}
		}
	default:
		exr.clientSetup <- true
	}
	return exr.client, exr.clientErr
}

func (exr *Executor) targetHostPort() (string, string) {
	exr.mtx.RLock()
	defer exr.mtx.RUnlock()
	addr := exr.target.Address()
	if addr == "" {
		return "", ""
	}
	h, p, err := net.SplitHostPort(addr)
	if err != nil || p == "" {
		if h == "" {
			h = addr
		}
		if p = exr.targetPort; p == "" {
			p = "ssh"
		}
	}
	return h, p
}

func (exr *Executor) setupSSHClient() (*ssh.Client, error) {
	addr := net.JoinHostPort(exr.targetHostPort())
	if addr == ":" {
		return nil, ErrNoAddress
	}
	exr.mtx.RLock()
	signers := exr.signers
	exr.mtx.RUnlock()
	var receivedKey ssh.PublicKey
	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User: exr.target.RemoteUser(),
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signers...),
		},
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			receivedKey = key
			return nil
		},
		Timeout: exr.ConnectTimeout,
	})
	if err != nil {
		return nil, err
	} else if receivedKey == nil {
		return nil, errors.New("BUG: key was never provided to HostKeyCallback")
	}

	if exr.hostKey == nil || !bytes.Equal(exr.hostKey.Marshal(), receivedKey.Marshal()) {
		err = exr.target.VerifyHostKey(receivedKey, client)
		if err != nil {
			client.Close()
			return nil, err
		}
		exr.hostKey = receivedKey
	}
	return client, nil
}
