/*
Copyright 2025 The knownhosts-sync Authors All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package fetch retrieves the bastion host's system-wide known-hosts file
// over SSH.  Two modes are provided: exec mode shells out to the ssh
// binary so the operator's usual config, agent, and interactive prompts
// all apply, and native mode dials with golang.org/x/crypto/ssh for
// environments without an ssh binary.  Any fetch failure is fatal to the
// run; no partial data must ever reach the authoritative file.
package fetch

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"gitlab.wikimedia.org/repos/sre/knownhosts-sync/pkg/cmd"
	"gitlab.wikimedia.org/repos/sre/knownhosts-sync/pkg/logging"
)

// Fetcher retrieves the raw known-hosts content from the bastion.
type Fetcher interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// Exec fetches by running the local ssh binary.
type Exec struct {
	// Runner executes and logs the command.
	Runner cmd.Runner
	// SSHCommand is the binary to run, normally "ssh".
	SSHCommand string
	// Bastion is the remote host.
	Bastion string
	// User is the login name; empty means the ssh default.
	User string
	// RemoteCommand is the read-only command whose stdout is the bastion's
	// known-hosts content.
	RemoteCommand string
}

// Fetch runs `ssh <bastion> <command>` and returns its stdout.  There is
// no timeout of its own: ssh may legitimately block on an interactive
// credential prompt, and the context carries any deadline the caller set.
func (f *Exec) Fetch(ctx context.Context) ([]byte, error) {
	dest := f.Bastion
	if f.User != "" {
		dest = f.User + "@" + f.Bastion
	}
	stdout, _, err := f.Runner.Run(ctx, "", nil, f.SSHCommand, dest, f.RemoteCommand)
	if err != nil {
		return nil, fmt.Errorf("can't fetch known hosts from %s: %w", f.Bastion, err)
	}
	return []byte(stdout + "\n"), nil
}

// Native fetches by dialing the bastion directly.
type Native struct {
	// Bastion is the remote host, with an optional ":port" (22 default).
	Bastion string
	// User is the login name.
	User string
	// KeyFile is a private key to authenticate with; empty means
	// agent-only.
	KeyFile string
	// KnownHostsFile verifies the bastion's own host key.  Empty disables
	// verification (not recommended).
	KnownHostsFile string
	// Timeout bounds the TCP/SSH handshake, not the remote command.
	Timeout time.Duration
	// RemoteCommand is as for Exec.
	RemoteCommand string
	// Log receives connection progress.
	Log *logging.Logger
}

// Fetch dials the bastion, runs the remote command, and returns its
// stdout.  A configured private key is tried first; when it is absent or
// rejected, a running SSH agent is the fallback.
func (f *Native) Fetch(ctx context.Context) ([]byte, error) {
	hostKeyCallback := ssh.InsecureIgnoreHostKey() //nolint:gosec // explicit opt-out below
	if f.KnownHostsFile != "" {
		cb, err := knownhosts.New(f.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("can't load known-hosts file %s: %w", f.KnownHostsFile, err)
		}
		hostKeyCallback = cb
	} else if f.Log != nil {
		f.Log.V(0).Info("no bastion known-hosts file configured, skipping host key verification", "bastion", f.Bastion)
	}

	addr := f.Bastion
	if !strings.Contains(addr, ":") {
		addr += ":22"
	}

	client, err := f.dial(addr, hostKeyCallback)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("can't open session on %s: %w", f.Bastion, err)
	}
	defer session.Close()

	out, err := session.Output(f.RemoteCommand)
	if err != nil {
		return nil, fmt.Errorf("remote command %q failed on %s: %w", f.RemoteCommand, f.Bastion, err)
	}
	return out, nil
}

// dial tries the configured key first and falls back to the SSH agent on
// an authentication failure.
func (f *Native) dial(addr string, hostKeyCallback ssh.HostKeyCallback) (*ssh.Client, error) {
	var keyErr error

	if f.KeyFile != "" {
		keyBytes, err := os.ReadFile(f.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("can't read key file %s: %w", f.KeyFile, err)
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("can't parse key file %s: %w", f.KeyFile, err)
		}

		client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
			User:            f.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeyCallback,
			Timeout:         f.Timeout,
		})
		if err == nil {
			return client, nil
		}
		if !strings.Contains(err.Error(), "unable to authenticate") {
			return nil, fmt.Errorf("can't connect to %s: %w", addr, err)
		}
		// Auth failure with the key; see if an agent can do better.
		keyErr = err
	}

	agentClient := sshAgent()
	if agentClient == nil {
		if keyErr != nil {
			return nil, fmt.Errorf("key authentication failed and no SSH agent available: %w", keyErr)
		}
		return nil, fmt.Errorf("no authentication method available (no key file and no SSH agent)")
	}

	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            f.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeysCallback(agentClient.Signers)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         f.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("can't connect to %s with SSH agent: %w", addr, err)
	}
	return client, nil
}
