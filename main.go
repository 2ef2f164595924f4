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

// knownhosts-sync is a command that builds a local SSH known-hosts file from
// a bastion host's system-wide known-hosts file, plus aliases derived from
// CNAME records in a DNS zone repository checkout.

package main // import "gitlab.wikimedia.org/repos/sre/knownhosts-sync"

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"gitlab.wikimedia.org/repos/sre/knownhosts-sync/pkg/cmd"
	"gitlab.wikimedia.org/repos/sre/knownhosts-sync/pkg/fetch"
	"gitlab.wikimedia.org/repos/sre/knownhosts-sync/pkg/hook"
	"gitlab.wikimedia.org/repos/sre/knownhosts-sync/pkg/knownhosts"
	"gitlab.wikimedia.org/repos/sre/knownhosts-sync/pkg/logging"
	"gitlab.wikimedia.org/repos/sre/knownhosts-sync/pkg/merge"
	"gitlab.wikimedia.org/repos/sre/knownhosts-sync/pkg/pid1"
	"gitlab.wikimedia.org/repos/sre/knownhosts-sync/pkg/publish"
	"gitlab.wikimedia.org/repos/sre/knownhosts-sync/pkg/version"
	"gitlab.wikimedia.org/repos/sre/knownhosts-sync/pkg/zone"
)

var (
	metricSyncDuration = prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Name: "khsync_sync_duration_seconds",
		Help: "Summary of khsync sync durations",
	}, []string{"status"})

	metricSyncCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "khsync_sync_count_total",
		Help: "How many syncs completed, partitioned by state (success, error, noop)",
	}, []string{"status"})

	metricFetchCount = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "khsync_fetch_count_total",
		Help: "How many bastion fetches were run",
	})

	metricCNAMESkipCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "khsync_cname_skip_count_total",
		Help: "How many CNAME records were skipped, partitioned by reason (dyna-record, no-match, ambiguous)",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(metricSyncDuration)
	prometheus.MustRegister(metricSyncCount)
	prometheus.MustRegister(metricFetchCount)
	prometheus.MustRegister(metricCNAMESkipCount)
}

const (
	metricKeySuccess = "success"
	metricKeyError   = "error"
	metricKeyNoOp    = "noop"
)

type fetchMode string

const (
	fetchModeExec   fetchMode = "exec"
	fetchModeNative fetchMode = "native"
)

// Exit codes for setup failures, before any fetch is attempted.
const (
	exitCodeRuntime      = 1 // includes a missing known-hosts directory
	exitCodeNotDirectory = 2
	exitCodeNotZoneRepo  = 3
)

// zoneSpec names a zone fragment within the zone repo, with an optional
// $ORIGIN restriction.
type zoneSpec struct {
	file   string
	origin string
}

// parseZoneSpecs parses repeated --zone values of the form "file[:origin]".
// All bad values are reported, not just the first.
func parseZoneSpecs(values []string) ([]zoneSpec, error) {
	var specs []zoneSpec
	var errs multiError
	for _, val := range values {
		file, origin, _ := strings.Cut(val, ":")
		if file == "" {
			errs = append(errs, fmt.Errorf("invalid zone spec %q: empty file part", val))
			continue
		}
		if filepath.IsAbs(file) {
			errs = append(errs, fmt.Errorf("invalid zone spec %q: file must be relative to the zone repo", val))
			continue
		}
		specs = append(specs, zoneSpec{file: file, origin: origin})
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return specs, nil
}

// syncer holds everything one sync pass needs.
type syncer struct {
	bastion    string
	fetcher    fetch.Fetcher
	zoneRepo   absPath // "" means no zone repo was given
	zones      []zoneSpec
	dynaRecord string
	pub        *publish.Publisher
	sshConfig  string
	syncCount  int
	log        *logging.Logger
}

func main() {
	// In case we come up as pid 1, act as init.
	if os.Getpid() == 1 {
		fmt.Fprintf(os.Stderr, "INFO: detected pid 1, running init handler\n")
		code, err := pid1.ReRun()
		if err == nil {
			os.Exit(code)
		}
		fmt.Fprintf(os.Stderr, "ERROR: unhandled pid1 error: %v\n", err)
		os.Exit(127)
	}

	//
	// Declare flags inside main() so they are not used as global variables.
	//

	flVersion := pflag.Bool("version", false, "print the version and exit")
	flHelp := pflag.BoolP("help", "h", false, "print help text and exit")
	flManual := pflag.Bool("man", false, "print the full manual and exit")

	flVerbose := pflag.IntP("verbose", "v", 0,
		"logs at this V level and lower will be printed")

	flBastion := pflag.String("bastion",
		envString("", "KHSYNC_BASTION"),
		"the bastion host whose system known-hosts file is fetched (required)")
	flBastionUser := pflag.String("bastion-user",
		envString("", "KHSYNC_BASTION_USER"),
		"the login name on the bastion (defaults to ssh's own default)")
	flBastionCommand := pflag.String("bastion-command",
		envString("cat /etc/ssh/ssh_known_hosts", "KHSYNC_BASTION_COMMAND"),
		"the read-only command run on the bastion whose stdout is the known-hosts content")

	flFetchMode := pflag.String("fetch-mode",
		envString("exec", "KHSYNC_FETCH_MODE"),
		"how to reach the bastion: one of 'exec' (run the ssh binary) or 'native' (dial in-process)")
	flSSHCommand := pflag.String("ssh",
		envString("ssh", "KHSYNC_SSH"),
		"the ssh command to run in exec mode (subject to PATH search, mostly for testing)")
	flSSHKeyFile := pflag.String("ssh-key-file",
		envString("", "KHSYNC_SSH_KEY_FILE"),
		"the SSH private key to use in native mode (defaults to agent-only auth)")
	flSSHKnownHostsFile := pflag.String("ssh-known-hosts-file",
		envString("", "KHSYNC_SSH_KNOWN_HOSTS_FILE"),
		"the known-hosts file used to verify the bastion itself in native mode (empty disables verification)")
	flDialTimeout := pflag.Duration("dial-timeout",
		envDuration(30*time.Second, "KHSYNC_DIAL_TIMEOUT"),
		"the TCP/SSH handshake timeout in native mode")

	flKnownHostsDir := pflag.String("known-hosts-dir",
		envString(filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts.d"), "KHSYNC_KNOWN_HOSTS_DIR"),
		"the directory holding the synced known-hosts file and its .new/.old generations (must exist)")
	flKnownHostsFile := pflag.String("known-hosts-file",
		envString("known_hosts", "KHSYNC_KNOWN_HOSTS_FILE"),
		"the name of the synced file within --known-hosts-dir")

	flZones := pflag.StringArray("zone",
		envStringArray("templates/wmnet:eqiad,templates/wmnet:codfw,templates/wikimedia.org", "KHSYNC_ZONE"),
		"a zone fragment to extract CNAMEs from, as 'file[:origin]' relative to the zone repo (repeatable)")
	flDynaRecord := pflag.String("dyna-record",
		envString("dyna.wikimedia.org.", "KHSYNC_DYNA_RECORD"),
		"CNAMEs pointing at this record are dynamic-failover entries and are skipped")

	flSSHConfig := pflag.String("ssh-config",
		envString(filepath.Join(os.Getenv("HOME"), ".ssh", "config"), "KHSYNC_SSH_CONFIG"),
		"the SSH client config checked (read-only) for a UserKnownHostsFile directive")

	flErrorFile := pflag.String("error-file",
		envString("", "KHSYNC_ERROR_FILE"),
		"the path (absolute or relative to --known-hosts-dir) to an optional file into which errors will be written (defaults to disabled)")
	flOneTime := pflag.Bool("one-time",
		envBool(true, "KHSYNC_ONE_TIME"),
		"exit after the first sync (set to false to sync periodically)")
	flPeriod := pflag.Duration("period",
		envDuration(time.Hour, "KHSYNC_PERIOD"),
		"how long to wait between syncs when --one-time is false, must be >= 10ms")
	flSyncTimeout := pflag.Duration("sync-timeout",
		envDuration(0, "KHSYNC_SYNC_TIMEOUT"),
		"the total time allowed for one complete sync, 0 to disable (ssh may block on interactive prompts)")
	flSyncOnSignal := pflag.String("sync-on-signal",
		envString("", "KHSYNC_SYNC_ON_SIGNAL"),
		"sync on receipt of the specified signal (e.g. SIGHUP)")
	flMaxFailures := pflag.Int("max-failures",
		envInt(0, "KHSYNC_MAX_FAILURES"),
		"the number of consecutive failures allowed before aborting (-1 will retry forever)")

	flExechookCommand := pflag.String("exechook-command",
		envString("", "KHSYNC_EXECHOOK_COMMAND"),
		"an optional command to be run when syncs complete (must be idempotent)")
	flExechookTimeout := pflag.Duration("exechook-timeout",
		envDuration(30*time.Second, "KHSYNC_EXECHOOK_TIMEOUT"),
		"the timeout for the exechook")
	flExechookBackoff := pflag.Duration("exechook-backoff",
		envDuration(3*time.Second, "KHSYNC_EXECHOOK_BACKOFF"),
		"the time to wait before retrying a failed exechook")

	flWebhookURL := pflag.String("webhook-url",
		envString("", "KHSYNC_WEBHOOK_URL"),
		"a URL for optional webhook notifications when syncs complete (must be idempotent)")
	flWebhookMethod := pflag.String("webhook-method",
		envString("POST", "KHSYNC_WEBHOOK_METHOD"),
		"the HTTP method for the webhook")
	flWebhookStatusSuccess := pflag.Int("webhook-success-status",
		envInt(200, "KHSYNC_WEBHOOK_SUCCESS_STATUS"),
		"the HTTP status code indicating a successful webhook (0 disables success checks)")
	flWebhookTimeout := pflag.Duration("webhook-timeout",
		envDuration(1*time.Second, "KHSYNC_WEBHOOK_TIMEOUT"),
		"the timeout for the webhook")
	flWebhookBackoff := pflag.Duration("webhook-backoff",
		envDuration(3*time.Second, "KHSYNC_WEBHOOK_BACKOFF"),
		"the time to wait before retrying a failed webhook")

	flHTTPBind := pflag.String("http-bind",
		envString("", "KHSYNC_HTTP_BIND"),
		"the bind address (including port) for knownhosts-sync's HTTP endpoint")
	flHTTPMetrics := pflag.Bool("http-metrics",
		envBool(false, "KHSYNC_HTTP_METRICS"),
		"enable metrics on knownhosts-sync's HTTP endpoint")
	flHTTPprof := pflag.Bool("http-pprof",
		envBool(false, "KHSYNC_HTTP_PPROF"),
		"enable the pprof debug endpoints on knownhosts-sync's HTTP endpoint")

	//
	// Parse and verify flags.  Errors here are fatal.
	//

	pflag.Parse()

	// Handle print-and-exit cases.
	if *flVersion {
		fmt.Println(version.VERSION)
		os.Exit(0)
	}
	if *flHelp {
		pflag.CommandLine.SetOutput(os.Stdout)
		pflag.PrintDefaults()
		os.Exit(0)
	}
	if *flManual {
		printManPage()
		os.Exit(0)
	}

	// Make sure we have a known-hosts dir to work against.
	if *flKnownHostsDir == "" {
		fmt.Fprintf(os.Stderr, "ERROR: --known-hosts-dir must be specified\n")
		os.Exit(exitCodeRuntime)
	}
	var absKnownHostsDir absPath
	if abs, err := absPath(*flKnownHostsDir).Canonical(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: can't absolutize --known-hosts-dir: %v\n", err)
		os.Exit(exitCodeRuntime)
	} else {
		absKnownHostsDir = abs
	}

	// Init logging very early, so most errors can be written to a file.
	log := func() *logging.Logger {
		dir, file := makeAbsPath(*flErrorFile, absKnownHostsDir).Split()
		return logging.New(dir.String(), file, *flVerbose)
	}()
	cmdRunner := cmd.NewRunner(log)

	if *flBastion == "" {
		handleConfigError(log, true, "ERROR: --bastion must be specified")
	}

	switch fetchMode(*flFetchMode) {
	case fetchModeExec, fetchModeNative:
	default:
		handleConfigError(log, true, "ERROR: --fetch-mode must be one of %q or %q", fetchModeExec, fetchModeNative)
	}

	if *flBastionCommand == "" {
		handleConfigError(log, true, "ERROR: --bastion-command must be specified")
	}

	if *flKnownHostsFile == "" || strings.ContainsRune(*flKnownHostsFile, os.PathSeparator) {
		handleConfigError(log, true, "ERROR: --known-hosts-file must be a bare file name")
	}

	zones, err := parseZoneSpecs(*flZones)
	if err != nil {
		handleConfigError(log, true, "ERROR: invalid --zone: %v", err)
	}

	if *flPeriod < 10*time.Millisecond {
		handleConfigError(log, true, "ERROR: --period must be at least 10ms")
	}

	if *flSyncTimeout != 0 && *flSyncTimeout < 10*time.Millisecond {
		handleConfigError(log, true, "ERROR: --sync-timeout must be 0 or at least 10ms")
	}

	if *flDialTimeout < 0 {
		handleConfigError(log, true, "ERROR: --dial-timeout must not be negative")
	}

	var syncSig syscall.Signal
	if *flSyncOnSignal != "" {
		if num, err := strconv.ParseInt(*flSyncOnSignal, 0, 0); err == nil {
			// sync-on-signal value is a number
			syncSig = syscall.Signal(num)
		} else {
			// sync-on-signal value is a name
			syncSig = unix.SignalNum(*flSyncOnSignal)
			if syncSig == 0 {
				// last resort - maybe they said "HUP", meaning "SIGHUP"
				syncSig = unix.SignalNum("SIG" + *flSyncOnSignal)
			}
		}
		if syncSig == 0 {
			handleConfigError(log, true, "ERROR: --sync-on-signal must be a valid signal name or number")
		}
	}

	if *flExechookCommand != "" {
		if *flExechookTimeout < time.Second {
			handleConfigError(log, true, "ERROR: --exechook-timeout must be at least 1s")
		}
		if *flExechookBackoff < time.Second {
			handleConfigError(log, true, "ERROR: --exechook-backoff must be at least 1s")
		}
	}

	if *flWebhookURL != "" {
		if *flWebhookStatusSuccess < 0 {
			handleConfigError(log, true, "ERROR: --webhook-success-status must be a valid HTTP code or 0")
		}
		if *flWebhookTimeout < time.Second {
			handleConfigError(log, true, "ERROR: --webhook-timeout must be at least 1s")
		}
		if *flWebhookBackoff < time.Second {
			handleConfigError(log, true, "ERROR: --webhook-backoff must be at least 1s")
		}
	}

	if *flHTTPBind == "" {
		if *flHTTPMetrics {
			handleConfigError(log, true, "ERROR: --http-bind must be specified when --http-metrics is set")
		}
		if *flHTTPprof {
			handleConfigError(log, true, "ERROR: --http-bind must be specified when --http-pprof is set")
		}
	}

	// The zone repo is the only positional argument.
	var zoneRepo absPath
	switch args := pflag.Args(); len(args) {
	case 0:
	case 1:
		if abs, err := absPath(args[0]).Canonical(); err != nil {
			handleConfigError(log, false, "ERROR: can't absolutize zone repo path %q: %v", args[0], err)
		} else {
			zoneRepo = abs
		}
	default:
		handleConfigError(log, true, "ERROR: at most one zone repo argument may be specified")
	}

	//
	// From here on, output goes through logging.
	//

	log.V(0).Info("starting up",
		"pid", os.Getpid(),
		"uid", os.Getuid(),
		"gid", os.Getgid(),
		"home", os.Getenv("HOME"),
		"flags", logSafeFlags())

	if fetchMode(*flFetchMode) == fetchModeExec {
		if _, err := exec.LookPath(*flSSHCommand); err != nil {
			log.Error(err, "ERROR: ssh executable not found", "ssh", *flSSHCommand)
			os.Exit(exitCodeRuntime)
		}
	}

	syscall.Umask(0022)

	// The known-hosts dir is owned by the operator, not by this tool.  If it
	// does not exist we have probably been pointed at the wrong place, so
	// abort rather than create it.
	if info, err := os.Stat(absKnownHostsDir.String()); err != nil {
		log.Error(err, "ERROR: can't use known-hosts directory", "path", absKnownHostsDir)
		os.Exit(exitCodeRuntime)
	} else if !info.IsDir() {
		log.Error(nil, "ERROR: known-hosts path is not a directory", "path", absKnownHostsDir)
		os.Exit(exitCodeRuntime)
	}
	// Get rid of symlinks in the dir path to avoid getting confused about
	// them later.
	if delinked, err := filepath.EvalSymlinks(absKnownHostsDir.String()); err != nil {
		log.Error(err, "ERROR: can't normalize known-hosts directory", "path", absKnownHostsDir)
		os.Exit(exitCodeRuntime)
	} else {
		absKnownHostsDir = absPath(delinked)
	}

	// Sanity-check the zone repo before doing any remote work.
	if zoneRepo != "" {
		if info, err := os.Stat(zoneRepo.String()); err != nil || !info.IsDir() {
			log.Error(err, "ERROR: zone repo path is not a directory", "path", zoneRepo)
			os.Exit(exitCodeNotDirectory)
		}
		if info, err := os.Stat(zoneRepo.Join("templates").String()); err != nil || !info.IsDir() {
			log.Error(err, "ERROR: path is not a DNS zone repo checkout (no templates directory)", "path", zoneRepo)
			os.Exit(exitCodeNotZoneRepo)
		}
	} else {
		log.V(0).Info("no zone repo specified, syncing without CNAME aliases")
	}

	var fetcher fetch.Fetcher
	if fetchMode(*flFetchMode) == fetchModeNative {
		fetcher = &fetch.Native{
			Bastion:        *flBastion,
			User:           *flBastionUser,
			KeyFile:        *flSSHKeyFile,
			KnownHostsFile: *flSSHKnownHostsFile,
			Timeout:        *flDialTimeout,
			RemoteCommand:  *flBastionCommand,
			Log:            log,
		}
	} else {
		fetcher = &fetch.Exec{
			Runner:        cmdRunner,
			SSHCommand:    *flSSHCommand,
			Bastion:       *flBastion,
			User:          *flBastionUser,
			RemoteCommand: *flBastionCommand,
		}
	}

	kh := &syncer{
		bastion:    *flBastion,
		fetcher:    fetcher,
		zoneRepo:   zoneRepo,
		zones:      zones,
		dynaRecord: *flDynaRecord,
		pub:        publish.New(absKnownHostsDir.String(), *flKnownHostsFile),
		sshConfig:  *flSSHConfig,
		log:        log,
	}

	if *flHTTPBind != "" {
		ln, err := net.Listen("tcp", *flHTTPBind)
		if err != nil {
			log.Error(err, "can't bind HTTP endpoint", "endpoint", *flHTTPBind)
			os.Exit(exitCodeRuntime)
		}
		mux := http.NewServeMux()
		reasons := []string{}

		// This is a dumb liveliness check endpoint.  It returns 5xx until the
		// first successful sync, and 200 thereafter.
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			if !getFileReady() {
				http.Error(w, "known-hosts file is not ready", http.StatusServiceUnavailable)
			}
			// Otherwise success
		})
		reasons = append(reasons, "liveness")

		if *flHTTPMetrics {
			mux.Handle("/metrics", promhttp.Handler())
			reasons = append(reasons, "metrics")
		}

		if *flHTTPprof {
			mux.HandleFunc("/debug/pprof/", pprof.Index)
			mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
			mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
			mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
			mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
			reasons = append(reasons, "pprof")
		}

		log.V(0).Info("serving HTTP", "endpoint", *flHTTPBind, "reasons", reasons)
		go func() {
			err := http.Serve(ln, mux)
			log.Error(err, "HTTP server terminated")
			os.Exit(exitCodeRuntime)
		}()
	}

	// Startup webhooks goroutine
	var webhookRunner *hook.HookRunner
	if *flWebhookURL != "" {
		log := log.WithName("webhook")
		webhook := hook.NewWebhook(
			*flWebhookURL,
			*flWebhookMethod,
			*flWebhookStatusSuccess,
			*flWebhookTimeout,
			log,
		)
		webhookRunner = hook.NewHookRunner(
			webhook,
			*flWebhookBackoff,
			hook.NewHookData(),
			log,
			*flOneTime,
		)
		go webhookRunner.Run(context.Background())
	}

	// Startup exechooks goroutine
	var exechookRunner *hook.HookRunner
	if *flExechookCommand != "" {
		log := log.WithName("exechook")
		exechook := hook.NewExechook(
			cmd.NewRunner(log),
			*flExechookCommand,
			absKnownHostsDir.String(),
			[]string{},
			*flExechookTimeout,
			log,
		)
		exechookRunner = hook.NewHookRunner(
			exechook,
			*flExechookBackoff,
			hook.NewHookData(),
			log,
			*flOneTime,
		)
		go exechookRunner.Run(context.Background())
	}

	// Setup signal notify channel
	sigChan := make(chan os.Signal, 1)
	if syncSig != 0 {
		log.V(1).Info("installing signal handler", "signal", unix.SignalName(syncSig))
		signal.Notify(sigChan, syncSig)
	}

	failCount := 0
	firstLoop := true
	for {
		start := time.Now()
		ctx := context.Background()
		cancel := func() {}
		if *flSyncTimeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, *flSyncTimeout)
		}

		if changed, hash, err := kh.Sync(ctx); err != nil {
			failCount++
			updateSyncMetrics(metricKeyError, start)
			if *flMaxFailures >= 0 && failCount > *flMaxFailures {
				// Exit after too many retries, maybe the error is not recoverable.
				log.Error(err, "too many failures, aborting", "failCount", failCount)
				os.Exit(exitCodeRuntime)
			}
			log.Error(err, "error syncing, will retry", "failCount", failCount)
		} else {
			// this might have been called before, but also might not have
			setFileReady()
			// We treat the first loop as a sync, including sending hooks.
			if changed || firstLoop {
				if webhookRunner != nil {
					webhookRunner.Send(hash)
				}
				if exechookRunner != nil {
					exechookRunner.Send(hash)
				}
				updateSyncMetrics(metricKeySuccess, start)
			} else {
				updateSyncMetrics(metricKeyNoOp, start)
			}
			firstLoop = false

			// Determine if knownhosts-sync should terminate
			if *flOneTime {
				// Wait for hooks to complete at least once, if not nil, before
				// checking whether to stop program.
				// Assumes that if hook channels are not nil, they will have at
				// least one value before getting closed
				exitCode := 0 // is 0 if all hooks succeed, else is 1
				if exechookRunner != nil {
					if err := exechookRunner.WaitForCompletion(); err != nil {
						exitCode = 1
					}
				}
				if webhookRunner != nil {
					if err := webhookRunner.WaitForCompletion(); err != nil {
						exitCode = 1
					}
				}
				log.DeleteErrorFile()
				log.V(0).Info("exiting after one sync", "status", exitCode)
				os.Exit(exitCode)
			}

			if failCount > 0 {
				log.V(4).Info("resetting failure count", "failCount", failCount)
				failCount = 0
			}
			log.DeleteErrorFile()
		}

		log.V(3).Info("next sync", "waitTime", flPeriod.String())
		cancel()

		// Sleep until the next sync. If syncSig is set then the sleep may
		// be interrupted by that signal.
		t := time.NewTimer(*flPeriod)
		select {
		case <-t.C:
		case <-sigChan:
			log.V(1).Info("caught signal", "signal", unix.SignalName(syncSig))
			t.Stop()
		}
	}
}

// Sync runs one complete fetch-merge-publish pass.  It returns whether the
// published content differs from the previous generation, plus the sha256 of
// the published content.
func (s *syncer) Sync(ctx context.Context) (bool, string, error) {
	s.log.V(1).Info("fetching known hosts", "bastion", s.bastion)
	raw, err := s.fetcher.Fetch(ctx)
	if err != nil {
		return false, "", err
	}
	metricFetchCount.Inc()

	file, parseSkips, err := knownhosts.Parse(bytes.NewReader(raw))
	if err != nil {
		return false, "", fmt.Errorf("can't parse fetched known hosts: %w", err)
	}
	for _, skip := range parseSkips {
		s.log.Error(skip.Err, "dropping malformed known-hosts line", "line", skip.Line, "text", skip.Text)
	}
	file.Normalize()
	hostCount := file.Len()

	if s.zoneRepo != "" {
		for _, zs := range s.zones {
			s.mergeZone(file, zs)
		}
	}

	content := file.Bytes()
	hash := fmt.Sprintf("%x", sha256.Sum256(content))

	cur, err := s.pub.Current()
	if err != nil {
		return false, "", err
	}
	changed := !bytes.Equal(cur, content)

	if err := s.pub.WriteNew(content); err != nil {
		return false, "", err
	}
	diff, delta, err := s.pub.Diff()
	if err != nil {
		return false, "", err
	}
	if diff != "" {
		fmt.Print(diff)
	}
	if err := s.pub.Publish(); err != nil {
		return false, "", err
	}
	s.syncCount++
	s.log.V(0).Info("synced known hosts",
		"path", s.pub.Path(),
		"hosts", hostCount,
		"aliases", file.Len()-hostCount,
		"lineDelta", delta,
		"changed", changed,
		"syncCount", s.syncCount)

	// Advisory only - the operator may source the file some other way.
	if ok, err := publish.CheckClientConfig(s.sshConfig, s.pub.Path()); err != nil {
		s.log.V(2).Info("can't check SSH client config", "config", s.sshConfig, "err", err.Error())
	} else if !ok {
		s.log.V(0).Info("SSH client config does not reference the synced file",
			"config", s.sshConfig,
			"wanted", "UserKnownHostsFile "+s.pub.Path())
	}

	return changed, hash, nil
}

// mergeZone extracts CNAMEs from one zone fragment and appends alias records
// to file.  All failures here are recoverable: a missing or partially parsed
// fragment must not abort the sync.
func (s *syncer) mergeZone(file *knownhosts.File, zs zoneSpec) {
	path := s.zoneRepo.Join(zs.file)
	pairs, err := zone.ExtractFile(path.String(), zs.origin)
	if errors.Is(err, fs.ErrNotExist) {
		s.log.V(0).Info("zone file does not exist, skipping", "path", path)
		return
	}
	if err != nil {
		// Pairs collected before the error are still usable.
		s.log.Error(err, "zone file only partially parsed", "path", path)
	}

	added, skips := merge.Merge(file, pairs, merge.Options{DynaRecord: s.dynaRecord})
	for _, skip := range skips {
		metricCNAMESkipCount.WithLabelValues(string(skip.Reason)).Inc()
		switch skip.Reason {
		case merge.SkipDynaRecord:
			s.log.V(2).Info("skipping dynamic-failover alias", "alias", skip.Pair.Alias, "target", skip.Pair.Target)
		case merge.SkipNoMatch:
			s.log.V(0).Info("CNAME target not in known hosts, skipping", "alias", skip.Pair.Alias, "target", skip.Pair.Target)
		case merge.SkipAmbiguous:
			s.log.V(0).Info("CNAME target matches multiple known-hosts lines, skipping",
				"alias", skip.Pair.Alias, "target", skip.Pair.Target, "matches", skip.Matches)
		}
	}
	s.log.V(1).Info("zone processed", "path", path, "origin", zs.origin, "cnames", len(pairs), "added", len(added))
}

// makeAbsPath makes an absolute path from a path which might be absolute
// or relative.  If the path is already absolute, it will be used.  If it is
// not absolute, it will be joined with the provided root. If the path is
// empty, the result will be empty.
func makeAbsPath(path string, root absPath) absPath {
	if path == "" {
		return ""
	}
	if filepath.IsAbs(path) {
		return absPath(path)
	}
	return root.Join(path)
}

// logSafeFlags collects the non-empty flags for the startup log line.  This
// returns a slice rather than a map so it is always sorted.
func logSafeFlags() []string {
	ret := []string{}
	pflag.VisitAll(func(fl *pflag.Flag) {
		arg := fl.Name
		val := fl.Value.String()

		// Don't log empty values
		if val == "" {
			return
		}

		ret = append(ret, "--"+arg+"="+val)
	})
	return ret
}

func updateSyncMetrics(key string, start time.Time) {
	metricSyncDuration.WithLabelValues(key).Observe(time.Since(start).Seconds())
	metricSyncCount.WithLabelValues(key).Inc()
}

// fileReady indicates that the known-hosts file has been synced.
var readyLock sync.Mutex
var fileReady = false

func getFileReady() bool {
	readyLock.Lock()
	defer readyLock.Unlock()
	return fileReady
}

func setFileReady() {
	readyLock.Lock()
	defer readyLock.Unlock()
	fileReady = true
}

// handleConfigError prints the error to the standard error, prints the usage
// if the `printUsage` flag is true, exports the error to the error file and
// exits the process with the exit code.
func handleConfigError(log *logging.Logger, printUsage bool, format string, a ...interface{}) {
	s := fmt.Sprintf(format, a...)
	fmt.Fprintln(os.Stderr, s)
	if printUsage {
		pflag.Usage()
	}
	log.ExportError(s)
	os.Exit(exitCodeRuntime)
}

type multiError []error

func (m multiError) Error() string {
	if len(m) == 0 {
		return "<no error>"
	}
	if len(m) == 1 {
		return m[0].Error()
	}
	strs := make([]string, 0, len(m))
	for _, e := range m {
		strs = append(strs, e.Error())
	}
	return strings.Join(strs, "; ")
}

// This string is formatted for 80 columns.  Please keep it that way.
// DO NOT USE TABS.
var manual = `
KNOWNHOSTS-SYNC

NAME
    knownhosts-sync - sync an SSH known-hosts file from a bastion host

SYNOPSIS
    knownhosts-sync --bastion=<host> [OPTIONS]... [zone-repo]

DESCRIPTION

    Fetch a bastion host's system-wide SSH known-hosts file, normalize it,
    and publish it as a local known-hosts file.  Every published line keeps
    only its first hostname, so the local file stays readable and diffs stay
    small.

    When a DNS zone repository checkout is given as the positional argument,
    CNAME records are extracted from its zone fragments and turned into
    alias entries: for each CNAME whose target has exactly one line in the
    fetched file, a new line is appended carrying the alias name and the
    target's key.  CNAMEs pointing at the dynamic-failover record (see
    --dyna-record) are skipped, as are targets with zero or multiple
    matches.

    Publishing is atomic.  The new content is staged as <file>.new, a
    line-level diff against the current file is printed to stdout, the
    current file is kept as <file>.old, and the staged file is renamed into
    place.  Consumers never observe a partial file.

    By default knownhosts-sync runs once and exits.  With --one-time=false
    it re-syncs every --period, and can also sync on a signal
    (--sync-on-signal).  Hooks (--exechook-command, --webhook-url) fire
    after a sync that changed the published content.

OPTIONS

    Many options can be specified as either a commandline flag or an
    environment variable, but flags are preferred because a misspelled flag
    is a fatal error while a misspelled environment variable is silently
    ignored.

    --bastion <host>, $KHSYNC_BASTION
            The bastion host whose system-wide known-hosts file is fetched.
            This flag is required.

    --bastion-command <string>, $KHSYNC_BASTION_COMMAND
            The read-only command run on the bastion.  Its stdout must be
            the known-hosts content.  If not specified, this defaults to
            "cat /etc/ssh/ssh_known_hosts".

    --bastion-user <string>, $KHSYNC_BASTION_USER
            The login name used on the bastion.  If not specified, ssh's
            own defaults (per-host config, $USER) apply.

    --dial-timeout <duration>, $KHSYNC_DIAL_TIMEOUT
            The TCP and SSH handshake timeout in native fetch mode.  If not
            specified, this defaults to 30 seconds ("30s").

    --dyna-record <string>, $KHSYNC_DYNA_RECORD
            CNAME records whose target equals this name are dynamic
            failover entries; the host key of whichever server is currently
            active would not match the alias, so such records are skipped
            without a warning.  If not specified, this defaults to
            "dyna.wikimedia.org.".

    --error-file <string>, $KHSYNC_ERROR_FILE
            The path to an optional file into which errors will be written.
            This may be an absolute path or a relative path, in which case
            it is relative to --known-hosts-dir.

    --exechook-backoff <duration>, $KHSYNC_EXECHOOK_BACKOFF
            The time to wait before retrying a failed --exechook-command.
            If not specified, this defaults to 3 seconds ("3s").

    --exechook-command <string>, $KHSYNC_EXECHOOK_COMMAND
            An optional command to be executed after a sync that changed
            the published file.  This command does not take any arguments
            and executes with --known-hosts-dir as its working directory.
            The $KHSYNC_HASH environment variable will be set to the sha256
            of the published content.  Hooks can be invoked more than one
            time per hash, so they must be idempotent.

    --exechook-timeout <duration>, $KHSYNC_EXECHOOK_TIMEOUT
            The timeout for the --exechook-command.  If not specified, this
            defaults to 30 seconds ("30s").

    --fetch-mode <string>, $KHSYNC_FETCH_MODE
            How to reach the bastion: one of "exec" or "native".  In exec
            mode the local ssh binary is run, so the operator's usual SSH
            config, agent, and interactive prompts all apply.  In native
            mode the connection is made in-process (see --ssh-key-file and
            --ssh-known-hosts-file), for hosts without an ssh binary.  If
            not specified, this defaults to "exec".

    -h, --help
            Print help text and exit.

    --http-bind <string>, $KHSYNC_HTTP_BIND
            The bind address (including port) for knownhosts-sync's HTTP
            endpoint.  The '/' URL of this endpoint returns a 5xx error
            until the first sync is complete, and a 200 status thereafter.
            If not specified, the HTTP endpoint is not enabled.

            Examples:
              ":1234": listen on any IP, port 1234
              "127.0.0.1:1234": listen on localhost, port 1234

    --http-metrics, $KHSYNC_HTTP_METRICS
            Enable metrics on knownhosts-sync's HTTP endpoint at /metrics.
            Requires --http-bind to be specified.

    --http-pprof, $KHSYNC_HTTP_PPROF
            Enable the pprof debug endpoints on knownhosts-sync's HTTP
            endpoint at /debug/pprof.  Requires --http-bind to be
            specified.

    --known-hosts-dir <string>, $KHSYNC_KNOWN_HOSTS_DIR
            The directory in which the synced file and its .new and .old
            generations live.  The directory must already exist; it is
            owned by the operator and will not be created.  If not
            specified, this defaults to "$HOME/.ssh/known_hosts.d".

    --known-hosts-file <string>, $KHSYNC_KNOWN_HOSTS_FILE
            The name of the synced file within --known-hosts-dir.  If not
            specified, this defaults to "known_hosts".

    --man
            Print this manual and exit.

    --max-failures <int>, $KHSYNC_MAX_FAILURES
            The number of consecutive failures allowed before aborting.
            Setting this to a negative value will retry forever.  If not
            specified, this defaults to 0, meaning any sync failure will
            terminate knownhosts-sync.

    --one-time, $KHSYNC_ONE_TIME
            Exit after one sync.  If not specified, this defaults to true;
            set --one-time=false to sync periodically.

    --period <duration>, $KHSYNC_PERIOD
            How long to wait between sync attempts when --one-time is
            false.  This must be at least 10ms.  If not specified, this
            defaults to 1 hour ("1h0m0s").

    --ssh <string>, $KHSYNC_SSH
            The ssh command to run in exec fetch mode (subject to PATH
            search, mostly for testing).  This defaults to "ssh".

    --ssh-config <string>, $KHSYNC_SSH_CONFIG
            The SSH client config to check for a UserKnownHostsFile
            directive referencing the synced file.  The check is advisory
            and read-only; a warning is logged when the directive is
            missing.  If not specified, this defaults to
            "$HOME/.ssh/config".

    --ssh-key-file <string>, $KHSYNC_SSH_KEY_FILE
            The SSH private key used in native fetch mode.  When the key is
            absent or rejected, a running SSH agent ($SSH_AUTH_SOCK) is
            tried instead.

    --ssh-known-hosts-file <string>, $KHSYNC_SSH_KNOWN_HOSTS_FILE
            The known-hosts file used to verify the bastion's own host key
            in native fetch mode.  If empty, host key verification is
            disabled (not recommended).

    --sync-on-signal <string>, $KHSYNC_SYNC_ON_SIGNAL
            Indicates that a sync attempt should occur upon receipt of the
            specified signal name (e.g. SIGHUP) or number (e.g. 1).  If a
            sync is already in progress, another sync will be triggered as
            soon as the current one completes.  Only used when --one-time
            is false.

    --sync-timeout <duration>, $KHSYNC_SYNC_TIMEOUT
            The total time allowed for one complete sync.  Zero disables
            the timeout, which is the default: in exec fetch mode ssh may
            legitimately block on an interactive credential prompt.

    -v, --verbose <int>
            Set the log verbosity level.  Logs at this level and lower will
            be printed.

    --version
            Print the version and exit.

    --webhook-backoff <duration>, $KHSYNC_WEBHOOK_BACKOFF
            The time to wait before retrying a failed --webhook-url.  If
            not specified, this defaults to 3 seconds ("3s").

    --webhook-method <string>, $KHSYNC_WEBHOOK_METHOD
            The HTTP method for the --webhook-url.  If not specified, this
            defaults to "POST".

    --webhook-success-status <int>, $KHSYNC_WEBHOOK_SUCCESS_STATUS
            The HTTP status code indicating a successful --webhook-url.
            Setting this to 0 disables success checks, which makes webhooks
            "fire-and-forget".  If not specified, this defaults to 200.

    --webhook-timeout <duration>, $KHSYNC_WEBHOOK_TIMEOUT
            The timeout for the --webhook-url.  If not specified, this
            defaults to 1 second ("1s").

    --webhook-url <string>, $KHSYNC_WEBHOOK_URL
            A URL for optional webhook notifications when syncs complete.
            The body sent is the sha256 of the published content.  Hooks
            can be invoked more than one time per hash, so they must be
            idempotent.

    --zone <string>, $KHSYNC_ZONE
            A zone fragment to extract CNAME records from, in the form
            "file" or "file:origin", where file is a path relative to the
            zone-repo argument.  With an origin, only the contiguous
            section of the file between the first "$ORIGIN <origin>..."
            directive and the next "$ORIGIN" directive is used; without
            one, the whole file is used and the alias domain is the file's
            base name.  This flag may be repeated; as an environment
            variable, the values are comma-separated.  If not specified,
            this defaults to "templates/wmnet:eqiad",
            "templates/wmnet:codfw", and "templates/wikimedia.org".

EXIT CODES

    0: Success.
    1: The known-hosts directory does not exist, or another fatal runtime
       error occurred (fetch failure, too many --max-failures, ...).
    2: The zone-repo argument is not a directory.
    3: The zone-repo argument is not a recognized DNS zone repository
       checkout (it has no templates/ subdirectory).

EXAMPLE USAGE

    knownhosts-sync \
        --bastion=bast1003.wikimedia.org \
        --known-hosts-dir=$HOME/.ssh/known_hosts.d \
        ~/src/operations-dns

HOOKS

    Webhooks and exechooks are executed asynchronously from the main
    synchronization process.  After a sync that changed the published file,
    the hash of the new content is sent to the hook, which is retried with
    --webhook-backoff or --exechook-backoff (as appropriate) until it
    succeeds.  Knownhosts-sync does not ensure that hooks are invoked
    exactly once, so hooks must be idempotent.  In one-time mode the exit
    code reflects hook success: a sync whose hooks fail exits 1.
`

func printManPage() {
	fmt.Print(manual)
}
