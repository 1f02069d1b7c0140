// Package sshexec executes validated commands on target hosts over pooled
// SSH connections. Hosts marked local run through the local shell instead,
// with sudo prefixes stripped because the service runs unprivileged inside
// a container.
package sshexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	remerr "github.com/tallenb/remedy/internal/errors"
	"github.com/tallenb/remedy/internal/models"
)

const (
	retryBase      = time.Second
	retryCap       = 30 * time.Second
	maxRetries     = 5
	keepaliveIdle  = 60 * time.Second
	defaultSSHPort = "22"
)

// Result is the outcome of one command execution.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// OutcomeReporter receives the reachability outcome of every attempted
// execution so host availability state stays current.
type OutcomeReporter interface {
	ReportSuccess(host string)
	ReportFailure(host string)
}

type pooledClient struct {
	client   *ssh.Client
	lastUsed time.Time
}

// Executor maintains one SSH client per target host and serializes access
// per host so interleaved sessions cannot mix output.
type Executor struct {
	mu       sync.Mutex
	hosts    map[string]models.TargetHost
	clients  map[string]*pooledClient
	hostMu   map[string]*sync.Mutex
	reporter OutcomeReporter
	timeout  time.Duration
}

// New creates an Executor for the configured hosts. Key permissions are
// checked eagerly: a missing or group/world-readable key fails startup
// because no amount of retrying fixes file modes.
func New(hosts []models.TargetHost, timeout time.Duration, reporter OutcomeReporter) (*Executor, error) {
	byName := make(map[string]models.TargetHost, len(hosts))
	hostMu := make(map[string]*sync.Mutex, len(hosts))
	for _, h := range hosts {
		if !h.Local {
			if err := CheckKeyPermissions(h.KeyPath); err != nil {
				return nil, fmt.Errorf("host %s: %w", h.Name, err)
			}
		}
		byName[strings.ToLower(h.Name)] = h
		hostMu[strings.ToLower(h.Name)] = &sync.Mutex{}
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Executor{
		hosts:    byName,
		clients:  make(map[string]*pooledClient),
		hostMu:   hostMu,
		reporter: reporter,
		timeout:  timeout,
	}, nil
}

// CheckKeyPermissions verifies a private key exists and is mode 0600.
func CheckKeyPermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("ssh key %s: %w", path, err)
	}
	if mode := info.Mode().Perm(); mode&0o077 != 0 {
		return fmt.Errorf("ssh key %s has mode %04o, want 0600", path, mode)
	}
	return nil
}

// Execute runs a command on the named host and returns its output. Transient
// connection failures are retried with exponential backoff; authentication
// failures are not. Every attempted execution is reported to the outcome
// reporter, success or not.
func (e *Executor) Execute(ctx context.Context, host, command string, timeout time.Duration) (Result, error) {
	target, ok := e.lookupHost(host)
	if !ok {
		return Result{ExitCode: -1}, remerr.New(remerr.KindValidation, "ssh_execute", host,
			fmt.Errorf("unknown host %q", host))
	}
	if timeout <= 0 {
		timeout = e.timeout
	}

	mu := e.hostMutex(target.Name)
	mu.Lock()
	defer mu.Unlock()

	var res Result
	var err error
	if target.Local {
		res, err = runLocal(ctx, command, timeout)
	} else {
		res, err = e.runRemote(ctx, target, command, timeout)
	}

	if e.reporter != nil {
		if err != nil {
			e.reporter.ReportFailure(target.Name)
		} else {
			e.reporter.ReportSuccess(target.Name)
		}
	}
	return res, err
}

// CloseAll tears down every pooled connection.
func (e *Executor) CloseAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for name, pc := range e.clients {
		if pc.client != nil {
			pc.client.Close()
		}
		delete(e.clients, name)
	}
}

func (e *Executor) lookupHost(name string) (models.TargetHost, bool) {
	h, ok := e.hosts[strings.ToLower(name)]
	return h, ok
}

func (e *Executor) hostMutex(name string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := strings.ToLower(name)
	if mu, ok := e.hostMu[key]; ok {
		return mu
	}
	mu := &sync.Mutex{}
	e.hostMu[key] = mu
	return mu
}

// runLocal executes through the local shell. Sudo is stripped: the service
// runs unprivileged and a sudo prompt would hang the pipeline.
func runLocal(ctx context.Context, command string, timeout time.Duration) (Result, error) {
	command = strings.TrimPrefix(command, "sudo ")

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "sh", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		// The deadline kills the process, which also surfaces as an
		// ExitError, so the timeout check has to come first.
		if cctx.Err() != nil {
			res.ExitCode = -1
			return res, remerr.New(remerr.KindTimeout, "local_execute", "localhost", cctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		res.ExitCode = -1
		return res, remerr.New(remerr.KindRemoteUnavailable, "local_execute", "localhost", err)
	}
	return res, nil
}

func (e *Executor) runRemote(ctx context.Context, target models.TargetHost, command string, timeout time.Duration) (Result, error) {
	client, err := e.clientFor(ctx, target)
	if err != nil {
		return Result{ExitCode: -1}, err
	}

	session, err := client.NewSession()
	if err != nil {
		// Channel failures usually mean a dead connection; rebuild once.
		e.dropClient(target.Name)
		client, err = e.clientFor(ctx, target)
		if err != nil {
			return Result{ExitCode: -1}, err
		}
		session, err = client.NewSession()
		if err != nil {
			e.dropClient(target.Name)
			return Result{ExitCode: -1}, remerr.New(remerr.KindRemoteUnavailable, "ssh_session", target.Name, err)
		}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		session.Close()
		return Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1},
			remerr.New(remerr.KindTimeout, "ssh_execute", target.Name, ctx.Err())
	case <-timer.C:
		session.Close()
		return Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1},
			remerr.New(remerr.KindTimeout, "ssh_execute", target.Name,
				fmt.Errorf("command exceeded %s", timeout))
	case err = <-done:
	}

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		if exitErr, ok := err.(*ssh.ExitError); ok {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		res.ExitCode = -1
		e.dropClient(target.Name)
		return res, remerr.New(remerr.KindRemoteUnavailable, "ssh_execute", target.Name, err)
	}
	return res, nil
}

// clientFor returns a healthy pooled client, dialing with exponential
// backoff when none exists. Idle connections get a keepalive probe first;
// a failed probe drops the connection and dials fresh.
func (e *Executor) clientFor(ctx context.Context, target models.TargetHost) (*ssh.Client, error) {
	key := strings.ToLower(target.Name)

	e.mu.Lock()
	pc, ok := e.clients[key]
	e.mu.Unlock()

	if ok {
		if time.Since(pc.lastUsed) > keepaliveIdle {
			if _, _, err := pc.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				log.Debug().Str("host", target.Name).Err(err).Msg("Keepalive failed, reconnecting")
				e.dropClient(target.Name)
				ok = false
			}
		}
		if ok {
			e.mu.Lock()
			pc.lastUsed = time.Now()
			e.mu.Unlock()
			return pc.client, nil
		}
	}

	client, err := e.dial(ctx, target)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.clients[key] = &pooledClient{client: client, lastUsed: time.Now()}
	e.mu.Unlock()
	return client, nil
}

func (e *Executor) dropClient(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := strings.ToLower(name)
	if pc, ok := e.clients[key]; ok {
		if pc.client != nil {
			pc.client.Close()
		}
		delete(e.clients, key)
	}
}

// dial connects with retries. Authentication and key errors return
// immediately: retrying cannot fix bad credentials.
func (e *Executor) dial(ctx context.Context, target models.TargetHost) (*ssh.Client, error) {
	keyData, err := os.ReadFile(target.KeyPath)
	if err != nil {
		return nil, remerr.New(remerr.KindValidation, "ssh_dial", target.Name, err)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, remerr.New(remerr.KindValidation, "ssh_dial", target.Name,
			fmt.Errorf("parse private key: %w", err))
	}

	addr := target.Address
	if !strings.Contains(addr, ":") {
		addr = net.JoinHostPort(addr, defaultSSHPort)
	}

	sshCfg := &ssh.ClientConfig{
		User:            target.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}

	backoff := retryBase
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			log.Warn().
				Str("host", target.Name).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Err(lastErr).
				Msg("Retrying SSH dial")
			select {
			case <-ctx.Done():
				return nil, remerr.New(remerr.KindTimeout, "ssh_dial", target.Name, ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > retryCap {
				backoff = retryCap
			}
		}

		client, err := ssh.Dial("tcp", addr, sshCfg)
		if err == nil {
			return client, nil
		}
		if isAuthError(err) {
			return nil, remerr.New(remerr.KindValidation, "ssh_dial", target.Name, err)
		}
		lastErr = err
	}
	return nil, remerr.New(remerr.KindRemoteUnavailable, "ssh_dial", target.Name,
		fmt.Errorf("after %d attempts: %w", maxRetries, lastErr))
}

func isAuthError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "no supported methods remain")
}
