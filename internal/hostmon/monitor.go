// Package hostmon tracks target host reachability from observed SSH
// outcomes and background probes. States per host: unknown, online, flaky,
// offline. One failure makes a host flaky; three consecutive failures
// within five minutes make it offline; any success makes it online again.
package hostmon

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tallenb/remedy/internal/models"
)

const (
	offlineThreshold = 3
	failureWindow    = 5 * time.Minute
	probeInterval    = 60 * time.Second
	probeTimeout     = 5 * time.Second
)

// StatusStore persists host status so reachability survives restarts.
type StatusStore interface {
	UpsertHostStatus(ctx context.Context, status models.HostStatus) error
}

type hostEntry struct {
	status         models.HostStatus
	firstFailureAt time.Time
	address        string
	local          bool
}

// Monitor owns the per-host state machines. It implements the SSH
// executor's OutcomeReporter so every execution updates availability.
type Monitor struct {
	mu    sync.Mutex
	hosts map[string]*hostEntry
	store StatusStore

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// New creates a Monitor seeded with the configured hosts, all in state
// unknown. The store may be nil in tests.
func New(hosts []models.TargetHost, store StatusStore) *Monitor {
	m := &Monitor{
		hosts:  make(map[string]*hostEntry, len(hosts)),
		store:  store,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	for _, h := range hosts {
		m.hosts[strings.ToLower(h.Name)] = &hostEntry{
			status:  models.HostStatus{Host: h.Name, State: models.HostUnknown},
			address: h.Address,
			local:   h.Local,
		}
	}
	return m
}

// Start launches the background probe loop for offline hosts.
func (m *Monitor) Start() {
	go m.probeLoop()
}

// Stop terminates the probe loop.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		<-m.doneCh
	})
}

// ReportSuccess marks a host reachable.
func (m *Monitor) ReportSuccess(host string) {
	m.mu.Lock()
	entry := m.entryLocked(host)
	now := time.Now()
	prev := entry.status.State
	entry.status.State = models.HostOnline
	entry.status.ConsecutiveFailures = 0
	entry.status.LastSuccessAt = &now
	entry.firstFailureAt = time.Time{}
	status := entry.status
	m.mu.Unlock()

	if prev != models.HostOnline {
		log.Info().Str("host", host).Str("previous", string(prev)).Msg("Host back online")
	}
	m.persist(status)
}

// ReportFailure records a failed connection attempt and advances the state
// machine.
func (m *Monitor) ReportFailure(host string) {
	m.mu.Lock()
	entry := m.entryLocked(host)
	now := time.Now()
	entry.status.ConsecutiveFailures++
	entry.status.LastFailureAt = &now
	if entry.status.ConsecutiveFailures == 1 {
		entry.firstFailureAt = now
	}

	if entry.status.ConsecutiveFailures >= offlineThreshold && now.Sub(entry.firstFailureAt) <= failureWindow {
		entry.status.State = models.HostOffline
	} else {
		entry.status.State = models.HostFlaky
	}
	status := entry.status
	m.mu.Unlock()

	if status.State == models.HostOffline {
		log.Warn().
			Str("host", host).
			Int("consecutiveFailures", status.ConsecutiveFailures).
			Msg("Host marked offline")
	}
	m.persist(status)
}

// IsAvailable reports whether a host may be targeted. Unknown hosts are
// given the benefit of the doubt. Flaky hosts are available with a hint.
func (m *Monitor) IsAvailable(host string) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.hosts[strings.ToLower(host)]
	if !ok {
		return true, ""
	}
	switch entry.status.State {
	case models.HostOffline:
		return false, "host offline"
	case models.HostFlaky:
		return true, "host is flaky, recent connection failures"
	}
	return true, ""
}

// Statuses returns a copy of every host's current status.
func (m *Monitor) Statuses() []models.HostStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	statuses := make([]models.HostStatus, 0, len(m.hosts))
	for _, entry := range m.hosts {
		statuses = append(statuses, entry.status)
	}
	return statuses
}

func (m *Monitor) entryLocked(host string) *hostEntry {
	key := strings.ToLower(host)
	entry, ok := m.hosts[key]
	if !ok {
		entry = &hostEntry{status: models.HostStatus{Host: host, State: models.HostUnknown}}
		m.hosts[key] = entry
	}
	return entry
}

func (m *Monitor) persist(status models.HostStatus) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.UpsertHostStatus(ctx, status); err != nil {
		log.Debug().Str("host", status.Host).Err(err).Msg("Failed to persist host status")
	}
}

// probeLoop periodically probes offline hosts with a cheap TCP dial. A
// single successful probe returns the host to online.
func (m *Monitor) probeLoop() {
	defer close(m.doneCh)
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.probeOffline()
		}
	}
}

func (m *Monitor) probeOffline() {
	m.mu.Lock()
	type probe struct{ host, address string }
	var targets []probe
	for _, entry := range m.hosts {
		if entry.status.State == models.HostOffline && !entry.local && entry.address != "" {
			targets = append(targets, probe{host: entry.status.Host, address: entry.address})
		}
	}
	m.mu.Unlock()

	for _, t := range targets {
		addr := t.address
		if !strings.Contains(addr, ":") {
			addr = net.JoinHostPort(addr, "22")
		}
		conn, err := net.DialTimeout("tcp", addr, probeTimeout)
		if err != nil {
			log.Debug().Str("host", t.host).Err(err).Msg("Offline host probe failed")
			continue
		}
		conn.Close()
		m.ReportSuccess(t.host)
	}
}
