// Package suppress correlates recently observed alerts to keep the service
// from remediating symptoms of a single upstream failure. Two mechanisms:
// configured cascade pairs with a designated root, and a service dependency
// map. Both operate over a short in-memory window of recent firings.
package suppress

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tallenb/remedy/internal/models"
)

const observationWindow = 120 * time.Second

// CascadePair declares that when both members fire, only the root should be
// remediated. The pair is unordered.
type CascadePair struct {
	A    string
	B    string
	Root string
}

// Config holds the correlation tables.
type Config struct {
	CascadePairs []CascadePair
	// Dependencies maps a service (matched against the alert's service
	// label, falling back to alertname) to the services it depends on.
	Dependencies map[string][]string
}

// Decision is the result of checking one incoming alert.
type Decision struct {
	Suppressed bool
	Root       string // alertname or service that caused the suppression
	Reason     string
}

type observation struct {
	alertname string
	instance  string
	service   string
	seenAt    time.Time
}

// SuppressedRecord is one suppressed alert held for the periodic summary.
type SuppressedRecord struct {
	Alertname    string
	Instance     string
	SuppressedBy string
	At           time.Time
}

// Suppressor holds the observation ring and the pending summary batch.
type Suppressor struct {
	mu      sync.Mutex
	cfg     Config
	recent  []observation
	pending []SuppressedRecord
}

// New creates a Suppressor.
func New(cfg Config) *Suppressor {
	return &Suppressor{cfg: cfg}
}

// Observe records a firing alert into the window. Resolved alerts are not
// observed; they are cleared instead.
func (s *Suppressor) Observe(alert models.Alert) {
	if alert.Status != models.StatusFiring {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	s.recent = append(s.recent, observation{
		alertname: alert.Alertname(),
		instance:  alert.Instance(),
		service:   serviceOf(alert),
		seenAt:    time.Now(),
	})
}

// Check decides whether an incoming alert should be suppressed. A
// suppressed alert is recorded for the summary batch.
func (s *Suppressor) Check(alert models.Alert) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()

	name := alert.Alertname()

	for _, pair := range s.cfg.CascadePairs {
		other, member := pair.otherMember(name)
		if !member || name == pair.Root {
			continue
		}
		if s.firingLocked(other) {
			return s.suppressLocked(alert, pair.Root,
				fmt.Sprintf("cascade: %s is the root cause", pair.Root))
		}
	}

	service := serviceOf(alert)
	for _, dep := range s.cfg.Dependencies[service] {
		if s.firingLocked(dep) {
			return s.suppressLocked(alert, dep,
				fmt.Sprintf("dependency %s is firing", dep))
		}
	}

	return Decision{}
}

// ClearResolved drops window entries for a resolved alert so downstream
// alerts stop being suppressed by it.
func (s *Suppressor) ClearResolved(alertname, instance string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.recent[:0]
	for _, obs := range s.recent {
		if obs.alertname == alertname && (instance == "" || obs.instance == instance) {
			continue
		}
		kept = append(kept, obs)
	}
	s.recent = kept
}

// DrainSummary returns and clears the batch of suppressed alerts. Called by
// the periodic summary notifier.
func (s *Suppressor) DrainSummary() []SuppressedRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.pending
	s.pending = nil
	return batch
}

func (s *Suppressor) suppressLocked(alert models.Alert, root, reason string) Decision {
	record := SuppressedRecord{
		Alertname:    alert.Alertname(),
		Instance:     alert.Instance(),
		SuppressedBy: root,
		At:           time.Now(),
	}
	s.pending = append(s.pending, record)
	log.Info().
		Str("alertname", record.Alertname).
		Str("instance", record.Instance).
		Str("suppressedBy", root).
		Msg("Alert suppressed")
	return Decision{Suppressed: true, Root: root, Reason: reason}
}

// firingLocked reports whether a name matches any observation's alertname
// or service within the window.
func (s *Suppressor) firingLocked(name string) bool {
	for _, obs := range s.recent {
		if obs.alertname == name || obs.service == name {
			return true
		}
	}
	return false
}

func (s *Suppressor) pruneLocked() {
	cutoff := time.Now().Add(-observationWindow)
	kept := s.recent[:0]
	for _, obs := range s.recent {
		if obs.seenAt.After(cutoff) {
			kept = append(kept, obs)
		}
	}
	s.recent = kept
}

func (p CascadePair) otherMember(name string) (string, bool) {
	switch name {
	case p.A:
		return p.B, true
	case p.B:
		return p.A, true
	}
	return "", false
}

func serviceOf(alert models.Alert) string {
	if svc := strings.TrimSpace(alert.Labels["service"]); svc != "" {
		return svc
	}
	return alert.Alertname()
}
