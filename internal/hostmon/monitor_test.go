package hostmon

import (
	"context"
	"sync"
	"testing"

	"github.com/tallenb/remedy/internal/models"
)

type recordingStore struct {
	mu       sync.Mutex
	statuses []models.HostStatus
}

func (r *recordingStore) UpsertHostStatus(_ context.Context, status models.HostStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
	return nil
}

func testHosts() []models.TargetHost {
	return []models.TargetHost{
		{Name: "nexus", Address: "10.0.0.10"},
		{Name: "outpost", Address: "10.0.0.11"},
	}
}

func stateOf(m *Monitor, host string) models.HostState {
	for _, s := range m.Statuses() {
		if s.Host == host {
			return s.State
		}
	}
	return ""
}

func TestSingleFailureMakesHostFlaky(t *testing.T) {
	m := New(testHosts(), nil)

	m.ReportFailure("nexus")

	if got := stateOf(m, "nexus"); got != models.HostFlaky {
		t.Errorf("state = %s, want flaky", got)
	}
	if available, hint := m.IsAvailable("nexus"); !available || hint == "" {
		t.Errorf("flaky host should stay available with a hint, got %v %q", available, hint)
	}
}

func TestThreeFailuresMakeHostOffline(t *testing.T) {
	m := New(testHosts(), nil)

	m.ReportFailure("nexus")
	m.ReportFailure("nexus")
	m.ReportFailure("nexus")

	if got := stateOf(m, "nexus"); got != models.HostOffline {
		t.Errorf("state = %s, want offline", got)
	}
	if available, reason := m.IsAvailable("nexus"); available || reason != "host offline" {
		t.Errorf("offline host should be unavailable, got %v %q", available, reason)
	}
}

func TestSuccessResetsToOnline(t *testing.T) {
	m := New(testHosts(), nil)

	m.ReportFailure("nexus")
	m.ReportFailure("nexus")
	m.ReportFailure("nexus")
	m.ReportSuccess("nexus")

	if got := stateOf(m, "nexus"); got != models.HostOnline {
		t.Errorf("state = %s, want online", got)
	}

	// The failure streak is gone: one new failure is just flaky again.
	m.ReportFailure("nexus")
	if got := stateOf(m, "nexus"); got != models.HostFlaky {
		t.Errorf("state after reset and one failure = %s, want flaky", got)
	}
}

func TestUnknownHostIsAvailable(t *testing.T) {
	m := New(testHosts(), nil)

	if available, _ := m.IsAvailable("nexus"); !available {
		t.Error("host in state unknown should be available")
	}
	if available, _ := m.IsAvailable("never-configured"); !available {
		t.Error("unconfigured host should be available")
	}
}

func TestHostLookupIsCaseInsensitive(t *testing.T) {
	m := New(testHosts(), nil)

	m.ReportFailure("NEXUS")
	m.ReportFailure("Nexus")
	m.ReportFailure("nexus")

	if available, _ := m.IsAvailable("NeXuS"); available {
		t.Error("case variants should hit the same state machine")
	}
}

func TestStatusTransitionsArePersisted(t *testing.T) {
	store := &recordingStore{}
	m := New(testHosts(), store)

	m.ReportFailure("nexus")
	m.ReportSuccess("nexus")

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.statuses) != 2 {
		t.Fatalf("expected 2 persisted statuses, got %d", len(store.statuses))
	}
	if store.statuses[0].State != models.HostFlaky || store.statuses[1].State != models.HostOnline {
		t.Errorf("persisted states = %s, %s", store.statuses[0].State, store.statuses[1].State)
	}
}
