package store

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	remerr "github.com/tallenb/remedy/internal/errors"
	"github.com/tallenb/remedy/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "remedy.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAdmitFingerprint(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	admitted, _, err := s.AdmitFingerprint(ctx, "fp1", 5*time.Minute)
	if err != nil {
		t.Fatalf("AdmitFingerprint: %v", err)
	}
	if !admitted {
		t.Fatal("first admission should succeed")
	}

	// Same fingerprint inside the cooldown is a duplicate.
	admitted, prior, err := s.AdmitFingerprint(ctx, "fp1", 5*time.Minute)
	if err != nil {
		t.Fatalf("AdmitFingerprint: %v", err)
	}
	if admitted {
		t.Error("re-admission within cooldown should be refused")
	}
	if prior.IsZero() {
		t.Error("refusal should report the prior admission time")
	}

	// A different fingerprint is unaffected.
	if admitted, _, _ := s.AdmitFingerprint(ctx, "fp2", 5*time.Minute); !admitted {
		t.Error("distinct fingerprint should be admitted")
	}
}

func TestAdmitFingerprintConcurrent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// N identical arrivals race on one fingerprint; exactly one wins.
	const n = 8
	var wg sync.WaitGroup
	var admittedCount atomic.Int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			admitted, _, err := s.AdmitFingerprint(ctx, "fp-race", time.Hour)
			if err != nil {
				t.Errorf("AdmitFingerprint: %v", err)
				return
			}
			if admitted {
				admittedCount.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := admittedCount.Load(); got != 1 {
		t.Errorf("admitted = %d of %d simultaneous arrivals, want exactly 1", got, n)
	}
}

func TestAttemptCounting(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := models.Attempt{
		AlertFingerprint: "fp1",
		Alertname:        "DiskFull",
		Instance:         "nexus:9100",
		Severity:         "warning",
		Timestamp:        time.Now(),
		Actionable:       true,
	}

	for i, actionable := range []bool{true, true, false} {
		a := base
		a.ID = string(rune('a' + i))
		a.AttemptNumber = i + 1
		a.Actionable = actionable
		if err := s.AppendAttempt(ctx, a); err != nil {
			t.Fatalf("AppendAttempt: %v", err)
		}
	}

	// Only actionable attempts burn the budget.
	count, err := s.CountActionableAttempts(ctx, "DiskFull", "nexus:9100", 2*time.Hour)
	if err != nil {
		t.Fatalf("CountActionableAttempts: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}

	// A different key is independent.
	count, _ = s.CountActionableAttempts(ctx, "DiskFull", "outpost:9100", 2*time.Hour)
	if count != 0 {
		t.Errorf("count for other instance = %d, want 0", count)
	}

	// Outside the window, nothing counts.
	old := base
	old.ID = "old"
	old.Timestamp = time.Now().Add(-3 * time.Hour)
	if err := s.AppendAttempt(ctx, old); err != nil {
		t.Fatal(err)
	}
	count, _ = s.CountActionableAttempts(ctx, "DiskFull", "nexus:9100", 2*time.Hour)
	if count != 2 {
		t.Errorf("count with stale attempt = %d, want 2", count)
	}
}

func TestRecentAttemptsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := models.Attempt{
		ID:               "a1",
		AlertFingerprint: "fp1",
		Alertname:        "ContainerDown",
		Instance:         "nexus:9323",
		AttemptNumber:    1,
		Severity:         "critical",
		Analysis:         "container exited with code 137",
		CommandsExecuted: []string{"docker restart nginx"},
		ExitCodes:        []int{0},
		Success:          true,
		DurationSeconds:  42.5,
		Timestamp:        time.Now(),
		Actionable:       true,
	}
	if err := s.AppendAttempt(ctx, a); err != nil {
		t.Fatal(err)
	}

	got, err := s.RecentAttempts(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 attempt, got %d", len(got))
	}
	if got[0].Analysis != a.Analysis || !got[0].Success || !got[0].Actionable {
		t.Errorf("round trip mismatch: %+v", got[0])
	}
	if len(got[0].CommandsExecuted) != 1 || got[0].CommandsExecuted[0] != "docker restart nginx" {
		t.Errorf("commands round trip: %v", got[0].CommandsExecuted)
	}
	if len(got[0].ExitCodes) != 1 || got[0].ExitCodes[0] != 0 {
		t.Errorf("exit codes round trip: %v", got[0].ExitCodes)
	}
}

func TestEscalationCooldown(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, ok, _ := s.LastEscalation(ctx, "DiskFull", "nexus:9100"); ok {
		t.Fatal("no escalation recorded yet")
	}

	if err := s.SetEscalation(ctx, "DiskFull", "nexus:9100"); err != nil {
		t.Fatal(err)
	}
	when, ok, err := s.LastEscalation(ctx, "DiskFull", "nexus:9100")
	if err != nil || !ok {
		t.Fatalf("LastEscalation: ok=%v err=%v", ok, err)
	}
	if time.Since(when) > time.Minute {
		t.Errorf("escalation time looks wrong: %s", when)
	}

	if err := s.ClearEscalation(ctx, "DiskFull", "nexus:9100"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.LastEscalation(ctx, "DiskFull", "nexus:9100"); ok {
		t.Error("escalation should be cleared")
	}
}

func TestMaintenanceWindows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.StartMaintenance(ctx, "Nexus", "disk swap", "ops")
	if err != nil {
		t.Fatalf("StartMaintenance: %v", err)
	}

	// Host matching is case-insensitive.
	suppressed, reason, err := s.IsSuppressed(ctx, "NEXUS")
	if err != nil {
		t.Fatal(err)
	}
	if !suppressed || reason != "disk swap" {
		t.Errorf("suppressed=%v reason=%q", suppressed, reason)
	}
	if suppressed, _, _ := s.IsSuppressed(ctx, "outpost"); suppressed {
		t.Error("other hosts should not be suppressed by a host window")
	}

	// A second active window for the same host is refused.
	if _, err := s.StartMaintenance(ctx, "nexus", "again", "ops"); err == nil {
		t.Error("second active window for the same host should be refused")
	} else if remerr.KindOf(err) != remerr.KindValidation {
		t.Errorf("expected validation error, got %v", err)
	}

	if err := s.EndMaintenance(ctx, id); err != nil {
		t.Fatal(err)
	}
	if suppressed, _, _ := s.IsSuppressed(ctx, "nexus"); suppressed {
		t.Error("ended window should no longer suppress")
	}
	if err := s.EndMaintenance(ctx, id); err == nil {
		t.Error("ending an already-ended window should fail")
	}
}

func TestGlobalMaintenanceWindow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.StartMaintenance(ctx, "", "datacenter move", "ops"); err != nil {
		t.Fatal(err)
	}
	for _, host := range []string{"nexus", "outpost", "anything"} {
		if suppressed, _, _ := s.IsSuppressed(ctx, host); !suppressed {
			t.Errorf("global window should suppress %s", host)
		}
	}

	windows, err := s.ActiveMaintenanceWindows(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(windows) != 1 || windows[0].Host != "" {
		t.Errorf("windows = %+v", windows)
	}
}

func TestPatternCreditAndDiscredit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	fp := "ContainerDown|host:nexus|container:nginx"
	commands := []string{"docker restart nginx"}

	for i := 0; i < 3; i++ {
		if err := s.CreditPattern(ctx, "ContainerDown", fp, commands, ""); err != nil {
			t.Fatalf("CreditPattern: %v", err)
		}
	}
	if err := s.DiscreditPattern(ctx, "ContainerDown", fp); err != nil {
		t.Fatal(err)
	}
	if err := s.SetPatternConfidence(ctx, "ContainerDown", fp, 0.75); err != nil {
		t.Fatal(err)
	}

	p, err := s.GetPattern(ctx, "ContainerDown", fp)
	if err != nil {
		t.Fatal(err)
	}
	if p == nil {
		t.Fatal("pattern should exist")
	}
	if p.SuccessCount != 3 || p.FailureCount != 1 {
		t.Errorf("counts = %d/%d, want 3/1", p.SuccessCount, p.FailureCount)
	}
	if p.ConfidenceScore != 0.75 {
		t.Errorf("confidence = %f, want 0.75", p.ConfidenceScore)
	}
	if len(p.Commands) != 1 || p.Commands[0] != "docker restart nginx" {
		t.Errorf("commands = %v", p.Commands)
	}

	// Miss returns nil, nil.
	missing, err := s.GetPattern(ctx, "ContainerDown", "no-such-fingerprint")
	if err != nil || missing != nil {
		t.Errorf("miss should be nil/nil, got %+v, %v", missing, err)
	}
}

func TestFailurePatternUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	fp := models.FailurePattern{
		Alertname:         "ContainerDown",
		PatternSignature:  "docker restart nginx",
		CommandsAttempted: []string{"docker restart nginx"},
		FailureReason:     "still firing after restart",
	}
	if err := s.RecordFailurePattern(ctx, fp); err != nil {
		t.Fatal(err)
	}
	fp.FailureReason = "crashed again"
	if err := s.RecordFailurePattern(ctx, fp); err != nil {
		t.Fatal(err)
	}

	got, err := s.FailurePatterns(ctx, "ContainerDown")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one row after upsert, got %d", len(got))
	}
	if got[0].FailureCount != 2 {
		t.Errorf("failure count = %d, want 2", got[0].FailureCount)
	}
	if got[0].FailureReason != "crashed again" {
		t.Errorf("reason = %q, want the latest", got[0].FailureReason)
	}
}

func TestHostStatusRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Second)
	status := models.HostStatus{
		Host:                "nexus",
		State:               models.HostFlaky,
		LastFailureAt:       &now,
		ConsecutiveFailures: 2,
	}
	if err := s.UpsertHostStatus(ctx, status); err != nil {
		t.Fatal(err)
	}
	status.State = models.HostOnline
	status.ConsecutiveFailures = 0
	if err := s.UpsertHostStatus(ctx, status); err != nil {
		t.Fatal(err)
	}

	got, err := s.HostStatuses(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one host after upsert, got %d", len(got))
	}
	if got[0].State != models.HostOnline || got[0].ConsecutiveFailures != 0 {
		t.Errorf("status = %+v", got[0])
	}
}

func TestSnapshots(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	snap := models.StateSnapshot{
		ID:        "snap1",
		Host:      "nexus",
		Target:    "nginx",
		Inspect:   `{"State":{"Status":"exited"}}`,
		Logs:      "oom killed",
		CreatedAt: time.Now(),
	}
	if err := s.InsertSnapshot(ctx, snap); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetSnapshot(ctx, "snap1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Inspect != snap.Inspect || got.Logs != snap.Logs {
		t.Errorf("snapshot round trip: %+v", got)
	}

	missing, err := s.GetSnapshot(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("miss should be nil/nil, got %+v, %v", missing, err)
	}
}
