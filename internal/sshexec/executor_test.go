package sshexec

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	remerr "github.com/tallenb/remedy/internal/errors"
	"github.com/tallenb/remedy/internal/models"
)

type countingReporter struct {
	mu        sync.Mutex
	successes []string
	failures  []string
}

func (r *countingReporter) ReportSuccess(host string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successes = append(r.successes, host)
}

func (r *countingReporter) ReportFailure(host string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, host)
}

func writeKey(t *testing.T, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, []byte("not a real key"), mode); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCheckKeyPermissions(t *testing.T) {
	if err := CheckKeyPermissions(writeKey(t, 0o600)); err != nil {
		t.Errorf("0600 key should pass: %v", err)
	}
	if err := CheckKeyPermissions(writeKey(t, 0o644)); err == nil {
		t.Error("group/world-readable key should fail")
	}
	if err := CheckKeyPermissions(writeKey(t, 0o640)); err == nil {
		t.Error("group-readable key should fail")
	}
	if err := CheckKeyPermissions(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("missing key should fail")
	}
}

func TestNewFailsOnBadKeyMode(t *testing.T) {
	hosts := []models.TargetHost{
		{Name: "nexus", Address: "10.0.0.10", User: "remedy", KeyPath: writeKey(t, 0o644)},
	}
	if _, err := New(hosts, time.Second, nil); err == nil {
		t.Fatal("startup must fail when a remote host's key is readable by others")
	}
}

func TestNewSkipsKeyCheckForLocalHosts(t *testing.T) {
	hosts := []models.TargetHost{{Name: "nexus", Local: true}}
	if _, err := New(hosts, time.Second, nil); err != nil {
		t.Fatalf("local hosts need no key: %v", err)
	}
}

func TestExecuteUnknownHost(t *testing.T) {
	e, err := New(nil, time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = e.Execute(context.Background(), "never-configured", "df -h", 0)
	if err == nil {
		t.Fatal("unknown host should be an error")
	}
	if remerr.KindOf(err) != remerr.KindValidation {
		t.Errorf("kind = %s, want validation", remerr.KindOf(err))
	}
}

func TestExecuteLocal(t *testing.T) {
	reporter := &countingReporter{}
	e, err := New([]models.TargetHost{{Name: "nexus", Local: true}}, time.Second, reporter)
	if err != nil {
		t.Fatal(err)
	}

	res, err := e.Execute(context.Background(), "nexus", "echo hello", 5*time.Second)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "hello" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d", res.ExitCode)
	}
	if len(reporter.successes) != 1 || reporter.successes[0] != "nexus" {
		t.Errorf("successes = %v", reporter.successes)
	}
}

func TestExecuteLocalNonZeroExit(t *testing.T) {
	e, err := New([]models.TargetHost{{Name: "nexus", Local: true}}, time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}

	// A nonzero exit is a result, not an error.
	res, err := e.Execute(context.Background(), "nexus", "exit 3", 5*time.Second)
	if err != nil {
		t.Fatalf("nonzero exit should not be an error: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
}

func TestExecuteLocalStripsSudo(t *testing.T) {
	e, err := New([]models.TargetHost{{Name: "nexus", Local: true}}, time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}

	res, err := e.Execute(context.Background(), "nexus", "sudo echo elevated", 5*time.Second)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "elevated" {
		t.Errorf("stdout = %q, sudo prefix should be stripped", res.Stdout)
	}
}

func TestExecuteLocalTimeout(t *testing.T) {
	reporter := &countingReporter{}
	e, err := New([]models.TargetHost{{Name: "nexus", Local: true}}, time.Second, reporter)
	if err != nil {
		t.Fatal(err)
	}

	_, err = e.Execute(context.Background(), "nexus", "sleep 5", 100*time.Millisecond)
	if err == nil {
		t.Fatal("expected a timeout")
	}
	if remerr.KindOf(err) != remerr.KindTimeout {
		t.Errorf("kind = %s, want timeout", remerr.KindOf(err))
	}
	if len(reporter.failures) != 1 {
		t.Errorf("failures = %v", reporter.failures)
	}
}

func TestHostLookupIsCaseInsensitive(t *testing.T) {
	e, err := New([]models.TargetHost{{Name: "Nexus", Local: true}}, time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Execute(context.Background(), "NEXUS", "true", 5*time.Second); err != nil {
		t.Errorf("case variant should resolve: %v", err)
	}
}
