package models

import (
	"testing"
	"time"
)

func TestEnsureFingerprintSynthesis(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	a := Alert{
		Labels:   map[string]string{"alertname": "ContainerDown", "instance": "nexus:9323"},
		StartsAt: start,
	}
	b := Alert{
		Labels:   map[string]string{"alertname": "ContainerDown", "instance": "nexus:9323"},
		StartsAt: start,
	}
	a.EnsureFingerprint()
	b.EnsureFingerprint()

	if a.Fingerprint == "" {
		t.Fatal("fingerprint was not synthesized")
	}
	if a.Fingerprint != b.Fingerprint {
		t.Errorf("identical alerts should collide: %s vs %s", a.Fingerprint, b.Fingerprint)
	}

	c := Alert{
		Labels:   map[string]string{"alertname": "ContainerDown", "instance": "nexus:9323"},
		StartsAt: start.Add(time.Minute),
	}
	c.EnsureFingerprint()
	if c.Fingerprint == a.Fingerprint {
		t.Error("different start times should produce different fingerprints")
	}
}

func TestEnsureFingerprintKeepsExisting(t *testing.T) {
	a := Alert{Fingerprint: "F1"}
	a.EnsureFingerprint()
	if a.Fingerprint != "F1" {
		t.Errorf("existing fingerprint should be kept, got %s", a.Fingerprint)
	}
}

func TestTargetHost(t *testing.T) {
	cases := []struct {
		labels map[string]string
		want   string
	}{
		{map[string]string{"host": "nexus", "instance": "other:9100"}, "nexus"},
		{map[string]string{"instance": "outpost:9100"}, "outpost"},
		{map[string]string{"instance": "outpost"}, "outpost"},
		{map[string]string{}, ""},
	}
	for _, tc := range cases {
		a := Alert{Labels: tc.labels}
		if got := a.TargetHost(); got != tc.want {
			t.Errorf("TargetHost(%v) = %q, want %q", tc.labels, got, tc.want)
		}
	}
}

func TestSeverityDefault(t *testing.T) {
	a := Alert{Labels: map[string]string{}}
	if got := a.Severity(); got != "warning" {
		t.Errorf("default severity = %q, want warning", got)
	}
	a.Labels["severity"] = "critical"
	if got := a.Severity(); got != "critical" {
		t.Errorf("severity = %q, want critical", got)
	}
}

func TestKey(t *testing.T) {
	a := Alert{Labels: map[string]string{"alertname": "DiskFull", "instance": "nexus:9100"}}
	if got := a.Key(); got != "DiskFull/nexus:9100" {
		t.Errorf("Key() = %q", got)
	}
}
