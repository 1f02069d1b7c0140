// Package models defines the shared data types that flow between the ingest
// pipeline, the remediation loop, and the persistent store.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// AlertStatus is the lifecycle state reported by the monitoring system.
type AlertStatus string

const (
	StatusFiring   AlertStatus = "firing"
	StatusResolved AlertStatus = "resolved"
)

// Alert is the immutable envelope of one firing/resolved notification as
// delivered by the Alertmanager-compatible webhook.
type Alert struct {
	Status       AlertStatus       `json:"status"`
	Labels       map[string]string `json:"labels"`
	Annotations  map[string]string `json:"annotations"`
	StartsAt     time.Time         `json:"startsAt"`
	EndsAt       time.Time         `json:"endsAt,omitempty"`
	Fingerprint  string            `json:"fingerprint,omitempty"`
	GeneratorURL string            `json:"generatorURL,omitempty"`
}

// WebhookEnvelope is the payload the monitoring system's notifier posts to
// the ingress endpoint. An empty Alerts slice is a valid no-op.
type WebhookEnvelope struct {
	Status AlertStatus `json:"status"`
	Alerts []Alert     `json:"alerts"`
}

// Alertname returns the alertname label, empty when unset.
func (a *Alert) Alertname() string {
	return a.Labels["alertname"]
}

// Instance returns the instance label, empty when unset.
func (a *Alert) Instance() string {
	return a.Labels["instance"]
}

// Severity returns the severity label, defaulting to "warning".
func (a *Alert) Severity() string {
	if s := a.Labels["severity"]; s != "" {
		return s
	}
	return "warning"
}

// TargetHost returns the host an alert is about: the explicit host label when
// present, otherwise the host part of the instance label.
func (a *Alert) TargetHost() string {
	if h := a.Labels["host"]; h != "" {
		return h
	}
	instance := a.Instance()
	for i := 0; i < len(instance); i++ {
		if instance[i] == ':' {
			return instance[:i]
		}
	}
	return instance
}

// EnsureFingerprint fills in a deterministic fingerprint when the notifier
// did not supply one. Two alerts with the same alertname, instance, and
// start time collide on purpose so deduplication still works.
func (a *Alert) EnsureFingerprint() {
	if a.Fingerprint != "" {
		return
	}
	seed := fmt.Sprintf("%s|%s|%d", a.Alertname(), a.Instance(), a.StartsAt.Unix())
	sum := sha256.Sum256([]byte(seed))
	a.Fingerprint = hex.EncodeToString(sum[:8])
}

// Key identifies the serialization domain for an alert. All processing for
// one (alertname, instance) pair is serialized on this key.
func (a *Alert) Key() string {
	return a.Alertname() + "/" + a.Instance()
}
