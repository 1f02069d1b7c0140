package models

import "time"

// TargetHost is the logical identity of an execution target.
type TargetHost struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	User    string `json:"user"`
	KeyPath string `json:"keyPath"`
	Local   bool   `json:"local,omitempty"`
}

// HostState is the last-observed reachability of a target host.
type HostState string

const (
	HostUnknown HostState = "unknown"
	HostOnline  HostState = "online"
	HostFlaky   HostState = "flaky"
	HostOffline HostState = "offline"
)

// HostStatus records reachability as observed by the host monitor.
type HostStatus struct {
	Host                string     `json:"host"`
	State               HostState  `json:"state"`
	LastSuccessAt       *time.Time `json:"lastSuccessAt,omitempty"`
	LastFailureAt       *time.Time `json:"lastFailureAt,omitempty"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
}

// Attempt is one remediation episode against one alert.
type Attempt struct {
	ID                 string    `json:"id"`
	AlertFingerprint   string    `json:"alertFingerprint"`
	Alertname          string    `json:"alertname"`
	Instance           string    `json:"instance"`
	AttemptNumber      int       `json:"attemptNumber"`
	Severity           string    `json:"severity"`
	Analysis           string    `json:"analysis,omitempty"`
	CommandsExecuted   []string  `json:"commandsExecuted,omitempty"`
	ExitCodes          []int     `json:"exitCodes,omitempty"`
	Success            bool      `json:"success"`
	Escalated          bool      `json:"escalated"`
	Error              string    `json:"error,omitempty"`
	DurationSeconds    float64   `json:"durationSeconds"`
	Timestamp          time.Time `json:"timestamp"`
	InvestigationSteps string    `json:"investigationSteps,omitempty"` // opaque JSON
	Actionable         bool      `json:"actionable"`
}

// Pattern is a learned solution keyed by (alertname, symptom fingerprint).
type Pattern struct {
	ID                 int64      `json:"id"`
	Alertname          string     `json:"alertname"`
	SymptomFingerprint string     `json:"symptomFingerprint"`
	Commands           []string   `json:"commands"`
	SuccessCount       int        `json:"successCount"`
	FailureCount       int        `json:"failureCount"`
	ConfidenceScore    float64    `json:"confidenceScore"`
	LastUsedAt         time.Time  `json:"lastUsedAt"`
	CreatedAt          time.Time  `json:"createdAt"`
	Metadata           string     `json:"metadata,omitempty"`
}

// FailurePattern is a command sequence known to have failed for an alertname.
type FailurePattern struct {
	Alertname         string    `json:"alertname"`
	PatternSignature  string    `json:"patternSignature"`
	CommandsAttempted []string  `json:"commandsAttempted"`
	FailureReason     string    `json:"failureReason"`
	FailureCount      int       `json:"failureCount"`
	LastFailedAt      time.Time `json:"lastFailedAt"`
}

// MaintenanceWindow suppresses remediation for a host (or globally when Host
// is empty). At most one window is active per host key.
type MaintenanceWindow struct {
	ID        int64      `json:"id"`
	Host      string     `json:"host,omitempty"` // empty means global
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	Reason    string     `json:"reason"`
	CreatedBy string     `json:"createdBy"`
	Active    bool       `json:"active"`
}

// StateSnapshot is a pre-change observation of a container or service,
// captured before a mutating action so a rollback decision has something to
// compare against.
type StateSnapshot struct {
	ID        string    `json:"id"`
	Host      string    `json:"host"`
	Target    string    `json:"target"`
	Inspect   string    `json:"inspect,omitempty"`
	Logs      string    `json:"logs,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
