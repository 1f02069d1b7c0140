// Package config loads the service configuration from the environment.
// A .env file in the working directory (or REMEDY_ENV_FILE) is loaded first,
// then REMEDY_* variables override it. Policy material — command allowlist,
// blocklist additions, cascade pairs, signature labels — lives here so
// operators can tune it without a rebuild.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/tallenb/remedy/internal/models"
)

// CommandPolicy is the per-command flag policy for an allowlisted head.
type CommandPolicy struct {
	// DeniedFlags are flag prefixes that turn an otherwise allowed command
	// into a denial (e.g. "-f" on "docker rm").
	DeniedFlags []string
}

// CascadePair declares that when both alerts fire inside the correlation
// window, Root is the cause and the other member is suppressed.
type CascadePair struct {
	A, B string
	Root string
}

// AlertOverride tunes attempt accounting per alertname.
type AlertOverride struct {
	MaxAttempts        int
	AttemptWindow      time.Duration
	EscalationCooldown time.Duration
}

// Config is the full service configuration.
type Config struct {
	// Server
	ListenAddr  string
	WebhookUser string
	WebhookPass string

	// Logging
	LogLevel  string
	LogFormat string

	// Store
	DataDir string
	DBPath  string

	// Monitoring and logs
	PrometheusURL string
	LokiURL       string
	QueryTimeout  time.Duration

	// LLM
	AnthropicAPIKey string
	Model           string
	MaxSteps        int
	MaxLLMDuration  time.Duration

	// SSH targets
	Hosts      []models.TargetHost
	SSHKeyPath string
	SSHTimeout time.Duration

	// Notification sink
	NotifyWebhookURL string

	// Ingest pipeline
	DedupCooldown      time.Duration
	MaxAttempts        int
	AttemptWindow      time.Duration
	EscalationCooldown time.Duration
	VerifyDeadline     time.Duration
	VerifyPoll         time.Duration
	QueueCapacity      int
	QueueEntryTTL      time.Duration
	AlertOverrides     map[string]AlertOverride
	CriticalAlertnames []string

	// Policy
	SelfIdentities   []string
	BlocklistExtra   []string
	Allowlist        map[string]CommandPolicy
	SafePipeHeads    []string
	DiagnosticHeads  []string
	SignatureLabels  []string
	CascadePairs     []CascadePair
	DependencyMap    map[string][]string
}

// Load builds the configuration from the environment.
func Load() (*Config, error) {
	envFile := getEnv("REMEDY_ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("file", envFile).Msg("Failed to load env file")
	}

	cfg := defaults()

	cfg.ListenAddr = getEnv("REMEDY_LISTEN", cfg.ListenAddr)
	cfg.WebhookUser = getEnv("REMEDY_WEBHOOK_USER", cfg.WebhookUser)
	cfg.WebhookPass = getEnv("REMEDY_WEBHOOK_PASS", cfg.WebhookPass)
	cfg.LogLevel = getEnv("REMEDY_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("REMEDY_LOG_FORMAT", cfg.LogFormat)
	cfg.DataDir = getEnv("REMEDY_DATA_DIR", cfg.DataDir)
	cfg.DBPath = getEnv("REMEDY_DB_PATH", cfg.DataDir+"/remedy.db")
	cfg.PrometheusURL = getEnv("REMEDY_PROMETHEUS_URL", cfg.PrometheusURL)
	cfg.LokiURL = getEnv("REMEDY_LOKI_URL", cfg.LokiURL)
	cfg.AnthropicAPIKey = getEnv("REMEDY_ANTHROPIC_API_KEY", os.Getenv("ANTHROPIC_API_KEY"))
	cfg.Model = getEnv("REMEDY_MODEL", cfg.Model)
	cfg.SSHKeyPath = getEnv("REMEDY_SSH_KEY", cfg.SSHKeyPath)
	cfg.NotifyWebhookURL = getEnv("REMEDY_NOTIFY_WEBHOOK", cfg.NotifyWebhookURL)

	cfg.MaxSteps = getEnvInt("REMEDY_MAX_STEPS", cfg.MaxSteps)
	cfg.MaxAttempts = getEnvInt("REMEDY_MAX_ATTEMPTS", cfg.MaxAttempts)
	cfg.QueueCapacity = getEnvInt("REMEDY_QUEUE_CAPACITY", cfg.QueueCapacity)

	cfg.QueryTimeout = getEnvDuration("REMEDY_QUERY_TIMEOUT", cfg.QueryTimeout)
	cfg.MaxLLMDuration = getEnvDuration("REMEDY_LLM_TIMEOUT", cfg.MaxLLMDuration)
	cfg.SSHTimeout = getEnvDuration("REMEDY_SSH_TIMEOUT", cfg.SSHTimeout)
	cfg.DedupCooldown = getEnvDuration("REMEDY_DEDUP_COOLDOWN", cfg.DedupCooldown)
	cfg.AttemptWindow = getEnvDuration("REMEDY_ATTEMPT_WINDOW", cfg.AttemptWindow)
	cfg.EscalationCooldown = getEnvDuration("REMEDY_ESCALATION_COOLDOWN", cfg.EscalationCooldown)
	cfg.VerifyDeadline = getEnvDuration("REMEDY_VERIFY_DEADLINE", cfg.VerifyDeadline)
	cfg.VerifyPoll = getEnvDuration("REMEDY_VERIFY_POLL", cfg.VerifyPoll)
	cfg.QueueEntryTTL = getEnvDuration("REMEDY_QUEUE_TTL", cfg.QueueEntryTTL)

	if v := os.Getenv("REMEDY_HOSTS"); v != "" {
		hosts, err := parseHosts(v, cfg.SSHKeyPath)
		if err != nil {
			return nil, fmt.Errorf("invalid REMEDY_HOSTS: %w", err)
		}
		cfg.Hosts = hosts
	}
	if v := os.Getenv("REMEDY_SELF_IDENTITIES"); v != "" {
		cfg.SelfIdentities = splitList(v)
	}
	if v := os.Getenv("REMEDY_BLOCKLIST_EXTRA"); v != "" {
		cfg.BlocklistExtra = splitList(v)
	}
	if v := os.Getenv("REMEDY_DIAGNOSTIC_HEADS"); v != "" {
		cfg.DiagnosticHeads = splitList(v)
	}
	if v := os.Getenv("REMEDY_SIGNATURE_LABELS"); v != "" {
		cfg.SignatureLabels = splitList(v)
	}
	if v := os.Getenv("REMEDY_CRITICAL_ALERTS"); v != "" {
		cfg.CriticalAlertnames = splitList(v)
	}
	if v := os.Getenv("REMEDY_CASCADE_PAIRS"); v != "" {
		pairs, err := parseCascadePairs(v)
		if err != nil {
			return nil, fmt.Errorf("invalid REMEDY_CASCADE_PAIRS: %w", err)
		}
		cfg.CascadePairs = pairs
	}
	if v := os.Getenv("REMEDY_DEPENDENCIES"); v != "" {
		cfg.DependencyMap = parseDependencyMap(v)
	}
	if v := os.Getenv("REMEDY_ALERT_OVERRIDES"); v != "" {
		overrides, err := parseAlertOverrides(v)
		if err != nil {
			return nil, fmt.Errorf("invalid REMEDY_ALERT_OVERRIDES: %w", err)
		}
		cfg.AlertOverrides = overrides
	}

	return cfg, nil
}

// Validate returns an error describing every configuration problem found.
func (c *Config) Validate() error {
	var problems []string
	if c.PrometheusURL == "" {
		problems = append(problems, "REMEDY_PROMETHEUS_URL is required")
	}
	if c.AnthropicAPIKey == "" {
		problems = append(problems, "REMEDY_ANTHROPIC_API_KEY is required")
	}
	if c.WebhookUser == "" || c.WebhookPass == "" {
		problems = append(problems, "REMEDY_WEBHOOK_USER and REMEDY_WEBHOOK_PASS are required")
	}
	if len(c.Hosts) == 0 {
		problems = append(problems, "REMEDY_HOSTS must list at least one target host")
	}
	for _, h := range c.Hosts {
		if !h.Local && h.KeyPath == "" {
			problems = append(problems, fmt.Sprintf("host %s has no SSH key path", h.Name))
		}
	}
	if c.MaxAttempts <= 0 {
		problems = append(problems, "REMEDY_MAX_ATTEMPTS must be positive")
	}
	if c.QueueCapacity <= 0 {
		problems = append(problems, "REMEDY_QUEUE_CAPACITY must be positive")
	}
	if len(c.SelfIdentities) == 0 {
		problems = append(problems, "REMEDY_SELF_IDENTITIES must name this service's process, container, and database")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// MaxAttemptsFor returns the attempt budget for an alertname.
func (c *Config) MaxAttemptsFor(alertname string) int {
	if o, ok := c.AlertOverrides[alertname]; ok && o.MaxAttempts > 0 {
		return o.MaxAttempts
	}
	return c.MaxAttempts
}

// AttemptWindowFor returns the rolling attempt window for an alertname.
func (c *Config) AttemptWindowFor(alertname string) time.Duration {
	if o, ok := c.AlertOverrides[alertname]; ok && o.AttemptWindow > 0 {
		return o.AttemptWindow
	}
	return c.AttemptWindow
}

// EscalationCooldownFor returns the escalation cooldown for an alertname.
func (c *Config) EscalationCooldownFor(alertname string) time.Duration {
	if o, ok := c.AlertOverrides[alertname]; ok && o.EscalationCooldown > 0 {
		return o.EscalationCooldown
	}
	return c.EscalationCooldown
}

// IsCritical reports whether hint-assisted execution needs human approval.
func (c *Config) IsCritical(alertname string) bool {
	for _, name := range c.CriticalAlertnames {
		if name == alertname {
			return true
		}
	}
	return false
}

// HostByName resolves a configured target host.
func (c *Config) HostByName(name string) (models.TargetHost, bool) {
	for _, h := range c.Hosts {
		if strings.EqualFold(h.Name, name) {
			return h, true
		}
	}
	return models.TargetHost{}, false
}

func defaults() *Config {
	return &Config{
		ListenAddr:         ":7655",
		LogLevel:           "info",
		LogFormat:          "auto",
		DataDir:            "/var/lib/remedy",
		Model:              "claude-sonnet-4-20250514",
		MaxSteps:           8,
		MaxLLMDuration:     60 * time.Second,
		QueryTimeout:       10 * time.Second,
		SSHTimeout:         30 * time.Second,
		DedupCooldown:      5 * time.Minute,
		MaxAttempts:        3,
		AttemptWindow:      2 * time.Hour,
		EscalationCooldown: 4 * time.Hour,
		VerifyDeadline:     120 * time.Second,
		VerifyPoll:         10 * time.Second,
		QueueCapacity:      1000,
		QueueEntryTTL:      time.Hour,
		AlertOverrides:     map[string]AlertOverride{},
		SelfIdentities:     nil,
		SignatureLabels:    []string{"host", "container", "service", "device", "mountpoint"},
		DiagnosticHeads: []string{
			"cat", "df", "dmesg", "docker inspect", "docker logs", "docker ps",
			"du", "free", "head", "ip", "journalctl", "ls", "netstat", "ping",
			"ps", "ss", "stat", "systemctl status", "tail", "uptime", "who",
		},
		Allowlist: map[string]CommandPolicy{
			"cat":        {},
			"df":         {},
			"dmesg":      {},
			"docker":     {DeniedFlags: []string{"--privileged"}},
			"du":         {},
			"free":       {},
			"head":       {},
			"ip":         {},
			"journalctl": {},
			"ls":         {},
			"netstat":    {},
			"nginx":      {},
			"ping":       {DeniedFlags: []string{"-f"}},
			"ps":         {},
			"ss":         {},
			"stat":       {},
			"systemctl":  {},
			"tail":       {},
			"uptime":     {},
			"who":        {},
		},
		SafePipeHeads: []string{
			"cat", "df", "dmesg", "docker", "grep", "head", "journalctl",
			"ls", "ps", "sort", "tail", "uniq", "wc",
		},
		CascadePairs: []CascadePair{
			{A: "WireGuardVPNDown", B: "OutpostDown", Root: "WireGuardVPNDown"},
			{A: "HostDown", B: "ContainerDown", Root: "HostDown"},
		},
		DependencyMap: map[string][]string{},
	}
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Ignoring non-integer env value")
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Ignoring unparseable duration")
		return fallback
	}
	return d
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseHosts parses "name=user@address:port,..." entries. The address
// "localhost" marks the entry as local execution.
func parseHosts(v, defaultKey string) ([]models.TargetHost, error) {
	var hosts []models.TargetHost
	for _, entry := range splitList(v) {
		name, rest, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("entry %q is not name=user@address", entry)
		}
		host := models.TargetHost{Name: strings.TrimSpace(name), KeyPath: defaultKey}
		user, addr, ok := strings.Cut(rest, "@")
		if !ok {
			addr = rest
		} else {
			host.User = strings.TrimSpace(user)
		}
		host.Address = strings.TrimSpace(addr)
		if host.Address == "localhost" || strings.HasPrefix(host.Address, "localhost:") {
			host.Local = true
			host.KeyPath = ""
		}
		if host.Name == "" || host.Address == "" {
			return nil, fmt.Errorf("entry %q has empty name or address", entry)
		}
		hosts = append(hosts, host)
	}
	return hosts, nil
}

// parseCascadePairs parses "A+B=Root;..." entries.
func parseCascadePairs(v string) ([]CascadePair, error) {
	var pairs []CascadePair
	for _, entry := range strings.Split(v, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		members, root, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("entry %q is not A+B=Root", entry)
		}
		a, b, ok := strings.Cut(members, "+")
		if !ok {
			return nil, fmt.Errorf("entry %q is not A+B=Root", entry)
		}
		pair := CascadePair{A: strings.TrimSpace(a), B: strings.TrimSpace(b), Root: strings.TrimSpace(root)}
		if pair.Root != pair.A && pair.Root != pair.B {
			return nil, fmt.Errorf("root %q is not a member of pair %q", pair.Root, entry)
		}
		pairs = append(pairs, pair)
	}
	return pairs, nil
}

// parseDependencyMap parses "service=dep1|dep2;..." entries.
func parseDependencyMap(v string) map[string][]string {
	out := map[string][]string{}
	for _, entry := range strings.Split(v, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		service, deps, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		var list []string
		for _, d := range strings.Split(deps, "|") {
			if d = strings.TrimSpace(d); d != "" {
				list = append(list, d)
			}
		}
		out[strings.TrimSpace(service)] = list
	}
	return out
}

// parseAlertOverrides parses "Alertname:max=5,window=1h,cooldown=2h;..." entries.
func parseAlertOverrides(v string) (map[string]AlertOverride, error) {
	out := map[string]AlertOverride{}
	for _, entry := range strings.Split(v, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, settings, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("entry %q is not Alertname:settings", entry)
		}
		var o AlertOverride
		for _, kv := range strings.Split(settings, ",") {
			key, value, ok := strings.Cut(strings.TrimSpace(kv), "=")
			if !ok {
				return nil, fmt.Errorf("setting %q is not key=value", kv)
			}
			switch key {
			case "max":
				n, err := strconv.Atoi(value)
				if err != nil {
					return nil, fmt.Errorf("setting %q: %w", kv, err)
				}
				o.MaxAttempts = n
			case "window":
				d, err := time.ParseDuration(value)
				if err != nil {
					return nil, fmt.Errorf("setting %q: %w", kv, err)
				}
				o.AttemptWindow = d
			case "cooldown":
				d, err := time.ParseDuration(value)
				if err != nil {
					return nil, fmt.Errorf("setting %q: %w", kv, err)
				}
				o.EscalationCooldown = d
			default:
				return nil, fmt.Errorf("unknown override key %q", key)
			}
		}
		out[strings.TrimSpace(name)] = o
	}
	return out, nil
}
