// Package validator decides whether a proposed shell command may run on a
// target host. It is pure and stateless: the same command and context always
// produce the same verdict, which keeps the policy property-testable.
//
// Rules apply in order, first match wins: length cap, self-protection,
// hard blocklist, pipe whitelist, allowlist, default deny.
package validator

import (
	"fmt"
	"strings"
)

// MaxCommandLength is the hard cap on command size. Exactly this length is
// still allowed; one byte more is denied.
const MaxCommandLength = 4096

// Risk classifies how much damage a denied command could have done.
type Risk string

const (
	RiskNone   Risk = "none"
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// Verdict is the validator's decision for one command.
type Verdict struct {
	Allowed    bool
	Risk       Risk
	Reason     string
	Diagnostic bool // true when the command is read-only and exempt from attempt accounting
}

// Context carries the non-command inputs a verdict depends on.
type Context struct {
	Host      string
	Alertname string
}

// CommandPolicy is the flag policy for one allowlisted head token.
type CommandPolicy struct {
	DeniedFlags []string
}

// Config holds the operator-supplied policy material.
type Config struct {
	// SelfIdentities are names of this service's own process, container,
	// and database. Any mutating command referencing one is denied.
	SelfIdentities []string
	// ExtraBlocked extends the built-in blocklist.
	ExtraBlocked []string
	// Allowlist maps command head tokens to their flag policy.
	Allowlist map[string]CommandPolicy
	// SafePipeHeads are the only heads allowed on either side of a pipe.
	SafePipeHeads []string
	// DiagnosticHeads are command prefixes classified as read-only.
	DiagnosticHeads []string
}

// blockedPatterns is the built-in list of destructive operations. Matching
// is substring-based over a normalized command, so quoting tricks like
// 'rm' -rf or \rm -rf do not bypass it.
var blockedPatterns = []struct {
	pattern string
	reason  string
}{
	{"rm -rf", "unbounded recursive deletion"},
	{"rm -fr", "unbounded recursive deletion"},
	{"rm -r /", "unbounded recursive deletion"},
	{"mkfs", "filesystem creation over live data"},
	{"wipefs", "disk signature wipe"},
	{"shred", "destructive overwrite"},
	{"dd if=", "disk-level write"},
	{"> /dev/sd", "disk-level write"},
	{"reboot", "host power operation"},
	{"shutdown", "host power operation"},
	{"halt", "host power operation"},
	{"poweroff", "host power operation"},
	{"init 0", "host power operation"},
	{"init 6", "host power operation"},
	{"iptables -F", "firewall table mutation"},
	{"iptables -X", "firewall table mutation"},
	{"nft flush", "firewall table mutation"},
	{"systemctl stop ssh", "stopping critical unit"},
	{"systemctl stop network", "stopping critical unit"},
	{"systemctl stop systemd-", "stopping critical unit"},
	{"systemctl disable ssh", "disabling critical unit"},
	{"umount /", "unmounting root"},
	{"apt purge", "package-manager mass removal"},
	{"apt autoremove", "package-manager mass removal"},
	{"apt-get purge", "package-manager mass removal"},
	{"yum remove", "package-manager mass removal"},
	{"dnf remove", "package-manager mass removal"},
	{"pacman -R", "package-manager mass removal"},
	{"curl | sh", "curl-to-shell piping"},
	{"curl | bash", "curl-to-shell piping"},
	{"wget | sh", "curl-to-shell piping"},
	{"wget | bash", "curl-to-shell piping"},
	{"| sh", "piping into a shell"},
	{"| bash", "piping into a shell"},
	{"zfs destroy", "dataset destruction"},
	{"zpool destroy", "pool destruction"},
	{"DROP DATABASE", "database destruction"},
	{"DROP TABLE", "database destruction"},
}

// mutatingVerbs are the verbs that make a self-identity reference dangerous.
var mutatingVerbs = []string{
	"stop", "kill", "rm", "remove", "restart", "delete", "destroy",
	"disable", "truncate", "mv", "chmod", "chown", "drop", ">",
}

// Validator evaluates commands against the configured policy.
type Validator struct {
	cfg Config
}

// New creates a Validator. The zero-value Config still enforces the length
// cap and the built-in blocklist, but allows nothing.
func New(cfg Config) *Validator {
	return &Validator{cfg: cfg}
}

// Validate applies the policy rules in order and returns the first match.
func (v *Validator) Validate(command string, vctx Context) Verdict {
	if len(command) > MaxCommandLength {
		return Verdict{Allowed: false, Risk: RiskHigh,
			Reason: fmt.Sprintf("command exceeds %d characters", MaxCommandLength)}
	}

	normalized := normalize(command)

	if reason := v.selfProtectionViolation(normalized); reason != "" {
		return Verdict{Allowed: false, Risk: RiskHigh, Reason: reason}
	}

	if reason := v.blocklistMatch(normalized); reason != "" {
		return Verdict{Allowed: false, Risk: RiskHigh, Reason: reason}
	}

	if strings.Contains(normalized, "|") {
		if ok, reason := v.pipeAllowed(normalized); !ok {
			return Verdict{Allowed: false, Risk: RiskMedium, Reason: reason}
		}
		return Verdict{Allowed: true, Risk: RiskNone, Reason: "safe pipe",
			Diagnostic: v.IsDiagnostic(command)}
	}

	if ok, reason := v.allowlisted(normalized); ok {
		return Verdict{Allowed: true, Risk: RiskNone, Reason: "allowlisted",
			Diagnostic: v.IsDiagnostic(command)}
	} else if reason != "" {
		return Verdict{Allowed: false, Risk: RiskMedium, Reason: reason}
	}

	return Verdict{Allowed: false, Risk: RiskMedium, Reason: "not on allowlist"}
}

// IsDiagnostic reports whether a command's head matches a configured
// diagnostic prefix. Diagnostic-only attempts do not consume retry budget.
func (v *Validator) IsDiagnostic(command string) bool {
	normalized := normalize(command)
	for _, head := range v.cfg.DiagnosticHeads {
		if normalized == head || strings.HasPrefix(normalized, head+" ") {
			return true
		}
	}
	return false
}

// selfProtectionViolation returns a reason when the command applies a
// mutating verb to one of this service's own identities.
func (v *Validator) selfProtectionViolation(normalized string) string {
	lower := strings.ToLower(normalized)
	for _, identity := range v.cfg.SelfIdentities {
		id := strings.ToLower(identity)
		if id == "" || !strings.Contains(lower, id) {
			continue
		}
		for _, verb := range mutatingVerbs {
			if strings.Contains(lower, verb) {
				return fmt.Sprintf("self-protection: %q with mutating verb %q", identity, verb)
			}
		}
	}
	return ""
}

func (v *Validator) blocklistMatch(normalized string) string {
	lower := strings.ToLower(normalized)
	for _, b := range blockedPatterns {
		if strings.Contains(lower, strings.ToLower(b.pattern)) {
			return b.reason
		}
	}
	for _, extra := range v.cfg.ExtraBlocked {
		if extra != "" && strings.Contains(lower, strings.ToLower(extra)) {
			return fmt.Sprintf("blocked pattern %q", extra)
		}
	}
	return ""
}

// pipeAllowed checks that every pipeline segment starts with a safe head.
func (v *Validator) pipeAllowed(normalized string) (bool, string) {
	for _, segment := range strings.Split(normalized, "|") {
		head := headToken(segment)
		if head == "" {
			return false, "empty pipeline segment"
		}
		if !containsString(v.cfg.SafePipeHeads, head) {
			return false, fmt.Sprintf("pipe segment %q is not on the safe-pipe whitelist", head)
		}
	}
	return true, ""
}

// allowlisted checks the head token and its flag policy. The second return
// is a non-empty denial reason only when the head matched but a flag policy
// rejected it.
func (v *Validator) allowlisted(normalized string) (bool, string) {
	head := headToken(normalized)
	policy, ok := v.cfg.Allowlist[head]
	if !ok {
		return false, ""
	}
	for _, field := range strings.Fields(normalized)[1:] {
		for _, denied := range policy.DeniedFlags {
			if field == denied || strings.HasPrefix(field, denied+"=") {
				return false, fmt.Sprintf("flag %q is denied for %q", field, head)
			}
		}
	}
	return true, ""
}

// normalize strips quoting and escape characters and collapses whitespace so
// pattern matching cannot be bypassed with 'rm' -rf or rm\t-rf.
func normalize(command string) string {
	replacer := strings.NewReplacer("\\", "", "'", "", "\"", "", "`", "")
	return strings.Join(strings.Fields(replacer.Replace(command)), " ")
}

func headToken(segment string) string {
	fields := strings.Fields(segment)
	if len(fields) == 0 {
		return ""
	}
	head := fields[0]
	// sudo does not change what the command is
	if head == "sudo" && len(fields) > 1 {
		return fields[1]
	}
	return head
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
