// Package learning extracts reusable remediation patterns from verified
// outcomes and serves tiered lookups: a high-confidence cached pattern
// skips the LLM entirely, a similar-enough pattern becomes a hint, and
// everything else falls through to full reasoning.
package learning

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tallenb/remedy/internal/models"
)

const (
	// Tier 0 requires a proven pattern: high confidence and enough wins.
	cacheConfidenceFloor = 0.75
	cacheSuccessFloor    = 5

	// Tier 1 requires a close-enough symptom match.
	hintSimilarityFloor = 0.6

	cacheTTL = 60 * time.Second
)

// Tier identifies which lookup path matched.
type Tier int

const (
	Tier0Cached Tier = iota
	Tier1Hint
	Tier2Full
)

// PatternStore is the persistence surface the engine needs.
type PatternStore interface {
	GetPattern(ctx context.Context, alertname, symptomFingerprint string) (*models.Pattern, error)
	PatternsForAlert(ctx context.Context, alertname string, limit int) ([]models.Pattern, error)
	CreditPattern(ctx context.Context, alertname, symptomFingerprint string, commands []string, metadata string) error
	DiscreditPattern(ctx context.Context, alertname, symptomFingerprint string) error
	SetPatternConfidence(ctx context.Context, alertname, symptomFingerprint string, confidence float64) error
	RecordFailurePattern(ctx context.Context, fp models.FailurePattern) error
	FailurePatterns(ctx context.Context, alertname string) ([]models.FailurePattern, error)
}

// Lookup is the result of a tiered search.
type Lookup struct {
	Tier     Tier
	Commands []string        // Tier 0: execute verbatim
	Hint     *models.Pattern // Tier 1: attached to the reasoning prompt
}

type cacheEntry struct {
	pattern  *models.Pattern
	cachedAt time.Time
}

// Engine owns pattern extraction, confidence scoring, and the read cache.
type Engine struct {
	store           PatternStore
	signatureLabels []string

	cacheMu sync.Mutex
	cache   map[string]cacheEntry
}

// New creates an Engine. signatureLabels is the ordered list of labels that
// participate in symptom fingerprints.
func New(store PatternStore, signatureLabels []string) *Engine {
	return &Engine{
		store:           store,
		signatureLabels: signatureLabels,
		cache:           make(map[string]cacheEntry),
	}
}

// SymptomFingerprint derives the pattern key for an alert: the alertname
// followed by the configured labels that are present, in configured order.
func (e *Engine) SymptomFingerprint(alert models.Alert) string {
	parts := []string{alert.Alertname()}
	for _, label := range e.signatureLabels {
		if value, ok := alert.Labels[label]; ok && value != "" {
			parts = append(parts, label+":"+value)
		}
	}
	return strings.Join(parts, "|")
}

// Find runs the tiered lookup. Storage failures degrade to Tier 2 rather
// than blocking remediation.
func (e *Engine) Find(ctx context.Context, alert models.Alert) Lookup {
	alertname := alert.Alertname()
	fingerprint := e.SymptomFingerprint(alert)

	if pattern := e.cachedPattern(ctx, alertname, fingerprint); pattern != nil {
		if e.tier0Eligible(ctx, pattern) {
			log.Info().
				Str("alertname", alertname).
				Str("fingerprint", fingerprint).
				Float64("confidence", pattern.ConfidenceScore).
				Msg("Cached pattern hit")
			return Lookup{Tier: Tier0Cached, Commands: pattern.Commands}
		}
	}

	if hint := e.bestHint(ctx, alertname, fingerprint); hint != nil {
		log.Info().
			Str("alertname", alertname).
			Str("hintFingerprint", hint.SymptomFingerprint).
			Msg("Similar pattern found, attaching as hint")
		return Lookup{Tier: Tier1Hint, Hint: hint}
	}

	return Lookup{Tier: Tier2Full}
}

func (e *Engine) tier0Eligible(ctx context.Context, p *models.Pattern) bool {
	if p.ConfidenceScore < cacheConfidenceFloor || p.SuccessCount < cacheSuccessFloor {
		return false
	}
	return !e.isKnownFailure(ctx, p.Alertname, p.Commands)
}

func (e *Engine) bestHint(ctx context.Context, alertname, fingerprint string) *models.Pattern {
	patterns, err := e.store.PatternsForAlert(ctx, alertname, 20)
	if err != nil {
		log.Debug().Str("alertname", alertname).Err(err).Msg("Pattern search unavailable")
		return nil
	}

	sort.Slice(patterns, func(i, j int) bool {
		return patterns[i].ConfidenceScore > patterns[j].ConfidenceScore
	})
	for i := range patterns {
		p := &patterns[i]
		if Similarity(fingerprint, p.SymptomFingerprint) < hintSimilarityFloor {
			continue
		}
		if e.isKnownFailure(ctx, alertname, p.Commands) {
			continue
		}
		return p
	}
	return nil
}

// RecordSuccess credits the pattern for a verified remediation, creating it
// on first success. The insert is idempotent under concurrency.
func (e *Engine) RecordSuccess(ctx context.Context, alert models.Alert, commands []string) error {
	alertname := alert.Alertname()
	fingerprint := e.SymptomFingerprint(alert)

	if err := e.store.CreditPattern(ctx, alertname, fingerprint, commands, ""); err != nil {
		return err
	}
	e.invalidate(alertname, fingerprint)
	return e.recomputeConfidence(ctx, alertname, fingerprint)
}

// RecordFailure discredits the pattern (when one exists) and records the
// failed command sequence so it is avoided next time.
func (e *Engine) RecordFailure(ctx context.Context, alert models.Alert, commands []string, reason string) error {
	alertname := alert.Alertname()
	fingerprint := e.SymptomFingerprint(alert)

	if existing, err := e.store.GetPattern(ctx, alertname, fingerprint); err == nil && existing != nil {
		if err := e.store.DiscreditPattern(ctx, alertname, fingerprint); err != nil {
			return err
		}
		e.invalidate(alertname, fingerprint)
		if err := e.recomputeConfidence(ctx, alertname, fingerprint); err != nil {
			return err
		}
	}

	if len(commands) == 0 {
		return nil
	}
	return e.store.RecordFailurePattern(ctx, models.FailurePattern{
		Alertname:         alertname,
		PatternSignature:  CommandSignature(commands),
		CommandsAttempted: commands,
		FailureReason:     reason,
		LastFailedAt:      time.Now(),
	})
}

func (e *Engine) recomputeConfidence(ctx context.Context, alertname, fingerprint string) error {
	pattern, err := e.store.GetPattern(ctx, alertname, fingerprint)
	if err != nil || pattern == nil {
		return err
	}
	confidence := Confidence(pattern.SuccessCount, pattern.FailureCount, pattern.LastUsedAt, time.Now())
	if err := e.store.SetPatternConfidence(ctx, alertname, fingerprint, confidence); err != nil {
		return err
	}
	e.invalidate(alertname, fingerprint)
	return nil
}

func (e *Engine) isKnownFailure(ctx context.Context, alertname string, commands []string) bool {
	failures, err := e.store.FailurePatterns(ctx, alertname)
	if err != nil {
		return false
	}
	signature := CommandSignature(commands)
	for _, fp := range failures {
		if fp.PatternSignature == signature {
			return true
		}
	}
	return false
}

// KnownFailures returns the failed command sequences for an alertname, for
// inclusion in the reasoning prompt.
func (e *Engine) KnownFailures(ctx context.Context, alertname string) []models.FailurePattern {
	failures, err := e.store.FailurePatterns(ctx, alertname)
	if err != nil {
		return nil
	}
	return failures
}

func (e *Engine) cachedPattern(ctx context.Context, alertname, fingerprint string) *models.Pattern {
	key := alertname + "\x00" + fingerprint

	e.cacheMu.Lock()
	if entry, ok := e.cache[key]; ok && time.Since(entry.cachedAt) < cacheTTL {
		e.cacheMu.Unlock()
		return entry.pattern
	}
	e.cacheMu.Unlock()

	pattern, err := e.store.GetPattern(ctx, alertname, fingerprint)
	if err != nil {
		log.Debug().Str("alertname", alertname).Err(err).Msg("Pattern read unavailable")
		return nil
	}

	e.cacheMu.Lock()
	e.cache[key] = cacheEntry{pattern: pattern, cachedAt: time.Now()}
	e.cacheMu.Unlock()
	return pattern
}

func (e *Engine) invalidate(alertname, fingerprint string) {
	e.cacheMu.Lock()
	delete(e.cache, alertname+"\x00"+fingerprint)
	e.cacheMu.Unlock()
}

// Confidence is the pattern score: win rate damped by recency. A pattern
// unused for 30 days loses about 63% of its raw rate.
func Confidence(successCount, failureCount int, lastUsedAt, now time.Time) float64 {
	total := successCount + failureCount
	if total == 0 {
		return 0
	}
	rate := float64(successCount) / float64(total)

	ageDays := now.Sub(lastUsedAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	confidence := rate * math.Exp(-ageDays/30)

	return math.Max(0, math.Min(1, confidence))
}

// Similarity is a weighted Jaccard over symptom fingerprints: matching
// alertnames contribute 0.5, the label tokens contribute the other 0.5.
// Fingerprints with different alertnames can never exceed 0.5.
func Similarity(a, b string) float64 {
	partsA := strings.Split(a, "|")
	partsB := strings.Split(b, "|")

	var score float64
	if partsA[0] == partsB[0] {
		score += 0.5
	}

	setA := tokenSet(partsA[1:])
	setB := tokenSet(partsB[1:])
	if len(setA) == 0 && len(setB) == 0 {
		return score + 0.5
	}

	intersection := 0
	for token := range setA {
		if setB[token] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union > 0 {
		score += 0.5 * float64(intersection) / float64(union)
	}
	return score
}

// CommandSignature is the stable identity of a command sequence.
func CommandSignature(commands []string) string {
	return strings.Join(commands, " && ")
}

func tokenSet(tokens []string) map[string]bool {
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		if t != "" {
			set[t] = true
		}
	}
	return set
}
