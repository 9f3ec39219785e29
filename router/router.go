// Package router implements the Model Router (spec §4.4): a deterministic
// function from a task descriptor to a (model, tier) decision, driven by a
// complexity score and a free-tier preference, with upgrade-on-failure.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fleetops/agentops/telemetry"
)

// Tier names, ordered weak < base < strong.
type Tier string

const (
	TierWeak   Tier = "weak"
	TierBase   Tier = "base"
	TierStrong Tier = "strong"
)

// ErrConfigError is returned when the router is asked to operate against an
// unknown tier or a tier with no configuration (spec §7 "ConfigError").
var ErrConfigError = errors.New("router: config error")

// ErrNoModelAvailable is returned when every candidate in a tier (after all
// upgrade attempts) is unavailable (spec §7 "NoModelAvailable").
var ErrNoModelAvailable = errors.New("router: no model available")

// Candidate is one model entry within a tier (spec §3 "Model Tier").
type Candidate struct {
	Name           string
	Priority       int
	CostMultiplier float64
	Provider       string
	ContextWindow  int
}

// IsFree reports whether this candidate has zero marginal cost.
func (c Candidate) IsFree() bool { return c.CostMultiplier == 0.0 }

// TierConfig describes one tier's candidates and admission constraints.
type TierConfig struct {
	Name              Tier
	Candidates        []Candidate // must be supplied in priority order
	MaxContextWindow  int
	MaxTaskComplexity int
}

// Config is the router's startup configuration (spec §6 "routing").
type Config struct {
	Tiers              map[Tier]TierConfig
	DefaultTier        Tier
	PreferFreeTier     bool
	UpgradeOnFailure   bool
	MaxUpgradeAttempts int
	ForceStrongFor     map[string]struct{}
}

// TaskDescriptor is the input to SelectModel (spec §3 "Task Descriptor").
type TaskDescriptor struct {
	Type          string
	ContextTokens int
	Files         []string
}

// Decision is the result of SelectModel (spec §3 "Routing Decision").
type Decision struct {
	Model           string
	Tier            Tier
	ComplexityScore int
	RoutingReason   string
	FreeTier        bool
}

// taskTypeBaseScore is the closed, exhaustive map of task-type base scores
// (spec §4.4). Unknown types score 3.
var taskTypeBaseScore = map[string]int{
	"log_summary":              1,
	"file_scan":                1,
	"syntax_check":             1,
	"data_extraction":          1,
	"documentation":            2,
	"code_implementation":      3,
	"refactoring":              3,
	"bug_fix":                  3,
	"test_writing":             4,
	"code_review":              4,
	"api_integration":          5,
	"debugging_complex":        6,
	"performance_optimization": 7,
	"planning":                 7,
	"architecture_design":      9,
	"security_review":          9,
	"strategic_decision":       10,
	"production_critical":      10,
}

const unknownTaskTypeBaseScore = 3

// failureKey identifies one (task type, tier) pair in the router's failure
// counts, used by the historical-failure complexity bump.
type failureKey struct {
	taskType string
	tier     Tier
}

// Stats summarizes router activity since construction (spec §4.4 "stats()").
type Stats struct {
	SelectionsByTier map[Tier]int64
	Upgrades         int64
	Downgrades       int64
	FreeTierSelected int64
	TotalSelections  int64
}

// Router is the C5 Model Router.
type Router struct {
	mu       sync.Mutex
	cfg      Config
	failures map[failureKey]int

	selectionsByTier map[Tier]int64
	upgrades         int64
	downgrades       int64
	freeTierSelected int64
	totalSelections  int64

	logger  telemetry.Logger
	metrics telemetry.Metrics
}

// Option configures a Router at construction.
type Option func(*Router)

// WithLogger overrides the default no-op logger.
func WithLogger(l telemetry.Logger) Option { return func(r *Router) { r.logger = l } }

// WithMetrics overrides the default no-op metrics recorder.
func WithMetrics(m telemetry.Metrics) Option { return func(r *Router) { r.metrics = m } }

// New constructs a Router. It validates cfg eagerly: a missing weak, base,
// or strong tier, or a DefaultTier that names no configured tier, fails
// fast with ErrConfigError, matching spec §7's "raised at startup; process
// does not proceed" semantics. Candidate lists are not checked here; a tier
// with no usable candidate yields ErrNoModelAvailable at selection time.
func New(cfg Config, opts ...Option) (*Router, error) {
	if _, ok := cfg.Tiers[cfg.DefaultTier]; !ok {
		return nil, fmt.Errorf("%w: unknown default tier %q", ErrConfigError, cfg.DefaultTier)
	}
	if _, ok := cfg.Tiers[TierWeak]; !ok {
		return nil, fmt.Errorf("%w: missing tier %q", ErrConfigError, TierWeak)
	}
	if _, ok := cfg.Tiers[TierBase]; !ok {
		return nil, fmt.Errorf("%w: missing tier %q", ErrConfigError, TierBase)
	}
	if _, ok := cfg.Tiers[TierStrong]; !ok {
		return nil, fmt.Errorf("%w: missing tier %q", ErrConfigError, TierStrong)
	}
	if cfg.MaxUpgradeAttempts <= 0 {
		cfg.MaxUpgradeAttempts = 2
	}
	if cfg.ForceStrongFor == nil {
		cfg.ForceStrongFor = map[string]struct{}{}
	}
	r := &Router{
		cfg:              cfg,
		failures:         make(map[failureKey]int),
		selectionsByTier: make(map[Tier]int64),
		logger:           telemetry.NewNoopLogger(),
		metrics:          telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// contextBucket implements spec §4.4 factor 1.
func contextBucket(tokens int) int {
	switch {
	case tokens <= 10000:
		return 0
	case tokens <= 50000:
		return 1
	case tokens <= 100000:
		return 2
	default:
		return 3
	}
}

// fileCountBucket implements spec §4.4 factor 3.
func fileCountBucket(n int) int {
	switch {
	case n <= 3:
		return 0
	case n <= 10:
		return 1
	default:
		return 2
	}
}

func baseScoreFor(taskType string) int {
	if score, ok := taskTypeBaseScore[taskType]; ok {
		return score
	}
	return unknownTaskTypeBaseScore
}

// tierForScore implements spec §4.4's score→tier thresholds.
func tierForScore(score int) Tier {
	switch {
	case score <= 3:
		return TierWeak
	case score <= 7:
		return TierBase
	default:
		return TierStrong
	}
}

// ComplexityScore computes the 1-10 integer complexity score for task,
// consulting the failure history for the candidate tier the other three
// factors would pick (spec §4.4, testable property 5).
func (r *Router) ComplexityScore(task TaskDescriptor) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	score, _, _ := r.complexityScoreLocked(task)
	return score
}

// complexityScoreLocked returns the complexity score, the candidate tier
// the raw three-factor score alone would select, and whether the task-type
// has ≥2 recorded failures at that candidate tier. The returned score
// includes the +1 historical-failure bump (spec §4.4 factor 4) and is
// capped at 10; the bool
// lets SelectModel additionally force a tier-level upgrade when configured
// to do so, independent of whether the bump alone crosses a score
// threshold.
func (r *Router) complexityScoreLocked(task TaskDescriptor) (int, Tier, bool) {
	raw := contextBucket(task.ContextTokens) + baseScoreFor(task.Type) + fileCountBucket(len(task.Files))
	candidateTier := tierForScore(raw)
	hasRepeatedFailures := r.failures[failureKey{taskType: task.Type, tier: candidateTier}] >= 2
	score := raw
	if hasRepeatedFailures {
		score++
	}
	if score > 10 {
		score = 10
	}
	return score, candidateTier, hasRepeatedFailures
}

// SelectModel implements spec §4.4's deterministic selection: complexity
// score, tier selection (with force-strong, historical-failure, and
// max-context-window overrides), then free-tier-preferring model selection
// within the tier.
func (r *Router) SelectModel(ctx context.Context, task TaskDescriptor, unavailable map[string]struct{}) (Decision, error) {
	return r.selectModel(ctx, task, unavailable, r.cfg.PreferFreeTier)
}

// SelectModelPreferFree is SelectModel with the within-tier free-tier
// preference forced on for this call regardless of the router's configured
// default, used by the Router Subscriber's budget-aware path (spec §4.7:
// "if a cost.budget_warning has been observed for the same session,
// force-prefer free tier").
func (r *Router) SelectModelPreferFree(ctx context.Context, task TaskDescriptor, unavailable map[string]struct{}) (Decision, error) {
	return r.selectModel(ctx, task, unavailable, true)
}

func (r *Router) selectModel(ctx context.Context, task TaskDescriptor, unavailable map[string]struct{}, preferFree bool) (Decision, error) {
	start := time.Now()
	defer func() {
		r.metrics.RecordTimer("router.select_model", time.Since(start))
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	score, tier, hasRepeatedFailures := r.complexityScoreLocked(task)
	reason := "complexity_score"

	if _, forced := r.cfg.ForceStrongFor[task.Type]; forced {
		tier = TierStrong
		reason = "force_strong_override"
	} else if hasRepeatedFailures && r.cfg.UpgradeOnFailure {
		if next, atTop := nextTier(tier); !atTop {
			tier = next
			reason = "historical_failure_upgrade"
		}
	}

	for attempt := 0; attempt < r.cfg.MaxUpgradeAttempts; attempt++ {
		tc, ok := r.cfg.Tiers[tier]
		if !ok {
			return Decision{}, fmt.Errorf("%w: unknown tier %q", ErrConfigError, tier)
		}
		if tc.MaxContextWindow > 0 && task.ContextTokens > tc.MaxContextWindow {
			next, atTop := nextTier(tier)
			if atTop {
				break
			}
			tier = next
			reason = "max_context_window_upgrade"
			continue
		}
		break
	}

	decision, err := r.selectWithinTierLocked(tier, reason, score, unavailable, preferFree)
	if err != nil {
		return Decision{}, err
	}

	r.totalSelections++
	r.selectionsByTier[decision.Tier]++
	if decision.FreeTier {
		r.freeTierSelected++
	}
	r.metrics.IncCounter("router.selections", 1, "tier", string(decision.Tier))
	r.logger.Debug(ctx, "router: selected model", "model", decision.Model, "tier", string(decision.Tier), "score", decision.ComplexityScore, "reason", decision.RoutingReason)
	return decision, nil
}

// SelectFreeModel implements the budget-exceeded path of spec §4.7:
// "restrict selection to free models only (even if complexity demands
// base/strong)". It computes the tier complexity alone would select (with
// the same force-strong and historical-failure overrides as SelectModel),
// then searches that tier and every tier below it, strong down to weak,
// for the first free candidate — returning a lower tier than complexity
// demanded rather than a paid model in the right one.
func (r *Router) SelectFreeModel(ctx context.Context, task TaskDescriptor) (Decision, error) {
	start := time.Now()
	defer func() {
		r.metrics.RecordTimer("router.select_model", time.Since(start))
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	score, tier, hasRepeatedFailures := r.complexityScoreLocked(task)
	if _, forced := r.cfg.ForceStrongFor[task.Type]; forced {
		tier = TierStrong
	} else if hasRepeatedFailures && r.cfg.UpgradeOnFailure {
		if next, atTop := nextTier(tier); !atTop {
			tier = next
		}
	}

	for t := tier; ; {
		if tc, ok := r.cfg.Tiers[t]; ok {
			for _, c := range tc.Candidates {
				if c.IsFree() {
					decision := Decision{
						Model:           c.Name,
						Tier:            t,
						ComplexityScore: score,
						RoutingReason:   "budget_exceeded_restrict_free",
						FreeTier:        true,
					}
					r.totalSelections++
					r.selectionsByTier[t]++
					r.freeTierSelected++
					r.metrics.IncCounter("router.selections", 1, "tier", string(t))
					r.logger.Debug(ctx, "router: selected free model under budget restriction", "model", c.Name, "tier", string(t))
					return decision, nil
				}
			}
		}
		prev, atBottom := prevTier(t)
		if atBottom {
			return Decision{}, fmt.Errorf("%w: no free model in any tier", ErrNoModelAvailable)
		}
		t = prev
	}
}

// prevTier returns the tier one step below t, and whether t is already the
// bottom tier.
func prevTier(t Tier) (Tier, bool) {
	switch t {
	case TierStrong:
		return TierBase, false
	case TierBase:
		return TierWeak, false
	default:
		return TierWeak, true
	}
}

// selectWithinTierLocked finds the best candidate in tier, upgrading to the
// next tier if every candidate is unavailable or the tier has none
// configured (spec §4.4 "Model selection within tier").
func (r *Router) selectWithinTierLocked(tier Tier, reason string, score int, unavailable map[string]struct{}, preferFree bool) (Decision, error) {
	for {
		tc, ok := r.cfg.Tiers[tier]
		if !ok {
			return Decision{}, fmt.Errorf("%w: unknown tier %q", ErrConfigError, tier)
		}
		candidate, free, found := pickCandidate(tc.Candidates, preferFree, unavailable)
		if found {
			return Decision{
				Model:           candidate.Name,
				Tier:            tier,
				ComplexityScore: score,
				RoutingReason:   reason,
				FreeTier:        free,
			}, nil
		}
		next, atTop := nextTier(tier)
		if atTop {
			return Decision{}, fmt.Errorf("%w: tier %q exhausted", ErrNoModelAvailable, tier)
		}
		tier = next
		reason = "tier_exhausted_upgrade"
	}
}

// pickCandidate implements spec §4.4's within-tier selection: prefer the
// first free candidate in priority order when PreferFreeTier is set,
// otherwise the first candidate in priority order; candidates the caller
// marked unavailable (quota exhausted) are skipped.
func pickCandidate(candidates []Candidate, preferFree bool, unavailable map[string]struct{}) (Candidate, bool, bool) {
	if preferFree {
		for _, c := range candidates {
			if c.IsFree() && !isUnavailable(unavailable, c.Name) {
				return c, true, true
			}
		}
	}
	for _, c := range candidates {
		if !isUnavailable(unavailable, c.Name) {
			return c, c.IsFree(), true
		}
	}
	return Candidate{}, false, false
}

func isUnavailable(unavailable map[string]struct{}, name string) bool {
	if unavailable == nil {
		return false
	}
	_, ok := unavailable[name]
	return ok
}

// nextTier returns the next tier up from t, and whether t is already the
// top tier.
func nextTier(t Tier) (Tier, bool) {
	switch t {
	case TierWeak:
		return TierBase, false
	case TierBase:
		return TierStrong, false
	default:
		return TierStrong, true
	}
}

// UpgradeTier returns the tier one step above current (weak→base→strong;
// strong stays strong), per spec §4.4 "upgrade_tier".
func (r *Router) UpgradeTier(ctx context.Context, current Tier, reason string) Tier {
	next, _ := nextTier(current)
	r.mu.Lock()
	r.upgrades++
	r.mu.Unlock()
	r.metrics.IncCounter("router.upgrades", 1)
	r.logger.Debug(ctx, "router: tier upgraded", "from", string(current), "to", string(next), "reason", reason)
	return next
}

// DowngradeTier returns the tier one step below current (strong→base→weak;
// weak stays weak), per spec §4.4 "downgrade_tier".
func (r *Router) DowngradeTier(ctx context.Context, current Tier, reason string) Tier {
	var prev Tier
	switch current {
	case TierStrong:
		prev = TierBase
	case TierBase:
		prev = TierWeak
	default:
		prev = TierWeak
	}
	r.mu.Lock()
	r.downgrades++
	r.mu.Unlock()
	r.metrics.IncCounter("router.downgrades", 1)
	r.logger.Debug(ctx, "router: tier downgraded", "from", string(current), "to", string(prev), "reason", reason)
	return prev
}

// RecordFailure records a quality/execution failure for taskType at tier,
// feeding the historical-failure complexity bump (spec §4.4
// "record_failure").
func (r *Router) RecordFailure(taskType string, tier Tier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[failureKey{taskType: taskType, tier: tier}]++
}

// Stats returns a snapshot of cumulative router activity.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	byTier := make(map[Tier]int64, len(r.selectionsByTier))
	for k, v := range r.selectionsByTier {
		byTier[k] = v
	}
	return Stats{
		SelectionsByTier: byTier,
		Upgrades:         r.upgrades,
		Downgrades:       r.downgrades,
		FreeTierSelected: r.freeTierSelected,
		TotalSelections:  r.totalSelections,
	}
}
