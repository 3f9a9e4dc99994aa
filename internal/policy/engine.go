package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"routebrain/internal/observability"
	"routebrain/internal/risk"
	"routebrain/internal/types"
)

// Emergency fallback targets. Used when no policy covers a department. When
// the risk assessment forbids direct commercial providers the fallback must
// stay on a self-hosted runtime, so governance holds even with no policy
// loaded.
const (
	emergencyModel    = "claude-haiku-4-5-20251001"
	emergencyProvider = "anthropic"
	emergencyOSSModel = "llama3.1:8b"
)

// Default guardrail thresholds for policies that omit them.
const (
	defaultDowngradeAtPercent  = 80.0
	defaultForceCheapAtPercent = 100.0
)

type policySet struct {
	global map[string]*types.DepartmentPolicy // department -> policy
	tenant map[string]*types.DepartmentPolicy // tenant|department -> policy
	base   *types.DepartmentPolicy
}

// Engine loads YAML routing policies and matches classifications to rules.
// The loaded set is swapped atomically so reloads never block matching.
type Engine struct {
	dir     string
	virtual *VirtualModelRegistry
	logger  *observability.Logger
	set     atomic.Pointer[policySet]
}

// NewEngine loads every policy file under dir. A missing or empty directory
// is not fatal; matching then falls through to the emergency fallback.
func NewEngine(dir string, virtual *VirtualModelRegistry, logger *observability.Logger) (*Engine, error) {
	if logger == nil {
		logger = observability.Nop()
	}
	e := &Engine{dir: dir, virtual: virtual, logger: logger}
	if err := e.Reload(); err != nil {
		return nil, err
	}
	return e, nil
}

func tenantKey(tenantID, department string) string {
	return tenantID + "|" + department
}

// Reload re-reads the policy directory and swaps the loaded set in one step.
// In-flight matches keep the set they started with.
func (e *Engine) Reload() error {
	set := &policySet{
		global: map[string]*types.DepartmentPolicy{},
		tenant: map[string]*types.DepartmentPolicy{},
	}

	entries, err := os.ReadDir(e.dir)
	if err != nil {
		if os.IsNotExist(err) {
			e.logger.Warn("policy directory missing", "dir", e.dir)
			e.set.Store(set)
			return nil
		}
		return fmt.Errorf("read policy dir: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		name := entry.Name()
		ext := filepath.Ext(name)
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		path := filepath.Join(e.dir, name)
		p, err := loadPolicyFile(path)
		if err != nil {
			e.logger.Error("policy load failed", "file", path, "error", err)
			continue
		}
		if p.TenantID != "" {
			set.tenant[tenantKey(p.TenantID, p.Department)] = p
		} else {
			set.global[p.Department] = p
		}
		if strings.TrimSuffix(name, ext) == "base" {
			set.base = p
		}
		loaded++
		e.logger.Info("policy loaded",
			"department", p.Department, "tenant", p.TenantID, "rules", len(p.Rules))
	}

	e.set.Store(set)
	e.logger.Info("policies loaded", "count", loaded)
	return nil
}

func loadPolicyFile(path string) (*types.DepartmentPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p types.DepartmentPolicy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if p.Department == "" {
		return nil, fmt.Errorf("%s: policy has no department", path)
	}
	if p.Version == "" {
		p.Version = "1.0"
	}
	if p.BudgetControls.DowngradeAtPercent <= 0 {
		p.BudgetControls.DowngradeAtPercent = defaultDowngradeAtPercent
	}
	if p.BudgetControls.ForceCheapAtPercent <= 0 {
		p.BudgetControls.ForceCheapAtPercent = defaultForceCheapAtPercent
	}
	return &p, nil
}

// ResolvePolicy returns the policy for a department, tenant-scoped policies
// shadowing global ones, with the base policy as last resort. Nil when
// nothing is loaded.
func (e *Engine) ResolvePolicy(department, tenantID string) *types.DepartmentPolicy {
	set := e.set.Load()
	if tenantID != "" {
		if p, ok := set.tenant[tenantKey(tenantID, department)]; ok {
			return p
		}
	}
	if p, ok := set.global[department]; ok {
		return p
	}
	return set.base
}

// PolicyVersion renders the policy version string recorded in every audit
// record: "<tenant>:<department>-v<version>" for tenant-scoped policies,
// "<department>-v<version>" for global ones, "unknown" when nothing matched.
func (e *Engine) PolicyVersion(department, tenantID string) string {
	set := e.set.Load()
	if tenantID != "" {
		if p, ok := set.tenant[tenantKey(tenantID, department)]; ok {
			return fmt.Sprintf("%s:%s-v%s", tenantID, p.Department, p.Version)
		}
	}
	if p, ok := set.global[department]; ok {
		return fmt.Sprintf("%s-v%s", p.Department, p.Version)
	}
	if set.base != nil {
		return fmt.Sprintf("%s-v%s", set.base.Department, set.base.Version)
	}
	return "unknown"
}

// ListPolicies returns every loaded policy, globals first, sorted for stable
// admin output.
func (e *Engine) ListPolicies() []*types.DepartmentPolicy {
	set := e.set.Load()
	var out []*types.DepartmentPolicy
	for _, p := range set.global {
		out = append(out, p)
	}
	for _, p := range set.tenant {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].Department < out[j].Department
	})
	return out
}

// Match finds the routing rule for a classification and applies, in order:
// rule scan, virtual model resolution, the risk gate, budget guardrails.
// Returns the resolved rule, the full evaluation trace, and the constraint
// tags that modified the decision.
func (e *Engine) Match(
	classification types.ClassificationResult,
	riskA *risk.Assessment,
	budgetPct float64,
	tenantID string,
) (types.RoutingRule, []types.PolicyTraceEntry, []string) {
	var trace []types.PolicyTraceEntry
	var constraints []string

	policy := e.ResolvePolicy(string(classification.Department), tenantID)
	if policy == nil {
		rule := e.resolveRule(emergencyFallback(riskA))
		trace = append(trace, types.PolicyTraceEntry{
			Rule: "emergency_fallback", Result: types.TraceMatched, Reason: "no policy found",
		})
		return rule, trace, constraints
	}

	matched, findTrace := findRule(policy, classification, riskA)
	trace = append(trace, findTrace...)
	matched = e.resolveRule(matched)

	// Risk gate. Hard constraint, runs before any budget consideration so a
	// cost guard can never reintroduce a forbidden provider.
	if riskA != nil && riskA.RiskLevel != risk.LevelLow {
		before := matched
		matched = e.enforceRiskFloor(policy, *riskA, matched)
		level := string(riskA.RiskLevel)
		if matched.Name != before.Name || matched.Provider != before.Provider {
			trace = append(trace, types.PolicyTraceEntry{
				Rule:   "risk_gate_" + level,
				Result: types.TraceRiskOverride,
				Reason: fmt.Sprintf("rule %q uses provider %q, forbidden at %s risk — switched to %q (%s)",
					before.Name, before.Provider, level, matched.Name, matched.Provider),
			})
			constraints = append(constraints, "risk_floor_"+level)
		} else {
			trace = append(trace, types.PolicyTraceEntry{
				Rule:   "risk_gate_" + level,
				Result: types.TraceMatched,
				Reason: fmt.Sprintf("provider %q allowed at %s risk", matched.Provider, level),
			})
		}
	}

	// Budget guardrails, bounded below by the risk floor.
	riskFloor := types.TierFastCheap
	if riskA != nil {
		riskFloor = riskA.RequiredMinTier
	}
	controls := policy.BudgetControls

	if capTier := types.ModelTier(controls.MaxTier); controls.MaxTier != "" &&
		types.TierRank(matched.ModelTier) > types.TierRank(capTier) &&
		types.TierRank(capTier) >= types.TierRank(riskFloor) {
		if capped, ok := e.downgradeToTierOrBelow(policy, capTier, riskFloor, riskA); ok {
			matched = capped
			trace = append(trace, types.PolicyTraceEntry{
				Rule:   "budget_guard_max_tier",
				Result: types.TraceBudgetOverride,
				Reason: fmt.Sprintf("policy caps tier at %s", capTier),
			})
			constraints = append(constraints, "budget_max_tier_"+string(capTier))
		}
	}

	switch {
	case budgetPct >= controls.ForceCheapAtPercent:
		if types.TierRank(types.TierFastCheap) >= types.TierRank(riskFloor) {
			if cheap, ok := e.downgradeToTier(policy, types.TierFastCheap, riskA); ok {
				matched = cheap
				trace = append(trace, types.PolicyTraceEntry{
					Rule:   "budget_guard_force_cheap",
					Result: types.TraceBudgetOverride,
					Reason: fmt.Sprintf("budget %.0f%% >= force threshold %.0f%%", budgetPct, controls.ForceCheapAtPercent),
				})
				constraints = append(constraints, "budget_force_cheap")
			}
		}
	case budgetPct >= controls.DowngradeAtPercent:
		if candidate, ok := e.downgradeOneTier(policy, matched, riskA); ok &&
			types.TierRank(candidate.ModelTier) >= types.TierRank(riskFloor) {
			matched = candidate
			trace = append(trace, types.PolicyTraceEntry{
				Rule:   "budget_guard_downgrade",
				Result: types.TraceBudgetOverride,
				Reason: fmt.Sprintf("budget %.0f%% >= downgrade threshold %.0f%%", budgetPct, controls.DowngradeAtPercent),
			})
			constraints = append(constraints, "budget_downgrade")
		}
	}

	return matched, trace, constraints
}

// findRule scans rules in file order. A nil filter matches everything; the
// first rule passing all filters wins, then the default rule, then the
// emergency fallback.
func findRule(policy *types.DepartmentPolicy, c types.ClassificationResult, riskA *risk.Assessment) (types.RoutingRule, []types.PolicyTraceEntry) {
	var trace []types.PolicyTraceEntry
	for _, rule := range policy.Rules {
		if rule.TaskType != "" && rule.TaskType != string(c.TaskType) {
			trace = append(trace, types.PolicyTraceEntry{
				Rule: rule.Name, Result: types.TraceSkipped,
				Reason: fmt.Sprintf("task_type %q != %q", rule.TaskType, c.TaskType),
			})
			continue
		}
		if rule.Complexity != "" && rule.Complexity != string(c.Complexity) {
			trace = append(trace, types.PolicyTraceEntry{
				Rule: rule.Name, Result: types.TraceSkipped,
				Reason: fmt.Sprintf("complexity %q != %q", rule.Complexity, c.Complexity),
			})
			continue
		}
		trace = append(trace, types.PolicyTraceEntry{
			Rule: rule.Name, Result: types.TraceMatched,
			Reason: fmt.Sprintf("task=%s complexity=%s", c.TaskType, c.Complexity),
		})
		return rule, trace
	}

	if policy.DefaultRule != nil {
		trace = append(trace, types.PolicyTraceEntry{
			Rule: policy.DefaultRule.Name, Result: types.TraceMatched,
			Reason: "no specific rule matched — using department default",
		})
		return *policy.DefaultRule, trace
	}

	trace = append(trace, types.PolicyTraceEntry{
		Rule: "emergency_fallback", Result: types.TraceMatched, Reason: "no rules or default",
	})
	return emergencyFallback(riskA), trace
}

// enforceRiskFloor swaps a forbidden-provider rule for the cheapest allowed
// rule meeting the risk tier floor and strips forbidden providers from the
// fallback chain. Local-tier rules stay eligible below the floor: keeping
// data on-prem outranks the quality floor.
func (e *Engine) enforceRiskFloor(policy *types.DepartmentPolicy, riskA risk.Assessment, current types.RoutingRule) types.RoutingRule {
	if risk.IsProviderAllowed(current.Provider, riskA) {
		current.FallbackModels = filterFallbacks(current.FallbackModels, riskA)
		return current
	}

	floor := types.TierRank(riskA.RequiredMinTier)
	var best *types.RoutingRule
	var local *types.RoutingRule
	for i := range policy.Rules {
		resolved := e.resolveRule(policy.Rules[i])
		if !risk.IsProviderAllowed(resolved.Provider, riskA) {
			continue
		}
		if types.TierRank(resolved.ModelTier) >= floor {
			if best == nil || types.TierRank(resolved.ModelTier) < types.TierRank(best.ModelTier) {
				r := resolved
				best = &r
			}
		} else if resolved.ModelTier == types.TierLocal && local == nil {
			r := resolved
			local = &r
		}
	}

	switch {
	case best != nil:
		current = *best
	case local != nil:
		current = *local
	}
	current.FallbackModels = filterFallbacks(current.FallbackModels, riskA)
	return current
}

func filterFallbacks(models []string, riskA risk.Assessment) []string {
	var clean []string
	for _, m := range models {
		if risk.IsProviderAllowed(InferProvider(m), riskA) {
			clean = append(clean, m)
		}
	}
	return clean
}

// downgradeOneTier finds a rule exactly one tier below the current one,
// walking further down until a rule exists.
func (e *Engine) downgradeOneTier(policy *types.DepartmentPolicy, current types.RoutingRule, riskA *risk.Assessment) (types.RoutingRule, bool) {
	order := []types.ModelTier{types.TierPowerful, types.TierBalanced, types.TierFastCheap, types.TierLocal}
	idx := 0
	for i, t := range order {
		if t == current.ModelTier {
			idx = i
			break
		}
	}
	for i := idx + 1; i < len(order); i++ {
		if rule, ok := e.downgradeToTier(policy, order[i], riskA); ok {
			return rule, true
		}
	}
	return current, false
}

// downgradeToTierOrBelow walks tiers downward from target until some rule
// exists, so a cap still bites when no rule sits exactly at the cap tier.
// Tiers below the risk floor are skipped, except local: on-prem rules stay
// eligible below the floor.
func (e *Engine) downgradeToTierOrBelow(policy *types.DepartmentPolicy, target, riskFloor types.ModelTier, riskA *risk.Assessment) (types.RoutingRule, bool) {
	order := []types.ModelTier{types.TierPowerful, types.TierBalanced, types.TierFastCheap, types.TierLocal}
	start := 0
	for i, t := range order {
		if t == target {
			start = i
			break
		}
	}
	for i := start; i < len(order); i++ {
		if order[i] != types.TierLocal && types.TierRank(order[i]) < types.TierRank(riskFloor) {
			continue
		}
		if rule, ok := e.downgradeToTier(policy, order[i], riskA); ok {
			return rule, true
		}
	}
	return types.RoutingRule{}, false
}

// downgradeToTier returns the first rule of the target tier whose provider
// passes the risk gate.
func (e *Engine) downgradeToTier(policy *types.DepartmentPolicy, target types.ModelTier, riskA *risk.Assessment) (types.RoutingRule, bool) {
	for _, rule := range policy.Rules {
		if rule.ModelTier != target {
			continue
		}
		resolved := e.resolveRule(rule)
		if riskA != nil && !risk.IsProviderAllowed(resolved.Provider, *riskA) {
			continue
		}
		return resolved, true
	}
	return types.RoutingRule{}, false
}

// resolveRule maps virtual ids to concrete model+provider pairs. Literal
// model names keep an explicit provider (a bedrock rule can name a claude
// model) and get an inferred one otherwise. Fallback entries resolve to
// concrete model names; their providers are inferred at dispatch time.
func (e *Engine) resolveRule(rule types.RoutingRule) types.RoutingRule {
	if e.virtual != nil && e.virtual.IsVirtual(rule.PrimaryModel) {
		rule.PrimaryModel, rule.Provider = e.virtual.Resolve(rule.PrimaryModel)
	} else if rule.Provider == "" {
		rule.Provider = InferProvider(rule.PrimaryModel)
	}
	if e.virtual != nil {
		rule.FallbackModels = e.virtual.ResolveList(rule.FallbackModels)
	}
	return rule
}

// emergencyFallback is the rule of last resort. Restricted content must not
// leak to a commercial API just because no policy is loaded, so the fallback
// is a self-hosted model whenever the assessment forbids commercial
// providers.
func emergencyFallback(riskA *risk.Assessment) types.RoutingRule {
	if riskA != nil && riskA.DirectCommercialForbidden {
		return types.RoutingRule{
			Name:         "emergency_fallback",
			PrimaryModel: emergencyOSSModel,
			Provider:     "ollama",
			ModelTier:    types.TierLocal,
			Rationale:    "Emergency fallback — no matching policy; restricted content stays on self-hosted runtime",
		}
	}
	return types.RoutingRule{
		Name:         "emergency_fallback",
		PrimaryModel: emergencyModel,
		Provider:     emergencyProvider,
		ModelTier:    types.TierFastCheap,
		Rationale:    "Emergency fallback — no matching policy",
	}
}
