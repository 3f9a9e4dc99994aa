// Package routing orchestrates the full pipeline for one request:
// pre-analysis, risk assessment, classification, policy matching, budget
// accounting, and provider dispatch with fallback.
package routing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"routebrain/internal/analyzer"
	"routebrain/internal/budget"
	"routebrain/internal/classifier"
	gatewayerrors "routebrain/internal/errors"
	"routebrain/internal/observability"
	"routebrain/internal/policy"
	"routebrain/internal/providers"
	"routebrain/internal/risk"
	"routebrain/internal/types"
)

// Result is a successfully routed request: exactly one of Response or Stream
// is set, and Outcome carries the full decision record for headers, response
// metadata, and the audit log.
type Result struct {
	Response *types.ChatResponse
	Stream   <-chan providers.StreamChunk
	Outcome  *types.RoutingOutcome
}

// Engine wires the pipeline stages together.
type Engine struct {
	classifier *classifier.Classifier
	policies   *policy.Engine
	registry   *providers.Registry
	budget     *budget.Tracker
	metrics    *observability.MetricsCollector
	logger     *observability.Logger
}

// NewEngine builds the routing engine. metrics may be a disabled collector.
func NewEngine(
	cls *classifier.Classifier,
	policies *policy.Engine,
	registry *providers.Registry,
	tracker *budget.Tracker,
	metrics *observability.MetricsCollector,
	logger *observability.Logger,
) *Engine {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Engine{
		classifier: cls,
		policies:   policies,
		registry:   registry,
		budget:     tracker,
		metrics:    metrics,
		logger:     logger,
	}
}

// NewRequestID mints a gateway request id.
func NewRequestID() string {
	return "rb-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Route runs the pipeline. The returned error is a RoutingError when every
// candidate failed; callers render it via the error taxonomy.
func (e *Engine) Route(ctx context.Context, req *types.ChatRequest) (*Result, error) {
	requestID := req.RequestID
	if requestID == "" {
		requestID = NewRequestID()
		req.RequestID = requestID
	}
	tenantID := orUnknown(req.TenantID)
	userID := orUnknown(req.UserID)
	start := time.Now()
	log := e.logger.With("request_id", requestID)

	// Stage 1: deterministic pre-analysis, no I/O.
	pre := analyzer.Analyze(req)
	log.Info("pre-analysis complete",
		"tokens", pre.EstimatedTokens,
		"task_hint", pre.HeuristicTaskType,
		"complexity_hint", pre.HeuristicComplexity)

	// Stage 2: risk assessment, also deterministic.
	riskA := risk.Assess(req)
	if e.metrics != nil {
		e.metrics.RecordRiskLevel(ctx, string(riskA.RiskLevel))
	}
	log.Info("risk assessed",
		"risk_level", riskA.RiskLevel,
		"commercial_forbidden", riskA.DirectCommercialForbidden,
		"audit_required", riskA.AuditRequired)

	// Stage 3: meta-classification, degrades to heuristics on any failure.
	classification := e.classifier.Classify(ctx, pre, req.UserText())

	// Stage 4: live budget usage feeds the policy guardrails.
	department := string(classification.Department)
	var budgetPct float64
	if p := e.policies.ResolvePolicy(department, req.TenantID); p != nil && e.budget != nil {
		budgetPct = e.budget.BudgetPct(ctx, tenantID, userID, p.BudgetControls)
	}

	// Stage 5: policy match under risk gate and budget guardrails.
	rule, trace, constraints := e.policies.Match(classification, &riskA, budgetPct, req.TenantID)
	policyVersion := e.policies.PolicyVersion(department, req.TenantID)

	decision := types.RoutingDecision{
		PrimaryModel:      rule.PrimaryModel,
		Provider:          rule.Provider,
		FallbackModels:    rule.FallbackModels,
		ModelTier:         rule.ModelTier,
		CostBudgetApplied: budgetPct > 0,
		PolicyName:        department,
		RuleMatched:       rule.Name,
	}
	log.Info("routing decision",
		"model", decision.PrimaryModel,
		"provider", decision.Provider,
		"tier", decision.ModelTier,
		"rule", decision.RuleMatched,
		"task_type", classification.TaskType,
		"complexity", classification.Complexity,
		"confidence", classification.Confidence,
		"risk_level", riskA.RiskLevel,
		"budget_pct", budgetPct)

	outcome := &types.RoutingOutcome{
		RequestID:       requestID,
		TenantID:        tenantID,
		UserID:          userID,
		PreAnalysis:     pre,
		Classification:  classification,
		RoutingDecision: decision,

		RiskLevel:         string(riskA.RiskLevel),
		RiskRationale:     riskA.Rationale,
		RiskSignals:       riskA.SignalCategories(),
		DataResidencyNote: riskA.DataResidencyNote,
		AuditRequired:     riskA.AuditRequired,

		PolicyVersion:      policyVersion,
		PolicyTrace:        trace,
		ConstraintsApplied: constraints,

		ClassificationSnapshot: types.ClassificationSnapshot{
			TaskType:           string(classification.TaskType),
			Complexity:         string(classification.Complexity),
			Confidence:         classification.Confidence,
			ClassifiedBy:       string(classification.ClassifiedBy),
			Department:         department,
			RequiredCapability: classification.RequiredCapability,
			RiskSignals:        riskA.SignalCategories(),
		},
	}

	// Stage 6: dispatch with fallback chain.
	type candidate struct{ model, provider string }
	candidates := []candidate{{rule.PrimaryModel, rule.Provider}}
	for _, m := range rule.FallbackModels {
		candidates = append(candidates, candidate{m, policy.InferProvider(m)})
	}

	var lastErr error
	var tried []string
	for idx, c := range candidates {
		// Caller-initiated cancellation propagates; it is not a provider
		// failure to fall back from.
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tried = append(tried, c.model)
		// Last line of defense: even if the policy had no allowed alternative,
		// a risk-forbidden provider is never dialed.
		if !risk.IsProviderAllowed(c.provider, riskA) {
			log.Warn("provider forbidden at this risk level, skipping",
				"provider", c.provider, "model", c.model, "risk_level", riskA.RiskLevel)
			continue
		}
		p := e.registry.Get(c.provider)
		if p == nil {
			log.Warn("provider not configured, skipping", "provider", c.provider, "model", c.model)
			continue
		}
		if idx > 0 {
			log.Info("fallback attempt", "model", c.model, "provider", c.provider)
		}

		outcome.ActualModelUsed = c.model
		outcome.ActualProvider = c.provider
		outcome.FallbackUsed = idx > 0

		if req.Stream {
			stream, err := p.ChatCompletionStream(ctx, req, c.model)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, ctxErr
				}
				lastErr = err
				log.Warn("provider stream failed, trying next", "provider", c.provider, "model", c.model, "error", err)
				continue
			}
			// Streams report no usage; record the prompt-side estimate up
			// front so budget counters never miss a streamed request.
			cost := e.estimateCost(c.model, pre.EstimatedTokens, 0, string(rule.ModelTier))
			e.recordSpend(ctx, tenantID, userID, cost)

			outcome.PromptTokens = pre.EstimatedTokens
			outcome.TotalCostUSD = cost
			outcome.LatencyMs = time.Since(start).Milliseconds()
			e.recordMetrics(ctx, outcome, start)
			return &Result{Stream: stream, Outcome: outcome}, nil
		}

		resp, err := p.ChatCompletion(ctx, req, c.model)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			lastErr = err
			log.Warn("provider call failed, trying next", "provider", c.provider, "model", c.model, "error", err)
			continue
		}

		promptTokens := pre.EstimatedTokens
		completionTokens := 0
		if resp.Usage != nil {
			promptTokens = resp.Usage.PromptTokens
			completionTokens = resp.Usage.CompletionTokens
		}
		cost := e.estimateCost(c.model, promptTokens, completionTokens, string(rule.ModelTier))
		e.recordSpend(ctx, tenantID, userID, cost)

		outcome.PromptTokens = promptTokens
		outcome.CompletionTokens = completionTokens
		outcome.TotalCostUSD = cost
		outcome.LatencyMs = time.Since(start).Milliseconds()
		e.recordMetrics(ctx, outcome, start)
		return &Result{Response: resp, Outcome: outcome}, nil
	}

	// Every candidate failed. Distinguish governance blocks from outages so
	// the client learns what to fix.
	outcome.LatencyMs = time.Since(start).Milliseconds()
	if riskA.DirectCommercialForbidden {
		if e.metrics != nil {
			e.metrics.RecordGovernanceBlock(ctx, string(riskA.RiskLevel))
		}
		return nil, &gatewayerrors.RoutingError{
			GovernanceBlocked: true,
			Message: fmt.Sprintf(
				"Governance policy blocked all available providers for this request.\n\n"+
					"Risk level: %s — %s\n\n"+
					"Direct commercial APIs (Anthropic / OpenAI / Gemini) are forbidden for this content. "+
					"Allowed: self-hosted OSS (Ollama/vLLM) or compliant cloud (AWS Bedrock, Azure AI Foundry with BAA).\n\n"+
					"Models tried: %s\n"+
					"To fix: start Ollama locally or add AWS Bedrock / Azure AI Foundry credentials.",
				strings.ToUpper(string(riskA.RiskLevel)), riskA.Rationale, strings.Join(tried, ", ")),
		}
	}
	return nil, &gatewayerrors.RoutingError{
		Message: fmt.Sprintf(
			"All providers failed for this request.\n\n"+
				"Models tried: %s\n"+
				"Last error: %v\n\n"+
				"Check provider credentials and endpoints in the gateway configuration.",
			strings.Join(tried, ", "), lastErr),
	}
}

func (e *Engine) estimateCost(model string, promptTokens, completionTokens int, tier string) float64 {
	if e.budget == nil {
		return 0
	}
	return e.budget.EstimateCost(model, promptTokens, completionTokens, tier)
}

func (e *Engine) recordSpend(ctx context.Context, tenantID, userID string, cost float64) {
	if e.budget == nil {
		return
	}
	e.budget.RecordSpend(ctx, tenantID, userID, cost)
}

func (e *Engine) recordMetrics(ctx context.Context, outcome *types.RoutingOutcome, start time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordRouting(ctx,
		outcome.ActualProvider,
		outcome.ActualModelUsed,
		string(outcome.RoutingDecision.ModelTier),
		"ok",
		time.Since(start),
		outcome.PromptTokens,
		outcome.CompletionTokens,
		outcome.TotalCostUSD,
		outcome.FallbackUsed)
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
