package types

// TaskType labels what kind of work the request asks for.
type TaskType string

const (
	TaskCodeGeneration      TaskType = "code_generation"
	TaskCodeReview          TaskType = "code_review"
	TaskTestGeneration      TaskType = "test_generation"
	TaskDebugging           TaskType = "debugging"
	TaskArchitectureDesign  TaskType = "architecture_design"
	TaskDocumentation       TaskType = "documentation"
	TaskRequirementAnalysis TaskType = "requirement_analysis"
	TaskQuestionAnswer      TaskType = "question_answer"
	TaskDataAnalysis        TaskType = "data_analysis"
	TaskMathReasoning       TaskType = "math_reasoning"
	TaskGeneral             TaskType = "general"
)

// TaskTypes lists every valid task type.
var TaskTypes = []TaskType{
	TaskCodeGeneration, TaskCodeReview, TaskTestGeneration, TaskDebugging,
	TaskArchitectureDesign, TaskDocumentation, TaskRequirementAnalysis,
	TaskQuestionAnswer, TaskDataAnalysis, TaskMathReasoning, TaskGeneral,
}

// ValidTaskType reports whether s names a known task type.
func ValidTaskType(s string) bool {
	for _, t := range TaskTypes {
		if string(t) == s {
			return true
		}
	}
	return false
}

// Complexity buckets the effort a request demands.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

// ValidComplexity reports whether s names a known complexity.
func ValidComplexity(s string) bool {
	switch Complexity(s) {
	case ComplexitySimple, ComplexityMedium, ComplexityComplex:
		return true
	}
	return false
}

// ModelTier is the coarse quality/cost bucket of a model.
type ModelTier string

const (
	TierLocal     ModelTier = "local"
	TierFastCheap ModelTier = "fast_cheap"
	TierBalanced  ModelTier = "balanced"
	TierPowerful  ModelTier = "powerful"
)

// TierRank orders tiers by capability: local(0) < fast_cheap(1) <
// balanced(2) < powerful(3). Unknown tiers rank as fast_cheap.
func TierRank(t ModelTier) int {
	switch t {
	case TierLocal:
		return 0
	case TierFastCheap:
		return 1
	case TierBalanced:
		return 2
	case TierPowerful:
		return 3
	default:
		return 1
	}
}

// Department identifies the organizational unit a request belongs to.
type Department string

const (
	DeptRD        Department = "rd"
	DeptSales     Department = "sales"
	DeptMarketing Department = "marketing"
	DeptHR        Department = "hr"
	DeptFinance   Department = "finance"
	DeptGeneral   Department = "general"
)

// ValidDepartment reports whether s names a known department.
func ValidDepartment(s string) bool {
	switch Department(s) {
	case DeptRD, DeptSales, DeptMarketing, DeptHR, DeptFinance, DeptGeneral:
		return true
	}
	return false
}

// ClassifiedBy records which stage produced a classification.
type ClassifiedBy string

const (
	ClassifiedByMetaLLM           ClassifiedBy = "meta_llm"
	ClassifiedByHeuristicFallback ClassifiedBy = "heuristic_fallback"
)

// PreAnalysis is the cheap deterministic scan of the request text. Built once
// per request, never mutated.
type PreAnalysis struct {
	EstimatedTokens     int        `json:"estimated_tokens"`
	HasCodeBlocks       bool       `json:"has_code_blocks"`
	DetectedLanguages   []string   `json:"detected_languages"`
	DetectedKeywords    []string   `json:"detected_keywords"`
	DepartmentHint      string     `json:"department_hint,omitempty"`
	ConversationTurns   int        `json:"conversation_turns"`
	HeuristicTaskType   TaskType   `json:"heuristic_task_type,omitempty"`
	HeuristicComplexity Complexity `json:"heuristic_complexity,omitempty"`
}

// ClassificationResult is the meta-classifier's (or the heuristic fallback's)
// verdict on a request.
type ClassificationResult struct {
	TaskType              TaskType     `json:"task_type"`
	Complexity            Complexity   `json:"complexity"`
	Department            Department   `json:"department"`
	RequiredCapability    []string     `json:"required_capability"`
	EstimatedOutputLength string       `json:"estimated_output_length"` // short, medium, long
	Confidence            float64      `json:"confidence"`
	RoutingRationale      string       `json:"routing_rationale"`
	ClassifiedBy          ClassifiedBy `json:"classified_by"`
}

// PolicyTraceEntry explains one rule evaluation or override during matching.
type PolicyTraceEntry struct {
	Rule   string `json:"rule"`
	Result string `json:"result"` // matched, skipped, risk_override, budget_override
	Reason string `json:"reason"`
}

// Trace entry results.
const (
	TraceMatched        = "matched"
	TraceSkipped        = "skipped"
	TraceRiskOverride   = "risk_override"
	TraceBudgetOverride = "budget_override"
)

// RoutingDecision is the concrete model selection the policy engine produced.
type RoutingDecision struct {
	PrimaryModel      string    `json:"primary_model"`
	Provider          string    `json:"provider"`
	FallbackModels    []string  `json:"fallback_models"`
	ModelTier         ModelTier `json:"model_tier"`
	CostBudgetApplied bool      `json:"cost_budget_applied"`
	PolicyName        string    `json:"policy_name"`
	RuleMatched       string    `json:"rule_matched"`
	VirtualModelID    string    `json:"virtual_model_id,omitempty"`
}

// ClassificationSnapshot is the audit-record view of a classification.
type ClassificationSnapshot struct {
	TaskType           string   `json:"task_type"`
	Complexity         string   `json:"complexity"`
	Confidence         float64  `json:"confidence"`
	ClassifiedBy       string   `json:"classified_by"`
	Department         string   `json:"department"`
	RequiredCapability []string `json:"required_capability"`
	RiskSignals        []string `json:"risk_signals"`
}

// RoutingOutcome is the full record of one routed request: what was decided,
// why, what actually ran, and what it cost.
type RoutingOutcome struct {
	RequestID string `json:"request_id"`
	TenantID  string `json:"tenant_id"`
	UserID    string `json:"user_id"`

	PreAnalysis     PreAnalysis          `json:"pre_analysis"`
	Classification  ClassificationResult `json:"classification"`
	RoutingDecision RoutingDecision      `json:"routing_decision"`

	RiskLevel         string   `json:"risk_level"`
	RiskRationale     string   `json:"risk_rationale"`
	RiskSignals       []string `json:"risk_signals"`
	DataResidencyNote string   `json:"data_residency_note,omitempty"`
	AuditRequired     bool     `json:"audit_required"`

	PolicyVersion      string             `json:"policy_version"`
	PolicyTrace        []PolicyTraceEntry `json:"policy_trace"`
	ConstraintsApplied []string           `json:"constraints_applied"`

	ClassificationSnapshot ClassificationSnapshot `json:"classification_snapshot"`

	ActualModelUsed  string  `json:"actual_model_used"`
	ActualProvider   string  `json:"actual_provider"`
	FallbackUsed     bool    `json:"fallback_used"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalCostUSD     float64 `json:"total_cost_usd"`
	LatencyMs        int64   `json:"latency_ms"`

	Error string `json:"error,omitempty"`
}
