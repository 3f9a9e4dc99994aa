// Package audit writes every routing decision to an append-only JSONL file.
// Historical records are never mutated, failures are logged there too, and a
// write error never fails the request that produced it.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"routebrain/internal/observability"
	"routebrain/internal/types"
)

// Rough input cost per token by tier, for the audit-record cost estimate.
var tierCostEstimate = map[string]float64{
	string(types.TierFastCheap): 0.0008,
	string(types.TierBalanced):  0.0030,
	string(types.TierPowerful):  0.0150,
	string(types.TierLocal):     0,
}

const unknownTierCostEstimate = 0.003

// Record is one audit line. Flat layout so each line is self-contained and
// greppable without joins.
type Record struct {
	RequestID  string `json:"request_id"`
	Timestamp  string `json:"timestamp"`
	TenantID   string `json:"tenant_id"`
	Department string `json:"department"`
	UserID     string `json:"user_id"`

	PolicyVersion      string                   `json:"policy_version"`
	RuleMatched        string                   `json:"rule_matched"`
	PolicyTrace        []types.PolicyTraceEntry `json:"policy_trace"`
	ConstraintsApplied []string                 `json:"constraints_applied"`

	RiskLevel         string `json:"risk_level"`
	RiskRationale     string `json:"risk_rationale"`
	AuditRequired     bool   `json:"audit_required"`
	DataResidencyNote string `json:"data_residency_note"`

	ClassificationSnapshot *types.ClassificationSnapshot `json:"classification_snapshot"`

	ModelSelected string `json:"model_selected"`
	Provider      string `json:"provider"`
	ModelTier     string `json:"model_tier"`
	FallbackUsed  bool   `json:"fallback_used"`

	LatencyMs        int64   `json:"latency_ms"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`

	Error string `json:"error"`
}

// Logger appends records to a JSONL file under a mutex.
type Logger struct {
	mu     sync.Mutex
	path   string
	logger *observability.Logger
	now    func() time.Time
}

// NewLogger creates the audit log directory if needed.
func NewLogger(path string, logger *observability.Logger) (*Logger, error) {
	if logger == nil {
		logger = observability.Nop()
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	logger.Info("audit logger ready", "path", path)
	return &Logger{path: path, logger: logger, now: time.Now}, nil
}

// Log appends one record. Failures are logged, never returned: audit write
// errors must not crash the request pipeline.
func (l *Logger) Log(record Record) {
	line, err := json.Marshal(record)
	if err != nil {
		l.logger.Error("audit record marshal failed", "error", err)
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		l.logger.Error("audit log open failed", "error", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		l.logger.Error("audit log write failed", "error", err)
	}
}

// BuildRecord flattens a RoutingOutcome into an audit line.
func (l *Logger) BuildRecord(outcome *types.RoutingOutcome) Record {
	tier := string(outcome.RoutingDecision.ModelTier)
	costPerTok, ok := tierCostEstimate[tier]
	if !ok {
		costPerTok = unknownTierCostEstimate
	}
	estimatedCost := round6(float64(outcome.PromptTokens+outcome.CompletionTokens) / 1e6 * costPerTok)
	if outcome.TotalCostUSD > 0 {
		estimatedCost = outcome.TotalCostUSD
	}

	snapshot := outcome.ClassificationSnapshot
	return Record{
		RequestID:  outcome.RequestID,
		Timestamp:  l.now().UTC().Format(time.RFC3339Nano),
		TenantID:   orUnknown(outcome.TenantID),
		Department: string(outcome.Classification.Department),
		UserID:     orUnknown(outcome.UserID),

		PolicyVersion:      orUnknown(outcome.PolicyVersion),
		RuleMatched:        outcome.RoutingDecision.RuleMatched,
		PolicyTrace:        outcome.PolicyTrace,
		ConstraintsApplied: outcome.ConstraintsApplied,

		RiskLevel:         outcome.RiskLevel,
		RiskRationale:     outcome.RiskRationale,
		AuditRequired:     outcome.AuditRequired,
		DataResidencyNote: outcome.DataResidencyNote,

		ClassificationSnapshot: &snapshot,

		ModelSelected: outcome.ActualModelUsed,
		Provider:      outcome.ActualProvider,
		ModelTier:     tier,
		FallbackUsed:  outcome.FallbackUsed,

		LatencyMs:        outcome.LatencyMs,
		PromptTokens:     outcome.PromptTokens,
		CompletionTokens: outcome.CompletionTokens,
		EstimatedCostUSD: estimatedCost,

		Error: outcome.Error,
	}
}

// BuildFailureRecord covers failures that happen before a RoutingOutcome
// exists, like auth rejections and malformed requests.
func (l *Logger) BuildFailureRecord(requestID, tenantID, userID, department, errorCode, errorMessage string, governanceBlocked bool) Record {
	if !types.ValidDepartment(department) {
		department = string(types.DeptGeneral)
	}
	return Record{
		RequestID:          requestID,
		Timestamp:          l.now().UTC().Format(time.RFC3339Nano),
		TenantID:           orUnknown(tenantID),
		Department:         department,
		UserID:             orUnknown(userID),
		PolicyVersion:      "unknown",
		RuleMatched:        "none",
		PolicyTrace:        []types.PolicyTraceEntry{},
		ConstraintsApplied: []string{},
		RiskLevel:          "unknown",
		AuditRequired:      governanceBlocked,
		Error:              errorCode + ": " + errorMessage,
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func round6(f float64) float64 {
	return float64(int64(f*1e6+0.5)) / 1e6
}
