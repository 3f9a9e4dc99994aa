package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"routebrain/internal/types"
)

func newTestLogger(t *testing.T) (*Logger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "logs", "audit.jsonl")
	l, err := NewLogger(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	l.now = func() time.Time { return time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC) }
	return l, path
}

func readRecords(t *testing.T, path string) []Record {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var r Record
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			t.Fatalf("line not valid JSON: %v", err)
		}
		records = append(records, r)
	}
	return records
}

func sampleOutcome() *types.RoutingOutcome {
	return &types.RoutingOutcome{
		RequestID: "rb-abc123",
		TenantID:  "acme",
		UserID:    "alice",
		Classification: types.ClassificationResult{
			TaskType:     types.TaskCodeGeneration,
			Complexity:   types.ComplexityComplex,
			Department:   types.DeptRD,
			Confidence:   0.9,
			ClassifiedBy: types.ClassifiedByMetaLLM,
		},
		RoutingDecision: types.RoutingDecision{
			PrimaryModel: "claude-sonnet-4-5",
			Provider:     "anthropic",
			ModelTier:    types.TierPowerful,
			RuleMatched:  "complex_codegen",
		},
		RiskLevel:     "low",
		PolicyVersion: "rd-v3",
		PolicyTrace: []types.PolicyTraceEntry{
			{Rule: "complex_codegen", Result: types.TraceMatched, Reason: "task=code_generation"},
		},
		ConstraintsApplied: []string{},
		ClassificationSnapshot: types.ClassificationSnapshot{
			TaskType: "code_generation", Complexity: "complex", Confidence: 0.9,
			ClassifiedBy: "meta_llm", Department: "rd",
		},
		ActualModelUsed:  "claude-sonnet-4-5",
		ActualProvider:   "anthropic",
		PromptTokens:     1200,
		CompletionTokens: 400,
		TotalCostUSD:     0.0096,
		LatencyMs:        820,
	}
}

func TestLogAppendsJSONLines(t *testing.T) {
	l, path := newTestLogger(t)

	l.Log(l.BuildRecord(sampleOutcome()))
	l.Log(l.BuildRecord(sampleOutcome()))

	records := readRecords(t, path)
	if len(records) != 2 {
		t.Fatalf("records=%d want 2", len(records))
	}
	r := records[0]
	if r.RequestID != "rb-abc123" || r.TenantID != "acme" || r.UserID != "alice" {
		t.Fatalf("identity fields wrong: %+v", r)
	}
	if r.PolicyVersion != "rd-v3" || r.RuleMatched != "complex_codegen" {
		t.Fatalf("policy fields wrong: %+v", r)
	}
	if r.ModelSelected != "claude-sonnet-4-5" || r.Provider != "anthropic" || r.ModelTier != "powerful" {
		t.Fatalf("model fields wrong: %+v", r)
	}
	if r.ClassificationSnapshot == nil || r.ClassificationSnapshot.TaskType != "code_generation" {
		t.Fatalf("snapshot wrong: %+v", r.ClassificationSnapshot)
	}
	if r.EstimatedCostUSD != 0.0096 {
		t.Fatalf("cost=%v want recorded spend", r.EstimatedCostUSD)
	}
}

func TestBuildRecordEstimatesCostWhenUnset(t *testing.T) {
	l, _ := newTestLogger(t)
	outcome := sampleOutcome()
	outcome.TotalCostUSD = 0

	r := l.BuildRecord(outcome)
	if r.EstimatedCostUSD <= 0 {
		t.Fatalf("cost=%v want tier-based estimate", r.EstimatedCostUSD)
	}
}

func TestBuildRecordUnknownIdentity(t *testing.T) {
	l, _ := newTestLogger(t)
	outcome := sampleOutcome()
	outcome.TenantID = ""
	outcome.UserID = ""
	outcome.PolicyVersion = ""

	r := l.BuildRecord(outcome)
	if r.TenantID != "unknown" || r.UserID != "unknown" || r.PolicyVersion != "unknown" {
		t.Fatalf("missing identity must map to unknown: %+v", r)
	}
}

func TestBuildFailureRecord(t *testing.T) {
	l, path := newTestLogger(t)

	r := l.BuildFailureRecord("rb-fail01", "acme", "", "wizardry", "routing_error", "all providers failed", true)
	l.Log(r)

	records := readRecords(t, path)
	if len(records) != 1 {
		t.Fatalf("records=%d", len(records))
	}
	got := records[0]
	if got.Department != "general" {
		t.Fatalf("department=%q want general for invalid input", got.Department)
	}
	if got.UserID != "unknown" {
		t.Fatalf("user=%q", got.UserID)
	}
	if got.RuleMatched != "none" || got.PolicyVersion != "unknown" {
		t.Fatalf("policy fields: %+v", got)
	}
	if !got.AuditRequired {
		t.Fatal("governance-blocked failures must set audit_required")
	}
	if got.Error != "routing_error: all providers failed" {
		t.Fatalf("error=%q", got.Error)
	}
}

func TestLogConcurrentWritersKeepLinesIntact(t *testing.T) {
	l, path := newTestLogger(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Log(l.BuildRecord(sampleOutcome()))
		}()
	}
	wg.Wait()

	records := readRecords(t, path)
	if len(records) != 20 {
		t.Fatalf("records=%d want 20", len(records))
	}
}
