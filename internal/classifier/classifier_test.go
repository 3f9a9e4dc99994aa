package classifier

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"routebrain/internal/types"
)

type stubUpstream struct {
	reply string
	err   error
	calls int
	delay time.Duration
}

func (s *stubUpstream) ChatCompletion(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	s.calls++
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return &types.ChatResponse{
		Choices: []types.Choice{{Message: &types.MessageDelta{Content: s.reply}}},
	}, nil
}

func somePreAnalysis() types.PreAnalysis {
	return types.PreAnalysis{
		EstimatedTokens:     120,
		HeuristicTaskType:   types.TaskCodeGeneration,
		HeuristicComplexity: types.ComplexitySimple,
		DepartmentHint:      "rd",
	}
}

const goodReply = `{"task_type":"test_generation","complexity":"complex","department":"rd",` +
	`"required_capability":["code"],"estimated_output_length":"long",` +
	`"confidence":0.92,"routing_rationale":"test suite request"}`

func TestClassifyAcceptsUpstreamVerdict(t *testing.T) {
	up := &stubUpstream{reply: goodReply}
	c := New(up, Config{Model: "llama3.1:8b"}, nil)

	got := c.Classify(context.Background(), somePreAnalysis(), "write tests")
	if got.ClassifiedBy != types.ClassifiedByMetaLLM {
		t.Fatalf("classified_by=%s want meta_llm", got.ClassifiedBy)
	}
	if got.TaskType != types.TaskTestGeneration {
		t.Fatalf("task_type=%s want test_generation", got.TaskType)
	}
	if got.Complexity != types.ComplexityComplex {
		t.Fatalf("complexity=%s want complex", got.Complexity)
	}
	if got.Confidence != 0.92 {
		t.Fatalf("confidence=%v want 0.92", got.Confidence)
	}
}

func TestClassifyFallsBackWithoutUpstream(t *testing.T) {
	c := New(nil, Config{}, nil)
	got := c.Classify(context.Background(), somePreAnalysis(), "hello")
	if got.ClassifiedBy != types.ClassifiedByHeuristicFallback {
		t.Fatalf("classified_by=%s want heuristic_fallback", got.ClassifiedBy)
	}
	if got.TaskType != types.TaskCodeGeneration {
		t.Fatalf("task_type=%s want heuristic code_generation", got.TaskType)
	}
	if got.Department != types.DeptRD {
		t.Fatalf("department=%s want rd from hint", got.Department)
	}
	if got.Confidence != 0.5 {
		t.Fatalf("confidence=%v want 0.5", got.Confidence)
	}
}

func TestClassifyFallsBackOnUpstreamError(t *testing.T) {
	up := &stubUpstream{err: errors.New("connection refused")}
	c := New(up, Config{Model: "llama3.1:8b"}, nil)
	got := c.Classify(context.Background(), somePreAnalysis(), "hello")
	if got.ClassifiedBy != types.ClassifiedByHeuristicFallback {
		t.Fatalf("classified_by=%s want heuristic_fallback", got.ClassifiedBy)
	}
}

func TestClassifyFallsBackOnTimeout(t *testing.T) {
	up := &stubUpstream{reply: goodReply, delay: 200 * time.Millisecond}
	c := New(up, Config{Model: "llama3.1:8b", Timeout: 20 * time.Millisecond}, nil)
	got := c.Classify(context.Background(), somePreAnalysis(), "hello")
	if got.ClassifiedBy != types.ClassifiedByHeuristicFallback {
		t.Fatalf("classified_by=%s want heuristic_fallback", got.ClassifiedBy)
	}
}

func TestClassifyFallsBackOnLowConfidence(t *testing.T) {
	low := `{"task_type":"general","complexity":"simple","department":"general",` +
		`"required_capability":[],"estimated_output_length":"short","confidence":0.3,` +
		`"routing_rationale":"unsure"}`
	up := &stubUpstream{reply: low}
	c := New(up, Config{Model: "llama3.1:8b"}, nil)
	got := c.Classify(context.Background(), somePreAnalysis(), "hello")
	if got.ClassifiedBy != types.ClassifiedByHeuristicFallback {
		t.Fatalf("classified_by=%s want heuristic_fallback", got.ClassifiedBy)
	}
}

func TestClassifyFallsBackOnGarbage(t *testing.T) {
	up := &stubUpstream{reply: "I think this is probably a coding task!"}
	c := New(up, Config{Model: "llama3.1:8b"}, nil)
	got := c.Classify(context.Background(), somePreAnalysis(), "hello")
	if got.ClassifiedBy != types.ClassifiedByHeuristicFallback {
		t.Fatalf("classified_by=%s want heuristic_fallback", got.ClassifiedBy)
	}
}

func TestClassifyStripsFences(t *testing.T) {
	up := &stubUpstream{reply: "```json\n" + goodReply + "\n```"}
	c := New(up, Config{Model: "llama3.1:8b"}, nil)
	got := c.Classify(context.Background(), somePreAnalysis(), "hello")
	if got.ClassifiedBy != types.ClassifiedByMetaLLM {
		t.Fatalf("classified_by=%s want meta_llm", got.ClassifiedBy)
	}
	if got.TaskType != types.TaskTestGeneration {
		t.Fatalf("task_type=%s want test_generation", got.TaskType)
	}
}

func TestClassifyRepairsSloppyJSON(t *testing.T) {
	// Trailing comma and single quotes — jsonrepair territory.
	sloppy := `{'task_type': 'debugging', 'complexity': 'medium', 'department': 'rd',
		'required_capability': [], 'estimated_output_length': 'short',
		'confidence': 0.8, 'routing_rationale': 'stack trace',}`
	up := &stubUpstream{reply: sloppy}
	c := New(up, Config{Model: "llama3.1:8b"}, nil)
	got := c.Classify(context.Background(), somePreAnalysis(), "hello")
	if got.ClassifiedBy != types.ClassifiedByMetaLLM {
		t.Fatalf("classified_by=%s want meta_llm", got.ClassifiedBy)
	}
	if got.TaskType != types.TaskDebugging {
		t.Fatalf("task_type=%s want debugging", got.TaskType)
	}
}

func TestClassifyInvalidEnumsDegradeToDefaults(t *testing.T) {
	weird := `{"task_type":"interpretive_dance","complexity":"extreme","department":"wizardry",` +
		`"required_capability":[],"estimated_output_length":"epic","confidence":0.9,` +
		`"routing_rationale":"?"}`
	up := &stubUpstream{reply: weird}
	c := New(up, Config{Model: "llama3.1:8b"}, nil)
	got := c.Classify(context.Background(), somePreAnalysis(), "hello")
	if got.TaskType != types.TaskGeneral {
		t.Fatalf("task_type=%s want general", got.TaskType)
	}
	if got.Complexity != types.ComplexityMedium {
		t.Fatalf("complexity=%s want medium", got.Complexity)
	}
	if got.Department != types.DeptGeneral {
		t.Fatalf("department=%s want general", got.Department)
	}
	if got.EstimatedOutputLength != "medium" {
		t.Fatalf("output_length=%s want medium", got.EstimatedOutputLength)
	}
}

func TestClassifyMemoizesByContent(t *testing.T) {
	up := &stubUpstream{reply: goodReply}
	c := New(up, Config{Model: "llama3.1:8b"}, nil)

	pre := somePreAnalysis()
	first := c.Classify(context.Background(), pre, "write tests")
	second := c.Classify(context.Background(), pre, "write tests")
	if up.calls != 1 {
		t.Fatalf("upstream calls=%d want 1 (memoized)", up.calls)
	}
	if first.TaskType != second.TaskType {
		t.Fatalf("memoized verdict differs: %s vs %s", first.TaskType, second.TaskType)
	}

	c.Classify(context.Background(), pre, "different prompt")
	if up.calls != 2 {
		t.Fatalf("upstream calls=%d want 2 for new content", up.calls)
	}
}

func TestTruncateExcerptKeepsRuneBoundary(t *testing.T) {
	// A 3-byte rune straddles the byte limit; truncation must back up to the
	// previous boundary instead of emitting a broken tail.
	s := strings.Repeat("a", excerptLimit-1) + "世界"
	got := truncateExcerpt(s)
	if len(got) > excerptLimit {
		t.Fatalf("len=%d over limit", len(got))
	}
	if !utf8.ValidString(got) {
		t.Fatal("truncation split a rune")
	}
	if got != strings.Repeat("a", excerptLimit-1) {
		t.Fatalf("len=%d want cut before the multibyte rune", len(got))
	}

	if short := truncateExcerpt("héllo"); short != "héllo" {
		t.Fatalf("short input must pass through, got %q", short)
	}
	ascii := strings.Repeat("b", excerptLimit+50)
	if got := truncateExcerpt(ascii); len(got) != excerptLimit {
		t.Fatalf("ascii cut len=%d want %d", len(got), excerptLimit)
	}
}

func TestStripFences(t *testing.T) {
	cases := []struct{ in, want string }{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}\n```", `{"a":1}`},
		{"  ```json\n{\"a\":1}\n```  ", `{"a":1}`},
	}
	for _, c := range cases {
		if got := StripFences(c.in); got != c.want {
			t.Errorf("StripFences(%q)=%q want %q", c.in, got, c.want)
		}
	}
}
