package analyzer

import (
	"strings"
	"testing"

	"routebrain/internal/types"
)

func request(texts ...string) *types.ChatRequest {
	req := &types.ChatRequest{}
	for _, t := range texts {
		req.Messages = append(req.Messages, types.ChatMessage{
			Role:    "user",
			Content: types.NewMessageContent(t),
		})
	}
	return req
}

func TestAnalyzeCodeGenerationHeuristic(t *testing.T) {
	pre := Analyze(request("Write a function that parses a CSV file"))
	if pre.HeuristicTaskType != types.TaskCodeGeneration {
		t.Fatalf("task=%s", pre.HeuristicTaskType)
	}
	if pre.EstimatedTokens <= 0 {
		t.Fatalf("tokens=%d", pre.EstimatedTokens)
	}
	if pre.ConversationTurns != 1 {
		t.Fatalf("turns=%d", pre.ConversationTurns)
	}
}

func TestAnalyzeDebuggingBeatsWeakerSignals(t *testing.T) {
	pre := Analyze(request("My program crashes with a traceback, the error says nil pointer, help me fix this bug"))
	if pre.HeuristicTaskType != types.TaskDebugging {
		t.Fatalf("task=%s", pre.HeuristicTaskType)
	}
}

func TestAnalyzeCodeBlockAndLanguageDetection(t *testing.T) {
	pre := Analyze(request("What does this do?\n```python\nprint('hi')\n```"))
	if !pre.HasCodeBlocks {
		t.Fatal("code block not detected")
	}
	found := false
	for _, l := range pre.DetectedLanguages {
		if l == "python" {
			found = true
		}
	}
	if !found {
		t.Fatalf("languages=%v", pre.DetectedLanguages)
	}
}

func TestAnalyzeComplexitySimpleForShortText(t *testing.T) {
	pre := Analyze(request("Give me a simple hello world example"))
	if pre.HeuristicComplexity != types.ComplexitySimple {
		t.Fatalf("complexity=%s", pre.HeuristicComplexity)
	}
}

func TestAnalyzeComplexityComplexForHighSignals(t *testing.T) {
	pre := Analyze(request("Design a distributed production architecture that can scale to millions of users"))
	if pre.HeuristicComplexity != types.ComplexityComplex {
		t.Fatalf("complexity=%s", pre.HeuristicComplexity)
	}
	if pre.HeuristicTaskType != types.TaskArchitectureDesign {
		t.Fatalf("task=%s", pre.HeuristicTaskType)
	}
}

func TestAnalyzeComplexityComplexForLongInput(t *testing.T) {
	long := strings.Repeat("the quick brown fox jumps over the lazy dog ", 1500)
	pre := Analyze(request(long))
	if pre.HeuristicComplexity != types.ComplexityComplex {
		t.Fatalf("complexity=%s tokens=%d", pre.HeuristicComplexity, pre.EstimatedTokens)
	}
}

func TestAnalyzeDepartmentHintFromContent(t *testing.T) {
	pre := Analyze(request("Help me debug this deploy script"))
	if pre.DepartmentHint != string(types.DeptRD) {
		t.Fatalf("hint=%q", pre.DepartmentHint)
	}
}

func TestAnalyzeExplicitDepartmentWins(t *testing.T) {
	req := request("Help me debug this")
	req.Department = "finance"
	pre := Analyze(req)
	if pre.DepartmentHint != "finance" {
		t.Fatalf("hint=%q", pre.DepartmentHint)
	}
}

func TestAnalyzeKeywordCap(t *testing.T) {
	// Dense keyword soup must not blow past the cap.
	pre := Analyze(request("write implement create build generate code function class module script program review check audit debug bug error fix test tests"))
	if len(pre.DetectedKeywords) > 10 {
		t.Fatalf("keywords=%d: %v", len(pre.DetectedKeywords), pre.DetectedKeywords)
	}
}

func TestAnalyzeConversationTurnsCountUserAndAssistant(t *testing.T) {
	req := request("first question")
	req.Messages = append(req.Messages,
		types.ChatMessage{Role: "assistant", Content: types.NewMessageContent("answer")},
		types.ChatMessage{Role: "system", Content: types.NewMessageContent("sys")},
		types.ChatMessage{Role: "user", Content: types.NewMessageContent("follow-up")},
	)
	pre := Analyze(req)
	if pre.ConversationTurns != 3 {
		t.Fatalf("turns=%d", pre.ConversationTurns)
	}
}

func TestAnalyzeNoSignals(t *testing.T) {
	pre := Analyze(request("hello there"))
	if pre.HeuristicTaskType != "" && pre.HeuristicTaskType != types.TaskGeneral {
		t.Fatalf("task=%s", pre.HeuristicTaskType)
	}
	if pre.HasCodeBlocks {
		t.Fatal("no code blocks expected")
	}
}

func TestEstimateTokensMonotonic(t *testing.T) {
	short := EstimateTokens("one two three")
	long := EstimateTokens(strings.Repeat("one two three ", 100))
	if short <= 0 || long <= short {
		t.Fatalf("short=%d long=%d", short, long)
	}
}
