// Package analyzer performs the cheap deterministic pre-analysis pass over a
// chat request: token estimate, code detection, keyword and task heuristics.
// Pure computation, no I/O.
package analyzer

import (
	"regexp"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"routebrain/internal/types"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

func getEncoding() *tiktoken.Tiktoken {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	return encoding
}

// EstimateTokens returns a cl100k_base token count, falling back to the
// len/4 heuristic when the encoding is unavailable.
func EstimateTokens(text string) int {
	if enc := getEncoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return len(text) / 4
}

// taskKeywords scores each task type by counting substring hits.
var taskKeywords = map[types.TaskType][]string{
	types.TaskCodeGeneration: {
		"write", "implement", "create", "build", "generate", "code", "function",
		"class", "module", "script", "program",
	},
	types.TaskCodeReview: {
		"review", "check", "audit", "critique", "feedback", "improve",
		"issues", "problems", "suggestions",
	},
	types.TaskTestGeneration: {
		"test", "tests", "unit test", "integration test", "pytest", "jest",
		"test case", "test cases", "test suite", "spec", "coverage",
		"playwright", "selenium", "cypress", "e2e", "automation script",
		"qa automation", "automated test",
	},
	types.TaskDebugging: {
		"debug", "bug", "error", "exception", "traceback", "fix", "broken",
		"failing", "crash", "issue", "not working", "unexpected",
	},
	types.TaskArchitectureDesign: {
		"architecture", "design", "system design", "trade-off", "tradeoff",
		"scalability", "microservice", "diagram", "component", "pattern",
		"structure", "schema",
	},
	types.TaskDocumentation: {
		"document", "documentation", "readme", "docstring", "comment",
		"explain", "describe", "summarize", "wiki", "api docs",
	},
	types.TaskRequirementAnalysis: {
		"requirement", "requirements", "spec", "specification", "user story",
		"acceptance criteria", "prd", "evaluate", "feasibility", "ambiguity",
		"completeness", "scope",
	},
	types.TaskDataAnalysis: {
		"analyze", "analysis", "data", "dataset", "statistics", "metrics",
		"csv", "sql", "query", "log", "logs", "report",
	},
	types.TaskMathReasoning: {
		"math", "algorithm", "complexity", "proof", "equation", "optimize",
		"big o", "dynamic programming", "graph", "tree", "sorting",
	},
	types.TaskQuestionAnswer: {
		"what is", "how does", "explain", "tell me", "can you", "?",
	},
}

var complexityHighSignals = []string{
	"complex", "advanced", "production", "scale", "distributed", "multi",
	"architecture", "system design", "novel", "algorithm", "optimize",
	"performance", "security", "enterprise",
}

var complexityLowSignals = []string{
	"simple", "basic", "quick", "small", "beginner", "starter",
	"boilerplate", "template", "hello world", "example",
}

var departmentHintTerms = []string{"code", "debug", "architecture", "test", "deploy"}

var (
	codeBlockRe  = regexp.MustCompile("```\\w*\\n[\\s\\S]+?```")
	langDetectRe = regexp.MustCompile("(?i)```(python|javascript|typescript|go|rust|java|cpp|c\\+\\+|ruby|php|swift|kotlin|bash|sql)")
)

const maxDetectedKeywords = 10

// Analyze runs the pre-analysis pass over every message of the request.
func Analyze(req *types.ChatRequest) types.PreAnalysis {
	rawText := req.FullText()
	fullText := strings.ToLower(rawText)

	estimatedTokens := EstimateTokens(rawText)

	hasCodeBlocks := codeBlockRe.MatchString(rawText)
	langSet := map[string]bool{}
	for _, m := range langDetectRe.FindAllStringSubmatch(rawText, -1) {
		langSet[strings.ToLower(m[1])] = true
	}
	languages := make([]string, 0, len(langSet))
	for lang := range langSet {
		languages = append(languages, lang)
	}

	var detectedKeywords []string
	keywordSeen := map[string]bool{}
	taskScores := map[types.TaskType]int{}
	for taskType, keywords := range taskKeywords {
		score := 0
		for _, kw := range keywords {
			if strings.Contains(fullText, kw) {
				score++
				if !keywordSeen[kw] && len(detectedKeywords) < maxDetectedKeywords {
					keywordSeen[kw] = true
					detectedKeywords = append(detectedKeywords, kw)
				}
			}
		}
		if score > 0 {
			taskScores[taskType] = score
		}
	}

	// Highest score wins; iterate the canonical order for determinism.
	var heuristicTask types.TaskType
	best := 0
	for _, taskType := range types.TaskTypes {
		if score := taskScores[taskType]; score > best {
			best = score
			heuristicTask = taskType
		}
	}

	departmentHint := req.Department
	if departmentHint == "" {
		for _, term := range departmentHintTerms {
			if strings.Contains(fullText, term) {
				departmentHint = string(types.DeptRD)
				break
			}
		}
	}

	highSignals := 0
	for _, s := range complexityHighSignals {
		if strings.Contains(fullText, s) {
			highSignals++
		}
	}
	lowSignals := 0
	for _, s := range complexityLowSignals {
		if strings.Contains(fullText, s) {
			lowSignals++
		}
	}

	var complexity types.Complexity
	switch {
	case estimatedTokens > 3000 || highSignals >= 2:
		complexity = types.ComplexityComplex
	case estimatedTokens > 800 || highSignals >= 1:
		complexity = types.ComplexityMedium
	case lowSignals >= 1 || estimatedTokens < 200:
		complexity = types.ComplexitySimple
	default:
		complexity = types.ComplexityMedium
	}

	turns := 0
	for _, m := range req.Messages {
		if m.Role == "user" || m.Role == "assistant" {
			turns++
		}
	}

	return types.PreAnalysis{
		EstimatedTokens:     estimatedTokens,
		HasCodeBlocks:       hasCodeBlocks,
		DetectedLanguages:   languages,
		DetectedKeywords:    detectedKeywords,
		DepartmentHint:      departmentHint,
		ConversationTurns:   turns,
		HeuristicTaskType:   heuristicTask,
		HeuristicComplexity: complexity,
	}
}
