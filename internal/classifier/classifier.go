// Package classifier asks a small upstream model to classify a request into
// task type, complexity, and department. The upstream is optional and
// best-effort: on timeout, parse failure, or low confidence the classifier
// degrades to the deterministic heuristics from pre-analysis. A failed
// classification never fails the request.
package classifier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/kaptinlin/jsonrepair"

	"routebrain/internal/observability"
	"routebrain/internal/types"
)

// DefaultSystemPrompt is used when no prompt file is configured. Kept in sync
// with config/meta_llm_system_prompt.txt.
const DefaultSystemPrompt = `You are an expert LLM request classifier.
Your job is to analyze a user's request and return a structured JSON classification.

Valid task_type values:
- code_generation: Writing new code, functions, classes, scripts, QA automation scripts (Playwright/Selenium/Cypress)
- code_review: Reviewing, auditing, or giving feedback on existing code
- test_generation: Writing unit tests, integration tests, test cases, test suites
- debugging: Finding and fixing bugs, errors, exceptions, or unexpected behavior
- architecture_design: System design, component design, trade-off analysis, diagrams
- documentation: Writing READMEs, docstrings, API docs, technical explanations
- requirement_analysis: Evaluating requirements, user stories, specs for completeness/ambiguity/feasibility
- question_answer: General questions, how-to, explanations
- data_analysis: Analyzing data, logs, SQL queries, metrics, reports
- math_reasoning: Mathematical proofs, algorithms, complexity analysis, optimization
- general: Anything that doesn't fit above

Valid complexity values: simple, medium, complex
Valid department values: rd, sales, marketing, hr, finance, general
Valid estimated_output_length values: short, medium, long

Return ONLY valid JSON, no explanation, no markdown fences:
{
  "task_type": "<value>",
  "complexity": "<value>",
  "department": "<value>",
  "required_capability": ["<capability1>", "<capability2>"],
  "estimated_output_length": "<value>",
  "confidence": <0.0-1.0>,
  "routing_rationale": "<1 sentence explanation>"
}`

const (
	defaultTimeout             = 3 * time.Second
	defaultConfidenceThreshold = 0.6
	fallbackConfidence         = 0.5
	excerptLimit               = 1000
	memoSize                   = 1024
)

// Upstream is the minimal completion surface the classifier needs. Any
// provider adapter satisfies it.
type Upstream interface {
	ChatCompletion(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error)
}

// Config tunes the classifier.
type Config struct {
	Model               string        // upstream model id
	Timeout             time.Duration // per-call budget; 0 means 3s
	ConfidenceThreshold float64       // below this, fall back; 0 means 0.6
	SystemPromptPath    string        // optional prompt file override
}

// Classifier is the meta-classification stage.
type Classifier struct {
	upstream     Upstream
	model        string
	timeout      time.Duration
	threshold    float64
	systemPrompt string
	logger       *observability.Logger

	// Memoizes verdicts by content hash so retried or repeated prompts skip
	// the upstream call. Decisions only, never completion bodies.
	memo *lru.Cache[string, types.ClassificationResult]
}

// New builds a Classifier. upstream may be nil; every request then uses the
// heuristic fallback.
func New(upstream Upstream, cfg Config, logger *observability.Logger) *Classifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = defaultConfidenceThreshold
	}
	if logger == nil {
		logger = observability.Nop()
	}

	prompt := DefaultSystemPrompt
	if cfg.SystemPromptPath != "" {
		if data, err := os.ReadFile(cfg.SystemPromptPath); err == nil {
			prompt = string(data)
		} else {
			logger.Warn("classifier system prompt file unreadable, using built-in",
				"path", cfg.SystemPromptPath, "error", err)
		}
	}

	memo, _ := lru.New[string, types.ClassificationResult](memoSize)

	return &Classifier{
		upstream:     upstream,
		model:        cfg.Model,
		timeout:      cfg.Timeout,
		threshold:    cfg.ConfidenceThreshold,
		systemPrompt: prompt,
		logger:       logger,
		memo:         memo,
	}
}

// HeuristicFallback derives a classification from pre-analysis alone.
func HeuristicFallback(pre types.PreAnalysis) types.ClassificationResult {
	task := pre.HeuristicTaskType
	if task == "" {
		task = types.TaskGeneral
	}
	complexity := pre.HeuristicComplexity
	if complexity == "" {
		complexity = types.ComplexityMedium
	}
	dept := types.DeptGeneral
	if types.ValidDepartment(pre.DepartmentHint) {
		dept = types.Department(pre.DepartmentHint)
	}
	return types.ClassificationResult{
		TaskType:              task,
		Complexity:            complexity,
		Department:            dept,
		RequiredCapability:    []string{},
		EstimatedOutputLength: "medium",
		Confidence:            fallbackConfidence,
		RoutingRationale:      "Heuristic fallback — classifier unavailable or low confidence",
		ClassifiedBy:          types.ClassifiedByHeuristicFallback,
	}
}

// truncateExcerpt caps the excerpt, backing up to a rune boundary so a
// multibyte character is never split.
func truncateExcerpt(s string) string {
	if len(s) <= excerptLimit {
		return s
	}
	cut := excerptLimit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func buildUserMessage(pre types.PreAnalysis, excerpt string) string {
	excerpt = truncateExcerpt(excerpt)
	hint := pre.DepartmentHint
	if hint == "" {
		hint = "none"
	}
	return fmt.Sprintf(`Classify this LLM request:

Pre-analysis signals:
- Estimated tokens: %d
- Has code blocks: %v
- Detected languages: %v
- Detected keywords: %v
- Department hint: %s
- Conversation turns: %d
- Heuristic task type: %s
- Heuristic complexity: %s

Message excerpt (first 1000 chars):
%s

Return JSON classification.`,
		pre.EstimatedTokens, pre.HasCodeBlocks, pre.DetectedLanguages,
		pre.DetectedKeywords, hint, pre.ConversationTurns,
		pre.HeuristicTaskType, pre.HeuristicComplexity, excerpt)
}

// StripFences removes a surrounding markdown code fence, with or without a
// json language tag. Small models add them despite instructions.
func StripFences(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "```") {
		return raw
	}
	parts := strings.SplitN(raw, "```", 3)
	if len(parts) < 2 {
		return raw
	}
	body := parts[1]
	body = strings.TrimPrefix(body, "json")
	return strings.TrimSpace(body)
}

type rawClassification struct {
	TaskType              string   `json:"task_type"`
	Complexity            string   `json:"complexity"`
	Department            string   `json:"department"`
	RequiredCapability    []string `json:"required_capability"`
	EstimatedOutputLength string   `json:"estimated_output_length"`
	Confidence            float64  `json:"confidence"`
	RoutingRationale      string   `json:"routing_rationale"`
}

func parseClassification(text string) (types.ClassificationResult, error) {
	cleaned := StripFences(text)

	var raw rawClassification
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(cleaned)
		if repairErr != nil {
			return types.ClassificationResult{}, fmt.Errorf("parse classification: %w", err)
		}
		if err := json.Unmarshal([]byte(repaired), &raw); err != nil {
			return types.ClassificationResult{}, fmt.Errorf("parse repaired classification: %w", err)
		}
	}

	result := types.ClassificationResult{
		TaskType:              types.TaskGeneral,
		Complexity:            types.ComplexityMedium,
		Department:            types.DeptGeneral,
		RequiredCapability:    raw.RequiredCapability,
		EstimatedOutputLength: "medium",
		Confidence:            raw.Confidence,
		RoutingRationale:      raw.RoutingRationale,
		ClassifiedBy:          types.ClassifiedByMetaLLM,
	}
	if types.ValidTaskType(raw.TaskType) {
		result.TaskType = types.TaskType(raw.TaskType)
	}
	if types.ValidComplexity(raw.Complexity) {
		result.Complexity = types.Complexity(raw.Complexity)
	}
	if types.ValidDepartment(raw.Department) {
		result.Department = types.Department(raw.Department)
	}
	switch raw.EstimatedOutputLength {
	case "short", "medium", "long":
		result.EstimatedOutputLength = raw.EstimatedOutputLength
	}
	if result.RequiredCapability == nil {
		result.RequiredCapability = []string{}
	}
	return result, nil
}

func memoKey(pre types.PreAnalysis, excerpt string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|", pre.HeuristicTaskType, pre.HeuristicComplexity, pre.DepartmentHint)
	h.Write([]byte(excerpt))
	return hex.EncodeToString(h.Sum(nil))
}

// Classify returns the upstream verdict, or the heuristic fallback when the
// upstream is missing, slow, unparseable, or unsure.
func (c *Classifier) Classify(ctx context.Context, pre types.PreAnalysis, excerpt string) types.ClassificationResult {
	if c.upstream == nil || c.model == "" {
		return HeuristicFallback(pre)
	}
	excerpt = truncateExcerpt(excerpt)

	key := memoKey(pre, excerpt)
	if cached, ok := c.memo.Get(key); ok {
		return cached
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	temperature := 0.1
	maxTokens := 512
	req := &types.ChatRequest{
		Model: c.model,
		Messages: []types.ChatMessage{
			{Role: "system", Content: types.NewMessageContent(c.systemPrompt)},
			{Role: "user", Content: types.NewMessageContent(buildUserMessage(pre, excerpt))},
		},
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
	}

	resp, err := c.upstream.ChatCompletion(callCtx, req)
	if err != nil {
		c.logger.Warn("classifier upstream call failed, using heuristics",
			"model", c.model, "error", err)
		return HeuristicFallback(pre)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message == nil {
		c.logger.Warn("classifier upstream returned no choices", "model", c.model)
		return HeuristicFallback(pre)
	}

	result, err := parseClassification(resp.Choices[0].Message.Content)
	if err != nil {
		c.logger.Warn("classifier output unparseable, using heuristics",
			"model", c.model, "error", err)
		return HeuristicFallback(pre)
	}
	if result.Confidence < c.threshold {
		c.logger.Warn("classifier confidence below threshold, using heuristics",
			"confidence", result.Confidence, "threshold", c.threshold)
		return HeuristicFallback(pre)
	}

	c.memo.Add(key, result)
	c.logger.Debug("request classified",
		"task_type", result.TaskType,
		"complexity", result.Complexity,
		"confidence", result.Confidence)
	return result
}
