package routing

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"routebrain/internal/budget"
	"routebrain/internal/classifier"
	gatewayerrors "routebrain/internal/errors"
	"routebrain/internal/policy"
	"routebrain/internal/providers"
	"routebrain/internal/types"
)

const routingModelsYAML = `
virtual_models:
  rb://general-cheap:
    model: gpt-4o-mini
    provider: openai

models:
  - model_id: gpt-4o
    provider: openai
    input_cost_per_mtok: 2.5
    output_cost_per_mtok: 10.0
    tier: balanced
  - model_id: gpt-4o-mini
    provider: openai
    input_cost_per_mtok: 0.15
    output_cost_per_mtok: 0.60
    tier: fast_cheap
`

const generalPolicyYAML = `
department: general
version: "2"
rules:
  - name: codegen_balanced
    task_type: code_generation
    primary_model: gpt-4o
    fallback_models: ["llama3.1:8b"]
    model_tier: balanced
  - name: local_any
    task_type: question_answer
    primary_model: llama3.1:8b
    model_tier: local
budget_controls:
  daily_limit_usd_per_tenant: 50
default_rule:
  name: general_default
  primary_model: rb://general-cheap
  model_tier: fast_cheap
`

// commercialOnlyYAML has no OSS escape hatch, so high-risk requests have
// nowhere allowed to go.
const commercialOnlyYAML = `
department: general
version: "1"
rules:
  - name: commercial_all
    primary_model: claude-sonnet-4-5
    model_tier: powerful
`

type stubProvider struct {
	name      string
	err       error
	resp      *types.ChatResponse
	frames    []string
	calls     int
	lastModel string
	onCall    func()
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) ChatCompletion(ctx context.Context, req *types.ChatRequest, model string) (*types.ChatResponse, error) {
	s.calls++
	s.lastModel = model
	if s.onCall != nil {
		s.onCall()
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func (s *stubProvider) ChatCompletionStream(ctx context.Context, req *types.ChatRequest, model string) (<-chan providers.StreamChunk, error) {
	s.calls++
	s.lastModel = model
	if s.err != nil {
		return nil, s.err
	}
	ch := make(chan providers.StreamChunk, len(s.frames))
	for _, f := range s.frames {
		ch <- providers.StreamChunk{Data: f}
	}
	close(ch)
	return ch, nil
}

func (s *stubProvider) HealthCheck(ctx context.Context) error { return nil }

func okResponse(model string) *types.ChatResponse {
	return &types.ChatResponse{
		ID:     "chatcmpl-test",
		Object: "chat.completion",
		Model:  model,
		Usage:  &types.Usage{PromptTokens: 100, CompletionTokens: 40, TotalTokens: 140},
	}
}

type engineOpts struct {
	policyYAML string
	tracker    *budget.Tracker
}

func newTestEngine(t *testing.T, provs map[string]providers.Provider, opts engineOpts) *Engine {
	t.Helper()
	dir := t.TempDir()

	modelsPath := filepath.Join(dir, "models.yaml")
	if err := os.WriteFile(modelsPath, []byte(routingModelsYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	virtual, err := policy.NewVirtualModelRegistry(modelsPath, nil)
	if err != nil {
		t.Fatal(err)
	}

	policyDir := filepath.Join(dir, "policies")
	if err := os.Mkdir(policyDir, 0o755); err != nil {
		t.Fatal(err)
	}
	policyYAML := opts.policyYAML
	if policyYAML == "" {
		policyYAML = generalPolicyYAML
	}
	if err := os.WriteFile(filepath.Join(policyDir, "general.yaml"), []byte(policyYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	policies, err := policy.NewEngine(policyDir, virtual, nil)
	if err != nil {
		t.Fatal(err)
	}

	registry := providers.NewRegistry(nil)
	for _, p := range provs {
		registry.Register(p)
	}

	cls := classifier.New(nil, classifier.Config{}, nil)
	return NewEngine(cls, policies, registry, opts.tracker, nil, nil)
}

func newTestTracker(t *testing.T) (*budget.Tracker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	virtual, err := policy.NewVirtualModelRegistry(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	if err != nil {
		t.Fatal(err)
	}
	return budget.NewTrackerWithClient(client, virtual, nil), mr
}

func codegenRequest() *types.ChatRequest {
	return &types.ChatRequest{
		Model: "rb://auto",
		Messages: []types.ChatMessage{
			{Role: "user", Content: types.NewMessageContent("Write a function that parses a CSV file and returns the rows")},
		},
		TenantID: "acme",
		UserID:   "alice",
	}
}

func TestRouteHappyPath(t *testing.T) {
	openai := &stubProvider{name: "openai", resp: okResponse("gpt-4o")}
	e := newTestEngine(t, map[string]providers.Provider{"openai": openai}, engineOpts{})

	result, err := e.Route(context.Background(), codegenRequest())
	if err != nil {
		t.Fatal(err)
	}
	if openai.calls != 1 || openai.lastModel != "gpt-4o" {
		t.Fatalf("calls=%d model=%s", openai.calls, openai.lastModel)
	}
	out := result.Outcome
	if !strings.HasPrefix(out.RequestID, "rb-") || len(out.RequestID) != 15 {
		t.Fatalf("request id %q not minted", out.RequestID)
	}
	if out.ActualModelUsed != "gpt-4o" || out.ActualProvider != "openai" || out.FallbackUsed {
		t.Fatalf("outcome dispatch fields: %+v", out)
	}
	if out.RoutingDecision.RuleMatched != "codegen_balanced" {
		t.Fatalf("rule=%s", out.RoutingDecision.RuleMatched)
	}
	if out.PolicyVersion != "general-v2" {
		t.Fatalf("policy version=%s", out.PolicyVersion)
	}
	if out.PromptTokens != 100 || out.CompletionTokens != 40 {
		t.Fatalf("tokens from usage not recorded: %+v", out)
	}
	if out.RiskLevel != "low" {
		t.Fatalf("risk=%s", out.RiskLevel)
	}
	if result.Response == nil || result.Stream != nil {
		t.Fatal("non-streaming result shape")
	}
}

func TestRoutePreservesCallerRequestID(t *testing.T) {
	openai := &stubProvider{name: "openai", resp: okResponse("gpt-4o")}
	e := newTestEngine(t, map[string]providers.Provider{"openai": openai}, engineOpts{})

	req := codegenRequest()
	req.RequestID = "rb-caller000001"
	result, err := e.Route(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if result.Outcome.RequestID != "rb-caller000001" {
		t.Fatalf("request id rewritten: %s", result.Outcome.RequestID)
	}
}

func TestRouteFallsBackWhenPrimaryFails(t *testing.T) {
	openai := &stubProvider{name: "openai", err: gatewayerrors.NewProviderError("openai", context.DeadlineExceeded, 0)}
	ollama := &stubProvider{name: "ollama", resp: okResponse("llama3.1:8b")}
	e := newTestEngine(t, map[string]providers.Provider{"openai": openai, "ollama": ollama}, engineOpts{})

	result, err := e.Route(context.Background(), codegenRequest())
	if err != nil {
		t.Fatal(err)
	}
	if openai.calls != 1 || ollama.calls != 1 {
		t.Fatalf("openai=%d ollama=%d", openai.calls, ollama.calls)
	}
	out := result.Outcome
	if !out.FallbackUsed || out.ActualModelUsed != "llama3.1:8b" || out.ActualProvider != "ollama" {
		t.Fatalf("fallback fields: %+v", out)
	}
	// The decision still records what the policy chose.
	if out.RoutingDecision.PrimaryModel != "gpt-4o" {
		t.Fatalf("decision model=%s", out.RoutingDecision.PrimaryModel)
	}
}

func TestRouteSkipsUnconfiguredProvider(t *testing.T) {
	ollama := &stubProvider{name: "ollama", resp: okResponse("llama3.1:8b")}
	e := newTestEngine(t, map[string]providers.Provider{"ollama": ollama}, engineOpts{})

	result, err := e.Route(context.Background(), codegenRequest())
	if err != nil {
		t.Fatal(err)
	}
	if !result.Outcome.FallbackUsed || result.Outcome.ActualProvider != "ollama" {
		t.Fatalf("expected silent skip of missing openai: %+v", result.Outcome)
	}
}

func TestRouteAllProvidersFail(t *testing.T) {
	openai := &stubProvider{name: "openai", err: gatewayerrors.NewProviderError("openai", context.DeadlineExceeded, 503)}
	ollama := &stubProvider{name: "ollama", err: gatewayerrors.NewProviderError("ollama", context.DeadlineExceeded, 0)}
	e := newTestEngine(t, map[string]providers.Provider{"openai": openai, "ollama": ollama}, engineOpts{})

	_, err := e.Route(context.Background(), codegenRequest())
	if err == nil {
		t.Fatal("expected routing error")
	}
	ge, ok := gatewayerrors.AsGateway(err)
	if !ok {
		t.Fatalf("not a gateway error: %v", err)
	}
	if ge.StatusCode() != 502 || ge.ErrorCode() != "routing_error" {
		t.Fatalf("status=%d code=%s", ge.StatusCode(), ge.ErrorCode())
	}
	if !strings.Contains(ge.Error(), "gpt-4o") || !strings.Contains(ge.Error(), "llama3.1:8b") {
		t.Fatalf("error must list models tried: %s", ge.Error())
	}
}

func TestRouteCancellationStopsFallbackChain(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// The primary cancels the request mid-call, as a disconnecting client
	// would, then fails.
	openai := &stubProvider{
		name:   "openai",
		err:    gatewayerrors.NewProviderError("openai", context.Canceled, 0),
		onCall: cancel,
	}
	ollama := &stubProvider{name: "ollama", resp: okResponse("llama3.1:8b")}
	e := newTestEngine(t, map[string]providers.Provider{"openai": openai, "ollama": ollama}, engineOpts{})

	_, err := e.Route(ctx, codegenRequest())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want context.Canceled propagated", err)
	}
	if ollama.calls != 0 {
		t.Fatal("fallback dialed after caller cancellation")
	}
}

func TestRouteGovernanceBlockNeverDialsCommercial(t *testing.T) {
	anthropic := &stubProvider{name: "anthropic", resp: okResponse("claude-sonnet-4-5")}
	e := newTestEngine(t, map[string]providers.Provider{"anthropic": anthropic}, engineOpts{policyYAML: commercialOnlyYAML})

	req := &types.ChatRequest{
		Messages: []types.ChatMessage{
			{Role: "user", Content: types.NewMessageContent(
				"Summarize this document, it is covered by attorney-client privilege and relates to pending litigation")},
		},
	}
	_, err := e.Route(context.Background(), req)
	if err == nil {
		t.Fatal("expected governance block")
	}
	if anthropic.calls != 0 {
		t.Fatal("forbidden provider was dialed")
	}
	ge, ok := gatewayerrors.AsGateway(err)
	if !ok || ge.StatusCode() != 451 {
		t.Fatalf("want 451, got %v", err)
	}
	if !strings.Contains(ge.Error(), "HIGH") {
		t.Fatalf("message must name the risk level: %s", ge.Error())
	}
}

func TestRouteHighRiskPrefersAllowedRule(t *testing.T) {
	ollama := &stubProvider{name: "ollama", resp: okResponse("llama3.1:8b")}
	anthropic := &stubProvider{name: "anthropic", resp: okResponse("claude-sonnet-4-5")}
	e := newTestEngine(t, map[string]providers.Provider{"ollama": ollama, "anthropic": anthropic}, engineOpts{})

	req := codegenRequest()
	req.Messages[0].Content = types.NewMessageContent(
		"Write a function that redacts names from our merger agreement draft")
	result, err := e.Route(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if anthropic.calls != 0 {
		t.Fatal("commercial provider dialed at high risk")
	}
	out := result.Outcome
	if out.ActualProvider != "ollama" {
		t.Fatalf("provider=%s", out.ActualProvider)
	}
	if out.RiskLevel != "high" {
		t.Fatalf("risk=%s", out.RiskLevel)
	}
	found := false
	for _, c := range out.ConstraintsApplied {
		if c == "risk_floor_high" {
			found = true
		}
	}
	if !found {
		t.Fatalf("constraints=%v", out.ConstraintsApplied)
	}
}

func TestRouteStreaming(t *testing.T) {
	frames := []string{
		"data: {\"object\":\"chat.completion.chunk\"}\n\n",
		"data: [DONE]\n\n",
	}
	openai := &stubProvider{name: "openai", frames: frames}
	tracker, mr := newTestTracker(t)
	e := newTestEngine(t, map[string]providers.Provider{"openai": openai}, engineOpts{tracker: tracker})

	req := codegenRequest()
	req.Stream = true
	result, err := e.Route(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if result.Stream == nil || result.Response != nil {
		t.Fatal("streaming result shape")
	}
	var got []string
	for chunk := range result.Stream {
		if chunk.Err != nil {
			t.Fatal(chunk.Err)
		}
		got = append(got, chunk.Data)
	}
	if len(got) != 2 || got[1] != "data: [DONE]\n\n" {
		t.Fatalf("frames=%q", got)
	}
	// Prompt-side spend is committed before the stream is consumed.
	keys := mr.Keys()
	if len(keys) != 2 {
		t.Fatalf("spend keys=%v", keys)
	}
	if result.Outcome.TotalCostUSD <= 0 {
		t.Fatalf("cost=%v", result.Outcome.TotalCostUSD)
	}
}

func TestRouteRecordsSpend(t *testing.T) {
	openai := &stubProvider{name: "openai", resp: okResponse("gpt-4o")}
	tracker, mr := newTestTracker(t)
	e := newTestEngine(t, map[string]providers.Provider{"openai": openai}, engineOpts{tracker: tracker})

	result, err := e.Route(context.Background(), codegenRequest())
	if err != nil {
		t.Fatal(err)
	}
	if result.Outcome.TotalCostUSD <= 0 {
		t.Fatalf("cost=%v", result.Outcome.TotalCostUSD)
	}
	found := false
	for _, k := range mr.Keys() {
		if strings.Contains(k, "tenant:acme") {
			found = true
		}
	}
	if !found {
		t.Fatalf("no tenant spend key in %v", mr.Keys())
	}
}

func TestNewRequestIDShape(t *testing.T) {
	id := NewRequestID()
	if !strings.HasPrefix(id, "rb-") || len(id) != 15 {
		t.Fatalf("id=%q", id)
	}
	if id == NewRequestID() {
		t.Fatal("ids must be unique")
	}
}
