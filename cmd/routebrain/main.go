// Command routebrain runs the LLM routing gateway.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"routebrain/internal/audit"
	"routebrain/internal/budget"
	"routebrain/internal/classifier"
	"routebrain/internal/config"
	"routebrain/internal/observability"
	"routebrain/internal/policy"
	"routebrain/internal/providers"
	"routebrain/internal/routing"
	"routebrain/internal/server"
	"routebrain/internal/types"
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:   "routebrain",
		Short: "Policy-driven routing gateway for LLM chat completions",
		Long: "routebrain is an OpenAI-compatible gateway that routes each chat completion\n" +
			"to an upstream provider chosen by content risk, task classification,\n" +
			"tenant/department policy, and live budget usage.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "settings file (YAML); env vars use the RB_ prefix")

	root.AddCommand(serveCmd(), policiesCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	settings, err := config.Load(configFile)
	if err != nil {
		return err
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  settings.LogLevel,
		Format: settings.LogFormat,
	})

	metrics, err := observability.NewMetricsCollector(observability.MetricsConfig{
		Enabled: settings.MetricsEnabled,
	})
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	virtual, err := policy.NewVirtualModelRegistry(settings.ModelsConfigPath, logger)
	if err != nil {
		return err
	}
	policies, err := policy.NewEngine(settings.RoutingPoliciesDir, virtual, logger)
	if err != nil {
		return err
	}

	registry := buildRegistry(settings, logger)

	// Budget tracking degrades to disabled when redis is unreachable; the
	// policy guardrails then see 0% usage.
	tracker, err := budget.NewTracker(settings.RedisURL, virtual, logger)
	if err != nil {
		logger.Warn("budget tracking disabled", "error", err)
		tracker = nil
	}

	cls := classifier.New(
		classifierUpstream(registry, settings.ClassifierProvider, logger),
		classifier.Config{
			Model:               settings.ClassifierModel,
			Timeout:             settings.ClassifierTimeout(),
			ConfidenceThreshold: settings.ClassifierConfidenceThreshold,
			SystemPromptPath:    settings.SystemPromptPath,
		},
		logger.With("component", "classifier"))

	auditLog, err := audit.NewLogger(settings.AuditLogPath, logger)
	if err != nil {
		return fmt.Errorf("init audit log: %w", err)
	}

	engine := routing.NewEngine(cls, policies, registry, tracker, metrics,
		logger.With("component", "routing"))

	return server.NewServer(settings, engine, policies, virtual, registry,
		tracker, auditLog, logger.With("component", "server")).Run()
}

// buildRegistry registers every adapter the settings carry credentials for.
// Ollama is always registered: a local runtime needs no key and is the risk
// gate's escape hatch.
func buildRegistry(settings *config.Settings, logger *observability.Logger) *providers.Registry {
	registry := providers.NewRegistry(logger)
	registry.Register(providers.NewOllama(settings.OllamaBaseURL, logger))
	if settings.AnthropicAPIKey != "" {
		registry.Register(providers.NewAnthropic(settings.AnthropicAPIKey, "", logger))
	}
	if settings.OpenAIAPIKey != "" {
		registry.Register(providers.NewOpenAI(settings.OpenAIAPIKey, settings.OpenAIBaseURL, logger))
	}
	if settings.GeminiAPIKey != "" {
		registry.Register(providers.NewGemini(settings.GeminiAPIKey, "", logger))
	}
	if settings.VLLMBaseURL != "" {
		registry.Register(providers.NewVLLM(settings.VLLMBaseURL, settings.VLLMAPIKey, logger))
	}
	if settings.AzureEndpoint != "" && settings.AzureAPIKey != "" {
		registry.Register(providers.NewAzure(settings.AzureEndpoint, settings.AzureAPIKey, settings.AzureAPIVersion, logger))
	}
	return registry
}

// boundUpstream pins a provider adapter to the classifier contract: the model
// travels inside the request the classifier builds.
type boundUpstream struct {
	provider providers.Provider
}

func (b *boundUpstream) ChatCompletion(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	return b.provider.ChatCompletion(ctx, req, req.Model)
}

func classifierUpstream(registry *providers.Registry, providerName string, logger *observability.Logger) classifier.Upstream {
	p := registry.Get(providerName)
	if p == nil {
		logger.Warn("classifier provider not configured, heuristic fallback only",
			"provider", providerName)
		return nil
	}
	return &boundUpstream{provider: p}
}

func policiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "policies",
		Short: "List the routing policies loaded from the policy directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load(configFile)
			if err != nil {
				return err
			}
			virtual, err := policy.NewVirtualModelRegistry(settings.ModelsConfigPath, observability.Nop())
			if err != nil {
				return err
			}
			policies, err := policy.NewEngine(settings.RoutingPoliciesDir, virtual, observability.Nop())
			if err != nil {
				return err
			}
			for _, p := range policies.ListPolicies() {
				scope := "global"
				if p.TenantID != "" {
					scope = "tenant " + p.TenantID
				}
				fmt.Printf("%-12s v%-6s %-14s %d rules\n", p.Department, p.Version, scope, len(p.Rules))
			}
			return nil
		},
	}
}
