// Package config loads gateway settings from a YAML file and RB_-prefixed
// environment variables, env taking precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings is the full gateway configuration.
type Settings struct {
	AppEnv    string `mapstructure:"app_env"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	ListenAddr string `mapstructure:"listen_addr"`

	// Comma-separated gateway API keys accepted by the auth middleware.
	ValidAPIKeys string `mapstructure:"valid_api_keys"`

	// Provider credentials and endpoints.
	AnthropicAPIKey string `mapstructure:"anthropic_api_key"`
	OpenAIAPIKey    string `mapstructure:"openai_api_key"`
	OpenAIBaseURL   string `mapstructure:"openai_base_url"`
	GeminiAPIKey    string `mapstructure:"gemini_api_key"`
	OllamaBaseURL   string `mapstructure:"ollama_base_url"`
	VLLMBaseURL     string `mapstructure:"vllm_base_url"`
	VLLMAPIKey      string `mapstructure:"vllm_api_key"`
	AzureEndpoint   string `mapstructure:"azure_endpoint"`
	AzureAPIKey     string `mapstructure:"azure_api_key"`
	AzureAPIVersion string `mapstructure:"azure_api_version"`

	RedisURL string `mapstructure:"redis_url"`

	// Meta-classifier.
	ClassifierModel               string  `mapstructure:"classifier_model"`
	ClassifierProvider            string  `mapstructure:"classifier_provider"`
	ClassifierTimeoutSeconds      int     `mapstructure:"classifier_timeout_seconds"`
	ClassifierConfidenceThreshold float64 `mapstructure:"classifier_confidence_threshold"`

	// Config asset paths.
	ModelsConfigPath   string `mapstructure:"models_config_path"`
	RoutingPoliciesDir string `mapstructure:"routing_policies_dir"`
	SystemPromptPath   string `mapstructure:"meta_llm_system_prompt_path"`
	AuditLogPath       string `mapstructure:"audit_log_path"`

	MetricsEnabled bool `mapstructure:"metrics_enabled"`
}

// Load reads settings from path (optional) and the environment.
func Load(path string) (*Settings, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("app_env", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("valid_api_keys", "rb-dev-key-1")
	// Keys without a meaningful default still need one registered: viper only
	// surfaces automatic-env values for keys it already knows about.
	v.SetDefault("anthropic_api_key", "")
	v.SetDefault("openai_api_key", "")
	v.SetDefault("openai_base_url", "")
	v.SetDefault("gemini_api_key", "")
	v.SetDefault("vllm_api_key", "")
	v.SetDefault("azure_endpoint", "")
	v.SetDefault("azure_api_key", "")
	v.SetDefault("ollama_base_url", "http://localhost:11434")
	// vLLM is opt-in: an empty base URL leaves the adapter unregistered.
	v.SetDefault("vllm_base_url", "")
	v.SetDefault("azure_api_version", "2024-10-21")
	v.SetDefault("redis_url", "redis://localhost:6379/0")
	v.SetDefault("classifier_model", "claude-haiku-4-5-20251001")
	v.SetDefault("classifier_provider", "anthropic")
	v.SetDefault("classifier_timeout_seconds", 3)
	v.SetDefault("classifier_confidence_threshold", 0.6)
	v.SetDefault("models_config_path", "config/models.yaml")
	v.SetDefault("routing_policies_dir", "config/routing_policies")
	v.SetDefault("meta_llm_system_prompt_path", "config/meta_llm_system_prompt.txt")
	v.SetDefault("audit_log_path", "logs/audit.jsonl")
	v.SetDefault("metrics_enabled", true)

	v.SetEnvPrefix("RB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &s, nil
}

// APIKeys splits the comma-separated key list.
func (s *Settings) APIKeys() []string {
	var keys []string
	for _, k := range strings.Split(s.ValidAPIKeys, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// IsDevelopment reports whether the gateway runs in dev mode, which relaxes
// auth for local experimentation.
func (s *Settings) IsDevelopment() bool {
	return s.AppEnv == "development"
}

// ClassifierTimeout returns the per-call classifier budget.
func (s *Settings) ClassifierTimeout() time.Duration {
	if s.ClassifierTimeoutSeconds <= 0 {
		return 3 * time.Second
	}
	return time.Duration(s.ClassifierTimeoutSeconds) * time.Second
}
