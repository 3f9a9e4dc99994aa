package types

// RoutingRule selects a model for requests matching its filters. A nil/empty
// filter matches everything.
type RoutingRule struct {
	Name               string    `yaml:"name" json:"name"`
	TaskType           string    `yaml:"task_type,omitempty" json:"task_type,omitempty"`
	Complexity         string    `yaml:"complexity,omitempty" json:"complexity,omitempty"`
	RequiredCapability []string  `yaml:"required_capability,omitempty" json:"required_capability,omitempty"`
	PrimaryModel       string    `yaml:"primary_model" json:"primary_model"`
	Provider           string    `yaml:"provider,omitempty" json:"provider,omitempty"`
	FallbackModels     []string  `yaml:"fallback_models,omitempty" json:"fallback_models,omitempty"`
	ModelTier          ModelTier `yaml:"model_tier" json:"model_tier"`
	Rationale          string    `yaml:"rationale,omitempty" json:"rationale,omitempty"`
}

// BudgetControls configures daily spend limits and the guardrail thresholds.
type BudgetControls struct {
	DailyLimitUSDPerTenant float64 `yaml:"daily_limit_usd_per_tenant,omitempty" json:"daily_limit_usd_per_tenant,omitempty"`
	DailyLimitUSDPerUser   float64 `yaml:"daily_limit_usd_per_user,omitempty" json:"daily_limit_usd_per_user,omitempty"`
	MaxTier                string  `yaml:"max_tier,omitempty" json:"max_tier,omitempty"`
	DowngradeAtPercent     float64 `yaml:"downgrade_at_percent,omitempty" json:"downgrade_at_percent,omitempty"`
	ForceCheapAtPercent    float64 `yaml:"force_cheap_at_percent,omitempty" json:"force_cheap_at_percent,omitempty"`
}

// HasDailyLimit reports whether any daily limit is configured.
func (b BudgetControls) HasDailyLimit() bool {
	return b.DailyLimitUSDPerTenant > 0 || b.DailyLimitUSDPerUser > 0
}

// DepartmentPolicy is one loaded routing policy file. TenantID is empty for
// global policies; tenant-scoped policies shadow global ones.
type DepartmentPolicy struct {
	TenantID       string         `yaml:"tenant_id,omitempty" json:"tenant_id,omitempty"`
	Department     string         `yaml:"department" json:"department"`
	Version        string         `yaml:"version,omitempty" json:"version,omitempty"`
	Description    string         `yaml:"description,omitempty" json:"description,omitempty"`
	Rules          []RoutingRule  `yaml:"rules" json:"rules"`
	BudgetControls BudgetControls `yaml:"budget_controls,omitempty" json:"budget_controls"`
	DefaultRule    *RoutingRule   `yaml:"default_rule,omitempty" json:"default_rule,omitempty"`
}

// ModelPricing is one entry of the models.yaml price list.
type ModelPricing struct {
	ModelID           string  `yaml:"model_id" json:"model_id"`
	Provider          string  `yaml:"provider,omitempty" json:"provider,omitempty"`
	InputCostPerMtok  float64 `yaml:"input_cost_per_mtok" json:"input_cost_per_mtok"`
	OutputCostPerMtok float64 `yaml:"output_cost_per_mtok" json:"output_cost_per_mtok"`
	Tier              string  `yaml:"tier,omitempty" json:"tier,omitempty"`
	ContextWindow     int     `yaml:"context_window,omitempty" json:"context_window,omitempty"`
	SupportsStreaming bool    `yaml:"supports_streaming,omitempty" json:"supports_streaming,omitempty"`
	SupportsTools     bool    `yaml:"supports_tools,omitempty" json:"supports_tools,omitempty"`
}
