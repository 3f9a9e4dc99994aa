// Package policy loads YAML routing policies, resolves virtual model ids, and
// matches classifications to routing rules under risk and budget constraints.
package policy

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"routebrain/internal/observability"
	"routebrain/internal/types"
)

// VirtualPrefix marks abstract model ids. Policies reference rb://code-fast
// instead of concrete model names; swapping the real model is a models.yaml
// edit, never a policy edit.
const VirtualPrefix = "rb://"

// Safe default when a virtual id has no mapping. Resolving must never crash a
// request.
const (
	DefaultModel    = "claude-haiku-4-5-20251001"
	DefaultProvider = "anthropic"
)

// ResolvedModel is one virtual id mapping from models.yaml.
type ResolvedModel struct {
	VirtualID   string `yaml:"-" json:"virtual_id"`
	Model       string `yaml:"model" json:"model"`
	Provider    string `yaml:"provider" json:"provider"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

type modelsFile struct {
	VirtualModels map[string]ResolvedModel `yaml:"virtual_models"`
	Models        []types.ModelPricing     `yaml:"models"`
}

// VirtualModelRegistry resolves rb:// ids to concrete model+provider pairs
// and carries the model price list from the same file.
type VirtualModelRegistry struct {
	registry map[string]ResolvedModel
	pricing  map[string]types.ModelPricing
	models   []types.ModelPricing
	logger   *observability.Logger
}

// NewVirtualModelRegistry loads models.yaml. A missing file yields an empty
// registry: literal model names still resolve by provider inference.
func NewVirtualModelRegistry(path string, logger *observability.Logger) (*VirtualModelRegistry, error) {
	if logger == nil {
		logger = observability.Nop()
	}
	r := &VirtualModelRegistry{
		registry: map[string]ResolvedModel{},
		pricing:  map[string]types.ModelPricing{},
		logger:   logger,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn("models config missing, virtual ids resolve to safe default", "path", path)
			return r, nil
		}
		return nil, fmt.Errorf("read models config: %w", err)
	}

	var file modelsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse models config %s: %w", path, err)
	}

	for id, entry := range file.VirtualModels {
		entry.VirtualID = id
		r.registry[id] = entry
	}
	for _, m := range file.Models {
		r.pricing[m.ModelID] = m
	}
	r.models = file.Models

	logger.Info("virtual models loaded", "virtual", len(r.registry), "priced", len(r.pricing))
	return r, nil
}

// IsVirtual reports whether id carries the rb:// prefix.
func (r *VirtualModelRegistry) IsVirtual(id string) bool {
	return strings.HasPrefix(id, VirtualPrefix)
}

// Resolve maps a model id to (model, provider). Virtual ids go through the
// registry; unknown virtual ids get the safe default; literal names keep
// themselves with an inferred provider.
func (r *VirtualModelRegistry) Resolve(id string) (string, string) {
	if r.IsVirtual(id) {
		if entry, ok := r.registry[id]; ok {
			return entry.Model, entry.Provider
		}
		r.logger.Warn("virtual model not mapped, using safe default", "virtual_id", id)
		return DefaultModel, DefaultProvider
	}
	return id, InferProvider(id)
}

// ResolveList resolves every id to its concrete model name.
func (r *VirtualModelRegistry) ResolveList(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		model, _ := r.Resolve(id)
		out = append(out, model)
	}
	return out
}

// Pricing returns the price list entry for a concrete model id.
func (r *VirtualModelRegistry) Pricing(modelID string) (types.ModelPricing, bool) {
	p, ok := r.pricing[modelID]
	return p, ok
}

// AllModels returns the loaded price list for the models endpoint.
func (r *VirtualModelRegistry) AllModels() []types.ModelPricing {
	out := make([]types.ModelPricing, len(r.models))
	copy(out, r.models)
	return out
}

// AllVirtual returns every virtual mapping, for the admin surface.
func (r *VirtualModelRegistry) AllVirtual() map[string]ResolvedModel {
	out := make(map[string]ResolvedModel, len(r.registry))
	for k, v := range r.registry {
		out[k] = v
	}
	return out
}

// InferProvider guesses the provider from a model name prefix. Used for
// fallback chain entries, which name models without providers.
func InferProvider(model string) string {
	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "claude"):
		return "anthropic"
	case strings.HasPrefix(lower, "gpt"), strings.HasPrefix(lower, "o1"), strings.HasPrefix(lower, "o3"):
		return "openai"
	case strings.HasPrefix(lower, "gemini"):
		return "gemini"
	}
	for _, oss := range []string{"llama", "codellama", "deepseek", "mistral", "phi", "qwen"} {
		if strings.Contains(lower, oss) {
			return "ollama"
		}
	}
	return "openai"
}
