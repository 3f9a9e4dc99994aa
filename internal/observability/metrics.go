package observability

import (
	"context"
	"fmt"
	"time"

	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsCollector manages the gateway's routing metrics. All counters are
// labelled by provider/model/tier so operators can see where traffic lands.
type MetricsCollector struct {
	meter metric.Meter

	requests         metric.Int64Counter
	promptTokens     metric.Int64Counter
	completionTokens metric.Int64Counter
	latency          metric.Float64Histogram
	cost             metric.Float64Counter
	fallbacks        metric.Int64Counter
	governanceBlocks metric.Int64Counter
	riskLevels       metric.Int64Counter
}

// MetricsConfig configures the metrics collector.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// NewMetricsCollector creates a collector backed by a prometheus exporter.
// When disabled, all record methods are no-ops.
func NewMetricsCollector(config MetricsConfig) (*MetricsCollector, error) {
	if !config.Enabled {
		return &MetricsCollector{}, nil
	}

	exporter, err := promexporter.New()
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	meter := provider.Meter("routebrain")

	m := &MetricsCollector{meter: meter}

	if m.requests, err = meter.Int64Counter(
		"routebrain.requests.total",
		metric.WithDescription("Total routed chat completion requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}
	if m.promptTokens, err = meter.Int64Counter(
		"routebrain.tokens.prompt",
		metric.WithDescription("Prompt tokens sent upstream"),
		metric.WithUnit("{token}"),
	); err != nil {
		return nil, err
	}
	if m.completionTokens, err = meter.Int64Counter(
		"routebrain.tokens.completion",
		metric.WithDescription("Completion tokens received from upstream"),
		metric.WithUnit("{token}"),
	); err != nil {
		return nil, err
	}
	if m.latency, err = meter.Float64Histogram(
		"routebrain.routing.latency",
		metric.WithDescription("End-to-end routing latency in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.cost, err = meter.Float64Counter(
		"routebrain.cost.total",
		metric.WithDescription("Estimated upstream spend"),
		metric.WithUnit("USD"),
	); err != nil {
		return nil, err
	}
	if m.fallbacks, err = meter.Int64Counter(
		"routebrain.fallbacks.total",
		metric.WithDescription("Requests served by a fallback model"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}
	if m.governanceBlocks, err = meter.Int64Counter(
		"routebrain.governance.blocks.total",
		metric.WithDescription("Requests blocked because no risk-allowed provider succeeded"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}
	if m.riskLevels, err = meter.Int64Counter(
		"routebrain.risk.assessments.total",
		metric.WithDescription("Risk assessments by level"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// RecordRouting records one completed routing outcome.
func (m *MetricsCollector) RecordRouting(ctx context.Context, provider, model, tier, status string, latency time.Duration, promptTokens, completionTokens int, cost float64, fallbackUsed bool) {
	if m.requests == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("provider", provider),
		attribute.String("model", model),
		attribute.String("tier", tier),
		attribute.String("status", status),
	}
	m.requests.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.latency.Record(ctx, latency.Seconds(), metric.WithAttributes(attrs...))
	modelAttr := metric.WithAttributes(attribute.String("model", model))
	m.promptTokens.Add(ctx, int64(promptTokens), modelAttr)
	m.completionTokens.Add(ctx, int64(completionTokens), modelAttr)
	if cost > 0 {
		m.cost.Add(ctx, cost, modelAttr)
	}
	if fallbackUsed {
		m.fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
	}
}

// RecordRiskLevel counts one risk assessment by level.
func (m *MetricsCollector) RecordRiskLevel(ctx context.Context, level string) {
	if m.riskLevels == nil {
		return
	}
	m.riskLevels.Add(ctx, 1, metric.WithAttributes(attribute.String("level", level)))
}

// RecordGovernanceBlock counts a request rejected with HTTP 451.
func (m *MetricsCollector) RecordGovernanceBlock(ctx context.Context, riskLevel string) {
	if m.governanceBlocks == nil {
		return
	}
	m.governanceBlocks.Add(ctx, 1, metric.WithAttributes(attribute.String("risk_level", riskLevel)))
}
