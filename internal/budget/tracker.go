// Package budget tracks daily LLM spend in Redis and computes the live usage
// percentage the policy engine feeds into its guardrails. Redis being down
// never blocks a request: reads fail open to 0% and writes are best-effort.
package budget

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"routebrain/internal/observability"
	"routebrain/internal/policy"
	"routebrain/internal/types"
)

// Per-Mtok blended prices used when a model has no price list entry.
var tierFallbackPricePerMtok = map[string]float64{
	string(types.TierFastCheap): 0.80,
	string(types.TierBalanced):  3.00,
	string(types.TierPowerful):  15.00,
	string(types.TierLocal):     0,
}

const unknownTierPricePerMtok = 3.0

// Spend is the current UTC-day spend counters for one tenant/user pair.
type Spend struct {
	TenantSpendUSD float64 `json:"tenant_spend_usd"`
	UserSpendUSD   float64 `json:"user_spend_usd"`
	DateKey        string  `json:"date_key"`
}

// Tracker accumulates day-scoped spend counters in Redis. Keys expire shortly
// after UTC midnight so counters reset without a cron.
type Tracker struct {
	rdb     *redis.Client
	pricing *policy.VirtualModelRegistry
	logger  *observability.Logger
	now     func() time.Time
}

// NewTracker connects to Redis. The registry supplies per-model prices; nil
// means every estimate uses tier fallback prices.
func NewTracker(redisURL string, pricing *policy.VirtualModelRegistry, logger *observability.Logger) (*Tracker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if logger == nil {
		logger = observability.Nop()
	}
	return &Tracker{
		rdb:     redis.NewClient(opts),
		pricing: pricing,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// NewTrackerWithClient wires an existing client; tests use it with miniredis.
func NewTrackerWithClient(rdb *redis.Client, pricing *policy.VirtualModelRegistry, logger *observability.Logger) *Tracker {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Tracker{rdb: rdb, pricing: pricing, logger: logger, now: time.Now}
}

func (t *Tracker) dateKey() string {
	return t.now().UTC().Format("20060102")
}

func (t *Tracker) tenantKey(tenantID string) string {
	return fmt.Sprintf("rb:budget:tenant:%s:%s", tenantID, t.dateKey())
}

func (t *Tracker) userKey(tenantID, userID string) string {
	return fmt.Sprintf("rb:budget:user:%s:%s:%s", tenantID, userID, t.dateKey())
}

// Counters linger a minute past midnight so requests straddling the rollover
// still read a value.
func (t *Tracker) secondsUntilMidnightUTC() time.Duration {
	now := t.now().UTC()
	midnight := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	return midnight.Sub(now) + time.Minute
}

// BudgetPct returns max(tenant%, user%) of the configured daily limits.
// Returns 0 when no limit is configured or Redis is unreachable; budget
// guardrails degrade before they block traffic.
func (t *Tracker) BudgetPct(ctx context.Context, tenantID, userID string, controls types.BudgetControls) float64 {
	if !controls.HasDailyLimit() {
		return 0
	}

	vals, err := t.rdb.MGet(ctx, t.tenantKey(tenantID), t.userKey(tenantID, userID)).Result()
	if err != nil {
		t.logger.Warn("budget read failed, failing open", "error", err)
		return 0
	}

	tenantSpend := parseSpend(vals[0])
	userSpend := parseSpend(vals[1])

	var tenantPct, userPct float64
	if controls.DailyLimitUSDPerTenant > 0 {
		tenantPct = tenantSpend / controls.DailyLimitUSDPerTenant * 100
	}
	if controls.DailyLimitUSDPerUser > 0 {
		userPct = userSpend / controls.DailyLimitUSDPerUser * 100
	}
	return math.Max(tenantPct, userPct)
}

// GetSpend returns the raw day counters for the admin budget endpoint.
func (t *Tracker) GetSpend(ctx context.Context, tenantID, userID string) Spend {
	spend := Spend{DateKey: t.dateKey()}
	vals, err := t.rdb.MGet(ctx, t.tenantKey(tenantID), t.userKey(tenantID, userID)).Result()
	if err != nil {
		t.logger.Warn("budget read failed", "error", err)
		return spend
	}
	spend.TenantSpendUSD = parseSpend(vals[0])
	spend.UserSpendUSD = parseSpend(vals[1])
	return spend
}

// RecordSpend adds amountUSD to both day counters and refreshes their TTL.
// Zero and negative amounts are no-ops; failures are logged, never returned.
func (t *Tracker) RecordSpend(ctx context.Context, tenantID, userID string, amountUSD float64) {
	if amountUSD <= 0 {
		return
	}
	ttl := t.secondsUntilMidnightUTC()
	tKey := t.tenantKey(tenantID)
	uKey := t.userKey(tenantID, userID)

	pipe := t.rdb.TxPipeline()
	pipe.IncrByFloat(ctx, tKey, amountUSD)
	pipe.Expire(ctx, tKey, ttl)
	pipe.IncrByFloat(ctx, uKey, amountUSD)
	pipe.Expire(ctx, uKey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		t.logger.Warn("budget write failed", "error", err)
	}
}

// EstimateCost prices a call from the model price list, falling back to a
// blended per-tier price for unlisted models.
func (t *Tracker) EstimateCost(modelID string, promptTokens, completionTokens int, tier string) float64 {
	if t.pricing != nil {
		if price, ok := t.pricing.Pricing(modelID); ok {
			inputCost := float64(promptTokens) / 1e6 * price.InputCostPerMtok
			outputCost := float64(completionTokens) / 1e6 * price.OutputCostPerMtok
			return round6(inputCost + outputCost)
		}
	}
	perMtok, ok := tierFallbackPricePerMtok[tier]
	if !ok {
		perMtok = unknownTierPricePerMtok
	}
	return round6(float64(promptTokens+completionTokens) / 1e6 * perMtok)
}

// HealthCheck pings Redis.
func (t *Tracker) HealthCheck(ctx context.Context) bool {
	return t.rdb.Ping(ctx).Err() == nil
}

func parseSpend(v any) float64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func round6(f float64) float64 {
	return math.Round(f*1e6) / 1e6
}
