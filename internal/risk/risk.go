// Package risk classifies request content into risk levels and derives the
// provider constraints that the policy engine enforces as a hard gate.
//
// Data residency model: OSS runtimes (ollama, vllm) keep data on the
// operator's infrastructure and are allowed at every level. Compliant cloud
// endpoints (bedrock, azure) are covered by BAA/DPA and also always allowed.
// Direct commercial APIs (anthropic, openai, gemini) send data off-infra and
// are forbidden for high and regulated content.
package risk

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"routebrain/internal/types"
)

// RiskLevel orders content sensitivity.
type RiskLevel string

const (
	LevelLow       RiskLevel = "low"
	LevelMedium    RiskLevel = "medium"
	LevelHigh      RiskLevel = "high"
	LevelRegulated RiskLevel = "regulated"
)

// Provider class membership. Unknown providers are treated as allowed and
// fail at dispatch time if no adapter exists.
var (
	OSSProviders             = map[string]bool{"ollama": true, "vllm": true}
	DirectCommercialProviders = map[string]bool{"anthropic": true, "openai": true, "gemini": true}
	CompliantCloudProviders  = map[string]bool{"bedrock": true, "azure": true}
)

// Signal is one matched pattern category with its evidence.
type Signal struct {
	Category     string   `json:"category"`
	MatchedTerms []string `json:"matched_terms"`
	Weight       int      `json:"weight"` // 2=medium, 3=high, 4=regulated
}

// Assessment is the full risk verdict for a request.
type Assessment struct {
	RiskLevel                 RiskLevel `json:"risk_level"`
	Signals                   []Signal  `json:"signals"`
	DirectCommercialForbidden bool      `json:"direct_commercial_forbidden"`
	OSSForbidden              bool      `json:"oss_forbidden"` // always false: self-hosted is safe
	RequiredMinTier           types.ModelTier `json:"required_min_tier"`
	AuditRequired             bool      `json:"audit_required"`
	Rationale                 string    `json:"rationale"`
	DataResidencyNote         string    `json:"data_residency_note"`
}

// SignalCategories returns the dotted category names for the audit record.
func (a Assessment) SignalCategories() []string {
	out := make([]string, 0, len(a.Signals))
	for _, s := range a.Signals {
		out = append(out, s.Category)
	}
	return out
}

// Weight 4 — regulated: data residency is mandatory.
var regulatedPatterns = map[string][]string{
	"pii_phi": {
		`\bssn\b`, `\bsocial security\b`, `\bdate of birth\b`, `\bdob\b`,
		`\bmedical record\b`, `\bpatient\b`, `\bdiagnos\w+\b`, `\bprescription\b`,
		`\bhealth insurance\b`, `\bhipaa\b`, `\bphi\b`, `\behr\b`, `\bemr\b`,
		`\bpii\b`, `\bpersonal identifiable\b`,
	},
	"financial_regulated": {
		`\bsox\b`, `\bsarbanes\b`, `\bpci.?dss\b`, `\bpci\b`,
		`\bglba\b`, `\baml\b`, `\bkyc\b`, `\bfinra\b`, `\bsec filing\b`,
		`\baudited financial\b`, `\bregulatory filing\b`,
	},
	"legal_regulated": {
		`\bgdpr\b`, `\bccpa\b`, `\bcopa\b`, `\bhipaa compliance\b`,
		`\bdata protection\b`, `\bprivacy regulation\b`, `\bcompliance report\b`,
	},
}

// Weight 3 — high: sensitive business content, off-infra forbidden.
var highPatterns = map[string][]string{
	"legal_contract": {
		`\bcontract\b`, `\bagreement\b`, `\bindemnif\w+\b`, `\bliabilit\w+\b`,
		`\bnda\b`, `\bnon.?disclosure\b`, `\bterms of service\b`, `\bterms and conditions\b`,
		`\blegal counsel\b`, `\blitigation\b`, `\bsettlement\b`, `\barbitration\b`,
		`\bintellectual property\b`, `\bpatent\b`, `\btrademark\b`, `\bcopyright\b`,
	},
	"financial_sensitive": {
		`\bsalary\b`, `\bcompensation\b`, `\bpayroll\b`,
		`\bm&a\b`, `\bacquisition\b`, `\bmerger\b`, `\bvaluation\b`,
		`\binvestor\b`, `\bfundraising\b`, `\bterm sheet\b`,
		`\bcap table\b`, `\bequity\b`, `\bvesting\b`,
	},
	"executive_comms": {
		`\bceo\b`, `\bcto\b`, `\bcfo\b`, `\bboard of directors\b`,
		`\bc-suite\b`, `\bconfidential\b`,
		`\bproprietary\b`, `\btrade secret\b`,
	},
	"security_sensitive": {
		`\bpassword\b`, `\bcredential\b`, `\bapi.?key\b`, `\bsecret.?key\b`,
		`\bprivate.?key\b`, `\baccess.?token\b`, `\bencryption.?key\b`,
		`\bvulnerabilit\w+\b`, `\bexploit\b`, `\bpen.?test\b`, `\bpenetration test\b`,
	},
}

// Weight 2 — medium: business-sensitive, commercial allowed but logged.
var mediumPatterns = map[string][]string{
	"customer_data": {
		`\bcustomer\b`, `\buser data\b`, `\bpersonal data\b`,
		`\bemail address\b`, `\bphone number\b`,
		`\baccount\b`, `\bsubscriber\b`,
	},
	"business_sensitive": {
		`\bpipeline\b`, `\bforecast\b`, `\brevenue\b`, `\bchurn\b`,
		`\bkpi\b`, `\bperformance review\b`,
		`\bemployee\b`, `\bhiring\b`, `\btermination\b`,
	},
	"external_comms": {
		`\bproposal\b`, `\bpitch\b`,
		`\bclient\b`, `\bprospect\b`, `\bpartner\b`,
		`\bpress release\b`, `\bannouncement\b`,
	},
}

type compiledCategory struct {
	category string
	patterns []*regexp.Regexp
	raw      []string
}

func compile(patterns map[string][]string) []compiledCategory {
	// Deterministic category order keeps signal lists stable across runs.
	keys := make([]string, 0, len(patterns))
	for k := range patterns {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]compiledCategory, 0, len(keys))
	for _, cat := range keys {
		cc := compiledCategory{category: cat, raw: patterns[cat]}
		for _, p := range patterns[cat] {
			cc.patterns = append(cc.patterns, regexp.MustCompile("(?i)"+p))
		}
		out = append(out, cc)
	}
	return out
}

var (
	regulatedCompiled = compile(regulatedPatterns)
	highCompiled      = compile(highPatterns)
	mediumCompiled    = compile(mediumPatterns)
)

const maxMatchedTerms = 5

func scan(text string, compiled []compiledCategory, prefix string, weight int) []Signal {
	var signals []Signal
	for _, cc := range compiled {
		var matched []string
		for i, re := range cc.patterns {
			if re.MatchString(text) {
				matched = append(matched, cc.raw[i])
				if len(matched) >= maxMatchedTerms {
					break
				}
			}
		}
		if len(matched) > 0 {
			signals = append(signals, Signal{
				Category:     prefix + "." + cc.category,
				MatchedTerms: matched,
				Weight:       weight,
			})
		}
	}
	return signals
}

// IsProviderAllowed reports whether the provider may receive content at the
// assessed risk level. Called by the policy engine for primaries and for
// every fallback chain entry.
func IsProviderAllowed(provider string, a Assessment) bool {
	switch {
	case OSSProviders[provider]:
		return true
	case CompliantCloudProviders[provider]:
		return true
	case DirectCommercialProviders[provider]:
		return !a.DirectCommercialForbidden
	default:
		return true
	}
}

func categories(signals []Signal) string {
	cats := make([]string, 0, len(signals))
	for _, s := range signals {
		cats = append(cats, s.Category)
	}
	return strings.Join(cats, ", ")
}

// ForLevel builds a synthetic assessment with the constraints of the given
// level. Used by the routing simulator, which supplies a level directly
// instead of content to scan.
func ForLevel(level RiskLevel) Assessment {
	switch level {
	case LevelRegulated, LevelHigh:
		return Assessment{
			RiskLevel:                 level,
			DirectCommercialForbidden: true,
			RequiredMinTier:           types.TierBalanced,
			AuditRequired:             true,
			Rationale:                 fmt.Sprintf("Simulated %s risk", level),
		}
	case LevelMedium:
		return Assessment{
			RiskLevel:       LevelMedium,
			RequiredMinTier: types.TierFastCheap,
			Rationale:       "Simulated medium risk",
		}
	default:
		return Assessment{
			RiskLevel:       LevelLow,
			RequiredMinTier: types.TierFastCheap,
			Rationale:       "Simulated low risk",
		}
	}
}

// Assess scans the full message text and returns the risk verdict. The
// highest weight found wins; all signals are kept for the audit trail.
func Assess(req *types.ChatRequest) Assessment {
	text := req.FullText()

	regulated := scan(text, regulatedCompiled, "regulated", 4)
	high := scan(text, highCompiled, "high", 3)
	medium := scan(text, mediumCompiled, "medium", 2)

	all := make([]Signal, 0, len(regulated)+len(high)+len(medium))
	all = append(all, regulated...)
	all = append(all, high...)
	all = append(all, medium...)

	switch {
	case len(regulated) > 0:
		return Assessment{
			RiskLevel:                 LevelRegulated,
			Signals:                   all,
			DirectCommercialForbidden: true,
			RequiredMinTier:           types.TierBalanced,
			AuditRequired:             true,
			Rationale:                 fmt.Sprintf("Regulated content detected: %s", categories(regulated)),
			DataResidencyNote: "Direct commercial APIs (Anthropic/OpenAI/Gemini) forbidden — data must stay on-prem. " +
				"Use self-hosted OSS or AWS Bedrock / Azure AI Foundry with BAA.",
		}
	case len(high) > 0:
		return Assessment{
			RiskLevel:                 LevelHigh,
			Signals:                   all,
			DirectCommercialForbidden: true,
			RequiredMinTier:           types.TierBalanced,
			AuditRequired:             true,
			Rationale:                 fmt.Sprintf("High-risk content detected: %s", categories(high)),
			DataResidencyNote: "Sensitive business content — direct commercial APIs forbidden. " +
				"Use self-hosted OSS or compliant cloud (Bedrock/Azure).",
		}
	case len(medium) > 0:
		return Assessment{
			RiskLevel:       LevelMedium,
			Signals:         all,
			RequiredMinTier: types.TierFastCheap,
			Rationale:       fmt.Sprintf("Business-sensitive content detected: %s", categories(medium)),
			DataResidencyNote: "Commercial APIs allowed — consider self-hosted OSS for cost savings and data control.",
		}
	default:
		return Assessment{
			RiskLevel:       LevelLow,
			Signals:         nil,
			RequiredMinTier: types.TierFastCheap,
			Rationale:       "No sensitive signals detected — all providers available",
		}
	}
}
