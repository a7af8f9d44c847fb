package capability

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dataparency-dev/delegation-control-plane/internal/cerrors"
	"github.com/dataparency-dev/delegation-control-plane/internal/types"
)

// AgentDefinition is the deterministic {name, description, metadata} triple
// extracted from any of the four accepted input forms (spec §4.2).
type AgentDefinition struct {
	Name        string
	Description string
	Metadata    map[string]any
}

// KeywordEntry is one row of the capability detection table: a capability
// id mapped to the keywords that suggest an agent has it.
type KeywordEntry struct {
	CapabilityID string
	Keywords     []string
	FuzzyMatch   bool
	Tier         string // "proprietary" or "workspace"
}

// DefaultKeywordTable is a representative detection table; callers may
// supply their own via BootstrapOptions.KeywordTable.
var DefaultKeywordTable = []KeywordEntry{
	{CapabilityID: "code_review", Keywords: []string{"review", "lint", "quality", "audit"}, FuzzyMatch: false, Tier: "workspace"},
	{CapabilityID: "pattern_enforcement", Keywords: []string{"pattern", "convention", "style"}, FuzzyMatch: false, Tier: "workspace"},
	{CapabilityID: "data_analysis", Keywords: []string{"analyze", "analytics", "statistics", "data"}, FuzzyMatch: true, Tier: "proprietary"},
	{CapabilityID: "security_scan", Keywords: []string{"security", "vulnerability", "threat", "scan"}, FuzzyMatch: true, Tier: "proprietary"},
	{CapabilityID: "deployment", Keywords: []string{"deploy", "release", "rollout", "provision"}, FuzzyMatch: false, Tier: "workspace"},
	{CapabilityID: "incident_response", Keywords: []string{"incident", "oncall", "escalate", "triage"}, FuzzyMatch: true, Tier: "proprietary"},
}

// MandatoryCapabilities are unconditionally included regardless of
// detection outcome (spec §4.2 step 3).
var MandatoryCapabilities = []string{"pattern_enforcement"}

// DetectedCapability is one bootstrap detection hit.
type DetectedCapability struct {
	CapabilityID    string
	Confidence      float64
	MatchedKeywords []string
}

// BootstrapResult carries the bootstrap's full trace, not just the final
// manifest, so callers can explain why a capability was or wasn't included.
type BootstrapResult struct {
	Manifest            types.AgentCapabilityManifest
	DetectedCapabilities []DetectedCapability
	Warnings            []string
	Suggestions         []string
}

// BootstrapOptions tunes the detection algorithm.
type BootstrapOptions struct {
	KeywordTable            []KeywordEntry
	MinimumKeywordMatches   int
	CompletionsForProven    int
	ConfidenceInitial       float64
}

func defaultOptions(o BootstrapOptions) BootstrapOptions {
	if o.KeywordTable == nil {
		o.KeywordTable = DefaultKeywordTable
	}
	if o.MinimumKeywordMatches == 0 {
		o.MinimumKeywordMatches = 2
	}
	if o.CompletionsForProven == 0 {
		o.CompletionsForProven = 20
	}
	if o.ConfidenceInitial == 0 {
		o.ConfidenceInitial = 0.5
	}
	return o
}

// ParseAgentDefinition accepts any of the four input forms spec.md §4.2
// names: frontmatter-prefixed markdown, a JSON string, a pre-parsed
// map[string]any, or a filesystem path resolving to one of the first two.
func ParseAgentDefinition(input any) (AgentDefinition, error) {
	switch v := input.(type) {
	case AgentDefinition:
		return v, nil
	case map[string]any:
		return definitionFromMap(v), nil
	case string:
		if looksLikePath(v) {
			data, err := os.ReadFile(v)
			if err != nil {
				return AgentDefinition{}, cerrors.NewInvalidRequest("cannot read agent definition file: " + err.Error())
			}
			return parseText(string(data))
		}
		return parseText(v)
	case []byte:
		return parseText(string(v))
	default:
		return AgentDefinition{}, cerrors.NewInvalidRequest(fmt.Sprintf("unsupported agent definition input type %T", input))
	}
}

func looksLikePath(s string) bool {
	s = strings.TrimSpace(s)
	if strings.ContainsAny(s, "\n{") {
		return false
	}
	return strings.HasSuffix(s, ".md") || strings.HasSuffix(s, ".yaml") ||
		strings.HasSuffix(s, ".yml") || strings.HasSuffix(s, ".json")
}

var frontmatterRe = regexp.MustCompile(`(?s)^---\n(.*?)\n---\n?(.*)$`)

func parseText(s string) (AgentDefinition, error) {
	trimmed := strings.TrimSpace(s)

	if m := frontmatterRe.FindStringSubmatch(s); m != nil {
		var meta map[string]any
		if err := yaml.Unmarshal([]byte(m[1]), &meta); err != nil {
			return AgentDefinition{}, cerrors.NewInvalidRequest("invalid frontmatter yaml: " + err.Error())
		}
		def := definitionFromMap(meta)
		if def.Description == "" {
			def.Description = strings.TrimSpace(m[2])
		}
		return def, nil
	}

	if strings.HasPrefix(trimmed, "{") {
		var raw map[string]any
		if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
			return AgentDefinition{}, cerrors.NewInvalidRequest("invalid json agent definition: " + err.Error())
		}
		return definitionFromMap(raw), nil
	}

	return AgentDefinition{}, cerrors.NewInvalidRequest("agent definition is neither frontmatter markdown nor JSON")
}

func definitionFromMap(raw map[string]any) AgentDefinition {
	def := AgentDefinition{Metadata: make(map[string]any)}
	for k, v := range raw {
		switch k {
		case "name":
			if s, ok := v.(string); ok {
				def.Name = s
			}
		case "description":
			if s, ok := v.(string); ok {
				def.Description = s
			}
		default:
			def.Metadata[k] = v
		}
	}
	return def
}

// Bootstrap runs the detection algorithm against def and produces a fresh
// manifest plus its detection trace (spec §4.2).
func Bootstrap(def AgentDefinition, opts BootstrapOptions) BootstrapResult {
	opts = defaultOptions(opts)
	haystack := strings.ToLower(def.Name + " " + def.Description)

	tier, _ := def.Metadata["tier"].(string)
	if tier == "" {
		tier = "workspace"
	}

	var result BootstrapResult
	seen := make(map[string]bool)

	for _, entry := range opts.KeywordTable {
		hits, matched := countKeywordHits(haystack, entry)
		nameMatch := nameContainsCapability(def.Name, entry.CapabilityID)

		var confidence float64
		include := false
		switch {
		case hits >= opts.MinimumKeywordMatches:
			include = true
			confidence = detectionConfidence(hits, len(entry.Keywords), opts.ConfidenceInitial)
		case hits >= 1 && nameMatch:
			include = true
			confidence = 0.75
		}

		if !include {
			continue
		}
		seen[entry.CapabilityID] = true
		result.DetectedCapabilities = append(result.DetectedCapabilities, DetectedCapability{
			CapabilityID:    entry.CapabilityID,
			Confidence:      confidence,
			MatchedKeywords: matched,
		})
		result.Manifest.Capabilities = append(result.Manifest.Capabilities, newCapability(entry.CapabilityID, confidence, tier))
	}

	for _, mandatory := range MandatoryCapabilities {
		if seen[mandatory] {
			continue
		}
		result.Manifest.Capabilities = append(result.Manifest.Capabilities, newCapability(mandatory, opts.ConfidenceInitial, tier))
		result.Suggestions = append(result.Suggestions, "included mandatory capability "+mandatory)
	}

	if len(result.DetectedCapabilities) == 0 {
		result.Warnings = append(result.Warnings, "no capabilities detected; falling back to code_review")
		result.Manifest.Capabilities = append(result.Manifest.Capabilities, newCapability("code_review", opts.ConfidenceInitial, tier))
	}

	result.Manifest.AgentName = def.Name
	result.Manifest.Version = "1.0.0"
	result.Manifest.Availability = types.AvailabilityAvailable
	result.Manifest.MaxConcurrentTasks = 3
	result.Manifest.RecomputeOverallConfidence()
	return result
}

func countKeywordHits(haystack string, entry KeywordEntry) (int, []string) {
	var matched []string
	for _, kw := range entry.Keywords {
		kw = strings.ToLower(kw)
		var hit bool
		if entry.FuzzyMatch {
			hit = strings.Contains(haystack, kw)
		} else {
			hit = wordBoundaryMatch(haystack, kw)
		}
		if hit {
			matched = append(matched, kw)
		}
	}
	return len(matched), matched
}

func wordBoundaryMatch(haystack, word string) bool {
	re := regexp.MustCompile(`\b` + regexp.QuoteMeta(word) + `\b`)
	return re.MatchString(haystack)
}

func nameContainsCapability(name, capabilityID string) bool {
	slug := strings.ToLower(strings.ReplaceAll(capabilityID, "_", ""))
	dashed := strings.ToLower(strings.ReplaceAll(capabilityID, "_", "-"))
	lowerName := strings.ToLower(strings.ReplaceAll(name, "-", ""))
	lowerName = strings.ReplaceAll(lowerName, "_", "")
	return strings.Contains(lowerName, slug) || strings.Contains(strings.ToLower(name), dashed)
}

// detectionConfidence blends the configured initial prior with a
// normalized hit ratio (spec §4.2 step 4: "0.7*initial + 0.3*detection").
func detectionConfidence(hits, totalKeywords int, initial float64) float64 {
	detection := 1.0
	if totalKeywords > 0 {
		detection = float64(hits) / float64(totalKeywords)
	}
	conf := 0.7*initial + 0.3*detection
	return clampConfidence(conf)
}

// clampConfidence enforces spec §4.2's NaN/out-of-range clamp to [0.1, 0.98].
func clampConfidence(c float64) float64 {
	if math.IsNaN(c) {
		return 0.1
	}
	if c < 0.1 {
		return 0.1
	}
	if c > 0.98 {
		return 0.98
	}
	return c
}

// ReconfidenceWithHistory re-derives confidence once an agent has
// completion history (spec §4.2 step 4: validated -> proven interpolation).
func ReconfidenceWithHistory(current float64, validated bool, completions, completionsForProven int) float64 {
	if !validated {
		return clampConfidence(current)
	}
	if completionsForProven <= 0 {
		completionsForProven = 20
	}
	const validatedScore = 0.85
	const provenScore = 0.98
	if completions >= completionsForProven {
		return provenScore
	}
	t := float64(completions) / float64(completionsForProven)
	return clampConfidence(validatedScore + t*(provenScore-validatedScore))
}

func newCapability(capabilityID string, confidence float64, tier string) types.Capability {
	return types.Capability{
		CapabilityID:    capabilityID,
		Name:            capabilityID,
		ConfidenceLevel: clampConfidence(confidence),
		TLPClearance:    tierCeiling(tier),
		LastUpdated:     time.Now(),
	}
}

// tierCeiling maps a capability tier to the highest TLP clearance it grants
// (spec §4.2 step 5): proprietary reaches RED; workspace stops at GREEN.
func tierCeiling(tier string) types.TLP {
	if tier == "proprietary" {
		return types.TLPRed
	}
	return types.TLPGreen
}
