// Package capability implements the capability registry (spec §4.1): the
// durable directory of agent manifests, capability matching, and ranking.
//
// Grounded on the teacher repo's engine.go FindAgentsByCapability, which
// scans stored AgentProfiles for capability-name containment. This
// generalizes that scan into the weighted, workload-aware scoring function
// spec.md §4.1 defines, backed by internal/storage.CapabilityStore instead
// of the teacher's NATS KV-backed storeData/retrieveData pair.
package capability

import (
	"math"
	"sort"
	"sync"

	"github.com/dataparency-dev/delegation-control-plane/internal/cerrors"
	"github.com/dataparency-dev/delegation-control-plane/internal/storage"
	"github.com/dataparency-dev/delegation-control-plane/internal/types"
)

// Registry holds an in-memory arena of agent manifests mirrored to
// durable storage, and serves matching/ranking queries against it.
type Registry struct {
	mu       sync.RWMutex
	manifests map[string]types.AgentCapabilityManifest
	store    *storage.CapabilityStore
}

// New loads every manifest in store into memory.
func New(store *storage.CapabilityStore) (*Registry, error) {
	all, err := store.All()
	if err != nil {
		return nil, err
	}
	r := &Registry{manifests: make(map[string]types.AgentCapabilityManifest, len(all)), store: store}
	for _, m := range all {
		r.manifests[m.AgentID] = m
	}
	return r, nil
}

var allowedTLP = map[types.TLP]bool{
	types.TLPClear: true, types.TLPGreen: true, types.TLPAmber: true, types.TLPRed: true,
}

// RegisterManifest stores a new manifest, rejecting duplicates. Use
// UpdateManifest to modify an existing one.
func (r *Registry) RegisterManifest(m types.AgentCapabilityManifest) error {
	if err := validateManifest(m); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.manifests[m.AgentID]; exists {
		return cerrors.NewInvalidRequest("manifest for agent " + m.AgentID + " already registered; use UpdateManifest")
	}
	if err := r.store.Upsert(m); err != nil {
		return err
	}
	r.manifests[m.AgentID] = m
	return nil
}

// UpdateManifest overwrites an existing manifest.
func (r *Registry) UpdateManifest(m types.AgentCapabilityManifest) error {
	if err := validateManifest(m); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.store.Upsert(m); err != nil {
		return err
	}
	r.manifests[m.AgentID] = m
	return nil
}

func validateManifest(m types.AgentCapabilityManifest) error {
	if m.AgentID == "" {
		return cerrors.NewInvalidRequest("manifest requires a non-empty agent_id")
	}
	for _, c := range m.Capabilities {
		if !allowedTLP[c.TLPClearance] {
			return cerrors.NewInvalidRequest("capability " + c.CapabilityID + " has invalid tlp_clearance " + string(c.TLPClearance))
		}
		if c.ConfidenceLevel < 0 || c.ConfidenceLevel > 1 || math.IsNaN(c.ConfidenceLevel) {
			return cerrors.NewInvalidRequest("capability " + c.CapabilityID + " has out-of-range confidence_level")
		}
	}
	return nil
}

// IncrementWorkload/DecrementWorkload/UpdateAvailability mutate a single
// agent's live operational state.

func (r *Registry) IncrementWorkload(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.manifests[agentID]
	if !ok {
		return cerrors.NewNotFound("agent " + agentID + " not registered")
	}
	m.CurrentWorkload++
	r.manifests[agentID] = m
	return r.store.Upsert(m)
}

func (r *Registry) DecrementWorkload(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.manifests[agentID]
	if !ok {
		return cerrors.NewNotFound("agent " + agentID + " not registered")
	}
	if m.CurrentWorkload > 0 {
		m.CurrentWorkload--
	}
	r.manifests[agentID] = m
	return r.store.Upsert(m)
}

func (r *Registry) UpdateAvailability(agentID string, a types.Availability) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.manifests[agentID]
	if !ok {
		return cerrors.NewNotFound("agent " + agentID + " not registered")
	}
	m.Availability = a
	r.manifests[agentID] = m
	return r.store.Upsert(m)
}

// Get returns a single manifest by agent ID.
func (r *Registry) Get(agentID string) (types.AgentCapabilityManifest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.manifests[agentID]
	if !ok {
		return types.AgentCapabilityManifest{}, cerrors.NewNotFound("agent " + agentID + " not registered")
	}
	return m, nil
}

// QueryCapabilities flattens every agent's declared capabilities.
func (r *Registry) QueryCapabilities() []types.Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []types.Capability
	for _, m := range r.manifests {
		out = append(out, m.Capabilities...)
	}
	return out
}

// MatchQuery narrows the candidate pool for MatchAgents.
type MatchQuery struct {
	RequiredCategories   []string
	MinConfidence        float64
	MaxCompletionTimeMS  int64
	RequiredTLPClearance types.TLP
	MinSuccessRate       float64
	ExcludeAgents        []string
	OnlyAvailable        bool
}

// Match is one ranked result of MatchAgents/RankAgents.
type Match struct {
	AgentID  string
	Score    float64
	Rank     int
	Manifest types.AgentCapabilityManifest
}

// MatchAgents ranks every registered agent against q (spec §4.1).
func (r *Registry) MatchAgents(q MatchQuery) []Match {
	r.mu.RLock()
	defer r.mu.RUnlock()

	excluded := make(map[string]bool, len(q.ExcludeAgents))
	for _, a := range q.ExcludeAgents {
		excluded[a] = true
	}

	var candidates []Match
	for agentID, m := range r.manifests {
		if excluded[agentID] {
			continue
		}
		if q.OnlyAvailable && m.Availability != types.AvailabilityAvailable {
			continue
		}
		if q.RequiredTLPClearance != "" {
			maxClr, ok := m.MaxClearance()
			if !ok || !maxClr.Dominates(q.RequiredTLPClearance) {
				continue
			}
		}

		matched := matchingCapabilities(m.Capabilities, q.RequiredCategories)
		if len(q.RequiredCategories) > 0 && len(matched) == 0 {
			continue
		}
		if q.MaxCompletionTimeMS > 0 && !withinCompletionTime(matched, q.MaxCompletionTimeMS) {
			continue
		}
		if q.MinSuccessRate > 0 && !meetsSuccessRate(matched, q.MinSuccessRate) {
			continue
		}

		score := matchScore(matched, len(q.RequiredCategories), false, m)
		if score < q.MinConfidence {
			continue
		}
		candidates = append(candidates, Match{AgentID: agentID, Score: score, Manifest: m})
	}

	rankAndAssign(candidates)
	return candidates
}

// RankOptions controls RankAgents' scoring beyond the bare match.
type RankOptions struct {
	ConfidenceWeight  float64
	ConsiderWorkload  bool
}

// RankAgents scores every agent against requiredCaps directly, without the
// filtering predicates of MatchAgents.
func (r *Registry) RankAgents(requiredCaps []string, opts RankOptions) []Match {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []Match
	for agentID, m := range r.manifests {
		matched := matchingCapabilities(m.Capabilities, requiredCaps)
		if len(requiredCaps) > 0 && len(matched) == 0 {
			continue
		}
		score := matchScore(matched, len(requiredCaps), opts.ConsiderWorkload, m)
		if opts.ConfidenceWeight > 0 {
			score *= opts.ConfidenceWeight
		}
		candidates = append(candidates, Match{AgentID: agentID, Score: score, Manifest: m})
	}

	rankAndAssign(candidates)
	return candidates
}

func matchingCapabilities(have []types.Capability, required []string) []types.Capability {
	if len(required) == 0 {
		return have
	}
	want := make(map[string]bool, len(required))
	for _, r := range required {
		want[r] = true
	}
	var out []types.Capability
	for _, c := range have {
		if want[c.CapabilityID] || want[c.Name] {
			out = append(out, c)
		}
	}
	return out
}

func withinCompletionTime(matched []types.Capability, maxMS int64) bool {
	for _, c := range matched {
		if c.CompletionTimeEstimateMS > maxMS {
			return false
		}
	}
	return true
}

func meetsSuccessRate(matched []types.Capability, min float64) bool {
	for _, c := range matched {
		if c.SuccessRate != nil && *c.SuccessRate < min {
			return false
		}
	}
	return true
}

// matchScore implements spec §4.1's score formula:
//
//	score = mean(confidence_level over C) * |C|/|required|
//
// optionally scaled by a workload factor when considerWorkload is set.
func matchScore(matched []types.Capability, requiredCount int, considerWorkload bool, m types.AgentCapabilityManifest) float64 {
	if len(matched) == 0 {
		return 0
	}
	var sum float64
	for _, c := range matched {
		sum += c.ConfidenceLevel
	}
	mean := sum / float64(len(matched))

	denom := requiredCount
	if denom == 0 {
		denom = len(matched)
	}
	score := mean * float64(len(matched)) / float64(denom)

	if considerWorkload && m.MaxConcurrentTasks > 0 {
		factor := 1 - 0.3*float64(m.CurrentWorkload)/float64(m.MaxConcurrentTasks)
		if factor < 0 {
			factor = 0
		}
		score *= factor
	}
	return score
}

// rankAndAssign sorts candidates descending by score, breaking ties by
// greater total_completions then lexicographic agent_id, and assigns
// 1-based Rank in place.
func rankAndAssign(candidates []Match) {
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		if candidates[i].Manifest.TotalCompletions != candidates[j].Manifest.TotalCompletions {
			return candidates[i].Manifest.TotalCompletions > candidates[j].Manifest.TotalCompletions
		}
		return candidates[i].AgentID < candidates[j].AgentID
	})
	for i := range candidates {
		candidates[i].Rank = i + 1
	}
}

// Statistics summarizes the registry for dashboards (spec §4.1).
type Statistics struct {
	TotalAgents               int
	TotalCapabilities         int
	AvgCapabilitiesPerAgent   float64
	AvgConfidence             float64
	AvailableAgents           int
	CapabilityCountByCategory map[string]int
}

func (r *Registry) Stats() Statistics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Statistics{CapabilityCountByCategory: make(map[string]int)}
	stats.TotalAgents = len(r.manifests)

	var confSum float64
	var confN int
	for _, m := range r.manifests {
		stats.TotalCapabilities += len(m.Capabilities)
		if m.Availability == types.AvailabilityAvailable {
			stats.AvailableAgents++
		}
		for _, c := range m.Capabilities {
			confSum += c.ConfidenceLevel
			confN++
			for _, tag := range c.Tags {
				stats.CapabilityCountByCategory[tag]++
			}
		}
	}
	if stats.TotalAgents > 0 {
		stats.AvgCapabilitiesPerAgent = float64(stats.TotalCapabilities) / float64(stats.TotalAgents)
	}
	if confN > 0 {
		stats.AvgConfidence = confSum / float64(confN)
	}
	return stats
}
