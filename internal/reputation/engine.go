// Package reputation implements the multi-dimensional reputation engine
// (spec §4.7): an EMA-smoothed score over reliability/speed/quality/
// security, updated on every terminal contract transition.
//
// Grounded on the teacher repo's engine.go ComputeTrustScore/RecordReputation
// pair, generalized from a single scalar trust score to the four-dimension
// model spec.md requires, and from a time-decayed history replay to an
// incremental EMA (spec: "new = alpha*observation + (1-alpha)*current").
package reputation

import (
	"fmt"
	"sync"
	"time"

	"github.com/dataparency-dev/delegation-control-plane/internal/storage"
	"github.com/dataparency-dev/delegation-control-plane/internal/types"
)

// Outcome is what happened when a contract reached a terminal state.
type Outcome struct {
	AgentID           string
	Success           bool
	SecurityViolation bool // true when the security gate itself blocked this agent
	ActualDurationMS  int64
	TargetDurationMS  int64
	QualityScore      *float64 // from VerificationResult.Score, if present
}

// Engine owns every agent's ReputationRecord and serializes updates
// per-agent (spec §5: "reputation updates are serialized per agent;
// cross-agent updates are independent").
type Engine struct {
	store *storage.ReputationStore

	shardsMu sync.Mutex
	shards   map[string]*sync.Mutex
}

func New(store *storage.ReputationStore) *Engine {
	return &Engine{store: store, shards: make(map[string]*sync.Mutex)}
}

func (e *Engine) lockFor(agentID string) *sync.Mutex {
	e.shardsMu.Lock()
	defer e.shardsMu.Unlock()
	m, ok := e.shards[agentID]
	if !ok {
		m = &sync.Mutex{}
		e.shards[agentID] = m
	}
	return m
}

// Get returns the current record for agentID, or a freshly-initialized
// neutral record (all dimensions 0.5) if none exists yet.
func (e *Engine) Get(agentID string) (types.ReputationRecord, error) {
	rec, ok, err := e.store.Get(agentID)
	if err != nil {
		return types.ReputationRecord{}, err
	}
	if !ok {
		return neutral(agentID), nil
	}
	return rec, nil
}

func neutral(agentID string) types.ReputationRecord {
	dims := types.ReputationDimensions{Reliability: 0.5, Speed: 0.5, Quality: 0.5, Security: 0.5}
	return types.ReputationRecord{
		AgentID:    agentID,
		Dimensions: dims,
		Aggregate:  dims.Aggregate(),
		UpdatedAt:  time.Now(),
	}
}

// ApplyOutcome runs the EMA update for one terminal contract outcome and
// persists the result (spec §4.7, §8 scenario 1).
func (e *Engine) ApplyOutcome(o Outcome) (types.ReputationRecord, error) {
	mu := e.lockFor(o.AgentID)
	mu.Lock()
	defer mu.Unlock()

	rec, err := e.Get(o.AgentID)
	if err != nil {
		return types.ReputationRecord{}, err
	}

	reliabilityObs := 0.0
	qualityObs := 0.0
	if o.Success {
		reliabilityObs = 1.0
		qualityObs = 1.0
		if o.QualityScore != nil {
			qualityObs = clamp01(*o.QualityScore)
		}
		rec.ConsecutiveSuccesses++
		rec.ConsecutiveFailures = 0
	} else {
		rec.ConsecutiveFailures++
		rec.ConsecutiveSuccesses = 0
	}

	speedObs := rec.Dimensions.Speed
	if o.TargetDurationMS > 0 && o.ActualDurationMS > 0 {
		speedObs = clamp01(float64(o.TargetDurationMS) / float64(o.ActualDurationMS))
	}

	securityObs := rec.Dimensions.Security
	if o.SecurityViolation {
		securityObs = 0.0
	}

	rec.Dimensions.Reliability = ema(reliabilityObs, rec.Dimensions.Reliability)
	rec.Dimensions.Quality = ema(qualityObs, rec.Dimensions.Quality)
	rec.Dimensions.Speed = ema(speedObs, rec.Dimensions.Speed)
	if o.SecurityViolation {
		rec.Dimensions.Security = ema(securityObs, rec.Dimensions.Security)
	}
	rec.Aggregate = rec.Dimensions.Aggregate()
	rec.TotalCompletions++
	rec.UpdatedAt = time.Now()

	if err := e.store.Upsert(rec); err != nil {
		return types.ReputationRecord{}, fmt.Errorf("persist reputation for %s: %w", o.AgentID, err)
	}
	return rec, nil
}

// ApplySecurityViolation records a 0.0 security observation without
// touching reliability, speed, quality, or total_completions — a security-
// gate block is not a terminal contract outcome (spec §4.7: "security
// unaffected except on security-gate blocks (-> 0.0 observation)").
func (e *Engine) ApplySecurityViolation(agentID string) (types.ReputationRecord, error) {
	mu := e.lockFor(agentID)
	mu.Lock()
	defer mu.Unlock()

	rec, err := e.Get(agentID)
	if err != nil {
		return types.ReputationRecord{}, err
	}
	rec.Dimensions.Security = ema(0.0, rec.Dimensions.Security)
	rec.Aggregate = rec.Dimensions.Aggregate()
	rec.UpdatedAt = time.Now()

	if err := e.store.Upsert(rec); err != nil {
		return types.ReputationRecord{}, fmt.Errorf("persist reputation for %s: %w", agentID, err)
	}
	return rec, nil
}

// Meets reports whether rec satisfies every non-nil field of req
// (spec §4.7: "admitted only if reputation meets every non-null field").
func Meets(rec types.ReputationRecord, req *types.ReputationRequirements) (bool, string) {
	if req == nil {
		return true, ""
	}
	if req.MinReliability != nil && rec.Dimensions.Reliability < *req.MinReliability {
		return false, fmt.Sprintf("reliability %.2f below required %.2f", rec.Dimensions.Reliability, *req.MinReliability)
	}
	if req.MinSpeed != nil && rec.Dimensions.Speed < *req.MinSpeed {
		return false, fmt.Sprintf("speed %.2f below required %.2f", rec.Dimensions.Speed, *req.MinSpeed)
	}
	if req.MinQuality != nil && rec.Dimensions.Quality < *req.MinQuality {
		return false, fmt.Sprintf("quality %.2f below required %.2f", rec.Dimensions.Quality, *req.MinQuality)
	}
	if req.MinSecurity != nil && rec.Dimensions.Security < *req.MinSecurity {
		return false, fmt.Sprintf("security %.2f below required %.2f", rec.Dimensions.Security, *req.MinSecurity)
	}
	if req.MinAggregate != nil && rec.Aggregate < *req.MinAggregate {
		return false, fmt.Sprintf("aggregate %.2f below required %.2f", rec.Aggregate, *req.MinAggregate)
	}
	return true, ""
}

func ema(observation, current float64) float64 {
	return types.EMAAlpha*observation + (1-types.EMAAlpha)*current
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
