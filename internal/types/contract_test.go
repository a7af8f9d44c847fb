package types

import (
	"encoding/json"
	"testing"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, next ContractStatus
		want       bool
	}{
		{StatusPending, StatusActive, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusRevoked, true},
		{StatusPending, StatusCompleted, false},
		{StatusActive, StatusCompleted, true},
		{StatusActive, StatusFailed, true},
		{StatusActive, StatusTimeout, true},
		{StatusActive, StatusPending, false},
		{StatusCompleted, StatusActive, false},
		{StatusCancelled, StatusActive, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.next); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.next, got, c.want)
		}
	}
}

func TestContractStatusTerminal(t *testing.T) {
	terminal := []ContractStatus{StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled, StatusRevoked}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	nonTerminal := []ContractStatus{StatusPending, StatusActive}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestDelegationRequestUnmarshalJSONPreservesUnknownFields(t *testing.T) {
	raw := []byte(`{
		"task_id": "task_1",
		"delegator_id": "agent_a",
		"required_capabilities": ["code_review"],
		"verification_policy": "direct_inspection",
		"client_trace_id": "abc-123",
		"experimental_flags": {"fast_path": true},
		"metadata": {"source": "cli"}
	}`)

	var req DelegationRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if req.TaskID != "task_1" {
		t.Errorf("TaskID = %q, want task_1", req.TaskID)
	}
	if req.Metadata["client_trace_id"] != "abc-123" {
		t.Errorf("Metadata[client_trace_id] = %v, want abc-123", req.Metadata["client_trace_id"])
	}
	if _, ok := req.Metadata["experimental_flags"].(map[string]any); !ok {
		t.Errorf("Metadata[experimental_flags] = %v, want a nested object", req.Metadata["experimental_flags"])
	}
	if req.Metadata["source"] != "cli" {
		t.Errorf("Metadata[source] = %v, want cli (from the explicit metadata object)", req.Metadata["source"])
	}
}

func TestDelegationRequestUnmarshalJSONNoUnknownFields(t *testing.T) {
	raw := []byte(`{"task_id": "task_1", "delegator_id": "agent_a", "required_capabilities": ["code_review"], "verification_policy": "direct_inspection"}`)
	var req DelegationRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if req.Metadata != nil {
		t.Errorf("Metadata = %v, want nil when no unknown fields present", req.Metadata)
	}
}
