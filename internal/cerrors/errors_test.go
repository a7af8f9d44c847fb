package cerrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsMatchesKind(t *testing.T) {
	err := NewClearanceInsufficient("GREEN", "RED")
	require.True(t, Is(err, KindClearanceInsufficient))
	require.False(t, Is(err, KindSecurityThreat))
}

func TestIsRejectsForeignErrors(t *testing.T) {
	require.False(t, Is(errors.New("plain error"), KindInvalidRequest))
}

func TestErrorIncludesRemediation(t *testing.T) {
	b := &Base{Kind: KindTimeout, Reason: "deadline exceeded", Remediation: "retry with backoff"}
	require.Contains(t, b.Error(), "retry with backoff")
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := NewStorageUnavailable("write failed", cause)
	require.ErrorIs(t, err, cause)
}

func TestLoopDetectedCarriesCycle(t *testing.T) {
	cycle := []string{"agent_a", "agent_b", "agent_a"}
	err := NewLoopDetected(cycle, "loop found")
	require.Equal(t, cycle, err.Cycle)
	require.True(t, Is(err, KindLoopDetected))
}
