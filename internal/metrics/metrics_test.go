package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestContractsCreatedTotalIncrements(t *testing.T) {
	before := testutil.ToFloat64(ContractsCreatedTotal)
	ContractsCreatedTotal.Inc()
	require.Equal(t, before+1, testutil.ToFloat64(ContractsCreatedTotal))
}

func TestGateRejectionsTotalLabelsByGate(t *testing.T) {
	GateRejectionsTotal.WithLabelValues("firebreak").Inc()
	require.GreaterOrEqual(t, testutil.ToFloat64(GateRejectionsTotal.WithLabelValues("firebreak")), float64(1))
}

func TestRegistryGatherIncludesRegisteredMetrics(t *testing.T) {
	families, err := Registry.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	require.True(t, names["control_plane_contracts_created_total"])
	require.True(t, names["control_plane_security_threats_detected_total"])
}
