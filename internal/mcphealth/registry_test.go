package mcphealth

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fakeReadFile(docs map[string][]byte) func(string) ([]byte, error) {
	return func(path string) ([]byte, error) {
		d, ok := docs[path]
		if !ok {
			return nil, fmt.Errorf("no such file %s", path)
		}
		return d, nil
	}
}

func TestInitializeLoadsFirstExistingDocument(t *testing.T) {
	r := New(Options{})
	doc := []byte(`
mcpServers:
  search:
    transport: stdio
    command: echo
    tier: public
    enabled: true
`)
	err := r.Initialize([]string{"./missing.yaml", "./mcp.yaml"}, fakeReadFile(map[string][]byte{"./mcp.yaml": doc}))
	require.NoError(t, err)

	s, err := r.Get("search")
	require.NoError(t, err)
	require.Equal(t, TransportStdio, s.Transport)
	require.Equal(t, "echo", s.Command)
}

func TestInitializeWithNoReadablePathIsNoop(t *testing.T) {
	r := New(Options{})
	err := r.Initialize([]string{"./missing.yaml"}, fakeReadFile(nil))
	require.NoError(t, err)
	require.Empty(t, r.All())
}

func TestDisabledServerSkipsProbe(t *testing.T) {
	r := New(Options{})
	doc := []byte(`servers:
  tool:
    transport: stdio
    command: echo
    enabled: false
`)
	require.NoError(t, r.Initialize([]string{"./mcp.yaml"}, fakeReadFile(map[string][]byte{"./mcp.yaml": doc})))

	s, err := r.CheckServerHealth(context.Background(), "tool")
	require.NoError(t, err)
	require.Equal(t, StatusDisabled, s.Status)
}

func TestCheckServerHealthProbesStdioCommand(t *testing.T) {
	r := New(Options{ProbeTimeout: time.Second})
	doc := []byte(`servers:
  tool:
    transport: stdio
    command: echo
    enabled: true
`)
	require.NoError(t, r.Initialize([]string{"./mcp.yaml"}, fakeReadFile(map[string][]byte{"./mcp.yaml": doc})))

	s, err := r.CheckServerHealth(context.Background(), "tool")
	require.NoError(t, err)
	require.Equal(t, StatusAvailable, s.Status)
}

func TestCheckServerHealthUnknownServer(t *testing.T) {
	r := New(Options{})
	_, err := r.CheckServerHealth(context.Background(), "nobody")
	require.Error(t, err)
}

func TestStatsCountsByTierAndStatus(t *testing.T) {
	r := New(Options{ProbeTimeout: time.Second})
	doc := []byte(`servers:
  tool:
    transport: stdio
    command: echo
    tier: public
    enabled: true
`)
	require.NoError(t, r.Initialize([]string{"./mcp.yaml"}, fakeReadFile(map[string][]byte{"./mcp.yaml": doc})))
	_, err := r.CheckServerHealth(context.Background(), "tool")
	require.NoError(t, err)

	stats := r.Stats()
	require.Equal(t, 1, stats.ByTier[TierPublic])
	require.Equal(t, 1, stats.ByStatus[StatusAvailable])
}

func TestStartHealthMonitoringIsIdempotent(t *testing.T) {
	r := New(Options{})
	r.StartHealthMonitoring(1)
	r.StartHealthMonitoring(1)
	r.StopHealthMonitoring()
}
