package config

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestShouldPoolDisabledRejectsEverything(t *testing.T) {
	p := DefaultPoolConfig()
	p.Enabled = false
	require.False(t, p.ShouldPool("ctx"))
}

func TestShouldPoolPoolAllRespectsExclude(t *testing.T) {
	p := DefaultPoolConfig()
	p.ExcludeMCPs = []string{"stateful"}

	require.True(t, p.ShouldPool("ctx"))
	require.False(t, p.ShouldPool("stateful"))
}

func TestShouldPoolIncludeAdmitsAlongsidePoolAll(t *testing.T) {
	// A non-empty include list must not shut out servers that pool_all
	// already admits.
	p := DefaultPoolConfig()
	p.IncludeMCPs = []string{"special"}

	require.True(t, p.ShouldPool("special"))
	require.True(t, p.ShouldPool("ctx"))
}

func TestShouldPoolIncludeOverridesExclude(t *testing.T) {
	p := DefaultPoolConfig()
	p.IncludeMCPs = []string{"both"}
	p.ExcludeMCPs = []string{"both"}

	require.True(t, p.ShouldPool("both"))
}

func TestShouldPoolIncludeOnlyWithoutPoolAll(t *testing.T) {
	p := DefaultPoolConfig()
	p.PoolAll = false
	p.IncludeMCPs = []string{"special"}

	require.True(t, p.ShouldPool("special"))
	require.False(t, p.ShouldPool("ctx"))
}

func TestDefaultPoolConfigProbes(t *testing.T) {
	p := DefaultPoolConfig()
	require.Equal(t, uint32(1), p.CircuitBreakerProbes)
}

func TestPoolConfigJSONRoundTripsSecondsAndProbes(t *testing.T) {
	p := DefaultPoolConfig()
	p.CircuitBreakerReset = 45 * time.Second
	p.CircuitBreakerProbes = 3

	data, err := json.Marshal(p)
	require.NoError(t, err)
	require.Contains(t, string(data), `"circuit_breaker_reset":45`)
	require.Contains(t, string(data), `"circuit_breaker_probes":3`)

	var got PoolConfig
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, p, got)
}
