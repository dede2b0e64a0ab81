package perf

import (
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testAnalyzer(t *testing.T) *Analyzer {
	t.Helper()
	log := zerolog.New(os.Stderr).Level(zerolog.WarnLevel)
	return NewAnalyzer(log, 4)
}

func TestAnalyzeCircuitPerformance(t *testing.T) {
	a := testAnalyzer(t)

	report, err := a.AnalyzeCircuitPerformance(CircuitWithdraw)
	require.NoError(t, err)

	require.Equal(t, CircuitWithdraw, report.CircuitName)
	require.Greater(t, report.Constraints, 0)
	require.Greater(t, report.InternalVariables, 0)
	require.Greater(t, report.SecretVariables, 0)
	// One public variable per signal plus the constant wire.
	require.GreaterOrEqual(t, report.PublicVariables, 5)
	require.Greater(t, report.CompilationTime.Nanoseconds(), int64(0))
	require.Greater(t, report.SetupTime.Nanoseconds(), int64(0))
	require.Greater(t, report.ProvingTime.Nanoseconds(), int64(0))
	require.Greater(t, report.VerificationTime.Nanoseconds(), int64(0))
	require.Greater(t, report.CircuitSize, 0)
}

func TestAnalyzeUnknownCircuit(t *testing.T) {
	a := testAnalyzer(t)
	_, err := a.AnalyzeCircuitPerformance("transfer")
	require.ErrorIs(t, err, ErrUnknownCircuit)

	_, err = a.GenerateOptimizations("transfer")
	require.ErrorIs(t, err, ErrUnknownCircuit)

	_, err = a.RunCircuitTests("transfer")
	require.ErrorIs(t, err, ErrUnknownCircuit)
}

func TestGenerateOptimizations(t *testing.T) {
	a := testAnalyzer(t)
	recs, err := a.GenerateOptimizations(CircuitWithdraw)
	require.NoError(t, err)
	// Hints are advisory; each one that fires names its target and impact.
	for _, r := range recs {
		require.NotEmpty(t, r.Target)
		require.NotEmpty(t, r.Impact)
		require.NotEmpty(t, r.Suggestion)
	}
}

func TestRunCircuitTests(t *testing.T) {
	a := testAnalyzer(t)
	report, err := a.RunCircuitTests(CircuitWithdraw)
	require.NoError(t, err)

	require.Equal(t, len(report.Results), report.Passed+report.Failed)
	require.Zero(t, report.Failed)
	for _, res := range report.Results {
		require.True(t, res.Passed, res.Name)
		require.Empty(t, res.Err)
	}
}

func TestCircuitsListing(t *testing.T) {
	a := testAnalyzer(t)
	require.Contains(t, a.Circuits(), CircuitWithdraw)
}
