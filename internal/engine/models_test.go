package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	runerrors "schemarun/internal/errors"
	"schemarun/internal/logging"
)

func f64(v float64) *float64 { return &v }

func TestCapabilitiesForResolvesDatedSnapshots(t *testing.T) {
	caps, known := CapabilitiesFor("gpt-4o-2024-11-20")
	require.True(t, known)
	require.Equal(t, "gpt-4o", caps.Family)

	// Longest prefix wins: the mini snapshot must not land on gpt-4o.
	caps, known = CapabilitiesFor("gpt-4o-mini-2024-07-18")
	require.True(t, known)
	require.Equal(t, "gpt-4o-mini", caps.Family)

	caps, known = CapabilitiesFor("o4-mini-deep-research")
	require.True(t, known)
	require.Equal(t, "o4-mini", caps.Family)
}

func TestCapabilitiesForUnknownModelFallsBack(t *testing.T) {
	caps, known := CapabilitiesFor("mystery-model-9000")
	require.False(t, known)
	require.Equal(t, fallbackCapabilities.ContextWindow, caps.ContextWindow)
	require.Equal(t, "mystery-model-9000", caps.Family)
}

func TestAdmitParamsDropsUnsupportedWithWarning(t *testing.T) {
	caps, known := CapabilitiesFor("gpt-5")
	require.True(t, known)

	out, err := AdmitParams(caps, Params{
		Temperature:     f64(0.7),
		ReasoningEffort: "high",
	}, logging.Nop())
	require.NoError(t, err)

	require.NotContains(t, out, "temperature")
	require.Equal(t, map[string]any{"effort": "high"}, out["reasoning"])
}

func TestAdmitParamsRejectsOutOfRange(t *testing.T) {
	caps, _ := CapabilitiesFor("gpt-4o")

	cases := []Params{
		{Temperature: f64(2.5)},
		{TopP: f64(-0.1)},
		{FrequencyPenalty: f64(3)},
		{PresencePenalty: f64(-2.5)},
		{MaxOutputTokens: -1},
		{ReasoningEffort: "extreme"},
	}
	for _, params := range cases {
		_, err := AdmitParams(caps, params, logging.Nop())
		require.Error(t, err)
		require.True(t, runerrors.IsKind(err, runerrors.KindParamInvalid), "params %+v", params)
		require.Equal(t, runerrors.ExitValidation, runerrors.ExitCodeFor(err))
	}
}

func TestAdmitParamsEnforcesModelOutputCeiling(t *testing.T) {
	caps, _ := CapabilitiesFor("gpt-4o-mini")

	_, err := AdmitParams(caps, Params{MaxOutputTokens: caps.MaxOutputTokens + 1}, logging.Nop())
	require.True(t, runerrors.IsKind(err, runerrors.KindParamInvalid))

	out, err := AdmitParams(caps, Params{MaxOutputTokens: 2048}, logging.Nop())
	require.NoError(t, err)
	require.Equal(t, 2048, out["max_output_tokens"])
}

func TestAdmitParamsPassesSupportedSampling(t *testing.T) {
	caps, _ := CapabilitiesFor("gpt-4.1-mini")

	out, err := AdmitParams(caps, Params{
		Temperature:      f64(0.2),
		TopP:             f64(0.9),
		FrequencyPenalty: f64(0.5),
	}, logging.Nop())
	require.NoError(t, err)
	require.Equal(t, 0.2, out["temperature"])
	require.Equal(t, 0.9, out["top_p"])
	require.Equal(t, 0.5, out["frequency_penalty"])
	require.NotContains(t, out, "presence_penalty")
}
