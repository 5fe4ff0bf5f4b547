package engine

import (
	"sort"
	"strings"

	runerrors "schemarun/internal/errors"
	"schemarun/internal/logging"
)

// ModelCapabilities describes what a model family accepts. The registry is
// keyed by id prefix so dated snapshots (gpt-4o-2024-11-20) inherit their
// family's entry.
type ModelCapabilities struct {
	Family          string
	ContextWindow   int
	MaxOutputTokens int

	SupportsTemperature     bool
	SupportsTopP            bool
	SupportsPenalties       bool
	SupportsReasoningEffort bool
	SupportsWebSearch       bool
}

var modelRegistry = map[string]ModelCapabilities{
	"gpt-4o-mini": {
		Family: "gpt-4o-mini", ContextWindow: 128000, MaxOutputTokens: 16384,
		SupportsTemperature: true, SupportsTopP: true, SupportsPenalties: true,
		SupportsWebSearch: true,
	},
	"gpt-4o": {
		Family: "gpt-4o", ContextWindow: 128000, MaxOutputTokens: 16384,
		SupportsTemperature: true, SupportsTopP: true, SupportsPenalties: true,
		SupportsWebSearch: true,
	},
	"gpt-4.1-nano": {
		Family: "gpt-4.1-nano", ContextWindow: 1047576, MaxOutputTokens: 32768,
		SupportsTemperature: true, SupportsTopP: true, SupportsPenalties: true,
	},
	"gpt-4.1-mini": {
		Family: "gpt-4.1-mini", ContextWindow: 1047576, MaxOutputTokens: 32768,
		SupportsTemperature: true, SupportsTopP: true, SupportsPenalties: true,
		SupportsWebSearch: true,
	},
	"gpt-4.1": {
		Family: "gpt-4.1", ContextWindow: 1047576, MaxOutputTokens: 32768,
		SupportsTemperature: true, SupportsTopP: true, SupportsPenalties: true,
		SupportsWebSearch: true,
	},
	"gpt-5-mini": {
		Family: "gpt-5-mini", ContextWindow: 400000, MaxOutputTokens: 128000,
		SupportsReasoningEffort: true, SupportsWebSearch: true,
	},
	"gpt-5-nano": {
		Family: "gpt-5-nano", ContextWindow: 400000, MaxOutputTokens: 128000,
		SupportsReasoningEffort: true,
	},
	"gpt-5": {
		Family: "gpt-5", ContextWindow: 400000, MaxOutputTokens: 128000,
		SupportsReasoningEffort: true, SupportsWebSearch: true,
	},
	"o3": {
		Family: "o3", ContextWindow: 200000, MaxOutputTokens: 100000,
		SupportsReasoningEffort: true, SupportsWebSearch: true,
	},
	"o4-mini": {
		Family: "o4-mini", ContextWindow: 200000, MaxOutputTokens: 100000,
		SupportsReasoningEffort: true, SupportsWebSearch: true,
	},
}

// fallbackCapabilities admits everything with a conservative window so an
// unknown model id degrades to warnings instead of refusing to run.
var fallbackCapabilities = ModelCapabilities{
	ContextWindow: 128000, MaxOutputTokens: 16384,
	SupportsTemperature: true, SupportsTopP: true, SupportsPenalties: true,
	SupportsReasoningEffort: true, SupportsWebSearch: false,
}

// CapabilitiesFor resolves a model id to its family capabilities by longest
// matching prefix. The second return reports whether the model was known.
func CapabilitiesFor(model string) (ModelCapabilities, bool) {
	id := strings.ToLower(strings.TrimSpace(model))

	prefixes := make([]string, 0, len(modelRegistry))
	for prefix := range modelRegistry {
		prefixes = append(prefixes, prefix)
	}
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })

	for _, prefix := range prefixes {
		if id == prefix || strings.HasPrefix(id, prefix+"-") || strings.HasPrefix(id, prefix+".") {
			return modelRegistry[prefix], true
		}
	}
	caps := fallbackCapabilities
	caps.Family = id
	return caps, false
}

// Params are the user-settable sampling parameters. Pointers distinguish
// "not set" from zero.
type Params struct {
	Temperature      *float64
	TopP             *float64
	MaxOutputTokens  int
	FrequencyPenalty *float64
	PresencePenalty  *float64
	ReasoningEffort  string
}

var reasoningEfforts = map[string]bool{
	"minimal": true, "low": true, "medium": true, "high": true,
}

// AdmitParams validates params against the model's capabilities and returns
// the request fragment to merge into the payload. Unsupported parameters are
// dropped with a warning; out-of-range values fail the run.
func AdmitParams(caps ModelCapabilities, params Params, logger logging.Logger) (map[string]any, error) {
	logger = logging.OrNop(logger)
	out := make(map[string]any)

	if params.Temperature != nil {
		if *params.Temperature < 0 || *params.Temperature > 2 {
			return nil, runerrors.Newf(runerrors.KindParamInvalid,
				"temperature %g is outside [0, 2]", *params.Temperature)
		}
		if caps.SupportsTemperature {
			out["temperature"] = *params.Temperature
		} else {
			logger.Warn("model %s does not support temperature; dropping it", caps.Family)
		}
	}

	if params.TopP != nil {
		if *params.TopP < 0 || *params.TopP > 1 {
			return nil, runerrors.Newf(runerrors.KindParamInvalid,
				"top_p %g is outside [0, 1]", *params.TopP)
		}
		if caps.SupportsTopP {
			out["top_p"] = *params.TopP
		} else {
			logger.Warn("model %s does not support top_p; dropping it", caps.Family)
		}
	}

	for name, value := range map[string]*float64{
		"frequency_penalty": params.FrequencyPenalty,
		"presence_penalty":  params.PresencePenalty,
	} {
		if value == nil {
			continue
		}
		if *value < -2 || *value > 2 {
			return nil, runerrors.Newf(runerrors.KindParamInvalid,
				"%s %g is outside [-2, 2]", name, *value)
		}
		if caps.SupportsPenalties {
			out[name] = *value
		} else {
			logger.Warn("model %s does not support %s; dropping it", caps.Family, name)
		}
	}

	if params.MaxOutputTokens != 0 {
		if params.MaxOutputTokens < 1 {
			return nil, runerrors.Newf(runerrors.KindParamInvalid,
				"max_output_tokens %d must be positive", params.MaxOutputTokens)
		}
		if caps.MaxOutputTokens > 0 && params.MaxOutputTokens > caps.MaxOutputTokens {
			return nil, runerrors.Newf(runerrors.KindParamInvalid,
				"max_output_tokens %d exceeds the model limit %d", params.MaxOutputTokens, caps.MaxOutputTokens).
				WithHint("Lower --max-output-tokens or pick a model with a larger output budget.")
		}
		out["max_output_tokens"] = params.MaxOutputTokens
	}

	if params.ReasoningEffort != "" {
		effort := strings.ToLower(strings.TrimSpace(params.ReasoningEffort))
		if !reasoningEfforts[effort] {
			return nil, runerrors.Newf(runerrors.KindParamInvalid,
				"reasoning effort %q is not one of minimal, low, medium, high", params.ReasoningEffort)
		}
		if caps.SupportsReasoningEffort {
			out["reasoning"] = map[string]any{"effort": effort}
		} else {
			logger.Warn("model %s does not support reasoning effort; dropping it", caps.Family)
		}
	}

	return out, nil
}
