// Package safeguard enforces the two preconditions of unattended runs: a
// hard deadline around the whole execution, and a policy gate that rejects
// any tool configuration that would need a human mid-run.
package safeguard

import (
	"context"
	"fmt"
	"time"

	runerrors "schemarun/internal/errors"
)

// DefaultTimeout bounds a run when the caller does not pick one.
const DefaultTimeout = time.Hour

// Run executes fn under a deadline. An error caused by the deadline expiring
// is translated to an operation timeout with retry guidance; cancellation
// coming from the caller's own context passes through untouched.
func Run(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(runCtx)
	if err == nil {
		return nil
	}
	if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return runerrors.Wrapf(runerrors.KindTimeout, err,
			"run did not finish within %s", timeout).
			WithHint("Re-run with the timeout raised to %s. Code-execution containers expire after about 20 minutes idle, so very long runs may also need their files re-uploaded.", 2*timeout)
	}
	return err
}

// CheckPolicy scans the bundled tool configs for anything that would stall
// waiting on a person: an approval mode other than never, an interactive
// mode, or user prompting. It fires before the first request so a
// misconfigured endpoint cannot leak work.
func CheckPolicy(configs []map[string]any) error {
	for _, cfg := range configs {
		label := toolLabel(cfg)
		if v, ok := cfg["require_approval"]; ok {
			mode, isString := v.(string)
			if !isString || mode != "never" {
				return runerrors.Newf(runerrors.KindPolicyViolation,
					"%s requires approval (%v); unattended runs cannot answer approval prompts", label, v).
					WithHint("Set the endpoint's approval mode to never, or drop it from this run.")
			}
		}
		for _, key := range []string{"interactive", "prompt_user"} {
			if truthy(cfg[key]) {
				return runerrors.Newf(runerrors.KindPolicyViolation,
					"%s sets %s; unattended runs have no one to respond", label, key)
			}
		}
	}
	return nil
}

func toolLabel(cfg map[string]any) string {
	typ, _ := cfg["type"].(string)
	if typ == "" {
		typ = "tool"
	}
	if label, ok := cfg["server_label"].(string); ok && label != "" {
		return fmt.Sprintf("%s tool %q", typ, label)
	}
	return fmt.Sprintf("%s tool", typ)
}

func truthy(v any) bool {
	b, ok := v.(bool)
	return ok && b
}
