// Package fingerprint maps a normalized generation request to a stable
// cache key. The "n" sampling parameter (number of completions) is
// extracted and removed before hashing so that requests differing only in
// sample count share one cache entry.
package fingerprint

import (
	"crypto/sha256"
	"fmt"
	"math"

	recall "github.com/recall-proxy/recall/internal"
)

var validRoles = map[string]struct{}{
	"system":    {},
	"user":      {},
	"assistant": {},
	"tool":      {},
}

// Compute normalizes a native-dialect request, returning its fingerprint
// and the requested sample count. n defaults to 1 when absent.
func Compute(req recall.Request) (recall.Fingerprint, int, error) {
	normalized, n, err := normalize(req)
	if err != nil {
		return recall.Fingerprint{}, 0, err
	}
	data, err := appendCanonical(nil, normalized)
	if err != nil {
		return recall.Fingerprint{}, 0, err
	}
	return sha256.Sum256(data), n, nil
}

// normalize reduces a request to the parts that define cache identity:
// the prompt, the model (when present), and every sampling parameter
// except "n". An empty prompt ("" or []) is valid; a parameter set to
// null is distinct from an absent parameter.
func normalize(req recall.Request) (map[string]any, int, error) {
	prompt, ok := extractPrompt(req)
	if !ok {
		return nil, 0, fmt.Errorf("%w: missing prompt field", recall.ErrBadRequest)
	}
	if msgs, isMsgs := prompt.([]any); isMsgs {
		reduced, err := reduceMessages(msgs)
		if err != nil {
			return nil, 0, err
		}
		prompt = reduced
	}

	params := map[string]any{}
	if sp, ok := req["sampling_params"].(map[string]any); ok {
		for k, v := range sp {
			if k == "n" {
				continue
			}
			params[k] = v
		}
	}

	n, err := extractN(req)
	if err != nil {
		return nil, 0, err
	}

	normalized := map[string]any{
		"prompt": prompt,
		"params": params,
	}
	if model, ok := req["model"].(string); ok && model != "" {
		normalized["model"] = model
	}
	return normalized, n, nil
}

// extractPrompt returns the prompt value, trying "text", "prompt",
// "messages", and "input_ids" in that priority order.
func extractPrompt(req recall.Request) (any, bool) {
	for _, field := range []string{"text", "prompt", "messages", "input_ids"} {
		if v, ok := req[field]; ok {
			return v, true
		}
	}
	return nil, false
}

// reduceMessages keeps only the role and content of each chat message.
// Token-id prompts also arrive as []any; those pass through untouched.
func reduceMessages(msgs []any) (any, error) {
	if len(msgs) == 0 {
		return msgs, nil
	}
	if _, isObj := msgs[0].(map[string]any); !isObj {
		return msgs, nil
	}
	out := make([]any, len(msgs))
	for i, m := range msgs {
		obj, ok := m.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: message %d is not an object", recall.ErrBadRequest, i)
		}
		role, _ := obj["role"].(string)
		if _, ok := validRoles[role]; !ok {
			return nil, fmt.Errorf("%w: unknown role %q", recall.ErrValidation, role)
		}
		out[i] = map[string]any{
			"role":    role,
			"content": obj["content"],
		}
	}
	return out, nil
}

// extractN reads sampling_params.n, defaulting to 1 when absent.
// Non-integral or non-positive values are rejected.
func extractN(req recall.Request) (int, error) {
	sp, ok := req["sampling_params"].(map[string]any)
	if !ok {
		return 1, nil
	}
	raw, ok := sp["n"]
	if !ok {
		return 1, nil
	}
	f, ok := raw.(float64)
	if !ok || f != math.Trunc(f) {
		return 0, fmt.Errorf("%w: n must be an integer", recall.ErrValidation)
	}
	n := int(f)
	if n <= 0 {
		return 0, fmt.Errorf("%w: n must be positive, got %d", recall.ErrValidation, n)
	}
	return n, nil
}
