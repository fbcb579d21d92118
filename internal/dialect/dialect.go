// Package dialect translates between the OpenAI request/response shapes
// and the native generation dialect the upstream engine speaks. The
// native dialect passes through the proxy untranslated.
package dialect

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	recall "github.com/recall-proxy/recall/internal"
)

// Dialect identifies which surface a request arrived on.
type Dialect string

const (
	Native         Dialect = "native"
	Completions    Dialect = "completions"
	ChatCompletion Dialect = "chat"
)

// samplingParams are the OpenAI top-level fields that map into the
// native sampling_params object. Everything else not otherwise handled
// is dropped.
var samplingParams = map[string]string{
	"n":                  "n",
	"temperature":        "temperature",
	"top_p":              "top_p",
	"top_k":              "top_k",
	"min_p":              "min_p",
	"frequency_penalty":  "frequency_penalty",
	"presence_penalty":   "presence_penalty",
	"repetition_penalty": "repetition_penalty",
	"stop":               "stop",
	"seed":               "seed",
	"max_tokens":         "max_new_tokens",
}

// ToNative converts an OpenAI-dialect request body into a native
// request. Completions requests carry "prompt"; chat requests carry
// "messages". The prompt field is renamed so the fingerprint of a
// translated request matches an equivalent native one.
func ToNative(d Dialect, req recall.Request) (recall.Request, error) {
	switch d {
	case Native:
		return req, nil
	case Completions:
		prompt, ok := req["prompt"]
		if !ok {
			return nil, fmt.Errorf("%w: missing prompt field", recall.ErrBadRequest)
		}
		return translate(req, "text", prompt), nil
	case ChatCompletion:
		msgs, ok := req["messages"]
		if !ok {
			return nil, fmt.Errorf("%w: missing messages field", recall.ErrBadRequest)
		}
		return translate(req, "messages", msgs), nil
	default:
		return nil, fmt.Errorf("%w: unknown dialect %q", recall.ErrBadRequest, d)
	}
}

func translate(req recall.Request, promptField string, prompt any) recall.Request {
	params := map[string]any{}
	for src, dst := range samplingParams {
		if v, ok := req[src]; ok {
			params[dst] = v
		}
	}
	native := recall.Request{
		promptField:       prompt,
		"sampling_params": params,
	}
	if model, ok := req["model"]; ok {
		native["model"] = model
	}
	return native
}

// completionText extracts the generated text from one native
// completion object.
func completionText(c recall.Completion) string {
	return gjson.GetBytes(c, "text").String()
}

// finishReason extracts the stop reason, falling back through the two
// shapes the engine emits and then to "stop".
func finishReason(c recall.Completion) string {
	if r := gjson.GetBytes(c, "finish_reason"); r.Exists() {
		if s := r.String(); s != "" {
			return s
		}
	}
	if r := gjson.GetBytes(c, "meta_info.finish_reason.type"); r.Exists() {
		if s := r.String(); s != "" {
			return s
		}
	}
	return "stop"
}

// modelName echoes the request's model, or a stand-in when the request
// never named one.
func modelName(req recall.Request) string {
	if m, ok := req["model"].(string); ok && m != "" {
		return m
	}
	return "unknown"
}

// FromNative wraps native completions in the response envelope of the
// dialect the request arrived on. req is the ORIGINAL inbound body,
// used to echo the model name.
func FromNative(d Dialect, req recall.Request, completions []recall.Completion) any {
	switch d {
	case Completions:
		choices := make([]map[string]any, len(completions))
		for i, c := range completions {
			choices[i] = map[string]any{
				"index":         i,
				"text":          completionText(c),
				"finish_reason": finishReason(c),
				"logprobs":      nil,
			}
		}
		return map[string]any{
			"id":      "cmpl-" + uuid.NewString(),
			"object":  "text_completion",
			"created": time.Now().Unix(),
			"model":   modelName(req),
			"choices": choices,
		}
	case ChatCompletion:
		choices := make([]map[string]any, len(completions))
		for i, c := range completions {
			choices[i] = map[string]any{
				"index": i,
				"message": map[string]any{
					"role":    "assistant",
					"content": completionText(c),
				},
				"finish_reason": finishReason(c),
			}
		}
		return map[string]any{
			"id":      "chatcmpl-" + uuid.NewString(),
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   modelName(req),
			"choices": choices,
		}
	default:
		// Native callers get the raw completion list; a single
		// completion unwraps to a scalar object when n is 1.
		if len(completions) == 1 {
			return completions[0]
		}
		return completions
	}
}
