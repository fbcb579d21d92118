package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	recall "github.com/recall-proxy/recall/internal"
	"github.com/recall-proxy/recall/internal/engine"
	"github.com/recall-proxy/recall/internal/journal"
	"github.com/recall-proxy/recall/internal/store"
	"github.com/recall-proxy/recall/internal/upstream"
)

// fakeEngine is an httptest stand-in for the generation engine. It
// honors sampling_params.n and counts calls.
type fakeEngine struct {
	srv   *httptest.Server
	calls atomic.Int64
	lastN atomic.Int64
	fail  atomic.Bool
}

func newFakeEngine(t *testing.T) *fakeEngine {
	t.Helper()
	f := &fakeEngine{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/generate" {
			http.NotFound(w, r)
			return
		}
		if f.fail.Load() {
			http.Error(w, "engine overloaded", http.StatusInternalServerError)
			return
		}
		f.calls.Add(1)

		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		n := 1
		if sp, ok := req["sampling_params"].(map[string]any); ok {
			if v, ok := sp["n"].(float64); ok {
				n = int(v)
			}
		}
		f.lastN.Store(int64(n))

		seq := f.calls.Load()
		out := make([]map[string]any, n)
		for i := range out {
			out[i] = map[string]any{
				"text":          fmt.Sprintf("gen-%d-%d", seq, i),
				"finish_reason": "stop",
			}
		}
		w.Header().Set("Content-Type", "application/json")
		if n == 1 {
			json.NewEncoder(w).Encode(out[0])
			return
		}
		json.NewEncoder(w).Encode(out)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

// newTestServer wires a full proxy over a fake engine with a real
// journal in a temp dir.
func newTestServer(t *testing.T) (*httptest.Server, *fakeEngine, *engine.Engine) {
	t.Helper()
	fake := newFakeEngine(t)

	dir := t.TempDir()
	jl, err := journal.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		jl.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("journal did not stop")
		}
	})

	eng := engine.New(store.New(), jl)
	handler := New(Deps{
		Engine:   eng,
		Upstream: upstream.New(fake.srv.URL, 5*time.Second, nil),
		CacheDir: dir,
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, fake, eng
}

func postJSON(t *testing.T, url, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	return resp, buf.Bytes()
}

func TestGenerate_MissThenHit(t *testing.T) {
	t.Parallel()
	srv, fake, _ := newTestServer(t)

	body := `{"text": "tell me a story", "sampling_params": {"temperature": 0.7}}`
	resp1, out1 := postJSON(t, srv.URL+"/generate", body)
	if resp1.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp1.StatusCode, out1)
	}
	if fake.calls.Load() != 1 {
		t.Fatalf("upstream calls = %d, want 1", fake.calls.Load())
	}

	resp2, out2 := postJSON(t, srv.URL+"/generate", body)
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp2.StatusCode)
	}
	if fake.calls.Load() != 1 {
		t.Errorf("upstream calls = %d after repeat, want 1", fake.calls.Load())
	}
	if !bytes.Equal(out1, out2) {
		t.Errorf("replayed response differs: %s vs %s", out1, out2)
	}
}

func TestGenerate_ScalarForSingleSample(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t)

	_, out := postJSON(t, srv.URL+"/generate", `{"text": "hi"}`)
	var obj map[string]any
	if err := json.Unmarshal(out, &obj); err != nil {
		t.Fatalf("n=1 response is not a single object: %s", out)
	}
	if _, ok := obj["text"]; !ok {
		t.Errorf("completion object missing text: %s", out)
	}
}

func TestGenerate_ArrayForMultipleSamples(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t)

	_, out := postJSON(t, srv.URL+"/generate", `{"text": "hi", "sampling_params": {"n": 3}}`)
	var list []json.RawMessage
	if err := json.Unmarshal(out, &list); err != nil {
		t.Fatalf("n=3 response is not an array: %s", out)
	}
	if len(list) != 3 {
		t.Errorf("len = %d, want 3", len(list))
	}
}

func TestGenerate_PartialFill(t *testing.T) {
	t.Parallel()
	srv, fake, _ := newTestServer(t)

	postJSON(t, srv.URL+"/generate", `{"text": "hi", "sampling_params": {"n": 2}}`)
	if got := fake.lastN.Load(); got != 2 {
		t.Fatalf("first upstream n = %d, want 2", got)
	}

	_, out := postJSON(t, srv.URL+"/generate", `{"text": "hi", "sampling_params": {"n": 5}}`)
	if got := fake.lastN.Load(); got != 3 {
		t.Errorf("top-up upstream n = %d, want 3", got)
	}
	var list []map[string]any
	if err := json.Unmarshal(out, &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 5 {
		t.Fatalf("merged len = %d, want 5", len(list))
	}
	// Cached completions come first, from the first upstream call.
	if text, _ := list[0]["text"].(string); !strings.HasPrefix(text, "gen-1-") {
		t.Errorf("prefix not served from cache: %v", list[0])
	}
	if text, _ := list[4]["text"].(string); !strings.HasPrefix(text, "gen-2-") {
		t.Errorf("tail not freshly generated: %v", list[4])
	}
}

func TestGenerate_DialectsShareCache(t *testing.T) {
	t.Parallel()
	srv, fake, _ := newTestServer(t)

	postJSON(t, srv.URL+"/v1/completions", `{"prompt": "shared prompt"}`)
	if fake.calls.Load() != 1 {
		t.Fatalf("upstream calls = %d, want 1", fake.calls.Load())
	}

	// The native spelling of the same request hits the same entry.
	resp, _ := postJSON(t, srv.URL+"/generate", `{"text": "shared prompt", "sampling_params": {}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if fake.calls.Load() != 1 {
		t.Errorf("upstream calls = %d after cross-dialect repeat, want 1", fake.calls.Load())
	}
}

func TestCompletions_Envelope(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t)

	resp, out := postJSON(t, srv.URL+"/v1/completions",
		`{"model": "llama-3", "prompt": "hi", "n": 2, "max_tokens": 16}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, out)
	}

	var env struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Model   string `json:"model"`
		Choices []struct {
			Index        int    `json:"index"`
			Text         string `json:"text"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(out, &env); err != nil {
		t.Fatal(err)
	}
	if env.Object != "text_completion" || env.Model != "llama-3" {
		t.Errorf("envelope = %+v", env)
	}
	if !strings.HasPrefix(env.ID, "cmpl-") {
		t.Errorf("id = %q", env.ID)
	}
	if len(env.Choices) != 2 || env.Choices[1].Index != 1 {
		t.Errorf("choices = %+v", env.Choices)
	}
}

func TestChatCompletions_Envelope(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t)

	resp, out := postJSON(t, srv.URL+"/v1/chat/completions",
		`{"model": "llama-3", "messages": [{"role": "user", "content": "hi"}]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, out)
	}

	var env struct {
		Object  string `json:"object"`
		Choices []struct {
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(out, &env); err != nil {
		t.Fatal(err)
	}
	if env.Object != "chat.completion" {
		t.Errorf("object = %q", env.Object)
	}
	if len(env.Choices) != 1 || env.Choices[0].Message.Role != "assistant" {
		t.Errorf("choices = %+v", env.Choices)
	}
}

func TestGenerate_ErrorStatuses(t *testing.T) {
	t.Parallel()
	srv, fake, _ := newTestServer(t)

	cases := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", `{`, http.StatusBadRequest},
		{"missing prompt", `{"sampling_params": {}}`, http.StatusBadRequest},
		{"bad n", `{"text": "hi", "sampling_params": {"n": 0}}`, http.StatusUnprocessableEntity},
		{"bad role", `{"messages": [{"role": "oracle", "content": "x"}]}`, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		resp, out := postJSON(t, srv.URL+"/generate", tc.body)
		if resp.StatusCode != tc.want {
			t.Errorf("%s: status = %d, want %d (%s)", tc.name, resp.StatusCode, tc.want, out)
		}
	}
	if fake.calls.Load() != 0 {
		t.Errorf("rejected requests reached upstream: %d calls", fake.calls.Load())
	}
}

func TestGenerate_UpstreamFailure(t *testing.T) {
	t.Parallel()
	srv, fake, eng := newTestServer(t)
	fake.fail.Store(true)

	resp, _ := postJSON(t, srv.URL+"/generate", `{"text": "hi"}`)
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}

	// The failed attempt counted as a miss and stored nothing.
	s := eng.Stats()
	if s.Misses != 1 || s.TotalResponses != 0 {
		t.Errorf("stats = %+v", s)
	}

	// Upstream recovery turns the same request into a normal miss-fill.
	fake.fail.Store(false)
	resp, _ = postJSON(t, srv.URL+"/generate", `{"text": "hi"}`)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status after recovery = %d", resp.StatusCode)
	}
}

func TestCacheStatsAndClear(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t)

	postJSON(t, srv.URL+"/generate", `{"text": "a"}`)
	postJSON(t, srv.URL+"/generate", `{"text": "a"}`)
	postJSON(t, srv.URL+"/generate", `{"text": "b", "sampling_params": {"n": 2}}`)

	resp, err := http.Get(srv.URL + "/cache/stats")
	if err != nil {
		t.Fatal(err)
	}
	var stats recall.CacheStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if stats.Hits != 1 || stats.Misses != 2 {
		t.Errorf("hits = %d, misses = %d; want 1, 2", stats.Hits, stats.Misses)
	}
	if stats.NumKeys != 2 || stats.TotalResponses != 3 {
		t.Errorf("keys = %d, total = %d; want 2, 3", stats.NumKeys, stats.TotalResponses)
	}

	if resp, _ := postJSON(t, srv.URL+"/cache/clear", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("clear status = %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/cache/stats")
	if err != nil {
		t.Fatal(err)
	}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if stats.NumKeys != 0 || stats.Hits != 0 {
		t.Errorf("stats after clear = %+v", stats)
	}
}

func TestCacheInfo(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/cache/info")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var info map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatal(err)
	}
	file, _ := info["cache_file"].(string)
	if !strings.HasSuffix(file, journal.FileName) {
		t.Errorf("cache_file = %q", file)
	}
	if _, ok := info["cache_dir"]; !ok {
		t.Error("cache_dir missing")
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestRequestIDHeader(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.Header.Get("X-Request-Id") == "" {
		t.Error("response missing X-Request-Id")
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/health", nil)
	req.Header.Set("X-Request-Id", "caller-supplied")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-Id"); got != "caller-supplied" {
		t.Errorf("request id = %q, want caller-supplied", got)
	}
}
