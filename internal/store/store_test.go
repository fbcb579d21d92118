package store

import (
	"crypto/sha256"
	"testing"

	recall "github.com/recall-proxy/recall/internal"
)

func fp(s string) recall.Fingerprint {
	return sha256.Sum256([]byte(s))
}

func comps(ss ...string) []recall.Completion {
	out := make([]recall.Completion, len(ss))
	for i, s := range ss {
		out[i] = recall.Completion(s)
	}
	return out
}

func TestStore_AppendAndList(t *testing.T) {
	t.Parallel()
	s := New()
	k := fp("a")

	if got := s.List(k); got != nil {
		t.Errorf("List on empty store = %v, want nil", got)
	}

	s.Append(k, comps(`{"text":"one"}`))
	s.Append(k, comps(`{"text":"two"}`, `{"text":"three"}`))

	got := s.List(k)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if string(got[0]) != `{"text":"one"}` || string(got[2]) != `{"text":"three"}` {
		t.Errorf("order not preserved: %s, %s", got[0], got[2])
	}

	if s.Keys() != 1 {
		t.Errorf("Keys = %d, want 1", s.Keys())
	}
	if s.Total() != 3 {
		t.Errorf("Total = %d, want 3", s.Total())
	}
}

func TestStore_ListReturnsCopy(t *testing.T) {
	t.Parallel()
	s := New()
	k := fp("a")
	s.Append(k, comps(`"x"`))

	snapshot := s.List(k)
	s.Append(k, comps(`"y"`))

	if len(snapshot) != 1 {
		t.Errorf("snapshot grew after a later append: len = %d", len(snapshot))
	}

	// Mutating the snapshot must not corrupt the store.
	snapshot[0] = recall.Completion(`"corrupted"`)
	if got := s.List(k); string(got[0]) != `"x"` {
		t.Errorf("store entry = %s, want %q", got[0], `"x"`)
	}
}

func TestStore_Clear(t *testing.T) {
	t.Parallel()
	s := New()
	s.Append(fp("a"), comps(`"1"`))
	s.Append(fp("b"), comps(`"2"`, `"3"`))

	s.Clear()

	if s.Keys() != 0 || s.Total() != 0 {
		t.Errorf("after Clear: Keys = %d, Total = %d, want 0, 0", s.Keys(), s.Total())
	}
	if got := s.List(fp("a")); got != nil {
		t.Errorf("List after Clear = %v, want nil", got)
	}
}

func TestStore_EmptyAppendNoop(t *testing.T) {
	t.Parallel()
	s := New()
	s.Append(fp("a"), nil)
	if s.Keys() != 0 {
		t.Errorf("empty append created an entry: Keys = %d", s.Keys())
	}
}
