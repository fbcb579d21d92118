package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	recall "github.com/recall-proxy/recall/internal"
)

func TestGenerate_SingleObject(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/generate" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"text": "hello"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, nil)
	got, err := c.Generate(context.Background(), recall.Request{"text": "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || string(got[0]) != `{"text": "hello"}` {
		t.Errorf("got = %v", got)
	}
}

func TestGenerate_Array(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"text": "a"}, {"text": "b"}]`))
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, nil)
	got, err := c.Generate(context.Background(), recall.Request{"text": "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || string(got[1]) != `{"text": "b"}` {
		t.Errorf("got = %v", got)
	}
}

func TestGenerate_Upstream500(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, nil)
	_, err := c.Generate(context.Background(), recall.Request{"text": "hi"})
	if !errors.Is(err, recall.ErrUpstreamProtocol) {
		t.Errorf("err = %v, want ErrUpstreamProtocol", err)
	}
}

func TestGenerate_MalformedBody(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, nil)
	_, err := c.Generate(context.Background(), recall.Request{"text": "hi"})
	if !errors.Is(err, recall.ErrUpstreamProtocol) {
		t.Errorf("err = %v, want ErrUpstreamProtocol", err)
	}
}

func TestGenerate_ConnectionRefused(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listening anymore

	c := New(srv.URL, time.Second, nil)
	_, err := c.Generate(context.Background(), recall.Request{"text": "hi"})
	if !errors.Is(err, recall.ErrUpstreamUnavailable) {
		t.Errorf("err = %v, want ErrUpstreamUnavailable", err)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, nil)
	if err := c.Health(context.Background()); err != nil {
		t.Errorf("Health = %v, want nil", err)
	}
}

func TestHealth_Unhealthy(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, nil)
	if err := c.Health(context.Background()); !errors.Is(err, recall.ErrUpstreamProtocol) {
		t.Errorf("err = %v, want ErrUpstreamProtocol", err)
	}
}
