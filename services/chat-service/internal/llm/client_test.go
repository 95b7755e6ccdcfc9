package llm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func completionBody(content string) string {
	return `{"choices":[{"message":{"role":"assistant","content":"` + content + `"}}]}`
}

func TestCompleteFirstKeyWins(t *testing.T) {
	var seenKeys []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenKeys = append(seenKeys, strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionBody("hello")))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Model: "test", APIKeys: []string{"k1", "k2"}})
	reply, err := c.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if reply != "hello" {
		t.Errorf("reply = %q", reply)
	}
	if len(seenKeys) != 1 || seenKeys[0] != "k1" {
		t.Errorf("keys tried = %v, want only k1", seenKeys)
	}
}

func TestCompleteRotatesOnAuthFailure(t *testing.T) {
	statuses := map[string]int{"k1": http.StatusUnauthorized, "k2": http.StatusTooManyRequests}
	var seenKeys []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		seenKeys = append(seenKeys, key)
		if status, ok := statuses[key]; ok {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionBody("from k3")))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Model: "test", APIKeys: []string{"k1", "k2", "k3"}})
	reply, err := c.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if reply != "from k3" {
		t.Errorf("reply = %q", reply)
	}
	if len(seenKeys) != 3 {
		t.Errorf("keys tried = %v, want k1 k2 k3 in order", seenKeys)
	}
}

func TestCompleteExhaustion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Model: "test", APIKeys: []string{"k1", "k2"}})
	_, err := c.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("err = %v, want ErrServiceUnavailable", err)
	}
}

func TestCompleteServerErrorDoesNotRotate(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Model: "test", APIKeys: []string{"k1", "k2"}})
	_, err := c.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if err == nil || errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("err = %v, want a non-rotation failure", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no rotation on server errors)", calls)
	}
}

func TestCompleteNoKeys(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://unused", Model: "test"})
	if _, err := c.Complete(context.Background(), nil); !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("err = %v, want ErrServiceUnavailable", err)
	}
}
