package judge

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"bountyline/internal/domain"
)

type fakeCompleter struct {
	reply  string
	err    error
	prompt string
}

func (f *fakeCompleter) Complete(_ context.Context, prompt string) (string, error) {
	f.prompt = prompt
	return f.reply, f.err
}

type reachable struct{}

func (reachable) Check(context.Context, string) error { return nil }

func newJudge(c Completer, model string) *Judge {
	return New(c, model, nil).WithURLChecker(reachable{})
}

func sampleEvaluation() Evaluation {
	return Evaluation{
		Task: domain.Task{ID: 3, Title: "Port the parser", Requirements: "tests pass", BountyAmount: 5000},
		Submission: domain.Submission{
			TaskID: 3, Agent: "agent-a", URL: "https://example.com/pr/1", Notes: "ported and tested",
		},
	}
}

func TestParseVerdict(t *testing.T) {
	cases := []struct {
		name   string
		text   string
		ok     bool
		rating uint8
	}{
		{"plain", `{"approved":true,"rating":4,"reasoning":"ok","feedback":"nice"}`, true, 4},
		{"fenced", "Here you go:\n```json\n{\"approved\": false, \"rating\": 2}\n```", true, 2},
		{"high", `{"approved":true,"rating":9}`, true, 5},
		{"low", `{"approved":false,"rating":-3}`, true, 1},
		{"fraction", `{"approved":true,"rating":3.6}`, true, 4},
		{"none", "I cannot decide.", false, 0},
		{"broken", `{"approved": tru`, false, 0},
	}
	for _, tc := range cases {
		v, ok := ParseVerdict(tc.text)
		if ok != tc.ok {
			t.Fatalf("%s: ok=%v, want %v", tc.name, ok, tc.ok)
		}
		if ok && v.Rating != tc.rating {
			t.Fatalf("%s: rating=%d, want %d", tc.name, v.Rating, tc.rating)
		}
	}
}

func TestEvaluateUsesPromptAndModel(t *testing.T) {
	f := &fakeCompleter{reply: `{"approved":true,"rating":5,"reasoning":"all met","feedback":"great"}`}
	j := newJudge(f, "test-model")
	v, err := j.Evaluate(context.Background(), sampleEvaluation())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !v.Approved || v.Rating != 5 || v.Model != "test-model" || v.Manual {
		t.Fatalf("unexpected verdict %+v", v)
	}
	for _, want := range []string{"Port the parser", "tests pass", "https://example.com/pr/1", "ported and tested"} {
		if !strings.Contains(f.prompt, want) {
			t.Fatalf("prompt missing %q", want)
		}
	}
}

func TestEvaluateFallsBackToManualReview(t *testing.T) {
	j := newJudge(&fakeCompleter{reply: "no json here"}, "m")
	v, err := j.Evaluate(context.Background(), sampleEvaluation())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if v.Approved || v.Rating != 2 || !v.Manual {
		t.Fatalf("expected manual review verdict, got %+v", v)
	}
}

func TestEvaluateErrors(t *testing.T) {
	boom := errors.New("boom")
	j := newJudge(&fakeCompleter{err: boom}, "m")
	if _, err := j.Evaluate(context.Background(), sampleEvaluation()); !errors.Is(err, boom) {
		t.Fatalf("expected transport error, got %v", err)
	}
	var disabled *Judge
	if _, err := disabled.Evaluate(context.Background(), sampleEvaluation()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}

func TestNewAnthropicCompleterNeedsKey(t *testing.T) {
	if _, err := NewAnthropicCompleter(Config{}); err == nil {
		t.Fatalf("expected missing key error")
	}
	c, err := NewAnthropicCompleter(Config{APIKey: "sk-test"})
	if err != nil {
		t.Fatal(err)
	}
	if c.model != DefaultModel || c.maxTokens != DefaultMaxTokens {
		t.Fatalf("defaults not applied: %s %d", c.model, c.maxTokens)
	}
}

func TestEvaluateRejectsUnreachableURL(t *testing.T) {
	var heads atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			heads.Add(1)
		}
		if r.URL.Path == "/ok" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := &fakeCompleter{reply: `{"approved":true,"rating":5}`}
	j := New(f, "m", nil)
	ev := sampleEvaluation()
	ev.Submission.URL = srv.URL + "/missing"
	v, err := j.Evaluate(context.Background(), ev)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if v.Approved || v.Rating != 1 || !strings.Contains(v.Reasoning, "not accessible") || !strings.Contains(v.Reasoning, "404") {
		t.Fatalf("expected unreachable verdict, got %+v", v)
	}
	if f.prompt != "" {
		t.Fatalf("model was called for an unreachable url")
	}

	ev.Submission.URL = srv.URL + "/ok"
	v, err = j.Evaluate(context.Background(), ev)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !v.Approved || v.Rating != 5 || f.prompt == "" {
		t.Fatalf("reachable url should reach the model, got %+v", v)
	}
	if n := heads.Load(); n != 2 {
		t.Fatalf("HEAD requests = %d, want 2", n)
	}
}

func TestHTTPURLCheckerErrors(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	if err := (HTTPURLChecker{Timeout: 50 * time.Millisecond}).Check(context.Background(), srv.URL); err == nil {
		t.Fatalf("expected timeout error")
	}
	if err := (HTTPURLChecker{}).Check(context.Background(), "::not a url"); err == nil {
		t.Fatalf("expected error for malformed url")
	}
}
