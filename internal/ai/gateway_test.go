package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/config"
	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/log"
	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/store"
)

func testConfig(serviceURL, healthURL string) *config.Config {
	return &config.Config{
		AIServiceURL:    serviceURL,
		AIHealthURL:     healthURL,
		AITimeout:       5 * time.Second,
		AISystemMessage: "be helpful",
		FallbackMessage: "fallback answer",
	}
}

func TestQuery_SendsExpectedPayload(t *testing.T) {
	var gotBody struct {
		Query         string                   `json:"query"`
		UserID        string                   `json:"user_id"`
		History       []store.ConversationTurn `json:"history"`
		SystemMessage *string                  `json:"system_message"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]string{"response": "the answer"})
	}))
	defer srv.Close()

	g := NewGateway(testConfig(srv.URL, srv.URL), log.NewNop(), nil)
	history := []store.ConversationTurn{{Role: store.RoleUser, Content: "hi"}}
	resp, err := g.Query(context.Background(), "Hello world", "u1", history)
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if resp.Response != "the answer" {
		t.Errorf("Response = %q, want %q", resp.Response, "the answer")
	}
	if gotBody.Query != "Hello world" || gotBody.UserID != "u1" {
		t.Errorf("request body = %+v", gotBody)
	}
	if len(gotBody.History) != 1 || gotBody.History[0].Content != "hi" {
		t.Errorf("history = %+v, want the passed turns", gotBody.History)
	}
	if gotBody.SystemMessage == nil || *gotBody.SystemMessage != "be helpful" {
		t.Errorf("system_message = %v, want configured text", gotBody.SystemMessage)
	}
}

func TestQuery_UpstreamErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	g := NewGateway(testConfig(srv.URL, srv.URL), log.NewNop(), nil)
	_, err := g.Query(context.Background(), "q", "u1", nil)

	var aiErr *Error
	if !errors.As(err, &aiErr) {
		t.Fatalf("error = %v, want *ai.Error", err)
	}
	if aiErr.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d, want 500", aiErr.StatusCode)
	}
}

func TestQuery_ResponseValidation(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantDetail string
	}{
		{"empty payload", "", "empty response from AI service"},
		{"not json", "garbage", "invalid AI response format"},
		{"missing answer field", `{"other": "x"}`, "invalid AI response format"},
		{"non-string answer", `{"response": 42}`, "invalid AI response format"},
		{"blank answer", `{"response": "   "}`, "blank AI response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			g := NewGateway(testConfig(srv.URL, srv.URL), log.NewNop(), nil)
			_, err := g.Query(context.Background(), "q", "u1", nil)

			var aiErr *Error
			if !errors.As(err, &aiErr) {
				t.Fatalf("error = %v, want *ai.Error", err)
			}
			if aiErr.Detail != tt.wantDetail {
				t.Errorf("Detail = %q, want %q", aiErr.Detail, tt.wantDetail)
			}
		})
	}
}

func TestQuery_BreakerOpensAndShortCircuitsToFallback(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	g := NewGateway(testConfig(srv.URL, srv.URL), log.NewNop(), nil)

	// The breaker trips once it has seen 5 requests with >=30% failures.
	for i := 0; i < 5; i++ {
		if _, err := g.Query(context.Background(), "q", "u1", nil); err == nil {
			t.Fatalf("Query() %d error = nil, want failure", i)
		}
	}
	tripped := requests.Load()

	for i := 0; i < 3; i++ {
		resp, err := g.Query(context.Background(), "q", "u1", nil)
		if err != nil {
			t.Fatalf("Query() with open breaker error: %v", err)
		}
		if resp.Response != "fallback answer" {
			t.Errorf("Response = %q, want fallback", resp.Response)
		}
	}
	if got := requests.Load(); got != tripped {
		t.Errorf("network calls after breaker opened: %d, want 0", got-tripped)
	}
}

func TestHealthy(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()
	unhealthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer unhealthy.Close()

	g := NewGateway(testConfig(healthy.URL, healthy.URL), log.NewNop(), nil)
	if !g.Healthy(context.Background()) {
		t.Error("Healthy() = false for a 200 probe")
	}

	g = NewGateway(testConfig(unhealthy.URL, unhealthy.URL), log.NewNop(), nil)
	if g.Healthy(context.Background()) {
		t.Error("Healthy() = true for a 503 probe")
	}
}

func TestQuery_PreflightHealthFailsFast(t *testing.T) {
	var queryCalls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queryCalls.Add(1)
		json.NewEncoder(w).Encode(map[string]string{"response": "ok"})
	}))
	defer srv.Close()
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	cfg := testConfig(srv.URL, down.URL)
	cfg.AIPreflightHealth = true
	g := NewGateway(cfg, log.NewNop(), nil)

	_, err := g.Query(context.Background(), "q", "u1", nil)
	var aiErr *Error
	if !errors.As(err, &aiErr) || aiErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("error = %v, want 503 *ai.Error", err)
	}
	if queryCalls.Load() != 0 {
		t.Errorf("query endpoint was called %d times despite failed preflight", queryCalls.Load())
	}
}
