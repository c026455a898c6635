package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPClientCompleteSendsAuthAndParsesReply(t *testing.T) {
	t.Parallel()

	var gotAuth string
	var gotReq chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_ = json.NewEncoder(w).Encode(chatResponse{
			Choices: []chatChoice{{Message: chatMessage{Role: "assistant", Content: "hello"}}},
			Usage:   chatUsage{TotalTokens: 7},
		})
	}))
	defer server.Close()

	c := NewHTTPClient(server.URL, "secret", "gpt-test", 256, 0.3, 5*time.Second)
	text, tokens, err := c.Complete(context.Background(), []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "hi"},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if text != "hello" {
		t.Fatalf("text = %q, want hello", text)
	}
	if tokens != 7 {
		t.Fatalf("tokens = %d, want 7", tokens)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("Authorization header = %q, want Bearer secret", gotAuth)
	}
	if gotReq.Model != "gpt-test" || len(gotReq.Messages) != 2 {
		t.Fatalf("request = %+v, want model gpt-test with 2 messages", gotReq)
	}
}

func TestHTTPClientCompleteSurfacesAPIError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(chatResponse{Error: &chatError{Message: "rate limited"}})
	}))
	defer server.Close()

	c := NewHTTPClient(server.URL, "", "gpt-test", 256, 0.3, 5*time.Second)
	if _, _, err := c.Complete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}); err == nil {
		t.Fatal("expected an error for a non-200 response")
	}
}

func TestHTTPClientCompleteRejectsEmptyChoices(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(chatResponse{})
	}))
	defer server.Close()

	c := NewHTTPClient(server.URL, "", "gpt-test", 256, 0.3, 5*time.Second)
	if _, _, err := c.Complete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}); err == nil {
		t.Fatal("expected an error when the response carries no choices")
	}
}
