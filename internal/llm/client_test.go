package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/walters954/OpenBookLM/internal/domain"
)

func TestCompleteReturnsAssistantText(t *testing.T) {
	var gotBody oaiChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "  mitochondria  "}},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/v1", "test-key", "test-model")
	text, err := c.Complete(context.Background(), []domain.Message{
		{Role: domain.RoleSystem, Content: "you are helpful"},
		{Role: domain.RoleUser, Content: "what powers the cell"},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if text != "mitochondria" {
		t.Fatalf("unexpected reply %q", text)
	}
	if gotBody.Model != "test-model" || len(gotBody.Messages) != 2 {
		t.Fatalf("unexpected request body: %+v", gotBody)
	}
	if gotBody.Messages[0].Role != "system" {
		t.Fatalf("roles must pass through, got %q", gotBody.Messages[0].Role)
	}
}

func TestCompleteClassifiesContextLengthErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{
				"message": "This model's maximum context length is 8192 tokens",
				"type":    "invalid_request_error",
				"code":    "context_length_exceeded",
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/v1", "", "test-model")
	_, err := c.Complete(context.Background(), []domain.Message{
		{Role: domain.RoleUser, Content: "hello"},
	})
	if !errors.Is(err, ErrContextTooLarge) {
		t.Fatalf("want ErrContextTooLarge, got %v", err)
	}
}

func TestCompleteSurfacesGenericAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"message": "upstream exploded"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/v1", "", "test-model")
	_, err := c.Complete(context.Background(), []domain.Message{
		{Role: domain.RoleUser, Content: "hello"},
	})
	if err == nil || errors.Is(err, ErrContextTooLarge) {
		t.Fatalf("want generic error, got %v", err)
	}
}

func TestCompleteRejectsEmptyChoice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/v1", "", "test-model")
	if _, err := c.Complete(context.Background(), []domain.Message{
		{Role: domain.RoleUser, Content: "hello"},
	}); err == nil {
		t.Fatal("want error on empty choices")
	}
}
