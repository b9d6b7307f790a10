package audio

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/walters954/OpenBookLM/internal/domain"
)

// TokenSigner mints short-lived credentials for backend calls.
type TokenSigner interface {
	Sign(audience string) (string, error)
}

// BackendAudience is the service-token audience the audio backend expects.
const BackendAudience = "audio-backend"

// Backend calls the external audio generation service.
type Backend struct {
	baseURL    string
	httpClient *http.Client
	signer     TokenSigner
}

// NewBackend builds a client for the audio backend.
func NewBackend(baseURL string) *Backend {
	return &Backend{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

// WithSigner attaches a service-token signer; each backend call then carries
// a freshly minted bearer token.
func (b *Backend) WithSigner(signer TokenSigner) *Backend {
	b.signer = signer
	return b
}

type generateRequest struct {
	NotebookID   string        `json:"notebook_id"`
	Conversation []turnPayload `json:"conversation"`
}

type turnPayload struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type generateResponse struct {
	Audio   string `json:"audio"`
	Message string `json:"message,omitempty"`
}

// Generate renders a conversation to audio and returns the raw WAV bytes.
func (b *Backend) Generate(ctx context.Context, notebookID string, conversation []domain.Message) ([]byte, error) {
	payload := generateRequest{NotebookID: notebookID}
	for _, m := range conversation {
		payload.Conversation = append(payload.Conversation, turnPayload{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/api/generate_audio", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if b.signer != nil {
		token, err := b.signer.Sign(BackendAudience)
		if err != nil {
			return nil, fmt.Errorf("sign backend token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("audio backend request: %w", err)
	}
	defer resp.Body.Close()

	var decoded generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("audio backend decode: %w", err)
	}
	if resp.StatusCode >= 400 {
		if decoded.Message != "" {
			return nil, fmt.Errorf("audio backend error: %s", decoded.Message)
		}
		return nil, fmt.Errorf("audio backend error: %s", resp.Status)
	}
	if decoded.Audio == "" {
		return nil, fmt.Errorf("audio backend returned no audio")
	}
	wav, err := base64.StdEncoding.DecodeString(decoded.Audio)
	if err != nil {
		return nil, fmt.Errorf("audio backend payload: %w", err)
	}
	return wav, nil
}
