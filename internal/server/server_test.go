package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/walters954/OpenBookLM/internal/app"
	"github.com/walters954/OpenBookLM/internal/auth"
	"github.com/walters954/OpenBookLM/internal/cache"
	"github.com/walters954/OpenBookLM/internal/chathistory"
	"github.com/walters954/OpenBookLM/internal/credit"
	"github.com/walters954/OpenBookLM/internal/domain"
	"github.com/walters954/OpenBookLM/internal/fetcher"
	"github.com/walters954/OpenBookLM/internal/notebook"
	"github.com/walters954/OpenBookLM/internal/store"
	"github.com/walters954/OpenBookLM/internal/user"
	"github.com/walters954/OpenBookLM/internal/usertoken"
)

type stubCompleter struct {
	reply string
}

func (c stubCompleter) Complete(context.Context, []domain.Message) (string, error) {
	return c.reply, nil
}

func newTestServer(t *testing.T, opts ...func(*Config)) (*httptest.Server, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	mr := miniredis.RunT(t)
	c := cache.New(mr.Addr(), "")
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	credits := credit.NewManager(st, c, logger)
	users := user.NewService(st, credits, logger)
	notebooks := notebook.NewService(st, c, credits, fetcher.New(), logger)
	history := chathistory.NewManager(st, c, logger)
	chat := app.New(st, history, credits, stubCompleter{reply: "the mitochondria"}, 6000, logger)
	sessions := auth.NewSessionStore("test-session-secret", time.Hour)

	cfg := Config{
		Users:     users,
		Sessions:  sessions,
		Notebooks: notebooks,
		Chat:      chat,
		Credits:   credits,
		Cache:     c,
		Logger:    logger,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	srv := New(cfg)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, st
}

func doJSON(t *testing.T, method, url, token string, body any) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	var payload map[string]json.RawMessage
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	return resp, payload
}

func guestToken(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	resp, payload := doJSON(t, http.MethodPost, ts.URL+"/auth/guest", "", nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("guest signup status %d", resp.StatusCode)
	}
	var token string
	if err := json.Unmarshal(payload["token"], &token); err != nil || token == "" {
		t.Fatalf("missing session token in %v", payload)
	}
	return token
}

func TestGuestSessionAndMe(t *testing.T) {
	ts, _ := newTestServer(t)
	token := guestToken(t, ts)

	resp, payload := doJSON(t, http.MethodGet, ts.URL+"/me", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("me status %d", resp.StatusCode)
	}
	var u domain.User
	if err := json.Unmarshal(payload["isGuest"], &u.IsGuest); err != nil || !u.IsGuest {
		t.Fatalf("guest flag missing in %v", payload)
	}
	var credits int
	if err := json.Unmarshal(payload["credits"], &credits); err != nil || credits != credit.GuestInitialCredits {
		t.Fatalf("guest starting balance = %d", credits)
	}
}

func TestAuthRequired(t *testing.T) {
	ts, _ := newTestServer(t)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/me"},
		{http.MethodGet, "/notebooks"},
		{http.MethodGet, "/credits/usage"},
	} {
		resp, _ := doJSON(t, tc.method, ts.URL+tc.path, "", nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s %s without token: status %d", tc.method, tc.path, resp.StatusCode)
		}
	}

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/me", "not-a-jwt", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token: status %d", resp.StatusCode)
	}
}

func TestRegisterLoginFlow(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/auth/register", "", map[string]string{
		"email": "ada@example.com", "name": "Ada", "password": "Sup3r-secret!",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/auth/register", "", map[string]string{
		"email": "ada@example.com", "name": "Ada", "password": "Sup3r-secret!",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate register status %d", resp.StatusCode)
	}

	resp, payload := doJSON(t, http.MethodPost, ts.URL+"/auth/login", "", map[string]string{
		"email": "ada@example.com", "password": "Sup3r-secret!",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status %d", resp.StatusCode)
	}
	if _, ok := payload["token"]; !ok {
		t.Fatal("login response missing token")
	}

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/auth/login", "", map[string]string{
		"email": "ada@example.com", "password": "wrong",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad password status %d", resp.StatusCode)
	}
}

func TestExternalLogin(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{{
			"kty": "RSA",
			"kid": "kid-1",
			"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
		}}})
	}))
	defer jwks.Close()

	verifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:  jwks.URL,
		Issuer:   "idp.example.com",
		Audience: "openbooklm",
	})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	ts, _ := newTestServer(t, func(cfg *Config) { cfg.External = verifier })

	idpToken := func(subject string) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
			"sub":   subject,
			"iss":   "idp.example.com",
			"aud":   "openbooklm",
			"exp":   time.Now().Add(time.Minute).Unix(),
			"iat":   time.Now().Unix(),
			"email": "Ada@Example.com",
			"name":  "Ada",
		})
		tok.Header["kid"] = "kid-1"
		signed, err := tok.SignedString(key)
		if err != nil {
			t.Fatalf("sign idp token: %v", err)
		}
		return signed
	}

	resp, payload := doJSON(t, http.MethodPost, ts.URL+"/auth/external", "", map[string]string{"token": idpToken("ext-1")})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("external login status %d", resp.StatusCode)
	}
	var first domain.User
	if err := json.Unmarshal(payload["user"], &first); err != nil {
		t.Fatalf("decode user: %v", err)
	}
	if first.Email != "ada@example.com" || first.Credits != credit.GuestInitialCredits {
		t.Fatalf("unexpected account: %+v", first)
	}

	// second login with the same subject maps to the same account
	resp, payload = doJSON(t, http.MethodPost, ts.URL+"/auth/external", "", map[string]string{"token": idpToken("ext-1")})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("repeat login status %d", resp.StatusCode)
	}
	var second domain.User
	if err := json.Unmarshal(payload["user"], &second); err != nil {
		t.Fatalf("decode user: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("external identity mapped to a new account: %s vs %s", second.ID, first.ID)
	}

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/auth/external", "", map[string]string{"token": "garbage"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage idp token status %d", resp.StatusCode)
	}
}

func TestExternalLoginUnconfigured(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/auth/external", "", map[string]string{"token": "anything"})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("unconfigured external login status %d", resp.StatusCode)
	}
}

func TestNotebookLifecycleOverHTTP(t *testing.T) {
	ts, _ := newTestServer(t)
	token := guestToken(t, ts)

	resp, payload := doJSON(t, http.MethodPost, ts.URL+"/notebooks", token, map[string]string{"title": "Biology"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create notebook status %d", resp.StatusCode)
	}
	var id string
	if err := json.Unmarshal(payload["id"], &id); err != nil || id == "" {
		t.Fatalf("missing notebook id in %v", payload)
	}

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/notebooks/"+id, token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get notebook status %d", resp.StatusCode)
	}

	resp, payload = doJSON(t, http.MethodPatch, ts.URL+"/notebooks/"+id, token, map[string]string{"title": "Cell Biology"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rename status %d", resp.StatusCode)
	}
	var title string
	if err := json.Unmarshal(payload["title"], &title); err != nil || title != "Cell Biology" {
		t.Fatalf("rename title = %q", title)
	}

	// another user must not see it
	other := guestToken(t, ts)
	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/notebooks/"+id, other, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign notebook status %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/notebooks/"+id, token, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/notebooks/"+id, token, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("deleted notebook status %d", resp.StatusCode)
	}
}

func TestChatTurnOverHTTP(t *testing.T) {
	ts, _ := newTestServer(t)
	token := guestToken(t, ts)

	_, payload := doJSON(t, http.MethodPost, ts.URL+"/notebooks", token, map[string]string{"title": "Biology"})
	var id string
	if err := json.Unmarshal(payload["id"], &id); err != nil {
		t.Fatalf("notebook id: %v", err)
	}

	resp, payload := doJSON(t, http.MethodPost, ts.URL+"/notebooks/"+id+"/chat", token, map[string]string{
		"message": "what powers the cell?",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat status %d", resp.StatusCode)
	}
	var content string
	if err := json.Unmarshal(payload["content"], &content); err != nil || content != "the mitochondria" {
		t.Fatalf("chat reply = %q", content)
	}

	resp, payload = doJSON(t, http.MethodGet, ts.URL+"/notebooks/"+id+"/chat", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history status %d", resp.StatusCode)
	}
	var msgs []domain.Message
	if err := json.Unmarshal(payload["messages"], &msgs); err != nil || len(msgs) != 2 {
		t.Fatalf("history messages = %+v", msgs)
	}

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/notebooks/"+id+"/chat", token, map[string]string{"message": "   "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank message status %d", resp.StatusCode)
	}
}

func TestInsufficientCreditsMapsTo402(t *testing.T) {
	ts, st := newTestServer(t)
	token := guestToken(t, ts)

	_, payload := doJSON(t, http.MethodPost, ts.URL+"/notebooks", token, map[string]string{"title": "Biology"})
	var id, ownerID string
	if err := json.Unmarshal(payload["id"], &id); err != nil {
		t.Fatalf("notebook id: %v", err)
	}
	if err := json.Unmarshal(payload["ownerId"], &ownerID); err != nil {
		t.Fatalf("owner id: %v", err)
	}

	// drain the balance so the next debit is refused
	u, _, _ := st.GetUserByID(ownerID)
	if err := st.GrantCredits(ownerID, -u.Credits, "drain"); err != nil {
		t.Fatalf("drain: %v", err)
	}

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/notebooks/"+id+"/sources", token, map[string]string{
		"title": "Cells", "content": "cells are the unit of life",
	})
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("drained account source upload status %d", resp.StatusCode)
	}
}

func TestSourceUploadAndUsageSummary(t *testing.T) {
	ts, _ := newTestServer(t)
	token := guestToken(t, ts)

	_, payload := doJSON(t, http.MethodPost, ts.URL+"/notebooks", token, map[string]string{"title": "Biology"})
	var id string
	if err := json.Unmarshal(payload["id"], &id); err != nil {
		t.Fatalf("notebook id: %v", err)
	}

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/notebooks/"+id+"/sources", token, map[string]string{
		"title": "Cells", "content": "cells are the unit of life",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add source status %d", resp.StatusCode)
	}

	resp, payload = doJSON(t, http.MethodGet, ts.URL+"/notebooks/"+id+"/sources", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list sources status %d", resp.StatusCode)
	}
	var sources []domain.Source
	if err := json.Unmarshal(payload["sources"], &sources); err != nil || len(sources) != 1 {
		t.Fatalf("sources = %+v", sources)
	}

	resp, payload = doJSON(t, http.MethodGet, ts.URL+"/credits/usage", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("usage status %d", resp.StatusCode)
	}
	var summaries []domain.UsageSummary
	if err := json.Unmarshal(payload["usage"], &summaries); err != nil || len(summaries) != 3 {
		t.Fatalf("usage summaries = %+v", summaries)
	}
	for _, s := range summaries {
		if s.Category == domain.UsageDocumentProcessing && s.Used != 1 {
			t.Fatalf("document processing used = %v", s.Used)
		}
	}

	resp, payload = doJSON(t, http.MethodGet, ts.URL+"/credits/ledger", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ledger status %d", resp.StatusCode)
	}
	var ledger []domain.CreditLedgerEntry
	if err := json.Unmarshal(payload["ledger"], &ledger); err != nil || len(ledger) < 2 {
		t.Fatalf("ledger = %+v", ledger)
	}
}

// unreachableTranscripts stands in for a chat store that dropped off the
// network.
type unreachableTranscripts struct{}

func (unreachableTranscripts) CreateChatRecord(string, string, []domain.Message) error {
	return errors.New("connection refused")
}

func (unreachableTranscripts) ListChatMessages(string, string) ([]domain.Message, error) {
	return nil, errors.New("connection refused")
}

func TestStoreOutageMapsTo503(t *testing.T) {
	st := store.NewMemoryStore()
	mr := miniredis.RunT(t)
	c := cache.New(mr.Addr(), "")
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	credits := credit.NewManager(st, c, logger)
	users := user.NewService(st, credits, logger)
	notebooks := notebook.NewService(st, c, credits, fetcher.New(), logger)
	history := chathistory.NewManager(unreachableTranscripts{}, c, logger)
	chat := app.New(st, history, credits, stubCompleter{reply: "ok"}, 6000, logger)
	srv := New(Config{
		Users:     users,
		Sessions:  auth.NewSessionStore("test-session-secret", time.Hour),
		Notebooks: notebooks,
		Chat:      chat,
		Credits:   credits,
		Cache:     c,
		Logger:    logger,
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	token := guestToken(t, ts)
	_, payload := doJSON(t, http.MethodPost, ts.URL+"/notebooks", token, map[string]string{"title": "Biology"})
	var id string
	if err := json.Unmarshal(payload["id"], &id); err != nil {
		t.Fatalf("notebook id: %v", err)
	}

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/notebooks/"+id+"/chat", token, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("history over an unreachable store: status %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/notebooks/"+id+"/chat", token, map[string]string{"message": "hello"})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("chat over an unreachable store: status %d", resp.StatusCode)
	}
}

func TestHealthEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}
	resp, payload := doJSON(t, http.MethodGet, ts.URL+"/healthz/cache", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cache health status %d", resp.StatusCode)
	}
	var status string
	if err := json.Unmarshal(payload["status"], &status); err != nil || status != "ok" {
		t.Fatalf("cache health = %q", status)
	}
}
