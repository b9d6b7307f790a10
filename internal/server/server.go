package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/walters954/OpenBookLM/internal/app"
	"github.com/walters954/OpenBookLM/internal/audio"
	"github.com/walters954/OpenBookLM/internal/auth"
	"github.com/walters954/OpenBookLM/internal/cache"
	"github.com/walters954/OpenBookLM/internal/credit"
	"github.com/walters954/OpenBookLM/internal/domain"
	"github.com/walters954/OpenBookLM/internal/llm"
	"github.com/walters954/OpenBookLM/internal/notebook"
	"github.com/walters954/OpenBookLM/internal/ratelimit"
	"github.com/walters954/OpenBookLM/internal/user"
	"github.com/walters954/OpenBookLM/internal/usertoken"
	"github.com/walters954/OpenBookLM/internal/util"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	Users       *user.Service
	Sessions    *auth.SessionStore
	Notebooks   *notebook.Service
	Chat        *app.App
	Credits     *credit.Manager
	Audio       *audio.Service
	Cache       *cache.Cache
	ChatLimiter *ratelimit.Limiter
	// External verifies identity-provider tokens for /auth/external. May be
	// nil when no provider is configured.
	External *usertoken.Verifier
	Logger   *slog.Logger
}

// Server exposes the HTTP API.
type Server struct {
	users       *user.Service
	sessions    *auth.SessionStore
	notebooks   *notebook.Service
	chat        *app.App
	credits     *credit.Manager
	audio       *audio.Service
	cache       *cache.Cache
	chatLimiter *ratelimit.Limiter
	external    *usertoken.Verifier
	logger      *slog.Logger
	mux         *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		users:       cfg.Users,
		sessions:    cfg.Sessions,
		notebooks:   cfg.Notebooks,
		chat:        cfg.Chat,
		credits:     cfg.Credits,
		audio:       cfg.Audio,
		cache:       cfg.Cache,
		chatLimiter: cfg.ChatLimiter,
		external:    cfg.External,
		logger:      cfg.Logger,
		mux:         http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler with the middleware chain applied.
func (s *Server) Router() http.Handler {
	return util.WithRequestLog(util.WithRequestID(util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /healthz/cache", s.handleCacheHealth)

	s.mux.HandleFunc("POST /auth/guest", s.handleGuest)
	s.mux.HandleFunc("POST /auth/register", s.handleRegister)
	s.mux.HandleFunc("POST /auth/login", s.handleLogin)
	s.mux.HandleFunc("POST /auth/external", s.handleExternalLogin)
	s.mux.Handle("GET /me", s.withUser(s.handleMe))

	s.mux.Handle("POST /notebooks", s.withUser(s.handleCreateNotebook))
	s.mux.Handle("GET /notebooks", s.withUser(s.handleListNotebooks))
	s.mux.Handle("GET /notebooks/{id}", s.withUser(s.handleGetNotebook))
	s.mux.Handle("PATCH /notebooks/{id}", s.withUser(s.handleRenameNotebook))
	s.mux.Handle("DELETE /notebooks/{id}", s.withUser(s.handleDeleteNotebook))

	s.mux.Handle("POST /notebooks/{id}/sources", s.withUser(s.handleAddSource))
	s.mux.Handle("POST /notebooks/{id}/sources/website", s.withUser(s.handleAddWebsiteSource))
	s.mux.Handle("GET /notebooks/{id}/sources", s.withUser(s.handleListSources))

	s.mux.Handle("POST /notebooks/{id}/chat", s.withUser(s.handleSendMessage))
	s.mux.Handle("GET /notebooks/{id}/chat", s.withUser(s.handleChatHistory))

	s.mux.Handle("POST /notebooks/{id}/audio", s.withUser(s.handleRequestEpisode))
	s.mux.Handle("GET /notebooks/{id}/audio", s.withUser(s.handleListEpisodes))
	s.mux.Handle("GET /audio/{id}", s.withUser(s.handleGetEpisode))

	s.mux.Handle("GET /credits/usage", s.withUser(s.handleUsage))
	s.mux.Handle("GET /credits/ledger", s.withUser(s.handleLedger))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCacheHealth(w http.ResponseWriter, _ *http.Request) {
	if err := s.cache.Ping(); err != nil {
		if errors.Is(err, cache.ErrDisabled) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
			return
		}
		writeError(w, http.StatusServiceUnavailable, "cache unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		userID, err := s.sessions.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		u, found, err := s.users.Get(userID)
		if err != nil {
			s.writeAppError(w, app.StoreUnavailable(err))
			return
		}
		if !found {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, u)
	})
}

type sessionResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

func (s *Server) handleGuest(w http.ResponseWriter, _ *http.Request) {
	u, err := s.users.CreateGuest()
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	s.writeSession(w, http.StatusCreated, u)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Name     string `json:"name"`
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}
	u, err := s.users.Register(req.Email, req.Name, req.Password)
	if err != nil {
		if errors.Is(err, user.ErrEmailTaken) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.writeAppError(w, err)
		return
	}
	s.writeSession(w, http.StatusCreated, u)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	u, err := s.users.Authenticate(req.Email, req.Password)
	if err != nil {
		if errors.Is(err, user.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.writeAppError(w, err)
		return
	}
	s.writeSession(w, http.StatusOK, u)
}

// handleExternalLogin exchanges an identity-provider token for a local
// session, creating the account on first sight.
func (s *Server) handleExternalLogin(w http.ResponseWriter, r *http.Request) {
	if s.external == nil {
		writeError(w, http.StatusServiceUnavailable, "external login is not configured")
		return
	}
	var req struct {
		Token string `json:"token"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	identity, err := s.external.VerifyIdentity(req.Token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid identity token")
		return
	}
	u, err := s.users.GetOrCreateByExternalID(identity.Subject, identity.Email, identity.Name)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	s.writeSession(w, http.StatusOK, u)
}

func (s *Server) writeSession(w http.ResponseWriter, status int, u domain.User) {
	token, err := s.sessions.Issue(u.ID)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, status, sessionResponse{Token: token, User: u})
}

func (s *Server) handleMe(w http.ResponseWriter, _ *http.Request, u domain.User) {
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleCreateNotebook(w http.ResponseWriter, r *http.Request, u domain.User) {
	var req struct {
		Title string `json:"title"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	n, err := s.notebooks.Create(u.ID, strings.TrimSpace(req.Title))
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

func (s *Server) handleListNotebooks(w http.ResponseWriter, _ *http.Request, u domain.User) {
	listing, err := s.notebooks.List(u.ID)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notebooks": listing})
}

func (s *Server) handleGetNotebook(w http.ResponseWriter, r *http.Request, u domain.User) {
	n, err := s.notebooks.Get(u.ID, r.PathValue("id"))
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleRenameNotebook(w http.ResponseWriter, r *http.Request, u domain.User) {
	var req struct {
		Title string `json:"title"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	n, err := s.notebooks.Rename(u.ID, r.PathValue("id"), strings.TrimSpace(req.Title))
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleDeleteNotebook(w http.ResponseWriter, r *http.Request, u domain.User) {
	if err := s.notebooks.Delete(u.ID, r.PathValue("id")); err != nil {
		s.writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddSource(w http.ResponseWriter, r *http.Request, u domain.User) {
	var req struct {
		Title   string `json:"title"`
		Content string `json:"content"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Title == "" || req.Content == "" {
		writeError(w, http.StatusBadRequest, "title and content are required")
		return
	}
	src, err := s.notebooks.AddSource(u.ID, u.IsGuest, r.PathValue("id"), req.Title, req.Content)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, src)
}

func (s *Server) handleAddWebsiteSource(w http.ResponseWriter, r *http.Request, u domain.User) {
	var req struct {
		URL string `json:"url"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	src, err := s.notebooks.AddWebsiteSource(r.Context(), u.ID, u.IsGuest, r.PathValue("id"), req.URL)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, src)
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request, u domain.User) {
	sources, err := s.notebooks.Sources(u.ID, r.PathValue("id"))
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": sources})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, u domain.User) {
	if s.chatLimiter != nil && !s.chatLimiter.AllowUser(u.ID) {
		writeError(w, http.StatusTooManyRequests, "too many requests")
		return
	}
	var req struct {
		Message string `json:"message"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	reply, err := s.chat.SendMessage(r.Context(), u.ID, r.PathValue("id"), req.Message)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request, u domain.User) {
	msgs, err := s.chat.History(u.ID, r.PathValue("id"))
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// audioEnabled reports whether the audio stack (queue, object store, backend)
// was configured at startup.
func (s *Server) audioEnabled(w http.ResponseWriter) bool {
	if s.audio == nil {
		writeError(w, http.StatusServiceUnavailable, "audio generation is not configured")
		return false
	}
	return true
}

func (s *Server) handleRequestEpisode(w http.ResponseWriter, r *http.Request, u domain.User) {
	if !s.audioEnabled(w) {
		return
	}
	var req struct {
		Conversation []domain.Message `json:"conversation"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	for _, m := range req.Conversation {
		if !m.Role.Valid() {
			writeError(w, http.StatusBadRequest, "invalid message role")
			return
		}
	}
	ep, err := s.audio.RequestEpisode(r.Context(), u.ID, u.IsGuest, r.PathValue("id"), req.Conversation)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ep)
}

func (s *Server) handleListEpisodes(w http.ResponseWriter, r *http.Request, u domain.User) {
	if !s.audioEnabled(w) {
		return
	}
	eps, err := s.audio.List(r.Context(), u.ID, r.PathValue("id"))
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"episodes": eps})
}

func (s *Server) handleGetEpisode(w http.ResponseWriter, r *http.Request, u domain.User) {
	if !s.audioEnabled(w) {
		return
	}
	ep, err := s.audio.Episode(r.Context(), u.ID, r.PathValue("id"))
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

func (s *Server) handleUsage(w http.ResponseWriter, _ *http.Request, u domain.User) {
	summaries, err := s.credits.Summary(u.ID, u.IsGuest)
	if err != nil {
		s.writeAppError(w, app.StoreUnavailable(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"credits": u.Credits,
		"usage":   summaries,
	})
}

func (s *Server) handleLedger(w http.ResponseWriter, _ *http.Request, u domain.User) {
	entries, err := s.credits.Ledger(u.ID)
	if err != nil {
		s.writeAppError(w, app.StoreUnavailable(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ledger": entries})
}

// writeAppError maps the shared error taxonomy onto HTTP statuses. Anything
// unmapped is an internal error and is logged rather than leaked.
func (s *Server) writeAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, app.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, app.ErrInsufficientCredits):
		writeError(w, http.StatusPaymentRequired, "insufficient credits")
	case errors.Is(err, llm.ErrContextTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "history truncated, try a shorter message")
	case errors.Is(err, app.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, "store unavailable, retry later")
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}
