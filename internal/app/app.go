package app

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/walters954/OpenBookLM/internal/chathistory"
	"github.com/walters954/OpenBookLM/internal/credit"
	"github.com/walters954/OpenBookLM/internal/domain"
	"github.com/walters954/OpenBookLM/internal/llm"
	"github.com/walters954/OpenBookLM/internal/prompt"
)

// Store is the slice of the durable store the chat flow needs.
type Store interface {
	GetUserByID(id string) (domain.User, bool, error)
	GetNotebook(id string) (domain.Notebook, bool, error)
	ListSources(notebookID string) ([]domain.Source, error)
}

// App drives one chat turn: history assembly, truncation, the quota gate,
// the completion call, and the debit-after-success accounting.
type App struct {
	store      Store
	history    *chathistory.Manager
	credits    *credit.Manager
	completer  llm.Completer
	charBudget int
	logger     *slog.Logger
}

// New builds the chat application core.
func New(store Store, history *chathistory.Manager, credits *credit.Manager, completer llm.Completer, charBudget int, logger *slog.Logger) *App {
	if charBudget <= 0 {
		charBudget = prompt.DefaultCharBudget
	}
	return &App{
		store:      store,
		history:    history,
		credits:    credits,
		completer:  completer,
		charBudget: charBudget,
		logger:     logger,
	}
}

// SendMessage runs one chat turn. The user's message is durably persisted
// before the completion call, so an upstream failure never loses it; credits
// are debited only after the completion succeeds.
func (a *App) SendMessage(ctx context.Context, userID, notebookID, content string) (domain.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return domain.Message{}, errors.New("message content required")
	}

	u, found, err := a.store.GetUserByID(userID)
	if err != nil {
		return domain.Message{}, StoreUnavailable(err)
	}
	if !found {
		return domain.Message{}, ErrNotFound
	}
	n, found, err := a.store.GetNotebook(notebookID)
	if err != nil {
		return domain.Message{}, StoreUnavailable(err)
	}
	if !found {
		return domain.Message{}, ErrNotFound
	}
	if n.OwnerID != userID {
		return domain.Message{}, ErrForbidden
	}

	history, err := a.history.History(userID, notebookID)
	if err != nil {
		return domain.Message{}, StoreUnavailable(err)
	}
	sources, err := a.store.ListSources(notebookID)
	if err != nil {
		return domain.Message{}, StoreUnavailable(err)
	}

	current := domain.Message{
		Role:      domain.RoleUser,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	window := prompt.Window(sources, history, current, a.charBudget)
	estimate := prompt.EstimateTokens(window)

	ok, err := a.credits.Check(userID, u.IsGuest, domain.UsageContextTokens, estimate)
	if err != nil {
		return domain.Message{}, StoreUnavailable(err)
	}
	if !ok {
		return domain.Message{}, ErrInsufficientCredits
	}

	if err := a.history.Append(userID, notebookID, current); err != nil {
		return domain.Message{}, StoreUnavailable(err)
	}

	reply, err := a.completer.Complete(ctx, window)
	if err != nil {
		// the user's message is already durable; the turn can be retried
		return domain.Message{}, err
	}

	ok, err = a.credits.Use(userID, u.IsGuest, domain.UsageContextTokens, estimate, notebookID, "chat completion")
	if err != nil {
		a.logger.Warn("chat debit failed after completion", "user", userID, "error", err)
	} else if !ok {
		// a concurrent spender won the race between check and use; the
		// completion already happened, so the answer is still returned
		a.logger.Warn("chat completed but debit refused", "user", userID, "notebook", notebookID)
	}

	assistant := domain.Message{
		Role:      domain.RoleAssistant,
		Content:   reply,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.history.Append(userID, notebookID, assistant); err != nil {
		return domain.Message{}, StoreUnavailable(err)
	}
	return assistant, nil
}

// History returns the transcript for a notebook after an ownership check.
func (a *App) History(userID, notebookID string) ([]domain.Message, error) {
	n, found, err := a.store.GetNotebook(notebookID)
	if err != nil {
		return nil, StoreUnavailable(err)
	}
	if !found {
		return nil, ErrNotFound
	}
	if n.OwnerID != userID {
		return nil, ErrForbidden
	}
	msgs, err := a.history.History(userID, notebookID)
	if err != nil {
		return nil, StoreUnavailable(err)
	}
	return msgs, nil
}
