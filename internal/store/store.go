package store

import (
	"time"

	"github.com/walters954/OpenBookLM/internal/domain"
)

// Store is the durable system of record for users, notebooks, transcripts,
// usage events, and credit balances.
type Store interface {
	// users
	SaveUser(domain.User) error
	GetUserByID(id string) (domain.User, bool, error)
	GetUserByExternalID(externalID string) (domain.User, bool, error)
	GetUserByEmail(email string) (domain.User, bool, error)

	// notebooks
	SaveNotebook(domain.Notebook) error
	GetNotebook(id string) (domain.Notebook, bool, error)
	ListNotebooksByOwner(ownerID string) ([]domain.Notebook, error)
	DeleteNotebook(id string) error

	// sources
	SaveSource(domain.Source) error
	ListSources(notebookID string) ([]domain.Source, error)

	// chat transcripts. Each call to CreateChatRecord persists one chat
	// turn as a new record; ListChatMessages reconstructs the transcript
	// by flattening all records in creation order.
	CreateChatRecord(userID, notebookID string, msgs []domain.Message) error
	ListChatMessages(userID, notebookID string) ([]domain.Message, error)

	// credits
	SumUsage(userID string, category domain.UsageCategory, since time.Time) (float64, error)
	GrantCredits(userID string, amount int, description string) error
	DebitCredits(req DebitRequest) (bool, error)
	ListLedger(userID string) ([]domain.CreditLedgerEntry, error)
	ListUsageEvents(userID string) ([]domain.UsageEvent, error)

	// audio
	CreateAudioEpisode(ep domain.AudioEpisode, conversation []domain.Message) error
	SetEpisodeStatus(id string, status domain.EpisodeStatus, storageKey, errMsg string) error
	GetAudioEpisode(id string) (domain.AudioEpisode, bool, error)
	GetEpisodeConversation(id string) ([]domain.Message, error)
	ListAudioEpisodes(notebookID string) ([]domain.AudioEpisode, error)
}

// DebitRequest describes one atomic quota-gated debit: the usage event,
// balance decrement, and ledger entry are applied as a single unit, and only
// when both the monthly category limit and the raw balance have headroom.
type DebitRequest struct {
	UserID      string
	Category    domain.UsageCategory
	Amount      float64
	Limit       float64
	MonthStart  time.Time
	NotebookID  string
	Description string
}
