package domain

import "time"

// Role is the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether the role is one of the known values.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// UsageCategory is a metered consumption category.
type UsageCategory string

const (
	UsageAudioGeneration    UsageCategory = "AUDIO_GENERATION"
	UsageDocumentProcessing UsageCategory = "DOCUMENT_PROCESSING"
	UsageContextTokens      UsageCategory = "CONTEXT_TOKENS"
)

// UsageCategories lists every known category, in display order.
func UsageCategories() []UsageCategory {
	return []UsageCategory{UsageAudioGeneration, UsageDocumentProcessing, UsageContextTokens}
}

// CreditOperation is the direction of a ledger entry.
type CreditOperation string

const (
	CreditAdd      CreditOperation = "ADD"
	CreditSubtract CreditOperation = "SUBTRACT"
)

// EpisodeStatus is the lifecycle of an audio generation job.
type EpisodeStatus string

const (
	EpisodeQueued     EpisodeStatus = "queued"
	EpisodeProcessing EpisodeStatus = "processing"
	EpisodeReady      EpisodeStatus = "ready"
	EpisodeFailed     EpisodeStatus = "failed"
)

type User struct {
	ID           string    `json:"id"`
	ExternalID   string    `json:"externalId,omitempty"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	IsGuest      bool      `json:"isGuest"`
	Credits      int       `json:"credits"`
	CreatedAt    time.Time `json:"createdAt"`
}

type Notebook struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Source struct {
	ID         string            `json:"id"`
	NotebookID string            `json:"notebookId"`
	Title      string            `json:"title"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

type Message struct {
	ID        string    `json:"id,omitempty"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// UsageEvent records one metered consumption. Immutable once written.
type UsageEvent struct {
	ID         string        `json:"id"`
	UserID     string        `json:"userId"`
	Category   UsageCategory `json:"category"`
	Amount     float64       `json:"amount"`
	NotebookID string        `json:"notebookId,omitempty"`
	CreatedAt  time.Time     `json:"createdAt"`
}

// CreditLedgerEntry is an audit record of one balance change.
type CreditLedgerEntry struct {
	ID          string          `json:"id"`
	UserID      string          `json:"userId"`
	Amount      int             `json:"amount"`
	Operation   CreditOperation `json:"operation"`
	Description string          `json:"description"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// UsageSummary reports month-to-date consumption against a tier limit.
type UsageSummary struct {
	Category UsageCategory `json:"category"`
	Used     float64       `json:"used"`
	Limit    float64       `json:"limit"`
}

type AudioEpisode struct {
	ID           string        `json:"id"`
	NotebookID   string        `json:"notebookId"`
	UserID       string        `json:"userId"`
	Status       EpisodeStatus `json:"status"`
	StorageKey   string        `json:"-"`
	URL          string        `json:"url,omitempty"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}
