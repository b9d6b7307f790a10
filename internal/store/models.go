package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID           string `gorm:"primaryKey"`
	ExternalID   string `gorm:"index"`
	Email        string `gorm:"uniqueIndex;not null"`
	Name         string
	PasswordHash string
	IsGuest      bool      `gorm:"not null"`
	Credits      int       `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
}

func (UserModel) TableName() string { return "users" }

type NotebookModel struct {
	ID        string    `gorm:"primaryKey"`
	OwnerID   string    `gorm:"not null;index"`
	Title     string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (NotebookModel) TableName() string { return "notebooks" }

type SourceModel struct {
	ID         string `gorm:"primaryKey"`
	NotebookID string `gorm:"not null;index"`
	Title      string `gorm:"not null"`
	Content    string `gorm:"type:text;not null"`
	Metadata   datatypes.JSON
	CreatedAt  time.Time `gorm:"not null"`
}

func (SourceModel) TableName() string { return "sources" }

// ChatRecordModel is one persisted chat turn. The full transcript of a
// (user, notebook) pair is the concatenation of all its records' messages.
type ChatRecordModel struct {
	ID         string    `gorm:"primaryKey"`
	UserID     string    `gorm:"not null;index:idx_chat_records_user_notebook"`
	NotebookID string    `gorm:"not null;index:idx_chat_records_user_notebook"`
	CreatedAt  time.Time `gorm:"not null"`
}

func (ChatRecordModel) TableName() string { return "chat_records" }

type ChatMessageModel struct {
	ID        string    `gorm:"primaryKey"`
	RecordID  string    `gorm:"not null;index"`
	Role      string    `gorm:"not null"`
	Content   string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null;index"`
}

func (ChatMessageModel) TableName() string { return "chat_messages" }

type UsageEventModel struct {
	ID         string  `gorm:"primaryKey"`
	UserID     string  `gorm:"not null;index:idx_usage_events_user_category"`
	Category   string  `gorm:"not null;index:idx_usage_events_user_category"`
	Amount     float64 `gorm:"not null"`
	NotebookID string
	CreatedAt  time.Time `gorm:"not null;index"`
}

func (UsageEventModel) TableName() string { return "usage_events" }

type CreditLedgerModel struct {
	ID          string `gorm:"primaryKey"`
	UserID      string `gorm:"not null;index"`
	Amount      int    `gorm:"not null"`
	Operation   string `gorm:"not null"`
	Description string
	CreatedAt   time.Time `gorm:"not null"`
}

func (CreditLedgerModel) TableName() string { return "credit_ledger_entries" }

type AudioEpisodeModel struct {
	ID           string `gorm:"primaryKey"`
	NotebookID   string `gorm:"not null;index"`
	UserID       string `gorm:"not null;index"`
	Status       string `gorm:"not null"`
	StorageKey   string
	ErrorMessage string
	Conversation datatypes.JSON
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (AudioEpisodeModel) TableName() string { return "audio_episodes" }
