package chathistory

import (
	"encoding/json"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/walters954/OpenBookLM/internal/cache"
	"github.com/walters954/OpenBookLM/internal/domain"
)

// TranscriptStore is the durable side of the two-tier transcript storage.
type TranscriptStore interface {
	CreateChatRecord(userID, notebookID string, msgs []domain.Message) error
	ListChatMessages(userID, notebookID string) ([]domain.Message, error)
}

// transcriptPayload is the cached JSON envelope for a transcript.
type transcriptPayload struct {
	Messages []domain.Message `json:"messages"`
}

// Manager serves chat transcripts cache-first, falling back to the durable
// store. The cache is an accelerator only: every write lands in the store
// before the cache is touched, and any cache failure degrades to a store
// read instead of an error.
type Manager struct {
	store  TranscriptStore
	cache  *cache.Cache
	logger *slog.Logger
	group  singleflight.Group
}

// NewManager builds a transcript manager over the given store and cache.
func NewManager(store TranscriptStore, c *cache.Cache, logger *slog.Logger) *Manager {
	return &Manager{store: store, cache: c, logger: logger}
}

// History returns the full transcript for a (user, notebook) pair, oldest
// first. Cache hits skip the store; misses repopulate the cache, with
// concurrent misses for the same key collapsed into one store read.
func (m *Manager) History(userID, notebookID string) ([]domain.Message, error) {
	key := cache.TranscriptKey(userID, notebookID)

	payload, ok, err := m.cache.Get(key)
	if err != nil {
		m.logger.Warn("transcript cache read failed, falling back to store", "key", key, "error", err)
	} else if ok {
		var envelope transcriptPayload
		if err := json.Unmarshal([]byte(payload), &envelope); err == nil {
			return envelope.Messages, nil
		}
		m.logger.Warn("malformed cached transcript, treating as miss", "key", key)
	}

	res, err, _ := m.group.Do(key, func() (any, error) {
		msgs, err := m.store.ListChatMessages(userID, notebookID)
		if err != nil {
			return nil, err
		}
		m.fillCache(key, msgs)
		return msgs, nil
	})
	if err != nil {
		return nil, err
	}
	return res.([]domain.Message), nil
}

// Append durably persists one chat turn and then write-through refreshes the
// cached transcript. The cache refresh is best effort: a failure leaves the
// key behind for the next History miss to repair.
func (m *Manager) Append(userID, notebookID string, msgs ...domain.Message) error {
	if err := m.store.CreateChatRecord(userID, notebookID, msgs); err != nil {
		return err
	}
	full, err := m.store.ListChatMessages(userID, notebookID)
	if err != nil {
		m.logger.Warn("transcript re-read after append failed, dropping cached copy",
			"user", userID, "notebook", notebookID, "error", err)
		m.Invalidate(userID, notebookID)
		return nil
	}
	m.fillCache(cache.TranscriptKey(userID, notebookID), full)
	return nil
}

// Invalidate drops the cached transcript for a (user, notebook) pair.
func (m *Manager) Invalidate(userID, notebookID string) {
	key := cache.TranscriptKey(userID, notebookID)
	if err := m.cache.Delete(key); err != nil {
		m.logger.Warn("transcript cache invalidation failed", "key", key, "error", err)
	}
}

func (m *Manager) fillCache(key string, msgs []domain.Message) {
	payload, err := json.Marshal(transcriptPayload{Messages: msgs})
	if err != nil {
		m.logger.Warn("transcript marshal failed, skipping cache fill", "key", key, "error", err)
		return
	}
	if err := m.cache.Set(key, string(payload), cache.TranscriptTTL); err != nil {
		m.logger.Warn("transcript cache write failed", "key", key, "error", err)
	}
}
