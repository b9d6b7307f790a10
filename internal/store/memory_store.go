package store

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/walters954/OpenBookLM/internal/domain"
)

type chatRecord struct {
	id       string
	messages []domain.Message
}

// MemoryStore keeps everything in-process. Used by tests and local runs
// without a database.
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[string]domain.User
	email     map[string]string // email -> user ID
	external  map[string]string // external auth id -> user ID
	notebooks map[string]domain.Notebook
	sources   map[string][]domain.Source     // notebookID -> sources
	chats     map[string][]chatRecord        // userID|notebookID -> records
	usage     map[string][]domain.UsageEvent // userID -> events
	ledger    map[string][]domain.CreditLedgerEntry
	episodes  map[string]domain.AudioEpisode
	episConv  map[string][]domain.Message
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]domain.User),
		email:     make(map[string]string),
		external:  make(map[string]string),
		notebooks: make(map[string]domain.Notebook),
		sources:   make(map[string][]domain.Source),
		chats:     make(map[string][]chatRecord),
		usage:     make(map[string][]domain.UsageEvent),
		ledger:    make(map[string][]domain.CreditLedgerEntry),
		episodes:  make(map[string]domain.AudioEpisode),
		episConv:  make(map[string][]domain.Message),
	}
}

func chatKey(userID, notebookID string) string {
	return userID + "|" + notebookID
}

// SaveUser registers or updates a user.
func (m *MemoryStore) SaveUser(u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.users[u.ID]; ok {
		// keep balance authoritative, as the SQL upsert does
		u.Credits = existing.Credits
	}
	m.users[u.ID] = u
	m.email[u.Email] = u.ID
	if u.ExternalID != "" {
		m.external[u.ExternalID] = u.ID
	}
	return nil
}

// GetUserByID returns a user by ID.
func (m *MemoryStore) GetUserByID(id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

// GetUserByExternalID looks up a user by external auth identity.
func (m *MemoryStore) GetUserByExternalID(externalID string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.external[externalID]; ok {
		u, exists := m.users[id]
		return u, exists, nil
	}
	return domain.User{}, false, nil
}

// GetUserByEmail looks up a user by email.
func (m *MemoryStore) GetUserByEmail(email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.email[email]; ok {
		u, exists := m.users[id]
		return u, exists, nil
	}
	return domain.User{}, false, nil
}

// SaveNotebook stores or replaces a notebook.
func (m *MemoryStore) SaveNotebook(n domain.Notebook) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notebooks[n.ID] = n
	return nil
}

// GetNotebook retrieves a notebook by ID.
func (m *MemoryStore) GetNotebook(id string) (domain.Notebook, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.notebooks[id]
	return n, ok, nil
}

// ListNotebooksByOwner returns notebooks sorted by creation time.
func (m *MemoryStore) ListNotebooksByOwner(ownerID string) ([]domain.Notebook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Notebook, 0)
	for _, n := range m.notebooks {
		if n.OwnerID == ownerID {
			res = append(res, n)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}

// DeleteNotebook removes a notebook and its sources.
func (m *MemoryStore) DeleteNotebook(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.notebooks, id)
	delete(m.sources, id)
	return nil
}

// SaveSource appends a source to its notebook.
func (m *MemoryStore) SaveSource(src domain.Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[src.NotebookID] = append(m.sources[src.NotebookID], src)
	return nil
}

// ListSources returns a notebook's sources in insertion order.
func (m *MemoryStore) ListSources(notebookID string) ([]domain.Source, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Source, len(m.sources[notebookID]))
	copy(res, m.sources[notebookID])
	return res, nil
}

// CreateChatRecord appends one chat turn as a new record.
func (m *MemoryStore) CreateChatRecord(userID, notebookID string, msgs []domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	stored := make([]domain.Message, len(msgs))
	copy(stored, msgs)
	for i := range stored {
		if stored[i].CreatedAt.IsZero() {
			stored[i].CreatedAt = now
		}
	}
	key := chatKey(userID, notebookID)
	m.chats[key] = append(m.chats[key], chatRecord{
		id:       fmt.Sprintf("rec-%d", len(m.chats[key])+1),
		messages: stored,
	})
	return nil
}

// ListChatMessages flattens all records into a chronological transcript.
func (m *MemoryStore) ListChatMessages(userID, notebookID string) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []domain.Message
	for _, rec := range m.chats[chatKey(userID, notebookID)] {
		res = append(res, rec.messages...)
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}

// SumUsage aggregates usage for one category since the given time.
func (m *MemoryStore) SumUsage(userID string, category domain.UsageCategory, since time.Time) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total float64
	for _, ev := range m.usage[userID] {
		if ev.Category == category && !ev.CreatedAt.Before(since) {
			total += ev.Amount
		}
	}
	return total, nil
}

// GrantCredits adds credits and records one ADD ledger entry.
func (m *MemoryStore) GrantCredits(userID string, amount int, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return fmt.Errorf("grant credits: user %s not found", userID)
	}
	u.Credits += amount
	m.users[userID] = u
	m.ledger[userID] = append(m.ledger[userID], domain.CreditLedgerEntry{
		ID:          fmt.Sprintf("led-%d", len(m.ledger[userID])+1),
		UserID:      userID,
		Amount:      amount,
		Operation:   domain.CreditAdd,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	})
	return nil
}

// DebitCredits mirrors the SQL store's atomic conditional debit under the
// store mutex.
func (m *MemoryStore) DebitCredits(req DebitRequest) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[req.UserID]
	if !ok {
		return false, nil
	}
	var used float64
	for _, ev := range m.usage[req.UserID] {
		if ev.Category == req.Category && !ev.CreatedAt.Before(req.MonthStart) {
			used += ev.Amount
		}
	}
	if used+req.Amount > req.Limit {
		return false, nil
	}
	debit := int(math.Ceil(req.Amount))
	if u.Credits < debit {
		return false, nil
	}
	now := time.Now().UTC()
	u.Credits -= debit
	m.users[req.UserID] = u
	m.usage[req.UserID] = append(m.usage[req.UserID], domain.UsageEvent{
		ID:         fmt.Sprintf("use-%d", len(m.usage[req.UserID])+1),
		UserID:     req.UserID,
		Category:   req.Category,
		Amount:     req.Amount,
		NotebookID: req.NotebookID,
		CreatedAt:  now,
	})
	m.ledger[req.UserID] = append(m.ledger[req.UserID], domain.CreditLedgerEntry{
		ID:          fmt.Sprintf("led-%d", len(m.ledger[req.UserID])+1),
		UserID:      req.UserID,
		Amount:      debit,
		Operation:   domain.CreditSubtract,
		Description: req.Description,
		CreatedAt:   now,
	})
	return true, nil
}

// ListLedger returns a user's ledger entries.
func (m *MemoryStore) ListLedger(userID string) ([]domain.CreditLedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.CreditLedgerEntry, len(m.ledger[userID]))
	copy(res, m.ledger[userID])
	return res, nil
}

// ListUsageEvents returns a user's usage events.
func (m *MemoryStore) ListUsageEvents(userID string) ([]domain.UsageEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.UsageEvent, len(m.usage[userID]))
	copy(res, m.usage[userID])
	return res, nil
}

// AddUsageEvent inserts a raw usage event. Test helper for seeding
// historical usage outside of DebitCredits.
func (m *MemoryStore) AddUsageEvent(ev domain.UsageEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage[ev.UserID] = append(m.usage[ev.UserID], ev)
}

// CreateAudioEpisode stores a new episode with its conversation payload.
func (m *MemoryStore) CreateAudioEpisode(ep domain.AudioEpisode, conversation []domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.episodes[ep.ID] = ep
	stored := make([]domain.Message, len(conversation))
	copy(stored, conversation)
	m.episConv[ep.ID] = stored
	return nil
}

// SetEpisodeStatus updates episode status fields.
func (m *MemoryStore) SetEpisodeStatus(id string, status domain.EpisodeStatus, storageKey, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.episodes[id]
	if !ok {
		return fmt.Errorf("episode %s not found", id)
	}
	ep.Status = status
	ep.StorageKey = storageKey
	ep.ErrorMessage = errMsg
	ep.UpdatedAt = time.Now().UTC()
	m.episodes[id] = ep
	return nil
}

// GetAudioEpisode retrieves an episode by ID.
func (m *MemoryStore) GetAudioEpisode(id string) (domain.AudioEpisode, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ep, ok := m.episodes[id]
	return ep, ok, nil
}

// GetEpisodeConversation returns the conversation an episode was queued with.
func (m *MemoryStore) GetEpisodeConversation(id string) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Message, len(m.episConv[id]))
	copy(res, m.episConv[id])
	return res, nil
}

// ListAudioEpisodes returns a notebook's episodes, newest first.
func (m *MemoryStore) ListAudioEpisodes(notebookID string) ([]domain.AudioEpisode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.AudioEpisode, 0)
	for _, ep := range m.episodes {
		if ep.NotebookID == notebookID {
			res = append(res, ep)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	return res, nil
}
