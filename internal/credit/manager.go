package credit

import (
	"encoding/json"
	"log/slog"
	"math"
	"time"

	"github.com/walters954/OpenBookLM/internal/cache"
	"github.com/walters954/OpenBookLM/internal/domain"
	"github.com/walters954/OpenBookLM/internal/store"
)

// Store is the slice of the durable store the credit manager needs.
type Store interface {
	GetUserByID(id string) (domain.User, bool, error)
	SumUsage(userID string, category domain.UsageCategory, since time.Time) (float64, error)
	GrantCredits(userID string, amount int, description string) error
	DebitCredits(req store.DebitRequest) (bool, error)
	ListLedger(userID string) ([]domain.CreditLedgerEntry, error)
}

// Manager meters credit consumption against tiered monthly limits. All
// decisions that spend credits go through the store's atomic debit; Check is
// advisory only.
type Manager struct {
	store  Store
	cache  *cache.Cache
	logger *slog.Logger
	now    func() time.Time
}

// NewManager builds a credit manager on the given store and cache.
func NewManager(s Store, c *cache.Cache, logger *slog.Logger) *Manager {
	return &Manager{store: s, cache: c, logger: logger, now: time.Now}
}

// monthStart is local midnight on the first day of the current month. Usage
// before this instant does not count against this month's limits.
func (m *Manager) monthStart() time.Time {
	now := m.now()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
}

// Check reports whether a debit of the given amount would currently be
// accepted. It takes no locks, so a concurrent spender can still cause the
// actual Use to be refused.
func (m *Manager) Check(userID string, isGuest bool, category domain.UsageCategory, amount float64) (bool, error) {
	limit := LimitsFor(isGuest).For(category)
	used, err := m.store.SumUsage(userID, category, m.monthStart())
	if err != nil {
		return false, err
	}
	if used+amount > limit {
		return false, nil
	}
	u, ok, err := m.store.GetUserByID(userID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return u.Credits >= int(math.Ceil(amount)), nil
}

// Use atomically debits the amount against the user's balance and the tier's
// monthly category limit. Returns (false, nil) when the debit is refused.
func (m *Manager) Use(userID string, isGuest bool, category domain.UsageCategory, amount float64, notebookID, description string) (bool, error) {
	ok, err := m.store.DebitCredits(store.DebitRequest{
		UserID:      userID,
		Category:    category,
		Amount:      amount,
		Limit:       LimitsFor(isGuest).For(category),
		MonthStart:  m.monthStart(),
		NotebookID:  notebookID,
		Description: description,
	})
	if err != nil {
		return false, err
	}
	if ok {
		m.invalidateSummary(userID)
	}
	return ok, nil
}

// InitializeGuestCredits grants the one-time starting balance to a freshly
// created guest account.
func (m *Manager) InitializeGuestCredits(userID string) error {
	if err := m.store.GrantCredits(userID, GuestInitialCredits, "guest starting balance"); err != nil {
		return err
	}
	m.invalidateSummary(userID)
	return nil
}

// Grant adds credits to an account and invalidates its cached summary.
func (m *Manager) Grant(userID string, amount int, description string) error {
	if err := m.store.GrantCredits(userID, amount, description); err != nil {
		return err
	}
	m.invalidateSummary(userID)
	return nil
}

// Summary reports month-to-date usage per category against the tier limits.
// The result is cached for an hour and invalidated on every debit or grant.
func (m *Manager) Summary(userID string, isGuest bool) ([]domain.UsageSummary, error) {
	key := cache.UsageSummaryKey(userID)
	if payload, ok, err := m.cache.Get(key); err != nil {
		m.logger.Warn("usage summary cache read failed", "error", err)
	} else if ok {
		var cached []domain.UsageSummary
		if err := json.Unmarshal([]byte(payload), &cached); err == nil {
			return cached, nil
		}
		m.logger.Warn("malformed cached usage summary, recomputing", "key", key)
	}

	limits := LimitsFor(isGuest)
	since := m.monthStart()
	summaries := make([]domain.UsageSummary, 0, 3)
	for _, category := range domain.UsageCategories() {
		used, err := m.store.SumUsage(userID, category, since)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, domain.UsageSummary{
			Category: category,
			Used:     used,
			Limit:    limits.For(category),
		})
	}

	if payload, err := json.Marshal(summaries); err == nil {
		if err := m.cache.Set(key, string(payload), cache.DefaultTTL); err != nil {
			m.logger.Warn("usage summary cache write failed", "error", err)
		}
	}
	return summaries, nil
}

// Ledger returns the user's balance-change audit trail in creation order.
func (m *Manager) Ledger(userID string) ([]domain.CreditLedgerEntry, error) {
	return m.store.ListLedger(userID)
}

func (m *Manager) invalidateSummary(userID string) {
	if err := m.cache.Delete(cache.UsageSummaryKey(userID)); err != nil {
		m.logger.Warn("usage summary cache invalidation failed", "error", err)
	}
}
