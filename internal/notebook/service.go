package notebook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/walters954/OpenBookLM/internal/app"
	"github.com/walters954/OpenBookLM/internal/cache"
	"github.com/walters954/OpenBookLM/internal/credit"
	"github.com/walters954/OpenBookLM/internal/domain"
	"github.com/walters954/OpenBookLM/internal/fetcher"
	"github.com/walters954/OpenBookLM/internal/util"
)

// documentProcessingCost is debited per ingested source.
const documentProcessingCost = 1

// Store is the slice of the durable store the notebook service needs.
type Store interface {
	SaveNotebook(domain.Notebook) error
	GetNotebook(id string) (domain.Notebook, bool, error)
	ListNotebooksByOwner(ownerID string) ([]domain.Notebook, error)
	DeleteNotebook(id string) error
	SaveSource(domain.Source) error
	ListSources(notebookID string) ([]domain.Source, error)
}

// Service manages notebooks and their sources. Listings and snapshots are
// cached per user; every mutation writes through or invalidates.
type Service struct {
	store   Store
	cache   *cache.Cache
	credits *credit.Manager
	fetcher *fetcher.Fetcher
	logger  *slog.Logger
}

// NewService builds a notebook service.
func NewService(store Store, c *cache.Cache, credits *credit.Manager, f *fetcher.Fetcher, logger *slog.Logger) *Service {
	return &Service{store: store, cache: c, credits: credits, fetcher: f, logger: logger}
}

// Create makes a new notebook owned by the user.
func (s *Service) Create(ownerID, title string) (domain.Notebook, error) {
	now := time.Now().UTC()
	n := domain.Notebook{
		ID:        util.NewID(),
		OwnerID:   ownerID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.SaveNotebook(n); err != nil {
		return domain.Notebook{}, app.StoreUnavailable(err)
	}
	s.fillSnapshot(n)
	s.invalidateListing(ownerID)
	return n, nil
}

// Get returns a notebook after an ownership check, cache-first.
func (s *Service) Get(userID, notebookID string) (domain.Notebook, error) {
	key := cache.NotebookKey(userID, notebookID)
	if payload, ok, err := s.cache.Get(key); err != nil {
		s.logger.Warn("notebook cache read failed", "key", key, "error", err)
	} else if ok {
		var n domain.Notebook
		if err := json.Unmarshal([]byte(payload), &n); err == nil {
			return n, nil
		}
		s.logger.Warn("malformed cached notebook, treating as miss", "key", key)
	}

	n, found, err := s.store.GetNotebook(notebookID)
	if err != nil {
		return domain.Notebook{}, app.StoreUnavailable(err)
	}
	if !found {
		return domain.Notebook{}, app.ErrNotFound
	}
	if n.OwnerID != userID {
		return domain.Notebook{}, app.ErrForbidden
	}
	s.fillSnapshot(n)
	return n, nil
}

// List returns the user's notebooks, cache-first.
func (s *Service) List(userID string) ([]domain.Notebook, error) {
	key := cache.NotebookListKey(userID)
	if payload, ok, err := s.cache.Get(key); err != nil {
		s.logger.Warn("notebook listing cache read failed", "key", key, "error", err)
	} else if ok {
		var listing []domain.Notebook
		if err := json.Unmarshal([]byte(payload), &listing); err == nil {
			return listing, nil
		}
		s.logger.Warn("malformed cached notebook listing, treating as miss", "key", key)
	}

	listing, err := s.store.ListNotebooksByOwner(userID)
	if err != nil {
		return nil, app.StoreUnavailable(err)
	}
	if payload, err := json.Marshal(listing); err == nil {
		if err := s.cache.Set(key, string(payload), cache.NotebookListTTL); err != nil {
			s.logger.Warn("notebook listing cache write failed", "key", key, "error", err)
		}
	}
	return listing, nil
}

// Rename updates a notebook's title.
func (s *Service) Rename(userID, notebookID, title string) (domain.Notebook, error) {
	n, err := s.Get(userID, notebookID)
	if err != nil {
		return domain.Notebook{}, err
	}
	n.Title = title
	n.UpdatedAt = time.Now().UTC()
	if err := s.store.SaveNotebook(n); err != nil {
		return domain.Notebook{}, app.StoreUnavailable(err)
	}
	s.fillSnapshot(n)
	s.invalidateListing(userID)
	return n, nil
}

// Delete removes a notebook, its sources, and every cached projection of it.
func (s *Service) Delete(userID, notebookID string) error {
	if _, err := s.Get(userID, notebookID); err != nil {
		return err
	}
	if err := s.store.DeleteNotebook(notebookID); err != nil {
		return app.StoreUnavailable(err)
	}
	if err := s.cache.Delete(
		cache.NotebookKey(userID, notebookID),
		cache.SourcesKey(userID, notebookID),
		cache.TranscriptKey(userID, notebookID),
	); err != nil {
		s.logger.Warn("notebook cache cleanup failed", "notebook", notebookID, "error", err)
	}
	s.invalidateListing(userID)
	return nil
}

// AddSource ingests raw text as a notebook source. The operation is
// quota-gated: a failed headroom check aborts before anything is written,
// and the debit lands only after the source is durably stored.
func (s *Service) AddSource(userID string, isGuest bool, notebookID, title, content string) (domain.Source, error) {
	if _, err := s.Get(userID, notebookID); err != nil {
		return domain.Source{}, err
	}
	return s.saveSource(userID, isGuest, notebookID, title, content, map[string]string{"origin": "upload"})
}

// AddWebsiteSource fetches a URL and ingests its text as a source.
func (s *Service) AddWebsiteSource(ctx context.Context, userID string, isGuest bool, notebookID, url string) (domain.Source, error) {
	if _, err := s.Get(userID, notebookID); err != nil {
		return domain.Source{}, err
	}
	page, err := s.fetcher.Fetch(ctx, url)
	if err != nil {
		return domain.Source{}, fmt.Errorf("fetch website source: %w", err)
	}
	return s.saveSource(userID, isGuest, notebookID, page.Title, page.Text, map[string]string{
		"origin": "website",
		"url":    url,
	})
}

// Sources returns a notebook's sources, cache-first.
func (s *Service) Sources(userID, notebookID string) ([]domain.Source, error) {
	if _, err := s.Get(userID, notebookID); err != nil {
		return nil, err
	}
	key := cache.SourcesKey(userID, notebookID)
	if payload, ok, err := s.cache.Get(key); err != nil {
		s.logger.Warn("sources cache read failed", "key", key, "error", err)
	} else if ok {
		var sources []domain.Source
		if err := json.Unmarshal([]byte(payload), &sources); err == nil {
			return sources, nil
		}
		s.logger.Warn("malformed cached sources, treating as miss", "key", key)
	}

	sources, err := s.store.ListSources(notebookID)
	if err != nil {
		return nil, app.StoreUnavailable(err)
	}
	s.fillSources(userID, notebookID, sources)
	return sources, nil
}

// saveSource persists a source and charges for it only once the write has
// succeeded. The advisory check up front refuses clearly over-quota requests
// before anything is written; a debit refused after the write means a
// concurrent spender won the race, and the stored source is kept.
func (s *Service) saveSource(userID string, isGuest bool, notebookID, title, content string, metadata map[string]string) (domain.Source, error) {
	ok, err := s.credits.Check(userID, isGuest, domain.UsageDocumentProcessing, documentProcessingCost)
	if err != nil {
		return domain.Source{}, app.StoreUnavailable(err)
	}
	if !ok {
		return domain.Source{}, app.ErrInsufficientCredits
	}

	src := domain.Source{
		ID:         util.NewID(),
		NotebookID: notebookID,
		Title:      title,
		Content:    content,
		Metadata:   metadata,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.SaveSource(src); err != nil {
		return domain.Source{}, app.StoreUnavailable(err)
	}

	ok, err = s.credits.Use(userID, isGuest, domain.UsageDocumentProcessing,
		documentProcessingCost, notebookID, "source ingested")
	if err != nil {
		s.logger.Warn("source debit failed after save", "notebook", notebookID, "error", err)
	} else if !ok {
		s.logger.Warn("source saved but debit refused", "notebook", notebookID, "user", userID)
	}

	sources, err := s.store.ListSources(notebookID)
	if err != nil {
		s.logger.Warn("sources re-read after save failed, dropping cached copy",
			"notebook", notebookID, "error", err)
		if err := s.cache.Delete(cache.SourcesKey(userID, notebookID)); err != nil {
			s.logger.Warn("sources cache invalidation failed", "notebook", notebookID, "error", err)
		}
		return src, nil
	}
	s.fillSources(userID, notebookID, sources)
	return src, nil
}

func (s *Service) fillSnapshot(n domain.Notebook) {
	key := cache.NotebookKey(n.OwnerID, n.ID)
	payload, err := json.Marshal(n)
	if err != nil {
		return
	}
	if err := s.cache.Set(key, string(payload), cache.NotebookTTL); err != nil {
		s.logger.Warn("notebook cache write failed", "key", key, "error", err)
	}
}

func (s *Service) fillSources(userID, notebookID string, sources []domain.Source) {
	key := cache.SourcesKey(userID, notebookID)
	payload, err := json.Marshal(sources)
	if err != nil {
		return
	}
	if err := s.cache.Set(key, string(payload), cache.SourcesTTL); err != nil {
		s.logger.Warn("sources cache write failed", "key", key, "error", err)
	}
}

func (s *Service) invalidateListing(userID string) {
	if err := s.cache.Delete(cache.NotebookListKey(userID)); err != nil {
		s.logger.Warn("notebook listing cache invalidation failed", "user", userID, "error", err)
	}
}
