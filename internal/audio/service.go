package audio

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/walters954/OpenBookLM/internal/app"
	"github.com/walters954/OpenBookLM/internal/credit"
	"github.com/walters954/OpenBookLM/internal/domain"
	"github.com/walters954/OpenBookLM/internal/objstore"
	"github.com/walters954/OpenBookLM/internal/queue"
	"github.com/walters954/OpenBookLM/internal/util"
)

// episodeCost is debited per successfully generated episode.
const episodeCost = 1

// presignExpiry bounds how long a returned audio URL stays valid.
const presignExpiry = time.Hour

// Store is the slice of the durable store the audio service needs.
type Store interface {
	GetUserByID(id string) (domain.User, bool, error)
	GetNotebook(id string) (domain.Notebook, bool, error)
	CreateAudioEpisode(ep domain.AudioEpisode, conversation []domain.Message) error
	SetEpisodeStatus(id string, status domain.EpisodeStatus, storageKey, errMsg string) error
	GetAudioEpisode(id string) (domain.AudioEpisode, bool, error)
	GetEpisodeConversation(id string) ([]domain.Message, error)
	ListAudioEpisodes(notebookID string) ([]domain.AudioEpisode, error)
}

// Enqueuer hands episodes to the background worker pool.
type Enqueuer interface {
	Enqueue(ctx context.Context, episodeID string) (queue.Job, error)
}

// Service accepts audio generation requests and serves episode status. The
// actual rendering happens in the worker; the debit lands only after a
// verified success.
type Service struct {
	store   Store
	credits *credit.Manager
	queue   Enqueuer
	objects objstore.ObjectStore
	logger  *slog.Logger
}

// NewService builds an audio service.
func NewService(store Store, credits *credit.Manager, q Enqueuer, objects objstore.ObjectStore, logger *slog.Logger) *Service {
	return &Service{store: store, credits: credits, queue: q, objects: objects, logger: logger}
}

// RequestEpisode validates ownership and quota headroom, persists a queued
// episode with its conversation, and hands it to the worker pool. The credit
// check here is advisory; the binding debit happens after generation
// succeeds.
func (s *Service) RequestEpisode(ctx context.Context, userID string, isGuest bool, notebookID string, conversation []domain.Message) (domain.AudioEpisode, error) {
	n, found, err := s.store.GetNotebook(notebookID)
	if err != nil {
		return domain.AudioEpisode{}, app.StoreUnavailable(err)
	}
	if !found {
		return domain.AudioEpisode{}, app.ErrNotFound
	}
	if n.OwnerID != userID {
		return domain.AudioEpisode{}, app.ErrForbidden
	}
	if len(conversation) == 0 {
		return domain.AudioEpisode{}, fmt.Errorf("conversation required")
	}

	ok, err := s.credits.Check(userID, isGuest, domain.UsageAudioGeneration, episodeCost)
	if err != nil {
		return domain.AudioEpisode{}, app.StoreUnavailable(err)
	}
	if !ok {
		return domain.AudioEpisode{}, app.ErrInsufficientCredits
	}

	now := time.Now().UTC()
	ep := domain.AudioEpisode{
		ID:         util.NewID(),
		NotebookID: notebookID,
		UserID:     userID,
		Status:     domain.EpisodeQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateAudioEpisode(ep, conversation); err != nil {
		return domain.AudioEpisode{}, app.StoreUnavailable(err)
	}
	if _, err := s.queue.Enqueue(ctx, ep.ID); err != nil {
		if serr := s.store.SetEpisodeStatus(ep.ID, domain.EpisodeFailed, "", "enqueue failed"); serr != nil {
			s.logger.Warn("episode status update failed", "episode", ep.ID, "error", serr)
		}
		return domain.AudioEpisode{}, fmt.Errorf("enqueue episode: %w", err)
	}
	s.logger.Info("audio episode queued", "episode", ep.ID, "notebook", notebookID)
	return ep, nil
}

// Episode returns one episode after an ownership check. Ready episodes carry
// a time-limited streaming URL.
func (s *Service) Episode(ctx context.Context, userID, episodeID string) (domain.AudioEpisode, error) {
	ep, found, err := s.store.GetAudioEpisode(episodeID)
	if err != nil {
		return domain.AudioEpisode{}, app.StoreUnavailable(err)
	}
	if !found {
		return domain.AudioEpisode{}, app.ErrNotFound
	}
	if ep.UserID != userID {
		return domain.AudioEpisode{}, app.ErrForbidden
	}
	s.attachURL(ctx, &ep)
	return ep, nil
}

// List returns a notebook's episodes, newest first, with streaming URLs
// attached to the ready ones.
func (s *Service) List(ctx context.Context, userID, notebookID string) ([]domain.AudioEpisode, error) {
	n, found, err := s.store.GetNotebook(notebookID)
	if err != nil {
		return nil, app.StoreUnavailable(err)
	}
	if !found {
		return nil, app.ErrNotFound
	}
	if n.OwnerID != userID {
		return nil, app.ErrForbidden
	}

	eps, err := s.store.ListAudioEpisodes(notebookID)
	if err != nil {
		return nil, app.StoreUnavailable(err)
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := range eps {
		ep := &eps[i]
		if ep.Status != domain.EpisodeReady || ep.StorageKey == "" {
			continue
		}
		g.Go(func() error {
			url, err := s.objects.PresignGet(gctx, ep.StorageKey, presignExpiry)
			if err != nil {
				return err
			}
			ep.URL = url
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Warn("episode url presign failed", "notebook", notebookID, "error", err)
	}
	return eps, nil
}

func (s *Service) attachURL(ctx context.Context, ep *domain.AudioEpisode) {
	if ep.Status != domain.EpisodeReady || ep.StorageKey == "" {
		return
	}
	url, err := s.objects.PresignGet(ctx, ep.StorageKey, presignExpiry)
	if err != nil {
		s.logger.Warn("episode url presign failed", "episode", ep.ID, "error", err)
		return
	}
	ep.URL = url
}
