package audio

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/walters954/OpenBookLM/internal/credit"
	"github.com/walters954/OpenBookLM/internal/domain"
	"github.com/walters954/OpenBookLM/internal/objstore"
	"github.com/walters954/OpenBookLM/internal/queue"
)

// Generator renders a conversation to audio bytes.
type Generator interface {
	Generate(ctx context.Context, notebookID string, conversation []domain.Message) ([]byte, error)
}

// Worker consumes queued episodes, renders them through the audio backend,
// uploads the result, and debits credits only after the episode is verified
// ready. A failed generation costs the user nothing.
type Worker struct {
	store     Store
	credits   *credit.Manager
	generator Generator
	objects   objstore.ObjectStore
	queue     *queue.AudioQueue
	logger    *slog.Logger
}

// NewWorker builds an audio worker.
func NewWorker(store Store, credits *credit.Manager, generator Generator, objects objstore.ObjectStore, q *queue.AudioQueue, logger *slog.Logger) *Worker {
	return &Worker{
		store:     store,
		credits:   credits,
		generator: generator,
		objects:   objects,
		queue:     q,
		logger:    logger,
	}
}

// Start launches the consumer pool. Consumers stop when ctx is canceled.
func (w *Worker) Start(ctx context.Context, concurrency int) {
	w.queue.Start(ctx, concurrency, func(ctx context.Context, job queue.Job) error {
		return w.Process(ctx, job.EpisodeID)
	})
}

// Process renders one episode. A returned error makes the queue retry until
// its attempt budget is exhausted.
func (w *Worker) Process(ctx context.Context, episodeID string) error {
	ep, found, err := w.store.GetAudioEpisode(episodeID)
	if err != nil {
		return err
	}
	if !found {
		w.logger.Warn("queued episode no longer exists", "episode", episodeID)
		return nil
	}
	if ep.Status == domain.EpisodeReady {
		return nil
	}

	if err := w.store.SetEpisodeStatus(ep.ID, domain.EpisodeProcessing, "", ""); err != nil {
		return err
	}

	conversation, err := w.store.GetEpisodeConversation(ep.ID)
	if err != nil {
		return w.fail(ep.ID, fmt.Errorf("load conversation: %w", err))
	}

	wav, err := w.generator.Generate(ctx, ep.NotebookID, conversation)
	if err != nil {
		return w.fail(ep.ID, err)
	}

	key := objstore.EpisodeKey(ep.ID)
	if err := w.objects.Put(ctx, key, bytes.NewReader(wav), int64(len(wav)), "audio/wav"); err != nil {
		return w.fail(ep.ID, fmt.Errorf("upload audio: %w", err))
	}

	if err := w.store.SetEpisodeStatus(ep.ID, domain.EpisodeReady, key, ""); err != nil {
		return err
	}

	w.debit(ep)
	w.logger.Info("audio episode ready", "episode", ep.ID)
	return nil
}

// debit charges for a finished episode. A refusal here means a concurrent
// spender drained the balance between the advisory check and now; the
// episode stays ready and the shortfall is logged.
func (w *Worker) debit(ep domain.AudioEpisode) {
	u, found, err := w.store.GetUserByID(ep.UserID)
	if err != nil || !found {
		w.logger.Warn("episode owner lookup failed, skipping debit", "episode", ep.ID, "error", err)
		return
	}
	ok, err := w.credits.Use(u.ID, u.IsGuest, domain.UsageAudioGeneration,
		episodeCost, ep.NotebookID, "audio episode generated")
	if err != nil {
		w.logger.Warn("episode debit failed", "episode", ep.ID, "error", err)
		return
	}
	if !ok {
		w.logger.Warn("episode generated but debit refused", "episode", ep.ID, "user", u.ID)
	}
}

func (w *Worker) fail(episodeID string, cause error) error {
	if err := w.store.SetEpisodeStatus(episodeID, domain.EpisodeFailed, "", cause.Error()); err != nil {
		w.logger.Warn("episode status update failed", "episode", episodeID, "error", err)
	}
	return cause
}
