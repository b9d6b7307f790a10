package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestEnqueueTracksJobStatus(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	q, err := New(Config{
		Addr:   redisSrv.Addr(),
		Stream: "audio:queue",
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	ctx := context.Background()

	job, err := q.Enqueue(ctx, "ep-1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got, ok, err := q.GetJob(ctx, job.ID)
	if err != nil || !ok {
		t.Fatalf("get job: ok=%v err=%v", ok, err)
	}
	if got.EpisodeID != "ep-1" || got.Status != StatusQueued || got.Attempts != 0 {
		t.Fatalf("unexpected job: %+v", got)
	}

	if _, err := q.Enqueue(ctx, "  "); err == nil {
		t.Fatal("empty episode id must be rejected")
	}
}

func TestHandleMessageSuccessAcksAndMarksDone(t *testing.T) {
	q, ctx, msg, jobID := newPendingQueueMessage(t)

	handled := ""
	q.handleMessage(ctx, msg, func(_ context.Context, job Job) error {
		handled = job.EpisodeID
		return nil
	})
	if handled != "ep-1" {
		t.Fatalf("handler saw %q", handled)
	}

	job, ok, err := q.GetJob(ctx, jobID)
	if err != nil || !ok {
		t.Fatalf("get job: ok=%v err=%v", ok, err)
	}
	if job.Status != StatusDone || job.Attempts != 1 {
		t.Fatalf("unexpected job after success: %+v", job)
	}
	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("expected no pending messages, got %d", pending.Count)
	}
}

func TestHandleMessageExhaustedRetriesMarksFailed(t *testing.T) {
	q, ctx, msg, jobID := newPendingQueueMessage(t)
	q.maxRetries = 1

	q.handleMessage(ctx, msg, func(context.Context, Job) error {
		return errors.New("backend down")
	})

	job, ok, err := q.GetJob(ctx, jobID)
	if err != nil || !ok {
		t.Fatalf("get job: ok=%v err=%v", ok, err)
	}
	if job.Status != StatusFailed || job.ErrorMessage != "backend down" {
		t.Fatalf("unexpected job after exhausted retries: %+v", job)
	}
}

func TestRequeueAndAckSuccess(t *testing.T) {
	q, ctx, msg, jobID := newPendingQueueMessage(t)

	if err := q.requeueAndAck(ctx, msg.ID, jobID, "ep-1"); err != nil {
		t.Fatalf("requeue and ack: %v", err)
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("expected no pending messages, got %d", pending.Count)
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-2",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("read requeued message: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one requeued message, got %+v", streams)
	}
	got := streams[0].Messages[0]
	if got.Values["job_id"] != jobID || got.Values["episode_id"] != "ep-1" {
		t.Fatalf("unexpected requeued payload: %+v", got.Values)
	}
}

func TestRequeueAndAckFailureKeepsPendingMessage(t *testing.T) {
	q, ctx, msg, jobID := newPendingQueueMessage(t)

	canceledCtx, cancel := context.WithCancel(ctx)
	cancel()
	if err := q.requeueAndAck(canceledCtx, msg.ID, jobID, "ep-1"); err == nil {
		t.Fatalf("expected requeueAndAck to fail on canceled context")
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 1 {
		t.Fatalf("expected original message to remain pending, got %d", pending.Count)
	}
}

func newPendingQueueMessage(t *testing.T) (*AudioQueue, context.Context, redis.XMessage, string) {
	t.Helper()

	redisSrv := miniredis.RunT(t)
	q, err := New(Config{
		Addr:       redisSrv.Addr(),
		Stream:     "audio:queue",
		Group:      "audio-workers",
		Consumer:   "consumer-1",
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	ctx := context.Background()
	q.ensureGroup(ctx)

	job, err := q.Enqueue(ctx, "ep-1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-1",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("readgroup: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one pending message, got %+v", streams)
	}

	return q, ctx, streams[0].Messages[0], job.ID
}
