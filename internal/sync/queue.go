package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/JohanCodinha/prmirror/internal/logger"
	"github.com/JohanCodinha/prmirror/internal/model"
	"github.com/JohanCodinha/prmirror/internal/remote"
)

const queueStorageKey = "sync/offline_queue"

// OperationKind enumerates the remote mutations that can be deferred while
// offline.
type OperationKind string

const (
	OpCreatePullRequest OperationKind = "createPullRequest"
	OpUpdatePullRequest OperationKind = "updatePullRequest"
	OpPostComment       OperationKind = "postComment"
)

// Operation is a deferred remote mutation. Operations are replayed in FIFO
// enqueue order once connectivity returns.
type Operation struct {
	ID            string                   `json:"id"`
	Kind          OperationKind            `json:"kind"`
	RepositoryID  string                   `json:"repository_id,omitempty"`
	PullRequestID string                   `json:"pull_request_id,omitempty"`
	ThreadID      string                   `json:"thread_id,omitempty"`
	Body          string                   `json:"body,omitempty"`
	PullRequest   *model.PullRequest       `json:"pull_request,omitempty"`
	Update        *model.PullRequestUpdate `json:"update,omitempty"`
	RetryCount    int                      `json:"retry_count"`
	EnqueuedAt    time.Time                `json:"enqueued_at"`
}

// apply executes the deferred mutation against the remote.
func (e *Engine) apply(ctx context.Context, op Operation) error {
	switch op.Kind {
	case OpCreatePullRequest:
		if op.PullRequest == nil {
			return fmt.Errorf("operation %s: missing pull request payload", op.ID)
		}
		created, err := e.remote.CreatePullRequest(ctx, *op.PullRequest)
		if err != nil {
			return err
		}
		e.store.AddPullRequest(created)
		return nil

	case OpUpdatePullRequest:
		if op.Update == nil {
			return fmt.Errorf("operation %s: missing update payload", op.ID)
		}
		updated, err := e.remote.UpdatePullRequest(ctx, op.RepositoryID, op.PullRequestID, *op.Update)
		if err != nil {
			return err
		}
		e.store.AddPullRequest(updated)
		return nil

	case OpPostComment:
		_, err := e.remote.PostComment(ctx, op.RepositoryID, op.PullRequestID, op.ThreadID, op.Body)
		return err

	default:
		return fmt.Errorf("operation %s: unknown kind %q", op.ID, op.Kind)
	}
}

// QueueOfflineOperation appends op to the durable queue when the engine
// believes the network is unavailable. Returns whether the operation was
// queued; while online the call is a no-op and the caller should execute
// directly.
func (e *Engine) QueueOfflineOperation(op Operation) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.disposed || e.onlineLocked() {
		return false
	}
	e.enqueueLocked(op)
	return true
}

// QueueOperation appends op unconditionally, for callers that explicitly
// want durable deferred execution regardless of connectivity.
func (e *Engine) QueueOperation(op Operation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return
	}
	e.enqueueLocked(op)
}

func (e *Engine) enqueueLocked(op Operation) {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = e.clock.Now().UTC()
	}
	e.queue = append(e.queue, op)
	e.persistQueueLocked()
	logger.Debug("sync: queued %s operation %s (queue length %d)", op.Kind, op.ID, len(e.queue))
}

// QueueLength returns the number of pending offline operations.
func (e *Engine) QueueLength() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// ProcessOfflineQueue replays queued operations in FIFO order. A failed
// replay increments the operation's retry count and re-queues it; once the
// count exceeds the configured maximum the operation is dropped with an
// error log. Only one replay pass runs at a time; concurrent calls return
// immediately. Operations are popped and re-queued one at a time and the
// queue is persisted after each mutation, so a crash mid-replay never
// re-applies an already-executed operation.
func (e *Engine) ProcessOfflineQueue(ctx context.Context) {
	e.mu.Lock()
	if e.disposed || e.replaying || len(e.queue) == 0 {
		e.mu.Unlock()
		return
	}
	e.replaying = true
	passLen := len(e.queue)
	e.mu.Unlock()

	replayed := 0
	for i := 0; i < passLen && ctx.Err() == nil; i++ {
		e.mu.Lock()
		if e.disposed || len(e.queue) == 0 {
			e.mu.Unlock()
			break
		}
		op := e.queue[0]
		e.queue = append([]Operation(nil), e.queue[1:]...)
		e.persistQueueLocked()
		e.mu.Unlock()

		if err := e.apply(ctx, op); err != nil {
			op.RetryCount++
			if op.RetryCount > e.cfg.MaxRetries {
				logger.Error("sync: dropping %s operation %s after %d attempts: %v", op.Kind, op.ID, op.RetryCount, err)
				e.countError()
				continue
			}
			logger.Warn("sync: replay of %s operation %s failed (attempt %d/%d): %v", op.Kind, op.ID, op.RetryCount, e.cfg.MaxRetries, err)
			e.mu.Lock()
			if !e.disposed {
				e.queue = append(e.queue, op)
				e.persistQueueLocked()
			}
			e.mu.Unlock()
			continue
		}
		replayed++
	}

	e.mu.Lock()
	e.replaying = false
	drained := len(e.queue) == 0
	e.mu.Unlock()

	if replayed > 0 && drained {
		e.events.notify(Event{Kind: EventQueueDrained})
	}
}

// ExecuteWithRetry runs op immediately, retrying transient failures with a
// fixed delay until the retry ceiling. Operations already at the ceiling are
// not attempted.
func (e *Engine) ExecuteWithRetry(ctx context.Context, op Operation) error {
	remaining := e.cfg.MaxRetries - op.RetryCount
	if remaining <= 0 {
		return fmt.Errorf("operation %s: retry ceiling reached (%d)", op.ID, e.cfg.MaxRetries)
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := e.apply(ctx, op)
		if err != nil && !remote.IsTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(e.cfg.RetryDelay)),
		backoff.WithMaxTries(uint(remaining)),
	)
	if err != nil {
		e.countError()
	}
	return err
}

// ProcessBatches partitions ops into fixed-size chunks and replays each
// chunk sequentially. A failing chunk is logged and the run continues with
// the next chunk.
func (e *Engine) ProcessBatches(ctx context.Context, ops []Operation, batchSize int) {
	e.processBatches(ctx, ops, batchSize, e.processBatch)
}

func (e *Engine) processBatches(ctx context.Context, ops []Operation, batchSize int, process func(context.Context, []Operation) error) {
	if batchSize <= 0 {
		batchSize = e.cfg.BatchSize
	}
	for start := 0; start < len(ops); start += batchSize {
		end := start + batchSize
		if end > len(ops) {
			end = len(ops)
		}
		if err := process(ctx, ops[start:end]); err != nil {
			logger.Error("sync: batch %d-%d failed: %v", start, end, err)
			e.countError()
		}
	}
}

func (e *Engine) processBatch(ctx context.Context, ops []Operation) error {
	var firstErr error
	for _, op := range ops {
		if err := e.apply(ctx, op); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("operation %s: %w", op.ID, err)
		}
	}
	return firstErr
}

// persistQueueLocked writes the queue to durable storage. Caller holds e.mu.
func (e *Engine) persistQueueLocked() {
	raw, err := json.Marshal(e.queue)
	if err != nil {
		logger.Warn("sync: failed to encode offline queue: %v", err)
		return
	}
	if err := e.storage.Update(queueStorageKey, raw); err != nil {
		logger.Warn("sync: failed to persist offline queue: %v", err)
	}
}

// loadQueue restores the persisted queue at startup.
func (e *Engine) loadQueue() {
	raw, ok, err := e.storage.Get(queueStorageKey)
	if err != nil {
		logger.Warn("sync: failed to load offline queue: %v", err)
		return
	}
	if !ok {
		return
	}
	if err := json.Unmarshal(raw, &e.queue); err != nil {
		logger.Warn("sync: failed to decode offline queue: %v", err)
	}
}
