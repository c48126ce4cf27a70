// Package offline keeps mutating operations that could not reach the server
// and replays them, in order, once connectivity returns.
package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"incident-dispatch-go/internal/apperr"
	"incident-dispatch-go/internal/logging"
	"incident-dispatch-go/internal/metrics"
	"incident-dispatch-go/internal/models"
)

// MaxRetries is the retry ceiling; an entry failing more times is dropped.
const MaxRetries = 3

type Outcome string

const (
	OutcomeSynced   Outcome = "synced"
	OutcomeRetrying Outcome = "retrying"
	OutcomeFailed   Outcome = "failed"   // retries exhausted
	OutcomeRejected Outcome = "rejected" // terminal, never retried
)

// Event reports what happened to one entry during sync.
type Event struct {
	Queue   QueueName
	ID      string
	Outcome Outcome
	Retries int
	Err     error
}

// Message is the user-facing text for e.
func (e Event) Message() string {
	switch e.Outcome {
	case OutcomeSynced:
		return "Offline change sent."
	case OutcomeFailed:
		return "Could not send an offline change after several attempts. Please resubmit it."
	case OutcomeRejected:
		return "The server rejected an offline change. Please review and resubmit it."
	default:
		return "Offline change will be retried."
	}
}

// NotifyFunc receives sync outcomes for display.
type NotifyFunc func(Event)

// Operation is a generic write to queue.
type Operation struct {
	Endpoint string
	Method   string
	Payload  any
}

// Ack confirms that an operation was handled, either sent or saved offline.
type Ack struct {
	ID      string
	Queue   QueueName
	Sent    bool
	Message string
}

// Pending holds per-queue counts for UI badges.
type Pending struct {
	Operations    int `json:"operations"`
	StatusUpdates int `json:"status_updates"`
}

func (p Pending) Total() int {
	return p.Operations + p.StatusUpdates
}

// SyncReport summarizes one sync pass.
type SyncReport struct {
	Synced   int
	Retrying int
	Dropped  int
}

type Queue struct {
	store    *Store
	replayer Replayer
	notify   NotifyFunc
	log      *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	syncingOps    atomic.Bool
	syncingStatus atomic.Bool
}

type Option func(*Queue)

func WithNotify(fn NotifyFunc) Option {
	return func(q *Queue) { q.notify = fn }
}

func WithLogger(log *zap.Logger) Option {
	return func(q *Queue) { q.log = logging.OrNop(log) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func New(store *Store, replayer Replayer, opts ...Option) *Queue {
	q := &Queue{
		store:    store,
		replayer: replayer,
		notify:   func(Event) {},
		log:      zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue persists op for later replay.
func (q *Queue) Enqueue(ctx context.Context, op Operation) (Ack, error) {
	entry, err := q.newOperation(op)
	if err != nil {
		return Ack{}, err
	}
	if err := q.store.AddOperation(ctx, entry); err != nil {
		return Ack{}, err
	}
	q.log.Info("operation saved offline",
		zap.String("id", entry.ID),
		zap.String("endpoint", entry.Endpoint),
	)
	return Ack{ID: entry.ID, Queue: QueueOperations, Message: "Saved offline. Will send when back online."}, nil
}

// EnqueueStatus persists a dispatch status change for later replay.
func (q *Queue) EnqueueStatus(ctx context.Context, dispatchID string, status models.DispatchStatus) (Ack, error) {
	if dispatchID == "" || status == "" {
		return Ack{}, apperr.New(apperr.Validation, "dispatch id and status are required")
	}
	u := models.QueuedStatusUpdate{
		ID:         uuid.NewString(),
		DispatchID: dispatchID,
		Status:     status,
		Timestamp:  q.now().UTC(),
	}
	if err := q.store.AddStatusUpdate(ctx, u); err != nil {
		return Ack{}, err
	}
	q.log.Info("status update saved offline",
		zap.String("id", u.ID),
		zap.String("dispatch_id", dispatchID),
		zap.String("status", string(status)),
	)
	return Ack{ID: u.ID, Queue: QueueStatusUpdates, Message: "Status saved offline. Will send when back online."}, nil
}

// Submit tries op live and falls back to the queue when the failure is a
// connectivity problem. Terminal failures are returned to the caller.
func (q *Queue) Submit(ctx context.Context, op Operation) (Ack, error) {
	entry, err := q.newOperation(op)
	if err != nil {
		return Ack{}, err
	}
	err = q.replayer.ReplayOperation(ctx, entry)
	if err == nil {
		return Ack{ID: entry.ID, Queue: QueueOperations, Sent: true, Message: "Sent."}, nil
	}
	if !Retryable(err) {
		return Ack{}, err
	}
	q.log.Info("live submit failed, queueing", zap.Error(err))
	if err := q.store.AddOperation(ctx, entry); err != nil {
		return Ack{}, err
	}
	return Ack{ID: entry.ID, Queue: QueueOperations, Message: "Saved offline. Will send when back online."}, nil
}

// SubmitStatus is Submit for dispatch status changes.
func (q *Queue) SubmitStatus(ctx context.Context, dispatchID string, status models.DispatchStatus) (Ack, error) {
	u := models.QueuedStatusUpdate{ID: uuid.NewString(), DispatchID: dispatchID, Status: status, Timestamp: q.now().UTC()}
	err := q.replayer.ReplayStatus(ctx, u)
	if err == nil {
		return Ack{ID: u.ID, Queue: QueueStatusUpdates, Sent: true, Message: "Status updated."}, nil
	}
	if !Retryable(err) {
		return Ack{}, err
	}
	return q.EnqueueStatus(ctx, dispatchID, status)
}

func (q *Queue) newOperation(op Operation) (models.QueuedOperation, error) {
	if op.Endpoint == "" {
		return models.QueuedOperation{}, apperr.New(apperr.Validation, "endpoint is required")
	}
	payload, err := json.Marshal(op.Payload)
	if err != nil {
		return models.QueuedOperation{}, apperr.Wrap(apperr.Validation, "encode payload", err)
	}
	method := op.Method
	if method == "" {
		method = http.MethodPost
	}
	return models.QueuedOperation{
		ID:        uuid.NewString(),
		Payload:   payload,
		Endpoint:  op.Endpoint,
		Method:    method,
		Timestamp: q.now().UTC(),
	}, nil
}

// PendingCount returns how many entries wait in each queue.
func (q *Queue) PendingCount(ctx context.Context) (Pending, error) {
	ops, err := q.store.Count(ctx, QueueOperations)
	if err != nil {
		return Pending{}, err
	}
	statuses, err := q.store.Count(ctx, QueueStatusUpdates)
	if err != nil {
		return Pending{}, err
	}
	return Pending{Operations: ops, StatusUpdates: statuses}, nil
}

// Sync replays both queues. Each queue is processed in FIFO order by a single
// pass; the queues run independently so a backlog in one never blocks the
// other. A call that overlaps a running pass skips the busy queue.
func (q *Queue) Sync(ctx context.Context) (SyncReport, error) {
	var opsReport, statusReport SyncReport

	var g errgroup.Group
	gctx := ctx
	g.Go(func() error {
		if !q.syncingOps.CompareAndSwap(false, true) {
			return nil
		}
		defer q.syncingOps.Store(false)

		ops, err := q.store.Operations(gctx)
		if err != nil {
			return err
		}
		for _, op := range ops {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			cont, err := q.settle(gctx, &opsReport, QueueOperations, op.ID, op.Retries,
				q.replayer.ReplayOperation(gctx, op))
			if err != nil {
				return err
			}
			if !cont {
				break
			}
		}
		return nil
	})
	g.Go(func() error {
		if !q.syncingStatus.CompareAndSwap(false, true) {
			return nil
		}
		defer q.syncingStatus.Store(false)

		updates, err := q.store.StatusUpdates(gctx)
		if err != nil {
			return err
		}
		for _, u := range updates {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			cont, err := q.settle(gctx, &statusReport, QueueStatusUpdates, u.ID, u.Retries,
				q.replayer.ReplayStatus(gctx, u))
			if err != nil {
				return err
			}
			if !cont {
				break
			}
		}
		return nil
	})

	err := g.Wait()
	report := SyncReport{
		Synced:   opsReport.Synced + statusReport.Synced,
		Retrying: opsReport.Retrying + statusReport.Retrying,
		Dropped:  opsReport.Dropped + statusReport.Dropped,
	}
	if err != nil {
		return report, fmt.Errorf("offline sync: %w", err)
	}
	return report, nil
}

// settle applies the outcome of one replay. It reports whether the pass
// should continue with the next entry: a retryable failure stops the pass so
// later entries are never delivered ahead of an earlier one.
func (q *Queue) settle(ctx context.Context, report *SyncReport, queue QueueName, id string, retries int, replayErr error) (bool, error) {
	if replayErr == nil {
		if err := q.store.Delete(ctx, queue, id); err != nil {
			return false, err
		}
		report.Synced++
		q.emit(Event{Queue: queue, ID: id, Outcome: OutcomeSynced, Retries: retries})
		return true, nil
	}

	if !Retryable(replayErr) {
		if err := q.store.Delete(ctx, queue, id); err != nil {
			return false, err
		}
		report.Dropped++
		q.emit(Event{Queue: queue, ID: id, Outcome: OutcomeRejected, Retries: retries, Err: replayErr})
		return true, nil
	}

	n, err := q.store.IncrementRetries(ctx, queue, id)
	if err != nil {
		return false, err
	}
	if n > MaxRetries {
		if err := q.store.Delete(ctx, queue, id); err != nil {
			return false, err
		}
		report.Dropped++
		q.emit(Event{Queue: queue, ID: id, Outcome: OutcomeFailed, Retries: n, Err: replayErr})
		return true, nil
	}

	report.Retrying++
	q.emit(Event{Queue: queue, ID: id, Outcome: OutcomeRetrying, Retries: n, Err: replayErr})
	return false, nil
}

func (q *Queue) emit(e Event) {
	q.metrics.Replayed(string(e.Queue), string(e.Outcome))

	fields := []zap.Field{
		zap.String("queue", string(e.Queue)),
		zap.String("id", e.ID),
		zap.String("outcome", string(e.Outcome)),
		zap.Int("retries", e.Retries),
	}
	switch e.Outcome {
	case OutcomeFailed, OutcomeRejected:
		q.log.Warn("offline entry dropped", append(fields, zap.Error(e.Err))...)
	case OutcomeRetrying:
		q.log.Info("offline entry will be retried", append(fields, zap.Error(e.Err))...)
	default:
		q.log.Debug("offline entry synced", fields...)
	}

	// Retry-pending entries stay silent; the user only hears about final results.
	if e.Outcome != OutcomeRetrying {
		q.notify(e)
	}
}
