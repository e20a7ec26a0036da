package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/icetrack-labs/icetrack-go/internal/domain"
)

// RunSource supplies the current canonical run collection for
// reconciliation pushes.
type RunSource interface {
	ListRuns(ctx context.Context) ([]domain.Run, error)
}

// Archiver receives successful reconciliation payloads for retention.
type Archiver interface {
	Archive(ctx context.Context, payload []byte) error
}

type pushJob struct {
	message string
	payload func(ctx context.Context) ([]byte, error)
	archive bool
}

// Syncer propagates canonical run state to the versioned mirror.
// Pushes to the same target are serialized through one queue and one
// consumer goroutine per target; different targets push concurrently.
// All pushes are best-effort: failures never touch the canonical store.
type Syncer struct {
	logger   *slog.Logger
	client   Client
	source   RunSource
	archiver Archiver
	cfg      Config

	// idleTimeout bounds how long a drained per-target consumer stays
	// alive waiting for more work before it is reaped.
	idleTimeout time.Duration

	mu     sync.Mutex
	ctx    context.Context
	queues map[string]chan pushJob
}

const defaultConsumerIdle = 5 * time.Minute

func NewSyncer(logger *slog.Logger, client Client, source RunSource, archiver Archiver, cfg Config) *Syncer {
	if client == nil || source == nil {
		return nil
	}
	return &Syncer{
		logger:      logger,
		client:      client,
		source:      source,
		archiver:    archiver,
		cfg:         cfg,
		idleTimeout: defaultConsumerIdle,
		queues:      make(map[string]chan pushJob),
	}
}

// Start binds the syncer to its lifetime context and begins the
// periodic full-collection reconciliation loop. Must be called before
// the first enqueue.
func (s *Syncer) Start(ctx context.Context) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	go s.reconcileLoop(ctx)
}

// EnqueueRun schedules a push of one run's mirror entry. Non-blocking:
// when the target queue is full the push is dropped and logged, and the
// reconciler heals the gap.
func (s *Syncer) EnqueueRun(run domain.Run) {
	if s == nil {
		return
	}
	snapshot := run
	s.enqueue(s.runPath(run.RunNumber), pushJob{
		message: fmt.Sprintf("Update run %d state to %s", run.RunNumber, run.State),
		payload: func(context.Context) ([]byte, error) {
			return marshalSnapshot(snapshot)
		},
	})
}

// EnqueueCollection schedules a push of the full run collection.
func (s *Syncer) EnqueueCollection() {
	if s == nil {
		return
	}
	s.enqueue(s.cfg.CollectionPath, pushJob{
		message: "Reconcile run collection",
		payload: func(ctx context.Context) ([]byte, error) {
			runs, err := s.source.ListRuns(ctx)
			if err != nil {
				return nil, fmt.Errorf("list runs: %w", err)
			}
			return marshalSnapshot(runs)
		},
		archive: true,
	})
}

func (s *Syncer) runPath(runNumber int) string {
	return path.Join(s.cfg.RunPathPrefix, fmt.Sprintf("run-%d.json", runNumber))
}

func (s *Syncer) enqueue(target string, job pushJob) {
	s.mu.Lock()
	if s.ctx == nil {
		s.mu.Unlock()
		s.log("push dropped (syncer not started)", "target", target)
		return
	}
	queue, ok := s.queues[target]
	if !ok {
		queue = make(chan pushJob, s.cfg.QueueDepth)
		s.queues[target] = queue
		go s.consume(s.ctx, target, queue)
	}

	// The send happens under the lock so a consumer reaping itself can
	// never strand a job in an unmapped queue.
	var dropped bool
	select {
	case queue <- job:
	default:
		dropped = true
	}
	s.mu.Unlock()

	if dropped {
		s.log("push dropped (queue full)", "target", target)
	}
}

func (s *Syncer) consume(ctx context.Context, target string, queue chan pushJob) {
	idle := time.NewTimer(s.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case job := <-queue:
			s.push(ctx, target, job)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.idleTimeout)
		case <-idle.C:
			s.mu.Lock()
			if len(queue) == 0 {
				delete(s.queues, target)
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			idle.Reset(s.idleTimeout)
		}
	}
}

// push runs the fetch-token-write cycle, repeating the whole cycle with
// backoff when the conditional write loses to a concurrent external
// edit. Any other failure is logged and dropped.
func (s *Syncer) push(ctx context.Context, target string, job pushJob) {
	for attempt := 0; ; attempt++ {
		err := s.pushOnce(ctx, target, job)
		if err == nil {
			return
		}
		if !errors.Is(err, ErrConflict) || attempt >= s.cfg.ConflictRetries {
			s.log("mirror push failed", "target", target, "attempt", attempt, "error", err)
			return
		}
		s.log("mirror push conflict, retrying", "target", target, "attempt", attempt)
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt+1) * 500 * time.Millisecond):
		}
	}
}

func (s *Syncer) pushOnce(ctx context.Context, target string, job pushJob) error {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.PushTimeout)
	defer cancel()

	current, err := s.client.Get(callCtx, target)
	if err != nil {
		return err
	}
	payload, err := job.payload(callCtx)
	if err != nil {
		return err
	}
	if err := s.client.Put(callCtx, target, payload, job.message, current.Token); err != nil {
		return err
	}

	if job.archive && s.archiver != nil {
		if err := s.archiver.Archive(callCtx, payload); err != nil {
			s.log("snapshot archive failed", "target", target, "error", err)
		}
	}
	return nil
}

func (s *Syncer) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.EnqueueCollection()
		}
	}
}

func marshalSnapshot(v any) ([]byte, error) {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return append(payload, '\n'), nil
}

func (s *Syncer) log(msg string, attrs ...any) {
	if s.logger == nil {
		return
	}
	for i := 0; i+1 < len(attrs); i += 2 {
		key, ok := attrs[i].(string)
		if !ok || key != "error" {
			continue
		}
		if err, ok := attrs[i+1].(error); ok && errors.Is(err, context.Canceled) {
			return
		}
	}
	fields := []any{"component", "mirror_syncer"}
	fields = append(fields, attrs...)
	s.logger.Warn(msg, fields...)
}
