// Package retry wraps network operations with bounded retry, exponential
// backoff, connectivity awareness and an offline queue that drains on
// reconnect. One coordinator instance serves the whole client so a single
// outage is observed and drained once, not per subscriber.
package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/opsdeskhq/opsdesk/internal/audit"
	"github.com/opsdeskhq/opsdesk/internal/config"
	"github.com/opsdeskhq/opsdesk/internal/entity"
	"github.com/opsdeskhq/opsdesk/internal/loggy"
	"github.com/opsdeskhq/opsdesk/internal/notify"
	"github.com/opsdeskhq/opsdesk/internal/ulid"
)

// Operation is a retryable unit of work
type Operation func(ctx context.Context) error

// Options tunes a single ExecuteWithRetry call
type Options struct {
	MaxRetries int           // 0 means the configured default
	BaseDelay  time.Duration // 0 means the configured default

	// ConstantBackoff disables the doubling of delays between attempts
	ConstantBackoff bool

	// Critical marks operations whose terminal failure must surface a
	// persistent notification and invoke Fallback
	Critical bool

	// Silent suppresses user notifications; queue drain replays use it
	Silent bool

	// EntityType and EntityID attribute audit records to an entity
	EntityType entity.Kind
	EntityID   string

	// Fallback is invoked after a critical operation exhausts its retries
	Fallback func()

	// OnExhausted is invoked on any terminal failure, including one that
	// happens while draining the offline queue. Callers use it to undo
	// optimistic state.
	OnExhausted func(err error)

	// singleAttempt is set on queue-drain replays: the operation either
	// succeeds, re-queues, or fails now, with no backoff schedule of its
	// own against a link that may still be recovering
	singleAttempt bool
}

// QueuedOperation is an operation parked while offline
type QueuedOperation struct {
	ID         string
	Operation  Operation
	Options    Options
	EnqueuedAt time.Time
	Attempts   int
}

// QueueStatus is a diagnostic snapshot of the coordinator
type QueueStatus struct {
	QueueSize      int
	Online         bool
	ErrorCounts    map[string]int
	OldestQueuedAt *time.Time
}

// Coordinator is the resilience engine. Construct exactly one per running
// client and inject it everywhere a network call needs retry semantics.
type Coordinator struct {
	cfg       config.SyncConfig
	auditRepo audit.Repository
	notifier  *notify.Notifier
	logger    *loggy.Logger

	rootCtx context.Context
	cancel  context.CancelFunc
	drainWG sync.WaitGroup

	mu          sync.Mutex
	online      bool
	queue       []*QueuedOperation
	errorCounts map[string]int
}

// NewCoordinator creates a new coordinator, initially online
func NewCoordinator(cfg config.SyncConfig, auditRepo audit.Repository, notifier *notify.Notifier, logger *loggy.Logger) *Coordinator {
	rootCtx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:         cfg,
		auditRepo:   auditRepo,
		notifier:    notifier,
		logger:      logger,
		rootCtx:     rootCtx,
		cancel:      cancel,
		online:      true,
		errorCounts: make(map[string]int),
	}
}

// Close tears down the coordinator: pending retry delays are cancelled and
// in-flight drain replays are waited for
func (c *Coordinator) Close() {
	c.cancel()
	c.drainWG.Wait()
}

// Online reports the current connectivity state
func (c *Coordinator) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// SetOnline records a connectivity transition. Going from offline to
// online triggers a queue drain.
func (c *Coordinator) SetOnline(online bool) {
	c.mu.Lock()
	wasOnline := c.online
	c.online = online
	queued := len(c.queue)
	c.mu.Unlock()

	if wasOnline == online {
		return
	}

	c.logger.Info("Connectivity changed", "online", online, "queued_operations", queued)

	if online {
		c.drainQueue()
	}
}

// ExecuteWithRetry runs the operation with bounded retry and backoff.
// Failures while offline (or that outlast connectivity) are queued under
// operationID and reported via ErrQueued; exhausted retries are written to
// the audit log and returned as a classified *Error.
func (c *Coordinator) ExecuteWithRetry(ctx context.Context, operationID string, op Operation, opts Options) error {
	opts = c.withDefaults(opts)
	if operationID == "" {
		operationID = ulid.OperationID()
	}

	boundCtx, release := c.boundContext(ctx)
	defer release()

	started := time.Now()
	attempts := 0
	classified := TypeApplication

	attempt := func() error {
		attempts++
		err := op(boundCtx)
		if err == nil {
			c.resetErrorCount(operationID)
			return nil
		}

		c.recordErrorCount(operationID)

		if !c.Online() {
			// Offline makes any failure network-classified
			classified = TypeNetwork
			return backoff.Permanent(queuedError{err})
		}

		classified = Classify(err)
		if classified == TypeApplication {
			// Retrying a validation failure cannot succeed
			return backoff.Permanent(err)
		}

		c.logger.Warn("Operation attempt failed, retrying",
			"operation_id", operationID,
			"attempt", attempts,
			"error", err,
		)
		return err
	}

	err := backoff.Retry(attempt, c.policy(boundCtx, opts))
	if err == nil {
		return nil
	}

	var qe queuedError
	if errors.As(err, &qe) {
		return c.enqueue(operationID, op, opts, attempts, qe.err)
	}

	return c.exhausted(operationID, opts, classified, err, attempts, started)
}

// GetQueueStatus returns a diagnostic snapshot of the queue
func (c *Coordinator) GetQueueStatus() QueueStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := QueueStatus{
		QueueSize:   len(c.queue),
		Online:      c.online,
		ErrorCounts: make(map[string]int, len(c.errorCounts)),
	}
	for id, n := range c.errorCounts {
		status.ErrorCounts[id] = n
	}
	if len(c.queue) > 0 {
		oldest := c.queue[0].EnqueuedAt
		for _, q := range c.queue[1:] {
			if q.EnqueuedAt.Before(oldest) {
				oldest = q.EnqueuedAt
			}
		}
		status.OldestQueuedAt = &oldest
	}

	return status
}

// ClearQueue discards every queued operation. Explicit user action only.
func (c *Coordinator) ClearQueue() int {
	c.mu.Lock()
	n := len(c.queue)
	c.queue = nil
	c.mu.Unlock()

	if n > 0 {
		c.logger.Info("Cleared offline queue", "discarded", n)
	}
	return n
}

// withDefaults fills in the configured default retry parameters
func (c *Coordinator) withDefaults(opts Options) Options {
	if opts.MaxRetries == 0 {
		opts.MaxRetries = c.cfg.MaxRetries
	}
	if opts.BaseDelay == 0 {
		opts.BaseDelay = c.cfg.BaseDelay
	}
	if !c.cfg.ExponentialBackoff {
		opts.ConstantBackoff = true
	}
	return opts
}

// policy builds the backoff schedule: baseDelay * 2^(n-1) before attempt
// n, or constant baseDelay when doubling is disabled
func (c *Coordinator) policy(ctx context.Context, opts Options) backoff.BackOffContext {
	var b backoff.BackOff
	if opts.ConstantBackoff {
		b = backoff.NewConstantBackOff(opts.BaseDelay)
	} else {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = opts.BaseDelay
		exp.RandomizationFactor = 0
		exp.Multiplier = 2
		exp.MaxInterval = opts.BaseDelay * (1 << 16)
		exp.MaxElapsedTime = 0
		b = exp
	}
	retries := uint64(opts.MaxRetries)
	if opts.singleAttempt {
		retries = 0
	}
	b = backoff.WithMaxRetries(b, retries)
	return backoff.WithContext(b, ctx)
}

// boundContext derives a context that is also cancelled when the
// coordinator is closed, so no retry delay outlives teardown
func (c *Coordinator) boundContext(ctx context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.rootCtx, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}

// enqueue parks the operation until connectivity returns. Re-enqueuing an
// operationID supersedes the prior entry; the queue holds at most one
// entry per id.
func (c *Coordinator) enqueue(operationID string, op Operation, opts Options, attempts int, cause error) error {
	now := time.Now()

	c.mu.Lock()
	replaced := false
	for _, q := range c.queue {
		if q.ID == operationID {
			q.Operation = op
			q.Options = opts
			q.EnqueuedAt = now
			q.Attempts = attempts
			replaced = true
			break
		}
	}
	if !replaced {
		c.queue = append(c.queue, &QueuedOperation{
			ID:         operationID,
			Operation:  op,
			Options:    opts,
			EnqueuedAt: now,
			Attempts:   attempts,
		})
	}
	size := len(c.queue)
	c.mu.Unlock()

	c.logger.Info("Operation queued while offline",
		"operation_id", operationID,
		"superseded", replaced,
		"queue_size", size,
	)

	c.writeAudit(operationID, opts, audit.OutcomeQueued, audit.ErrorTypeNetwork, errMessage(cause), attempts)

	if !opts.Silent {
		c.notifier.Transient(notify.LevelInfo, "Saved for later: the change will be sent when the connection is restored")
	}

	return &Error{
		OperationID: operationID,
		Type:        TypeNetwork,
		Attempts:    attempts,
		Err:         errors.Join(ErrQueued, cause),
	}
}

// exhausted handles the max-retries-exhausted path
func (c *Coordinator) exhausted(operationID string, opts Options, classified ErrorType, cause error, attempts int, started time.Time) error {
	c.logger.Error("Operation failed after all retries",
		"operation_id", operationID,
		"error_type", string(classified),
		"attempts", attempts,
		"critical", opts.Critical,
		"elapsed", time.Since(started),
		"error", cause,
	)

	outcome := audit.OutcomeExhausted
	if opts.Critical {
		outcome = audit.OutcomeCritical
	}
	c.writeAudit(operationID, opts, outcome, toAuditErrorType(classified), errMessage(cause), attempts)

	if opts.Critical {
		c.notifier.Persistent(notify.LevelError, fmt.Sprintf("A critical operation failed and needs attention: %v", cause))
		if opts.Fallback != nil {
			opts.Fallback()
		}
	} else if !opts.Silent {
		c.notifier.Transient(notify.LevelError, fmt.Sprintf("Operation failed: %v", cause))
	}

	if opts.OnExhausted != nil {
		opts.OnExhausted(cause)
	}

	return &Error{
		OperationID: operationID,
		Type:        classified,
		Attempts:    attempts,
		Err:         cause,
	}
}

// drainQueue replays every queued operation through the standard decision
// path, one attempt each. Replays start in enqueue order but run
// concurrently; operations that fail while offline re-queue themselves.
func (c *Coordinator) drainQueue() {
	c.mu.Lock()
	pending := c.queue
	c.queue = nil
	c.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	c.logger.Info("Draining offline queue", "queued_operations", len(pending))

	for _, q := range pending {
		q := q
		c.drainWG.Add(1)
		go func() {
			defer c.drainWG.Done()

			opts := q.Options
			opts.Silent = true
			opts.singleAttempt = true

			err := c.ExecuteWithRetry(c.rootCtx, q.ID, q.Operation, opts)
			if err == nil {
				c.writeAudit(q.ID, q.Options, audit.OutcomeDrained, "", "", q.Attempts)
				c.logger.Info("Queued operation replayed", "operation_id", q.ID)
				return
			}

			if errors.Is(err, ErrQueued) {
				// Still offline; the operation re-queued itself
				return
			}

			c.writeAudit(q.ID, q.Options, audit.OutcomeDrainFailed, toAuditErrorType(Classify(err)), errMessage(err), q.Attempts)
			c.logger.Warn("Queued operation failed during drain", "operation_id", q.ID, "error", err)
		}()
	}
}

func (c *Coordinator) recordErrorCount(operationID string) {
	c.mu.Lock()
	c.errorCounts[operationID]++
	c.mu.Unlock()
}

func (c *Coordinator) resetErrorCount(operationID string) {
	c.mu.Lock()
	delete(c.errorCounts, operationID)
	c.mu.Unlock()
}

// writeAudit persists a diagnostic record. A failure to write the audit
// log is logged and swallowed so it never masks the original error.
func (c *Coordinator) writeAudit(operationID string, opts Options, outcome audit.Outcome, errType audit.ErrorType, errMessage string, attempts int) {
	if c.auditRepo == nil {
		return
	}

	rec := audit.NewRecord(operationID, opts.EntityType, opts.EntityID)
	rec.Critical = opts.Critical
	rec.Complete(outcome, errType, errMessage, attempts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.auditRepo.CreateRecord(ctx, rec); err != nil {
		c.logger.Error("Failed to write audit record", "operation_id", operationID, "error", err)
	}
}

func toAuditErrorType(t ErrorType) audit.ErrorType {
	switch t {
	case TypeNetwork:
		return audit.ErrorTypeNetwork
	case TypeApplication:
		return audit.ErrorTypeApplication
	}
	return audit.ErrorTypeUnknown
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
