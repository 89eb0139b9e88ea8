package fault

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ReprocessingStrategy selects what the dead-letter timer does with a batch.
type ReprocessingStrategy string

const (
	// StrategyRetry re-runs each item's stored operation; successes leave
	// the queue, failures stay with a bumped attempt count.
	StrategyRetry ReprocessingStrategy = "retry"

	// StrategyDiscard drops the oldest batch without re-running anything.
	StrategyDiscard ReprocessingStrategy = "discard"

	// StrategyManual leaves items alone; only Requeue touches them.
	StrategyManual ReprocessingStrategy = "manual"
)

// DLQConfig tunes the dead-letter queue.
type DLQConfig struct {
	Retention            time.Duration        `json:"retention"`
	BatchSize            int                  `json:"batch_size"`
	ProcessingInterval   time.Duration        `json:"processing_interval"`
	ReprocessingStrategy ReprocessingStrategy `json:"reprocessing_strategy"`
	MaxItems             int                  `json:"max_items"`
}

// DefaultDLQConfig returns the documented defaults.
func DefaultDLQConfig() DLQConfig {
	return DLQConfig{
		Retention:            24 * time.Hour,
		BatchSize:            10,
		ProcessingInterval:   time.Minute,
		ReprocessingStrategy: StrategyManual,
		MaxItems:             1000,
	}
}

// DeadLetter is one exhausted failure parked for later inspection.
type DeadLetter struct {
	ID          string           `json:"id"`
	Error       *AutomationError `json:"error"`
	EnqueuedAt  time.Time        `json:"enqueued_at"`
	Attempts    int              `json:"attempts"`
	LastAttempt *time.Time       `json:"last_attempt,omitempty"`

	// reprocess re-runs the original operation. Nil for errors whose
	// operation cannot be replayed; those are only inspectable.
	reprocess func(context.Context) error
}

// DeadLetterQueue holds errors whose retries were exhausted or that were
// classified non-retryable. FIFO-bounded; a periodic pass expires items past
// retention and reprocesses batches per the configured strategy.
type DeadLetterQueue struct {
	mu     sync.Mutex
	cfg    DLQConfig
	items  []*DeadLetter
	logger zerolog.Logger
	now    func() time.Time
}

// NewDeadLetterQueue builds an empty queue.
func NewDeadLetterQueue(cfg DLQConfig, logger zerolog.Logger) *DeadLetterQueue {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultDLQConfig().BatchSize
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = DefaultDLQConfig().MaxItems
	}
	if cfg.ProcessingInterval <= 0 {
		cfg.ProcessingInterval = DefaultDLQConfig().ProcessingInterval
	}
	if cfg.ReprocessingStrategy == "" {
		cfg.ReprocessingStrategy = StrategyManual
	}
	return &DeadLetterQueue{
		cfg:    cfg,
		logger: logger.With().Str("component", "dead_letter").Logger(),
		now:    time.Now,
	}
}

// Enqueue parks a classified error. reprocess may be nil.
func (q *DeadLetterQueue) Enqueue(ae *AutomationError, reprocess func(context.Context) error) *DeadLetter {
	item := &DeadLetter{
		ID:         "dlq_" + uuid.NewString(),
		Error:      ae,
		EnqueuedAt: q.now(),
		reprocess:  reprocess,
	}

	q.mu.Lock()
	q.items = append(q.items, item)
	evicted := 0
	if len(q.items) > q.cfg.MaxItems {
		evicted = len(q.items) - q.cfg.MaxItems
		q.items = q.items[evicted:]
	}
	size := len(q.items)
	q.mu.Unlock()

	q.logger.Warn().
		Str("dlq_id", item.ID).
		Str("error_type", string(ae.Type)).
		Int("queue_size", size).
		Int("evicted", evicted).
		Msg("dead letter enqueued")
	return item
}

// Size returns the current item count.
func (q *DeadLetterQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Items returns a snapshot in enqueue order.
func (q *DeadLetterQueue) Items() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetter, len(q.items))
	for i, item := range q.items {
		out[i] = *item
	}
	return out
}

// Requeue re-runs one item immediately. On success the item leaves the
// queue; on failure the attempt count is bumped and the item stays.
func (q *DeadLetterQueue) Requeue(ctx context.Context, id string) error {
	q.mu.Lock()
	var item *DeadLetter
	idx := -1
	for i, it := range q.items {
		if it.ID == id {
			item, idx = it, i
			break
		}
	}
	q.mu.Unlock()

	if item == nil {
		return ErrDeadLetterNotFound
	}
	if item.reprocess == nil {
		return ErrNotRetryable
	}

	err := item.reprocess(ctx)
	now := q.now()

	q.mu.Lock()
	defer q.mu.Unlock()
	item.Attempts++
	item.LastAttempt = &now
	if err == nil && idx < len(q.items) {
		// Re-locate: the slice may have shifted while unlocked.
		for i, it := range q.items {
			if it.ID == id {
				q.items = append(q.items[:i], q.items[i+1:]...)
				break
			}
		}
	}
	return err
}

// Run drives expiry and batch reprocessing until ctx is done.
func (q *DeadLetterQueue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.ProcessingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Process(ctx)
		}
	}
}

// Process performs one maintenance pass: expired items are dropped first and
// never reprocessed, then one batch is handled per the strategy.
func (q *DeadLetterQueue) Process(ctx context.Context) {
	q.expire()

	switch q.cfg.ReprocessingStrategy {
	case StrategyDiscard:
		q.mu.Lock()
		n := q.cfg.BatchSize
		if n > len(q.items) {
			n = len(q.items)
		}
		q.items = q.items[n:]
		q.mu.Unlock()

	case StrategyRetry:
		q.mu.Lock()
		batch := make([]*DeadLetter, 0, q.cfg.BatchSize)
		for _, item := range q.items {
			if item.reprocess == nil {
				continue
			}
			batch = append(batch, item)
			if len(batch) == q.cfg.BatchSize {
				break
			}
		}
		q.mu.Unlock()

		for _, item := range batch {
			if ctx.Err() != nil {
				return
			}
			if err := q.Requeue(ctx, item.ID); err != nil && err != ErrDeadLetterNotFound {
				q.logger.Debug().Str("dlq_id", item.ID).Err(err).Msg("reprocess failed")
			}
		}

	default: // manual
	}
}

func (q *DeadLetterQueue) expire() {
	if q.cfg.Retention <= 0 {
		return
	}
	cutoff := q.now().Add(-q.cfg.Retention)

	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.items[:0]
	expired := 0
	for _, item := range q.items {
		if item.EnqueuedAt.Before(cutoff) {
			expired++
			continue
		}
		kept = append(kept, item)
	}
	q.items = kept
	if expired > 0 {
		q.logger.Info().Int("expired", expired).Msg("dead letters expired")
	}
}
