package retrain

import (
	"context"
	"errors"
	"fmt"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"layoutid/internal/logger"
)

var ErrQueueBusy = errors.New("a retrain job is already running")

type Runner interface {
	Run(ctx context.Context, quick bool) error
}

// Queue runs at most one retrain at a time in the background. Submitting
// while a job is running fails fast with ErrQueueBusy.
type Queue struct {
	pool   *ants.Pool
	runner Runner
	ctx    context.Context
	logger *zap.Logger
}

// NewQueue binds jobs to ctx; cancelling it stops a running trainer.
func NewQueue(ctx context.Context, runner Runner, log *zap.Logger) (*Queue, error) {
	pool, err := ants.NewPool(1, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("create retrain pool: %w", err)
	}
	return &Queue{pool: pool, runner: runner, ctx: ctx, logger: logger.OrNop(log)}, nil
}

// Submit starts a retrain. done, when non-nil, receives the job's result.
func (q *Queue) Submit(quick bool, done func(error)) error {
	err := q.pool.Submit(func() {
		err := q.runner.Run(q.ctx, quick)
		if err != nil {
			q.logger.Warn("background retrain failed", zap.Bool("quick", quick), zap.Error(err))
		}
		if done != nil {
			done(err)
		}
	})
	if errors.Is(err, ants.ErrPoolOverload) {
		return ErrQueueBusy
	}
	return err
}

func (q *Queue) Busy() bool {
	return q.pool.Running() > 0
}

// Release waits for nothing; a running job keeps going until it finishes
// or the queue context is cancelled.
func (q *Queue) Release() {
	q.pool.Release()
}
