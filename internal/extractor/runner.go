package extractor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/your-org/imagemeta/pkg/queue"
)

// FailureMode selects how a failed batch is settled.
type FailureMode string

const (
	// FailBatch nacks every delivery of a failed batch.
	FailBatch FailureMode = "batch"
	// FailPartial acks deliveries that completed before the failure and nacks the rest.
	FailPartial FailureMode = "partial"
)

const (
	settleTimeout = 10 * time.Second
	receivePause  = time.Second
)

// Runner pulls batches from a queue and feeds them to an Extractor.
type Runner struct {
	receiver  queue.Receiver
	extractor *Extractor
	logger    *zap.Logger
	batchSize int
	wait      time.Duration
	mode      FailureMode
	redrive   time.Duration
}

type RunnerParams struct {
	Receiver     queue.Receiver
	Extractor    *Extractor
	Logger       *zap.Logger
	BatchSize    int
	Wait         time.Duration
	FailureMode  FailureMode
	// RedriveDelay is how long Run waits after a failed batch before receiving again.
	RedriveDelay time.Duration
}

// NewRunner constructs a Runner. Zero values fall back to batches of 10,
// a 20s wait, FailBatch and a one second redrive delay.
func NewRunner(p RunnerParams) *Runner {
	r := &Runner{
		receiver:  p.Receiver,
		extractor: p.Extractor,
		logger:    p.Logger,
		batchSize: p.BatchSize,
		wait:      p.Wait,
		mode:      p.FailureMode,
		redrive:   p.RedriveDelay,
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.batchSize <= 0 {
		r.batchSize = 10
	}
	if r.wait <= 0 {
		r.wait = 20 * time.Second
	}
	if r.mode == "" {
		r.mode = FailBatch
	}
	if r.redrive <= 0 {
		r.redrive = receivePause
	}
	return r
}

// Run processes batches until ctx is cancelled. Failed batches are logged and
// left to the transport to redeliver; Run backs off before the next receive.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("extractor runner started",
		zap.Int("batch_size", r.batchSize),
		zap.Duration("wait", r.wait),
		zap.String("failure_mode", string(r.mode)),
		zap.Duration("redrive_delay", r.redrive),
	)

	for {
		if ctx.Err() != nil {
			return nil
		}

		_, err := r.RunOnce(ctx)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}

		pause := r.redrive
		var batchErr *BatchError
		if !errors.As(err, &batchErr) {
			r.logger.Error("receive failed", zap.Error(err))
			pause = receivePause
		}
		if !sleep(ctx, pause) {
			return nil
		}
	}
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// RunOnce receives and processes at most one batch, returning how many
// messages completed.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	deliveries, err := r.receiver.Receive(ctx, r.batchSize, r.wait)
	if err != nil {
		return 0, fmt.Errorf("receive batch: %w", err)
	}
	if len(deliveries) == 0 {
		return 0, nil
	}

	logger := r.logger.With(
		zap.String("batch_id", uuid.NewString()),
		zap.Int("batch_size", len(deliveries)),
	)

	bodies := make([][]byte, len(deliveries))
	for i, d := range deliveries {
		bodies[i] = d.Body()
	}

	done, err := r.extractor.ProcessBatch(ctx, bodies)
	r.settle(ctx, logger, deliveries, done, err)
	if err != nil {
		logger.Error("batch failed",
			zap.Int("completed", done),
			zap.String("failure_mode", string(r.mode)),
			zap.Error(err),
		)
		return done, err
	}

	logger.Info("batch processed")
	return done, nil
}

func (r *Runner) settle(ctx context.Context, logger *zap.Logger, deliveries []queue.Delivery, done int, batchErr error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	acked := len(deliveries)
	if batchErr != nil {
		acked = 0
		if r.mode == FailPartial {
			acked = done
		}
	}

	for i, d := range deliveries {
		if i < acked {
			if err := d.Ack(ctx); err != nil {
				logger.Warn("ack failed", zap.Int("index", i), zap.Error(err))
			}
			continue
		}
		if err := d.Nack(ctx); err != nil {
			logger.Warn("nack failed", zap.Int("index", i), zap.Error(err))
		}
	}
}

// Close releases the receiver.
func (r *Runner) Close() error {
	return r.receiver.Close()
}
