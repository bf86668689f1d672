package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gifconv/models"
	"gifconv/queue"

	"github.com/rs/zerolog"
)

type Options struct {
	Workers    int
	Retry      queue.RetryPolicy
	Limits     models.Limits
	JobTimeout time.Duration
	// LeaseTTL drives the heartbeat; Touch is sent every third of it.
	LeaseTTL time.Duration
	// ErrorBackoff is the pause after a broker error before fetching again.
	ErrorBackoff time.Duration
}

type Dependencies struct {
	Broker     queue.Broker
	Store      RecordStore
	Transcoder Transcoder
	Prober     Prober
	Artifacts  Artifacts
	Notifier   Notifier
}

type Pool struct {
	Dependencies
	opts   Options
	logger zerolog.Logger
}

func NewPool(deps Dependencies, opts Options, logger zerolog.Logger) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = queue.DefaultRetryPolicy()
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = 5 * time.Second
	}
	return &Pool{
		Dependencies: deps,
		opts:         opts,
		logger:       logger.With().Str("component", "worker").Logger(),
	}
}

// Run starts the workers and blocks until all of them have returned. Workers
// stop fetching when ctx is cancelled and finish the job they hold.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.opts.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			p.StartWorker(ctx, workerID)
		}(i)
	}
	p.logger.Info().Int("workers", p.opts.Workers).Msg("started conversion workers")
	wg.Wait()
}

func (p *Pool) StartWorker(ctx context.Context, workerID int) {
	logger := p.logger.With().Int("worker_id", workerID).Logger()
	logger.Info().Msg("starting")

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down")
			return
		default:
		}

		d, err := p.Broker.Fetch(ctx)
		if errors.Is(err, queue.ErrNoJob) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			logger.Error().Err(err).Msg("queue error")
			select {
			case <-ctx.Done():
			case <-time.After(p.opts.ErrorBackoff):
			}
			continue
		}

		p.processJob(ctx, workerID, d)
	}
}

func (p *Pool) processJob(ctx context.Context, workerID int, d *queue.Delivery) {
	// In-flight work and its bookkeeping outlive shutdown of the fetch loop
	ctx = context.WithoutCancel(ctx)

	logger := p.logger.With().
		Int("worker_id", workerID).
		Str("job_id", d.ID).
		Str("conversion_id", d.Descriptor.ConversionID).
		Int("attempt", d.Attempt).
		Logger()

	stop := p.heartbeat(ctx, logger, d)
	defer stop()

	if d.Attempt > p.opts.Retry.MaxAttempts {
		p.fail(ctx, logger, d, fmt.Errorf("abandoned after %d attempts", p.opts.Retry.MaxAttempts))
		return
	}

	logger.Info().Str("input", d.Descriptor.InputPath).Msg("processing conversion")
	startTime := time.Now()

	rec, err := p.Store.FindAndUpdate(ctx, d.Descriptor.ConversionID, models.MarkProcessing(d.Attempt))
	switch {
	case errors.Is(err, models.ErrInvalidTransition):
		// A crash between the terminal write and cleanup leaves the input behind
		logger.Info().Msg("conversion already settled, dropping delivery")
		p.cleanup(ctx, logger, d)
		p.ack(ctx, logger, d)
		return
	case errors.Is(err, models.ErrNotFound):
		logger.Warn().Msg("conversion record not found, discarding job")
		if err := p.Broker.Discard(ctx, d, "conversion record not found"); err != nil {
			logger.Error().Err(err).Msg("failed to discard job")
		}
		return
	case err != nil:
		p.handleFailure(ctx, logger, d, fmt.Errorf("mark processing: %w", err))
		return
	}
	p.notify(ctx, logger, rec)

	if err := p.convert(ctx, logger, d); err != nil {
		p.handleFailure(ctx, logger, d, err)
		return
	}

	p.cleanup(ctx, logger, d)
	p.ack(ctx, logger, d)
	logger.Info().Dur("duration", time.Since(startTime)).Msg("conversion completed")
}

// convert runs one attempt from input resolution to the completed record.
func (p *Pool) convert(ctx context.Context, logger zerolog.Logger, d *queue.Delivery) error {
	jobCtx := ctx
	if p.opts.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, p.opts.JobTimeout)
		defer cancel()
	}

	job := d.Descriptor
	localInput, size, err := p.Artifacts.Fetch(jobCtx, job.ConversionID, job.InputPath)
	if err != nil {
		return fmt.Errorf("resolve input: %w", err)
	}

	meta, err := p.Prober.Probe(jobCtx, localInput)
	if err != nil {
		return fmt.Errorf("probe input: %w", err)
	}
	meta.Size = size
	if err := p.opts.Limits.Check(meta); err != nil {
		return err
	}
	if _, err := p.Store.FindAndUpdate(ctx, job.ConversionID, models.SetMetadata(meta)); err != nil {
		return fmt.Errorf("save metadata: %w", err)
	}

	staged, err := p.Artifacts.Stage(job.ConversionID, job.OutputPath)
	if err != nil {
		return fmt.Errorf("stage output: %w", err)
	}

	run, err := p.Transcoder.Start(jobCtx, localInput, staged)
	if err != nil {
		return fmt.Errorf("start transcode: %w", err)
	}

	last := 0
	for percent := range run.Progress() {
		// 100 is reserved for the completed write
		if percent <= last || percent >= 100 {
			continue
		}
		last = percent
		rec, err := p.Store.FindAndUpdate(ctx, job.ConversionID, models.SetProgress(percent))
		if err != nil {
			logger.Warn().Err(err).Int("progress", percent).Msg("failed to record progress")
			continue
		}
		p.notify(ctx, logger, rec)
	}
	if err := run.Wait(); err != nil {
		if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("conversion timed out after %s: %w", p.opts.JobTimeout, err)
		}
		return fmt.Errorf("transcode: %w", err)
	}

	if err := p.Artifacts.Publish(jobCtx, staged, job.OutputPath); err != nil {
		return fmt.Errorf("publish output: %w", err)
	}

	rec, err := p.Store.FindAndUpdate(ctx, job.ConversionID, models.MarkCompleted(job.OutputPath))
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	p.notify(ctx, logger, rec)
	return nil
}

func (p *Pool) handleFailure(ctx context.Context, logger zerolog.Logger, d *queue.Delivery, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidTransition):
		// Another writer settled the record; nothing left to do for this job
		logger.Warn().Err(err).Msg("conversion settled during processing")
		_ = p.Artifacts.Release(d.Descriptor.ConversionID)
		p.ack(ctx, logger, d)
	case models.IsFatal(err):
		logger.Warn().Err(err).Msg("conversion rejected")
		p.fail(ctx, logger, d, err)
	case p.opts.Retry.Exhausted(d.Attempt):
		logger.Error().Err(err).Msg("conversion failed, no attempts left")
		p.fail(ctx, logger, d, err)
	default:
		delay := p.opts.Retry.Delay(d.Attempt)
		logger.Warn().Err(err).Dur("delay", delay).Msg("conversion attempt failed, retrying")
		_ = p.Artifacts.Release(d.Descriptor.ConversionID)
		if err := p.Broker.Retry(ctx, d, delay); err != nil {
			logger.Error().Err(err).Msg("failed to schedule retry")
		}
	}
}

// fail settles the record as failed, removes the input and drops the job. If
// the terminal write itself fails the job is retried instead, so the record
// never stays processing with no job behind it.
func (p *Pool) fail(ctx context.Context, logger zerolog.Logger, d *queue.Delivery, cause error) {
	rec, err := p.Store.FindAndUpdate(ctx, d.Descriptor.ConversionID, models.MarkFailed(cause.Error()))
	switch {
	case err == nil:
		p.notify(ctx, logger, rec)
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrNotFound):
		logger.Info().Err(err).Msg("conversion already settled")
	default:
		logger.Error().Err(err).Msg("failed to record failure")
		if err := p.Broker.Retry(ctx, d, p.opts.Retry.Delay(d.Attempt)); err != nil {
			logger.Error().Err(err).Msg("failed to schedule retry")
		}
		return
	}

	p.cleanup(ctx, logger, d)
	if err := p.Broker.Discard(ctx, d, cause.Error()); err != nil {
		logger.Error().Err(err).Msg("failed to discard job")
	}
}

func (p *Pool) cleanup(ctx context.Context, logger zerolog.Logger, d *queue.Delivery) {
	if err := p.Artifacts.Remove(ctx, d.Descriptor.InputPath); err != nil {
		logger.Warn().Err(err).Msg("failed to remove input")
	}
	if err := p.Artifacts.Release(d.Descriptor.ConversionID); err != nil {
		logger.Warn().Err(err).Msg("failed to release scratch space")
	}
}

func (p *Pool) ack(ctx context.Context, logger zerolog.Logger, d *queue.Delivery) {
	if err := p.Broker.Ack(ctx, d); err != nil {
		logger.Error().Err(err).Msg("failed to ack job")
	}
}

func (p *Pool) notify(ctx context.Context, logger zerolog.Logger, rec *models.Conversion) {
	if p.Notifier == nil || rec == nil {
		return
	}
	if err := p.Notifier.Publish(ctx, models.EventFromRecord(rec)); err != nil {
		logger.Warn().Err(err).Str("status", string(rec.Status)).Msg("failed to publish event")
	}
}

// heartbeat keeps the lease of d alive while it is processed.
func (p *Pool) heartbeat(ctx context.Context, logger zerolog.Logger, d *queue.Delivery) func() {
	if p.opts.LeaseTTL <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(p.opts.LeaseTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.Broker.Touch(ctx, d); err != nil && ctx.Err() == nil {
					logger.Warn().Err(err).Msg("failed to extend lease")
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
