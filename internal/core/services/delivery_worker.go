package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"omnigate/internal/core/domain"
	"omnigate/internal/core/ports"
)

// WorkerConfig tunes the delivery worker
type WorkerConfig struct {
	Concurrency    int
	AttemptTimeout time.Duration
	PollWait       time.Duration
	RatePerSecond  float64 // 0 disables pacing
	Burst          int
}

// DeliveryWorker drains the delivery queue and POSTs envelopes to subscribers.
// Success is any 2xx; everything else is reported back to the queue, which
// owns retry and the terminal failed state.
type DeliveryWorker struct {
	queue     ports.DeliveryQueue
	client    *http.Client
	limiter   *rate.Limiter
	cfg       WorkerConfig
	observers []ports.DeliveryObserver
}

// NewDeliveryWorker creates a worker. client may be nil.
func NewDeliveryWorker(queue ports.DeliveryQueue, client *http.Client, cfg WorkerConfig, observers ...ports.DeliveryObserver) *DeliveryWorker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}
	if cfg.PollWait <= 0 {
		cfg.PollWait = 2 * time.Second
	}
	if client == nil {
		client = &http.Client{}
	}
	w := &DeliveryWorker{
		queue:     queue,
		client:    client,
		cfg:       cfg,
		observers: observers,
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		w.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return w
}

// Run processes jobs with bounded concurrency until ctx is cancelled
func (w *DeliveryWorker) Run(ctx context.Context) error {
	slog.Info("Delivery worker started",
		"concurrency", w.cfg.Concurrency,
		"attempt_timeout", w.cfg.AttemptTimeout,
	)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error {
			return w.loop(ctx)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	slog.Info("Delivery worker stopped")
	return err
}

func (w *DeliveryWorker) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		job, err := w.queue.Reserve(ctx, w.cfg.PollWait)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("Failed to reserve delivery job", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		if job == nil {
			continue
		}
		w.Process(ctx, job)
	}
}

// Process performs one delivery attempt and reports the outcome to the queue.
// Returns the job's resulting state.
func (w *DeliveryWorker) Process(ctx context.Context, job *domain.DeliveryJob) domain.JobState {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("PANIC recovered in delivery attempt", "panic", r, "job", job.Name)
		}
	}()

	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			// shutting down; leave the job for recovery on next start
			return job.State
		}
	}

	attemptErr := w.deliver(ctx, job)
	if attemptErr == nil {
		if err := w.queue.Ack(ctx, job); err != nil {
			slog.Error("Failed to ack delivery", "error", err, "job", job.Name)
		}
		slog.Info("Webhook delivered",
			"job", job.Name,
			"job_id", job.ID,
			"attempt", job.Attempts,
		)
		w.notify(ctx, job, domain.JobStateDelivered, nil)
		return domain.JobStateDelivered
	}

	state, err := w.queue.Nack(ctx, job, attemptErr)
	if err != nil {
		slog.Error("Failed to record delivery failure", "error", err, "job", job.Name)
		return job.State
	}
	if state == domain.JobStateFailed {
		slog.Error("Webhook delivery failed permanently",
			"job", job.Name,
			"job_id", job.ID,
			"attempts", job.Attempts,
			"error", attemptErr,
		)
	} else {
		slog.Warn("Webhook delivery attempt failed, will retry",
			"job", job.Name,
			"attempt", job.Attempts,
			"next_attempt_at", job.NextAttemptAt,
			"error", attemptErr,
		)
	}
	w.notify(ctx, job, state, attemptErr)
	return state
}

func (w *DeliveryWorker) deliver(ctx context.Context, job *domain.DeliveryJob) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.TargetURL, bytes.NewReader(job.Body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", domain.ErrDeliveryFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "omnigate-webhooks/1.0")
	req.Header.Set("X-Webhook-Event", job.EventType)
	req.Header.Set("X-Webhook-Job", job.Name)
	if job.Signature != "" {
		req.Header.Set(SignatureHeader, SignatureHeaderValue(job.Signature))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDeliveryFailed, err)
	}
	defer resp.Body.Close()
	// Drain a bounded amount so the connection can be reused
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: subscriber responded %d", domain.ErrDeliveryFailed, resp.StatusCode)
	}
	return nil
}

func (w *DeliveryWorker) notify(ctx context.Context, job *domain.DeliveryJob, state domain.JobState, err error) {
	for _, o := range w.observers {
		o.OnDeliveryAttempt(ctx, job, state, err)
	}
}
