// Package broker dispatches upload-parse and record-processing jobs either
// through a durable AMQP queue to a pool of worker processes, or, when no
// worker is listening, on an in-process executor owned by the caller. The
// routing decision is made fresh on every dispatch by probing the queue's
// consumer count.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/tlcfem/motion-base-go/internal/observability"
	"github.com/tlcfem/motion-base-go/internal/record"
)

const (
	initialRetryDelay = 10 * time.Second
	maxRetries        = 3
)

// JobHandler executes one job's payload. Returning an error marks the job
// as failed for retry (broker mode) or for logging and cleanup (local mode).
type JobHandler func(ctx context.Context, payload []byte) error

// TaskStore is the subset of [internal/tasks.Registry] the broker needs to
// keep a client-visible task entry in sync with job outcomes.
type TaskStore interface {
	Delete(ctx context.Context, id string) error
	Create(ctx context.Context, id string, totalSize int, archivePath string) (record.UploadTask, error)
}

// envelope is the wire format of a dispatched job.
type envelope struct {
	JobName     string `json:"job_name"`
	Payload     []byte `json:"payload"`
	TaskID      string `json:"task_id,omitempty"`
	ArchivePath string `json:"archive_path,omitempty"`
	TotalSize   int    `json:"total_size,omitempty"`
}

// Broker owns the AMQP connection and channel backing one durable queue,
// plus the registry of job handlers a worker process runs jobs through.
type Broker struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	queue    string
	prefetch int
	handlers map[string]JobHandler
	tasks    TaskStore
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// Connect dials amqpURL and declares a durable queue named queue.
func Connect(amqpURL, queue string, prefetch int, tasks TaskStore, metrics *observability.Metrics, logger *slog.Logger) (*Broker, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("broker: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("broker: open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("broker: declare queue: %w", err)
	}
	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("broker: set qos: %w", err)
		}
	}
	return &Broker{
		conn:     conn,
		channel:  ch,
		queue:    queue,
		prefetch: prefetch,
		handlers: make(map[string]JobHandler),
		tasks:    tasks,
		metrics:  metrics,
		logger:   logger,
	}, nil
}

// Close tears down the channel and connection.
func (b *Broker) Close() error {
	b.channel.Close()
	return b.conn.Close()
}

// RegisterHandler binds jobName to h, so a worker process consuming this
// broker's queue knows how to run it.
func (b *Broker) RegisterHandler(jobName string, h JobHandler) {
	b.handlers[jobName] = h
}

// Stats probes the queue's consumer count, the signal dispatch uses to pick
// broker vs. local execution.
func (b *Broker) Stats(ctx context.Context) (workers int, err error) {
	q, err := b.channel.QueueInspect(b.queue)
	if err != nil {
		return 0, fmt.Errorf("broker: inspect queue: %w", err)
	}
	return q.Consumers, nil
}

// Dispatch decides, via [Broker.Stats], whether any worker is listening:
// if so the job is published durably; otherwise it runs on the caller's
// goroutine immediately. archivePath/totalSize are only meaningful for
// parse-archive jobs and are carried so a worker can re-create the task
// entry after a failed retry sequence.
func (b *Broker) Dispatch(ctx context.Context, jobName string, payload []byte, taskID, archivePath string, totalSize int) error {
	workers, err := b.Stats(ctx)
	if err != nil {
		b.logger.Warn("stats probe failed, falling back to local execution", "error", err)
		workers = 0
	}

	env := envelope{JobName: jobName, Payload: payload, TaskID: taskID, ArchivePath: archivePath, TotalSize: totalSize}

	if workers > 0 {
		return b.publish(ctx, env)
	}
	b.runLocal(ctx, env)
	return nil
}

func (b *Broker) publish(ctx context.Context, env envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("broker: marshal envelope: %w", err)
	}
	err = b.channel.PublishWithContext(ctx, "", b.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("broker: publish: %w", err)
	}
	if b.metrics != nil {
		b.metrics.BrokerJobsDispatched.WithLabelValues(env.JobName).Inc()
	}
	return nil
}

// runLocal executes a job directly on the caller's goroutine. A failure is
// logged and swallowed, and the task entry is deleted so the client does
// not poll an orphaned task forever.
func (b *Broker) runLocal(ctx context.Context, env envelope) {
	handler, ok := b.handlers[env.JobName]
	if !ok {
		b.logger.Error("no handler registered for job", "job", env.JobName)
		return
	}
	if b.metrics != nil {
		b.metrics.BrokerJobsDispatched.WithLabelValues(env.JobName).Inc()
	}
	if err := handler(ctx, env.Payload); err != nil {
		b.logger.Error("local job failed", "job", env.JobName, "task_id", env.TaskID, "error", err)
		if env.TaskID != "" && b.tasks != nil {
			if delErr := b.tasks.Delete(ctx, env.TaskID); delErr != nil {
				b.logger.Error("failed to delete orphaned task", "task_id", env.TaskID, "error", delErr)
			}
		}
	}
}

// Consume runs the worker-side receive loop until ctx is cancelled. Each
// delivery is retried up to maxRetries times with exponential backoff
// starting at initialRetryDelay; if every retry fails, the task entry is
// re-created (so a client still polling sees a live task) before the
// delivery is nacked without requeue.
func (b *Broker) Consume(ctx context.Context) error {
	deliveries, err := b.channel.Consume(b.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("broker: consume: %w", err)
	}
	if b.metrics != nil {
		b.metrics.WorkerPresence.Set(1)
		defer b.metrics.WorkerPresence.Set(0)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case delivery, ok := <-deliveries:
			if !ok {
				return nil
			}
			b.handleDelivery(ctx, delivery)
		}
	}
}

func (b *Broker) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	var env envelope
	if err := json.Unmarshal(delivery.Body, &env); err != nil {
		b.logger.Error("malformed job envelope, dropping", "error", err)
		_ = delivery.Nack(false, false)
		return
	}

	handler, ok := b.handlers[env.JobName]
	if !ok {
		b.logger.Error("no handler registered for job", "job", env.JobName)
		_ = delivery.Nack(false, false)
		return
	}

	delay := initialRetryDelay
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if b.metrics != nil {
				b.metrics.BrokerJobsRetried.Inc()
			}
			if !sleepWithContext(ctx, delay) {
				_ = delivery.Nack(true, true)
				return
			}
			delay = nextBackoff(delay)
		}
		if err := handler(ctx, env.Payload); err != nil {
			lastErr = err
			b.logger.Warn("job attempt failed", "job", env.JobName, "attempt", attempt, "error", err)
			continue
		}
		lastErr = nil
		break
	}

	if lastErr != nil {
		b.logger.Error("job failed after retries", "job", env.JobName, "task_id", env.TaskID, "error", lastErr)
		if env.TaskID != "" && b.tasks != nil {
			if _, err := b.tasks.Create(ctx, env.TaskID, env.TotalSize, env.ArchivePath); err != nil {
				b.logger.Error("failed to re-create task after job failure", "task_id", env.TaskID, "error", err)
			}
		}
		_ = delivery.Nack(false, false)
		return
	}
	_ = delivery.Ack(false)
}

// ShouldProcessLocally implements the routing policy for record-processing
// jobs: a single available worker, or a request with no filter stage and
// no response-spectrum stage, runs on the caller's goroutine instead of
// being dispatched through the broker.
func ShouldProcessLocally(workers int, hasFilter, withResponseSpectrum bool) bool {
	if workers == 1 {
		return true
	}
	light := !hasFilter && !withResponseSpectrum
	return light
}

func nextBackoff(current time.Duration) time.Duration {
	return current * 2
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
