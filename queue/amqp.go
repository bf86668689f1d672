package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"gifconv/models"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const attemptHeader = "x-attempt"

// AMQPOptions configures an AMQPBroker.
type AMQPOptions struct {
	URL         string
	Queue       string
	Prefetch    int
	PollTimeout time.Duration
	// Consume starts a consumer; publish-only processes leave it off.
	Consume bool
}

// AMQPBroker runs the queue on RabbitMQ. Unacked deliveries are redelivered by
// the broker when a consumer dies. Retries are parked on "<queue>.retry.<ms>",
// one queue per backoff delay with a queue-level TTL, and dead-lettered back
// onto the work queue. RabbitMQ only expires messages at the head of a queue,
// so mixing delays in one queue would hold short retries behind long ones.
type AMQPBroker struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	opts    AMQPOptions
	logger  zerolog.Logger

	deliveries <-chan amqp.Delivery
	// publishMu serializes channel writes and guards retryQueues.
	publishMu   sync.Mutex
	retryQueues map[string]bool
}

func NewAMQPBroker(opts AMQPOptions, logger zerolog.Logger) (*AMQPBroker, error) {
	if opts.Prefetch <= 0 {
		opts.Prefetch = 1
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 5 * time.Second
	}

	conn, err := amqp.Dial(opts.URL)
	if err != nil {
		return nil, unavailable("dial", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, unavailable("channel", err)
	}

	b := &AMQPBroker{
		conn:        conn,
		channel:     channel,
		opts:        opts,
		logger:      logger.With().Str("component", "amqp_queue").Logger(),
		retryQueues: make(map[string]bool),
	}
	if err := b.declare(); err != nil {
		b.Close()
		return nil, err
	}

	if !opts.Consume {
		return b, nil
	}

	// Bounds unacked deliveries to the worker count
	if err := channel.Qos(opts.Prefetch, 0, false); err != nil {
		b.Close()
		return nil, unavailable("qos", err)
	}

	deliveries, err := channel.Consume(opts.Queue, "", false, false, false, false, nil)
	if err != nil {
		b.Close()
		return nil, unavailable("consume", err)
	}
	b.deliveries = deliveries
	return b, nil
}

func (b *AMQPBroker) failedQueue() string { return b.opts.Queue + ".failed" }

func retryQueueName(workQueue string, delay time.Duration) string {
	return workQueue + ".retry." + strconv.FormatInt(delay.Milliseconds(), 10)
}

func retryQueueArgs(workQueue string, delay time.Duration) amqp.Table {
	return amqp.Table{
		"x-message-ttl":             delay.Milliseconds(),
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": workQueue,
	}
}

func (b *AMQPBroker) declare() error {
	if _, err := b.channel.QueueDeclare(b.opts.Queue, true, false, false, false, nil); err != nil {
		return unavailable("declare queue", err)
	}
	if _, err := b.channel.QueueDeclare(b.failedQueue(), true, false, false, false, nil); err != nil {
		return unavailable("declare failed queue", err)
	}
	return nil
}

func (b *AMQPBroker) Enqueue(ctx context.Context, d models.JobDescriptor) (models.JobHandle, error) {
	if err := d.Validate(); err != nil {
		return models.JobHandle{}, err
	}
	env := envelope{ID: uuid.NewString(), Descriptor: d, Attempt: 1, EnqueuedAt: time.Now().UTC()}
	if err := b.publish(ctx, b.opts.Queue, env); err != nil {
		return models.JobHandle{}, err
	}
	b.logger.Info().Str("job_id", env.ID).Str("conversion_id", d.ConversionID).Msg("job enqueued")
	return models.JobHandle{ID: env.ID, ConversionID: d.ConversionID}, nil
}

func (b *AMQPBroker) Fetch(ctx context.Context) (*Delivery, error) {
	timer := time.NewTimer(b.opts.PollTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrNoJob
	case msg, ok := <-b.deliveries:
		if !ok {
			return nil, unavailable("fetch", amqp.ErrClosed)
		}
		return b.toDelivery(msg)
	}
}

func (b *AMQPBroker) toDelivery(msg amqp.Delivery) (*Delivery, error) {
	var env envelope
	if err := json.Unmarshal(msg.Body, &env); err != nil {
		b.logger.Error().Err(err).Msg("dropping malformed job")
		_ = msg.Nack(false, false)
		return nil, ErrNoJob
	}
	if attempt := headerAttempt(msg.Headers); attempt > 0 {
		env.Attempt = attempt
	}
	if env.Attempt < 1 {
		env.Attempt = 1
	}
	return &Delivery{
		ID:         env.ID,
		Descriptor: env.Descriptor,
		Attempt:    env.Attempt,
		EnqueuedAt: env.EnqueuedAt,
		tag:        msg.DeliveryTag,
	}, nil
}

func (b *AMQPBroker) Ack(ctx context.Context, d *Delivery) error {
	if err := b.channel.Ack(d.tag, false); err != nil {
		return unavailable("ack", err)
	}
	return nil
}

// Retry parks the next attempt on the retry queue for delay and acks the
// current one.
func (b *AMQPBroker) Retry(ctx context.Context, d *Delivery, delay time.Duration) error {
	next := d.envelope()
	next.Attempt++
	if delay <= 0 {
		if err := b.publish(ctx, b.opts.Queue, next); err != nil {
			return err
		}
		return b.Ack(ctx, d)
	}
	name, err := b.ensureRetryQueue(delay)
	if err != nil {
		return err
	}
	if err := b.publish(ctx, name, next); err != nil {
		return err
	}
	return b.Ack(ctx, d)
}

func (b *AMQPBroker) ensureRetryQueue(delay time.Duration) (string, error) {
	name := retryQueueName(b.opts.Queue, delay)

	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	if b.retryQueues[name] {
		return name, nil
	}
	if _, err := b.channel.QueueDeclare(name, true, false, false, false, retryQueueArgs(b.opts.Queue, delay)); err != nil {
		return "", unavailable("declare retry queue", err)
	}
	b.retryQueues[name] = true
	return name, nil
}

func (b *AMQPBroker) Discard(ctx context.Context, d *Delivery, reason string) error {
	dead := d.envelope()
	dead.Reason = reason
	if err := b.publish(ctx, b.failedQueue(), dead); err != nil {
		return err
	}
	return b.Ack(ctx, d)
}

// Touch is a no-op: the broker tracks consumer liveness itself.
func (b *AMQPBroker) Touch(ctx context.Context, d *Delivery) error {
	return nil
}

func (b *AMQPBroker) Close() error {
	if b.channel != nil {
		_ = b.channel.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

func (b *AMQPBroker) publish(ctx context.Context, queue string, env envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	err = b.channel.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.ID,
		Headers:      amqp.Table{attemptHeader: int32(env.Attempt)},
		Body:         body,
	})
	if err != nil {
		return unavailable("publish", err)
	}
	return nil
}

func headerAttempt(headers amqp.Table) int {
	switch v := headers[attemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}
