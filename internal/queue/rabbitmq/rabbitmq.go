package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"photo-processor/internal/queue"
)

const attemptHeader = "x-attempt"

type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

var _ channel = (*amqp.Channel)(nil)

type Options struct {
	URL            string
	Queue          string
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	Prefetch       int
}

// Client publishes to a durable queue and consumes from it. Failed
// deliveries go to <queue>.retry with a per-message TTL, which dead-letters
// them back onto the main queue.
type Client struct {
	conn       *amqp.Connection
	channel    channel
	opts       Options
	retryQueue string
	log        zerolog.Logger

	// amqp channels are not safe for concurrent publishing
	pubMu sync.Mutex
}

// NewClient connects and declares the main and retry queues.
func NewClient(opts Options, log zerolog.Logger) (*Client, error) {
	conn, err := amqp.Dial(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	retryQueue := opts.Queue + ".retry"
	if _, err = ch.QueueDeclare(
		opts.Queue, // name
		true,       // durable
		false,      // delete when unused
		false,      // exclusive
		false,      // no-wait
		nil,        // arguments
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}
	if _, err = ch.QueueDeclare(retryQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": opts.Queue,
	}); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare retry queue: %w", err)
	}

	c := newClient(ch, opts, log)
	c.conn = conn
	c.log.Info().Str("queue", opts.Queue).Str("retry_queue", retryQueue).Msg("rabbitmq client initialized")
	return c, nil
}

func newClient(ch channel, opts Options, log zerolog.Logger) *Client {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.Prefetch < 1 {
		opts.Prefetch = 1
	}
	return &Client{
		channel:    ch,
		opts:       opts,
		retryQueue: opts.Queue + ".retry",
		log:        log.With().Str("component", "rabbitmq").Logger(),
	}
}

// Publish sends a first attempt. RabbitMQ has no deduplication, so the
// dedup key is only carried as MessageId.
func (c *Client) Publish(ctx context.Context, msg queue.Message) error {
	body, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode job message: %w", err)
	}
	if err := c.publish(ctx, c.opts.Queue, body, msg.DedupKey(), 1, 0); err != nil {
		return err
	}
	c.log.Info().Str("job_id", msg.JobID).Str("message_id", msg.DedupKey()).Msg("job published")
	return nil
}

func (c *Client) publish(ctx context.Context, key string, body []byte, id string, attempt int, delay time.Duration) error {
	p := amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    id,
		Timestamp:    time.Now(),
		Headers:      amqp.Table{attemptHeader: int32(attempt)},
		Body:         body,
	}
	if delay > 0 {
		p.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)
	}

	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	if err := c.channel.PublishWithContext(ctx, "", key, false, false, p); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Consume handles up to Prefetch deliveries at once. It returns when ctx is
// done or the broker closes the delivery channel.
func (c *Client) Consume(ctx context.Context, h queue.Handler) error {
	if err := c.channel.Qos(c.opts.Prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}
	deliveries, err := c.channel.Consume(
		c.opts.Queue, // queue
		"",           // consumer
		false,        // auto-ack
		false,        // exclusive
		false,        // no-local
		false,        // no-wait
		nil,          // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.log.Info().Str("queue", c.opts.Queue).Int("prefetch", c.opts.Prefetch).Msg("waiting for messages")

	sem := make(chan struct{}, c.opts.Prefetch)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("rabbitmq delivery channel closed")
			}
			sem <- struct{}{}
			wg.Add(1)
			go func(d amqp.Delivery) {
				defer wg.Done()
				defer func() { <-sem }()
				c.handleDelivery(ctx, h, d)
			}(d)
		}
	}
}

func (c *Client) handleDelivery(ctx context.Context, h queue.Handler, d amqp.Delivery) {
	msg, err := queue.Decode(d.Body)
	if err != nil {
		c.log.Error().Err(err).Str("message_id", d.MessageId).Msg("dropping malformed message")
		_ = d.Nack(false, false)
		return
	}

	log := c.log.With().Str("job_id", msg.JobID).Logger()
	attempt := attemptOf(d.Headers)
	if attempt >= c.opts.MaxAttempts {
		ctx = queue.WithFinalAttempt(ctx)
	}
	err = h(ctx, msg)
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			log.Error().Err(ackErr).Msg("failed to ack message")
		}
		return
	}

	if errors.Is(err, queue.ErrSkipRetry) || attempt >= c.opts.MaxAttempts {
		log.Error().Err(err).Int("attempt", attempt).Msg("job permanently failed")
		_ = d.Nack(false, false)
		return
	}

	delay := queue.Backoff(c.opts.RetryBaseDelay, c.opts.RetryMaxDelay, attempt)
	if pubErr := c.publish(context.WithoutCancel(ctx), c.retryQueue, d.Body, d.MessageId, attempt+1, delay); pubErr != nil {
		log.Error().Err(pubErr).Msg("failed to schedule retry, requeueing")
		_ = d.Nack(false, true)
		return
	}
	log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("job failed, retry scheduled")
	_ = d.Ack(false)
}

func attemptOf(headers amqp.Table) int {
	switch v := headers[attemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 1
}

func (c *Client) Close() error {
	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			c.log.Warn().Err(err).Msg("error closing channel")
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.log.Warn().Err(err).Msg("error closing connection")
		}
	}
	return nil
}

var (
	_ queue.Publisher = (*Client)(nil)
	_ queue.Consumer  = (*Client)(nil)
)
