package relaychat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	amqpReportingExchange   = "relaychat.reporting"
	amqpDisconnectWaitQueue = "relaychat.disconnect.wait"
	amqpDisconnectTickQueue = "relaychat.disconnect.ticks"
	amqpArtifactUploadQueue = "relaychat.artifact.uploads"
	amqpFlowResponseQueue   = "relaychat.flow.responses"

	amqpMaxDialDelaySeconds = 60
)

type AMQPDialOptions struct {
	URL           string
	RetryAttempts int
	Delay         time.Duration
	Logger        *slog.Logger
}

// DialWithRetry connects to RabbitMQ with capped exponential backoff,
// honoring context cancellation.
func DialWithRetry(ctx context.Context, opts AMQPDialOptions) (*amqp.Connection, error) {
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 5
	}
	if opts.Delay <= 0 {
		opts.Delay = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	var lastErr error
	for i := 1; i <= opts.RetryAttempts; i++ {
		conn, err := amqp.Dial(opts.URL)
		if err == nil {
			if i > 1 {
				opts.Logger.Info("rabbit connected", slog.Int("attempt", i))
			}
			return conn, nil
		}
		lastErr = err

		sleep := opts.Delay * time.Duration(math.Pow(2, float64(i-1)))
		if sleep > amqpMaxDialDelaySeconds*time.Second {
			sleep = amqpMaxDialDelaySeconds * time.Second
		}
		opts.Logger.Warn("rabbit dial failed",
			slog.Int("attempt", i),
			slog.Duration("sleep", sleep),
			slog.Any("error", err),
		)
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("dial cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", opts.RetryAttempts, lastErr)
}

// AMQPBus carries every queue-facing contract over one RabbitMQ connection:
// per-participant queues, the reporting topic, artifact-upload jobs, flow
// responses, and the delayed disconnect-check loop (per-message TTL on a wait
// queue dead-lettering into the tick queue).
type AMQPBus struct {
	conn   *amqp.Connection
	logger *slog.Logger
}

func NewAMQPBus(ctx context.Context, opts AMQPDialOptions) (*AMQPBus, error) {
	conn, err := DialWithRetry(ctx, opts)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bus := &AMQPBus{conn: conn, logger: logger}
	if err := bus.setupTopology(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return bus, nil
}

func (b *AMQPBus) setupTopology() error {
	ch, err := b.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(amqpReportingExchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare reporting exchange: %w", err)
	}
	for _, queue := range []string{amqpArtifactUploadQueue, amqpFlowResponseQueue, amqpDisconnectTickQueue} {
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", queue, err)
		}
	}
	// Expired waiters dead-letter into the tick queue via the default
	// exchange, which routes by queue name.
	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": amqpDisconnectTickQueue,
	}
	if _, err := ch.QueueDeclare(amqpDisconnectWaitQueue, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare disconnect wait queue: %w", err)
	}
	return nil
}

func (b *AMQPBus) Close() error {
	if b == nil || b.conn == nil {
		return nil
	}
	return b.conn.Close()
}

func (b *AMQPBus) publish(ctx context.Context, exchange, key string, payload any, expiration string) error {
	if b == nil || b.conn == nil {
		return fmt.Errorf("amqp bus is closed")
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return ch.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		Expiration:   expiration,
		Body:         body,
	})
}

func (b *AMQPBus) publishToQueue(ctx context.Context, queue string, payload any, args amqp.Table, expiration string) error {
	if b == nil || b.conn == nil {
		return fmt.Errorf("amqp bus is closed")
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	if _, err := ch.QueueDeclare(queue, true, false, false, false, args); err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		Expiration:   expiration,
		Body:         body,
	})
}

func (b *AMQPBus) PublishToParticipant(ctx context.Context, tenantID, resourceID string, payload SendMessagePayload) error {
	queue := ParticipantQueueName(tenantID, resourceID)
	err := b.publishToQueue(ctx, queue, payload, nil, "")
	if err == nil {
		b.logger.Debug("participant publish", slog.String("queue", queue), slog.String("messageType", payload.MessageType))
	}
	return err
}

func (b *AMQPBus) PublishReport(ctx context.Context, event ReportingEvent) error {
	return b.publish(ctx, amqpReportingExchange, event.Topic, event, "")
}

func (b *AMQPBus) EnqueueUpload(ctx context.Context, job ArtifactUploadJob) error {
	return b.publishToQueue(ctx, amqpArtifactUploadQueue, job, nil, "")
}

func (b *AMQPBus) PublishFlowResponse(ctx context.Context, resp FlowResponse) error {
	return b.publishToQueue(ctx, amqpFlowResponseQueue, resp, nil, "")
}

func (b *AMQPBus) Schedule(ctx context.Context, check DisconnectCheck, delay time.Duration) error {
	if delay < time.Second {
		delay = time.Second
	}
	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": amqpDisconnectTickQueue,
	}
	expiration := strconv.FormatInt(delay.Milliseconds(), 10)
	err := b.publishToQueue(ctx, amqpDisconnectWaitQueue, check, args, expiration)
	if err == nil {
		b.logger.Debug("disconnect check scheduled",
			slog.String("interactionId", check.InteractionID),
			slog.String("reason", string(check.Reason)),
			slog.Duration("delay", delay),
		)
	}
	return err
}

// RunDisconnectConsumer consumes expired disconnect checks until the context
// ends, restarting its channel when the broker drops it. Handler errors
// requeue the tick; undecodable ticks are dropped.
func (b *AMQPBus) RunDisconnectConsumer(ctx context.Context, handle func(ctx context.Context, check DisconnectCheck) error) error {
	if handle == nil {
		return ErrInvalidInput
	}
	for {
		if err := b.consumeTicksOnce(ctx, handle); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return ctx.Err()
			}
			b.logger.Error("disconnect consumer restarting", slog.Any("error", err))
			if waitErr := sleepContext(ctx, time.Second); waitErr != nil {
				return waitErr
			}
		}
	}
}

func (b *AMQPBus) consumeTicksOnce(ctx context.Context, handle func(ctx context.Context, check DisconnectCheck) error) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	if err := ch.Qos(1, 0, false); err != nil {
		return err
	}
	deliveries, err := ch.Consume(amqpDisconnectTickQueue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}
	closeCh := ch.NotifyClose(make(chan *amqp.Error, 1))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chanErr := <-closeCh:
			if chanErr == nil {
				return fmt.Errorf("channel closed")
			}
			return chanErr
		case delivery, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery stream closed")
			}
			var check DisconnectCheck
			if err := json.Unmarshal(delivery.Body, &check); err != nil {
				b.logger.Error("dropping undecodable disconnect tick", slog.Any("error", err))
				_ = delivery.Ack(false)
				continue
			}
			if err := handle(ctx, check); err != nil {
				b.logger.Warn("disconnect tick failed, requeueing",
					slog.String("interactionId", check.InteractionID),
					slog.Any("error", err),
				)
				_ = delivery.Nack(false, true)
				continue
			}
			_ = delivery.Ack(false)
		}
	}
}
