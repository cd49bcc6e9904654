package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"vodforge/internal/observability/logging"
)

const DefaultAMQPQueue = "video_processing_queue"

// amqpChannel is the subset of *amqp.Channel the driver uses.
type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Ack(tag uint64, multiple bool) error
	Close() error
}

// AMQPConfig configures the RabbitMQ driver.
type AMQPConfig struct {
	URL   string
	Queue string
	// Prefetch bounds unacknowledged deliveries. Set it to the number of
	// worker slots sharing the queue.
	Prefetch int
	Logger   *slog.Logger
}

// AMQPQueue publishes persistent JSON messages to a durable queue and
// consumes them with manual acknowledgement.
type AMQPQueue struct {
	ch     amqpChannel
	conn   *amqp.Connection
	queue  string
	logger *slog.Logger

	consumeMu  sync.Mutex
	deliveries <-chan amqp.Delivery
	closeOnce  sync.Once
}

// DialAMQP connects to RabbitMQ and declares the job queue.
func DialAMQP(cfg AMQPConfig) (*AMQPQueue, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("amqp url is required")
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	q, err := newAMQPQueue(ch, cfg)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	q.conn = conn
	return q, nil
}

func newAMQPQueue(ch amqpChannel, cfg AMQPConfig) (*AMQPQueue, error) {
	name := strings.TrimSpace(cfg.Queue)
	if name == "" {
		name = DefaultAMQPQueue
	}
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", name, err)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set prefetch: %w", err)
	}
	return &AMQPQueue{ch: ch, queue: name, logger: logging.WithComponent(logger, "queue")}, nil
}

func (q *AMQPQueue) Enqueue(ctx context.Context, job Job) error {
	if err := validateJob(job); err != nil {
		return err
	}
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	err = q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

func (q *AMQPQueue) consume() (<-chan amqp.Delivery, error) {
	q.consumeMu.Lock()
	defer q.consumeMu.Unlock()
	if q.deliveries != nil {
		return q.deliveries, nil
	}
	deliveries, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", q.queue, err)
	}
	q.deliveries = deliveries
	return deliveries, nil
}

func (q *AMQPQueue) Dequeue(ctx context.Context) (Claim, error) {
	deliveries, err := q.consume()
	if err != nil {
		return Claim{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return Claim{}, ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return Claim{}, ErrClosed
			}
			var job Job
			if err := json.Unmarshal(d.Body, &job); err != nil {
				q.logger.Error("dropping undecodable job", "delivery_tag", d.DeliveryTag, "error", err)
				if err := q.ch.Ack(d.DeliveryTag, false); err != nil {
					q.logger.Warn("ack of undecodable job failed", "error", err)
				}
				continue
			}
			return Claim{Job: job, Receipt: strconv.FormatUint(d.DeliveryTag, 10)}, nil
		}
	}
}

func (q *AMQPQueue) Ack(_ context.Context, claim Claim) error {
	tag, err := strconv.ParseUint(claim.Receipt, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid delivery tag %q", claim.Receipt)
	}
	if err := q.ch.Ack(tag, false); err != nil {
		return fmt.Errorf("ack job %s: %w", claim.Job.ID, err)
	}
	return nil
}

func (q *AMQPQueue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		err = q.ch.Close()
		if q.conn != nil {
			err = errors.Join(err, q.conn.Close())
		}
	})
	return err
}
