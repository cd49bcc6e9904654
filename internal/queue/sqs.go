package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"vodforge/internal/observability/logging"
)

type sqsAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, opts ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, opts ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, opts ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQSConfig configures the SQS driver.
type SQSConfig struct {
	QueueURL string
	// VisibilityTimeout hides a received message from other consumers. Zero
	// keeps the queue's default.
	VisibilityTimeout time.Duration
	Logger            *slog.Logger
}

// SQSQueue long-polls an SQS queue and deletes messages on ack.
type SQSQueue struct {
	client     sqsAPI
	queueURL   string
	visibility int32
	logger     *slog.Logger
	closed     atomic.Bool
	retryDelay time.Duration
}

func NewSQSQueue(awsCfg aws.Config, cfg SQSConfig) (*SQSQueue, error) {
	return newSQSQueue(sqs.NewFromConfig(awsCfg), cfg)
}

func newSQSQueue(client sqsAPI, cfg SQSConfig) (*SQSQueue, error) {
	url := strings.TrimSpace(cfg.QueueURL)
	if url == "" {
		return nil, errors.New("sqs queue url is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SQSQueue{
		client:     client,
		queueURL:   url,
		visibility: int32(cfg.VisibilityTimeout / time.Second),
		logger:     logging.WithComponent(logger, "queue"),
		retryDelay: time.Second,
	}, nil
}

func (q *SQSQueue) Enqueue(ctx context.Context, job Job) error {
	if err := validateJob(job); err != nil {
		return err
	}
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

func (q *SQSQueue) Dequeue(ctx context.Context) (Claim, error) {
	for {
		if q.closed.Load() {
			return Claim{}, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return Claim{}, err
		}
		out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(q.queueURL),
			MaxNumberOfMessages: 1,
			WaitTimeSeconds:     20,
			VisibilityTimeout:   q.visibility,
		})
		if err != nil {
			if ctx.Err() != nil {
				return Claim{}, ctx.Err()
			}
			q.logger.Warn("sqs receive failed", "error", err)
			if err := sleepContext(ctx, q.retryDelay); err != nil {
				return Claim{}, err
			}
			continue
		}
		for _, msg := range out.Messages {
			receipt := aws.ToString(msg.ReceiptHandle)
			var job Job
			if msg.Body == nil || json.Unmarshal([]byte(*msg.Body), &job) != nil {
				q.logger.Error("dropping undecodable job", "message_id", aws.ToString(msg.MessageId))
				q.delete(ctx, receipt)
				continue
			}
			return Claim{Job: job, Receipt: receipt}, nil
		}
	}
}

func (q *SQSQueue) delete(ctx context.Context, receipt string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receipt),
	})
	return err
}

func (q *SQSQueue) Ack(ctx context.Context, claim Claim) error {
	if err := q.delete(ctx, claim.Receipt); err != nil {
		return fmt.Errorf("ack job %s: %w", claim.Job.ID, err)
	}
	return nil
}

func (q *SQSQueue) Close() error {
	q.closed.Store(true)
	return nil
}
