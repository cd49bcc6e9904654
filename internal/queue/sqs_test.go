package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSQS struct {
	mu          sync.Mutex
	messages    []types.Message
	deleted     []string
	receiveErrs []error
	lastReceive *sqs.ReceiveMessageInput
	seq         int
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.messages = append(f.messages, types.Message{
		MessageId:     aws.String(fmt.Sprintf("m-%d", f.seq)),
		ReceiptHandle: aws.String(fmt.Sprintf("r-%d", f.seq)),
		Body:          in.MessageBody,
	})
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	f.lastReceive = in
	if len(f.receiveErrs) > 0 {
		err := f.receiveErrs[0]
		f.receiveErrs = f.receiveErrs[1:]
		f.mu.Unlock()
		return nil, err
	}
	if len(f.messages) > 0 {
		msg := f.messages[0]
		f.messages = f.messages[1:]
		f.mu.Unlock()
		return &sqs.ReceiveMessageOutput{Messages: []types.Message{msg}}, nil
	}
	f.mu.Unlock()
	// Stand in for a long poll that returns empty.
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Millisecond):
		return &sqs.ReceiveMessageOutput{}, nil
	}
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func newTestSQSQueue(t *testing.T, client *fakeSQS) *SQSQueue {
	t.Helper()
	q, err := newSQSQueue(client, SQSConfig{QueueURL: "https://sqs.local/000/jobs", VisibilityTimeout: 45 * time.Minute})
	require.NoError(t, err)
	q.retryDelay = time.Millisecond
	return q
}

func TestSQSQueue(t *testing.T) {
	runQueueContract(t, func(t *testing.T) Queue { return newTestSQSQueue(t, &fakeSQS{}) })
}

func TestSQSQueueLongPollsAndDeletesOnAck(t *testing.T) {
	client := &fakeSQS{}
	q := newTestSQSQueue(t, client)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, testJob("a")))

	claim, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "r-1", claim.Receipt)
	assert.Equal(t, int32(20), client.lastReceive.WaitTimeSeconds)
	assert.Equal(t, int32(2700), client.lastReceive.VisibilityTimeout)
	assert.Empty(t, client.deleted)

	require.NoError(t, q.Ack(ctx, claim))
	assert.Equal(t, []string{"r-1"}, client.deleted)
}

func TestSQSQueueRetriesReceiveErrors(t *testing.T) {
	client := &fakeSQS{receiveErrs: []error{errors.New("throttled")}}
	q := newTestSQSQueue(t, client)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Enqueue(ctx, testJob("a")))

	claim, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", claim.Job.ID)
}

func TestSQSQueueDeletesPoisonMessages(t *testing.T) {
	client := &fakeSQS{messages: []types.Message{{ReceiptHandle: aws.String("bad"), Body: aws.String("{")}}}
	q := newTestSQSQueue(t, client)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, testJob("a")))

	claim, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", claim.Job.ID)
	assert.Equal(t, []string{"bad"}, client.deleted)
}

func TestSQSQueueRequiresURL(t *testing.T) {
	_, err := newSQSQueue(&fakeSQS{}, SQSConfig{})
	require.Error(t, err)
}
