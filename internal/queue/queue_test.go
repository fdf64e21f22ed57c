package queue

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/gas-pipeline/internal/domain"
	"github.com/cuongbtq/gas-pipeline/shared/rabbitmq"
)

func TestDecode(t *testing.T) {
	type payload struct {
		JobID string `json:"job_id"`
	}

	tests := []struct {
		name    string
		body    string
		want    string
		wantErr bool
	}{
		{
			name: "plain body",
			body: `{"job_id":"j1"}`,
			want: "j1",
		},
		{
			name: "sns envelope",
			body: `{"Type":"Notification","TopicArn":"arn:aws:sns:us-east-1:1:t","Message":"{\"job_id\":\"j2\"}"}`,
			want: "j2",
		},
		{
			name:    "invalid json",
			body:    `{job_id`,
			wantErr: true,
		},
		{
			name:    "envelope with invalid inner message",
			body:    `{"Type":"Notification","Message":"not json"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got payload
			err := Decode([]byte(tt.body), &got)

			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrInvalidMessage)
				assert.Equal(t, domain.KindPermanent, domain.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.JobID)
		})
	}
}

func TestDeferError(t *testing.T) {
	until := time.Unix(1_700_000_000, 0)
	err := Defer(until)

	var deferErr *DeferError
	require.ErrorAs(t, err, &deferErr)
	assert.Equal(t, until, deferErr.Until)
	assert.Contains(t, err.Error(), "2023-11-14T22:13:20Z")
}

type fakeAcknowledger struct {
	mu     sync.Mutex
	acked  []uint64
	nacked []uint64
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !requeue {
		a.nacked = append(a.nacked, tag)
	}
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

type published struct {
	routingKey string
	body       []byte
	opts       rabbitmq.PublishOptions
}

type fakeBroker struct {
	deliveries chan amqp.Delivery
	published  []published
}

func (b *fakeBroker) Consume(string, string, int) (<-chan amqp.Delivery, error) {
	return b.deliveries, nil
}

func (b *fakeBroker) Publish(_ context.Context, routingKey string, body []byte, opts rabbitmq.PublishOptions) error {
	b.published = append(b.published, published{routingKey: routingKey, body: body, opts: opts})
	return nil
}

func TestRabbitConsumer(t *testing.T) {
	ctx := context.Background()
	ack := &fakeAcknowledger{}
	broker := &fakeBroker{deliveries: make(chan amqp.Delivery, 4)}
	spec := rabbitmq.QueueSpec{Name: "archive", RoutingKey: "archive", VisibilityTimeout: time.Minute}
	consumer := NewRabbitConsumer(broker, spec, "test", 4, slog.New(slog.DiscardHandler))

	t.Run("poll times out empty", func(t *testing.T) {
		msgs, err := consumer.Poll(ctx, 4, 10*time.Millisecond)
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})

	t.Run("poll drains buffered deliveries", func(t *testing.T) {
		for tag := uint64(1); tag <= 3; tag++ {
			broker.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: tag, Body: []byte(`{}`)}
		}

		msgs, err := consumer.Poll(ctx, 2, time.Second)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, 1, msgs[0].Attempt)

		require.NoError(t, consumer.Ack(ctx, msgs[0]))
		require.NoError(t, consumer.Release(ctx, msgs[1]))
		assert.Equal(t, []uint64{1}, ack.acked)
		assert.Equal(t, []uint64{2}, ack.nacked)
	})

	t.Run("delay republishes to the delay queue", func(t *testing.T) {
		msgs, err := consumer.Poll(ctx, 1, time.Second)
		require.NoError(t, err)
		require.Len(t, msgs, 1)

		require.NoError(t, consumer.Delay(ctx, msgs[0], 90*time.Second))

		require.Len(t, broker.published, 1)
		assert.Equal(t, "archive.delay", broker.published[0].routingKey)
		assert.Equal(t, 90*time.Second, broker.published[0].opts.Expiration)
		assert.Contains(t, ack.acked, uint64(3))
	})

	t.Run("attempt counts rejections", func(t *testing.T) {
		d := amqp.Delivery{Headers: amqp.Table{
			"x-death": []interface{}{
				amqp.Table{"reason": "rejected", "count": int64(2)},
				amqp.Table{"reason": "expired", "count": int64(2)},
			},
		}}
		assert.Equal(t, 3, attempt(d))
	})

	t.Run("context canceled", func(t *testing.T) {
		canceled, cancel := context.WithCancel(ctx)
		cancel()
		_, err := consumer.Poll(canceled, 1, time.Second)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("closed channel stops the consumer", func(t *testing.T) {
		close(broker.deliveries)

		_, err := consumer.Poll(ctx, 1, time.Second)
		assert.ErrorIs(t, err, ErrConsumerClosed)
	})
}

type fakeSQS struct {
	receive    *sqs.ReceiveMessageInput
	deleted    []string
	visibility map[string]int32
	messages   []types.Message
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.receive = in
	out := &sqs.ReceiveMessageOutput{Messages: f.messages}
	f.messages = nil
	return out, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) ChangeMessageVisibility(_ context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.visibility[aws.ToString(in.ReceiptHandle)] = in.VisibilityTimeout
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func TestSQSConsumer(t *testing.T) {
	ctx := context.Background()
	client := &fakeSQS{
		visibility: map[string]int32{},
		messages: []types.Message{
			{
				MessageId:     aws.String("m1"),
				Body:          aws.String(`{"JobId":"r1"}`),
				ReceiptHandle: aws.String("rh-1"),
				Attributes:    map[string]string{"ApproximateReceiveCount": "3"},
			},
		},
	}
	consumer := NewSQSConsumer(client, "https://sqs.local/thaw", slog.New(slog.DiscardHandler))

	msgs, err := consumer.Poll(ctx, 50, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, 3, msgs[0].Attempt)
	assert.Equal(t, int32(10), client.receive.MaxNumberOfMessages)
	assert.Equal(t, int32(20), client.receive.WaitTimeSeconds)

	require.NoError(t, consumer.Delay(ctx, msgs[0], 30*time.Second))
	assert.Equal(t, int32(30), client.visibility["rh-1"])

	require.NoError(t, consumer.Release(ctx, msgs[0]))
	require.NoError(t, consumer.Ack(ctx, msgs[0]))
	assert.Equal(t, []string{"rh-1"}, client.deleted)

	assert.Error(t, consumer.Ack(ctx, &Message{ID: "x"}))
}
