package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/cuongbtq/gas-pipeline/shared/awsclient"
)

// maxSQSVisibility is the longest visibility timeout SQS accepts
const maxSQSVisibility = 12 * time.Hour

// maxSQSWait is the longest long-poll SQS accepts
const maxSQSWait = 20 * time.Second

// SQSAPI is the part of the SQS client the consumer uses
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// SQSConsumer consumes an SQS queue, typically one subscribed to an SNS topic
type SQSConsumer struct {
	client   SQSAPI
	queueURL string
	logger   *slog.Logger
}

// NewSQSConsumer creates a consumer for queueURL
func NewSQSConsumer(client SQSAPI, queueURL string, logger *slog.Logger) *SQSConsumer {
	return &SQSConsumer{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
	}
}

// Poll long-polls the queue
func (c *SQSConsumer) Poll(ctx context.Context, max int, wait time.Duration) ([]*Message, error) {
	if wait > maxSQSWait {
		wait = maxSQSWait
	}
	if max < 1 {
		max = 1
	}
	if max > 10 {
		max = 10
	}

	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: int32(max),
		WaitTimeSeconds:     int32(wait / time.Second),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, awsclient.Classify("receive message", err)
	}

	messages := make([]*Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msg := &Message{
			ID:      aws.ToString(m.MessageId),
			Body:    []byte(aws.ToString(m.Body)),
			Attempt: 1,
			Receipt: aws.ToString(m.ReceiptHandle),
		}
		if n, err := strconv.Atoi(m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]); err == nil {
			msg.Attempt = n
		}
		messages = append(messages, msg)
	}

	return messages, nil
}

func receiptHandle(msg *Message) (string, error) {
	handle, ok := msg.Receipt.(string)
	if !ok || handle == "" {
		return "", fmt.Errorf("message %s has no receipt handle", msg.ID)
	}
	return handle, nil
}

// Ack deletes the message
func (c *SQSConsumer) Ack(ctx context.Context, msg *Message) error {
	handle, err := receiptHandle(msg)
	if err != nil {
		return err
	}

	_, err = c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(handle),
	})
	if err != nil {
		return awsclient.Classify("delete message", err)
	}
	return nil
}

// Release does nothing: the message reappears once its visibility timeout
// lapses.
func (c *SQSConsumer) Release(context.Context, *Message) error {
	return nil
}

// Delay extends the message's visibility timeout to d
func (c *SQSConsumer) Delay(ctx context.Context, msg *Message, d time.Duration) error {
	handle, err := receiptHandle(msg)
	if err != nil {
		return err
	}

	if d > maxSQSVisibility {
		d = maxSQSVisibility
	}

	_, err = c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(handle),
		VisibilityTimeout: int32(d / time.Second),
	})
	if err != nil {
		return awsclient.Classify("change message visibility", err)
	}

	c.logger.Debug("Message visibility extended",
		slog.String("message_id", msg.ID),
		slog.Duration("delay", d),
	)

	return nil
}
