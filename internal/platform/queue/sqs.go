package queue

import (
	"context"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog"
)

// SQSQueue implements Queue against AWS SQS.
type SQSQueue struct {
	client *sqs.Client
	logger zerolog.Logger
}

func NewSQSQueue(ctx context.Context, region string, logger zerolog.Logger) (*SQSQueue, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, err
	}
	return &SQSQueue{
		client: sqs.NewFromConfig(cfg),
		logger: logger.With().Str("component", "sqs").Logger(),
	}, nil
}

func (q *SQSQueue) Send(ctx context.Context, queueURL, body string, attributes map[string]string) error {
	attrs := make(map[string]types.MessageAttributeValue, len(attributes))
	for k, v := range attributes {
		attrs[k] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(v),
		}
	}
	_, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(queueURL),
		MessageBody:       aws.String(body),
		MessageAttributes: attrs,
	})
	return err
}

func (q *SQSQueue) Receive(ctx context.Context, queueURL string, opts ReceiveOptions) ([]Message, error) {
	max := int32(opts.MaxMessages)
	if max <= 0 {
		max = 1
	}
	if max > 10 {
		// SQS caps a single receive at 10 messages.
		max = 10
	}
	input := &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(queueURL),
		MaxNumberOfMessages:   max,
		WaitTimeSeconds:       int32(opts.WaitTimeSeconds),
		MessageAttributeNames: []string{"All"},
	}
	if opts.VisibilityTimeoutSeconds > 0 {
		input.VisibilityTimeout = int32(opts.VisibilityTimeoutSeconds)
	}
	out, err := q.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, err
	}
	messages := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msg := Message{
			ID:            aws.ToString(m.MessageId),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			Body:          aws.ToString(m.Body),
			Attributes:    make(map[string]string, len(m.MessageAttributes)),
		}
		for k, v := range m.MessageAttributes {
			msg.Attributes[k] = aws.ToString(v.StringValue)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (q *SQSQueue) Delete(ctx context.Context, queueURL string, messages []Message) error {
	if len(messages) == 0 {
		return nil
	}
	entries := make([]types.DeleteMessageBatchRequestEntry, 0, len(messages))
	for _, m := range messages {
		if m.ID == "" || m.ReceiptHandle == "" {
			continue
		}
		entries = append(entries, types.DeleteMessageBatchRequestEntry{
			Id:            aws.String(m.ID),
			ReceiptHandle: aws.String(m.ReceiptHandle),
		})
	}
	out, err := q.client.DeleteMessageBatch(ctx, &sqs.DeleteMessageBatchInput{
		QueueUrl: aws.String(queueURL),
		Entries:  entries,
	})
	if err != nil {
		return err
	}
	if len(out.Failed) > 0 {
		q.logger.Warn().Int("failed", len(out.Failed)).Str("queue", queueURL).Msg("failed to delete some messages")
	}
	return nil
}

func (q *SQSQueue) ApproximateCount(ctx context.Context, queueURL string) (int, error) {
	out, err := q.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(queueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return -1, err
	}
	raw, ok := out.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)]
	if !ok {
		return -1, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return -1, nil
	}
	return n, nil
}
