package sqsqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// ErrTooLarge is returned for events that do not fit in one SQS message.
// Inbound mail with large attachments is the usual cause.
var ErrTooLarge = errors.New("event exceeds sqs message size limit")

type EventProducer struct {
	SQS      API
	QueueURL string
}

func (p *EventProducer) Enqueue(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if len(body) > MaxMessageBytes {
		return fmt.Errorf("%w: %s event %s is %d bytes", ErrTooLarge, ev.Kind, ev.ID, len(body))
	}
	_, err = p.SQS.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: str(string(body)),
	})
	return err
}
