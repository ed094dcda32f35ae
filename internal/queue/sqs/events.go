package sqsqueue

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"anymail/internal/anymail"
)

// MaxMessageBytes is the SQS message size limit.
const MaxMessageBytes = 256 * 1024

type EventKind string

const (
	KindTracking EventKind = "tracking"
	KindInbound  EventKind = "inbound"
)

// Event is the queue envelope for one normalized webhook event. Exactly one
// of Tracking and Inbound is set, matching Kind.
type Event struct {
	ID         string                 `json:"id"`
	Kind       EventKind              `json:"kind"`
	ESP        string                 `json:"esp"`
	Tracking   *anymail.TrackingEvent `json:"tracking,omitempty"`
	Inbound    *anymail.InboundEvent  `json:"inbound,omitempty"`
	ReceivedAt time.Time              `json:"receivedAt"`
}

// API is the part of *sqs.Client the queue uses.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

var _ API = (*sqs.Client)(nil)

func str(s string) *string { return &s }
