package util

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID returns prefix followed by a ULID. ULIDs sort by creation time,
// which keeps event tables and queue envelopes roughly ordered.
func NewID(prefix string) string {
	return prefix + ulid.MustNew(ulid.Timestamp(NowUTC()), rand.Reader).String()
}

// NewMessageID is the ID format used for locally generated message IDs.
func NewMessageID() string {
	return NewID("msg_")
}

func NowUTC() time.Time {
	return time.Now().UTC()
}
