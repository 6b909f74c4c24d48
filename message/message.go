package message

import (
	"time"

	"github.com/google/uuid"
)

// Message is a type-erased handle over one payload. Messages are shared by
// reference: several consumers may hold the same Message, so payloads must
// be treated as read-only once sent.
type Message interface {
	// ID returns a unique identifier assigned at construction.
	ID() string

	// Datatype returns the runtime discriminant used for narrowing.
	Datatype() Datatype

	// Timestamp returns when the payload was captured or produced.
	Timestamp() time.Time

	// Sequence returns the producer's sequence number, 0 if unset.
	Sequence() int64
}

// header carries the fields common to every payload type.
type header struct {
	id        string
	timestamp time.Time
	sequence  int64
}

func newHeader(opts []Option) header {
	h := header{
		id:        uuid.NewString(),
		timestamp: time.Now(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&h)
		}
	}
	return h
}

func (h *header) ID() string           { return h.id }
func (h *header) Timestamp() time.Time { return h.timestamp }
func (h *header) Sequence() int64      { return h.sequence }

// Option configures the common header of a new message.
type Option func(*header)

// WithTime sets the capture timestamp instead of time.Now().
func WithTime(ts time.Time) Option {
	return func(h *header) {
		h.timestamp = ts
	}
}

// WithSequence sets the producer sequence number.
func WithSequence(seq int64) Option {
	return func(h *header) {
		h.sequence = seq
	}
}

// WithID overrides the generated identifier. Used when decoding envelopes.
func WithID(id string) Option {
	return func(h *header) {
		if id != "" {
			h.id = id
		}
	}
}
