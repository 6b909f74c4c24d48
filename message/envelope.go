package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/snappy"

	"github.com/c360/depthgraph/errors"
)

// Envelope is the wire form of a Message used by the NATS and websocket
// outputs. The payload is JSON; when Compressed is set it is snappy-encoded
// and carried in Data instead of Payload.
type Envelope struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence,omitempty"`
	Queue      string          `json:"queue,omitempty"`
	Compressed bool            `json:"compressed,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Data       []byte          `json:"data,omitempty"`
}

type bufferWire struct {
	Data []byte `json:"data"`
}

type groupEntry struct {
	Name     string    `json:"name"`
	Envelope *Envelope `json:"envelope"`
}

// NewEnvelope wraps msg for transport. queue names the source queue and may
// be empty.
func NewEnvelope(msg Message, queue string, compress bool) (*Envelope, error) {
	if msg == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Envelope", "NewEnvelope", "nil message")
	}

	payload, err := encodePayload(msg, compress)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Envelope", "NewEnvelope",
			fmt.Sprintf("encode %s payload", msg.Datatype()))
	}

	env := &Envelope{
		ID:         msg.ID(),
		Type:       msg.Datatype().String(),
		Timestamp:  msg.Timestamp(),
		Sequence:   msg.Sequence(),
		Queue:      queue,
		Compressed: compress,
	}
	if compress {
		env.Data = snappy.Encode(nil, payload)
	} else {
		env.Payload = payload
	}
	return env, nil
}

func encodePayload(msg Message, compress bool) ([]byte, error) {
	switch m := msg.(type) {
	case *RawBuffer:
		return json.Marshal(bufferWire{Data: m.data})
	case *Generic:
		return json.Marshal(bufferWire{Data: m.Data})
	case *Group:
		entries := make([]groupEntry, 0, m.Len())
		for _, name := range m.Names() {
			sub, err := NewEnvelope(m.items[name], "", compress)
			if err != nil {
				return nil, err
			}
			entries = append(entries, groupEntry{Name: name, Envelope: sub})
		}
		return json.Marshal(entries)
	default:
		return json.Marshal(msg)
	}
}

// Marshal encodes the envelope as JSON.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// ParseEnvelope decodes a JSON envelope.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Envelope", "ParseEnvelope", err.Error())
	}
	return &env, nil
}

// Message reconstructs the carried Message.
func (e *Envelope) Message() (Message, error) {
	dt, ok := ParseDatatype(e.Type)
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Envelope", "Message",
			fmt.Sprintf("unknown datatype %q", e.Type))
	}

	payload := []byte(e.Payload)
	if e.Compressed {
		var err error
		payload, err = snappy.Decode(nil, e.Data)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Envelope", "Message", "snappy decode")
		}
	}

	opts := []Option{WithID(e.ID), WithTime(e.Timestamp), WithSequence(e.Sequence)}
	msg, err := decodePayload(dt, payload, opts)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Envelope", "Message", fmt.Sprintf("decode %s payload", dt))
	}
	return msg, nil
}

func decodePayload(dt Datatype, payload []byte, opts []Option) (Message, error) {
	h := newHeader(opts)

	switch dt {
	case ImgFrame:
		f := &Frame{header: h}
		return f, json.Unmarshal(payload, f)
	case EncodedFrame:
		e := &Encoded{header: h}
		return e, json.Unmarshal(payload, e)
	case PointCloudData:
		p := &PointCloud{header: h}
		return p, json.Unmarshal(payload, p)
	case RGBDData:
		r := &RGBD{header: h}
		if err := json.Unmarshal(payload, r); err != nil {
			return nil, err
		}
		// Nested frames travel without their own header.
		for _, f := range []*Frame{r.Color, r.Depth} {
			if f != nil {
				f.header = newHeader([]Option{WithTime(h.timestamp), WithSequence(h.sequence)})
			}
		}
		return r, nil
	case Buffer:
		var w bufferWire
		if err := json.Unmarshal(payload, &w); err != nil {
			return nil, err
		}
		return &RawBuffer{header: h, data: w.Data}, nil
	case MessageGroup:
		var entries []groupEntry
		if err := json.Unmarshal(payload, &entries); err != nil {
			return nil, err
		}
		g := &Group{header: h, items: make(map[string]Message, len(entries))}
		for _, entry := range entries {
			if entry.Envelope == nil {
				continue
			}
			sub, err := entry.Envelope.Message()
			if err != nil {
				return nil, err
			}
			g.items[entry.Name] = sub
		}
		return g, nil
	default:
		var w bufferWire
		if err := json.Unmarshal(payload, &w); err != nil {
			return nil, err
		}
		return &Generic{header: h, dt: dt, Data: w.Data}, nil
	}
}
