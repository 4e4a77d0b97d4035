package dispatch

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope is the protocol frame used in both directions. Data carries the
// method-specific payload and is left opaque here.
type Envelope struct {
	Bid       string          `json:"bid"`
	Tid       string          `json:"tid"`
	Timestamp int64           `json:"timestamp"`
	Method    string          `json:"method,omitempty"`
	Gateway   string          `json:"gateway,omitempty"`
	From      string          `json:"from,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Reply is the data section of a reply envelope.
type Reply struct {
	Result int             `json:"result"`
	Output json.RawMessage `json:"output,omitempty"`
}

// ReplyOK is the result code for an accepted request.
const ReplyOK = 0

func NewEnvelope(method string, data interface{}) (*Envelope, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return &Envelope{
		Bid:       uuid.New().String(),
		Tid:       uuid.New().String(),
		Timestamp: time.Now().UnixMilli(),
		Method:    method,
		Data:      raw,
	}, nil
}

// Ack builds the reply envelope for an inbound request, echoing its
// correlation ids.
func (e *Envelope) Ack(result int, output interface{}) (*Envelope, error) {
	data := Reply{Result: result}
	if output != nil {
		b, err := json.Marshal(output)
		if err != nil {
			return nil, err
		}
		data.Output = b
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Bid:       e.Bid,
		Tid:       e.Tid,
		Timestamp: time.Now().UnixMilli(),
		Method:    e.Method,
		Data:      b,
	}, nil
}
