// Package queue implements the durable task queue: a gnet TCP server
// speaking a length-prefixed binary protocol over Redis-backed storage,
// plus the client used by producers and workers.
//
// Frame layout, both directions:
//
//	uint32 big-endian length (covers the byte that follows plus body)
//	1 byte opcode (request) or status (response)
//	sonic-JSON body
package queue

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/valyala/bytebufferpool"

	"github.com/chronograph-engine/internal/jsonx"
)

// Request opcodes.
const (
	OpCreate byte = 0x01
	OpPush   byte = 0x02
	OpPoll   byte = 0x03
	OpDelete byte = 0x04
	OpUpdate byte = 0x05
	OpList   byte = 0x06
	OpStats  byte = 0x07
)

// Response status bytes.
const (
	StatusOK    byte = 0x00
	StatusError byte = 0x01
	StatusEmpty byte = 0x02
)

const (
	frameHeaderSize = 4
	// MaxFrameSize bounds a single frame; larger payloads indicate a
	// protocol violation or a runaway producer.
	MaxFrameSize = 8 << 20
)

var (
	ErrFrameTooLarge = errors.New("queue: frame exceeds size limit")
	ErrShortFrame    = errors.New("queue: short frame")
)

// CreateRequest registers a queue.
type CreateRequest struct {
	Queue string `json:"queue"`
}

// PushMessage is one message to enqueue. ID is assigned by the server
// when empty. Priority selects the class (0 lowest); out-of-range values
// are clamped. A nonzero VisibilityTimeout delays first delivery by that
// many seconds.
type PushMessage struct {
	ID                string `json:"id,omitempty"`
	Priority          int    `json:"priority"`
	Contents          []byte `json:"contents"`
	VisibilityTimeout int    `json:"visibility_timeout_secs,omitempty"`
}

type PushRequest struct {
	Queue    string        `json:"queue"`
	Messages []PushMessage `json:"messages"`
}

type PushResponse struct {
	IDs []string `json:"ids"`
}

type PollRequest struct {
	Queue             string `json:"queue"`
	Count             int    `json:"count"`
	VisibilityTimeout int    `json:"visibility_timeout_secs"`
}

// PolledMessage is one delivery. PollTag is valid until the visibility
// deadline; delete and update calls must present it.
type PolledMessage struct {
	ID            string `json:"id"`
	PollTag       string `json:"poll_tag"`
	Priority      int    `json:"priority"`
	DeliveryCount int    `json:"delivery_count"`
	Contents      []byte `json:"contents"`
}

type PollResponse struct {
	Messages []PolledMessage `json:"messages"`
}

type DeleteRequest struct {
	Queue   string `json:"queue"`
	ID      string `json:"id"`
	PollTag string `json:"poll_tag"`
}

// UpdateRequest reschedules an in-flight delivery: the lease deadline
// moves to now+VisibilityTimeout and a fresh tag is issued. Workers use
// it to park a task for its retry backoff before releasing it.
type UpdateRequest struct {
	Queue             string `json:"queue"`
	ID                string `json:"id"`
	PollTag           string `json:"poll_tag"`
	VisibilityTimeout int    `json:"visibility_timeout_secs"`
}

type UpdateResponse struct {
	PollTag string `json:"poll_tag"`
}

type ListResponse struct {
	Queues []string `json:"queues"`
}

type StatsRequest struct {
	Queue string `json:"queue"`
}

// QueueStats is a point-in-time snapshot.
type QueueStats struct {
	Queue    string           `json:"queue"`
	Ready    []int64          `json:"ready"`
	InFlight int64            `json:"in_flight"`
	Counters map[string]int64 `json:"counters"`
}

type errorBody struct {
	Error string `json:"error"`
}

// EncodeFrame assembles one frame. The returned slice is freshly
// allocated; the pooled buffer is only used for assembly.
func EncodeFrame(tag byte, v interface{}) ([]byte, error) {
	var body []byte
	if v != nil {
		raw, err := jsonx.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode frame body: %w", err)
		}
		body = raw
	}
	if len(body)+1 > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)+1))
	buf.Write(header[:])
	buf.WriteByte(tag)
	buf.Write(body)

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// DecodeFrame splits a complete frame into its tag byte and body. The
// body aliases data.
func DecodeFrame(data []byte) (byte, []byte, error) {
	if len(data) < frameHeaderSize+1 {
		return 0, nil, ErrShortFrame
	}
	n := binary.BigEndian.Uint32(data[:frameHeaderSize])
	if n == 0 {
		return 0, nil, ErrShortFrame
	}
	if int(n) > MaxFrameSize {
		return 0, nil, ErrFrameTooLarge
	}
	if len(data) < frameHeaderSize+int(n) {
		return 0, nil, ErrShortFrame
	}
	return data[frameHeaderSize], data[frameHeaderSize+1 : frameHeaderSize+int(n)], nil
}

// frameSize reports the total length of the frame starting at data, or 0
// when the header or body is still incomplete.
func frameSize(data []byte) (int, error) {
	if len(data) < frameHeaderSize {
		return 0, nil
	}
	n := binary.BigEndian.Uint32(data[:frameHeaderSize])
	if n == 0 {
		return 0, ErrShortFrame
	}
	if int(n) > MaxFrameSize {
		return 0, ErrFrameTooLarge
	}
	total := frameHeaderSize + int(n)
	if len(data) < total {
		return 0, nil
	}
	return total, nil
}

// ReadFrame reads one complete frame from r (client side).
func ReadFrame(r io.Reader) (byte, []byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n == 0 {
		return 0, nil, ErrShortFrame
	}
	if int(n) > MaxFrameSize {
		return 0, nil, ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return payload[0], payload[1:], nil
}
