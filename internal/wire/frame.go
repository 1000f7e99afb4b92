package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// MaxFrameSize bounds a single frame so a corrupt header cannot trigger a
// huge allocation.
const MaxFrameSize = 1 << 30

// headerSize is the length prefix: a big-endian uint32.
const headerSize = 4

// ErrTruncated is returned when a frame ends before its declared length,
// typically because the worker was killed mid-write.
var ErrTruncated = errors.New("wire: truncated frame")

// Kind tags the payload of an Envelope.
type Kind uint8

const (
	// KindValue carries a codec-encoded return value.
	KindValue Kind = 1

	// KindError carries a captured worker failure.
	KindError Kind = 2
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindValue:
		return "value"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Envelope is the tagged union a worker writes to its result channel.
type Envelope struct {
	Kind       Kind   `msgpack:"kind"`
	Codec      string `msgpack:"codec,omitempty"`
	Value      []byte `msgpack:"value,omitempty"`
	ErrKind    string `msgpack:"err_kind,omitempty"`
	ErrMessage string `msgpack:"err_message,omitempty"`
}

// ValueEnvelope wraps an already encoded value.
func ValueEnvelope(codec string, data []byte) *Envelope {
	return &Envelope{Kind: KindValue, Codec: codec, Value: data}
}

// ErrorEnvelope wraps a failure as kind and message.
func ErrorEnvelope(kind, message string) *Envelope {
	return &Envelope{Kind: KindError, ErrKind: kind, ErrMessage: message}
}

// Invocation tells a worker which registered function to run.
type Invocation struct {
	Func  string `msgpack:"func"`
	Label string `msgpack:"label"`
	Codec string `msgpack:"codec"`
	Arg   []byte `msgpack:"arg,omitempty"`
}

// WriteFrame writes v as one length-prefixed msgpack frame.
func WriteFrame(w io.Writer, v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit %d", len(payload), MaxFrameSize)
	}

	buf := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[headerSize:], payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame from r into v.
func ReadFrame(r io.Reader, v any) error {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrTruncated
		}
		return err
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit %d", size, MaxFrameSize)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrTruncated
		}
		return err
	}

	if err := msgpack.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}

// DecodeResult parses everything a worker wrote to its result channel.
// An empty channel means the worker produced no value and returns (nil, nil).
func DecodeResult(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var env Envelope
	if err := ReadFrame(bytes.NewReader(data), &env); err != nil {
		return nil, err
	}
	if env.Kind != KindValue && env.Kind != KindError {
		return nil, fmt.Errorf("unknown envelope %s", env.Kind)
	}
	return &env, nil
}
