package broker

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxHeaderSize bounds the JSON header frame of a socket reply (16 MiB).
const MaxHeaderSize = 16 << 20

var errHeaderNotRead = errors.New("reply header must be read before the body")

// WriteFrame writes a length-prefixed JSON message to w.
// The frame format is: 4-byte big-endian length prefix followed by the JSON payload.
func WriteFrame(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(data) > MaxHeaderSize {
		return fmt.Errorf("frame size %d exceeds maximum %d", len(data), MaxHeaderSize)
	}

	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// ReadFrame reads a length-prefixed JSON message from r and decodes it into v.
func ReadFrame(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}
	if length > MaxHeaderSize {
		return fmt.Errorf("frame size %d exceeds maximum %d", length, MaxHeaderSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	return nil
}

// Stream is a reply delivered on a socket. It carries exactly two frames in
// fixed order: a JSON header and then a raw body, which is empty for plain
// replies. The body can only be read after the header.
type Stream struct {
	r          io.Reader
	headerRead bool
	hasBody    bool

	done chan struct{}
	once sync.Once
}

func newStream(header json.RawMessage, body io.Reader) (*Stream, error) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, header); err != nil {
		return nil, err
	}
	s := &Stream{done: make(chan struct{}), hasBody: body != nil}
	if body != nil {
		s.r = io.MultiReader(&buf, body)
	} else {
		s.r = &buf
	}
	return s, nil
}

// Header decodes the header frame into v.
func (s *Stream) Header(v any) error {
	if s.headerRead {
		return errors.New("reply header already read")
	}
	if err := ReadFrame(s.r, v); err != nil {
		return err
	}
	s.headerRead = true
	return nil
}

// HasBody reports whether the sender attached a body.
func (s *Stream) HasBody() bool {
	return s.hasBody
}

// Body returns the body frame.
func (s *Stream) Body() (io.Reader, error) {
	if !s.headerRead {
		return nil, errHeaderNotRead
	}
	return s.r, nil
}

// Close tells the sender the stream has been consumed. It is safe to call more than once.
func (s *Stream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}
