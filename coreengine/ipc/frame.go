// Package ipc provides the stream-socket server for out-of-process
// callers.
//
// The wire format is length-prefixed JSON: each frame is a 4-byte
// big-endian payload length followed by the payload bytes. Requests
// carry {id, kind, payload}; responses carry {id, ok, payload} or
// {id, ok: false, error: {code, message}}.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// DefaultMaxFrameSize bounds a single frame payload (4 MiB).
const DefaultMaxFrameSize = 4 << 20

// frame header is a 4-byte big-endian payload length.
const headerSize = 4

// ErrFrameTooLarge is returned when a frame exceeds the size limit.
type ErrFrameTooLarge struct {
	Size int
	Max  int
}

func (e *ErrFrameTooLarge) Error() string {
	return fmt.Sprintf("frame of %d bytes exceeds limit of %d", e.Size, e.Max)
}

// Request is a single framed request.
type Request struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is the reply to a single Request, matched by ID.
type Response struct {
	ID      string         `json:"id"`
	OK      bool           `json:"ok"`
	Payload any            `json:"payload,omitempty"`
	Error   *ResponseError `json:"error,omitempty"`
}

// ResponseError carries a machine-readable failure.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes used in responses.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnknownKind  = "unknown_kind"
	ErrCodeHandlerError = "handler_error"
)

// ReadFrame reads one length-prefixed frame from r. maxSize <= 0 uses
// DefaultMaxFrameSize. A zero-length or oversize header is malformed.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}

	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	size := int(binary.BigEndian.Uint32(header[:]))
	if size == 0 {
		return nil, fmt.Errorf("zero-length frame")
	}
	if size > maxSize {
		return nil, &ErrFrameTooLarge{Size: size, Max: maxSize}
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("short frame read: %w", err)
	}
	return payload, nil
}

// WriteFrame writes one length-prefixed frame to w.
func WriteFrame(w io.Writer, payload []byte, maxSize int) error {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	if len(payload) > maxSize {
		return &ErrFrameTooLarge{Size: len(payload), Max: maxSize}
	}

	var header [headerSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// WriteMessage marshals v and writes it as a single frame.
func WriteMessage(w io.Writer, v any, maxSize int) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame payload: %w", err)
	}
	return WriteFrame(w, data, maxSize)
}

// ReadRequest reads and decodes one request frame.
func ReadRequest(r io.Reader, maxSize int) (*Request, error) {
	payload, err := ReadFrame(r, maxSize)
	if err != nil {
		return nil, err
	}
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode request frame: %w", err)
	}
	return &req, nil
}

// ReadResponse reads and decodes one response frame.
func ReadResponse(r io.Reader, maxSize int) (*Response, error) {
	payload, err := ReadFrame(r, maxSize)
	if err != nil {
		return nil, err
	}
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("decode response frame: %w", err)
	}
	return &resp, nil
}
