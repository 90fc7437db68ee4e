package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// frames are a 4-byte big-endian length followed by the UTF-8 JSON body
// the same framing is used on the xApp ingress and on the AI engine uplink

const (
	HeaderSize = 4
	MaxFrame   = 1024 * 1024 // 1MB max frame body
)

var (
	// ErrEndOfStream is returned when the peer closed the stream before a
	// complete header or body arrived.
	ErrEndOfStream = errors.New("frame: end of stream")
	// ErrInvalidFrame is returned for a length prefix of 0 or above MaxFrame.
	// The connection must be closed; no resync is attempted.
	ErrInvalidFrame = errors.New("frame: invalid length")
)

// ReadFrame reads one frame from r and returns its payload.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, classifyReadErr(err)
	}

	length := binary.BigEndian.Uint32(header[:])
	if length == 0 || length > MaxFrame {
		return nil, fmt.Errorf("%w: %d", ErrInvalidFrame, length)
	}

	payload := make([]byte, length)
	// io.ReadFull loops over short reads until the body is complete
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, classifyReadErr(err)
	}
	return payload, nil
}

// EncodeFrame prepends the length prefix. The payload is not inspected.
func EncodeFrame(payload []byte) []byte {
	frame := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame[:HeaderSize], uint32(len(payload)))
	copy(frame[HeaderSize:], payload)
	return frame
}

// WriteFrame writes the encoded frame with a single Write call.
func WriteFrame(w io.Writer, payload []byte) error {
	if _, err := w.Write(EncodeFrame(payload)); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func classifyReadErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrEndOfStream
	}
	return fmt.Errorf("failed to read frame: %w", err)
}
