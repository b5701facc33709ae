// Package ipc implements the local control channel: length-prefixed JSON
// frames over a unix socket or named pipe, one request/response pair at a
// time per connection.
package ipc

import (
	"encoding/binary"
	"errors"
	"io"
)

const (
	// MaxFrameSize caps the JSON payload of a single frame. A larger
	// declared length is a protocol error that ends the connection.
	MaxFrameSize = 64 * 1024

	frameHeaderSize = 4
)

var (
	// ErrFrameTooLarge reports a frame whose declared length exceeds
	// MaxFrameSize.
	ErrFrameTooLarge = errors.New("ipc: frame exceeds 64 KiB limit")

	// ErrNeedMore reports that the buffer does not yet hold a full frame.
	ErrNeedMore = errors.New("ipc: incomplete frame")
)

// EncodeFrame prefixes payload with its big-endian length.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	frame := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[frameHeaderSize:], payload)
	return frame, nil
}

// DecodeFrame extracts the first complete frame from buf. It returns the
// payload and the number of bytes consumed. When buf does not yet hold a
// whole frame it returns ErrNeedMore with n == 0, so callers keep the
// buffer untouched until a frame is complete.
func DecodeFrame(buf []byte) (payload []byte, n int, err error) {
	if len(buf) < frameHeaderSize {
		return nil, 0, ErrNeedMore
	}
	size := binary.BigEndian.Uint32(buf)
	if size > MaxFrameSize {
		return nil, 0, ErrFrameTooLarge
	}
	total := frameHeaderSize + int(size)
	if len(buf) < total {
		return nil, 0, ErrNeedMore
	}
	payload = make([]byte, size)
	copy(payload, buf[frameHeaderSize:total])
	return payload, total, nil
}

// WriteFrame encodes payload and writes the whole frame to w.
func WriteFrame(w io.Writer, payload []byte) error {
	frame, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadFrame reads exactly one frame from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
