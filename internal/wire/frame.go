// Package wire implements the length-prefixed JSON framing spoken between the
// bridge and its producers: a 4-byte little-endian length followed by exactly
// that many bytes of UTF-8 JSON, one object per frame.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize is the protocol ceiling for one frame body.
const MaxFrameSize = 1 << 20

const headerSize = 4

// ErrFrameTooLarge is returned by Writer when an encoded body exceeds its limit.
var ErrFrameTooLarge = errors.New("frame exceeds max frame size")

// FramingError reports a malformed frame. Fatal errors leave the stream out of
// sync and must terminate the connection; non-fatal ones only lose one frame.
type FramingError struct {
	Reason string
	Fatal  bool
	Err    error
}

func (e *FramingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("framing error: %s: %v", e.Reason, e.Err)
	}
	return "framing error: " + e.Reason
}

func (e *FramingError) Unwrap() error { return e.Err }

// IsFatal reports whether err is a FramingError that desynchronised the stream.
func IsFatal(err error) bool {
	var fe *FramingError
	return errors.As(err, &fe) && fe.Fatal
}

// Reader reads frames from a byte stream. It is not safe for concurrent use.
type Reader struct {
	r        io.Reader
	maxFrame int
	header   [headerSize]byte
}

// NewReader wraps r. A maxFrame outside (0, MaxFrameSize] uses MaxFrameSize.
func NewReader(r io.Reader, maxFrame int) *Reader {
	if maxFrame <= 0 || maxFrame > MaxFrameSize {
		maxFrame = MaxFrameSize
	}
	return &Reader{r: r, maxFrame: maxFrame}
}

// ReadFrame returns the next raw frame body.
//
// io.EOF means the stream ended cleanly, either before a header or in the
// middle of a body. A header cut short is a fatal FramingError.
func (fr *Reader) ReadFrame() ([]byte, error) {
	n, err := io.ReadFull(fr.r, fr.header[:])
	switch {
	case err == io.EOF:
		return nil, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		return nil, &FramingError{Reason: fmt.Sprintf("short length prefix (%d of %d bytes)", n, headerSize), Fatal: true}
	case err != nil:
		return nil, err
	}

	length := binary.LittleEndian.Uint32(fr.header[:])
	if length == 0 {
		return nil, &FramingError{Reason: "zero-length frame", Fatal: true}
	}
	// Checked before allocating so a hostile prefix cannot force a large buffer.
	if uint64(length) > uint64(fr.maxFrame) {
		return nil, &FramingError{Reason: fmt.Sprintf("frame size %d exceeds limit %d", length, fr.maxFrame), Fatal: true}
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(fr.r, body); err != nil {
		if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	return body, nil
}

// Next reads and decodes the next envelope.
func (fr *Reader) Next() (Envelope, error) {
	body, err := fr.ReadFrame()
	if err != nil {
		return Envelope{}, err
	}
	return DecodeBody(body)
}

// Writer writes frames to a byte stream. Callers serialise access.
type Writer struct {
	w        io.Writer
	maxFrame int
}

// NewWriter wraps w. A maxFrame outside (0, MaxFrameSize] uses MaxFrameSize.
func NewWriter(w io.Writer, maxFrame int) *Writer {
	if maxFrame <= 0 || maxFrame > MaxFrameSize {
		maxFrame = MaxFrameSize
	}
	return &Writer{w: w, maxFrame: maxFrame}
}

// WriteFrame writes the header and body in a single Write call.
func (fw *Writer) WriteFrame(body []byte) error {
	if len(body) == 0 {
		return &FramingError{Reason: "zero-length frame"}
	}
	if len(body) > fw.maxFrame {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(body), fw.maxFrame)
	}
	_, err := fw.w.Write(frame(body))
	return err
}

// Write encodes env and writes it as one frame.
func (fw *Writer) Write(env Envelope) error {
	body, err := EncodeBody(env)
	if err != nil {
		return err
	}
	return fw.WriteFrame(body)
}

// Encode returns the complete framed bytes for env.
func Encode(env Envelope) ([]byte, error) {
	body, err := EncodeBody(env)
	if err != nil {
		return nil, err
	}
	if len(body) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(body), MaxFrameSize)
	}
	return frame(body), nil
}

// Decode reads one envelope from r using the default frame limit.
func Decode(r io.Reader) (Envelope, error) {
	return NewReader(r, MaxFrameSize).Next()
}

func frame(body []byte) []byte {
	buf := make([]byte, headerSize+len(body))
	binary.LittleEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[headerSize:], body)
	return buf
}
