// Package wire implements the chatd framing protocol.
//
// Every transmission unit is a frame made of a fixed-width header and a body:
//
//	header: 64 ASCII bytes holding the decimal body length, zero padded
//	body:   version (1 byte) | opcode (2 bytes, big endian) | payload
//
// The payload is an ordered list of tagged, length-prefixed values (see
// payload.go), so message text may contain any byte value without escaping.
//
// Lengths received from a peer are never trusted: the header is checked
// against the configured maximum frame size before the body is read, and
// every string length or list count inside the body is checked against the
// bytes that remain before anything is allocated.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/verayang01/chatd/consts"
)

// bodyPrefixSize covers the version byte and the opcode.
const bodyPrefixSize = 3

// Frame is one decoded transmission unit.
type Frame struct {
	Version byte
	Opcode  Opcode
	Fields  []Value
}

// EncodeBody serializes the body of f without the length header.
func EncodeBody(f Frame) []byte {
	buf := make([]byte, 0, bodyPrefixSize+payloadSize(f.Fields))
	buf = append(buf, f.Version)
	buf = binary.BigEndian.AppendUint16(buf, uint16(f.Opcode))
	for _, v := range f.Fields {
		buf = appendValue(buf, v)
	}
	return buf
}

// BodySize is len(EncodeBody(f)), computed without encoding.
func BodySize(f Frame) int {
	return bodyPrefixSize + payloadSize(f.Fields)
}

// MaxBodySize is the body limit a reader configured with maxSize enforces.
func MaxBodySize(maxSize int) int {
	return limit(maxSize)
}

// Marshal serializes f into header and body.
func Marshal(f Frame) []byte {
	body := EncodeBody(f)
	out := make([]byte, 0, consts.HeaderSize+len(body))
	out = append(out, formatHeader(len(body))...)
	return append(out, body...)
}

// Unmarshal decodes one complete frame from data. The declared body length
// must match the bytes that follow the header exactly.
func Unmarshal(data []byte, maxSize int) (Frame, error) {
	if len(data) < consts.HeaderSize {
		return Frame{}, fmt.Errorf("%w: short header (%d bytes)", consts.ErrMalformedFrame, len(data))
	}
	n, err := parseHeader(data[:consts.HeaderSize], maxSize)
	if err != nil {
		return Frame{}, err
	}
	body := data[consts.HeaderSize:]
	if len(body) != n {
		return Frame{}, fmt.Errorf("%w: header declares %d body bytes, %d available", consts.ErrMalformedFrame, n, len(body))
	}
	return DecodeBody(body, maxSize)
}

// DecodeBody decodes a frame body whose length has already been established.
func DecodeBody(body []byte, maxSize int) (Frame, error) {
	maxSize = limit(maxSize)
	if len(body) > maxSize {
		return Frame{}, fmt.Errorf("%w: body of %d bytes exceeds limit %d", consts.ErrMalformedFrame, len(body), maxSize)
	}
	if len(body) < bodyPrefixSize {
		return Frame{}, fmt.Errorf("%w: body too short (%d bytes)", consts.ErrMalformedFrame, len(body))
	}
	f := Frame{
		Version: body[0],
		Opcode:  Opcode(binary.BigEndian.Uint16(body[1:3])),
	}
	fields, err := decodePayload(body[bodyPrefixSize:])
	if err != nil {
		return Frame{}, err
	}
	f.Fields = fields
	return f, nil
}

// ReadFrame reads exactly one frame from r. A clean end of stream before
// the first header byte is reported as io.EOF; a stream that ends inside a
// frame is reported as ErrMalformedFrame. Other read errors, deadline
// expiry included, are returned unchanged.
func ReadFrame(r io.Reader, maxSize int) (Frame, error) {
	var header [consts.HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, truncated(err, "header")
	}
	n, err := parseHeader(header[:], maxSize)
	if err != nil {
		return Frame{}, err
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, truncated(err, "body")
	}
	return DecodeBody(body, maxSize)
}

// WriteFrame writes f to w in a single Write call.
func WriteFrame(w io.Writer, f Frame) error {
	_, err := w.Write(Marshal(f))
	return err
}

func truncated(err error, part string) error {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: truncated %s: %w", consts.ErrMalformedFrame, part, err)
	}
	return err
}

// limit falls back to the default frame size so a zero value never
// disables the length check.
func limit(maxSize int) int {
	if maxSize <= 0 {
		return consts.DefaultMaxFrameSize
	}
	return maxSize
}

func formatHeader(n int) []byte {
	return []byte(fmt.Sprintf("%0*d", consts.HeaderSize, n))
}

// parseHeader accepts zero padding as well as the space padding written by
// older peers.
func parseHeader(h []byte, maxSize int) (int, error) {
	digits := bytes.TrimSpace(h)
	if len(digits) == 0 {
		return 0, fmt.Errorf("%w: empty length header", consts.ErrMalformedFrame)
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%w: non-numeric length header", consts.ErrMalformedFrame)
		}
	}
	// Strip leading zeros so a 64 digit header does not overflow ParseInt.
	digits = bytes.TrimLeft(digits, "0")
	if len(digits) == 0 {
		return 0, fmt.Errorf("%w: body too short (0 bytes)", consts.ErrMalformedFrame)
	}
	if len(digits) > 18 {
		return 0, fmt.Errorf("%w: body length out of range", consts.ErrMalformedFrame)
	}
	n, err := strconv.ParseInt(string(digits), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", consts.ErrMalformedFrame, err)
	}
	if maxSize = limit(maxSize); n > int64(maxSize) {
		return 0, fmt.Errorf("%w: body length %d exceeds limit %d", consts.ErrMalformedFrame, n, maxSize)
	}
	if n < bodyPrefixSize {
		return 0, fmt.Errorf("%w: body too short (%d bytes)", consts.ErrMalformedFrame, n)
	}
	return int(n), nil
}
