package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/verayang01/chatd/consts"
)

func allBytes() string {
	b := make([]byte, 256)
	for i := range b {
		b[i] = byte(i)
	}
	return string(b)
}

func assertFieldsEqual(t *testing.T, want, got []Value) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.Truef(t, want[i].Equal(got[i]), "field %d: want %s, got %s", i, want[i], got[i])
	}
}

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name  string
		frame Frame
	}{
		{"empty payload", Frame{Version: 1, Opcode: OpLogin}},
		{"every byte value", Frame{Version: 1, Opcode: OpSendMessage, Fields: []Value{
			String("alice"), String("bob"), String(allBytes()),
		}}},
		{"zero length strings", Frame{Version: 1, Opcode: OpSendMessage, Fields: []Value{
			String(""), String(""), String(""),
		}}},
		{"old delimiters in text", Frame{Version: 1, Opcode: OpSendMessage, Fields: []Value{
			String("a\nb"), String("c\x00d"), String(strings.Repeat("\n", 70)),
		}}},
		{"ints", Frame{Version: 1, Opcode: OpDeleteMessage, Fields: []Value{
			String("bob"), String("alice"), String("hi"), Int(-1), Int(1 << 62),
		}}},
		{"nested lists", Frame{Version: 1, Opcode: OpReadMessages, Fields: []Value{
			Bool(true), String("ok"), List(List(String("alice"), String("hi")), List()),
		}}},
		{"max opcode", Frame{Version: 255, Opcode: 0xffff, Fields: []Value{Bool(false)}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data := Marshal(tc.frame)
			require.Len(t, data, consts.HeaderSize+len(EncodeBody(tc.frame)))

			got, err := Unmarshal(data, 0)
			require.NoError(t, err)
			assert.Equal(t, tc.frame.Version, got.Version)
			assert.Equal(t, tc.frame.Opcode, got.Opcode)
			assertFieldsEqual(t, tc.frame.Fields, got.Fields)

			streamed, err := ReadFrame(bytes.NewReader(data), 0)
			require.NoError(t, err)
			assertFieldsEqual(t, tc.frame.Fields, streamed.Fields)
		})
	}
}

func TestHeaderIsZeroPaddedDecimal(t *testing.T) {
	data := Marshal(Frame{Version: 1, Opcode: OpLogin, Fields: []Value{String("a")}})
	header := string(data[:consts.HeaderSize])

	assert.Equal(t, strings.Repeat("0", 63)+"9", header)
}

func TestSpacePaddedHeaderAccepted(t *testing.T) {
	body := EncodeBody(Frame{Version: 1, Opcode: OpListAccounts, Fields: []Value{String("")}})
	header := []byte(strings.Repeat(" ", consts.HeaderSize))
	copy(header, []byte("8"))

	f, err := Unmarshal(append(header, body...), 0)
	require.NoError(t, err)
	assert.Equal(t, OpListAccounts, f.Opcode)
}

func TestTruncatedFrames(t *testing.T) {
	data := Marshal(Frame{Version: 1, Opcode: OpSendMessage, Fields: []Value{
		String("alice"), String("bob"), String("hello there"),
	}})

	// Every proper prefix must fail cleanly.
	for n := 0; n < len(data); n++ {
		_, err := Unmarshal(data[:n], 0)
		require.Errorf(t, err, "prefix of %d bytes", n)
		assert.ErrorIs(t, err, consts.ErrMalformedFrame)
	}

	_, err := Unmarshal(append(append([]byte{}, data...), 0x00), 0)
	assert.ErrorIs(t, err, consts.ErrMalformedFrame, "trailing bytes beyond declared length")
}

func TestReadFrameTruncatedStream(t *testing.T) {
	data := Marshal(Frame{Version: 1, Opcode: OpLogin, Fields: []Value{String("alice"), String("pw")}})

	_, err := ReadFrame(bytes.NewReader(nil), 0)
	assert.ErrorIs(t, err, io.EOF)
	assert.False(t, errors.Is(err, consts.ErrMalformedFrame))

	_, err = ReadFrame(bytes.NewReader(data[:10]), 0)
	assert.ErrorIs(t, err, consts.ErrMalformedFrame)

	_, err = ReadFrame(bytes.NewReader(data[:consts.HeaderSize+4]), 0)
	assert.ErrorIs(t, err, consts.ErrMalformedFrame)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestBadHeaders(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"blank", strings.Repeat(" ", consts.HeaderSize)},
		{"letters", strings.Repeat("0", consts.HeaderSize-3) + "a12"},
		{"negative", strings.Repeat(" ", consts.HeaderSize-3) + "-12"},
		{"inner space", strings.Repeat("0", consts.HeaderSize-4) + "1 12"},
		{"zero", strings.Repeat("0", consts.HeaderSize)},
		{"below prefix", strings.Repeat("0", consts.HeaderSize-1) + "2"},
		{"overflow", strings.Repeat("9", consts.HeaderSize)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadFrame(strings.NewReader(tt.header+"xxxxxxxx"), 0)
			if !errors.Is(err, consts.ErrMalformedFrame) {
				t.Errorf("ReadFrame() error = %v, want ErrMalformedFrame", err)
			}
		})
	}
}

// countingReader records how many bytes were consumed from the stream.
type countingReader struct {
	r    io.Reader
	read int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.read += n
	return n, err
}

func TestHugeDeclaredLengthRejectedBeforeAllocation(t *testing.T) {
	header := []byte(strings.Repeat("0", consts.HeaderSize-12) + "999999999999")
	cr := &countingReader{r: io.MultiReader(bytes.NewReader(header), strings.NewReader("body"))}

	_, err := ReadFrame(cr, 1024)
	require.ErrorIs(t, err, consts.ErrMalformedFrame)
	assert.Equal(t, consts.HeaderSize, cr.read)
}

func TestDefaultLimitAppliesWhenUnset(t *testing.T) {
	header := []byte(strings.Repeat("0", consts.HeaderSize-8) + "99999999")
	_, err := ReadFrame(bytes.NewReader(header), 0)
	assert.ErrorIs(t, err, consts.ErrMalformedFrame)
}

func TestFieldLengthBeyondBuffer(t *testing.T) {
	body := []byte{1, 0, byte(OpLogin), byte(KindString)}
	body = binary.BigEndian.AppendUint32(body, 0xffffffff)
	body = append(body, 'a', 'b')

	_, err := DecodeBody(body, 0)
	assert.ErrorIs(t, err, consts.ErrMalformedFrame)
}

func TestListCountBeyondBuffer(t *testing.T) {
	body := []byte{1, 0, byte(OpLogin), byte(KindList)}
	body = binary.BigEndian.AppendUint32(body, 1<<30)

	_, err := DecodeBody(body, 0)
	assert.ErrorIs(t, err, consts.ErrMalformedFrame)
}

func TestCorruptPayloads(t *testing.T) {
	prefix := []byte{1, 0, byte(OpLogin)}
	cases := map[string][]byte{
		"unknown tag":  {0x7f},
		"short int":    {byte(KindInt), 0, 0, 0},
		"bad bool":     {byte(KindBool), 2},
		"missing bool": {byte(KindBool)},
		"short length": {byte(KindString), 0, 0},
		"deep nesting": nested(maxListDepth + 1),
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeBody(append(append([]byte{}, prefix...), payload...), 0)
			assert.ErrorIs(t, err, consts.ErrMalformedFrame)
		})
	}

	_, err := DecodeBody(append(append([]byte{}, prefix...), nested(maxListDepth)...), 0)
	assert.NoError(t, err, "nesting at the limit is allowed")
}

func nested(depth int) []byte {
	var out []byte
	for i := 0; i < depth; i++ {
		out = append(out, byte(KindList), 0, 0, 0, 1)
	}
	return append(out, byte(KindBool), 1)
}

func TestWriteFrame(t *testing.T) {
	var buf bytes.Buffer
	f := Frame{Version: 1, Opcode: OpDeleteAccount, Fields: []Value{String("carol")}}
	require.NoError(t, WriteFrame(&buf, f))
	assert.Equal(t, Marshal(f), buf.Bytes())
}
