package wire

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/verayang01/chatd/consts"
)

// Kind is the tag byte that precedes every payload value.
type Kind byte

const (
	KindString Kind = 0x01
	KindInt    Kind = 0x02
	KindBool   Kind = 0x03
	KindList   Kind = 0x04
)

// maxListDepth bounds nesting so a crafted payload cannot recurse without limit.
const maxListDepth = 4

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	case KindList:
		return "list"
	default:
		return fmt.Sprintf("kind(%#x)", byte(k))
	}
}

// Value is a single tagged payload value. Only the member selected by Kind
// is meaningful.
type Value struct {
	Kind Kind
	Str  string
	Int  int64
	Bool bool
	List []Value
}

func String(s string) Value { return Value{Kind: KindString, Str: s} }

func Int(i int64) Value { return Value{Kind: KindInt, Int: i} }

func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }

func List(vs ...Value) Value { return Value{Kind: KindList, List: vs} }

// Strings builds a list of string values.
func Strings(ss []string) Value {
	vs := make([]Value, len(ss))
	for i, s := range ss {
		vs[i] = String(s)
	}
	return List(vs...)
}

// Equal reports whether v and o hold the same tagged value. A nil and an
// empty list compare equal.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindString:
		return v.Str == o.Str
	case KindInt:
		return v.Int == o.Int
	case KindBool:
		return v.Bool == o.Bool
	case KindList:
		if len(v.List) != len(o.List) {
			return false
		}
		for i := range v.List {
			if !v.List[i].Equal(o.List[i]) {
				return false
			}
		}
		return true
	}
	return false
}

func (v Value) String() string {
	switch v.Kind {
	case KindString:
		return fmt.Sprintf("%q", v.Str)
	case KindInt:
		return fmt.Sprintf("%d", v.Int)
	case KindBool:
		return fmt.Sprintf("%t", v.Bool)
	case KindList:
		parts := make([]string, len(v.List))
		for i, e := range v.List {
			parts[i] = e.String()
		}
		return "[" + strings.Join(parts, " ") + "]"
	}
	return v.Kind.String()
}

func valueSize(v Value) int {
	switch v.Kind {
	case KindString:
		return 1 + 4 + len(v.Str)
	case KindInt:
		return 1 + 8
	case KindBool:
		return 1 + 1
	case KindList:
		return 1 + 4 + payloadSize(v.List)
	}
	return 0
}

func payloadSize(vs []Value) int {
	n := 0
	for _, v := range vs {
		n += valueSize(v)
	}
	return n
}

func appendValue(buf []byte, v Value) []byte {
	buf = append(buf, byte(v.Kind))
	switch v.Kind {
	case KindString:
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(v.Str)))
		buf = append(buf, v.Str...)
	case KindInt:
		buf = binary.BigEndian.AppendUint64(buf, uint64(v.Int))
	case KindBool:
		if v.Bool {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case KindList:
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(v.List)))
		for _, e := range v.List {
			buf = appendValue(buf, e)
		}
	}
	return buf
}

// decoder walks a payload. Every length it reads is compared with the
// unread remainder before it is used to slice or allocate.
type decoder struct {
	buf []byte
	off int
}

func decodePayload(p []byte) ([]Value, error) {
	d := &decoder{buf: p}
	var fields []Value
	for d.remaining() > 0 {
		v, err := d.value(0)
		if err != nil {
			return nil, err
		}
		fields = append(fields, v)
	}
	return fields, nil
}

func (d *decoder) remaining() int {
	return len(d.buf) - d.off
}

func (d *decoder) take(n int, what string) ([]byte, error) {
	if n < 0 || n > d.remaining() {
		return nil, fmt.Errorf("%w: %s needs %d bytes, %d remain", consts.ErrMalformedFrame, what, n, d.remaining())
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *decoder) length(what string) (int, error) {
	b, err := d.take(4, what+" length")
	if err != nil {
		return 0, err
	}
	n := binary.BigEndian.Uint32(b)
	if uint64(n) > uint64(d.remaining()) {
		return 0, fmt.Errorf("%w: %s length %d exceeds remaining %d bytes", consts.ErrMalformedFrame, what, n, d.remaining())
	}
	return int(n), nil
}

func (d *decoder) value(depth int) (Value, error) {
	tag, err := d.take(1, "tag")
	if err != nil {
		return Value{}, err
	}
	switch Kind(tag[0]) {
	case KindString:
		n, err := d.length("string")
		if err != nil {
			return Value{}, err
		}
		b, err := d.take(n, "string")
		if err != nil {
			return Value{}, err
		}
		return String(string(b)), nil
	case KindInt:
		b, err := d.take(8, "int")
		if err != nil {
			return Value{}, err
		}
		return Int(int64(binary.BigEndian.Uint64(b))), nil
	case KindBool:
		b, err := d.take(1, "bool")
		if err != nil {
			return Value{}, err
		}
		if b[0] > 1 {
			return Value{}, fmt.Errorf("%w: invalid bool byte %#x", consts.ErrMalformedFrame, b[0])
		}
		return Bool(b[0] == 1), nil
	case KindList:
		if depth >= maxListDepth {
			return Value{}, fmt.Errorf("%w: lists nested deeper than %d", consts.ErrMalformedFrame, maxListDepth)
		}
		n, err := d.length("list")
		if err != nil {
			return Value{}, err
		}
		// Each element is at least two bytes, so n is already bounded by the
		// remaining payload.
		items := make([]Value, 0, n)
		for i := 0; i < n; i++ {
			v, err := d.value(depth + 1)
			if err != nil {
				return Value{}, err
			}
			items = append(items, v)
		}
		return List(items...), nil
	default:
		return Value{}, fmt.Errorf("%w: unknown tag %#x", consts.ErrMalformedFrame, tag[0])
	}
}
