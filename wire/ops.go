package wire

import (
	"fmt"
	"sort"

	"github.com/verayang01/chatd/consts"
)

// Opcode selects the schema that parses a frame payload.
type Opcode uint16

const (
	// OpFailure is only ever sent by the server, in reply to an opcode it
	// does not know.
	OpFailure            Opcode = 1
	OpSendMessage        Opcode = 10
	OpReadUnreadMessages Opcode = 11
	OpReadMessages       Opcode = 12
	OpGetUnreadMessages  Opcode = 13
	OpLogin              Opcode = 14
	OpListAccounts       Opcode = 16
	OpDeleteMessage      Opcode = 17
	OpDeleteAccount      Opcode = 18
)

func (o Opcode) String() string {
	if s, ok := schemas[o]; ok {
		return s.Name
	}
	if o == OpFailure {
		return "Failure"
	}
	return fmt.Sprintf("Opcode(%d)", uint16(o))
}

// Shape describes the expected form of one value. A list either repeats Elem
// or, when Tuple is set, holds exactly the listed kinds in order.
type Shape struct {
	Kind  Kind
	Elem  *Shape
	Tuple []Kind
}

func (sh Shape) matches(v Value) bool {
	if v.Kind != sh.Kind {
		return false
	}
	if sh.Kind != KindList {
		return true
	}
	if sh.Tuple != nil {
		if len(v.List) != len(sh.Tuple) {
			return false
		}
		for i, k := range sh.Tuple {
			if v.List[i].Kind != k {
				return false
			}
		}
		return true
	}
	if sh.Elem != nil {
		for _, e := range v.List {
			if !sh.Elem.matches(e) {
				return false
			}
		}
	}
	return true
}

// Field is one named, ordered payload slot. Optional fields may only appear
// at the end of a schema.
type Field struct {
	Name     string
	Shape    Shape
	Optional bool
}

// Schema is the request and response layout of one operation.
type Schema struct {
	Op       Opcode
	Name     string
	Request  []Field
	Response []Field
}

var (
	strShape   = Shape{Kind: KindString}
	intShape   = Shape{Kind: KindInt}
	boolShape  = Shape{Kind: KindBool}
	entryShape = Shape{Kind: KindList, Tuple: []Kind{KindString, KindString}}
	entryList  = Shape{Kind: KindList, Elem: &entryShape}
	stringList = Shape{Kind: KindList, Elem: &strShape}

	status = []Field{
		{Name: "success", Shape: boolShape},
		{Name: "message", Shape: strShape},
	}
)

func withStatus(extra ...Field) []Field {
	out := make([]Field, 0, len(status)+len(extra))
	out = append(out, status...)
	return append(out, extra...)
}

var schemas = map[Opcode]Schema{
	OpLogin: {
		Op:   OpLogin,
		Name: "Login",
		Request: []Field{
			{Name: "username", Shape: strShape},
			{Name: "password", Shape: strShape},
		},
		Response: withStatus(),
	},
	OpSendMessage: {
		Op:   OpSendMessage,
		Name: "SendMessage",
		Request: []Field{
			{Name: "sender", Shape: strShape},
			{Name: "recipient", Shape: strShape},
			{Name: "message", Shape: strShape},
		},
		Response: withStatus(),
	},
	OpReadUnreadMessages: {
		Op:   OpReadUnreadMessages,
		Name: "ReadUnreadMessages",
		Request: []Field{
			{Name: "username", Shape: strShape},
			{Name: "per_page", Shape: intShape, Optional: true},
		},
		Response: withStatus(Field{Name: "messages", Shape: entryList}),
	},
	OpReadMessages: {
		Op:       OpReadMessages,
		Name:     "ReadMessages",
		Request:  []Field{{Name: "username", Shape: strShape}},
		Response: withStatus(Field{Name: "messages", Shape: entryList}),
	},
	OpGetUnreadMessages: {
		Op:       OpGetUnreadMessages,
		Name:     "GetUnreadMessages",
		Request:  []Field{{Name: "username", Shape: strShape}},
		Response: withStatus(Field{Name: "unread_messages", Shape: entryList}),
	},
	OpListAccounts: {
		Op:       OpListAccounts,
		Name:     "ListAccounts",
		Request:  []Field{{Name: "query", Shape: strShape}},
		Response: withStatus(Field{Name: "list_accounts", Shape: stringList}),
	},
	OpDeleteMessage: {
		Op:   OpDeleteMessage,
		Name: "DeleteMessage",
		Request: []Field{
			{Name: "username", Shape: strShape},
			{Name: "sender", Shape: strShape},
			{Name: "message", Shape: strShape},
			{Name: "idx", Shape: intShape},
		},
		Response: withStatus(),
	},
	OpDeleteAccount: {
		Op:       OpDeleteAccount,
		Name:     "DeleteAccount",
		Request:  []Field{{Name: "username", Shape: strShape}},
		Response: withStatus(),
	},
}

var failureSchema = Schema{Op: OpFailure, Name: "Failure", Response: withStatus()}

// Lookup returns the schema registered for op.
func Lookup(op Opcode) (Schema, error) {
	s, ok := schemas[op]
	if !ok {
		return Schema{}, fmt.Errorf("%w: %d", consts.ErrUnknownOperation, uint16(op))
	}
	return s, nil
}

// Operations lists every registered schema ordered by opcode.
func Operations() []Schema {
	out := make([]Schema, 0, len(schemas))
	for _, s := range schemas {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Op < out[j].Op })
	return out
}

// ValidateRequest checks field count and types against the request layout.
func (s Schema) ValidateRequest(fields []Value) error {
	return validate(s.Name+" request", s.Request, fields)
}

// ValidateResponse checks field count and types against the response layout.
func (s Schema) ValidateResponse(fields []Value) error {
	return validate(s.Name+" response", s.Response, fields)
}

func validate(what string, layout []Field, fields []Value) error {
	required := 0
	for _, f := range layout {
		if !f.Optional {
			required++
		}
	}
	if len(fields) < required || len(fields) > len(layout) {
		return fmt.Errorf("%w: %s has %d fields, want %d..%d", consts.ErrSchemaMismatch, what, len(fields), required, len(layout))
	}
	for i, v := range fields {
		if !layout[i].Shape.matches(v) {
			return fmt.Errorf("%w: %s field %q is %s, want %s", consts.ErrSchemaMismatch, what, layout[i].Name, v.Kind, layout[i].Shape.Kind)
		}
	}
	return nil
}
