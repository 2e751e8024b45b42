package wire

import (
	"fmt"

	"github.com/verayang01/chatd/consts"
)

// Request is a typed operation request.
type Request interface {
	Opcode() Opcode
	Fields() []Value
}

type LoginRequest struct {
	Username string
	Password string
}

type SendMessageRequest struct {
	Sender    string
	Recipient string
	Message   string
}

// ReadUnreadMessagesRequest drains up to PerPage unread messages; zero or
// less means all of them.
type ReadUnreadMessagesRequest struct {
	Username string
	PerPage  int
}

type ReadMessagesRequest struct {
	Username string
}

type GetUnreadMessagesRequest struct {
	Username string
}

type ListAccountsRequest struct {
	Query string
}

// DeleteMessageRequest names a message by its position in the full mailbox
// together with the sender and text expected there.
type DeleteMessageRequest struct {
	Username string
	Sender   string
	Message  string
	Index    int
}

type DeleteAccountRequest struct {
	Username string
}

func (LoginRequest) Opcode() Opcode              { return OpLogin }
func (SendMessageRequest) Opcode() Opcode        { return OpSendMessage }
func (ReadUnreadMessagesRequest) Opcode() Opcode { return OpReadUnreadMessages }
func (ReadMessagesRequest) Opcode() Opcode       { return OpReadMessages }
func (GetUnreadMessagesRequest) Opcode() Opcode  { return OpGetUnreadMessages }
func (ListAccountsRequest) Opcode() Opcode       { return OpListAccounts }
func (DeleteMessageRequest) Opcode() Opcode      { return OpDeleteMessage }
func (DeleteAccountRequest) Opcode() Opcode      { return OpDeleteAccount }

func (r LoginRequest) Fields() []Value {
	return []Value{String(r.Username), String(r.Password)}
}

func (r SendMessageRequest) Fields() []Value {
	return []Value{String(r.Sender), String(r.Recipient), String(r.Message)}
}

func (r ReadUnreadMessagesRequest) Fields() []Value {
	return []Value{String(r.Username), Int(int64(r.PerPage))}
}

func (r ReadMessagesRequest) Fields() []Value {
	return []Value{String(r.Username)}
}

func (r GetUnreadMessagesRequest) Fields() []Value {
	return []Value{String(r.Username)}
}

func (r ListAccountsRequest) Fields() []Value {
	return []Value{String(r.Query)}
}

func (r DeleteMessageRequest) Fields() []Value {
	return []Value{String(r.Username), String(r.Sender), String(r.Message), Int(int64(r.Index))}
}

func (r DeleteAccountRequest) Fields() []Value {
	return []Value{String(r.Username)}
}

// NewRequestFrame wraps req in a frame of the current protocol version.
func NewRequestFrame(req Request) Frame {
	return Frame{Version: consts.ProtocolVersion, Opcode: req.Opcode(), Fields: req.Fields()}
}

// ParseRequest turns a decoded frame into a typed request. It returns
// ErrUnsupportedVersion, ErrUnknownOperation or ErrSchemaMismatch when the
// frame cannot be served; none of those invalidate the connection.
func ParseRequest(f Frame) (Request, error) {
	if f.Version != consts.ProtocolVersion {
		return nil, fmt.Errorf("%w: %d", consts.ErrUnsupportedVersion, f.Version)
	}
	schema, err := Lookup(f.Opcode)
	if err != nil {
		return nil, err
	}
	if err := schema.ValidateRequest(f.Fields); err != nil {
		return nil, err
	}
	v := f.Fields
	switch f.Opcode {
	case OpLogin:
		return LoginRequest{Username: v[0].Str, Password: v[1].Str}, nil
	case OpSendMessage:
		return SendMessageRequest{Sender: v[0].Str, Recipient: v[1].Str, Message: v[2].Str}, nil
	case OpReadUnreadMessages:
		req := ReadUnreadMessagesRequest{Username: v[0].Str}
		if len(v) > 1 {
			req.PerPage = clampInt(v[1].Int)
		}
		return req, nil
	case OpReadMessages:
		return ReadMessagesRequest{Username: v[0].Str}, nil
	case OpGetUnreadMessages:
		return GetUnreadMessagesRequest{Username: v[0].Str}, nil
	case OpListAccounts:
		return ListAccountsRequest{Query: v[0].Str}, nil
	case OpDeleteMessage:
		return DeleteMessageRequest{Username: v[0].Str, Sender: v[1].Str, Message: v[2].Str, Index: clampInt(v[3].Int)}, nil
	case OpDeleteAccount:
		return DeleteAccountRequest{Username: v[0].Str}, nil
	}
	return nil, fmt.Errorf("%w: %d", consts.ErrUnknownOperation, uint16(f.Opcode))
}

// clampInt keeps out-of-range wire integers from wrapping on 32-bit builds.
func clampInt(i int64) int {
	const maxInt = int64(^uint(0) >> 1)
	const minInt = -maxInt - 1
	switch {
	case i > maxInt:
		return int(maxInt)
	case i < minInt:
		return int(minInt)
	}
	return int(i)
}

// Entry is the (sender, message) pair returned by the read operations.
type Entry struct {
	Sender  string `json:"sender"`
	Message string `json:"message"`
}

// Size is the encoded size of e inside a reply list.
func (e Entry) Size() int {
	return valueSize(List(String(e.Sender), String(e.Message)))
}

// Response is the reply to any operation. Entries is carried by the three
// read operations and Accounts by ListAccounts; other operations ignore them.
type Response struct {
	Op       Opcode
	Success  bool
	Message  string
	Entries  []Entry
	Accounts []string
}

// Failure builds an unsuccessful reply for op.
func Failure(op Opcode, msg string) Response {
	return Response{Op: op, Success: false, Message: msg}
}

// Fields encodes r in the response layout of its operation.
func (r Response) Fields() []Value {
	fields := []Value{Bool(r.Success), String(r.Message)}
	switch r.Op {
	case OpReadUnreadMessages, OpReadMessages, OpGetUnreadMessages:
		entries := make([]Value, len(r.Entries))
		for i, e := range r.Entries {
			entries[i] = List(String(e.Sender), String(e.Message))
		}
		fields = append(fields, List(entries...))
	case OpListAccounts:
		fields = append(fields, Strings(r.Accounts))
	}
	return fields
}

// Frame wraps r in a frame of the current protocol version.
func (r Response) Frame() Frame {
	return Frame{Version: consts.ProtocolVersion, Opcode: r.Op, Fields: r.Fields()}
}

// ParseResponse decodes a reply frame on the client side.
func ParseResponse(f Frame) (Response, error) {
	if f.Version != consts.ProtocolVersion {
		return Response{}, fmt.Errorf("%w: %d", consts.ErrUnsupportedVersion, f.Version)
	}
	schema := failureSchema
	if f.Opcode != OpFailure {
		var err error
		if schema, err = Lookup(f.Opcode); err != nil {
			return Response{}, err
		}
	}
	if err := schema.ValidateResponse(f.Fields); err != nil {
		return Response{}, err
	}
	r := Response{Op: f.Opcode, Success: f.Fields[0].Bool, Message: f.Fields[1].Str}
	if len(f.Fields) < 3 {
		return r, nil
	}
	switch f.Opcode {
	case OpReadUnreadMessages, OpReadMessages, OpGetUnreadMessages:
		r.Entries = make([]Entry, len(f.Fields[2].List))
		for i, e := range f.Fields[2].List {
			r.Entries[i] = Entry{Sender: e.List[0].Str, Message: e.List[1].Str}
		}
	case OpListAccounts:
		r.Accounts = make([]string, len(f.Fields[2].List))
		for i, a := range f.Fields[2].List {
			r.Accounts[i] = a.Str
		}
	}
	return r, nil
}
