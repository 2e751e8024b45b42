package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/verayang01/chatd/consts"
)

func TestRegistryCoversAllOperations(t *testing.T) {
	ops := Operations()
	require.Len(t, ops, 8)

	want := []Opcode{
		OpSendMessage, OpReadUnreadMessages, OpReadMessages, OpGetUnreadMessages,
		OpLogin, OpListAccounts, OpDeleteMessage, OpDeleteAccount,
	}
	for i, s := range ops {
		assert.Equal(t, want[i], s.Op)
		assert.Equal(t, "success", s.Response[0].Name)
		assert.Equal(t, "message", s.Response[1].Name)
	}

	_, err := Lookup(OpFailure)
	assert.ErrorIs(t, err, consts.ErrUnknownOperation)
	_, err = Lookup(99)
	assert.ErrorIs(t, err, consts.ErrUnknownOperation)
}

func TestOpcodeString(t *testing.T) {
	assert.Equal(t, "Login", OpLogin.String())
	assert.Equal(t, "DeleteMessage", OpDeleteMessage.String())
	assert.Equal(t, "Failure", OpFailure.String())
	assert.Equal(t, "Opcode(42)", Opcode(42).String())
}

func TestRequestRoundTrip(t *testing.T) {
	requests := []Request{
		LoginRequest{Username: "alice", Password: "pw"},
		SendMessageRequest{Sender: "alice", Recipient: "bob", Message: "hi\nthere"},
		ReadUnreadMessagesRequest{Username: "bob", PerPage: 10},
		ReadMessagesRequest{Username: "bob"},
		GetUnreadMessagesRequest{Username: "bob"},
		ListAccountsRequest{Query: "al"},
		DeleteMessageRequest{Username: "bob", Sender: "alice", Message: "hi", Index: 3},
		DeleteAccountRequest{Username: "bob"},
	}
	for _, req := range requests {
		t.Run(req.Opcode().String(), func(t *testing.T) {
			f, err := Unmarshal(Marshal(NewRequestFrame(req)), 0)
			require.NoError(t, err)

			got, err := ParseRequest(f)
			require.NoError(t, err)
			assert.Equal(t, req, got)
		})
	}
}

func TestReadUnreadPerPageOptional(t *testing.T) {
	f := Frame{Version: consts.ProtocolVersion, Opcode: OpReadUnreadMessages, Fields: []Value{String("bob")}}

	req, err := ParseRequest(f)
	require.NoError(t, err)
	assert.Equal(t, ReadUnreadMessagesRequest{Username: "bob", PerPage: 0}, req)
}

func TestParseRequestSchemaMismatch(t *testing.T) {
	tests := []struct {
		name   string
		op     Opcode
		fields []Value
	}{
		{"missing field", OpLogin, []Value{String("alice")}},
		{"extra field", OpDeleteAccount, []Value{String("a"), String("b")}},
		{"wrong type", OpDeleteMessage, []Value{String("bob"), String("alice"), String("hi"), String("0")}},
		{"int for string", OpListAccounts, []Value{Int(1)}},
		{"no fields", OpSendMessage, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRequest(Frame{Version: consts.ProtocolVersion, Opcode: tt.op, Fields: tt.fields})
			assert.ErrorIs(t, err, consts.ErrSchemaMismatch)
		})
	}
}

func TestParseRequestVersionAndOpcode(t *testing.T) {
	_, err := ParseRequest(Frame{Version: 2, Opcode: OpLogin, Fields: LoginRequest{}.Fields()})
	assert.ErrorIs(t, err, consts.ErrUnsupportedVersion)

	_, err = ParseRequest(Frame{Version: consts.ProtocolVersion, Opcode: 77})
	assert.ErrorIs(t, err, consts.ErrUnknownOperation)
}

func TestResponseRoundTrip(t *testing.T) {
	responses := []Response{
		{Op: OpLogin, Success: true, Message: "Login successful."},
		{Op: OpSendMessage, Success: false, Message: "Invalid recipient."},
		{Op: OpReadMessages, Success: true, Entries: []Entry{{"alice", "hi"}, {"carol", ""}}},
		{Op: OpGetUnreadMessages, Success: true, Entries: []Entry{}},
		{Op: OpReadUnreadMessages, Success: false, Message: "Account not found.", Entries: []Entry{}},
		{Op: OpListAccounts, Success: true, Accounts: []string{"alice", "bob"}},
		{Op: OpFailure, Message: "Unknown operation."},
	}
	for _, resp := range responses {
		t.Run(resp.Op.String(), func(t *testing.T) {
			f, err := Unmarshal(Marshal(resp.Frame()), 0)
			require.NoError(t, err)

			got, err := ParseResponse(f)
			require.NoError(t, err)
			assert.Equal(t, resp, got)
		})
	}
}

func TestListResponseAlwaysCarriesList(t *testing.T) {
	fields := Failure(OpReadMessages, "Account not found.").Fields()
	require.Len(t, fields, 3)
	assert.Equal(t, KindList, fields[2].Kind)
	assert.Empty(t, fields[2].List)
}

func TestResponseSizes(t *testing.T) {
	empty := Response{Op: OpReadMessages, Success: true, Message: "ok"}
	full := empty
	full.Entries = []Entry{{"alice", "hi"}, {"bob\xff", string(make([]byte, 300))}}

	assert.Equal(t, len(EncodeBody(empty.Frame())), BodySize(empty.Frame()))
	assert.Equal(t, len(EncodeBody(full.Frame())), BodySize(full.Frame()))
	assert.Equal(t, BodySize(empty.Frame())+full.Entries[0].Size()+full.Entries[1].Size(), BodySize(full.Frame()))

	assert.Equal(t, consts.DefaultMaxFrameSize, MaxBodySize(0))
	assert.Equal(t, 512, MaxBodySize(512))
}

func TestParseResponseRejectsBadShape(t *testing.T) {
	f := Frame{Version: consts.ProtocolVersion, Opcode: OpReadMessages, Fields: []Value{
		Bool(true), String(""), List(List(String("only sender"))),
	}}
	_, err := ParseResponse(f)
	assert.ErrorIs(t, err, consts.ErrSchemaMismatch)
}
