package chat

import (
	"errors"
	"fmt"
	"math"

	"github.com/verayang01/chatd/consts"
	"github.com/verayang01/chatd/store"
	"github.com/verayang01/chatd/wire"
)

// Backend is the set of store operations a chat session drives.
// *store.Store implements it.
type Backend interface {
	Login(username, password string) (created bool, err error)
	SendMessage(sender, recipient, text string) (store.Message, error)
	GetUnreadMessages(username string) ([]store.Message, error)
	ReadUnreadMessages(username string, perPage int) ([]store.Message, error)
	ReadUnreadMessagesWhile(username string, perPage int, keep func(store.Message) bool) ([]store.Message, error)
	ReadMessages(username string) ([]store.Message, error)
	ListAccounts(query string) []string
	DeleteMessage(username, sender, text string, idx int) error
	DeleteAccount(username string) error
}

// Reply texts.
const (
	MsgLoginOK          = "Login successful."
	MsgAccountCreated   = "Account created and login successful."
	MsgIncorrectPass    = "Incorrect password."
	MsgSent             = "Message sent successfully."
	MsgInvalidRecipient = "Invalid recipient."
	MsgMessageDeleted   = "Message deleted successfully."
	MsgAccountDeleted   = "Account deleted successfully."
	MsgAccountNotFound  = "Account does not exist."
	MsgMessageNotFound  = "Message not found."
	MsgInvalidUsername  = "Invalid username."
	MsgAccountExists    = "Account already exists."
	MsgUnknownOperation = "Unknown operation."
	MsgBadVersion       = "Unsupported protocol version."
	MsgBadRequest       = "Invalid request."
	MsgInternal         = "Internal server error."
	MsgMailboxTooLarge  = "Mailbox too large for one reply; use ReadUnreadMessages with per_page."
	MsgMessageTooLarge  = "Next unread message is too large for one reply."
	MsgTooManyAccounts  = "Too many accounts for one reply; narrow the query."
)

const (
	readUnreadFormat = "Read %d unread messages."
	readAllFormat    = "Retrieved %d messages."
	getUnreadFormat  = "You have %d unread messages."
	listFormat       = "Found %d accounts."
)

// Status labels used for request metrics.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusInvalid = "invalid"
)

// ErrorText maps a store or protocol error to the message sent to clients.
func ErrorText(err error) string {
	switch {
	case errors.Is(err, consts.ErrAuthenticationFailed):
		return MsgIncorrectPass
	case errors.Is(err, consts.ErrRecipientNotFound):
		return MsgInvalidRecipient
	case errors.Is(err, consts.ErrAccountNotFound):
		return MsgAccountNotFound
	case errors.Is(err, consts.ErrMessageNotFound):
		return MsgMessageNotFound
	case errors.Is(err, consts.ErrInvalidUsername):
		return MsgInvalidUsername
	case errors.Is(err, consts.ErrAccountExists):
		return MsgAccountExists
	case errors.Is(err, consts.ErrUnknownOperation):
		return MsgUnknownOperation
	case errors.Is(err, consts.ErrUnsupportedVersion):
		return MsgBadVersion
	case errors.Is(err, consts.ErrSchemaMismatch):
		return MsgBadRequest
	}
	return MsgInternal
}

// HandleFrame answers one decoded frame. It never fails: every problem is
// reported in the returned response, and status says how it went. The reply
// body never exceeds maxSize, which the peer is assumed to enforce as well
// (0 means the default frame size).
func HandleFrame(b Backend, f wire.Frame, maxSize int) (resp wire.Response, status string) {
	req, err := wire.ParseRequest(f)
	if err != nil {
		op := f.Opcode
		if _, lookupErr := wire.Lookup(op); lookupErr != nil {
			op = wire.OpFailure
		}
		return wire.Failure(op, ErrorText(err)), StatusInvalid
	}
	resp = Dispatch(b, req, maxSize)
	if resp.Success {
		return resp, StatusSuccess
	}
	return resp, StatusFailure
}

// Dispatch runs req against b. A reply that would not fit in maxSize is
// replaced by a failure on the same opcode.
func Dispatch(b Backend, req wire.Request, maxSize int) wire.Response {
	resp := dispatch(b, req, maxSize)
	if wire.BodySize(resp.Frame()) <= wire.MaxBodySize(maxSize) {
		return resp
	}
	msg := MsgMailboxTooLarge
	if resp.Op == wire.OpListAccounts {
		msg = MsgTooManyAccounts
	}
	return wire.Failure(resp.Op, msg)
}

func dispatch(b Backend, req wire.Request, maxSize int) wire.Response {
	op := req.Opcode()
	fail := func(err error) wire.Response {
		return wire.Failure(op, ErrorText(err))
	}

	switch r := req.(type) {
	case wire.LoginRequest:
		created, err := b.Login(r.Username, r.Password)
		if err != nil {
			return fail(err)
		}
		if created {
			return ok(op, MsgAccountCreated)
		}
		return ok(op, MsgLoginOK)

	case wire.SendMessageRequest:
		if _, err := b.SendMessage(r.Sender, r.Recipient, r.Message); err != nil {
			return fail(err)
		}
		return ok(op, MsgSent)

	case wire.ReadUnreadMessagesRequest:
		// Messages are only marked read if they fit, so a page is cut short
		// rather than dropped.
		room := wire.MaxBodySize(maxSize) - wire.BodySize(ok(op, fmt.Sprintf(readUnreadFormat, math.MaxInt)).Frame())
		used, full := 0, false
		msgs, err := b.ReadUnreadMessagesWhile(r.Username, r.PerPage, func(m store.Message) bool {
			used += wire.Entry{Sender: m.Sender, Message: m.Content}.Size()
			full = used > room
			return !full
		})
		if err != nil {
			return fail(err)
		}
		if len(msgs) == 0 && full {
			return wire.Failure(op, MsgMessageTooLarge)
		}
		return withEntries(op, fmt.Sprintf(readUnreadFormat, len(msgs)), msgs)

	case wire.ReadMessagesRequest:
		msgs, err := b.ReadMessages(r.Username)
		if err != nil {
			return fail(err)
		}
		return withEntries(op, fmt.Sprintf(readAllFormat, len(msgs)), msgs)

	case wire.GetUnreadMessagesRequest:
		msgs, err := b.GetUnreadMessages(r.Username)
		if err != nil {
			return fail(err)
		}
		return withEntries(op, fmt.Sprintf(getUnreadFormat, len(msgs)), msgs)

	case wire.ListAccountsRequest:
		accounts := b.ListAccounts(r.Query)
		resp := ok(op, fmt.Sprintf(listFormat, len(accounts)))
		resp.Accounts = accounts
		return resp

	case wire.DeleteMessageRequest:
		if err := b.DeleteMessage(r.Username, r.Sender, r.Message, r.Index); err != nil {
			return fail(err)
		}
		return ok(op, MsgMessageDeleted)

	case wire.DeleteAccountRequest:
		if err := b.DeleteAccount(r.Username); err != nil {
			return fail(err)
		}
		return ok(op, MsgAccountDeleted)
	}
	return wire.Failure(wire.OpFailure, MsgUnknownOperation)
}

func ok(op wire.Opcode, msg string) wire.Response {
	return wire.Response{Op: op, Success: true, Message: msg}
}

func withEntries(op wire.Opcode, msg string, msgs []store.Message) wire.Response {
	resp := ok(op, msg)
	resp.Entries = Entries(msgs)
	return resp
}

// Entries converts store messages to their (sender, message) wire form.
func Entries(msgs []store.Message) []wire.Entry {
	out := make([]wire.Entry, len(msgs))
	for i, m := range msgs {
		out[i] = wire.Entry{Sender: m.Sender, Message: m.Content}
	}
	return out
}
