// Package client is a Go client for the chat wire protocol.
package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/verayang01/chatd/consts"
	"github.com/verayang01/chatd/wire"
)

// ReplyError is a well-formed reply with success=false.
type ReplyError struct {
	Op      wire.Opcode
	Message string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Op, e.Message)
}

// IsReplyError reports whether err is a server-side refusal rather than a
// transport or protocol problem.
func IsReplyError(err error) bool {
	var re *ReplyError
	return errors.As(err, &re)
}

type Options struct {
	TLSConfig    *tls.Config   // nil for plain TCP
	DialTimeout  time.Duration // Default 10s
	MaxFrameSize int
}

// Client sends one request at a time over a single connection. It is safe
// for concurrent use; requests are serialized.
type Client struct {
	conn         net.Conn
	reader       *bufio.Reader
	maxFrameSize int
	mu           sync.Mutex
}

func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := &net.Dialer{Timeout: timeout}

	var conn net.Conn
	var err error
	if opts.TLSConfig != nil {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: opts.TLSConfig}
		conn, err = tlsDialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return NewClient(conn, opts.MaxFrameSize), nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn, maxFrameSize int) *Client {
	if maxFrameSize <= 0 {
		maxFrameSize = consts.DefaultMaxFrameSize
	}
	return &Client{conn: conn, reader: bufio.NewReader(conn), maxFrameSize: maxFrameSize}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Do sends req and returns the decoded reply, successful or not. The
// context deadline, if any, bounds the whole exchange.
func (c *Client) Do(ctx context.Context, req wire.Request) (wire.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := c.conn.SetDeadline(deadline); err != nil {
		return wire.Response{}, err
	}

	stop := context.AfterFunc(ctx, func() {
		// Unblock the exchange; the connection is unusable afterwards.
		_ = c.conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if err := wire.WriteFrame(c.conn, wire.NewRequestFrame(req)); err != nil {
		return wire.Response{}, c.wrap(ctx, err)
	}
	f, err := wire.ReadFrame(c.reader, c.maxFrameSize)
	if err != nil {
		return wire.Response{}, c.wrap(ctx, err)
	}
	resp, err := wire.ParseResponse(f)
	if err != nil {
		return wire.Response{}, err
	}
	if resp.Op != req.Opcode() && resp.Op != wire.OpFailure {
		return wire.Response{}, fmt.Errorf("%w: reply opcode %s for %s request", consts.ErrSchemaMismatch, resp.Op, req.Opcode())
	}
	return resp, nil
}

func (c *Client) wrap(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	// The socket deadline can fire a moment before the context notices.
	if d, ok := ctx.Deadline(); ok && !time.Now().Before(d) {
		return context.DeadlineExceeded
	}
	return err
}

// call runs req and turns an unsuccessful reply into a *ReplyError.
func (c *Client) call(ctx context.Context, req wire.Request) (wire.Response, error) {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return resp, err
	}
	if !resp.Success {
		return resp, &ReplyError{Op: resp.Op, Message: resp.Message}
	}
	return resp, nil
}

// Login signs in, creating the account when it does not exist yet. The
// server's message tells the two cases apart.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	resp, err := c.call(ctx, wire.LoginRequest{Username: username, Password: password})
	return resp.Message, err
}

func (c *Client) SendMessage(ctx context.Context, sender, recipient, message string) error {
	_, err := c.call(ctx, wire.SendMessageRequest{Sender: sender, Recipient: recipient, Message: message})
	return err
}

// ReadUnreadMessages drains up to perPage unread messages, all when perPage
// is zero or less.
func (c *Client) ReadUnreadMessages(ctx context.Context, username string, perPage int) ([]wire.Entry, error) {
	resp, err := c.call(ctx, wire.ReadUnreadMessagesRequest{Username: username, PerPage: perPage})
	return resp.Entries, err
}

func (c *Client) ReadMessages(ctx context.Context, username string) ([]wire.Entry, error) {
	resp, err := c.call(ctx, wire.ReadMessagesRequest{Username: username})
	return resp.Entries, err
}

func (c *Client) GetUnreadMessages(ctx context.Context, username string) ([]wire.Entry, error) {
	resp, err := c.call(ctx, wire.GetUnreadMessagesRequest{Username: username})
	return resp.Entries, err
}

func (c *Client) ListAccounts(ctx context.Context, query string) ([]string, error) {
	resp, err := c.call(ctx, wire.ListAccountsRequest{Query: query})
	return resp.Accounts, err
}

// DeleteMessage removes the message at idx in the full mailbox, provided it
// still has the given sender and text.
func (c *Client) DeleteMessage(ctx context.Context, username, sender, message string, idx int) error {
	_, err := c.call(ctx, wire.DeleteMessageRequest{Username: username, Sender: sender, Message: message, Index: idx})
	return err
}

func (c *Client) DeleteAccount(ctx context.Context, username string) error {
	_, err := c.call(ctx, wire.DeleteAccountRequest{Username: username})
	return err
}
