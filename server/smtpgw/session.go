package smtpgw

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/k3a/html2text"
	"github.com/verayang01/chatd/consts"
	"github.com/verayang01/chatd/pkg/metrics"
	serverPkg "github.com/verayang01/chatd/server"
)

type Session struct {
	serverPkg.Session

	backend       *SMTPServer
	authenticated bool
	sender        string
	recipients    []string
}

func (s *Session) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *Session) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain {
		return nil, smtp.ErrAuthUnknownMechanism
	}
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if identity != "" && identity != username {
			return errors.New("identity must match username")
		}
		if err := s.backend.backend.Authenticate(username, password); err != nil {
			s.Log("authentication failed for %s: %v", username, err)
			return smtp.ErrAuthFailed
		}
		if !s.authenticated {
			s.backend.authenticatedConnections.Add(1)
		}
		s.authenticated = true
		s.User = username
		s.Log("authenticated")
		return nil
	}), nil
}

func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	if s.backend.opts.RequireAuth && !s.authenticated {
		return smtp.ErrAuthRequired
	}
	local, err := localPart(from)
	if err != nil {
		s.DebugLog("invalid sender %q: %v", from, err)
		return &smtp.SMTPError{
			Code:         553,
			EnhancedCode: smtp.EnhancedCode{5, 1, 7},
			Message:      "Invalid sender",
		}
	}
	if s.backend.opts.RequireAuth && local != s.User {
		s.Log("sender %s does not match authenticated user", local)
		return &smtp.SMTPError{
			Code:         553,
			EnhancedCode: smtp.EnhancedCode{5, 7, 1},
			Message:      "Sender address not owned by authenticated user",
		}
	}
	s.sender = local
	s.DebugLog("mail from=%s accepted", local)
	return nil
}

func (s *Session) Rcpt(to string, opts *smtp.RcptOptions) error {
	if s.sender == "" {
		return &smtp.SMTPError{
			Code:         503,
			EnhancedCode: smtp.EnhancedCode{5, 5, 1},
			Message:      "Bad sequence of commands (missing MAIL FROM)",
		}
	}
	local, err := localPart(to)
	if err != nil {
		return &smtp.SMTPError{
			Code:         501,
			EnhancedCode: smtp.EnhancedCode{5, 1, 3},
			Message:      "Invalid recipient address",
		}
	}
	if !s.backend.backend.HasAccount(local) {
		s.DebugLog("unknown recipient %s", local)
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "No such user here",
		}
	}
	s.recipients = append(s.recipients, local)
	return nil
}

func (s *Session) Data(r io.Reader) error {
	if s.sender == "" || len(s.recipients) == 0 {
		return &smtp.SMTPError{
			Code:         503,
			EnhancedCode: smtp.EnhancedCode{5, 5, 1},
			Message:      "Bad sequence of commands (missing MAIL FROM or RCPT TO)",
		}
	}

	var buf bytes.Buffer
	reader := r
	if max := s.backend.opts.MaxMessageSize; max > 0 {
		reader = io.LimitReader(r, max+1)
	}
	if _, err := io.Copy(&buf, reader); err != nil {
		metrics.SMTPDeliveries.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to read message: %w", err)
	}
	if max := s.backend.opts.MaxMessageSize; max > 0 && int64(buf.Len()) > max {
		metrics.SMTPDeliveries.WithLabelValues("too_large").Inc()
		return &smtp.SMTPError{
			Code:         552,
			EnhancedCode: smtp.EnhancedCode{5, 3, 4},
			Message:      fmt.Sprintf("message size exceeds maximum allowed size of %d bytes", max),
		}
	}

	text, err := ExtractText(buf.Bytes())
	if err != nil {
		s.WarnLog("message parse failed: %v", err)
		metrics.SMTPDeliveries.WithLabelValues("rejected").Inc()
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      "Message could not be parsed",
		}
	}

	delivered := 0
	for _, rcpt := range s.recipients {
		if _, err := s.backend.backend.SendMessage(s.sender, rcpt, text); err != nil {
			s.WarnLog("delivery to %s failed: %v", rcpt, err)
			metrics.SMTPDeliveries.WithLabelValues("failed").Inc()
			continue
		}
		delivered++
		metrics.SMTPDeliveries.WithLabelValues("delivered").Inc()
	}
	if delivered == 0 {
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "No recipient could be reached",
		}
	}
	s.Log("delivered from %s to %d of %d recipients", s.sender, delivered, len(s.recipients))
	return nil
}

func (s *Session) Reset() {
	s.sender = ""
	s.recipients = nil
}

func (s *Session) Logout() error {
	s.backend.totalConnections.Add(-1)
	if s.authenticated {
		s.backend.authenticatedConnections.Add(-1)
		s.authenticated = false
	}
	metrics.ConnectionsCurrent.WithLabelValues(protocolName).Dec()
	s.DebugLog("logged out")
	return nil
}

// localPart strips angle brackets and returns addr up to its last '@'.
// A bare name is accepted as is.
func localPart(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	addr = strings.TrimSuffix(strings.TrimPrefix(addr, "<"), ">")
	if addr == "" {
		return "", fmt.Errorf("%w: empty address", consts.ErrInvalidUsername)
	}
	if i := strings.LastIndexByte(addr, '@'); i >= 0 {
		addr = addr[:i]
	}
	if addr == "" {
		return "", fmt.Errorf("%w: empty local part", consts.ErrInvalidUsername)
	}
	return addr, nil
}

// ExtractText turns an RFC 5322 message into chat text: the subject, a
// blank line and the first text/plain part. An HTML-only message is
// converted to plain text.
func ExtractText(raw []byte) (string, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	subject, _ := mr.Header.Subject()

	var plain, html string
	for plain == "" {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		mediaType, _, _ := h.ContentType()
		body, err := io.ReadAll(part.Body)
		if err != nil {
			return "", err
		}
		switch {
		case mediaType == "" || strings.HasPrefix(mediaType, "text/plain"):
			plain = string(body)
		case strings.HasPrefix(mediaType, "text/html") && html == "":
			html = string(body)
		}
	}
	if plain == "" && html != "" {
		plain = html2text.HTML2Text(html)
	}

	body := strings.TrimSpace(strings.ReplaceAll(plain, "\r\n", "\n"))
	switch {
	case subject == "":
		return body, nil
	case body == "":
		return subject, nil
	}
	return subject + "\n\n" + body, nil
}
