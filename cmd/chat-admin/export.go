package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/emersion/go-mbox"
	"github.com/emersion/go-message/mail"
	"github.com/verayang01/chatd/wire"
)

func handleExport(ctx context.Context) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	cf := addConnFlags(fs)
	user := fs.String("user", "", "Account to export (required)")
	out := fs.String("out", "", "Output mbox file, - for stdout (required)")
	domain := fs.String("domain", "", "Domain for generated addresses (default: smtp.domain from config)")
	fs.Usage = func() {
		fmt.Printf(`Export a mailbox as mbox

Usage:
  chat-admin export --user ACCOUNT --out FILE [--domain example.org] [connection options]

Every message in the mailbox becomes one RFC 5322 message. The mailbox
is read without changing unread state.
`)
	}
	parseFlags(fs)
	requireFlags(fs, map[string]string{"user": *user, "out": *out})

	if *domain == "" {
		*domain = loadConfig(*cf.configPath).SMTP.Domain
	}

	c := cf.connect(ctx)
	defer c.Close()
	cctx, cancel := cf.withTimeout(ctx)
	defer cancel()

	entries, err := c.ReadMessages(cctx, *user)
	if err != nil {
		fail("export", err)
	}

	if *out == "-" {
		if err := writeMbox(os.Stdout, *user, *domain, entries, time.Now()); err != nil {
			fail("export", err)
		}
		return
	}

	f, err := os.Create(*out)
	if err != nil {
		fail("export", err)
	}
	bw := bufio.NewWriter(f)
	err = writeMbox(bw, *user, *domain, entries, time.Now())
	if err == nil {
		err = bw.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		fail("export", err)
	}
	fmt.Fprintf(os.Stderr, "Exported %d message(s) from %s to %s\n", len(entries), *user, *out)
}

// writeMbox writes entries as an mbox, oldest first. The wire protocol
// carries no timestamps so every message is dated now.
func writeMbox(w io.Writer, user, domain string, entries []wire.Entry, now time.Time) error {
	mw := mbox.NewWriter(w)
	rcpt := &mail.Address{Name: user, Address: addressFor(user, domain)}
	for i, e := range entries {
		from := &mail.Address{Name: e.Sender, Address: addressFor(e.Sender, domain)}
		msgWriter, err := mw.CreateMessage(from.Address, now)
		if err != nil {
			return fmt.Errorf("failed to start message %d: %w", i, err)
		}
		if err := writeMessage(msgWriter, from, rcpt, e.Message, now, i); err != nil {
			return fmt.Errorf("failed to write message %d: %w", i, err)
		}
	}
	return mw.Close()
}

func writeMessage(w io.Writer, from, rcpt *mail.Address, body string, date time.Time, idx int) error {
	var h mail.Header
	h.SetDate(date)
	h.SetAddressList("From", []*mail.Address{from})
	h.SetAddressList("To", []*mail.Address{rcpt})
	h.SetSubject(subjectFor(body))
	h.Set("X-Chatd-Index", fmt.Sprint(idx))
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	bw, err := mail.CreateSingleInlineWriter(w, h)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(bw, body); err != nil {
		bw.Close()
		return err
	}
	return bw.Close()
}

// addressFor turns a free-form sender name into a usable local part.
func addressFor(sender, domain string) string {
	local := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_', r == '+':
			return r
		}
		return '_'
	}, sender)
	if local == "" {
		local = "unknown"
	}
	return local + "@" + domain
}

// subjectFor uses the first line of the message, shortened.
func subjectFor(body string) string {
	line, _, _ := strings.Cut(body, "\n")
	line = strings.TrimSpace(line)
	if r := []rune(line); len(r) > 60 {
		line = string(r[:60]) + "..."
	}
	if line == "" {
		return "(no subject)"
	}
	return line
}
