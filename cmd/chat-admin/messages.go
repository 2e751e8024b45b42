package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/verayang01/chatd/wire"
)

func handleAccounts(ctx context.Context) {
	fs := flag.NewFlagSet("accounts", flag.ExitOnError)
	cf := addConnFlags(fs)
	query := fs.String("query", "", "Case-insensitive substring to match (empty lists all)")
	fs.Usage = func() {
		fmt.Printf(`List accounts

Usage:
  chat-admin accounts [--query q] [connection options]
`)
	}
	parseFlags(fs)

	c := cf.connect(ctx)
	defer c.Close()
	cctx, cancel := cf.withTimeout(ctx)
	defer cancel()

	accounts, err := c.ListAccounts(cctx, *query)
	if err != nil {
		fail("list accounts", err)
	}
	for _, a := range accounts {
		fmt.Println(a)
	}
	fmt.Printf("\nTotal: %d account(s)\n", len(accounts))
}

func handleSend(ctx context.Context) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	cf := addConnFlags(fs)
	from := fs.String("from", "", "Sender name (required)")
	to := fs.String("to", "", "Recipient account (required)")
	message := fs.String("message", "", "Message text (required)")
	fs.Usage = func() {
		fmt.Printf(`Send a message

Usage:
  chat-admin send --from NAME --to ACCOUNT --message TEXT [connection options]
`)
	}
	parseFlags(fs)
	requireFlags(fs, map[string]string{"from": *from, "to": *to, "message": *message})

	c := cf.connect(ctx)
	defer c.Close()
	cctx, cancel := cf.withTimeout(ctx)
	defer cancel()

	if err := c.SendMessage(cctx, *from, *to, *message); err != nil {
		fail("send", err)
	}
	fmt.Printf("Message sent to %s\n", *to)
}

func handleRead(ctx context.Context) {
	fs := flag.NewFlagSet("read", flag.ExitOnError)
	cf := addConnFlags(fs)
	user := fs.String("user", "", "Account to read (required)")
	unread := fs.Bool("unread", false, "Only unread messages, marking them read")
	perPage := fs.Int("per-page", 0, "With --unread, read at most N messages (0 for all)")
	peek := fs.Bool("peek", false, "With --unread, list without marking read")
	fs.Usage = func() {
		fmt.Printf(`Read a mailbox

Usage:
  chat-admin read --user ACCOUNT [--unread [--per-page N] [--peek]] [connection options]

Without --unread the whole mailbox is printed with each message's index,
which is what delete-message expects.
`)
	}
	parseFlags(fs)
	requireFlags(fs, map[string]string{"user": *user})

	c := cf.connect(ctx)
	defer c.Close()
	cctx, cancel := cf.withTimeout(ctx)
	defer cancel()

	var (
		entries []wire.Entry
		err     error
	)
	switch {
	case *unread && *peek:
		entries, err = c.GetUnreadMessages(cctx, *user)
	case *unread:
		entries, err = c.ReadUnreadMessages(cctx, *user, *perPage)
	default:
		entries, err = c.ReadMessages(cctx, *user)
	}
	if err != nil {
		fail("read", err)
	}
	printEntries(os.Stdout, entries)
}

func printEntries(w io.Writer, entries []wire.Entry) {
	for i, e := range entries {
		fmt.Fprintf(w, "[%d] %s: %s\n", i, e.Sender, e.Message)
	}
	fmt.Fprintf(w, "\nTotal: %d message(s)\n", len(entries))
}

func handleDeleteMessage(ctx context.Context) {
	fs := flag.NewFlagSet("delete-message", flag.ExitOnError)
	cf := addConnFlags(fs)
	user := fs.String("user", "", "Mailbox owner (required)")
	sender := fs.String("sender", "", "Sender of the message (required)")
	message := fs.String("message", "", "Exact message text (required)")
	idx := fs.Int("idx", -1, "Index in the full mailbox, as printed by read (required)")
	fs.Usage = func() {
		fmt.Printf(`Delete a message

Usage:
  chat-admin delete-message --user ACCOUNT --sender NAME --message TEXT --idx N [connection options]

The message is only removed if the sender and text at that index match.
`)
	}
	parseFlags(fs)
	requireFlags(fs, map[string]string{"user": *user, "sender": *sender, "message": *message})
	if *idx < 0 {
		fmt.Printf("Error: --idx is required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	c := cf.connect(ctx)
	defer c.Close()
	cctx, cancel := cf.withTimeout(ctx)
	defer cancel()

	if err := c.DeleteMessage(cctx, *user, *sender, *message, *idx); err != nil {
		fail("delete message", err)
	}
	fmt.Printf("Deleted message %d from %s\n", *idx, *user)
}

func handleDeleteAccount(ctx context.Context) {
	fs := flag.NewFlagSet("delete-account", flag.ExitOnError)
	cf := addConnFlags(fs)
	user := fs.String("user", "", "Account to delete (required)")
	fs.Usage = func() {
		fmt.Printf(`Delete an account and its mailbox

Usage:
  chat-admin delete-account --user ACCOUNT [connection options]
`)
	}
	parseFlags(fs)
	requireFlags(fs, map[string]string{"user": *user})

	c := cf.connect(ctx)
	defer c.Close()
	cctx, cancel := cf.withTimeout(ctx)
	defer cancel()

	if err := c.DeleteAccount(cctx, *user); err != nil {
		fail("delete account", err)
	}
	fmt.Printf("Deleted account %s\n", *user)
}
