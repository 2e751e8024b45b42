package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/verayang01/chatd/client"
	"github.com/verayang01/chatd/config"
	"github.com/verayang01/chatd/logger"
	"github.com/verayang01/chatd/pkg/retry"
)

const defaultConfigPath = "config.toml"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	command := os.Args[1]
	switch command {
	case "accounts":
		handleAccounts(ctx)
	case "send":
		handleSend(ctx)
	case "read":
		handleRead(ctx)
	case "delete-message":
		handleDeleteMessage(ctx)
	case "delete-account":
		handleDeleteAccount(ctx)
	case "export":
		handleExport(ctx)
	case "migrate":
		handleMigrateCommand(ctx)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`chatd Admin Tool

Usage:
  chat-admin <command> [options]

Commands:
  accounts         List accounts matching a query
  send             Send a message to an account
  read             Read an account's mailbox
  delete-message   Delete one message from a mailbox
  delete-account   Delete an account and its mailbox
  export           Export a mailbox as an mbox file
  migrate          Manage the postgres storage schema
  help             Show this help message

Examples:
  chat-admin accounts --query al
  chat-admin send --from alice --to bob --message "hi"
  chat-admin read --user bob --unread --per-page 10
  chat-admin delete-message --user bob --sender alice --message "hi" --idx 0
  chat-admin export --user bob --out bob.mbox
  chat-admin migrate up --config /etc/chatd/config.toml

Connection options (all commands except migrate):
  --config string   Path to TOML configuration file (default: config.toml)
  --addr string     Server address (overrides config)
  --tls             Connect with TLS
  --insecure        Skip TLS certificate verification
  --timeout dur     Per-command timeout (default: 10s)

Use 'chat-admin <command> --help' for more information about a command.
`)
}

// connFlags are the options every client-backed command accepts.
type connFlags struct {
	configPath *string
	addr       *string
	useTLS     *bool
	insecure   *bool
	timeout    *time.Duration
}

func addConnFlags(fs *flag.FlagSet) *connFlags {
	return &connFlags{
		configPath: fs.String("config", defaultConfigPath, "Path to TOML configuration file"),
		addr:       fs.String("addr", "", "Server address (overrides config)"),
		useTLS:     fs.Bool("tls", false, "Connect with TLS"),
		insecure:   fs.Bool("insecure", false, "Skip TLS certificate verification"),
		timeout:    fs.Duration("timeout", 10*time.Second, "Per-command timeout"),
	}
}

// loadConfig reads configPath over the defaults. Only a missing default
// file is tolerated.
func loadConfig(configPath string) config.Config {
	cfg := config.NewDefaultConfig()
	if err := config.LoadConfigFromFile(configPath, &cfg); err != nil {
		if !os.IsNotExist(err) || configPath != defaultConfigPath {
			logger.Fatal("Failed to load configuration", "path", configPath, "error", err)
		}
	}
	cfg.ApplyEnv(os.Getenv)
	return cfg
}

// connect dials the server, retrying transient failures with backoff.
func (cf *connFlags) connect(ctx context.Context) *client.Client {
	cfg := loadConfig(*cf.configPath)
	addr := cfg.Server.Addr
	if *cf.addr != "" {
		addr = *cf.addr
	}

	opts := client.Options{DialTimeout: *cf.timeout, MaxFrameSize: cfg.Server.MaxFrameSize}
	if *cf.useTLS || cfg.Server.TLS {
		opts.TLSConfig = &tls.Config{InsecureSkipVerify: *cf.insecure}
	}

	backoff := retry.DefaultBackoffConfig()
	backoff.MaxRetries = 2
	var c *client.Client
	err := retry.WithRetry(ctx, func() error {
		var err error
		c, err = client.Dial(ctx, addr, opts)
		return err
	}, backoff)
	if err != nil {
		logger.Fatal("Failed to connect", "addr", addr, "error", err)
	}
	return c
}

func (cf *connFlags) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, *cf.timeout)
}

func parseFlags(fs *flag.FlagSet) {
	if err := fs.Parse(os.Args[2:]); err != nil {
		logger.Fatal("Error parsing flags", "error", err)
	}
}

func requireFlags(fs *flag.FlagSet, values map[string]string) {
	for name, v := range values {
		if v == "" {
			fmt.Printf("Error: --%s is required\n\n", name)
			fs.Usage()
			os.Exit(1)
		}
	}
}

// fail prints a server rejection as is and anything else as an error.
func fail(what string, err error) {
	if client.IsReplyError(err) {
		fmt.Fprintf(os.Stderr, "%s: %v\n", what, err)
		os.Exit(1)
	}
	logger.Fatal(what, "error", err)
}
