// ABOUTME: Entry point for the clinic-chat terminal client
// ABOUTME: Wires config, session, engine, and directory into an interactive conversation loop

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/2389/clinic-chat/internal/auth"
	"github.com/2389/clinic-chat/internal/config"
	"github.com/2389/clinic-chat/internal/directory"
	"github.com/2389/clinic-chat/internal/engine"
	"github.com/2389/clinic-chat/internal/session"
	"github.com/2389/clinic-chat/internal/transport"
)

// Version is set at build time.
var version = "dev"

// getConfigPath returns the path to the client config file.
// Priority: CLINIC_CONFIG env var > XDG_CONFIG_HOME/clinic/chat.yaml > ~/.config/clinic/chat.yaml
func getConfigPath() string {
	if envPath := os.Getenv("CLINIC_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "chat.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "clinic", "chat.yaml")
}

func usage() {
	fmt.Println("Usage: clinic-chat [command] [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  chat                         Start the interactive client (default)")
	fmt.Println("  token --sub ID [--ttl 1h]    Mint a development session token (needs CLINIC_JWT_SECRET)")
	fmt.Println("  token --verify TOKEN         Check a session token's signature and expiry, print its subject")
	fmt.Println("  version                      Print the version")
}

func main() {
	// A missing .env file is normal.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[1:]
	command := "chat"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		command, args = args[0], args[1:]
	}

	var err error
	switch command {
	case "chat":
		err = runChat(ctx, args)
	case "token":
		err = runToken(args, os.Stdout)
	case "version":
		fmt.Println(version)
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runChat(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	configPath := fs.String("config", getConfigPath(), "Path to config file (.yaml or .toml)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", *configPath, err)
	}

	logger := setupLogger(cfg.Logging, os.Stderr)

	selfID, err := resolveSelfID(cfg.Identity)
	if err != nil {
		return err
	}

	dialer := transport.NewWebSocketDialer(transport.Options{
		PingInterval:     cfg.Transport.PingInterval,
		WriteTimeout:     cfg.Transport.WriteTimeout,
		ReadTimeout:      cfg.Transport.ReadTimeout,
		HandshakeTimeout: cfg.Transport.HandshakeTimeout,
		MaxMessageSize:   cfg.Transport.MaxMessageSize,
		Token:            cfg.Identity.Token,
	}, logger)
	sess := session.New(dialer, cfg.Server.URL, logger)
	defer sess.Close()

	eng := engine.New(engine.Config{
		SelfID:        selfID,
		IdleThreshold: cfg.Presence.IdleThreshold,
		DedupeTTL:     cfg.Dedupe.TTL,
		DedupeMaxSize: cfg.Dedupe.MaxSize,
	}, sess, logger)

	var dir peerLister
	if cfg.Directory.URL != "" {
		dir = directory.New(cfg.Directory.URL, cfg.Identity.Token, logger, directory.WithTimeout(cfg.Directory.Timeout))
	}
	c := newClient(eng, sess, dir, selfID, cfg.Reconnect.Backoff, os.Stdout, logger)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	engineDone := make(chan error, 1)
	go func() {
		engineDone <- eng.Run(runCtx)
	}()
	go c.watch(runCtx, eng.Subscribe(runCtx))

	color.New(color.FgCyan, color.Bold).Printf("clinic-chat %s\n", version)
	color.New(color.FgHiBlack).Printf("signed in as %s, server %s\n", selfID, cfg.Server.URL)
	fmt.Println("Type /help for commands. Ctrl+C to quit.")
	fmt.Println()

	// A failed dial leaves the session Reconnecting; the watcher retries it.
	var connErr *session.ConnectionError
	if err := sess.Open(runCtx, selfID); err != nil && !errors.As(err, &connErr) {
		return fmt.Errorf("opening session: %w", err)
	}

	if err := c.loadPeers(runCtx); err != nil {
		logger.Warn("peer directory unavailable", "error", err)
	}

	err = c.run(runCtx, os.Stdin)
	stop()

	select {
	case runErr := <-engineDone:
		if runErr != nil && !errors.Is(runErr, context.Canceled) {
			logger.Error("engine stopped", "error", runErr)
		}
	case <-time.After(5 * time.Second):
		logger.Warn("engine did not stop in time")
	}

	fmt.Println("\nGoodbye!")
	return err
}

// resolveSelfID prefers the configured id and otherwise reads the token subject.
func resolveSelfID(id config.IdentityConfig) (string, error) {
	if id.SelfID != "" {
		return id.SelfID, nil
	}
	sub, err := auth.SubjectFromToken(id.Token)
	if err != nil {
		return "", fmt.Errorf("reading identity from token: %w", err)
	}
	return sub, nil
}

func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	sub := fs.String("sub", "", "User id to put in the sub claim")
	ttl := fs.Duration("ttl", time.Hour, "Token lifetime")
	verify := fs.String("verify", "", "Token to verify instead of minting one")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *sub == "" && *verify == "" {
		return errors.New("--sub or --verify is required")
	}
	secret := os.Getenv("CLINIC_JWT_SECRET")
	if secret == "" {
		return errors.New("CLINIC_JWT_SECRET is not set")
	}
	verifier := auth.NewJWTVerifier([]byte(secret))

	if *verify != "" {
		subject, err := verifier.Verify(*verify)
		if err != nil {
			return fmt.Errorf("verifying token: %w", err)
		}
		fmt.Fprintln(out, subject)
		return nil
	}

	token, err := verifier.Generate(*sub, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Fprintln(out, token)
	return nil
}
