// Package main is the entry point for the sshcast application.
//
// sshcast is a multi-client SSH server that accepts any public key and
// broadcasts whatever a client writes on a session channel to every open
// session channel, the sender's own included.
//
// Usage:
//
//	sshcast [flags]                 # Start the server
//	sshcast list-keys               # List recorded client keys
//	sshcast forget-key <fp>         # Remove a key from the key log
//	sshcast backup-keys <file>      # Copy the key log
//	sshcast fingerprint             # Print the host key fingerprint
//	sshcast help                    # Show help
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/crypto/ssh"

	"sshcast/internal/config"
	"sshcast/internal/keylog"
	sshserver "sshcast/internal/ssh"
)

func main() {
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		if err := runCommand(args[0], args[1:], os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := loadConfig(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	log := newLogger(cfg.Log, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("sshcast stopped")
	}
	log.Info("sshcast stopped")
}

// runCommand dispatches the administrative subcommands.
func runCommand(name string, args []string, out io.Writer) error {
	switch name {
	case "list-keys":
		m, err := keyManager(args, out)
		if err != nil {
			return err
		}
		m.ListKeys()
		return nil

	case "forget-key":
		m, rest, err := keyManagerWithArgs(args, out)
		if err != nil {
			return err
		}
		if len(rest) != 1 {
			return fmt.Errorf("usage: sshcast forget-key <fingerprint>")
		}
		return m.ForgetKey(rest[0])

	case "backup-keys":
		m, rest, err := keyManagerWithArgs(args, out)
		if err != nil {
			return err
		}
		if len(rest) != 1 {
			return fmt.Errorf("usage: sshcast backup-keys <file>")
		}
		return m.BackupKeys(rest[0])

	case "fingerprint":
		cfg, err := loadConfig(args)
		if err != nil {
			return err
		}
		signer, generated, err := sshserver.LoadOrGenerateHostKey(cfg.Server.HostKeyPath)
		if err != nil {
			return err
		}
		if generated {
			fmt.Fprintf(out, "Generated new host key at %s\n", cfg.Server.HostKeyPath)
		}
		fmt.Fprintln(out, ssh.FingerprintSHA256(signer.PublicKey()))
		return nil

	case "help":
		printUsage(out)
		return nil

	default:
		printUsage(out)
		return fmt.Errorf("unknown command: %s", name)
	}
}

func keyManager(args []string, out io.Writer) (*keylog.Manager, error) {
	m, rest, err := keyManagerWithArgs(args, out)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(rest, " "))
	}
	return m, nil
}

func keyManagerWithArgs(args []string, out io.Writer) (*keylog.Manager, []string, error) {
	flags := newFlagSet()
	if err := flags.Parse(args); err != nil {
		return nil, nil, err
	}
	cfg, err := loadConfigFrom(flags)
	if err != nil {
		return nil, nil, err
	}
	store, err := keylog.Open(cfg.KeyLog.Path)
	if err != nil {
		return nil, nil, err
	}
	return keylog.NewManager(store, out), flags.Args(), nil
}

// newFlagSet declares the flags shared by the server and every subcommand.
func newFlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("sshcast", pflag.ContinueOnError)
	flags.StringP("config", "c", "", "path to config.yaml")
	flags.String("host", "", "SSH listen host")
	flags.IntP("port", "p", 0, "SSH listen port")
	flags.String("host-key", "", "path to the Ed25519 host key")
	flags.String("authorized-keys", "", "only admit keys listed in this authorized_keys file")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	return flags
}

func loadConfig(args []string) (*config.Config, error) {
	flags := newFlagSet()
	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	if flags.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(flags.Args(), " "))
	}
	return loadConfigFrom(flags)
}

func loadConfigFrom(flags *pflag.FlagSet) (*config.Config, error) {
	path, _ := flags.GetString("config")
	cfg, err := config.Load(path, flags)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger from the log settings.
func newLogger(cfg config.Log, out io.Writer) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(out)
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		log.SetLevel(level)
	}
	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}

// printUsage prints usage information for the sshcast CLI.
func printUsage(out io.Writer) {
	fmt.Fprintln(out, "sshcast - SSH broadcast server")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  sshcast [flags]                 - Start the server")
	fmt.Fprintln(out, "  sshcast list-keys               - List recorded client keys")
	fmt.Fprintln(out, "  sshcast forget-key <fp>         - Remove a key from the key log")
	fmt.Fprintln(out, "  sshcast backup-keys <file>      - Copy the key log to a file")
	fmt.Fprintln(out, "  sshcast fingerprint             - Print the host key fingerprint")
	fmt.Fprintln(out, "  sshcast help                    - Show this help")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Flags:")
	fmt.Fprint(out, newFlagSet().FlagUsages())
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Examples:")
	fmt.Fprintln(out, "  sshcast --port 2222")
	fmt.Fprintln(out, "  ssh -p 2222 anyone@127.0.0.1")
}
