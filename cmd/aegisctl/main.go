// Command aegisctl talks to an Aegis gateway from the consumer side: it runs
// handshakes, sends gated and signed requests and inspects policy files.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/facebookgo/flagenv"
	_ "github.com/joho/godotenv/autoload"

	"github.com/uvensys/aegis"
	"github.com/uvensys/aegis/internal"
)

// envPrefix namespaces the environment variables every flag can be set by.
const envPrefix = "AEGIS_"

var errUsage = errors.New("usage")

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, args []string, stdout io.Writer) error
}

var commands = []command{
	{name: "handshake", summary: "solve a challenge and print the admission token", run: runHandshake},
	{name: "call", summary: "send a request through the gateway with a token and optional signature", run: runCall},
	{name: "sign", summary: "print the signature headers for a request body", run: runSign},
	{name: "policy", summary: "validate a policy file, print it flattened or check which route a request hits", run: runPolicy},
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "Usage: aegisctl <command> [options]\n\nCommands:\n")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-10s %s\n", c.name, c.summary)
	}
	fmt.Fprintf(w, "\nEvery option can also be set with an %s prefixed environment variable, e.g. %sGATEWAY.\n", envPrefix, envPrefix)
	fmt.Fprintf(w, "Run aegisctl <command> -h for the options of a command.\n")
}

// newFlagSet creates the flag set of a subcommand. parse fills unset flags
// from the environment.
func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

func parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	return flagenv.ParseSet(envPrefix, fs)
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		usage(os.Stderr)
		return errUsage
	}

	switch args[0] {
	case "-h", "-help", "--help", "help":
		usage(stdout)
		return nil
	case "-version", "--version", "version":
		fmt.Fprintln(stdout, "aegisctl", aegis.Version)
		return nil
	}

	for _, c := range commands {
		if c.name == args[0] {
			return c.run(ctx, args[1:], stdout)
		}
	}

	usage(os.Stderr)
	return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
}

func main() {
	level := os.Getenv(envPrefix + "SLOG_LEVEL")
	if level == "" {
		level = "WARN"
	}
	internal.InitSlog(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := run(ctx, os.Args[1:], os.Stdout)
	switch {
	case err == nil:
	case errors.Is(err, flag.ErrHelp):
	case errors.Is(err, errUsage):
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	default:
		fmt.Fprintln(os.Stderr, "aegisctl:", err)
		os.Exit(1)
	}
}
