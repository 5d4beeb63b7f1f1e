// Command streamguard runs model turns through the resilience layer and manages its secrets.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"streamguard/pkg/version"
)

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "run":
		err = runCommand(ctx, os.Args[2:], os.Stdin, os.Stdout, os.Stderr)
	case "secrets":
		err = secretsCommand(os.Args[2:], os.Stdin, os.Stdout)
	case "stats":
		err = statsCommand(ctx, os.Args[2:], os.Stdout)
	case "version":
		fmt.Printf("streamguard %s (commit %s, built %s)\n", version.Version, version.Commit, version.Date)
	case "help", "-h", "--help":
		printUsage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", os.Args[1])
		printUsage(os.Stderr)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(exitCode(err))
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "streamguard - resilient tool-calling turns\n\n")
	fmt.Fprintf(w, "Usage:\n")
	fmt.Fprintf(w, "  streamguard run [--config file] [--input turn.json] [--output out.json] [--scope name] [--serve addr] [--dump-metrics]\n")
	fmt.Fprintf(w, "  streamguard secrets set --file secrets.enc --name ANTHROPIC_API_KEY\n")
	fmt.Fprintf(w, "  streamguard secrets list --file secrets.enc\n")
	fmt.Fprintf(w, "  streamguard stats --prometheus http://localhost:9090 [--scope name]\n")
	fmt.Fprintf(w, "  streamguard version\n\n")
	fmt.Fprintf(w, "The turn JSON holds messages, tools and tool_choice; it is read from stdin when --input is omitted.\n")
	fmt.Fprintf(w, "Secrets files are unlocked with the password in $STREAMGUARD_SECRETS_PASSWORD.\n")
}
