package cmd

import (
	"context"
	"fmt"
	"strings"
)

const usage = `ollama-gateway is an OpenAI-compatible API gateway for Ollama.

Usage:
  ollama-gateway <command> [flags]

Commands:
  serve    Start the HTTP server
  keygen   Generate a random API key

Flags:
  -h, --help  Show this help message`

// Execute runs the CLI dispatcher with the provided arguments.
func Execute(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return printUsage()
	}

	switch args[0] {
	case "serve":
		return serve(ctx, args[1:])
	case "keygen":
		return keygen(args[1:])
	case "help", "-h", "--help":
		return printUsage()
	default:
		return fmt.Errorf("unknown command %q\n\n%s", args[0], usage)
	}
}

func printUsage() error {
	fmt.Println(strings.TrimSpace(usage))
	return nil
}
