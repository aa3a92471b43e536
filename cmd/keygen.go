package cmd

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"ollama-gateway/internal/auth"
	"ollama-gateway/internal/config"
)

const keygenUsage = `Usage:
  ollama-gateway keygen [--bytes <n>]

Flags:
  --bytes int   Bytes of entropy in the key (default 32, minimum 16)`

func keygen(args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, keygenUsage)
	}

	var n int
	fs.IntVar(&n, "bytes", 32, "bytes of entropy")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse keygen flags: %w", err)
	}

	key, err := auth.GenerateKey(n)
	if err != nil {
		return err
	}

	fmt.Println(key)
	fmt.Fprintf(os.Stderr, "\nSet it as auth.api_key in the configuration file or export %s=%s\n", config.EnvAPIKey, key)
	return nil
}
