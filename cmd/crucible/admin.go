package main

import (
	"flag"
	"fmt"
	"os"
	"syscall"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"
)

// runAdmin dispatches admin subcommands.
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "hash-token":
		return runAdminHashToken(args[1:])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: crucible admin <command> [options]

Commands:
  hash-token   Hash an API token for the auth.token_hash config value
  help         Show this help message

Examples:
  crucible admin hash-token
  crucible admin hash-token --token my-secret-token
`)
}

// runAdminHashToken prints the bcrypt hash of a token, read from the flag or
// prompted without echo.
func runAdminHashToken(args []string) error {
	fs := flag.NewFlagSet("hash-token", flag.ContinueOnError)
	token := fs.String("token", "", "token to hash (prompted when omitted)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	value := *token
	if value == "" {
		fmt.Fprint(os.Stderr, "Token: ")
		raw, err := term.ReadPassword(syscall.Stdin)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		value = string(raw)
	}
	if value == "" {
		return fmt.Errorf("token must not be empty")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(value), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash token: %w", err)
	}
	fmt.Println(string(hash))
	return nil
}
