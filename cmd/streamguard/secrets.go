package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"streamguard/pkg/config"
)

const passwordEnv = "STREAMGUARD_SECRETS_PASSWORD"

// secretsCommand manages the encrypted secrets file.
func secretsCommand(args []string, stdin io.Reader, stdout io.Writer) error {
	if len(args) == 0 {
		return usageError{msg: "secrets: expected 'set' or 'list'"}
	}
	sub := args[0]

	var file, name string
	fs := flag.NewFlagSet("secrets "+sub, flag.ContinueOnError)
	fs.StringVar(&file, "file", "secrets.enc", "Encrypted secrets file")
	fs.StringVar(&name, "name", "", "Secret name (set only)")
	if err := fs.Parse(args[1:]); err != nil {
		return usageError{msg: err.Error()}
	}

	password := os.Getenv(passwordEnv)
	if password == "" {
		return fmt.Errorf("%s must be set", passwordEnv)
	}

	secrets, err := config.DecryptSecretsFile(file, password)
	if errors.Is(err, os.ErrNotExist) && sub == "set" {
		secrets, err = map[string]string{}, nil
	}
	if err != nil {
		return fmt.Errorf("failed to open secrets: %w", err)
	}

	switch sub {
	case "list":
		config.SetDecryptedSecrets(secrets)
		for _, n := range config.SecretNames() {
			fmt.Fprintln(stdout, n)
		}
		return nil
	case "set":
		if name == "" {
			return usageError{msg: "secrets set: --name is required"}
		}
		value, err := readSecretValue(stdin, stdout, name)
		if err != nil {
			return err
		}
		secrets[name] = value
		if err := config.EncryptSecretsFile(file, password, secrets); err != nil {
			return fmt.Errorf("failed to encrypt secrets: %w", err)
		}
		fmt.Fprintf(stdout, "✅ %s saved to %s\n", name, file)
		return nil
	default:
		return usageError{msg: fmt.Sprintf("secrets: unknown subcommand %q", sub)}
	}
}

// readSecretValue reads without echo from a terminal, otherwise the first line of stdin.
func readSecretValue(stdin io.Reader, stdout io.Writer, name string) (string, error) {
	if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprintf(stdout, "Enter value for %s: ", name)
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(stdout)
		if err != nil {
			return "", fmt.Errorf("failed to read secret: %w", err)
		}
		defer func() {
			for i := range b {
				b[i] = 0
			}
		}()
		if len(b) == 0 {
			return "", fmt.Errorf("empty value for %s", name)
		}
		return string(b), nil
	}

	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read secret: %w", err)
	}
	value := strings.TrimSpace(line)
	if value == "" {
		return "", fmt.Errorf("empty value for %s", name)
	}
	return value, nil
}
