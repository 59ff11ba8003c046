package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"mediagate/pkg/credentials"
)

// authCmd represents the auth command
var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage stored secrets",
	Long: `Manage the bearer tokens and the circuit control password.

Secrets are stored using:
  - System keychain (when available)
  - Encrypted file with PBKDF2 key derivation
  - Environment variables (AUTH_BEARER_1..9, MEDIAGATE_CONTROL_PASSWORD; read only)

Stored bearer tokens are merged with configured ones when
credentials.use_store is enabled.`,
}

var addTokenCmd = &cobra.Command{
	Use:   "add-token [name]",
	Short: "Store a bearer token",
	Long: `Store a bearer token for the site API. The token is read from the
terminal without echo, or from stdin when piped.`,
	Example: `  mediagate auth add-token primary
  echo "$TOKEN" | mediagate auth add-token ci`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAddToken,
}

var listSecretsCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored secrets with masked values",
	RunE:  runListSecrets,
}

var removeTokenCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a stored bearer token",
	Args:  cobra.ExactArgs(1),
	RunE:  runRemoveToken,
}

var controlPasswordCmd = &cobra.Command{
	Use:   "control-password",
	Short: "Store the circuit control password",
	Args:  cobra.NoArgs,
	RunE:  runControlPassword,
}

func init() {
	rootCmd.AddCommand(authCmd)
	authCmd.AddCommand(addTokenCmd)
	authCmd.AddCommand(listSecretsCmd)
	authCmd.AddCommand(removeTokenCmd)
	authCmd.AddCommand(controlPasswordCmd)
}

func newManager() (*credentials.Manager, error) {
	manager, err := credentials.NewManager()
	if err != nil {
		printer.Error("Failed to initialize credential manager", err)
		return nil, err
	}
	return manager, nil
}

func runAddToken(cmd *cobra.Command, args []string) error {
	manager, err := newManager()
	if err != nil {
		return err
	}

	name := credentials.DefaultName
	if len(args) > 0 {
		name = strings.TrimSpace(args[0])
	}

	token, err := readSecret("Bearer token: ")
	if err != nil {
		printer.Error("Failed to read token", err)
		return err
	}

	if err := manager.Store(&credentials.Secret{
		Name:  name,
		Kind:  credentials.KindBearer,
		Value: token,
	}); err != nil {
		printer.Error("Failed to store token", err)
		return err
	}

	printer.Success(fmt.Sprintf("Token stored: %s (%s)", name, credentials.Mask(token)))
	return nil
}

func runListSecrets(cmd *cobra.Command, args []string) error {
	manager, err := newManager()
	if err != nil {
		return err
	}

	secrets, err := manager.List()
	if err != nil {
		printer.Error("Failed to list secrets", err)
		return err
	}
	if len(secrets) == 0 {
		printer.Warning("No stored secrets")
		return nil
	}

	printer.Highlight("Stored secrets")
	for _, s := range secrets {
		modified := "from environment"
		if !s.LastModified.IsZero() {
			modified = s.LastModified.Format("2006-01-02 15:04")
		}
		printer.Plain("  %-18s %-12s %-14s %s\n", s.Kind, s.Name, credentials.Mask(s.Value), modified)
	}
	return nil
}

func runRemoveToken(cmd *cobra.Command, args []string) error {
	manager, err := newManager()
	if err != nil {
		return err
	}

	name := strings.TrimSpace(args[0])
	if err := manager.Delete(credentials.KindBearer, name); err != nil {
		printer.Error("Failed to remove token", err)
		return err
	}
	printer.Success("Token removed: " + name)
	return nil
}

func runControlPassword(cmd *cobra.Command, args []string) error {
	manager, err := newManager()
	if err != nil {
		return err
	}

	password, err := readSecret("Control password: ")
	if err != nil {
		printer.Error("Failed to read password", err)
		return err
	}

	if err := manager.Store(&credentials.Secret{
		Name:  credentials.DefaultName,
		Kind:  credentials.KindControlPassword,
		Value: password,
	}); err != nil {
		printer.Error("Failed to store control password", err)
		return err
	}
	printer.Success("Control password stored")
	return nil
}

// readSecret reads one line without echo on a terminal, or plainly from a pipe
func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return validSecret(string(b))
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return validSecret(line)
}

func validSecret(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("empty value")
	}
	return s, nil
}
