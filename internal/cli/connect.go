package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// passwordEnv lets scripts supply the account secret without a prompt.
const passwordEnv = "CALMIRROR_PASSWORD"

var connectUsername string

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Verify and store CalDAV account credentials",
	Long: `Verify the account against the configured CalDAV endpoint, discover its
calendars and store the credentials encrypted in the local database.

The password is read from CALMIRROR_PASSWORD or prompted for.`,
	RunE: runConnect,
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect",
	Short: "Forget the stored account credentials",
	RunE:  runDisconnect,
}

func init() {
	connectCmd.Flags().StringVarP(&connectUsername, "username", "u", "", "Account username (required)")
	_ = connectCmd.MarkFlagRequired("username")
}

func runConnect(cmd *cobra.Command, args []string) error {
	secret, err := readSecret()
	if err != nil {
		return err
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	cals, err := a.engine.Connect(cmd.Context(), connectUsername, secret)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	fmt.Printf("Connected as %s. %d calendar(s) found:\n", connectUsername, len(cals))
	for _, c := range cals {
		access := "read-write"
		if !c.Writable {
			access = "read-only"
		}
		fmt.Printf("  %-24s %s (%s)\n", c.ID, c.Name, access)
	}
	return nil
}

func runDisconnect(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.engine.Disconnect(cmd.Context()); err != nil {
		return fmt.Errorf("failed to disconnect: %w", err)
	}
	fmt.Println("Disconnected. Stored credentials removed.")
	return nil
}

func readSecret() (string, error) {
	if v := os.Getenv(passwordEnv); v != "" {
		return v, nil
	}
	if !term.IsTerminal(int(syscall.Stdin)) {
		return "", fmt.Errorf("no terminal for the password prompt; set %s", passwordEnv)
	}

	fmt.Print("Password: ")
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	secret := strings.TrimSpace(string(raw))
	if secret == "" {
		return "", errors.New("password is empty")
	}
	return secret, nil
}
