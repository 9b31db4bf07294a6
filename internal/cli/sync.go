package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one reconciliation pass with the stored credentials",
	Long: `Connect with the stored credentials and reconcile every calendar once.
The pass summary is printed as JSON.`,
	RunE: runSync,
}

func runSync(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	connected, err := a.engine.AutoConnect(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	if !connected {
		return errors.New("no stored credentials; run 'calmirror connect' first")
	}

	sum, err := a.engine.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(sum); err != nil {
		return err
	}
	if len(sum.Failed) > 0 {
		return fmt.Errorf("%d calendar(s) failed to sync", len(sum.Failed))
	}
	return nil
}
