package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/calyptra/anchorsync/internal/ledger"
	"github.com/calyptra/anchorsync/internal/logging"
	"github.com/calyptra/anchorsync/internal/store"
)

// CompactResult is the machine-readable output of the compact command.
type CompactResult struct {
	Pruned int64 `json:"pruned"`
}

// NewCompactCommand creates the compact command.
func NewCompactCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Prune replication history covered by the chain tip",
		Long: `Delete device-log entries already covered by the last anchored block,
then vacuum the database. Irreversible: fine-grained history is lost;
the merged state and every block are unaffected.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompact(cmd, rootOpts)
		},
	}
	return cmd
}

func runCompact(cmd *cobra.Command, rootOpts *RootOptions) error {
	cfg, err := loadConfig(rootOpts)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	signer, err := loadSigner(cfg)
	if err != nil {
		return err
	}

	led, err := ledger.New(st, signer, logging.Discard())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open ledger", err)
	}

	pruned, err := led.CompactHistory(cmd.Context())
	if err != nil {
		return WrapExitError(ExitCommandError, "compaction failed", err)
	}

	out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
	return out.Emit(CompactResult{Pruned: pruned}, func(w io.Writer) {
		fmt.Fprintf(w, "pruned %d device log entries\n", pruned)
	})
}
