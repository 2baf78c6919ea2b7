package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/calyptra/anchorsync/internal/ledger"
	"github.com/calyptra/anchorsync/internal/logging"
	"github.com/calyptra/anchorsync/internal/store"
)

// VerifyResult is the machine-readable output of the verify command.
type VerifyResult struct {
	Blocks int    `json:"blocks"`
	Valid  bool   `json:"valid"`
	Error  string `json:"error,omitempty"`
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify ledger chain integrity",
		Long: `Walk the full block chain checking hash linkage, timestamp ordering,
and block signatures against the device key from the config.

Exit code 0 means the chain is intact; 1 means it is broken.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd, rootOpts)
		},
	}
	return cmd
}

func runVerify(cmd *cobra.Command, rootOpts *RootOptions) error {
	cfg, err := loadConfig(rootOpts)
	if err != nil {
		return err
	}
	if cfg.KeySeedHex == "" {
		return NewExitError(ExitCommandError, "verify requires key_seed_hex in config")
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

	ctx := cmd.Context()
	result := VerifyResult{Valid: true}
	result.Blocks, err = led.BlockCount(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to count blocks", err)
	}

	if verifyErr := led.Verify(ctx); verifyErr != nil {
		result.Valid = false
		result.Error = verifyErr.Error()
	}

	out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
	if err := out.Emit(result, func(w io.Writer) {
		if result.Valid {
			fmt.Fprintf(w, "chain OK (%d blocks)\n", result.Blocks)
		} else {
			fmt.Fprintf(w, "chain BROKEN after %d blocks: %s\n", result.Blocks, result.Error)
		}
	}); err != nil {
		return err
	}

	if !result.Valid {
		return NewExitError(ExitFailure, "chain verification failed")
	}
	return nil
}
