package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/calyptra/anchorsync/internal/store"
	"github.com/calyptra/anchorsync/internal/syncer"
)

// StatusResult is the machine-readable output of the status command.
type StatusResult struct {
	DeviceID      string         `json:"device_id"`
	Blocks        int            `json:"blocks"`
	LastBlockTime string         `json:"last_block_time,omitempty"`
	Pending       map[string]int `json:"pending"`
	PendingTotal  int            `json:"pending_total"`
	DeviceEntries int            `json:"device_entries"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "status",
		Short:         "Show chain length, pending backlog, and device log size",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, rootOpts)
		},
	}
	return cmd
}

func runStatus(cmd *cobra.Command, rootOpts *RootOptions) error {
	cfg, err := loadConfig(rootOpts)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	result := StatusResult{
		DeviceID: cfg.DeviceID,
		Pending:  make(map[string]int, len(syncer.Tiers)),
	}

	result.Blocks, err = st.CountBlocks(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to count blocks", err)
	}

	lastTS, err := st.LastBlockTimestamp(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read last block", err)
	}
	if lastTS > 0 {
		result.LastBlockTime = time.Unix(0, lastTS).UTC().Format(time.RFC3339)
	}

	for _, tier := range syncer.Tiers {
		n, err := st.CountPending(ctx, int(tier))
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to count pending", err)
		}
		result.Pending[tier.String()] = n
		result.PendingTotal += n
	}

	entries, err := st.DeviceEntries(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read device log", err)
	}
	result.DeviceEntries = len(entries)

	out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
	return out.Emit(result, func(w io.Writer) {
		fmt.Fprintf(w, "device:          %s\n", result.DeviceID)
		fmt.Fprintf(w, "blocks:          %d\n", result.Blocks)
		if result.LastBlockTime != "" {
			fmt.Fprintf(w, "last block:      %s\n", result.LastBlockTime)
		}
		fmt.Fprintf(w, "pending changes: %d", result.PendingTotal)
		for _, tier := range syncer.Tiers {
			fmt.Fprintf(w, " %s=%d", tier, result.Pending[tier.String()])
		}
		fmt.Fprintln(w)
		fmt.Fprintf(w, "device entries:  %d\n", result.DeviceEntries)
	})
}
