package cli

import (
	"context"
	"encoding/hex"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/calyptra/anchorsync/internal/config"
	"github.com/calyptra/anchorsync/internal/gossip"
	"github.com/calyptra/anchorsync/internal/ledger"
	"github.com/calyptra/anchorsync/internal/logging"
	"github.com/calyptra/anchorsync/internal/metrics"
	"github.com/calyptra/anchorsync/internal/node"
	"github.com/calyptra/anchorsync/internal/store"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the sync node",
		Long: `Start the sync node: opens the SQLite database, rebuilds the merged
document from the device log, serves gossip to peers, and anchors
changed state into the ledger on a timer.

Example:
  anchorsync run -c ./anchorsync.toml
  anchorsync run -c ./anchorsync.toml --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cmd, rootOpts)
		},
	}
	return cmd
}

func runNode(cmd *cobra.Command, rootOpts *RootOptions) error {
	cfg, err := loadConfig(rootOpts)
	if err != nil {
		return err
	}

	level := cfg.Log.Level
	if rootOpts.Verbose {
		level = "debug"
	}
	log := logging.Init("anchorsync", level, cfg.Log.Pretty)

	metrics.Register()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			log.Error().Err(closeErr).Msg("error closing database")
		}
	}()

	signer, err := loadSigner(cfg)
	if err != nil {
		return err
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	n, err := node.Open(ctx, st, signer, nodeOptions(cfg), log)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open node", err)
	}

	srv := gossip.NewServer(log)
	lis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	go func() {
		if serveErr := srv.Serve(lis); serveErr != nil {
			log.Error().Err(serveErr).Msg("gossip server stopped")
			cancel()
		}
	}()

	n.Start()
	n.SetOnline(true)
	log.Info().
		Str("device_id", cfg.DeviceID).
		Str("listen_addr", cfg.ListenAddr).
		Int("peers", len(cfg.Peers)).
		Msg("node running")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-ctx.Done():
	}

	srv.Stop()
	n.Stop()
	return nil
}

// loadConfig reads the config file named by --config, or defaults
// when the flag is unset.
func loadConfig(rootOpts *RootOptions) (config.Config, error) {
	if rootOpts.Config == "" {
		return config.Config{}, NewExitError(ExitCommandError, "--config is required")
	}
	cfg, err := config.Load(rootOpts.Config)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	return cfg, nil
}

// loadSigner builds the device signing service from the configured
// seed, or generates an ephemeral keypair when none is set.
func loadSigner(cfg config.Config) (*ledger.SigningService, error) {
	if cfg.KeySeedHex == "" {
		signer, err := ledger.NewSigningService()
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to generate signing key", err)
		}
		return signer, nil
	}
	seed, err := hex.DecodeString(cfg.KeySeedHex)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid key_seed_hex", err)
	}
	signer, err := ledger.NewSigningServiceFromSeed(seed)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid signing seed", err)
	}
	return signer, nil
}

func secs(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func millis(n int64) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// nodeOptions converts file configuration into node options.
func nodeOptions(cfg config.Config) node.Options {
	opts := node.Options{
		DeviceID:       cfg.DeviceID,
		Peers:          cfg.Peers,
		AnchorInterval: cfg.AnchorInterval(),
	}

	g := cfg.Governor
	opts.Governor.MemoryLimit = g.MemoryLimitBytes
	opts.Governor.TxLimit = g.TxLimit
	opts.Governor.TxInterval = secs(g.TxIntervalSec)
	opts.Governor.CPUBudget = millis(g.CPUBudgetMs)
	opts.Governor.CPUWindow = secs(g.CPUWindowSec)

	b := cfg.Batch
	opts.Batch.CriticalMaxWait = secs(b.CriticalMaxWaitSec)
	opts.Batch.HighInterval = secs(b.HighIntervalSec)
	opts.Batch.BackgroundInterval = secs(b.BackgroundIntervalSec)
	opts.Batch.MinInterval = secs(b.MinIntervalSec)
	opts.Batch.MaxInterval = secs(b.MaxIntervalSec)
	opts.Batch.MaxBatchSize = b.MaxBatchSize
	opts.Batch.MinBatchThreshold = b.MinBatchThreshold

	return opts
}
