package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/ainvaltin/httpsrv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/alphabill-org/gpbft/consensus"
	"github.com/alphabill-org/gpbft/rpc"
	"github.com/alphabill-org/gpbft/simulation"
	"github.com/alphabill-org/gpbft/types"
)

const (
	outputText = "text"
	outputJSON = "json"
)

type runConfiguration struct {
	Base *baseConfiguration

	// simulation config YAML file, flags override values loaded from the file
	SimCfgFile string
	Output     string
	// when set simulation results are served over HTTP until the process is stopped
	HTTPAddr string
}

func newRunCmd(baseConfig *baseConfiguration) *cobra.Command {
	config := &runConfiguration{Base: baseConfig}
	var cmd = &cobra.Command{
		Use:   "run",
		Short: "Runs the consensus simulation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulation(cmd.Context(), cmd, config)
		},
	}
	cmd.Flags().StringVar(&config.SimCfgFile, "sim-config", "", "simulation config YAML file. Relative path is relative from $GPBFT_HOME.")
	cmd.Flags().StringVarP(&config.Output, "output", "o", outputText, "output format, one of: text, json")
	cmd.Flags().StringVar(&config.HTTPAddr, "http-addr", "", "address to serve simulation results on after the run (e.g. localhost:8080), disabled when not set")
	cmd.Flags().UintSlice("crashed", nil, "IDs of the nodes which are down for the whole run")
	// values are applied to the actual config in simulationConfig
	addSimulationFlags(cmd.Flags(), simulation.NewConfig())
	return cmd
}

func addSimulationFlags(fs *pflag.FlagSet, cfg *simulation.Config) {
	p := cfg.Consensus
	fs.Uint64Var(&p.Nodes, "nodes", p.Nodes, "number of validators in the network")
	fs.Uint64Var(&p.RequiredVotes, "required-votes", p.RequiredVotes, "quorum size")
	fs.Float64Var(&p.BlockInterval, "block-interval", p.BlockInterval, "time between blocks")
	fs.Float64Var(&p.Timeout, "timeout", p.Timeout, "round timeout")
	fs.Float64Var(&p.PropagationDelay, "propagation-delay", p.PropagationDelay, "message propagation delay")
	fs.Float64Var(&p.SyncDelay, "sync-delay", p.SyncDelay, "chain synchronization delay")
	fs.Uint64Var(&p.BlockSize, "block-size", p.BlockSize, "max total size of the transactions in a block")
	fs.StringVar(&p.ProposerPolicy, "proposer-policy", p.ProposerPolicy, "proposer selection policy, one of: round-robin, chain-hash")
	fs.BoolVar(&p.DedupVotes, "dedup-votes", p.DedupVotes, "count only one vote per sender")

	fs.Float64Var(&cfg.Duration, "duration", cfg.Duration, "simulated time limit")
	fs.Int64Var(&cfg.Seed, "seed", cfg.Seed, "seed of the transaction generator")
	fs.Float64Var(&cfg.TxRate, "tx-rate", cfg.TxRate, "average number of transactions per time unit")
	fs.Uint64Var(&cfg.MaxTxSize, "max-tx-size", cfg.MaxTxSize, "max transaction size")
	fs.StringVar(&cfg.BlockStoreDir, "block-store-dir", cfg.BlockStoreDir, "directory to store the chains of the nodes into, disabled when not set")
	fs.BoolVar(&cfg.MemoryBlockStore, "memory-block-store", cfg.MemoryBlockStore, "store the chains of the nodes in memory (ignored when block-store-dir is set)")
}

/*
simulationConfig returns simulation config: defaults, overridden by the values
loaded from the config file, overridden by the flags user has set.
*/
func (r *runConfiguration) simulationConfig(cmd *cobra.Command) (*simulation.Config, error) {
	cfg := simulation.NewConfig()
	if r.SimCfgFile != "" {
		if err := loadSimulationConfig(r.simCfgFilename(), cfg); err != nil {
			return nil, err
		}
	}

	fs := pflag.NewFlagSet("simulation", pflag.ContinueOnError)
	addSimulationFlags(fs, cfg)
	var errs []error
	cmd.Flags().Visit(func(f *pflag.Flag) {
		if dst := fs.Lookup(f.Name); dst != nil {
			if err := dst.Value.Set(f.Value.String()); err != nil {
				errs = append(errs, fmt.Errorf("applying flag %q: %w", f.Name, err))
			}
		}
	})
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	crashed, err := cmd.Flags().GetUintSlice("crashed")
	if err != nil {
		return nil, fmt.Errorf("reading crashed nodes: %w", err)
	}
	for _, id := range crashed {
		cfg.Crashed = append(cfg.Crashed, types.NodeID(id))
	}
	return cfg, nil
}

func (r *runConfiguration) simCfgFilename() string {
	if filepath.IsAbs(r.SimCfgFile) {
		return r.SimCfgFile
	}
	return filepath.Join(r.Base.HomeDir, r.SimCfgFile)
}

func loadSimulationConfig(filename string, cfg *simulation.Config) error {
	f, err := os.Open(filepath.Clean(filename))
	if err != nil {
		return fmt.Errorf("opening simulation config file: %w", err)
	}
	defer f.Close()
	if err := yaml.NewDecoder(f).Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decoding simulation config (%s): %w", filename, err)
	}
	if cfg.Consensus == nil {
		cfg.Consensus = consensus.NewParameters()
	}
	return nil
}

func runSimulation(ctx context.Context, cmd *cobra.Command, config *runConfiguration) (rErr error) {
	if config.Output != outputText && config.Output != outputJSON {
		return fmt.Errorf("unsupported output format %q", config.Output)
	}
	cfg, err := config.simulationConfig(cmd)
	if err != nil {
		return fmt.Errorf("loading simulation config: %w", err)
	}

	obs := config.Base.observe
	nw, err := simulation.New(cfg, obs)
	if err != nil {
		return fmt.Errorf("creating simulation: %w", err)
	}
	defer func() { rErr = errors.Join(rErr, nw.Close()) }()

	res, err := nw.Run(ctx)
	if err != nil {
		return fmt.Errorf("running simulation: %w", err)
	}
	if err := writeResult(cmd.OutOrStdout(), res, config.Output); err != nil {
		return fmt.Errorf("writing result: %w", err)
	}

	if config.HTTPAddr == "" {
		return nil
	}
	return serveResults(ctx, config.HTTPAddr, rpc.NewRESTHandler(obs, rpc.SimulationEndpoints(nw, obs.Logger())), obs)
}

// serveResults serves the simulation API until the ctx is cancelled.
func serveResults(ctx context.Context, addr string, handler http.Handler, obs *observability) error {
	obs.Logger().Info(fmt.Sprintf("serving simulation results on %s", addr))
	err := httpsrv.Run(ctx, http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       3 * time.Second,
		ReadHeaderTimeout: time.Second,
		WriteTimeout:      5 * time.Second,
		IdleTimeout:       30 * time.Second,
	}, httpsrv.ShutdownTimeout(5*time.Second))
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("serving simulation results: %w", err)
	}
	return nil
}

func writeResult(w io.Writer, res *simulation.Result, format string) error {
	if format == outputJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	if _, err := fmt.Fprintf(w, "time: %.3f, events: %d (dropped %d), blocks: %d, chains agree: %t\n",
		res.Time, res.Events, res.Dropped, res.Blocks, res.ChainsAgree); err != nil {
		return err
	}
	for _, n := range res.Nodes {
		status := "live"
		if n.Crashed {
			status = "crashed"
		}
		if _, err := fmt.Fprintf(w, "node %d [%s] depth: %d, tip: %s, synced: %t\n  %s\n", n.ID, status, n.Depth, n.Tip, n.Synced, n.State); err != nil {
			return err
		}
	}
	return nil
}
