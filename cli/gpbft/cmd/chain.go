package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/alphabill-org/gpbft/keyvaluedb/boltdb"
	"github.com/alphabill-org/gpbft/node"
	"github.com/alphabill-org/gpbft/simulation"
	"github.com/alphabill-org/gpbft/types"
)

type chainConfiguration struct {
	Base *baseConfiguration

	BlockStoreDir string
	NodeID        uint64
	// depth of the first block to print
	From uint64
}

func newChainCmd(baseConfig *baseConfiguration) *cobra.Command {
	config := &chainConfiguration{Base: baseConfig}
	var cmd = &cobra.Command{
		Use:   "chain",
		Short: "Prints the chain of the node stored by the simulation run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printChain(cmd.OutOrStdout(), config)
		},
	}
	cmd.Flags().StringVar(&config.BlockStoreDir, "block-store-dir", "", "directory the simulation stored the chains of the nodes into")
	cmd.Flags().Uint64Var(&config.NodeID, "node", 0, "ID of the node")
	cmd.Flags().Uint64Var(&config.From, "from", 0, "depth of the first block to print")
	if err := cmd.MarkFlagRequired("block-store-dir"); err != nil {
		panic(err)
	}
	return cmd
}

func printChain(w io.Writer, config *chainConfiguration) (rErr error) {
	dbFile := filepath.Join(config.BlockStoreDir, simulation.BlockStoreFile(types.NodeID(config.NodeID)))
	if _, err := os.Stat(dbFile); err != nil {
		return fmt.Errorf("block store of node %d: %w", config.NodeID, err)
	}
	db, err := boltdb.New(dbFile, boltdb.ReadOnly())
	if err != nil {
		return fmt.Errorf("opening block store: %w", err)
	}
	defer func() { rErr = errors.Join(rErr, db.Close()) }()

	it := db.Find(node.BlockKey(config.From))
	defer func() { rErr = errors.Join(rErr, it.Close()) }()

	for ; it.Valid(); it.Next() {
		var b types.Block
		if err := it.Value(&b); err != nil {
			return fmt.Errorf("reading block: %w", err)
		}
		if _, err := fmt.Fprintf(w, "%d\t%s\tround: %d\tproposer: %d\ttxs: %d\tsize: %d\tcreated: %.3f\tadded: %.3f\n",
			b.Depth, b.ID(), b.Round, b.Proposer, len(b.Transactions), b.Size, b.TimeCreated, b.TimeAdded); err != nil {
			return err
		}
	}
	return nil
}
