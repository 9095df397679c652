package simulation

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/alphabill-org/gpbft/consensus"
	"github.com/alphabill-org/gpbft/types"
)

type (
	// Outage is the period of simulated time the node drops every event delivered to it.
	Outage struct {
		Node types.NodeID `yaml:"node"`
		From float64      `yaml:"from"`
		To   float64      `yaml:"to"`
	}

	Config struct {
		Consensus *consensus.Parameters `yaml:"consensus"`
		// simulated time limit
		Duration float64 `yaml:"duration"`
		// seed of the transaction generator, runs with the same seed are identical
		Seed int64 `yaml:"seed"`
		// average number of transactions per simulated time unit
		TxRate float64 `yaml:"txRate"`
		// transaction sizes are uniformly distributed between 1 and MaxTxSize
		MaxTxSize uint64 `yaml:"maxTxSize"`
		// nodes which drop every event delivered to them
		Crashed []types.NodeID `yaml:"crashed"`
		Outages []Outage       `yaml:"outages"`
		// when set every node stores its chain into a bolt DB in the directory
		BlockStoreDir string `yaml:"blockStoreDir"`
		// keep the stored chains in memory, ignored when BlockStoreDir is set
		MemoryBlockStore bool `yaml:"memoryBlockStore"`
	}
)

func NewConfig() *Config {
	return &Config{
		Consensus: consensus.NewParameters(),
		Duration:  1000,
		Seed:      1,
		TxRate:    5,
		MaxTxSize: 1,
	}
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("simulation config is nil")
	}
	var errs []error
	if err := c.Consensus.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Duration <= 0 {
		errs = append(errs, fmt.Errorf("duration must be positive, got %v", c.Duration))
	}
	if c.TxRate < 0 {
		errs = append(errs, fmt.Errorf("transaction rate must not be negative, got %v", c.TxRate))
	}
	if c.TxRate > 0 && c.MaxTxSize == 0 {
		errs = append(errs, errors.New("max transaction size must be positive"))
	}
	if c.Consensus != nil {
		for _, id := range c.Crashed {
			if uint64(id) >= c.Consensus.Nodes {
				errs = append(errs, fmt.Errorf("crashed node %d is not in the network of %d nodes", id, c.Consensus.Nodes))
			}
		}
		for _, o := range c.Outages {
			if uint64(o.Node) >= c.Consensus.Nodes {
				errs = append(errs, fmt.Errorf("outage node %d is not in the network of %d nodes", o.Node, c.Consensus.Nodes))
			}
			if o.To <= o.From {
				errs = append(errs, fmt.Errorf("outage of node %d ends (%v) before it starts (%v)", o.Node, o.To, o.From))
			}
		}
	}
	return errors.Join(errs...)
}

/*
GenerateTransactions returns transactions for the whole run, timestamps are
uniformly distributed over the duration of the run.
*/
func GenerateTransactions(cfg *Config) []types.Transaction {
	rng := rand.New(rand.NewSource(cfg.Seed)) /* #nosec G404 reproducible runs need seeded PRNG */
	count := int(cfg.TxRate * cfg.Duration)
	txs := make([]types.Transaction, count)
	for i := range txs {
		txs[i] = types.Transaction{
			ID:        uint64(i + 1),
			Timestamp: rng.Float64() * cfg.Duration,
			Size:      1 + uint64(rng.Int63n(int64(cfg.MaxTxSize))), /* #nosec G115 */
		}
	}
	return txs
}
