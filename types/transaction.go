package types

// Transaction is a unit of pending work a proposer may include into a block.
type Transaction struct {
	_         struct{} `cbor:",toarray"`
	ID        uint64
	Timestamp float64 // simulated time the transaction becomes available
	Size      uint64
}

/*
Available returns transactions from "pool" which have become available by
simulated time "t". Returned slice shares the transaction values but not the
backing array with the pool.
*/
func Available(pool []Transaction, t float64) []Transaction {
	var ready []Transaction
	for _, tx := range pool {
		if tx.Timestamp <= t {
			ready = append(ready, tx)
		}
	}
	return ready
}
