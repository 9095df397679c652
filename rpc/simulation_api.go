package rpc

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/alphabill-org/gpbft/simulation"
	"github.com/alphabill-org/gpbft/types"
)

type (
	// Simulation is the finished simulation run the API reports on.
	Simulation interface {
		Result() *simulation.Result
		Chain(id types.NodeID) ([]*types.Block, bool)
	}

	blockResponse struct {
		Depth        uint64       `json:"depth"`
		Hash         string       `json:"hash"`
		PreviousHash string       `json:"previousHash"`
		Proposer     types.NodeID `json:"proposer"`
		Round        uint64       `json:"round"`
		TimeCreated  float64      `json:"timeCreated"`
		TimeAdded    float64      `json:"timeAdded"`
		Transactions int          `json:"transactions"`
		Size         uint64       `json:"size"`
	}
)

/*
SimulationEndpoints registers endpoints:
  - "/summary" result of the simulation run;
  - "/nodes/{id}" summary of the node;
  - "/nodes/{id}/blocks" blocks of the node's chain, "from" query
    parameter sets the depth of the first block returned.
*/
func SimulationEndpoints(sim Simulation, log *slog.Logger) RegistrarFunc {
	return func(r *mux.Router) {
		r.HandleFunc("/summary", summaryHandler(sim, log)).Methods(http.MethodGet, http.MethodOptions)
		r.HandleFunc("/nodes/{id:[0-9]+}", nodeHandler(sim, log)).Methods(http.MethodGet, http.MethodOptions)
		r.HandleFunc("/nodes/{id:[0-9]+}/blocks", blocksHandler(sim, log)).Methods(http.MethodGet, http.MethodOptions)
	}
}

func summaryHandler(sim Simulation, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, r, sim.Result(), log)
	}
}

func nodeHandler(sim Simulation, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseNodeID(mux.Vars(r)["id"])
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest, log)
			return
		}
		for _, ns := range sim.Result().Nodes {
			if ns.ID == id {
				writeResponse(w, r, ns, log)
				return
			}
		}
		writeError(w, fmt.Sprintf("node %d not found", id), http.StatusNotFound, log)
	}
}

func blocksHandler(sim Simulation, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseNodeID(mux.Vars(r)["id"])
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest, log)
			return
		}
		var from uint64
		if s := r.URL.Query().Get("from"); s != "" {
			if from, err = strconv.ParseUint(s, 10, 64); err != nil {
				writeError(w, fmt.Sprintf("invalid 'from' parameter: %v", err), http.StatusBadRequest, log)
				return
			}
		}
		chain, ok := sim.Chain(id)
		if !ok {
			writeError(w, fmt.Sprintf("node %d not found", id), http.StatusNotFound, log)
			return
		}
		rsp := []blockResponse{}
		for _, b := range chain {
			if b.Depth < from {
				continue
			}
			rsp = append(rsp, blockResponse{
				Depth:        b.Depth,
				Hash:         fmt.Sprintf("%X", b.Hash()),
				PreviousHash: fmt.Sprintf("%X", b.PreviousHash),
				Proposer:     b.Proposer,
				Round:        b.Round,
				TimeCreated:  b.TimeCreated,
				TimeAdded:    b.TimeAdded,
				Transactions: len(b.Transactions),
				Size:         b.Size,
			})
		}
		writeResponse(w, r, rsp, log)
	}
}

func parseNodeID(s string) (types.NodeID, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid node id: %w", err)
	}
	return types.NodeID(id), nil
}
