package gpbft

import (
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/alphabill-org/gpbft/observability"
)

func (p *GPBFT) initMetrics(m metric.Meter) (err error) {
	if p.roundCnt, err = m.Int64Counter("round.started",
		metric.WithDescription("Number of rounds started"),
		metric.WithUnit("{round}")); err != nil {
		return fmt.Errorf("creating round counter: %w", err)
	}
	if p.blockCnt, err = m.Int64Counter("block.committed",
		metric.WithDescription("Number of blocks committed by consensus"),
		metric.WithUnit("{block}")); err != nil {
		return fmt.Errorf("creating block counter: %w", err)
	}
	if p.timeoutCnt, err = m.Int64Counter("timeout.fired",
		metric.WithDescription("Number of round timeouts which triggered round change"),
		metric.WithUnit("{timeout}")); err != nil {
		return fmt.Errorf("creating timeout counter: %w", err)
	}
	if p.resyncCnt, err = m.Int64Counter("resync.requested",
		metric.WithDescription("Number of times node detected it is out of sync"),
		metric.WithUnit("{request}")); err != nil {
		return fmt.Errorf("creating resync counter: %w", err)
	}
	if p.proposalErr, err = m.Int64Counter("proposal.failed",
		metric.WithDescription("Number of times proposer failed to build a block"),
		metric.WithUnit("{proposal}")); err != nil {
		return fmt.Errorf("creating proposal failure counter: %w", err)
	}
	if p.phaseCnt, err = m.Int64Counter("phase.changed",
		metric.WithDescription("Number of phase transitions, attributed by the new phase"),
		metric.WithUnit("{transition}")); err != nil {
		return fmt.Errorf("creating phase counter: %w", err)
	}
	return nil
}

func (p *GPBFT) nodeAttr(st *ConsensusState, extra ...attribute.KeyValue) metric.MeasurementOption {
	return observability.Node(st.node.ID(), extra...)
}

func phaseAttr(phase Phase) attribute.KeyValue {
	return observability.PhaseKey.String(phase.String())
}
