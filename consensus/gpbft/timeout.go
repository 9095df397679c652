package gpbft

import (
	"context"
	"errors"
	"fmt"

	"github.com/alphabill-org/gpbft/event"
	"github.com/alphabill-org/gpbft/logger"
)

/*
armTimeout schedules timeout event for the current round of the node. When
"cancel" is true the outstanding timeout is cancelled first, when "addDelay"
is true the timer fires Timeout after "time" (otherwise at "time").
*/
func (p *GPBFT) armTimeout(st *ConsensusState, time float64, cancel, addDelay bool) {
	if cancel {
		p.cancelTimeout(st)
	}
	if addDelay {
		time += p.params.Timeout
	}
	st.Timeout = st.node.ScheduleEvent(Name, time, &Message{Kind: KindTimeout, Round: st.Round}, p.HandleEvent)
}

func (p *GPBFT) cancelTimeout(st *ConsensusState) {
	if st.Timeout == nil {
		return
	}
	// timer which has already fired can't be removed
	if err := st.node.CancelEvent(st.Timeout); err != nil && !errors.Is(err, event.ErrNotQueued) {
		st.log.Warn("cancelling timeout", logger.Error(err))
	}
	st.Timeout = nil
}

/*
onTimeout escalates to round change when the round the timer was armed for
didn't finish in time. Before that node checks whether it has fallen behind
its neighbors and requests resync if so.
*/
func (p *GPBFT) onTimeout(st *ConsensusState, ev *event.Event, msg *Message) event.Result {
	if msg.Round != st.Round {
		return event.Invalid
	}
	n := st.node
	if n.MustResyncBeforeProcessing(ev.Time) {
		return event.Handled
	}

	p.timeoutCnt.Add(context.Background(), 1, p.nodeAttr(st))
	st.log.Debug(fmt.Sprintf("round timeout in phase %s", st.Phase), logger.SimTime(ev.Time))
	if n.Synced() {
		if synced, peer := n.CheckNeighborLiveness(); !synced {
			p.requestResync(st, peer, ev.Time)
		}
	}
	p.rounds.ChangeRound(n, ev.Time)
	return event.Handled
}
