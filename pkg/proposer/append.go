package proposer

import (
	"errors"

	"github.com/cuemby/chronicle/pkg/agent"
	"github.com/cuemby/chronicle/pkg/quorum"
	"github.com/cuemby/chronicle/pkg/types"
	"github.com/google/uuid"
)

// handleCommand implements the append path of §4.4.1: commands targeting a
// known RSM are assigned the next seqno and enqueued; others are dropped
// silently (best-effort, no reply).
func (p *Proposer) handleCommand(req commandRequest) {
	cfg, ok := p.activeStableConfig()
	if !ok || !p.rsmKnown(cfg, req.cmd.RsmName) {
		p.logger.Warn().Str("rsm", req.cmd.RsmName).Msg("command targets unknown rsm, dropped")
		return
	}
	if req.cmd.ID == "" {
		req.cmd.ID = uuid.NewString()
	}
	p.pendingHigh++
	entry := types.LogEntry{HistoryID: p.historyID, Term: p.term, Seqno: p.pendingHigh, Value: req.cmd}
	p.pending.push(entry)
	p.replyWaiters[entry.Seqno] = req.reply
	p.replicateAll()
}

// rsmKnown reports whether name appears in the active (or, during a
// transition, current-side) configuration's state machine set.
func (p *Proposer) rsmKnown(cfg types.Config, name string) bool {
	_, ok := cfg.StateMachines[name]
	return ok
}

// activeStableConfig returns the Config governing RSM membership right
// now: the active Config directly, or a Transition's Current side while
// a joint change is in flight.
func (p *Proposer) activeStableConfig() (types.Config, bool) {
	switch c := p.cfg.(type) {
	case types.Config:
		return c, true
	case types.Transition:
		return c.Current, true
	default:
		return types.Config{}, false
	}
}

// replicateAll sends append to every live peer whose row is stale per
// §4.4.1's needsReplication check.
func (p *Proposer) replicateAll() {
	live := make(map[string]bool)
	for _, lp := range p.liveLivenessSnapshot() {
		live[lp] = true
	}
	live[p.self] = true // the local node is always its own peer and always live
	for _, peer := range p.peerSet {
		if !live[peer] {
			continue
		}
		if p.peers.needsReplication(peer, p.pendingHigh, p.committedSeqno) {
			p.replicateTo(peer)
		}
	}
}

func (p *Proposer) replicateTo(peer string) {
	st := p.peers[peer]
	if st == nil {
		p.peers.reset(peer)
		st = p.peers[peer]
	}
	entries := p.pending.from(st.SentSeqno)
	if st.SentSeqno < p.committedSeqno {
		// the peer is missing already-committed entries no longer held in
		// the pending queue; backfill them from the Agent (§4.4.1).
		backfilled, err := p.agentH.GetLog(p.ctx, p.historyID, p.term, st.SentSeqno, p.committedSeqno)
		if err == nil {
			entries = append(backfilled, entries...)
		}
	}
	p.peers.markSent(peer, p.pendingHigh, p.committedSeqno)
	p.monitorPeer(peer)
	p.agentH.Append(p.ctx, peer, p.historyID, p.term, p.committedSeqno, entries, func(high, committed uint64, err error) {
		select {
		case p.appendCh <- appendResult{peer: peer, highSeqno: high, committed: committed, err: err}:
		case <-p.doneCh:
		}
	})
}

// handleAppendResult implements commit advancement (§4.4.2).
func (p *Proposer) handleAppendResult(res appendResult) {
	if res.err != nil {
		switch {
		case errors.Is(res.err, agent.ErrConflictingTerm):
			p.stop("conflictingTerm")
		case errors.Is(res.err, agent.ErrHistoryMismatch):
			p.stop("historyMismatch")
		case errors.Is(res.err, agent.ErrMissingEntries):
			var me *agent.MissingEntriesError
			if errors.As(res.err, &me) {
				p.peers.reset(res.peer)
				p.peers[res.peer].SentSeqno = me.Metadata.CommittedSeqno
				p.peers[res.peer].AckedSeqno = me.Metadata.CommittedSeqno
			} else {
				p.peers.reset(res.peer)
			}
			p.replicateTo(res.peer)
		default:
			p.peers.markSendFailed(res.peer)
			p.stop("unexpectedError")
		}
		return
	}

	p.peers.recordAck(res.peer, res.highSeqno, res.committed)

	newCommit, ok := quorum.DeduceCommit(p.peers.ackedSeqnos(), p.effQuorum)
	if !ok || newCommit <= p.committedSeqno {
		return
	}
	p.committedSeqno = newCommit
	p.highSeqno = p.committedSeqno
	p.pending.dropCommitted(p.committedSeqno)
	p.replyCommitted()
	p.postCommitHousekeeping()
	p.server.CommitAdvanced(p.historyID, p.committedSeqno)
	p.replicateAll()
}

// replyWaiters maps a command's seqno to its client reply callback; it is
// populated in handleCommand and drained here as commits reach each seqno.
// (Declared in the Proposer struct via an init in New; see proposer.go.)
func (p *Proposer) replyCommitted() {
	for seqno, reply := range p.replyWaiters {
		if seqno > p.committedSeqno {
			continue
		}
		reply(types.Revision{HistoryID: p.historyID, Seqno: seqno}, nil)
		delete(p.replyWaiters, seqno)
	}
}
