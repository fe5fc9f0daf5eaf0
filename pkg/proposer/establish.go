package proposer

import (
	"errors"

	"github.com/cuemby/chronicle/pkg/agent"
	"github.com/cuemby/chronicle/pkg/quorum"
	"github.com/cuemby/chronicle/pkg/types"
)

// adoptConfig installs cfg as the active configuration at rev, without
// comparing rev against the current configRevision, then recomputes the
// effective quorum.
func (p *Proposer) adoptConfig(cfg types.EntryValue, rev types.Revision) {
	p.cfg = cfg
	p.configRevision = rev
	p.recomputeQuorum()
}

// recomputeQuorum derives the effective quorum from the active config,
// respecting a pending branch per §4.1/§4.4: while a branch awaits
// resolution, unanimity of the branch's surviving peers governs instead of
// the stale config's quorum.
func (p *Proposer) recomputeQuorum() {
	if p.pendingBranch != nil {
		p.effQuorum = quorum.BranchResolution(p.pendingBranch.Peers)
	} else {
		switch c := p.cfg.(type) {
		case types.Transition:
			p.effQuorum = quorum.Transitioning(p.self, c.Current.Voters, c.Future.Voters)
		case types.Config:
			p.effQuorum = quorum.Stable(p.self, c.Voters)
		default:
			p.effQuorum = quorum.Stable(p.self, []string{p.self})
		}
	}
	p.peerSet = p.effQuorum.Peers()
	p.sweepSyncRequests()
}

// handleEstablishVote processes one establishTerm response (self-loopback
// or peer) per §4.4's EstablishingTerm vote handling. Returns true if this
// vote completed the transition to Proposing.
func (p *Proposer) handleEstablishVote(ev establishVote) bool {
	if ev.err != nil {
		switch {
		case errors.Is(ev.err, agent.ErrConflictingTerm):
			p.stop("conflictingTerm")
			return false
		case errors.Is(ev.err, agent.ErrHistoryMismatch):
			p.stop("historyMismatch")
			return false
		case errors.Is(ev.err, agent.ErrBehind):
			p.failedVotes[ev.peer] = true
		default:
			p.stop("unexpectedError")
			return false
		}
	} else {
		p.peers.seedFromPromise(ev.peer, p.term, ev.meta)
		p.votes[ev.peer] = true
		if ev.meta.CommittedSeqno > p.committedSeqno {
			p.committedSeqno = ev.meta.CommittedSeqno
		}
	}

	if quorum.HaveQuorum(voteList(p.votes), p.effQuorum) {
		p.enterProposing()
		return true
	}
	if !quorum.Feasible(p.peerSet, voteList(p.failedVotes), p.effQuorum) {
		p.stop("noQuorum")
	}
	return false
}

func voteList(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for p, ok := range m {
		if ok {
			out = append(out, p)
		}
	}
	return out
}

// enterProposing performs the "Proposing — entry" actions of §4.4:
// notify the Server, resolve any pending branch, complete an in-progress
// transition, replicate, and arm the checkPeers tick (armed by the caller
// in the main loop once this returns).
func (p *Proposer) enterProposing() {
	p.state = stateProposing
	p.logger.Info().Uint64("term", p.term.Num).Msg("proposer established term")
	p.server.ProposerReady(p.historyID, p.term, p.highSeqno)

	if p.pendingBranch != nil {
		p.resolveBranch()
	}
	p.tryCompleteTransition()
	p.replicateAll()
}
