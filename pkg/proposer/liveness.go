package proposer

import (
	"errors"

	"github.com/cuemby/chronicle/pkg/agent"
	"github.com/cuemby/chronicle/pkg/cluster"
	"github.com/cuemby/chronicle/pkg/quorum"
)

func (p *Proposer) liveSet() map[string]bool {
	live := make(map[string]bool)
	for _, lp := range p.liveLivenessSnapshot() {
		live[lp] = true
	}
	return live
}

// sendEnsureTerm issues an ensureTerm position probe to peer, tagged with
// why it was sent so handleEnsureResult can route the reply: a bare
// liveness/checkPeers probe (§4.4.7) or a syncQuorum vote (§4.4.6).
func (p *Proposer) sendEnsureTerm(peer string, purpose ensurePurpose, tag uint64) {
	p.monitorPeer(peer)
	p.agentH.EnsureTerm(p.ctx, peer, p.historyID, p.term, func(err error) {
		select {
		case p.ensureCh <- ensureResult{peer: peer, purpose: purpose, syncTag: tag, err: err}:
		case <-p.doneCh:
		}
	})
}

func (p *Proposer) handleEnsureResult(res ensureResult) {
	switch res.purpose {
	case purposeCheckPeers:
		if res.err == nil {
			return
		}
		switch {
		case errors.Is(res.err, agent.ErrConflictingTerm):
			p.stop("conflictingTerm")
		case errors.Is(res.err, agent.ErrHistoryMismatch):
			p.stop("historyMismatch")
		}
	case purposeSyncQuorum:
		sr, ok := p.syncs[res.syncTag]
		if !ok {
			return
		}
		if res.err != nil {
			sr.failedVotes[res.peer] = true
		} else {
			sr.votes[res.peer] = true
		}
		p.evaluateSyncRequest(sr)
	}
}

// evaluateSyncRequest settles sr once its vote set satisfies the quorum or
// its failure set proves it never can (§4.4.6).
func (p *Proposer) evaluateSyncRequest(sr *syncRequest) {
	if sr.settled {
		return
	}
	if quorum.HaveQuorum(sr.voteList(), p.effQuorum) {
		sr.settled = true
		sr.reply(true)
		delete(p.syncs, sr.tag)
		return
	}
	if !quorum.Feasible(p.peerSet, sr.failedList(), p.effQuorum) {
		sr.settled = true
		sr.reply(false)
		delete(p.syncs, sr.tag)
	}
}

// handleSyncQuorumRequest implements the read-linearization protocol of
// §4.4.6: it seeds a SyncRequest with the local (self) vote already
// counted and dead peers pre-failed, then broadcasts ensureTerm to the
// remaining live peers.
func (p *Proposer) handleSyncQuorumRequest(req syncQuorumRequest) {
	live := p.liveSet()
	var dead []string
	for _, peer := range p.peerSet {
		if peer != p.self && !live[peer] {
			dead = append(dead, peer)
		}
	}
	sr := newSyncRequest(req.tag, dead, req.reply)
	sr.votes[p.self] = true
	p.syncs[req.tag] = sr
	for _, peer := range p.peerSet {
		if peer == p.self || !live[peer] {
			continue
		}
		p.sendEnsureTerm(peer, purposeSyncQuorum, req.tag)
	}
	p.evaluateSyncRequest(sr)
}

// sweepSyncRequests re-evaluates every outstanding syncQuorum request
// against the current effective quorum and probes any peer in the new
// peer set it hasn't already heard from, per §4.4.6: "Outstanding requests
// are re-evaluated on config change (may require probing newly added
// peers)." Called from recomputeQuorum so every config-adoption path
// (handleConfigRequest, proposeFutureConfig, resolveBranch, and the
// branch-cleared case in postCommitHousekeeping) sweeps automatically.
func (p *Proposer) sweepSyncRequests() {
	if len(p.syncs) == 0 {
		return
	}
	live := p.liveSet()
	for _, sr := range p.syncs {
		if sr.settled {
			continue
		}
		for _, peer := range p.peerSet {
			if peer == p.self || sr.votes[peer] || sr.failedVotes[peer] || !live[peer] {
				continue
			}
			p.sendEnsureTerm(peer, purposeSyncQuorum, sr.tag)
		}
		p.evaluateSyncRequest(sr)
	}
}

// handleDown implements the Agent-DOWN branch of §4.4.7/§7's stale-response
// defense: a DOWN event whose ref no longer matches the peer's current
// monitor ref is stale and discarded.
func (p *Proposer) handleDown(ev agent.DownEvent) {
	if p.monitorRefs[ev.Peer] != ev.Ref {
		return
	}
	delete(p.monitorRefs, ev.Peer)

	if ev.Peer == p.self {
		p.stop("agentTerminated(self)")
		return
	}
	p.peers.remove(ev.Peer)

	if p.state == stateEstablishing {
		p.failedVotes[ev.Peer] = true
		if !quorum.Feasible(p.peerSet, voteList(p.failedVotes), p.effQuorum) {
			p.stop("noQuorum")
		}
		return
	}
	for _, sr := range p.syncs {
		if !sr.votes[ev.Peer] {
			sr.failedVotes[ev.Peer] = true
		}
		p.evaluateSyncRequest(sr)
	}
}

// handleLiveness implements §4.4.7's nodeup/nodedown integration: nodeup
// while Proposing re-probes a known peer; nodedown takes no direct action
// since the Agent monitor DOWN will follow.
func (p *Proposer) handleLiveness(ev cluster.LivenessEvent) {
	if p.state != stateProposing || !ev.Up {
		return
	}
	for _, peer := range p.peerSet {
		if peer == ev.Peer {
			p.sendEnsureTerm(peer, purposeCheckPeers, 0)
			return
		}
	}
}

// handleCheckPeers implements the periodic probe scheduled on entering
// Proposing: any live peer not currently monitored gets an ensureTerm
// position probe.
func (p *Proposer) handleCheckPeers() {
	live := p.liveSet()
	for _, peer := range p.peerSet {
		if peer == p.self || !live[peer] {
			continue
		}
		if _, monitored := p.monitorRefs[peer]; !monitored {
			p.sendEnsureTerm(peer, purposeCheckPeers, 0)
		}
	}
}
