package proposer

// syncRequest is one outstanding syncQuorum call, tracked per §4.4.6: the
// Proposer collects per-peer ensureTerm acknowledgements until the vote set
// satisfies the active quorum, or until infeasibility proves it never will.
type syncRequest struct {
	tag         uint64
	votes       map[string]bool
	failedVotes map[string]bool
	reply       func(ok bool)
	settled     bool
}

func newSyncRequest(tag uint64, deadPeers []string, reply func(ok bool)) *syncRequest {
	failed := make(map[string]bool, len(deadPeers))
	for _, p := range deadPeers {
		failed[p] = true
	}
	return &syncRequest{tag: tag, votes: make(map[string]bool), failedVotes: failed, reply: reply}
}

func (r *syncRequest) voteList() []string {
	out := make([]string, 0, len(r.votes))
	for p := range r.votes {
		out = append(out, p)
	}
	return out
}

func (r *syncRequest) failedList() []string {
	out := make([]string, 0, len(r.failedVotes))
	for p := range r.failedVotes {
		out = append(out, p)
	}
	return out
}

// syncQuorumTable tracks every outstanding syncRequest by tag, so peer-down
// and config-change events (§4.4.6's re-evaluation triggers) can sweep all
// of them at once.
type syncQuorumTable map[uint64]*syncRequest

func newSyncQuorumTable() syncQuorumTable {
	return make(syncQuorumTable)
}
