package proposer

import "github.com/cuemby/chronicle/pkg/types"

// peerTable is the per-follower replication bookkeeping described in §4.2.
// It is strictly private to the owning Proposer's loop goroutine; nothing
// outside this package ever touches it concurrently.
type peerTable map[string]*types.PeerStatus

func newPeerTable() peerTable {
	return make(peerTable)
}

// seedFromPromise initializes or refreshes a peer's row from the Metadata
// it returned while voting, following the two cases in §4.4's
// "Peer-status initialization from a promise".
func (t peerTable) seedFromPromise(peer string, ourTerm types.Term, meta types.Metadata) {
	st := &types.PeerStatus{}
	if meta.TermVoted.Equal(ourTerm) {
		st.SentSeqno = meta.HighSeqno
		st.AckedSeqno = meta.HighSeqno
		st.SentCommitSeqno = meta.CommittedSeqno
		st.AckedCommitSeqno = meta.CommittedSeqno
		st.NeedsSync = false
	} else {
		st.SentSeqno = meta.CommittedSeqno
		st.AckedSeqno = meta.CommittedSeqno
		st.SentCommitSeqno = meta.CommittedSeqno
		st.AckedCommitSeqno = meta.CommittedSeqno
		st.NeedsSync = meta.HighSeqno > meta.CommittedSeqno
	}
	t[peer] = st
}

// reset clears a peer's row back to empty bookkeeping, used after a
// missingEntries error (§4.4.2) so the next replicate resends from scratch.
func (t peerTable) reset(peer string) {
	t[peer] = &types.PeerStatus{NeedsSync: true}
}

// remove drops a peer's row entirely, used when its Agent monitor signals
// DOWN (§4.4.7).
func (t peerTable) remove(peer string) {
	delete(t, peer)
}

// ackedSeqnos returns the seqno every tracked peer has acknowledged, for
// feeding into quorum.DeduceCommit.
func (t peerTable) ackedSeqnos() map[string]uint64 {
	out := make(map[string]uint64, len(t))
	for p, st := range t {
		out[p] = st.AckedSeqno
	}
	return out
}

// recordAck updates a peer's acked positions, enforcing invariant I1
// (acked never exceeds sent).
func (t peerTable) recordAck(peer string, highSeqno, committedSeqno uint64) {
	st, ok := t[peer]
	if !ok {
		return
	}
	if highSeqno > st.SentSeqno {
		highSeqno = st.SentSeqno
	}
	if committedSeqno > st.SentCommitSeqno {
		committedSeqno = st.SentCommitSeqno
	}
	st.AckedSeqno = highSeqno
	st.AckedCommitSeqno = committedSeqno
}

// needsReplication reports whether peer's row is stale enough that an
// append must be sent: it needs an overwrite sync, has unsent entries, or
// has an unsent commit advance (§4.4.1).
func (t peerTable) needsReplication(peer string, pendingHighSeqno, committedSeqno uint64) bool {
	st, ok := t[peer]
	if !ok {
		return false
	}
	return st.NeedsSync || pendingHighSeqno > st.SentSeqno || committedSeqno > st.SentCommitSeqno
}

// markSent records that entries through highSeqno and commit state through
// committedSeqno were just sent to peer, and clears needsSync (the append
// about to go out is itself the overwrite).
func (t peerTable) markSent(peer string, highSeqno, committedSeqno uint64) {
	st, ok := t[peer]
	if !ok {
		return
	}
	st.SentSeqno = highSeqno
	st.SentCommitSeqno = committedSeqno
	st.NeedsSync = false
}

// markSendFailed resets a peer's sent positions back to its acked
// positions after a failed send, so the next replicate pass retries.
func (t peerTable) markSendFailed(peer string) {
	st, ok := t[peer]
	if !ok {
		return
	}
	st.SentSeqno = st.AckedSeqno
	st.SentCommitSeqno = st.AckedCommitSeqno
}
