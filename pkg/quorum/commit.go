package quorum

import "sort"

// DeduceCommit computes the highest seqno acknowledged by a set of peers
// that satisfies q. acked maps peer -> highest seqno that peer has
// acknowledged (peers with no entry in acked are treated as not having
// acknowledged anything and are excluded).
//
// It sorts peers by acked seqno descending and adds them to a growing vote
// set one at a time; the deduced commit is the seqno at which the vote set
// first satisfies q. Because Satisfied is monotone (more votes never make a
// satisfied quorum unsatisfied), this is the highest seqno any quorum-sized
// subset of acked peers agrees on.
func DeduceCommit(acked map[string]uint64, q Quorum) (uint64, bool) {
	type peerSeqno struct {
		peer  string
		seqno uint64
	}
	ordered := make([]peerSeqno, 0, len(acked))
	for p, s := range acked {
		ordered = append(ordered, peerSeqno{peer: p, seqno: s})
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].seqno != ordered[j].seqno {
			return ordered[i].seqno > ordered[j].seqno
		}
		return ordered[i].peer < ordered[j].peer
	})

	votes := make(map[string]bool, len(ordered))
	for _, ps := range ordered {
		votes[ps.peer] = true
		if q.Satisfied(votes) {
			return ps.seqno, true
		}
	}
	return 0, false
}
