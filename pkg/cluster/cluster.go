// Package cluster defines the two external collaborators the proposer
// consults about the world beyond its own log: LeaderElection, which
// decides which node should be establishing a term right now, and
// PeerLiveness, which tracks which peers are currently reachable. Both are
// out of scope for the consensus core itself (§1 of the design) but need a
// concrete shape plus a reference implementation so the core has something
// to run against in tests.
package cluster

import "context"

// TermAnnouncement is delivered to a LeaderElection subscriber when the
// elector decides a node should attempt (or has stopped attempting) to
// hold a term.
type TermAnnouncement struct {
	HistoryID string
	TermNum   uint64
	Node      string
	Started   bool // false means the announcement is a termFinished
}

// LeaderElection decides, out of band from the proposer, which node should
// currently be trying to establish a term. The proposer does not implement
// an election algorithm itself; it reacts to Announcements the way a
// watched value would react to a write.
type LeaderElection interface {
	// Announcements returns a channel of term start/finish decisions for
	// historyID. The channel is closed when ctx is done.
	Announcements(ctx context.Context, historyID string) <-chan TermAnnouncement

	// Resign tells the elector this node is stepping down from termNum,
	// e.g. because its proposer observed a higher term and stopped.
	Resign(historyID string, termNum uint64, node string)
}

// LivenessEvent reports a peer transitioning up or down.
type LivenessEvent struct {
	Peer string
	Up   bool
}

// PeerLiveness tracks which peers are currently reachable. The proposer
// uses it to choose which peers to replicate to and probe (§4.4.7) and to
// pre-count unreachable peers as failed votes when computing Feasible().
type PeerLiveness interface {
	// Subscribe returns a channel of up/down transitions. The channel is
	// closed when ctx is done.
	Subscribe(ctx context.Context) <-chan LivenessEvent

	// LivePeers returns a snapshot of currently-reachable peer ids.
	LivePeers() []string
}
