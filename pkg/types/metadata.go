package types

// Metadata is the per-node record the Agent reports: what it knows about
// the current history, the term it has promised, and its log extent.
type Metadata struct {
	HistoryID      HistoryID
	Term           Term
	TermVoted      Term
	HighSeqno      uint64
	CommittedSeqno uint64
	Config         EntryValue // Config or Transition
	ConfigRevision Revision
	PendingBranch  *Branch
}

// BranchStatus enumerates the lifecycle of a quorum-failover artifact.
type BranchStatus string

const (
	BranchPending  BranchStatus = "pending"
	BranchResolved BranchStatus = "resolved"
)

// Branch is an externally-supplied recovery artifact: it authorizes a
// surviving peer subset to continue a history after catastrophic loss of
// quorum. Branch creation is out of scope for the core; the core only
// consumes PendingBranch off Metadata and resolves it.
type Branch struct {
	HistoryID   HistoryID
	Coordinator string
	Peers       []string
	Status      BranchStatus
	Opaque      []byte
}

// PeerStatus is the proposer-local replication bookkeeping for one follower
// (including the leader's own loopback row). It is never shared outside the
// owning Proposer's goroutine.
type PeerStatus struct {
	NeedsSync        bool
	SentSeqno        uint64
	SentCommitSeqno  uint64
	AckedSeqno       uint64
	AckedCommitSeqno uint64
}
