/*
Package types holds the replicated-log data model shared across the
consensus core: histories, terms, revisions, log entries, and the metadata
an Agent reports about its local log.

	History  -- epoch of log continuity, two logs with the same id are
	            prefix-compatible
	Term     -- (number, leaderID), totally orders candidate leaderships
	Revision -- (historyID, seqno), the externally visible log position
	LogEntry -- (historyID, term, seqno, value), value is one of
	            RsmCommand | Config | Transition

Nothing in this package owns behavior beyond small, pure helpers (equality,
ordering, cloning); the quorum, proposer, and rsm packages hold the
invariants that interpret these values.
*/
package types
