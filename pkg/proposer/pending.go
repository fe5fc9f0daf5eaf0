package proposer

import "github.com/cuemby/chronicle/pkg/types"

// pendingQueue is the in-memory FIFO of entries proposed but not yet
// committed described in §4.3. All entries carry seqno > committedSeqno;
// a simple backing slice is enough at the scale this core runs at (a
// handful of in-flight entries between commit rounds), so no ring buffer
// or skip-list is warranted.
type pendingQueue struct {
	entries []types.LogEntry
}

// push appends an entry to the tail of the queue. Callers are responsible
// for assigning strictly increasing seqnos before calling push.
func (q *pendingQueue) push(e types.LogEntry) {
	q.entries = append(q.entries, e)
}

// dropCommitted removes the prefix of the queue whose seqno is now
// committed, the "drop-while" half of the take-fold/drop-while pair §4.3
// calls for.
func (q *pendingQueue) dropCommitted(committedSeqno uint64) {
	i := 0
	for i < len(q.entries) && q.entries[i].Seqno <= committedSeqno {
		i++
	}
	q.entries = q.entries[i:]
}

// truncateAbove drops every entry with seqno > seqno, used during branch
// resolution (§4.4.4) to discard uncommitted tail entries.
func (q *pendingQueue) truncateAbove(seqno uint64) {
	i := 0
	for i < len(q.entries) && q.entries[i].Seqno <= seqno {
		i++
	}
	q.entries = q.entries[:i]
}

// from returns the entries with seqno in (fromSeqno, +inf), the
// "take" half used when replicating to a peer whose sent position is
// fromSeqno.
func (q *pendingQueue) from(fromSeqno uint64) []types.LogEntry {
	i := 0
	for i < len(q.entries) && q.entries[i].Seqno <= fromSeqno {
		i++
	}
	return q.entries[i:]
}

func (q *pendingQueue) empty() bool {
	return len(q.entries) == 0
}
