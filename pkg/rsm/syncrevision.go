package rsm

import (
	"sort"
	"time"

	"github.com/cuemby/chronicle/pkg/types"
)

// syncRevisionWaiter is one outstanding syncRevision call (§4.5): it is
// released once appliedSeqno reaches seqno within historyID, or on timer
// fire, whichever comes first.
type syncRevisionWaiter struct {
	historyID types.HistoryID
	seqno     uint64
	reply     func(ok bool, historyMismatch bool)
	timer     *time.Timer
	fired     bool
}

// syncRevisionQueue keeps waiters ordered by seqno so that "pop every
// request with reqSeqno <= appliedSeqno" is a simple prefix scan, per
// §4.5's apply-loop description.
type syncRevisionQueue struct {
	waiters []*syncRevisionWaiter
}

func newSyncRevisionQueue() *syncRevisionQueue {
	return &syncRevisionQueue{}
}

func (q *syncRevisionQueue) add(w *syncRevisionWaiter) {
	q.waiters = append(q.waiters, w)
	sort.SliceStable(q.waiters, func(i, j int) bool {
		return q.waiters[i].seqno < q.waiters[j].seqno
	})
}

// releaseUpTo pops and returns every waiter whose seqno has been reached,
// in seqno order, stopping their timers as it goes.
func (q *syncRevisionQueue) releaseUpTo(appliedSeqno uint64) []*syncRevisionWaiter {
	i := 0
	for i < len(q.waiters) && q.waiters[i].seqno <= appliedSeqno {
		i++
	}
	released := q.waiters[:i]
	q.waiters = q.waiters[i:]
	for _, w := range released {
		w.timer.Stop()
	}
	return released
}

// releaseHistoryMismatch drops and returns every waiter whose historyID no
// longer matches currentHistoryID, used when an applied Config entry
// starts a new history (§4.5's apply-loop).
func (q *syncRevisionQueue) releaseHistoryMismatch(currentHistoryID types.HistoryID) []*syncRevisionWaiter {
	var kept []*syncRevisionWaiter
	var mismatched []*syncRevisionWaiter
	for _, w := range q.waiters {
		if w.historyID.Equal(currentHistoryID) {
			kept = append(kept, w)
		} else {
			w.timer.Stop()
			mismatched = append(mismatched, w)
		}
	}
	q.waiters = kept
	return mismatched
}

// remove drops w from the queue, used when its timer has already fired and
// it is being retired after delivering a timeout reply.
func (q *syncRevisionQueue) remove(w *syncRevisionWaiter) {
	for i, cand := range q.waiters {
		if cand == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return
		}
	}
}

func (q *syncRevisionQueue) len() int { return len(q.waiters) }
