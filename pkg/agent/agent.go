// Package agent defines the per-node persistent log and metadata store the
// proposer and RSM runtime consume. The core treats the Agent purely as an
// external collaborator (§1, §6 of the design): this package gives that
// interface a concrete shape plus two reference implementations (an
// in-memory store for tests, a bbolt-backed store for a real process) so
// the rest of the core has something to run against.
package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/chronicle/pkg/types"
)

// Error kinds visible to the proposer, per §6/§7 of the design.
var (
	ErrConflictingTerm = errors.New("conflicting term")
	ErrHistoryMismatch = errors.New("history mismatch")
	ErrBehind          = errors.New("behind")
	ErrMissingEntries  = errors.New("missing entries")
)

// ConflictingTermError carries the higher term a peer has already promised.
type ConflictingTermError struct{ Term types.Term }

func (e *ConflictingTermError) Error() string { return fmt.Sprintf("conflicting term %s", e.Term) }
func (e *ConflictingTermError) Unwrap() error  { return ErrConflictingTerm }

// HistoryMismatchError carries the history id the peer is actually on.
type HistoryMismatchError struct{ HistoryID types.HistoryID }

func (e *HistoryMismatchError) Error() string {
	return fmt.Sprintf("history mismatch, peer is on %s", e.HistoryID)
}
func (e *HistoryMismatchError) Unwrap() error { return ErrHistoryMismatch }

// BehindError carries the log position the peer reports during establish.
type BehindError struct{ HighSeqno uint64 }

func (e *BehindError) Error() string { return fmt.Sprintf("behind, peer high seqno %d", e.HighSeqno) }
func (e *BehindError) Unwrap() error { return ErrBehind }

// MissingEntriesError carries the metadata the proposer should re-seed peer
// status from before re-replicating.
type MissingEntriesError struct{ Metadata types.Metadata }

func (e *MissingEntriesError) Error() string { return "missing entries" }
func (e *MissingEntriesError) Unwrap() error { return ErrMissingEntries }

// LogPosition is the (highSeqno) position the proposer advertises when
// inviting a peer to establish a term. Neither reference implementation in
// this package reads it, and neither returns a BehindError.
type LogPosition struct {
	HighSeqno uint64
}

// Agent is the per-node persistent log + metadata store the core consumes.
// EstablishTerm, Append, and EnsureTerm model the async, fire-and-forget,
// reply-by-callback calls described in §5/§6: they take the target peer id
// and invoke done with the outcome once complete (which may be
// synchronously, for the reference implementations here, or asynchronously
// over a real transport).
type Agent interface {
	// EstablishLocalTerm durably records that this node has become a
	// candidate for (historyId, term) and returns the resulting local
	// metadata, or an error if a higher term was already promised.
	EstablishLocalTerm(ctx context.Context, historyID types.HistoryID, term types.Term) (types.Metadata, error)

	// EstablishTerm asks peer to promise not to accept any term lower
	// than term, replying with the peer's metadata or an error.
	EstablishTerm(ctx context.Context, peer string, historyID types.HistoryID, term types.Term, pos LogPosition, done func(types.Metadata, error))

	// Append replicates entries to peer under (historyId, term), committed
	// advertises the sender's committed seqno. done receives the peer's
	// (highSeqno, committedSeqno) on success.
	Append(ctx context.Context, peer string, historyID types.HistoryID, term types.Term, committed uint64, entries []types.LogEntry, done func(highSeqno, committedSeqno uint64, err error))

	// EnsureTerm is a lightweight position probe used for sync-quorum
	// requests and periodic liveness checks; it succeeds iff peer still
	// recognizes (historyId, term) as current.
	EnsureTerm(ctx context.Context, peer string, historyID types.HistoryID, term types.Term, done func(error))

	// GetLog returns entries in (fromSeqno, toSeqno] from the local log,
	// used to backfill a peer's append and to feed an RSM's reader.
	GetLog(ctx context.Context, historyID types.HistoryID, term types.Term, fromSeqno, toSeqno uint64) ([]types.LogEntry, error)

	// GetMetadata returns the node's current metadata, used by an RSM at
	// startup to learn historyId/appliedSeqno/availableSeqno.
	GetMetadata(ctx context.Context) (types.Metadata, error)

	// Monitor arranges a DOWN notification on the returned channel if
	// peer's agent becomes unreachable. The returned ref must be echoed
	// back by the caller on every request sent while monitoring peer
	// under it (stale-response defense, §5/§7): a reply whose ref no
	// longer matches the current monitor ref for that peer is stale and
	// must be discarded.
	Monitor(peer string) (ref MonitorRef, down <-chan DownEvent)

	// Demonitor cancels a prior Monitor; it is a no-op if ref is stale.
	Demonitor(peer string, ref MonitorRef)
}

// MonitorRef identifies one Monitor registration; a new ref is minted every
// time a peer is (re)monitored so stale replies from a dead channel can
// never be mistaken for replies on the current one.
type MonitorRef uint64

// DownEvent is delivered on a Monitor channel when the monitored peer dies.
type DownEvent struct {
	Ref    MonitorRef
	Peer   string
	Reason error
}
