// Package types holds the wire-level data model shared by the proposer and
// the RSM runtime: histories, terms, revisions, log entries, and the
// metadata record an Agent reports about its local log.
package types

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// HistoryID names an epoch of log continuity. Two logs with equal HistoryID
// are prefix-compatible; a different HistoryID indicates a branch.
type HistoryID []byte

// Equal reports whether two history ids name the same epoch.
func (h HistoryID) Equal(other HistoryID) bool {
	return bytes.Equal(h, other)
}

// String renders the history id for logging.
func (h HistoryID) String() string {
	return hex.EncodeToString(h)
}

// Term is a strictly monotone leadership epoch: a candidate only becomes
// leader by establishing a term no peer has seen before.
type Term struct {
	Num      uint64
	LeaderID string
}

// Less reports whether t sorts strictly before other. Terms are ordered by
// number first, then by leader id, so that (num, leader) totally orders
// candidate leaderships even if two leaders somehow proposed the same number.
func (t Term) Less(other Term) bool {
	if t.Num != other.Num {
		return t.Num < other.Num
	}
	return t.LeaderID < other.LeaderID
}

// Equal reports whether t and other name the same term.
func (t Term) Equal(other Term) bool {
	return t.Num == other.Num && t.LeaderID == other.LeaderID
}

func (t Term) String() string {
	return fmt.Sprintf("(%d,%s)", t.Num, t.LeaderID)
}

// ZeroTerm is the term used before any term has ever been established.
var ZeroTerm = Term{}

// Revision is the externally visible version of a log entry.
type Revision struct {
	HistoryID HistoryID
	Seqno     uint64
}

// FullRevision additionally carries the term that produced the entry. The
// core does not consume it; the RSM runtime's in-term reply check compares
// LogEntry.Term directly.
type FullRevision struct {
	HistoryID HistoryID
	Term      Term
	Seqno     uint64
}

func (r Revision) String() string {
	return fmt.Sprintf("%s:%d", r.HistoryID, r.Seqno)
}

// Less orders revisions first by history, then by seqno. Revisions from
// different histories are incomparable in practice but Less gives a total
// order so revisions can be used as map/sort keys.
func (r Revision) Less(other Revision) bool {
	if c := bytes.Compare(r.HistoryID, other.HistoryID); c != 0 {
		return c < 0
	}
	return r.Seqno < other.Seqno
}
