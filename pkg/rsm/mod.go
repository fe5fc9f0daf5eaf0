// Package rsm implements the per-state-machine runtime (C6): it consumes
// committed log entries for one named machine in seqno order, applies them
// to a pluggable deterministic "mod", and answers commands, queries, and
// revision-sync requests with the linearizability guarantees of §4.5.
package rsm

import "github.com/cuemby/chronicle/pkg/types"

// Mod is the capability set a pluggable state machine implements, per the
// design notes' "model as a capability set" guidance: commands and queries
// are opaque byte payloads from the runtime's perspective, and Mod owns
// all interpretation of them plus its own data representation.
type Mod interface {
	// Init returns the mod's zero-value data, used when no entries have
	// been applied yet.
	Init() any

	// HandleCommand is invoked only on the leader. It may accept the
	// command (returning an Outcome built with Apply, which is submitted
	// to the log) or reject it deterministically without consuming a log
	// slot (Reject).
	HandleCommand(payload []byte, data any) Outcome

	// HandleQuery answers a read-only query against data on any role. It
	// never mutates data and provides no linearization guarantee on its
	// own.
	HandleQuery(payload []byte, data any) []byte

	// ApplyCommand applies a committed command at revision to data,
	// returning the client-visible reply and the mod's new data.
	ApplyCommand(payload []byte, revision types.Revision, data any) (reply []byte, newData any)
}

// Outcome is the result of HandleCommand: either Apply (submit to the log)
// or Reject (reply immediately with no log slot consumed).
type Outcome struct {
	apply   bool
	reply   []byte
	newData any
}

// Apply accepts a command for replication, updating data optimistically;
// the authoritative newData used client-visible state comes from the later
// ApplyCommand call once the entry commits.
func Apply(newData any) Outcome {
	return Outcome{apply: true, newData: newData}
}

// Reject answers a command immediately without appending a log entry.
func Reject(reply []byte, newData any) Outcome {
	return Outcome{apply: false, reply: reply, newData: newData}
}

// Applied reports whether o was built with Apply (true) or Reject (false);
// mods outside this package use it to assert on their own HandleCommand
// behavior in tests.
func (o Outcome) Applied() bool { return o.apply }

// Reply returns the reply a Reject outcome carries; it is nil for Apply.
func (o Outcome) Reply() []byte { return o.reply }
