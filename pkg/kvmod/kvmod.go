// Package kvmod is a small replicated key-value store built on top of
// pkg/rsm's Mod capability set: a concrete example of the "pluggable state
// machine" the design notes describe, and the default state machine the
// cmd/chronicle binary registers.
package kvmod

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/chronicle/pkg/rsm"
	"github.com/cuemby/chronicle/pkg/types"
)

// Op names the kind of mutation a Command encodes.
type Op string

const (
	OpSet    Op = "set"
	OpDelete Op = "delete"
)

// Command is the wire format of a kvmod mutation. It is JSON-encoded into
// an RsmCommand's Payload.
type Command struct {
	Op    Op     `json:"op"`
	Key   string `json:"key"`
	Value []byte `json:"value,omitempty"`
}

// Query is the wire format of a kvmod read.
type Query struct {
	Key string `json:"key"`
}

// QueryResult is the wire format of a kvmod read's reply.
type QueryResult struct {
	Found bool   `json:"found"`
	Value []byte `json:"value,omitempty"`
}

// Reply is the wire format of a kvmod command's applied reply.
type Reply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// store is the mod's data: a plain map, replaced wholesale on every apply
// via copy-on-write so concurrent readers of a stale snapshot (there are
// none today, since the runtime serializes all access) never observe a
// partial mutation.
type store map[string][]byte

// Mod implements rsm.Mod over store.
type Mod struct{}

// New returns a kvmod.Mod ready to register with an rsm.Runtime.
func New() Mod { return Mod{} }

func (Mod) Init() any { return store{} }

// HandleCommand decodes payload and accepts it for replication; a
// malformed command or one with an empty key is rejected immediately
// without consuming a log slot.
func (Mod) HandleCommand(payload []byte, data any) rsm.Outcome {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		reply, _ := json.Marshal(Reply{Error: fmt.Sprintf("bad command: %v", err)})
		return rsm.Reject(reply, data)
	}
	if cmd.Key == "" {
		reply, _ := json.Marshal(Reply{Error: "empty key"})
		return rsm.Reject(reply, data)
	}
	return rsm.Apply(data)
}

// HandleQuery answers a read directly against the current snapshot.
func (Mod) HandleQuery(payload []byte, data any) []byte {
	var q Query
	if err := json.Unmarshal(payload, &q); err != nil {
		out, _ := json.Marshal(QueryResult{})
		return out
	}
	s := data.(store)
	v, ok := s[q.Key]
	out, _ := json.Marshal(QueryResult{Found: ok, Value: v})
	return out
}

// ApplyCommand mutates the snapshot at revision and returns the
// client-visible ok reply.
func (Mod) ApplyCommand(payload []byte, revision types.Revision, data any) ([]byte, any) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		reply, _ := json.Marshal(Reply{Error: fmt.Sprintf("bad command: %v", err)})
		return reply, data
	}
	old := data.(store)
	next := make(store, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	switch cmd.Op {
	case OpSet:
		next[cmd.Key] = cmd.Value
	case OpDelete:
		delete(next, cmd.Key)
	}
	reply, _ := json.Marshal(Reply{OK: true})
	return reply, next
}
