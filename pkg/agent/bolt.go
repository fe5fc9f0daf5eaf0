package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/cuemby/chronicle/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketLog      = []byte("log")
	bucketMetadata = []byte("metadata")
)

// metaRecord is the JSON-on-disk shape of everything but the log itself;
// the log lives as one key per seqno in bucketLog so GetLog can range over
// it without deserializing the whole history.
type metaRecord struct {
	HistoryID      types.HistoryID
	Term           types.Term
	TermVoted      types.Term
	CommittedSeqno uint64
	Config         json.RawMessage
	ConfigKind     string
	ConfigRevision types.Revision
	PendingBranch  *types.Branch
}

// BoltAgent is a bbolt-backed reference Agent: every EstablishLocalTerm,
// Append, and config adoption is durably committed before replying, the
// way a real Agent's durability NIF would (the NIF itself is out of scope
// per §1; this gives the core something real to crash-test against).
//
// Like MemoryAgent, peer RPCs are resolved through a Registry rather than a
// network transport, since the transport used to reach other Agents is
// likewise out of scope.
type BoltAgent struct {
	mu sync.Mutex

	self     string
	registry *Registry
	db       *bolt.DB
	cache    metaRecord
	highSeqno uint64

	monitorRef MonitorRef
	watchers   []watcher
	dead       bool
}

// NewBoltAgent opens (creating if needed) a bbolt database under dataDir
// for node self, seeded with the given initial configuration if the
// database is empty.
func NewBoltAgent(self string, historyID types.HistoryID, registry *Registry, dataDir string, initial types.Config) (*BoltAgent, error) {
	db, err := bolt.Open(filepath.Join(dataDir, fmt.Sprintf("%s.chronicle.db", self)), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open agent store: %w", err)
	}
	a := &BoltAgent{self: self, registry: registry, db: db}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketLog); err != nil {
			return err
		}
		mb, err := tx.CreateBucketIfNotExists(bucketMetadata)
		if err != nil {
			return err
		}
		raw := mb.Get([]byte("meta"))
		if raw == nil {
			cfgJSON, err := json.Marshal(initial)
			if err != nil {
				return err
			}
			a.cache = metaRecord{HistoryID: historyID, ConfigKind: "config", Config: cfgJSON}
			return a.putMetaLocked(mb)
		}
		return json.Unmarshal(raw, &a.cache)
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	_ = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLog)
		c := b.Cursor()
		if k, _ := c.Last(); k != nil {
			a.highSeqno = seqnoFromKey(k)
		}
		return nil
	})

	registry.RegisterBolt(self, a)
	return a, nil
}

func seqnoFromKey(k []byte) uint64 {
	var n uint64
	for _, b := range k {
		n = n<<8 | uint64(b)
	}
	return n
}

func keyFromSeqno(seqno uint64) []byte {
	return []byte{
		byte(seqno >> 56), byte(seqno >> 48), byte(seqno >> 40), byte(seqno >> 32),
		byte(seqno >> 24), byte(seqno >> 16), byte(seqno >> 8), byte(seqno),
	}
}

func (a *BoltAgent) putMetaLocked(mb *bolt.Bucket) error {
	raw, err := json.Marshal(a.cache)
	if err != nil {
		return err
	}
	return mb.Put([]byte("meta"), raw)
}

func (a *BoltAgent) metadataLocked() types.Metadata {
	var cfg types.EntryValue
	switch a.cache.ConfigKind {
	case "transition":
		var t types.Transition
		_ = json.Unmarshal(a.cache.Config, &t)
		cfg = t
	default:
		var c types.Config
		_ = json.Unmarshal(a.cache.Config, &c)
		cfg = c
	}
	var branch *types.Branch
	if a.cache.PendingBranch != nil {
		b := *a.cache.PendingBranch
		branch = &b
	}
	return types.Metadata{
		HistoryID:      a.cache.HistoryID,
		Term:           a.cache.Term,
		TermVoted:      a.cache.TermVoted,
		HighSeqno:      a.highSeqno,
		CommittedSeqno: a.cache.CommittedSeqno,
		Config:         cfg,
		ConfigRevision: a.cache.ConfigRevision,
		PendingBranch:  branch,
	}
}

func (a *BoltAgent) EstablishLocalTerm(ctx context.Context, historyID types.HistoryID, term types.Term) (types.Metadata, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.establishLocked(historyID, term)
}

func (a *BoltAgent) establishLocked(historyID types.HistoryID, term types.Term) (types.Metadata, error) {
	if !historyID.Equal(a.cache.HistoryID) {
		return types.Metadata{}, &HistoryMismatchError{HistoryID: a.cache.HistoryID}
	}
	if term.Less(a.cache.Term) {
		return types.Metadata{}, &ConflictingTermError{Term: a.cache.Term}
	}
	a.cache.Term = term
	a.cache.TermVoted = term
	if err := a.db.Update(func(tx *bolt.Tx) error {
		return a.putMetaLocked(tx.Bucket(bucketMetadata))
	}); err != nil {
		return types.Metadata{}, err
	}
	return a.metadataLocked(), nil
}

func (a *BoltAgent) EstablishTerm(ctx context.Context, peer string, historyID types.HistoryID, term types.Term, pos LogPosition, done func(types.Metadata, error)) {
	target, ok := a.registry.lookupBolt(peer)
	if !ok {
		done(types.Metadata{}, errAgentDown)
		return
	}
	target.mu.Lock()
	meta, err := target.establishLocked(historyID, term)
	target.mu.Unlock()
	done(meta, err)
}

func (a *BoltAgent) Append(ctx context.Context, peer string, historyID types.HistoryID, term types.Term, committed uint64, entries []types.LogEntry, done func(uint64, uint64, error)) {
	target, ok := a.registry.lookupBolt(peer)
	if !ok {
		done(0, 0, errAgentDown)
		return
	}
	target.mu.Lock()
	high, committedOut, err := target.appendLocked(historyID, term, committed, entries)
	target.mu.Unlock()
	done(high, committedOut, err)
}

func (a *BoltAgent) appendLocked(historyID types.HistoryID, term types.Term, committed uint64, entries []types.LogEntry) (uint64, uint64, error) {
	if !historyID.Equal(a.cache.HistoryID) {
		return 0, 0, &HistoryMismatchError{HistoryID: a.cache.HistoryID}
	}
	if term.Less(a.cache.Term) {
		return 0, 0, &ConflictingTermError{Term: a.cache.Term}
	}
	a.cache.Term = term
	a.cache.TermVoted = term

	err := a.db.Update(func(tx *bolt.Tx) error {
		lb := tx.Bucket(bucketLog)
		for _, e := range entries {
			if e.Seqno > a.highSeqno+1 {
				return &MissingEntriesError{Metadata: a.metadataLocked()}
			}
			kind, payload, err := encodeEntryValue(e.Value)
			if err != nil {
				return err
			}
			raw, err := json.Marshal(entryOnDisk{Term: e.Term, Kind: kind, Payload: payload})
			if err != nil {
				return err
			}
			if err := lb.Put(keyFromSeqno(e.Seqno), raw); err != nil {
				return err
			}
			if e.Seqno > a.highSeqno {
				a.highSeqno = e.Seqno
			}
		}
		if committed > a.cache.CommittedSeqno {
			if committed > a.highSeqno {
				committed = a.highSeqno
			}
			a.cache.CommittedSeqno = committed
			if err := a.adoptActiveConfigLocked(lb); err != nil {
				return err
			}
		}
		return a.putMetaLocked(tx.Bucket(bucketMetadata))
	})
	if err != nil {
		return 0, 0, err
	}
	return a.highSeqno, a.cache.CommittedSeqno, nil
}

// entryOnDisk strips HistoryID/Seqno, which are implied by the bucket and
// key, keeping each log record's JSON small. Value is stored as a kind tag
// plus a raw payload rather than through the EntryValue interface field
// directly: encoding/json cannot decode a JSON object into a nil,
// non-empty interface, so the interface has to be resolved by hand via
// encodeEntryValue/decodeEntryValue, the same discriminated-union shape
// metaRecord/adoptActiveConfigLocked already use for Config vs Transition.
type entryOnDisk struct {
	Term    types.Term
	Kind    string
	Payload json.RawMessage
}

// encodeEntryValue renders an EntryValue to its on-disk kind tag + payload.
func encodeEntryValue(v types.EntryValue) (kind string, payload json.RawMessage, err error) {
	switch val := v.(type) {
	case types.RsmCommand:
		payload, err = json.Marshal(val)
		return "command", payload, err
	case types.Config:
		payload, err = json.Marshal(val)
		return "config", payload, err
	case types.Transition:
		payload, err = json.Marshal(val)
		return "transition", payload, err
	default:
		return "", nil, fmt.Errorf("agent: unknown entry value type %T", v)
	}
}

// decodeEntryValue is the inverse of encodeEntryValue.
func decodeEntryValue(kind string, payload json.RawMessage) (types.EntryValue, error) {
	switch kind {
	case "command":
		var v types.RsmCommand
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, err
		}
		return v, nil
	case "config":
		var v types.Config
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, err
		}
		return v, nil
	case "transition":
		var v types.Transition
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, fmt.Errorf("agent: unknown entry kind %q", kind)
	}
}

func (a *BoltAgent) adoptActiveConfigLocked(lb *bolt.Bucket) error {
	for seqno := a.cache.CommittedSeqno; seqno >= 1; seqno-- {
		raw := lb.Get(keyFromSeqno(seqno))
		if raw == nil {
			continue
		}
		var rec entryOnDisk
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		if rec.Kind != "config" && rec.Kind != "transition" {
			continue
		}
		a.cache.ConfigKind = rec.Kind
		a.cache.Config = rec.Payload
		a.cache.ConfigRevision = types.Revision{HistoryID: a.cache.HistoryID, Seqno: seqno}
		return nil
	}
	return nil
}

func (a *BoltAgent) EnsureTerm(ctx context.Context, peer string, historyID types.HistoryID, term types.Term, done func(error)) {
	target, ok := a.registry.lookupBolt(peer)
	if !ok {
		done(errAgentDown)
		return
	}
	target.mu.Lock()
	defer target.mu.Unlock()
	if !historyID.Equal(target.cache.HistoryID) {
		done(&HistoryMismatchError{HistoryID: target.cache.HistoryID})
		return
	}
	if term.Less(target.cache.Term) {
		done(&ConflictingTermError{Term: target.cache.Term})
		return
	}
	target.cache.Term = term
	done(nil)
}

func (a *BoltAgent) GetLog(ctx context.Context, historyID types.HistoryID, term types.Term, fromSeqno, toSeqno uint64) ([]types.LogEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !historyID.Equal(a.cache.HistoryID) {
		return nil, &HistoryMismatchError{HistoryID: a.cache.HistoryID}
	}
	var out []types.LogEntry
	err := a.db.View(func(tx *bolt.Tx) error {
		lb := tx.Bucket(bucketLog)
		for seqno := fromSeqno + 1; seqno <= toSeqno; seqno++ {
			raw := lb.Get(keyFromSeqno(seqno))
			if raw == nil {
				break
			}
			var rec entryOnDisk
			if err := json.Unmarshal(raw, &rec); err != nil {
				return err
			}
			val, err := decodeEntryValue(rec.Kind, rec.Payload)
			if err != nil {
				return err
			}
			out = append(out, types.LogEntry{HistoryID: a.cache.HistoryID, Term: rec.Term, Seqno: seqno, Value: val})
		}
		return nil
	})
	return out, err
}

func (a *BoltAgent) GetMetadata(ctx context.Context) (types.Metadata, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.metadataLocked(), nil
}

func (a *BoltAgent) Monitor(peer string) (MonitorRef, <-chan DownEvent) {
	target, ok := a.registry.lookupBolt(peer)
	ch := make(chan DownEvent, 1)
	if !ok {
		ch <- DownEvent{Peer: peer, Reason: errAgentDown}
		return 0, ch
	}
	target.mu.Lock()
	defer target.mu.Unlock()
	target.monitorRef++
	ref := target.monitorRef
	if target.dead {
		ch <- DownEvent{Ref: ref, Peer: peer, Reason: errAgentDown}
		return ref, ch
	}
	target.watchers = append(target.watchers, watcher{ref: ref, ch: ch})
	return ref, ch
}

func (a *BoltAgent) Demonitor(peer string, ref MonitorRef) {
	target, ok := a.registry.lookupBolt(peer)
	if !ok {
		return
	}
	target.mu.Lock()
	defer target.mu.Unlock()
	kept := target.watchers[:0]
	for _, w := range target.watchers {
		if w.ref != ref {
			kept = append(kept, w)
		}
	}
	target.watchers = kept
}

// Close closes the underlying database.
func (a *BoltAgent) Close() error {
	return a.db.Close()
}
