package agent

import (
	"context"
	"sync"

	"github.com/cuemby/chronicle/pkg/types"
)

// Registry resolves peer ids to MemoryAgent instances, standing in for the
// transport a real Agent would use to reach other nodes. Tests build one
// Registry per simulated cluster and register one MemoryAgent per node.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*MemoryAgent
	bolt   map[string]*BoltAgent
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*MemoryAgent)}
}

// Register adds a node's agent under id, making it reachable to peers.
func (r *Registry) Register(id string, a *MemoryAgent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[id] = a
}

// Kill removes a node's agent, simulating a crash: future RPCs to it fail,
// and anyone monitoring it receives a DOWN event.
func (r *Registry) Kill(id string) {
	r.mu.Lock()
	a, ok := r.agents[id]
	delete(r.agents, id)
	r.mu.Unlock()
	if ok {
		a.killed()
	}
}

func (r *Registry) lookup(id string) (*MemoryAgent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// RegisterBolt adds a node's bbolt-backed agent under id. A Registry may
// mix MemoryAgent and BoltAgent nodes; each peer RPC method resolves
// against the map matching its own receiver type.
func (r *Registry) RegisterBolt(id string, a *BoltAgent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bolt == nil {
		r.bolt = make(map[string]*BoltAgent)
	}
	r.bolt[id] = a
}

func (r *Registry) lookupBolt(id string) (*BoltAgent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.bolt[id]
	return a, ok
}

// MemoryAgent is an in-memory reference implementation of Agent, suitable
// for tests and for driving the scenarios in §8 of the design without a
// real transport or disk.
type MemoryAgent struct {
	mu sync.Mutex

	self     string
	registry *Registry

	historyID      types.HistoryID
	term           types.Term
	termVoted      types.Term
	log            []types.LogEntry // log[i] has seqno i+1
	committedSeqno uint64
	config         types.EntryValue
	configRevision types.Revision
	pendingBranch  *types.Branch

	monitorRef MonitorRef
	watchers   []watcher
	dead       bool
}

type watcher struct {
	ref MonitorRef
	ch  chan DownEvent
}

// NewMemoryAgent creates an agent for node self on historyID with an empty
// log and the given initial stable configuration.
func NewMemoryAgent(self string, historyID types.HistoryID, registry *Registry, initial types.Config) *MemoryAgent {
	a := &MemoryAgent{
		self:     self,
		registry: registry,
		historyID: historyID,
		config:    initial,
	}
	registry.Register(self, a)
	return a
}

func (a *MemoryAgent) killed() {
	a.mu.Lock()
	a.dead = true
	watchers := a.watchers
	a.watchers = nil
	a.mu.Unlock()
	for _, w := range watchers {
		w.ch <- DownEvent{Ref: w.ref, Peer: a.self, Reason: errAgentDown}
	}
}

var errAgentDown = errConst("agent down")

type errConst string

func (e errConst) Error() string { return string(e) }

func (a *MemoryAgent) EstablishLocalTerm(ctx context.Context, historyID types.HistoryID, term types.Term) (types.Metadata, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.establishLocked(historyID, term)
}

func (a *MemoryAgent) establishLocked(historyID types.HistoryID, term types.Term) (types.Metadata, error) {
	if !historyID.Equal(a.historyID) {
		return types.Metadata{}, &HistoryMismatchError{HistoryID: a.historyID}
	}
	if a.term.Less(term) || a.term.Equal(types.ZeroTerm) {
		a.term = term
	} else if term.Less(a.term) {
		return types.Metadata{}, &ConflictingTermError{Term: a.term}
	}
	a.termVoted = term
	return a.metadataLocked(), nil
}

func (a *MemoryAgent) metadataLocked() types.Metadata {
	var branch *types.Branch
	if a.pendingBranch != nil {
		b := *a.pendingBranch
		branch = &b
	}
	return types.Metadata{
		HistoryID:      a.historyID,
		Term:           a.term,
		TermVoted:      a.termVoted,
		HighSeqno:      uint64(len(a.log)),
		CommittedSeqno: a.committedSeqno,
		Config:         a.config,
		ConfigRevision: a.configRevision,
		PendingBranch:  branch,
	}
}

func (a *MemoryAgent) EstablishTerm(ctx context.Context, peer string, historyID types.HistoryID, term types.Term, pos LogPosition, done func(types.Metadata, error)) {
	target, ok := a.registry.lookup(peer)
	if !ok {
		done(types.Metadata{}, errAgentDown)
		return
	}
	target.mu.Lock()
	meta, err := target.establishLocked(historyID, term)
	target.mu.Unlock()
	done(meta, err)
}

func (a *MemoryAgent) Append(ctx context.Context, peer string, historyID types.HistoryID, term types.Term, committed uint64, entries []types.LogEntry, done func(uint64, uint64, error)) {
	target, ok := a.registry.lookup(peer)
	if !ok {
		done(0, 0, errAgentDown)
		return
	}
	target.mu.Lock()
	high, committedOut, err := target.appendLocked(historyID, term, committed, entries)
	target.mu.Unlock()
	done(high, committedOut, err)
}

func (a *MemoryAgent) appendLocked(historyID types.HistoryID, term types.Term, committed uint64, entries []types.LogEntry) (uint64, uint64, error) {
	if !historyID.Equal(a.historyID) {
		return 0, 0, &HistoryMismatchError{HistoryID: a.historyID}
	}
	if term.Less(a.term) {
		return 0, 0, &ConflictingTermError{Term: a.term}
	}
	a.term = term
	a.termVoted = term

	for _, e := range entries {
		idx := int(e.Seqno) - 1
		switch {
		case idx < len(a.log):
			a.log[idx] = e
		case idx == len(a.log):
			a.log = append(a.log, e)
		default:
			return 0, 0, &MissingEntriesError{Metadata: a.metadataLocked()}
		}
	}
	if committed > a.committedSeqno {
		if committed > uint64(len(a.log)) {
			committed = uint64(len(a.log))
		}
		a.committedSeqno = committed
		a.adoptActiveConfigLocked()
	}
	return uint64(len(a.log)), a.committedSeqno, nil
}

// adoptActiveConfigLocked keeps Config/ConfigRevision in sync with the
// highest committed Config/Transition entry, mirroring the role the RSM
// runtime plays for user state machines but for the cluster's own
// configuration, which the Agent must track to answer GetMetadata.
func (a *MemoryAgent) adoptActiveConfigLocked() {
	for i := int(a.committedSeqno) - 1; i >= 0; i-- {
		e := a.log[i]
		switch v := e.Value.(type) {
		case types.Config:
			a.config = v
			a.configRevision = e.Revision()
			return
		case types.Transition:
			a.config = v
			a.configRevision = e.Revision()
			return
		default:
			continue
		}
	}
}

func (a *MemoryAgent) EnsureTerm(ctx context.Context, peer string, historyID types.HistoryID, term types.Term, done func(error)) {
	target, ok := a.registry.lookup(peer)
	if !ok {
		done(errAgentDown)
		return
	}
	target.mu.Lock()
	defer target.mu.Unlock()
	if !historyID.Equal(target.historyID) {
		done(&HistoryMismatchError{HistoryID: target.historyID})
		return
	}
	if term.Less(target.term) {
		done(&ConflictingTermError{Term: target.term})
		return
	}
	target.term = term
	done(nil)
}

func (a *MemoryAgent) GetLog(ctx context.Context, historyID types.HistoryID, term types.Term, fromSeqno, toSeqno uint64) ([]types.LogEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !historyID.Equal(a.historyID) {
		return nil, &HistoryMismatchError{HistoryID: a.historyID}
	}
	if toSeqno > uint64(len(a.log)) {
		toSeqno = uint64(len(a.log))
	}
	if fromSeqno >= toSeqno {
		return nil, nil
	}
	out := make([]types.LogEntry, toSeqno-fromSeqno)
	copy(out, a.log[fromSeqno:toSeqno])
	return out, nil
}

func (a *MemoryAgent) GetMetadata(ctx context.Context) (types.Metadata, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.metadataLocked(), nil
}

func (a *MemoryAgent) Monitor(peer string) (MonitorRef, <-chan DownEvent) {
	target, ok := a.registry.lookup(peer)
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

func (a *MemoryAgent) Demonitor(peer string, ref MonitorRef) {
	target, ok := a.registry.lookup(peer)
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

// SetPendingBranch installs a branch for this node to resolve on next
// EstablishingTerm, simulating an externally-supplied quorum-failover
// artifact (branch creation itself is out of scope per §1).
func (a *MemoryAgent) SetPendingBranch(b *types.Branch) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pendingBranch = b
}

// TruncateAbove drops log entries above seqno and clears any pending
// branch. It is not part of the Agent interface; the proposer's branch
// resolution (§4.4.4) truncates only its own in-memory pending queue and
// does not call it.
func (a *MemoryAgent) TruncateAbove(seqno uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if seqno < uint64(len(a.log)) {
		a.log = a.log[:seqno]
	}
	a.pendingBranch = nil
}
