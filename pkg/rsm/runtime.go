package rsm

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/chronicle/pkg/agent"
	"github.com/cuemby/chronicle/pkg/log"
	"github.com/cuemby/chronicle/pkg/metrics"
	"github.com/cuemby/chronicle/pkg/types"
)

// Client-visible errors from the RSM runtime (§7).
var (
	ErrNotLeader       = fmt.Errorf("not leader")
	ErrHistoryMismatch = fmt.Errorf("history mismatch")
	ErrTimeout         = fmt.Errorf("timeout")
	ErrLeaderGone      = fmt.Errorf("leader gone")
	ErrNoQuorum        = fmt.Errorf("no quorum")
	ErrReaderDied      = fmt.Errorf("reader died")
)

// RevisionKind selects the semantics of GetAppliedRevision (§4.5).
type RevisionKind int

const (
	// RevisionLeader answers from local applied state alone.
	RevisionLeader RevisionKind = iota
	// RevisionQuorum additionally requires a successful syncQuorum before
	// replying, giving linearizable read semantics.
	RevisionQuorum
)

type role int

const (
	roleFollower role = iota
	roleLeader
)

type leaderState struct {
	historyID types.HistoryID
	term      types.Term
	termSeqno uint64
}

type pendingClient struct {
	term  types.Term
	reply func(reply []byte, revision types.Revision, err error)
}

// ServerCallback is the subset of the Server façade an RSM runtime calls
// into: submitting leader-originated commands, requesting a syncQuorum on
// behalf of a linearized read, and announcing whether a term is already
// active on startup. *server.Server satisfies it without this package
// importing pkg/server.
type ServerCallback interface {
	RsmCommand(cmd types.RsmCommand, reply func(types.Revision, error))
	SyncQuorum(ctx context.Context, tag uint64) (bool, error)
	AnnounceTerm() (historyID types.HistoryID, term types.Term, highSeqno uint64, active bool)
}

// Config bundles everything a Runtime needs at construction.
type Config struct {
	Name   string
	Agent  agent.Agent
	Server ServerCallback
	Mod    Mod
}

// Runtime is the per-state-machine driver described in §4.5. It owns an
// exclusive message-processing goroutine; mod.data is touched only from
// that goroutine, so Mod implementations need no locking of their own.
type Runtime struct {
	name   string
	agentH agent.Agent
	server ServerCallback
	mod    Mod
	logger zerolog.Logger

	data any

	role             role
	leader           leaderState
	appliedHistoryID types.HistoryID
	appliedSeqno     uint64
	availableSeqno   uint64

	pendingClients map[uint64]pendingClient
	nextRef        uint64
	nextTag        uint64

	syncRevisions *syncRevisionQueue
	readerBusy    bool

	commandCh      chan commandReq
	queryCh        chan queryReq
	syncRevCh      chan syncRevisionReq
	getAppliedCh   chan getAppliedReq
	termStartedCh  chan termStartedMsg
	termFinishedCh chan termFinishedMsg
	commitCh       chan commitMsg
	entriesCh      chan entriesMsg
	commandFailCh  chan commandFail
	syncQuorumCh   chan syncQuorumResult
	timeoutCh      chan *syncRevisionWaiter

	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}

	stopReason string
}

type commandReq struct {
	payload []byte
	reply   func(reply []byte, revision types.Revision, err error)
}

type queryReq struct {
	payload []byte
	reply   func([]byte)
}

type syncRevisionReq struct {
	historyID types.HistoryID
	seqno     uint64
	timeout   time.Duration
	reply     func(error)
}

type getAppliedReq struct {
	kind  RevisionKind
	reply func(types.Revision, error)
}

type termStartedMsg struct {
	historyID types.HistoryID
	term      types.Term
	highSeqno uint64
}

type termFinishedMsg struct {
	historyID types.HistoryID
	term      types.Term
}

type commitMsg struct {
	historyID      types.HistoryID
	availableSeqno uint64
}

type entriesMsg struct {
	throughSeqno uint64
	entries      []types.LogEntry
	err          error
}

type commandFail struct {
	ref uint64
	err error
}

type syncQuorumResult struct {
	rev   types.Revision
	ok    bool
	err   error
	reply func(types.Revision, error)
}

// New constructs a Runtime; call Start to begin its loop goroutine.
func New(cfg Config) *Runtime {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runtime{
		name:           cfg.Name,
		agentH:         cfg.Agent,
		server:         cfg.Server,
		mod:            cfg.Mod,
		logger:         log.WithRSM(cfg.Name),
		pendingClients: make(map[uint64]pendingClient),
		syncRevisions:  newSyncRevisionQueue(),
		commandCh:      make(chan commandReq, 64),
		queryCh:        make(chan queryReq, 64),
		syncRevCh:      make(chan syncRevisionReq, 64),
		getAppliedCh:   make(chan getAppliedReq, 16),
		termStartedCh:  make(chan termStartedMsg, 4),
		termFinishedCh: make(chan termFinishedMsg, 4),
		commitCh:       make(chan commitMsg, 16),
		entriesCh:      make(chan entriesMsg, 4),
		commandFailCh:  make(chan commandFail, 16),
		syncQuorumCh:   make(chan syncQuorumResult, 16),
		timeoutCh:      make(chan *syncRevisionWaiter, 16),
		ctx:            ctx,
		cancel:         cancel,
		doneCh:         make(chan struct{}),
	}
}

// Name implements server.RsmHandle.
func (r *Runtime) Name() string { return r.name }

// Start loads initial state from the Agent and begins the loop goroutine.
// It then calls the Server's AnnounceTerm (§6) so a term already active
// when this runtime (re)starts is delivered as a prompt termStarted
// instead of waiting for the next natural transition.
func (r *Runtime) Start() error {
	meta, err := r.agentH.GetMetadata(r.ctx)
	if err != nil {
		return fmt.Errorf("load initial metadata: %w", err)
	}
	r.data = r.mod.Init()
	r.appliedHistoryID = meta.HistoryID
	r.availableSeqno = meta.CommittedSeqno
	go r.run()
	if historyID, term, highSeqno, active := r.server.AnnounceTerm(); active {
		r.TermStarted(historyID, term, highSeqno)
	}
	return nil
}

// Stop terminates the runtime.
func (r *Runtime) Stop() {
	r.cancel()
}

// Wait blocks until the loop has exited.
func (r *Runtime) Wait() {
	<-r.doneCh
}

// Command implements the Command protocol of §4.5.
func (r *Runtime) Command(payload []byte) (reply []byte, revision types.Revision, err error) {
	done := make(chan struct{})
	req := commandReq{payload: payload, reply: func(rep []byte, rev types.Revision, e error) {
		reply, revision, err = rep, rev, e
		close(done)
	}}
	select {
	case r.commandCh <- req:
	case <-r.doneCh:
		return nil, types.Revision{}, ErrLeaderGone
	}
	<-done
	return
}

// Query implements the Query protocol of §4.5.
func (r *Runtime) Query(payload []byte) []byte {
	done := make(chan struct{})
	var out []byte
	req := queryReq{payload: payload, reply: func(rep []byte) { out = rep; close(done) }}
	select {
	case r.queryCh <- req:
	case <-r.doneCh:
		return nil
	}
	<-done
	return out
}

// SyncRevision implements the SyncRevision protocol of §4.5.
func (r *Runtime) SyncRevision(historyID types.HistoryID, seqno uint64, timeout time.Duration) error {
	done := make(chan error, 1)
	req := syncRevisionReq{historyID: historyID, seqno: seqno, timeout: timeout, reply: func(e error) { done <- e }}
	select {
	case r.syncRevCh <- req:
	case <-r.doneCh:
		return ErrLeaderGone
	}
	return <-done
}

// GetAppliedRevision implements the GetAppliedRevision protocol of §4.5.
func (r *Runtime) GetAppliedRevision(kind RevisionKind) (types.Revision, error) {
	done := make(chan struct{})
	var rev types.Revision
	var err error
	req := getAppliedReq{kind: kind, reply: func(rv types.Revision, e error) { rev, err = rv, e; close(done) }}
	select {
	case r.getAppliedCh <- req:
	case <-r.doneCh:
		return types.Revision{}, ErrLeaderGone
	}
	<-done
	return rev, err
}

// TermStarted implements server.RsmHandle.
func (r *Runtime) TermStarted(historyID types.HistoryID, term types.Term, highSeqno uint64) {
	select {
	case r.termStartedCh <- termStartedMsg{historyID: historyID, term: term, highSeqno: highSeqno}:
	case <-r.doneCh:
	}
}

// TermFinished implements server.RsmHandle.
func (r *Runtime) TermFinished(historyID types.HistoryID, term types.Term) {
	select {
	case r.termFinishedCh <- termFinishedMsg{historyID: historyID, term: term}:
	case <-r.doneCh:
	}
}

// CommitAdvanced implements server.RsmHandle.
func (r *Runtime) CommitAdvanced(historyID types.HistoryID, availableSeqno uint64) {
	select {
	case r.commitCh <- commitMsg{historyID: historyID, availableSeqno: availableSeqno}:
	case <-r.doneCh:
	}
}

// Stats implements metrics.RsmSource.
func (r *Runtime) Stats() metrics.RsmStats {
	return metrics.RsmStats{
		Name:           r.name,
		AppliedSeqno:   r.appliedSeqno,
		AvailableSeqno: r.availableSeqno,
		SyncWaiters:    r.syncRevisions.len(),
	}
}

func (r *Runtime) run() {
	defer close(r.doneCh)
	for {
		select {
		case <-r.ctx.Done():
			r.flushAllPending(ErrLeaderGone)
			return

		case req := <-r.commandCh:
			r.handleCommand(req)

		case req := <-r.queryCh:
			req.reply(r.mod.HandleQuery(req.payload, r.data))

		case req := <-r.syncRevCh:
			r.handleSyncRevision(req)

		case req := <-r.getAppliedCh:
			r.handleGetAppliedRevision(req)

		case msg := <-r.termStartedCh:
			r.handleTermStarted(msg)

		case msg := <-r.termFinishedCh:
			r.handleTermFinished(msg)

		case msg := <-r.commitCh:
			if msg.availableSeqno > r.availableSeqno {
				r.availableSeqno = msg.availableSeqno
			}
			r.maybeStartReader()

		case msg := <-r.entriesCh:
			r.readerBusy = false
			if msg.err != nil {
				r.stop("readerDied")
				return
			}
			r.applyEntries(msg.entries, msg.throughSeqno)
			r.maybeStartReader()

		case fail := <-r.commandFailCh:
			if pc, ok := r.pendingClients[fail.ref]; ok {
				delete(r.pendingClients, fail.ref)
				pc.reply(nil, types.Revision{}, fail.err)
			}

		case res := <-r.syncQuorumCh:
			if res.err != nil || !res.ok {
				res.reply(types.Revision{}, ErrNoQuorum)
			} else {
				res.reply(res.rev, nil)
			}

		case w := <-r.timeoutCh:
			if w.fired {
				continue
			}
			w.fired = true
			r.syncRevisions.remove(w)
			w.reply(false, false)
		}
	}
}

func (r *Runtime) stop(reason string) {
	r.stopReason = reason
	r.logger.Warn().Str("reason", reason).Msg("rsm runtime stopped")
	r.flushAllPending(ErrLeaderGone)
	r.cancel()
}

func (r *Runtime) flushAllPending(err error) {
	for ref, pc := range r.pendingClients {
		pc.reply(nil, types.Revision{}, err)
		delete(r.pendingClients, ref)
	}
}

func (r *Runtime) handleCommand(req commandReq) {
	if r.role != roleLeader {
		req.reply(nil, types.Revision{}, ErrNotLeader)
		return
	}
	outcome := r.mod.HandleCommand(req.payload, r.data)
	r.data = outcome.newData
	if !outcome.apply {
		req.reply(outcome.reply, types.Revision{}, nil)
		return
	}
	r.nextRef++
	ref := r.nextRef
	r.pendingClients[ref] = pendingClient{term: r.leader.term, reply: req.reply}
	cmd := types.RsmCommand{ID: strconv.FormatUint(ref, 10), RsmName: r.name, Payload: req.payload}
	r.server.RsmCommand(cmd, func(_ types.Revision, err error) {
		if err == nil {
			return
		}
		select {
		case r.commandFailCh <- commandFail{ref: ref, err: err}:
		case <-r.doneCh:
		}
	})
}

func (r *Runtime) handleSyncRevision(req syncRevisionReq) {
	if !req.historyID.Equal(r.appliedHistoryID) {
		req.reply(ErrHistoryMismatch)
		return
	}
	if req.seqno <= r.appliedSeqno {
		req.reply(nil)
		return
	}
	w := &syncRevisionWaiter{historyID: req.historyID, seqno: req.seqno}
	w.reply = func(ok, histMismatch bool) {
		switch {
		case histMismatch:
			req.reply(ErrHistoryMismatch)
		case ok:
			req.reply(nil)
		default:
			req.reply(ErrTimeout)
		}
	}
	w.timer = time.AfterFunc(req.timeout, func() {
		select {
		case r.timeoutCh <- w:
		case <-r.doneCh:
		}
	})
	r.syncRevisions.add(w)
}

func (r *Runtime) handleGetAppliedRevision(req getAppliedReq) {
	if r.role != roleLeader {
		req.reply(types.Revision{}, ErrNotLeader)
		return
	}
	seqno := r.appliedSeqno
	if r.leader.termSeqno > seqno {
		seqno = r.leader.termSeqno
	}
	rev := types.Revision{HistoryID: r.appliedHistoryID, Seqno: seqno}
	if req.kind == RevisionLeader {
		req.reply(rev, nil)
		return
	}
	r.nextTag++
	tag := r.nextTag
	go func() {
		ok, err := r.server.SyncQuorum(r.ctx, tag)
		select {
		case r.syncQuorumCh <- syncQuorumResult{rev: rev, ok: ok, err: err, reply: req.reply}:
		case <-r.doneCh:
		}
	}()
}

func (r *Runtime) handleTermStarted(msg termStartedMsg) {
	if r.role == roleLeader {
		r.logger.Warn().Msg("termStarted while already leader, ignoring")
		return
	}
	r.role = roleLeader
	r.leader = leaderState{historyID: msg.historyID, term: msg.term, termSeqno: msg.highSeqno}
	r.nextRef = 0
	r.maybeStartReader()
}

func (r *Runtime) handleTermFinished(msg termFinishedMsg) {
	if r.role != roleLeader {
		return
	}
	if !r.leader.historyID.Equal(msg.historyID) || !r.leader.term.Equal(msg.term) {
		return
	}
	r.role = roleFollower
	r.flushAllPending(ErrLeaderGone)
}

func (r *Runtime) maybeStartReader() {
	if r.readerBusy || r.availableSeqno <= r.appliedSeqno {
		return
	}
	r.readerBusy = true
	from, to, historyID, term := r.appliedSeqno, r.availableSeqno, r.appliedHistoryID, r.leader.term
	go func() {
		entries, err := r.agentH.GetLog(r.ctx, historyID, term, from, to)
		select {
		case r.entriesCh <- entriesMsg{throughSeqno: to, entries: entries, err: err}:
		case <-r.doneCh:
		}
	}()
}

func (r *Runtime) applyEntries(entries []types.LogEntry, throughSeqno uint64) {
	type appliedReply struct {
		ref      uint64
		term     types.Term
		revision types.Revision
		reply    []byte
	}
	var replies []appliedReply
	historyChanged := false

	for _, e := range entries {
		switch v := e.Value.(type) {
		case types.RsmCommand:
			if v.RsmName != r.name {
				continue
			}
			reply, newData := r.mod.ApplyCommand(v.Payload, e.Revision(), r.data)
			r.data = newData
			if ref, err := strconv.ParseUint(v.ID, 10, 64); err == nil {
				replies = append(replies, appliedReply{ref: ref, term: e.Term, revision: e.Revision(), reply: reply})
			}
		case types.Config:
			if !e.HistoryID.Equal(r.appliedHistoryID) {
				r.appliedHistoryID = e.HistoryID
				historyChanged = true
			}
		case types.Transition:
			// filtered before the mod ever sees it, per §4.5.
		}
	}

	r.appliedSeqno = throughSeqno
	metrics.RsmApplyBatchSize.WithLabelValues(r.name).Observe(float64(len(entries)))

	if historyChanged {
		for _, w := range r.syncRevisions.releaseHistoryMismatch(r.appliedHistoryID) {
			if !w.fired {
				w.fired = true
				w.reply(false, true)
			}
		}
	}
	for _, w := range r.syncRevisions.releaseUpTo(r.appliedSeqno) {
		if !w.fired {
			w.fired = true
			w.reply(true, false)
		}
	}

	if r.role != roleLeader {
		return
	}
	for _, ar := range replies {
		pc, ok := r.pendingClients[ar.ref]
		if !ok || !pc.term.Equal(ar.term) {
			continue
		}
		delete(r.pendingClients, ar.ref)
		pc.reply(ar.reply, ar.revision, nil)
	}
}
