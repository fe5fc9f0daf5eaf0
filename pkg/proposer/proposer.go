// Package proposer implements the leader-side state machine (C4): it
// acquires a term, replicates log entries to followers via the Agent,
// advances the committed sequence number using the quorum algebra (C1) and
// peer-status table (C2), and drives configuration transitions and branch
// resolution. One Proposer instance runs per (historyId, term); it owns an
// exclusive message-processing goroutine and needs no internal locking.
package proposer

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/chronicle/pkg/agent"
	"github.com/cuemby/chronicle/pkg/cluster"
	"github.com/cuemby/chronicle/pkg/log"
	"github.com/cuemby/chronicle/pkg/metrics"
	"github.com/cuemby/chronicle/pkg/quorum"
	"github.com/cuemby/chronicle/pkg/types"
)

// ESTABLISH_TERM_TIMEOUT per §4.4's EstablishingTerm state timeout.
const establishTermTimeout = 10 * time.Second

// checkPeersInterval per §4.4's Proposing-entry periodic probe.
const checkPeersInterval = 5 * time.Second

// state is the two-state (plus terminal) driver described in §4.4.
type state int

const (
	stateEstablishing state = iota
	stateProposing
	stateStopped
)

// ServerCallback is the subset of the Server façade the Proposer calls
// back into; *server.Server satisfies it without this package importing
// pkg/server, keeping the Proposer↔Server reference one-directional per
// the design notes.
type ServerCallback interface {
	ProposerReady(historyID types.HistoryID, term types.Term, highSeqno uint64)
	TermFinished(historyID types.HistoryID, term types.Term)
	CommitAdvanced(historyID types.HistoryID, availableSeqno uint64)
}

// Config bundles everything a Proposer needs at construction.
type Config struct {
	Self      string
	HistoryID types.HistoryID
	Term      types.Term
	Agent     agent.Agent
	Liveness  cluster.PeerLiveness
	Server    ServerCallback
}

type commandRequest struct {
	cmd   types.RsmCommand
	reply func(types.Revision, error)
}

type configRequest struct {
	expectedRevision types.Revision
	newConfig        types.Config
	reply            func(types.Revision, error)
}

type syncQuorumRequest struct {
	tag   uint64
	reply func(bool)
}

// establishVote is delivered to the loop for both the self (loopback) vote
// and every peer's establishTerm reply.
type establishVote struct {
	peer string
	meta types.Metadata
	err  error
}

// appendResult is delivered to the loop for every append reply.
type appendResult struct {
	peer      string
	highSeqno uint64
	committed uint64
	err       error
}

// ensureResult is delivered to the loop for ensureTerm replies, tagged with
// why the probe was sent so the loop routes it correctly.
type ensureResult struct {
	peer    string
	purpose ensurePurpose
	syncTag uint64
	err     error
}

type ensurePurpose int

const (
	purposeCheckPeers ensurePurpose = iota
	purposeSyncQuorum
)

// Proposer is the per-(historyId, term) leader-side driver.
type Proposer struct {
	self      string
	historyID types.HistoryID
	term      types.Term
	agentH    agent.Agent
	liveness  cluster.PeerLiveness
	server    ServerCallback
	logger    zerolog.Logger

	state      state
	stopReason string

	cfg            types.EntryValue // Config or Transition, the active configuration
	configRevision types.Revision
	effQuorum      quorum.Quorum
	peerSet        []string

	pending        pendingQueue
	peers          peerTable
	committedSeqno uint64
	highSeqno      uint64
	pendingHigh    uint64
	replyWaiters   map[uint64]func(types.Revision, error)

	configChangeFrom func(types.Revision, error)
	postponed        []configRequest

	pendingBranch        *types.Branch
	branchResolutionSeqno uint64

	syncs      syncQuorumTable
	nextTag    uint64

	monitorRefs map[string]agent.MonitorRef
	downCh      chan agent.DownEvent

	votes       map[string]bool
	failedVotes map[string]bool

	cmdCh      chan commandRequest
	configCh   chan configRequest
	syncCh     chan syncQuorumRequest
	establishCh chan establishVote
	appendCh   chan appendResult
	ensureCh   chan ensureResult
	livenessCh <-chan cluster.LivenessEvent

	stopCh chan struct{}
	doneCh chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs a Proposer in the EstablishingTerm state; call Start to
// begin its loop goroutine.
func New(cfg Config) *Proposer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Proposer{
		self:        cfg.Self,
		historyID:   cfg.HistoryID,
		term:        cfg.Term,
		agentH:      cfg.Agent,
		liveness:    cfg.Liveness,
		server:      cfg.Server,
		logger:      log.WithHistory(cfg.HistoryID.String()),
		state:       stateEstablishing,
		pending:      pendingQueue{},
		peers:        newPeerTable(),
		replyWaiters: make(map[uint64]func(types.Revision, error)),
		syncs:       newSyncQuorumTable(),
		monitorRefs: make(map[string]agent.MonitorRef),
		votes:       make(map[string]bool),
		failedVotes: make(map[string]bool),
		cmdCh:       make(chan commandRequest, 64),
		configCh:    make(chan configRequest, 8),
		syncCh:      make(chan syncQuorumRequest, 16),
		establishCh: make(chan establishVote, 16),
		appendCh:    make(chan appendResult, 64),
		ensureCh:    make(chan ensureResult, 64),
		downCh:      make(chan agent.DownEvent, 16),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start begins EstablishingTerm and runs the loop goroutine until the
// Proposer stops.
func (p *Proposer) Start() {
	go p.run()
}

// Stop requests termination; Wait returns once the loop has exited.
func (p *Proposer) Stop() {
	p.cancel()
}

// Wait blocks until the Proposer's loop has exited.
func (p *Proposer) Wait() {
	<-p.doneCh
}

// StopReason returns why the Proposer terminated, valid after Wait returns.
func (p *Proposer) StopReason() string {
	return p.stopReason
}

// SubmitCommand implements server.ProposerHandle.
func (p *Proposer) SubmitCommand(cmd types.RsmCommand, reply func(types.Revision, error)) {
	select {
	case p.cmdCh <- commandRequest{cmd: cmd, reply: reply}:
	case <-p.doneCh:
		reply(types.Revision{}, errStopped)
	}
}

// SubmitConfig implements server.ProposerHandle.
func (p *Proposer) SubmitConfig(expected types.Revision, newConfig types.Config, reply func(types.Revision, error)) {
	select {
	case p.configCh <- configRequest{expectedRevision: expected, newConfig: newConfig, reply: reply}:
	case <-p.doneCh:
		reply(types.Revision{}, errStopped)
	}
}

// SubmitSyncQuorum implements server.ProposerHandle.
func (p *Proposer) SubmitSyncQuorum(tag uint64, reply func(bool)) {
	select {
	case p.syncCh <- syncQuorumRequest{tag: tag, reply: reply}:
	case <-p.doneCh:
		reply(false)
	}
}

// Stats implements metrics.ProposerSource.
func (p *Proposer) Stats() metrics.ProposerStats {
	return metrics.ProposerStats{
		IsLeader:         p.state == stateProposing,
		CommittedSeqno:   p.committedSeqno,
		PendingHighSeqno: p.pendingHigh,
		LivePeers:        len(p.liveLivenessSnapshot()),
	}
}

func (p *Proposer) liveLivenessSnapshot() []string {
	if p.liveness == nil {
		return nil
	}
	return p.liveness.LivePeers()
}

var errStopped = fmt.Errorf("proposer stopped")

// run is the single goroutine that owns all Proposer state.
func (p *Proposer) run() {
	defer close(p.doneCh)
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.EstablishTermLatency)
	if p.liveness != nil {
		p.livenessCh = p.liveness.Subscribe(p.ctx)
	}
	if !p.enterEstablishing() {
		return
	}
	p.loop()
}

// enterEstablishing runs the synchronous part of EstablishingTerm (§4.4):
// establishLocalTerm, quorum feasibility, self-vote seeding, and broadcast.
// Returns false if the Proposer already stopped during this step.
func (p *Proposer) enterEstablishing() bool {
	meta, err := p.agentH.EstablishLocalTerm(p.ctx, p.historyID, p.term)
	if err != nil {
		p.stop("localEstablishTermFailed")
		return false
	}
	p.adoptConfig(meta.Config, meta.ConfigRevision)
	p.committedSeqno = meta.CommittedSeqno
	p.highSeqno = meta.HighSeqno
	p.pendingHigh = meta.HighSeqno
	p.pendingBranch = meta.PendingBranch

	p.recomputeQuorum()
	peerSet := p.effQuorum.Peers()
	live := make(map[string]bool, len(peerSet))
	for _, lp := range p.liveLivenessSnapshot() {
		live[lp] = true
	}
	var deadPeers []string
	for _, peer := range peerSet {
		if peer != p.self && !live[peer] {
			deadPeers = append(deadPeers, peer)
			p.failedVotes[peer] = true
		}
	}
	if !quorum.Feasible(peerSet, deadPeers, p.effQuorum) {
		p.stop("noQuorum")
		return false
	}

	go func() {
		p.establishCh <- establishVote{peer: p.self, meta: meta}
	}()
	for _, peer := range peerSet {
		if peer == p.self || p.failedVotes[peer] {
			continue
		}
		p.sendEstablishTerm(peer)
	}
	return true
}

func (p *Proposer) sendEstablishTerm(peer string) {
	pos := agent.LogPosition{HighSeqno: p.highSeqno}
	p.agentH.EstablishTerm(p.ctx, peer, p.historyID, p.term, pos, func(meta types.Metadata, err error) {
		select {
		case p.establishCh <- establishVote{peer: peer, meta: meta, err: err}:
		case <-p.doneCh:
		}
	})
	p.monitorPeer(peer)
}

func (p *Proposer) monitorPeer(peer string) {
	if _, ok := p.monitorRefs[peer]; ok {
		return
	}
	ref, down := p.agentH.Monitor(peer)
	p.monitorRefs[peer] = ref
	go func() {
		select {
		case ev, ok := <-down:
			if !ok {
				return
			}
			select {
			case p.downCh <- ev:
			case <-p.doneCh:
			}
		case <-p.doneCh:
		}
	}()
}

// loop is the select-driven message pump common to both states. Messages
// are dispatched to state-specific handlers; channels irrelevant to the
// current state are simply drained with a rejection reply.
func (p *Proposer) loop() {
	var establishTimer *time.Timer
	if p.state == stateEstablishing {
		establishTimer = time.NewTimer(establishTermTimeout)
		defer establishTimer.Stop()
	}
	var checkPeers *time.Ticker

	for {
		var establishTimeoutCh <-chan time.Time
		if establishTimer != nil {
			establishTimeoutCh = establishTimer.C
		}
		var checkPeersCh <-chan time.Time
		if checkPeers != nil {
			checkPeersCh = checkPeers.C
		}

		select {
		case <-p.ctx.Done():
			p.stop("stopped")
			return

		case ev := <-p.establishCh:
			if p.state != stateEstablishing {
				continue
			}
			if p.handleEstablishVote(ev) {
				if establishTimer != nil {
					establishTimer.Stop()
				}
				checkPeers = time.NewTicker(checkPeersInterval)
				defer checkPeers.Stop()
			}
			if p.state == stateStopped {
				return
			}

		case <-establishTimeoutCh:
			p.stop("establishTermTimeout")
			return

		case req := <-p.cmdCh:
			if p.state != stateProposing {
				req.reply(types.Revision{}, errNotLeader)
				continue
			}
			p.handleCommand(req)

		case req := <-p.configCh:
			if p.state != stateProposing {
				req.reply(types.Revision{}, errNotLeader)
				continue
			}
			p.handleConfigRequest(req)

		case req := <-p.syncCh:
			if p.state != stateProposing {
				req.reply(false)
				continue
			}
			p.handleSyncQuorumRequest(req)

		case res := <-p.appendCh:
			if p.state != stateProposing {
				continue
			}
			p.handleAppendResult(res)
			if p.state == stateStopped {
				return
			}

		case res := <-p.ensureCh:
			if p.state != stateProposing {
				continue
			}
			p.handleEnsureResult(res)

		case ev := <-p.downCh:
			p.handleDown(ev)
			if p.state == stateStopped {
				return
			}

		case ev, ok := <-p.livenessCh:
			if !ok {
				p.livenessCh = nil
				continue
			}
			p.handleLiveness(ev)

		case <-checkPeersCh:
			p.handleCheckPeers()
		}
	}
}

var errNotLeader = fmt.Errorf("not leader")

func (p *Proposer) stop(reason string) {
	if p.state == stateStopped {
		return
	}
	p.state = stateStopped
	p.stopReason = reason
	metrics.ProposerStops.WithLabelValues(reason).Inc()
	p.logger.Warn().Str("reason", reason).Msg("proposer stopped")
	if p.server != nil {
		p.server.TermFinished(p.historyID, p.term)
	}
	p.cancel()
}
