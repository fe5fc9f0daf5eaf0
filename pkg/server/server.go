// Package server implements the façade the design notes call for to break
// the Proposer/RSM cyclic reference (§9): the Proposer and each RSM hold
// only a callback handle to their Server, the Server holds handles to both
// sides, and neither pkg/proposer nor pkg/rsm imports this package. It routes client command/CAS-config submissions down to the
// Proposer, fans committed-entry and term-lifecycle notifications back out
// to every RSM runtime, and relays syncQuorum calls the RSM issues on a
// client's behalf.
package server

import (
	"context"
	"sync"

	"github.com/cuemby/chronicle/pkg/events"
	"github.com/cuemby/chronicle/pkg/types"
)

// ProposerHandle is the subset of the Proposer the Server drives commands
// and CAS-config requests into. The concrete *proposer.Proposer type
// satisfies this without pkg/proposer importing pkg/server, avoiding the
// cyclic reference design notes §9 calls out.
type ProposerHandle interface {
	SubmitCommand(cmd types.RsmCommand, reply func(revision types.Revision, err error))
	SubmitConfig(expectedRevision types.Revision, newConfig types.Config, reply func(revision types.Revision, err error))
	SubmitSyncQuorum(tag uint64, reply func(ok bool))
}

// RsmHandle is the subset of an RSM runtime the Server pushes
// term-lifecycle and commit notifications into.
type RsmHandle interface {
	Name() string
	TermStarted(historyID types.HistoryID, term types.Term, highSeqno uint64)
	TermFinished(historyID types.HistoryID, term types.Term)
	CommitAdvanced(historyID types.HistoryID, availableSeqno uint64)
}

// Server is the in-process façade wiring one Proposer to the RSM runtimes
// that share its history. A real deployment would run this inside the same
// node process as the Proposer and talk to RSMs over whatever transport the
// RSM runs under; here it is a plain function-call router, which is
// sufficient since proposer ↔ rsm collaboration is in-process per node.
type Server struct {
	mu       sync.RWMutex
	proposer ProposerHandle
	rsms     map[string]RsmHandle
	broker   *events.Broker

	termActive bool
	termHist   types.HistoryID
	term       types.Term
	highSeqno  uint64
}

// New creates a Server with no Proposer or RSMs attached yet.
func New() *Server {
	return &Server{rsms: make(map[string]RsmHandle)}
}

// AttachProposer wires the Proposer this Server routes commands to.
func (s *Server) AttachProposer(p ProposerHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proposer = p
}

// AttachRsm registers an RSM runtime to receive term/commit notifications.
func (s *Server) AttachRsm(r RsmHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rsms[r.Name()] = r
}

// AttachBroker wires an events.Broker that mirrors the same term/commit
// notifications RSMs receive directly, for external (non-RSM) subscribers
// such as an ops sidecar or a CLI `watch` command (§6 "Events bus").
func (s *Server) AttachBroker(b *events.Broker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broker = b
}

// ProposerReady is called by the Proposer on entering Proposing (§4.4
// "Proposing — entry"); it forwards a termStarted notification to every
// attached RSM.
func (s *Server) ProposerReady(historyID types.HistoryID, term types.Term, highSeqno uint64) {
	s.mu.Lock()
	s.termActive = true
	s.termHist = historyID
	s.term = term
	s.highSeqno = highSeqno
	rsms := make([]RsmHandle, 0, len(s.rsms))
	for _, r := range s.rsms {
		rsms = append(rsms, r)
	}
	s.mu.Unlock()
	for _, r := range rsms {
		r.TermStarted(historyID, term, highSeqno)
	}
	s.publish(events.Event{Type: events.TermStarted, HistoryID: historyID, Term: term})
}

// TermFinished notifies every attached RSM that term has ended, e.g.
// because the Proposer stopped (§4.4.8).
func (s *Server) TermFinished(historyID types.HistoryID, term types.Term) {
	s.mu.Lock()
	if s.termHist.Equal(historyID) && s.term.Equal(term) {
		s.termActive = false
	}
	rsms := make([]RsmHandle, 0, len(s.rsms))
	for _, r := range s.rsms {
		rsms = append(rsms, r)
	}
	s.mu.Unlock()
	for _, r := range rsms {
		r.TermFinished(historyID, term)
	}
	s.publish(events.Event{Type: events.TermFinished, HistoryID: historyID, Term: term})
}

// CommitAdvanced notifies every attached RSM that new entries are
// available to apply, the broadcast described in §2's control-flow summary
// ("The Server broadcasts committed entries").
func (s *Server) CommitAdvanced(historyID types.HistoryID, availableSeqno uint64) {
	s.mu.RLock()
	rsms := make([]RsmHandle, 0, len(s.rsms))
	for _, r := range s.rsms {
		rsms = append(rsms, r)
	}
	s.mu.RUnlock()
	for _, r := range rsms {
		r.CommitAdvanced(historyID, availableSeqno)
	}
	s.publish(events.Event{Type: events.MetadataUpdated, HistoryID: historyID, AvailableSeqno: availableSeqno})
}

// publish mirrors ev onto the attached broker, if any. It is a no-op until
// AttachBroker has been called, so tests and simple embeddings need not
// wire a broker at all.
func (s *Server) publish(ev events.Event) {
	s.mu.RLock()
	b := s.broker
	s.mu.RUnlock()
	if b != nil {
		b.Publish(ev)
	}
}

// RsmCommand forwards an RSM-originated command to the Proposer
// (`rsmCommand` in §6).
func (s *Server) RsmCommand(cmd types.RsmCommand, reply func(types.Revision, error)) {
	s.mu.RLock()
	p := s.proposer
	s.mu.RUnlock()
	if p == nil {
		reply(types.Revision{}, ErrNoProposer)
		return
	}
	p.SubmitCommand(cmd, reply)
}

// CasConfig forwards a client's CAS-config request to the Proposer.
func (s *Server) CasConfig(expectedRevision types.Revision, newConfig types.Config, reply func(types.Revision, error)) {
	s.mu.RLock()
	p := s.proposer
	s.mu.RUnlock()
	if p == nil {
		reply(types.Revision{}, ErrNoProposer)
		return
	}
	p.SubmitConfig(expectedRevision, newConfig, reply)
}

// SyncQuorum forwards an RSM's syncQuorum request to the Proposer
// (`syncQuorum` in §6, used to implement quorum-linearized reads in §4.5's
// GetAppliedRevision(quorum)).
func (s *Server) SyncQuorum(ctx context.Context, tag uint64) (bool, error) {
	s.mu.RLock()
	p := s.proposer
	s.mu.RUnlock()
	if p == nil {
		return false, ErrNoProposer
	}
	result := make(chan bool, 1)
	p.SubmitSyncQuorum(tag, func(ok bool) { result <- ok })
	select {
	case ok := <-result:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// AnnounceTerm lets a (re)starting RSM ask whether a term is already
// active for its history (§6's `announceTerm`), so it can get a prompt
// termStarted instead of waiting for the next natural transition. It
// returns the active term's details and true if a Proposer on this Server
// is currently in Proposing, or the zero values and false otherwise.
func (s *Server) AnnounceTerm() (types.HistoryID, types.Term, uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.termActive {
		return types.HistoryID(""), types.Term{}, 0, false
	}
	return s.termHist, s.term, s.highSeqno, true
}

// ErrNoProposer is returned when a request arrives before any Proposer has
// attached to this Server, e.g. during startup or between terms.
var ErrNoProposer = errNoProposer{}

type errNoProposer struct{}

func (errNoProposer) Error() string { return "no proposer attached" }
