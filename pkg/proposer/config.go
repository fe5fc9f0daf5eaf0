package proposer

import (
	"fmt"

	"github.com/cuemby/chronicle/pkg/types"
)

// CasFailedError carries the actual current revision back to a client whose
// casConfig's expectedRevision did not match (§4.4.3, property P6).
type CasFailedError struct{ Revision types.Revision }

func (e *CasFailedError) Error() string {
	return fmt.Sprintf("cas failed, current revision %s", e.Revision)
}

// configPending reports whether the active config descriptor's own entry
// has not yet committed: this is the "current config is not yet committed"
// gate of §4.4.3 under which new casConfig requests are postponed, and it
// covers both an in-flight Transition and a freshly-proposed stable Config
// still awaiting its own commit.
func (p *Proposer) configPending() bool {
	return p.configRevision.Seqno > p.committedSeqno
}

// handleConfigRequest implements CAS-config (§4.4.3).
func (p *Proposer) handleConfigRequest(req configRequest) {
	if p.configPending() {
		p.postponed = append(p.postponed, req)
		return
	}
	if !req.expectedRevision.HistoryID.Equal(p.configRevision.HistoryID) || req.expectedRevision.Seqno != p.configRevision.Seqno {
		req.reply(p.configRevision, &CasFailedError{Revision: p.configRevision})
		return
	}
	cfg, ok := p.cfg.(types.Config)
	if !ok {
		req.reply(p.configRevision, &CasFailedError{Revision: p.configRevision})
		return
	}
	p.pendingHigh++
	entry := types.LogEntry{
		HistoryID: p.historyID,
		Term:      p.term,
		Seqno:     p.pendingHigh,
		Value:     types.Transition{Current: cfg, Future: req.newConfig},
	}
	p.pending.push(entry)
	p.configChangeFrom = req.reply
	p.adoptConfig(entry.Value, entry.Revision())
	p.replicateAll()
}

// postCommitHousekeeping runs after every commit advance (§4.4.5).
func (p *Proposer) postCommitHousekeeping() {
	if p.pendingBranch != nil && p.branchResolutionSeqno <= p.committedSeqno {
		p.pendingBranch = nil
		p.recomputeQuorum()
	}
	if p.configPending() {
		return
	}
	if t, ok := p.cfg.(types.Transition); ok {
		p.proposeFutureConfig(t)
		return
	}
	if p.configChangeFrom != nil {
		reply := p.configChangeFrom
		p.configChangeFrom = nil
		reply(p.configRevision, nil)
	}
	p.replayPostponed()
}

// tryCompleteTransition covers the case where the Proposer inherits an
// already-committed Transition on entering Proposing (e.g. after a
// restart), per the "Proposing — entry" step that completes any
// in-progress config transition before replicating.
func (p *Proposer) tryCompleteTransition() {
	if t, ok := p.cfg.(types.Transition); ok && !p.configPending() {
		p.proposeFutureConfig(t)
	}
}

func (p *Proposer) proposeFutureConfig(t types.Transition) {
	p.pendingHigh++
	entry := types.LogEntry{HistoryID: p.historyID, Term: p.term, Seqno: p.pendingHigh, Value: t.Future}
	p.pending.push(entry)
	p.adoptConfig(t.Future, entry.Revision())
}

func (p *Proposer) replayPostponed() {
	if len(p.postponed) == 0 {
		return
	}
	reqs := p.postponed
	p.postponed = nil
	for _, req := range reqs {
		p.handleConfigRequest(req)
	}
}

// resolveBranch implements quorum-failover resolution (§4.4.4). It
// truncates uncommitted entries, then force-proposes a new stable config
// whose voters are the branch's surviving peer set, requiring unanimous
// acknowledgement from that set (enforced by keeping pendingBranch set,
// which recomputeQuorum treats specially, until the forced entry commits).
func (p *Proposer) resolveBranch() {
	branch := p.pendingBranch
	p.highSeqno = p.committedSeqno
	p.pendingHigh = p.committedSeqno
	p.pending.truncateAbove(p.committedSeqno)

	base, ok := p.activeStableConfig()
	if !ok {
		base = types.Config{}
	}
	newCfg := base.Clone()
	newCfg.Voters = append([]string(nil), branch.Peers...)

	p.pendingHigh++
	entry := types.LogEntry{HistoryID: p.historyID, Term: p.term, Seqno: p.pendingHigh, Value: newCfg}
	p.pending.push(entry)
	p.branchResolutionSeqno = entry.Seqno
	p.cfg = newCfg
	p.configRevision = entry.Revision()
	p.recomputeQuorum()
}
