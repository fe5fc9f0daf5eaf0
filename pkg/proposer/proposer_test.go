package proposer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/chronicle/pkg/agent"
	"github.com/cuemby/chronicle/pkg/cluster"
	"github.com/cuemby/chronicle/pkg/quorum"
	"github.com/cuemby/chronicle/pkg/types"
)

type fakeServer struct {
	readyCh chan struct{}
}

func newFakeServer() *fakeServer { return &fakeServer{readyCh: make(chan struct{}, 1)} }

func (s *fakeServer) ProposerReady(types.HistoryID, types.Term, uint64) {
	select {
	case s.readyCh <- struct{}{}:
	default:
	}
}
func (s *fakeServer) TermFinished(types.HistoryID, types.Term)            {}
func (s *fakeServer) CommitAdvanced(types.HistoryID, uint64)              {}

func stableConfig(voters ...string) types.Config {
	return types.Config{
		Voters:        voters,
		StateMachines: map[string]types.RsmConfig{"kv": types.RsmConfig(`{}`)},
	}
}

func newThreeNodeCluster(t *testing.T) (map[string]*agent.MemoryAgent, types.HistoryID, *cluster.StaticLiveness) {
	t.Helper()
	historyID := types.HistoryID("h0")
	reg := agent.NewRegistry()
	cfg := stableConfig("a", "b", "c")
	agents := map[string]*agent.MemoryAgent{
		"a": agent.NewMemoryAgent("a", historyID, reg, cfg),
		"b": agent.NewMemoryAgent("b", historyID, reg, cfg),
		"c": agent.NewMemoryAgent("c", historyID, reg, cfg),
	}
	liveness := cluster.NewStaticLiveness("a", "b", "c")
	return agents, historyID, liveness
}

func waitReady(t *testing.T, srv *fakeServer) {
	t.Helper()
	select {
	case <-srv.readyCh:
	case <-time.After(2 * time.Second):
		t.Fatal("proposer never became ready")
	}
}

// TestThreeNodeAppendCommit grounds scenario S1: a becomes leader at term
// (1,a), client submits two commands, both commit after acks from a
// majority including self, and clients receive matching revisions.
func TestThreeNodeAppendCommit(t *testing.T) {
	agents, historyID, liveness := newThreeNodeCluster(t)
	srv := newFakeServer()

	p := New(Config{
		Self:      "a",
		HistoryID: historyID,
		Term:      types.Term{Num: 1, LeaderID: "a"},
		Agent:     agents["a"],
		Liveness:  liveness,
		Server:    srv,
	})
	p.Start()
	defer p.Stop()
	waitReady(t, srv)

	type result struct {
		rev types.Revision
		err error
	}
	results := make(chan result, 2)
	p.SubmitCommand(types.RsmCommand{ID: "x", RsmName: "kv", Payload: []byte("X")}, func(r types.Revision, err error) {
		results <- result{r, err}
	})
	p.SubmitCommand(types.RsmCommand{ID: "y", RsmName: "kv", Payload: []byte("Y")}, func(r types.Revision, err error) {
		results <- result{r, err}
	})

	seen := map[uint64]bool{}
	for i := 0; i < 2; i++ {
		select {
		case r := <-results:
			require.NoError(t, r.err)
			seen[r.rev.Seqno] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for command reply")
		}
	}
	require.True(t, seen[1])
	require.True(t, seen[2])
}

// TestCasConfigRejection grounds scenario S2: a casConfig whose
// expectedRevision does not match the current configRevision is rejected
// with the actual current revision, and no log entry is appended for it.
func TestCasConfigRejection(t *testing.T) {
	agents, historyID, liveness := newThreeNodeCluster(t)
	srv := newFakeServer()

	p := New(Config{
		Self:      "a",
		HistoryID: historyID,
		Term:      types.Term{Num: 1, LeaderID: "a"},
		Agent:     agents["a"],
		Liveness:  liveness,
		Server:    srv,
	})
	p.Start()
	defer p.Stop()
	waitReady(t, srv)

	done := make(chan struct {
		rev types.Revision
		err error
	}, 1)
	bogus := types.Revision{HistoryID: historyID, Seqno: 99}
	p.SubmitConfig(bogus, stableConfig("a", "b", "d"), func(rev types.Revision, err error) {
		done <- struct {
			rev types.Revision
			err error
		}{rev, err}
	})

	select {
	case res := <-done:
		require.Error(t, res.err)
		var casErr *CasFailedError
		require.ErrorAs(t, res.err, &casErr)
		require.NotEqual(t, uint64(99), casErr.Revision.Seqno)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for casConfig reply")
	}
}

// TestJointTransitionCommitsIntoFutureConfig grounds scenario S3: a
// casConfig whose expectedRevision matches commits a Transition entry,
// after which the Proposer automatically proposes and commits the Future
// plain Config without a second client request (§4.4.5).
func TestJointTransitionCommitsIntoFutureConfig(t *testing.T) {
	agents, historyID, liveness := newThreeNodeCluster(t)
	srv := newFakeServer()

	p := New(Config{
		Self:      "a",
		HistoryID: historyID,
		Term:      types.Term{Num: 1, LeaderID: "a"},
		Agent:     agents["a"],
		Liveness:  liveness,
		Server:    srv,
	})
	p.Start()
	defer p.Stop()
	waitReady(t, srv)

	future := stableConfig("a", "c")
	type result struct {
		rev types.Revision
		err error
	}
	done := make(chan result, 1)
	// A fresh MemoryAgent never sets configRevision, so the CAS baseline
	// the Proposer adopted on establish is the zero Revision.
	p.SubmitConfig(types.Revision{}, future, func(rev types.Revision, err error) {
		done <- result{rev, err}
	})

	select {
	case res := <-done:
		require.NoError(t, res.err)
		require.Equal(t, uint64(2), res.rev.Seqno)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for casConfig reply")
	}

	meta, err := agents["a"].GetMetadata(context.Background())
	require.NoError(t, err)
	cfg, ok := meta.Config.(types.Config)
	require.True(t, ok)
	require.Equal(t, []string{"a", "c"}, cfg.Voters)
	require.Equal(t, uint64(2), meta.ConfigRevision.Seqno)

	entries, err := agents["a"].GetLog(context.Background(), historyID, types.Term{Num: 1, LeaderID: "a"}, 0, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	_, isTransition := entries[0].Value.(types.Transition)
	require.True(t, isTransition, "first committed entry should be the joint Transition")
	_, isConfig := entries[1].Value.(types.Config)
	require.True(t, isConfig, "second committed entry should be the plain Future Config")
}

// TestEstablishSucceedsWithOnePeerDown grounds half of scenario S5: a
// majority of the voter set (self plus one peer) is still reachable, so
// establishment succeeds despite one peer being down.
func TestEstablishSucceedsWithOnePeerDown(t *testing.T) {
	agents, historyID, liveness := newThreeNodeCluster(t)
	liveness.MarkDown("c")
	srv := newFakeServer()

	p := New(Config{
		Self:      "a",
		HistoryID: historyID,
		Term:      types.Term{Num: 1, LeaderID: "a"},
		Agent:     agents["a"],
		Liveness:  liveness,
		Server:    srv,
	})
	p.Start()
	defer p.Stop()
	waitReady(t, srv)
	require.Equal(t, "", p.StopReason())
}

// TestEstablishFailsWhenQuorumUnreachable grounds the other half of S5: with
// two of three voters down, self alone cannot satisfy the stable-config
// majority, so establishment gives up with "noQuorum" instead of hanging.
func TestEstablishFailsWhenQuorumUnreachable(t *testing.T) {
	agents, historyID, liveness := newThreeNodeCluster(t)
	liveness.MarkDown("b")
	liveness.MarkDown("c")
	srv := newFakeServer()

	p := New(Config{
		Self:      "a",
		HistoryID: historyID,
		Term:      types.Term{Num: 1, LeaderID: "a"},
		Agent:     agents["a"],
		Liveness:  liveness,
		Server:    srv,
	})
	p.Start()
	defer p.Stop()
	p.Wait()
	require.Equal(t, "noQuorum", p.StopReason())
}

// TestBranchResolutionAdoptsSurvivingPeers grounds scenario S6: a pending
// branch installed on the leader's own Agent is resolved on entering
// Proposing into a new stable Config restricted to the branch's surviving
// peers, and the branch is cleared once that Config commits (§4.4.4).
func TestBranchResolutionAdoptsSurvivingPeers(t *testing.T) {
	agents, historyID, liveness := newThreeNodeCluster(t)
	agents["a"].SetPendingBranch(&types.Branch{
		HistoryID: historyID,
		Peers:     []string{"a", "b"},
		Status:    types.BranchPending,
	})
	srv := newFakeServer()

	p := New(Config{
		Self:      "a",
		HistoryID: historyID,
		Term:      types.Term{Num: 1, LeaderID: "a"},
		Agent:     agents["a"],
		Liveness:  liveness,
		Server:    srv,
	})
	p.Start()
	defer p.Stop()
	waitReady(t, srv)

	require.Eventually(t, func() bool {
		meta, err := agents["a"].GetMetadata(context.Background())
		if err != nil {
			return false
		}
		cfg, ok := meta.Config.(types.Config)
		return ok && len(cfg.Voters) == 2 && cfg.Voters[0] == "a" && cfg.Voters[1] == "b"
	}, 2*time.Second, 10*time.Millisecond, "branch never resolved to surviving peers")
}

// TestSweepSyncRequestsProbesNewlyRelevantPeer drives the Proposer's
// syncQuorum state machine directly: an outstanding syncRequest seeded
// under a two-node effective quorum must be re-probed against a peer that
// only becomes relevant once the effective quorum widens, per §4.4.6
// ("Outstanding requests are re-evaluated on config change, may require
// probing newly added peers").
func TestSweepSyncRequestsProbesNewlyRelevantPeer(t *testing.T) {
	historyID := types.HistoryID("h0")
	reg := agent.NewRegistry()
	cfg := stableConfig("a", "b", "d")
	agents := map[string]*agent.MemoryAgent{
		"a": agent.NewMemoryAgent("a", historyID, reg, cfg),
		"b": agent.NewMemoryAgent("b", historyID, reg, cfg),
		"d": agent.NewMemoryAgent("d", historyID, reg, cfg),
	}
	liveness := cluster.NewStaticLiveness("a", "b", "d")
	srv := newFakeServer()

	p := New(Config{
		Self:      "a",
		HistoryID: historyID,
		Term:      types.Term{Num: 1, LeaderID: "a"},
		Agent:     agents["a"],
		Liveness:  liveness,
		Server:    srv,
	})

	// Seed an outstanding syncRequest as it would look right after
	// handleSyncQuorumRequest, under the pre-change two-node quorum.
	sr := newSyncRequest(1, nil, func(bool) {})
	sr.votes[p.self] = true
	p.syncs[sr.tag] = sr
	p.peerSet = []string{"a", "b"}
	p.effQuorum = quorum.Stable("a", []string{"a", "b"})

	// Simulate a config change that widens the effective quorum to include
	// "d", mirroring what recomputeQuorum would install, then sweep.
	p.peerSet = []string{"a", "b", "d"}
	p.effQuorum = quorum.Stable("a", []string{"a", "b", "d"})
	p.sweepSyncRequests()

	probed := map[string]bool{}
draining:
	for {
		select {
		case res := <-p.ensureCh:
			require.Equal(t, purposeSyncQuorum, res.purpose)
			require.Equal(t, sr.tag, res.syncTag)
			probed[res.peer] = true
		default:
			break draining
		}
	}
	require.True(t, probed["b"], "sweep should re-probe a peer known before the config change")
	require.True(t, probed["d"], "sweep should probe a peer newly relevant after the config change")
	require.False(t, probed["a"], "sweep should never probe self")
}
