package rsm

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/chronicle/pkg/agent"
	"github.com/cuemby/chronicle/pkg/cluster"
	"github.com/cuemby/chronicle/pkg/proposer"
	"github.com/cuemby/chronicle/pkg/server"
	"github.com/cuemby/chronicle/pkg/types"
)

// counterMod is a trivial Mod used to exercise the runtime: every command
// increments a counter and replies with its new value as a decimal string.
type counterMod struct{}

func (counterMod) Init() any { return 0 }

func (counterMod) HandleCommand(payload []byte, data any) Outcome {
	return Apply(data)
}

func (counterMod) HandleQuery(payload []byte, data any) []byte {
	return []byte(strconv.Itoa(data.(int)))
}

func (counterMod) ApplyCommand(payload []byte, revision types.Revision, data any) ([]byte, any) {
	n := data.(int) + 1
	return []byte(strconv.Itoa(n)), n
}

func stableConfig(voters ...string) types.Config {
	return types.Config{
		Voters:        voters,
		StateMachines: map[string]types.RsmConfig{"kv": types.RsmConfig(`{}`)},
	}
}

// newWiredNode builds a single-node (self-quorum) Proposer + Server + RSM
// Runtime stack so the runtime's command/query/syncRevision protocols can
// be exercised end to end without a real cluster.
func newWiredNode(t *testing.T) *Runtime {
	t.Helper()
	historyID := types.HistoryID("h0")
	reg := agent.NewRegistry()
	cfg := stableConfig("a")
	a := agent.NewMemoryAgent("a", historyID, reg, cfg)
	liveness := cluster.NewStaticLiveness("a")

	srv := server.New()
	p := proposer.New(proposer.Config{
		Self:      "a",
		HistoryID: historyID,
		Term:      types.Term{Num: 1, LeaderID: "a"},
		Agent:     a,
		Liveness:  liveness,
		Server:    srv,
	})
	srv.AttachProposer(p)

	rt := New(Config{Name: "kv", Agent: a, Server: srv, Mod: counterMod{}})
	require.NoError(t, rt.Start())
	srv.AttachRsm(rt)

	p.Start()
	t.Cleanup(func() {
		p.Stop()
		rt.Stop()
	})

	require.Eventually(t, func() bool {
		_, _, err := rt.GetAppliedRevision(RevisionLeader)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond, "runtime never became leader")

	return rt
}

// TestRuntimeCommandAppliesInOrder grounds scenario S1 from the RSM side:
// successive leader commands apply in order and each reply reflects the
// cumulative state at its own revision.
func TestRuntimeCommandAppliesInOrder(t *testing.T) {
	rt := newWiredNode(t)

	reply1, rev1, err := rt.Command([]byte("x"))
	require.NoError(t, err)
	require.Equal(t, "1", string(reply1))

	reply2, rev2, err := rt.Command([]byte("y"))
	require.NoError(t, err)
	require.Equal(t, "2", string(reply2))

	require.True(t, rev1.Less(rev2))
}

// TestRuntimeGetAppliedRevisionQuorum grounds a linearized read: after a
// command commits, GetAppliedRevision(quorum) succeeds and reflects it.
func TestRuntimeGetAppliedRevisionQuorum(t *testing.T) {
	rt := newWiredNode(t)

	_, rev, err := rt.Command([]byte("x"))
	require.NoError(t, err)

	qrev, err := rt.GetAppliedRevision(RevisionQuorum)
	require.NoError(t, err)
	require.Equal(t, rev.Seqno, qrev.Seqno)
}

// TestRuntimeSyncRevisionTimeout grounds §4.5's syncRevision timeout path:
// waiting for a seqno that will never be applied returns ErrTimeout once
// its deadline passes.
func TestRuntimeSyncRevisionTimeout(t *testing.T) {
	rt := newWiredNode(t)

	err := rt.SyncRevision(types.HistoryID("h0"), 1000, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
}

// TestRuntimeSyncRevisionHistoryMismatch grounds §4.5's immediate
// historyMismatch reply for a syncRevision request naming a different
// history than the one currently applied.
func TestRuntimeSyncRevisionHistoryMismatch(t *testing.T) {
	rt := newWiredNode(t)

	err := rt.SyncRevision(types.HistoryID("other"), 1, time.Second)
	require.ErrorIs(t, err, ErrHistoryMismatch)
}
