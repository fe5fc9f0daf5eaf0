package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/chronicle/pkg/types"
)

func newTestBoltAgent(t *testing.T, self string, initial types.Config) *BoltAgent {
	t.Helper()
	reg := NewRegistry()
	a, err := NewBoltAgent(self, types.HistoryID("h0"), reg, t.TempDir(), initial)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestBoltAgentAppendThenGetLogRoundTripsCommand(t *testing.T) {
	a := newTestBoltAgent(t, "a", types.Config{Voters: []string{"a"}})
	term := types.Term{Num: 1, LeaderID: "a"}
	_, err := a.EstablishLocalTerm(context.Background(), types.HistoryID("h0"), term)
	require.NoError(t, err)

	entries := []types.LogEntry{
		{HistoryID: "h0", Term: term, Seqno: 1, Value: types.RsmCommand{ID: "1", RsmName: "kv", Payload: []byte("hello")}},
	}
	var high, committed uint64
	var appendErr error
	a.Append(context.Background(), "a", "h0", term, 0, entries, func(h, c uint64, err error) {
		high, committed, appendErr = h, c, err
	})
	require.NoError(t, appendErr)
	require.Equal(t, uint64(1), high)
	require.Equal(t, uint64(0), committed)

	got, err := a.GetLog(context.Background(), "h0", term, 0, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, term, got[0].Term)
	require.Equal(t, uint64(1), got[0].Seqno)
	cmd, ok := got[0].Value.(types.RsmCommand)
	require.True(t, ok)
	require.Equal(t, "1", cmd.ID)
	require.Equal(t, "kv", cmd.RsmName)
	require.Equal(t, []byte("hello"), cmd.Payload)
}

func TestBoltAgentAppendThenGetLogRoundTripsConfigAndTransition(t *testing.T) {
	a := newTestBoltAgent(t, "a", types.Config{Voters: []string{"a"}})
	term := types.Term{Num: 1, LeaderID: "a"}
	_, err := a.EstablishLocalTerm(context.Background(), types.HistoryID("h0"), term)
	require.NoError(t, err)

	current := types.Config{Voters: []string{"a"}}
	future := types.Config{Voters: []string{"a", "b"}}
	entries := []types.LogEntry{
		{HistoryID: "h0", Term: term, Seqno: 1, Value: types.Transition{Current: current, Future: future}},
		{HistoryID: "h0", Term: term, Seqno: 2, Value: future},
	}
	a.Append(context.Background(), "a", "h0", term, 2, entries, func(h, c uint64, err error) {
		require.NoError(t, err)
	})

	got, err := a.GetLog(context.Background(), "h0", term, 0, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)

	transition, ok := got[0].Value.(types.Transition)
	require.True(t, ok)
	require.Equal(t, current.Voters, transition.Current.Voters)
	require.Equal(t, future.Voters, transition.Future.Voters)

	cfg, ok := got[1].Value.(types.Config)
	require.True(t, ok)
	require.Equal(t, future.Voters, cfg.Voters)

	meta, err := a.GetMetadata(context.Background())
	require.NoError(t, err)
	require.Equal(t, future.Voters, meta.Config.(types.Config).Voters)
	require.Equal(t, types.Revision{HistoryID: "h0", Seqno: 2}, meta.ConfigRevision)
}

func TestBoltAgentGetLogStopsAtFirstGap(t *testing.T) {
	a := newTestBoltAgent(t, "a", types.Config{Voters: []string{"a"}})
	term := types.Term{Num: 1, LeaderID: "a"}
	_, err := a.EstablishLocalTerm(context.Background(), types.HistoryID("h0"), term)
	require.NoError(t, err)

	entries := []types.LogEntry{
		{HistoryID: "h0", Term: term, Seqno: 1, Value: types.RsmCommand{ID: "1", RsmName: "kv"}},
	}
	a.Append(context.Background(), "a", "h0", term, 0, entries, func(h, c uint64, err error) {
		require.NoError(t, err)
	})

	got, err := a.GetLog(context.Background(), "h0", term, 0, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
}
