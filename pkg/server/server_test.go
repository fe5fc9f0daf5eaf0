package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/chronicle/pkg/events"
	"github.com/cuemby/chronicle/pkg/types"
)

type fakeProposer struct {
	lastCommand types.RsmCommand
	syncResult  bool
}

func (f *fakeProposer) SubmitCommand(cmd types.RsmCommand, reply func(types.Revision, error)) {
	f.lastCommand = cmd
	reply(types.Revision{Seqno: 1}, nil)
}

func (f *fakeProposer) SubmitConfig(expectedRevision types.Revision, newConfig types.Config, reply func(types.Revision, error)) {
	reply(types.Revision{Seqno: expectedRevision.Seqno + 1}, nil)
}

func (f *fakeProposer) SubmitSyncQuorum(tag uint64, reply func(ok bool)) {
	reply(f.syncResult)
}

type fakeRsm struct {
	name          string
	termStarted   int
	termFinished  int
	commitAdvance int
	lastHighSeqno uint64
}

func (f *fakeRsm) Name() string { return f.name }
func (f *fakeRsm) TermStarted(historyID types.HistoryID, term types.Term, highSeqno uint64) {
	f.termStarted++
	f.lastHighSeqno = highSeqno
}
func (f *fakeRsm) TermFinished(historyID types.HistoryID, term types.Term) { f.termFinished++ }
func (f *fakeRsm) CommitAdvanced(historyID types.HistoryID, availableSeqno uint64) {
	f.commitAdvance++
}

func TestRsmCommandWithNoProposerReturnsError(t *testing.T) {
	s := New()
	var gotErr error
	s.RsmCommand(types.RsmCommand{ID: "1"}, func(rev types.Revision, err error) { gotErr = err })
	require.ErrorIs(t, gotErr, ErrNoProposer)
}

func TestRsmCommandRoutesToProposer(t *testing.T) {
	s := New()
	p := &fakeProposer{}
	s.AttachProposer(p)

	cmd := types.RsmCommand{ID: "7", RsmName: "kv"}
	var gotRev types.Revision
	s.RsmCommand(cmd, func(rev types.Revision, err error) {
		require.NoError(t, err)
		gotRev = rev
	})
	require.Equal(t, cmd, p.lastCommand)
	require.Equal(t, uint64(1), gotRev.Seqno)
}

func TestNotificationsFanOutToAllAttachedRsms(t *testing.T) {
	s := New()
	kv := &fakeRsm{name: "kv"}
	meta := &fakeRsm{name: "meta"}
	s.AttachRsm(kv)
	s.AttachRsm(meta)

	s.ProposerReady(types.HistoryID("h0"), types.Term{Num: 1, LeaderID: "a"}, 5)
	s.TermFinished(types.HistoryID("h0"), types.Term{Num: 1, LeaderID: "a"})
	s.CommitAdvanced(types.HistoryID("h0"), 9)

	for _, r := range []*fakeRsm{kv, meta} {
		require.Equal(t, 1, r.termStarted)
		require.Equal(t, uint64(5), r.lastHighSeqno)
		require.Equal(t, 1, r.termFinished)
		require.Equal(t, 1, r.commitAdvance)
	}
}

func TestBrokerMirrorsNotifications(t *testing.T) {
	s := New()
	b := events.NewBroker()
	b.Start()
	defer b.Stop()
	s.AttachBroker(b)

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	s.ProposerReady(types.HistoryID("h0"), types.Term{Num: 1, LeaderID: "a"}, 5)

	ev := <-sub
	require.Equal(t, events.TermStarted, ev.Type)
	require.Equal(t, types.HistoryID("h0"), ev.HistoryID)
}

func TestSyncQuorumWithNoProposerReturnsError(t *testing.T) {
	s := New()
	_, err := s.SyncQuorum(context.Background(), 1)
	require.ErrorIs(t, err, ErrNoProposer)
}

func TestSyncQuorumRoutesToProposer(t *testing.T) {
	s := New()
	s.AttachProposer(&fakeProposer{syncResult: true})
	ok, err := s.SyncQuorum(context.Background(), 42)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestAnnounceTermReflectsActiveTerm(t *testing.T) {
	s := New()
	_, _, _, active := s.AnnounceTerm()
	require.False(t, active)

	s.AttachProposer(&fakeProposer{})
	historyID := types.HistoryID("h0")
	term := types.Term{Num: 1, LeaderID: "a"}
	s.ProposerReady(historyID, term, 5)

	gotHistory, gotTerm, gotHigh, active := s.AnnounceTerm()
	require.True(t, active)
	require.Equal(t, historyID, gotHistory)
	require.Equal(t, term, gotTerm)
	require.Equal(t, uint64(5), gotHigh)

	s.TermFinished(historyID, term)
	_, _, _, active = s.AnnounceTerm()
	require.False(t, active)
}
