package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStaticElectionDeliversAnnouncement(t *testing.T) {
	e := NewStaticElection()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := e.Announcements(ctx, "h1")
	e.Announce(TermAnnouncement{HistoryID: "h1", TermNum: 1, Node: "n1", Started: true})

	select {
	case ann := <-ch:
		require.Equal(t, "n1", ann.Node)
		require.True(t, ann.Started)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for announcement")
	}
}

func TestStaticLivenessMarkUpDown(t *testing.T) {
	l := NewStaticLiveness("a", "b")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := l.Subscribe(ctx)

	l.MarkDown("a")
	select {
	case ev := <-ch:
		require.Equal(t, "a", ev.Peer)
		require.False(t, ev.Up)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for down event")
	}
	require.ElementsMatch(t, []string{"b"}, l.LivePeers())

	l.MarkUp("c")
	select {
	case ev := <-ch:
		require.Equal(t, "c", ev.Peer)
		require.True(t, ev.Up)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for up event")
	}
	require.ElementsMatch(t, []string{"b", "c"}, l.LivePeers())
}
