package events

import (
	"testing"
	"time"

	"github.com/cuemby/chronicle/pkg/types"
)

func TestBrokerDeliversToSubscriber(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(Event{Type: TermStarted, HistoryID: types.HistoryID("h0"), Term: types.Term{Num: 1, LeaderID: "a"}})

	select {
	case ev := <-sub:
		if ev.Type != TermStarted || ev.Term.Num != 1 {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)

	if b.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.SubscriberCount())
	}
	if _, ok := <-sub; ok {
		t.Fatal("expected subscriber channel to be closed")
	}
}
