package tracking

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/example/bus-tracking/internal/logging"
)

func TestBrokerPublishToGroup(t *testing.T) {
	b := NewBroker(4)
	a := b.Join("a", TripGroup("t1"))
	c := b.Join("c", TripGroup("t2"))

	if n := b.Publish(TripGroup("t1"), TripClosed{TripID: "t1"}); n != 1 {
		t.Fatalf("delivered %d", n)
	}
	if e := recv(t, a); e.Trip() != "t1" {
		t.Fatalf("unexpected event %+v", e)
	}
	expectNone(t, c)
}

func TestBrokerPrunesFullSubscriber(t *testing.T) {
	b := NewBroker(2)
	slow := b.Join("slow", TripGroup("t1"))
	fast := b.Join("fast", TripGroup("t1"))

	for i := 0; i < 2; i++ {
		b.Publish(TripGroup("t1"), TripClosed{TripID: "t1"})
		recv(t, fast)
	}
	// slow never reads; its buffer of two is now full
	if n := b.Publish(TripGroup("t1"), TripClosed{TripID: "t1"}); n != 1 {
		t.Fatalf("delivered %d, want 1", n)
	}
	if b.Connected("slow") {
		t.Fatal("slow subscriber not pruned")
	}
	if b.Members(TripGroup("t1")) != 1 {
		t.Fatalf("members = %d", b.Members(TripGroup("t1")))
	}
	// buffered events stay readable, then the channel is closed
	recv(t, slow)
	recv(t, slow)
	if _, ok := <-slow.Events(); ok {
		t.Fatal("expected closed channel")
	}
}

func TestBrokerPrunesClosedSubscriberOnPublish(t *testing.T) {
	b := NewBroker(0)
	gone := b.Join("gone", ParentGroup("p1"))
	gone.Close()
	if !b.Connected("gone") {
		t.Fatal("close alone should not unregister")
	}
	if n := b.Publish(ParentGroup("p1"), StopApproaching{TripID: "t1"}); n != 0 {
		t.Fatalf("delivered %d", n)
	}
	if b.Connected("gone") {
		t.Fatal("closed subscriber not pruned")
	}

	// the id can connect again
	again := b.Join("gone", ParentGroup("p1"))
	b.Publish(ParentGroup("p1"), StopApproaching{TripID: "t1"})
	recv(t, again)
}

func TestBrokerLeaveAndRemove(t *testing.T) {
	b := NewBroker(4)
	s := b.Join("s", TripGroup("t1"))
	b.Join("s", ParentGroup("p1"))

	b.Leave("s", TripGroup("t1"))
	b.Publish(TripGroup("t1"), TripClosed{TripID: "t1"})
	expectNone(t, s)
	b.Publish(ParentGroup("p1"), TripClosed{TripID: "t1"})
	recv(t, s)

	b.Remove("s")
	if b.Members(ParentGroup("p1")) != 0 || b.Connected("s") {
		t.Fatal("remove left memberships behind")
	}
	if _, ok := <-s.Events(); ok {
		t.Fatal("expected closed channel")
	}
}

func TestRedisRelayDeliversAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	local, remote := NewBroker(8), NewBroker(8)
	relayA := NewRedisRelay(client, local, logging.Discard())
	relayB := NewRedisRelay(client, remote, logging.Discard())
	if err := relayA.Start(ctx); err != nil {
		t.Fatalf("start A: %v", err)
	}
	defer relayA.Close()
	if err := relayB.Start(ctx); err != nil {
		t.Fatalf("start B: %v", err)
	}
	defer relayB.Close()

	here := local.Join("here", TripGroup("t1"))
	there := remote.Join("there", TripGroup("t1"))

	ev := EtaUpdate{TripID: "t1", StopID: "s2", EstimatedArrival: evening, MinutesRemaining: 4.5}
	if err := relayA.Forward(ctx, TripGroup("t1"), ev); err != nil {
		t.Fatalf("forward: %v", err)
	}

	select {
	case got := <-there.Events():
		upd, ok := got.(EtaUpdate)
		if !ok || upd.StopID != "s2" || upd.MinutesRemaining != 4.5 || !upd.EstimatedArrival.Equal(evening) {
			t.Fatalf("unexpected relayed event %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for relayed event")
	}

	// the origin instance ignores its own messages
	select {
	case got := <-here.Events():
		t.Fatalf("origin received its own event %+v", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRedisRelayForwardError(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	mr.Close()

	relay := NewRedisRelay(client, NewBroker(1), logging.Discard())
	if err := relay.Forward(context.Background(), TripGroup("t1"), TripClosed{TripID: "t1"}); err == nil {
		t.Fatal("expected error with redis down")
	}
}
