package handler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/vela-mw/notifych/pkg/notifych/ids"
	"github.com/vela-mw/notifych/pkg/notifych/logging"
)

func newTestHandler() *Handler {
	pools := map[ids.QualityType]PoolConfig{
		ids.QualityAsilQM: {Size: 2, QueueDepth: 8},
		ids.QualityAsilB:  {Size: 2, QueueDepth: 8},
	}
	return New(4444, &fakeControl{}, logging.NewDefaultLogger(), pools)
}

func TestNotifyEventLocalOnlyDelivery(t *testing.T) {
	h := newTestHandler()
	defer h.Close()
	event := ids.ElementFqId{ServiceID: 1, ElementID: 1, InstanceID: 1, ElementType: ids.ElementEvent}

	var calls int32
	var mu sync.Mutex
	done := make(chan struct{})
	regNo, err := h.RegisterEventNotification(context.Background(), ids.QualityAsilQM, event, h.self, func() {
		mu.Lock()
		calls++
		mu.Unlock()
		close(done)
	})
	if err != nil {
		t.Fatalf("RegisterEventNotification: %v", err)
	}
	if regNo == 0 {
		t.Fatal("expected non-zero registration number")
	}

	if err := h.NotifyEvent(context.Background(), ids.QualityAsilQM, event); err != nil {
		t.Fatalf("NotifyEvent: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("local handler never ran")
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected exactly one call, got %d", calls)
	}
}

func TestUnregisterThenNotifyDoesNothing(t *testing.T) {
	h := newTestHandler()
	defer h.Close()
	event := ids.ElementFqId{ServiceID: 1, ElementID: 1, InstanceID: 1, ElementType: ids.ElementEvent}

	var calls int32
	regNo, err := h.RegisterEventNotification(context.Background(), ids.QualityAsilB, event, h.self, func() {
		calls++
	})
	if err != nil {
		t.Fatalf("RegisterEventNotification: %v", err)
	}
	if err := h.UnregisterEventNotification(context.Background(), ids.QualityAsilB, event, regNo, h.self); err != nil {
		t.Fatalf("UnregisterEventNotification: %v", err)
	}
	if err := h.UnregisterEventNotification(context.Background(), ids.QualityAsilB, event, regNo, h.self); err == nil {
		t.Fatal("expected error on second unregister of the same handle")
	}

	if err := h.NotifyEvent(context.Background(), ids.QualityAsilB, event); err != nil {
		t.Fatalf("NotifyEvent: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if calls != 0 {
		t.Fatalf("expected zero calls after unregister, got %d", calls)
	}
}

func TestRemoteRegistrationEmitsOneMessagePerRefcount(t *testing.T) {
	fc := &fakeControl{}
	h := New(4444, fc, logging.NewDefaultLogger(), map[ids.QualityType]PoolConfig{ids.QualityAsilQM: {Size: 1, QueueDepth: 4}})
	defer h.Close()
	event := ids.ElementFqId{ServiceID: 9, ElementID: 2, InstanceID: 1, ElementType: ids.ElementEvent}
	provider := ids.NodeID(763)

	for i := 0; i < 3; i++ {
		if _, err := h.RegisterEventNotification(context.Background(), ids.QualityAsilQM, event, provider, func() {}); err != nil {
			t.Fatalf("RegisterEventNotification %d: %v", i, err)
		}
	}
	if got := fc.sentTo(provider); got != 1 {
		t.Fatalf("expected exactly one wire registration to node %d, got %d", provider, got)
	}

	// A registration against the same event but a different provider means
	// the provider moved: it must overwrite the subscription and resend to
	// the new target, not just bump the refcount on the old one.
	secondProvider := ids.NodeID(764)
	if _, err := h.RegisterEventNotification(context.Background(), ids.QualityAsilQM, event, secondProvider, func() {}); err != nil {
		t.Fatalf("RegisterEventNotification second provider: %v", err)
	}
	if got := fc.sentTo(secondProvider); got != 1 {
		t.Fatalf("expected exactly one wire registration to node %d, got %d", secondProvider, got)
	}
	if got := fc.sentTo(provider); got != 1 {
		t.Fatalf("expected no additional wire registration to the old provider %d, got %d", provider, got)
	}

	qd := h.data[ids.QualityAsilQM]
	qd.muSubs.Lock()
	sub := qd.remoteSubs[event.Identity()]
	qd.muSubs.Unlock()
	if sub == nil || sub.provider != secondProvider {
		t.Fatalf("expected remote subscription to now point at node %d, got %+v", secondProvider, sub)
	}
	if sub.refcount != 1 {
		t.Fatalf("expected refcount reset to 1 after provider move, got %d", sub.refcount)
	}
}

func TestUnregisterRejectsWrongTargetNode(t *testing.T) {
	fc := &fakeControl{}
	h := New(4444, fc, logging.NewDefaultLogger(), map[ids.QualityType]PoolConfig{ids.QualityAsilQM: {Size: 1, QueueDepth: 4}})
	defer h.Close()
	event := ids.ElementFqId{ServiceID: 9, ElementID: 2, InstanceID: 1, ElementType: ids.ElementEvent}
	provider := ids.NodeID(763)

	regNo, err := h.RegisterEventNotification(context.Background(), ids.QualityAsilQM, event, provider, func() {})
	if err != nil {
		t.Fatalf("RegisterEventNotification: %v", err)
	}

	wrongTarget := ids.NodeID(999)
	if err := h.UnregisterEventNotification(context.Background(), ids.QualityAsilQM, event, regNo, wrongTarget); err != nil {
		t.Fatalf("UnregisterEventNotification against wrong target: %v", err)
	}

	qd := h.data[ids.QualityAsilQM]
	qd.muSubs.Lock()
	sub := qd.remoteSubs[event.Identity()]
	qd.muSubs.Unlock()
	if sub == nil || sub.provider != provider {
		t.Fatalf("expected subscription to survive an unregister against the wrong target, got %+v", sub)
	}
}

func TestReregisterEventNotificationMovesProvider(t *testing.T) {
	fc := &fakeControl{}
	h := New(4444, fc, logging.NewDefaultLogger(), map[ids.QualityType]PoolConfig{ids.QualityAsilQM: {Size: 1, QueueDepth: 4}})
	defer h.Close()
	event := ids.ElementFqId{ServiceID: 9, ElementID: 2, InstanceID: 1, ElementType: ids.ElementEvent}
	oldProvider := ids.NodeID(763)
	newProvider := ids.NodeID(764)

	regNo, err := h.RegisterEventNotification(context.Background(), ids.QualityAsilQM, event, oldProvider, func() {})
	if err != nil {
		t.Fatalf("RegisterEventNotification: %v", err)
	}
	if got := fc.sentTo(oldProvider); got != 1 {
		t.Fatalf("expected one wire registration to node %d, got %d", oldProvider, got)
	}

	if err := h.ReregisterEventNotification(context.Background(), ids.QualityAsilQM, event, newProvider); err != nil {
		t.Fatalf("ReregisterEventNotification: %v", err)
	}
	if got := fc.sentTo(newProvider); got != 1 {
		t.Fatalf("expected one wire registration to the new provider %d, got %d", newProvider, got)
	}

	// After the move, the subscription belongs to newProvider: unregistering
	// against newProvider must succeed and send the wire unregister there.
	if err := h.UnregisterEventNotification(context.Background(), ids.QualityAsilQM, event, regNo, newProvider); err != nil {
		t.Fatalf("UnregisterEventNotification against new provider: %v", err)
	}
	if got := fc.sentTo(newProvider); got != 2 {
		t.Fatalf("expected a wire unregister to the new provider %d, got %d sends", newProvider, got)
	}
	if got := fc.sentTo(oldProvider); got != 1 {
		t.Fatalf("expected no wire traffic to the stale provider %d after the move, got %d", oldProvider, got)
	}
}

func TestNotifyOutdatedNodeIdRemovesSenderExactlyOnce(t *testing.T) {
	fc := &fakeControl{}
	h := New(4444, fc, logging.NewDefaultLogger(), map[ids.QualityType]PoolConfig{ids.QualityAsilQM: {Size: 1, QueueDepth: 4}})
	defer h.Close()

	outdated := ids.NodeID(999)
	for i := 0; i < 3; i++ {
		event := ids.ElementFqId{ServiceID: uint16(i), ElementID: 1, InstanceID: 1}
		h.HandleRegister(ids.QualityAsilQM, wireRegisterMsg(event, outdated))
	}

	if err := h.NotifyOutdatedNodeId(ids.QualityAsilQM, outdated); err != nil {
		t.Fatalf("NotifyOutdatedNodeId: %v", err)
	}
	if fc.removeCalls(outdated) != 1 {
		t.Fatalf("expected RemoveSender exactly once, got %d", fc.removeCalls(outdated))
	}
}
