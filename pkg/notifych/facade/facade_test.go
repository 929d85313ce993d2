package facade

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/vela-mw/notifych/pkg/notifych/channel"
	"github.com/vela-mw/notifych/pkg/notifych/handler"
	"github.com/vela-mw/notifych/pkg/notifych/ids"
	"github.com/vela-mw/notifych/pkg/notifych/logging"
)

func newTestFacade(t *testing.T, node ids.NodeID, baseDir string) *Facade {
	t.Helper()
	cfg := Config{
		SelfNode: node,
		BaseDir:  baseDir,
		QM: AsilConfig{
			ReceiverConfig: channel.DefaultReceiverConfig(),
			PoolConfig:     handler.PoolConfig{Size: 2, QueueDepth: 8},
		},
		B: &AsilConfig{
			ReceiverConfig: channel.DefaultReceiverConfig(),
			PoolConfig:     handler.PoolConfig{Size: 2, QueueDepth: 8},
		},
		Backend:   channel.NewUnixgramBackend(),
		SenderCfg: channel.SenderConfig{ConnectRetryDelay: time.Millisecond, MaxSendRetries: 3, SendRetryDelay: time.Millisecond},
		Log:       logging.NewDefaultLogger(),
	}
	f, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New facade: %v", err)
	}
	return f
}

func waitOrTimeout(t *testing.T, ch <-chan struct{}, d time.Duration, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(d):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestFacadeLocalOnlyDelivery(t *testing.T) {
	defer goleak.VerifyNone(t)
	dir := t.TempDir()
	f := newTestFacade(t, 4444, dir)
	defer f.Close()

	event := ids.ElementFqId{ServiceID: 1, ElementID: 1, InstanceID: 1, ElementType: ids.ElementEvent}
	done := make(chan struct{})
	if _, err := f.RegisterEventNotification(ids.QualityAsilQM, event, f.NodeIdentifier(), func() { close(done) }); err != nil {
		t.Fatalf("RegisterEventNotification: %v", err)
	}
	if err := f.NotifyEvent(ids.QualityAsilQM, event); err != nil {
		t.Fatalf("NotifyEvent: %v", err)
	}
	waitOrTimeout(t, done, 2*time.Second, "local delivery")
}

func TestFacadeRemoteRegistrationAndNotify(t *testing.T) {
	defer goleak.VerifyNone(t)
	dir := t.TempDir()

	provider := newTestFacade(t, 763, dir)
	defer provider.Close()
	consumer := newTestFacade(t, 4444, dir)
	defer consumer.Close()

	event := ids.ElementFqId{ServiceID: 5, ElementID: 1, InstanceID: 1, ElementType: ids.ElementEvent}

	done := make(chan struct{})
	var once sync.Once
	if _, err := consumer.RegisterEventNotification(ids.QualityAsilQM, event, provider.NodeIdentifier(), func() {
		once.Do(func() { close(done) })
	}); err != nil {
		t.Fatalf("RegisterEventNotification: %v", err)
	}

	// Give the wire registration time to land on the provider before it
	// fires NotifyEvent.
	time.Sleep(100 * time.Millisecond)

	if err := provider.NotifyEvent(ids.QualityAsilQM, event); err != nil {
		t.Fatalf("NotifyEvent: %v", err)
	}
	waitOrTimeout(t, done, 3*time.Second, "remote notify delivery")
}

func TestFacadeSecondRemoteTargetGetsOwnMessage(t *testing.T) {
	defer goleak.VerifyNone(t)
	dir := t.TempDir()

	provider := newTestFacade(t, 763, dir)
	defer provider.Close()
	consumerA := newTestFacade(t, 764, dir)
	defer consumerA.Close()
	consumerB := newTestFacade(t, 765, dir)
	defer consumerB.Close()

	event := ids.ElementFqId{ServiceID: 6, ElementID: 1, InstanceID: 1, ElementType: ids.ElementEvent}

	doneA := make(chan struct{})
	doneB := make(chan struct{})
	if _, err := consumerA.RegisterEventNotification(ids.QualityAsilQM, event, provider.NodeIdentifier(), func() {
		select {
		case <-doneA:
		default:
			close(doneA)
		}
	}); err != nil {
		t.Fatalf("RegisterEventNotification A: %v", err)
	}
	if _, err := consumerB.RegisterEventNotification(ids.QualityAsilQM, event, provider.NodeIdentifier(), func() {
		select {
		case <-doneB:
		default:
			close(doneB)
		}
	}); err != nil {
		t.Fatalf("RegisterEventNotification B: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if err := provider.NotifyEvent(ids.QualityAsilQM, event); err != nil {
		t.Fatalf("NotifyEvent: %v", err)
	}

	waitOrTimeout(t, doneA, 3*time.Second, "consumer A delivery")
	waitOrTimeout(t, doneB, 3*time.Second, "consumer B delivery")
}

func TestFacadeOutdatedNodeIdPurgesInterest(t *testing.T) {
	defer goleak.VerifyNone(t)
	dir := t.TempDir()

	provider := newTestFacade(t, 763, dir)
	defer provider.Close()
	consumer := newTestFacade(t, 4444, dir)
	defer consumer.Close()

	event := ids.ElementFqId{ServiceID: 7, ElementID: 1, InstanceID: 1, ElementType: ids.ElementEvent}
	if _, err := consumer.RegisterEventNotification(ids.QualityAsilQM, event, provider.NodeIdentifier(), func() {}); err != nil {
		t.Fatalf("RegisterEventNotification: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if err := provider.NotifyOutdatedNodeId(ids.QualityAsilQM, consumer.NodeIdentifier()); err != nil {
		t.Fatalf("NotifyOutdatedNodeId: %v", err)
	}

	// A second purge of the same, now-absent node id must still succeed
	// (it logs an info line, not an error) rather than fail.
	if err := provider.NotifyOutdatedNodeId(ids.QualityAsilQM, consumer.NodeIdentifier()); err != nil {
		t.Fatalf("second NotifyOutdatedNodeId: %v", err)
	}
}
