package handler

import (
	"context"
	"sync"

	"github.com/vela-mw/notifych/pkg/notifych/control"
	"github.com/vela-mw/notifych/pkg/notifych/ids"
	"github.com/vela-mw/notifych/pkg/notifych/wire"
)

// fakeSender counts how many envelopes it was asked to send without
// touching any real transport.
type fakeSender struct {
	mu   sync.Mutex
	sent int
}

func (s *fakeSender) Send(ctx context.Context, raw []byte) error {
	s.mu.Lock()
	s.sent++
	s.mu.Unlock()
	return nil
}

// fakeControl is a MessagePassingControl test double that never touches a
// real transport: it just counts what the handler asked it to do.
type fakeControl struct {
	mu      sync.Mutex
	sends   map[ids.NodeID]int
	removes map[ids.NodeID]int
}

func (f *fakeControl) NodeIdentifier() ids.NodeID { return 4444 }

func (f *fakeControl) ChannelName(node ids.NodeID, quality ids.QualityType) string {
	return ""
}

func (f *fakeControl) GetSender(ctx context.Context, node ids.NodeID, quality ids.QualityType) (control.Sender, error) {
	f.mu.Lock()
	if f.sends == nil {
		f.sends = make(map[ids.NodeID]int)
	}
	f.sends[node]++
	f.mu.Unlock()
	return &fakeSender{}, nil
}

func (f *fakeControl) RemoveSender(node ids.NodeID, quality ids.QualityType) {
	f.mu.Lock()
	if f.removes == nil {
		f.removes = make(map[ids.NodeID]int)
	}
	f.removes[node]++
	f.mu.Unlock()
}

func (f *fakeControl) sentTo(node ids.NodeID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends[node]
}

func (f *fakeControl) removeCalls(node ids.NodeID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.removes[node]
}

func wireRegisterMsg(event ids.ElementFqId, sender ids.NodeID) wire.RegisterEventNotifierMessage {
	return wire.RegisterEventNotifierMessage{Event: event, Sender: sender}
}
