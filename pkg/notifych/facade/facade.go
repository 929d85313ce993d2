// Package facade wires the channel transport and the notify-event handler
// into a single lifecycle-managed object: construction and teardown order
// is itself a correctness property, not an implementation detail.
package facade

import (
	"context"
	"fmt"

	"github.com/vela-mw/notifych/pkg/notifych/channel"
	"github.com/vela-mw/notifych/pkg/notifych/control"
	"github.com/vela-mw/notifych/pkg/notifych/handler"
	"github.com/vela-mw/notifych/pkg/notifych/ids"
	"github.com/vela-mw/notifych/pkg/notifych/logging"
	"github.com/vela-mw/notifych/pkg/notifych/wire"
)

// AsilConfig configures one quality lane's receiver: how many messages it
// will buffer and who is allowed to send to it.
type AsilConfig struct {
	ReceiverConfig channel.ReceiverConfig
	PoolConfig     handler.PoolConfig
}

// Config configures a Facade. QM is mandatory; B is optional (a QM-only
// process never instantiates an ASIL-B receiver at all).
type Config struct {
	SelfNode  ids.NodeID
	BaseDir   string
	QM        AsilConfig
	B         *AsilConfig
	Backend   channel.Backend
	SenderCfg channel.SenderConfig
	Log       logging.Logger
}

// Facade is the single entry point an application binding uses: it owns
// the handler and every receiver it was constructed with, in the order
// that makes the handler outlive every receiver that might still be
// delivering a message to it.
//
// Member order here mirrors the grounding source's own documented
// constraint ("position of this handler member is important as it shall
// be destroyed AFTER the upcoming receiver members to avoid race
// conditions"): Go has no destructor order to lean on, so Close tears
// down explicitly in the correct sequence instead — receivers first, then
// the handler, the reverse of construction.
type Facade struct {
	log     logging.Logger
	control control.MessagePassingControl
	handler *handler.Handler
	qmRecv  *channel.Receiver
	bRecv   *channel.Receiver

	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs a Facade. The handler is built first; receivers are
// opened only after the handler exists, so an inbound message can never
// be dispatched to a handler that is not yet there to receive it.
func New(parent context.Context, cfg Config) (*Facade, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("notifych/facade: nil backend")
	}
	log := cfg.Log
	if log == nil {
		log = logging.NewDefaultLogger()
	}

	ctrl := control.NewInProcessControl(cfg.SelfNode, cfg.BaseDir, cfg.Backend, cfg.SenderCfg, log)

	pools := map[ids.QualityType]handler.PoolConfig{
		ids.QualityAsilQM: cfg.QM.PoolConfig,
	}
	if cfg.B != nil {
		pools[ids.QualityAsilB] = cfg.B.PoolConfig
	}
	h := handler.New(cfg.SelfNode, ctrl, log, pools)

	ctx, cancel := context.WithCancel(parent)
	f := &Facade{log: log, control: ctrl, handler: h, ctx: ctx, cancel: cancel}

	qmRecv, err := f.startReceiver(ctx, cfg.Backend, ctrl.ChannelName(cfg.SelfNode, ids.QualityAsilQM), ids.QualityAsilQM, cfg.QM.ReceiverConfig)
	if err != nil {
		cancel()
		h.Close()
		return nil, fmt.Errorf("notifych/facade: start QM receiver: %w", err)
	}
	f.qmRecv = qmRecv

	if cfg.B != nil {
		bRecv, err := f.startReceiver(ctx, cfg.Backend, ctrl.ChannelName(cfg.SelfNode, ids.QualityAsilB), ids.QualityAsilB, cfg.B.ReceiverConfig)
		if err != nil {
			qmRecv.Stop()
			cancel()
			h.Close()
			return nil, fmt.Errorf("notifych/facade: start ASIL-B receiver: %w", err)
		}
		f.bRecv = bRecv
	}

	return f, nil
}

// startReceiver builds a Receiver bound to this node's own channel for
// quality, registers the four inbound message handlers against the
// (already-built) handler, and starts listening. Registering before
// StartListening is required by channel.Receiver's contract.
func (f *Facade) startReceiver(ctx context.Context, backend channel.Backend, name string, quality ids.QualityType, cfg channel.ReceiverConfig) (*channel.Receiver, error) {
	recv := channel.NewReceiver(backend, name, cfg, f.log)

	if err := recv.RegisterShort(wire.MessageRegisterNotifier, func(env wire.ShortEnvelope) {
		msg := wire.DecodeRegisterEventNotifier(env.Payload, env.Sender)
		f.handler.HandleRegister(quality, msg)
	}); err != nil {
		return nil, err
	}
	if err := recv.RegisterShort(wire.MessageUnregisterNotifier, func(env wire.ShortEnvelope) {
		msg := wire.DecodeUnregisterEventNotifier(env.Payload, env.Sender)
		f.handler.HandleUnregister(quality, msg)
	}); err != nil {
		return nil, err
	}
	if err := recv.RegisterShort(wire.MessageNotifyEvent, func(env wire.ShortEnvelope) {
		msg := wire.DecodeNotifyEvent(env.Payload, env.Sender)
		f.handler.HandleNotifyEvent(ctx, quality, msg)
	}); err != nil {
		return nil, err
	}
	if err := recv.RegisterShort(wire.MessageOutdatedNodeId, func(env wire.ShortEnvelope) {
		msg := wire.DecodeOutdatedNodeId(env.Payload, env.Sender)
		f.handler.HandleOutdatedNodeId(quality, msg)
	}); err != nil {
		return nil, err
	}

	if err := recv.StartListening(ctx); err != nil {
		return nil, err
	}
	return recv, nil
}

// NotifyEvent, RegisterEventNotification, UnregisterEventNotification,
// ReregisterEventNotification and NotifyOutdatedNodeId forward straight to
// the handler: the facade's job is lifecycle, not algorithm.

// NodeIdentifier is this facade's own node id.
func (f *Facade) NodeIdentifier() ids.NodeID { return f.control.NodeIdentifier() }

func (f *Facade) NotifyEvent(quality ids.QualityType, event ids.ElementFqId) error {
	return f.handler.NotifyEvent(f.ctx, quality, event)
}

func (f *Facade) RegisterEventNotification(quality ids.QualityType, event ids.ElementFqId, provider ids.NodeID, cb func()) (uint32, error) {
	return f.handler.RegisterEventNotification(f.ctx, quality, event, provider, cb)
}

func (f *Facade) UnregisterEventNotification(quality ids.QualityType, event ids.ElementFqId, regNo uint32, targetNodeID ids.NodeID) error {
	return f.handler.UnregisterEventNotification(f.ctx, quality, event, regNo, targetNodeID)
}

func (f *Facade) ReregisterEventNotification(quality ids.QualityType, event ids.ElementFqId, newTargetNodeID ids.NodeID) error {
	return f.handler.ReregisterEventNotification(f.ctx, quality, event, newTargetNodeID)
}

func (f *Facade) NotifyOutdatedNodeId(quality ids.QualityType, node ids.NodeID) error {
	return f.handler.NotifyOutdatedNodeId(quality, node)
}

// Close tears the facade down in the order that keeps the handler alive
// for as long as any receiver might still call into it: every receiver is
// stopped and joined first, only then is the handler's worker pool closed.
func (f *Facade) Close() {
	f.cancel()
	if f.bRecv != nil {
		f.bRecv.Stop()
	}
	if f.qmRecv != nil {
		f.qmRecv.Stop()
	}
	f.handler.Close()
}
