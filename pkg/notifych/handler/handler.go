// Package handler implements the notify-event control plane core: given an
// event, fan out "it changed" to every interested local callback and every
// interested remote node, and keep the registries that make that fan-out
// possible consistent under concurrent registration, unregistration, and
// node-restart churn.
package handler

import (
	"context"
	"fmt"

	"github.com/vela-mw/notifych/pkg/notifych/control"
	"github.com/vela-mw/notifych/pkg/notifych/ids"
	"github.com/vela-mw/notifych/pkg/notifych/logging"
	"github.com/vela-mw/notifych/pkg/notifych/wire"
)

// interestBatchSize is how many interested remote nodes notifyRemote
// copies out from under its read lock per iteration, mirroring the
// reference's fixed NodeIdTmpBufferType size.
const interestBatchSize = 20

// maxNotifyRemoteIterations bounds how many interestBatchSize-sized
// batches a single NotifyEvent call will walk before giving up and logging
// an error, so a pathological number of remote subscribers can't turn one
// NotifyEvent call into an unbounded loop.
const maxNotifyRemoteIterations = 255

// Handler is the notify-event control plane core (one instance serves both
// ASIL-QM and ASIL-B lanes, each with its own locks and worker pool so
// neither can block the other).
type Handler struct {
	self    ids.NodeID
	control control.MessagePassingControl
	log     logging.Logger
	data    map[ids.QualityType]*qualityData
}

// PoolConfig sizes the per-quality worker pool used to run local callbacks
// off of the calling/receiving goroutine.
type PoolConfig struct {
	Size       int
	QueueDepth int
}

// New builds a Handler with one qualityData (and worker pool) per entry in
// pools. Typically both ids.QualityAsilQM and ids.QualityAsilB are present.
func New(self ids.NodeID, ctrl control.MessagePassingControl, log logging.Logger, pools map[ids.QualityType]PoolConfig) *Handler {
	h := &Handler{
		self:    self,
		control: ctrl,
		log:     log,
		data:    make(map[ids.QualityType]*qualityData, len(pools)),
	}
	for quality, cfg := range pools {
		size, depth := cfg.Size, cfg.QueueDepth
		if size <= 0 {
			size = 1
		}
		if depth <= 0 {
			depth = 32
		}
		h.data[quality] = newQualityData(size, depth)
	}
	return h
}

func (h *Handler) qualityData(quality ids.QualityType) (*qualityData, error) {
	qd, ok := h.data[quality]
	if !ok {
		return nil, fmt.Errorf("notifych/handler: quality %s not configured", quality)
	}
	return qd, nil
}

// Close stops every per-quality worker pool, waiting for queued local
// callbacks to finish.
func (h *Handler) Close() {
	for _, qd := range h.data {
		qd.pool.Close()
	}
}

// RegisterEventNotification registers cb to run whenever event changes.
// provider is the node id that owns event: when it is this process's own
// node id, delivery never touches the wire. Otherwise the first local
// registration for (event) against a given provider sends a wire
// RegisterEventNotifierMessage; subsequent local registrations for the same
// event and the same provider just refcount it. If a later call names a
// different provider than the one currently on file, the previous provider
// has moved (or the caller is correcting a stale registration): the old
// bookkeeping is overwritten and the registration is re-sent to the new
// provider. Returns a registration handle used later by
// UnregisterEventNotification. A transport send failure is logged and
// swallowed, never returned to the caller, matching notifyRemote.
func (h *Handler) RegisterEventNotification(ctx context.Context, quality ids.QualityType, event ids.ElementFqId, provider ids.NodeID, cb func()) (uint32, error) {
	qd, err := h.qualityData(quality)
	if err != nil {
		return 0, err
	}
	regNo := qd.addLocalHandler(event, cb)

	if provider == h.self {
		return regNo, nil
	}

	key := event.Identity()
	qd.muSubs.Lock()
	sub, exists := qd.remoteSubs[key]
	switch {
	case exists && sub.provider == provider:
		sub.refcount++
		qd.muSubs.Unlock()
		return regNo, nil
	case exists:
		h.log.Errorf("notifych/handler: %s already registered with node %d, moving to node %d", event, sub.provider, provider)
		sub.provider = provider
		sub.regNo = regNo
		sub.refcount = 1
	default:
		qd.remoteSubs[key] = &remoteSub{provider: provider, regNo: regNo, refcount: 1}
	}
	qd.muSubs.Unlock()

	if err := h.sendRegister(ctx, quality, provider, event); err != nil {
		h.log.Debugf("notifych/handler: register %s with node %d: %v", event, provider, err)
	}
	return regNo, nil
}

func (h *Handler) sendRegister(ctx context.Context, quality ids.QualityType, provider ids.NodeID, event ids.ElementFqId) error {
	sender, err := h.control.GetSender(ctx, provider, quality)
	if err != nil {
		return fmt.Errorf("get sender: %w", err)
	}
	msg := wire.EncodeRegisterEventNotifier(wire.RegisterEventNotifierMessage{Event: event, Sender: h.self})
	return sender.Send(ctx, msg[:])
}

func (h *Handler) sendUnregister(ctx context.Context, quality ids.QualityType, provider ids.NodeID, event ids.ElementFqId) error {
	sender, err := h.control.GetSender(ctx, provider, quality)
	if err != nil {
		return fmt.Errorf("get sender: %w", err)
	}
	msg := wire.EncodeUnregisterEventNotifier(wire.UnregisterEventNotifierMessage{Event: event, Sender: h.self})
	return sender.Send(ctx, msg[:])
}

// UnregisterEventNotification removes the registration identified by
// regNo. targetNodeID is the provider the caller believes it is currently
// registered with; if the bookkeeping disagrees (no remote subscription on
// file, or it names a different provider) an error is logged and the remote
// subscription is left untouched, with nothing sent, rather than
// silently unregistering from whatever provider happens to be on file,
// guarding against unregistering against a stale or wrong node after a
// provider has moved; the local handler is still removed and nil is
// returned. An unknown regNo returns an error. If it was the last local consumer of a
// remotely-provided event, it also sends a wire UnregisterEventNotifierMessage
// and drops the bookkeeping entry, leaving no trace behind for a matched
// register/unregister pair. A transport send failure is logged and
// swallowed, never returned to the caller, matching notifyRemote.
func (h *Handler) UnregisterEventNotification(ctx context.Context, quality ids.QualityType, event ids.ElementFqId, regNo uint32, targetNodeID ids.NodeID) error {
	qd, err := h.qualityData(quality)
	if err != nil {
		return err
	}
	removed, _ := qd.removeLocalHandler(event, regNo)
	if !removed {
		return fmt.Errorf("notifych/handler: no such registration %d for %s", regNo, event)
	}

	key := event.Identity()
	qd.muSubs.Lock()
	sub, exists := qd.remoteSubs[key]
	if !exists || sub.provider != targetNodeID {
		qd.muSubs.Unlock()
		h.log.Errorf("notifych/handler: unregister %s from node %d: no such subscription", event, targetNodeID)
		return nil
	}
	sub.refcount--
	if sub.refcount > 0 {
		qd.muSubs.Unlock()
		return nil
	}
	delete(qd.remoteSubs, key)
	provider := sub.provider
	qd.muSubs.Unlock()

	if err := h.sendUnregister(ctx, quality, provider, event); err != nil {
		h.log.Debugf("notifych/handler: unregister %s with node %d: %v", event, provider, err)
	}
	return nil
}

// ReregisterEventNotification moves event's remote subscription to
// newTargetNodeID, used after detecting that event's provider process has
// restarted under a new node id. If the bookkeeping already names
// newTargetNodeID as the provider (a previous reregister already moved it,
// or it was never stale) this is just a refcount bump. Otherwise the old
// provider entry is overwritten, the refcount is reset to 1 (the other
// local consumers sharing the old entry are implicitly folded into the
// single fresh registration against the new provider), and the wire
// RegisterEventNotifierMessage is re-sent to newTargetNodeID. If there is
// no outstanding subscription for event at all, that is logged as an error
// and nothing is sent. A transport send failure is logged and swallowed,
// never returned to the caller, matching notifyRemote.
func (h *Handler) ReregisterEventNotification(ctx context.Context, quality ids.QualityType, event ids.ElementFqId, newTargetNodeID ids.NodeID) error {
	qd, err := h.qualityData(quality)
	if err != nil {
		return err
	}

	key := event.Identity()
	qd.muSubs.Lock()
	sub, exists := qd.remoteSubs[key]
	if !exists {
		qd.muSubs.Unlock()
		h.log.Errorf("notifych/handler: reregister %s to node %d: no such subscription", event, newTargetNodeID)
		return nil
	}
	if sub.provider == newTargetNodeID {
		sub.refcount++
		qd.muSubs.Unlock()
		return nil
	}
	sub.provider = newTargetNodeID
	sub.refcount = 1
	qd.muSubs.Unlock()

	if err := h.sendRegister(ctx, quality, newTargetNodeID, event); err != nil {
		h.log.Debugf("notifych/handler: reregister %s with node %d: %v", event, newTargetNodeID, err)
	}
	return nil
}

// NotifyEvent announces that event has changed: every local handler runs
// (directly, if it is the only one; otherwise off of the calling goroutine
// via the quality's worker pool), and every remote node that registered
// interest gets a wire NotifyEventMessage.
func (h *Handler) NotifyEvent(ctx context.Context, quality ids.QualityType, event ids.ElementFqId) error {
	qd, err := h.qualityData(quality)
	if err != nil {
		return err
	}
	h.notifyLocal(ctx, qd, event)
	h.notifyRemote(ctx, quality, qd, event)
	return nil
}

// notifyLocal never holds the read lock while a handler runs: when exactly
// one handler is registered, it runs synchronously on the calling goroutine
// right after the lock is released. With more than one handler, the full list
// is snapshotted and run off the lock through the worker pool so no
// handler can block another.
func (h *Handler) notifyLocal(ctx context.Context, qd *qualityData, event ids.ElementFqId) {
	qd.muLocal.RLock()
	entries := qd.localHandlers[event.Identity()]
	switch len(entries) {
	case 0:
		qd.muLocal.RUnlock()
		return
	case 1:
		cb := entries[0].cb
		qd.muLocal.RUnlock()
		cb()
		return
	}
	cbs := make([]func(), len(entries))
	for i, e := range entries {
		cbs[i] = e.cb
	}
	qd.muLocal.RUnlock()

	for _, cb := range cbs {
		cb := cb
		if !qd.pool.Submit(ctx, cb) {
			return
		}
	}
}

// notifyRemote walks the interested-node list in fixed-size batches taken
// under a brief read lock, sending outside the lock, so no lock is ever
// held across a (potentially blocking) send.
func (h *Handler) notifyRemote(ctx context.Context, quality ids.QualityType, qd *qualityData, event ids.ElementFqId) {
	cursor := 0
	iterations := 0
	for {
		batch, total := qd.snapshotInterest(event, cursor, interestBatchSize)
		if len(batch) == 0 {
			break
		}
		msg := wire.EncodeNotifyEvent(wire.NotifyEventMessage{Event: event, Sender: h.self})
		for _, entry := range batch {
			sender, err := h.control.GetSender(ctx, entry.node, quality)
			if err != nil {
				h.log.Errorf("notifych/handler: get sender for node %d: %v", entry.node, err)
				continue
			}
			if err := sender.Send(ctx, msg[:]); err != nil {
				h.log.Debugf("notifych/handler: notify node %d of %s: %v", entry.node, event, err)
			}
		}
		cursor += len(batch)
		iterations++
		if cursor >= total {
			break
		}
		if iterations >= maxNotifyRemoteIterations {
			h.log.Errorf("notifych/handler: %s exceeded %d notify-remote batches, %d/%d nodes notified", event, maxNotifyRemoteIterations, cursor, total)
			break
		}
	}
	if iterations > 1 {
		h.log.Warnf("notifych/handler: %s required %d notify-remote batches", event, iterations)
	}
}

// NotifyOutdatedNodeId purges every remote-interest entry belonging to node
// across every event on quality, then tells the control layer to drop any
// cached sender to it exactly once, regardless of how many entries were
// purged.
func (h *Handler) NotifyOutdatedNodeId(quality ids.QualityType, node ids.NodeID) error {
	qd, err := h.qualityData(quality)
	if err != nil {
		return err
	}
	removed := qd.removeInterestForNode(node)
	if removed == 0 {
		h.log.Infof("notifych/handler: outdated node %d had no registered interest on %s", node, quality)
	}
	h.control.RemoveSender(node, quality)
	return nil
}

// HandleRegister processes an inbound RegisterEventNotifierMessage: a
// remote node is telling us it wants to hear about event.
func (h *Handler) HandleRegister(quality ids.QualityType, msg wire.RegisterEventNotifierMessage) {
	qd, err := h.qualityData(quality)
	if err != nil {
		h.log.Errorf("notifych/handler: %v", err)
		return
	}
	qd.addInterest(msg.Event, msg.Sender)
}

// HandleUnregister processes an inbound UnregisterEventNotifierMessage.
func (h *Handler) HandleUnregister(quality ids.QualityType, msg wire.UnregisterEventNotifierMessage) {
	qd, err := h.qualityData(quality)
	if err != nil {
		h.log.Errorf("notifych/handler: %v", err)
		return
	}
	qd.removeInterest(msg.Event, msg.Sender)
}

// HandleNotifyEvent processes an inbound NotifyEventMessage: a remote
// provider is telling us event changed, so run every local handler exactly
// as a same-process NotifyEvent call would.
func (h *Handler) HandleNotifyEvent(ctx context.Context, quality ids.QualityType, msg wire.NotifyEventMessage) {
	qd, err := h.qualityData(quality)
	if err != nil {
		h.log.Errorf("notifych/handler: %v", err)
		return
	}
	h.notifyLocal(ctx, qd, msg.Event)
}

// HandleOutdatedNodeId processes an inbound OutdatedNodeIdMessage.
func (h *Handler) HandleOutdatedNodeId(quality ids.QualityType, msg wire.OutdatedNodeIdMessage) {
	if err := h.NotifyOutdatedNodeId(quality, msg.PidToUnregister); err != nil {
		h.log.Errorf("notifych/handler: %v", err)
	}
}
