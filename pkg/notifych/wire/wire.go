// Package wire implements the binary short/medium envelope codec used by the
// notify-event side-channel. It is pure: no I/O, no allocation beyond the
// fixed-size byte arrays it returns.
package wire

import (
	"encoding/binary"
	"errors"

	"github.com/vela-mw/notifych/pkg/notifych/ids"
)

// ErrMalformedEnvelope is returned when a decoded byte slice does not have a
// recognised envelope kind or does not have the exact expected length.
var ErrMalformedEnvelope = errors.New("notifych/wire: malformed envelope")

// MessageID identifies the kind of message inside an envelope. 0 is reserved
// for the stop control message injected by the receiver itself.
type MessageID int8

const (
	MessageStop               MessageID = 0
	MessageRegisterNotifier   MessageID = 1
	MessageUnregisterNotifier MessageID = 2
	MessageNotifyEvent        MessageID = 3
	MessageOutdatedNodeId     MessageID = 4
)

// EnvelopeKind distinguishes the two wire shapes (and the internal stop
// marker) at the transport layer.
type EnvelopeKind uint8

const (
	KindStop   EnvelopeKind = 0
	KindShort  EnvelopeKind = 1
	KindMedium EnvelopeKind = 2
)

// ShortSize and MediumSize are the fixed wire sizes: an 8-byte common header
// ([kind:1][id:1][pad:2][sender_pid:4]) followed by an 8-byte or 16-byte
// payload respectively.
const (
	headerSize = 8
	ShortSize  = headerSize + 8
	MediumSize = headerSize + 16
)

// ShortEnvelope is the decoded form of a 16-byte wire envelope.
type ShortEnvelope struct {
	Kind    EnvelopeKind
	ID      MessageID
	Sender  ids.NodeID
	Payload uint64
}

// MediumEnvelope is the decoded form of a 24-byte wire envelope.
type MediumEnvelope struct {
	Kind    EnvelopeKind
	ID      MessageID
	Sender  ids.NodeID
	Payload [16]byte
}

func encodeHeader(buf []byte, kind EnvelopeKind, id MessageID, sender ids.NodeID) {
	buf[0] = byte(kind)
	buf[1] = byte(id)
	buf[2] = 0
	buf[3] = 0
	binary.LittleEndian.PutUint32(buf[4:8], uint32(sender))
}

func decodeHeader(buf []byte) (EnvelopeKind, MessageID, ids.NodeID) {
	kind := EnvelopeKind(buf[0])
	id := MessageID(int8(buf[1]))
	sender := ids.NodeID(int32(binary.LittleEndian.Uint32(buf[4:8])))
	return kind, id, sender
}

func validKind(k EnvelopeKind) bool {
	switch k {
	case KindStop, KindShort, KindMedium:
		return true
	default:
		return false
	}
}

// EncodeShort serialises a short envelope into its fixed 16-byte wire form.
func EncodeShort(id MessageID, sender ids.NodeID, payload uint64) [ShortSize]byte {
	var out [ShortSize]byte
	encodeHeader(out[:headerSize], KindShort, id, sender)
	binary.LittleEndian.PutUint64(out[headerSize:], payload)
	return out
}

// DecodeShort parses a raw buffer into a ShortEnvelope. The slice must be
// exactly ShortSize bytes and its kind byte must be a recognised variant.
func DecodeShort(raw []byte) (ShortEnvelope, error) {
	if len(raw) != ShortSize {
		return ShortEnvelope{}, ErrMalformedEnvelope
	}
	kind, id, sender := decodeHeader(raw)
	if !validKind(kind) {
		return ShortEnvelope{}, ErrMalformedEnvelope
	}
	payload := binary.LittleEndian.Uint64(raw[headerSize:])
	return ShortEnvelope{Kind: kind, ID: id, Sender: sender, Payload: payload}, nil
}

// EncodeMedium serialises a medium envelope into its fixed 24-byte wire form.
func EncodeMedium(id MessageID, sender ids.NodeID, payload [16]byte) [MediumSize]byte {
	var out [MediumSize]byte
	encodeHeader(out[:headerSize], KindMedium, id, sender)
	copy(out[headerSize:], payload[:])
	return out
}

// DecodeMedium parses a raw buffer into a MediumEnvelope. The slice must be
// exactly MediumSize bytes and its kind byte must be a recognised variant.
func DecodeMedium(raw []byte) (MediumEnvelope, error) {
	if len(raw) != MediumSize {
		return MediumEnvelope{}, ErrMalformedEnvelope
	}
	kind, id, sender := decodeHeader(raw)
	if !validKind(kind) {
		return MediumEnvelope{}, ErrMalformedEnvelope
	}
	var payload [16]byte
	copy(payload[:], raw[headerSize:])
	return MediumEnvelope{Kind: kind, ID: id, Sender: sender, Payload: payload}, nil
}

// StopEnvelope returns the short-form stop marker a receiver injects into its
// own channel to unblock a worker waiting in RecvNext.
func StopEnvelope() [ShortSize]byte {
	var out [ShortSize]byte
	encodeHeader(out[:headerSize], KindStop, MessageStop, 0)
	return out
}

// EncodeElementFqId packs an ElementFqId the same way the reference codec
// packs it into a 64-bit short-message payload: service_id in bits 32-47,
// element_id in bits 24-31, instance_id in bits 8-23, element_type in bits 0-7.
// The packing intentionally spans the full 8-byte short payload rather than a
// 32-bit word, since service_id(16)+element_id(8)+instance_id(16)+type(8) is
// 48 bits and does not fit in 32.
func EncodeElementFqId(e ids.ElementFqId) uint64 {
	return (uint64(e.ServiceID) << 32) |
		(uint64(e.ElementID) << 24) |
		(uint64(e.InstanceID) << 8) |
		uint64(e.ElementType)
}

// DecodeElementFqId is the inverse of EncodeElementFqId.
func DecodeElementFqId(payload uint64) ids.ElementFqId {
	return ids.ElementFqId{
		ServiceID:   uint16(payload >> 32),
		ElementID:   uint8((payload >> 24) & 0xFF),
		InstanceID:  uint16((payload >> 8) & 0xFFFF),
		ElementType: ids.ElementType(payload & 0xFF),
	}
}

// RegisterEventNotifierMessage is "start sending me updates" (proxy -> skeleton).
type RegisterEventNotifierMessage struct {
	Event  ids.ElementFqId
	Sender ids.NodeID
}

// UnregisterEventNotifierMessage is "stop sending me updates" (proxy -> skeleton).
type UnregisterEventNotifierMessage struct {
	Event  ids.ElementFqId
	Sender ids.NodeID
}

// NotifyEventMessage is "event updated" (skeleton -> proxy).
type NotifyEventMessage struct {
	Event  ids.ElementFqId
	Sender ids.NodeID
}

// OutdatedNodeIdMessage tells a provider to forget a prior process incarnation.
type OutdatedNodeIdMessage struct {
	PidToUnregister ids.NodeID
	Sender          ids.NodeID
}

// EncodeRegisterEventNotifier serialises a RegisterEventNotifierMessage.
func EncodeRegisterEventNotifier(m RegisterEventNotifierMessage) [ShortSize]byte {
	return EncodeShort(MessageRegisterNotifier, m.Sender, EncodeElementFqId(m.Event))
}

// DecodeRegisterEventNotifier is the inverse of EncodeRegisterEventNotifier,
// given the envelope's already-decoded sender pid.
func DecodeRegisterEventNotifier(payload uint64, sender ids.NodeID) RegisterEventNotifierMessage {
	return RegisterEventNotifierMessage{Event: DecodeElementFqId(payload), Sender: sender}
}

// EncodeUnregisterEventNotifier serialises an UnregisterEventNotifierMessage.
func EncodeUnregisterEventNotifier(m UnregisterEventNotifierMessage) [ShortSize]byte {
	return EncodeShort(MessageUnregisterNotifier, m.Sender, EncodeElementFqId(m.Event))
}

// DecodeUnregisterEventNotifier is the inverse of EncodeUnregisterEventNotifier.
func DecodeUnregisterEventNotifier(payload uint64, sender ids.NodeID) UnregisterEventNotifierMessage {
	return UnregisterEventNotifierMessage{Event: DecodeElementFqId(payload), Sender: sender}
}

// EncodeNotifyEvent serialises a NotifyEventMessage.
func EncodeNotifyEvent(m NotifyEventMessage) [ShortSize]byte {
	return EncodeShort(MessageNotifyEvent, m.Sender, EncodeElementFqId(m.Event))
}

// DecodeNotifyEvent is the inverse of EncodeNotifyEvent.
func DecodeNotifyEvent(payload uint64, sender ids.NodeID) NotifyEventMessage {
	return NotifyEventMessage{Event: DecodeElementFqId(payload), Sender: sender}
}

// EncodeOutdatedNodeId embeds pid_to_unregister as a raw little-endian
// integer cast into the payload -- not an ElementFqId packing.
func EncodeOutdatedNodeId(m OutdatedNodeIdMessage) [ShortSize]byte {
	return EncodeShort(MessageOutdatedNodeId, m.Sender, uint64(uint32(m.PidToUnregister)))
}

// DecodeOutdatedNodeId is the inverse of EncodeOutdatedNodeId.
func DecodeOutdatedNodeId(payload uint64, sender ids.NodeID) OutdatedNodeIdMessage {
	return OutdatedNodeIdMessage{PidToUnregister: ids.NodeID(int32(uint32(payload))), Sender: sender}
}
