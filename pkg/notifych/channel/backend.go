// Package channel implements the OS-abstracted named-channel transport (C2)
// together with its message-id demultiplexing dispatcher (C3): a Receiver
// owns its own worker pool and the MessageId -> callback map directly,
// mirroring how the reference Receiver<ChannelTraits> folds both concerns
// into a single type.
package channel

import (
	"runtime"

	"github.com/vela-mw/notifych/pkg/notifych/wire"
)

// Handle is an opaque per-OS channel handle (a file descriptor on POSIX-like
// backends).
type Handle int

// InvalidHandle is returned by Backend.OpenReceiver/OpenSender on failure.
const InvalidHandle Handle = -1

// Backend is the "ChannelTrait" contract: a pluggable, OS-specific way of
// realizing a named unidirectional channel. One Backend instance is shared
// by every Sender/Receiver using a given transport mechanism.
type Backend interface {
	// Concurrency is how many worker goroutines are worth running against a
	// single receiver handle for this backend.
	Concurrency() int

	// HasNonBlockingGuarantee reports whether OpenSender/Send can fail-fast
	// deterministically on this backend (true), or may block/schedule
	// (false).
	HasNonBlockingGuarantee() bool

	// Exists reports whether the named channel is currently present, used by
	// Sender construction to wait for a receiver to show up.
	Exists(name string) bool

	// OpenReceiver publishes name for receiving, restricting senders to
	// allowedUIDs (empty means unrestricted) and sizing the queue to at
	// least maxQueueLen.
	OpenReceiver(name string, allowedUIDs []uint32, maxQueueLen int) (Handle, error)

	// OpenSender connects to an existing named channel for sending.
	OpenSender(name string) (Handle, error)

	// Close releases a handle previously returned by OpenReceiver/OpenSender.
	Close(h Handle)

	// Unlink removes the named channel from the namespace. Only a Receiver
	// calls this, once, when it shuts down.
	Unlink(name string)

	// Send transmits one envelope to the named channel. It does not retry;
	// retry policy lives in Sender.
	Send(h Handle, name string, raw []byte) error

	// RecvNext blocks until one message arrives (or a stop is injected) on
	// slot, then dispatches it to onShort or onMedium. Packets from a uid
	// outside allowedUIDs (when non-empty) are silently dropped and never
	// reach a callback. It returns (false, nil) only when a stop-request
	// has been acknowledged, (true, nil) after a normal dispatch, and a
	// non-nil error on transport failure.
	RecvNext(h Handle, slot int, allowedUIDs []uint32, onShort func(wire.ShortEnvelope), onMedium func(wire.MediumEnvelope)) (bool, error)
}

// HardwareConcurrency mirrors the reference design's ThreadHWConcurrency
// fallback: use the runtime's reported concurrency, or 2 if it reports 0.
func HardwareConcurrency() int {
	if n := runtime.NumCPU(); n > 0 {
		return n
	}
	return 2
}
