package channel

import (
	"context"
	"fmt"
	"time"

	"github.com/vela-mw/notifych/pkg/notifych/logging"
)

// ErrCanceled is returned by NewSender and Send when ctx fires before the
// operation could complete.
var ErrCanceled = fmt.Errorf("notifych/channel: canceled")

// Sender is a handle to send envelopes to one named channel. It blocks at
// construction time until the channel exists (mirroring a reference
// MessagePassingSender connect loop), and retries individual sends a
// bounded number of times without ever evicting the destination: a
// destination that keeps failing just keeps missing notifications.
type Sender struct {
	backend Backend
	name    string
	handle  Handle
	cfg     SenderConfig
	log     logging.Logger
}

// NewSender blocks until name exists on backend or ctx is canceled.
func NewSender(ctx context.Context, backend Backend, name string, cfg SenderConfig, log logging.Logger) (*Sender, error) {
	for !backend.Exists(name) {
		select {
		case <-ctx.Done():
			return nil, ErrCanceled
		case <-time.After(cfg.ConnectRetryDelay):
		}
	}
	h, err := backend.OpenSender(name)
	if err != nil {
		return nil, fmt.Errorf("notifych/channel: open sender %s: %w", name, err)
	}
	return &Sender{backend: backend, name: name, handle: h, cfg: cfg, log: log}, nil
}

// NonBlockingGuarantee reports whether Send can fail-fast deterministically
// on the underlying backend.
func (s *Sender) NonBlockingGuarantee() bool { return s.backend.HasNonBlockingGuarantee() }

// Send transmits raw, retrying up to cfg.MaxSendRetries times on transport
// error. Past the retry budget it returns an error wrapping the last
// transport error; it never evicts the destination: callers that need to
// know about a chronically unreachable peer rely on NotifyOutdatedNodeId /
// explicit unregistration, not on Send reporting eviction.
func (s *Sender) Send(ctx context.Context, raw []byte) error {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxSendRetries; attempt++ {
		if err := s.backend.Send(s.handle, s.name, raw); err != nil {
			lastErr = err
			s.log.Debugf("notifych/channel: send to %s attempt %d failed: %v", s.name, attempt, err)
			select {
			case <-ctx.Done():
				return ErrCanceled
			case <-time.After(s.cfg.SendRetryDelay):
			}
			continue
		}
		return nil
	}
	return fmt.Errorf("notifych/channel: send to %s exhausted retries: %w", s.name, lastErr)
}

// Close releases the sender's handle. It does not remove the channel: a
// sender never owns the channel's lifetime, only a receiver does.
func (s *Sender) Close() {
	s.backend.Close(s.handle)
}
