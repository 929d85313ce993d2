// Package control owns the mapping from (node, quality) to an actual
// channel.Sender, so the handler package never has to know about channel
// naming or connection caching.
package control

import (
	"context"
	"fmt"
	"sync"

	"github.com/vela-mw/notifych/pkg/notifych/channel"
	"github.com/vela-mw/notifych/pkg/notifych/ids"
	"github.com/vela-mw/notifych/pkg/notifych/logging"
)

// Sender is the minimal surface the handler package needs from a
// channel.Sender, kept as an interface here so control's consumers can be
// exercised against a fake without opening a real transport.
type Sender interface {
	Send(ctx context.Context, raw []byte) error
}

// MessagePassingControl is the facade's view of message-passing transport
// lifecycle, mirroring the reference design's IMessagePassingControl: the
// handler asks it for a sender to a given node/quality, and tells it to
// drop a sender when a node is declared outdated.
type MessagePassingControl interface {
	// NodeIdentifier is this process's own node id.
	NodeIdentifier() ids.NodeID
	// ChannelName derives the well-known channel name for node/quality.
	ChannelName(node ids.NodeID, quality ids.QualityType) string
	// GetSender returns a (possibly cached) sender to node/quality,
	// blocking until the destination channel exists or ctx is canceled.
	GetSender(ctx context.Context, node ids.NodeID, quality ids.QualityType) (Sender, error)
	// RemoveSender drops and closes any cached sender to node/quality. It
	// is idempotent.
	RemoveSender(node ids.NodeID, quality ids.QualityType)
}

type senderKey struct {
	node    ids.NodeID
	quality ids.QualityType
}

// DefaultBaseDir is where production deployments place notify-event
// channel sockets.
const DefaultBaseDir = "/tmp"

// InProcessControl is the default MessagePassingControl: it names channels
// "<baseDir>/notifych_<node>_<quality>" and lazily opens and caches one
// Sender per (node, quality) pair using a single shared Backend.
type InProcessControl struct {
	self    ids.NodeID
	baseDir string
	backend channel.Backend
	cfg     channel.SenderConfig
	log     logging.Logger

	mu      sync.Mutex
	senders map[senderKey]*channel.Sender
}

// NewInProcessControl builds an InProcessControl for node self, sending over
// backend, naming channels under baseDir.
func NewInProcessControl(self ids.NodeID, baseDir string, backend channel.Backend, cfg channel.SenderConfig, log logging.Logger) *InProcessControl {
	if baseDir == "" {
		baseDir = DefaultBaseDir
	}
	return &InProcessControl{
		self:    self,
		baseDir: baseDir,
		backend: backend,
		cfg:     cfg,
		log:     log,
		senders: make(map[senderKey]*channel.Sender),
	}
}

func (c *InProcessControl) NodeIdentifier() ids.NodeID { return c.self }

func (c *InProcessControl) ChannelName(node ids.NodeID, quality ids.QualityType) string {
	return fmt.Sprintf("%s/notifych_%d_%s", c.baseDir, node, quality)
}

func (c *InProcessControl) GetSender(ctx context.Context, node ids.NodeID, quality ids.QualityType) (Sender, error) {
	key := senderKey{node: node, quality: quality}

	c.mu.Lock()
	if s, ok := c.senders[key]; ok {
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	name := c.ChannelName(node, quality)
	s, err := channel.NewSender(ctx, c.backend, name, c.cfg, c.log)
	if err != nil {
		return nil, fmt.Errorf("notifych/control: sender to node %d/%s: %w", node, quality, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.senders[key]; ok {
		s.Close()
		return existing, nil
	}
	c.senders[key] = s
	return s, nil
}

func (c *InProcessControl) RemoveSender(node ids.NodeID, quality ids.QualityType) {
	key := senderKey{node: node, quality: quality}
	c.mu.Lock()
	s, ok := c.senders[key]
	if ok {
		delete(c.senders, key)
	}
	c.mu.Unlock()
	if ok {
		s.Close()
	}
}
