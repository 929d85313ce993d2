package channel

import (
	"context"
	"fmt"
	"sync"

	"github.com/vela-mw/notifych/pkg/notifych/logging"
	"github.com/vela-mw/notifych/pkg/notifych/wire"
)

type receiverState int32

const (
	stateCreated receiverState = iota
	stateListening
	stateStopping
	stateClosed
)

// ShortHandler handles one decoded short envelope. It must return quickly:
// it runs on a receiver worker goroutine, shared with every other message
// id registered on the same Receiver.
type ShortHandler func(wire.ShortEnvelope)

// MediumHandler is the medium-envelope analogue of ShortHandler.
type MediumHandler func(wire.MediumEnvelope)

// Receiver demultiplexes one named channel to per-message-id callbacks
// across a worker pool it owns. It folds together what the reference design
// splits into a transport-facing Receiver<ChannelTraits> and its listening
// threads: Register installs callbacks, StartListening spawns the workers,
// Stop injects one stop envelope per worker and waits for them to exit.
//
// Register must be called only while the receiver is in the Created state:
// installing a callback after StartListening would race a worker already
// dispatching on the old callback table.
type Receiver struct {
	backend Backend
	name    string
	cfg     ReceiverConfig
	log     logging.Logger

	mu             sync.Mutex
	state          receiverState
	opened         bool
	handle         Handle
	shortHandlers  map[wire.MessageID]ShortHandler
	mediumHandlers map[wire.MessageID]MediumHandler
	numWorkers     int
	wg             sync.WaitGroup
	ctx            context.Context
	cancel         context.CancelFunc
}

// NewReceiver constructs a Receiver in the Created state. It does not touch
// the backend until StartListening.
func NewReceiver(backend Backend, name string, cfg ReceiverConfig, log logging.Logger) *Receiver {
	return &Receiver{
		backend:        backend,
		name:           name,
		cfg:            cfg,
		log:            log,
		state:          stateCreated,
		shortHandlers:  make(map[wire.MessageID]ShortHandler),
		mediumHandlers: make(map[wire.MessageID]MediumHandler),
	}
}

// RegisterShort installs cb for id. Must be called before StartListening.
func (r *Receiver) RegisterShort(id wire.MessageID, cb ShortHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != stateCreated {
		return fmt.Errorf("notifych/channel: RegisterShort after StartListening")
	}
	r.shortHandlers[id] = cb
	return nil
}

// RegisterMedium installs cb for id. Must be called before StartListening.
func (r *Receiver) RegisterMedium(id wire.MessageID, cb MediumHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != stateCreated {
		return fmt.Errorf("notifych/channel: RegisterMedium after StartListening")
	}
	r.mediumHandlers[id] = cb
	return nil
}

// StartListening opens the channel and spawns the worker pool. It is legal
// only from the Created state; calling it twice is an error.
func (r *Receiver) StartListening(ctx context.Context) error {
	r.mu.Lock()
	if r.state != stateCreated {
		r.mu.Unlock()
		return fmt.Errorf("notifych/channel: StartListening from non-Created state")
	}
	h, err := r.backend.OpenReceiver(r.name, r.cfg.AllowedUIDs, r.cfg.MaxQueueLen)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("notifych/channel: StartListening %s: %w", r.name, err)
	}
	r.handle = h
	r.opened = true
	r.numWorkers = r.cfg.MaxConcurrency
	if backendMax := r.backend.Concurrency(); backendMax > 0 && backendMax < r.numWorkers {
		r.numWorkers = backendMax
	}
	if r.numWorkers <= 0 {
		r.numWorkers = 1
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.state = stateListening
	numWorkers := r.numWorkers
	r.mu.Unlock()

	r.wg.Add(numWorkers)
	for slot := 0; slot < numWorkers; slot++ {
		go r.runWorker(slot)
	}

	// A single dedicated goroutine injects exactly one stop envelope per
	// worker once ctx is canceled. Because the backend's receive queue is
	// kernel-buffered, this never races a worker that has not yet reached
	// its first RecvNext call: the stop envelope just waits in the queue
	// until that worker starts reading.
	go func() {
		<-r.ctx.Done()
		r.mu.Lock()
		r.state = stateStopping
		handle := r.handle
		workers := r.numWorkers
		r.mu.Unlock()
		stop := wire.StopEnvelope()
		for i := 0; i < workers; i++ {
			if err := r.backend.Send(handle, r.name, stop[:]); err != nil {
				r.log.Errorf("notifych/channel: %s: failed injecting stop %d/%d: %v", r.name, i+1, workers, err)
			}
		}
	}()

	return nil
}

func (r *Receiver) runWorker(slot int) {
	defer r.wg.Done()
	for {
		more, err := r.backend.RecvNext(r.handle, slot, r.cfg.AllowedUIDs, r.dispatchShort, r.dispatchMedium)
		if err != nil {
			r.log.Errorf("notifych/channel: %s worker %d: %v", r.name, slot, err)
			return
		}
		if !more {
			return
		}
	}
}

func (r *Receiver) dispatchShort(env wire.ShortEnvelope) {
	r.mu.Lock()
	cb, ok := r.shortHandlers[env.ID]
	r.mu.Unlock()
	if !ok {
		r.log.Warnf("notifych/channel: %s: no handler for short message id %d", r.name, env.ID)
		return
	}
	cb(env)
}

func (r *Receiver) dispatchMedium(env wire.MediumEnvelope) {
	r.mu.Lock()
	cb, ok := r.mediumHandlers[env.ID]
	r.mu.Unlock()
	if !ok {
		r.log.Warnf("notifych/channel: %s: no handler for medium message id %d", r.name, env.ID)
		return
	}
	cb(env)
}

// Stop cancels the receiver's context (if not already canceled by the
// owner), waits for every worker to exit, and closes/unlinks the channel.
// It is safe to call multiple times.
func (r *Receiver) Stop() {
	r.mu.Lock()
	if r.state == stateClosed {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
	r.mu.Lock()
	if r.state == stateClosed {
		r.mu.Unlock()
		return
	}
	if r.opened {
		r.backend.Close(r.handle)
		r.backend.Unlink(r.name)
	}
	r.state = stateClosed
	r.mu.Unlock()
}
