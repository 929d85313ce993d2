package handler

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/vela-mw/notifych/pkg/notifych/ids"
)

type localEntry struct {
	regNo uint32
	cb    func()
}

type interestEntry struct {
	regNo uint32
	node  ids.NodeID
}

type remoteSub struct {
	provider ids.NodeID
	regNo    uint32
	refcount int
}

// qualityData is one ASIL-QM or ASIL-B lane's worth of control state: three
// independently-locked maps plus a shared monotonic registration counter,
// mirroring the reference EventNotificationControlData. No lock here is
// ever held while invoking a user callback or a blocking send; both are
// done from a snapshot taken under a brief read lock.
type qualityData struct {
	nextRegNo uint32

	muLocal sync.RWMutex
	// localHandlers are in-process consumer callbacks for an event,
	// reached either by a same-process NotifyEvent call or by an arriving
	// wire NotifyEventMessage. Always append-ordered by regNo. Keyed on
	// ElementIdentity, not ElementFqId: identity excludes ElementType, and
	// keying on the full ElementFqId would let two callers that register
	// against the same element but tag it Field vs Event land in distinct
	// map buckets instead of sharing one.
	localHandlers map[ids.ElementIdentity][]localEntry

	muInterest sync.RWMutex
	// remoteInterest is who (outside this process) has registered
	// interest in an event we provide. Always append-ordered by regNo;
	// notifyRemote walks it by index in fixed-size batches. Keyed on
	// ElementIdentity for the same reason as localHandlers.
	remoteInterest map[ids.ElementIdentity][]interestEntry

	muSubs sync.Mutex
	// remoteSubs is what this process has itself registered for with a
	// remote provider, keyed by event identity, refcounted so N local
	// consumers of the same remote event only cause one wire registration.
	remoteSubs map[ids.ElementIdentity]*remoteSub

	pool *workerPool
}

func newQualityData(poolSize, poolQueueDepth int) *qualityData {
	return &qualityData{
		localHandlers:  make(map[ids.ElementIdentity][]localEntry),
		remoteInterest: make(map[ids.ElementIdentity][]interestEntry),
		remoteSubs:     make(map[ids.ElementIdentity]*remoteSub),
		pool:           newWorkerPool(poolSize, poolQueueDepth),
	}
}

func (qd *qualityData) nextRegistrationNo() uint32 {
	return atomic.AddUint32(&qd.nextRegNo, 1)
}

func (qd *qualityData) addLocalHandler(event ids.ElementFqId, cb func()) uint32 {
	key := event.Identity()
	regNo := qd.nextRegistrationNo()
	qd.muLocal.Lock()
	qd.localHandlers[key] = append(qd.localHandlers[key], localEntry{regNo: regNo, cb: cb})
	qd.muLocal.Unlock()
	return regNo
}

// removeLocalHandler removes the entry with the given regNo from event's
// list via binary search over the append-sorted slice, reports whether the
// event's handler list became empty as a result.
func (qd *qualityData) removeLocalHandler(event ids.ElementFqId, regNo uint32) (removed bool, emptied bool) {
	key := event.Identity()
	qd.muLocal.Lock()
	defer qd.muLocal.Unlock()
	entries := qd.localHandlers[key]
	i := sort.Search(len(entries), func(i int) bool { return entries[i].regNo >= regNo })
	if i >= len(entries) || entries[i].regNo != regNo {
		return false, false
	}
	entries = append(entries[:i], entries[i+1:]...)
	if len(entries) == 0 {
		delete(qd.localHandlers, key)
		return true, true
	}
	qd.localHandlers[key] = entries
	return true, false
}

func (qd *qualityData) addInterest(event ids.ElementFqId, node ids.NodeID) uint32 {
	key := event.Identity()
	regNo := qd.nextRegistrationNo()
	qd.muInterest.Lock()
	qd.remoteInterest[key] = append(qd.remoteInterest[key], interestEntry{regNo: regNo, node: node})
	qd.muInterest.Unlock()
	return regNo
}

// removeInterest drops every interest entry for event belonging to node,
// returning how many were removed.
func (qd *qualityData) removeInterest(event ids.ElementFqId, node ids.NodeID) int {
	key := event.Identity()
	qd.muInterest.Lock()
	defer qd.muInterest.Unlock()
	entries := qd.remoteInterest[key]
	kept := entries[:0]
	removed := 0
	for _, e := range entries {
		if e.node == node {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	if len(kept) == 0 {
		delete(qd.remoteInterest, key)
	} else {
		qd.remoteInterest[key] = kept
	}
	return removed
}

// removeInterestForNode drops every interest entry across every event that
// belongs to node, returning the total number removed. Used by
// NotifyOutdatedNodeId.
func (qd *qualityData) removeInterestForNode(node ids.NodeID) int {
	qd.muInterest.Lock()
	defer qd.muInterest.Unlock()
	removed := 0
	for event, entries := range qd.remoteInterest {
		kept := entries[:0]
		for _, e := range entries {
			if e.node == node {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(qd.remoteInterest, event)
		} else {
			qd.remoteInterest[event] = kept
		}
	}
	return removed
}

func (qd *qualityData) snapshotInterest(event ids.ElementFqId, cursor, limit int) (batch []interestEntry, total int) {
	qd.muInterest.RLock()
	defer qd.muInterest.RUnlock()
	entries := qd.remoteInterest[event.Identity()]
	total = len(entries)
	end := cursor + limit
	if end > total {
		end = total
	}
	if cursor >= end {
		return nil, total
	}
	batch = append([]interestEntry(nil), entries[cursor:end]...)
	return batch, total
}
