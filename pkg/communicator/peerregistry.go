package communicator

import (
	"sync"

	"github.com/arpeggio-labs/spatialvoice/pkg/audiodata"
)

// peerRegistry reconciles inbound peer-state frames into per-peer data.
//
// Peers are keyed two ways. The frame's own key is an opaque slot the
// service assigns, and deltas for a slot merge into the same record. The
// visit id hash arrives inside a delta and is the key deletions use, so the
// registry keeps a secondary hash-to-slot index.
//
// Frames land on the transport's receive goroutine while notification is
// batched on the communicator's run loop, so the registry tracks which
// peers changed and which were deleted between drains.
type peerRegistry struct {
	mutex      sync.Mutex
	peers      map[string]*audiodata.IncomingAudioAPIData
	hashToSlot map[string]string
	changed    map[string]struct{}
	deleted    map[string]struct{}
}

func newPeerRegistry() *peerRegistry {
	return &peerRegistry{
		peers:      make(map[string]*audiodata.IncomingAudioAPIData),
		hashToSlot: make(map[string]string),
		changed:    make(map[string]struct{}),
		deleted:    make(map[string]struct{}),
	}
}

// applyFrame merges one decoded frame into the registry. Unknown slots are
// created, deltas that change nothing leave no mark, and deletions of
// unknown hashes are ignored.
func (registry *peerRegistry) applyFrame(frame *audiodata.PeerFrame) {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	for slot, delta := range frame.Peers {
		data, known := registry.peers[slot]
		if !known {
			data = audiodata.NewIncomingAudioAPIData()
			registry.peers[slot] = data
			registry.changed[slot] = struct{}{}
		}

		previousHash := data.VisitIDHash
		if delta.Apply(data) {
			registry.changed[slot] = struct{}{}
		}

		// Slot recycled for a new connection: the old hash no longer
		// resolves here.
		if previousHash != "" && previousHash != data.VisitIDHash {
			if registry.hashToSlot[previousHash] == slot {
				delete(registry.hashToSlot, previousHash)
			}
		}
		if data.VisitIDHash != "" {
			registry.hashToSlot[data.VisitIDHash] = slot
		}
	}

	for _, hash := range frame.DeletedVisitIDs {
		slot, known := registry.hashToSlot[hash]
		if !known {
			continue
		}
		delete(registry.hashToSlot, hash)
		delete(registry.peers, slot)
		delete(registry.changed, slot)
		registry.deleted[hash] = struct{}{}
	}
}

// drainChanged returns a copy of every peer touched since the last drain
// and resets the change tracking. Returns nil when nothing changed.
func (registry *peerRegistry) drainChanged() []audiodata.IncomingAudioAPIData {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	if len(registry.changed) == 0 {
		return nil
	}
	updates := make([]audiodata.IncomingAudioAPIData, 0, len(registry.changed))
	for slot := range registry.changed {
		if data, present := registry.peers[slot]; present {
			updates = append(updates, data.Copy())
		}
	}
	clear(registry.changed)
	return updates
}

// drainDeleted returns the visit id hashes deleted since the last drain.
// Each deletion is reported exactly once.
func (registry *peerRegistry) drainDeleted() []string {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	if len(registry.deleted) == 0 {
		return nil
	}
	hashes := make([]string, 0, len(registry.deleted))
	for hash := range registry.deleted {
		hashes = append(hashes, hash)
	}
	clear(registry.deleted)
	return hashes
}

// clearAll empties the registry and returns the visit id hash of every
// known peer plus any deletions not yet drained. The caller reports them
// all as disconnected in one batch.
func (registry *peerRegistry) clearAll() []string {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	hashes := make([]string, 0, len(registry.peers)+len(registry.deleted))
	for _, data := range registry.peers {
		if data.VisitIDHash != "" {
			hashes = append(hashes, data.VisitIDHash)
		}
	}
	for hash := range registry.deleted {
		hashes = append(hashes, hash)
	}

	registry.peers = make(map[string]*audiodata.IncomingAudioAPIData)
	registry.hashToSlot = make(map[string]string)
	clear(registry.changed)
	clear(registry.deleted)
	return hashes
}
