package hub

import (
	"bytes"
	"encoding/json"
	"sync"
)

// Viewer is one dashboard socket and its subscription filter.
type Viewer struct {
	hub    *Hub
	peer   Peer
	userID string

	mu     sync.RWMutex
	filter map[uint]struct{} // nil: every machine
}

// RegisterViewer adds a viewer subscribed to every machine and greets it.
func (h *Hub) RegisterViewer(peer Peer, userID string) *Viewer {
	v := &Viewer{hub: h, peer: peer, userID: userID}
	h.addViewer(v)
	reply(peer, ViewerHello{Type: TypeHello, UserID: userID})
	return v
}

func (v *Viewer) wants(machineID uint) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.filter == nil {
		return true
	}
	_, ok := v.filter[machineID]
	return ok
}

// Handle processes one inbound viewer frame.
func (v *Viewer) Handle(raw []byte) {
	var msg Subscribe
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Type != TypeSubscribe {
		replyError(v.peer, CodeBadMessage)
		return
	}
	ids, all, ok := parseIDs(msg.MachineIDs)
	if !ok {
		replyError(v.peer, CodeBadMessage)
		return
	}

	v.mu.Lock()
	if all {
		v.filter = nil
	} else {
		v.filter = make(map[uint]struct{}, len(ids))
		for _, id := range ids {
			v.filter[id] = struct{}{}
		}
	}
	v.mu.Unlock()

	ack := Subscribed{Type: TypeSubscribed}
	if !all {
		ack.MachineIDs = ids
	}
	reply(v.peer, ack)
}

// parseIDs reads a machineIds field: absent or null selects every machine.
func parseIDs(raw json.RawMessage) (ids []uint, all bool, ok bool) {
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, true, true
	}
	var in []int64
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, false, false
	}
	ids = make([]uint, 0, len(in))
	for _, id := range in {
		if id <= 0 {
			return nil, false, false
		}
		ids = append(ids, uint(id))
	}
	return ids, false, true
}

// Close removes the viewer from the hub.
func (v *Viewer) Close() {
	v.hub.removeViewer(v)
}
