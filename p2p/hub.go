package p2p

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/canopy-network/ethy/lib"
)

// Hub is an in process gossip network: every member receives what any other member publishes
type Hub struct {
	mu      sync.RWMutex
	members map[string]*HubNetwork
	log     lib.LoggerI
}

// NewHub() creates an empty hub
func NewHub(log lib.LoggerI) *Hub {
	return &Hub{members: make(map[string]*HubNetwork), log: log}
}

// Join() adds a member with the id
func (h *Hub) Join(id string) *HubNetwork {
	n := &HubNetwork{id: id, hub: h}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.members[id] = n
	return n
}

// others() returns every open member except id
func (h *Hub) others(id string) (out []*HubNetwork) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for mid, m := range h.members {
		if mid != id && !m.closed.Load() && !m.muted.Load() {
			out = append(out, m)
		}
	}
	return
}

var _ Network = new(HubNetwork)

// HubNetwork is a member of a Hub
type HubNetwork struct {
	id     string
	hub    *Hub
	closed atomic.Bool // closed members neither send nor receive
	muted  atomic.Bool // muted members send but do not receive
	handlers
}

// ID() implements Network
func (n *HubNetwork) ID() string { return n.id }

// Peers() implements Network
func (n *HubNetwork) Peers() int { return len(n.hub.others(n.id)) }

// Subscribe() implements Network
func (n *HubNetwork) Subscribe(topic string, handler Handler) lib.ErrorI {
	return n.handlers.subscribe(topic, handler)
}

// Publish() implements Network, the payload goes through the same envelope codec as the libp2p transport
func (n *HubNetwork) Publish(_ context.Context, topic string, payload []byte) lib.ErrorI {
	if n.closed.Load() {
		return nil
	}
	bz, err := encodeEnvelope(topic, payload)
	if err != nil {
		return err
	}
	for _, m := range n.hub.others(n.id) {
		e, er := decodeEnvelope(bz)
		if er != nil {
			return er
		}
		m.handlers.dispatch(n.id, e, n.hub.log)
	}
	return nil
}

// Mute() stops or resumes delivery to the member, simulating a node that misses gossip
func (n *HubNetwork) Mute(muted bool) { n.muted.Store(muted) }

// Close() implements Network
func (n *HubNetwork) Close() error {
	n.closed.Store(true)
	return nil
}
