package p2p

import (
	"context"
	"sync"

	"github.com/canopy-network/ethy/lib"
	"github.com/ethereum/go-ethereum/rlp"
)

/*
	The gadget gossips on two topics: local witnesses and finalized proofs. Every message travels as an RLP
	envelope naming its topic, so one stream protocol carries both.

	Delivery is fire and forget. A publish fans the envelope out to every known peer; each receiver handles every
	inbound message in its own goroutine.
*/

const (
	TopicWitness = "/ethy/witness/1" // lib.Witness gossip
	TopicProof   = "/ethy/proof/1"   // lib.Proof gossip
)

// Handler consumes the payload of a message on a subscribed topic
type Handler func(from string, payload []byte)

// Network is the gossip transport of the gadget
type Network interface {
	// ID() is the local peer id
	ID() string
	// Publish() sends the payload on the topic to every peer without waiting for delivery
	Publish(ctx context.Context, topic string, payload []byte) lib.ErrorI
	// Subscribe() registers the single handler of a topic
	Subscribe(topic string, handler Handler) lib.ErrorI
	// Peers() returns the number of known peers
	Peers() int
	// Close() stops the transport
	Close() error
}

// envelope is the RLP frame of a gossip message
type envelope struct {
	Topic   string
	Payload []byte
}

func encodeEnvelope(topic string, payload []byte) ([]byte, lib.ErrorI) {
	bz, err := rlp.EncodeToBytes(&envelope{Topic: topic, Payload: payload})
	if err != nil {
		return nil, lib.ErrMarshal(err)
	}
	return bz, nil
}

func decodeEnvelope(bz []byte) (*envelope, lib.ErrorI) {
	e := new(envelope)
	if err := rlp.DecodeBytes(bz, e); err != nil {
		return nil, lib.ErrUnmarshal(err)
	}
	return e, nil
}

// handlers maps topics to their handler
type handlers struct {
	sync.RWMutex
	m map[string]Handler
}

func (h *handlers) subscribe(topic string, handler Handler) lib.ErrorI {
	h.Lock()
	defer h.Unlock()
	if h.m == nil {
		h.m = make(map[string]Handler)
	}
	if _, found := h.m[topic]; found {
		return ErrHandlerExists(topic)
	}
	h.m[topic] = handler
	return nil
}

// dispatch() runs the handler of the envelope's topic in its own goroutine
func (h *handlers) dispatch(from string, e *envelope, log lib.LoggerI) {
	h.RLock()
	handler, found := h.m[e.Topic]
	h.RUnlock()
	if !found {
		log.Debug(ErrUnknownTopic(e.Topic).Error())
		return
	}
	go handler(from, e.Payload)
}
