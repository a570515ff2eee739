package signer

import (
	"sync"

	"github.com/canopy-network/ethy/lib"
	"github.com/canopy-network/ethy/lib/crypto"
	lru "github.com/hashicorp/golang-lru/v2"
)

/*
	The Signer produces the local validator's witness for each signing request.

	A request is signed at most once, only while its event is Pending or Witnessing, and only if the local key is a
	member of the validator set the event was created under. The witness is checked for format like any gossiped
	witness, counted by the local aggregator and handed to the broadcaster.
*/

// Aggregator is the part of the witness aggregator the signer depends on
type Aggregator interface {
	Status(eventId uint64) (lib.EventStatus, bool)
	AddWitness(w *lib.Witness) (lib.EventStatus, lib.ErrorI)
}

// FormatChecker checks a witness's membership and signature
type FormatChecker interface {
	CheckFormat(w *lib.Witness) lib.ErrorI
}

// Broadcaster sends the local witness to the network
type Broadcaster interface {
	BroadcastWitness(w *lib.Witness)
}

// Signer signs signing requests with the local validator key
type Signer struct {
	mu          sync.Mutex                   // serializes key use
	key         crypto.PrivateKeyI           // nil when passive
	registry    *lib.ValidatorRegistry       // validator sets by epoch
	checker     FormatChecker                // the gossip format check
	aggregator  Aggregator                   // the local witness sink
	broadcaster Broadcaster                  // the network witness sink
	signed      *lru.Cache[uint64, struct{}] // events signed locally
	log         lib.LoggerI
}

// New() creates a signer; a nil key or a passive config creates a signer that never signs
func New(config lib.Config, key crypto.PrivateKeyI, registry *lib.ValidatorRegistry, checker FormatChecker,
	aggregator Aggregator, broadcaster Broadcaster, log lib.LoggerI) (*Signer, error) {
	size := config.SignedCacheSize
	if size < 1 {
		size = lib.DefaultGadgetConfig().SignedCacheSize
	}
	signed, err := lru.New[uint64, struct{}](size)
	if err != nil {
		return nil, err
	}
	if config.Passive {
		key = nil
	}
	if key == nil {
		log.Info("No validator key, running passive")
	}
	return &Signer{
		key:         key,
		registry:    registry,
		checker:     checker,
		aggregator:  aggregator,
		broadcaster: broadcaster,
		signed:      signed,
		log:         log,
	}, nil
}

// Passive() returns true if the signer never signs
func (s *Signer) Passive() bool { return s.key == nil }

// PublicKey() returns the local validator key, nil when passive
func (s *Signer) PublicKey() crypto.PublicKeyI {
	if s.key == nil {
		return nil
	}
	return s.key.PublicKey()
}

// Sign() witnesses the request of an event created at epoch and forwards the witness
func (s *Signer) Sign(req *lib.SigningRequest, epoch uint64) (*lib.Witness, lib.ErrorI) {
	w, err := s.sign(req, epoch)
	if err != nil {
		return nil, err
	}
	if _, e := s.aggregator.AddWitness(w); e != nil {
		s.log.Warnf("local witness for event %d not counted: %s", req.EventId, e.Error())
	}
	if s.broadcaster != nil {
		s.broadcaster.BroadcastWitness(w)
	}
	s.log.Debugf("signed event %d at epoch %d", req.EventId, epoch)
	return w, nil
}

// sign() checks the signing conditions and creates the witness under the key lock
func (s *Signer) sign(req *lib.SigningRequest, epoch uint64) (*lib.Witness, lib.ErrorI) {
	if s.Passive() {
		return nil, ErrPassive()
	}
	status, ok := s.aggregator.Status(req.EventId)
	if !ok || (status != lib.Pending && status != lib.Witnessing) || req.Digest.IsZero() {
		return nil, ErrNotSignable(req.EventId, status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signed.Contains(req.EventId) {
		return nil, ErrAlreadySigned(req.EventId)
	}
	vs, ok := s.registry.Get(epoch)
	if !ok {
		return nil, lib.ErrUnknownEpoch(epoch)
	}
	if !vs.Contains(s.key.PublicKey().Bytes()) {
		return nil, ErrNotActive(epoch)
	}
	w, err := lib.NewWitness(s.key, req, epoch)
	if err != nil {
		return nil, err
	}
	if err = s.checker.CheckFormat(w); err != nil {
		return nil, err
	}
	s.signed.Add(req.EventId, struct{}{})
	return w, nil
}

// Forget() allows an event to be signed again, used when an archived event restarts
func (s *Signer) Forget(eventId uint64) { s.signed.Remove(eventId) }
