package lib

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/canopy-network/ethy/lib/crypto"
)

// ValidatorSet is the ordered set of active validator keys for one epoch (validator set id)
type ValidatorSet struct {
	Epoch          uint64              // the validator set id
	Validators     []crypto.PublicKeyI // ordered; the index is the signer position in a proof bitmap
	ProofThreshold uint32              // optional override of the default threshold, 0 = default
	index          map[string]int      // hex public key -> position
}

// NewValidatorSet() builds an indexed validator set from ordered public keys
func NewValidatorSet(epoch uint64, keys [][]byte, proofThreshold uint32) (*ValidatorSet, ErrorI) {
	if len(keys) == 0 {
		return nil, ErrNoValidators()
	}
	vs := &ValidatorSet{Epoch: epoch, ProofThreshold: proofThreshold, index: make(map[string]int, len(keys))}
	for _, bz := range keys {
		pub, err := crypto.NewPublicKeyFromBytes(bz)
		if err != nil {
			return nil, ErrNewPublicKeyFromBytes(err)
		}
		// ignore duplicates, the first position wins
		if _, found := vs.index[pub.String()]; found {
			continue
		}
		vs.index[pub.String()] = len(vs.Validators)
		vs.Validators = append(vs.Validators, pub)
	}
	return vs, nil
}

// Size() returns the number of validators
func (vs *ValidatorSet) Size() int { return len(vs.Validators) }

// DefaultThreshold() returns floor(2/3 * n) + 1
func DefaultThreshold(n int) int { return (2*n)/3 + 1 }

// Threshold() returns the minimum witness count for a proof. A configured threshold applies only when it is
// a strict majority and not above the set size
func (vs *ValidatorSet) Threshold() int {
	n := vs.Size()
	if err := vs.CheckThreshold(); err != nil || vs.ProofThreshold == 0 {
		return DefaultThreshold(n)
	}
	return int(vs.ProofThreshold)
}

// CheckThreshold() reports a configured threshold that is unsafe for the set
func (vs *ValidatorSet) CheckThreshold() ErrorI {
	if vs.ProofThreshold == 0 {
		return nil
	}
	n := vs.Size()
	if int(vs.ProofThreshold) < n/2+1 || int(vs.ProofThreshold) > n {
		return ErrInvalidThreshold(vs.ProofThreshold, n)
	}
	return nil
}

// GetValidator() returns the key and position of a validator id, or NotAValidator
func (vs *ValidatorSet) GetValidator(validatorId []byte) (crypto.PublicKeyI, int, ErrorI) {
	pub, err := crypto.NewPublicKeyFromBytes(validatorId)
	if err != nil {
		return nil, 0, ErrNotAValidator()
	}
	i, found := vs.index[pub.String()]
	if !found {
		return nil, 0, ErrNotAValidator()
	}
	return vs.Validators[i], i, nil
}

// Contains() returns true if the validator id is a member of the set
func (vs *ValidatorSet) Contains(validatorId []byte) bool {
	_, _, err := vs.GetValidator(validatorId)
	return err == nil
}

// IsBLS() returns true when every member holds a BLS key, so proofs can carry an aggregate signature
func (vs *ValidatorSet) IsBLS() bool {
	for _, v := range vs.Validators {
		if !crypto.IsBLS(v) {
			return false
		}
	}
	return len(vs.Validators) != 0
}

// MultiKey() returns a BLS multi key over the ordered members
func (vs *ValidatorSet) MultiKey() (crypto.MultiPublicKeyI, ErrorI) {
	var keys [][]byte
	for _, v := range vs.Validators {
		keys = append(keys, v.Bytes())
	}
	mk, err := crypto.NewMultiBLS(keys, nil)
	if err != nil {
		return nil, ErrAggregateSignatures(err)
	}
	return mk, nil
}

type jsonValidatorSet struct {
	Epoch          uint64     `json:"epoch"`
	Validators     []HexBytes `json:"validators"`
	ProofThreshold uint32     `json:"proofThreshold"`
	Threshold      int        `json:"threshold"`
}

// MarshalJSON() implements the json.Marshaller interface
func (vs *ValidatorSet) MarshalJSON() ([]byte, error) {
	j := jsonValidatorSet{Epoch: vs.Epoch, ProofThreshold: vs.ProofThreshold, Threshold: vs.Threshold()}
	for _, v := range vs.Validators {
		j.Validators = append(j.Validators, v.Bytes())
	}
	return json.Marshal(j)
}

// UnmarshalJSON() implements the json.Unmarshaler interface, the set is rebuilt and re-indexed from its keys
func (vs *ValidatorSet) UnmarshalJSON(bz []byte) error {
	j := new(jsonValidatorSet)
	if err := json.Unmarshal(bz, j); err != nil {
		return err
	}
	keys := make([][]byte, 0, len(j.Validators))
	for _, v := range j.Validators {
		keys = append(keys, v)
	}
	set, err := NewValidatorSet(j.Epoch, keys, j.ProofThreshold)
	if err != nil {
		return err
	}
	*vs = *set
	return nil
}

// ValidatorRegistry tracks validator sets by epoch with a bounded history, so events keep the set they were created under
type ValidatorRegistry struct {
	mu      sync.RWMutex
	sets    map[uint64]*ValidatorSet
	active  uint64
	history int
	hasSet  bool
}

// NewValidatorRegistry() creates a registry keeping at most history epochs
func NewValidatorRegistry(history int) *ValidatorRegistry {
	if history < 1 {
		history = 1
	}
	return &ValidatorRegistry{sets: make(map[uint64]*ValidatorSet), history: history}
}

// Set() registers a validator set; a newer epoch becomes the active one and old epochs are pruned
func (r *ValidatorRegistry) Set(vs *ValidatorSet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sets[vs.Epoch] = vs
	if !r.hasSet || vs.Epoch >= r.active {
		r.active, r.hasSet = vs.Epoch, true
	}
	if len(r.sets) <= r.history {
		return
	}
	epochs := make([]uint64, 0, len(r.sets))
	for e := range r.sets {
		epochs = append(epochs, e)
	}
	sort.Slice(epochs, func(i, j int) bool { return epochs[i] < epochs[j] })
	for _, e := range epochs[:len(epochs)-r.history] {
		delete(r.sets, e)
	}
}

// Get() returns the validator set of an epoch
func (r *ValidatorRegistry) Get(epoch uint64) (*ValidatorSet, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	vs, ok := r.sets[epoch]
	return vs, ok
}

// Active() returns the most recent validator set
func (r *ValidatorRegistry) Active() (*ValidatorSet, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.hasSet {
		return nil, false
	}
	vs, ok := r.sets[r.active]
	return vs, ok
}
