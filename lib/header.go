package lib

/* This file defines the finalized header notification the listener consumes and the digest items it carries */

// DigestItemKind tags the payload of a digest item
type DigestItemKind uint8

const (
	ItemEventMetadata     DigestItemKind = 1 // the structural description of an event
	ItemSigningRequest    DigestItemKind = 2 // a request for the validators to witness an event
	ItemAuthoritiesChange DigestItemKind = 3 // a new validator set becomes active
)

// AuthoritiesChange announces the validator set of a new epoch
type AuthoritiesChange struct {
	Epoch          uint64     `json:"epoch"`
	Validators     []HexBytes `json:"validators"`
	ProofThreshold uint32     `json:"proofThreshold,omitempty"`
}

// ValidatorSet() builds the announced validator set
func (a *AuthoritiesChange) ValidatorSet() (*ValidatorSet, ErrorI) {
	keys := make([][]byte, len(a.Validators))
	for i, v := range a.Validators {
		keys[i] = v
	}
	return NewValidatorSet(a.Epoch, keys, a.ProofThreshold)
}

// DigestItem is one log entry of a finalized header, exactly one payload is set per kind
type DigestItem struct {
	Kind        DigestItemKind     `json:"kind"`
	Metadata    *EventMetadata     `json:"metadata,omitempty"`
	Request     *SigningRequest    `json:"request,omitempty"`
	Authorities *AuthoritiesChange `json:"authorities,omitempty"`
}

// Check() validates the item carries the payload of its kind
func (d *DigestItem) Check() ErrorI {
	switch d.Kind {
	case ItemEventMetadata:
		if d.Metadata == nil {
			return ErrInvalidArgument()
		}
		return d.Metadata.Check()
	case ItemSigningRequest:
		if d.Request == nil || d.Request.Digest.IsZero() {
			return ErrInvalidArgument()
		}
	case ItemAuthoritiesChange:
		if d.Authorities == nil || len(d.Authorities.Validators) == 0 {
			return ErrNoValidators()
		}
	default:
		return ErrUnknownDigestItem(d.Kind)
	}
	return nil
}

// FinalizedHeader is a finalized block of the host chain with its digest logs
type FinalizedHeader struct {
	Number uint64       `json:"number"`
	Hash   Digest       `json:"hash"`
	Items  []DigestItem `json:"items"`
}

// AuthoritiesChanges() returns the validator set changes of the block
func (h *FinalizedHeader) AuthoritiesChanges() (out []*AuthoritiesChange) {
	for _, item := range h.Items {
		if item.Kind == ItemAuthoritiesChange && item.Authorities != nil {
			out = append(out, item.Authorities)
		}
	}
	return
}

// Metadata() returns the event metadata of the block stamped with the block position
func (h *FinalizedHeader) Metadata() (out []*EventMetadata) {
	for _, item := range h.Items {
		if item.Kind == ItemEventMetadata && item.Metadata != nil {
			m := *item.Metadata
			m.BlockNumber, m.BlockHash = h.Number, h.Hash
			out = append(out, &m)
		}
	}
	return
}

// SigningRequests() returns the signing requests of the block stamped with the block position
func (h *FinalizedHeader) SigningRequests() (out []*SigningRequest) {
	for _, item := range h.Items {
		if item.Kind == ItemSigningRequest && item.Request != nil {
			r := *item.Request
			r.BlockNumber, r.BlockHash = h.Number, h.Hash
			out = append(out, &r)
		}
	}
	return
}

// Check() validates every item of the header
func (h *FinalizedHeader) Check() ErrorI {
	if h == nil {
		return ErrNilHeader()
	}
	for i := range h.Items {
		if err := h.Items[i].Check(); err != nil {
			return err
		}
	}
	return nil
}
