package listener

import (
	"context"
	"time"

	"github.com/canopy-network/ethy/lib"
)

/*
	The Listener consumes finalized headers in order and feeds their digest items to the gadget.

	Within a block the order is fixed: validator set changes first, then event metadata, then signing requests.
	Metadata is stored before any signing request of the same block is registered, so a request whose metadata
	arrives in the same block is never left waiting on it.
*/

// Aggregator is the part of the witness aggregator the listener feeds
type Aggregator interface {
	RegisterMetadata(meta *lib.EventMetadata) lib.ErrorI
	RegisterEvent(req *lib.SigningRequest, epoch uint64) (*lib.BridgeEvent, lib.ErrorI)
}

// Signer witnesses signing requests
type Signer interface {
	Sign(req *lib.SigningRequest, epoch uint64) (*lib.Witness, lib.ErrorI)
}

// Finalizer tracks the finalized height, the gossip live window hangs off it
type Finalizer interface {
	SetFinalized(number uint64)
}

// ProgressStore persists the last processed block and the validator sets applied up to it
type ProgressStore interface {
	SetLastBlock(number uint64) lib.ErrorI
	LastBlock() (uint64, lib.ErrorI)
	PutValidatorSet(vs *lib.ValidatorSet) lib.ErrorI
}

// Listener is the finality notification listener
type Listener struct {
	source     Source
	registry   *lib.ValidatorRegistry
	aggregator Aggregator
	signer     Signer
	finalizer  Finalizer
	store      ProgressStore
	last       uint64 // the last processed block number
	metrics    *lib.Metrics
	log        lib.LoggerI
}

// New() creates a listener resuming from the stored progress, or from the configured start block
func New(config lib.SourceConfig, source Source, registry *lib.ValidatorRegistry, aggregator Aggregator, signer Signer,
	finalizer Finalizer, store ProgressStore, metrics *lib.Metrics, log lib.LoggerI) (*Listener, lib.ErrorI) {
	last, err := store.LastBlock()
	if err != nil {
		return nil, err
	}
	if last == 0 && config.StartBlock > 0 {
		last = config.StartBlock - 1
	}
	if last != 0 {
		finalizer.SetFinalized(last)
	}
	return &Listener{
		source:     source,
		registry:   registry,
		aggregator: aggregator,
		signer:     signer,
		finalizer:  finalizer,
		store:      store,
		last:       last,
		metrics:    metrics,
		log:        log,
	}, nil
}

// LastBlock() returns the last processed block number
func (l *Listener) LastBlock() uint64 { return l.last }

// Start() consumes the source until the context is done
func (l *Listener) Start(ctx context.Context) error {
	l.log.Infof("Listening for finalized headers after block %d", l.last)
	for {
		h, err := l.source.Next(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			l.log.Error(err.Error())
			continue
		}
		l.Handle(ctx, h)
	}
}

// Handle() processes a finalized header, backfilling any skipped blocks first. Old blocks are ignored and
// a block the source cannot serve leaves the header unprocessed
func (l *Listener) Handle(ctx context.Context, h *lib.FinalizedHeader) {
	if h == nil || (l.last != 0 && h.Number <= l.last) {
		return
	}
	if l.last != 0 && h.Number > l.last+1 {
		l.log.Infof("Backfilling blocks %d to %d", l.last+1, h.Number-1)
		for n := l.last + 1; n < h.Number; n++ {
			skipped, err := l.source.HeaderByNumber(ctx, n)
			// the gap stays open, the next header retries from it
			if err != nil {
				l.log.Errorf("unable to backfill block %d: %s", n, err.Error())
				return
			}
			l.process(skipped)
		}
	}
	l.process(h)
}

// process() applies one block: authorities, then metadata, then signing requests
func (l *Listener) process(h *lib.FinalizedHeader) {
	start := time.Now()
	if err := h.Check(); err != nil {
		l.log.Warnf("block %d carries a malformed item: %s", h.Number, err.Error())
	}
	for _, change := range h.AuthoritiesChanges() {
		l.applyAuthorities(change)
	}
	for _, meta := range h.Metadata() {
		if err := l.aggregator.RegisterMetadata(meta); err != nil {
			l.log.Warnf("metadata of event %d not stored: %s", meta.EventId, err.Error())
		}
	}
	if requests := h.SigningRequests(); len(requests) != 0 {
		vs, ok := l.registry.Active()
		if !ok {
			l.log.Errorf("no validator set for the %d signing requests of block %d", len(requests), h.Number)
		}
		for _, req := range requests {
			if ok {
				l.request(req, vs.Epoch)
			}
		}
	}
	l.last = h.Number
	l.finalizer.SetFinalized(h.Number)
	if err := l.store.SetLastBlock(h.Number); err != nil {
		l.log.Errorf("failed to persist block %d: %s", h.Number, err.Error())
	}
	l.metrics.UpdateNodeMetrics(h.Number, time.Since(start))
	l.log.Debugf("Processed block %d with %d items", h.Number, len(h.Items))
}

// request() registers the event of a signing request under epoch and signs it
func (l *Listener) request(req *lib.SigningRequest, epoch uint64) {
	if req.Digest.IsZero() {
		return
	}
	event, err := l.aggregator.RegisterEvent(req, epoch)
	if err != nil {
		l.log.Warnf("event %d not registered: %s", req.EventId, err.Error())
		return
	}
	if l.signer == nil {
		return
	}
	if _, err = l.signer.Sign(req, event.CreationEpoch); err != nil {
		l.log.Debugf("event %d not signed: %s", req.EventId, err.Error())
	}
}

// applyAuthorities() activates a newer validator set
func (l *Listener) applyAuthorities(change *lib.AuthoritiesChange) {
	if active, ok := l.registry.Active(); ok && change.Epoch <= active.Epoch {
		l.log.Warnf("ignoring validator set %d, epoch %d is active", change.Epoch, active.Epoch)
		return
	}
	vs, err := change.ValidatorSet()
	if err != nil {
		l.log.Errorf("invalid validator set %d: %s", change.Epoch, err.Error())
		return
	}
	if e := vs.CheckThreshold(); e != nil {
		l.log.Errorf("%s, using the default threshold %d", e.Error(), vs.Threshold())
	}
	// persisted before the block is marked processed, a restart reloads it into the registry
	if e := l.store.PutValidatorSet(vs); e != nil {
		l.log.Errorf("failed to persist validator set %d: %s", vs.Epoch, e.Error())
	}
	l.registry.Set(vs)
	l.metrics.UpdateValidatorSet(vs.Epoch)
	l.log.Infof("Validator set %d is active with %d validators", vs.Epoch, vs.Size())
}
