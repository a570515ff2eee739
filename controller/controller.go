package controller

import (
	"context"
	"sync"
	"time"

	"github.com/canopy-network/ethy/aggregator"
	"github.com/canopy-network/ethy/broadcaster"
	"github.com/canopy-network/ethy/gossip"
	"github.com/canopy-network/ethy/lib"
	"github.com/canopy-network/ethy/lib/crypto"
	"github.com/canopy-network/ethy/listener"
	"github.com/canopy-network/ethy/p2p"
	"github.com/canopy-network/ethy/signer"
	"golang.org/x/sync/errgroup"
)

// Controller acts as the 'manager' of the modules of the gadget
type Controller struct {
	Registry    *lib.ValidatorRegistry
	Store       lib.StoreI
	Gossip      *gossip.Validator
	Aggregator  *aggregator.Aggregator
	Signer      *signer.Signer
	Broadcaster *broadcaster.Broadcaster
	Listener    *listener.Listener
	Network     p2p.Network
	Source      listener.Source
	Metrics     *lib.Metrics
	Config      lib.Config
	log         lib.LoggerI
	stopOnce    sync.Once
}

// New() creates a new instance of a Controller, this is the entry point when initializing an ethy gadget.
// A nil valKey runs the gadget passive
func New(c lib.Config, valKey crypto.PrivateKeyI, network p2p.Network, source listener.Source, db lib.StoreI,
	metrics *lib.Metrics, l lib.LoggerI) (*Controller, lib.ErrorI) {
	controller := &Controller{
		Registry: lib.NewValidatorRegistry(c.EpochHistory),
		Store:    db,
		Network:  network,
		Source:   source,
		Metrics:  metrics,
		Config:   c,
		log:      l,
	}
	// load the genesis validator set when one is configured, otherwise wait for an authorities change
	if len(c.GenesisValidators) != 0 {
		vs, err := c.GenesisConfig.ValidatorSet()
		if err != nil {
			return nil, err
		}
		if err = vs.CheckThreshold(); err != nil {
			l.Errorf("genesis threshold is unsafe: %s", err.Error())
		}
		controller.Registry.Set(vs)
	}
	// reload the sets applied from authorities changes before a restart
	sets, e := db.ValidatorSets()
	if e != nil {
		return nil, e
	}
	for _, vs := range sets {
		controller.Registry.Set(vs)
	}
	if active, ok := controller.Registry.Active(); ok {
		metrics.UpdateValidatorSet(active.Epoch)
		l.Infof("Validator set %d is active with %d validators", active.Epoch, active.Size())
	}
	var err error
	if controller.Gossip, err = gossip.NewValidator(c.GadgetConfig, controller.Registry, db, metrics, l.Module("gossip")); err != nil {
		return nil, ErrNewModule("gossip validator", err)
	}
	if controller.Aggregator, err = aggregator.New(c.GadgetConfig, controller.Registry, db, metrics, l.Module("aggregator")); err != nil {
		return nil, ErrNewModule("aggregator", err)
	}
	// proofs are only gossiped when no relayer endpoint is configured
	var submitter broadcaster.Submitter
	if c.SubmitURL != "" {
		submitter = broadcaster.NewHTTPSubmitter(c.BroadcastConfig, l.Module("submitter"))
	}
	controller.Broadcaster = broadcaster.New(c.BroadcastConfig, network, controller.Aggregator, controller.Gossip, submitter, metrics, l.Module("broadcaster"))
	if controller.Signer, err = signer.New(c, valKey, controller.Registry, controller.Gossip, controller.Aggregator, controller.Broadcaster, l.Module("signer")); err != nil {
		return nil, ErrNewModule("signer", err)
	}
	controller.Aggregator.SetHooks(aggregator.Hooks{
		OnProof:     controller.onProof,
		OnArchive:   controller.onArchive,
		OnResurrect: controller.onResurrect,
		OnDrop:      controller.Gossip.Forget,
	})
	if controller.Listener, e = listener.New(c.SourceConfig, source, controller.Registry, controller.Aggregator, controller.Signer,
		controller.Gossip, db, metrics, l.Module("listener")); e != nil {
		return nil, e
	}
	if e = network.Subscribe(p2p.TopicWitness, controller.HandleWitness); e != nil {
		return nil, e
	}
	if e = network.Subscribe(p2p.TopicProof, controller.HandleProof); e != nil {
		return nil, e
	}
	return controller, nil
}

// NewSource() creates the finalized header source selected by the config
func NewSource(ctx context.Context, c lib.Config, l lib.LoggerI) (listener.Source, lib.ErrorI) {
	switch c.Kind {
	case lib.SourcePush, "":
		return listener.NewChanSource(c.BufferSize), nil
	case lib.SourceEth:
		return listener.DialEthSource(ctx, c, l)
	default:
		return nil, ErrUnknownSourceKind(c.Kind)
	}
}

// Start() restores unfinished events and runs the gadget until the context is cancelled or a module fails
func (c *Controller) Start(ctx context.Context) error {
	restored, err := c.Aggregator.Restore()
	if err != nil {
		return err
	}
	c.log.Infof("Restored %d unfinished events", len(restored))
	for _, event := range restored {
		c.resign(event)
	}
	// proofs whose submission was cut off by the last shutdown
	undelivered, err := c.Aggregator.Undelivered()
	if err != nil {
		return err
	}
	for _, p := range undelivered {
		c.log.Infof("Re-delivering proof for event %d", p.EventId)
		c.Broadcaster.OnProof(p, true)
	}
	c.Metrics.Start()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Listener.Start(ctx) })
	g.Go(func() error { return c.sweep(ctx) })
	// a libp2p host dials its static peers, the in-process hub has nothing to run
	if runner, ok := c.Network.(interface{ Start(context.Context) error }); ok {
		g.Go(func() error { return runner.Start(ctx) })
	}
	return g.Wait()
}

// Stop() terminates the Controller service
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		c.Broadcaster.Stop()
		if err := c.Network.Close(); err != nil {
			c.log.Error(err.Error())
		}
		c.Metrics.Stop()
		if err := c.Store.Close(); err != nil {
			c.log.Error(err.Error())
		}
	})
}

// HandleWitness() admits a gossiped witness and hands it to the aggregator
func (c *Controller) HandleWitness(from string, payload []byte) {
	w, result := c.Gossip.ValidateBytes(payload)
	if result.Outcome != gossip.Accept {
		return
	}
	w.ReceivedAt = time.Now()
	if _, err := c.Aggregator.AddWitness(w); err != nil {
		c.log.Debugf("witness for event %d from peer %s not counted: %s", w.EventId, from, err.Error())
	}
}

// HandleProof() imports a proof finalized by a peer
func (c *Controller) HandleProof(from string, payload []byte) {
	p, err := lib.DecodeProof(payload)
	if err != nil {
		c.log.Debugf("malformed proof from peer %s: %s", from, err.Error())
		return
	}
	imported, err := c.Aggregator.ImportProof(p)
	switch {
	case err != nil:
		c.log.Warnf("proof for event %d from peer %s rejected: %s", p.EventId, from, err.Error())
	case imported:
		c.log.Infof("Imported proof for event %d from peer %s", p.EventId, from)
	}
}

// PushHeader() feeds a finalized header to a push source
func (c *Controller) PushHeader(ctx context.Context, h *lib.FinalizedHeader) lib.ErrorI {
	push, ok := c.Source.(*listener.ChanSource)
	if !ok {
		return ErrPushDisabled()
	}
	return push.Push(ctx, h)
}

// GetProof() returns the finalized proof of an event
func (c *Controller) GetProof(eventId uint64) (*lib.Proof, bool) { return c.Aggregator.GetProof(eventId) }

// EventInfo is the queryable view of an event
type EventInfo struct {
	*lib.BridgeEvent
	Counted   int `json:"counted"`   // witnesses counted toward the proof
	Buffered  int `json:"buffered"`  // witnesses waiting for metadata
	Threshold int `json:"threshold"` // signatures required
}

// GetEvent() returns an event with its witness progress, nil when unknown
func (c *Controller) GetEvent(eventId uint64) (*EventInfo, lib.ErrorI) {
	event, err := c.Aggregator.Event(eventId)
	if err != nil || event == nil {
		return nil, err
	}
	info := &EventInfo{BridgeEvent: event}
	info.Counted, info.Buffered, info.Threshold, _ = c.Aggregator.Progress(eventId)
	return info, nil
}

// Health is a summary of the gadget state
type Health struct {
	LastBlock      uint64 `json:"lastBlock"`      // the last processed finalized block
	ValidatorSetId uint64 `json:"validatorSetId"` // the active epoch, 0 when none
	Validators     int    `json:"validators"`     // the active set size
	Peers          int    `json:"peers"`          // connected peers
	Passive        bool   `json:"passive"`        // the node never signs
}

// Health() summarizes the gadget state
func (c *Controller) Health() (*Health, lib.ErrorI) {
	last, err := c.Store.LastBlock()
	if err != nil {
		return nil, err
	}
	h := &Health{LastBlock: last, Peers: c.Network.Peers(), Passive: c.Signer.Passive()}
	if vs, ok := c.Registry.Active(); ok {
		h.ValidatorSetId, h.Validators = vs.Epoch, vs.Size()
	}
	return h, nil
}

// onProof() stops gossip for the event and hands the proof to the broadcaster
func (c *Controller) onProof(p *lib.Proof, local bool) {
	c.Gossip.MarkComplete(p.EventId)
	c.Broadcaster.OnProof(p, local)
}

// onArchive() stops gossip for the event
func (c *Controller) onArchive(eventId uint64, reason string) {
	c.log.Debugf("event %d archived: %s", eventId, reason)
	c.Gossip.MarkComplete(eventId)
}

// onResurrect() reopens gossip for a restarted event and signs it again
func (c *Controller) onResurrect(eventId uint64) {
	c.Gossip.Forget(eventId)
	c.Signer.Forget(eventId)
	event, err := c.Aggregator.Event(eventId)
	if err != nil || event == nil {
		return
	}
	c.resign(event)
}

// resign() signs a known event again, used after a restart or a resurrection
func (c *Controller) resign(event *lib.BridgeEvent) {
	if c.Signer.Passive() || event.Digest.IsZero() || event.Status.IsTerminal() {
		return
	}
	req := &lib.SigningRequest{
		EventId:     event.EventId,
		ChainId:     event.ChainId,
		Digest:      event.Digest,
		BlockNumber: event.BlockNumber,
		BlockHash:   event.BlockHash,
	}
	if _, err := c.Signer.Sign(req, event.CreationEpoch); err != nil {
		c.log.Debugf("event %d not re-signed: %s", event.EventId, err.Error())
	}
}

// sweep() archives events unproven past the max wait
func (c *Controller) sweep(ctx context.Context) error {
	interval := c.Config.SweepInterval()
	if interval <= 0 {
		interval = lib.DefaultGadgetConfig().SweepInterval()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if expired := c.Aggregator.Expire(now); len(expired) != 0 {
				c.log.Infof("Archived %d expired events", len(expired))
			}
		}
	}
}
