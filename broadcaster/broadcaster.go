package broadcaster

import (
	"context"
	"sync"
	"time"

	"github.com/canopy-network/ethy/aggregator"
	"github.com/canopy-network/ethy/lib"
	"github.com/canopy-network/ethy/p2p"
	"github.com/cenkalti/backoff/v4"
)

/*
	The Broadcaster is the outbound half of the gadget.

	Local witnesses are published once and then re-published under an exponential backoff until the event is
	proven, archived or out of the gossip live window, or the retries run out. Locally finalized proofs are
	published on the proof topic and submitted to the relayer; the event is archived once that succeeds.
	Imported proofs were already handled by the peer that finalized them and are archived right away.

	Stopping cancels rebroadcasts at once but lets in-flight proof deliveries finish within the drain timeout.
	A proof cut off by shutdown keeps its event Proven, and the controller re-delivers it on the next start.
*/

// Aggregator is the part of the witness aggregator the broadcaster depends on
type Aggregator interface {
	Status(eventId uint64) (lib.EventStatus, bool)
	Archive(eventId uint64, reason string) lib.ErrorI
}

// Expirer reports witnesses that no longer need gossip
type Expirer interface {
	Expired(w *lib.Witness) bool
}

// Broadcaster publishes local witnesses and proofs
type Broadcaster struct {
	config     lib.BroadcastConfig
	network    p2p.Network
	aggregator Aggregator
	expirer    Expirer         // optional
	submitter  Submitter       // nil publishes proofs on gossip only
	ctx        context.Context // witness rebroadcasts
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	deliverCtx context.Context // proof deliveries, cancelled after the drain timeout
	deliverEnd context.CancelFunc
	deliveries sync.WaitGroup
	metrics    *lib.Metrics
	log        lib.LoggerI
}

// New() creates a broadcaster; submitter may be nil
func New(config lib.BroadcastConfig, network p2p.Network, aggregator Aggregator, expirer Expirer, submitter Submitter,
	metrics *lib.Metrics, log lib.LoggerI) *Broadcaster {
	ctx, cancel := context.WithCancel(context.Background())
	deliverCtx, deliverEnd := context.WithCancel(context.Background())
	return &Broadcaster{
		config:     config,
		network:    network,
		aggregator: aggregator,
		expirer:    expirer,
		submitter:  submitter,
		ctx:        ctx,
		cancel:     cancel,
		deliverCtx: deliverCtx,
		deliverEnd: deliverEnd,
		metrics:    metrics,
		log:        log,
	}
}

// BroadcastWitness() publishes a local witness and keeps re-publishing it in the background
func (b *Broadcaster) BroadcastWitness(w *lib.Witness) {
	bz, err := w.Encode()
	if err != nil {
		b.log.Errorf("failed to encode witness for event %d: %s", w.EventId, err.Error())
		return
	}
	b.publish(b.ctx, p2p.TopicWitness, bz)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.rebroadcast(w, bz)
	}()
}

// OnProof() handles a finalized proof, local is false for proofs imported from peers
func (b *Broadcaster) OnProof(p *lib.Proof, local bool) {
	if !local {
		if err := b.aggregator.Archive(p.EventId, aggregator.ReasonImported); err != nil {
			b.log.Warn(err.Error())
		}
		return
	}
	b.deliveries.Add(1)
	go func() {
		defer b.deliveries.Done()
		b.deliver(p)
	}()
}

// Stop() cancels the rebroadcasts and waits for in-flight proof deliveries up to the drain timeout
func (b *Broadcaster) Stop() {
	b.cancel()
	b.wg.Wait()
	drained := make(chan struct{})
	go func() {
		b.deliveries.Wait()
		close(drained)
	}()
	timer := time.NewTimer(b.drainTimeout())
	select {
	case <-drained:
	case <-timer.C:
		b.log.Warn("proof deliveries did not finish before the drain timeout, they resume on restart")
	}
	timer.Stop()
	b.deliverEnd()
	<-drained
}

// rebroadcast() re-publishes the witness on the backoff schedule while the event still needs it
func (b *Broadcaster) rebroadcast(w *lib.Witness, bz []byte) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Duration(b.config.RebroadcastInitialMS) * time.Millisecond
	policy.MaxInterval = time.Duration(b.config.RebroadcastMaxMS) * time.Millisecond
	policy.MaxElapsedTime = 0
	policy.Reset()
	schedule := backoff.WithContext(backoff.WithMaxRetries(policy, b.config.RebroadcastRetries), b.ctx)
	for next := schedule.NextBackOff(); next != backoff.Stop; next = schedule.NextBackOff() {
		timer := time.NewTimer(next)
		select {
		case <-b.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if b.done(w) {
			return
		}
		b.log.Debugf("rebroadcasting witness for event %d", w.EventId)
		b.publish(b.ctx, p2p.TopicWitness, bz)
	}
}

// done() returns true when the witness no longer needs to be gossiped
func (b *Broadcaster) done(w *lib.Witness) bool {
	status, found := b.aggregator.Status(w.EventId)
	if !found || status.IsTerminal() {
		return true
	}
	return b.expirer != nil && b.expirer.Expired(w)
}

// deliver() publishes a local proof, submits it and archives the event
func (b *Broadcaster) deliver(p *lib.Proof) {
	bz, err := p.Encode()
	if err != nil {
		b.log.Errorf("failed to encode proof %d: %s", p.EventId, err.Error())
		return
	}
	b.publish(b.deliverCtx, p2p.TopicProof, bz)
	if b.submitter != nil {
		ctx, cancel := context.WithTimeout(b.deliverCtx, b.submitDeadline())
		err = b.submitter.Submit(ctx, p)
		cancel()
		b.metrics.ProofSubmitted(err == nil)
		if err != nil {
			b.log.Errorf("proof %d was not submitted: %s", p.EventId, err.Error())
			return
		}
		b.log.Infof("Submitted proof for event %d", p.EventId)
	}
	if err = b.aggregator.Archive(p.EventId, aggregator.ReasonSubmitted); err != nil {
		b.log.Warn(err.Error())
	}
}

func (b *Broadcaster) publish(ctx context.Context, topic string, bz []byte) {
	if err := b.network.Publish(ctx, topic, bz); err != nil {
		b.log.Warn(ErrPublish(topic, err).Error())
		return
	}
	if topic == p2p.TopicWitness {
		b.metrics.WitnessBroadcast()
	}
}

// submitDeadline() bounds a submission with all of its retries
func (b *Broadcaster) submitDeadline() time.Duration {
	timeout := time.Duration(b.config.SubmitTimeoutS) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return timeout * time.Duration(b.config.SubmitRetries+1) * 2
}

func (b *Broadcaster) drainTimeout() time.Duration {
	if b.config.DrainTimeoutMS == 0 {
		return time.Duration(lib.DefaultBroadcastConfig().DrainTimeoutMS) * time.Millisecond
	}
	return time.Duration(b.config.DrainTimeoutMS) * time.Millisecond
}
