package lib

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

/* This file implements dev-ops telemetry for the gadget in the form of prometheus metrics */

const metricsPattern = "/metrics"

// Metrics represents a server that exposes Prometheus metrics
type Metrics struct {
	server   *http.Server         // the http prometheus server
	config   MetricsConfig        // the configuration
	registry *prometheus.Registry // the private registry, so multiple gadgets may live in one process
	log      LoggerI              // the logger

	NodeMetrics       // general telemetry about the node
	GossipMetrics     // witness validation telemetry
	AggregatorMetrics // event lifecycle telemetry
	BroadcastMetrics  // outbound telemetry
}

// NodeMetrics represents general telemetry for the node's health
type NodeMetrics struct {
	NodeStatus          prometheus.Gauge     // is the node alive?
	LastFinalizedBlock  prometheus.Gauge     // the last processed finalized block of the host chain
	ValidatorSetId      prometheus.Gauge     // the active validator set id
	BlockProcessingTime prometheus.Histogram // how long does it take for this node to process a finalized header?
	Peers               prometheus.Gauge     // number of gossip peers
}

// GossipMetrics represents the telemetry of the gossip validator
type GossipMetrics struct {
	WitnessReceived *prometheus.CounterVec // witnesses received, labeled by validation outcome
}

// AggregatorMetrics represents the telemetry of the witness aggregator
type AggregatorMetrics struct {
	EventsRegistered prometheus.Counter     // how many events were created
	ProofsFinalized  prometheus.Counter     // how many proofs were assembled locally or imported
	EventsArchived   *prometheus.CounterVec // archived events, labeled by reason
	AuditRecords     *prometheus.CounterVec // integrity failures, labeled by kind
	ProofLatency     prometheus.Histogram   // seconds from event creation to proof
}

// BroadcastMetrics represents the telemetry of the broadcaster
type BroadcastMetrics struct {
	WitnessSent     prometheus.Counter // local witnesses published, rebroadcasts included
	ProofsSubmitted prometheus.Counter // proofs accepted by the relayer endpoint
	SubmitFailures  prometheus.Counter // proofs the relayer endpoint never accepted
}

// NewMetricsServer() creates a new telemetry server
func NewMetricsServer(config MetricsConfig, log LoggerI) *Metrics {
	reg := prometheus.NewRegistry()
	// process and go runtime telemetry
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}), collectors.NewGoCollector())
	factory := promauto.With(reg)
	mux := http.NewServeMux()
	mux.Handle(metricsPattern, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	if log == nil {
		log = NewDefaultLogger()
	}
	return &Metrics{
		server:   &http.Server{Addr: config.PrometheusAddress, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		config:   config,
		registry: reg,
		log:      log,
		NodeMetrics: NodeMetrics{
			NodeStatus: factory.NewGauge(prometheus.GaugeOpts{
				Name: "ethy_node_status",
				Help: "The node is alive and processing finalized headers",
			}),
			LastFinalizedBlock: factory.NewGauge(prometheus.GaugeOpts{
				Name: "ethy_last_finalized_block",
				Help: "The last processed finalized block",
			}),
			ValidatorSetId: factory.NewGauge(prometheus.GaugeOpts{
				Name: "ethy_validator_set_id",
				Help: "The active validator set id",
			}),
			BlockProcessingTime: factory.NewHistogram(prometheus.HistogramOpts{
				Name: "ethy_block_processing_time",
				Help: "Time to process a finalized header in seconds",
			}),
			Peers: factory.NewGauge(prometheus.GaugeOpts{
				Name: "ethy_peer_total",
				Help: "Total number of gossip peers",
			}),
		},
		GossipMetrics: GossipMetrics{
			WitnessReceived: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "ethy_witness_received",
				Help: "Witnesses received from gossip by validation outcome",
			}, []string{"outcome"}),
		},
		AggregatorMetrics: AggregatorMetrics{
			EventsRegistered: factory.NewCounter(prometheus.CounterOpts{
				Name: "ethy_events_registered",
				Help: "Total number of bridge events created",
			}),
			ProofsFinalized: factory.NewCounter(prometheus.CounterOpts{
				Name: "ethy_proofs_finalized",
				Help: "Total number of finalized proofs",
			}),
			EventsArchived: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "ethy_events_archived",
				Help: "Archived events by reason",
			}, []string{"reason"}),
			AuditRecords: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "ethy_audit_records",
				Help: "Integrity failures by kind",
			}, []string{"kind"}),
			ProofLatency: factory.NewHistogram(prometheus.HistogramOpts{
				Name:    "ethy_proof_latency",
				Help:    "Seconds from event creation to a finalized proof",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
			}),
		},
		BroadcastMetrics: BroadcastMetrics{
			WitnessSent: factory.NewCounter(prometheus.CounterOpts{
				Name: "ethy_witness_sent",
				Help: "Local witnesses published to gossip",
			}),
			ProofsSubmitted: factory.NewCounter(prometheus.CounterOpts{
				Name: "ethy_proofs_submitted",
				Help: "Proofs accepted by the relayer endpoint",
			}),
			SubmitFailures: factory.NewCounter(prometheus.CounterOpts{
				Name: "ethy_proof_submit_failures",
				Help: "Proofs the relayer endpoint did not accept",
			}),
		},
	}
}

// Registry() exposes the private registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Start() starts the telemetry server
func (m *Metrics) Start() {
	// exit if empty
	if m == nil {
		return
	}
	// if the metrics server is enabled
	if m.config.Enabled {
		go func() {
			m.log.Infof("Starting metrics server on %s", m.config.PrometheusAddress)
			// run the server
			if err := m.server.ListenAndServe(); err != nil {
				if err != http.ErrServerClosed {
					m.log.Errorf("Metrics server failed with err: %s", err.Error())
				}
			}
		}()
	}
}

// Stop() gracefully stops the telemetry server
func (m *Metrics) Stop() {
	// exit if empty
	if m == nil {
		return
	}
	// if the metrics server isn't enabled
	if m.config.Enabled {
		// shutdown the server
		if err := m.server.Shutdown(context.Background()); err != nil {
			m.log.Error(err.Error())
		}
	}
}

// UpdateNodeMetrics() updates the block progress of the node
func (m *Metrics) UpdateNodeMetrics(lastBlock uint64, processing time.Duration) {
	// exit if empty
	if m == nil {
		return
	}
	// set node is active
	m.NodeStatus.Set(1)
	// set the last processed block
	m.LastFinalizedBlock.Set(float64(lastBlock))
	// observe the processing time
	m.BlockProcessingTime.Observe(processing.Seconds())
}

// UpdateValidatorSet() sets the active validator set id
func (m *Metrics) UpdateValidatorSet(epoch uint64) {
	if m == nil {
		return
	}
	m.ValidatorSetId.Set(float64(epoch))
}

// UpdatePeerMetrics() is a setter for the peer count
func (m *Metrics) UpdatePeerMetrics(total int) {
	if m == nil {
		return
	}
	m.Peers.Set(float64(total))
}

// WitnessOutcome() counts a gossip validation outcome
func (m *Metrics) WitnessOutcome(outcome string) {
	if m == nil {
		return
	}
	m.WitnessReceived.WithLabelValues(outcome).Inc()
}

// EventRegistered() counts a new bridge event
func (m *Metrics) EventRegistered() {
	if m == nil {
		return
	}
	m.EventsRegistered.Inc()
}

// ProofFinalized() counts a proof and observes the latency since the event was created
func (m *Metrics) ProofFinalized(createdAt time.Time) {
	if m == nil {
		return
	}
	m.ProofsFinalized.Inc()
	if !createdAt.IsZero() {
		m.ProofLatency.Observe(time.Since(createdAt).Seconds())
	}
}

// EventArchived() counts an archived event by reason
func (m *Metrics) EventArchived(reason string) {
	if m == nil {
		return
	}
	m.EventsArchived.WithLabelValues(reason).Inc()
}

// AuditRecorded() counts an integrity failure
func (m *Metrics) AuditRecorded(kind AuditKind) {
	if m == nil {
		return
	}
	m.AuditRecords.WithLabelValues(string(kind)).Inc()
}

// WitnessBroadcast() counts a published local witness
func (m *Metrics) WitnessBroadcast() {
	if m == nil {
		return
	}
	m.WitnessSent.Inc()
}

// ProofSubmitted() counts a relayer submission outcome
func (m *Metrics) ProofSubmitted(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.ProofsSubmitted.Inc()
	} else {
		m.SubmitFailures.Inc()
	}
}
