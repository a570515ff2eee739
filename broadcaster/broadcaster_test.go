package broadcaster

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/canopy-network/ethy/aggregator"
	"github.com/canopy-network/ethy/lib"
	"github.com/canopy-network/ethy/lib/crypto"
	"github.com/canopy-network/ethy/p2p"
	"github.com/stretchr/testify/require"
)

// testAggregator is a status table that records archives
type testAggregator struct {
	mu       sync.Mutex
	status   map[uint64]lib.EventStatus
	archived map[uint64]string
}

func newTestAggregator() *testAggregator {
	return &testAggregator{status: make(map[uint64]lib.EventStatus), archived: make(map[uint64]string)}
}

func (a *testAggregator) Status(eventId uint64) (lib.EventStatus, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.status[eventId]
	return s, ok
}

func (a *testAggregator) Archive(eventId uint64, reason string) lib.ErrorI {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status[eventId], a.archived[eventId] = lib.Archived, reason
	return nil
}

func (a *testAggregator) set(eventId uint64, s lib.EventStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status[eventId] = s
}

func (a *testAggregator) reason(eventId uint64) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.archived[eventId]
}

type expirer bool

func (e expirer) Expired(*lib.Witness) bool { return bool(e) }

// counter counts messages per topic on a hub member
type counter struct {
	witnesses atomic.Int32
	proofs    atomic.Int32
	lastProof atomic.Pointer[lib.Proof]
}

func newTestEnv(t *testing.T, config lib.BroadcastConfig, exp Expirer, submitter Submitter) (*Broadcaster, *testAggregator, *counter) {
	t.Helper()
	hub := p2p.NewHub(lib.NewNullLogger())
	local, peer := hub.Join("local"), hub.Join("peer")
	c := &counter{}
	require.NoError(t, peer.Subscribe(p2p.TopicWitness, func(string, []byte) { c.witnesses.Add(1) }))
	require.NoError(t, peer.Subscribe(p2p.TopicProof, func(_ string, bz []byte) {
		if p, err := lib.DecodeProof(bz); err == nil {
			c.lastProof.Store(p)
			c.proofs.Add(1)
		}
	}))
	agg := newTestAggregator()
	b := New(config, local, agg, exp, submitter, nil, lib.NewNullLogger())
	t.Cleanup(b.Stop)
	return b, agg, c
}

func fastConfig(retries uint64) lib.BroadcastConfig {
	config := lib.DefaultBroadcastConfig()
	config.RebroadcastInitialMS, config.RebroadcastMaxMS, config.RebroadcastRetries = 5, 10, retries
	return config
}

func newTestWitness(t *testing.T, eventId uint64) *lib.Witness {
	t.Helper()
	pk, err := crypto.NewPrivateKey(crypto.KeyTypeSECP256K1)
	require.NoError(t, err)
	w, e := lib.NewWitness(pk, &lib.SigningRequest{EventId: eventId, Digest: lib.Digest{1}}, 1)
	require.NoError(t, e)
	return w
}

func newTestProof(t *testing.T, eventId uint64) *lib.Proof {
	t.Helper()
	pk, err := crypto.NewPrivateKey(crypto.KeyTypeSECP256K1)
	require.NoError(t, err)
	sig, err := pk.Sign(lib.Digest{1}.Bytes())
	require.NoError(t, err)
	return &lib.Proof{
		EventId:        eventId,
		Digest:         lib.Digest{1},
		ValidatorSetId: 1,
		Signers:        []lib.ProofSigner{{ValidatorId: pk.PublicKey().Bytes(), Signature: sig}},
		BlockNumber:    9,
		BlockHash:      lib.Digest{9},
	}
}

func TestRebroadcast(t *testing.T) {
	tests := []struct {
		name     string
		detail   string
		retries  uint64
		expired  bool
		expected int32
	}{
		{
			name:     "retries exhausted",
			detail:   "the witness is published once plus once per retry",
			retries:  3,
			expected: 4,
		},
		{
			name:     "expired",
			detail:   "a witness out of the live window is not re-published",
			retries:  3,
			expired:  true,
			expected: 1,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			b, agg, c := newTestEnv(t, fastConfig(test.retries), expirer(test.expired), nil)
			agg.set(1, lib.Witnessing)
			// execute the function call
			b.BroadcastWitness(newTestWitness(t, 1))
			require.Eventually(t, func() bool { return c.witnesses.Load() == test.expected }, time.Second, 5*time.Millisecond)
			time.Sleep(50 * time.Millisecond)
			require.Equal(t, test.expected, c.witnesses.Load(), test.detail)
		})
	}
}

func TestRebroadcastStopsWhenProven(t *testing.T) {
	b, agg, c := newTestEnv(t, fastConfig(1000), nil, nil)
	agg.set(1, lib.Witnessing)
	b.BroadcastWitness(newTestWitness(t, 1))
	require.Eventually(t, func() bool { return c.witnesses.Load() >= 3 }, time.Second, 5*time.Millisecond)
	// execute the function call
	agg.set(1, lib.Proven)
	time.Sleep(30 * time.Millisecond)
	seen := c.witnesses.Load()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, seen, c.witnesses.Load())
}

func TestOnProof(t *testing.T) {
	var submitted atomic.Pointer[Submission]
	status := atomic.Int32{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := new(Submission)
		if err := json.NewDecoder(r.Body).Decode(s); err == nil {
			submitted.Store(s)
		}
		w.WriteHeader(int(status.Load()))
	}))
	defer server.Close()
	config := fastConfig(0)
	config.SubmitURL, config.SubmitRetries = server.URL, 0
	tests := []struct {
		name      string
		detail    string
		local     bool
		submitter bool
		status    int32
		reason    string
		published bool
	}{
		{
			name:      "imported",
			detail:    "a proof from a peer is archived without publishing",
			reason:    aggregator.ReasonImported,
			submitter: true,
		},
		{
			name:      "gossip only",
			detail:    "without a submitter the proof is archived once published",
			local:     true,
			reason:    aggregator.ReasonSubmitted,
			published: true,
		},
		{
			name:      "submitted",
			detail:    "the relayer accepted the proof",
			local:     true,
			submitter: true,
			status:    http.StatusOK,
			reason:    aggregator.ReasonSubmitted,
			published: true,
		},
		{
			name:      "rejected",
			detail:    "the relayer refused the proof, the event stays proven",
			local:     true,
			submitter: true,
			status:    http.StatusBadRequest,
			published: true,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			status.Store(test.status)
			submitted.Store(nil)
			var submitter Submitter
			if test.submitter {
				submitter = NewHTTPSubmitter(config, lib.NewNullLogger())
			}
			b, agg, c := newTestEnv(t, config, nil, submitter)
			agg.set(5, lib.Proven)
			p := newTestProof(t, 5)
			// execute the function call
			b.OnProof(p, test.local)
			b.Stop()
			require.Equal(t, test.reason, agg.reason(5), test.detail)
			if test.published {
				require.Eventually(t, func() bool { return c.proofs.Load() == 1 }, time.Second, 5*time.Millisecond)
				require.Equal(t, p.Signers, c.lastProof.Load().Signers)
			} else {
				require.Zero(t, c.proofs.Load())
			}
			if test.local && test.submitter {
				s := submitted.Load()
				require.NotNil(t, s)
				decoded, err := DecodeProofABI(s.Payload)
				require.NoError(t, err)
				require.Equal(t, p.EventId, decoded.EventId)
				require.Equal(t, p.Digest, decoded.Digest)
				require.Equal(t, p.Signers, decoded.Signers)
				require.Equal(t, p.BlockHash, decoded.BlockHash)
			}
		})
	}
}

// slowSubmitter accepts a proof after a delay unless its context ends first
type slowSubmitter struct {
	delay     time.Duration
	cancelled atomic.Bool
}

func (s *slowSubmitter) Submit(ctx context.Context, _ *lib.Proof) lib.ErrorI {
	select {
	case <-time.After(s.delay):
		return nil
	case <-ctx.Done():
		s.cancelled.Store(true)
		return ErrSubmitProof(ctx.Err())
	}
}

func TestStopDrainsDeliveries(t *testing.T) {
	tests := []struct {
		name      string
		detail    string
		delay     time.Duration
		drainMS   uint64
		reason    string
		cancelled bool
	}{
		{
			name:    "drained",
			detail:  "a delivery in flight at shutdown finishes and archives the event",
			delay:   100 * time.Millisecond,
			drainMS: 5000,
			reason:  aggregator.ReasonSubmitted,
		},
		{
			name:      "drain timeout",
			detail:    "a delivery past the drain timeout is cancelled and the event stays proven",
			delay:     time.Minute,
			drainMS:   20,
			cancelled: true,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			config := fastConfig(0)
			config.DrainTimeoutMS = test.drainMS
			submitter := &slowSubmitter{delay: test.delay}
			b, agg, _ := newTestEnv(t, config, nil, submitter)
			agg.set(5, lib.Proven)
			b.OnProof(newTestProof(t, 5), true)
			// execute the function call
			b.Stop()
			require.Equal(t, test.reason, agg.reason(5), test.detail)
			require.Equal(t, test.cancelled, submitter.cancelled.Load())
		})
	}
}

func TestHTTPSubmitterRetries(t *testing.T) {
	calls := atomic.Int32{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()
	config := lib.DefaultBroadcastConfig()
	config.SubmitURL, config.SubmitRetries = server.URL, 5
	s := NewHTTPSubmitter(config, lib.NewNullLogger())
	// execute the function call
	require.NoError(t, s.Submit(context.Background(), newTestProof(t, 1)))
	require.EqualValues(t, 3, calls.Load())
	// retries run out
	calls.Store(-100)
	config.SubmitRetries = 1
	err := NewHTTPSubmitter(config, lib.NewNullLogger()).Submit(context.Background(), newTestProof(t, 1))
	require.Error(t, err)
	require.Equal(t, lib.CodeSubmitStatus, err.Code())
	require.EqualValues(t, -98, calls.Load())
}
