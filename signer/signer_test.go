package signer

import (
	"sync"
	"testing"

	"github.com/canopy-network/ethy/aggregator"
	"github.com/canopy-network/ethy/gossip"
	"github.com/canopy-network/ethy/lib"
	"github.com/canopy-network/ethy/lib/crypto"
	"github.com/canopy-network/ethy/store"
	"github.com/stretchr/testify/require"
)

type testBroadcaster struct {
	mu   sync.Mutex
	sent []*lib.Witness
}

func (b *testBroadcaster) BroadcastWitness(w *lib.Witness) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, w)
}

type testEnv struct {
	signer      *Signer
	agg         *aggregator.Aggregator
	broadcaster *testBroadcaster
	keys        []crypto.PrivateKeyI
}

// newTestEnv() creates a signer for keys[0] over a 4 validator set at epoch 1; local is the signing key
func newTestEnv(t *testing.T, local crypto.PrivateKeyI, passive bool) *testEnv {
	t.Helper()
	var keys []crypto.PrivateKeyI
	var pubs [][]byte
	for i := 0; i < 4; i++ {
		pk, err := crypto.NewPrivateKey(crypto.KeyTypeSECP256K1)
		require.NoError(t, err)
		keys, pubs = append(keys, pk), append(pubs, pk.PublicKey().Bytes())
	}
	vs, err := lib.NewValidatorSet(1, pubs, 0)
	require.NoError(t, err)
	registry := lib.NewValidatorRegistry(4)
	registry.Set(vs)
	db, err := store.NewStoreInMemory(lib.NewNullLogger())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	config := lib.DefaultConfig()
	config.Passive = passive
	v, e := gossip.NewValidator(config.GadgetConfig, registry, db, nil, lib.NewNullLogger())
	require.NoError(t, e)
	agg, e := aggregator.New(config.GadgetConfig, registry, db, nil, lib.NewNullLogger())
	require.NoError(t, e)
	if local == nil {
		local = keys[0]
	}
	b := &testBroadcaster{}
	s, e := New(config, local, registry, v, agg, b, lib.NewNullLogger())
	require.NoError(t, e)
	return &testEnv{signer: s, agg: agg, broadcaster: b, keys: keys}
}

func (env *testEnv) register(t *testing.T, eventId uint64, digest lib.Digest) *lib.SigningRequest {
	t.Helper()
	req := &lib.SigningRequest{EventId: eventId, ChainId: lib.ChainEthereum, Digest: digest, BlockNumber: 10}
	_, err := env.agg.RegisterEvent(req, 1)
	require.NoError(t, err)
	require.NoError(t, env.agg.RegisterMetadata(&lib.EventMetadata{EventId: eventId, ChainId: lib.ChainEthereum, Digest: digest}))
	return req
}

func TestSign(t *testing.T) {
	outsider, err := crypto.NewPrivateKey(crypto.KeyTypeSECP256K1)
	require.NoError(t, err)
	tests := []struct {
		name     string
		detail   string
		local    crypto.PrivateKeyI
		passive  bool
		prepare  func(t *testing.T, env *testEnv) *lib.SigningRequest
		epoch    uint64
		expected lib.ErrorCode
	}{
		{
			name:   "signed",
			detail: "a registered event in Pending is signed",
			prepare: func(t *testing.T, env *testEnv) *lib.SigningRequest {
				return env.register(t, 1, lib.Digest{1})
			},
			epoch: 1,
		},
		{
			name:    "passive",
			detail:  "a passive node never signs",
			passive: true,
			prepare: func(t *testing.T, env *testEnv) *lib.SigningRequest {
				return env.register(t, 1, lib.Digest{1})
			},
			epoch:    1,
			expected: lib.CodePassive,
		},
		{
			name:   "not active",
			detail: "the local key is not in the set of the creation epoch",
			local:  outsider,
			prepare: func(t *testing.T, env *testEnv) *lib.SigningRequest {
				return env.register(t, 1, lib.Digest{1})
			},
			epoch:    1,
			expected: lib.CodeNotActive,
		},
		{
			name:   "unknown event",
			detail: "an event the aggregator does not know is not signable",
			prepare: func(t *testing.T, env *testEnv) *lib.SigningRequest {
				return &lib.SigningRequest{EventId: 7, Digest: lib.Digest{7}}
			},
			epoch:    1,
			expected: lib.CodeNotSignable,
		},
		{
			name:   "proven",
			detail: "an event that already has a proof is not signable",
			prepare: func(t *testing.T, env *testEnv) *lib.SigningRequest {
				req := env.register(t, 1, lib.Digest{1})
				for _, pk := range env.keys[1:] {
					w, e := lib.NewWitness(pk, req, 1)
					require.NoError(t, e)
					_, e = env.agg.AddWitness(w)
					require.NoError(t, e)
				}
				return req
			},
			epoch:    1,
			expected: lib.CodeNotSignable,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			env := newTestEnv(t, test.local, test.passive)
			req := test.prepare(t, env)
			// execute the function call
			w, e := env.signer.Sign(req, test.epoch)
			if test.expected != 0 {
				require.Error(t, e, test.detail)
				require.Equal(t, test.expected, e.Code())
				require.Empty(t, env.broadcaster.sent)
				return
			}
			require.NoError(t, e, test.detail)
			require.Equal(t, req.Digest, w.Digest)
			// counted locally and broadcast
			counted, _, _, ok := env.agg.Progress(req.EventId)
			require.True(t, ok)
			require.Equal(t, 1, counted)
			require.Equal(t, []*lib.Witness{w}, env.broadcaster.sent)
		})
	}
}

func TestSignOnce(t *testing.T) {
	env := newTestEnv(t, nil, false)
	req := env.register(t, 1, lib.Digest{1})
	var wg sync.WaitGroup
	var mu sync.Mutex
	signed := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.signer.Sign(req, 1); err == nil {
				mu.Lock()
				signed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, signed)
	// a second request is refused
	_, err := env.signer.Sign(req, 1)
	require.Equal(t, lib.CodeAlreadySigned, err.Code())
	// until forgotten
	env.signer.Forget(1)
	_, err = env.signer.Sign(req, 1)
	require.NoError(t, err)
}

func TestPassive(t *testing.T) {
	env := newTestEnv(t, nil, true)
	require.True(t, env.signer.Passive())
	require.Nil(t, env.signer.PublicKey())
}
