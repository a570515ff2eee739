package aggregator

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/canopy-network/ethy/lib"
	"github.com/canopy-network/ethy/lib/crypto"
	"github.com/canopy-network/ethy/store"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	agg      *Aggregator
	store    *store.Store
	registry *lib.ValidatorRegistry
	keys     []crypto.PrivateKeyI
	mu       sync.Mutex
	proofs   []*lib.Proof
	locals   []bool
	archived []uint64
	dropped  []uint64
}

// newTestEnv() creates an aggregator over n secp256k1 validators at epoch 1
func newTestEnv(t *testing.T, n int, configure ...func(c *lib.GadgetConfig)) *testEnv {
	t.Helper()
	return newTestEnvWithKeys(t, newKeys(t, n, crypto.KeyTypeSECP256K1), configure...)
}

// newTestEnvWithKeys() creates an aggregator over the keys at epoch 1
func newTestEnvWithKeys(t *testing.T, keys []crypto.PrivateKeyI, configure ...func(c *lib.GadgetConfig)) *testEnv {
	t.Helper()
	env := &testEnv{keys: keys}
	env.registry = lib.NewValidatorRegistry(4)
	env.registry.Set(validatorSet(t, 1, env.keys))
	db, e := store.NewStoreInMemory(lib.NewNullLogger())
	require.NoError(t, e)
	t.Cleanup(func() { db.Close() })
	env.store = db
	config := lib.DefaultGadgetConfig()
	config.ShardCount = 4
	for _, c := range configure {
		c(&config)
	}
	var err error
	env.agg, err = New(config, env.registry, db, nil, lib.NewNullLogger())
	require.NoError(t, err)
	env.agg.SetHooks(Hooks{
		OnProof: func(p *lib.Proof, local bool) {
			env.mu.Lock()
			defer env.mu.Unlock()
			env.proofs, env.locals = append(env.proofs, p), append(env.locals, local)
		},
		OnArchive: func(eventId uint64, _ string) {
			env.mu.Lock()
			defer env.mu.Unlock()
			env.archived = append(env.archived, eventId)
		},
		OnDrop: func(eventId uint64) {
			env.mu.Lock()
			defer env.mu.Unlock()
			env.dropped = append(env.dropped, eventId)
		},
	})
	return env
}

func newKeys(t *testing.T, n int, keyType crypto.KeyType) (keys []crypto.PrivateKeyI) {
	t.Helper()
	for i := 0; i < n; i++ {
		pk, err := crypto.NewPrivateKey(keyType)
		require.NoError(t, err)
		keys = append(keys, pk)
	}
	return
}

func validatorSet(t *testing.T, epoch uint64, keys []crypto.PrivateKeyI) *lib.ValidatorSet {
	t.Helper()
	var pubs [][]byte
	for _, k := range keys {
		pubs = append(pubs, k.PublicKey().Bytes())
	}
	vs, err := lib.NewValidatorSet(epoch, pubs, 0)
	require.NoError(t, err)
	return vs
}

// witness() signs digest for the event with the key at epoch
func witness(t *testing.T, pk crypto.PrivateKeyI, eventId uint64, digest lib.Digest, epoch uint64) *lib.Witness {
	t.Helper()
	w, err := lib.NewWitness(pk, &lib.SigningRequest{EventId: eventId, Digest: digest}, epoch)
	require.NoError(t, err)
	return w
}

func (env *testEnv) register(t *testing.T, eventId uint64, digest lib.Digest) {
	t.Helper()
	_, err := env.agg.RegisterEvent(&lib.SigningRequest{EventId: eventId, ChainId: lib.ChainEthereum, Digest: digest}, 1)
	require.NoError(t, err)
}

func (env *testEnv) metadata(t *testing.T, eventId uint64, digest lib.Digest) {
	t.Helper()
	require.NoError(t, env.agg.RegisterMetadata(&lib.EventMetadata{EventId: eventId, ChainId: lib.ChainEthereum, Digest: digest}))
}

func (env *testEnv) proofCount() int {
	env.mu.Lock()
	defer env.mu.Unlock()
	return len(env.proofs)
}

func TestScenarioBufferedBeforeMetadata(t *testing.T) {
	env := newTestEnv(t, 4)
	digest := lib.Digest{0xd}
	env.register(t, 42, digest)
	// witnesses 1 and 2 arrive before the metadata
	for _, pk := range env.keys[:2] {
		status, err := env.agg.AddWitness(witness(t, pk, 42, digest, 1))
		require.NoError(t, err)
		require.Equal(t, lib.Witnessing, status)
	}
	counted, buffered, threshold, ok := env.agg.Progress(42)
	require.True(t, ok)
	require.Equal(t, 0, counted)
	require.Equal(t, 2, buffered)
	require.Equal(t, 3, threshold)
	// the metadata promotes them
	env.metadata(t, 42, digest)
	counted, buffered, _, _ = env.agg.Progress(42)
	require.Equal(t, 2, counted)
	require.Zero(t, buffered)
	_, found := env.agg.GetProof(42)
	require.False(t, found)
	// witness 3 finalizes the proof
	status, err := env.agg.AddWitness(witness(t, env.keys[2], 42, digest, 1))
	require.NoError(t, err)
	require.Equal(t, lib.Proven, status)
	proof, found := env.agg.GetProof(42)
	require.True(t, found)
	require.Len(t, proof.Signers, 3)
	require.Equal(t, digest, proof.Digest)
	require.EqualValues(t, 1, proof.ValidatorSetId)
	// signers are exactly 1, 2 and 3, every signature verifies
	vs, _ := env.registry.Get(1)
	require.NoError(t, proof.Verify(vs))
	for _, s := range proof.Signers {
		_, idx, e := vs.GetValidator(s.ValidatorId)
		require.NoError(t, e)
		require.Less(t, idx, 3)
	}
	require.Equal(t, 1, env.proofCount())
	require.True(t, env.locals[0])
	// the proof and status are persisted
	stored, err := env.store.GetProof(42)
	require.NoError(t, err)
	require.Equal(t, proof.Signers, stored.Signers)
	event, err := env.store.GetEvent(42)
	require.NoError(t, err)
	require.Equal(t, lib.Proven, event.Status)
}

func TestScenarioDigestMismatch(t *testing.T) {
	env := newTestEnv(t, 4)
	digest, other := lib.Digest{0xd}, lib.Digest{0xe}
	env.register(t, 42, digest)
	env.metadata(t, 42, digest)
	// execute the function call
	_, err := env.agg.AddWitness(witness(t, env.keys[0], 42, other, 1))
	require.True(t, lib.IsError(err, lib.IntegrityModule, lib.CodeDigestMismatch))
	// discarded and not counted
	counted, _, _, _ := env.agg.Progress(42)
	require.Zero(t, counted)
	// flagged
	records, e := env.store.AuditRecords(0)
	require.NoError(t, e)
	require.Len(t, records, 1)
	require.Equal(t, lib.AuditDigestMismatch, records[0].Kind)
	require.Equal(t, digest, records[0].Expected)
	require.Equal(t, other, records[0].Got)
}

func TestScenarioExpiry(t *testing.T) {
	env := newTestEnv(t, 4)
	digest := lib.Digest{0x43}
	env.register(t, 43, digest)
	env.metadata(t, 43, digest)
	for _, pk := range env.keys[:2] {
		_, err := env.agg.AddWitness(witness(t, pk, 43, digest, 1))
		require.NoError(t, err)
	}
	// not yet past the max wait
	require.Empty(t, env.agg.Expire(time.Now()))
	// execute the function call
	expired := env.agg.Expire(time.Now().Add(env.agg.config.MaxWait() + time.Second))
	require.Equal(t, []uint64{43}, expired)
	status, ok := env.agg.Status(43)
	require.True(t, ok)
	require.Equal(t, lib.Archived, status)
	_, found := env.agg.GetProof(43)
	require.False(t, found)
	require.Equal(t, []uint64{43}, env.archived)
	// late witnesses are ignored
	_, err := env.agg.AddWitness(witness(t, env.keys[2], 43, digest, 1))
	require.True(t, lib.IsError(err, lib.ExpiryModule, lib.CodeEventArchived))
	// the archived status is persisted
	event, e := env.store.GetEvent(43)
	require.NoError(t, e)
	require.Equal(t, lib.Archived, event.Status)
}

func TestThresholdBoundary(t *testing.T) {
	tests := []struct {
		name      string
		size      int
		witnesses int
		proven    bool
	}{
		{name: "one of one", size: 1, witnesses: 1, proven: true},
		{name: "below threshold of 4", size: 4, witnesses: 2},
		{name: "threshold of 4", size: 4, witnesses: 3, proven: true},
		{name: "below threshold of 10", size: 10, witnesses: 6},
		{name: "threshold of 10", size: 10, witnesses: 7, proven: true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			env := newTestEnv(t, test.size)
			digest := lib.Digest{1}
			env.register(t, 1, digest)
			env.metadata(t, 1, digest)
			for _, pk := range env.keys[:test.witnesses] {
				_, err := env.agg.AddWitness(witness(t, pk, 1, digest, 1))
				require.NoError(t, err)
			}
			status, _ := env.agg.Status(1)
			require.Equal(t, test.proven, status == lib.Proven)
			_, found := env.agg.GetProof(1)
			require.Equal(t, test.proven, found)
		})
	}
}

func TestAddWitnessIdempotent(t *testing.T) {
	env := newTestEnv(t, 4)
	digest := lib.Digest{1}
	env.register(t, 1, digest)
	env.metadata(t, 1, digest)
	w := witness(t, env.keys[0], 1, digest, 1)
	for i := 0; i < 3; i++ {
		status, err := env.agg.AddWitness(w)
		require.NoError(t, err)
		require.Equal(t, lib.Witnessing, status)
	}
	counted, _, _, _ := env.agg.Progress(1)
	require.Equal(t, 1, counted)
}

func TestProvenExactlyOnce(t *testing.T) {
	env := newTestEnv(t, 10)
	digest := lib.Digest{9}
	env.register(t, 9, digest)
	env.metadata(t, 9, digest)
	var witnesses []*lib.Witness
	for _, pk := range env.keys {
		witnesses = append(witnesses, witness(t, pk, 9, digest, 1))
	}
	// every witness delivered several times from concurrent goroutines
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		for _, w := range witnesses {
			wg.Add(1)
			go func(w lib.Witness) {
				defer wg.Done()
				env.agg.AddWitness(&w)
			}(*w)
		}
	}
	wg.Wait()
	require.Equal(t, 1, env.proofCount())
	status, _ := env.agg.Status(9)
	require.Equal(t, lib.Proven, status)
}

func TestPinnedEpoch(t *testing.T) {
	env := newTestEnv(t, 4)
	digest := lib.Digest{5}
	env.register(t, 5, digest)
	env.metadata(t, 5, digest)
	// the active set rotates to 7 new validators
	env.registry.Set(validatorSet(t, 2, newKeys(t, 7, crypto.KeyTypeSECP256K1)))
	// witnesses of epoch 1 members still count and the threshold stays 3
	for _, pk := range env.keys[:3] {
		_, err := env.agg.AddWitness(witness(t, pk, 5, digest, 1))
		require.NoError(t, err)
	}
	proof, found := env.agg.GetProof(5)
	require.True(t, found)
	require.EqualValues(t, 1, proof.ValidatorSetId)
	require.Len(t, proof.Signers, 3)
}

func TestBufferedDigestMismatch(t *testing.T) {
	env := newTestEnv(t, 4)
	digest, other := lib.Digest{1}, lib.Digest{2}
	env.register(t, 1, digest)
	_, err := env.agg.AddWitness(witness(t, env.keys[0], 1, other, 1))
	require.NoError(t, err)
	_, err = env.agg.AddWitness(witness(t, env.keys[1], 1, digest, 1))
	require.NoError(t, err)
	// execute the function call
	env.metadata(t, 1, digest)
	counted, buffered, _, _ := env.agg.Progress(1)
	require.Equal(t, 1, counted)
	require.Zero(t, buffered)
	records, e := env.store.AuditRecords(0)
	require.NoError(t, e)
	require.Len(t, records, 1)
	require.Equal(t, lib.AuditBufferedDigestMismatch, records[0].Kind)
}

func TestPendingBufferCap(t *testing.T) {
	env := newTestEnv(t, 4, func(c *lib.GadgetConfig) { c.PendingBufferCap = 2 })
	digest := lib.Digest{1}
	env.register(t, 1, digest)
	for _, pk := range env.keys[:3] {
		_, err := env.agg.AddWitness(witness(t, pk, 1, digest, 1))
		require.NoError(t, err)
	}
	_, buffered, _, _ := env.agg.Progress(1)
	require.Equal(t, 2, buffered)
	// the oldest was dropped so the remaining two do not reach the threshold
	env.metadata(t, 1, digest)
	counted, _, _, _ := env.agg.Progress(1)
	require.Equal(t, 2, counted)
	// the dropped validator can resubmit
	_, err := env.agg.AddWitness(witness(t, env.keys[0], 1, digest, 1))
	require.NoError(t, err)
	status, _ := env.agg.Status(1)
	require.Equal(t, lib.Proven, status)
}

func TestWitnessBeforeRegistration(t *testing.T) {
	env := newTestEnv(t, 4)
	digest := lib.Digest{3}
	// metadata and witnesses arrive before this node processed the signing request
	env.metadata(t, 3, digest)
	for _, pk := range env.keys[:3] {
		_, err := env.agg.AddWitness(witness(t, pk, 3, digest, 1))
		require.NoError(t, err)
	}
	_, found := env.agg.GetProof(3)
	require.False(t, found)
	// registration pins the epoch and drains the buffer
	env.register(t, 3, digest)
	_, found = env.agg.GetProof(3)
	require.True(t, found)
}

func TestExpireDropsUnregistered(t *testing.T) {
	env := newTestEnv(t, 4)
	digest := lib.Digest{6}
	// witnesses for a request this node never processed
	for _, pk := range env.keys[:2] {
		_, err := env.agg.AddWitness(witness(t, pk, 6, digest, 1))
		require.NoError(t, err)
	}
	// execute the function call
	expired := env.agg.Expire(time.Now().Add(env.agg.config.MaxWait() + time.Second))
	// the buffer is dropped without a tombstone and reported
	require.Empty(t, expired)
	require.Empty(t, env.archived)
	require.Equal(t, []uint64{6}, env.dropped)
	_, ok := env.agg.Status(6)
	require.False(t, ok)
	// a later registration starts clean and counts re-sent witnesses
	env.register(t, 6, digest)
	env.metadata(t, 6, digest)
	_, err := env.agg.AddWitness(witness(t, env.keys[0], 6, digest, 1))
	require.NoError(t, err)
	counted, buffered, _, ok := env.agg.Progress(6)
	require.True(t, ok)
	require.Equal(t, 1, counted)
	require.Zero(t, buffered)
}

func TestUnknownEpoch(t *testing.T) {
	env := newTestEnv(t, 1)
	_, err := env.agg.RegisterEvent(&lib.SigningRequest{EventId: 1}, 99)
	require.True(t, lib.IsError(err, lib.MainModule, lib.CodeUnknownEpoch))
}

func TestImportProof(t *testing.T) {
	digest := lib.Digest{7}
	// assemble a proof on a peer
	peer := newTestEnv(t, 4)
	peer.register(t, 7, digest)
	peer.metadata(t, 7, digest)
	for _, pk := range peer.keys[:3] {
		_, err := peer.agg.AddWitness(witness(t, pk, 7, digest, 1))
		require.NoError(t, err)
	}
	proof, found := peer.agg.GetProof(7)
	require.True(t, found)
	tests := []struct {
		name     string
		detail   string
		proof    func() *lib.Proof
		imported bool
		audit    bool
	}{
		{
			name:     "valid",
			detail:   "a threshold proof over the stored digest",
			proof:    func() *lib.Proof { return proof },
			imported: true,
		},
		{
			name:   "below threshold",
			detail: "a proof with too few signers",
			proof: func() *lib.Proof {
				p := *proof
				p.Signers = p.Signers[:2]
				return &p
			},
			audit: true,
		},
		{
			name:   "other digest",
			detail: "a proof over a digest that differs from the stored one",
			proof: func() *lib.Proof {
				p := *proof
				p.Digest = lib.Digest{8}
				return &p
			},
			audit: true,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			// share the validator set of the peer
			env := newTestEnvWithKeys(t, peer.keys)
			env.register(t, 7, digest)
			env.metadata(t, 7, digest)
			// execute the function call
			imported, err := env.agg.ImportProof(test.proof())
			require.Equal(t, test.imported, imported, test.detail)
			require.Equal(t, test.audit, err != nil)
			records, e := env.store.AuditRecords(0)
			require.NoError(t, e)
			if test.audit {
				require.Len(t, records, 1)
				require.Equal(t, lib.AuditInvalidRemoteProof, records[0].Kind)
				return
			}
			require.Empty(t, records)
			status, _ := env.agg.Status(7)
			require.Equal(t, lib.Proven, status)
			require.Equal(t, []bool{false}, env.locals)
			// a second import is a no-op
			imported, err = env.agg.ImportProof(proof)
			require.NoError(t, err)
			require.False(t, imported)
		})
	}
}

func TestResurrectArchived(t *testing.T) {
	tests := []struct {
		name      string
		resurrect bool
	}{
		{name: "ignored", resurrect: false},
		{name: "resurrected", resurrect: true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			env := newTestEnv(t, 4, func(c *lib.GadgetConfig) { c.ResurrectArchived = test.resurrect })
			digest := lib.Digest{4}
			env.register(t, 4, digest)
			env.metadata(t, 4, digest)
			require.NoError(t, env.agg.Archive(4, ReasonExpired))
			// execute the function call
			status, err := env.agg.AddWitness(witness(t, env.keys[0], 4, digest, 1))
			if !test.resurrect {
				require.True(t, lib.IsError(err, lib.ExpiryModule, lib.CodeEventArchived))
				return
			}
			require.NoError(t, err)
			// a new generation that moves forward from Pending again
			require.Equal(t, lib.Witnessing, status)
			event, e := env.agg.Event(4)
			require.NoError(t, e)
			require.EqualValues(t, 1, event.Attempt)
			require.EqualValues(t, 1, event.CreationEpoch)
			for _, pk := range env.keys[1:3] {
				_, err = env.agg.AddWitness(witness(t, pk, 4, digest, 1))
				require.NoError(t, err)
			}
			_, found := env.agg.GetProof(4)
			require.True(t, found)
		})
	}
}

func TestUndelivered(t *testing.T) {
	env := newTestEnv(t, 4)
	// proofs left by a previous run, only the first was never submitted
	for id, status := range map[uint64]lib.EventStatus{21: lib.Proven, 22: lib.Archived} {
		require.NoError(t, env.store.PutEvent(&lib.BridgeEvent{EventId: id, Digest: lib.Digest{byte(id)}, CreationEpoch: 1, Status: status}))
		require.NoError(t, env.store.PutProof(&lib.Proof{EventId: id, Digest: lib.Digest{byte(id)}, ValidatorSetId: 1}))
	}
	// execute the function call
	proofs, err := env.agg.Undelivered()
	require.NoError(t, err)
	require.Len(t, proofs, 1)
	require.EqualValues(t, 21, proofs[0].EventId)
	// archiving after the re-delivery works from the store alone
	require.NoError(t, env.agg.Archive(21, ReasonSubmitted))
	require.Equal(t, []uint64{21}, env.archived)
	event, err := env.store.GetEvent(21)
	require.NoError(t, err)
	require.Equal(t, lib.Archived, event.Status)
	status, ok := env.agg.Status(21)
	require.True(t, ok)
	require.Equal(t, lib.Archived, status)
	proofs, err = env.agg.Undelivered()
	require.NoError(t, err)
	require.Empty(t, proofs)
	// an event that was never proven is still unknown
	require.True(t, lib.IsError(env.agg.Archive(23, ReasonSubmitted), lib.AggregatorModule, lib.CodeUnknownEvent))
}

func TestArchiveProvenIsFinal(t *testing.T) {
	env := newTestEnv(t, 1, func(c *lib.GadgetConfig) { c.ResurrectArchived = true })
	digest := lib.Digest{6}
	env.register(t, 6, digest)
	env.metadata(t, 6, digest)
	_, err := env.agg.AddWitness(witness(t, env.keys[0], 6, digest, 1))
	require.NoError(t, err)
	require.NoError(t, env.agg.Archive(6, ReasonSubmitted))
	// proven events never restart
	_, err = env.agg.AddWitness(witness(t, env.keys[0], 6, digest, 1))
	require.True(t, lib.IsError(err, lib.ExpiryModule, lib.CodeEventArchived))
	// the proof is still served from the store
	_, found := env.agg.GetProof(6)
	require.True(t, found)
	// archiving twice is harmless, archiving the unknown is not
	require.NoError(t, env.agg.Archive(6, ReasonSubmitted))
	require.True(t, lib.IsError(env.agg.Archive(99, ReasonSubmitted), lib.AggregatorModule, lib.CodeUnknownEvent))
}

func TestRestore(t *testing.T) {
	env := newTestEnv(t, 4)
	digest := lib.Digest{2}
	env.register(t, 2, digest)
	env.metadata(t, 2, digest)
	_, err := env.agg.AddWitness(witness(t, env.keys[0], 2, digest, 1))
	require.NoError(t, err)
	// a new aggregator over the same store
	restarted, e := New(env.agg.config, env.registry, env.store, nil, lib.NewNullLogger())
	require.NoError(t, e)
	// execute the function call
	restored, err := restarted.Restore()
	require.NoError(t, err)
	require.Len(t, restored, 1)
	require.EqualValues(t, 2, restored[0].EventId)
	// the stored status does not move backwards
	require.Equal(t, lib.Witnessing, restored[0].Status)
	require.Equal(t, digest, restored[0].Digest)
}

func TestBLSProofAggregate(t *testing.T) {
	env := newTestEnvWithKeys(t, newKeys(t, 4, crypto.KeyTypeBLS12381))
	digest := lib.Digest{0xb}
	env.register(t, 11, digest)
	env.metadata(t, 11, digest)
	for _, pk := range env.keys[1:] {
		_, err := env.agg.AddWitness(witness(t, pk, 11, digest, 1))
		require.NoError(t, err)
	}
	proof, found := env.agg.GetProof(11)
	require.True(t, found)
	require.NotNil(t, proof.Aggregate)
	vs, _ := env.registry.Get(1)
	require.NoError(t, proof.Verify(vs))
}

// TestProofIffThreshold checks over random interleavings of metadata and witness arrival that a proof exists iff at
// least threshold validators signed the stored digest, and never before the metadata is stored
func TestProofIffThreshold(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	digest, other := lib.Digest{0xa}, lib.Digest{0xb}
	for round := 0; round < 40; round++ {
		env := newTestEnv(t, 4)
		env.register(t, 1, digest)
		// validators signing the stored digest and validators signing another one
		honest := rng.Intn(5)
		dishonest := rng.Intn(5 - honest)
		type step struct {
			metadata bool
			w        *lib.Witness
		}
		steps := []step{{metadata: true}}
		for i := 0; i < honest; i++ {
			steps = append(steps, step{w: witness(t, env.keys[i], 1, digest, 1)})
		}
		for i := honest; i < honest+dishonest; i++ {
			steps = append(steps, step{w: witness(t, env.keys[i], 1, other, 1)})
		}
		rng.Shuffle(len(steps), func(i, j int) { steps[i], steps[j] = steps[j], steps[i] })
		stored := false
		for _, s := range steps {
			if s.metadata {
				env.metadata(t, 1, digest)
				stored = true
			} else {
				env.agg.AddWitness(s.w)
			}
			if !stored {
				_, found := env.agg.GetProof(1)
				require.False(t, found, "proof before metadata in round %d", round)
			}
		}
		_, found := env.agg.GetProof(1)
		require.Equal(t, honest >= 3, found, "round %d: %d honest, %d dishonest", round, honest, dishonest)
		require.LessOrEqual(t, env.proofCount(), 1)
	}
}
