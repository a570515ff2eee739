package lib

import (
	"testing"

	"github.com/canopy-network/ethy/lib/crypto"
	"github.com/stretchr/testify/require"
)

// newTestProof() signs the digest with the first count keys
func newTestProof(t *testing.T, vs *ValidatorSet, pks []crypto.PrivateKeyI, digest Digest, count int) *Proof {
	t.Helper()
	p := &Proof{EventId: 1, ChainId: ChainEthereum, Digest: digest, ValidatorSetId: vs.Epoch}
	for _, pk := range pks[:count] {
		sig, err := pk.Sign(digest.Bytes())
		require.NoError(t, err)
		p.Signers = append(p.Signers, ProofSigner{ValidatorId: pk.PublicKey().Bytes(), Signature: sig})
	}
	p.SortSigners()
	return p
}

func TestProofVerify(t *testing.T) {
	digest := Digest{0xaa}
	tests := []struct {
		name    string
		detail  string
		malleus func(p *Proof, vs *ValidatorSet, outsider crypto.PrivateKeyI)
		count   int
		error   bool
	}{
		{
			name:   "threshold",
			detail: "exactly the threshold of distinct valid signers",
			count:  3,
		},
		{
			name:   "all",
			detail: "every validator signed",
			count:  4,
		},
		{
			name:   "below threshold",
			detail: "one signer short",
			count:  2,
			error:  true,
		},
		{
			name:   "wrong epoch",
			detail: "the proof names another validator set",
			count:  3,
			malleus: func(p *Proof, _ *ValidatorSet, _ crypto.PrivateKeyI) {
				p.ValidatorSetId++
			},
			error: true,
		},
		{
			name:   "duplicate",
			detail: "the same signer twice does not count twice",
			count:  3,
			malleus: func(p *Proof, _ *ValidatorSet, _ crypto.PrivateKeyI) {
				p.Signers[2] = p.Signers[1]
			},
			error: true,
		},
		{
			name:   "outsider",
			detail: "a signer outside the set",
			count:  3,
			malleus: func(p *Proof, _ *ValidatorSet, outsider crypto.PrivateKeyI) {
				sig, _ := outsider.Sign(p.Digest.Bytes())
				p.Signers[0] = ProofSigner{ValidatorId: outsider.PublicKey().Bytes(), Signature: sig}
				p.SortSigners()
			},
			error: true,
		},
		{
			name:   "bad signature",
			detail: "a signature over another digest",
			count:  3,
			malleus: func(p *Proof, _ *ValidatorSet, _ crypto.PrivateKeyI) {
				p.Digest = Digest{0xbb}
			},
			error: true,
		},
		{
			name:   "unsorted",
			detail: "signers out of order",
			count:  3,
			malleus: func(p *Proof, _ *ValidatorSet, _ crypto.PrivateKeyI) {
				p.Signers[0], p.Signers[1] = p.Signers[1], p.Signers[0]
			},
			error: true,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			vs, pks := newTestValidators(t, 5, 4)
			outsider, err := crypto.NewETHSECP256K1PrivateKey()
			require.NoError(t, err)
			p := newTestProof(t, vs, pks, digest, test.count)
			if test.malleus != nil {
				test.malleus(p, vs, outsider)
			}
			// execute the function call
			e := p.Verify(vs)
			require.Equal(t, test.error, e != nil, test.detail)
			if test.error {
				require.True(t, IsError(e, MainModule, CodeInvalidProof))
			}
		})
	}
}

func TestProofEncodeDecode(t *testing.T) {
	vs, pks := newTestValidators(t, 1, 4)
	p := newTestProof(t, vs, pks, Digest{1}, 3)
	p.BlockNumber, p.BlockHash = 12, Digest{2}
	// execute the function call
	bz, err := p.Encode()
	require.NoError(t, err)
	got, err := DecodeProof(bz)
	require.NoError(t, err)
	require.Equal(t, p, got)
	require.NoError(t, got.Verify(vs))
}

func TestProofVerifyAggregate(t *testing.T) {
	// build a bls validator set
	var (
		keys [][]byte
		pks  []crypto.PrivateKeyI
	)
	for i := 0; i < 4; i++ {
		pk, err := crypto.NewBLSPrivateKey()
		require.NoError(t, err)
		pks = append(pks, pk)
		keys = append(keys, pk.PublicKey().Bytes())
	}
	vs, err := NewValidatorSet(3, keys, 0)
	require.NoError(t, err)
	require.True(t, vs.IsBLS())
	digest := Digest{0xcc}
	p := newTestProof(t, vs, pks, digest, 3)
	// aggregate the signers over the set order
	mk, err := vs.MultiKey()
	require.NoError(t, err)
	for _, s := range p.Signers {
		_, idx, e := vs.GetValidator(s.ValidatorId)
		require.NoError(t, e)
		require.NoError(t, mk.AddSigner(s.Signature, idx))
	}
	agg, e := mk.AggregateSignatures()
	require.NoError(t, e)
	p.Aggregate = &AggregateSignature{Signature: agg, Bitmap: mk.Bitmap()}
	// execute the function call
	require.NoError(t, p.Verify(vs))
	// a tampered aggregate is rejected
	p.Aggregate.Signature = append([]byte{}, p.Signers[0].Signature...)
	require.Error(t, p.Verify(vs))
}
