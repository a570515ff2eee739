package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBLSAggregate(t *testing.T) {
	// generate a digest to test with
	digest := Hash([]byte("bridge event 42"))
	// create three bls private keys
	var keys []*BLS12381PrivateKey
	for i := 0; i < 3; i++ {
		k, err := NewBLSPrivateKey()
		require.NoError(t, err)
		keys = append(keys, k)
	}
	// organize the public keys in a list
	publicKeys := [][]byte{keys[0].PublicKey().Bytes(), keys[1].PublicKey().Bytes(), keys[2].PublicKey().Bytes()}
	// generate a new multi-public key from that list
	multiKey, err := NewMultiBLS(publicKeys, nil)
	require.NoError(t, err)
	// sign with the first and third keys
	k1Sig, err := keys[0].Sign(digest)
	require.NoError(t, err)
	k3Sig, err := keys[2].Sign(digest)
	require.NoError(t, err)
	require.Len(t, k1Sig, BLS12381SignatureSize)
	// update the bitmap with those who signed and their respective indices
	require.NoError(t, multiKey.AddSigner(k1Sig, 0))
	require.NoError(t, multiKey.AddSigner(k3Sig, 2))
	// an out of range index is rejected
	require.Error(t, multiKey.AddSigner(k3Sig, 3))
	// ensure the bitmap reflects the signers
	for i, expected := range []bool{true, false, true} {
		enabled, e := multiKey.SignerEnabledAt(i)
		require.NoError(t, e)
		require.Equal(t, expected, enabled)
	}
	// aggregate the signature
	sig, err := multiKey.AggregateSignatures()
	require.NoError(t, err)
	require.True(t, multiKey.VerifyBytes(digest, sig))
	// the aggregate does not verify a different digest
	require.False(t, multiKey.VerifyBytes(Hash([]byte("other")), sig))
	// a copy with the bitmap restored verifies the aggregate
	restored, err := NewMultiBLS(publicKeys, multiKey.Bitmap())
	require.NoError(t, err)
	require.True(t, restored.VerifyBytes(digest, sig))
}

func TestBLSKeyBytes(t *testing.T) {
	k1, err := NewBLSPrivateKey()
	require.NoError(t, err)
	// private key round trip
	k2, err := NewBLSPrivateKeyFromBytes(k1.Bytes())
	require.NoError(t, err)
	require.True(t, k1.Equals(k2))
	// public key round trip
	pub, err := NewBLSPublicKeyFromBytes(k1.PublicKey().Bytes())
	require.NoError(t, err)
	require.Len(t, pub.Bytes(), BLS12381PubKeySize)
	require.True(t, pub.Equals(k1.PublicKey()))
	// sign and verify
	sig, err := k2.Sign([]byte("msg"))
	require.NoError(t, err)
	require.True(t, pub.VerifyBytes([]byte("msg"), sig))
	require.False(t, pub.VerifyBytes([]byte("msg2"), sig))
}
