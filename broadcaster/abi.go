package broadcaster

import (
	"github.com/canopy-network/ethy/lib"
	"github.com/ethereum/go-ethereum/accounts/abi"
)

// proofArguments is the ABI tuple the foreign verifier decodes:
// (uint64 eventId, bytes32 digest, uint64 validatorSetId, bytes[] validators, bytes[] signatures, uint64 blockNumber, bytes32 blockHash)
var proofArguments = abi.Arguments{
	{Name: "eventId", Type: mustType("uint64")},
	{Name: "digest", Type: mustType("bytes32")},
	{Name: "validatorSetId", Type: mustType("uint64")},
	{Name: "validators", Type: mustType("bytes[]")},
	{Name: "signatures", Type: mustType("bytes[]")},
	{Name: "blockNumber", Type: mustType("uint64")},
	{Name: "blockHash", Type: mustType("bytes32")},
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// EncodeProofABI() packs the proof for the foreign chain verifier
func EncodeProofABI(p *lib.Proof) ([]byte, lib.ErrorI) {
	validators, signatures := make([][]byte, len(p.Signers)), make([][]byte, len(p.Signers))
	for i, s := range p.Signers {
		validators[i], signatures[i] = s.ValidatorId, s.Signature
	}
	bz, err := proofArguments.Pack(p.EventId, [32]byte(p.Digest), p.ValidatorSetId, validators, signatures,
		p.BlockNumber, [32]byte(p.BlockHash))
	if err != nil {
		return nil, ErrABIEncode(err)
	}
	return bz, nil
}

// DecodeProofABI() unpacks a payload produced by EncodeProofABI()
func DecodeProofABI(bz []byte) (*lib.Proof, lib.ErrorI) {
	values, err := proofArguments.Unpack(bz)
	if err != nil {
		return nil, ErrABIEncode(err)
	}
	p := &lib.Proof{
		EventId:        values[0].(uint64),
		Digest:         values[1].([32]byte),
		ValidatorSetId: values[2].(uint64),
		BlockNumber:    values[5].(uint64),
		BlockHash:      values[6].([32]byte),
	}
	validators, signatures := values[3].([][]byte), values[4].([][]byte)
	for i := range validators {
		p.Signers = append(p.Signers, lib.ProofSigner{ValidatorId: validators[i], Signature: signatures[i]})
	}
	return p, nil
}
