package lib

import (
	"fmt"
	"math"
)

type ErrorI interface {
	Code() ErrorCode     // Returns the error code
	Module() ErrorModule // Returns the error module
	error                // Implements the built-in error interface
}

var _ ErrorI = &Error{} // Ensures *Error implements ErrorI

type ErrorCode uint32 // Defines a type for error codes

type ErrorModule string // Defines a type for error modules

type Error struct {
	ECode   ErrorCode   `json:"code"`   // Error code
	EModule ErrorModule `json:"module"` // Error module
	Msg     string      `json:"msg"`    // Error message
}

func NewError(code ErrorCode, module ErrorModule, msg string) *Error {
	// Constructs a new Error instance
	return &Error{ECode: code, EModule: module, Msg: msg}
}

// Code() returns the associated error code
func (p *Error) Code() ErrorCode { return p.ECode }

// Module() returns module field
func (p *Error) Module() ErrorModule { return p.EModule }

// String() calls Error()
func (p *Error) String() string { return p.Error() }

// Error() returns a formatted string including module, code and message
func (p *Error) Error() string {
	return fmt.Sprintf("\nModule:  %s\nCode:    %d\nMessage: %s", p.EModule, p.ECode, p.Msg)
}

// IsError() returns true if err is an ErrorI with the given module and code
func IsError(err error, module ErrorModule, code ErrorCode) bool {
	e, ok := err.(ErrorI)
	if !ok || e == nil {
		return false
	}
	return e.Module() == module && e.Code() == code
}

const (
	NoCode ErrorCode = math.MaxUint32

	// Main Module
	MainModule ErrorModule = "main"

	// Main Module Error Codes
	CodeJSONMarshal       ErrorCode = 1
	CodeJSONUnmarshal     ErrorCode = 2
	CodeUnmarshal         ErrorCode = 3
	CodeMarshal           ErrorCode = 4
	CodeWriteFile         ErrorCode = 5
	CodeReadFile          ErrorCode = 6
	CodeInvalidArgument   ErrorCode = 7
	CodeLog               ErrorCode = 8
	CodeNoValidators      ErrorCode = 9
	CodeInvalidThreshold  ErrorCode = 10
	CodeUnknownEpoch      ErrorCode = 11
	CodeInvalidDigest     ErrorCode = 12
	CodeNilHeader         ErrorCode = 13
	CodeUnknownDigestItem ErrorCode = 14
	CodeInvalidProof      ErrorCode = 15

	// Crypto Module
	CryptoModule ErrorModule = "crypto"

	// Crypto Module Error Codes
	CodeNewPubKeyFromBytes  ErrorCode = 1
	CodeNewPrivKeyFromBytes ErrorCode = 2
	CodeSign                ErrorCode = 3
	CodeAggregateSignatures ErrorCode = 4
	CodeKeystore            ErrorCode = 5

	// Gossip Module (validation errors: dropped with audit logging, never fatal)
	GossipModule ErrorModule = "gossip"

	// Gossip Module Error Codes
	CodeBadSignature  ErrorCode = 1
	CodeNotAValidator ErrorCode = 2
	CodeAlreadySeen   ErrorCode = 3
	CodeMalformed     ErrorCode = 4
	CodeStale         ErrorCode = 5

	// Integrity Module (offending data discarded and flagged)
	IntegrityModule ErrorModule = "integrity"

	// Integrity Module Error Codes
	CodeConflictingMetadata ErrorCode = 1
	CodeDigestMismatch      ErrorCode = 2
	CodeConflictingWitness  ErrorCode = 3

	// Expiry Module
	ExpiryModule ErrorModule = "expiry"

	// Expiry Module Error Codes
	CodeEventExpired  ErrorCode = 1
	CodeEventArchived ErrorCode = 2

	// Aggregator Module
	AggregatorModule ErrorModule = "aggregator"

	// Aggregator Module Error Codes
	CodeUnknownEvent  ErrorCode = 1
	CodeEventTerminal ErrorCode = 2

	// Storage Module
	StorageModule ErrorModule = "storage"

	// Storage Module Error Codes
	CodeOpenDB    ErrorCode = 1
	CodeCloseDB   ErrorCode = 2
	CodeStoreSet  ErrorCode = 3
	CodeStoreGet  ErrorCode = 4
	CodeStoreIter ErrorCode = 5

	// P2P Module
	P2PModule ErrorModule = "p2p"

	// P2P Module Error Codes
	CodeUnknownPeer     ErrorCode = 1
	CodePeerSend        ErrorCode = 2
	CodeInvalidPeerInfo ErrorCode = 3
	CodeNewHost         ErrorCode = 4
	CodeHandlerExists   ErrorCode = 5
	CodeUnknownTopic    ErrorCode = 6

	// Listener Module
	ListenerModule ErrorModule = "listener"

	// Listener Module Error Codes
	CodeSourceHeader ErrorCode = 1
	CodeSourceDial   ErrorCode = 2
	CodeDecodeLog    ErrorCode = 3

	// Broadcaster Module
	BroadcasterModule ErrorModule = "broadcaster"

	// Broadcaster Module Error Codes
	CodePublish      ErrorCode = 1
	CodeSubmitProof  ErrorCode = 2
	CodeABIEncode    ErrorCode = 3
	CodeSubmitStatus ErrorCode = 4

	// Signer Module
	SignerModule ErrorModule = "signer"

	// Signer Module Error Codes
	CodePassive       ErrorCode = 1
	CodeNotActive     ErrorCode = 2
	CodeAlreadySigned ErrorCode = 3
	CodeNotSignable   ErrorCode = 4

	// Controller Module
	ControllerModule ErrorModule = "controller"

	// Controller Module Error Codes
	CodeUnknownSourceKind ErrorCode = 1
	CodePushDisabled      ErrorCode = 2
	CodeNewModule         ErrorCode = 3

	// RPC Module
	RPCModule ErrorModule = "rpc"

	// RPC Module Error Codes
	CodeInvalidParam ErrorCode = 1
	CodeNotFound     ErrorCode = 2
	CodeRPCTimeout   ErrorCode = 3
	CodePostRequest  ErrorCode = 4
	CodeGetRequest   ErrorCode = 5
	CodeHttpStatus   ErrorCode = 6
	CodeReadBody     ErrorCode = 7
)

// MAIN

func ErrJSONMarshal(err error) ErrorI {
	return NewError(CodeJSONMarshal, MainModule, fmt.Sprintf("json.marshal() failed with err: %s", err.Error()))
}

func ErrJSONUnmarshal(err error) ErrorI {
	return NewError(CodeJSONUnmarshal, MainModule, fmt.Sprintf("json.unmarshal() failed with err: %s", err.Error()))
}

func ErrUnmarshal(err error) ErrorI {
	return NewError(CodeUnmarshal, MainModule, fmt.Sprintf("unmarshal() failed with err: %s", err.Error()))
}

func ErrMarshal(err error) ErrorI {
	return NewError(CodeMarshal, MainModule, fmt.Sprintf("marshal() failed with err: %s", err.Error()))
}

func ErrWriteFile(err error) ErrorI {
	return NewError(CodeWriteFile, MainModule, fmt.Sprintf("os.WriteFile() failed with err: %s", err.Error()))
}

func ErrReadFile(err error) ErrorI {
	return NewError(CodeReadFile, MainModule, fmt.Sprintf("os.ReadFile() failed with err: %s", err.Error()))
}

func ErrInvalidArgument() ErrorI {
	return NewError(CodeInvalidArgument, MainModule, "the argument is invalid")
}

func ErrLog(err error) ErrorI {
	return NewError(CodeLog, MainModule, fmt.Sprintf("log.write() failed with err: %s", err.Error()))
}

func ErrNoValidators() ErrorI {
	return NewError(CodeNoValidators, MainModule, "validator set is empty")
}

func ErrInvalidThreshold(threshold uint32, n int) ErrorI {
	return NewError(CodeInvalidThreshold, MainModule, fmt.Sprintf("proof threshold %d is invalid for a set of %d", threshold, n))
}

func ErrUnknownEpoch(epoch uint64) ErrorI {
	return NewError(CodeUnknownEpoch, MainModule, fmt.Sprintf("validator set for epoch %d is unknown", epoch))
}

func ErrInvalidDigest(l int) ErrorI {
	return NewError(CodeInvalidDigest, MainModule, fmt.Sprintf("digest must be %d bytes, got %d", DigestSize, l))
}

func ErrNilHeader() ErrorI {
	return NewError(CodeNilHeader, MainModule, "finalized header is nil")
}

func ErrUnknownDigestItem(kind DigestItemKind) ErrorI {
	return NewError(CodeUnknownDigestItem, MainModule, fmt.Sprintf("unknown digest item kind %d", kind))
}

func ErrInvalidProof(reason string) ErrorI {
	return NewError(CodeInvalidProof, MainModule, "invalid proof: "+reason)
}

// CRYPTO

func ErrNewPublicKeyFromBytes(err error) ErrorI {
	return NewError(CodeNewPubKeyFromBytes, CryptoModule, fmt.Sprintf("newPublicKeyFromBytes() failed with err: %s", err.Error()))
}

func ErrNewPrivateKeyFromBytes(err error) ErrorI {
	return NewError(CodeNewPrivKeyFromBytes, CryptoModule, fmt.Sprintf("newPrivateKeyFromBytes() failed with err: %s", err.Error()))
}

func ErrSign(err error) ErrorI {
	return NewError(CodeSign, CryptoModule, fmt.Sprintf("sign() failed with err: %s", err.Error()))
}

func ErrAggregateSignatures(err error) ErrorI {
	return NewError(CodeAggregateSignatures, CryptoModule, fmt.Sprintf("aggregateSignatures() failed with err: %s", err.Error()))
}

func ErrKeystore(err error) ErrorI {
	return NewError(CodeKeystore, CryptoModule, fmt.Sprintf("keystore failed with err: %s", err.Error()))
}

// GOSSIP

func ErrBadSignature() ErrorI {
	return NewError(CodeBadSignature, GossipModule, "witness signature is invalid")
}

func ErrNotAValidator() ErrorI {
	return NewError(CodeNotAValidator, GossipModule, "witness sender is not a validator")
}

func ErrAlreadySeen() ErrorI {
	return NewError(CodeAlreadySeen, GossipModule, "witness already seen")
}

func ErrMalformed(err error) ErrorI {
	return NewError(CodeMalformed, GossipModule, fmt.Sprintf("witness is malformed: %s", err.Error()))
}

func ErrStale(blockNumber, finalized uint64) ErrorI {
	return NewError(CodeStale, GossipModule, fmt.Sprintf("witness block %d is outside the live window of finalized %d", blockNumber, finalized))
}

// INTEGRITY

func ErrConflictingMetadata(eventId uint64) ErrorI {
	return NewError(CodeConflictingMetadata, IntegrityModule, fmt.Sprintf("conflicting metadata for event %d", eventId))
}

func ErrDigestMismatch(eventId uint64) ErrorI {
	return NewError(CodeDigestMismatch, IntegrityModule, fmt.Sprintf("witness digest does not match metadata for event %d", eventId))
}

func ErrConflictingWitness(eventId uint64, validator string) ErrorI {
	return NewError(CodeConflictingWitness, IntegrityModule, fmt.Sprintf("conflicting witness from %s for event %d", validator, eventId))
}

// EXPIRY

func ErrEventExpired(eventId uint64) ErrorI {
	return NewError(CodeEventExpired, ExpiryModule, fmt.Sprintf("event %d expired unproven", eventId))
}

func ErrEventArchived(eventId uint64) ErrorI {
	return NewError(CodeEventArchived, ExpiryModule, fmt.Sprintf("event %d is archived", eventId))
}
