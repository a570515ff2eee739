package listener

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/canopy-network/ethy/lib"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// BridgeABI declares the logs the bridge contract emits for the gadget
const BridgeABI = `[
	{"type":"event","name":"EventMetadata","anonymous":false,"inputs":[
		{"name":"eventId","type":"uint64","indexed":false},
		{"name":"digest","type":"bytes32","indexed":false},
		{"name":"descriptor","type":"bytes","indexed":false}]},
	{"type":"event","name":"SigningRequest","anonymous":false,"inputs":[
		{"name":"eventId","type":"uint64","indexed":false},
		{"name":"digest","type":"bytes32","indexed":false}]},
	{"type":"event","name":"AuthoritiesChange","anonymous":false,"inputs":[
		{"name":"epoch","type":"uint64","indexed":false},
		{"name":"validators","type":"bytes[]","indexed":false}]}
]`

// EthClient is the subset of the go-ethereum client the source uses
type EthClient interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// EthSource polls an EVM host chain for finalized blocks and turns bridge contract logs into digest items
type EthSource struct {
	client   EthClient
	contract common.Address
	abi      abi.ABI
	chainId  lib.ChainId
	poll     time.Duration
	last     uint64 // the last finalized number returned by Next()
	log      lib.LoggerI
}

// DialEthSource() connects to the configured json rpc endpoint
func DialEthSource(ctx context.Context, config lib.Config, log lib.LoggerI) (*EthSource, lib.ErrorI) {
	client, err := ethclient.DialContext(ctx, config.EthRPCURL)
	if err != nil {
		return nil, ErrSourceDial(err)
	}
	return NewEthSource(client, config, log)
}

// NewEthSource() creates a source over an existing client
func NewEthSource(client EthClient, config lib.Config, log lib.LoggerI) (*EthSource, lib.ErrorI) {
	parsed, err := abi.JSON(strings.NewReader(BridgeABI))
	if err != nil {
		return nil, ErrDecodeLog(err)
	}
	poll := time.Duration(config.PollMS) * time.Millisecond
	if poll <= 0 {
		poll = time.Second
	}
	return &EthSource{
		client:   client,
		contract: common.HexToAddress(config.BridgeContract),
		abi:      parsed,
		chainId:  config.ChainId,
		poll:     poll,
		log:      log,
	}, nil
}

// Next() polls the finalized tag until it moves past the last returned block
func (s *EthSource) Next(ctx context.Context) (*lib.FinalizedHeader, lib.ErrorI) {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		header, err := s.client.HeaderByNumber(ctx, big.NewInt(int64(rpc.FinalizedBlockNumber)))
		switch {
		case err != nil:
			s.log.Warnf("failed to get the finalized header: %s", err.Error())
		case header.Number.Uint64() > s.last:
			h, e := s.headerWithLogs(ctx, header)
			if e != nil {
				s.log.Warn(e.Error())
				break
			}
			s.last = h.Number
			return h, nil
		}
		select {
		case <-ctx.Done():
			return nil, ErrSourceHeader(ctx.Err())
		case <-ticker.C:
		}
	}
}

// HeaderByNumber() implements Source
func (s *EthSource) HeaderByNumber(ctx context.Context, number uint64) (*lib.FinalizedHeader, lib.ErrorI) {
	header, err := s.client.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return nil, ErrSourceHeader(err)
	}
	return s.headerWithLogs(ctx, header)
}

// headerWithLogs() collects the bridge logs of the block into a finalized header
func (s *EthSource) headerWithLogs(ctx context.Context, header *types.Header) (*lib.FinalizedHeader, lib.ErrorI) {
	hash := header.Hash()
	logs, err := s.client.FilterLogs(ctx, ethereum.FilterQuery{
		BlockHash: &hash,
		Addresses: []common.Address{s.contract},
	})
	if err != nil {
		return nil, ErrSourceHeader(err)
	}
	h := &lib.FinalizedHeader{Number: header.Number.Uint64(), Hash: lib.Digest(hash)}
	for i := range logs {
		item, e := s.decode(&logs[i])
		if e != nil {
			s.log.Warnf("skipping log %d of block %d: %s", logs[i].Index, h.Number, e.Error())
			continue
		}
		h.Items = append(h.Items, *item)
	}
	return h, nil
}

// decode() converts one bridge contract log into a digest item
func (s *EthSource) decode(l *types.Log) (*lib.DigestItem, lib.ErrorI) {
	if len(l.Topics) == 0 {
		return nil, ErrDecodeLog(errNoTopic)
	}
	event, err := s.abi.EventByID(l.Topics[0])
	if err != nil {
		return nil, ErrDecodeLog(err)
	}
	values, err := event.Inputs.Unpack(l.Data)
	if err != nil {
		return nil, ErrDecodeLog(err)
	}
	var item *lib.DigestItem
	switch event.Name {
	case "EventMetadata":
		item = &lib.DigestItem{Kind: lib.ItemEventMetadata, Metadata: &lib.EventMetadata{
			EventId:    values[0].(uint64),
			ChainId:    s.chainId,
			Digest:     values[1].([32]byte),
			Descriptor: values[2].([]byte),
		}}
	case "SigningRequest":
		item = &lib.DigestItem{Kind: lib.ItemSigningRequest, Request: &lib.SigningRequest{
			EventId: values[0].(uint64),
			ChainId: s.chainId,
			Digest:  values[1].([32]byte),
		}}
	case "AuthoritiesChange":
		change := &lib.AuthoritiesChange{Epoch: values[0].(uint64)}
		for _, v := range values[1].([][]byte) {
			change.Validators = append(change.Validators, v)
		}
		item = &lib.DigestItem{Kind: lib.ItemAuthoritiesChange, Authorities: change}
	default:
		return nil, ErrDecodeLog(errUnknownLog)
	}
	if e := item.Check(); e != nil {
		return nil, e
	}
	return item, nil
}
