package lib

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alecthomas/units"
)

/* This file implements logic for 'user controlled' configurations of each module of the gadget */

const (
	// FILE NAMES in the 'data directory'
	ConfigFilePath = "config.json" // the file path for the gadget configuration
)

// Config is the structure of the user configuration options for an ethy gadget
type Config struct {
	MainConfig      // main options spanning over all modules
	GadgetConfig    // witness aggregation and expiry options
	GenesisConfig   // the initial validator set
	BroadcastConfig // rebroadcast and proof submission options
	P2PConfig       // peer-to-peer options
	SourceConfig    // finalized header source options
	RPCConfig       // query server options
	StoreConfig     // persistence options
	MetricsConfig   // telemetry options
}

// DefaultConfig() returns a Config with developer set options
func DefaultConfig() Config {
	return Config{
		MainConfig:      DefaultMainConfig(),
		GadgetConfig:    DefaultGadgetConfig(),
		GenesisConfig:   DefaultGenesisConfig(),
		BroadcastConfig: DefaultBroadcastConfig(),
		P2PConfig:       DefaultP2PConfig(),
		SourceConfig:    DefaultSourceConfig(),
		RPCConfig:       DefaultRPCConfig(),
		StoreConfig:     DefaultStoreConfig(),
		MetricsConfig:   DefaultMetricsConfig(),
	}
}

// MAIN CONFIG BELOW

type MainConfig struct {
	LogLevel    string  `json:"logLevel"`    // any level includes the levels above it: debug < info < warning < error
	ChainId     ChainId `json:"chainId"`     // the foreign chain proofs are produced for
	Passive     bool    `json:"passive"`     // a passive node validates and aggregates but never signs
	KeyNickname string  `json:"keyNickname"` // the keystore entry (address or nickname) holding the signing key
}

// DefaultMainConfig() sets log level to 'info'
func DefaultMainConfig() MainConfig {
	return MainConfig{
		LogLevel:    "info",        // everything but debug is the default
		ChainId:     ChainEthereum, // attest for ethereum by default
		Passive:     false,         // sign when a key is present
		KeyNickname: "validator",   // the default keystore nickname
	}
}

// GetLogLevel() parses the log string in the config file into a LogLevel Enum
func (m *MainConfig) GetLogLevel() int32 {
	switch {
	case strings.Contains(strings.ToLower(m.LogLevel), "deb"):
		return DebugLevel
	case strings.Contains(strings.ToLower(m.LogLevel), "inf"):
		return InfoLevel
	case strings.Contains(strings.ToLower(m.LogLevel), "war"):
		return WarnLevel
	case strings.Contains(strings.ToLower(m.LogLevel), "err"):
		return ErrorLevel
	default:
		return DebugLevel
	}
}

// GADGET CONFIG BELOW

// GadgetConfig is the configuration of the witness collection engine
type GadgetConfig struct {
	MaxWaitS               uint64 `json:"maxWaitS"`               // seconds an event may stay unproven before it is archived
	SweepIntervalMS        uint64 `json:"sweepIntervalMS"`        // how often the expiry sweeper runs
	ResurrectArchived      bool   `json:"resurrectArchived"`      // allow late metadata/witnesses to restart an event archived unproven
	PendingBufferCap       int    `json:"pendingBufferCap"`       // per event buffer cap, 0 = the active validator set size
	LiveWindowBlocks       uint64 `json:"liveWindowBlocks"`       // witnesses older than finalized - window are stale
	CompleteEventCacheSize int    `json:"completeEventCacheSize"` // how many completed events the gossip validator remembers
	ArchivedCacheSize      int    `json:"archivedCacheSize"`      // how many archived events the aggregator remembers
	SignedCacheSize        int    `json:"signedCacheSize"`        // how many locally signed events the signer remembers
	EpochHistory           int    `json:"epochHistory"`           // how many validator set epochs are kept
	ShardCount             int    `json:"shardCount"`             // the number of aggregator lock shards
}

// DefaultGadgetConfig() returns the developer recommended gadget configuration
func DefaultGadgetConfig() GadgetConfig {
	return GadgetConfig{
		MaxWaitS:               30 * 60, // 30 minutes
		SweepIntervalMS:        10 * 1000,
		ResurrectArchived:      false,
		PendingBufferCap:       0,    // size of the active set
		LiveWindowBlocks:       90,   // about 6 minutes of 4 second blocks, at least one rebroadcast
		CompleteEventCacheSize: 500,  // completed events tracked by gossip
		ArchivedCacheSize:      5000, // tombstones for late witnesses
		SignedCacheSize:        5000, // local signatures tracked by the signer
		EpochHistory:           8,    // validator sets kept for pinned epochs
		ShardCount:             64,   // aggregator lock shards
	}
}

// MaxWait() returns the expiry duration
func (g GadgetConfig) MaxWait() time.Duration { return time.Duration(g.MaxWaitS) * time.Second }

// SweepInterval() returns the expiry sweep period
func (g GadgetConfig) SweepInterval() time.Duration {
	return time.Duration(g.SweepIntervalMS) * time.Millisecond
}

// GENESIS CONFIG BELOW

// GenesisConfig is the validator set the gadget starts with before any authorities change is finalized
type GenesisConfig struct {
	GenesisEpoch      uint64   `json:"genesisEpoch"`      // the validator set id of the genesis set
	GenesisValidators []string `json:"genesisValidators"` // hex encoded public keys in order
	ProofThreshold    uint32   `json:"proofThreshold"`    // optional threshold override, 0 = floor(2/3n)+1
}

// DefaultGenesisConfig() returns an empty genesis, validators are expected from the config file or the chain
func DefaultGenesisConfig() GenesisConfig { return GenesisConfig{} }

// ValidatorSet() decodes the genesis validator set
func (g GenesisConfig) ValidatorSet() (*ValidatorSet, ErrorI) {
	var keys [][]byte
	for _, s := range g.GenesisValidators {
		bz, err := NewHexBytesFromString(s)
		if err != nil {
			return nil, err
		}
		keys = append(keys, bz)
	}
	return NewValidatorSet(g.GenesisEpoch, keys, g.ProofThreshold)
}

// BROADCAST CONFIG BELOW

// BroadcastConfig is the configuration of witness rebroadcast and proof submission
type BroadcastConfig struct {
	RebroadcastInitialMS uint64 `json:"rebroadcastInitialMS"` // first rebroadcast delay of a local witness
	RebroadcastMaxMS     uint64 `json:"rebroadcastMaxMS"`     // maximum rebroadcast delay
	RebroadcastRetries   uint64 `json:"rebroadcastRetries"`   // rebroadcasts before giving up on an event
	SubmitURL            string `json:"submitURL"`            // relayer endpoint proofs are POSTed to, empty = gossip only
	SubmitTimeoutS       int    `json:"submitTimeoutS"`       // http timeout of a submission
	SubmitRetries        uint64 `json:"submitRetries"`        // submission attempts before giving up
	DrainTimeoutMS       uint64 `json:"drainTimeoutMS"`       // how long shutdown waits for in-flight proof deliveries
}

// DefaultBroadcastConfig() returns the developer recommended broadcast configuration
func DefaultBroadcastConfig() BroadcastConfig {
	return BroadcastConfig{
		RebroadcastInitialMS: 3 * 60 * 1000, // rebroadcast after 3 minutes
		RebroadcastMaxMS:     12 * 60 * 1000,
		RebroadcastRetries:   5,
		SubmitURL:            "",
		SubmitTimeoutS:       5,
		SubmitRetries:        5,
		DrainTimeoutMS:       30 * 1000,
	}
}

// P2P CONFIG BELOW

// PeerConfig is a statically configured peer
type PeerConfig struct {
	PeerId string   `json:"peerId"` // the libp2p peer id
	Addrs  []string `json:"addrs"`  // multiaddrs of the peer
}

// P2PConfig defines peering configuration parameters
type P2PConfig struct {
	ListenAddrs      []string     `json:"listenAddrs"`      // multiaddrs to listen on
	Peers            []PeerConfig `json:"peers"`            // the gossip peers
	ProtocolId       string       `json:"protocolId"`       // the libp2p stream protocol
	PrivateKeyBase64 string       `json:"privateKeyBase64"` // libp2p identity, generated when empty
	DialTimeoutMS    uint64       `json:"dialTimeoutMS"`    // connect and stream open timeout
	IOTimeoutMS      uint64       `json:"ioTimeoutMS"`      // read and write deadline
	MaxMessageBytes  uint64       `json:"maxMessageBytes"`  // largest accepted frame
}

// DefaultP2PConfig() returns the default P2PConfig
func DefaultP2PConfig() P2PConfig {
	return P2PConfig{
		ListenAddrs:     []string{"/ip4/0.0.0.0/tcp/30333"},
		ProtocolId:      "/ethy/1",
		DialTimeoutMS:   5000,
		IOTimeoutMS:     10000,
		MaxMessageBytes: uint64(units.MiB), // 1 MiB max frame
	}
}

// SOURCE CONFIG BELOW

const (
	SourcePush = "push" // headers are pushed through the admin rpc
	SourceEth  = "eth"  // headers are polled from an EVM host chain
)

// SourceConfig selects where finalized headers come from
type SourceConfig struct {
	Kind           string `json:"kind"`           // push or eth
	EthRPCURL      string `json:"ethRPCURL"`      // json rpc of the EVM host chain
	BridgeContract string `json:"bridgeContract"` // address emitting the bridge logs
	PollMS         uint64 `json:"pollMS"`         // how often the finalized tag is polled
	StartBlock     uint64 `json:"startBlock"`     // first block when no progress is stored
	BufferSize     int    `json:"bufferSize"`     // header channel capacity
}

// DefaultSourceConfig() returns the default source configuration
func DefaultSourceConfig() SourceConfig {
	return SourceConfig{
		Kind:       SourcePush,
		EthRPCURL:  "http://localhost:8545",
		PollMS:     4000,
		BufferSize: 128,
	}
}

// RPC CONFIG BELOW

type RPCConfig struct {
	RPCPort  string `json:"rpcPort"`  // the port where the query server is hosted
	TimeoutS int    `json:"timeoutS"` // the rpc request timeout in seconds
	MaxConns int    `json:"maxConns"` // the maximum simultaneous connections
}

// DefaultRPCConfig() returns the default query server configuration
func DefaultRPCConfig() RPCConfig {
	return RPCConfig{
		RPCPort:  "50832",
		TimeoutS: 3,
		MaxConns: 256,
	}
}

// STORE CONFIG BELOW

// StoreConfig is user configurations for the key value database
type StoreConfig struct {
	DataDirPath string `json:"dataDirPath"` // path of the designated folder where the application stores its data
	DBName      string `json:"dbName"`      // name of the database
	InMemory    bool   `json:"inMemory"`    // non-disk database, only for testing
}

// DefaultDataDirPath() is $USERHOME/.ethy
func DefaultDataDirPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	return filepath.Join(home, ".ethy")
}

// DefaultStoreConfig() returns the developer recommended store configuration
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		DataDirPath: DefaultDataDirPath(),
		DBName:      "ethy",
		InMemory:    false,
	}
}

// MetricsConfig represents the configuration for the metrics server
type MetricsConfig struct {
	Enabled           bool   `json:"enabled"`           // if the metrics are enabled
	PrometheusAddress string `json:"prometheusAddress"` // the address of the server
}

// DefaultMetricsConfig() returns the default metrics configuration
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:           true,
		PrometheusAddress: "0.0.0.0:9615",
	}
}

// WriteToFile() saves the Config object to a JSON file
func (c Config) WriteToFile(filepath string) error {
	jsonBytes, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath, jsonBytes, os.ModePerm)
}

// NewConfigFromFile() populates a Config object from a JSON file, the defaults fill in any blanks
func NewConfigFromFile(filepath string) (Config, error) {
	fileBytes, err := os.ReadFile(filepath)
	if err != nil {
		return Config{}, err
	}
	c := DefaultConfig()
	if err = json.Unmarshal(fileBytes, &c); err != nil {
		return Config{}, err
	}
	return c, nil
}
