package p2p

import (
	"fmt"
	"strings"
	"sync"

	"github.com/canopy-network/ethy/lib"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// PeerSet is the structure that maintains the addresses of the gossip peers
type PeerSet struct {
	m            map[string]peer.AddrInfo // peer id -> addresses
	sync.RWMutex                          // read / write mutex
}

// NewPeerSet() creates an empty peer set
func NewPeerSet() PeerSet { return PeerSet{m: make(map[string]peer.AddrInfo)} }

// Add() introduces or replaces a peer from its id and multiaddrs
func (ps *PeerSet) Add(peerId string, addrs []string) (peer.AddrInfo, lib.ErrorI) {
	if peerId == "" || len(addrs) == 0 {
		return peer.AddrInfo{}, ErrInvalidPeerInfo(fmt.Errorf("peer id and addresses are required"))
	}
	id, err := peer.Decode(peerId)
	if err != nil {
		return peer.AddrInfo{}, ErrInvalidPeerInfo(err)
	}
	multiaddrs, err := normalizeAddrs(addrs, id)
	if err != nil {
		return peer.AddrInfo{}, ErrInvalidPeerInfo(err)
	}
	info := peer.AddrInfo{ID: id, Addrs: multiaddrs}
	ps.Lock()
	defer ps.Unlock()
	ps.m[id.String()] = info
	return info, nil
}

// Remove() drops a peer
func (ps *PeerSet) Remove(peerId string) {
	ps.Lock()
	defer ps.Unlock()
	delete(ps.m, peerId)
}

// Get() returns the addresses of a peer
func (ps *PeerSet) Get(peerId string) (peer.AddrInfo, lib.ErrorI) {
	ps.RLock()
	defer ps.RUnlock()
	info, found := ps.m[peerId]
	if !found {
		return peer.AddrInfo{}, ErrUnknownPeer(peerId)
	}
	return info, nil
}

// List() returns every peer
func (ps *PeerSet) List() (infos []peer.AddrInfo) {
	ps.RLock()
	defer ps.RUnlock()
	for _, info := range ps.m {
		infos = append(infos, info)
	}
	return
}

// Len() returns the number of peers
func (ps *PeerSet) Len() int {
	ps.RLock()
	defer ps.RUnlock()
	return len(ps.m)
}

// normalizeAddrs() parses multiaddrs, stripping a /p2p component that must match the expected peer
func normalizeAddrs(raw []string, expected peer.ID) ([]ma.Multiaddr, error) {
	var results []ma.Multiaddr
	for _, addr := range raw {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		maddr, err := ma.NewMultiaddr(addr)
		if err != nil {
			return nil, err
		}
		if _, e := maddr.ValueForProtocol(ma.P_P2P); e == nil {
			info, er := peer.AddrInfoFromP2pAddr(maddr)
			if er != nil {
				return nil, er
			}
			if info.ID != expected {
				return nil, fmt.Errorf("multiaddr peer mismatch: expected %s got %s", expected, info.ID)
			}
			results = append(results, info.Addrs...)
			continue
		}
		results = append(results, maddr)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("no usable addresses provided")
	}
	return results, nil
}
