package p2p

import (
	"fmt"

	"github.com/canopy-network/ethy/lib"
)

func ErrUnknownPeer(peerId string) lib.ErrorI {
	return lib.NewError(lib.CodeUnknownPeer, lib.P2PModule, fmt.Sprintf("unknown peer %s", peerId))
}

func ErrPeerSend(peerId string, err error) lib.ErrorI {
	return lib.NewError(lib.CodePeerSend, lib.P2PModule, fmt.Sprintf("send to peer %s failed with err: %s", peerId, err.Error()))
}

func ErrInvalidPeerInfo(err error) lib.ErrorI {
	return lib.NewError(lib.CodeInvalidPeerInfo, lib.P2PModule, fmt.Sprintf("invalid peer info: %s", err.Error()))
}

func ErrNewHost(err error) lib.ErrorI {
	return lib.NewError(lib.CodeNewHost, lib.P2PModule, fmt.Sprintf("new libp2p host failed with err: %s", err.Error()))
}

func ErrHandlerExists(topic string) lib.ErrorI {
	return lib.NewError(lib.CodeHandlerExists, lib.P2PModule, fmt.Sprintf("handler for topic %s already registered", topic))
}

func ErrUnknownTopic(topic string) lib.ErrorI {
	return lib.NewError(lib.CodeUnknownTopic, lib.P2PModule, fmt.Sprintf("no handler for topic %s", topic))
}
