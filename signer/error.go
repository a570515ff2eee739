package signer

import (
	"fmt"

	"github.com/canopy-network/ethy/lib"
)

func ErrPassive() lib.ErrorI {
	return lib.NewError(lib.CodePassive, lib.SignerModule, "node is passive and does not sign")
}

func ErrNotActive(epoch uint64) lib.ErrorI {
	return lib.NewError(lib.CodeNotActive, lib.SignerModule, fmt.Sprintf("local key is not a validator at epoch %d", epoch))
}

func ErrAlreadySigned(eventId uint64) lib.ErrorI {
	return lib.NewError(lib.CodeAlreadySigned, lib.SignerModule, fmt.Sprintf("event %d was already signed", eventId))
}

func ErrNotSignable(eventId uint64, status lib.EventStatus) lib.ErrorI {
	return lib.NewError(lib.CodeNotSignable, lib.SignerModule, fmt.Sprintf("event %d is not signable in status %s", eventId, status))
}
