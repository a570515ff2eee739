package broadcaster

import (
	"fmt"

	"github.com/canopy-network/ethy/lib"
)

func ErrPublish(topic string, err error) lib.ErrorI {
	return lib.NewError(lib.CodePublish, lib.BroadcasterModule, fmt.Sprintf("publish on %s failed with err: %s", topic, err.Error()))
}

func ErrSubmitProof(err error) lib.ErrorI {
	return lib.NewError(lib.CodeSubmitProof, lib.BroadcasterModule, fmt.Sprintf("submit proof failed with err: %s", err.Error()))
}

func ErrABIEncode(err error) lib.ErrorI {
	return lib.NewError(lib.CodeABIEncode, lib.BroadcasterModule, fmt.Sprintf("abi encode failed with err: %s", err.Error()))
}

func ErrSubmitStatus(status int) lib.ErrorI {
	return lib.NewError(lib.CodeSubmitStatus, lib.BroadcasterModule, fmt.Sprintf("relayer responded with status %d", status))
}
