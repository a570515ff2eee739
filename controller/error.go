package controller

import (
	"fmt"

	"github.com/canopy-network/ethy/lib"
)

func ErrUnknownSourceKind(kind string) lib.ErrorI {
	return lib.NewError(lib.CodeUnknownSourceKind, lib.ControllerModule, fmt.Sprintf("unknown header source kind %q", kind))
}

func ErrPushDisabled() lib.ErrorI {
	return lib.NewError(lib.CodePushDisabled, lib.ControllerModule, "headers can't be pushed to a non-push source")
}

func ErrNewModule(name string, err error) lib.ErrorI {
	return lib.NewError(lib.CodeNewModule, lib.ControllerModule, fmt.Sprintf("failed to create %s with err: %s", name, err.Error()))
}
