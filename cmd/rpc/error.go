package rpc

import (
	"fmt"

	"github.com/canopy-network/ethy/lib"
)

func ErrServerTimeout() lib.ErrorI {
	return lib.NewError(lib.CodeRPCTimeout, lib.RPCModule, "server timeout")
}

func ErrInvalidParam(name string, err error) lib.ErrorI {
	return lib.NewError(lib.CodeInvalidParam, lib.RPCModule, fmt.Sprintf("invalid param %s: %s", name, err.Error()))
}

func ErrNotFound(what string, eventId uint64) lib.ErrorI {
	return lib.NewError(lib.CodeNotFound, lib.RPCModule, fmt.Sprintf("%s for event %d not found", what, eventId))
}

func ErrPostRequest(err error) lib.ErrorI {
	return lib.NewError(lib.CodePostRequest, lib.RPCModule, fmt.Sprintf("http.Post() failed with err: %s", err.Error()))
}

func ErrGetRequest(err error) lib.ErrorI {
	return lib.NewError(lib.CodeGetRequest, lib.RPCModule, fmt.Sprintf("http.Get() failed with err: %s", err.Error()))
}

func ErrHttpStatus(status string, statusCode int, body []byte) lib.ErrorI {
	return lib.NewError(lib.CodeHttpStatus, lib.RPCModule, fmt.Sprintf("http response bad status %s with code %d and body %s", status, statusCode, body))
}

func ErrReadBody(err error) lib.ErrorI {
	return lib.NewError(lib.CodeReadBody, lib.RPCModule, fmt.Sprintf("io.ReadAll(http.ResponseBody) failed with err: %s", err.Error()))
}
