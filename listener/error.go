package listener

import (
	"errors"
	"fmt"

	"github.com/canopy-network/ethy/lib"
)

func ErrSourceHeader(err error) lib.ErrorI {
	return lib.NewError(lib.CodeSourceHeader, lib.ListenerModule, fmt.Sprintf("source header failed with err: %s", err.Error()))
}

func ErrSourceDial(err error) lib.ErrorI {
	return lib.NewError(lib.CodeSourceDial, lib.ListenerModule, fmt.Sprintf("dial source failed with err: %s", err.Error()))
}

func ErrDecodeLog(err error) lib.ErrorI {
	return lib.NewError(lib.CodeDecodeLog, lib.ListenerModule, fmt.Sprintf("decode bridge log failed with err: %s", err.Error()))
}

func ErrHeaderNotFound(number uint64) lib.ErrorI {
	return lib.NewError(lib.CodeSourceHeader, lib.ListenerModule, fmt.Sprintf("header %d not found", number))
}

var (
	errNoTopic    = errors.New("log has no topic")
	errUnknownLog = errors.New("unknown bridge log")
)
