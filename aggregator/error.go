package aggregator

import (
	"fmt"

	"github.com/canopy-network/ethy/lib"
)

func ErrUnknownEvent(eventId uint64) lib.ErrorI {
	return lib.NewError(lib.CodeUnknownEvent, lib.AggregatorModule, fmt.Sprintf("event %d is unknown", eventId))
}

func ErrEventTerminal(eventId uint64) lib.ErrorI {
	return lib.NewError(lib.CodeEventTerminal, lib.AggregatorModule, fmt.Sprintf("event %d already has a proof", eventId))
}
