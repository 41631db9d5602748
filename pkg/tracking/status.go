package tracking

import (
	"errors"
	"fmt"

	"github.com/menta2k/avatar-studio/pkg/types"
)

var (
	ErrAlreadyRunning    = errors.New("tracking already running")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInterrupted       = errors.New("tracking stopped during initialization")
)

// transitions lists the allowed edges. Error and idle are reachable from
// everywhere; leaving error requires an explicit restart.
var transitions = map[types.Status][]types.Status{
	types.StatusIdle:         {types.StatusInitializing, types.StatusError},
	types.StatusInitializing: {types.StatusTracking, types.StatusError, types.StatusIdle},
	types.StatusTracking:     {types.StatusNoFace, types.StatusError, types.StatusIdle},
	types.StatusNoFace:       {types.StatusTracking, types.StatusError, types.StatusIdle},
	types.StatusError:        {types.StatusInitializing, types.StatusIdle},
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to types.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to types.Status) error {
	if from == to || CanTransition(from, to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
