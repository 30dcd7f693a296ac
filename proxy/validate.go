package proxy

import (
	"fmt"

	"github.com/cosim-go/cosim/cosimerr"
)

// ValidateCreateResult rejects descriptors whose outer count differs from
// num or whose type differs from model (§4.1 create contract). Children
// may use any declared model type, so only the outer list is checked.
func ValidateCreateResult(sid string, num int, model string, got []EntityDescriptor) error {
	if len(got) != num {
		return &cosimerr.ConfigurationError{Sid: sid, Cause: fmt.Sprintf("create(%d, %q) returned %d entities", num, model, len(got))}
	}
	for _, e := range got {
		if e.Type != model {
			return &cosimerr.ConfigurationError{Sid: sid, Cause: fmt.Sprintf("create(%d, %q) returned an entity of type %q", num, model, e.Type)}
		}
	}
	return nil
}

// ValidateStepResult enforces §4.1's step() return constraints: if not
// nil, it must be strictly greater than time, and (when the simulator is
// strictly self-stepping, i.e. has no predecessors to gate it) no greater
// than maxAdvance.
func ValidateStepResult(sid string, time int64, maxAdvance int64, strictlySelfStepping bool, next *int64) error {
	if next == nil {
		return nil
	}
	if *next <= time {
		return &cosimerr.RuntimeError{Sid: sid, Cause: fmt.Sprintf("step() returned next_step %d, not strictly greater than current time %d", *next, time)}
	}
	if strictlySelfStepping && *next > maxAdvance {
		return &cosimerr.RuntimeError{Sid: sid, Cause: fmt.Sprintf("step() returned next_step %d exceeding max_advance %d for a strictly self-stepping simulator", *next, maxAdvance)}
	}
	return nil
}
