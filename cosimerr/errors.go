// Package cosimerr holds the error kinds the orchestrator raises (§7):
// ConfigurationError for scenario/init-time problems, RuntimeError for
// problems discovered once the run is underway, and SimulationError,
// which aggregates every destination a step's output failed to reach.
// Each carries the originating simulator id and a short cause string, and
// wraps an inner error when one caused it.
package cosimerr

import (
	"fmt"
	"strings"
)

// ConfigurationError is raised during scenario construction or proxy
// init: unknown simulator, malformed metadata, unsupported/mismatched API
// version, duplicate model/method names, cyclic strict dependency,
// non-existent connection attributes, cross-type mixing, attribute-
// partition violations (§7).
type ConfigurationError struct {
	Sid   string // "" if not specific to one simulator
	Cause string
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.Sid != "" {
		return fmt.Sprintf("configuration error (sid=%s): %s", e.Sid, e.Cause)
	}
	return fmt.Sprintf("configuration error: %s", e.Cause)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// RuntimeError is raised once the run is underway: connection loss,
// non-serializable output, same-time-loop bound exceeded, real-time
// overrun under strict mode, invalid step() return, an unauthorized
// set_data/set_event push (§7).
type RuntimeError struct {
	Sid   string
	Cause string
	Err   error
}

func (e *RuntimeError) Error() string {
	if e.Sid != "" {
		return fmt.Sprintf("runtime error (sid=%s): %s", e.Sid, e.Cause)
	}
	return fmt.Sprintf("runtime error: %s", e.Cause)
}

func (e *RuntimeError) Unwrap() error { return e.Err }

// SimulationErrorDetail names one destination that didn't receive a
// get_data output because the source value couldn't be serialized
// (§4.1, §7).
type SimulationErrorDetail struct {
	DestSid  string
	DestEid  string
	DestAttr string
	Src      string
}

// SimulationError aggregates every destination a step's get_data output
// failed to reach because the source value was not JSON-serializable
// (§4.1, §7): one publish() call can fan out to many destinations, so
// the run reports every affected (dest_eid, dest_attr, src) rather than
// failing on the first.
type SimulationError struct {
	Sid     string
	Cause   string
	Details []SimulationErrorDetail
	Err     error
}

func (e *SimulationError) Error() string {
	parts := make([]string, 0, len(e.Details))
	for _, d := range e.Details {
		parts = append(parts, fmt.Sprintf("%s.%s<-%s (via %s)", d.DestSid, d.DestEid, d.Src, d.DestAttr))
	}
	return fmt.Sprintf("simulation error (sid=%s): %s: %s", e.Sid, e.Cause, strings.Join(parts, ", "))
}

func (e *SimulationError) Unwrap() error { return e.Err }
