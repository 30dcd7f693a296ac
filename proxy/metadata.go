package proxy

import (
	"fmt"

	"github.com/cosim-go/cosim/cosimerr"
	"github.com/cosim-go/cosim/graph"
)

// reserved method names overlap with which model names and extra methods
// are rejected (§4.1 init contract).
var reservedMethods = map[string]struct{}{
	"init": {}, "create": {}, "setup_done": {}, "step": {}, "get_data": {}, "stop": {},
}

// APIVersion is the MAJOR.MINOR pair a simulator declares in its init
// metadata (§6).
type APIVersion struct {
	Major, Minor int
}

func (v APIVersion) String() string { return fmt.Sprintf("%d.%d", v.Major, v.Minor) }

// Metadata is the object returned from init (§6).
type Metadata struct {
	APIVersion    APIVersion
	Type          graph.SimType
	Models        map[string]graph.ModelSpec
	ExtraMethods  []string
	typeWasOmitted bool // not set or read anywhere in this module
}

// ValidateMetadata applies §4.1's init() failure conditions and §6's
// partition rules. declaredVersion is what the caller explicitly asked
// for (""  if unspecified); current is the orchestrator's own protocol
// version ceiling.
func ValidateMetadata(meta *Metadata, declaredVersion string, current APIVersion) error {
	if declaredVersion != "" {
		var want APIVersion
		if _, err := fmt.Sscanf(declaredVersion, "%d.%d", &want.Major, &want.Minor); err != nil {
			return &cosimerr.ConfigurationError{Cause: fmt.Sprintf("malformed declared version %q", declaredVersion)}
		}
		if meta.APIVersion != want {
			return &cosimerr.ConfigurationError{Cause: fmt.Sprintf("simulator declared api_version %s but scenario expected %s", meta.APIVersion, want)}
		}
	}
	if meta.APIVersion.Major != current.Major {
		return &cosimerr.ConfigurationError{Cause: fmt.Sprintf("simulator api_version %s has a different major version than orchestrator %s", meta.APIVersion, current)}
	}
	if meta.APIVersion.Minor > current.Minor {
		return &cosimerr.ConfigurationError{Cause: fmt.Sprintf("simulator api_version %s is newer than supported %s", meta.APIVersion, current)}
	}

	for name, spec := range meta.Models {
		if _, reserved := reservedMethods[name]; reserved {
			return &cosimerr.ConfigurationError{Cause: fmt.Sprintf("model name %q collides with a reserved method name", name)}
		}
		if err := validatePartitions(name, spec); err != nil {
			return err
		}
	}
	for _, m := range meta.ExtraMethods {
		if _, reserved := reservedMethods[m]; reserved {
			return &cosimerr.ConfigurationError{Cause: fmt.Sprintf("extra method %q collides with a reserved method name", m)}
		}
		if _, isModel := meta.Models[m]; isModel {
			return &cosimerr.ConfigurationError{Cause: fmt.Sprintf("extra method %q collides with a model name", m)}
		}
	}
	return nil
}

// validatePartitions enforces §6: trigger ∩ non-trigger = ∅; their union
// (when both given) equals attrs; persistent ∩ non-persistent = ∅. The
// per-type defaults are applied separately by ApplyTypeDefaults.
func validatePartitions(model string, spec graph.ModelSpec) error {
	attrSet := make(map[string]struct{}, len(spec.Attrs))
	for _, a := range spec.Attrs {
		attrSet[a] = struct{}{}
	}

	if !spec.Trigger.All && !spec.NonTrigger.All {
		for a := range spec.Trigger.Explicit {
			if _, in := spec.NonTrigger.Explicit[a]; in {
				return &cosimerr.ConfigurationError{Cause: fmt.Sprintf("model %q: attribute %q is both trigger and non-trigger", model, a)}
			}
		}
		if spec.Trigger.Explicit != nil && spec.NonTrigger.Explicit != nil {
			union := make(map[string]struct{}, len(attrSet))
			for a := range spec.Trigger.Explicit {
				union[a] = struct{}{}
			}
			for a := range spec.NonTrigger.Explicit {
				union[a] = struct{}{}
			}
			if len(union) != len(attrSet) {
				return &cosimerr.ConfigurationError{Cause: fmt.Sprintf("model %q: trigger ∪ non-trigger does not cover all attrs", model)}
			}
			for a := range union {
				if _, ok := attrSet[a]; !ok {
					return &cosimerr.ConfigurationError{Cause: fmt.Sprintf("model %q: trigger/non-trigger references unknown attribute %q", model, a)}
				}
			}
		}
	}

	if !spec.Persistent.All && !spec.NonPersistent.All {
		for a := range spec.Persistent.Explicit {
			if _, in := spec.NonPersistent.Explicit[a]; in {
				return &cosimerr.ConfigurationError{Cause: fmt.Sprintf("model %q: attribute %q is both persistent and non-persistent", model, a)}
			}
		}
	}
	return nil
}

// ApplyTypeDefaults fills Trigger/Persistent defaults per §6 when a model
// spec leaves them unset, based on the simulator's overall type.
func ApplyTypeDefaults(simType graph.SimType, spec *graph.ModelSpec) {
	triggerUnset := !spec.Trigger.All && spec.Trigger.Explicit == nil
	persistentUnset := !spec.Persistent.All && spec.Persistent.Explicit == nil

	switch simType {
	case graph.TimeBased:
		if triggerUnset {
			spec.Trigger = graph.NewExplicitAttrSet(nil)
		}
		if persistentUnset {
			spec.Persistent = graph.AllAttrSet()
		}
	case graph.EventBased:
		if triggerUnset {
			spec.Trigger = graph.AllAttrSet()
		}
		if persistentUnset {
			spec.Persistent = graph.NewExplicitAttrSet(nil)
		}
	case graph.Hybrid:
		// Both must be explicit for hybrid simulators; ValidateMetadata's
		// caller is expected to have rejected an unset partition earlier
		// for this type (kept permissive here since that's a scenario
		// concern, not this function's).
	}
}
