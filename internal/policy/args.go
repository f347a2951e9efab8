package policy

import "github.com/SirClappington/enq/internal/domain"

// MergeArgs combines the function's pre-configured arguments with the
// caller's. Caller keys that are not declared in fixed pass through.
func MergeArgs(fixed map[string]domain.ArgSpec, caller map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(fixed)+len(caller))
	for k, v := range caller {
		out[k] = v
	}

	for name, spec := range fixed {
		v, supplied := caller[name]
		switch spec.Kind {
		case domain.ArgFixed:
			if supplied {
				return nil, &ArgConflictError{Arg: name}
			}
			out[name] = spec.Value
		case domain.ArgOverridable:
			if !supplied {
				out[name] = spec.Value
			}
		case domain.ArgPlaceholder:
			if supplied {
				out[name] = v
			}
		default:
			return nil, &OptionError{Option: "fixedArgs." + name, Reason: "unknown argument kind " + spec.Kind.String()}
		}
	}
	return out, nil
}
