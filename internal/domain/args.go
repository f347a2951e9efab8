package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ArgKind tags how a pre-configured argument may interact with caller input.
type ArgKind int

const (
	// ArgFixed is a locked value the caller may not supply.
	ArgFixed ArgKind = iota + 1
	// ArgOverridable carries a default the caller may replace.
	ArgOverridable
	// ArgPlaceholder is a hole the caller fills; unfilled holes are omitted.
	ArgPlaceholder
)

func (k ArgKind) String() string {
	switch k {
	case ArgFixed:
		return "fixed"
	case ArgOverridable:
		return "overridable"
	case ArgPlaceholder:
		return "placeholder"
	}
	return fmt.Sprintf("ArgKind(%d)", int(k))
}

// Sentinel strings written by older configuration screens for "caller fills
// this in". They are only recognised when decoding stored configuration.
var placeholderSentinels = []string{"INPUT_BY_CALLER", "FROM_PARAMETER"}

type ArgSpec struct {
	Kind  ArgKind
	Value any
}

func Fixed(v any) ArgSpec             { return ArgSpec{Kind: ArgFixed, Value: v} }
func Overridable(def any) ArgSpec     { return ArgSpec{Kind: ArgOverridable, Value: def} }
func Placeholder() ArgSpec            { return ArgSpec{Kind: ArgPlaceholder} }
func (a ArgSpec) IsPlaceholder() bool { return a.Kind == ArgPlaceholder }

type taggedArg struct {
	Kind    string          `json:"$kind"`
	Value   json.RawMessage `json:"value,omitempty"`
	Default json.RawMessage `json:"default,omitempty"`
}

func (a ArgSpec) MarshalJSON() ([]byte, error) {
	switch a.Kind {
	case ArgFixed:
		if !needsTag(a.Value) {
			return json.Marshal(a.Value)
		}
		v, err := json.Marshal(a.Value)
		if err != nil {
			return nil, err
		}
		return json.Marshal(taggedArg{Kind: "fixed", Value: v})
	case ArgOverridable:
		def, err := json.Marshal(a.Value)
		if err != nil {
			return nil, err
		}
		return json.Marshal(taggedArg{Kind: "overridable", Default: def})
	case ArgPlaceholder:
		return json.Marshal(taggedArg{Kind: "placeholder"})
	}
	return nil, fmt.Errorf("domain: cannot marshal %s", a.Kind)
}

// needsTag reports whether a fixed value would decode as something else when
// written bare.
func needsTag(v any) bool {
	switch v := v.(type) {
	case map[string]any:
		_, tagged := v["$kind"]
		return tagged
	case string:
		return isSentinel(v)
	}
	return false
}

func isSentinel(s string) bool {
	for _, sentinel := range placeholderSentinels {
		if s == sentinel {
			return true
		}
	}
	return false
}

func (a *ArgSpec) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var t taggedArg
		if err := json.Unmarshal(trimmed, &t); err == nil && t.Kind != "" {
			switch t.Kind {
			case "fixed":
				return a.decodeTagged(ArgFixed, t.Value)
			case "overridable":
				return a.decodeTagged(ArgOverridable, t.Default)
			case "placeholder":
				*a = Placeholder()
				return nil
			default:
				return fmt.Errorf("domain: unknown argument kind %q", t.Kind)
			}
		}
	}

	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return err
	}
	if s, ok := v.(string); ok && isSentinel(s) {
		*a = Placeholder()
		return nil
	}
	*a = Fixed(v)
	return nil
}

func (a *ArgSpec) decodeTagged(kind ArgKind, raw json.RawMessage) error {
	var v any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
	}
	*a = ArgSpec{Kind: kind, Value: v}
	return nil
}
