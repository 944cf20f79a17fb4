// Package i18n carries user-facing strings as typed references instead of
// rendered text. Every finding, action, and explanation in the analysis
// pipeline is language-neutral; only the (out-of-scope) presentation layer
// resolves a Ref into the operator's chosen language.
package i18n

import "encoding/json"

// Ref is a reference to a translatable string plus the parameters needed to
// interpolate it. It round-trips through JSON as
// {"_i18n_key": "...", "param": ...} so a renderer with no knowledge of the
// analysis pipeline's internal types can still consume it.
type Ref struct {
	Key    string
	Params map[string]any
}

// New builds a Ref from a key and an even list of param-name/value pairs,
// mirroring the *_i18n_ref(key, **params)* call sites in the source
// analysis package.
func New(key string, kv ...any) Ref {
	r := Ref{Key: key}
	if len(kv) == 0 {
		return r
	}
	r.Params = make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		name, ok := kv[i].(string)
		if !ok {
			continue
		}
		r.Params[name] = kv[i+1]
	}
	return r
}

// MarshalJSON renders the reference in the {_i18n_key, ...params} shape.
func (r Ref) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Params)+1)
	for k, v := range r.Params {
		out[k] = v
	}
	out["_i18n_key"] = r.Key
	return json.Marshal(out)
}
