// Package params holds the ordered parameter bag stored with each job and
// handed to its handler at dispatch time.
package params

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
)

// Param is one key of a Params bag. Value is raw JSON.
type Param struct {
	Key   string
	Value json.RawMessage
}

// Params is an ordered JSON object. It keeps the key order of the request it
// was decoded from so the persisted text round-trips unchanged.
type Params []Param

// ErrMissing is returned by accessors when the key is absent.
var ErrMissing = errors.New("missing parameter")

// FromMap builds Params from a map, sorted by key.
func FromMap(m map[string]any) (Params, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(Params, 0, len(keys))
	for _, k := range keys {
		b, err := json.Marshal(m[k])
		if err != nil {
			return nil, fmt.Errorf("param %q: %w", k, err)
		}
		out = append(out, Param{Key: k, Value: b})
	}
	return out, nil
}

// Parse decodes a JSON object. Empty input and "null" yield an empty bag.
func Parse(b []byte) (Params, error) {
	var p Params
	if err := p.UnmarshalJSON(b); err != nil {
		return nil, err
	}
	return p, nil
}

func (p Params) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, kv := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(kv.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		v := kv.Value
		if len(bytes.TrimSpace(v)) == 0 {
			v = json.RawMessage("null")
		}
		if !json.Valid(v) {
			return nil, fmt.Errorf("param %q: invalid JSON value", kv.Key)
		}
		var compact bytes.Buffer
		if err := json.Compact(&compact, v); err != nil {
			return nil, err
		}
		buf.Write(compact.Bytes())
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (p *Params) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*p = Params{}
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return errors.New("parameters must be a JSON object")
	}
	out := Params{}
	index := map[string]int{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected token %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("param %q: %w", key, err)
		}
		// Duplicate keys: the last value wins, the first position is kept.
		if i, dup := index[key]; dup {
			out[i].Value = raw
			continue
		}
		index[key] = len(out)
		out = append(out, Param{Key: key, Value: raw})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*p = out
	return nil
}

// String renders the bag as compact JSON (for logs and storage).
func (p Params) String() string {
	b, err := p.MarshalJSON()
	if err != nil {
		return "{}"
	}
	return string(b)
}

func (p Params) Raw(key string) (json.RawMessage, bool) {
	for _, kv := range p {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return nil, false
}

func (p Params) Has(key string) bool {
	_, ok := p.Raw(key)
	return ok
}

func (p Params) Keys() []string {
	out := make([]string, len(p))
	for i, kv := range p {
		out[i] = kv.Key
	}
	return out
}

func (p Params) decodeKey(key string, into any) error {
	raw, ok := p.Raw(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissing, key)
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("parameter %q: %w", key, err)
	}
	return nil
}

func (p Params) Str(key string) (string, error) {
	var s string
	err := p.decodeKey(key, &s)
	return s, err
}

// Int accepts integral JSON numbers (and numeric strings such as "5").
func (p Params) Int(key string) (int64, error) {
	var n json.Number
	raw, ok := p.Raw(key)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMissing, key)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return 0, fmt.Errorf("parameter %q: expected integer: %w", key, err)
	}
	if v, err := n.Int64(); err == nil {
		return v, nil
	}
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) || f > math.MaxInt64 || f < math.MinInt64 {
		return 0, fmt.Errorf("parameter %q: expected integer, got %s", key, n.String())
	}
	return int64(f), nil
}

func (p Params) Float(key string) (float64, error) {
	var f float64
	err := p.decodeKey(key, &f)
	return f, err
}

func (p Params) Bool(key string) (bool, error) {
	var v bool
	err := p.decodeKey(key, &v)
	return v, err
}

// Decode unmarshals the whole bag into a struct or map.
func (p Params) Decode(into any) error {
	b, err := p.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(b, into)
}
