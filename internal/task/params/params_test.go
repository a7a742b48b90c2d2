package params

import (
	"errors"
	"strings"
	"testing"
)

func TestParsePreservesOrder(t *testing.T) {
	t.Parallel()
	p, err := Parse([]byte(`{"name": "Ann", "age": 5, "tags": ["a", "b"], "nested": {"z": 1, "a": 2}}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := strings.Join(p.Keys(), ","); got != "name,age,tags,nested" {
		t.Fatalf("keys = %s", got)
	}
	if got := p.String(); got != `{"name":"Ann","age":5,"tags":["a","b"],"nested":{"z":1,"a":2}}` {
		t.Fatalf("String() = %s", got)
	}
}

func TestParseEmptyAndInvalid(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"", "null", "  {}  "} {
		p, err := Parse([]byte(in))
		if err != nil || len(p) != 0 {
			t.Fatalf("Parse(%q) = %v, %v", in, p, err)
		}
	}
	for _, in := range []string{"[1,2]", `"x"`, `{"a":}`, `{"a":1`} {
		if _, err := Parse([]byte(in)); err == nil {
			t.Fatalf("Parse(%q) expected error", in)
		}
	}
}

func TestDuplicateKeyLastWins(t *testing.T) {
	t.Parallel()
	p, err := Parse([]byte(`{"a":1,"b":2,"a":3}`))
	if err != nil {
		t.Fatal(err)
	}
	if p.String() != `{"a":3,"b":2}` {
		t.Fatalf("got %s", p.String())
	}
}

func TestAccessors(t *testing.T) {
	t.Parallel()
	p, err := Parse([]byte(`{"name":"Ann","age":5,"ratio":0.5,"ok":true,"big":1e3,"frac":1.5}`))
	if err != nil {
		t.Fatal(err)
	}
	if s, err := p.Str("name"); err != nil || s != "Ann" {
		t.Fatalf("Str = %q, %v", s, err)
	}
	if n, err := p.Int("age"); err != nil || n != 5 {
		t.Fatalf("Int = %d, %v", n, err)
	}
	if n, err := p.Int("big"); err != nil || n != 1000 {
		t.Fatalf("Int(big) = %d, %v", n, err)
	}
	if _, err := p.Int("frac"); err == nil {
		t.Fatal("Int(frac) should fail")
	}
	if f, err := p.Float("ratio"); err != nil || f != 0.5 {
		t.Fatalf("Float = %v, %v", f, err)
	}
	if b, err := p.Bool("ok"); err != nil || !b {
		t.Fatalf("Bool = %v, %v", b, err)
	}
	if _, err := p.Str("missing"); !errors.Is(err, ErrMissing) {
		t.Fatalf("missing key err = %v", err)
	}
	if _, err := p.Str("age"); err == nil {
		t.Fatal("Str on a number should fail")
	}

	var into struct {
		Name string `json:"name"`
		Age  int    `json:"age"`
	}
	if err := p.Decode(&into); err != nil || into.Name != "Ann" || into.Age != 5 {
		t.Fatalf("Decode = %+v, %v", into, err)
	}
}

func TestFromMapSortsKeys(t *testing.T) {
	t.Parallel()
	p, err := FromMap(map[string]any{"b": 1, "a": "x"})
	if err != nil {
		t.Fatal(err)
	}
	if p.String() != `{"a":"x","b":1}` {
		t.Fatalf("got %s", p.String())
	}
}
