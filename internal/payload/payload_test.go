package payload

import (
	"encoding/json"
	"errors"
	"iter"
	"math/big"
	"testing"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

type color int

func (c color) EnumValue() any { return int(c) }

type account struct{ id, owner string }

func (a account) Dump() any { return map[string]any{"id": a.id, "owner": a.owner} }

type day struct{ y, m, d int }

func (d day) ISOFormat() string { return time.Date(d.y, time.Month(d.m), d.d, 0, 0, 0, 0, time.UTC).Format("2006-01-02") }

func decodeMap(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal %q: %v", body, err)
	}
	return out
}

func TestEncode_EmptyPayload(t *testing.T) {
	for _, args := range []map[string]any{nil, {}} {
		body, header, err := Encode(args, true)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		if body != nil {
			t.Fatalf("expected nil body, got %q", body)
		}
		if ct := header.Get("Content-Type"); ct != "" {
			t.Fatalf("expected no Content-Type, got %q", ct)
		}
		if ce := header.Get("Content-Encoding"); ce != "" {
			t.Fatalf("expected no Content-Encoding, got %q", ce)
		}
	}
}

func TestEncode_RoundTrip(t *testing.T) {
	args := map[string]any{
		"a":      float64(1),
		"name":   "orders",
		"nested": map[string]any{"ok": true, "list": []any{"x", float64(2), nil}},
	}
	body, header, err := Encode(args, false)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if got := header.Get("Content-Type"); got != ContentTypeJSON {
		t.Fatalf("Content-Type = %q", got)
	}
	if got := header.Get("Content-Encoding"); got != "" {
		t.Fatalf("unexpected Content-Encoding %q", got)
	}
	if diff := cmp.Diff(args, decodeMap(t, body)); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestEncode_CompressionIsTransparent(t *testing.T) {
	args := map[string]any{"a": 1}
	plain, _, err := Encode(args, false)
	if err != nil {
		t.Fatalf("Encode plain: %v", err)
	}
	gz, header, err := Encode(args, true)
	if err != nil {
		t.Fatalf("Encode gzip: %v", err)
	}
	if got := header.Get("Content-Encoding"); got != "gzip" {
		t.Fatalf("Content-Encoding = %q, want gzip", got)
	}
	if got := header.Get("Content-Type"); got != ContentTypeJSON {
		t.Fatalf("Content-Type = %q", got)
	}
	raw, err := Gunzip(gz)
	if err != nil {
		t.Fatalf("Gunzip: %v", err)
	}
	if diff := cmp.Diff(decodeMap(t, plain), decodeMap(t, raw)); diff != "" {
		t.Fatalf("compressed content differs (-plain +gzip):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]any{"a": float64(1)}, decodeMap(t, raw)); diff != "" {
		t.Fatalf("unexpected content:\n%s", diff)
	}

	var decoded map[string]any
	if err := Decode(gz, header, &decoded); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded["a"] != float64(1) {
		t.Fatalf("Decode got %v", decoded)
	}
}

func TestEncode_Fallbacks(t *testing.T) {
	id := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	ts := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	dec, _, err := apd.NewFromString("12.5")
	if err != nil {
		t.Fatal(err)
	}
	counter := Counter{}
	counter.Add("x", 2)
	counter.Add("y", 1)

	var seq iter.Seq[int] = func(yield func(int) bool) {
		for i := 1; i <= 3; i++ {
			if !yield(i) {
				return
			}
		}
	}

	args := map[string]any{
		"time":    ts,
		"day":     day{2024, 3, 1},
		"account": account{"a1", "bob"},
		"set":     map[string]struct{}{"b": {}, "a": {}},
		"seq":     seq,
		"enum":    color(3),
		"uuid":    id,
		"decimal": dec,
		"bigrat":  big.NewRat(1, 4),
		"counter": counter,
	}
	body, _, err := Encode(args, false)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	want := map[string]any{
		"time":    "2024-03-01T12:30:00Z",
		"day":     "2024-03-01",
		"account": map[string]any{"id": "a1", "owner": "bob"},
		"set":     []any{"a", "b"},
		"seq":     []any{float64(1), float64(2), float64(3)},
		"enum":    float64(3),
		"uuid":    id.String(),
		"decimal": 12.5,
		"bigrat":  0.25,
		"counter": map[string]any{"x": float64(2), "y": float64(1)},
	}
	if diff := cmp.Diff(want, decodeMap(t, body)); diff != "" {
		t.Fatalf("fallback mismatch (-want +got):\n%s", diff)
	}
}

type Audit struct {
	By string `json:"by"`
}

type tagged struct {
	*Audit
	Tags    map[string]struct{} `json:"tags"`
	At      time.Time           `json:"at"`
	Version int                 `json:"version,string"`
	Note    string              `json:"note,omitempty"`
	Skip    chan int            `json:"-"`
	By      string              `json:"by_override,omitempty"`
	secret  string
}

func TestEncode_StructFieldsUseFallbacks(t *testing.T) {
	set := map[string]struct{}{"b": {}, "a": {}}
	w := tagged{
		Audit:   &Audit{By: "ops"},
		Tags:    set,
		At:      time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC),
		Version: 3,
		Skip:    make(chan int),
		secret:  "hidden",
	}
	body, _, err := Encode(map[string]any{"s": set, "w": w}, false)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := map[string]any{
		"s": []any{"a", "b"},
		"w": map[string]any{
			"by":      "ops",
			"tags":    []any{"a", "b"},
			"at":      "2024-03-01T12:30:00Z",
			"version": "3",
		},
	}
	if diff := cmp.Diff(want, decodeMap(t, body)); diff != "" {
		t.Fatalf("struct encoding mismatch (-want +got):\n%s", diff)
	}
}

type cyclic struct {
	*cyclic
	N int
}

func TestEncode_CyclicEmbeddingFails(t *testing.T) {
	c := &cyclic{N: 1}
	c.cyclic = c
	if _, _, err := Encode(map[string]any{"c": c}, false); !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("expected ErrUnsupportedType, got %v", err)
	}
}

func TestEncode_UnsupportedType(t *testing.T) {
	cases := map[string]any{
		"chan":    make(chan int),
		"func":    func() {},
		"complex": complex(1, 2),
		"nested":  map[string]any{"deep": []any{make(chan struct{})}},
		"field":   struct{ C chan int }{make(chan int)},
	}
	for name, v := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := Encode(map[string]any{"v": v}, false)
			if !errors.Is(err, ErrUnsupportedType) {
				t.Fatalf("expected ErrUnsupportedType, got %v", err)
			}
		})
	}
}

func TestEncode_DoesNotMutateArgs(t *testing.T) {
	ts := time.Unix(0, 0).UTC()
	inner := map[string]any{"at": ts}
	args := map[string]any{"inner": inner}
	if _, _, err := Encode(args, true); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if got, ok := inner["at"].(time.Time); !ok || !got.Equal(ts) {
		t.Fatalf("args mutated: %#v", inner)
	}
}

func TestEncodeWith_ExtraFallbackRunsFirst(t *testing.T) {
	extra := func(v any) (any, bool) {
		if _, ok := v.(time.Time); ok {
			return "redacted", true
		}
		return nil, false
	}
	body, _, err := EncodeWith(map[string]any{"at": time.Now()}, false, extra)
	if err != nil {
		t.Fatalf("EncodeWith: %v", err)
	}
	if got := decodeMap(t, body)["at"]; got != "redacted" {
		t.Fatalf("at = %v", got)
	}
}

func TestEncodeWith_SelfReferencingFallbackFails(t *testing.T) {
	type loop struct{}
	extra := func(v any) (any, bool) {
		if _, ok := v.(loop); ok {
			return loop{}, true
		}
		return nil, false
	}
	_, _, err := EncodeWith(map[string]any{"l": loop{}}, false, extra)
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("expected ErrUnsupportedType, got %v", err)
	}
}
