package cryptoadapter

import "testing"

func TestCanonicalSortsKeys(t *testing.T) {
	in := map[string]any{"b": 1, "a": 2, "c": map[string]any{"z": 1, "y": 2}}
	got, err := Canonical(in)
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}
	want := `{"a":2,"b":1,"c":{"y":2,"z":1}}`
	if string(got) != want {
		t.Fatalf("Canonical() = %s, want %s", got, want)
	}
}

func TestCanonicalStripsSignaturesAndUnsigned(t *testing.T) {
	in := map[string]any{
		"content":    "hello",
		"signatures": map[string]any{"alice": "sig"},
		"unsigned":   map[string]any{"age": 1},
	}
	got, err := Canonical(in)
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}
	want := `{"content":"hello"}`
	if string(got) != want {
		t.Fatalf("Canonical() = %s, want %s", got, want)
	}
}

func TestCanonicalStripsNested(t *testing.T) {
	in := map[string]any{
		"events": []any{
			map[string]any{"content": "a", "unsigned": map[string]any{"x": 1}},
		},
	}
	got, err := Canonical(in)
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}
	want := `{"events":[{"content":"a"}]}`
	if string(got) != want {
		t.Fatalf("Canonical() = %s, want %s", got, want)
	}
}

func TestCanonicalDeterministic(t *testing.T) {
	in := map[string]any{"one": 1, "two": 2, "three": 3}
	a, err := Canonical(in)
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}
	b, err := Canonical(in)
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}
	if string(a) != string(b) {
		t.Fatalf("Canonical() not deterministic: %s vs %s", a, b)
	}
}
