// Package cryptoadapter wraps the opaque cryptographic primitives the rest
// of the engine builds on: Olm accounts and pairwise sessions, Megolm
// outbound/inbound group sessions, SAS verification, and Matrix canonical
// JSON. Every other package in this module treats this package as a black
// box — it never inspects a pickle string or ratchet byte slice directly.
package cryptoadapter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Canonical produces the Matrix canonical JSON encoding of v: object keys
// sorted by Unicode codepoint, no insignificant whitespace, and the
// "signatures" and "unsigned" fields stripped from every object in the tree.
//
// v is first round-tripped through encoding/json so callers can pass structs,
// maps, or already-decoded values interchangeably.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical json: marshal: %w", err)
	}

	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical json: decode: %w", err)
	}

	stripped := stripSignedFields(generic)

	var buf bytes.Buffer
	if err := encodeCanonical(&buf, stripped); err != nil {
		return nil, fmt.Errorf("canonical json: encode: %w", err)
	}
	return buf.Bytes(), nil
}

func stripSignedFields(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, sub := range val {
			if k == "signatures" || k == "unsigned" {
				continue
			}
			out[k] = stripSignedFields(sub)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, sub := range val {
			out[i] = stripSignedFields(sub)
		}
		return out
	default:
		return v
	}
}

func encodeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyBytes, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(keyBytes)
			buf.WriteByte(':')
			if err := encodeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}
}
