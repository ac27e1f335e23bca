// Package canonical produces deterministic JSON for hashing and signing audit
// records and change notes.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
)

// Marshal returns deterministic JSON bytes for v: object keys are sorted,
// array order is kept, numbers keep their textual form.
func Marshal(v any) ([]byte, error) {
	tree, err := normalize(v)
	if err != nil {
		return nil, err
	}
	w := writer{}
	w.value(tree)
	return w.Bytes(), nil
}

// Digest returns the hex SHA-256 of the canonical form of v along with the raw digest.
func Digest(v any) (string, []byte, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), sum[:], nil
}

// normalize reduces v to the generic JSON shapes (map[string]any, []any,
// string, json.Number, bool, nil). Values already in that shape are kept
// as is; anything else goes through encoding/json once.
func normalize(v any) (any, error) {
	if isGeneric(v) {
		return v, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: encode %T: %w", v, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("canonical: decode %T: %w", v, err)
	}
	return out, nil
}

func isGeneric(v any) bool {
	switch t := v.(type) {
	case nil, bool, string, json.Number, float64:
		return true
	case []any:
		for _, e := range t {
			if !isGeneric(e) {
				return false
			}
		}
		return true
	case map[string]any:
		for _, e := range t {
			if !isGeneric(e) {
				return false
			}
		}
		return true
	}
	return false
}

type writer struct{ bytes.Buffer }

func (w *writer) value(v any) {
	switch t := v.(type) {
	case nil:
		w.WriteString("null")
	case bool:
		w.WriteString(strconv.FormatBool(t))
	case json.Number:
		w.WriteString(t.String())
	case float64:
		// Same text encoding/json would produce for a float64.
		b, _ := json.Marshal(t)
		w.Write(b)
	case string:
		w.str(t)
	case []any:
		w.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				w.WriteByte(',')
			}
			w.value(e)
		}
		w.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		w.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				w.WriteByte(',')
			}
			w.str(k)
			w.WriteByte(':')
			w.value(t[k])
		}
		w.WriteByte('}')
	}
}

func (w *writer) str(s string) {
	b, _ := json.Marshal(s)
	w.Write(b)
}
