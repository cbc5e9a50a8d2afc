package apiclient

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
	"unicode"

	"spikeshield.io/internal/asset"
)

// record is a loosely typed JSON object. Lookups accept the snake_case key
// and its Capitalized and camelCase spellings; missing or malformed values
// read as zero.
type record map[string]any

func decodeRecord(data []byte) (record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var rec record
	if err := dec.Decode(&rec); err != nil {
		return nil, err
	}
	if rec == nil {
		rec = record{}
	}
	return rec, nil
}

func (r record) lookup(key string) (any, bool) {
	for _, k := range aliases(key) {
		if v, ok := r[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func (r record) str(key string) string {
	v, ok := r.lookup(key)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}

func (r record) int(key string) int64 {
	v, ok := r.lookup(key)
	if !ok {
		return 0
	}
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		if f, err := t.Float64(); err == nil {
			return int64(f)
		}
	case string:
		n, _ := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		return n
	}
	return 0
}

// units reads an asset amount. JSON integers are minor units; strings and
// fractional numbers are decimal amounts such as "10.5".
func (r record) units(key string) uint64 {
	v, ok := r.lookup(key)
	if !ok {
		return 0
	}
	var raw string
	switch t := v.(type) {
	case json.Number:
		if n, err := strconv.ParseUint(t.String(), 10, 64); err == nil {
			return n
		}
		raw = t.String()
	case string:
		raw = t
	default:
		return 0
	}
	n, err := asset.ParseUnits(raw)
	if err != nil {
		return 0
	}
	return n
}

func (r record) float(key string) float64 {
	v, ok := r.lookup(key)
	if !ok {
		return 0
	}
	switch t := v.(type) {
	case json.Number:
		f, _ := t.Float64()
		return f
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f
	}
	return 0
}

func (r record) bool(key string) bool {
	v, ok := r.lookup(key)
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(t)
		return b
	case json.Number:
		return t.String() != "0"
	}
	return false
}

func (r record) time(key string) time.Time {
	v, ok := r.lookup(key)
	if !ok {
		return time.Time{}
	}
	switch t := v.(type) {
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts
		}
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return time.Unix(n, 0).UTC()
		}
	}
	return time.Time{}
}

func (r record) object(key string) record {
	v, ok := r.lookup(key)
	if !ok {
		return record{}
	}
	if m, ok := v.(map[string]any); ok {
		return record(m)
	}
	return record{}
}

func (r record) list(key string) []record {
	v, ok := r.lookup(key)
	if !ok {
		return nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]record, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			out = append(out, record(m))
		}
	}
	return out
}

// aliases returns key followed by its Capitalized and camelCase forms:
// tx_hash, TxHash, txHash.
func aliases(key string) []string {
	parts := strings.Split(key, "_")
	if len(parts) == 1 {
		return []string{key, capitalize(key)}
	}
	var pascal, camel strings.Builder
	for i, p := range parts {
		pascal.WriteString(capitalize(p))
		if i == 0 {
			camel.WriteString(p)
		} else {
			camel.WriteString(capitalize(p))
		}
	}
	return []string{key, pascal.String(), camel.String()}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
