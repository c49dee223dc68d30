package cryptoutil

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"sort"
)

// byteMarker is the wire representation of a byte slice in canonical JSON,
// matching the original TypeScript schema's `Uint8Array` tagging so byte
// fields survive round-trips unambiguously instead of being confused with a
// base64 string field.
type byteMarker struct {
	Type string `json:"__type"`
	Data string `json:"data"`
}

const byteMarkerType = "Uint8Array"

// Bytes wraps raw bytes so MarshalCanonical emits the tagged wire form.
type Bytes []byte

// MarshalJSON implements json.Marshaler with the tagged form. It is also
// used by the canonical encoder below, which re-walks the resulting
// interface{} tree to sort keys.
func (b Bytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(byteMarker{Type: byteMarkerType, Data: base64.StdEncoding.EncodeToString(b)})
}

func (b *Bytes) UnmarshalJSON(data []byte) error {
	var m byteMarker
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	raw, err := base64.StdEncoding.DecodeString(m.Data)
	if err != nil {
		return err
	}
	*b = raw
	return nil
}

// CanonicalJSON serializes v (after a normal json.Marshal round-trip through
// map[string]interface{}) with object keys sorted lexicographically and no
// insignificant whitespace, so signatures computed over the result are
// stable regardless of Go struct field order. v is marshaled first with the
// standard encoder (so json tags and Bytes.MarshalJSON run normally), then
// re-encoded canonically.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := encodeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(val.String())
	case string:
		enc, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(enc)
	case []interface{}:
		buf.WriteByte('[')
		for i, e := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]interface{}:
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
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encodeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		enc, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(enc)
	}
	return nil
}
