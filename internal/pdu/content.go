package pdu

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"unicode/utf16"

	"golang.org/x/text/unicode/norm"
)

// DomainContent is the hash domain for PDU content digests.
const DomainContent = "roomstate/content/v1"

// Content is a PDU's JSON object payload.
//
// Numbers are held as json.Number so integers beyond 2^53 survive a round
// trip. Non-integers are accepted and encoded in their shortest float64
// form, so content received from peers can always be stored.
type Content map[string]any

// UnmarshalJSON decodes with UseNumber to avoid float64 precision loss.
func (c *Content) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return fmt.Errorf("decode content: %w", err)
	}
	*c = m
	return nil
}

// MarshalJSON emits canonical JSON so stored and transmitted content is
// byte-identical across servers.
func (c Content) MarshalJSON() ([]byte, error) {
	if c == nil {
		return []byte("{}"), nil
	}
	return MarshalCanonical(map[string]any(c))
}

// Int returns the integer stored under key.
func (c Content) Int(key string) (int64, bool) {
	n, err := toInt64(c[key])
	return n, err == nil
}

// Object returns the nested object stored under key.
func (c Content) Object(key string) (Content, bool) {
	switch v := c[key].(type) {
	case map[string]any:
		return Content(v), true
	case Content:
		return v, true
	default:
		return nil, false
	}
}

// Hash returns the domain-separated SHA-256 digest of the canonical content.
func (c Content) Hash() (string, error) {
	data, err := c.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("content hash: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(DomainContent))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// MarshalCanonical encodes v as canonical JSON: object keys sorted by UTF-16
// code units, strings NFC-normalised, no HTML escaping. Integers print in
// decimal; other numbers print in their shortest float64 form.
func MarshalCanonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case string:
		return writeCanonicalString(buf, val)
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case int, int32, int64:
		n, err := toInt64(val)
		if err != nil {
			return err
		}
		fmt.Fprintf(buf, "%d", n)
	case json.Number:
		if n, err := val.Int64(); err == nil {
			fmt.Fprintf(buf, "%d", n)
			return nil
		}
		f, err := val.Float64()
		if err != nil {
			return fmt.Errorf("number %q: %w", val, err)
		}
		return writeCanonicalFloat(buf, f)
	case float32:
		return writeCanonicalFloat(buf, float64(val))
	case float64:
		return writeCanonicalFloat(buf, val)
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return fmt.Errorf("array[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
	case []string:
		elems := make([]any, len(val))
		for i, s := range val {
			elems[i] = s
		}
		return writeCanonical(buf, elems)
	case Content:
		return writeCanonical(buf, map[string]any(val))
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		slices.SortFunc(keys, compareUTF16)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonicalString(buf, k); err != nil {
				return fmt.Errorf("key %q: %w", k, err)
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return fmt.Errorf("value for key %q: %w", k, err)
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unsupported type for canonical JSON: %T", v)
	}
	return nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("not an integer: %s", n)
		}
		return i, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	default:
		return 0, fmt.Errorf("not an integer: %T", v)
	}
}

// writeCanonicalFloat writes f as an integer when it is one and in the
// shortest round-tripping form otherwise. NaN and infinities have no JSON
// form.
func writeCanonicalFloat(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("number %v has no JSON form", f)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		fmt.Fprintf(buf, "%d", int64(f))
		return nil
	}
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}

// writeCanonicalString writes a JSON string without HTML escaping. U+2028 and
// U+2029 stay literal, which encoding/json would otherwise escape.
func writeCanonicalString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(norm.NFC.String(s)); err != nil {
		return err
	}
	out := bytes.TrimSuffix(tmp.Bytes(), []byte{'\n'})

	// A \u202x sequence is an escape only when preceded by an even run of
	// backslashes; otherwise it is literal text after an escaped backslash.
	for i := 0; i < len(out); i++ {
		if out[i] == '\\' && i+1 < len(out) && out[i+1] == '\\' {
			buf.WriteString(`\\`)
			i++
			continue
		}
		if bytes.HasPrefix(out[i:], []byte(`\u2028`)) {
			buf.WriteString("\u2028")
			i += 5
			continue
		}
		if bytes.HasPrefix(out[i:], []byte(`\u2029`)) {
			buf.WriteString("\u2029")
			i += 5
			continue
		}
		buf.WriteByte(out[i])
	}
	return nil
}

// compareUTF16 orders keys by UTF-16 code units rather than UTF-8 bytes.
func compareUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	return slices.Compare(a16, b16)
}
